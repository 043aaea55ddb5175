package main

import (
	"context"
	"os"
	"os/signal"
	"syscall"

	"linuxdiag/pkg/define"

	"github.com/sirupsen/logrus"
	"github.com/urfave/cli/v3"
)

func main() {
	app := cli.Command{
		Name:                      "linuxdiag",
		Usage:                     "read-only diagnostics for Linux hosts, local or over SSH",
		UsageText:                 "linuxdiag [global flags] command [flags]",
		Description:               "run diagnostic commands on this machine or on remote hosts over pooled SSH connections, and run reviewed scripts after human approval",
		Before:                    earlyStage,
		DisableSliceFlagSeparator: true,
		Flags: []cli.Flag{
			&cli.BoolFlag{
				Name:    define.FlagVerbose,
				Aliases: []string{"v"},
				Usage:   "enable debug logging",
			},
			&cli.StringFlag{
				Name:  define.FlagLogFormat,
				Usage: "log format, text or json",
				Value: "text",
			},
			&cli.StringFlag{
				Name:    define.FlagConfig,
				Usage:   "configuration file, by default " + define.DefaultConfigFileInContainer + " or ./" + define.DefaultConfigFile,
				Sources: cli.EnvVars(define.EnvConfigFile),
			},
			&cli.StringFlag{
				Name:    define.FlagListenUnixFile,
				Usage:   "unix socket of the API server, e.g. unix:///tmp/linuxdiag.sock",
				Sources: cli.EnvVars(define.EnvListenUnixFile),
			},
		},
	}

	app.Commands = []*cli.Command{
		&serveCmd,
		&execCmd,
		&scriptCmd,
		&keygenCmd,
		&versionCmd,
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGTERM, syscall.SIGINT)
	defer stop()

	if err := app.Run(ctx, os.Args); err != nil {
		logrus.Fatal(err)
	}
}
