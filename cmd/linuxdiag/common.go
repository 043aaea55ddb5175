package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"strings"

	"linuxdiag/pkg/command"
	"linuxdiag/pkg/config"
	"linuxdiag/pkg/define"
	"linuxdiag/pkg/httpserver"
	"linuxdiag/pkg/network"

	"github.com/sirupsen/logrus"
	"github.com/urfave/cli/v3"
)

func earlyStage(ctx context.Context, command *cli.Command) (context.Context, error) {
	setLogrus(command)
	return ctx, nil
}

func setLogrus(command *cli.Command) {
	logrus.SetLevel(logrus.InfoLevel)
	if command.Bool(define.FlagVerbose) {
		logrus.SetLevel(logrus.DebugLevel)
	}

	if command.String(define.FlagLogFormat) == "json" {
		logrus.SetFormatter(&logrus.JSONFormatter{
			TimestampFormat: "2006-01-02T15:04:05.000Z07:00",
		})
	} else {
		logrus.SetFormatter(&logrus.TextFormatter{
			FullTimestamp:   true,
			TimestampFormat: "2006-01-02 15:04:05.000",
		})
	}
	logrus.SetOutput(os.Stderr)
}

// loadConfig reads the configuration and applies the global flags on top
// of it. --verbose wins over the configured log level.
func loadConfig(command *cli.Command) (*config.Config, error) {
	cfg, err := config.Load(command.String(define.FlagConfig))
	if err != nil {
		return nil, err
	}
	if v := command.String(define.FlagListenUnixFile); v != "" {
		cfg.Server.ListenUnix = v
	}
	if !command.Bool(define.FlagVerbose) {
		logrus.SetLevel(define.LogLevelStr2Type(cfg.LogLevel).Logrus())
	}
	if cfg.Path != "" {
		logrus.Debugf("using configuration %s", cfg.Path)
	}
	return cfg, nil
}

// apiClient connects to a running server. Requests are bounded by ctx only,
// since approving a script waits for it to finish.
func apiClient(command *cli.Command) (*network.Client, error) {
	listen := command.String(define.FlagListenUnixFile)
	if listen == "" {
		cfg, err := loadConfig(command)
		if err != nil {
			return nil, err
		}
		listen = cfg.Server.ListenUnix
	}
	addr, err := network.ParseUnixAddr(listen)
	if err != nil {
		return nil, err
	}
	return network.NewUnixClient(addr.Path, network.WithTimeout(0)), nil
}

// apiError turns an error response from the server into its message.
func apiError(err error) error {
	var se *network.StatusError
	if !errors.As(err, &se) {
		return err
	}
	var resp httpserver.ErrResponse
	if jerr := json.Unmarshal([]byte(se.Body), &resp); jerr != nil || resp.Error == "" {
		return err
	}
	if resp.Kind != "" {
		return fmt.Errorf("%s: %s", resp.Kind, resp.Error)
	}
	return errors.New(resp.Error)
}

func homeDir() string {
	home, _ := os.UserHomeDir()
	return home
}

// describe drops host credentials from execution errors.
func describe(err error) error {
	if command.KindOf(err) == command.KindUnknown {
		return err
	}
	return errors.New(command.Describe(err))
}

func showVersion() string {
	var version strings.Builder
	if define.Version != "" {
		version.WriteString(define.Version)
	} else {
		version.WriteString("unknown")
	}

	version.WriteString("-")

	if define.CommitID != "" {
		version.WriteString(define.CommitID)
	} else {
		version.WriteString("unknown")
	}
	return version.String()
}

var versionCmd = cli.Command{
	Name:  "version",
	Usage: "print the version",
	Action: func(ctx context.Context, command *cli.Command) error {
		fmt.Printf("linuxdiag version %s\n", showVersion())
		return nil
	},
}
