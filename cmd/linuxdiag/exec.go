package main

import (
	"context"
	"fmt"
	"os"

	"linuxdiag/pkg/command"
	"linuxdiag/pkg/define"
	"linuxdiag/pkg/httpserver"
	"linuxdiag/pkg/router"

	"github.com/urfave/cli/v3"
)

var targetFlags = []cli.Flag{
	&cli.StringFlag{
		Name:  define.FlagHost,
		Usage: "host alias or address, empty runs on this machine",
	},
	&cli.StringFlag{
		Name:    define.FlagUser,
		Usage:   "remote user, by default the configured user",
		Sources: cli.EnvVars(define.EnvUser),
	},
	&cli.Uint16Flag{
		Name:  define.FlagPort,
		Usage: "remote SSH port, by default from the hosts list, ssh config or 22",
	},
}

var execCmd = cli.Command{
	Name:        "exec",
	Usage:       "run one command locally or on a remote host",
	UsageText:   "exec [flags] -- program [args...]",
	Description: "run a program with its arguments, never through a shell. Without --direct the command goes through the running server",
	Flags: append([]cli.Flag{
		&cli.DurationFlag{
			Name:  define.FlagTimeout,
			Usage: "command timeout, by default the configured command timeout",
		},
		&cli.StringSliceFlag{
			Name:  "fallback",
			Usage: "argv to run instead when the program exits non-zero, one flag per element",
		},
		&cli.BoolFlag{
			Name:  "direct",
			Usage: "run in this process instead of through the server",
		},
	}, targetFlags...),
	Action: execCommand,
}

func execCommand(ctx context.Context, cmd *cli.Command) error {
	if cmd.Args().Len() < 1 {
		return fmt.Errorf("no command specified")
	}

	req := command.Request{
		Argv:    cmd.Args().Slice(),
		Host:    cmd.String(define.FlagHost),
		User:    cmd.String(define.FlagUser),
		Port:    cmd.Uint16(define.FlagPort),
		Timeout: cmd.Duration(define.FlagTimeout),
	}
	fallback := cmd.StringSlice("fallback")

	var (
		res *command.Result
		err error
	)
	if cmd.Bool("direct") {
		res, err = execDirect(ctx, cmd, req, fallback)
	} else {
		res, err = execRemote(ctx, cmd, req, fallback)
	}
	if err != nil {
		return err
	}
	return printResult(res)
}

func execDirect(ctx context.Context, cmd *cli.Command, req command.Request, fallback []string) (*command.Result, error) {
	cfg, err := loadConfig(cmd)
	if err != nil {
		return nil, err
	}
	st, err := newStack(cfg)
	if err != nil {
		return nil, err
	}
	defer st.Close()

	res, err := router.ExecuteWithFallback(ctx, st.executor, req, fallback)
	if err != nil {
		return nil, describe(err)
	}
	return res, nil
}

func execRemote(ctx context.Context, cmd *cli.Command, req command.Request, fallback []string) (*command.Result, error) {
	client, err := apiClient(cmd)
	if err != nil {
		return nil, err
	}
	defer client.Close()

	body := httpserver.ExecRequest{
		Argv:           req.Argv,
		Fallback:       fallback,
		Host:           req.Host,
		User:           req.User,
		Port:           req.Port,
		TimeoutSeconds: req.Timeout.Seconds(),
	}
	var res command.Result
	if err := client.Post(define.RestAPIExecURL).JSONBody(body).DoJSON(ctx, &res); err != nil {
		return nil, apiError(err)
	}
	return &res, nil
}

// printResult copies the program output and exits with its status.
func printResult(res *command.Result) error {
	_, _ = os.Stdout.WriteString(res.Stdout)
	_, _ = os.Stderr.WriteString(res.Stderr)
	if res.ExitCode != 0 {
		return cli.Exit("", res.ExitCode)
	}
	return nil
}
