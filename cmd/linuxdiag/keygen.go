package main

import (
	"context"
	"fmt"

	"linuxdiag/pkg/config"
	"linuxdiag/pkg/define"
	"linuxdiag/pkg/ssh"
	"linuxdiag/pkg/system"

	"github.com/urfave/cli/v3"
)

var keygenCmd = cli.Command{
	Name:        "keygen",
	Usage:       "generate an ed25519 key pair for remote hosts",
	UsageText:   "keygen [--passphrase TEXT] [path]",
	Description: "write a new private key and its .pub next to it. The default path is the configured ssh key path or ~/.ssh/id_ed25519",
	Flags: []cli.Flag{
		&cli.StringFlag{
			Name:    define.FlagPassphrase,
			Usage:   "encrypt the private key",
			Sources: cli.EnvVars(define.EnvKeyPassphrase),
		},
	},
	Action: keygen,
}

func keygen(ctx context.Context, cmd *cli.Command) error {
	path := cmd.Args().First()
	if path == "" {
		cfg, err := loadConfig(cmd)
		if err != nil {
			return err
		}
		path = cfg.SSH.KeyPath
		if path == "" {
			path = "~/.ssh/id_ed25519"
		}
	}
	path = config.ExpandHome(path, homeDir())

	if err := system.EnsureParentDir(path); err != nil {
		return err
	}
	opts := ssh.DefaultKeyGenOptions()
	opts.Passphrase = cmd.String(define.FlagPassphrase)
	kp, err := ssh.GenerateKeyPair(path, opts)
	if err != nil {
		return err
	}
	fmt.Printf("private key: %s\npublic key:  %s\n\nadd this line to ~/.ssh/authorized_keys on the remote hosts:\n%s\n",
		kp.AbsolutePath, kp.PublicKeyPath(), kp.AuthorizedKey())
	return nil
}
