package main

import (
	"context"
	"errors"

	"linuxdiag/pkg/event"
	"linuxdiag/pkg/gatekeeper"
	"linuxdiag/pkg/httpserver"
	"linuxdiag/pkg/system"

	"github.com/sirupsen/logrus"
	"github.com/urfave/cli/v3"
	"golang.org/x/sync/errgroup"
)

var serveCmd = cli.Command{
	Name:        "serve",
	Usage:       "run the diagnostics API server",
	UsageText:   "serve [flags]",
	Description: "serve command execution and, when the toolset allows it, script review and approval on a unix socket",
	Action:      serve,
}

func serve(ctx context.Context, command *cli.Command) error {
	cfg, err := loadConfig(command)
	if err != nil {
		return err
	}
	logrus.Infof("linuxdiag %s, toolset %s, %d configured hosts", showVersion(), cfg.Toolset, len(cfg.Hosts))

	if err := system.RaiseNoFile(); err != nil {
		logrus.Warnf("failed to raise the open file limit: %v", err)
	}

	st, err := newStack(cfg)
	if err != nil {
		return err
	}
	defer func() {
		if err := st.Close(); err != nil {
			logrus.Warn(err)
		}
	}()

	opts := []httpserver.Option{httpserver.WithMetrics(st.metrics)}
	if cfg.GatekeeperEnabled() {
		reporter, err := event.NewReporter(cfg.Gatekeeper.NotifyEndpoint)
		if err != nil {
			return err
		}
		defer reporter.Close()

		events := httpserver.NewEventStream()
		gk, err := st.newGatekeeper(
			gatekeeper.OnTransition(events.PublishExecution),
			gatekeeper.OnTransition(reporter.Hook()),
			gatekeeper.OnTransition(logTransition),
		)
		if err != nil {
			return err
		}
		opts = append(opts, httpserver.WithGatekeeper(gk, events))
	}
	srv := httpserver.NewAPIServer(cfg.Server.ListenUnix, st.executor, opts...)

	g, ctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		return srv.Start(ctx)
	})
	g.Go(func() error {
		<-ctx.Done()
		logrus.Info("shutting down, closing pooled connections")
		st.pool.Shutdown()
		return nil
	})

	if err := g.Wait(); err != nil && !errors.Is(err, context.Canceled) {
		return err
	}
	return nil
}

func logTransition(e gatekeeper.Execution) {
	switch e.State {
	case gatekeeper.StateWaitingApproval:
		logrus.Infof("script %s is waiting for approval: %s", e.ID, e.Description)
	case gatekeeper.StateRejectedGatekeeper:
		reason := e.Error
		if e.Verdict != nil {
			reason = string(e.Verdict.Status)
		}
		logrus.Warnf("script %s rejected by the policy check: %s", e.ID, reason)
	}
}
