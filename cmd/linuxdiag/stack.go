package main

import (
	"errors"
	"fmt"

	"linuxdiag/pkg/audit"
	"linuxdiag/pkg/config"
	"linuxdiag/pkg/gatekeeper"
	"linuxdiag/pkg/metrics"
	"linuxdiag/pkg/router"
	"linuxdiag/pkg/ssh"

	"github.com/sirupsen/logrus"
)

// stack is the in-process execution path: auditor, pool and the router
// wrapped in its middleware.
type stack struct {
	cfg      *config.Config
	auditor  audit.Auditor
	metrics  *metrics.Metrics
	pool     *ssh.Pool
	executor router.Executor
	closers  []func() error
}

func newStack(cfg *config.Config) (*stack, error) {
	s := &stack{cfg: cfg, metrics: metrics.New()}

	auditors := audit.Multi{audit.NewLogger(nil)}
	if cfg.Audit.File != "" {
		f, err := audit.OpenFile(cfg.Audit.File)
		if err != nil {
			return nil, err
		}
		auditors = append(auditors, f)
		s.closers = append(s.closers, f.Close)
	}
	s.auditor = auditors

	targets := ssh.NewTargetResolver(cfg.Hosts, cfg.SSH.User, cfg.SSH.Port)
	if err := targets.LoadSSHConfig(cfg.SSH.ConfigPath); err != nil {
		s.Close()
		return nil, err
	}
	if cfg.SSH.GSSAPI {
		logrus.Warn("gssapi is enabled but no Kerberos client is available, it will be skipped")
	}

	auth := ssh.NewAuthResolver(ssh.AuthConfigFromConfig(cfg.SSH)).WithIdentities(targets)
	dialer := ssh.NewSSHDialer(auth).
		WithDialTimeout(cfg.SSH.ConnectTimeout).
		WithKeepaliveInterval(cfg.SSH.KeepaliveInterval).
		WithAuditor(s.auditor)

	s.pool = ssh.NewPool(dialer,
		ssh.WithIdleTimeout(cfg.SSH.IdleTimeout),
		ssh.WithMaxConnections(cfg.SSH.MaxConnections),
		ssh.WithDialRate(cfg.SSH.DialInterval, cfg.SSH.DialBurst),
		ssh.WithDialTimeout(cfg.SSH.ConnectTimeout),
		ssh.WithPoolAuditor(s.auditor),
		ssh.WithPoolMetrics(s.metrics),
	)

	r := router.New(s.pool,
		router.WithDefaultTimeout(cfg.CommandTimeout),
		router.WithDefaultUser(cfg.SSH.User),
		router.WithResolver(targets),
		router.WithRemoteLookup(cfg.SSH.ResolveRemoteBinaries),
	)
	mws := []router.Middleware{router.Audit(s.auditor)}
	if cfg.Server.DisallowLocalExecInContainers {
		mws = append(mws, router.DisallowLocalInContainer(router.DetectContainer))
	}
	mws = append(mws, router.Instrument(s.metrics))
	s.executor = router.Chain(r, mws...)
	return s, nil
}

// newGatekeeper builds the script gatekeeper on top of the executor.
func (s *stack) newGatekeeper(opts ...gatekeeper.Option) (*gatekeeper.Gatekeeper, error) {
	var policy gatekeeper.PolicyChecker
	if url := s.cfg.Gatekeeper.PolicyURL; url != "" {
		p, err := gatekeeper.NewHTTPPolicy(url, s.cfg.Gatekeeper.PolicyTimeout)
		if err != nil {
			return nil, err
		}
		s.closers = append(s.closers, p.Close)
		policy = p
	} else {
		logrus.Warn("no policy service configured, using the built-in static rules")
		policy = gatekeeper.DefaultStaticPolicy()
	}

	opts = append([]gatekeeper.Option{
		gatekeeper.WithAuditor(s.auditor),
		gatekeeper.WithMetrics(s.metrics),
		gatekeeper.WithScriptTimeout(s.cfg.Gatekeeper.ScriptTimeout),
	}, opts...)
	return gatekeeper.New(s.executor, policy, opts...), nil
}

// Close shuts the pool down and releases the audit log and policy client.
func (s *stack) Close() error {
	if s.pool != nil {
		s.pool.Shutdown()
	}
	var errs []error
	for i := len(s.closers) - 1; i >= 0; i-- {
		if err := s.closers[i](); err != nil {
			errs = append(errs, err)
		}
	}
	if err := errors.Join(errs...); err != nil {
		return fmt.Errorf("failed to release resources: %w", err)
	}
	return nil
}
