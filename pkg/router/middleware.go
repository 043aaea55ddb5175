package router

import (
	"context"
	"errors"
	"os"
	"slices"
	"sync"
	"time"

	"linuxdiag/pkg/audit"
	"linuxdiag/pkg/command"
	"linuxdiag/pkg/metrics"

	"github.com/shirou/gopsutil/v4/host"
	"github.com/sirupsen/logrus"
)

var ErrLocalExecutionDisallowed = errors.New("local execution is not allowed when running in a container, specify a host to execute remotely over SSH")

// Audit reports every request before and after it runs. Auditor failures
// are logged and never fail the command.
func Audit(a audit.Auditor) Middleware {
	return func(next Executor) Executor {
		return ExecutorFunc(func(ctx context.Context, req command.Request) (*command.Result, error) {
			audit.Emit(a, audit.Event{
				Type: audit.EventExecStart,
				Host: req.Host,
				User: req.User,
				Port: req.Port,
				Argv: req.Argv,
			})

			start := time.Now()
			res, err := next.Execute(ctx, req)

			ev := audit.Event{
				Type:     audit.EventExecEnd,
				Host:     req.Host,
				User:     req.User,
				Port:     req.Port,
				Argv:     req.Argv,
				Duration: time.Since(start),
				Outcome:  audit.OutcomeSuccess,
			}
			switch {
			case err != nil:
				ev.Outcome = audit.OutcomeFailure
				ev.Error = command.Describe(err)
				ev.Detail = command.KindOf(err).String()
			case res != nil:
				ev.ExitCode = audit.Code(res.ExitCode)
				if res.ExitCode != 0 {
					ev.Outcome = audit.OutcomeFailure
				}
			}
			audit.Emit(a, ev)
			return res, err
		})
	}
}

// Instrument records command latency by mode and outcome.
func Instrument(m *metrics.Metrics) Middleware {
	return func(next Executor) Executor {
		return ExecutorFunc(func(ctx context.Context, req command.Request) (*command.Result, error) {
			start := time.Now()
			res, err := next.Execute(ctx, req)

			mode := "local"
			if req.IsRemote() {
				mode = "remote"
			}
			outcome := "success"
			switch {
			case err != nil:
				outcome = command.KindOf(err).String()
			case res.ExitCode != 0:
				outcome = command.KindNonZeroExit.String()
			}
			m.ObserveCommand(mode, outcome, time.Since(start))
			return res, err
		})
	}
}

// containerSystems are the values of $container, or of the gopsutil
// virtualization system, that mean we run inside a container.
var containerSystems = []string{
	"openvz", "lxc", "lxc-libvirt", "systemd-nspawn", "docker", "podman",
	"rkt", "wsl", "proot", "pouch",
}

// ContainerDetector reports whether the process runs in a container.
type ContainerDetector func(ctx context.Context) bool

// DetectContainer checks $container first, then asks gopsutil.
func DetectContainer(ctx context.Context) bool {
	if slices.Contains(containerSystems, os.Getenv("container")) {
		return true
	}
	system, role, err := host.VirtualizationWithContext(ctx)
	if err != nil {
		logrus.Debugf("failed to detect virtualization: %v", err)
		return false
	}
	return role == "guest" && slices.Contains(containerSystems, system)
}

// DisallowLocalInContainer refuses local requests when detect reports a
// container. The detector runs once.
func DisallowLocalInContainer(detect ContainerDetector) Middleware {
	if detect == nil {
		detect = DetectContainer
	}
	var (
		once  sync.Once
		inCtr bool
	)
	return func(next Executor) Executor {
		return ExecutorFunc(func(ctx context.Context, req command.Request) (*command.Result, error) {
			if !req.IsRemote() {
				once.Do(func() { inCtr = detect(ctx) })
				if inCtr {
					return nil, ErrLocalExecutionDisallowed
				}
			}
			return next.Execute(ctx, req)
		})
	}
}
