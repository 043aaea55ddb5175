package router

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"strings"
	"time"

	"linuxdiag/pkg/command"

	"github.com/sirupsen/logrus"
)

// sbinDirs are searched after $PATH; diagnostic tools often live there and
// unprivileged users rarely have them on PATH.
var sbinDirs = []string{"/sbin", "/usr/sbin", "/usr/local/sbin"}

// LocalRunner spawns argv directly, without a shell, in its own process
// group so a timeout kills anything the command forked.
type LocalRunner struct {
	path string
	env  []string
}

func NewLocalRunner() *LocalRunner {
	return &LocalRunner{path: os.Getenv("PATH")}
}

// WithPath overrides the search path used to locate argv[0].
func (l *LocalRunner) WithPath(path string) *LocalRunner {
	l.path = path
	return l
}

// WithEnv sets the child environment. Nil inherits ours.
func (l *LocalRunner) WithEnv(env []string) *LocalRunner {
	l.env = env
	return l
}

// LookPath resolves name against $PATH and then the sbin directories.
// Names containing a slash are returned unchanged if they are executable.
func (l *LocalRunner) LookPath(name string) (string, error) {
	if strings.Contains(name, "/") {
		if isExecutable(name) {
			return name, nil
		}
		return "", fmt.Errorf("%s: %w", name, exec.ErrNotFound)
	}

	dirs := filepath.SplitList(l.path)
	for _, d := range sbinDirs {
		if !contains(dirs, d) {
			dirs = append(dirs, d)
		}
	}
	for _, d := range dirs {
		if d == "" {
			continue
		}
		p := filepath.Join(d, name)
		if isExecutable(p) {
			return p, nil
		}
	}
	return "", fmt.Errorf("%s: %w", name, exec.ErrNotFound)
}

func isExecutable(path string) bool {
	fi, err := os.Stat(path)
	return err == nil && !fi.IsDir() && fi.Mode()&0o111 != 0
}

func contains(list []string, s string) bool {
	for _, v := range list {
		if v == s {
			return true
		}
	}
	return false
}

// Run executes argv and buffers its output. When ctx ends the whole process
// group is killed and Timeout is returned at once; the child is reaped in
// the background.
func (l *LocalRunner) Run(ctx context.Context, argv []string) (*command.Result, error) {
	if len(argv) == 0 || argv[0] == "" {
		return nil, command.ErrEmptyArgv
	}

	bin, err := l.LookPath(argv[0])
	if err != nil {
		return nil, command.NewError(command.KindLocalSpawnFailed, "", "", fmt.Errorf("%w: %w", command.ErrLocalSpawnFailed, err))
	}

	// exec.Command, not CommandContext: cancellation kills the group, not
	// just the leader
	cmd := exec.Command(bin, argv[1:]...) //nolint:gosec // argv is never passed to a shell
	cmd.Env = l.env
	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr
	setProcessGroup(cmd)

	start := time.Now()
	if err := cmd.Start(); err != nil {
		return nil, command.NewError(command.KindLocalSpawnFailed, "", "", fmt.Errorf("%w: %w", command.ErrLocalSpawnFailed, err))
	}
	logrus.Debugf("started local command pid %d: %s", cmd.Process.Pid, command.Request{Argv: argv})

	exitChan := make(chan error, 1)
	go func() {
		exitChan <- cmd.Wait()
	}()

	select {
	case <-ctx.Done():
		if err := killProcessGroup(cmd); err != nil {
			logrus.Debugf("failed to kill process group %d: %v", cmd.Process.Pid, err)
		}
		go func() {
			<-exitChan
		}()
		return nil, command.NewError(command.KindTimeout, "", "", fmt.Errorf("%w: %v", command.ErrTimeout, ctx.Err()))
	case err := <-exitChan:
		res := &command.Result{
			Stdout:   stdout.String(),
			Stderr:   stderr.String(),
			Duration: time.Since(start),
		}
		if err != nil {
			var exitErr *exec.ExitError
			if !errors.As(err, &exitErr) {
				return nil, command.NewError(command.KindLocalSpawnFailed, "", "", fmt.Errorf("%w: %w", command.ErrLocalSpawnFailed, err))
			}
			res.ExitCode = exitErr.ExitCode()
			if res.ExitCode < 0 {
				// killed by a signal
				res.ExitCode = 128 + signalOf(exitErr)
			}
		}
		return res, nil
	}
}
