package ssh

import (
	"context"
	"errors"
	"fmt"
	"io"
	"sync"

	"al.essio.dev/pkg/shellescape"
	"github.com/sirupsen/logrus"
	"golang.org/x/crypto/ssh"
)

var (
	// ErrSessionClosed is returned when operations are attempted on a closed session
	ErrSessionClosed = errors.New("SSH session is closed")
	// ErrCommandFailed is returned when the command could not be run or its
	// exit status was lost
	ErrCommandFailed = errors.New("command execution failed")
)

// Session represents an SSH session with automatic resource management
type Session struct {
	session *ssh.Session
	client  *Client

	// Lifecycle
	closeOnce sync.Once
	closed    chan struct{}
	mu        sync.RWMutex
}

// QuoteArgv joins argv into the single command string an SSH exec request
// carries. Each element is quoted so the remote shell sees the same argv.
func QuoteArgv(argv []string) string {
	return shellescape.QuoteCommand(argv)
}

// SetOutput points the remote stdout and stderr at the given writers.
// It must be called before Start.
func (s *Session) SetOutput(stdout, stderr io.Writer) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.isClosed() {
		return ErrSessionClosed
	}

	s.session.Stdout = stdout
	s.session.Stderr = stderr
	return nil
}

// Start begins execution of the given command without waiting for it to complete.
// Use Wait() to wait for the command to finish.
func (s *Session) Start(ctx context.Context, command ...string) error {
	if len(command) == 0 || command[0] == "" {
		return errors.New("command is empty")
	}

	s.mu.RLock()
	defer s.mu.RUnlock()

	if s.isClosed() {
		return ErrSessionClosed
	}
	if err := ctx.Err(); err != nil {
		return err
	}

	cmdString := QuoteArgv(command)
	logrus.Debugf("starting remote command on %s@%s: %s", s.client.config.User, s.client.config.Host, cmdString)

	if err := s.session.Start(cmdString); err != nil {
		return fmt.Errorf("%w: %v", ErrCommandFailed, err)
	}

	return nil
}

// Run executes the given command and waits for it to complete.
// This is equivalent to calling Start() followed by Wait().
func (s *Session) Run(ctx context.Context, command ...string) (int, error) {
	if err := s.Start(ctx, command...); err != nil {
		return -1, err
	}
	return s.Wait()
}

// Wait waits for the remote command to exit and returns its exit status.
// A non-zero status is not an error. The error is only set when the
// session broke or the server never reported a status.
func (s *Session) Wait() (int, error) {
	s.mu.RLock()
	session := s.session
	s.mu.RUnlock()

	if session == nil {
		return -1, ErrSessionClosed
	}

	err := session.Wait()
	if err == nil {
		return 0, nil
	}

	var exitErr *ssh.ExitError
	if errors.As(err, &exitErr) {
		return exitErr.ExitStatus(), nil
	}
	return -1, fmt.Errorf("%w: %v", ErrCommandFailed, err)
}

// Signal sends a signal to the remote process.
// This is typically used to interrupt or terminate a running command.
//
// Common signals:
//   - ssh.SIGTERM: Request graceful termination
//   - ssh.SIGKILL: Force immediate termination
//   - ssh.SIGINT: Interrupt (Ctrl+C)
func (s *Session) Signal(signal ssh.Signal) error {
	s.mu.RLock()
	defer s.mu.RUnlock()

	if s.isClosed() {
		return ErrSessionClosed
	}

	if err := s.session.Signal(signal); err != nil {
		return fmt.Errorf("failed to send signal %s: %w", signal, err)
	}

	logrus.Debugf("sent signal %s to remote process", signal)
	return nil
}

// Close closes the session and releases all resources.
// It is safe to call Close multiple times.
func (s *Session) Close() error {
	var finalErr error

	s.closeOnce.Do(func() {
		s.mu.Lock()
		defer s.mu.Unlock()

		// Signal closure
		close(s.closed)

		if s.session != nil {
			if err := s.session.Close(); err != nil && !errors.Is(err, io.EOF) {
				finalErr = fmt.Errorf("failed to close SSH session: %w", err)
			}
			s.session = nil
		}
	})

	return finalErr
}

// isClosed returns true if the session has been closed
func (s *Session) isClosed() bool {
	select {
	case <-s.closed:
		return true
	default:
		return false
	}
}
