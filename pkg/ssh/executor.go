package ssh

import (
	"bytes"
	"context"
	"fmt"
	"time"

	"linuxdiag/pkg/command"

	"github.com/sirupsen/logrus"
	"golang.org/x/crypto/ssh"
)

// Executor runs one command per session over a shared client and buffers
// its output.
type Executor struct {
	client       *Client
	cancelSignal ssh.Signal
}

// NewExecutor creates a new command executor using the given client
func NewExecutor(client *Client) *Executor {
	return &Executor{
		client:       client,
		cancelSignal: ssh.SIGKILL,
	}
}

// WithCancelSignal sets the signal to send on context cancellation
func (e *Executor) WithCancelSignal(signal ssh.Signal) *Executor {
	e.cancelSignal = signal
	return e
}

// Run executes argv on the remote host and waits for it to complete or for
// ctx to end. On cancellation the remote process is signalled, the session
// is torn down in the background and a Timeout error is returned at once.
//
// Example:
//
//	res, err := ssh.NewExecutor(client).Run(ctx, []string{"uname", "-r"})
//	if err != nil {
//	    return err
//	}
//	fmt.Print(res.Stdout)
func (e *Executor) Run(ctx context.Context, argv []string) (*command.Result, error) {
	host, user := e.client.config.Host, e.client.config.User
	expired := func() error {
		return command.NewError(command.KindTimeout, host, user,
			fmt.Errorf("%w: %v", command.ErrTimeout, ctx.Err()))
	}

	// a caller that already gave up must not get a command started
	if ctx.Err() != nil {
		return nil, expired()
	}
	session, err := e.client.NewSession(ctx)
	if err != nil {
		return nil, command.NewError(command.KindConnectFailed, host, user, err)
	}

	var stdout, stderr bytes.Buffer
	if err := session.SetOutput(&stdout, &stderr); err != nil {
		session.Close()
		return nil, command.NewError(command.KindConnectFailed, host, user, err)
	}

	start := time.Now()
	type outcome struct {
		code int
		err  error
	}
	done := make(chan outcome, 1)
	go func() {
		code, err := session.Run(ctx, argv...)
		done <- outcome{code, err}
	}()

	select {
	case <-ctx.Done():
		go func() {
			if err := session.Signal(e.cancelSignal); err != nil {
				logrus.Debugf("failed to send signal: %v", err)
			}
			_ = session.Close()
			<-done
		}()
		return nil, expired()
	case o := <-done:
		_ = session.Close()
		if o.err != nil && ctx.Err() != nil {
			return nil, expired()
		}
		if o.err != nil {
			return nil, command.NewError(command.KindConnectFailed, host, user, o.err)
		}
		return &command.Result{
			ExitCode: o.code,
			Stdout:   stdout.String(),
			Stderr:   stderr.String(),
			Duration: time.Since(start),
		}, nil
	}
}
