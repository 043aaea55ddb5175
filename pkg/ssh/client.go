package ssh

import (
	"context"
	"errors"
	"fmt"
	"net"
	"strings"
	"sync"
	"time"

	"linuxdiag/pkg/audit"
	"linuxdiag/pkg/command"

	"github.com/sirupsen/logrus"
	"golang.org/x/crypto/ssh"
)

var (
	// ErrClientClosed is returned when operations are attempted on a closed client
	ErrClientClosed = errors.New("SSH client is closed")
	// ErrConnectionFailed is returned when the SSH connection cannot be established
	ErrConnectionFailed = errors.New("failed to establish SSH connection")
	// ErrAuthenticationFailed is returned when SSH authentication fails
	ErrAuthenticationFailed = errors.New("SSH authentication failed")
	// ErrHostKeyRejected is returned when the server's host key is not trusted
	ErrHostKeyRejected = errors.New("SSH host key rejected")
)

// Client represents an SSH client connection with automatic resource management
type Client struct {
	config *ClientConfig
	client *ssh.Client
	conn   net.Conn

	// Lifecycle management
	closeOnce sync.Once
	closed    chan struct{}
	mu        sync.RWMutex
}

// NewClient dials, authenticates and returns a ready client. Failures come
// back as *command.Error tagged ConnectFailed, AuthFailed or HostKeyMismatch.
// The client must be explicitly closed by calling Close() when done.
//
// Example:
//
//	cfg := ssh.NewClientConfig("web1", 22, "admin").WithCredentials(creds)
//	client, err := ssh.NewClient(ctx, cfg)
//	if err != nil {
//	    return err
//	}
//	defer client.Close()
func NewClient(ctx context.Context, config *ClientConfig) (*Client, error) {
	if err := config.Validate(); err != nil {
		return nil, command.NewError(command.KindConnectFailed, config.Host, config.User, err)
	}

	client := &Client{
		config: config,
		closed: make(chan struct{}),
	}

	if err := client.connect(ctx); err != nil {
		return nil, err
	}

	go client.watch()

	// Start keepalive if interval is configured
	if config.KeepaliveInterval > 0 {
		client.startKeepalive()
	}

	return client, nil
}

func (c *Client) event(t audit.EventType) audit.Event {
	return audit.Event{
		Type:    t,
		Host:    c.config.Host,
		User:    c.config.User,
		Port:    c.config.Port,
		KeyPath: c.config.KeyPath,
	}
}

// connect establishes the network connection and runs the SSH handshake
func (c *Client) connect(ctx context.Context) error {
	addr := c.config.addr()

	start := time.Now()
	audit.Emit(c.config.Auditor, c.event(audit.EventDialStart))
	if err := c.dial(ctx); err != nil {
		ev := c.event(audit.EventDialEnd)
		ev.Outcome, ev.Duration, ev.Error = audit.OutcomeFailure, time.Since(start), err.Error()
		audit.Emit(c.config.Auditor, ev)
		return command.NewError(command.KindConnectFailed, c.config.Host, c.config.User,
			fmt.Errorf("%w: %v", ErrConnectionFailed, err))
	}
	ev := c.event(audit.EventDialEnd)
	ev.Outcome, ev.Duration = audit.OutcomeSuccess, time.Since(start)
	audit.Emit(c.config.Auditor, ev)

	// the handshake itself does not watch ctx, so bound it with a deadline
	deadline := time.Now().Add(c.config.DialTimeout)
	if d, ok := ctx.Deadline(); ok && d.Before(deadline) {
		deadline = d
	}
	_ = c.conn.SetDeadline(deadline)
	stop := context.AfterFunc(ctx, func() {
		_ = c.conn.SetDeadline(time.Now())
	})
	defer stop()

	var (
		hostKeyMu  sync.Mutex
		hostKeyErr error
	)
	sshConfig := &ssh.ClientConfig{
		User: c.config.User,
		Auth: c.config.Auth,
		HostKeyCallback: func(hostname string, remote net.Addr, key ssh.PublicKey) error {
			err := c.config.HostKeyCallback(hostname, remote, key)
			if err != nil {
				hostKeyMu.Lock()
				hostKeyErr = err
				hostKeyMu.Unlock()
			}
			return err
		},
		Timeout: c.config.DialTimeout,
	}

	start = time.Now()
	audit.Emit(c.config.Auditor, c.event(audit.EventAuthStart))
	clientConn, chans, reqs, err := ssh.NewClientConn(c.conn, addr, sshConfig)
	if err != nil {
		c.conn.Close()

		hostKeyMu.Lock()
		rejected := hostKeyErr
		hostKeyMu.Unlock()

		var cerr *command.Error
		switch {
		case rejected != nil:
			cerr = command.NewError(command.KindHostKeyMismatch, c.config.Host, c.config.User,
				fmt.Errorf("%w: %w", ErrHostKeyRejected, rejected))
		case isAuthError(err):
			cerr = command.NewError(command.KindAuthFailed, c.config.Host, c.config.User,
				fmt.Errorf("%w: %v", ErrAuthenticationFailed, err))
		default:
			cerr = command.NewError(command.KindConnectFailed, c.config.Host, c.config.User,
				fmt.Errorf("%w: %v", ErrConnectionFailed, err))
		}

		ev := c.event(audit.EventAuthEnd)
		ev.Outcome, ev.Duration, ev.Error, ev.Detail = audit.OutcomeFailure, time.Since(start), err.Error(), cerr.Kind.String()
		audit.Emit(c.config.Auditor, ev)
		return cerr
	}

	if !stop() && ctx.Err() != nil {
		clientConn.Close()
		return command.NewError(command.KindConnectFailed, c.config.Host, c.config.User,
			fmt.Errorf("%w: %v", ErrConnectionFailed, ctx.Err()))
	}
	_ = c.conn.SetDeadline(time.Time{})

	ev = c.event(audit.EventAuthEnd)
	ev.Outcome, ev.Duration = audit.OutcomeSuccess, time.Since(start)
	audit.Emit(c.config.Auditor, ev)

	c.client = ssh.NewClient(clientConn, chans, reqs)
	logrus.Debugf("SSH client connected to %s@%s", c.config.User, addr)

	return nil
}

func isAuthError(err error) bool {
	return strings.Contains(err.Error(), "unable to authenticate") ||
		strings.Contains(err.Error(), "no supported methods remain")
}

// dial creates a direct TCP connection
func (c *Client) dial(ctx context.Context) error {
	dialer := &net.Dialer{
		Timeout: c.config.DialTimeout,
	}

	conn, err := dialer.DialContext(ctx, "tcp", c.config.addr())
	if err != nil {
		return fmt.Errorf("failed to dial %s: %w", c.config.addr(), err)
	}

	c.conn = conn
	return nil
}

// watch closes the client once the server side goes away, so Alive reports
// the truth without a round trip.
func (c *Client) watch() {
	c.mu.RLock()
	client := c.client
	c.mu.RUnlock()
	if client == nil {
		return
	}
	if err := client.Wait(); err != nil && !isErrorIsConnectionAlreadyClosed(err) {
		logrus.Debugf("SSH connection to %s@%s ended: %v", c.config.User, c.config.addr(), err)
	}
	_ = c.Close()
}

// NewSession creates a new SSH session from this client.
// The session must be explicitly closed by calling Close() when done.
func (c *Client) NewSession(ctx context.Context) (*Session, error) {
	c.mu.RLock()
	client := c.client
	c.mu.RUnlock()

	if c.isClosed() || client == nil {
		return nil, ErrClientClosed
	}

	sshSession, err := client.NewSession()
	if err != nil {
		return nil, fmt.Errorf("failed to create SSH session: %w", err)
	}

	return &Session{
		session: sshSession,
		client:  c,
		closed:  make(chan struct{}),
	}, nil
}

// Exec runs argv in a new session and captures its output.
func (c *Client) Exec(ctx context.Context, argv []string) (*command.Result, error) {
	return NewExecutor(c).Run(ctx, argv)
}

// Alive reports whether the connection is still usable.
func (c *Client) Alive() bool {
	return !c.isClosed()
}

// startKeepalive starts sending periodic keepalive messages
func (c *Client) startKeepalive() {
	go c.keepaliveLoop()
}

// keepaliveLoop sends periodic keepalive messages, when client closed, it will return immediately.
// A keepalive that fails or goes unanswered for a full interval closes the client.
func (c *Client) keepaliveLoop() {
	ticker := time.NewTicker(c.config.KeepaliveInterval)
	defer ticker.Stop()

	for {
		select {
		case <-c.closed:
			return
		case <-ticker.C:
			if err := c.ping(c.config.KeepaliveInterval); err != nil {
				logrus.Debugf("Keepalive to %s@%s failed: %v", c.config.User, c.config.addr(), err)
				_ = c.Close()
				return
			}
		}
	}
}

func (c *Client) ping(timeout time.Duration) error {
	c.mu.RLock()
	client := c.client
	c.mu.RUnlock()

	if client == nil {
		return ErrClientClosed
	}

	errCh := make(chan error, 1)
	go func() {
		_, _, err := client.SendRequest("keepalive@openssh.com", true, nil)
		errCh <- err
	}()

	timer := time.NewTimer(timeout)
	defer timer.Stop()
	select {
	case err := <-errCh:
		return err
	case <-timer.C:
		return errors.New("keepalive timed out")
	case <-c.closed:
		return ErrClientClosed
	}
}

func isErrorIsConnectionAlreadyClosed(err error) bool {
	if err == nil {
		return false
	}
	return strings.Contains(err.Error(), "use of closed network connection") ||
		strings.Contains(err.Error(), "connection already closed")
}

// Close closes the SSH client and releases all resources.
func (c *Client) Close() error {
	c.closeOnce.Do(func() {
		// Signal closure first so Alive turns false before teardown
		close(c.closed)

		c.mu.Lock()
		defer c.mu.Unlock()

		// Close SSH client (this also closes the underlying connection)
		if c.client != nil {
			if err := c.client.Close(); err != nil && !isErrorIsConnectionAlreadyClosed(err) {
				logrus.Debugf("failed to close SSH client: %v", err)
			}
			c.client = nil
		}

		// Close connection if it wasn't already closed by client.Close()
		if c.conn != nil {
			if err := c.conn.Close(); err != nil && !isErrorIsConnectionAlreadyClosed(err) {
				logrus.Debugf("failed to close connection: %v", err)
			}
			c.conn = nil
		}

		logrus.Debugf("SSH client to %s@%s closed", c.config.User, c.config.addr())
	})

	return nil
}

// isClosed returns true if the client has been closed
func (c *Client) isClosed() bool {
	select {
	case <-c.closed:
		return true
	default:
		return false
	}
}

// Wait blocks until the client connection is closed
func (c *Client) Wait() {
	<-c.closed
}
