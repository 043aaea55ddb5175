// Package router is the single entry point for running a command. Requests
// without a host become local subprocesses; requests with a host run over a
// pooled SSH connection.
package router

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"linuxdiag/pkg/command"
	"linuxdiag/pkg/define"
	"linuxdiag/pkg/ssh"

	"github.com/sirupsen/logrus"
)

// Executor runs one request.
type Executor interface {
	Execute(ctx context.Context, req command.Request) (*command.Result, error)
}

type ExecutorFunc func(ctx context.Context, req command.Request) (*command.Result, error)

func (f ExecutorFunc) Execute(ctx context.Context, req command.Request) (*command.Result, error) {
	return f(ctx, req)
}

// Middleware decorates an Executor.
type Middleware func(Executor) Executor

// Chain wraps next so the first middleware is the outermost.
func Chain(next Executor, mws ...Middleware) Executor {
	for i := len(mws) - 1; i >= 0; i-- {
		next = mws[i](next)
	}
	return next
}

// Acquirer hands out pooled connections. *ssh.Pool implements it.
type Acquirer interface {
	Acquire(ctx context.Context, key ssh.ConnectionKey) (*ssh.PooledConnection, error)
}

// Runner runs argv on the local machine.
type Runner interface {
	Run(ctx context.Context, argv []string) (*command.Result, error)
}

// Resolver maps a host name to a concrete endpoint.
type Resolver interface {
	Resolve(alias, user string, port uint16) ssh.Target
}

type Option func(*Router)

func WithDefaultTimeout(d time.Duration) Option {
	return func(r *Router) { r.timeout = d }
}

// WithDefaultUser is the SSH user for requests that name none. It defaults
// to the local login name.
func WithDefaultUser(user string) Option {
	return func(r *Router) { r.user = user }
}

// WithResolver enables host alias resolution.
func WithResolver(res Resolver) Option {
	return func(r *Router) { r.resolver = res }
}

// WithRemoteLookup makes a bare argv[0] resolve to a full path on the remote
// host before it runs, searching the sbin directories too. Found paths are
// remembered per connection key.
func WithRemoteLookup(enabled bool) Option {
	return func(r *Router) { r.remoteLookup = enabled }
}

// WithLocalRunner replaces the local subprocess runner.
func WithLocalRunner(run Runner) Option {
	return func(r *Router) { r.local = run }
}

// Router holds no per-call state; it is safe for concurrent use.
type Router struct {
	pool         Acquirer
	local        Runner
	resolver     Resolver
	timeout      time.Duration
	user         string
	remoteLookup bool

	// binPaths maps "key binary" to the binary's remote path
	binPaths sync.Map
}

func New(pool Acquirer, opts ...Option) *Router {
	r := &Router{
		pool:    pool,
		local:   NewLocalRunner(),
		timeout: define.DefaultCommandTimeout,
	}
	for _, opt := range opts {
		opt(r)
	}
	if r.user == "" {
		r.user = ssh.LocalUser()
	}
	return r
}

// Execute runs req and returns its result. The request timeout, or the
// router default, always applies: when it fires the command is cancelled and
// Timeout is returned without waiting for teardown. A remote request whose
// deadline passes before a connection is available fails with ConnectFailed.
// A non-zero exit code is a result, not an error. Nothing is retried.
func (r *Router) Execute(ctx context.Context, req command.Request) (*command.Result, error) {
	if err := req.Validate(); err != nil {
		return nil, err
	}

	timeout := req.Timeout
	if timeout <= 0 {
		timeout = r.timeout
	}
	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	type outcome struct {
		res *command.Result
		err error
	}
	var connected atomic.Bool
	done := make(chan outcome, 1)
	go func() {
		var o outcome
		if req.IsRemote() {
			o.res, o.err = r.remote(ctx, req, &connected)
		} else {
			o.res, o.err = r.local.Run(ctx, req.Argv)
		}
		done <- o
	}()

	select {
	case o := <-done:
		return o.res, o.err
	case <-ctx.Done():
	}

	// the runner may have finished at the same instant
	select {
	case o := <-done:
		return o.res, o.err
	default:
	}

	if req.IsRemote() && !connected.Load() {
		return nil, command.NewError(command.KindConnectFailed, req.Host, req.User,
			fmt.Errorf("%w: no connection within %s: %v", command.ErrConnectFailed, timeout, context.Cause(ctx)))
	}
	logrus.Debugf("command on %s timed out after %s: %s", req.Target(), timeout, req)
	return nil, command.NewError(command.KindTimeout, req.Host, req.User,
		fmt.Errorf("%w after %s", command.ErrTimeout, timeout))
}

func (r *Router) remote(ctx context.Context, req command.Request, connected *atomic.Bool) (*command.Result, error) {
	key := ssh.ConnectionKey{Host: req.Host, User: req.User, Port: req.Port}
	if r.resolver != nil {
		key = r.resolver.Resolve(req.Host, req.User, req.Port).Key()
	}
	if key.User == "" {
		key.User = r.user
	}

	pc, err := r.pool.Acquire(ctx, key)
	if err != nil {
		return nil, err
	}
	connected.Store(true)

	argv := req.Argv
	if r.remoteLookup {
		if argv, err = r.remoteArgv(ctx, pc, argv); err != nil {
			return nil, err
		}
	}
	return pc.Exec(ctx, argv)
}

const remoteLookupScript = `PATH="$PATH:/usr/local/sbin:/usr/sbin:/sbin"; command -v "$1"`

// remoteArgv swaps a bare argv[0] for its path on the remote host. A binary
// the lookup cannot find is left to the remote shell, which reports it
// through the exit code.
func (r *Router) remoteArgv(ctx context.Context, pc *ssh.PooledConnection, argv []string) ([]string, error) {
	name := argv[0]
	if strings.Contains(name, "/") {
		return argv, nil
	}
	cacheKey := pc.Key().String() + " " + name
	if p, ok := r.binPaths.Load(cacheKey); ok {
		return withBinary(argv, p.(string)), nil
	}

	res, err := pc.Exec(ctx, []string{"sh", "-c", remoteLookupScript, "sh", name})
	if err != nil {
		return nil, err
	}
	path, _, _ := strings.Cut(strings.TrimSpace(res.Stdout), "\n")
	if res.ExitCode != 0 || !strings.HasPrefix(path, "/") {
		logrus.Debugf("%s not found on %s, leaving it to the remote PATH", name, pc.Key())
		return argv, nil
	}
	r.binPaths.Store(cacheKey, path)
	return withBinary(argv, path), nil
}

func withBinary(argv []string, path string) []string {
	out := make([]string, len(argv))
	copy(out, argv)
	out[0] = path
	return out
}
