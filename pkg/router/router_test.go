package router

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"runtime"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"linuxdiag/pkg/command"
	"linuxdiag/pkg/ssh"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// noPool fails the test when the router reaches for a connection.
type noPool struct{ t *testing.T }

func (p noPool) Acquire(context.Context, ssh.ConnectionKey) (*ssh.PooledConnection, error) {
	p.t.Error("local request touched the pool")
	return nil, errors.New("unexpected Acquire")
}

// noRunner fails the test when the router spawns a local process.
type noRunner struct{ t *testing.T }

func (r noRunner) Run(context.Context, []string) (*command.Result, error) {
	r.t.Error("remote request spawned a local process")
	return nil, errors.New("unexpected Run")
}

type stubConn struct {
	exec func(ctx context.Context, argv []string) (*command.Result, error)
}

func (c stubConn) Exec(ctx context.Context, argv []string) (*command.Result, error) {
	return c.exec(ctx, argv)
}
func (stubConn) Alive() bool  { return true }
func (stubConn) Close() error { return nil }

func stubPool(t *testing.T, dial ssh.DialerFunc) *ssh.Pool {
	t.Helper()
	p := ssh.NewPool(dial)
	t.Cleanup(p.Shutdown)
	return p
}

func skipOnWindows(t *testing.T) {
	if runtime.GOOS == "windows" {
		t.Skip("needs a POSIX userland")
	}
}

func TestExecuteLocalUname(t *testing.T) {
	skipOnWindows(t)
	r := New(noPool{t})

	res, err := r.Execute(context.Background(), command.Local(5*time.Second, "uname", "-r"))
	require.NoError(t, err)
	assert.Equal(t, 0, res.ExitCode)
	assert.NotEmpty(t, strings.TrimSpace(res.Stdout))
	assert.Positive(t, res.Duration)
}

func TestExecuteLocalNonZeroIsAResult(t *testing.T) {
	skipOnWindows(t)
	r := New(noPool{t})

	res, err := r.Execute(context.Background(), command.Local(5*time.Second, "sh", "-c", "echo oops >&2; exit 3"))
	require.NoError(t, err)
	assert.Equal(t, 3, res.ExitCode)
	assert.Equal(t, "oops\n", res.Stderr)
	assert.ErrorIs(t, res.Err(), command.ErrNonZeroExit)
}

func TestExecuteLocalNoShell(t *testing.T) {
	skipOnWindows(t)
	r := New(noPool{t})

	res, err := r.Execute(context.Background(), command.Local(5*time.Second, "echo", "$HOME", "a;b", "`id`"))
	require.NoError(t, err)
	assert.Equal(t, "$HOME a;b `id`\n", res.Stdout)
}

func TestExecuteLocalTimeout(t *testing.T) {
	skipOnWindows(t)
	r := New(noPool{t})

	start := time.Now()
	res, err := r.Execute(context.Background(), command.Local(300*time.Millisecond, "sleep", "5"))
	elapsed := time.Since(start)

	assert.Nil(t, res)
	require.ErrorIs(t, err, command.ErrTimeout)
	assert.Equal(t, command.KindTimeout, command.KindOf(err))
	assert.GreaterOrEqual(t, elapsed, 300*time.Millisecond)
	assert.Less(t, elapsed, 2*time.Second)
}

func TestExecuteLocalTimeoutKillsChildren(t *testing.T) {
	skipOnWindows(t)
	dir := t.TempDir()
	marker := filepath.Join(dir, "survived")
	r := New(noPool{t})

	_, err := r.Execute(context.Background(),
		command.Local(200*time.Millisecond, "sh", "-c", "(sleep 1; touch "+marker+") & wait"))
	require.ErrorIs(t, err, command.ErrTimeout)

	time.Sleep(1500 * time.Millisecond)
	_, statErr := os.Stat(marker)
	assert.True(t, os.IsNotExist(statErr), "background child outlived the timeout")
}

func TestExecuteLocalDefaultTimeout(t *testing.T) {
	skipOnWindows(t)
	r := New(noPool{t}, WithDefaultTimeout(200*time.Millisecond))

	_, err := r.Execute(context.Background(), command.Local(0, "sleep", "5"))
	assert.ErrorIs(t, err, command.ErrTimeout)
}

func TestExecuteLocalSpawnFailed(t *testing.T) {
	r := New(noPool{t})

	_, err := r.Execute(context.Background(), command.Local(time.Second, "definitely-not-a-real-binary-4711"))
	require.ErrorIs(t, err, command.ErrLocalSpawnFailed)
	assert.Equal(t, "failed to start the command on the local host", command.Describe(err))
}

func TestExecuteEmptyArgv(t *testing.T) {
	r := New(noPool{t})

	_, err := r.Execute(context.Background(), command.Local(time.Second))
	assert.ErrorIs(t, err, command.ErrEmptyArgv)
	_, err = r.Execute(context.Background(), command.Remote("web1", "admin", time.Second, ""))
	assert.ErrorIs(t, err, command.ErrEmptyArgv)
}

func TestExecuteRemoteNeverSpawnsLocally(t *testing.T) {
	var gotKey ssh.ConnectionKey
	var gotArgv []string
	pool := stubPool(t, func(ctx context.Context, key ssh.ConnectionKey) (ssh.Conn, error) {
		gotKey = key
		return stubConn{exec: func(ctx context.Context, argv []string) (*command.Result, error) {
			gotArgv = argv
			return &command.Result{ExitCode: 0, Stdout: "5.14.0\n"}, nil
		}}, nil
	})
	r := New(pool, WithLocalRunner(noRunner{t}), WithDefaultUser("root"))

	res, err := r.Execute(context.Background(), command.Request{Argv: []string{"uname", "-r"}, Host: "web1", Timeout: time.Second})
	require.NoError(t, err)
	assert.Equal(t, "5.14.0\n", res.Stdout)
	assert.Equal(t, ssh.ConnectionKey{Host: "web1", User: "root", Port: 22}, gotKey)
	assert.Equal(t, []string{"uname", "-r"}, gotArgv)
}

func TestExecuteRemoteDefaultsToLocalUser(t *testing.T) {
	var gotKey ssh.ConnectionKey
	pool := stubPool(t, func(ctx context.Context, key ssh.ConnectionKey) (ssh.Conn, error) {
		gotKey = key
		return stubConn{exec: func(context.Context, []string) (*command.Result, error) {
			return &command.Result{}, nil
		}}, nil
	})
	r := New(pool, WithLocalRunner(noRunner{t}))

	_, err := r.Execute(context.Background(), command.Request{Argv: []string{"uptime"}, Host: "127.0.0.1", Timeout: time.Second})
	require.NoError(t, err)
	require.NotEmpty(t, ssh.LocalUser())
	assert.Equal(t, ssh.LocalUser(), gotKey.User)
}

func TestExecuteRemoteLooksUpBinary(t *testing.T) {
	var mu sync.Mutex
	var calls [][]string
	pool := stubPool(t, func(ctx context.Context, key ssh.ConnectionKey) (ssh.Conn, error) {
		return stubConn{exec: func(_ context.Context, argv []string) (*command.Result, error) {
			mu.Lock()
			calls = append(calls, argv)
			mu.Unlock()
			if argv[0] != "sh" {
				return &command.Result{}, nil
			}
			switch argv[len(argv)-1] {
			case "ss":
				return &command.Result{Stdout: "/usr/sbin/ss\n"}, nil
			case "echo":
				return &command.Result{Stdout: "echo\n"}, nil
			default:
				return &command.Result{ExitCode: 1}, nil
			}
		}}, nil
	})
	r := New(pool, WithLocalRunner(noRunner{t}), WithDefaultUser("root"), WithRemoteLookup(true))
	run := func(argv ...string) {
		t.Helper()
		_, err := r.Execute(context.Background(), command.Remote("web1", "", time.Second, argv...))
		require.NoError(t, err)
	}

	run("ss", "-tlnp")
	require.Len(t, calls, 2)
	assert.Equal(t, "sh", calls[0][0])
	assert.Equal(t, "ss", calls[0][len(calls[0])-1])
	assert.Equal(t, []string{"/usr/sbin/ss", "-tlnp"}, calls[1])

	// the path is remembered for the connection
	run("ss", "-s")
	require.Len(t, calls, 3)
	assert.Equal(t, []string{"/usr/sbin/ss", "-s"}, calls[2])

	run("/bin/uname", "-r")
	require.Len(t, calls, 4)
	assert.Equal(t, []string{"/bin/uname", "-r"}, calls[3])

	// builtins and unknown names go to the remote shell unchanged
	run("echo", "hi")
	require.Len(t, calls, 6)
	assert.Equal(t, []string{"echo", "hi"}, calls[5])
	run("nosuchtool")
	require.Len(t, calls, 8)
	assert.Equal(t, []string{"nosuchtool"}, calls[7])
}

type aliasResolver map[string]ssh.Target

func (a aliasResolver) Resolve(alias, user string, port uint16) ssh.Target {
	t, ok := a[alias]
	if !ok {
		return ssh.Target{Alias: alias, Host: alias, User: user, Port: port}
	}
	if user != "" {
		t.User = user
	}
	return t
}

func TestExecuteRemoteResolvesAlias(t *testing.T) {
	var gotKey ssh.ConnectionKey
	pool := stubPool(t, func(ctx context.Context, key ssh.ConnectionKey) (ssh.Conn, error) {
		gotKey = key
		return stubConn{exec: func(context.Context, []string) (*command.Result, error) {
			return &command.Result{}, nil
		}}, nil
	})
	r := New(pool, WithResolver(aliasResolver{
		"db": {Alias: "db", Host: "10.0.0.5", User: "postgres", Port: 2222},
	}))

	_, err := r.Execute(context.Background(), command.Remote("db", "", time.Second, "uptime"))
	require.NoError(t, err)
	assert.Equal(t, ssh.ConnectionKey{Host: "10.0.0.5", User: "postgres", Port: 2222}, gotKey)
}

func TestExecuteRemotePoolErrorUnchanged(t *testing.T) {
	authErr := command.NewError(command.KindAuthFailed, "web1", "admin", errors.New("no key"))
	pool := stubPool(t, func(context.Context, ssh.ConnectionKey) (ssh.Conn, error) {
		return nil, authErr
	})
	r := New(pool, WithLocalRunner(noRunner{t}))

	_, err := r.Execute(context.Background(), command.Remote("web1", "admin", time.Second, "uptime"))
	assert.Same(t, authErr, err)
}

func TestExecuteRemoteTimeout(t *testing.T) {
	release := make(chan struct{})
	defer close(release)
	pool := stubPool(t, func(context.Context, ssh.ConnectionKey) (ssh.Conn, error) {
		// ignores ctx on purpose, the router must still return on time
		return stubConn{exec: func(context.Context, []string) (*command.Result, error) {
			<-release
			return &command.Result{}, nil
		}}, nil
	})
	r := New(pool, WithLocalRunner(noRunner{t}))

	start := time.Now()
	_, err := r.Execute(context.Background(), command.Remote("web1", "admin", 200*time.Millisecond, "sleep", "60"))
	assert.ErrorIs(t, err, command.ErrTimeout)
	assert.Less(t, time.Since(start), time.Second)
}

func TestExecuteUnreachableHost(t *testing.T) {
	var dials atomic.Int32
	pool := stubPool(t, func(ctx context.Context, key ssh.ConnectionKey) (ssh.Conn, error) {
		dials.Add(1)
		<-ctx.Done()
		return nil, ctx.Err()
	})
	r := New(pool, WithLocalRunner(noRunner{t}))

	start := time.Now()
	_, err := r.Execute(context.Background(), command.Remote("unreachable.example", "x", 2*time.Second, "uptime"))
	elapsed := time.Since(start)

	require.ErrorIs(t, err, command.ErrConnectFailed)
	assert.InDelta(t, 2.0, elapsed.Seconds(), 0.5)
	assert.EqualValues(t, 1, dials.Load())
}

func TestChainOrder(t *testing.T) {
	var order []string
	mw := func(name string) Middleware {
		return func(next Executor) Executor {
			return ExecutorFunc(func(ctx context.Context, req command.Request) (*command.Result, error) {
				order = append(order, name)
				return next.Execute(ctx, req)
			})
		}
	}
	final := ExecutorFunc(func(context.Context, command.Request) (*command.Result, error) {
		order = append(order, "exec")
		return &command.Result{}, nil
	})

	_, err := Chain(final, mw("audit"), mw("policy")).Execute(context.Background(), command.Local(0, "true"))
	require.NoError(t, err)
	assert.Equal(t, []string{"audit", "policy", "exec"}, order)
}

func TestExecuteWithFallback(t *testing.T) {
	var ran [][]string
	e := ExecutorFunc(func(_ context.Context, req command.Request) (*command.Result, error) {
		ran = append(ran, req.Argv)
		if req.Argv[0] == "ss" {
			return &command.Result{ExitCode: 127}, nil
		}
		return &command.Result{Stdout: "ok"}, nil
	})

	res, err := ExecuteWithFallback(context.Background(), e, command.Local(0, "ss", "-tlnp"), []string{"netstat", "-tlnp"})
	require.NoError(t, err)
	assert.Equal(t, "ok", res.Stdout)
	assert.Equal(t, [][]string{{"ss", "-tlnp"}, {"netstat", "-tlnp"}}, ran)

	ran = nil
	res, err = ExecuteWithFallback(context.Background(), e, command.Local(0, "ip", "a"), []string{"ifconfig"})
	require.NoError(t, err)
	assert.Equal(t, "ok", res.Stdout)
	assert.Len(t, ran, 1, "fallback only after a failing exit")
}

func TestExecuteWithFallbackKeepsErrors(t *testing.T) {
	calls := 0
	e := ExecutorFunc(func(context.Context, command.Request) (*command.Result, error) {
		calls++
		return nil, command.NewError(command.KindTimeout, "", "", nil)
	})
	_, err := ExecuteWithFallback(context.Background(), e, command.Local(0, "ss"), []string{"netstat"})
	assert.ErrorIs(t, err, command.ErrTimeout)
	assert.Equal(t, 1, calls)
}
