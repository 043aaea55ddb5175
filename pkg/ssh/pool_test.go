package ssh

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"linuxdiag/pkg/command"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/crypto/ssh"
)

type fakeConn struct {
	key    ConnectionKey
	alive  atomic.Bool
	closed atomic.Bool
	// block, when set, holds Exec until it is closed.
	block chan struct{}
	err   error
}

func newFakeConn(key ConnectionKey) *fakeConn {
	c := &fakeConn{key: key}
	c.alive.Store(true)
	return c
}

func (c *fakeConn) Exec(ctx context.Context, argv []string) (*command.Result, error) {
	if c.block != nil {
		select {
		case <-c.block:
		case <-ctx.Done():
			return nil, command.NewError(command.KindTimeout, c.key.Host, c.key.User, nil)
		}
	}
	if c.err != nil {
		return nil, c.err
	}
	return &command.Result{Stdout: c.key.String()}, nil
}

func (c *fakeConn) Alive() bool { return c.alive.Load() && !c.closed.Load() }

func (c *fakeConn) Close() error {
	c.closed.Store(true)
	return nil
}

// countingDialer hands out fakeConns, optionally holding every dial until
// gate is closed.
type countingDialer struct {
	dials atomic.Int32
	gate  chan struct{}
	fail  atomic.Bool

	mu    sync.Mutex
	conns []*fakeConn
}

func (d *countingDialer) Dial(ctx context.Context, key ConnectionKey) (Conn, error) {
	d.dials.Add(1)
	if d.gate != nil {
		select {
		case <-d.gate:
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
	if d.fail.Load() {
		return nil, command.NewError(command.KindConnectFailed, key.Host, key.User, errors.New("connection refused"))
	}
	c := newFakeConn(key)
	d.mu.Lock()
	d.conns = append(d.conns, c)
	d.mu.Unlock()
	return c, nil
}

func (d *countingDialer) conn(i int) *fakeConn {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.conns[i]
}

var web = ConnectionKey{Host: "web1", User: "admin", Port: 22}

func TestPoolReusesConnection(t *testing.T) {
	d := &countingDialer{}
	p := NewPool(d)
	defer p.Shutdown()

	a, err := p.Acquire(context.Background(), web)
	require.NoError(t, err)
	b, err := p.Acquire(context.Background(), ConnectionKey{Host: "web1", User: "admin"})
	require.NoError(t, err, "port 0 means 22")

	assert.Same(t, a, b)
	assert.EqualValues(t, 1, d.dials.Load())
	assert.Equal(t, 1, p.Size())
}

func TestPoolKeysAreDistinct(t *testing.T) {
	d := &countingDialer{}
	p := NewPool(d)
	defer p.Shutdown()

	_, err := p.Acquire(context.Background(), web)
	require.NoError(t, err)
	_, err = p.Acquire(context.Background(), ConnectionKey{Host: "web1", User: "postgres", Port: 22})
	require.NoError(t, err)
	_, err = p.Acquire(context.Background(), ConnectionKey{Host: "web1", User: "admin", Port: 2222})
	require.NoError(t, err)

	assert.EqualValues(t, 3, d.dials.Load())
	assert.Equal(t, 3, p.Size())
}

func TestPoolRedialsDeadConnection(t *testing.T) {
	d := &countingDialer{}
	p := NewPool(d)
	defer p.Shutdown()

	first, err := p.Acquire(context.Background(), web)
	require.NoError(t, err)
	d.conn(0).alive.Store(false)

	second, err := p.Acquire(context.Background(), web)
	require.NoError(t, err)
	assert.NotSame(t, first, second)
	assert.EqualValues(t, 2, d.dials.Load())
	assert.True(t, d.conn(0).closed.Load(), "stale connection closed")
	assert.Equal(t, 1, p.Size())
}

func TestPoolTransportErrorMarksBroken(t *testing.T) {
	d := &countingDialer{}
	p := NewPool(d)
	defer p.Shutdown()

	pc, err := p.Acquire(context.Background(), web)
	require.NoError(t, err)
	d.conn(0).err = command.NewError(command.KindConnectFailed, web.Host, web.User, errors.New("EOF"))

	_, err = pc.Exec(context.Background(), []string{"uptime"})
	require.ErrorIs(t, err, command.ErrConnectFailed)

	_, err = p.Acquire(context.Background(), web)
	require.NoError(t, err)
	assert.EqualValues(t, 2, d.dials.Load())
}

func TestPoolConcurrentAcquireDialsOnce(t *testing.T) {
	d := &countingDialer{gate: make(chan struct{})}
	p := NewPool(d)
	defer p.Shutdown()

	const n = 16
	var wg sync.WaitGroup
	got := make([]*PooledConnection, n)
	errs := make([]error, n)
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			got[i], errs[i] = p.Acquire(context.Background(), web)
		}(i)
	}

	time.Sleep(100 * time.Millisecond)
	close(d.gate)
	wg.Wait()

	assert.EqualValues(t, 1, d.dials.Load())
	for i := 0; i < n; i++ {
		require.NoError(t, errs[i])
		assert.Same(t, got[0], got[i])
	}
}

func TestPoolConcurrentAcquireSharesFailure(t *testing.T) {
	d := &countingDialer{gate: make(chan struct{})}
	d.fail.Store(true)
	p := NewPool(d)
	defer p.Shutdown()

	const n = 8
	var wg sync.WaitGroup
	errs := make([]error, n)
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			_, errs[i] = p.Acquire(context.Background(), web)
		}(i)
	}

	time.Sleep(100 * time.Millisecond)
	close(d.gate)
	wg.Wait()

	assert.EqualValues(t, 1, d.dials.Load())
	for _, err := range errs {
		assert.ErrorIs(t, err, command.ErrConnectFailed)
	}
	assert.Equal(t, 0, p.Size())
}

func TestPoolDoesNotCacheFailures(t *testing.T) {
	d := &countingDialer{}
	d.fail.Store(true)
	p := NewPool(d)
	defer p.Shutdown()

	_, err := p.Acquire(context.Background(), web)
	require.ErrorIs(t, err, command.ErrConnectFailed)

	d.fail.Store(false)
	pc, err := p.Acquire(context.Background(), web)
	require.NoError(t, err)
	assert.NotNil(t, pc)
	assert.EqualValues(t, 2, d.dials.Load())
}

func TestPoolWrapsUntypedDialErrors(t *testing.T) {
	p := NewPool(DialerFunc(func(ctx context.Context, key ConnectionKey) (Conn, error) {
		return nil, errors.New("boom")
	}))
	defer p.Shutdown()

	_, err := p.Acquire(context.Background(), web)
	assert.ErrorIs(t, err, command.ErrConnectFailed)
	assert.ErrorIs(t, err, ErrConnectionFailed)
}

type clock struct {
	mu sync.Mutex
	t  time.Time
}

func (c *clock) now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.t
}

func (c *clock) advance(d time.Duration) {
	c.mu.Lock()
	c.t = c.t.Add(d)
	c.mu.Unlock()
}

func TestPoolEvictsIdleConnections(t *testing.T) {
	clk := &clock{t: time.Unix(1000, 0)}
	d := &countingDialer{}
	p := NewPool(d, WithIdleTimeout(time.Hour), withClock(clk.now))
	defer p.Shutdown()

	_, err := p.Acquire(context.Background(), web)
	require.NoError(t, err)

	clk.advance(30 * time.Minute)
	p.reapIdle()
	assert.Equal(t, 1, p.Size())

	clk.advance(31 * time.Minute)
	p.reapIdle()
	assert.Equal(t, 0, p.Size())
	assert.True(t, d.conn(0).closed.Load())
}

func TestPoolKeepsActiveConnections(t *testing.T) {
	clk := &clock{t: time.Unix(1000, 0)}
	d := &countingDialer{}
	p := NewPool(d, WithIdleTimeout(time.Minute), withClock(clk.now))
	defer p.Shutdown()

	pc, err := p.Acquire(context.Background(), web)
	require.NoError(t, err)
	fc := d.conn(0)
	fc.block = make(chan struct{})

	done := make(chan struct{})
	go func() {
		defer close(done)
		_, _ = pc.Exec(context.Background(), []string{"sleep"})
	}()
	require.Eventually(t, func() bool { return pc.idleFor(clk.now().Add(time.Hour)) == 0 }, time.Second, 5*time.Millisecond)

	clk.advance(time.Hour)
	p.reapIdle()
	assert.Equal(t, 1, p.Size(), "a connection with a command in flight is not idle")

	close(fc.block)
	<-done
}

func TestPoolCapacityEvictsLeastRecentlyUsed(t *testing.T) {
	d := &countingDialer{}
	p := NewPool(d, WithMaxConnections(2))
	defer p.Shutdown()

	a := ConnectionKey{Host: "a", User: "u", Port: 22}
	b := ConnectionKey{Host: "b", User: "u", Port: 22}
	c := ConnectionKey{Host: "c", User: "u", Port: 22}

	for _, k := range []ConnectionKey{a, b} {
		_, err := p.Acquire(context.Background(), k)
		require.NoError(t, err)
	}
	// touch a so b becomes the oldest
	_, err := p.Acquire(context.Background(), a)
	require.NoError(t, err)

	_, err = p.Acquire(context.Background(), c)
	require.NoError(t, err)

	assert.Equal(t, 2, p.Size())
	assert.False(t, d.conn(0).closed.Load(), "a kept")
	assert.True(t, d.conn(1).closed.Load(), "b evicted")
	assert.EqualValues(t, 3, d.dials.Load())
}

func TestPoolRetiredConnectionFinishesInFlight(t *testing.T) {
	d := &countingDialer{}
	p := NewPool(d)
	defer p.Shutdown()

	pc, err := p.Acquire(context.Background(), web)
	require.NoError(t, err)
	fc := d.conn(0)
	fc.block = make(chan struct{})

	type outcome struct {
		res *command.Result
		err error
	}
	done := make(chan outcome, 1)
	go func() {
		res, err := pc.Exec(context.Background(), []string{"uptime"})
		done <- outcome{res, err}
	}()
	require.Eventually(t, func() bool { return pc.idleFor(time.Now().Add(time.Hour)) == 0 }, time.Second, 5*time.Millisecond)

	p.Evict(web)
	assert.Equal(t, 0, p.Size())
	assert.False(t, fc.closed.Load(), "in-flight command keeps the connection open")

	close(fc.block)
	o := <-done
	require.NoError(t, o.err)
	assert.Equal(t, web.String(), o.res.Stdout)
	assert.True(t, fc.closed.Load(), "closed once the last command finished")

	_, err = pc.Exec(context.Background(), []string{"uptime"})
	assert.ErrorIs(t, err, command.ErrConnectFailed)
}

func TestPoolShutdown(t *testing.T) {
	d := &countingDialer{}
	p := NewPool(d, WithIdleTimeout(time.Minute))

	_, err := p.Acquire(context.Background(), web)
	require.NoError(t, err)

	p.Shutdown()
	p.Shutdown()

	assert.True(t, d.conn(0).closed.Load())
	assert.Equal(t, 0, p.Size())

	_, err = p.Acquire(context.Background(), web)
	assert.ErrorIs(t, err, command.ErrConnectFailed)
	assert.ErrorIs(t, err, ErrPoolClosed)
}

func TestPoolCallerContextEndsWhileDialing(t *testing.T) {
	d := &countingDialer{gate: make(chan struct{})}
	p := NewPool(d)
	defer p.Shutdown()
	defer close(d.gate)

	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()

	start := time.Now()
	_, err := p.Acquire(ctx, web)
	assert.ErrorIs(t, err, command.ErrConnectFailed)
	assert.Less(t, time.Since(start), time.Second)
}

func TestPoolDialRateLimit(t *testing.T) {
	d := &countingDialer{}
	d.fail.Store(true)
	p := NewPool(d, WithDialRate(time.Hour, 1), WithDialTimeout(100*time.Millisecond))
	defer p.Shutdown()

	_, err := p.Acquire(context.Background(), web)
	require.ErrorIs(t, err, command.ErrConnectFailed)

	_, err = p.Acquire(context.Background(), web)
	require.ErrorIs(t, err, command.ErrConnectFailed)
	assert.Contains(t, err.Error(), "rate limit")
	assert.EqualValues(t, 1, d.dials.Load(), "second dial held back by the limiter")

	other := ConnectionKey{Host: "web2", User: "admin", Port: 22}
	_, err = p.Acquire(context.Background(), other)
	require.ErrorIs(t, err, command.ErrConnectFailed)
	assert.EqualValues(t, 2, d.dials.Load(), "limits are per key")
}

func TestPoolOverRealServer(t *testing.T) {
	dir := t.TempDir()
	key := newTestKey(t, dir, "id_ed25519", "")
	srv := newTestServer(t, key.public)

	dialer := DialerFunc(func(ctx context.Context, k ConnectionKey) (Conn, error) {
		cfg := NewClientConfig(k.Host, k.Port, k.User).
			WithAuth(ssh.PublicKeys(key.signer)).
			WithHostKeyCallback(ssh.InsecureIgnoreHostKey()).
			WithKeepaliveInterval(0)
		return NewClient(ctx, cfg)
	})
	p := NewPool(dialer)
	defer p.Shutdown()

	for i := 0; i < 3; i++ {
		pc, err := p.Acquire(context.Background(), srv.key())
		require.NoError(t, err)
		res, err := pc.Exec(context.Background(), []string{"echo", "pooled"})
		require.NoError(t, err)
		assert.Equal(t, "pooled\n", res.Stdout)
	}
	assert.EqualValues(t, 1, srv.accepted.Load())

	stale, err := p.Acquire(context.Background(), srv.key())
	require.NoError(t, err)
	srv.dropAll()
	require.Eventually(t, func() bool { return !stale.Conn().Alive() }, 2*time.Second, 10*time.Millisecond)

	pc, err := p.Acquire(context.Background(), srv.key())
	require.NoError(t, err)
	assert.NotSame(t, stale, pc)
	res, err := pc.Exec(context.Background(), []string{"whoami"})
	require.NoError(t, err)
	assert.Equal(t, "tester\n", res.Stdout)
	assert.EqualValues(t, 2, srv.accepted.Load())
}
