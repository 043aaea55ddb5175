package ssh

import (
	"context"
	"errors"
	"fmt"
	"math"
	"net"
	"strconv"
	"sync"
	"time"

	"linuxdiag/pkg/audit"
	"linuxdiag/pkg/command"
	"linuxdiag/pkg/metrics"

	"github.com/hashicorp/golang-lru/v2/simplelru"
	"github.com/sirupsen/logrus"
	"golang.org/x/sync/singleflight"
	"golang.org/x/time/rate"
)

var ErrPoolClosed = errors.New("SSH connection pool is shut down")

// ConnectionKey identifies a reusable connection.
type ConnectionKey struct {
	Host string
	User string
	Port uint16
}

func (k ConnectionKey) String() string {
	return k.User + "@" + net.JoinHostPort(k.Host, strconv.Itoa(int(k.Port)))
}

func (k ConnectionKey) normalize() ConnectionKey {
	if k.Port == 0 {
		k.Port = DefaultPort
	}
	return k
}

// Conn is a live, authenticated connection that can run commands
// concurrently. *Client implements it.
type Conn interface {
	Exec(ctx context.Context, argv []string) (*command.Result, error)
	Alive() bool
	Close() error
}

// Dialer opens a Conn for a key.
type Dialer interface {
	Dial(ctx context.Context, key ConnectionKey) (Conn, error)
}

type DialerFunc func(ctx context.Context, key ConnectionKey) (Conn, error)

func (f DialerFunc) Dial(ctx context.Context, key ConnectionKey) (Conn, error) {
	return f(ctx, key)
}

// PooledConnection is a pool-owned connection. Callers borrow it for the
// duration of one command; it is never checked out exclusively.
type PooledConnection struct {
	key  ConnectionKey
	conn Conn
	now  func() time.Time

	mu       sync.Mutex
	lastUsed time.Time
	active   int
	broken   bool
	retired  bool
	closed   bool
}

func newPooledConnection(key ConnectionKey, conn Conn, now func() time.Time) *PooledConnection {
	return &PooledConnection{key: key, conn: conn, now: now, lastUsed: now()}
}

func (pc *PooledConnection) Key() ConnectionKey { return pc.key }

// Conn returns the underlying connection.
func (pc *PooledConnection) Conn() Conn { return pc.conn }

// Exec runs argv over the connection. A transport failure marks the
// connection broken so the next Acquire redials.
func (pc *PooledConnection) Exec(ctx context.Context, argv []string) (*command.Result, error) {
	pc.mu.Lock()
	if pc.closed {
		pc.mu.Unlock()
		return nil, command.NewError(command.KindConnectFailed, pc.key.Host, pc.key.User, ErrClientClosed)
	}
	pc.active++
	pc.lastUsed = pc.now()
	pc.mu.Unlock()

	res, err := pc.conn.Exec(ctx, argv)

	pc.mu.Lock()
	pc.active--
	pc.lastUsed = pc.now()
	if command.KindOf(err) == command.KindConnectFailed {
		pc.broken = true
	}
	closeNow := pc.retired && pc.active == 0 && !pc.closed
	if closeNow {
		pc.closed = true
	}
	pc.mu.Unlock()

	if closeNow {
		pc.closeConn()
	}
	return res, err
}

// MarkBroken flags the connection so the pool replaces it on next use.
func (pc *PooledConnection) MarkBroken() {
	pc.mu.Lock()
	pc.broken = true
	pc.mu.Unlock()
}

func (pc *PooledConnection) healthy() bool {
	pc.mu.Lock()
	ok := !pc.broken && !pc.retired
	pc.mu.Unlock()
	return ok && pc.conn.Alive()
}

func (pc *PooledConnection) touch() {
	pc.mu.Lock()
	pc.lastUsed = pc.now()
	pc.mu.Unlock()
}

// idleFor is zero while a command is in flight.
func (pc *PooledConnection) idleFor(now time.Time) time.Duration {
	pc.mu.Lock()
	defer pc.mu.Unlock()
	if pc.active > 0 {
		return 0
	}
	return now.Sub(pc.lastUsed)
}

// retire takes the connection out of service. Unless force is set, commands
// in flight finish first and the last one closes the connection.
func (pc *PooledConnection) retire(force bool) {
	pc.mu.Lock()
	pc.retired = true
	closeNow := !pc.closed && (force || pc.active == 0)
	if closeNow {
		pc.closed = true
	}
	pc.mu.Unlock()

	if closeNow {
		pc.closeConn()
	}
}

func (pc *PooledConnection) closeConn() {
	if err := pc.conn.Close(); err != nil {
		logrus.Debugf("failed to close pooled connection %s: %v", pc.key, err)
	}
}

type PoolOption func(*Pool)

// WithIdleTimeout closes connections unused for d. Zero disables eviction.
func WithIdleTimeout(d time.Duration) PoolOption {
	return func(p *Pool) { p.idleTimeout = d }
}

// WithMaxConnections caps the pool; the least recently used connection is
// evicted beyond n. Zero means unbounded.
func WithMaxConnections(n int) PoolOption {
	return func(p *Pool) { p.maxConns = n }
}

// WithDialRate allows burst dials per key, refilled one per interval.
func WithDialRate(interval time.Duration, burst int) PoolOption {
	return func(p *Pool) {
		p.dialInterval = interval
		p.dialBurst = burst
	}
}

// WithDialTimeout bounds one dial, including waiting for the rate limiter.
func WithDialTimeout(d time.Duration) PoolOption {
	return func(p *Pool) { p.dialTimeout = d }
}

func WithPoolAuditor(a audit.Auditor) PoolOption {
	return func(p *Pool) { p.auditor = a }
}

func WithPoolMetrics(m *metrics.Metrics) PoolOption {
	return func(p *Pool) { p.metrics = m }
}

func withClock(now func() time.Time) PoolOption {
	return func(p *Pool) { p.now = now }
}

// Pool owns every pooled connection. At most one dial per key is in flight;
// concurrent acquirers of the same key share its outcome.
type Pool struct {
	dialer  Dialer
	auditor audit.Auditor
	metrics *metrics.Metrics

	idleTimeout  time.Duration
	maxConns     int
	dialTimeout  time.Duration
	dialInterval time.Duration
	dialBurst    int
	now          func() time.Time

	// mu guards entries, limiters, evicted and closed. It is held only for
	// map operations, never across a dial or a command.
	mu       sync.Mutex
	entries  *simplelru.LRU[ConnectionKey, *PooledConnection]
	limiters map[ConnectionKey]*rate.Limiter
	evicted  []*PooledConnection
	closed   bool

	dials singleflight.Group

	ctx       context.Context
	cancel    context.CancelFunc
	wg        sync.WaitGroup
	closeOnce sync.Once
}

func NewPool(dialer Dialer, opts ...PoolOption) *Pool {
	p := &Pool{
		dialer:      dialer,
		dialTimeout: DefaultDialTimeout,
		now:         time.Now,
		limiters:    make(map[ConnectionKey]*rate.Limiter),
	}
	for _, opt := range opts {
		opt(p)
	}

	size := p.maxConns
	if size <= 0 {
		size = math.MaxInt32
	}
	// size is always positive, NewLRU cannot fail
	p.entries, _ = simplelru.NewLRU[ConnectionKey, *PooledConnection](size, p.onEvict)

	p.ctx, p.cancel = context.WithCancel(context.Background())
	if p.idleTimeout > 0 {
		p.wg.Add(1)
		go p.reapLoop()
	}
	return p
}

// onEvict runs with mu held; retiring happens after unlock.
func (p *Pool) onEvict(_ ConnectionKey, pc *PooledConnection) {
	p.evicted = append(p.evicted, pc)
}

func (p *Pool) drainLocked() []*PooledConnection {
	ev := p.evicted
	p.evicted = nil
	return ev
}

func (p *Pool) retireAll(ev []*PooledConnection, reason string, force bool) {
	for _, pc := range ev {
		p.metrics.ObserveEviction(reason)
		audit.Emit(p.auditor, audit.Event{
			Type:   audit.EventEvict,
			Host:   pc.key.Host,
			User:   pc.key.User,
			Port:   pc.key.Port,
			Detail: reason,
		})
		pc.retire(force)
	}
}

// Acquire returns the pooled connection for key, dialing if there is none
// or the cached one failed its liveness check.
func (p *Pool) Acquire(ctx context.Context, key ConnectionKey) (*PooledConnection, error) {
	key = key.normalize()
	if p.isClosed() {
		return nil, command.NewError(command.KindConnectFailed, key.Host, key.User, ErrPoolClosed)
	}

	if pc := p.cached(key); pc != nil {
		return pc, nil
	}
	return p.dial(ctx, key)
}

func (p *Pool) isClosed() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.closed
}

func (p *Pool) cached(key ConnectionKey) *PooledConnection {
	p.mu.Lock()
	pc, ok := p.entries.Get(key)
	p.mu.Unlock()
	if !ok {
		return nil
	}

	if pc.healthy() {
		pc.touch()
		p.metrics.ObserveReuse()
		audit.Emit(p.auditor, audit.Event{
			Type:    audit.EventReuse,
			Host:    key.Host,
			User:    key.User,
			Port:    key.Port,
			Reused:  true,
			Outcome: audit.OutcomeSuccess,
		})
		return pc
	}

	logrus.Debugf("discarding stale SSH connection to %s", key)
	p.remove(key, pc, "stale")
	return nil
}

// remove drops pc if it is still the entry for key.
func (p *Pool) remove(key ConnectionKey, pc *PooledConnection, reason string) {
	p.mu.Lock()
	if cur, ok := p.entries.Peek(key); ok && (pc == nil || cur == pc) {
		p.entries.Remove(key)
	}
	ev := p.drainLocked()
	n := p.entries.Len()
	p.mu.Unlock()

	p.metrics.SetPoolSize(n)
	p.retireAll(ev, reason, false)
}

func (p *Pool) peekHealthy(key ConnectionKey) *PooledConnection {
	p.mu.Lock()
	pc, ok := p.entries.Peek(key)
	p.mu.Unlock()
	if ok && pc.healthy() {
		return pc
	}
	return nil
}

func (p *Pool) dial(ctx context.Context, key ConnectionKey) (*PooledConnection, error) {
	ch := p.dials.DoChan(key.String(), func() (any, error) {
		return p.dialOnce(key)
	})

	select {
	case <-ctx.Done():
		return nil, command.NewError(command.KindConnectFailed, key.Host, key.User,
			fmt.Errorf("%w: gave up waiting for connection: %v", ErrConnectionFailed, ctx.Err()))
	case r := <-ch:
		if r.Err != nil {
			return nil, r.Err
		}
		return r.Val.(*PooledConnection), nil
	}
}

// dialOnce runs inside the key's single flight. The dial is bound to the
// pool's lifetime rather than to any one caller, since every waiter shares it.
func (p *Pool) dialOnce(key ConnectionKey) (*PooledConnection, error) {
	// a flight that finished just before this one began may have stored one
	if pc := p.peekHealthy(key); pc != nil {
		return pc, nil
	}

	ctx, cancel := context.WithTimeout(p.ctx, p.dialTimeout)
	defer cancel()

	if lim := p.limiter(key); lim != nil {
		if err := lim.Wait(ctx); err != nil {
			p.metrics.ObserveDial("rate_limited")
			return nil, command.NewError(command.KindConnectFailed, key.Host, key.User,
				fmt.Errorf("%w: dial rate limit: %v", ErrConnectionFailed, err))
		}
	}

	start := time.Now()
	conn, err := p.dialer.Dial(ctx, key)
	if err != nil {
		kind := command.KindOf(err)
		if kind == command.KindUnknown {
			kind = command.KindConnectFailed
			err = command.NewError(kind, key.Host, key.User, fmt.Errorf("%w: %v", ErrConnectionFailed, err))
		}
		p.metrics.ObserveDial(kind.String())
		p.remove(key, nil, "dial_failed")
		logrus.Debugf("SSH dial to %s failed after %s: %v", key, time.Since(start), err)
		return nil, err
	}
	p.metrics.ObserveDial("success")

	pc := newPooledConnection(key, conn, p.now)
	if !p.store(key, pc) {
		_ = conn.Close()
		return nil, command.NewError(command.KindConnectFailed, key.Host, key.User, ErrPoolClosed)
	}
	logrus.Debugf("pooled new SSH connection to %s in %s", key, time.Since(start))
	return pc, nil
}

func (p *Pool) store(key ConnectionKey, pc *PooledConnection) bool {
	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return false
	}
	var replaced []*PooledConnection
	if _, ok := p.entries.Peek(key); ok {
		p.entries.Remove(key)
		replaced = p.drainLocked()
	}
	p.entries.Add(key, pc)
	ev := p.drainLocked()
	n := p.entries.Len()
	p.mu.Unlock()

	p.metrics.SetPoolSize(n)
	p.retireAll(replaced, "replaced", false)
	p.retireAll(ev, "capacity", false)
	return true
}

func (p *Pool) limiter(key ConnectionKey) *rate.Limiter {
	if p.dialInterval <= 0 {
		return nil
	}
	burst := p.dialBurst
	if burst < 1 {
		burst = 1
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	lim, ok := p.limiters[key]
	if !ok {
		lim = rate.NewLimiter(rate.Every(p.dialInterval), burst)
		p.limiters[key] = lim
	}
	return lim
}

func (p *Pool) reapLoop() {
	defer p.wg.Done()

	interval := p.idleTimeout / 2
	if interval <= 0 {
		interval = p.idleTimeout
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-p.ctx.Done():
			return
		case <-ticker.C:
			p.reapIdle()
		}
	}
}

// reapIdle closes connections idle for longer than the idle timeout and
// drops rate limiters that have fully refilled for keys no longer pooled.
func (p *Pool) reapIdle() {
	now := p.now()

	p.mu.Lock()
	for _, key := range p.entries.Keys() {
		pc, ok := p.entries.Peek(key)
		if ok && pc.idleFor(now) >= p.idleTimeout {
			p.entries.Remove(key)
		}
	}
	for key, lim := range p.limiters {
		if p.entries.Contains(key) {
			continue
		}
		if lim.Tokens() >= float64(lim.Burst()) {
			delete(p.limiters, key)
		}
	}
	ev := p.drainLocked()
	n := p.entries.Len()
	p.mu.Unlock()

	if len(ev) > 0 {
		logrus.Debugf("closing %d idle SSH connections", len(ev))
	}
	p.metrics.SetPoolSize(n)
	p.retireAll(ev, "idle", false)
}

// Evict closes the connection for key, if any.
func (p *Pool) Evict(key ConnectionKey) {
	p.remove(key.normalize(), nil, "evicted")
}

// Size returns the number of pooled connections.
func (p *Pool) Size() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.entries.Len()
}

// Shutdown closes every pooled connection, including ones with commands in
// flight, and makes later Acquire calls fail. It is safe to call repeatedly.
func (p *Pool) Shutdown() {
	p.closeOnce.Do(func() {
		p.cancel()
		p.wg.Wait()

		p.mu.Lock()
		p.closed = true
		p.entries.Purge()
		ev := p.drainLocked()
		p.limiters = make(map[ConnectionKey]*rate.Limiter)
		p.mu.Unlock()

		p.retireAll(ev, "shutdown", true)
		p.metrics.SetPoolSize(0)
		logrus.Debugf("SSH connection pool shut down, closed %d connections", len(ev))
	})
}
