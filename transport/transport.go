// Package transport implements the auto-reconnecting TCP session (C3).
//
// 传输层：维护到单个 Redis 实例的 TCP 连接，断线后自动重连。
// 关键点：复用 cluster.PeerClient 的连接管理思路（teacher: cluster/peer_client.go），
// 但这里只维护一条长连接（而不是连接池），因为 C4/C5 需要严格 FIFO 的单一字节流。
package transport

import (
	"context"
	"errors"
	"fmt"
	"log"
	"net"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/google/uuid"
	"go.uber.org/atomic"
)

// ErrClosed is returned by Acquire after Close has been called.
var ErrClosed = errors.New("transport: closed")

// DefaultDialTimeout and DefaultOpTimeout mirror cluster.PeerClient's constants from the
// teacher (2s dial / 5s per-op deadline), kept as defaults here and
// overridable via Option.
const (
	DefaultDialTimeout = 2 * time.Second
	DefaultOpTimeout   = 5 * time.Second
)

// Option configures a Transport at construction time.
type Option func(*Transport)

// WithLogger overrides the default logger (log.Default()).
func WithLogger(l *log.Logger) Option {
	return func(t *Transport) { t.logger = l }
}

// WithDialTimeout overrides the dial timeout used for both the initial
// connect and every reconnect attempt.
func WithDialTimeout(d time.Duration) Option {
	return func(t *Transport) { t.dialTimeout = d }
}

// WithOpTimeout overrides the read/write deadline applied per operation.
func WithOpTimeout(d time.Duration) Option {
	return func(t *Transport) { t.opTimeout = d }
}

// WithBackOff overrides the reconnect backoff policy. The default is a
// capped exponential backoff with jitter (30s max interval), replacing the
// baseline's fixed 1-second retry per spec.md §9's documented extension.
func WithBackOff(b backoff.BackOff) Option {
	return func(t *Transport) { t.newBackOff = func() backoff.BackOff { return b } }
}

// conn wraps a live net.Conn together with the generation it belongs to.
// Generation increments on every successful (re)connect; C4/C5 read loops
// use it to detect that the connection they were using has been replaced
// and to stop retrying against a stale socket.
type conn struct {
	nc  net.Conn
	gen uint64
}

// Transport is the auto-reconnecting TCP session (C3). It owns the single
// net.Conn for a session: only Transport ever calls nc.Close() or replaces
// it on reconnect (see spec §5 "Shared resources").
type Transport struct {
	mu          sync.Mutex
	addr        string
	dialTimeout time.Duration
	opTimeout   time.Duration
	dialer      net.Dialer
	logger      *log.Logger
	newBackOff  func() backoff.BackOff

	sessionID string

	current   *conn
	ready     chan struct{} // closed and replaced whenever a new conn is swapped in; closed by Close
	closed    atomic.Bool
	reconnect atomic.Bool // true while a reconnect loop is running

	onStreamClosed []func(error)
	onReconnect    []func()
}

// New creates a Transport bound to addr ("host:port"). It does not dial;
// call Connect or ConnectAsync.
func New(addr string, opts ...Option) *Transport {
	t := &Transport{
		addr:        addr,
		dialTimeout: DefaultDialTimeout,
		opTimeout:   DefaultOpTimeout,
		logger:      log.Default(),
		sessionID:   uuid.NewString(),
		newBackOff:  defaultBackOff,
		ready:       make(chan struct{}),
	}
	for _, opt := range opts {
		opt(t)
	}
	return t
}

func defaultBackOff() backoff.BackOff {
	b := backoff.NewExponentialBackOff()
	b.InitialInterval = 200 * time.Millisecond
	b.MaxInterval = 30 * time.Second
	b.MaxElapsedTime = 0 // retry indefinitely, per spec §4.3
	return b
}

// SetOnStreamClosed adds a callback invoked with the triggering error
// whenever the live connection is lost (not on an intentional Close).
// Every registered callback fires, in registration order; this is additive,
// not a replacement — C4 registers its internal failAll hook here (and C5
// its resubscribe hook via SetOnReconnect), and a caller's own
// SetOnStreamClosed must not clobber it.
func (t *Transport) SetOnStreamClosed(cb func(error)) {
	t.mu.Lock()
	t.onStreamClosed = append(t.onStreamClosed, cb)
	t.mu.Unlock()
}

// SetOnReconnect adds a callback invoked once a lost connection has been
// successfully re-established. Every registered callback fires, in
// registration order; see SetOnStreamClosed for why this is additive.
func (t *Transport) SetOnReconnect(cb func()) {
	t.mu.Lock()
	t.onReconnect = append(t.onReconnect, cb)
	t.mu.Unlock()
}

// Connect resolves and dials addr synchronously.
func (t *Transport) Connect(ctx context.Context) error {
	t.closed.Store(false)
	nc, err := t.dial(ctx)
	if err != nil {
		return err
	}
	t.swapIn(nc)
	return nil
}

// ConnectAsync dials in a background goroutine and invokes cb with the
// result (nil on success) once the attempt completes.
func (t *Transport) ConnectAsync(ctx context.Context, cb func(error)) {
	go func() {
		cb(t.Connect(ctx))
	}()
}

func (t *Transport) dial(ctx context.Context) (net.Conn, error) {
	dialCtx, cancel := context.WithTimeout(ctx, t.dialTimeout)
	defer cancel()
	nc, err := t.dialer.DialContext(dialCtx, "tcp", t.addr)
	if err != nil {
		return nil, fmt.Errorf("transport: dial %s: %w", t.addr, err)
	}
	return nc, nil
}

func (t *Transport) swapIn(nc net.Conn) {
	t.mu.Lock()
	if t.closed.Load() {
		t.mu.Unlock()
		_ = nc.Close()
		return
	}
	gen := uint64(1)
	if t.current != nil {
		gen = t.current.gen + 1
	}
	t.current = &conn{nc: nc, gen: gen}
	old := t.ready
	t.ready = make(chan struct{})
	t.mu.Unlock()
	close(old)
}

// Acquire blocks until a live connection is available and returns it along
// with its generation number. It returns ErrClosed if the transport has
// been intentionally closed while waiting.
func (t *Transport) Acquire(ctx context.Context) (net.Conn, uint64, error) {
	for {
		t.mu.Lock()
		if t.closed.Load() {
			t.mu.Unlock()
			return nil, 0, ErrClosed
		}
		if t.current != nil {
			nc, gen := t.current.nc, t.current.gen
			t.mu.Unlock()
			return nc, gen, nil
		}
		waitCh := t.ready
		t.mu.Unlock()

		select {
		case <-waitCh:
		case <-ctx.Done():
			return nil, 0, ctx.Err()
		}
	}
}

// Deadline returns the time by which an in-flight read or write against gen
// should complete, per the configured op timeout.
func (t *Transport) Deadline() time.Time {
	return time.Now().Add(t.opTimeout)
}

// ReportError is called by C4/C5 when a read or write against generation
// gen fails. If gen is still the live generation, the connection is closed
// and the reconnect loop starts; a report against a stale generation (one
// already superseded by a reconnect) is a no-op, since another reader/writer
// already observed and is handling that failure.
func (t *Transport) ReportError(gen uint64, err error) {
	t.mu.Lock()
	if t.current == nil || t.current.gen != gen {
		t.mu.Unlock()
		return
	}
	stale := t.current
	t.current = nil
	onClosed := make([]func(error), len(t.onStreamClosed))
	copy(onClosed, t.onStreamClosed)
	t.mu.Unlock()

	_ = stale.nc.Close()

	if t.closed.Load() {
		return
	}
	for _, cb := range onClosed {
		cb(err)
	}

	if t.reconnect.CompareAndSwap(false, true) {
		go t.reconnectLoop()
	}
}

func (t *Transport) reconnectLoop() {
	defer t.reconnect.Store(false)

	b := t.newBackOff()
	for {
		if t.closed.Load() {
			return
		}
		nc, err := t.dial(context.Background())
		if err != nil {
			wait := b.NextBackOff()
			if wait == backoff.Stop {
				t.logger.Printf("transport[%s]: reconnect to %s giving up: %v", t.sessionID, t.addr, err)
				return
			}
			t.logger.Printf("transport[%s]: reconnect to %s failed, retrying in %s: %v", t.sessionID, t.addr, wait, err)
			timer := time.NewTimer(wait)
			<-timer.C
			continue
		}
		if t.closed.Load() {
			_ = nc.Close()
			return
		}
		t.swapIn(nc)
		t.logger.Printf("transport[%s]: reconnected to %s", t.sessionID, t.addr)

		t.mu.Lock()
		onReconnect := make([]func(), len(t.onReconnect))
		copy(onReconnect, t.onReconnect)
		t.mu.Unlock()
		for _, cb := range onReconnect {
			cb()
		}
		return
	}
}

// Connected reports whether a live connection is currently held.
func (t *Transport) Connected() bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	return !t.closed.Load() && t.current != nil
}

// SessionID returns the session's correlation id, stamped once at
// construction and stable across reconnects; useful for tying together
// on_stream_closed/on_reconnect log lines from the same session.
func (t *Transport) SessionID() string { return t.sessionID }

// Close intentionally closes the transport. Subsequent I/O failures will
// not trigger reconnection; Acquire returns ErrClosed.
func (t *Transport) Close() error {
	t.closed.Store(true)
	t.mu.Lock()
	cur := t.current
	t.current = nil
	waitCh := t.ready
	t.mu.Unlock()
	close(waitCh)
	if cur != nil {
		return cur.nc.Close()
	}
	return nil
}
