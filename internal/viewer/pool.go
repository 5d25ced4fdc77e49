// Package viewer pools terminal transports on the viewing side: one connection
// per session shared by many local subscribers, with heartbeats and bounded
// reconnection.
package viewer

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"time"

	"github.com/joescharf/amux/internal/protocol"
)

var (
	ErrPoolExhausted      = errors.New("connection pool exhausted")
	ErrConnectionTimeout  = errors.New("connection timed out")
	ErrConnectionClosed   = errors.New("connection closed")
	ErrReconnectExhausted = errors.New("reconnect attempts exhausted")
	ErrPoolShutdown       = errors.New("connection pool shut down")
)

// Transport is one established connection to a session.
type Transport interface {
	Send(f protocol.Frame) error
	// Recv blocks for the next frame. Malformed frames are dropped by the
	// implementation, not returned.
	Recv() (protocol.Frame, error)
	Close(code int, reason string) error
}

// Dialer opens transports. A returned error wrapping ErrSessionGone is not
// retried.
type Dialer interface {
	Dial(ctx context.Context, sessionID string) (Transport, error)
}

// ErrSessionGone marks a session the server has ended or never knew; such
// transport failures are final.
var ErrSessionGone = errors.New("session gone")

// Handler receives application frames. Calls for one session are sequential
// and in arrival order.
type Handler func(protocol.Frame)

// Config tunes a Pool.
type Config struct {
	MaxConnections       int
	ConnectTimeout       time.Duration
	HeartbeatInterval    time.Duration
	ReconnectBaseDelay   time.Duration
	ReconnectMaxDelay    time.Duration
	MaxReconnectAttempts int
}

// DefaultConfig returns the stock settings.
func DefaultConfig() Config {
	return Config{
		MaxConnections:       10,
		ConnectTimeout:       10 * time.Second,
		HeartbeatInterval:    30 * time.Second,
		ReconnectBaseDelay:   time.Second,
		ReconnectMaxDelay:    5 * time.Second,
		MaxReconnectAttempts: 3,
	}
}

// Stats is a point-in-time view of one pooled connection.
type Stats struct {
	SessionID         string
	Subscribers       int
	ReconnectAttempts int
	LastReconnect     time.Time
	LastPong          time.Time
	Connecting        bool
	Open              bool
}

// Subscription identifies one subscriber of a pooled connection.
type Subscription struct {
	pool      *Pool
	sessionID string
	id        uint64
}

// Close removes this subscriber.
func (s *Subscription) Close() { s.pool.Disconnect(s.sessionID, s) }

// SessionID returns the session the subscription is attached to.
func (s *Subscription) SessionID() string { return s.sessionID }

// Pool multiplexes subscribers onto one transport per session id.
type Pool struct {
	cfg         Config
	dialer      Dialer
	logger      *slog.Logger
	onExhausted func(sessionID string, err error)
	now         func() time.Time

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup

	mu         sync.Mutex
	entries    map[string]*pooled
	shutdown   bool
	background bool
	visibility chan bool
}

type pooled struct {
	sessionID string
	transport Transport
	gen       int

	subs    map[uint64]Handler
	nextSub uint64

	reconnectAttempts int
	lastReconnect     time.Time
	lastUsed          time.Time
	lastPong          time.Time

	connecting bool
	closed     bool
	destroyed  bool
	// ready is closed when the in-flight connect resolves; err holds its outcome.
	ready chan struct{}
	err   error
}

// Option configures a Pool.
type Option func(*Pool)

// WithLogger sets the logger.
func WithLogger(l *slog.Logger) Option {
	return func(p *Pool) { p.logger = l }
}

// WithOnExhausted registers the hook called when a connection is given up:
// after the reconnect budget is spent, or when the server ends the session.
func WithOnExhausted(fn func(sessionID string, err error)) Option {
	return func(p *Pool) { p.onExhausted = fn }
}

// NewPool starts a pool and its heartbeat loop.
func NewPool(d Dialer, cfg Config, opts ...Option) *Pool {
	ctx, cancel := context.WithCancel(context.Background())
	p := &Pool{
		cfg:        cfg,
		dialer:     d,
		logger:     slog.Default(),
		now:        time.Now,
		ctx:        ctx,
		cancel:     cancel,
		entries:    make(map[string]*pooled),
		visibility: make(chan bool, 1),
	}
	for _, opt := range opts {
		opt(p)
	}
	if p.logger == nil {
		p.logger = slog.Default()
	}
	p.logger = p.logger.With("component", "viewer")

	p.wg.Add(1)
	go p.heartbeat()
	return p
}

// Connect subscribes handler to sessionID, opening a transport if none is
// pooled. A connect already in flight for the session is awaited.
func (p *Pool) Connect(ctx context.Context, sessionID string, handler Handler) (*Subscription, error) {
	p.mu.Lock()
	for {
		if p.shutdown {
			p.mu.Unlock()
			return nil, ErrPoolShutdown
		}

		e, ok := p.entries[sessionID]
		if ok && !e.destroyed {
			if !e.connecting {
				sub := p.subscribeLocked(e, handler)
				p.mu.Unlock()
				return sub, nil
			}
			ready := e.ready
			p.mu.Unlock()
			select {
			case <-ready:
			case <-ctx.Done():
				return nil, ctx.Err()
			}
			p.mu.Lock()
			if e.err != nil && p.entries[sessionID] != e {
				err := e.err
				p.mu.Unlock()
				return nil, err
			}
			continue
		}

		if len(p.entries) >= p.cfg.MaxConnections {
			p.evictStaleLocked()
			if len(p.entries) >= p.cfg.MaxConnections {
				p.mu.Unlock()
				return nil, fmt.Errorf("%w: %d connections open", ErrPoolExhausted, len(p.entries))
			}
		}
		break
	}

	e := &pooled{
		sessionID:  sessionID,
		subs:       make(map[uint64]Handler),
		connecting: true,
		ready:      make(chan struct{}),
		lastUsed:   p.now(),
	}
	p.entries[sessionID] = e
	p.mu.Unlock()

	t, err := p.dialInitial(ctx, e)
	if err != nil {
		p.fail(e, err)
		return nil, err
	}

	p.mu.Lock()
	if e.destroyed || p.shutdown {
		p.mu.Unlock()
		_ = t.Close(protocol.CloseNormal, "disconnected")
		return nil, ErrConnectionClosed
	}
	sub := p.subscribeLocked(e, handler)
	p.installLocked(e, t)
	p.mu.Unlock()
	return sub, nil
}

// Send writes a frame on a session's transport. It reports false, and starts
// reconnecting, when the transport is not open.
func (p *Pool) Send(sessionID string, f protocol.Frame) bool {
	p.mu.Lock()
	e, ok := p.entries[sessionID]
	if !ok || e.destroyed {
		p.mu.Unlock()
		return false
	}
	if e.connecting || e.closed || e.transport == nil {
		p.mu.Unlock()
		return false
	}
	t, gen := e.transport, e.gen
	e.lastUsed = p.now()
	p.mu.Unlock()

	if err := t.Send(f); err != nil {
		p.transportLost(e, gen, err)
		return false
	}
	return true
}

// Disconnect removes sub from sessionID, or every subscriber when sub is nil.
// The transport is closed with a normal closure once no subscribers remain.
func (p *Pool) Disconnect(sessionID string, sub *Subscription) {
	p.mu.Lock()
	e, ok := p.entries[sessionID]
	if !ok {
		p.mu.Unlock()
		return
	}
	if sub == nil {
		e.subs = make(map[uint64]Handler)
	} else {
		delete(e.subs, sub.id)
	}
	if len(e.subs) > 0 {
		p.mu.Unlock()
		return
	}
	t := p.destroyLocked(e)
	p.mu.Unlock()

	if t != nil {
		_ = t.Close(protocol.CloseNormal, "client disconnect")
	}
}

// SetBackground throttles heartbeats while the viewer is not visible. Returning
// to the foreground runs a health check immediately.
func (p *Pool) SetBackground(background bool) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.background == background || p.shutdown {
		return
	}
	p.background = background
	select {
	case <-p.visibility:
	default:
	}
	select {
	case p.visibility <- !background:
	default:
	}
}

// Shutdown closes every connection and stops background work. Later Connect
// calls fail with ErrPoolShutdown.
func (p *Pool) Shutdown() {
	p.mu.Lock()
	if p.shutdown {
		p.mu.Unlock()
		return
	}
	p.shutdown = true
	var transports []Transport
	for _, e := range p.entries {
		if t := p.destroyLocked(e); t != nil {
			transports = append(transports, t)
		}
	}
	p.mu.Unlock()

	p.cancel()
	for _, t := range transports {
		_ = t.Close(protocol.CloseNormal, "shutdown")
	}
	p.wg.Wait()
}

// Len returns the number of pooled connections.
func (p *Pool) Len() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.entries)
}

// Stats reports on one pooled connection.
func (p *Pool) Stats(sessionID string) (Stats, bool) {
	p.mu.Lock()
	defer p.mu.Unlock()
	e, ok := p.entries[sessionID]
	if !ok {
		return Stats{}, false
	}
	return Stats{
		SessionID:         sessionID,
		Subscribers:       len(e.subs),
		ReconnectAttempts: e.reconnectAttempts,
		LastReconnect:     e.lastReconnect,
		LastPong:          e.lastPong,
		Connecting:        e.connecting,
		Open:              e.transport != nil && !e.closed && !e.connecting,
	}, true
}

// dialInitial makes the first dial and, on failure other than a timeout,
// spends the reconnect budget before giving up.
func (p *Pool) dialInitial(ctx context.Context, e *pooled) (Transport, error) {
	t, err := p.dialOnce(ctx, e.sessionID)
	if err == nil {
		return t, nil
	}
	if errors.Is(err, ErrConnectionTimeout) || errors.Is(err, ErrSessionGone) || ctx.Err() != nil {
		return nil, err
	}
	p.logger.Debug("initial dial failed, retrying", "session", e.sessionID, "error", err)
	return p.redial(ctx, e, err)
}

// redial retries with exponential backoff until a dial succeeds or
// MaxReconnectAttempts is reached.
func (p *Pool) redial(ctx context.Context, e *pooled, lastErr error) (Transport, error) {
	for {
		p.mu.Lock()
		if e.destroyed {
			p.mu.Unlock()
			return nil, ErrConnectionClosed
		}
		if e.reconnectAttempts >= p.cfg.MaxReconnectAttempts {
			p.mu.Unlock()
			return nil, fmt.Errorf("%w after %d attempts: %v", ErrReconnectExhausted, e.reconnectAttempts, lastErr)
		}
		e.reconnectAttempts++
		attempt := e.reconnectAttempts
		p.mu.Unlock()

		delay := p.backoff(attempt)
		timer := time.NewTimer(delay)
		select {
		case <-timer.C:
		case <-ctx.Done():
			timer.Stop()
			return nil, ctx.Err()
		case <-p.ctx.Done():
			timer.Stop()
			return nil, ErrPoolShutdown
		}

		p.mu.Lock()
		e.lastReconnect = p.now()
		p.mu.Unlock()

		t, err := p.dialOnce(ctx, e.sessionID)
		if err == nil {
			p.logger.Info("reconnected", "session", e.sessionID, "attempt", attempt)
			return t, nil
		}
		if errors.Is(err, ErrSessionGone) {
			return nil, err
		}
		p.logger.Debug("reconnect attempt failed", "session", e.sessionID, "attempt", attempt, "delay", delay, "error", err)
		lastErr = err
	}
}

func (p *Pool) dialOnce(ctx context.Context, sessionID string) (Transport, error) {
	dctx, cancel := context.WithTimeout(ctx, p.cfg.ConnectTimeout)
	defer cancel()
	stop := context.AfterFunc(p.ctx, cancel)
	defer stop()

	t, err := p.dialer.Dial(dctx, sessionID)
	if err != nil {
		if errors.Is(dctx.Err(), context.DeadlineExceeded) && ctx.Err() == nil {
			return nil, fmt.Errorf("%w: %s after %s", ErrConnectionTimeout, sessionID, p.cfg.ConnectTimeout)
		}
		return nil, err
	}
	return t, nil
}

func (p *Pool) backoff(attempt int) time.Duration {
	d := p.cfg.ReconnectBaseDelay
	for i := 1; i < attempt && d < p.cfg.ReconnectMaxDelay; i++ {
		d *= 2
	}
	if d > p.cfg.ReconnectMaxDelay {
		d = p.cfg.ReconnectMaxDelay
	}
	return d
}

func (p *Pool) subscribeLocked(e *pooled, h Handler) *Subscription {
	id := e.nextSub
	e.nextSub++
	e.subs[id] = h
	e.lastUsed = p.now()
	return &Subscription{pool: p, sessionID: e.sessionID, id: id}
}

// installLocked publishes an established transport and starts its reader.
func (p *Pool) installLocked(e *pooled, t Transport) {
	e.transport = t
	e.gen++
	e.connecting = false
	e.closed = false
	e.reconnectAttempts = 0
	e.err = nil
	e.lastPong = p.now()
	close(e.ready)

	go p.readLoop(e, t, e.gen)
}

// fail resolves an in-flight connect with err and removes the entry.
func (p *Pool) fail(e *pooled, err error) {
	p.mu.Lock()
	if p.entries[e.sessionID] == e {
		delete(p.entries, e.sessionID)
	}
	e.destroyed = true
	e.err = err
	handlers := len(e.subs)
	select {
	case <-e.ready:
	default:
		close(e.ready)
	}
	p.mu.Unlock()

	p.logger.Warn("connection abandoned", "session", e.sessionID, "error", err)
	if handlers > 0 && p.onExhausted != nil {
		p.onExhausted(e.sessionID, err)
	}
}

// destroyLocked removes e and returns its transport for the caller to close.
func (p *Pool) destroyLocked(e *pooled) Transport {
	if p.entries[e.sessionID] == e {
		delete(p.entries, e.sessionID)
	}
	e.destroyed = true
	e.gen++
	if e.err == nil {
		e.err = ErrConnectionClosed
	}
	select {
	case <-e.ready:
	default:
		close(e.ready)
	}
	t := e.transport
	e.transport = nil
	return t
}

func (p *Pool) readLoop(e *pooled, t Transport, gen int) {
	for {
		f, err := t.Recv()
		if err != nil {
			p.transportLost(e, gen, err)
			return
		}
		switch f.Type {
		case protocol.TypePing:
			if err := t.Send(protocol.Pong()); err != nil {
				p.transportLost(e, gen, err)
				return
			}
		case protocol.TypePong:
			p.mu.Lock()
			e.lastPong = p.now()
			p.mu.Unlock()
		default:
			for _, h := range p.handlers(e, gen) {
				h(f)
			}
		}
	}
}

func (p *Pool) handlers(e *pooled, gen int) []Handler {
	p.mu.Lock()
	defer p.mu.Unlock()
	if e.gen != gen || e.destroyed {
		return nil
	}
	ids := make([]uint64, 0, len(e.subs))
	for id := range e.subs {
		ids = append(ids, id)
	}
	sort.Slice(ids, func(i, j int) bool { return ids[i] < ids[j] })
	out := make([]Handler, 0, len(ids))
	for _, id := range ids {
		out = append(out, e.subs[id])
	}
	return out
}

// transportLost reacts to a failed transport of generation gen. Stale
// generations (already replaced or closed on purpose) are ignored.
func (p *Pool) transportLost(e *pooled, gen int, cause error) {
	p.mu.Lock()
	if e.destroyed || e.gen != gen || e.connecting || p.shutdown {
		p.mu.Unlock()
		return
	}
	t := e.transport
	e.transport = nil
	e.closed = true

	if errors.Is(cause, ErrSessionGone) || len(e.subs) == 0 {
		p.mu.Unlock()
		if t != nil {
			_ = t.Close(protocol.CloseNormal, "")
		}
		p.fail(e, cause)
		return
	}
	e.connecting = true
	e.ready = make(chan struct{})
	p.wg.Add(1)
	p.mu.Unlock()

	if t != nil {
		_ = t.Close(protocol.CloseNormal, "")
	}
	p.logger.Info("connection lost, reconnecting", "session", e.sessionID, "error", cause)
	go p.reconnect(e, cause)
}

func (p *Pool) reconnect(e *pooled, cause error) {
	defer p.wg.Done()

	t, err := p.redial(p.ctx, e, cause)
	if err != nil {
		if errors.Is(err, ErrPoolShutdown) || errors.Is(err, context.Canceled) {
			return
		}
		p.fail(e, err)
		return
	}

	p.mu.Lock()
	if e.destroyed || p.shutdown {
		p.mu.Unlock()
		_ = t.Close(protocol.CloseNormal, "disconnected")
		return
	}
	p.installLocked(e, t)
	p.mu.Unlock()
}

// heartbeat pings every open connection each interval, doubled while in the
// background.
func (p *Pool) heartbeat() {
	defer p.wg.Done()
	for {
		p.mu.Lock()
		interval := p.cfg.HeartbeatInterval
		if p.background {
			interval *= 2
		}
		p.mu.Unlock()

		timer := time.NewTimer(interval)
		select {
		case <-p.ctx.Done():
			timer.Stop()
			return
		case <-timer.C:
			p.checkHealth()
		case foreground := <-p.visibility:
			timer.Stop()
			if foreground {
				p.checkHealth()
			}
		}
	}
}

func (p *Pool) checkHealth() {
	type target struct {
		e   *pooled
		t   Transport
		gen int
	}
	p.mu.Lock()
	var targets []target
	for _, e := range p.entries {
		if e.destroyed || e.connecting {
			continue
		}
		if e.closed || e.transport == nil {
			// Lost without a reader noticing; stale until evicted or reconnected.
			continue
		}
		targets = append(targets, target{e, e.transport, e.gen})
	}
	p.mu.Unlock()

	for _, tg := range targets {
		if err := tg.t.Send(protocol.Ping()); err != nil {
			p.transportLost(tg.e, tg.gen, err)
		}
	}
}

// evictStaleLocked drops entries that can no longer serve subscribers, oldest
// first, until the pool is below its cap.
func (p *Pool) evictStaleLocked() {
	var stale []*pooled
	for _, e := range p.entries {
		if p.isStale(e) {
			stale = append(stale, e)
		}
	}
	sort.Slice(stale, func(i, j int) bool { return stale[i].lastUsed.Before(stale[j].lastUsed) })

	for _, e := range stale {
		if len(p.entries) < p.cfg.MaxConnections {
			return
		}
		if t := p.destroyLocked(e); t != nil {
			go func() { _ = t.Close(protocol.CloseNormal, "evicted") }()
		}
		p.logger.Debug("evicted stale connection", "session", e.sessionID)
	}
}

func (p *Pool) isStale(e *pooled) bool {
	switch {
	case e.destroyed:
		return true
	case e.closed && !e.connecting:
		return true
	case len(e.subs) == 0 && !e.connecting:
		return true
	case e.reconnectAttempts >= p.cfg.MaxReconnectAttempts && !e.connecting:
		return true
	}
	return false
}
