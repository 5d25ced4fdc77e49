// Package terminal binds terminal sessions to process handles and fans their
// output out to attached viewer connections.
package terminal

import (
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/joescharf/amux/internal/models"
	"github.com/joescharf/amux/internal/process"
	"github.com/joescharf/amux/internal/protocol"
)

// ErrNotFound is returned for an unknown or already closed session.
var ErrNotFound = errors.New("terminal session not found")

// Conn is one viewer transport attached to a session. Send must not block on
// the network; implementations queue and report failure when they cannot.
type Conn interface {
	ID() string
	Send(f protocol.Frame) error
	Close(code int, reason string) error
}

// ActivityRecorder is notified of output on instance-bound sessions.
type ActivityRecorder interface {
	Touch(instanceID string, at time.Time)
}

// Config tunes a Registry.
type Config struct {
	// ReplayOnAttach sends buffered output to a newly attached conn.
	ReplayOnAttach bool
	// ScrollbackBytes bounds the per-session replay buffer.
	ScrollbackBytes int
	// OwnedStopGrace is the SIGTERM grace given to owned shells on Close.
	OwnedStopGrace time.Duration
}

// DefaultConfig returns the stock settings.
func DefaultConfig() Config {
	return Config{
		ReplayOnAttach:  true,
		ScrollbackBytes: process.DefaultScrollbackBytes,
		OwnedStopGrace:  2 * time.Second,
	}
}

// Registry owns the set of live sessions.
type Registry struct {
	cfg      Config
	recorder ActivityRecorder
	logger   *slog.Logger
	now      func() time.Time

	mu       sync.RWMutex
	sessions map[string]*session
}

type session struct {
	id        string
	ownerID   string
	kind      models.TerminalKind
	createdAt time.Time
	handle    process.Handle
	owned     bool

	mu      sync.Mutex
	conns   map[string]Conn
	order   []string
	current string
	history []byte
	closed  bool
	sub     *process.Subscription
}

// NewRegistry builds a registry. recorder may be nil.
func NewRegistry(cfg Config, recorder ActivityRecorder, logger *slog.Logger) *Registry {
	if logger == nil {
		logger = slog.Default()
	}
	if cfg.ScrollbackBytes <= 0 {
		cfg.ScrollbackBytes = process.DefaultScrollbackBytes
	}
	return &Registry{
		cfg:      cfg,
		recorder: recorder,
		logger:   logger.With("component", "terminal"),
		now:      func() time.Time { return time.Now().UTC() },
		sessions: make(map[string]*session),
	}
}

// CreateSession binds a new session to h. ownerID is the instance id for
// instance sessions. When owned is set the session exclusively owns h and
// terminates it on Close.
func (r *Registry) CreateSession(ownerID string, kind models.TerminalKind, h process.Handle, owned bool) *models.TerminalSession {
	sub := h.Subscribe()
	s := &session{
		id:        uuid.NewString(),
		ownerID:   ownerID,
		kind:      kind,
		createdAt: r.now(),
		handle:    h,
		owned:     owned,
		conns:     make(map[string]Conn),
		history:   tailBytes(sub.Backlog, r.cfg.ScrollbackBytes),
		sub:       sub,
	}

	r.mu.Lock()
	r.sessions[s.id] = s
	r.mu.Unlock()

	go r.pump(s)
	r.logger.Info("session created", "session", s.id, "owner", ownerID, "kind", kind, "owned", owned)
	return s.view()
}

// Attach subscribes conn to a session's output and makes it the current conn.
// A conn with the same ID as an attached one replaces it.
func (r *Registry) Attach(sessionID string, conn Conn) error {
	s, err := r.lookup(sessionID)
	if err != nil {
		return err
	}

	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return fmt.Errorf("%w: %s", ErrNotFound, sessionID)
	}
	replaced := s.conns[conn.ID()]
	if replaced == conn {
		replaced = nil
	}
	if err := conn.Send(protocol.Ready()); err != nil {
		s.mu.Unlock()
		return fmt.Errorf("send ready: %w", err)
	}
	if r.cfg.ReplayOnAttach && len(s.history) > 0 {
		if err := conn.Send(protocol.Data(s.history)); err != nil {
			s.mu.Unlock()
			return fmt.Errorf("send replay: %w", err)
		}
	}
	if _, ok := s.conns[conn.ID()]; !ok {
		s.order = append(s.order, conn.ID())
	}
	s.conns[conn.ID()] = conn
	s.current = conn.ID()
	s.mu.Unlock()

	if replaced != nil {
		_ = replaced.Close(protocol.CloseNormal, "replaced by new connection")
		r.logger.Debug("connection replaced", "session", sessionID, "conn", conn.ID())
	}
	return nil
}

// Detach removes conn from a session without closing it.
func (r *Registry) Detach(sessionID string, conn Conn) {
	s, err := r.lookup(sessionID)
	if err != nil {
		return
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.conns[conn.ID()] == conn {
		s.removeLocked(conn.ID())
	}
}

// Write forwards input to the session's process.
func (r *Registry) Write(sessionID string, data []byte) error {
	s, err := r.lookup(sessionID)
	if err != nil {
		return err
	}
	if _, err := s.handle.Write(data); err != nil {
		return fmt.Errorf("write session %s: %w", sessionID, err)
	}
	return nil
}

// Resize forwards a terminal size change. Invalid dimensions are logged and
// ignored.
func (r *Registry) Resize(sessionID string, cols, rows float64) error {
	s, err := r.lookup(sessionID)
	if err != nil {
		return err
	}
	c, rw, ok := protocol.Dimensions(cols, rows)
	if !ok {
		r.logger.Warn("ignoring invalid resize", "session", sessionID, "cols", cols, "rows", rows)
		return nil
	}
	if err := s.handle.Resize(c, rw); err != nil {
		return fmt.Errorf("resize session %s: %w", sessionID, err)
	}
	return nil
}

// Close destroys a session and closes its conns. Owned handles are
// terminated; instance handles are left running.
func (r *Registry) Close(sessionID string) error {
	s, ok := r.remove(sessionID)
	if !ok {
		return fmt.Errorf("%w: %s", ErrNotFound, sessionID)
	}
	r.teardown(s, protocol.CloseNormal, "session closed")
	if s.owned {
		if err := s.handle.Terminate(r.cfg.OwnedStopGrace); err != nil {
			r.logger.Warn("terminate owned shell failed", "session", sessionID, "error", err)
		}
	}
	return nil
}

// CloseAll closes every session.
func (r *Registry) CloseAll() {
	r.mu.RLock()
	ids := make([]string, 0, len(r.sessions))
	for id := range r.sessions {
		ids = append(ids, id)
	}
	r.mu.RUnlock()
	for _, id := range ids {
		_ = r.Close(id)
	}
}

// Get returns the reporting view of a session.
func (r *Registry) Get(sessionID string) (*models.TerminalSession, error) {
	s, err := r.lookup(sessionID)
	if err != nil {
		return nil, err
	}
	return s.view(), nil
}

// ListByInstance returns the sessions owned by instanceID, oldest first.
func (r *Registry) ListByInstance(instanceID string) []*models.TerminalSession {
	r.mu.RLock()
	var out []*models.TerminalSession
	for _, s := range r.sessions {
		if s.ownerID == instanceID {
			out = append(out, s.view())
		}
	}
	r.mu.RUnlock()

	sort.Slice(out, func(i, j int) bool {
		if out[i].CreatedAt.Equal(out[j].CreatedAt) {
			return out[i].ID < out[j].ID
		}
		return out[i].CreatedAt.Before(out[j].CreatedAt)
	})
	if out == nil {
		out = []*models.TerminalSession{}
	}
	return out
}

// Len returns the number of live sessions.
func (r *Registry) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.sessions)
}

// pump delivers output in order to every attached conn until the process exits.
func (r *Registry) pump(s *session) {
	for {
		for chunk := range s.sub.C {
			r.broadcast(s, chunk)
			if s.kind == models.TerminalKindInstance && r.recorder != nil {
				r.recorder.Touch(s.ownerID, r.now())
			}
		}

		select {
		case <-s.handle.Done():
			if s, ok := r.remove(s.id); ok {
				r.teardown(s, protocol.CloseNormal, "process exited")
				r.logger.Info("session ended with process", "session", s.id)
			}
			return
		default:
		}

		s.mu.Lock()
		if s.closed {
			s.mu.Unlock()
			return
		}
		// Fell behind the process and was dropped; output in the gap is lost.
		r.logger.Warn("session output overrun, resubscribing", "session", s.id)
		s.sub = s.handle.Subscribe()
		s.mu.Unlock()
	}
}

func (r *Registry) broadcast(s *session, chunk []byte) {
	frame := protocol.Data(chunk)

	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return
	}
	s.history = appendBounded(s.history, chunk, r.cfg.ScrollbackBytes)
	var failed []Conn
	for _, id := range s.order {
		c := s.conns[id]
		if err := c.Send(frame); err != nil {
			r.logger.Warn("detaching connection after send failure", "session", s.id, "conn", id, "error", err)
			failed = append(failed, c)
		}
	}
	for _, c := range failed {
		s.removeLocked(c.ID())
	}
	s.mu.Unlock()

	for _, c := range failed {
		_ = c.Close(protocol.CloseNormal, "send failed")
	}
}

func (r *Registry) teardown(s *session, code int, reason string) {
	s.mu.Lock()
	s.closed = true
	conns := make([]Conn, 0, len(s.order))
	for _, id := range s.order {
		conns = append(conns, s.conns[id])
	}
	s.conns = make(map[string]Conn)
	s.order = nil
	s.current = ""
	sub := s.sub
	s.mu.Unlock()

	sub.Cancel()
	for _, c := range conns {
		_ = c.Close(code, reason)
	}
}

func (r *Registry) lookup(sessionID string) (*session, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	s, ok := r.sessions[sessionID]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrNotFound, sessionID)
	}
	return s, nil
}

func (r *Registry) remove(sessionID string) (*session, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	s, ok := r.sessions[sessionID]
	if ok {
		delete(r.sessions, sessionID)
	}
	return s, ok
}

func (s *session) removeLocked(connID string) {
	delete(s.conns, connID)
	for i, id := range s.order {
		if id == connID {
			s.order = append(s.order[:i], s.order[i+1:]...)
			break
		}
	}
	if s.current == connID {
		s.current = ""
		if n := len(s.order); n > 0 {
			s.current = s.order[n-1]
		}
	}
}

// Current returns the conn most recently attached to a session.
func (r *Registry) Current(sessionID string) (Conn, bool) {
	s, err := r.lookup(sessionID)
	if err != nil {
		return nil, false
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	c, ok := s.conns[s.current]
	return c, ok
}

func (s *session) view() *models.TerminalSession {
	s.mu.Lock()
	n := len(s.conns)
	s.mu.Unlock()
	v := &models.TerminalSession{
		ID:          s.id,
		Kind:        s.kind,
		CreatedAt:   s.createdAt,
		Connections: n,
	}
	if s.kind == models.TerminalKindInstance {
		v.InstanceID = s.ownerID
	}
	return v
}

func appendBounded(buf, p []byte, limit int) []byte {
	buf = append(buf, p...)
	if over := len(buf) - limit; over > 0 {
		buf = append(buf[:0:0], buf[over:]...)
	}
	return buf
}

func tailBytes(p []byte, limit int) []byte {
	if len(p) > limit {
		p = p[len(p)-limit:]
	}
	return append([]byte(nil), p...)
}
