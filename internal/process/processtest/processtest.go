// Package processtest provides in-memory process.Handle and process.Spawner
// implementations for tests.
package processtest

import (
	"context"
	"sync"
	"time"

	"github.com/joescharf/amux/internal/process"
)

// Handle is a scriptable process.Handle. Output is produced with Emit and exit
// with Exit. With Echo set, every Write is emitted back as output.
type Handle struct {
	Echo       bool
	IgnoreTerm bool

	mu         sync.Mutex
	pid        int
	scrollback []byte
	subs       map[int]chan []byte
	nextSub    int
	ended      bool
	status     process.ExitStatus
	done       chan struct{}
	writes     []byte
	resizes    [][2]uint16
	terminates int
	kills      int
	subscribes int
}

var _ process.Handle = (*Handle)(nil)

// NewHandle returns a running handle with the given pid.
func NewHandle(pid int) *Handle {
	return &Handle{pid: pid, subs: make(map[int]chan []byte), done: make(chan struct{})}
}

func (h *Handle) PID() int { return h.pid }

func (h *Handle) Write(p []byte) (int, error) {
	h.mu.Lock()
	if h.ended {
		h.mu.Unlock()
		return 0, process.ErrExited
	}
	h.writes = append(h.writes, p...)
	echo := h.Echo
	h.mu.Unlock()
	if echo {
		h.Emit(append([]byte(nil), p...))
	}
	return len(p), nil
}

// Emit publishes an output chunk to every subscriber.
func (h *Handle) Emit(p []byte) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.ended {
		return
	}
	h.scrollback = append(h.scrollback, p...)
	for id, ch := range h.subs {
		select {
		case ch <- p:
		default:
			delete(h.subs, id)
			close(ch)
		}
	}
}

// Exit ends the process with st. Later calls are ignored.
func (h *Handle) Exit(st process.ExitStatus) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.ended {
		return
	}
	h.ended = true
	h.status = st
	// Same order as the real handle: Done first, then the channels.
	close(h.done)
	for id, ch := range h.subs {
		delete(h.subs, id)
		close(ch)
	}
}

func (h *Handle) Subscribe() *process.Subscription {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.subscribes++
	ch := make(chan []byte, 1024)
	backlog := append([]byte(nil), h.scrollback...)
	if h.ended {
		close(ch)
		return process.NewSubscription(ch, backlog, nil)
	}
	id := h.nextSub
	h.nextSub++
	h.subs[id] = ch
	return process.NewSubscription(ch, backlog, func() {
		h.mu.Lock()
		defer h.mu.Unlock()
		if c, ok := h.subs[id]; ok {
			delete(h.subs, id)
			close(c)
		}
	})
}

func (h *Handle) Scrollback() []byte {
	h.mu.Lock()
	defer h.mu.Unlock()
	return append([]byte(nil), h.scrollback...)
}

func (h *Handle) Done() <-chan struct{} { return h.done }

func (h *Handle) ExitStatus() (process.ExitStatus, bool) {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.status, h.ended
}

func (h *Handle) Resize(cols, rows uint16) error {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.resizes = append(h.resizes, [2]uint16{cols, rows})
	return nil
}

func (h *Handle) Terminate(grace time.Duration) error {
	h.mu.Lock()
	h.terminates++
	ignore := h.IgnoreTerm
	h.mu.Unlock()
	if !ignore {
		h.Exit(process.ExitStatus{Code: -1, Signal: "terminated"})
		return nil
	}
	select {
	case <-h.done:
		return nil
	case <-time.After(grace):
	}
	return h.Kill()
}

func (h *Handle) Kill() error {
	h.mu.Lock()
	h.kills++
	h.mu.Unlock()
	h.Exit(process.ExitStatus{Code: -1, Signal: "killed"})
	return nil
}

// Subscribes returns how many times Subscribe was called.
func (h *Handle) Subscribes() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.subscribes
}

// Written returns everything written to the handle.
func (h *Handle) Written() string {
	h.mu.Lock()
	defer h.mu.Unlock()
	return string(h.writes)
}

// Resizes returns every Resize call in order.
func (h *Handle) Resizes() [][2]uint16 {
	h.mu.Lock()
	defer h.mu.Unlock()
	return append([][2]uint16(nil), h.resizes...)
}

// Terminations returns the number of Terminate and Kill calls.
func (h *Handle) Terminations() (terminates, kills int) {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.terminates, h.kills
}

// Spawner records specs and returns fresh Handles.
type Spawner struct {
	// Setup runs on each new handle before Spawn returns.
	Setup func(h *Handle)
	// Err, when set, fails every Spawn.
	Err error

	mu      sync.Mutex
	specs   []process.Spec
	handles []*Handle
}

var _ process.Spawner = (*Spawner)(nil)

func (s *Spawner) Spawn(ctx context.Context, spec process.Spec) (process.Handle, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	s.mu.Lock()
	s.specs = append(s.specs, spec)
	if s.Err != nil {
		s.mu.Unlock()
		return nil, s.Err
	}
	h := NewHandle(1000 + len(s.handles))
	s.handles = append(s.handles, h)
	setup := s.Setup
	s.mu.Unlock()

	if setup != nil {
		setup(h)
	}
	return h, nil
}

// Count returns the number of Spawn calls, failed ones included.
func (s *Spawner) Count() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.specs)
}

// Specs returns the specs passed to Spawn.
func (s *Spawner) Specs() []process.Spec {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]process.Spec(nil), s.specs...)
}

// Last returns the most recently spawned handle, or nil.
func (s *Spawner) Last() *Handle {
	s.mu.Lock()
	defer s.mu.Unlock()
	if len(s.handles) == 0 {
		return nil
	}
	return s.handles[len(s.handles)-1]
}
