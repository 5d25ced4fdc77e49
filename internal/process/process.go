// Package process spawns interactive child processes and exposes their output as
// an ordered chunk stream with a bounded scrollback.
package process

import (
	"context"
	"errors"
	"strconv"
	"time"
)

// DefaultScrollbackBytes is used when Spec.ScrollbackBytes is zero.
const DefaultScrollbackBytes = 256 * 1024

var (
	// ErrExited is returned when writing to a process that has already exited.
	ErrExited = errors.New("process exited")
	// ErrEmptyCommand is returned by Spawn when Spec.Argv is empty.
	ErrEmptyCommand = errors.New("empty command")
)

// Spec describes a process to start.
type Spec struct {
	Argv            []string
	Dir             string
	Env             []string
	Cols            uint16
	Rows            uint16
	ScrollbackBytes int
}

// ExitStatus is the final status of a process. Signal is empty unless the
// process was terminated by a signal, in which case Code is -1.
type ExitStatus struct {
	Code   int
	Signal string
}

func (s ExitStatus) String() string {
	if s.Signal != "" {
		return "signal " + s.Signal
	}
	return "exit code " + strconv.Itoa(s.Code)
}

// Subscription receives output chunks produced after Backlog was captured. C is
// closed when the process exits or when the subscriber falls too far behind.
type Subscription struct {
	C       <-chan []byte
	Backlog []byte
	cancel  func()
}

// Cancel stops delivery and closes C. It is safe to call more than once.
func (s *Subscription) Cancel() {
	if s.cancel != nil {
		s.cancel()
	}
}

// Handle is a running (or exited) process.
type Handle interface {
	PID() int
	Write(p []byte) (int, error)
	Subscribe() *Subscription
	Scrollback() []byte
	Done() <-chan struct{}
	// ExitStatus reports the exit status once Done is closed.
	ExitStatus() (ExitStatus, bool)
	Resize(cols, rows uint16) error
	// Terminate sends SIGTERM to the process group, escalates to SIGKILL after
	// grace, and returns once the process has exited.
	Terminate(grace time.Duration) error
	Kill() error
}

// Spawner starts processes.
type Spawner interface {
	Spawn(ctx context.Context, spec Spec) (Handle, error)
}

// NewSubscription builds a Subscription for alternative Handle implementations.
func NewSubscription(c <-chan []byte, backlog []byte, cancel func()) *Subscription {
	return &Subscription{C: c, Backlog: backlog, cancel: cancel}
}
