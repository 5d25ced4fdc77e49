// Package daemon keeps a single `amux serve` per state directory: an
// exclusive lock file guards startup and a PID file lets other commands find
// the running server.
package daemon

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"syscall"

	"github.com/gofrs/flock"
)

// ErrAlreadyRunning is returned by Acquire when another server holds the lock.
var ErrAlreadyRunning = errors.New("server already running")

// ErrNotRunning is returned by Signal when no live server is recorded.
var ErrNotRunning = errors.New("server not running")

// PIDFile records the server's process id.
type PIDFile struct {
	Path string
}

// NewPIDFile creates a PIDFile manager for the given path.
func NewPIDFile(path string) *PIDFile {
	return &PIDFile{Path: path}
}

// Write records the current process.
func (p *PIDFile) Write() error {
	return p.WritePID(os.Getpid())
}

// WritePID records pid.
func (p *PIDFile) WritePID(pid int) error {
	return os.WriteFile(p.Path, []byte(strconv.Itoa(pid)+"\n"), 0o644)
}

// Read returns the recorded pid.
func (p *PIDFile) Read() (int, error) {
	data, err := os.ReadFile(p.Path)
	if err != nil {
		return 0, err
	}
	pid, err := strconv.Atoi(strings.TrimSpace(string(data)))
	if err != nil {
		return 0, fmt.Errorf("invalid PID file content: %w", err)
	}
	return pid, nil
}

// Remove deletes the PID file.
func (p *PIDFile) Remove() error {
	return os.Remove(p.Path)
}

// IsRunning returns the recorded pid and whether that process is alive.
func (p *PIDFile) IsRunning() (int, bool) {
	pid, err := p.Read()
	if err != nil {
		return 0, false
	}
	return pid, processAlive(pid)
}

// Signal sends sig to the recorded process.
func (p *PIDFile) Signal(sig syscall.Signal) error {
	pid, running := p.IsRunning()
	if !running {
		return ErrNotRunning
	}
	return signalProcess(pid, sig)
}

// Guard is held by a running server for its lifetime.
type Guard struct {
	lock *flock.Flock
	pid  *PIDFile
}

// Paths returns the lock and PID file locations under stateDir.
func Paths(stateDir string) (lockPath, pidPath string) {
	return filepath.Join(stateDir, "amux-serve.lock"), filepath.Join(stateDir, "amux-serve.pid")
}

// Acquire takes the server lock in stateDir and records the current pid. It
// fails with ErrAlreadyRunning while another process holds the lock.
func Acquire(stateDir string) (*Guard, error) {
	if err := os.MkdirAll(stateDir, 0o755); err != nil {
		return nil, fmt.Errorf("create state dir: %w", err)
	}
	lockPath, pidPath := Paths(stateDir)

	lock := flock.New(lockPath)
	locked, err := lock.TryLock()
	if err != nil {
		return nil, fmt.Errorf("acquire lock: %w", err)
	}
	pf := NewPIDFile(pidPath)
	if !locked {
		if pid, running := pf.IsRunning(); running {
			return nil, fmt.Errorf("%w (pid %d)", ErrAlreadyRunning, pid)
		}
		return nil, ErrAlreadyRunning
	}

	if err := pf.Write(); err != nil {
		_ = lock.Unlock()
		return nil, fmt.Errorf("write PID file: %w", err)
	}
	return &Guard{lock: lock, pid: pf}, nil
}

// Release removes the PID file and drops the lock.
func (g *Guard) Release() error {
	rmErr := g.pid.Remove()
	if errors.Is(rmErr, os.ErrNotExist) {
		rmErr = nil
	}
	return errors.Join(rmErr, g.lock.Unlock())
}
