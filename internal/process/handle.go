package process

import (
	"errors"
	"io"
	"log/slog"
	"os"
	"os/exec"
	"sync"
	"syscall"
	"time"
)

// subscriberBuffer is the number of chunks a subscriber may lag before it is dropped.
const subscriberBuffer = 256

// outputDrain bounds how long exit waits for buffered output once the process
// is reaped. A grandchild holding the pty or pipe open never yields EOF.
const outputDrain = 250 * time.Millisecond

// proc is the backend-independent half of a Handle: one read loop feeding the
// scrollback and subscribers, exit bookkeeping and group signalling.
type proc struct {
	cmd    *exec.Cmd
	out    io.ReadCloser
	in     io.WriteCloser
	resize func(cols, rows uint16) error
	logger *slog.Logger

	mu      sync.Mutex
	ring    *ring
	subs    map[uint64]chan []byte
	nextSub uint64
	ended   bool

	writeMu sync.Mutex

	readDone chan struct{}
	done     chan struct{}
	status   ExitStatus
}

func newProc(cmd *exec.Cmd, out io.ReadCloser, in io.WriteCloser, spec Spec, logger *slog.Logger) *proc {
	if logger == nil {
		logger = slog.Default()
	}
	return &proc{
		cmd:    cmd,
		out:    out,
		in:     in,
		logger: logger,
		ring:   newRing(spec.ScrollbackBytes),
		subs:     make(map[uint64]chan []byte),
		readDone: make(chan struct{}),
		done:     make(chan struct{}),
	}
}

// start runs the output reader and the reaper. Exit is driven by the reaper, so
// Done closes once the process itself is gone even if its output never ends.
func (p *proc) start() {
	go p.readLoop()
	go p.reap()
}

func (p *proc) PID() int {
	if p.cmd.Process == nil {
		return 0
	}
	return p.cmd.Process.Pid
}

func (p *proc) Done() <-chan struct{} { return p.done }

func (p *proc) ExitStatus() (ExitStatus, bool) {
	select {
	case <-p.done:
		return p.status, true
	default:
		return ExitStatus{}, false
	}
}

func (p *proc) exited() bool {
	_, ok := p.ExitStatus()
	return ok
}

func (p *proc) Write(b []byte) (int, error) {
	if p.exited() {
		return 0, ErrExited
	}
	p.writeMu.Lock()
	defer p.writeMu.Unlock()
	n, err := p.in.Write(b)
	if err != nil && (p.exited() || errors.Is(err, os.ErrClosed)) {
		return n, ErrExited
	}
	return n, err
}

func (p *proc) Resize(cols, rows uint16) error {
	if p.resize == nil || p.exited() {
		return nil
	}
	return p.resize(cols, rows)
}

func (p *proc) Scrollback() []byte {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.ring.bytes()
}

func (p *proc) Subscribe() *Subscription {
	p.mu.Lock()
	defer p.mu.Unlock()

	ch := make(chan []byte, subscriberBuffer)
	sub := &Subscription{C: ch, Backlog: p.ring.bytes()}
	if p.ended {
		close(ch)
		return sub
	}
	id := p.nextSub
	p.nextSub++
	p.subs[id] = ch
	sub.cancel = func() {
		p.mu.Lock()
		defer p.mu.Unlock()
		if c, ok := p.subs[id]; ok {
			delete(p.subs, id)
			close(c)
		}
	}
	return sub
}

func (p *proc) emit(data []byte) {
	p.mu.Lock()
	defer p.mu.Unlock()

	p.ring.write(data)
	if p.ended {
		return
	}
	for id, ch := range p.subs {
		select {
		case ch <- data:
		default:
			delete(p.subs, id)
			close(ch)
			p.logger.Warn("dropping slow output subscriber", "pid", p.PID())
		}
	}
}

func (p *proc) readLoop() {
	defer close(p.readDone)

	buf := make([]byte, 16*1024)
	var carry []byte
	for {
		n, err := p.out.Read(buf)
		if n > 0 {
			chunk := make([]byte, len(carry)+n)
			copy(chunk, carry)
			copy(chunk[len(carry):], buf[:n])

			cut := completePrefix(chunk)
			carry = append(carry[:0], chunk[cut:]...)
			if cut > 0 {
				p.emit(chunk[:cut])
			}
		}
		if err != nil {
			if !isEndOfOutput(err) {
				p.logger.Warn("process read error", "pid", p.PID(), "error", err)
			}
			break
		}
	}
	if len(carry) > 0 {
		p.emit(append([]byte(nil), carry...))
	}
}

func (p *proc) reap() {
	status := parseExitStatus(p.cmd.Wait())

	timer := time.NewTimer(outputDrain)
	select {
	case <-p.readDone:
	case <-timer.C:
		p.logger.Debug("output still open after exit, closing", "pid", p.PID())
	}
	timer.Stop()
	// Unblocks a reader stuck behind a descendant that kept the output open.
	_ = p.out.Close()
	if p.in != nil {
		// On a pty this is the same file; the second close is a no-op error.
		_ = p.in.Close()
	}

	p.mu.Lock()
	p.status = status
	p.ended = true
	// Done closes before the subscriber channels so a reader that sees its
	// channel close always finds the process ended.
	close(p.done)
	for id, ch := range p.subs {
		delete(p.subs, id)
		close(ch)
	}
	p.mu.Unlock()
}

func (p *proc) Terminate(grace time.Duration) error {
	if p.exited() {
		return nil
	}
	if err := signalTerm(p.cmd.Process); err != nil {
		return err
	}
	timer := time.NewTimer(grace)
	defer timer.Stop()
	select {
	case <-p.done:
		return nil
	case <-timer.C:
	}
	p.logger.Info("process ignored SIGTERM, killing", "pid", p.PID(), "grace", grace)
	return p.Kill()
}

func (p *proc) Kill() error {
	if p.exited() {
		return nil
	}
	if err := signalKill(p.cmd.Process); err != nil {
		return err
	}
	<-p.done
	return nil
}

func isEndOfOutput(err error) bool {
	// Linux reports EIO on the pty master once the child side is gone.
	return errors.Is(err, io.EOF) || errors.Is(err, os.ErrClosed) || errors.Is(err, syscall.EIO)
}

func parseExitStatus(err error) ExitStatus {
	if err == nil {
		return ExitStatus{}
	}
	var exitErr *exec.ExitError
	if !errors.As(err, &exitErr) {
		return ExitStatus{Code: 1}
	}
	ws, ok := exitErr.Sys().(syscall.WaitStatus)
	if !ok {
		return ExitStatus{Code: exitErr.ExitCode()}
	}
	if ws.Signaled() {
		return ExitStatus{Code: -1, Signal: ws.Signal().String()}
	}
	return ExitStatus{Code: ws.ExitStatus()}
}

func buildCommand(spec Spec) (*exec.Cmd, error) {
	if len(spec.Argv) == 0 || spec.Argv[0] == "" {
		return nil, ErrEmptyCommand
	}
	cmd := exec.Command(spec.Argv[0], spec.Argv[1:]...)
	cmd.Dir = spec.Dir
	cmd.Env = append(os.Environ(), spec.Env...)
	return cmd, nil
}

func dimensions(spec Spec) (uint16, uint16) {
	cols, rows := spec.Cols, spec.Rows
	if cols == 0 {
		cols = 80
	}
	if rows == 0 {
		rows = 24
	}
	return cols, rows
}
