//go:build unix

package process

import (
	"errors"
	"os"
	"syscall"

	"golang.org/x/sys/unix"
)

func groupAttrs() *syscall.SysProcAttr {
	return &syscall.SysProcAttr{Setpgid: true}
}

func signalTerm(p *os.Process) error { return signalGroup(p, unix.SIGTERM) }

func signalKill(p *os.Process) error { return signalGroup(p, unix.SIGKILL) }

// signalGroup delivers sig to the whole process group so that children of the
// agent (tool subprocesses, pagers) go down with it.
func signalGroup(p *os.Process, sig unix.Signal) error {
	if p == nil || p.Pid <= 0 {
		return errors.New("process unavailable")
	}
	pgid := p.Pid
	if actual, err := unix.Getpgid(p.Pid); err == nil && actual > 0 {
		pgid = actual
	}
	target := -pgid
	if pgid != p.Pid {
		// Not a group leader; never signal a group we may share.
		target = p.Pid
	}
	if err := unix.Kill(target, sig); err != nil && !errors.Is(err, unix.ESRCH) {
		return err
	}
	return nil
}
