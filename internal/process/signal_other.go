//go:build !unix

package process

import (
	"errors"
	"os"
	"syscall"
)

func groupAttrs() *syscall.SysProcAttr { return nil }

func signalTerm(p *os.Process) error { return signalKill(p) }

func signalKill(p *os.Process) error {
	if p == nil {
		return errors.New("process unavailable")
	}
	if err := p.Kill(); err != nil && !errors.Is(err, os.ErrProcessDone) {
		return err
	}
	return nil
}
