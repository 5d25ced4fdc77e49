//go:build unix

package daemon

import (
	"syscall"

	"golang.org/x/sys/unix"
)

func processAlive(pid int) bool {
	// Signal 0 checks for existence without delivering anything.
	err := unix.Kill(pid, 0)
	return err == nil || err == unix.EPERM
}

func signalProcess(pid int, sig syscall.Signal) error {
	return unix.Kill(pid, sig)
}
