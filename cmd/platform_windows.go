//go:build windows

package cmd

import (
	"os"
	"os/exec"
	"syscall"
)

// setDaemonAttrs is a no-op on Windows (no Setsid equivalent).
func setDaemonAttrs(_ *exec.Cmd) {}

func shutdownSignals() []os.Signal {
	return []os.Signal{os.Interrupt}
}

func sigTERM() syscall.Signal { return syscall.SIGTERM }

func sigKILL() syscall.Signal { return syscall.SIGKILL }

// watchResize does nothing on Windows; attach sends the size once.
func watchResize(_ func()) (stop func()) {
	return func() {}
}

// foregroundProbe always reports foreground; Windows has no job control.
func foregroundProbe(_ int) func() bool {
	return func() bool { return true }
}

func resumeSignals() []os.Signal { return nil }
