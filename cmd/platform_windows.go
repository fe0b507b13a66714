//go:build windows

package cmd

import (
	"os"
	"os/exec"
	"syscall"
)

func detachedServer(exe string, args []string, log *os.File) *exec.Cmd {
	child := exec.Command(exe, args...)
	child.Stdout = log
	child.Stderr = log
	return child
}

func interruptSignals() []os.Signal {
	return []os.Signal{os.Interrupt}
}

// stopSignals on Windows both end in TerminateProcess.
func stopSignals() (graceful, force syscall.Signal) {
	return syscall.SIGTERM, syscall.SIGKILL
}
