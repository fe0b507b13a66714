//go:build !windows

package cmd

import (
	"os"
	"os/exec"
	"syscall"
)

// detachedServer builds the background serve process. It runs in its own
// session so closing the launching terminal does not take it down.
func detachedServer(exe string, args []string, log *os.File) *exec.Cmd {
	child := exec.Command(exe, args...)
	child.Stdout = log
	child.Stderr = log
	child.SysProcAttr = &syscall.SysProcAttr{Setsid: true}
	return child
}

// interruptSignals end serve, replay and speak. A hangup counts so a closed
// terminal still saves the replay position.
func interruptSignals() []os.Signal {
	return []os.Signal{syscall.SIGINT, syscall.SIGTERM, syscall.SIGHUP}
}

// stopSignals returns the signal serve stop sends first and the one it
// falls back to.
func stopSignals() (graceful, force syscall.Signal) {
	return syscall.SIGTERM, syscall.SIGKILL
}
