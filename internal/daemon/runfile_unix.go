//go:build !windows

package daemon

import (
	"fmt"
	"syscall"
)

// IsRunning reports whether the run file exists and its process is alive.
// The recorded info is returned either way when the file is readable.
func (r *RunFile) IsRunning() (Info, bool) {
	info, err := r.Read()
	if err != nil {
		return Info{}, false
	}
	// Signal 0 tests if the process exists without sending a signal.
	err = syscall.Kill(info.PID, 0)
	return info, err == nil
}

// Signal sends sig to the recorded process.
func (r *RunFile) Signal(sig syscall.Signal) error {
	info, err := r.Read()
	if err != nil {
		return fmt.Errorf("read run file: %w", err)
	}
	return syscall.Kill(info.PID, sig)
}
