// Package daemon records a running ingestion server so other processes (the
// MCP bridge, `serve status`, `serve stop`) can find and control it.
package daemon

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"time"
)

// Info is what a running server records about itself.
type Info struct {
	PID       int       `json:"pid"`
	Port      int       `json:"port"`
	Version   string    `json:"version,omitempty"`
	StartedAt time.Time `json:"startedAt"`
}

// RunFile manages the run file of an ingestion server.
type RunFile struct {
	Path string
}

// NewRunFile creates a RunFile manager for the given path.
func NewRunFile(path string) *RunFile {
	return &RunFile{Path: path}
}

// Write records the current process listening on port.
func (r *RunFile) Write(port int, version string) error {
	return r.WriteInfo(Info{PID: os.Getpid(), Port: port, Version: version, StartedAt: time.Now().UTC()})
}

// WriteInfo writes info atomically.
func (r *RunFile) WriteInfo(info Info) error {
	data, err := json.MarshalIndent(info, "", "  ")
	if err != nil {
		return err
	}
	if err := os.MkdirAll(filepath.Dir(r.Path), 0o755); err != nil {
		return err
	}
	tmp := r.Path + ".tmp"
	if err := os.WriteFile(tmp, append(data, '\n'), 0o644); err != nil {
		return err
	}
	return os.Rename(tmp, r.Path)
}

// Read reads the run file.
func (r *RunFile) Read() (Info, error) {
	data, err := os.ReadFile(r.Path)
	if err != nil {
		return Info{}, err
	}
	var info Info
	if err := json.Unmarshal(data, &info); err != nil {
		return Info{}, fmt.Errorf("invalid run file content: %w", err)
	}
	if info.PID <= 0 || info.Port <= 0 {
		return Info{}, fmt.Errorf("invalid run file content: pid %d port %d", info.PID, info.Port)
	}
	return info, nil
}

// Remove deletes the run file.
func (r *RunFile) Remove() error {
	return os.Remove(r.Path)
}

// Port returns the port of a live server recorded in the run file.
func (r *RunFile) Port() (int, bool) {
	info, running := r.IsRunning()
	if !running {
		return 0, false
	}
	return info.Port, true
}
