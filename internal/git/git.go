// Package git answers the few questions tracecast asks of the repository a
// walkthrough was recorded in.
package git

import (
	"fmt"
	"os/exec"
	"strings"
)

// Client defines the git operations used to relate a trace to a working tree.
type Client interface {
	RepoRoot(path string) (string, error)
	HeadCommit(path string) (string, error)
	IsDirty(path string) (bool, error)
	// ChangedSince lists files, relative to the repo root, that differ
	// between commit and the working tree.
	ChangedSince(path, commit string) ([]string, error)
}

// RealClient implements Client using real git commands.
type RealClient struct{}

// NewClient returns a new RealClient.
func NewClient() *RealClient {
	return &RealClient{}
}

func gitCmd(path string, args ...string) (string, error) {
	fullArgs := append([]string{"-C", path}, args...)
	out, err := exec.Command("git", fullArgs...).Output()
	if err != nil {
		if exitErr, ok := err.(*exec.ExitError); ok {
			return "", fmt.Errorf("git %s: %s", strings.Join(args, " "), strings.TrimSpace(string(exitErr.Stderr)))
		}
		return "", fmt.Errorf("git %s: %w", strings.Join(args, " "), err)
	}
	return strings.TrimSpace(string(out)), nil
}

func (c *RealClient) RepoRoot(path string) (string, error) {
	return gitCmd(path, "rev-parse", "--show-toplevel")
}

func (c *RealClient) HeadCommit(path string) (string, error) {
	return gitCmd(path, "rev-parse", "HEAD")
}

func (c *RealClient) IsDirty(path string) (bool, error) {
	out, err := gitCmd(path, "status", "--porcelain")
	if err != nil {
		return false, err
	}
	return out != "", nil
}

func (c *RealClient) ChangedSince(path, commit string) ([]string, error) {
	out, err := gitCmd(path, "diff", "--name-only", commit, "--")
	if err != nil {
		return nil, err
	}
	return splitLines(out), nil
}

// SameCommit reports whether two commit ids name the same commit, allowing
// either to be abbreviated.
func SameCommit(a, b string) bool {
	a, b = strings.ToLower(strings.TrimSpace(a)), strings.ToLower(strings.TrimSpace(b))
	if len(a) < 4 || len(b) < 4 {
		return false
	}
	return strings.HasPrefix(a, b) || strings.HasPrefix(b, a)
}

// Drift describes how a working tree differs from the commit a walkthrough
// was recorded at.
type Drift struct {
	Recorded string
	Head     string
	// Changed lists the walkthrough's files that differ from Recorded.
	Changed []string
}

// CheckDrift compares the working tree at path with commit and reports the
// given files that changed since. It returns nil when the tree is at commit
// and none of the files are modified.
func CheckDrift(c Client, path, commit string, files []string) (*Drift, error) {
	head, err := c.HeadCommit(path)
	if err != nil {
		return nil, err
	}
	changed, err := c.ChangedSince(path, commit)
	if err != nil {
		return nil, err
	}

	wanted := make(map[string]bool, len(files))
	for _, f := range files {
		wanted[strings.TrimPrefix(f, "./")] = true
	}
	d := &Drift{Recorded: commit, Head: head}
	for _, f := range changed {
		if wanted[f] {
			d.Changed = append(d.Changed, f)
		}
	}
	if SameCommit(head, commit) && len(d.Changed) == 0 {
		return nil, nil
	}
	return d, nil
}

func splitLines(s string) []string {
	if s == "" {
		return nil
	}
	return strings.Split(s, "\n")
}
