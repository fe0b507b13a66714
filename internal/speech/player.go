package speech

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"os/exec"
	"runtime"
	"strings"
)

// ExecPlayer plays audio by running a system command and waiting for it.
// Cancelling the context kills the process.
type ExecPlayer struct {
	Command string
	Args    []string
}

var playerCandidates = []ExecPlayer{
	{Command: "ffplay", Args: []string{"-nodisp", "-autoexit", "-loglevel", "quiet"}},
	{Command: "mpg123", Args: []string{"-q"}},
	{Command: "mpv", Args: []string{"--no-video", "--really-quiet"}},
}

// ErrNoPlayer means no supported audio player was found on PATH.
var ErrNoPlayer = errors.New("no audio player found (install ffplay, mpg123 or mpv)")

// DetectPlayer picks the platform's audio player.
func DetectPlayer() (*ExecPlayer, error) {
	return detectPlayer(runtime.GOOS, exec.LookPath)
}

func detectPlayer(goos string, lookPath func(string) (string, error)) (*ExecPlayer, error) {
	if goos == "darwin" {
		if _, err := lookPath("afplay"); err == nil {
			return &ExecPlayer{Command: "afplay"}, nil
		}
	}
	for _, c := range playerCandidates {
		if _, err := lookPath(c.Command); err == nil {
			p := c
			return &p, nil
		}
	}
	return nil, ErrNoPlayer
}

// Play runs the player on path.
func (p *ExecPlayer) Play(ctx context.Context, path string) error {
	args := append(append([]string{}, p.Args...), path)
	cmd := exec.CommandContext(ctx, p.Command, args...)
	var stderr bytes.Buffer
	cmd.Stderr = &stderr
	if err := cmd.Run(); err != nil {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		if msg := strings.TrimSpace(stderr.String()); msg != "" {
			return fmt.Errorf("%s: %w: %s", p.Command, err, msg)
		}
		return fmt.Errorf("%s: %w", p.Command, err)
	}
	return nil
}
