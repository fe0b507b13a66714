package speech

import (
	"context"
	"errors"
	"os/exec"
	"path/filepath"
	"runtime"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func lookPathIn(available ...string) func(string) (string, error) {
	return func(name string) (string, error) {
		for _, a := range available {
			if a == name {
				return "/usr/bin/" + name, nil
			}
		}
		return "", exec.ErrNotFound
	}
}

func TestDetectPlayer(t *testing.T) {
	tests := []struct {
		name      string
		goos      string
		available []string
		want      string
		wantErr   bool
	}{
		{name: "darwin afplay", goos: "darwin", available: []string{"afplay", "ffplay"}, want: "afplay"},
		{name: "darwin without afplay", goos: "darwin", available: []string{"mpv"}, want: "mpv"},
		{name: "linux prefers ffplay", goos: "linux", available: []string{"mpv", "ffplay", "mpg123"}, want: "ffplay"},
		{name: "linux mpg123", goos: "linux", available: []string{"mpg123", "mpv"}, want: "mpg123"},
		{name: "afplay ignored off darwin", goos: "linux", available: []string{"afplay"}, wantErr: true},
		{name: "nothing", goos: "windows", wantErr: true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			p, err := detectPlayer(tt.goos, lookPathIn(tt.available...))
			if tt.wantErr {
				assert.ErrorIs(t, err, ErrNoPlayer)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.want, p.Command)
		})
	}
}

func TestDetectPlayer_DoesNotAliasCandidates(t *testing.T) {
	p, err := detectPlayer("linux", lookPathIn("ffplay"))
	require.NoError(t, err)
	p.Args = append(p.Args, "extra")
	assert.NotContains(t, playerCandidates[0].Args, "extra")
}

func TestExecPlayer_CancelStopsPlayback(t *testing.T) {
	if runtime.GOOS == "windows" {
		t.Skip("needs sleep")
	}
	if _, err := exec.LookPath("sleep"); err != nil {
		t.Skip("sleep not available")
	}
	p := &ExecPlayer{Command: "sleep"}
	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()

	start := time.Now()
	// sleep takes its duration as the trailing "path" argument.
	err := p.Play(ctx, "5")
	assert.True(t, errors.Is(err, context.DeadlineExceeded))
	assert.Less(t, time.Since(start), 3*time.Second)
}

func TestExecPlayer_MissingCommand(t *testing.T) {
	p := &ExecPlayer{Command: filepath.Join(t.TempDir(), "no-such-player")}
	err := p.Play(context.Background(), "x.mp3")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "no-such-player")
}
