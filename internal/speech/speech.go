// Package speech generates, caches and plays step narration, keeping exactly
// one request current and reporting each request's completion once.
package speech

import (
	"context"
	"fmt"
	"strings"

	"github.com/joescharf/tracecast/internal/trace"
)

// Voice names a synthesis voice.
type Voice string

// Voices supported by the synthesis service.
var Voices = []Voice{"alloy", "echo", "fable", "onyx", "nova", "shimmer"}

// DefaultVoice is used when none is configured.
const DefaultVoice Voice = "alloy"

// Speed bounds accepted by the synthesis service.
const (
	MinSpeed = 0.5
	MaxSpeed = 2.0
)

// ReadingPaceWPS is the words-per-second pace assumed when narration is not
// voiced.
const ReadingPaceWPS = 2.5

// ParseVoice validates a configured voice name.
func ParseVoice(name string) (Voice, error) {
	if name == "" {
		return DefaultVoice, nil
	}
	v := Voice(strings.ToLower(strings.TrimSpace(name)))
	for _, known := range Voices {
		if v == known {
			return v, nil
		}
	}
	return DefaultVoice, fmt.Errorf("unknown voice %q (want one of %v)", name, Voices)
}

// ClampSpeed limits speed to the supported range; 0 means 1.0.
func ClampSpeed(speed float64) float64 {
	switch {
	case speed == 0:
		return 1.0
	case speed < MinSpeed:
		return MinSpeed
	case speed > MaxSpeed:
		return MaxSpeed
	}
	return speed
}

// Synthesizer turns text into audio bytes.
type Synthesizer interface {
	Synthesize(ctx context.Context, text string, voice Voice, speed float64) ([]byte, error)
}

// Transcriber returns word-level timings for an audio clip.
type Transcriber interface {
	Transcribe(ctx context.Context, audio []byte) ([]trace.WordTiming, error)
}

// Player plays an audio file and returns when playback ends. Cancelling ctx
// must stop playback.
type Player interface {
	Play(ctx context.Context, path string) error
}

// Warner shows a non-modal warning to the user.
type Warner interface {
	Warning(format string, a ...any)
}

// Completion reports the end of a speech request.
type Completion struct {
	RequestID int64
	StepID    string
	Cancelled bool
}

// Options configures a Speaker.
type Options struct {
	Enabled bool
	Voice   Voice
	Speed   float64
}

func (o *Options) defaults() {
	if o.Voice == "" {
		o.Voice = DefaultVoice
	}
	o.Speed = ClampSpeed(o.Speed)
}

// EstimateTimings spreads the words of text evenly at the reading pace. It
// sets how long an unvoiced narration takes.
func EstimateTimings(text string, speed float64) []trace.WordTiming {
	fields := strings.Fields(text)
	if len(fields) == 0 {
		return nil
	}
	per := 1.0 / (ReadingPaceWPS * ClampSpeed(speed))
	out := make([]trace.WordTiming, len(fields))
	for i, w := range fields {
		start := float64(i) * per
		out[i] = trace.WordTiming{Word: w, Start: start, End: start + per}
	}
	return out
}
