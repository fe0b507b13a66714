// Package replay steps through a walkthrough session, running a handler for
// each step and, while playing, advancing once the step's narration is done.
package replay

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/joescharf/tracecast/internal/speech"
	"github.com/joescharf/tracecast/internal/trace"
)

// State is the engine's playback state.
type State string

const (
	StateStopped State = "stopped"
	StatePlaying State = "playing"
	StatePaused  State = "paused"
)

var (
	// ErrOutOfRange is returned when navigating outside the session.
	ErrOutOfRange = errors.New("step index out of range")
	// ErrNoSession is returned when no session is loaded.
	ErrNoSession = errors.New("no session loaded")
)

// Cue is what a handler is asked to present.
type Cue struct {
	Step  trace.Step
	Index int
	Total int
	// Session carries the session's metadata and location, without steps.
	Session *trace.Session
}

// Handlers presents steps, one method per step type.
type Handlers interface {
	OpenFile(ctx context.Context, cue Cue) error
	ShowDiff(ctx context.Context, cue Cue) error
	HighlightRange(ctx context.Context, cue Cue) error
	Say(ctx context.Context, cue Cue) error
	SectionStart(ctx context.Context, cue Cue) error
	SectionEnd(ctx context.Context, cue Cue) error
}

// Dispatch runs the handler for cue's step type. A panicking handler is
// reported as an error.
func Dispatch(ctx context.Context, h Handlers, cue Cue) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("step %s handler panicked: %v", cue.Step.ID, r)
		}
	}()

	switch cue.Step.Type {
	case trace.StepOpenFile:
		return h.OpenFile(ctx, cue)
	case trace.StepShowDiff:
		return h.ShowDiff(ctx, cue)
	case trace.StepHighlightRange:
		return h.HighlightRange(ctx, cue)
	case trace.StepSay:
		return h.Say(ctx, cue)
	case trace.StepSectionStart:
		return h.SectionStart(ctx, cue)
	case trace.StepSectionEnd:
		return h.SectionEnd(ctx, cue)
	default:
		return fmt.Errorf("step %s: unknown step type %q", cue.Step.ID, cue.Step.Type)
	}
}

// Narrator is the part of the speech subsystem the engine waits on.
// *speech.Speaker satisfies it.
type Narrator interface {
	CurrentRequestID() int64
	OnComplete(fn func(speech.Completion)) (unsubscribe func())
	Completed(id int64) (speech.Completion, bool)
	Stop()
}

// Clearer cancels pending highlight animation. *highlight.Scheduler
// satisfies it.
type Clearer interface {
	Clear()
}

// Options tunes autoplay pacing.
type Options struct {
	// NoNarrationDelay is the dwell on a step without narration.
	NoNarrationDelay time.Duration
	// AfterNarration is the pause after narration ends.
	AfterNarration time.Duration
	// InSection replaces AfterNarration inside a section.
	InSection time.Duration
	// Cancelled replaces both when narration was cut short.
	Cancelled time.Duration
	// SafetyNet forces an advance if narration never reports completion.
	SafetyNet time.Duration
	// FollowLive keeps playback waiting at the end of the session for
	// appended steps instead of stopping.
	FollowLive bool
}

// DefaultOptions returns the standard pacing.
func DefaultOptions() Options {
	return Options{
		NoNarrationDelay: 1500 * time.Millisecond,
		AfterNarration:   800 * time.Millisecond,
		InSection:        300 * time.Millisecond,
		Cancelled:        150 * time.Millisecond,
		SafetyNet:        60 * time.Second,
	}
}

func (o *Options) defaults() {
	d := DefaultOptions()
	if o.NoNarrationDelay <= 0 {
		o.NoNarrationDelay = d.NoNarrationDelay
	}
	if o.AfterNarration <= 0 {
		o.AfterNarration = d.AfterNarration
	}
	if o.InSection <= 0 {
		o.InSection = d.InSection
	}
	if o.Cancelled <= 0 {
		o.Cancelled = d.Cancelled
	}
	if o.SafetyNet <= 0 {
		o.SafetyNet = d.SafetyNet
	}
}

// StepChange is published when navigation to a step completes.
type StepChange struct {
	Index int
	Total int
	Step  trace.Step
	// Err is the handler's error, if it failed. Navigation still completed.
	Err error
}

// Appended is published when live steps are added to the session.
type Appended struct {
	Added []trace.Step
	Total int
}

// sectionDepth returns how many sections are open once steps[i] is shown.
func sectionDepth(steps []trace.Step, i int) int {
	depth := 0
	for j := 0; j <= i && j < len(steps); j++ {
		switch steps[j].Type {
		case trace.StepSectionStart:
			depth++
		case trace.StepSectionEnd:
			if depth > 0 {
				depth--
			}
		}
	}
	return depth
}
