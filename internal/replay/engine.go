package replay

import (
	"context"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/joescharf/tracecast/internal/highlight"
	"github.com/joescharf/tracecast/internal/notify"
	"github.com/joescharf/tracecast/internal/speech"
	"github.com/joescharf/tracecast/internal/trace"
)

// Config wires an Engine. Narrator and Highlights may be nil.
type Config struct {
	Handlers   Handlers
	Narrator   Narrator
	Highlights Clearer
	Logger     *slog.Logger
	Options    Options
}

// Engine owns the current session, the current step index and the playback
// state. Every navigation bumps the epoch; asynchronous work captures the
// epoch it started under and is dropped if it no longer matches.
//
// Collaborators are never called while mu is held.
type Engine struct {
	handlers   Handlers
	narrator   Narrator
	highlights Clearer
	log        *slog.Logger
	opts       Options

	base       context.Context
	cancelBase context.CancelFunc

	mu        sync.Mutex
	session   *trace.Session
	state     State
	index     int
	epoch     uint64
	navCancel context.CancelFunc
	advance   *time.Timer
	safety    *time.Timer
	unsub     func()
	waitDone  bool
	atLiveEnd bool

	stepChanged  notify.Broadcaster[StepChange]
	stateChanged notify.Broadcaster[State]
	finished     notify.Broadcaster[struct{}]
	appended     notify.Broadcaster[Appended]
}

// NewEngine creates a stopped engine with no session.
func NewEngine(cfg Config) *Engine {
	cfg.Options.defaults()
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	base, cancel := context.WithCancel(context.Background())
	return &Engine{
		handlers:   cfg.Handlers,
		narrator:   cfg.Narrator,
		highlights: cfg.Highlights,
		log:        cfg.Logger,
		opts:       cfg.Options,
		base:       base,
		cancelBase: cancel,
		state:      StateStopped,
		index:      -1,
	}
}

// OnStepChanged subscribes to completed navigations.
func (e *Engine) OnStepChanged(fn func(StepChange)) (unsubscribe func()) {
	return e.stepChanged.Subscribe(fn)
}

// OnStateChanged subscribes to playback state changes.
func (e *Engine) OnStateChanged(fn func(State)) (unsubscribe func()) {
	return e.stateChanged.Subscribe(fn)
}

// OnFinished subscribes to autoplay reaching the end of the session.
func (e *Engine) OnFinished(fn func()) (unsubscribe func()) {
	return e.finished.Subscribe(func(struct{}) { fn() })
}

// OnAppended subscribes to live steps being added.
func (e *Engine) OnAppended(fn func(Appended)) (unsubscribe func()) {
	return e.appended.Subscribe(fn)
}

// Index returns the current step index, or -1 when no step is shown.
func (e *Engine) Index() int {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.index
}

// State returns the playback state.
func (e *Engine) State() State {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.state
}

// Len returns the number of steps in the session.
func (e *Engine) Len() int {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.session.Len()
}

// Step returns the step at index i.
func (e *Engine) Step(i int) (trace.Step, bool) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.session == nil || i < 0 || i >= len(e.session.Steps) {
		return trace.Step{}, false
	}
	return e.session.Steps[i], true
}

// Steps returns a copy of the session's steps.
func (e *Engine) Steps() []trace.Step {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.session == nil {
		return nil
	}
	return append([]trace.Step(nil), e.session.Steps...)
}

// Load replaces the session and resets to stopped with no step shown.
func (e *Engine) Load(s *trace.Session) {
	e.reset(s)
}

// Unload clears the session.
func (e *Engine) Unload() {
	e.reset(nil)
}

// Close unloads the session and stops all timers.
func (e *Engine) Close() {
	e.reset(nil)
	e.cancelBase()
}

func (e *Engine) reset(s *trace.Session) {
	e.mu.Lock()
	e.epoch++
	e.cancelPendingLocked()
	e.session = s
	e.index = -1
	changed := e.state != StateStopped
	e.state = StateStopped
	e.mu.Unlock()

	e.silence()
	if changed {
		e.stateChanged.Publish(StateStopped)
	}
}

// GoToStep shows step i. An out-of-range index leaves the engine unchanged.
// If a newer navigation starts while the handler runs, this one completes
// silently without publishing.
func (e *Engine) GoToStep(ctx context.Context, i int) error {
	return e.goTo(ctx, i, 0)
}

// Next shows the step after the current one.
func (e *Engine) Next(ctx context.Context) error {
	return e.GoToStep(ctx, e.Index()+1)
}

// Previous shows the step before the current one.
func (e *Engine) Previous(ctx context.Context) error {
	i := e.Index()
	if i <= 0 {
		return ErrOutOfRange
	}
	return e.GoToStep(ctx, i-1)
}

// Play starts autoplay from the current step, or the first one if none is
// shown. The current step is presented again so its narration restarts.
func (e *Engine) Play(ctx context.Context) error {
	return e.PlayFrom(ctx, max(e.Index(), 0))
}

// PlayFrom starts autoplay at step i.
func (e *Engine) PlayFrom(ctx context.Context, i int) error {
	e.mu.Lock()
	if e.session.Len() == 0 {
		e.mu.Unlock()
		return ErrNoSession
	}
	if i < 0 || i >= len(e.session.Steps) {
		e.mu.Unlock()
		return ErrOutOfRange
	}
	changed := e.state != StatePlaying
	e.state = StatePlaying
	e.mu.Unlock()

	if changed {
		e.stateChanged.Publish(StatePlaying)
	}
	return e.goTo(ctx, i, 0)
}

// Pause stops autoplay and narration. The current step stays shown.
func (e *Engine) Pause() {
	e.mu.Lock()
	if e.state != StatePlaying {
		e.mu.Unlock()
		return
	}
	e.state = StatePaused
	e.cancelPendingLocked()
	e.mu.Unlock()

	e.silence()
	e.stateChanged.Publish(StatePaused)
}

// Append adds live steps to the session, creating one if none is loaded.
// Steps whose ids already exist are skipped. If autoplay was waiting at the
// end of a live session, it resumes with the first new step.
func (e *Engine) Append(steps ...trace.Step) []trace.Step {
	e.mu.Lock()
	if e.session == nil {
		e.session = &trace.Session{}
	}
	added, skipped := e.session.Append(steps...)
	total := len(e.session.Steps)
	resume := e.atLiveEnd && e.state == StatePlaying && len(added) > 0
	epoch := e.epoch
	next := e.index + 1
	if resume {
		e.atLiveEnd = false
	}
	e.mu.Unlock()

	for _, id := range skipped {
		e.log.Warn("skipping duplicate step", "id", id)
	}
	if len(added) == 0 {
		return nil
	}
	e.appended.Publish(Appended{Added: added, Total: total})
	if resume {
		go func() { _ = e.goTo(e.base, next, epoch) }()
	}
	return added
}

// SetComment attaches a reviewer comment to a step, or removes it when c is
// nil.
func (e *Engine) SetComment(stepID string, c *trace.Comment) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.session == nil {
		return ErrNoSession
	}
	return e.session.SetComment(stepID, c)
}

// goTo navigates to step i. A non-zero from is the epoch of the autoplay
// wait that requested the advance; the advance is dropped if anything has
// navigated since or playback stopped.
func (e *Engine) goTo(ctx context.Context, i int, from uint64) error {
	e.mu.Lock()
	if from != 0 && (from != e.epoch || e.state != StatePlaying) {
		e.mu.Unlock()
		return nil
	}
	if e.session == nil {
		e.mu.Unlock()
		return ErrNoSession
	}
	if i < 0 || i >= len(e.session.Steps) {
		e.mu.Unlock()
		return ErrOutOfRange
	}
	e.epoch++
	epoch := e.epoch
	e.cancelPendingLocked()
	navCtx, cancel := context.WithCancel(ctx)
	e.navCancel = cancel
	cue := Cue{
		Step:    e.session.Steps[i],
		Index:   i,
		Total:   len(e.session.Steps),
		Session: &trace.Session{Metadata: e.session.Metadata, Summary: e.session.Summary, Dir: e.session.Dir},
	}
	e.mu.Unlock()

	e.silence()

	var err error
	if e.handlers != nil {
		err = Dispatch(navCtx, e.handlers, cue)
	}

	e.mu.Lock()
	if e.epoch != epoch {
		// A newer navigation owns the engine now.
		e.mu.Unlock()
		return nil
	}
	e.index = i
	playing := e.state == StatePlaying
	e.mu.Unlock()

	if err != nil {
		e.log.Error("step handler failed", "step", cue.Step.ID, "type", cue.Step.Type, "error", err)
	}
	e.stepChanged.Publish(StepChange{Index: i, Total: cue.Total, Step: cue.Step, Err: err})

	if playing {
		e.waitThenAdvance(epoch, cue.Step)
	}
	return nil
}

// waitThenAdvance arms the advance out of the step shown under epoch: after
// a fixed dwell when it has no narration, otherwise once its narration
// completes.
func (e *Engine) waitThenAdvance(epoch uint64, step trace.Step) {
	var reqID int64
	if spoken(step) && e.narrator != nil {
		reqID = e.narrator.CurrentRequestID()
	}

	if reqID == 0 {
		e.mu.Lock()
		if e.epoch == epoch && e.state == StatePlaying {
			e.armAdvanceLocked(epoch, e.opts.NoNarrationDelay)
		}
		e.mu.Unlock()
		return
	}

	unsub := e.narrator.OnComplete(func(c speech.Completion) {
		if c.RequestID == reqID {
			e.narrationDone(epoch, c)
		}
	})

	e.mu.Lock()
	if e.epoch != epoch || e.state != StatePlaying {
		e.mu.Unlock()
		unsub()
		return
	}
	e.unsub = unsub
	e.waitDone = false
	e.safety = time.AfterFunc(e.opts.SafetyNet, func() {
		e.log.Warn("narration did not finish in time, advancing", "step", step.ID)
		e.advanceFrom(epoch)
	})
	e.mu.Unlock()

	// The request may have finished before we subscribed.
	if c, ok := e.narrator.Completed(reqID); ok {
		e.narrationDone(epoch, c)
	}
}

// spoken reports whether the surface will voice the step's narration. A
// narration made only of markers is never spoken.
func spoken(step trace.Step) bool {
	return strings.TrimSpace(highlight.StripMarkers(step.Narration)) != ""
}

func (e *Engine) narrationDone(epoch uint64, c speech.Completion) {
	e.mu.Lock()
	if e.epoch != epoch || e.state != StatePlaying || e.waitDone {
		e.mu.Unlock()
		return
	}
	e.waitDone = true
	unsub := e.unsub
	e.unsub = nil
	if e.safety != nil {
		e.safety.Stop()
		e.safety = nil
	}

	delay := e.opts.AfterNarration
	if sectionDepth(e.session.Steps, e.index) > 0 {
		delay = e.opts.InSection
	}
	if c.Cancelled {
		delay = e.opts.Cancelled
	}
	e.armAdvanceLocked(epoch, delay)
	e.mu.Unlock()

	if unsub != nil {
		unsub()
	}
}

func (e *Engine) armAdvanceLocked(epoch uint64, d time.Duration) {
	if e.advance != nil {
		e.advance.Stop()
	}
	e.advance = time.AfterFunc(d, func() { e.advanceFrom(epoch) })
}

// advanceFrom moves past the step shown under epoch.
func (e *Engine) advanceFrom(epoch uint64) {
	e.mu.Lock()
	if e.epoch != epoch || e.state != StatePlaying {
		e.mu.Unlock()
		return
	}
	next := e.index + 1
	if next < len(e.session.Steps) {
		e.mu.Unlock()
		_ = e.goTo(e.base, next, epoch)
		return
	}

	e.cancelPendingLocked()
	if e.opts.FollowLive {
		e.atLiveEnd = true
		idx := e.index
		e.mu.Unlock()
		e.log.Debug("waiting for live steps", "index", idx)
		return
	}
	e.state = StateStopped
	e.mu.Unlock()

	e.stateChanged.Publish(StateStopped)
	e.finished.Publish(struct{}{})
}

// cancelPendingLocked drops every timer, subscription and in-flight handler
// context belonging to the current epoch.
func (e *Engine) cancelPendingLocked() {
	if e.advance != nil {
		e.advance.Stop()
		e.advance = nil
	}
	if e.safety != nil {
		e.safety.Stop()
		e.safety = nil
	}
	if e.unsub != nil {
		// Unsubscribing only takes the broadcaster's lock.
		e.unsub()
		e.unsub = nil
	}
	if e.navCancel != nil {
		e.navCancel()
		e.navCancel = nil
	}
	e.atLiveEnd = false
}

// silence stops narration and highlight animation.
func (e *Engine) silence() {
	if e.narrator != nil {
		e.narrator.Stop()
	}
	if e.highlights != nil {
		e.highlights.Clear()
	}
}
