package replay

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/joescharf/tracecast/internal/notify"
	"github.com/joescharf/tracecast/internal/speech"
	"github.com/joescharf/tracecast/internal/trace"
)

// ---------------------------------------------------------------------------
// Fakes
// ---------------------------------------------------------------------------

// fakeNarrator hands out request ids like the speaker does but only
// completes requests when told to (or immediately with autoComplete).
type fakeNarrator struct {
	mu           sync.Mutex
	nextID       int64
	current      int64
	done         map[int64]speech.Completion
	spoken       []string
	autoComplete bool
	subs         notify.Broadcaster[speech.Completion]
}

func newFakeNarrator() *fakeNarrator {
	return &fakeNarrator{done: make(map[int64]speech.Completion)}
}

func (n *fakeNarrator) Speak(text, stepID string) int64 {
	n.Stop()
	n.mu.Lock()
	n.nextID++
	id := n.nextID
	n.current = id
	n.spoken = append(n.spoken, stepID)
	auto := n.autoComplete
	n.mu.Unlock()
	if auto {
		n.finish(id, false)
	}
	return id
}

func (n *fakeNarrator) SpeakWithTimings(text, stepID string, onTimings func([]trace.WordTiming)) int64 {
	id := n.Speak(text, stepID)
	onTimings(nil)
	return id
}

func (n *fakeNarrator) Stop() {
	n.mu.Lock()
	id := n.current
	n.mu.Unlock()
	if id != 0 {
		n.finish(id, true)
	}
}

func (n *fakeNarrator) finish(id int64, cancelled bool) {
	n.mu.Lock()
	if _, ok := n.done[id]; ok {
		n.mu.Unlock()
		return
	}
	c := speech.Completion{RequestID: id, Cancelled: cancelled}
	n.done[id] = c
	if n.current == id {
		n.current = 0
	}
	n.mu.Unlock()
	n.subs.Publish(c)
}

// completeCurrent finishes the active request naturally.
func (n *fakeNarrator) completeCurrent() int64 {
	n.mu.Lock()
	id := n.current
	n.mu.Unlock()
	if id != 0 {
		n.finish(id, false)
	}
	return id
}

func (n *fakeNarrator) CurrentRequestID() int64 {
	n.mu.Lock()
	defer n.mu.Unlock()
	return n.nextID
}

func (n *fakeNarrator) OnComplete(fn func(speech.Completion)) func() { return n.subs.Subscribe(fn) }

func (n *fakeNarrator) Completed(id int64) (speech.Completion, bool) {
	n.mu.Lock()
	defer n.mu.Unlock()
	c, ok := n.done[id]
	return c, ok
}

func (n *fakeNarrator) spokenIDs() []string {
	n.mu.Lock()
	defer n.mu.Unlock()
	return append([]string(nil), n.spoken...)
}

func (n *fakeNarrator) active() int64 {
	n.mu.Lock()
	defer n.mu.Unlock()
	return n.current
}

type fakeClearer struct {
	mu    sync.Mutex
	calls int
}

func (c *fakeClearer) Clear() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.calls++
}

// testHandlers records each presented step and narrates it.
type testHandlers struct {
	narrator *fakeNarrator

	mu      sync.Mutex
	calls   []string
	block   map[string]chan struct{}
	started chan string
	fail    map[string]error
	panics  map[string]bool
}

func newTestHandlers(n *fakeNarrator) *testHandlers {
	return &testHandlers{
		narrator: n,
		block:    make(map[string]chan struct{}),
		started:  make(chan string, 32),
		fail:     make(map[string]error),
		panics:   make(map[string]bool),
	}
}

func (h *testHandlers) handle(ctx context.Context, cue Cue) error {
	h.mu.Lock()
	h.calls = append(h.calls, cue.Step.ID)
	block := h.block[cue.Step.ID]
	failErr := h.fail[cue.Step.ID]
	panics := h.panics[cue.Step.ID]
	h.mu.Unlock()

	h.started <- cue.Step.ID
	if block != nil {
		<-block
	}
	if panics {
		panic("boom")
	}
	if h.narrator != nil && spoken(cue.Step) && ctx.Err() == nil {
		h.narrator.Speak(cue.Step.Narration, cue.Step.ID)
	}
	return failErr
}

func (h *testHandlers) Calls() []string {
	h.mu.Lock()
	defer h.mu.Unlock()
	return append([]string(nil), h.calls...)
}

func (h *testHandlers) OpenFile(ctx context.Context, cue Cue) error       { return h.handle(ctx, cue) }
func (h *testHandlers) ShowDiff(ctx context.Context, cue Cue) error       { return h.handle(ctx, cue) }
func (h *testHandlers) HighlightRange(ctx context.Context, cue Cue) error { return h.handle(ctx, cue) }
func (h *testHandlers) Say(ctx context.Context, cue Cue) error            { return h.handle(ctx, cue) }
func (h *testHandlers) SectionStart(ctx context.Context, cue Cue) error   { return h.handle(ctx, cue) }
func (h *testHandlers) SectionEnd(ctx context.Context, cue Cue) error     { return h.handle(ctx, cue) }

type observed struct {
	mu       sync.Mutex
	changes  []StepChange
	states   []State
	finished int
	appended []Appended
	times    []time.Time
}

func observe(e *Engine) *observed {
	o := &observed{}
	e.OnStepChanged(func(c StepChange) {
		o.mu.Lock()
		o.changes = append(o.changes, c)
		o.times = append(o.times, time.Now())
		o.mu.Unlock()
	})
	e.OnStateChanged(func(s State) { o.mu.Lock(); o.states = append(o.states, s); o.mu.Unlock() })
	e.OnFinished(func() { o.mu.Lock(); o.finished++; o.mu.Unlock() })
	e.OnAppended(func(a Appended) { o.mu.Lock(); o.appended = append(o.appended, a); o.mu.Unlock() })
	return o
}

func (o *observed) indexes() []int {
	o.mu.Lock()
	defer o.mu.Unlock()
	out := make([]int, len(o.changes))
	for i, c := range o.changes {
		out[i] = c.Index
	}
	return out
}

func (o *observed) change(i int) StepChange {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.changes[i]
}

func (o *observed) finishedCount() int {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.finished
}

func say(id, narration string) trace.Step {
	return trace.Step{ID: id, Type: trace.StepSay, Narration: narration}
}

func session(steps ...trace.Step) *trace.Session {
	return &trace.Session{Steps: steps}
}

// fastOptions keeps autoplay delays short but distinguishable.
func fastOptions() Options {
	return Options{
		NoNarrationDelay: 60 * time.Millisecond,
		AfterNarration:   20 * time.Millisecond,
		InSection:        10 * time.Millisecond,
		Cancelled:        5 * time.Millisecond,
		SafetyNet:        10 * time.Second,
	}
}

type rig struct {
	engine   *Engine
	narrator *fakeNarrator
	handlers *testHandlers
	clearer  *fakeClearer
	obs      *observed
}

func newRig(t *testing.T, opts Options) *rig {
	t.Helper()
	n := newFakeNarrator()
	h := newTestHandlers(n)
	c := &fakeClearer{}
	e := NewEngine(Config{Handlers: h, Narrator: n, Highlights: c, Options: opts})
	t.Cleanup(e.Close)
	return &rig{engine: e, narrator: n, handlers: h, clearer: c, obs: observe(e)}
}

// ---------------------------------------------------------------------------
// Navigation
// ---------------------------------------------------------------------------

func TestEngine_LoadResets(t *testing.T) {
	r := newRig(t, fastOptions())
	e := r.engine
	ctx := context.Background()

	assert.Equal(t, -1, e.Index())
	assert.Equal(t, StateStopped, e.State())

	e.Load(session(say("a", ""), say("b", "")))
	require.NoError(t, e.GoToStep(ctx, 1))
	assert.Equal(t, 1, e.Index())

	e.Load(session(say("c", "")))
	assert.Equal(t, -1, e.Index())
	assert.Equal(t, StateStopped, e.State())
	assert.Equal(t, 1, e.Len())
}

func TestEngine_GoToStep(t *testing.T) {
	r := newRig(t, fastOptions())
	e := r.engine
	ctx := context.Background()
	e.Load(session(say("a", ""), say("b", ""), say("c", "")))

	for _, i := range []int{2, 0, 1} {
		require.NoError(t, e.GoToStep(ctx, i))
		assert.Equal(t, i, e.Index())
	}
	assert.Equal(t, []int{2, 0, 1}, r.obs.indexes())
	assert.Equal(t, "c", r.obs.change(0).Step.ID)
	assert.Equal(t, 3, r.obs.change(0).Total)

	for _, i := range []int{-1, 3, 100} {
		assert.ErrorIs(t, e.GoToStep(ctx, i), ErrOutOfRange)
		assert.Equal(t, 1, e.Index())
	}
	assert.Len(t, r.obs.indexes(), 3)
}

func TestEngine_GoToStepWithoutSession(t *testing.T) {
	r := newRig(t, fastOptions())
	assert.ErrorIs(t, r.engine.GoToStep(context.Background(), 0), ErrNoSession)
	assert.ErrorIs(t, r.engine.Play(context.Background()), ErrNoSession)
	assert.Equal(t, StateStopped, r.engine.State())
}

func TestEngine_NextPrevious(t *testing.T) {
	r := newRig(t, fastOptions())
	e := r.engine
	ctx := context.Background()
	e.Load(session(say("a", ""), say("b", "")))

	assert.ErrorIs(t, e.Previous(ctx), ErrOutOfRange)
	require.NoError(t, e.Next(ctx))
	assert.Equal(t, 0, e.Index())
	require.NoError(t, e.Next(ctx))
	assert.Equal(t, 1, e.Index())
	assert.ErrorIs(t, e.Next(ctx), ErrOutOfRange)
	assert.Equal(t, 1, e.Index())
	require.NoError(t, e.Previous(ctx))
	assert.Equal(t, 0, e.Index())
}

func TestEngine_NavigationSilencesPreviousStep(t *testing.T) {
	r := newRig(t, fastOptions())
	e := r.engine
	ctx := context.Background()
	e.Load(session(say("a", "first"), say("b", "second")))

	require.NoError(t, e.GoToStep(ctx, 0))
	first := r.narrator.active()
	require.NotZero(t, first)

	require.NoError(t, e.GoToStep(ctx, 1))
	c, ok := r.narrator.Completed(first)
	require.True(t, ok)
	assert.True(t, c.Cancelled)
	assert.GreaterOrEqual(t, r.clearer.calls, 2)
}

func TestEngine_StaleHandlerDoesNotPublish(t *testing.T) {
	r := newRig(t, fastOptions())
	e := r.engine
	ctx := context.Background()
	e.Load(session(say("slow", ""), say("b", ""), say("fast", "")))

	release := make(chan struct{})
	r.handlers.block["slow"] = release

	done := make(chan error, 1)
	go func() { done <- e.GoToStep(ctx, 0) }()
	require.Equal(t, "slow", <-r.handlers.started)

	require.NoError(t, e.GoToStep(ctx, 2))
	close(release)
	require.NoError(t, <-done)

	assert.Equal(t, []int{2}, r.obs.indexes())
	assert.Equal(t, 2, e.Index())
}

func TestEngine_StaleHandlerContextIsCancelled(t *testing.T) {
	n := newFakeNarrator()
	var slowCtx context.Context
	entered := make(chan struct{})
	release := make(chan struct{})
	h := &funcHandlers{fn: func(ctx context.Context, cue Cue) error {
		if cue.Step.ID == "slow" {
			slowCtx = ctx
			close(entered)
			<-release
		}
		return nil
	}}
	e := NewEngine(Config{Handlers: h, Narrator: n, Options: fastOptions()})
	t.Cleanup(e.Close)
	e.Load(session(say("slow", ""), say("b", "")))

	done := make(chan struct{})
	go func() { _ = e.GoToStep(context.Background(), 0); close(done) }()
	<-entered
	require.NoError(t, e.GoToStep(context.Background(), 1))
	assert.Error(t, slowCtx.Err())
	close(release)
	<-done
}

func TestEngine_HandlerErrorStillPublishes(t *testing.T) {
	r := newRig(t, fastOptions())
	e := r.engine
	e.Load(session(say("bad", ""), say("panics", "")))
	r.handlers.fail["bad"] = errors.New("surface exploded")
	r.handlers.panics["panics"] = true

	require.NoError(t, e.GoToStep(context.Background(), 0))
	assert.Equal(t, 0, e.Index())
	require.Len(t, r.obs.indexes(), 1)
	assert.EqualError(t, r.obs.change(0).Err, "surface exploded")

	require.NoError(t, e.GoToStep(context.Background(), 1))
	assert.Equal(t, 1, e.Index())
	require.Len(t, r.obs.indexes(), 2)
	assert.ErrorContains(t, r.obs.change(1).Err, "panicked")
}

// ---------------------------------------------------------------------------
// Autoplay
// ---------------------------------------------------------------------------

func TestEngine_AutoplaySkipsNarrationWaitForSilentStep(t *testing.T) {
	r := newRig(t, fastOptions())
	e := r.engine
	e.Load(session(say("s1", "one"), say("s2", ""), say("s3", "three")))

	require.NoError(t, e.Play(context.Background()))
	assert.Equal(t, StatePlaying, e.State())
	assert.Equal(t, []int{0}, r.obs.indexes())

	// Step 1 waits on its narration.
	time.Sleep(50 * time.Millisecond)
	assert.Equal(t, 0, e.Index())
	r.narrator.completeCurrent()

	// Step 2 has no narration: it advances on the fixed delay alone.
	require.Eventually(t, func() bool { return e.Index() == 2 }, 2*time.Second, 5*time.Millisecond)
	r.obs.mu.Lock()
	dwell := r.obs.times[2].Sub(r.obs.times[1])
	r.obs.mu.Unlock()
	assert.GreaterOrEqual(t, dwell, 60*time.Millisecond)

	assert.Equal(t, []string{"s1", "s3"}, r.narrator.spokenIDs())

	// Finishing the last narration ends playback.
	r.narrator.completeCurrent()
	require.Eventually(t, func() bool { return r.obs.finishedCount() == 1 }, 2*time.Second, 5*time.Millisecond)
	assert.Equal(t, StateStopped, e.State())
	assert.Equal(t, 2, e.Index())
}

func TestEngine_MarkerOnlyNarrationIsSilent(t *testing.T) {
	r := newRig(t, fastOptions())
	e := r.engine
	e.Load(session(say("a", "one"), say("b", "<line:3></line:3>"), say("c", "three")))

	require.NoError(t, e.Play(context.Background()))
	r.narrator.completeCurrent()

	require.Eventually(t, func() bool { return e.Index() == 2 }, 2*time.Second, 5*time.Millisecond)
	r.obs.mu.Lock()
	dwell := r.obs.times[2].Sub(r.obs.times[1])
	r.obs.mu.Unlock()
	assert.GreaterOrEqual(t, dwell, 60*time.Millisecond, "takes the no-narration delay")
	assert.Equal(t, []string{"a", "c"}, r.narrator.spokenIDs())
}

func TestSpoken(t *testing.T) {
	assert.True(t, spoken(say("a", "Look <line:3>here</line:3>.")))
	assert.False(t, spoken(say("b", "<line:3></line:3>")))
	assert.False(t, spoken(say("c", " [line:4] ")))
	assert.False(t, spoken(say("d", "")))
}

func TestEngine_AutoplayWaitsForNarration(t *testing.T) {
	opts := fastOptions()
	opts.SafetyNet = 10 * time.Second
	r := newRig(t, opts)
	e := r.engine
	e.Load(session(say("a", "talk"), say("b", "")))

	require.NoError(t, e.Play(context.Background()))
	time.Sleep(150 * time.Millisecond)
	assert.Equal(t, 0, e.Index(), "must not advance before narration completes")

	r.narrator.completeCurrent()
	require.Eventually(t, func() bool { return e.Index() == 1 }, time.Second, 5*time.Millisecond)
}

func TestEngine_CancelledNarrationUsesShortPause(t *testing.T) {
	opts := fastOptions()
	opts.AfterNarration = 10 * time.Second
	r := newRig(t, opts)
	e := r.engine
	e.Load(session(say("a", "talk"), say("b", "")))

	require.NoError(t, e.Play(context.Background()))
	id := r.narrator.active()
	r.narrator.finish(id, true)
	require.Eventually(t, func() bool { return e.Index() == 1 }, time.Second, 5*time.Millisecond)
}

func TestEngine_SectionUsesShortPause(t *testing.T) {
	opts := fastOptions()
	opts.AfterNarration = 10 * time.Second
	r := newRig(t, opts)
	e := r.engine
	e.Load(session(
		trace.Step{ID: "sec", Type: trace.StepSectionStart, Title: "Part 1", Narration: "part one"},
		say("a", "inside"),
		say("b", ""),
	))

	require.NoError(t, e.Play(context.Background()))
	r.narrator.completeCurrent()
	require.Eventually(t, func() bool { return e.Index() == 1 }, time.Second, 5*time.Millisecond)
	r.narrator.completeCurrent()
	require.Eventually(t, func() bool { return e.Index() == 2 }, time.Second, 5*time.Millisecond)
}

func TestEngine_CompletionBeforeSubscribe(t *testing.T) {
	r := newRig(t, fastOptions())
	r.narrator.autoComplete = true
	e := r.engine
	e.Load(session(say("a", "quick"), say("b", "quick too")))

	require.NoError(t, e.Play(context.Background()))
	require.Eventually(t, func() bool { return r.obs.finishedCount() == 1 }, 2*time.Second, 5*time.Millisecond)
	assert.Equal(t, []int{0, 1}, r.obs.indexes())
}

func TestEngine_SafetyNetAdvances(t *testing.T) {
	opts := fastOptions()
	opts.SafetyNet = 50 * time.Millisecond
	r := newRig(t, opts)
	e := r.engine
	e.Load(session(say("a", "hangs forever"), say("b", "")))

	require.NoError(t, e.Play(context.Background()))
	require.Eventually(t, func() bool { return e.Index() == 1 }, 2*time.Second, 5*time.Millisecond)
}

func TestEngine_PauseCancelsAdvance(t *testing.T) {
	r := newRig(t, fastOptions())
	e := r.engine
	e.Load(session(say("a", ""), say("b", "")))

	require.NoError(t, e.Play(context.Background()))
	e.Pause()
	assert.Equal(t, StatePaused, e.State())

	time.Sleep(150 * time.Millisecond)
	assert.Equal(t, 0, e.Index())

	r.obs.mu.Lock()
	assert.Equal(t, []State{StatePlaying, StatePaused}, r.obs.states)
	r.obs.mu.Unlock()
}

func TestEngine_PauseStopsNarration(t *testing.T) {
	r := newRig(t, fastOptions())
	e := r.engine
	e.Load(session(say("a", "talk"), say("b", "")))

	require.NoError(t, e.Play(context.Background()))
	id := r.narrator.active()
	e.Pause()

	c, ok := r.narrator.Completed(id)
	require.True(t, ok)
	assert.True(t, c.Cancelled)
	time.Sleep(50 * time.Millisecond)
	assert.Equal(t, 0, e.Index())
}

func TestEngine_PlayReplaysCurrentStep(t *testing.T) {
	r := newRig(t, fastOptions())
	e := r.engine
	ctx := context.Background()
	e.Load(session(say("a", ""), say("b", "talk"), say("c", "")))

	require.NoError(t, e.GoToStep(ctx, 1))
	require.NoError(t, e.Play(ctx))
	assert.Equal(t, []string{"b", "b"}, r.handlers.Calls())
	assert.Equal(t, []string{"b", "b"}, r.narrator.spokenIDs())
}

func TestEngine_PlayFrom(t *testing.T) {
	r := newRig(t, fastOptions())
	e := r.engine
	ctx := context.Background()
	e.Load(session(say("a", ""), say("b", "talk"), say("c", "")))

	assert.ErrorIs(t, e.PlayFrom(ctx, 3), ErrOutOfRange)
	assert.Equal(t, StateStopped, e.State())

	require.NoError(t, e.PlayFrom(ctx, 1))
	assert.Equal(t, StatePlaying, e.State())
	assert.Equal(t, []string{"b"}, r.handlers.Calls())
}

func TestEngine_ManualNavigationDuringPlayKeepsPlaying(t *testing.T) {
	r := newRig(t, fastOptions())
	e := r.engine
	ctx := context.Background()
	e.Load(session(say("a", "talk"), say("b", "talk"), say("c", ""), say("d", "")))

	require.NoError(t, e.Play(ctx))
	require.NoError(t, e.GoToStep(ctx, 2))
	assert.Equal(t, StatePlaying, e.State())
	require.Eventually(t, func() bool { return r.obs.finishedCount() == 1 }, 2*time.Second, 5*time.Millisecond)
	assert.Equal(t, []int{0, 2, 3}, r.obs.indexes())
}

func TestEngine_FollowLiveWaitsForAppend(t *testing.T) {
	opts := fastOptions()
	opts.FollowLive = true
	r := newRig(t, opts)
	e := r.engine
	e.Load(session(say("a", "")))

	require.NoError(t, e.Play(context.Background()))
	time.Sleep(150 * time.Millisecond)
	assert.Equal(t, StatePlaying, e.State())
	assert.Equal(t, 0, r.obs.finishedCount())

	added := e.Append(say("a", "dup"), say("b", ""))
	require.Len(t, added, 1)
	require.Eventually(t, func() bool { return e.Index() == 1 }, time.Second, 5*time.Millisecond)
	assert.Equal(t, StatePlaying, e.State())
}

func TestEngine_FollowLiveRepeatedAppends(t *testing.T) {
	opts := fastOptions()
	opts.FollowLive = true
	opts.NoNarrationDelay = time.Millisecond
	r := newRig(t, opts)
	e := r.engine
	e.Load(session(say("s0", "")))
	require.NoError(t, e.Play(context.Background()))

	for i := 1; i <= 5; i++ {
		id := fmt.Sprintf("s%d", i)
		// Append right as the engine reaches the live end.
		time.Sleep(time.Millisecond)
		require.Len(t, e.Append(say(id, "")), 1)
		require.Eventually(t, func() bool { return e.Index() == i }, time.Second, time.Millisecond)
	}
	assert.Equal(t, StatePlaying, e.State())
	assert.Equal(t, 0, r.obs.finishedCount())
}

// ---------------------------------------------------------------------------
// Live append & comments
// ---------------------------------------------------------------------------

func TestEngine_AppendCreatesSession(t *testing.T) {
	r := newRig(t, fastOptions())
	e := r.engine

	added := e.Append(say("a", ""), say("b", ""), say("a", "again"))
	assert.Len(t, added, 2)
	assert.Equal(t, 2, e.Len())
	assert.Equal(t, -1, e.Index())

	assert.Nil(t, e.Append(say("b", "")))
	r.obs.mu.Lock()
	require.Len(t, r.obs.appended, 1)
	assert.Equal(t, 2, r.obs.appended[0].Total)
	r.obs.mu.Unlock()
}

func TestEngine_AppendDoesNotDisturbCurrentStep(t *testing.T) {
	r := newRig(t, fastOptions())
	e := r.engine
	e.Load(session(say("a", ""), say("b", "")))
	require.NoError(t, e.GoToStep(context.Background(), 1))

	e.Append(say("c", ""))
	assert.Equal(t, 1, e.Index())
	assert.Equal(t, StateStopped, e.State())
	step, ok := e.Step(2)
	require.True(t, ok)
	assert.Equal(t, "c", step.ID)
}

func TestEngine_SetComment(t *testing.T) {
	r := newRig(t, fastOptions())
	e := r.engine
	assert.ErrorIs(t, e.SetComment("a", &trace.Comment{Body: "x"}), ErrNoSession)

	e.Load(session(say("a", "")))
	require.NoError(t, e.SetComment("a", &trace.Comment{Body: "check this", Author: "rev"}))
	step, _ := e.Step(0)
	require.NotNil(t, step.Comment)
	assert.Equal(t, "check this", step.Comment.Body)

	assert.Error(t, e.SetComment("missing", &trace.Comment{Body: "x"}))
	require.NoError(t, e.SetComment("a", nil))
	step, _ = e.Step(0)
	assert.Nil(t, step.Comment)
}

func TestEngine_UnloadDuringPlay(t *testing.T) {
	r := newRig(t, fastOptions())
	e := r.engine
	e.Load(session(say("a", ""), say("b", "")))
	require.NoError(t, e.Play(context.Background()))

	e.Unload()
	assert.Equal(t, StateStopped, e.State())
	assert.Equal(t, -1, e.Index())
	assert.Equal(t, 0, e.Len())
	time.Sleep(120 * time.Millisecond)
	assert.Equal(t, []int{0}, r.obs.indexes())
}

// ---------------------------------------------------------------------------
// Dispatch
// ---------------------------------------------------------------------------

type funcHandlers struct {
	fn func(ctx context.Context, cue Cue) error
}

func (h *funcHandlers) OpenFile(ctx context.Context, cue Cue) error       { return h.fn(ctx, cue) }
func (h *funcHandlers) ShowDiff(ctx context.Context, cue Cue) error       { return h.fn(ctx, cue) }
func (h *funcHandlers) HighlightRange(ctx context.Context, cue Cue) error { return h.fn(ctx, cue) }
func (h *funcHandlers) Say(ctx context.Context, cue Cue) error            { return h.fn(ctx, cue) }
func (h *funcHandlers) SectionStart(ctx context.Context, cue Cue) error   { return h.fn(ctx, cue) }
func (h *funcHandlers) SectionEnd(ctx context.Context, cue Cue) error     { return h.fn(ctx, cue) }

// kindHandlers reports which method ran.
type kindHandlers struct{ got string }

func (h *kindHandlers) OpenFile(context.Context, Cue) error       { h.got = "OpenFile"; return nil }
func (h *kindHandlers) ShowDiff(context.Context, Cue) error       { h.got = "ShowDiff"; return nil }
func (h *kindHandlers) HighlightRange(context.Context, Cue) error { h.got = "HighlightRange"; return nil }
func (h *kindHandlers) Say(context.Context, Cue) error            { h.got = "Say"; return nil }
func (h *kindHandlers) SectionStart(context.Context, Cue) error   { h.got = "SectionStart"; return nil }
func (h *kindHandlers) SectionEnd(context.Context, Cue) error     { h.got = "SectionEnd"; return nil }

func TestDispatch(t *testing.T) {
	want := map[trace.StepType]string{
		trace.StepOpenFile:       "OpenFile",
		trace.StepShowDiff:       "ShowDiff",
		trace.StepHighlightRange: "HighlightRange",
		trace.StepSay:            "Say",
		trace.StepSectionStart:   "SectionStart",
		trace.StepSectionEnd:     "SectionEnd",
	}
	require.Len(t, want, len(trace.StepTypes))
	for typ, method := range want {
		h := &kindHandlers{}
		require.NoError(t, Dispatch(context.Background(), h, Cue{Step: trace.Step{ID: "x", Type: typ}}))
		assert.Equal(t, method, h.got)
	}

	err := Dispatch(context.Background(), &kindHandlers{}, Cue{Step: trace.Step{ID: "x", Type: "dance"}})
	assert.ErrorContains(t, err, "unknown step type")
}

func TestSectionDepth(t *testing.T) {
	steps := []trace.Step{
		{Type: trace.StepSay},
		{Type: trace.StepSectionStart},
		{Type: trace.StepSay},
		{Type: trace.StepSectionStart},
		{Type: trace.StepSectionEnd},
		{Type: trace.StepSectionEnd},
		{Type: trace.StepSay},
		{Type: trace.StepSectionEnd},
	}
	want := []int{0, 1, 1, 2, 1, 0, 0, 0}
	for i, w := range want {
		assert.Equal(t, w, sectionDepth(steps, i), "index %d", i)
	}
}
