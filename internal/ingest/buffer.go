// Package ingest accepts walkthrough steps pushed by a live producer, either
// over HTTP or by writing to a watched trace file, and hands them to the
// replay engine in coalesced batches.
package ingest

import (
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/oklog/ulid/v2"

	"github.com/joescharf/tracecast/internal/notify"
	"github.com/joescharf/tracecast/internal/trace"
)

// DefaultQuietWindow is how long the buffer waits after the last push before
// flushing.
const DefaultQuietWindow = 200 * time.Millisecond

var (
	// ErrSessionActive is returned by Start while a session is in progress.
	ErrSessionActive = errors.New("a session is already active")
	// ErrNoSession is returned by Push and End when no session is active.
	ErrNoSession = errors.New("no active session")
	// ErrDuplicateStep is returned when a pushed step reuses an id.
	ErrDuplicateStep = errors.New("duplicate step id")
)

// Batch is one flush of buffered steps.
type Batch struct {
	Seq   uint64
	Steps []trace.Step
	// Total is the session's step count after this batch.
	Total int
}

// Ended describes a finished live session.
type Ended struct {
	Metadata  *trace.Metadata
	Steps     []trace.Step
	StartedAt time.Time
	EndedAt   time.Time
}

// Status is a point-in-time view of the buffer.
type Status struct {
	Active     bool
	EventCount int
	Metadata   *trace.Metadata
}

// Buffer accumulates pushed steps for the active live session and flushes
// them as one Batch after a quiet window, or immediately at a session
// boundary.
//
// Subscribers run on the flushing goroutine while the buffer's publish lock
// is held, so they must not call Start or End.
type Buffer struct {
	quiet time.Duration

	// pubMu keeps batch, start and end notifications in order.
	pubMu sync.Mutex

	mu        sync.Mutex
	active    bool
	meta      *trace.Metadata
	startedAt time.Time
	steps     []trace.Step
	ids       map[string]struct{}
	pending   []trace.Step
	timer     *time.Timer
	gen       uint64
	seq       uint64

	batches notify.Broadcaster[Batch]
	starts  notify.Broadcaster[trace.Metadata]
	ends    notify.Broadcaster[Ended]
}

// NewBuffer creates a buffer. A non-positive quiet window uses
// DefaultQuietWindow.
func NewBuffer(quiet time.Duration) *Buffer {
	if quiet <= 0 {
		quiet = DefaultQuietWindow
	}
	return &Buffer{quiet: quiet}
}

// OnBatch subscribes to flushed batches.
func (b *Buffer) OnBatch(fn func(Batch)) (unsubscribe func()) { return b.batches.Subscribe(fn) }

// OnStart subscribes to session starts.
func (b *Buffer) OnStart(fn func(trace.Metadata)) (unsubscribe func()) {
	return b.starts.Subscribe(fn)
}

// OnEnd subscribes to session ends. The Ended value carries every step of the
// session.
func (b *Buffer) OnEnd(fn func(Ended)) (unsubscribe func()) { return b.ends.Subscribe(fn) }

// Start begins a live session.
func (b *Buffer) Start(meta trace.Metadata) error {
	b.pubMu.Lock()
	defer b.pubMu.Unlock()

	b.mu.Lock()
	if b.active {
		b.mu.Unlock()
		return ErrSessionActive
	}
	if meta.Timestamp == "" {
		meta.Timestamp = time.Now().UTC().Format(time.RFC3339)
	}
	m := meta
	b.active = true
	b.meta = &m
	b.startedAt = time.Now()
	b.steps = nil
	b.ids = make(map[string]struct{})
	b.pending = nil
	b.mu.Unlock()

	b.starts.Publish(meta)
	return nil
}

// Push adds a step to the active session and returns its id. A step without
// an id is assigned one.
func (b *Buffer) Push(step trace.Step) (string, error) {
	if step.ID == "" {
		step.ID = ulid.Make().String()
	}
	if err := trace.Validate(step); err != nil {
		return "", err
	}

	b.mu.Lock()
	defer b.mu.Unlock()
	if !b.active {
		return "", ErrNoSession
	}
	if _, dup := b.ids[step.ID]; dup {
		return "", fmt.Errorf("%w: %s", ErrDuplicateStep, step.ID)
	}
	b.ids[step.ID] = struct{}{}
	b.steps = append(b.steps, step)
	b.pending = append(b.pending, step)

	// Every push restarts the quiet window.
	b.gen++
	gen := b.gen
	if b.timer != nil {
		b.timer.Stop()
	}
	b.timer = time.AfterFunc(b.quiet, func() { b.flushAfterQuiet(gen) })
	return step.ID, nil
}

// Flush publishes any buffered steps now.
func (b *Buffer) Flush() {
	b.pubMu.Lock()
	defer b.pubMu.Unlock()

	b.mu.Lock()
	batch, ok := b.takeLocked()
	b.mu.Unlock()
	if ok {
		b.batches.Publish(batch)
	}
}

// End flushes pending steps, closes the session and returns it.
func (b *Buffer) End() (Ended, error) {
	b.pubMu.Lock()
	defer b.pubMu.Unlock()

	b.mu.Lock()
	if !b.active {
		b.mu.Unlock()
		return Ended{}, ErrNoSession
	}
	batch, flush := b.takeLocked()
	ended := Ended{
		Metadata:  b.meta,
		Steps:     append([]trace.Step(nil), b.steps...),
		StartedAt: b.startedAt,
		EndedAt:   time.Now(),
	}
	b.active = false
	b.meta = nil
	b.steps = nil
	b.ids = nil
	b.mu.Unlock()

	if flush {
		b.batches.Publish(batch)
	}
	b.ends.Publish(ended)
	return ended, nil
}

// Status reports whether a session is active and how many steps it holds.
func (b *Buffer) Status() Status {
	b.mu.Lock()
	defer b.mu.Unlock()
	st := Status{Active: b.active, EventCount: len(b.steps)}
	if b.meta != nil {
		m := *b.meta
		st.Metadata = &m
	}
	return st
}

// Close stops the pending flush timer without flushing.
func (b *Buffer) Close() {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.gen++
	if b.timer != nil {
		b.timer.Stop()
		b.timer = nil
	}
}

func (b *Buffer) flushAfterQuiet(gen uint64) {
	b.pubMu.Lock()
	defer b.pubMu.Unlock()

	b.mu.Lock()
	if gen != b.gen {
		b.mu.Unlock()
		return
	}
	batch, ok := b.takeLocked()
	b.mu.Unlock()
	if ok {
		b.batches.Publish(batch)
	}
}

// takeLocked drains pending steps into a batch and disarms the timer.
func (b *Buffer) takeLocked() (Batch, bool) {
	b.gen++
	if b.timer != nil {
		b.timer.Stop()
		b.timer = nil
	}
	if len(b.pending) == 0 {
		return Batch{}, false
	}
	b.seq++
	batch := Batch{Seq: b.seq, Steps: b.pending, Total: len(b.steps)}
	b.pending = nil
	return batch, true
}
