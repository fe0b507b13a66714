package ingest

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"

	"github.com/oklog/ulid/v2"

	"github.com/joescharf/tracecast/internal/llm"
	"github.com/joescharf/tracecast/internal/models"
	"github.com/joescharf/tracecast/internal/store"
	"github.com/joescharf/tracecast/internal/trace"
)

// Summarizer describes a finished walkthrough. *llm.Client satisfies it.
type Summarizer interface {
	SummarizeSession(ctx context.Context, meta *trace.Metadata, steps []trace.Step) (*llm.SessionSummary, error)
}

// Archiver persists ended live sessions so they can be replayed later.
type Archiver struct {
	Dir        string
	Store      store.Store
	Summarizer Summarizer
	Watcher    *Watcher
	Logger     *slog.Logger
}

// Archive writes the session under Dir/<id>/ and records it in the store.
// Summary generation is best effort.
func (a *Archiver) Archive(ctx context.Context, ended Ended) (*models.RecordedSession, error) {
	log := a.Logger
	if log == nil {
		log = slog.Default()
	}
	if len(ended.Steps) == 0 {
		return nil, fmt.Errorf("session has no steps")
	}

	id := ulid.Make().String()
	dir := filepath.Join(a.Dir, id)

	sess := &trace.Session{Steps: ended.Steps, Metadata: ended.Metadata}
	rs := &models.RecordedSession{
		ID:        id,
		Dir:       dir,
		StepCount: len(ended.Steps),
		StartedAt: ended.StartedAt,
		EndedAt:   ended.EndedAt,
	}
	if m := ended.Metadata; m != nil {
		rs.Title = m.Title
		rs.Agent = m.Agent
		rs.Commit = m.Commit
	}

	if a.Summarizer != nil {
		sum, err := a.Summarizer.SummarizeSession(ctx, ended.Metadata, ended.Steps)
		if err != nil {
			log.Warn("session summary failed", "error", err)
		} else {
			sess.Summary = sum.Summary
			rs.Summary = sum.Summary
			if rs.Title == "" {
				rs.Title = sum.Title
			}
		}
	}

	if a.Watcher != nil && a.Watcher.Watches(filepath.Join(dir, trace.TraceFile)) {
		a.Watcher.Suppress()
	}
	if err := trace.Save(dir, sess); err != nil {
		return nil, fmt.Errorf("archive session: %w", err)
	}

	if a.Store != nil {
		if err := a.Store.CreateRecordedSession(ctx, rs); err != nil {
			_ = os.RemoveAll(dir)
			return nil, err
		}
	}
	log.Info("session archived", "id", id, "steps", rs.StepCount, "dir", dir)
	return rs, nil
}
