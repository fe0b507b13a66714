package replay

import (
	"context"
	"fmt"
	"log/slog"
	"path/filepath"
	"strings"
	"sync"

	"github.com/joescharf/tracecast/internal/highlight"
	"github.com/joescharf/tracecast/internal/trace"
)

// LineRange is an inclusive, 1-indexed span of lines.
type LineRange struct {
	Start int
	End   int
}

// Document is a file opened on the surface.
type Document interface {
	URI() string
}

// Surface is the presentation layer the default handlers drive, such as an
// editor or a terminal.
type Surface interface {
	OpenDocument(ctx context.Context, uri string) (Document, error)
	Reveal(doc Document, r LineRange) error
	ApplyHighlight(doc Document, r LineRange) error
	ClearHighlights(doc Document) error
	ShowStepIndicator(step trace.Step, index, total int)
}

// Speaker starts narration. *speech.Speaker satisfies it.
type Speaker interface {
	Speak(text, stepID string) int64
	SpeakWithTimings(text, stepID string, onTimings func([]trace.WordTiming)) int64
}

// SurfaceHandlers presents steps on a Surface, narrates them and animates
// line markers in the narration against the spoken audio.
type SurfaceHandlers struct {
	Surface   Surface
	Speaker   Speaker
	Scheduler *highlight.Scheduler
	// Root resolves relative step paths when the session has no snapshot
	// copy of the file.
	Root   string
	Logger *slog.Logger

	mu      sync.Mutex
	current Document
}

var _ Handlers = (*SurfaceHandlers)(nil)

func (h *SurfaceHandlers) OpenFile(ctx context.Context, cue Cue) error {
	h.indicate(cue)
	doc, err := h.open(ctx, cue)
	if err != nil {
		return err
	}
	if r := cue.Step.Range; r != nil {
		if err := h.Surface.Reveal(doc, LineRange{Start: r.StartLine, End: r.EndLine}); err != nil {
			return err
		}
	}
	return h.narrate(ctx, cue, doc, nil)
}

// ShowDiff opens the file at the changed range. Rendering the diff itself is
// left to the surface.
func (h *SurfaceHandlers) ShowDiff(ctx context.Context, cue Cue) error {
	return h.OpenFile(ctx, cue)
}

func (h *SurfaceHandlers) HighlightRange(ctx context.Context, cue Cue) error {
	h.indicate(cue)
	doc, err := h.open(ctx, cue)
	if err != nil {
		return err
	}
	r := cue.Step.Range
	if r == nil {
		return fmt.Errorf("step %s has no range", cue.Step.ID)
	}
	lr := LineRange{Start: r.StartLine, End: r.EndLine}
	if err := h.Surface.Reveal(doc, lr); err != nil {
		return err
	}
	if err := h.Surface.ClearHighlights(doc); err != nil {
		return err
	}
	if err := h.Surface.ApplyHighlight(doc, lr); err != nil {
		return err
	}
	return h.narrate(ctx, cue, doc, &lr)
}

// Say narrates over whatever document is already shown.
func (h *SurfaceHandlers) Say(ctx context.Context, cue Cue) error {
	h.indicate(cue)
	return h.narrate(ctx, cue, h.document(), nil)
}

func (h *SurfaceHandlers) SectionStart(ctx context.Context, cue Cue) error {
	h.indicate(cue)
	return h.narrate(ctx, cue, nil, nil)
}

func (h *SurfaceHandlers) SectionEnd(ctx context.Context, cue Cue) error {
	h.indicate(cue)
	return h.narrate(ctx, cue, nil, nil)
}

func (h *SurfaceHandlers) indicate(cue Cue) {
	h.Surface.ShowStepIndicator(cue.Step, cue.Index, cue.Total)
}

func (h *SurfaceHandlers) document() Document {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.current
}

func (h *SurfaceHandlers) open(ctx context.Context, cue Cue) (Document, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	doc, err := h.Surface.OpenDocument(ctx, h.ResolvePath(cue))
	if err != nil {
		return nil, fmt.Errorf("open %s: %w", cue.Step.FilePath, err)
	}
	h.mu.Lock()
	h.current = doc
	h.mu.Unlock()
	return doc, nil
}

// ResolvePath maps a step's file to the path to open: the session snapshot
// copy when there is one, otherwise the path relative to Root.
func (h *SurfaceHandlers) ResolvePath(cue Cue) string {
	rel := cue.Step.FilePath
	if cue.Session != nil {
		if p, ok := cue.Session.SnapshotPath(rel); ok {
			return p
		}
	}
	if filepath.IsAbs(rel) || h.Root == "" {
		return rel
	}
	return filepath.Join(h.Root, filepath.FromSlash(rel))
}

// narrate speaks the step's narration. When the narration carries line
// markers and a document is shown, the marked lines are highlighted as their
// phrases are spoken; base, if set, is restored once no marked line is lit.
func (h *SurfaceHandlers) narrate(ctx context.Context, cue Cue, doc Document, base *LineRange) error {
	text := highlight.StripMarkers(cue.Step.Narration)
	if strings.TrimSpace(text) == "" || h.Speaker == nil {
		return nil
	}
	if err := ctx.Err(); err != nil {
		return err
	}

	refs := highlight.ParseLineRefs(cue.Step.Narration)
	if len(refs) == 0 || doc == nil || h.Scheduler == nil {
		h.Speaker.Speak(text, cue.Step.ID)
		return nil
	}

	target := highlight.TargetFunc(func(lines []int) {
		h.render(doc, lines, base)
	})
	h.Speaker.SpeakWithTimings(text, cue.Step.ID, func(timings []trace.WordTiming) {
		if ctx.Err() != nil {
			return
		}
		events := highlight.BuildTimeline(timings, refs)
		if len(events) == 0 {
			h.logger().Debug("no timed highlights for step", "step", cue.Step.ID)
			return
		}
		h.Scheduler.Schedule(events, target)
	})
	return nil
}

func (h *SurfaceHandlers) render(doc Document, lines []int, base *LineRange) {
	if err := h.Surface.ClearHighlights(doc); err != nil {
		h.logger().Debug("clear highlights", "error", err)
		return
	}
	if len(lines) == 0 {
		if base != nil {
			_ = h.Surface.ApplyHighlight(doc, *base)
		}
		return
	}
	for _, l := range lines {
		if err := h.Surface.ApplyHighlight(doc, LineRange{Start: l, End: l}); err != nil {
			h.logger().Debug("apply highlight", "line", l, "error", err)
		}
	}
}

func (h *SurfaceHandlers) logger() *slog.Logger {
	if h.Logger != nil {
		return h.Logger
	}
	return slog.Default()
}
