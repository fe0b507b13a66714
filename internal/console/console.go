// Package console is a terminal presentation surface for replays. Revealed
// ranges are printed with line numbers and highlighted lines are drawn in
// reverse video as the narration reaches them.
package console

import (
	"context"
	"fmt"
	"io"
	"os"
	"strings"
	"sync"

	"github.com/joescharf/tracecast/internal/highlight"
	"github.com/joescharf/tracecast/internal/output"
	"github.com/joescharf/tracecast/internal/replay"
	"github.com/joescharf/tracecast/internal/trace"
)

// DefaultContext is the number of lines shown around a revealed range.
const DefaultContext = 3

type document struct {
	path  string
	lines []string
}

func (d *document) URI() string { return d.path }

// Console implements replay.Surface on a writer.
type Console struct {
	Out io.Writer
	// Context is the number of surrounding lines printed by Reveal.
	Context int
	// Narration prints each step's narration under its indicator.
	Narration bool

	mu          sync.Mutex
	docs        map[string]*document
	current     *document
	highlighted map[int]bool
}

var _ replay.Surface = (*Console)(nil)

// New creates a console writing to out.
func New(out io.Writer) *Console {
	return &Console{
		Out:         out,
		Context:     DefaultContext,
		Narration:   true,
		docs:        make(map[string]*document),
		highlighted: make(map[int]bool),
	}
}

// OpenDocument reads the file at uri, printing its path when it differs from
// the one already shown.
func (c *Console) OpenDocument(ctx context.Context, uri string) (replay.Document, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	doc, ok := c.docs[uri]
	if !ok {
		data, err := os.ReadFile(uri)
		if err != nil {
			return nil, err
		}
		doc = &document{path: uri, lines: splitLines(string(data))}
		c.docs[uri] = doc
	}
	if c.current != doc {
		c.current = doc
		clear(c.highlighted)
		fmt.Fprintf(c.Out, "\n%s\n", output.Cyan(uri))
	}
	return doc, nil
}

// Reveal prints the range with surrounding context.
func (c *Console) Reveal(d replay.Document, r replay.LineRange) error {
	doc, err := c.own(d)
	if err != nil {
		return err
	}
	c.mu.Lock()
	defer c.mu.Unlock()

	start, end, ok := clamp(doc, r)
	if !ok {
		return fmt.Errorf("%s: range %d-%d outside %d lines", doc.path, r.Start, r.End, len(doc.lines))
	}
	from := max(1, start-c.Context)
	to := min(len(doc.lines), end+c.Context)
	for n := from; n <= to; n++ {
		c.printLineLocked(doc, n, c.highlighted[n])
	}
	return nil
}

// ApplyHighlight marks the range and prints the marked lines.
func (c *Console) ApplyHighlight(d replay.Document, r replay.LineRange) error {
	doc, err := c.own(d)
	if err != nil {
		return err
	}
	c.mu.Lock()
	defer c.mu.Unlock()

	start, end, ok := clamp(doc, r)
	if !ok {
		return nil
	}
	for n := start; n <= end; n++ {
		c.highlighted[n] = true
		c.printLineLocked(doc, n, true)
	}
	return nil
}

// ClearHighlights unmarks every line.
func (c *Console) ClearHighlights(d replay.Document) error {
	if _, err := c.own(d); err != nil {
		return err
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	clear(c.highlighted)
	return nil
}

// ShowStepIndicator prints the step's position, type and title.
func (c *Console) ShowStepIndicator(step trace.Step, index, total int) {
	c.mu.Lock()
	defer c.mu.Unlock()

	title := step.Title
	if title == "" {
		title = step.ID
	}
	fmt.Fprintf(c.Out, "\n[%d/%d] %s %s\n", index+1, total, output.StepTypeColor(string(step.Type)), title)
	if c.Narration && step.HasNarration() {
		fmt.Fprintf(c.Out, "  %s\n", output.Faint(highlight.StripMarkers(step.Narration)))
	}
	if step.Comment != nil {
		fmt.Fprintf(c.Out, "  %s %s\n", output.Yellow("comment:"), step.Comment.Body)
	}
}

// Highlighted returns the marked lines of the current document in order.
func (c *Console) Highlighted() []int {
	c.mu.Lock()
	defer c.mu.Unlock()
	var lines []int
	if c.current == nil {
		return lines
	}
	for n := 1; n <= len(c.current.lines); n++ {
		if c.highlighted[n] {
			lines = append(lines, n)
		}
	}
	return lines
}

func (c *Console) printLineLocked(doc *document, n int, lit bool) {
	text := doc.lines[n-1]
	if lit {
		fmt.Fprintf(c.Out, "%s %4d | %s\n", output.Yellow(">"), n, output.Highlight(text))
		return
	}
	fmt.Fprintf(c.Out, "  %s | %s\n", output.Faint(fmt.Sprintf("%4d", n)), text)
}

func (c *Console) own(d replay.Document) (*document, error) {
	doc, ok := d.(*document)
	if !ok || doc == nil {
		return nil, fmt.Errorf("document %v was not opened by this console", d)
	}
	return doc, nil
}

func clamp(doc *document, r replay.LineRange) (int, int, bool) {
	start, end := max(r.Start, 1), r.End
	if end < start {
		end = start
	}
	end = min(end, len(doc.lines))
	if start > end {
		return 0, 0, false
	}
	return start, end, true
}

func splitLines(s string) []string {
	s = strings.TrimSuffix(strings.ReplaceAll(s, "\r\n", "\n"), "\n")
	if s == "" {
		return nil
	}
	return strings.Split(s, "\n")
}
