// Package trace holds the walkthrough data model: steps, sessions, session
// metadata and word timings, plus loading and persisting traces on disk.
package trace

import (
	"fmt"
	"path/filepath"
	"time"
)

// StepType identifies the kind of walkthrough step.
type StepType string

const (
	StepOpenFile       StepType = "openFile"
	StepShowDiff       StepType = "showDiff"
	StepHighlightRange StepType = "highlightRange"
	StepSay            StepType = "say"
	StepSectionStart   StepType = "sectionStart"
	StepSectionEnd     StepType = "sectionEnd"
)

// StepTypes lists every known step type in declaration order.
var StepTypes = []StepType{
	StepOpenFile,
	StepShowDiff,
	StepHighlightRange,
	StepSay,
	StepSectionStart,
	StepSectionEnd,
}

// Valid reports whether t is one of the known step types.
func (t StepType) Valid() bool {
	for _, k := range StepTypes {
		if t == k {
			return true
		}
	}
	return false
}

// NeedsFile reports whether steps of this type must name a file.
func (t StepType) NeedsFile() bool {
	return t == StepOpenFile || t == StepShowDiff || t == StepHighlightRange
}

// Range is a 1-indexed line/column span. Columns are optional (0 = unset).
type Range struct {
	StartLine   int `json:"startLine"`
	StartColumn int `json:"startColumn,omitempty"`
	EndLine     int `json:"endLine"`
	EndColumn   int `json:"endColumn,omitempty"`
}

func (r Range) String() string {
	if r.StartLine == r.EndLine {
		return fmt.Sprintf("L%d", r.StartLine)
	}
	return fmt.Sprintf("L%d-L%d", r.StartLine, r.EndLine)
}

// Comment is a reviewer note attached to a step.
type Comment struct {
	Body      string    `json:"body"`
	Author    string    `json:"author,omitempty"`
	CreatedAt time.Time `json:"createdAt,omitzero"`
}

// Step is one unit of a walkthrough.
type Step struct {
	ID        string         `json:"id"`
	Type      StepType       `json:"type"`
	Title     string         `json:"title"`
	Narration string         `json:"narration,omitempty"`
	FilePath  string         `json:"filePath,omitempty"`
	Range     *Range         `json:"range,omitempty"`
	Metadata  map[string]any `json:"metadata,omitempty"`
	Comment   *Comment       `json:"comment,omitempty"`
}

// HasNarration reports whether the step has anything to say.
func (s Step) HasNarration() bool {
	for _, r := range s.Narration {
		if r != ' ' && r != '\t' && r != '\n' && r != '\r' {
			return true
		}
	}
	return false
}

// Metadata describes where a session came from.
type Metadata struct {
	Agent       string `json:"agent,omitempty"`
	Timestamp   string `json:"timestamp,omitempty"`
	Commit      string `json:"commit,omitempty"`
	SnapshotDir string `json:"snapshotDir,omitempty"`
	Title       string `json:"title,omitempty"`
}

// IsZero reports whether no metadata field is set.
func (m Metadata) IsZero() bool {
	return m == Metadata{}
}

// WordTiming is one transcribed word, offsets in seconds from the start of
// its narration clip.
type WordTiming struct {
	Word  string  `json:"word"`
	Start float64 `json:"start"`
	End   float64 `json:"end"`
}

// Session is an ordered list of steps plus optional metadata and summary.
type Session struct {
	Steps    []Step
	Metadata *Metadata
	Summary  string

	// Dir is the directory the session was loaded from, if any.
	Dir string
}

// Len returns the number of steps.
func (s *Session) Len() int {
	if s == nil {
		return 0
	}
	return len(s.Steps)
}

// Find returns the index of the step with the given id, or -1.
func (s *Session) Find(id string) int {
	for i, st := range s.Steps {
		if st.ID == id {
			return i
		}
	}
	return -1
}

// Append adds steps whose ids are not yet present. It returns the steps that
// were added and the ids that were skipped as duplicates.
func (s *Session) Append(steps ...Step) (added []Step, skipped []string) {
	seen := make(map[string]bool, len(s.Steps)+len(steps))
	for _, st := range s.Steps {
		seen[st.ID] = true
	}
	for _, st := range steps {
		if seen[st.ID] {
			skipped = append(skipped, st.ID)
			continue
		}
		seen[st.ID] = true
		s.Steps = append(s.Steps, st)
		added = append(added, st)
	}
	return added, skipped
}

// SetComment attaches (or with a nil comment, removes) a reviewer comment.
func (s *Session) SetComment(stepID string, c *Comment) error {
	i := s.Find(stepID)
	if i < 0 {
		return fmt.Errorf("step not found: %s", stepID)
	}
	if c != nil && c.CreatedAt.IsZero() {
		c.CreatedAt = time.Now().UTC()
	}
	s.Steps[i].Comment = c
	return nil
}

// SnapshotPath returns the frozen copy of rel inside the session's snapshot
// directory if one exists.
func (s *Session) SnapshotPath(rel string) (string, bool) {
	dir := s.snapshotDir()
	if dir == "" || rel == "" || filepath.IsAbs(rel) {
		return "", false
	}
	p := filepath.Join(dir, filepath.FromSlash(rel))
	if !isFile(p) {
		return "", false
	}
	return p, true
}

func (s *Session) snapshotDir() string {
	if s.Metadata != nil && s.Metadata.SnapshotDir != "" {
		if filepath.IsAbs(s.Metadata.SnapshotDir) || s.Dir == "" {
			return s.Metadata.SnapshotDir
		}
		return filepath.Join(s.Dir, s.Metadata.SnapshotDir)
	}
	if s.Dir == "" {
		return ""
	}
	return filepath.Join(s.Dir, DefaultSnapshotDir)
}
