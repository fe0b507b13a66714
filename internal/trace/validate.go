package trace

import (
	"fmt"
	"strings"
)

// ValidationError describes why a step or metadata record was rejected.
type ValidationError struct {
	Field  string
	Reason string
}

func (e *ValidationError) Error() string {
	if e.Field == "" {
		return "invalid step: " + e.Reason
	}
	return fmt.Sprintf("invalid step: %s %s", e.Field, e.Reason)
}

func invalid(field, reason string) error {
	return &ValidationError{Field: field, Reason: reason}
}

// Validate checks a step against the schema. Optional fields are only
// required where the step type makes them meaningful.
func Validate(s Step) error {
	if strings.TrimSpace(s.ID) == "" {
		return invalid("id", "is required")
	}
	if s.Type == "" {
		return invalid("type", "is required")
	}
	if !s.Type.Valid() {
		return invalid("type", fmt.Sprintf("%q is not a known step type", s.Type))
	}
	if s.Type.NeedsFile() && strings.TrimSpace(s.FilePath) == "" {
		return invalid("filePath", fmt.Sprintf("is required for %s", s.Type))
	}
	if s.Type == StepHighlightRange && s.Range == nil {
		return invalid("range", "is required for highlightRange")
	}
	if s.Range != nil {
		if err := validateRange(*s.Range); err != nil {
			return err
		}
	}
	return nil
}

func validateRange(r Range) error {
	if r.StartLine < 1 {
		return invalid("range.startLine", "must be >= 1")
	}
	if r.EndLine < r.StartLine {
		return invalid("range.endLine", "must be >= startLine")
	}
	if r.StartColumn < 0 || r.EndColumn < 0 {
		return invalid("range", "columns must be >= 1 when set")
	}
	return nil
}
