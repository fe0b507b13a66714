package trace

import (
	"bufio"
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
)

// File names used inside a trace directory.
const (
	TraceFile          = "trace.jsonl"
	MetadataFile       = "metadata.json"
	SummaryFile        = "summary.md"
	DefaultSnapshotDir = "snapshot"
)

// Warning reports a trace line that was skipped.
type Warning struct {
	Line int
	Err  error
}

func (w Warning) Error() string {
	return fmt.Sprintf("line %d: %v", w.Line, w.Err)
}

var metadataKeys = []string{"agent", "timestamp", "commit", "snapshotDir", "title"}

// Parse reads a newline-delimited trace. Each line is decoded and validated
// on its own; bad lines become warnings and are skipped. A metadata-only
// object before the first step is taken as inline session metadata.
func Parse(r io.Reader) (*Session, []Warning, error) {
	scanner := bufio.NewScanner(r)
	scanner.Buffer(make([]byte, 0, 64*1024), 8*1024*1024)

	sess := &Session{}
	seen := make(map[string]bool)
	var warnings []Warning
	warn := func(line int, err error) {
		slog.Warn("skipping trace line", "line", line, "error", err)
		warnings = append(warnings, Warning{Line: line, Err: err})
	}

	lineNo := 0
	for scanner.Scan() {
		lineNo++
		raw := bytes.TrimSpace(scanner.Bytes())
		if len(raw) == 0 {
			continue
		}

		var fields map[string]json.RawMessage
		if err := json.Unmarshal(raw, &fields); err != nil {
			warn(lineNo, fmt.Errorf("malformed JSON: %w", err))
			continue
		}

		_, hasID := fields["id"]
		_, hasType := fields["type"]
		if !hasID && !hasType && hasAnyKey(fields, metadataKeys) {
			if len(sess.Steps) > 0 || sess.Metadata != nil {
				warn(lineNo, errors.New("metadata record must precede steps"))
				continue
			}
			var m Metadata
			if err := json.Unmarshal(raw, &m); err != nil {
				warn(lineNo, fmt.Errorf("malformed metadata: %w", err))
				continue
			}
			sess.Metadata = &m
			continue
		}

		var st Step
		if err := json.Unmarshal(raw, &st); err != nil {
			warn(lineNo, fmt.Errorf("malformed step: %w", err))
			continue
		}
		if err := Validate(st); err != nil {
			warn(lineNo, err)
			continue
		}
		if seen[st.ID] {
			warn(lineNo, fmt.Errorf("duplicate step id %q", st.ID))
			continue
		}
		seen[st.ID] = true
		sess.Steps = append(sess.Steps, st)
	}
	if err := scanner.Err(); err != nil {
		return nil, warnings, fmt.Errorf("read trace: %w", err)
	}
	return sess, warnings, nil
}

func hasAnyKey(m map[string]json.RawMessage, keys []string) bool {
	for _, k := range keys {
		if _, ok := m[k]; ok {
			return true
		}
	}
	return false
}

// Load reads a trace from path, which may be a trace file or a directory
// containing trace.jsonl. Sibling metadata.json is used only when the trace
// carries no inline metadata; sibling summary.md fills the summary.
func Load(path string) (*Session, []Warning, error) {
	tracePath := path
	if info, err := os.Stat(path); err != nil {
		return nil, nil, fmt.Errorf("stat trace: %w", err)
	} else if info.IsDir() {
		tracePath = filepath.Join(path, TraceFile)
	}

	f, err := os.Open(tracePath)
	if err != nil {
		return nil, nil, fmt.Errorf("open trace: %w", err)
	}
	defer func() { _ = f.Close() }()

	sess, warnings, err := Parse(f)
	if err != nil {
		return nil, warnings, err
	}
	dir := filepath.Dir(tracePath)
	if abs, err := filepath.Abs(dir); err == nil {
		dir = abs
	}
	sess.Dir = dir

	if sess.Metadata == nil {
		m, err := readMetadata(filepath.Join(dir, MetadataFile))
		if err != nil {
			slog.Warn("ignoring metadata file", "path", filepath.Join(dir, MetadataFile), "error", err)
		}
		sess.Metadata = m
	}

	if data, err := os.ReadFile(filepath.Join(dir, SummaryFile)); err == nil {
		sess.Summary = strings.TrimSpace(string(data))
	}

	return sess, warnings, nil
}

func readMetadata(path string) (*Metadata, error) {
	data, err := os.ReadFile(path)
	if errors.Is(err, os.ErrNotExist) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	var m Metadata
	if err := json.Unmarshal(data, &m); err != nil {
		return nil, fmt.Errorf("parse metadata: %w", err)
	}
	return &m, nil
}

// Save writes the session into dir as trace.jsonl, metadata.json and, when
// there is one, summary.md.
func Save(dir string, s *Session) error {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return fmt.Errorf("create trace directory: %w", err)
	}

	data, err := encodeSteps(nil, s.Steps)
	if err != nil {
		return err
	}
	if err := writeFileAtomic(filepath.Join(dir, TraceFile), data); err != nil {
		return err
	}

	if s.Metadata != nil {
		data, err := json.MarshalIndent(s.Metadata, "", "  ")
		if err != nil {
			return fmt.Errorf("encode metadata: %w", err)
		}
		if err := writeFileAtomic(filepath.Join(dir, MetadataFile), append(data, '\n')); err != nil {
			return err
		}
	}

	if s.Summary != "" {
		if err := writeFileAtomic(filepath.Join(dir, SummaryFile), []byte(s.Summary+"\n")); err != nil {
			return err
		}
	}
	return nil
}

// WriteFile writes the session as a single trace file at path, with its
// metadata inline on the first line.
func WriteFile(path string, s *Session) error {
	var meta *Metadata
	if s.Metadata != nil && !s.Metadata.IsZero() {
		meta = s.Metadata
	}
	data, err := encodeSteps(meta, s.Steps)
	if err != nil {
		return err
	}
	return writeFileAtomic(path, data)
}

func encodeSteps(meta *Metadata, steps []Step) ([]byte, error) {
	var buf bytes.Buffer
	enc := json.NewEncoder(&buf)
	enc.SetEscapeHTML(false)
	if meta != nil {
		if err := enc.Encode(meta); err != nil {
			return nil, fmt.Errorf("encode metadata: %w", err)
		}
	}
	for _, st := range steps {
		if err := enc.Encode(st); err != nil {
			return nil, fmt.Errorf("encode step %s: %w", st.ID, err)
		}
	}
	return buf.Bytes(), nil
}

func writeFileAtomic(path string, data []byte) error {
	tmp, err := os.CreateTemp(filepath.Dir(path), "."+filepath.Base(path)+".*")
	if err != nil {
		return fmt.Errorf("write %s: %w", filepath.Base(path), err)
	}
	if _, err := tmp.Write(data); err != nil {
		_ = tmp.Close()
		_ = os.Remove(tmp.Name())
		return fmt.Errorf("write %s: %w", filepath.Base(path), err)
	}
	if err := tmp.Close(); err != nil {
		_ = os.Remove(tmp.Name())
		return fmt.Errorf("write %s: %w", filepath.Base(path), err)
	}
	if err := os.Rename(tmp.Name(), path); err != nil {
		_ = os.Remove(tmp.Name())
		return fmt.Errorf("write %s: %w", filepath.Base(path), err)
	}
	return nil
}

func isFile(path string) bool {
	info, err := os.Stat(path)
	return err == nil && !info.IsDir()
}
