package trace

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func sampleSteps() []Step {
	return []Step{
		{ID: "s1", Type: StepSectionStart, Title: "Auth flow"},
		{ID: "s2", Type: StepOpenFile, Title: "Open handler", FilePath: "internal/auth/handler.go", Narration: "This is the login handler."},
		{ID: "s3", Type: StepHighlightRange, Title: "Token check", FilePath: "internal/auth/handler.go",
			Range: &Range{StartLine: 10, EndLine: 14}, Narration: "<line:12>check the token</line:12> before anything else",
			Metadata: map[string]any{"risk": "low"}},
		{ID: "s4", Type: StepSay, Title: "Wrap up", Narration: "That is the whole flow."},
		{ID: "s5", Type: StepSectionEnd, Title: "Auth flow"},
	}
}

func TestValidate(t *testing.T) {
	tests := []struct {
		name  string
		step  Step
		field string
	}{
		{"valid say", Step{ID: "a", Type: StepSay}, ""},
		{"missing id", Step{Type: StepSay}, "id"},
		{"missing type", Step{ID: "a"}, "type"},
		{"unknown type", Step{ID: "a", Type: "dance"}, "type"},
		{"open file without path", Step{ID: "a", Type: StepOpenFile}, "filePath"},
		{"highlight without range", Step{ID: "a", Type: StepHighlightRange, FilePath: "x.go"}, "range"},
		{"zero start line", Step{ID: "a", Type: StepHighlightRange, FilePath: "x.go", Range: &Range{StartLine: 0, EndLine: 2}}, "range.startLine"},
		{"inverted range", Step{ID: "a", Type: StepShowDiff, FilePath: "x.go", Range: &Range{StartLine: 5, EndLine: 2}}, "range.endLine"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := Validate(tt.step)
			if tt.field == "" {
				assert.NoError(t, err)
				return
			}
			var verr *ValidationError
			require.ErrorAs(t, err, &verr)
			assert.Equal(t, tt.field, verr.Field)
		})
	}
}

func TestParse_SkipsBadLines(t *testing.T) {
	input := strings.Join([]string{
		`{"id":"a","type":"say","title":"one","narration":"hello"}`,
		`{not json`,
		``,
		`{"id":"b","type":"explode","title":"bad type"}`,
		`{"id":"c","type":"openFile","title":"open","filePath":"main.go"}`,
		`{"id":"a","type":"say","title":"dup"}`,
	}, "\n")

	sess, warnings, err := Parse(strings.NewReader(input))
	require.NoError(t, err)
	require.Len(t, sess.Steps, 2)
	assert.Equal(t, "a", sess.Steps[0].ID)
	assert.Equal(t, "c", sess.Steps[1].ID)

	require.Len(t, warnings, 3)
	assert.Equal(t, 2, warnings[0].Line)
	assert.Equal(t, 4, warnings[1].Line)
	assert.Equal(t, 6, warnings[2].Line)
}

func TestParse_InlineMetadata(t *testing.T) {
	input := `{"agent":"claude","commit":"abc123"}
{"id":"a","type":"say","title":"one"}
{"agent":"late"}
`
	sess, warnings, err := Parse(strings.NewReader(input))
	require.NoError(t, err)
	require.NotNil(t, sess.Metadata)
	assert.Equal(t, "claude", sess.Metadata.Agent)
	assert.Equal(t, "abc123", sess.Metadata.Commit)
	assert.Len(t, sess.Steps, 1)
	require.Len(t, warnings, 1)
	assert.Equal(t, 3, warnings[0].Line)
}

func TestSaveLoad_RoundTrip(t *testing.T) {
	dir := t.TempDir()
	orig := &Session{
		Steps:    sampleSteps(),
		Metadata: &Metadata{Agent: "claude", Commit: "deadbeef", Timestamp: "2026-01-02T03:04:05Z"},
		Summary:  "Walks through the auth flow.",
	}
	require.NoError(t, Save(dir, orig))

	got, warnings, err := Load(dir)
	require.NoError(t, err)
	assert.Empty(t, warnings)
	assert.Equal(t, orig.Steps, got.Steps)
	assert.Equal(t, orig.Metadata, got.Metadata)
	assert.Equal(t, orig.Summary, got.Summary)
	assert.Equal(t, dir, got.Dir)
}

func TestWriteFile_InlineMetadata(t *testing.T) {
	path := filepath.Join(t.TempDir(), "walkthrough.jsonl")
	steps := sampleSteps()
	steps[3].Comment = &Comment{Body: "reword this", CreatedAt: time.Date(2026, 1, 2, 0, 0, 0, 0, time.UTC)}
	orig := &Session{Steps: steps, Metadata: &Metadata{Agent: "claude", Title: "Auth"}}
	require.NoError(t, WriteFile(path, orig))

	got, warnings, err := Load(path)
	require.NoError(t, err)
	assert.Empty(t, warnings)
	assert.Equal(t, orig.Steps, got.Steps)
	assert.Equal(t, orig.Metadata, got.Metadata)

	// Without metadata only steps are written.
	require.NoError(t, WriteFile(path, &Session{Steps: steps[:1], Metadata: &Metadata{}}))
	data, err := os.ReadFile(path)
	require.NoError(t, err)
	assert.Equal(t, 1, strings.Count(string(data), "\n"))
}

func TestLoad_InlineMetadataWinsOverFile(t *testing.T) {
	dir := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(dir, TraceFile),
		[]byte(`{"agent":"inline"}`+"\n"+`{"id":"a","type":"say","title":"x"}`+"\n"), 0o644))
	require.NoError(t, os.WriteFile(filepath.Join(dir, MetadataFile), []byte(`{"agent":"file"}`), 0o644))

	sess, _, err := Load(filepath.Join(dir, TraceFile))
	require.NoError(t, err)
	require.NotNil(t, sess.Metadata)
	assert.Equal(t, "inline", sess.Metadata.Agent)
}

func TestLoad_SiblingMetadata(t *testing.T) {
	dir := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(dir, TraceFile), []byte(`{"id":"a","type":"say","title":"x"}`+"\n"), 0o644))
	require.NoError(t, os.WriteFile(filepath.Join(dir, MetadataFile), []byte(`{"agent":"file"}`), 0o644))

	sess, _, err := Load(dir)
	require.NoError(t, err)
	require.NotNil(t, sess.Metadata)
	assert.Equal(t, "file", sess.Metadata.Agent)
}

func TestLoad_Missing(t *testing.T) {
	_, _, err := Load(filepath.Join(t.TempDir(), "nope.jsonl"))
	assert.Error(t, err)
}

func TestSession_Append(t *testing.T) {
	s := &Session{Steps: sampleSteps()[:2]}
	added, skipped := s.Append(Step{ID: "s2", Type: StepSay}, Step{ID: "s9", Type: StepSay}, Step{ID: "s9", Type: StepSay})
	assert.Len(t, added, 1)
	assert.Equal(t, []string{"s2", "s9"}, skipped)
	assert.Equal(t, 3, s.Len())
}

func TestSession_SetComment(t *testing.T) {
	s := &Session{Steps: sampleSteps()}
	require.NoError(t, s.SetComment("s3", &Comment{Body: "why not cache this?", Author: "joe"}))
	require.NotNil(t, s.Steps[2].Comment)
	assert.False(t, s.Steps[2].Comment.CreatedAt.IsZero())

	require.NoError(t, s.SetComment("s3", nil))
	assert.Nil(t, s.Steps[2].Comment)

	assert.Error(t, s.SetComment("missing", &Comment{Body: "x"}))
}

func TestSession_SnapshotPath(t *testing.T) {
	dir := t.TempDir()
	snap := filepath.Join(dir, DefaultSnapshotDir, "internal", "auth")
	require.NoError(t, os.MkdirAll(snap, 0o755))
	require.NoError(t, os.WriteFile(filepath.Join(snap, "handler.go"), []byte("package auth\n"), 0o644))

	s := &Session{Dir: dir}
	p, ok := s.SnapshotPath("internal/auth/handler.go")
	require.True(t, ok)
	assert.Equal(t, filepath.Join(snap, "handler.go"), p)

	_, ok = s.SnapshotPath("internal/auth/missing.go")
	assert.False(t, ok)

	s.Metadata = &Metadata{SnapshotDir: "elsewhere"}
	_, ok = s.SnapshotPath("internal/auth/handler.go")
	assert.False(t, ok)
}

func TestStep_HasNarration(t *testing.T) {
	assert.False(t, Step{}.HasNarration())
	assert.False(t, Step{Narration: " \n\t"}.HasNarration())
	assert.True(t, Step{Narration: "hi"}.HasNarration())
}

func TestComment_TimestampPreserved(t *testing.T) {
	s := &Session{Steps: sampleSteps()}
	at := time.Date(2026, 3, 1, 10, 0, 0, 0, time.UTC)
	require.NoError(t, s.SetComment("s1", &Comment{Body: "ok", CreatedAt: at}))
	assert.Equal(t, at, s.Steps[0].Comment.CreatedAt)
}
