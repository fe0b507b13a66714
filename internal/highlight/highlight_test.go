package highlight

import (
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/joescharf/tracecast/internal/trace"
)

func words(ws ...any) []trace.WordTiming {
	var out []trace.WordTiming
	for i := 0; i+2 < len(ws); i += 3 {
		out = append(out, trace.WordTiming{Word: ws[i].(string), Start: ws[i+1].(float64), End: ws[i+2].(float64)})
	}
	return out
}

func TestParseLineRefs(t *testing.T) {
	t.Run("tags", func(t *testing.T) {
		refs := ParseLineRefs("First <line:10>check this</line:10> then <line:22>look at the return</line:22>.")
		assert.Equal(t, []LineRef{{Line: 10, Phrase: "check this"}, {Line: 22, Phrase: "look at the return"}}, refs)
	})

	t.Run("mismatched tags are ignored", func(t *testing.T) {
		assert.Empty(t, ParseLineRefs("<line:3>oops</line:4>"))
	})

	t.Run("nested tags each keep their own phrase", func(t *testing.T) {
		refs := ParseLineRefs("<line:3>look at <line:4>this call</line:4> here</line:3>")
		assert.Equal(t, []LineRef{
			{Line: 3, Phrase: "look at this call here"},
			{Line: 4, Phrase: "this call"},
		}, refs)
	})

	t.Run("overlapping tags pair by line", func(t *testing.T) {
		refs := ParseLineRefs("<line:3>open <line:4>the</line:3> file</line:4>")
		assert.Equal(t, []LineRef{
			{Line: 3, Phrase: "open the"},
			{Line: 4, Phrase: "the file"},
		}, refs)
	})

	t.Run("legacy markers run to the sentence end", func(t *testing.T) {
		refs := ParseLineRefs("[line:5] open the file. Then [line:9] close it [line:12] and log")
		assert.Equal(t, []LineRef{
			{Line: 5, Phrase: "open the file"},
			{Line: 9, Phrase: "close it"},
			{Line: 12, Phrase: "and log"},
		}, refs)
	})

	t.Run("mixed markers keep text order", func(t *testing.T) {
		refs := ParseLineRefs("[line:1] alpha. <line:2>beta</line:2>")
		require.Len(t, refs, 2)
		assert.Equal(t, 1, refs[0].Line)
		assert.Equal(t, 2, refs[1].Line)
	})
}

func TestStripMarkers(t *testing.T) {
	assert.Equal(t, "check this carefully", StripMarkers("<line:10>check this</line:10> carefully"))
	assert.Equal(t, "open the file.", StripMarkers("[line:5]  open the file."))
	assert.Equal(t, "plain", StripMarkers("plain"))
}

func TestBuildTimeline_SpecExample(t *testing.T) {
	refs := ParseLineRefs("<line:10>check this</line:10> carefully")
	timings := words("check", 2.0, 2.3, "this", 2.3, 2.6, "carefully", 2.6, 3.1)

	got := BuildTimeline(timings, refs)
	assert.Equal(t, []Event{
		{Time: 2.0, Type: EventStart, Line: 10},
		{Time: 2.6, Type: EventEnd, Line: 10},
	}, got)
}

func TestBuildTimeline_EndBeforeStartAtSameTime(t *testing.T) {
	refs := []LineRef{{Line: 1, Phrase: "one two"}, {Line: 2, Phrase: "three"}}
	timings := words("one", 0.0, 0.5, "two", 0.5, 1.0, "three", 1.0, 1.4)

	got := BuildTimeline(timings, refs)
	require.Len(t, got, 4)
	assert.Equal(t, Event{Time: 1.0, Type: EventEnd, Line: 1}, got[1])
	assert.Equal(t, Event{Time: 1.0, Type: EventStart, Line: 2}, got[2])
}

func TestBuildTimeline_ForwardOnlyAndFallbacks(t *testing.T) {
	timings := words(
		"the", 0.0, 0.2,
		"handler's", 0.2, 0.6,
		"returns", 0.6, 0.9,
		"the", 0.9, 1.0,
		"error.", 1.0, 1.5,
	)
	refs := []LineRef{
		{Line: 4, Phrase: "handler"},    // substring match on "handler's"
		{Line: 7, Phrase: "the error"},  // must match the second "the"
		{Line: 9, Phrase: "never said"}, // dropped
	}

	got := BuildTimeline(timings, refs)
	assert.Equal(t, []Event{
		{Time: 0.2, Type: EventStart, Line: 4},
		{Time: 0.6, Type: EventEnd, Line: 4},
		{Time: 0.9, Type: EventStart, Line: 7},
		{Time: 1.5, Type: EventEnd, Line: 7},
	}, got)
}

func TestBuildTimeline_Deterministic(t *testing.T) {
	refs := ParseLineRefs("<line:3>a b</line:3> <line:1>c</line:1> <line:2>d</line:2>")
	timings := words("a", 0.0, 0.1, "b", 0.1, 0.2, "c", 0.2, 0.3, "d", 0.2, 0.3)
	first := BuildTimeline(timings, refs)
	for range 10 {
		assert.Equal(t, first, BuildTimeline(timings, refs))
	}
}

func TestBuildTimeline_NoTimings(t *testing.T) {
	assert.Empty(t, BuildTimeline(nil, []LineRef{{Line: 1, Phrase: "x"}}))
}

type recordingTarget struct {
	mu     sync.Mutex
	frames [][]int
}

func (r *recordingTarget) RenderHighlights(lines []int) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.frames = append(r.frames, lines)
}

func (r *recordingTarget) snapshot() [][]int {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([][]int, len(r.frames))
	copy(out, r.frames)
	return out
}

func TestScheduler_FiresInOrder(t *testing.T) {
	s := NewScheduler()
	target := &recordingTarget{}
	s.Schedule([]Event{
		{Time: 0.01, Type: EventStart, Line: 4},
		{Time: 0.03, Type: EventEnd, Line: 4},
		{Time: 0.03, Type: EventStart, Line: 8},
		{Time: 0.05, Type: EventEnd, Line: 8},
	}, target)

	require.Eventually(t, func() bool { return len(target.snapshot()) == 3 }, time.Second, 5*time.Millisecond)
	assert.Equal(t, [][]int{{4}, {8}, {}}, target.snapshot())
	assert.Empty(t, s.Active())
}

func TestScheduler_NegativeTimeFiresImmediately(t *testing.T) {
	s := NewScheduler()
	target := &recordingTarget{}
	s.Schedule([]Event{{Time: -1, Type: EventStart, Line: 2}}, target)
	require.Eventually(t, func() bool { return len(target.snapshot()) == 1 }, time.Second, 5*time.Millisecond)
	assert.Equal(t, []int{2}, s.Active())
}

func TestScheduler_ClearCancelsPending(t *testing.T) {
	s := NewScheduler()
	target := &recordingTarget{}
	s.Schedule([]Event{{Time: 0.05, Type: EventStart, Line: 1}}, target)
	assert.Equal(t, 1, s.Pending())

	s.Clear()
	assert.Equal(t, 0, s.Pending())
	time.Sleep(100 * time.Millisecond)
	assert.Empty(t, target.snapshot())
}

func TestScheduler_RescheduleReplacesPrevious(t *testing.T) {
	s := NewScheduler()
	old := &recordingTarget{}
	s.Schedule([]Event{{Time: 0.05, Type: EventStart, Line: 1}}, old)

	fresh := &recordingTarget{}
	s.Schedule([]Event{{Time: 0.01, Type: EventStart, Line: 9}}, fresh)

	require.Eventually(t, func() bool { return len(fresh.snapshot()) == 1 }, time.Second, 5*time.Millisecond)
	time.Sleep(80 * time.Millisecond)
	assert.Empty(t, old.snapshot())
	assert.Equal(t, []int{9}, s.Active())
}

func TestScheduler_ZeroValue(t *testing.T) {
	var s Scheduler
	target := &recordingTarget{}
	s.Schedule([]Event{
		{Time: 0, Type: EventStart, Line: 5},
		{Time: 0.02, Type: EventEnd, Line: 5},
	}, target)

	require.Eventually(t, func() bool { return len(target.snapshot()) == 2 }, time.Second, 5*time.Millisecond)
	assert.Equal(t, [][]int{{5}, {}}, target.snapshot())

	var idle Scheduler
	idle.Clear()
	assert.Empty(t, idle.Active())
}

func TestTargetFunc(t *testing.T) {
	var got []int
	TargetFunc(func(lines []int) { got = lines }).RenderHighlights([]int{3})
	assert.Equal(t, []int{3}, got)
}
