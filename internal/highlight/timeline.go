package highlight

import (
	"sort"
	"strings"

	"github.com/joescharf/tracecast/internal/trace"
)

// EventType is either EventStart or EventEnd.
type EventType string

const (
	EventStart EventType = "start"
	EventEnd   EventType = "end"
)

// Event switches a line's highlight on or off at Time seconds into the audio.
type Event struct {
	Time float64   `json:"time"`
	Type EventType `json:"type"`
	Line int       `json:"line"`
}

// BuildTimeline maps each line reference onto the word timings and returns the
// resulting events sorted by time. At equal times end events sort before start
// events. Phrases are matched in order, each search starting after the previous
// match; a phrase that cannot be found is dropped.
func BuildTimeline(timings []trace.WordTiming, refs []LineRef) []Event {
	words := make([]string, len(timings))
	for i, t := range timings {
		words[i] = normalizeWord(t.Word)
	}

	var events []Event
	cursor := 0
	for _, ref := range refs {
		pw := phraseWords(ref.Phrase)
		if len(pw) == 0 {
			continue
		}
		first := findWord(words, pw[0], cursor)
		if first < 0 {
			continue
		}
		last := first
		if len(pw) > 1 {
			from := min(first+len(pw)-1, len(words)-1)
			last = findWord(words, pw[len(pw)-1], from)
			if last < 0 {
				last = findWord(words, pw[len(pw)-1], first+1)
			}
			if last < 0 {
				continue
			}
		}
		events = append(events,
			Event{Time: timings[first].Start, Type: EventStart, Line: ref.Line},
			Event{Time: timings[last].End, Type: EventEnd, Line: ref.Line},
		)
		cursor = last + 1
	}

	SortEvents(events)
	return events
}

// SortEvents orders events by time, then end before start, then by line.
func SortEvents(events []Event) {
	sort.SliceStable(events, func(i, j int) bool {
		a, b := events[i], events[j]
		if a.Time != b.Time {
			return a.Time < b.Time
		}
		if a.Type != b.Type {
			return a.Type == EventEnd
		}
		return a.Line < b.Line
	})
}

// findWord returns the first index >= from whose word equals target, falling
// back to the first index whose word contains (or is contained in) target.
func findWord(words []string, target string, from int) int {
	if from < 0 {
		from = 0
	}
	for i := from; i < len(words); i++ {
		if words[i] == target {
			return i
		}
	}
	for i := from; i < len(words); i++ {
		if words[i] == "" {
			continue
		}
		if strings.Contains(words[i], target) || strings.Contains(target, words[i]) {
			return i
		}
	}
	return -1
}
