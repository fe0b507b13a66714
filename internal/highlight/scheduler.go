package highlight

import (
	"sort"
	"sync"
	"time"
)

// Target receives the full set of currently highlighted lines every time it
// changes.
type Target interface {
	RenderHighlights(lines []int)
}

// TargetFunc adapts a function to Target.
type TargetFunc func(lines []int)

func (f TargetFunc) RenderHighlights(lines []int) { f(lines) }

// Scheduler fires timeline events against a target on the wall clock. The
// zero value is ready to use.
type Scheduler struct {
	mu     sync.Mutex
	gen    uint64
	timers []*time.Timer
	active map[int]bool
}

// NewScheduler creates an idle scheduler.
func NewScheduler() *Scheduler {
	return &Scheduler{active: make(map[int]bool)}
}

// Schedule clears any previous timeline and arms timers relative to now.
// Events sharing a timestamp are applied together, in timeline order, so an
// end and a start at the same instant render once.
func (s *Scheduler) Schedule(events []Event, target Target) {
	sorted := make([]Event, len(events))
	copy(sorted, events)
	SortEvents(sorted)

	s.mu.Lock()
	defer s.mu.Unlock()

	s.clearLocked()
	gen := s.gen
	for i := 0; i < len(sorted); {
		j := i + 1
		for j < len(sorted) && sorted[j].Time == sorted[i].Time {
			j++
		}
		batch := sorted[i:j]
		delay := time.Duration(batch[0].Time * float64(time.Second))
		if delay < 0 {
			delay = 0
		}
		s.timers = append(s.timers, time.AfterFunc(delay, func() {
			s.fire(gen, batch, target)
		}))
		i = j
	}
}

// Clear cancels pending events and empties the active set.
func (s *Scheduler) Clear() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.clearLocked()
}

// Active returns the currently highlighted lines in ascending order.
func (s *Scheduler) Active() []int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.activeLocked()
}

// Pending returns the number of timers armed by the current timeline.
func (s *Scheduler) Pending() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.timers)
}

func (s *Scheduler) clearLocked() {
	for _, t := range s.timers {
		t.Stop()
	}
	s.timers = nil
	s.gen++
	if s.active == nil {
		s.active = make(map[int]bool)
	}
	clear(s.active)
}

func (s *Scheduler) fire(gen uint64, batch []Event, target Target) {
	s.mu.Lock()
	// A timer that already started running when Clear stopped it lands here
	// with an old generation.
	if gen != s.gen {
		s.mu.Unlock()
		return
	}
	if s.active == nil {
		s.active = make(map[int]bool)
	}
	for _, ev := range batch {
		switch ev.Type {
		case EventStart:
			s.active[ev.Line] = true
		case EventEnd:
			delete(s.active, ev.Line)
		}
	}
	lines := s.activeLocked()
	s.mu.Unlock()

	target.RenderHighlights(lines)
}

func (s *Scheduler) activeLocked() []int {
	lines := make([]int, 0, len(s.active))
	for l := range s.active {
		lines = append(lines, l)
	}
	sort.Ints(lines)
	return lines
}
