package speech

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"strings"
	"sync"
	"time"

	"github.com/joescharf/tracecast/internal/notify"
	"github.com/joescharf/tracecast/internal/trace"
)

// ErrNotConfigured is returned when narration is enabled but no synthesizer
// is available.
var ErrNotConfigured = errors.New("speech synthesis is not configured")

const recentCompletions = 16

type request struct {
	id     int64
	stepID string
	ctx    context.Context
	cancel context.CancelFunc
	once   sync.Once
}

// Speaker owns the current speech request. Starting a request always stops
// the previous one first.
type Speaker struct {
	synth       Synthesizer
	transcriber Transcriber
	player      Player
	cache       *Cache
	warn        Warner
	log         *slog.Logger
	opts        Options

	base       context.Context
	cancelBase context.CancelFunc

	// speakMu serializes Speak/Stop so that stopping the old request and
	// issuing the next id happen as one step.
	speakMu sync.Mutex

	mu      sync.Mutex
	nextID  int64
	current *request
	recent  []Completion

	completions notify.Broadcaster[Completion]
}

// Config wires a Speaker's collaborators. Any of Synth, Transcriber, Player
// and Cache may be nil; the speaker degrades accordingly.
type Config struct {
	Synth       Synthesizer
	Transcriber Transcriber
	Player      Player
	Cache       *Cache
	Warner      Warner
	Logger      *slog.Logger
	Options     Options
}

// NewSpeaker creates a speaker.
func NewSpeaker(cfg Config) *Speaker {
	cfg.Options.defaults()
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	base, cancel := context.WithCancel(context.Background())
	return &Speaker{
		synth:       cfg.Synth,
		transcriber: cfg.Transcriber,
		player:      cfg.Player,
		cache:       cfg.Cache,
		warn:        cfg.Warner,
		log:         cfg.Logger,
		opts:        cfg.Options,
		base:        base,
		cancelBase:  cancel,
	}
}

// Options returns the speaker's effective options.
func (s *Speaker) Options() Options { return s.opts }

// Speak starts narrating text for stepID and returns the new request id.
func (s *Speaker) Speak(text, stepID string) int64 {
	return s.SpeakWithTimings(text, stepID, nil)
}

// SpeakWithTimings is Speak, but also fetches word timings and passes them to
// onTimings before playback begins. onTimings receives an empty slice when
// timings are unavailable and is not called if the request goes stale.
//
// Completion subscribers run synchronously during a later Speak or Stop, so
// they must not call Speak or Stop themselves.
func (s *Speaker) SpeakWithTimings(text, stepID string, onTimings func([]trace.WordTiming)) int64 {
	s.speakMu.Lock()
	defer s.speakMu.Unlock()

	s.stopCurrent()

	s.mu.Lock()
	s.nextID++
	ctx, cancel := context.WithCancel(s.base)
	req := &request{id: s.nextID, stepID: stepID, ctx: ctx, cancel: cancel}
	s.current = req
	s.mu.Unlock()

	go s.run(req, text, onTimings)
	return req.id
}

// Stop halts the current request, which completes as cancelled.
func (s *Speaker) Stop() {
	s.speakMu.Lock()
	defer s.speakMu.Unlock()
	s.stopCurrent()
}

// Close stops playback and releases the speaker.
func (s *Speaker) Close() {
	s.Stop()
	s.cancelBase()
}

// CurrentRequestID returns the id of the most recently started request.
func (s *Speaker) CurrentRequestID() int64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.nextID
}

// OnComplete subscribes to request completions.
func (s *Speaker) OnComplete(fn func(Completion)) (unsubscribe func()) {
	return s.completions.Subscribe(fn)
}

// Completed reports the completion of a recent request, if it has completed.
func (s *Speaker) Completed(id int64) (Completion, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, c := range s.recent {
		if c.RequestID == id {
			return c, true
		}
	}
	return Completion{}, false
}

func (s *Speaker) stopCurrent() {
	s.mu.Lock()
	req := s.current
	s.mu.Unlock()
	if req == nil {
		return
	}
	req.cancel()
	s.finish(req, true)
}

// finish publishes req's completion exactly once.
func (s *Speaker) finish(req *request, cancelled bool) {
	req.once.Do(func() {
		c := Completion{RequestID: req.id, StepID: req.stepID, Cancelled: cancelled}
		s.mu.Lock()
		if s.current == req {
			s.current = nil
		}
		s.recent = append(s.recent, c)
		if len(s.recent) > recentCompletions {
			s.recent = s.recent[len(s.recent)-recentCompletions:]
		}
		s.mu.Unlock()
		req.cancel()
		s.completions.Publish(c)
	})
}

func (s *Speaker) isCurrent(req *request) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.current == req && req.ctx.Err() == nil
}

func (s *Speaker) run(req *request, text string, onTimings func([]trace.WordTiming)) {
	defer func() {
		if r := recover(); r != nil {
			s.log.Error("speech request panicked", "request", req.id, "panic", r)
			s.finish(req, true)
		}
	}()

	text = strings.TrimSpace(text)
	if text == "" {
		s.finish(req, false)
		return
	}

	if !s.opts.Enabled || s.player == nil {
		s.runSilent(req, text, onTimings)
		return
	}

	key := Key(text, s.opts.Voice, s.opts.Speed)
	audioPath, err := s.audio(req.ctx, key, text)
	if err != nil {
		if req.ctx.Err() == nil {
			s.log.Warn("speech generation failed", "step", req.stepID, "error", err)
			if s.warn != nil {
				s.warn.Warning("Narration unavailable for step %s: %v", req.stepID, err)
			}
		}
		s.finish(req, true)
		return
	}
	if s.cache == nil {
		defer func() { _ = os.Remove(audioPath) }()
	}

	var timings []trace.WordTiming
	if onTimings != nil {
		timings = s.timings(req.ctx, key, audioPath)
	}

	if !s.isCurrent(req) {
		s.finish(req, true)
		return
	}
	if onTimings != nil {
		onTimings(timings)
	}

	err = s.player.Play(req.ctx, audioPath)
	cancelled := req.ctx.Err() != nil
	if err != nil && !cancelled {
		s.log.Warn("audio playback failed", "step", req.stepID, "error", err)
	}
	s.finish(req, cancelled)
}

// runSilent paces an unvoiced request at reading speed so autoplay keeps its
// rhythm. Nothing was spoken, so no word timings are reported and highlights
// stay off.
func (s *Speaker) runSilent(req *request, text string, onTimings func([]trace.WordTiming)) {
	if onTimings != nil {
		if !s.isCurrent(req) {
			s.finish(req, true)
			return
		}
		onTimings(nil)
	}

	timings := EstimateTimings(text, s.opts.Speed)
	var d time.Duration
	if n := len(timings); n > 0 {
		d = time.Duration(timings[n-1].End * float64(time.Second))
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-req.ctx.Done():
		s.finish(req, true)
	case <-t.C:
		s.finish(req, false)
	}
}

func (s *Speaker) audio(ctx context.Context, key, text string) (string, error) {
	if s.cache != nil {
		if p, ok := s.cache.AudioPath(key); ok {
			return p, nil
		}
	}
	if s.synth == nil {
		return "", ErrNotConfigured
	}
	data, err := s.synth.Synthesize(ctx, text, s.opts.Voice, s.opts.Speed)
	if err != nil {
		return "", fmt.Errorf("synthesize: %w", err)
	}
	if s.cache == nil {
		return writeTempAudio(data)
	}
	return s.cache.StoreAudio(key, data)
}

// timings returns cached or freshly transcribed word timings. Any failure
// yields nil: highlights degrade, playback does not.
func (s *Speaker) timings(ctx context.Context, key, audioPath string) []trace.WordTiming {
	if s.cache != nil {
		if t, ok := s.cache.Timings(key); ok {
			return t
		}
	}
	if s.transcriber == nil {
		return nil
	}
	data, err := os.ReadFile(audioPath)
	if err != nil {
		s.log.Debug("read audio for transcription", "error", err)
		return nil
	}
	t, err := s.transcriber.Transcribe(ctx, data)
	if err != nil {
		s.log.Debug("transcription failed, highlights disabled for this step", "error", err)
		return nil
	}
	if s.cache != nil {
		if err := s.cache.StoreTimings(key, t); err != nil {
			s.log.Debug("cache timings", "error", err)
		}
	}
	return t
}

func writeTempAudio(data []byte) (string, error) {
	f, err := os.CreateTemp("", "tracecast-*.mp3")
	if err != nil {
		return "", err
	}
	defer func() { _ = f.Close() }()
	if _, err := f.Write(data); err != nil {
		return "", err
	}
	return f.Name(), nil
}
