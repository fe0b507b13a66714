package speech

import (
	"context"
	"strings"
	"time"

	"github.com/cenkalti/backoff/v5"
	"golang.org/x/sync/errgroup"
)

// Pregeneration tuning. The retry values are not tied to any service SLA.
const (
	pregenerateWorkers  = 2
	pregenerateAttempts = 3
)

var (
	pregenerateInitial = 500 * time.Millisecond
	pregenerateMax     = 5 * time.Second
)

// Pregenerate warms the audio cache for upcoming narrations in the
// background. Failures are logged and never reported to the caller. The
// returned channel closes when all work has finished.
func (s *Speaker) Pregenerate(ctx context.Context, texts []string) <-chan struct{} {
	done := make(chan struct{})
	if !s.opts.Enabled || s.synth == nil || s.cache == nil {
		close(done)
		return done
	}

	go func() {
		defer close(done)
		var g errgroup.Group
		g.SetLimit(pregenerateWorkers)
		for _, text := range texts {
			text = strings.TrimSpace(text)
			if text == "" {
				continue
			}
			g.Go(func() error {
				if err := s.pregenerateOne(ctx, text); err != nil && ctx.Err() == nil {
					s.log.Debug("pregenerate narration", "error", err)
				}
				return nil
			})
		}
		_ = g.Wait()
	}()
	return done
}

func (s *Speaker) pregenerateOne(ctx context.Context, text string) error {
	key := Key(text, s.opts.Voice, s.opts.Speed)
	if _, ok := s.cache.AudioPath(key); ok {
		return nil
	}

	b := backoff.NewExponentialBackOff()
	b.InitialInterval = pregenerateInitial
	b.MaxInterval = pregenerateMax
	b.RandomizationFactor = 0.5

	data, err := backoff.Retry(ctx, func() ([]byte, error) {
		return s.synth.Synthesize(ctx, text, s.opts.Voice, s.opts.Speed)
	}, backoff.WithBackOff(b), backoff.WithMaxTries(pregenerateAttempts))
	if err != nil {
		return err
	}
	_, err = s.cache.StoreAudio(key, data)
	return err
}
