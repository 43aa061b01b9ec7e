// Package sink delivers finished match results to every configured backend.
package sink

import (
	"context"
	"errors"
	"sync"

	"github.com/rotisserie/eris"
	"github.com/rs/zerolog"

	"github.com/mauricedolibois/rallyduel/backend/match"
)

// Target is a named result destination.
type Target struct {
	Name string
	Sink match.ResultSink
}

// Fanout persists each result to all targets concurrently. A failing target
// does not stop the others.
type Fanout struct {
	targets []Target
	logger  zerolog.Logger
}

func NewFanout(logger zerolog.Logger, targets ...Target) *Fanout {
	live := make([]Target, 0, len(targets))
	for _, t := range targets {
		if t.Sink != nil {
			live = append(live, t)
		}
	}
	return &Fanout{targets: live, logger: logger.With().Str("component", "sink").Logger()}
}

func (f *Fanout) Targets() []string {
	names := make([]string, len(f.targets))
	for i, t := range f.targets {
		names[i] = t.Name
	}
	return names
}

func (f *Fanout) Persist(ctx context.Context, res match.Result) error {
	var (
		wg   sync.WaitGroup
		mu   sync.Mutex
		errs []error
	)
	for _, t := range f.targets {
		wg.Add(1)
		go func(t Target) {
			defer wg.Done()
			if err := t.Sink.Persist(ctx, res); err != nil {
				f.logger.Error().Err(err).Str("target", t.Name).Str("match_id", res.MatchID).Msg("result delivery failed")
				mu.Lock()
				errs = append(errs, eris.Wrapf(err, "%s", t.Name))
				mu.Unlock()
			}
		}(t)
	}
	wg.Wait()
	return errors.Join(errs...)
}
