package match

import (
	"context"
	"runtime"
	"time"

	"github.com/jonboulle/clockwork"
	"github.com/rs/zerolog"
	"golang.org/x/sync/errgroup"
)

// Scheduler drives every playing match from one fixed-rate ticker. Paused and
// completed matches are not in the playing set and cost nothing per tick.
type Scheduler struct {
	registry    *Registry
	clock       clockwork.Clock
	interval    time.Duration
	parallelism int
	logger      zerolog.Logger
}

func NewScheduler(registry *Registry, tickRate int, clock clockwork.Clock, logger zerolog.Logger) *Scheduler {
	if tickRate <= 0 {
		tickRate = 60
	}
	return &Scheduler{
		registry:    registry,
		clock:       clock,
		interval:    time.Second / time.Duration(tickRate),
		parallelism: runtime.GOMAXPROCS(0),
		logger:      logger.With().Str("component", "scheduler").Logger(),
	}
}

// Run ticks until ctx is cancelled.
func (s *Scheduler) Run(ctx context.Context) error {
	ticker := s.clock.NewTicker(s.interval)
	defer ticker.Stop()

	s.logger.Info().Dur("interval", s.interval).Msg("scheduler started")
	for {
		select {
		case <-ctx.Done():
			s.logger.Info().Msg("scheduler stopped")
			return nil
		case <-ticker.Chan():
			s.TickAll()
		}
	}
}

// TickAll steps every playing match once. Matches are independent and run in
// parallel; the call returns when all of them are done so per-match frames
// stay ordered across ticks.
func (s *Scheduler) TickAll() {
	matches := s.registry.playingMatches()
	if len(matches) == 0 {
		return
	}
	now := s.clock.Now()

	var g errgroup.Group
	g.SetLimit(s.parallelism)
	for _, m := range matches {
		g.Go(func() error {
			s.step(m, now)
			return nil
		})
	}
	_ = g.Wait()
}

func (s *Scheduler) step(m *Match, now time.Time) {
	defer func() {
		if rec := recover(); rec != nil {
			s.logger.Error().
				Str("match_id", m.ID).
				Interface("panic", rec).
				Msg("match step panicked, aborting match")
			if err := s.registry.EndMatch(m.ID, ReasonAdminAbort); err != nil {
				s.logger.Error().Err(err).Str("match_id", m.ID).Msg("failed to abort match")
			}
		}
	}()
	s.registry.advance(m, now)
}
