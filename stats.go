package main

import (
	"context"
	"sync/atomic"
	"time"

	"github.com/go-co-op/gocron/v2"
	"github.com/jonboulle/clockwork"
	"github.com/rotisserie/eris"
	"github.com/rs/zerolog"

	"github.com/mauricedolibois/rallyduel/backend/match"
	"github.com/mauricedolibois/rallyduel/backend/matchmaking"
	"github.com/mauricedolibois/rallyduel/backend/redisstore"
	"github.com/mauricedolibois/rallyduel/backend/session"
)

// statsReporter snapshots pod counters and mirrors them to Redis.
type statsReporter struct {
	mgr         *session.Manager
	queue       *matchmaking.Queue
	registry    *match.Registry
	store       *redisstore.Store
	clock       clockwork.Clock
	resultsSeen atomic.Int64
	logger      zerolog.Logger
}

func newStatsReporter(mgr *session.Manager, queue *matchmaking.Queue, registry *match.Registry, store *redisstore.Store, clock clockwork.Clock, logger zerolog.Logger) *statsReporter {
	return &statsReporter{
		mgr:      mgr,
		queue:    queue,
		registry: registry,
		store:    store,
		clock:    clock,
		logger:   logger.With().Str("component", "stats").Logger(),
	}
}

// observe counts results published by any pod.
func (s *statsReporter) observe(res match.Result) {
	s.resultsSeen.Add(1)
	s.logger.Debug().Str("match_id", res.MatchID).Str("reason", string(res.Reason)).Msg("match result observed")
}

func (s *statsReporter) snapshot() redisstore.Stats {
	live, playing := s.registry.Counts()
	return redisstore.Stats{
		Connections:    s.mgr.Connections(),
		Queued:         s.queue.Len(),
		LiveMatches:    live,
		PlayingMatches: playing,
		ResultsSeen:    s.resultsSeen.Load(),
		At:             s.clock.Now(),
	}
}

func (s *statsReporter) report(ctx context.Context) {
	st := s.snapshot()
	ev := s.logger.Info().
		Int("connections", st.Connections).
		Int("queued", st.Queued).
		Int("live_matches", st.LiveMatches).
		Int("playing_matches", st.PlayingMatches).
		Int64("results_seen", st.ResultsSeen)
	if total, err := s.store.QueuedCount(ctx); err == nil {
		ev = ev.Int64("queued_cluster", total)
	}
	ev.Msg("pod stats")

	if err := s.store.WriteStats(ctx, st); err != nil {
		s.logger.Warn().Err(err).Msg("failed to write stats")
	}
}

// start schedules report every interval. The returned scheduler must be shut
// down by the caller.
func (s *statsReporter) start(ctx context.Context, interval time.Duration) (gocron.Scheduler, error) {
	sched, err := gocron.NewScheduler(gocron.WithClock(s.clock))
	if err != nil {
		return nil, eris.Wrap(err, "create stats scheduler")
	}
	_, err = sched.NewJob(
		gocron.DurationJob(interval),
		gocron.NewTask(func() { s.report(ctx) }),
		gocron.WithSingletonMode(gocron.LimitModeReschedule),
	)
	if err != nil {
		_ = sched.Shutdown()
		return nil, eris.Wrap(err, "schedule stats job")
	}
	sched.Start()
	return sched, nil
}
