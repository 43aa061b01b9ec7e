package main

import (
	"context"
	"errors"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/goccy/go-json"
	"github.com/jonboulle/clockwork"
	"github.com/rotisserie/eris"
	"github.com/rs/zerolog"
	"golang.org/x/sync/errgroup"

	"github.com/mauricedolibois/rallyduel/backend/config"
	"github.com/mauricedolibois/rallyduel/backend/db"
	"github.com/mauricedolibois/rallyduel/backend/match"
	"github.com/mauricedolibois/rallyduel/backend/matchmaking"
	"github.com/mauricedolibois/rallyduel/backend/mocks"
	"github.com/mauricedolibois/rallyduel/backend/redisstore"
	"github.com/mauricedolibois/rallyduel/backend/session"
	"github.com/mauricedolibois/rallyduel/backend/sink"
)

const shutdownTimeout = 10 * time.Second

// Response structure for API endpoints
type Response struct {
	Message string `json:"message"`
	Status  string `json:"status"`
	Pod     string `json:"pod,omitempty"`
}

// app holds the wired server components.
type app struct {
	cfg       config.Config
	queue     *matchmaking.Queue
	registry  *match.Registry
	scheduler *match.Scheduler
	mgr       *session.Manager
	redis     *redisstore.Store
	stats     *statsReporter
	ws        *wsHandler
	logger    zerolog.Logger
}

// newApp wires the core components. ctx bounds the lifetime of websocket
// message handling.
func newApp(ctx context.Context, cfg config.Config, clock clockwork.Clock, store db.Store, redis *redisstore.Store, results match.ResultSink, logger zerolog.Logger) *app {
	dir := session.NewDirectory()
	out := session.NewBroadcaster(dir, logger)

	mcfg := match.DefaultConfig()
	mcfg.StartDelay = cfg.StartDelay()
	mcfg.CountdownSeconds = cfg.CountdownSeconds
	mcfg.GracePeriod = cfg.GracePeriod()
	registry := match.NewRegistry(mcfg,
		match.WithClock(clock),
		match.WithLogger(logger),
		match.WithNotifier(out),
		match.WithResultSink(results),
	)

	qcfg := matchmaking.DefaultConfig()
	qcfg.ExpansionInterval = cfg.ExpansionInterval()
	queue := matchmaking.NewQueue(qcfg, registry,
		matchmaking.WithClock(clock),
		matchmaking.WithLogger(logger),
		matchmaking.WithActiveChecker(registry),
		matchmaking.WithNotifier(out),
		matchmaking.WithMirror(redis),
	)

	mgr := session.NewManager(dir, out, queue, registry, db.NewProfiles(store, logger), clock, logger)
	registry.Subscribe(mgr.OnMatchEvent)

	return &app{
		cfg:       cfg,
		queue:     queue,
		registry:  registry,
		scheduler: match.NewScheduler(registry, cfg.TickRate, clock, logger),
		mgr:       mgr,
		redis:     redis,
		stats:     newStatsReporter(mgr, queue, registry, redis, clock, logger),
		ws:        newWSHandler(ctx, mgr, NewVerifier(cfg.JWTSecret, logger), cfg.AllowedOrigin, logger),
		logger:    logger,
	}
}

func (a *app) routes() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("/health", a.healthHandler)
	mux.Handle("/ws", a.ws)
	return mux
}

// Health check endpoint
func (a *app) healthHandler(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	response := Response{
		Message: "Game server is running",
		Status:  "healthy",
		Pod:     a.redis.PodID(),
	}
	if err := a.redis.Ping(r.Context()); err != nil {
		response.Status = "degraded"
		w.WriteHeader(http.StatusServiceUnavailable)
	}
	json.NewEncoder(w).Encode(response)
}

// shutdown ends live matches and stops the queue. Results of the aborted
// matches are flushed before it returns.
func (a *app) shutdown() {
	a.queue.Close()
	a.registry.Close()
}

func newLogger(cfg config.Config) zerolog.Logger {
	level, err := zerolog.ParseLevel(cfg.LogLevel)
	if err != nil || level == zerolog.NoLevel {
		level = zerolog.InfoLevel
	}
	var logger zerolog.Logger
	if cfg.LogFormat == "text" {
		logger = zerolog.New(zerolog.ConsoleWriter{Out: os.Stderr, TimeFormat: time.RFC3339})
	} else {
		logger = zerolog.New(os.Stderr)
	}
	return logger.Level(level).With().Timestamp().Logger()
}

func main() {
	cfg, err := config.Load()
	if err != nil {
		bootLogger := zerolog.New(os.Stderr)
		bootLogger.Fatal().Err(err).Msg("failed to load configuration")
	}
	logger := newLogger(cfg)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := run(ctx, cfg, logger); err != nil {
		logger.Fatal().Err(err).Msg("server stopped with error")
	}
	logger.Info().Msg("server stopped")
}

func run(ctx context.Context, cfg config.Config, logger zerolog.Logger) error {
	store, err := db.Open(ctx, cfg.UseMocks, cfg.AWSRegion, logger)
	if err != nil {
		return err
	}

	var redis *redisstore.Store
	if cfg.UseMocks {
		redis = redisstore.NewMock(mocks.GetMockRedis(), logger)
	} else if redis, err = redisstore.Connect(ctx, cfg.RedisEndpoint, logger); err != nil {
		return err
	}
	defer redis.Close()

	targets := []sink.Target{
		{Name: "dynamodb", Sink: db.NewResultWriter(store, logger)},
		{Name: "redis", Sink: redis},
	}
	if cfg.NATSURL != "" {
		n, err := sink.ConnectNATS(cfg.NATSURL, logger)
		if err != nil {
			return err
		}
		defer n.Close()
		targets = append(targets, sink.Target{Name: "nats", Sink: n})
	}
	results := sink.NewFanout(logger, targets...)
	logger.Info().Strs("targets", results.Targets()).Msg("result sinks configured")

	clock := clockwork.NewRealClock()
	a := newApp(ctx, cfg, clock, store, redis, results, logger)

	sched, err := a.stats.start(ctx, cfg.StatsInterval())
	if err != nil {
		return err
	}
	defer sched.Shutdown()

	srv := &http.Server{
		Addr:              ":" + cfg.Port,
		Handler:           a.routes(),
		ReadHeaderTimeout: 5 * time.Second,
	}

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error { return a.scheduler.Run(gctx) })
	g.Go(func() error { return redis.SubscribeResults(gctx, a.stats.observe) })
	g.Go(func() error {
		logger.Info().Str("port", cfg.Port).Int("tick_rate", cfg.TickRate).Msg("server starting")
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return eris.Wrap(err, "http server")
		}
		return nil
	})
	g.Go(func() error {
		<-gctx.Done()
		logger.Info().Msg("shutting down")
		shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()
		err := srv.Shutdown(shutdownCtx)
		a.shutdown()
		return err
	})
	return g.Wait()
}
