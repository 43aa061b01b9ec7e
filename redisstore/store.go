// Package redisstore mirrors matchmaking and match results into Redis/Valkey
// so other pods and services can observe them.
package redisstore

import (
	"context"
	"fmt"
	"os"
	"strconv"
	"time"

	"github.com/goccy/go-json"
	"github.com/redis/go-redis/v9"
	"github.com/rotisserie/eris"
	"github.com/rs/zerolog"

	"github.com/mauricedolibois/rallyduel/backend/match"
	"github.com/mauricedolibois/rallyduel/backend/mocks"
)

const (
	QueueKey       = "pong:matchmaking:queue"
	ResultChannel  = "pong:match:results"
	StatsKeyPrefix = "pong:stats:"
	statsTTL       = 5 * time.Minute
)

// Stats is a pod's operational snapshot.
type Stats struct {
	Connections    int
	Queued         int
	LiveMatches    int
	PlayingMatches int
	ResultsSeen    int64
	At             time.Time
}

// Store talks to Redis, or to the in-memory mock in mock mode.
type Store struct {
	client *redis.Client
	mock   *mocks.MockRedis
	podID  string
	logger zerolog.Logger
}

// Connect dials addr and verifies the connection with a ping.
func Connect(ctx context.Context, addr string, logger zerolog.Logger) (*Store, error) {
	if addr == "" {
		addr = "localhost:6379"
	}
	client := redis.NewClient(&redis.Options{
		Addr:         addr,
		DB:           0,
		DialTimeout:  5 * time.Second,
		ReadTimeout:  3 * time.Second,
		WriteTimeout: 3 * time.Second,
		PoolSize:     10,
	})
	if err := client.Ping(ctx).Err(); err != nil {
		_ = client.Close()
		return nil, eris.Wrapf(err, "failed to connect to redis at %s", addr)
	}
	hostname, _ := os.Hostname()
	s := NewFromClient(client, fmt.Sprintf("%s_%d", hostname, time.Now().UnixNano()), logger)
	s.logger.Info().Str("addr", addr).Str("pod", s.podID).Msg("connected to redis")
	return s, nil
}

func NewFromClient(client *redis.Client, podID string, logger zerolog.Logger) *Store {
	return &Store{client: client, podID: podID, logger: logger.With().Str("component", "redis").Logger()}
}

func NewMock(m *mocks.MockRedis, logger zerolog.Logger) *Store {
	s := &Store{mock: m, podID: m.GetPodID(), logger: logger.With().Str("component", "redis").Logger()}
	s.logger.Info().Msg("running in mock mode, using in-memory redis")
	return s
}

func (s *Store) PodID() string { return s.podID }

// AddQueued records identity in the shared queue sorted set, scored by enqueue time.
func (s *Store) AddQueued(ctx context.Context, identity string, at time.Time) error {
	if s.mock != nil {
		return s.mock.AddToQueue(identity, at)
	}
	err := s.client.ZAdd(ctx, QueueKey, redis.Z{Score: float64(at.UnixMilli()), Member: identity}).Err()
	return eris.Wrapf(err, "zadd %s", identity)
}

func (s *Store) RemoveQueued(ctx context.Context, identity string) error {
	if s.mock != nil {
		return s.mock.RemoveFromQueue(identity)
	}
	return eris.Wrapf(s.client.ZRem(ctx, QueueKey, identity).Err(), "zrem %s", identity)
}

// QueuedCount returns the size of the shared queue across all pods.
func (s *Store) QueuedCount(ctx context.Context) (int64, error) {
	if s.mock != nil {
		return s.mock.GetQueueLength(), nil
	}
	n, err := s.client.ZCard(ctx, QueueKey).Result()
	return n, eris.Wrap(err, "zcard")
}

// Persist publishes the match result on ResultChannel.
func (s *Store) Persist(ctx context.Context, res match.Result) error {
	data, err := json.Marshal(res)
	if err != nil {
		return eris.Wrap(err, "failed to encode match result")
	}
	if s.mock != nil {
		return s.mock.Publish(string(data))
	}
	return eris.Wrapf(s.client.Publish(ctx, ResultChannel, data).Err(), "publish result %s", res.MatchID)
}

// SubscribeResults calls handler for every result published by any pod until
// ctx is cancelled.
func (s *Store) SubscribeResults(ctx context.Context, handler func(match.Result)) error {
	if s.mock != nil {
		ch := s.mock.Subscribe()
		defer s.mock.Unsubscribe(ch)
		for {
			select {
			case <-ctx.Done():
				return nil
			case payload := <-ch:
				s.dispatchResult(payload, handler)
			}
		}
	}

	pubsub := s.client.Subscribe(ctx, ResultChannel)
	defer pubsub.Close()
	if _, err := pubsub.Receive(ctx); err != nil {
		if ctx.Err() != nil {
			return nil
		}
		return eris.Wrap(err, "subscribe to match results")
	}

	ch := pubsub.Channel()
	for {
		select {
		case <-ctx.Done():
			return nil
		case msg, ok := <-ch:
			if !ok {
				return nil
			}
			s.dispatchResult(msg.Payload, handler)
		}
	}
}

func (s *Store) dispatchResult(payload string, handler func(match.Result)) {
	var res match.Result
	if err := json.Unmarshal([]byte(payload), &res); err != nil {
		s.logger.Warn().Err(err).Msg("failed to parse match result")
		return
	}
	handler(res)
}

// WriteStats stores the pod snapshot in a hash that expires unless refreshed.
func (s *Store) WriteStats(ctx context.Context, st Stats) error {
	key := StatsKeyPrefix + s.podID
	fields := map[string]string{
		"connections":     strconv.Itoa(st.Connections),
		"queued":          strconv.Itoa(st.Queued),
		"live_matches":    strconv.Itoa(st.LiveMatches),
		"playing_matches": strconv.Itoa(st.PlayingMatches),
		"results_seen":    strconv.FormatInt(st.ResultsSeen, 10),
		"updated_at":      st.At.UTC().Format(time.RFC3339),
	}
	if s.mock != nil {
		return s.mock.SetStats(key, fields)
	}

	_, err := s.client.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		pipe.HSet(ctx, key, fields)
		pipe.Expire(ctx, key, statsTTL)
		return nil
	})
	return eris.Wrapf(err, "write stats %s", key)
}

func (s *Store) Ping(ctx context.Context) error {
	if s.mock != nil {
		return nil
	}
	return s.client.Ping(ctx).Err()
}

func (s *Store) Close() error {
	if s.client == nil {
		return nil
	}
	return s.client.Close()
}
