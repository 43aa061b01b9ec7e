// Package matchmaking pairs waiting players by rating. The search band of a
// waiting player widens on a timer so nobody starves.
package matchmaking

import (
	"context"
	"sync"
	"time"

	"github.com/jonboulle/clockwork"
	"github.com/rotisserie/eris"
	"github.com/rs/zerolog"
)

var (
	ErrAlreadyInMatch = eris.New("player is already in a match")
	ErrQueueClosed    = eris.New("matchmaking queue is closed")
)

const (
	waitSmoothing  = 0.2
	initialWait    = 30 * time.Second
	minWait        = time.Second
	mirrorBacklog  = 256
	mirrorDeadline = 2 * time.Second
)

type Player struct {
	Identity    string
	DisplayName string
	Rating      int
}

// Entry is a waiting player. Entries are owned by the queue; Lookup hands out copies.
type Entry struct {
	Player
	EnqueuedAt time.Time
	MinRating  int
	MaxRating  int
	Expansions int

	timer clockwork.Timer
	seq   uint64
}

func (e *Entry) accepts(rating int) bool {
	return rating >= e.MinRating && rating <= e.MaxRating
}

// MatchCreator turns a pairing into a live match. It is called with the queue
// lock held and must not call back into the queue.
type MatchCreator interface {
	CreateMatch(a, b Player) (string, error)
}

// ActiveChecker reports whether an identity already plays in a live match.
type ActiveChecker interface {
	InMatch(identity string) bool
}

// Notifier receives queue status after every band expansion that did not pair.
type Notifier interface {
	QueueStatus(identity string, position int, estimatedWait time.Duration)
}

// Mirror publishes queue membership to shared storage for other pods.
type Mirror interface {
	AddQueued(ctx context.Context, identity string, at time.Time) error
	RemoveQueued(ctx context.Context, identity string) error
}

// Result of an Enqueue call. When Matched is false the player is waiting at Position.
type Result struct {
	Matched       bool
	MatchID       string
	Opponent      Player
	Position      int
	EstimatedWait time.Duration
}

type Option func(*Queue)

func WithClock(c clockwork.Clock) Option { return func(q *Queue) { q.clock = c } }

func WithLogger(l zerolog.Logger) Option {
	return func(q *Queue) { q.logger = l.With().Str("component", "matchmaking").Logger() }
}

func WithActiveChecker(a ActiveChecker) Option { return func(q *Queue) { q.active = a } }

func WithNotifier(n Notifier) Option { return func(q *Queue) { q.notifier = n } }

func WithMirror(m Mirror) Option { return func(q *Queue) { q.mirror = m } }

type mirrorOp struct {
	identity string
	at       time.Time
	add      bool
}

type Queue struct {
	cfg      Config
	creator  MatchCreator
	clock    clockwork.Clock
	logger   zerolog.Logger
	active   ActiveChecker
	notifier Notifier
	mirror   Mirror

	mu       sync.Mutex
	entries  []*Entry
	index    map[string]*Entry
	avgWait  time.Duration
	nextSeq  uint64
	closed   bool
	mirrorCh chan mirrorOp
	mirrorWg sync.WaitGroup
}

func NewQueue(cfg Config, creator MatchCreator, opts ...Option) *Queue {
	q := &Queue{
		cfg:     cfg,
		creator: creator,
		clock:   clockwork.NewRealClock(),
		logger:  zerolog.Nop(),
		index:   make(map[string]*Entry),
		avgWait: initialWait,
	}
	for _, opt := range opts {
		opt(q)
	}
	if q.mirror != nil {
		q.mirrorCh = make(chan mirrorOp, mirrorBacklog)
		q.mirrorWg.Add(1)
		go q.runMirror()
	}
	return q
}

// Enqueue replaces any existing entry for the player and immediately tries to
// pair it against the current queue.
func (q *Queue) Enqueue(p Player) (Result, error) {
	q.mu.Lock()
	defer q.mu.Unlock()

	if q.closed {
		return Result{}, ErrQueueClosed
	}
	if q.active != nil && q.active.InMatch(p.Identity) {
		return Result{}, eris.Wrapf(ErrAlreadyInMatch, "identity %s", p.Identity)
	}

	q.removeLocked(p.Identity)
	p.Rating = ClampRating(p.Rating, q.cfg)

	now := q.clock.Now()
	q.nextSeq++
	e := &Entry{Player: p, EnqueuedAt: now, seq: q.nextSeq}
	e.MinRating, e.MaxRating = Band(p.Rating, 0, q.cfg)
	q.entries = append(q.entries, e)
	q.index[p.Identity] = e

	res, matched, err := q.findMatchLocked(e)
	if err != nil {
		q.logger.Error().Err(err).Str("identity", p.Identity).Msg("failed to create match, player stays queued")
	}
	if matched {
		return res, nil
	}

	q.scheduleLocked(e)
	q.mirrorLocked(mirrorOp{identity: p.Identity, at: now, add: true})

	pos := q.positionLocked(p.Identity)
	q.logger.Debug().
		Str("identity", p.Identity).
		Int("rating", p.Rating).
		Int("position", pos).
		Msg("player queued")
	return Result{Position: pos, EstimatedWait: q.estimateLocked(pos)}, nil
}

// Dequeue removes the player and cancels its expansion timer. It reports
// whether the player was queued.
func (q *Queue) Dequeue(identity string) bool {
	q.mu.Lock()
	defer q.mu.Unlock()
	if !q.removeLocked(identity) {
		return false
	}
	q.mirrorLocked(mirrorOp{identity: identity})
	return true
}

func (q *Queue) Len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.entries)
}

// Lookup returns a copy of the player's queue entry.
func (q *Queue) Lookup(identity string) (Entry, bool) {
	q.mu.Lock()
	defer q.mu.Unlock()
	e, ok := q.index[identity]
	if !ok {
		return Entry{}, false
	}
	cp := *e
	cp.timer = nil
	return cp, true
}

// Position returns the 1-based queue position, or 0 when not queued.
func (q *Queue) Position(identity string) int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.positionLocked(identity)
}

// Close cancels every expansion timer and drops all entries.
func (q *Queue) Close() {
	q.mu.Lock()
	if q.closed {
		q.mu.Unlock()
		return
	}
	q.closed = true
	for _, e := range q.entries {
		if e.timer != nil {
			e.timer.Stop()
		}
		q.mirrorLocked(mirrorOp{identity: e.Identity})
	}
	q.entries = nil
	q.index = make(map[string]*Entry)
	if q.mirrorCh != nil {
		close(q.mirrorCh)
	}
	q.mu.Unlock()
	q.mirrorWg.Wait()
}

// findMatchLocked scans in insertion order for the first opponent where either
// side's band contains the other's rating.
func (q *Queue) findMatchLocked(e *Entry) (Result, bool, error) {
	for _, o := range q.entries {
		if o == e {
			continue
		}
		if !e.accepts(o.Rating) && !o.accepts(e.Rating) {
			continue
		}

		matchID, err := q.creator.CreateMatch(o.Player, e.Player)
		if err != nil {
			return Result{}, false, eris.Wrapf(err, "pairing %s with %s", o.Identity, e.Identity)
		}

		now := q.clock.Now()
		q.observeWaitLocked(now.Sub(o.EnqueuedAt))
		q.observeWaitLocked(now.Sub(e.EnqueuedAt))
		q.removeLocked(o.Identity)
		q.removeLocked(e.Identity)
		q.mirrorLocked(mirrorOp{identity: o.Identity})
		q.mirrorLocked(mirrorOp{identity: e.Identity})

		q.logger.Info().
			Str("match_id", matchID).
			Str("left", o.Identity).
			Int("left_rating", o.Rating).
			Str("right", e.Identity).
			Int("right_rating", e.Rating).
			Msg("players paired")
		return Result{Matched: true, MatchID: matchID, Opponent: o.Player}, true, nil
	}
	return Result{}, false, nil
}

// scheduleLocked arms the timer for the entry's next expansion boundary.
func (q *Queue) scheduleLocked(e *Entry) {
	next := e.EnqueuedAt.Add(time.Duration(e.Expansions+1) * q.cfg.ExpansionInterval)
	delay := next.Sub(q.clock.Now())
	if delay <= 0 {
		delay = time.Millisecond
	}
	identity, seq := e.Identity, e.seq
	e.timer = q.clock.AfterFunc(delay, func() { q.expand(identity, seq) })
}

func (q *Queue) expand(identity string, seq uint64) {
	q.mu.Lock()
	defer q.mu.Unlock()

	e, ok := q.index[identity]
	if q.closed || !ok || e.seq != seq {
		return
	}

	now := q.clock.Now()
	due := int(now.Sub(e.EnqueuedAt) / q.cfg.ExpansionInterval)
	if due > e.Expansions {
		e.Expansions = due
		e.MinRating, e.MaxRating = Band(e.Rating, e.Expansions, q.cfg)
		q.logger.Debug().
			Str("identity", identity).
			Int("min", e.MinRating).
			Int("max", e.MaxRating).
			Msg("search band widened")
	}

	_, matched, err := q.findMatchLocked(e)
	if err != nil {
		q.logger.Error().Err(err).Str("identity", identity).Msg("failed to create match on expansion")
	}
	if matched {
		return
	}

	q.scheduleLocked(e)
	if q.notifier != nil {
		pos := q.positionLocked(identity)
		q.notifier.QueueStatus(identity, pos, q.estimateLocked(pos))
	}
}

func (q *Queue) removeLocked(identity string) bool {
	e, ok := q.index[identity]
	if !ok {
		return false
	}
	if e.timer != nil {
		e.timer.Stop()
		e.timer = nil
	}
	delete(q.index, identity)
	for i, o := range q.entries {
		if o == e {
			q.entries = append(q.entries[:i], q.entries[i+1:]...)
			break
		}
	}
	return true
}

func (q *Queue) positionLocked(identity string) int {
	for i, e := range q.entries {
		if e.Identity == identity {
			return i + 1
		}
	}
	return 0
}

func (q *Queue) observeWaitLocked(d time.Duration) {
	q.avgWait = time.Duration(waitSmoothing*float64(d) + (1-waitSmoothing)*float64(q.avgWait))
}

func (q *Queue) estimateLocked(position int) time.Duration {
	est := q.avgWait * time.Duration(position)
	if est < minWait {
		return minWait
	}
	return est
}

func (q *Queue) mirrorLocked(op mirrorOp) {
	if q.mirrorCh == nil || q.closed && op.add {
		return
	}
	select {
	case q.mirrorCh <- op:
	default:
		q.logger.Warn().Str("identity", op.identity).Msg("queue mirror backlog full, dropping update")
	}
}

// runMirror applies mirror updates in order outside the queue lock.
func (q *Queue) runMirror() {
	defer q.mirrorWg.Done()
	for op := range q.mirrorCh {
		ctx, cancel := context.WithTimeout(context.Background(), mirrorDeadline)
		var err error
		if op.add {
			err = q.mirror.AddQueued(ctx, op.identity, op.at)
		} else {
			err = q.mirror.RemoveQueued(ctx, op.identity)
		}
		cancel()
		if err != nil {
			q.logger.Warn().Err(err).Str("identity", op.identity).Msg("queue mirror update failed")
		}
	}
}
