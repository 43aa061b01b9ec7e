package match

import (
	"context"
	"fmt"
	"math/rand/v2"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/jonboulle/clockwork"
	"github.com/rotisserie/eris"
	"github.com/rs/zerolog"

	"github.com/mauricedolibois/rallyduel/backend/game"
	"github.com/mauricedolibois/rallyduel/backend/matchmaking"
	"github.com/mauricedolibois/rallyduel/backend/protocol"
)

const (
	tombstoneTTL    = 5 * time.Minute
	persistDeadline = 10 * time.Second
)

type Config struct {
	StartDelay       time.Duration
	CountdownSeconds int
	GracePeriod      time.Duration
	// MaxStep caps the simulated time of a single scheduler tick.
	MaxStep time.Duration
}

func DefaultConfig() Config {
	return Config{
		StartDelay:       2 * time.Second,
		CountdownSeconds: 3,
		GracePeriod:      30 * time.Second,
		MaxStep:          100 * time.Millisecond,
	}
}

type Option func(*Registry)

func WithClock(c clockwork.Clock) Option { return func(r *Registry) { r.clock = c } }

func WithLogger(l zerolog.Logger) Option {
	return func(r *Registry) { r.logger = l.With().Str("component", "match").Logger() }
}

func WithNotifier(n Notifier) Option { return func(r *Registry) { r.notifier = n } }

func WithResultSink(s ResultSink) Option { return func(r *Registry) { r.sink = s } }

// Registry indexes live matches by id and by participant identity.
//
// Lock order: Match.mu before Registry.mu. The registry never takes a match
// lock while holding its own.
type Registry struct {
	cfg      Config
	clock    clockwork.Clock
	logger   zerolog.Logger
	notifier Notifier
	sink     ResultSink

	mu          sync.RWMutex
	matches     map[string]*Match
	byIdentity  map[string]*Match
	playing     map[string]*Match
	ended       map[string]time.Time
	subscribers []func(Event)
	closed      bool

	persisting sync.WaitGroup
}

func NewRegistry(cfg Config, opts ...Option) *Registry {
	r := &Registry{
		cfg:        cfg,
		clock:      clockwork.NewRealClock(),
		logger:     zerolog.Nop(),
		notifier:   nopNotifier{},
		matches:    make(map[string]*Match),
		byIdentity: make(map[string]*Match),
		playing:    make(map[string]*Match),
		ended:      make(map[string]time.Time),
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// Subscribe registers fn for lifecycle events. Subscribers run synchronously
// with the match lock held and must not call back into the registry.
func (r *Registry) Subscribe(fn func(Event)) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.subscribers = append(r.subscribers, fn)
}

// CreateMatch starts a match between a (left) and b (right). The match begins
// in Starting and moves to CountingDown after the configured start delay.
func (r *Registry) CreateMatch(a, b matchmaking.Player) (string, error) {
	now := r.clock.Now()
	m := &Match{
		ID:        uuid.NewString(),
		RoomID:    fmt.Sprintf("room_%s_%s_%d", a.Identity, b.Identity, now.Unix()),
		status:    StatusStarting,
		rng:       rand.New(rand.NewPCG(rand.Uint64(), rand.Uint64())),
		createdAt: now,
	}
	m.state = game.NewState(m.rng, now)
	for i, p := range []matchmaking.Player{a, b} {
		m.participants[i] = &Participant{
			Identity:    p.Identity,
			DisplayName: p.DisplayName,
			Rating:      p.Rating,
			Side:        game.Side(i),
			Connected:   true,
		}
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	r.mu.Lock()
	if r.closed {
		r.mu.Unlock()
		return "", ErrRegistryClosed
	}
	for _, id := range []string{a.Identity, b.Identity} {
		if _, busy := r.byIdentity[id]; busy {
			r.mu.Unlock()
			return "", eris.Wrapf(ErrAlreadyAssigned, "identity %s", id)
		}
	}
	r.matches[m.ID] = m
	r.byIdentity[a.Identity] = m
	r.byIdentity[b.Identity] = m
	r.mu.Unlock()

	r.emit(Event{Kind: EventCreated, MatchID: m.ID, Identities: m.identities()})
	for _, p := range m.participants {
		r.sendMatchFound(m, p)
	}
	m.phaseTimer = r.clock.AfterFunc(r.cfg.StartDelay, func() { r.beginCountdown(m) })

	r.logger.Info().
		Str("match_id", m.ID).
		Str("room_id", m.RoomID).
		Str("left", a.Identity).
		Str("right", b.Identity).
		Msg("match created")
	return m.ID, nil
}

func (r *Registry) sendMatchFound(m *Match, p *Participant) {
	o := m.opponent(p.Identity)
	r.notifier.Send(p.Identity, protocol.TypeMatchFound, protocol.MatchFound{
		MatchID: m.ID,
		RoomID:  m.RoomID,
		Side:    p.Side.String(),
		Opponent: protocol.Opponent{
			Identity:    o.Identity,
			DisplayName: o.DisplayName,
			Rating:      o.Rating,
		},
	})
}

func (r *Registry) beginCountdown(m *Match) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.status != StatusStarting {
		return
	}
	m.status = StatusCountingDown
	m.countdownLeft = r.cfg.CountdownSeconds
	r.countdownLocked(m)
}

// countdownLocked announces the remaining seconds once per second and marks
// the countdown done when it reaches zero.
func (r *Registry) countdownLocked(m *Match) {
	if m.countdownLeft <= 0 {
		m.phaseTimer = nil
		m.countdownDone = true
		r.tryStartLocked(m)
		return
	}
	r.notifier.Broadcast(m.identities(), protocol.TypeMatchCountdown, protocol.MatchCountdown{Seconds: m.countdownLeft})
	m.countdownLeft--
	m.phaseTimer = r.clock.AfterFunc(time.Second, func() {
		m.mu.Lock()
		defer m.mu.Unlock()
		if m.status != StatusCountingDown {
			return
		}
		r.countdownLocked(m)
	})
}

// tryStartLocked moves a counted-down match to Playing once both participants
// have signalled ready and both are connected.
func (r *Registry) tryStartLocked(m *Match) {
	if m.status != StatusCountingDown || !m.countdownDone || !m.allReady() || !m.allConnected() {
		return
	}
	now := r.clock.Now()
	m.status = StatusPlaying
	m.startedAt = now
	m.lastTickAt = now
	m.state.LastUpdate = now
	r.setPlaying(m, true)
	r.notifier.Broadcast(m.identities(), protocol.TypeMatchStart, protocol.MatchStart{MatchID: m.ID})
	r.logger.Info().Str("match_id", m.ID).Msg("match started")
}

// MarkReady records the participant's ready signal. It is idempotent.
func (r *Registry) MarkReady(matchID, identity string) error {
	m, err := r.get(matchID)
	if err != nil {
		return err
	}
	m.mu.Lock()
	defer m.mu.Unlock()

	p := m.participant(identity)
	if p == nil {
		return eris.Wrapf(ErrNotParticipant, "identity %s match %s", identity, matchID)
	}
	if m.status == StatusCompleted {
		return eris.Wrapf(ErrMatchNotFound, "match %s already completed", matchID)
	}
	p.Ready = true
	r.tryStartLocked(m)
	return nil
}

// ApplyInput sets the participant's paddle. Nothing changes unless the match
// is Playing and paddleY is a finite value in [50,550].
func (r *Registry) ApplyInput(matchID, identity string, paddleY float64) error {
	m, err := r.get(matchID)
	if err != nil {
		return err
	}
	m.mu.Lock()
	defer m.mu.Unlock()

	p := m.participant(identity)
	if p == nil {
		return eris.Wrapf(ErrNotParticipant, "identity %s match %s", identity, matchID)
	}
	if m.status != StatusPlaying {
		return eris.Wrapf(ErrNotPlaying, "match %s is %s", matchID, m.status)
	}
	if err := game.ApplyPaddle(m.state, p.Side, paddleY); err != nil {
		r.logger.Warn().
			Str("match_id", matchID).
			Str("identity", identity).
			Float64("paddle_y", paddleY).
			Msg("rejected paddle input")
		return eris.Wrap(ErrInvalidInput, err.Error())
	}
	return nil
}

// Tick advances a playing match by elapsed seconds. Matches in any other
// status are skipped silently.
func (r *Registry) Tick(matchID string, elapsed float64) error {
	m, err := r.get(matchID)
	if err != nil {
		return err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.status != StatusPlaying {
		return nil
	}
	now := r.clock.Now()
	m.lastTickAt = now
	r.stepLocked(m, elapsed, now)
	return nil
}

// advance steps m by the wall time since its last tick, capped at MaxStep.
func (r *Registry) advance(m *Match, now time.Time) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.status != StatusPlaying {
		return
	}
	elapsed := now.Sub(m.lastTickAt)
	if elapsed <= 0 {
		return
	}
	if elapsed > r.cfg.MaxStep {
		elapsed = r.cfg.MaxStep
	}
	m.lastTickAt = now
	r.stepLocked(m, elapsed.Seconds(), now)
}

func (r *Registry) stepLocked(m *Match, elapsed float64, now time.Time) {
	out := game.Step(m.state, elapsed, m.rng, now)
	m.tick++

	s := m.state
	r.notifier.Broadcast(m.identities(), protocol.TypeMatchState, protocol.MatchState{
		Tick:      m.tick,
		Ball:      protocol.Ball{X: s.Ball.X, Y: s.Ball.Y, VX: s.Ball.VX, VY: s.Ball.VY},
		Paddles:   protocol.Paddles{Left: s.Left.Y, Right: s.Right.Y},
		Timestamp: now.UnixMilli(),
	})
	if !out.Scored {
		return
	}
	r.notifier.Broadcast(m.identities(), protocol.TypeMatchScore, protocol.MatchScore{
		LeftScore:  s.Left.Score,
		RightScore: s.Right.Score,
	})
	if out.Finished {
		r.endLocked(m, ReasonNormalCompletion, m.bySide(out.Winner).Identity)
	}
}

// HandleDisconnect marks the participant disconnected, pauses a playing match
// and arms the grace timer. Expiry ends the match with the opponent as winner
// if the opponent is still connected.
func (r *Registry) HandleDisconnect(matchID, identity string) error {
	m, err := r.get(matchID)
	if err != nil {
		return err
	}
	m.mu.Lock()
	defer m.mu.Unlock()

	p := m.participant(identity)
	if p == nil {
		return eris.Wrapf(ErrNotParticipant, "identity %s match %s", identity, matchID)
	}
	if m.status == StatusCompleted || !p.Connected {
		return nil
	}

	p.Connected = false
	p.graceSeq++
	seq := p.graceSeq
	p.graceTimer = r.clock.AfterFunc(r.cfg.GracePeriod, func() { r.graceExpired(m, identity, seq) })

	if m.status == StatusPlaying {
		m.status = StatusPaused
		r.setPlaying(m, false)
	}
	if o := m.opponent(identity); o.Connected {
		r.notifier.Send(o.Identity, protocol.TypeOpponentDisconnected, protocol.OpponentDisconnected{
			GraceSeconds: int(r.cfg.GracePeriod / time.Second),
		})
	}
	r.logger.Info().
		Str("match_id", matchID).
		Str("identity", identity).
		Str("status", string(m.status)).
		Msg("participant disconnected, grace period started")
	return nil
}

func (r *Registry) graceExpired(m *Match, identity string, seq uint64) {
	m.mu.Lock()
	defer m.mu.Unlock()

	p := m.participant(identity)
	if m.status == StatusCompleted || p.Connected || p.graceSeq != seq {
		return
	}
	p.graceTimer = nil

	var winner string
	if o := m.opponent(identity); o.Connected {
		winner = o.Identity
	}
	r.logger.Info().Str("match_id", m.ID).Str("identity", identity).Msg("grace period expired")
	r.endLocked(m, ReasonDisconnection, winner)
}

// Rebind reattaches identity to its live match after a reconnect. It returns
// the match id, or false when the identity has no live match.
func (r *Registry) Rebind(identity string) (string, bool) {
	r.mu.RLock()
	m, ok := r.byIdentity[identity]
	r.mu.RUnlock()
	if !ok {
		return "", false
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	if m.status == StatusCompleted {
		return "", false
	}

	p := m.participant(identity)
	r.sendMatchFound(m, p)
	if p.Connected {
		return m.ID, true
	}

	p.Connected = true
	p.graceSeq++
	if p.graceTimer != nil {
		p.graceTimer.Stop()
		p.graceTimer = nil
	}
	if o := m.opponent(identity); o.Connected {
		r.notifier.Send(o.Identity, protocol.TypeOpponentReconnected, protocol.OpponentReconnected{})
	}
	r.emit(Event{Kind: EventRebound, MatchID: m.ID, Identities: []string{identity}})

	switch m.status {
	case StatusPaused:
		if m.allConnected() {
			now := r.clock.Now()
			m.status = StatusPlaying
			m.lastTickAt = now
			r.setPlaying(m, true)
			r.notifier.Broadcast(m.identities(), protocol.TypeMatchStart, protocol.MatchStart{MatchID: m.ID})
		}
		r.notifier.Send(identity, protocol.TypeMatchScore, protocol.MatchScore{
			LeftScore:  m.state.Left.Score,
			RightScore: m.state.Right.Score,
		})
	case StatusCountingDown:
		r.tryStartLocked(m)
	}

	r.logger.Info().
		Str("match_id", m.ID).
		Str("identity", identity).
		Str("status", string(m.status)).
		Msg("participant reconnected")
	return m.ID, true
}

// EndMatch completes the match. Ending a match that already completed is a
// no-op. For NormalCompletion the leading side, if any, is the winner.
func (r *Registry) EndMatch(matchID string, reason EndReason) error {
	r.mu.RLock()
	m, ok := r.matches[matchID]
	_, tomb := r.ended[matchID]
	r.mu.RUnlock()
	if !ok {
		if tomb {
			return nil
		}
		return eris.Wrapf(ErrMatchNotFound, "match %s", matchID)
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	var winner string
	if reason == ReasonNormalCompletion {
		switch l, rt := m.state.Left.Score, m.state.Right.Score; {
		case l > rt:
			winner = m.bySide(game.Left).Identity
		case rt > l:
			winner = m.bySide(game.Right).Identity
		}
	}
	r.endLocked(m, reason, winner)
	return nil
}

func (r *Registry) endLocked(m *Match, reason EndReason, winner string) {
	if m.status == StatusCompleted {
		return
	}
	now := r.clock.Now()
	m.stopTimersLocked()
	m.status = StatusCompleted
	m.winner = winner

	s := m.state
	var w *string
	if winner != "" {
		w = &winner
	}
	r.notifier.Broadcast(m.identities(), protocol.TypeMatchEnd, protocol.MatchEnd{
		Reason:     string(reason),
		Winner:     w,
		LeftScore:  s.Left.Score,
		RightScore: s.Right.Score,
	})

	res := Result{
		MatchID:         m.ID,
		RoomID:          m.RoomID,
		Winner:          winner,
		LeftScore:       s.Left.Score,
		RightScore:      s.Right.Score,
		DurationSeconds: now.Sub(m.createdAt).Seconds(),
		Reason:          reason,
		CreatedAt:       m.createdAt,
		EndedAt:         now,
	}
	for i, p := range m.participants {
		res.Participants[i] = ParticipantResult{
			Identity:    p.Identity,
			DisplayName: p.DisplayName,
			Rating:      p.Rating,
			Side:        p.Side.String(),
			Score:       s.Paddle(p.Side).Score,
		}
	}

	r.remove(m, now)
	r.emit(Event{Kind: EventEnded, MatchID: m.ID, Identities: m.identities(), Result: &res})
	r.persist(res)

	r.logger.Info().
		Str("match_id", m.ID).
		Str("reason", string(reason)).
		Str("winner", winner).
		Int("left_score", res.LeftScore).
		Int("right_score", res.RightScore).
		Msg("match ended")
}

func (r *Registry) persist(res Result) {
	if r.sink == nil {
		return
	}
	r.persisting.Add(1)
	go func() {
		defer r.persisting.Done()
		ctx, cancel := context.WithTimeout(context.Background(), persistDeadline)
		defer cancel()
		if err := r.sink.Persist(ctx, res); err != nil {
			r.logger.Error().Err(err).Str("match_id", res.MatchID).Msg("failed to persist match result")
		}
	}()
}

// MatchOf returns the live match id for identity.
func (r *Registry) MatchOf(identity string) (string, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	m, ok := r.byIdentity[identity]
	if !ok {
		return "", false
	}
	return m.ID, true
}

// InMatch reports whether identity belongs to a live match.
func (r *Registry) InMatch(identity string) bool {
	_, ok := r.MatchOf(identity)
	return ok
}

// Snapshot returns a copy of the match's current state.
func (r *Registry) Snapshot(matchID string) (View, error) {
	m, err := r.get(matchID)
	if err != nil {
		return View{}, err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.viewLocked(), nil
}

// Counts returns the number of live and playing matches.
func (r *Registry) Counts() (live, playing int) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.matches), len(r.playing)
}

// Close aborts every live match and waits for pending result deliveries.
func (r *Registry) Close() {
	r.mu.Lock()
	r.closed = true
	ids := make([]string, 0, len(r.matches))
	for id := range r.matches {
		ids = append(ids, id)
	}
	r.mu.Unlock()

	for _, id := range ids {
		if err := r.EndMatch(id, ReasonAdminAbort); err != nil {
			r.logger.Warn().Err(err).Str("match_id", id).Msg("failed to abort match on shutdown")
		}
	}
	r.persisting.Wait()
}

func (r *Registry) get(matchID string) (*Match, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	m, ok := r.matches[matchID]
	if !ok {
		return nil, eris.Wrapf(ErrMatchNotFound, "match %s", matchID)
	}
	return m, nil
}

func (r *Registry) playingMatches() []*Match {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]*Match, 0, len(r.playing))
	for _, m := range r.playing {
		out = append(out, m)
	}
	return out
}

func (r *Registry) setPlaying(m *Match, on bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if on {
		r.playing[m.ID] = m
	} else {
		delete(r.playing, m.ID)
	}
}

func (r *Registry) remove(m *Match, now time.Time) {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.matches, m.ID)
	delete(r.playing, m.ID)
	for _, p := range m.participants {
		if r.byIdentity[p.Identity] == m {
			delete(r.byIdentity, p.Identity)
		}
	}
	r.ended[m.ID] = now
	for id, at := range r.ended {
		if now.Sub(at) > tombstoneTTL {
			delete(r.ended, id)
		}
	}
}

func (r *Registry) emit(ev Event) {
	r.mu.RLock()
	subs := r.subscribers
	r.mu.RUnlock()
	for _, fn := range subs {
		fn(ev)
	}
}

type nopNotifier struct{}

func (nopNotifier) Send(string, string, any)        {}
func (nopNotifier) Broadcast([]string, string, any) {}
