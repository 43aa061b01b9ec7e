package session

import (
	"context"

	"github.com/google/uuid"
	"github.com/jonboulle/clockwork"
	"github.com/rotisserie/eris"
	"github.com/rs/zerolog"

	"github.com/mauricedolibois/rallyduel/backend/match"
	"github.com/mauricedolibois/rallyduel/backend/matchmaking"
)

var (
	ErrConnectionNotFound   = eris.New("connection not found")
	ErrNotAuthenticated     = eris.New("connection is not authenticated")
	ErrAlreadyAuthenticated = eris.New("connection is already authenticated")
	ErrNotInMatch           = eris.New("connection is not in a match")
)

// Queue is the part of the matchmaking queue the manager drives.
type Queue interface {
	Enqueue(p matchmaking.Player) (matchmaking.Result, error)
	Dequeue(identity string) bool
}

// Matches is the part of the match registry the manager drives.
type Matches interface {
	MarkReady(matchID, identity string) error
	ApplyInput(matchID, identity string, paddleY float64) error
	HandleDisconnect(matchID, identity string) error
	Rebind(identity string) (string, bool)
	MatchOf(identity string) (string, bool)
}

// ProfileProvider resolves an authenticated identity to its display name and
// rating. It is consulted once per queue join.
type ProfileProvider interface {
	Lookup(ctx context.Context, identity string) (matchmaking.Player, error)
}

type Manager struct {
	dir      *Directory
	out      *Broadcaster
	queue    Queue
	matches  Matches
	profiles ProfileProvider
	clock    clockwork.Clock
	logger   zerolog.Logger
}

func NewManager(dir *Directory, out *Broadcaster, queue Queue, matches Matches, profiles ProfileProvider, clock clockwork.Clock, logger zerolog.Logger) *Manager {
	return &Manager{
		dir:      dir,
		out:      out,
		queue:    queue,
		matches:  matches,
		profiles: profiles,
		clock:    clock,
		logger:   logger.With().Str("component", "session").Logger(),
	}
}

// Register records a new, unauthenticated connection.
func (m *Manager) Register(conn Conn) string {
	rec := &Record{ID: uuid.NewString(), JoinedAt: m.clock.Now(), conn: conn}
	m.dir.add(rec)
	m.logger.Debug().Str("conn_id", rec.ID).Msg("connection registered")
	return rec.ID
}

// Authenticate binds identity to the connection. A previous connection of the
// same identity is closed and replaced. If the identity has a live match it
// is rebound to this connection.
func (m *Manager) Authenticate(connID, identity, displayName string) error {
	rec, ok := m.dir.Get(connID)
	if !ok {
		return eris.Wrapf(ErrConnectionNotFound, "conn %s", connID)
	}
	if rec.Identity != "" {
		return eris.Wrapf(ErrAlreadyAuthenticated, "conn %s is %s", connID, rec.Identity)
	}

	old, ok := m.dir.bind(connID, identity, displayName)
	if !ok {
		return eris.Wrapf(ErrConnectionNotFound, "conn %s", connID)
	}
	if old != nil {
		m.logger.Info().Str("identity", identity).Str("old_conn", old.ID).Msg("connection superseded")
		old.conn.Close()
	}

	if matchID, ok := m.matches.Rebind(identity); ok {
		m.dir.setMatch(identity, matchID)
	}
	m.logger.Info().Str("conn_id", connID).Str("identity", identity).Msg("connection authenticated")
	return nil
}

// JoinQueue puts the connection's identity in the matchmaking queue. On a
// plain enqueue the caller also receives a queue-status message.
func (m *Manager) JoinQueue(connID string, rating int) (matchmaking.Result, error) {
	rec, err := m.authenticated(connID)
	if err != nil {
		return matchmaking.Result{}, err
	}
	if _, busy := m.matches.MatchOf(rec.Identity); busy || rec.MatchID != "" {
		return matchmaking.Result{}, eris.Wrapf(matchmaking.ErrAlreadyInMatch, "identity %s", rec.Identity)
	}

	res, err := m.queue.Enqueue(matchmaking.Player{
		Identity:    rec.Identity,
		DisplayName: rec.DisplayName,
		Rating:      rating,
	})
	if err != nil {
		return matchmaking.Result{}, err
	}
	if !res.Matched {
		m.out.QueueStatus(rec.Identity, res.Position, res.EstimatedWait)
	}
	return res, nil
}

// LeaveQueue is safe to call when the identity is not queued.
func (m *Manager) LeaveQueue(connID string) error {
	rec, err := m.authenticated(connID)
	if err != nil {
		return err
	}
	m.queue.Dequeue(rec.Identity)
	return nil
}

func (m *Manager) RouteInput(connID string, paddleY float64) error {
	rec, err := m.inMatch(connID)
	if err != nil {
		return err
	}
	return m.matches.ApplyInput(rec.MatchID, rec.Identity, paddleY)
}

func (m *Manager) MarkReady(connID string) error {
	rec, err := m.inMatch(connID)
	if err != nil {
		return err
	}
	return m.matches.MarkReady(rec.MatchID, rec.Identity)
}

// HandleDisconnect removes the connection from the queue and pauses its match.
// A connection that was already superseded by a newer one leaves both alone.
func (m *Manager) HandleDisconnect(connID string) {
	rec, owned, ok := m.dir.remove(connID)
	if !ok {
		return
	}
	if !owned {
		m.logger.Debug().Str("conn_id", connID).Msg("connection closed")
		return
	}

	m.queue.Dequeue(rec.Identity)
	if matchID, ok := m.matches.MatchOf(rec.Identity); ok {
		if err := m.matches.HandleDisconnect(matchID, rec.Identity); err != nil {
			m.logger.Warn().Err(err).Str("match_id", matchID).Str("identity", rec.Identity).Msg("failed to pause match")
		}
	}
	m.logger.Info().Str("conn_id", connID).Str("identity", rec.Identity).Msg("connection closed")
}

// OnMatchEvent keeps connection records in step with match lifecycle. It is
// subscribed to the match registry.
func (m *Manager) OnMatchEvent(ev match.Event) {
	switch ev.Kind {
	case match.EventCreated, match.EventRebound:
		for _, identity := range ev.Identities {
			m.dir.setMatch(identity, ev.MatchID)
		}
	case match.EventEnded:
		for _, identity := range ev.Identities {
			m.dir.clearMatch(identity, ev.MatchID)
		}
	}
}

// Connections returns the number of live connections.
func (m *Manager) Connections() int {
	return m.dir.Len()
}

func (m *Manager) authenticated(connID string) (Record, error) {
	rec, ok := m.dir.Get(connID)
	if !ok {
		return Record{}, eris.Wrapf(ErrConnectionNotFound, "conn %s", connID)
	}
	if rec.Identity == "" {
		return Record{}, eris.Wrapf(ErrNotAuthenticated, "conn %s", connID)
	}
	return rec, nil
}

func (m *Manager) inMatch(connID string) (Record, error) {
	rec, err := m.authenticated(connID)
	if err != nil {
		return Record{}, err
	}
	if rec.MatchID == "" {
		return Record{}, eris.Wrapf(ErrNotInMatch, "identity %s", rec.Identity)
	}
	return rec, nil
}
