// Package match owns live matches: the per-match state machine, the registry
// that indexes them and the scheduler that steps every playing match.
package match

import (
	"math/rand/v2"
	"sync"
	"time"

	"github.com/jonboulle/clockwork"
	"github.com/rotisserie/eris"

	"github.com/mauricedolibois/rallyduel/backend/game"
)

var (
	ErrMatchNotFound   = eris.New("match not found")
	ErrNotParticipant  = eris.New("identity is not a participant of this match")
	ErrNotPlaying      = eris.New("match is not playing")
	ErrInvalidInput    = eris.New("invalid paddle input")
	ErrRegistryClosed  = eris.New("match registry is closed")
	ErrAlreadyAssigned = eris.New("identity already has a live match")
)

type Status string

const (
	StatusStarting     Status = "starting"
	StatusCountingDown Status = "counting_down"
	StatusPlaying      Status = "playing"
	StatusPaused       Status = "paused"
	StatusCompleted    Status = "completed"
)

type EndReason string

const (
	ReasonNormalCompletion EndReason = "normal_completion"
	ReasonDisconnection    EndReason = "disconnection"
	ReasonAdminAbort       EndReason = "admin_abort"
)

type Participant struct {
	Identity    string
	DisplayName string
	Rating      int
	Side        game.Side
	Ready       bool
	Connected   bool

	graceTimer clockwork.Timer
	graceSeq   uint64
}

// Match is one game between exactly two participants. Every field below mu is
// guarded by it; ticks, input and lifecycle transitions all serialize on it.
type Match struct {
	ID     string
	RoomID string

	mu            sync.Mutex
	participants  [2]*Participant
	status        Status
	state         *game.State
	rng           *rand.Rand
	createdAt     time.Time
	startedAt     time.Time
	lastTickAt    time.Time
	tick          uint64
	countdownLeft int
	countdownDone bool
	phaseTimer    clockwork.Timer
	winner        string
}

func (m *Match) identities() []string {
	return []string{m.participants[0].Identity, m.participants[1].Identity}
}

func (m *Match) participant(identity string) *Participant {
	for _, p := range m.participants {
		if p.Identity == identity {
			return p
		}
	}
	return nil
}

func (m *Match) opponent(identity string) *Participant {
	for _, p := range m.participants {
		if p.Identity != identity {
			return p
		}
	}
	return nil
}

func (m *Match) bySide(side game.Side) *Participant {
	return m.participants[side]
}

func (m *Match) allReady() bool {
	return m.participants[0].Ready && m.participants[1].Ready
}

func (m *Match) allConnected() bool {
	return m.participants[0].Connected && m.participants[1].Connected
}

func (m *Match) stopTimersLocked() {
	if m.phaseTimer != nil {
		m.phaseTimer.Stop()
		m.phaseTimer = nil
	}
	for _, p := range m.participants {
		if p.graceTimer != nil {
			p.graceTimer.Stop()
			p.graceTimer = nil
		}
	}
}

// View is a point-in-time copy of a match for callers outside the package.
type View struct {
	ID           string
	RoomID       string
	Status       Status
	State        game.State
	Participants [2]Participant
	Tick         uint64
	CreatedAt    time.Time
	Winner       string
}

func (m *Match) viewLocked() View {
	v := View{
		ID:        m.ID,
		RoomID:    m.RoomID,
		Status:    m.status,
		State:     *m.state,
		Tick:      m.tick,
		CreatedAt: m.createdAt,
		Winner:    m.winner,
	}
	for i, p := range m.participants {
		v.Participants[i] = Participant{
			Identity:    p.Identity,
			DisplayName: p.DisplayName,
			Rating:      p.Rating,
			Side:        p.Side,
			Ready:       p.Ready,
			Connected:   p.Connected,
		}
	}
	return v
}
