package match

import (
	"context"
	"time"
)

type ParticipantResult struct {
	Identity    string `json:"identity"`
	DisplayName string `json:"displayName"`
	Rating      int    `json:"rating"`
	Side        string `json:"side"`
	Score       int    `json:"score"`
}

// Result is emitted exactly once per match when it completes. Winner is empty
// when the match ended without one.
type Result struct {
	MatchID         string               `json:"matchId"`
	RoomID          string               `json:"roomId"`
	Participants    [2]ParticipantResult `json:"participants"`
	Winner          string               `json:"winner,omitempty"`
	LeftScore       int                  `json:"leftScore"`
	RightScore      int                  `json:"rightScore"`
	DurationSeconds float64              `json:"durationSeconds"`
	Reason          EndReason            `json:"reason"`
	CreatedAt       time.Time            `json:"createdAt"`
	EndedAt         time.Time            `json:"endedAt"`
}

// ResultSink persists match results. Delivery is at most once; the registry
// never retries and never feeds a failure back into match state.
type ResultSink interface {
	Persist(ctx context.Context, res Result) error
}

// Notifier delivers server messages to connected identities. Implementations
// must not block.
type Notifier interface {
	Send(identity, msgType string, payload any)
	Broadcast(identities []string, msgType string, payload any)
}

type EventKind int

const (
	EventCreated EventKind = iota
	EventEnded
	EventRebound
)

type Event struct {
	Kind       EventKind
	MatchID    string
	Identities []string
	Result     *Result
}
