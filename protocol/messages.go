// Package protocol defines the JSON messages exchanged over the websocket.
package protocol

import (
	"github.com/goccy/go-json"
	"github.com/rotisserie/eris"
)

// Client -> server
const (
	TypeJoinQueue  = "join-queue"
	TypeLeaveQueue = "leave-queue"
	TypeMatchInput = "match-input"
	TypeMatchReady = "match-ready"
)

// Server -> client
const (
	TypeQueueStatus          = "queue-status"
	TypeMatchFound           = "match-found"
	TypeMatchCountdown       = "match-countdown"
	TypeMatchStart           = "match-start"
	TypeMatchState           = "match-state"
	TypeMatchScore           = "match-score"
	TypeMatchEnd             = "match-end"
	TypeOpponentDisconnected = "opponent-disconnected"
	TypeOpponentReconnected  = "opponent-reconnected"
	TypeError                = "error"
)

// Error codes carried by an Error payload.
const (
	CodeBadRequest       = "bad_request"
	CodeNotAuthenticated = "not_authenticated"
	CodeAlreadyInMatch   = "already_in_match"
	CodeNotInMatch       = "not_in_match"
	CodeInvalidInput     = "invalid_input"
	CodeNotPlaying       = "not_playing"
	CodeInternal         = "internal"
)

var ErrMalformed = eris.New("malformed message")

// Message is the envelope for every frame. Payload is decoded lazily by type.
type Message struct {
	Type    string          `json:"type"`
	Payload json.RawMessage `json:"payload,omitempty"`
}

type MatchInput struct {
	PaddleY *float64 `json:"paddleY"`
}

type QueueStatus struct {
	Position             int     `json:"position"`
	EstimatedWaitSeconds float64 `json:"estimatedWaitSeconds"`
}

type Opponent struct {
	Identity    string `json:"identity"`
	DisplayName string `json:"displayName"`
	Rating      int    `json:"rating"`
}

type MatchFound struct {
	MatchID  string   `json:"matchId"`
	RoomID   string   `json:"roomId"`
	Side     string   `json:"side"`
	Opponent Opponent `json:"opponent"`
}

type MatchCountdown struct {
	Seconds int `json:"seconds"`
}

type MatchStart struct {
	MatchID string `json:"matchId"`
}

type Ball struct {
	X  float64 `json:"x"`
	Y  float64 `json:"y"`
	VX float64 `json:"vx"`
	VY float64 `json:"vy"`
}

type Paddles struct {
	Left  float64 `json:"left"`
	Right float64 `json:"right"`
}

type MatchState struct {
	Tick      uint64  `json:"tick"`
	Ball      Ball    `json:"ball"`
	Paddles   Paddles `json:"paddles"`
	Timestamp int64   `json:"timestamp"`
}

type MatchScore struct {
	LeftScore  int `json:"leftScore"`
	RightScore int `json:"rightScore"`
}

type MatchEnd struct {
	Reason     string  `json:"reason"`
	Winner     *string `json:"winner"`
	LeftScore  int     `json:"leftScore"`
	RightScore int     `json:"rightScore"`
}

type OpponentDisconnected struct {
	GraceSeconds int `json:"graceSeconds"`
}

type OpponentReconnected struct{}

type Error struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}

// Encode wraps payload in an envelope of the given type.
func Encode(msgType string, payload any) ([]byte, error) {
	msg := Message{Type: msgType}
	if payload != nil {
		raw, err := json.Marshal(payload)
		if err != nil {
			return nil, eris.Wrapf(err, "failed to encode %s payload", msgType)
		}
		msg.Payload = raw
	}
	data, err := json.Marshal(msg)
	if err != nil {
		return nil, eris.Wrapf(err, "failed to encode %s", msgType)
	}
	return data, nil
}

// Decode parses the envelope only.
func Decode(data []byte) (Message, error) {
	var msg Message
	if err := json.Unmarshal(data, &msg); err != nil {
		return Message{}, eris.Wrap(ErrMalformed, err.Error())
	}
	if msg.Type == "" {
		return Message{}, eris.Wrap(ErrMalformed, "missing type")
	}
	return msg, nil
}

// DecodePayload unmarshals the envelope payload into v. An absent payload is
// left as the zero value.
func (m Message) DecodePayload(v any) error {
	if len(m.Payload) == 0 || string(m.Payload) == "null" {
		return nil
	}
	if err := json.Unmarshal(m.Payload, v); err != nil {
		return eris.Wrapf(ErrMalformed, "%s payload: %v", m.Type, err)
	}
	return nil
}
