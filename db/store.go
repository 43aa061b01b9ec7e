package db

import (
	"context"

	"github.com/rs/zerolog"

	"github.com/mauricedolibois/rallyduel/backend/mocks"
)

const (
	TableUsers   = "PongUsers"
	TableMatches = "PongMatches"
	HistoryIndex = "PlayerHistoryIndex"
)

// Model: PongUser
type PongUser struct {
	UserID string `json:"userId" dynamodbav:"UserID"`
	Name   string `json:"name" dynamodbav:"Name"`
	Rating int    `json:"rating" dynamodbav:"Rating"`
	Wins   int    `json:"wins" dynamodbav:"Wins"`
	Losses int    `json:"losses" dynamodbav:"Losses"`
}

// Model: MatchRecord, one item per participant of a finished match
type MatchRecord struct {
	MatchID         string  `json:"matchId" dynamodbav:"MatchID"`
	PlayerID        string  `json:"playerId" dynamodbav:"PlayerID"`   // Partition Key for GSI
	Timestamp       int64   `json:"timestamp" dynamodbav:"Timestamp"` // Sort Key for GSI
	Side            string  `json:"side" dynamodbav:"Side"`
	Score           int     `json:"score" dynamodbav:"Score"`
	OpponentScore   int     `json:"opponentScore" dynamodbav:"OpponentScore"`
	Reason          string  `json:"reason" dynamodbav:"Reason"`
	Won             bool    `json:"won" dynamodbav:"Won"`
	WinnerID        string  `json:"winnerId" dynamodbav:"WinnerID"`
	Opponent        string  `json:"opponent" dynamodbav:"Opponent"` // ID
	PlayerName      string  `json:"playerName" dynamodbav:"PlayerName"`
	OpponentName    string  `json:"opponentName" dynamodbav:"OpponentName"`
	PlayerRating    int     `json:"playerRating" dynamodbav:"PlayerRating"`
	DurationSeconds float64 `json:"durationSeconds" dynamodbav:"DurationSeconds"`
}

// Store is the persistence surface used by the game server.
type Store interface {
	GetUser(ctx context.Context, userID string) (*PongUser, error)
	SaveUser(ctx context.Context, user PongUser) error
	RecordOutcome(ctx context.Context, userID string, won bool, ratingDelta int) error
	SaveMatch(ctx context.Context, rec MatchRecord) error
}

// Open returns the in-memory store in mock mode and DynamoDB otherwise.
func Open(ctx context.Context, useMocks bool, region string, logger zerolog.Logger) (Store, error) {
	if useMocks {
		logger.Info().Str("component", "db").Msg("running in mock mode, using in-memory database")
		return NewMock(mocks.GetMockDynamoDB()), nil
	}
	return NewDynamo(ctx, region, logger)
}
