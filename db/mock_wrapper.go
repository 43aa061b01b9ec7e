package db

import (
	"context"

	"github.com/mauricedolibois/rallyduel/backend/mocks"
)

// Mock adapts the in-memory MockDynamoDB to Store.
type Mock struct {
	db *mocks.MockDynamoDB
}

func NewMock(db *mocks.MockDynamoDB) *Mock {
	return &Mock{db: db}
}

func (m *Mock) GetUser(_ context.Context, userID string) (*PongUser, error) {
	mockUser, err := m.db.GetUser(userID)
	if err != nil || mockUser == nil {
		return nil, err
	}
	return &PongUser{
		UserID: mockUser.UserID,
		Name:   mockUser.Name,
		Rating: mockUser.Rating,
		Wins:   mockUser.Wins,
		Losses: mockUser.Losses,
	}, nil
}

func (m *Mock) SaveUser(_ context.Context, user PongUser) error {
	return m.db.SaveUser(mocks.PongUser{
		UserID: user.UserID,
		Name:   user.Name,
		Rating: user.Rating,
		Wins:   user.Wins,
		Losses: user.Losses,
	})
}

func (m *Mock) RecordOutcome(_ context.Context, userID string, won bool, ratingDelta int) error {
	return m.db.RecordOutcome(userID, won, ratingDelta, DefaultRating)
}

func (m *Mock) SaveMatch(_ context.Context, rec MatchRecord) error {
	return m.db.SaveMatch(mocks.MatchRecord{
		MatchID:         rec.MatchID,
		PlayerID:        rec.PlayerID,
		Timestamp:       rec.Timestamp,
		Side:            rec.Side,
		Score:           rec.Score,
		OpponentScore:   rec.OpponentScore,
		Reason:          rec.Reason,
		Won:             rec.Won,
		WinnerID:        rec.WinnerID,
		Opponent:        rec.Opponent,
		PlayerName:      rec.PlayerName,
		OpponentName:    rec.OpponentName,
		PlayerRating:    rec.PlayerRating,
		DurationSeconds: rec.DurationSeconds,
	})
}
