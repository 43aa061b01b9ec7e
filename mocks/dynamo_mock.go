package mocks

import (
	"sort"
	"sync"
	"time"

	"github.com/rs/zerolog/log"
)

// MockDynamoDB provides an in-memory mock for DynamoDB operations
type MockDynamoDB struct {
	mu      sync.RWMutex
	users   map[string]PongUser
	matches []MatchRecord
}

// PongUser represents a user in the mock database
type PongUser struct {
	UserID string `json:"userId"`
	Name   string `json:"name"`
	Rating int    `json:"rating"`
	Wins   int    `json:"wins"`
	Losses int    `json:"losses"`
}

// MatchRecord is one participant's view of a finished match
type MatchRecord struct {
	MatchID         string  `json:"matchId"`
	PlayerID        string  `json:"playerId"`
	Timestamp       int64   `json:"timestamp"`
	Side            string  `json:"side"`
	Score           int     `json:"score"`
	OpponentScore   int     `json:"opponentScore"`
	Reason          string  `json:"reason"`
	Won             bool    `json:"won"`
	WinnerID        string  `json:"winnerId"`
	Opponent        string  `json:"opponent"`
	PlayerName      string  `json:"playerName"`
	OpponentName    string  `json:"opponentName"`
	PlayerRating    int     `json:"playerRating"`
	DurationSeconds float64 `json:"durationSeconds"`
}

var mockDynamoInstance *MockDynamoDB
var mockDynamoOnce sync.Once

// GetMockDynamoDB returns the singleton mock DynamoDB instance
func GetMockDynamoDB() *MockDynamoDB {
	mockDynamoOnce.Do(func() {
		mockDynamoInstance = NewMockDynamoDB()
		// Add some sample data for local development
		mockDynamoInstance.seedData()
		log.Info().Msg("[MOCK] In-memory DynamoDB initialized for local development")
	})
	return mockDynamoInstance
}

// NewMockDynamoDB returns an empty, unseeded mock
func NewMockDynamoDB() *MockDynamoDB {
	return &MockDynamoDB{
		users:   make(map[string]PongUser),
		matches: make([]MatchRecord, 0),
	}
}

// seedData adds sample players across the rating range
func (m *MockDynamoDB) seedData() {
	sampleUsers := []PongUser{
		{UserID: "mock-user-1", Name: "Alice Spin", Rating: 1500, Wins: 12, Losses: 4},
		{UserID: "mock-user-2", Name: "Bob Lob", Rating: 1200},
		{UserID: "mock-user-3", Name: "Charlie Smash", Rating: 900, Wins: 1, Losses: 9},
	}
	for _, u := range sampleUsers {
		m.users[u.UserID] = u
	}
	log.Info().Int("users", len(sampleUsers)).Msg("[MOCK] Seeded users for local development")
}

// --- User Operations ---

// SaveUser saves a user, keeping rating and record of an existing one
func (m *MockDynamoDB) SaveUser(user PongUser) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if existing, exists := m.users[user.UserID]; exists {
		user.Rating = existing.Rating
		user.Wins = existing.Wins
		user.Losses = existing.Losses
	}
	m.users[user.UserID] = user
	log.Debug().Str("user", user.UserID).Msg("[MOCK] User saved")
	return nil
}

// GetUser retrieves a user by ID, nil when absent
func (m *MockDynamoDB) GetUser(userID string) (*PongUser, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	user, exists := m.users[userID]
	if !exists {
		return nil, nil
	}
	return &user, nil
}

// RecordOutcome adjusts a user's rating and win/loss counters
func (m *MockDynamoDB) RecordOutcome(userID string, won bool, ratingDelta, baseRating int) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	user, exists := m.users[userID]
	if !exists {
		user = PongUser{UserID: userID, Rating: baseRating}
	}
	if user.Rating == 0 {
		user.Rating = baseRating
	}
	user.Rating += ratingDelta
	if won {
		user.Wins++
	} else {
		user.Losses++
	}
	m.users[userID] = user
	log.Debug().Str("user", userID).Int("delta", ratingDelta).Int("rating", user.Rating).Msg("[MOCK] Outcome recorded")
	return nil
}

// --- Match Operations ---

// SaveMatch saves a per-player match record
func (m *MockDynamoDB) SaveMatch(rec MatchRecord) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if rec.Timestamp == 0 {
		rec.Timestamp = time.Now().Unix()
	}
	m.matches = append(m.matches, rec)
	log.Debug().Str("match", rec.MatchID).Str("player", rec.PlayerID).Msg("[MOCK] Match record saved")
	return nil
}

// GetMatchesByPlayer returns a player's matches, newest first
func (m *MockDynamoDB) GetMatchesByPlayer(playerID string, limit int) ([]MatchRecord, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	out := make([]MatchRecord, 0)
	for _, r := range m.matches {
		if r.PlayerID == playerID {
			out = append(out, r)
		}
	}
	sort.Slice(out, func(i, j int) bool {
		return out[i].Timestamp > out[j].Timestamp
	})

	if limit > len(out) {
		limit = len(out)
	}
	return out[:limit], nil
}

// CountMatchesByPlayer returns the total number of matches for a player
func (m *MockDynamoDB) CountMatchesByPlayer(playerID string) int {
	m.mu.RLock()
	defer m.mu.RUnlock()

	count := 0
	for _, r := range m.matches {
		if r.PlayerID == playerID {
			count++
		}
	}
	return count
}
