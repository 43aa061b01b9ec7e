package mocks

import (
	"fmt"
	"sync"
	"testing"
)

func TestSaveAndGetUser(t *testing.T) {
	db := NewMockDynamoDB()

	user := PongUser{UserID: "test-user-1", Name: "Test User", Rating: 1400}
	if err := db.SaveUser(user); err != nil {
		t.Fatalf("SaveUser failed: %v", err)
	}

	retrieved, err := db.GetUser("test-user-1")
	if err != nil {
		t.Fatalf("GetUser failed: %v", err)
	}
	if retrieved == nil {
		t.Fatal("GetUser returned nil for existing user")
	}
	if retrieved.Name != user.Name {
		t.Errorf("Name mismatch: got %s, want %s", retrieved.Name, user.Name)
	}
	if retrieved.Rating != 1400 {
		t.Errorf("Expected rating 1400, got %d", retrieved.Rating)
	}
}

func TestGetUser_NotFound(t *testing.T) {
	db := NewMockDynamoDB()

	retrieved, err := db.GetUser("non-existent-user")
	if err != nil {
		t.Fatalf("GetUser failed: %v", err)
	}
	if retrieved != nil {
		t.Errorf("Expected nil for missing user, got %+v", retrieved)
	}
}

func TestSaveUser_PreservesRatingOnUpdate(t *testing.T) {
	db := NewMockDynamoDB()

	db.SaveUser(PongUser{UserID: "u1", Name: "Old Name", Rating: 1200})
	db.RecordOutcome("u1", true, 16, 1200)

	// Profile refresh must not reset rating or record
	db.SaveUser(PongUser{UserID: "u1", Name: "New Name"})

	u, _ := db.GetUser("u1")
	if u.Name != "New Name" {
		t.Errorf("Expected name to update, got %s", u.Name)
	}
	if u.Rating != 1216 {
		t.Errorf("Expected rating 1216 preserved, got %d", u.Rating)
	}
	if u.Wins != 1 {
		t.Errorf("Expected 1 win preserved, got %d", u.Wins)
	}
}

func TestRecordOutcome(t *testing.T) {
	db := NewMockDynamoDB()
	db.SaveUser(PongUser{UserID: "u1", Rating: 1500})

	db.RecordOutcome("u1", false, -20, 1200)
	db.RecordOutcome("u1", false, -10, 1200)

	u, _ := db.GetUser("u1")
	if u.Rating != 1470 {
		t.Errorf("Expected rating 1470, got %d", u.Rating)
	}
	if u.Losses != 2 || u.Wins != 0 {
		t.Errorf("Expected 0-2 record, got %d-%d", u.Wins, u.Losses)
	}
}

func TestRecordOutcome_UnknownUserStartsAtBase(t *testing.T) {
	db := NewMockDynamoDB()

	db.RecordOutcome("ghost", true, 16, 1200)

	u, _ := db.GetUser("ghost")
	if u == nil {
		t.Fatal("Expected user to be created")
	}
	if u.Rating != 1216 {
		t.Errorf("Expected rating 1216, got %d", u.Rating)
	}
}

func TestSaveMatchAndHistory(t *testing.T) {
	db := NewMockDynamoDB()

	db.SaveMatch(MatchRecord{MatchID: "m1", PlayerID: "p1", Timestamp: 100, Score: 11, OpponentScore: 4, Won: true})
	db.SaveMatch(MatchRecord{MatchID: "m1", PlayerID: "p2", Timestamp: 100, Score: 4, OpponentScore: 11})
	db.SaveMatch(MatchRecord{MatchID: "m2", PlayerID: "p1", Timestamp: 300, Score: 9, OpponentScore: 11})
	db.SaveMatch(MatchRecord{MatchID: "m3", PlayerID: "p1", Timestamp: 200, Score: 11, OpponentScore: 10, Won: true})

	history, err := db.GetMatchesByPlayer("p1", 10)
	if err != nil {
		t.Fatalf("GetMatchesByPlayer failed: %v", err)
	}
	if len(history) != 3 {
		t.Fatalf("Expected 3 matches for p1, got %d", len(history))
	}
	if history[0].MatchID != "m2" || history[1].MatchID != "m3" || history[2].MatchID != "m1" {
		t.Errorf("Expected newest first, got %s %s %s", history[0].MatchID, history[1].MatchID, history[2].MatchID)
	}

	if n := db.CountMatchesByPlayer("p2"); n != 1 {
		t.Errorf("Expected 1 match for p2, got %d", n)
	}
}

func TestSaveMatch_StampsTimestamp(t *testing.T) {
	db := NewMockDynamoDB()
	db.SaveMatch(MatchRecord{MatchID: "m1", PlayerID: "p1"})

	history, _ := db.GetMatchesByPlayer("p1", 1)
	if history[0].Timestamp == 0 {
		t.Error("Expected timestamp to be set")
	}
}

func TestConcurrentUserOperations(t *testing.T) {
	db := NewMockDynamoDB()
	db.SaveUser(PongUser{UserID: "shared", Rating: 1200})

	var wg sync.WaitGroup
	for i := 0; i < 50; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			db.RecordOutcome("shared", i%2 == 0, 1, 1200)
			db.SaveMatch(MatchRecord{MatchID: fmt.Sprintf("m%d", i), PlayerID: "shared"})
		}(i)
	}
	wg.Wait()

	u, _ := db.GetUser("shared")
	if u.Rating != 1250 {
		t.Errorf("Expected rating 1250 after 50 increments, got %d", u.Rating)
	}
	if u.Wins+u.Losses != 50 {
		t.Errorf("Expected 50 outcomes, got %d", u.Wins+u.Losses)
	}
	if n := db.CountMatchesByPlayer("shared"); n != 50 {
		t.Errorf("Expected 50 match records, got %d", n)
	}
}
