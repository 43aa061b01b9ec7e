package matchmaking_test

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/jonboulle/clockwork"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mauricedolibois/rallyduel/backend/match"
	"github.com/mauricedolibois/rallyduel/backend/matchmaking"
)

var epoch = time.Date(2026, 1, 1, 12, 0, 0, 0, time.UTC)

type pair struct{ left, right matchmaking.Player }

type recordingCreator struct {
	mu    sync.Mutex
	pairs []pair
	fail  error
}

func (c *recordingCreator) CreateMatch(a, b matchmaking.Player) (string, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.fail != nil {
		return "", c.fail
	}
	c.pairs = append(c.pairs, pair{a, b})
	return fmt.Sprintf("match-%d", len(c.pairs)), nil
}

func (c *recordingCreator) Pairs() []pair {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]pair(nil), c.pairs...)
}

type activeSet map[string]bool

func (a activeSet) InMatch(identity string) bool { return a[identity] }

type statusUpdate struct {
	identity string
	position int
	wait     time.Duration
}

type recordingNotifier struct {
	mu      sync.Mutex
	updates []statusUpdate
}

func (n *recordingNotifier) QueueStatus(identity string, position int, wait time.Duration) {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.updates = append(n.updates, statusUpdate{identity, position, wait})
}

func (n *recordingNotifier) Count() int {
	n.mu.Lock()
	defer n.mu.Unlock()
	return len(n.updates)
}

type recordingMirror struct {
	mu     sync.Mutex
	queued map[string]time.Time
}

func (m *recordingMirror) AddQueued(_ context.Context, identity string, at time.Time) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.queued[identity] = at
	return nil
}

func (m *recordingMirror) RemoveQueued(_ context.Context, identity string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.queued, identity)
	return nil
}

func (m *recordingMirror) Has(identity string) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	_, ok := m.queued[identity]
	return ok
}

func player(id string, rating int) matchmaking.Player {
	return matchmaking.Player{Identity: id, DisplayName: "Player " + id, Rating: rating}
}

func newQueue(t *testing.T, creator *recordingCreator, opts ...matchmaking.Option) (*matchmaking.Queue, *clockwork.FakeClock) {
	t.Helper()
	clock := clockwork.NewFakeClockAt(epoch)
	q := matchmaking.NewQueue(matchmaking.DefaultConfig(), creator, append([]matchmaking.Option{matchmaking.WithClock(clock)}, opts...)...)
	t.Cleanup(q.Close)
	return q, clock
}

func waitForExpansions(t *testing.T, q *matchmaking.Queue, identity string, n int) {
	t.Helper()
	require.Eventually(t, func() bool {
		e, ok := q.Lookup(identity)
		return ok && e.Expansions == n
	}, time.Second, 5*time.Millisecond)
}

func TestBand(t *testing.T) {
	cfg := matchmaking.DefaultConfig()
	tests := []struct {
		rating, expansions int
		lo, hi             int
	}{
		{1200, 0, 1050, 1350},
		{1200, 3, 900, 1500},
		{850, 0, 800, 1000},
		{2950, 2, 2700, 3000},
		{1000, 20, 800, 2200},
		{500, 0, 800, 950},
		{3400, 1, 2800, 3000},
	}
	for _, tt := range tests {
		lo, hi := matchmaking.Band(tt.rating, tt.expansions, cfg)
		assert.Equal(t, tt.lo, lo, "rating %d expansions %d", tt.rating, tt.expansions)
		assert.Equal(t, tt.hi, hi, "rating %d expansions %d", tt.rating, tt.expansions)
	}
}

func TestEnqueueMatchesWithinInitialBand(t *testing.T) {
	tests := []struct{ a, b int }{
		{1200, 1350},
		{1200, 1050},
		{800, 950},
		{2900, 3000},
		{1500, 1500},
	}
	for _, tt := range tests {
		t.Run(fmt.Sprintf("%d_vs_%d", tt.a, tt.b), func(t *testing.T) {
			creator := &recordingCreator{}
			q, _ := newQueue(t, creator)

			res, err := q.Enqueue(player("a", tt.a))
			require.NoError(t, err)
			assert.False(t, res.Matched)
			assert.Equal(t, 1, res.Position)

			res, err = q.Enqueue(player("b", tt.b))
			require.NoError(t, err)
			require.True(t, res.Matched)
			assert.Equal(t, "match-1", res.MatchID)
			assert.Equal(t, "a", res.Opponent.Identity)
			assert.Zero(t, q.Len())

			pairs := creator.Pairs()
			require.Len(t, pairs, 1)
			assert.Equal(t, "a", pairs[0].left.Identity)
			assert.Equal(t, "b", pairs[0].right.Identity)
		})
	}
}

func TestSolitaryPlayerNeverMatches(t *testing.T) {
	creator := &recordingCreator{}
	q, clock := newQueue(t, creator)

	_, err := q.Enqueue(player("alone", 1200))
	require.NoError(t, err)

	for i := 1; i <= 5; i++ {
		clock.Advance(15 * time.Second)
		waitForExpansions(t, q, "alone", i)
	}
	assert.Empty(t, creator.Pairs())
	assert.Equal(t, 1, q.Len())
}

func TestBandWidensAfterFortyFiveSeconds(t *testing.T) {
	q, clock := newQueue(t, &recordingCreator{})

	_, err := q.Enqueue(player("p", 1500))
	require.NoError(t, err)
	e, ok := q.Lookup("p")
	require.True(t, ok)
	assert.Equal(t, 1350, e.MinRating)
	assert.Equal(t, 1650, e.MaxRating)

	clock.Advance(45 * time.Second)
	waitForExpansions(t, q, "p", 3)

	e, _ = q.Lookup("p")
	assert.Equal(t, 1200, e.MinRating)
	assert.Equal(t, 1800, e.MaxRating)
}

func TestExpansionPairsDistantPlayers(t *testing.T) {
	creator := &recordingCreator{}
	q, clock := newQueue(t, creator)

	_, err := q.Enqueue(player("low", 1200))
	require.NoError(t, err)
	_, err = q.Enqueue(player("high", 1500))
	require.NoError(t, err)
	assert.Empty(t, creator.Pairs())

	clock.Advance(44 * time.Second)
	waitForExpansions(t, q, "low", 2)
	waitForExpansions(t, q, "high", 2)
	assert.Empty(t, creator.Pairs())

	clock.Advance(time.Second)
	require.Eventually(t, func() bool { return len(creator.Pairs()) == 1 }, time.Second, 5*time.Millisecond)
	assert.Zero(t, q.Len())
}

func TestOneSidedBandIsEnough(t *testing.T) {
	creator := &recordingCreator{}
	q, clock := newQueue(t, creator)

	_, err := q.Enqueue(player("veteran", 1000))
	require.NoError(t, err)
	clock.Advance(45 * time.Second)
	waitForExpansions(t, q, "veteran", 3)

	// 1000 is outside the newcomer's [1130,1430] but 1280 is inside [800,1300]
	res, err := q.Enqueue(player("newcomer", 1280))
	require.NoError(t, err)
	require.True(t, res.Matched)
	assert.Equal(t, "veteran", res.Opponent.Identity)
}

func TestFirstFitInInsertionOrder(t *testing.T) {
	creator := &recordingCreator{}
	q, _ := newQueue(t, creator)

	_, err := q.Enqueue(player("a", 1000))
	require.NoError(t, err)
	_, err = q.Enqueue(player("b", 1300))
	require.NoError(t, err)
	require.Equal(t, 2, q.Len())

	res, err := q.Enqueue(player("c", 1150))
	require.NoError(t, err)
	require.True(t, res.Matched)
	assert.Equal(t, "a", res.Opponent.Identity)

	e, ok := q.Lookup("b")
	require.True(t, ok)
	assert.Equal(t, 1, q.Position(e.Identity))
}

func TestReEnqueueReplacesEntry(t *testing.T) {
	q, _ := newQueue(t, &recordingCreator{})

	_, err := q.Enqueue(player("p", 1000))
	require.NoError(t, err)
	_, err = q.Enqueue(player("p", 2000))
	require.NoError(t, err)

	assert.Equal(t, 1, q.Len())
	e, ok := q.Lookup("p")
	require.True(t, ok)
	assert.Equal(t, 2000, e.Rating)
	assert.Equal(t, 1850, e.MinRating)
	assert.Equal(t, 2150, e.MaxRating)
}

func TestEnqueueClampsOutOfRangeRating(t *testing.T) {
	creator := &recordingCreator{}
	q, _ := newQueue(t, creator)

	_, err := q.Enqueue(player("low", 500))
	require.NoError(t, err)
	e, ok := q.Lookup("low")
	require.True(t, ok)
	assert.Equal(t, 800, e.Rating)
	assert.Equal(t, 800, e.MinRating)
	assert.Equal(t, 950, e.MaxRating)

	_, err = q.Enqueue(player("high", 3600))
	require.NoError(t, err)
	e, ok = q.Lookup("high")
	require.True(t, ok)
	assert.Equal(t, 3000, e.Rating)
	assert.Equal(t, 2850, e.MinRating)

	// Only the clamped band of "low" reaches 950.
	res, err := q.Enqueue(player("mid", 950))
	require.NoError(t, err)
	require.True(t, res.Matched)
	assert.Equal(t, "low", res.Opponent.Identity)
}

func TestEnqueueRejectsPlayerInMatch(t *testing.T) {
	q, _ := newQueue(t, &recordingCreator{}, matchmaking.WithActiveChecker(activeSet{"busy": true}))

	_, err := q.Enqueue(player("busy", 1200))
	require.ErrorIs(t, err, matchmaking.ErrAlreadyInMatch)
	assert.Zero(t, q.Len())
}

func TestDequeue(t *testing.T) {
	creator := &recordingCreator{}
	notifier := &recordingNotifier{}
	q, clock := newQueue(t, creator, matchmaking.WithNotifier(notifier))

	assert.False(t, q.Dequeue("nobody"))

	_, err := q.Enqueue(player("p", 1200))
	require.NoError(t, err)
	assert.True(t, q.Dequeue("p"))
	assert.Zero(t, q.Len())
	assert.Zero(t, q.Position("p"))

	clock.Advance(time.Minute)
	time.Sleep(20 * time.Millisecond)
	assert.Zero(t, notifier.Count(), "cancelled entry must not expand")
}

func TestExpansionSendsQueueStatus(t *testing.T) {
	notifier := &recordingNotifier{}
	q, clock := newQueue(t, &recordingCreator{}, matchmaking.WithNotifier(notifier))

	res, err := q.Enqueue(player("p", 1200))
	require.NoError(t, err)
	assert.Equal(t, 30*time.Second, res.EstimatedWait)

	clock.Advance(15 * time.Second)
	require.Eventually(t, func() bool { return notifier.Count() == 1 }, time.Second, 5*time.Millisecond)

	notifier.mu.Lock()
	defer notifier.mu.Unlock()
	assert.Equal(t, "p", notifier.updates[0].identity)
	assert.Equal(t, 1, notifier.updates[0].position)
}

func TestEstimatedWaitTracksObservedWaits(t *testing.T) {
	q, _ := newQueue(t, &recordingCreator{})

	_, err := q.Enqueue(player("a", 1200))
	require.NoError(t, err)
	_, err = q.Enqueue(player("b", 1210))
	require.NoError(t, err)

	// two zero waits pull the average from 30s to 19.2s
	res, err := q.Enqueue(player("c", 2500))
	require.NoError(t, err)
	assert.Equal(t, 1, res.Position)
	assert.InDelta(t, float64(19200*time.Millisecond), float64(res.EstimatedWait), float64(time.Millisecond))

	res, err = q.Enqueue(player("d", 900))
	require.NoError(t, err)
	assert.Equal(t, 2, res.Position)
	assert.InDelta(t, float64(38400*time.Millisecond), float64(res.EstimatedWait), float64(time.Millisecond))
}

func TestCreatorFailureKeepsPlayersQueued(t *testing.T) {
	creator := &recordingCreator{fail: errors.New("registry closed")}
	q, _ := newQueue(t, creator)

	_, err := q.Enqueue(player("a", 1200))
	require.NoError(t, err)
	res, err := q.Enqueue(player("b", 1200))
	require.NoError(t, err)
	assert.False(t, res.Matched)
	assert.Equal(t, 2, q.Len())
}

func TestMirrorFollowsMembership(t *testing.T) {
	mirror := &recordingMirror{queued: map[string]time.Time{}}
	q, _ := newQueue(t, &recordingCreator{}, matchmaking.WithMirror(mirror))

	_, err := q.Enqueue(player("a", 1200))
	require.NoError(t, err)
	require.Eventually(t, func() bool { return mirror.Has("a") }, time.Second, 5*time.Millisecond)

	_, err = q.Enqueue(player("b", 1250))
	require.NoError(t, err)
	require.Eventually(t, func() bool { return !mirror.Has("a") && !mirror.Has("b") }, time.Second, 5*time.Millisecond)
}

func TestClosedQueueRejects(t *testing.T) {
	q, _ := newQueue(t, &recordingCreator{})
	_, err := q.Enqueue(player("a", 1200))
	require.NoError(t, err)

	q.Close()
	assert.Zero(t, q.Len())
	_, err = q.Enqueue(player("b", 1200))
	assert.ErrorIs(t, err, matchmaking.ErrQueueClosed)
}

func TestConcurrentEnqueueNeverDoubleBooks(t *testing.T) {
	const (
		identities = 200
		workers    = 3
	)
	clock := clockwork.NewFakeClockAt(epoch)
	registry := match.NewRegistry(match.DefaultConfig(), match.WithClock(clock))
	q := matchmaking.NewQueue(matchmaking.DefaultConfig(), registry,
		matchmaking.WithClock(clock),
		matchmaking.WithActiveChecker(registry),
	)
	t.Cleanup(func() {
		q.Close()
		registry.Close()
	})

	players := make([]matchmaking.Player, identities)
	for i := range players {
		players[i] = player(fmt.Sprintf("p%03d", i), 1000+(i%10)*120)
	}

	var wg sync.WaitGroup
	for w := 0; w < workers; w++ {
		wg.Add(1)
		go func(w int) {
			defer wg.Done()
			for i := range players {
				p := players[(i+w*67)%identities]
				if w == 0 && i%5 == 0 {
					q.Dequeue(p.Identity)
				}
				if _, err := q.Enqueue(p); err != nil {
					assert.ErrorIs(t, err, matchmaking.ErrAlreadyInMatch)
				}
			}
		}(w)
	}
	wg.Add(1)
	go func() {
		defer wg.Done()
		for i := 0; i < 4; i++ {
			clock.Advance(15 * time.Second)
			time.Sleep(time.Millisecond)
		}
	}()
	wg.Wait()

	// Expansion callbacks run on their own goroutines; let the last batch land.
	time.Sleep(50 * time.Millisecond)
	require.Eventually(t, func() bool {
		live, _ := registry.Counts()
		return 2*live+q.Len() == identities
	}, 2*time.Second, 10*time.Millisecond)

	perMatch := make(map[string]int)
	for _, p := range players {
		matchID, matched := registry.MatchOf(p.Identity)
		_, queued := q.Lookup(p.Identity)
		assert.True(t, matched != queued, "%s matched=%v queued=%v", p.Identity, matched, queued)
		if matched {
			perMatch[matchID]++
		}
	}
	live, _ := registry.Counts()
	assert.Len(t, perMatch, live)
	for id, n := range perMatch {
		assert.Equal(t, 2, n, "match %s", id)
	}
}
