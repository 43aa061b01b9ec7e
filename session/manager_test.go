package session_test

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/goccy/go-json"
	"github.com/jonboulle/clockwork"
	"github.com/rotisserie/eris"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mauricedolibois/rallyduel/backend/match"
	"github.com/mauricedolibois/rallyduel/backend/matchmaking"
	"github.com/mauricedolibois/rallyduel/backend/protocol"
	"github.com/mauricedolibois/rallyduel/backend/session"
)

var epoch = time.Date(2026, 1, 1, 12, 0, 0, 0, time.UTC)

type fakeConn struct {
	mu     sync.Mutex
	frames [][]byte
	closed bool
	full   bool
}

func (c *fakeConn) Send(data []byte) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed || c.full {
		return false
	}
	c.frames = append(c.frames, data)
	return true
}

func (c *fakeConn) Close() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.closed = true
}

func (c *fakeConn) IsClosed() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.closed
}

// Messages returns the decoded envelopes of the given type, in send order.
func (c *fakeConn) Messages(t *testing.T, msgType string) []protocol.Message {
	t.Helper()
	c.mu.Lock()
	defer c.mu.Unlock()
	var out []protocol.Message
	for _, f := range c.frames {
		msg, err := protocol.Decode(f)
		require.NoError(t, err)
		if msg.Type == msgType {
			out = append(out, msg)
		}
	}
	return out
}

type staticProfiles map[string]int

func (p staticProfiles) Lookup(_ context.Context, identity string) (matchmaking.Player, error) {
	rating, ok := p[identity]
	if !ok {
		return matchmaking.Player{}, eris.New("profile service unavailable")
	}
	return matchmaking.Player{Identity: identity, Rating: rating}, nil
}

type nopSink struct{}

func (nopSink) Persist(context.Context, match.Result) error { return nil }

type harness struct {
	mgr      *session.Manager
	dir      *session.Directory
	out      *session.Broadcaster
	queue    *matchmaking.Queue
	registry *match.Registry
	clock    *clockwork.FakeClock
}

func newHarness(t *testing.T) *harness {
	t.Helper()
	clock := clockwork.NewFakeClockAt(epoch)
	dir := session.NewDirectory()
	out := session.NewBroadcaster(dir, zerolog.Nop())
	registry := match.NewRegistry(match.DefaultConfig(),
		match.WithClock(clock),
		match.WithNotifier(out),
		match.WithResultSink(nopSink{}),
	)
	queue := matchmaking.NewQueue(matchmaking.DefaultConfig(), registry,
		matchmaking.WithClock(clock),
		matchmaking.WithActiveChecker(registry),
		matchmaking.WithNotifier(out),
	)
	profiles := staticProfiles{"alice": 1200, "bob": 1250, "carol": 2400}
	mgr := session.NewManager(dir, out, queue, registry, profiles, clock, zerolog.Nop())
	registry.Subscribe(mgr.OnMatchEvent)
	t.Cleanup(func() {
		queue.Close()
		registry.Close()
	})
	return &harness{mgr: mgr, dir: dir, out: out, queue: queue, registry: registry, clock: clock}
}

func (h *harness) connect(t *testing.T, identity string) (string, *fakeConn) {
	t.Helper()
	conn := &fakeConn{}
	id := h.mgr.Register(conn)
	require.NoError(t, h.mgr.Authenticate(id, identity, "Name "+identity))
	return id, conn
}

func (h *harness) send(connID string, msgType string, payload any) {
	data, err := protocol.Encode(msgType, payload)
	if err != nil {
		panic(err)
	}
	h.mgr.HandleMessage(context.Background(), connID, data)
}

func (h *harness) matchStatus(identity string) match.Status {
	id, ok := h.registry.MatchOf(identity)
	if !ok {
		return match.StatusCompleted
	}
	v, err := h.registry.Snapshot(id)
	if err != nil {
		return match.StatusCompleted
	}
	return v.Status
}

func (h *harness) advanceUntil(t *testing.T, identity string, want match.Status) {
	t.Helper()
	require.Eventually(t, func() bool {
		if h.matchStatus(identity) == want {
			return true
		}
		h.clock.Advance(250 * time.Millisecond)
		return false
	}, 2*time.Second, 2*time.Millisecond)
}

// pair queues alice and bob and drives their match to Playing.
func (h *harness) pair(t *testing.T) (aliceID string, alice *fakeConn, bobID string, bob *fakeConn) {
	t.Helper()
	aliceID, alice = h.connect(t, "alice")
	bobID, bob = h.connect(t, "bob")
	h.send(aliceID, protocol.TypeJoinQueue, nil)
	h.send(bobID, protocol.TypeJoinQueue, nil)
	require.True(t, h.registry.InMatch("alice"))

	h.send(aliceID, protocol.TypeMatchReady, nil)
	h.send(bobID, protocol.TypeMatchReady, nil)
	h.advanceUntil(t, "alice", match.StatusPlaying)
	return aliceID, alice, bobID, bob
}

func errorCodes(t *testing.T, c *fakeConn) []string {
	t.Helper()
	var codes []string
	for _, msg := range c.Messages(t, protocol.TypeError) {
		var e protocol.Error
		require.NoError(t, msg.DecodePayload(&e))
		codes = append(codes, e.Code)
	}
	return codes
}

func TestAuthenticationGates(t *testing.T) {
	h := newHarness(t)
	conn := &fakeConn{}
	id := h.mgr.Register(conn)

	_, err := h.mgr.JoinQueue(id, 1200)
	assert.ErrorIs(t, err, session.ErrNotAuthenticated)
	assert.ErrorIs(t, h.mgr.RouteInput(id, 300), session.ErrNotAuthenticated)
	assert.ErrorIs(t, h.mgr.Authenticate("missing", "alice", "Alice"), session.ErrConnectionNotFound)

	require.NoError(t, h.mgr.Authenticate(id, "alice", "Alice"))
	assert.ErrorIs(t, h.mgr.Authenticate(id, "alice", "Alice"), session.ErrAlreadyAuthenticated)

	rec, ok := h.dir.Get(id)
	require.True(t, ok)
	assert.Equal(t, "alice", rec.Identity)
	assert.Equal(t, "Alice", rec.DisplayName)
	assert.Equal(t, epoch, rec.JoinedAt)
	assert.Equal(t, 1, h.mgr.Connections())
}

func TestJoinQueueSendsStatus(t *testing.T) {
	h := newHarness(t)
	id, conn := h.connect(t, "alice")

	res, err := h.mgr.JoinQueue(id, 1200)
	require.NoError(t, err)
	assert.False(t, res.Matched)
	assert.Equal(t, 1, h.queue.Len())

	status := conn.Messages(t, protocol.TypeQueueStatus)
	require.Len(t, status, 1)
	var qs protocol.QueueStatus
	require.NoError(t, status[0].DecodePayload(&qs))
	assert.Equal(t, 1, qs.Position)
	assert.Equal(t, 30.0, qs.EstimatedWaitSeconds)

	require.NoError(t, h.mgr.LeaveQueue(id))
	require.NoError(t, h.mgr.LeaveQueue(id))
	assert.Zero(t, h.queue.Len())
}

func TestPairingNotifiesBoth(t *testing.T) {
	h := newHarness(t)
	aliceID, alice := h.connect(t, "alice")
	bobID, bob := h.connect(t, "bob")

	h.send(aliceID, protocol.TypeJoinQueue, nil)
	h.send(bobID, protocol.TypeJoinQueue, nil)

	matchID, ok := h.registry.MatchOf("alice")
	require.True(t, ok)

	for _, c := range []*fakeConn{alice, bob} {
		found := c.Messages(t, protocol.TypeMatchFound)
		require.Len(t, found, 1)
		var mf protocol.MatchFound
		require.NoError(t, found[0].DecodePayload(&mf))
		assert.Equal(t, matchID, mf.MatchID)
	}
	rec, _ := h.dir.Get(bobID)
	assert.Equal(t, matchID, rec.MatchID)

	_, err := h.mgr.JoinQueue(aliceID, 1200)
	assert.ErrorIs(t, err, matchmaking.ErrAlreadyInMatch)
	assert.Zero(t, h.queue.Len())
}

func TestRouteInputRequiresMatch(t *testing.T) {
	h := newHarness(t)
	id, conn := h.connect(t, "alice")

	assert.ErrorIs(t, h.mgr.RouteInput(id, 300), session.ErrNotInMatch)
	assert.ErrorIs(t, h.mgr.MarkReady(id), session.ErrNotInMatch)

	h.send(id, protocol.TypeMatchInput, protocol.MatchInput{PaddleY: ptr(300)})
	assert.Equal(t, []string{protocol.CodeNotInMatch}, errorCodes(t, conn))
}

func TestInputBeforePlayingIsRejected(t *testing.T) {
	h := newHarness(t)
	aliceID, _ := h.connect(t, "alice")
	bobID, _ := h.connect(t, "bob")
	h.send(aliceID, protocol.TypeJoinQueue, nil)
	h.send(bobID, protocol.TypeJoinQueue, nil)

	assert.ErrorIs(t, h.mgr.RouteInput(aliceID, 300), match.ErrNotPlaying)
}

func TestPlayingFlowRoutesInput(t *testing.T) {
	h := newHarness(t)
	aliceID, alice, bobID, bob := h.pair(t)

	assert.Len(t, alice.Messages(t, protocol.TypeMatchStart), 1)
	assert.Len(t, bob.Messages(t, protocol.TypeMatchCountdown), 3)

	h.send(bobID, protocol.TypeMatchInput, protocol.MatchInput{PaddleY: ptr(420)})
	matchID, _ := h.registry.MatchOf("bob")
	v, err := h.registry.Snapshot(matchID)
	require.NoError(t, err)
	assert.Equal(t, 420.0, v.State.Right.Y)

	h.send(aliceID, protocol.TypeMatchInput, protocol.MatchInput{PaddleY: ptr(600)})
	h.send(aliceID, protocol.TypeMatchInput, nil)
	assert.Equal(t, []string{protocol.CodeInvalidInput, protocol.CodeInvalidInput}, errorCodes(t, alice))
	v, _ = h.registry.Snapshot(matchID)
	assert.Equal(t, 250.0, v.State.Left.Y)

	require.NoError(t, h.registry.Tick(matchID, 1.0/60))
	frames := alice.Messages(t, protocol.TypeMatchState)
	require.Len(t, frames, 1)
	var st protocol.MatchState
	require.NoError(t, frames[0].DecodePayload(&st))
	assert.Equal(t, 420.0, st.Paddles.Right)
	assert.InDelta(t, 303.0, st.Ball.Y, 1e-9)
}

func TestDisconnectWhileQueued(t *testing.T) {
	h := newHarness(t)
	id, _ := h.connect(t, "alice")
	_, err := h.mgr.JoinQueue(id, 1200)
	require.NoError(t, err)

	h.mgr.HandleDisconnect(id)
	assert.Zero(t, h.queue.Len())
	_, ok := h.dir.Get(id)
	assert.False(t, ok)
	assert.Zero(t, h.mgr.Connections())

	h.mgr.HandleDisconnect(id)
}

func TestReconnectResumesMatch(t *testing.T) {
	h := newHarness(t)
	aliceID, _, _, bob := h.pair(t)
	matchID, _ := h.registry.MatchOf("alice")

	h.mgr.HandleDisconnect(aliceID)
	assert.Equal(t, match.StatusPaused, h.matchStatus("bob"))
	assert.Len(t, bob.Messages(t, protocol.TypeOpponentDisconnected), 1)

	h.clock.Advance(20 * time.Second)
	newID, conn := h.connect(t, "alice")

	assert.Equal(t, match.StatusPlaying, h.matchStatus("alice"))
	rec, ok := h.dir.Get(newID)
	require.True(t, ok)
	assert.Equal(t, matchID, rec.MatchID)
	assert.Len(t, conn.Messages(t, protocol.TypeMatchFound), 1)
	assert.Len(t, bob.Messages(t, protocol.TypeOpponentReconnected), 1)

	require.NoError(t, h.mgr.RouteInput(newID, 123))
}

func TestReconnectAfterGraceFindsMatchEnded(t *testing.T) {
	h := newHarness(t)
	aliceID, _, bobID, bob := h.pair(t)

	h.mgr.HandleDisconnect(aliceID)
	h.clock.Advance(31 * time.Second)
	require.Eventually(t, func() bool {
		rec, _ := h.dir.Get(bobID)
		return !h.registry.InMatch("bob") && rec.MatchID == ""
	}, time.Second, 2*time.Millisecond)

	end := bob.Messages(t, protocol.TypeMatchEnd)
	require.Len(t, end, 1)
	var me protocol.MatchEnd
	require.NoError(t, end[0].DecodePayload(&me))
	assert.Equal(t, string(match.ReasonDisconnection), me.Reason)
	require.NotNil(t, me.Winner)
	assert.Equal(t, "bob", *me.Winner)

	rec, _ := h.dir.Get(bobID)
	assert.Empty(t, rec.MatchID)

	newID, _ := h.connect(t, "alice")
	rec, _ = h.dir.Get(newID)
	assert.Empty(t, rec.MatchID)
	assert.ErrorIs(t, h.mgr.RouteInput(newID, 300), session.ErrNotInMatch)
}

func TestNewConnectionSupersedesOld(t *testing.T) {
	h := newHarness(t)
	aliceID, alice, _, _ := h.pair(t)

	newID, _ := h.connect(t, "alice")
	assert.True(t, alice.IsClosed())

	h.mgr.HandleDisconnect(aliceID)
	assert.Equal(t, match.StatusPlaying, h.matchStatus("alice"), "stale connection must not pause the match")

	rec, ok := h.dir.ByIdentity("alice")
	require.True(t, ok)
	assert.Equal(t, newID, rec.ID)
	assert.NotEmpty(t, rec.MatchID)
}

func TestHandleMessageRejections(t *testing.T) {
	h := newHarness(t)
	anon := &fakeConn{}
	anonID := h.mgr.Register(anon)
	h.send(anonID, protocol.TypeJoinQueue, nil)

	id, conn := h.connect(t, "dave")
	h.mgr.HandleMessage(context.Background(), id, []byte("{"))
	h.mgr.HandleMessage(context.Background(), id, []byte(`{"type":"warp-drive"}`))
	h.send(id, protocol.TypeJoinQueue, nil)

	assert.Equal(t, []string{protocol.CodeNotAuthenticated}, errorCodes(t, anon))
	assert.Equal(t, []string{protocol.CodeBadRequest, protocol.CodeBadRequest, protocol.CodeInternal}, errorCodes(t, conn))
	assert.Zero(t, h.queue.Len(), "failed rating lookup must not queue")
}

func TestMatchEndClearsRecords(t *testing.T) {
	h := newHarness(t)
	aliceID, _, bobID, _ := h.pair(t)
	matchID, _ := h.registry.MatchOf("alice")

	require.NoError(t, h.registry.EndMatch(matchID, match.ReasonAdminAbort))
	for _, id := range []string{aliceID, bobID} {
		rec, _ := h.dir.Get(id)
		assert.Empty(t, rec.MatchID)
	}

	_, err := h.mgr.JoinQueue(aliceID, 1200)
	assert.NoError(t, err)
}

func TestBroadcasterDropsForSlowConnections(t *testing.T) {
	h := newHarness(t)
	slow := &fakeConn{full: true}
	slowID := h.mgr.Register(slow)
	require.NoError(t, h.mgr.Authenticate(slowID, "slow", "Slow"))
	_, fast := h.connect(t, "fast")

	h.out.Broadcast([]string{"slow", "fast", "ghost"}, protocol.TypeMatchScore, protocol.MatchScore{LeftScore: 1})

	require.Len(t, fast.Messages(t, protocol.TypeMatchScore), 1)
	assert.Empty(t, slow.Messages(t, protocol.TypeMatchScore))

	var raw map[string]any
	fast.mu.Lock()
	require.NoError(t, json.Unmarshal(fast.frames[0], &raw))
	fast.mu.Unlock()
	assert.Equal(t, protocol.TypeMatchScore, raw["type"])
}

func ptr(v float64) *float64 { return &v }
