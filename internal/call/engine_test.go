package call_test

import (
	"context"
	"encoding/json"
	"errors"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"

	"realtime_go/internal/call"
	"realtime_go/internal/clock"
	"realtime_go/internal/domain"
	"realtime_go/internal/room"
	"realtime_go/internal/store/memory"
	"realtime_go/internal/turn"
)

type push struct {
	UserID string
	Event  string
	Data   any
}

type recorder struct {
	mu     sync.Mutex
	pushes []push
}

func (r *recorder) SendToUser(_ context.Context, userID, event string, data any) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.pushes = append(r.pushes, push{userID, event, data})
}

func (r *recorder) to(userID, event string) []push {
	r.mu.Lock()
	defer r.mu.Unlock()
	var out []push
	for _, p := range r.pushes {
		if p.UserID == userID && p.Event == event {
			out = append(out, p)
		}
	}
	return out
}

func (r *recorder) count() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.pushes)
}

var (
	alice = domain.Identity{UserID: "alice", DisplayName: "Alice", Avatar: "https://cdn.example.com/a.png"}
	bob   = domain.Identity{UserID: "bob", DisplayName: "Bob"}
)

type fixture struct {
	engine *call.Engine
	store  *memory.Store
	push   *recorder
	clock  *clock.FakeClock
}

func newFixture(t *testing.T, calls domain.CallRepository) *fixture {
	t.Helper()
	store := memory.New()
	store.AddConversation("c1", "alice", "bob", "carol")
	if calls == nil {
		calls = store
	}
	clk := clock.Fake(time.Date(2024, 5, 1, 12, 0, 0, 0, time.UTC))
	rec := &recorder{}
	issuer := turn.NewIssuer(turn.Config{
		STUNURIs: []string{"stun:stun.example.com:3478"},
		TURNURIs: []string{"turn:turn.example.com:3478"},
		Secret:   "secret",
	}, clk)
	rooms := room.NewRouter(store, nil, time.Minute, time.Second, nil)
	engine := call.NewEngine(calls, rooms, issuer, rec, call.Options{
		RingTimeout: 45 * time.Second,
		Clock:       clk,
	})
	return &fixture{engine: engine, store: store, push: rec, clock: clk}
}

func (f *fixture) ring(t *testing.T, kind domain.CallKind) string {
	t.Helper()
	g, err := f.engine.Initiate(context.Background(), alice, call.InitiateInput{
		ConversationID: "c1",
		RecipientID:    "bob",
		Kind:           kind,
	})
	require.NoError(t, err)
	return g.CallID
}

func TestVideoCallEndsOnDisconnect(t *testing.T) {
	f := newFixture(t, nil)
	ctx := context.Background()

	g, err := f.engine.Initiate(ctx, alice, call.InitiateInput{ConversationID: "c1", RecipientID: "bob", Kind: domain.CallVideo})
	require.NoError(t, err)
	assert.NotEmpty(t, g.RelayCredentials.ICEServers)

	incoming := f.push.to("bob", call.EventIncoming)
	require.Len(t, incoming, 1)
	ev := incoming[0].Data.(call.IncomingEvent)
	assert.Equal(t, domain.CallVideo, ev.CallKind)
	assert.Equal(t, alice, ev.Caller)
	assert.Equal(t, g.CallID, ev.CallID)

	accepted, err := f.engine.Accept(ctx, "bob", g.CallID)
	require.NoError(t, err)
	assert.True(t, strings.HasSuffix(accepted.RelayCredentials.ICEServers[1].Username, ":bob"))
	require.Len(t, f.push.to("alice", call.EventAccepted), 1)

	f.clock.Advance(90 * time.Second)
	f.engine.Disconnect("bob")
	f.engine.Wait()

	ended := f.push.to("alice", call.EventEnded)
	require.Len(t, ended, 1)
	assert.Equal(t, call.EndedEvent{
		CallID:   g.CallID,
		EndedBy:  "bob",
		Duration: 90,
		Reason:   call.ReasonDisconnected,
	}, ended[0].Data)
	assert.Zero(t, f.engine.Active())

	stored, ok := f.store.Call(g.CallID)
	require.True(t, ok)
	assert.Equal(t, domain.CallEnded, stored.State)
	assert.EqualValues(t, 90, stored.DurationSecs)
}

func TestAcceptRequiresRinging(t *testing.T) {
	f := newFixture(t, nil)
	ctx := context.Background()
	id := f.ring(t, domain.CallAudio)

	_, err := f.engine.Accept(ctx, "bob", id)
	require.NoError(t, err)

	_, err = f.engine.Accept(ctx, "bob", id)
	assert.ErrorIs(t, err, domain.ErrCallNotFound)
	assert.ErrorIs(t, err, domain.ErrNotFound)
	assert.Len(t, f.push.to("alice", call.EventAccepted), 1)

	_, err = f.engine.Accept(ctx, "bob", "unknown")
	assert.ErrorIs(t, err, domain.ErrCallNotFound)
}

func TestOnlyRecipientAccepts(t *testing.T) {
	f := newFixture(t, nil)
	id := f.ring(t, domain.CallAudio)

	_, err := f.engine.Accept(context.Background(), "alice", id)
	assert.ErrorIs(t, err, domain.ErrValidationFailed)

	_, err = f.engine.Accept(context.Background(), "carol", id)
	assert.ErrorIs(t, err, domain.ErrCallNotFound)
}

func TestEndTwiceIsIdempotent(t *testing.T) {
	f := newFixture(t, nil)
	ctx := context.Background()
	id := f.ring(t, domain.CallAudio)
	_, err := f.engine.Accept(ctx, "bob", id)
	require.NoError(t, err)

	require.NoError(t, f.engine.End(ctx, "alice", id))
	pushes := f.push.count()
	require.NoError(t, f.engine.End(ctx, "alice", id))
	require.NoError(t, f.engine.End(ctx, "bob", id))
	assert.Equal(t, pushes, f.push.count())

	ended := f.push.to("bob", call.EventEnded)
	require.Len(t, ended, 1)
	assert.Equal(t, call.ReasonCompleted, ended[0].Data.(call.EndedEvent).Reason)

	assert.ErrorIs(t, f.engine.End(ctx, "carol", id), domain.ErrCallNotFound)
}

func TestCallerCancelsBeforeAnswer(t *testing.T) {
	f := newFixture(t, nil)
	id := f.ring(t, domain.CallAudio)

	require.NoError(t, f.engine.End(context.Background(), "alice", id))
	ended := f.push.to("bob", call.EventEnded)
	require.Len(t, ended, 1)
	ev := ended[0].Data.(call.EndedEvent)
	assert.Zero(t, ev.Duration)
	assert.Equal(t, call.ReasonCancelled, ev.Reason)
	assert.Zero(t, f.clock.Pending())
}

func TestReject(t *testing.T) {
	f := newFixture(t, nil)
	ctx := context.Background()
	id := f.ring(t, domain.CallVideo)

	require.NoError(t, f.engine.Reject(ctx, "bob", id, "busy"))
	require.NoError(t, f.engine.Reject(ctx, "bob", id, "busy"))

	rejected := f.push.to("alice", call.EventRejected)
	require.Len(t, rejected, 1)
	assert.Equal(t, call.RejectedEvent{CallID: id, RejectedBy: "bob", Reason: "busy"}, rejected[0].Data)

	rec, ok := f.engine.Snapshot(id)
	require.True(t, ok)
	assert.Equal(t, domain.CallRejected, rec.State)

	_, err := f.engine.Accept(ctx, "bob", id)
	assert.ErrorIs(t, err, domain.ErrCallNotFound)
}

func TestRingTimeoutMissesCall(t *testing.T) {
	f := newFixture(t, nil)
	id := f.ring(t, domain.CallAudio)

	f.clock.Advance(44 * time.Second)
	assert.Equal(t, 1, f.engine.Active())

	f.clock.Advance(time.Second)
	assert.Zero(t, f.engine.Active())
	assert.Len(t, f.push.to("alice", call.EventMissed), 1)
	assert.Len(t, f.push.to("bob", call.EventMissed), 1)

	rec, ok := f.engine.Snapshot(id)
	require.True(t, ok)
	assert.Equal(t, domain.CallMissed, rec.State)
	assert.Equal(t, call.ReasonNoAnswer, rec.Reason)
}

func TestAcceptedCallIsNotMissed(t *testing.T) {
	f := newFixture(t, nil)
	id := f.ring(t, domain.CallAudio)
	_, err := f.engine.Accept(context.Background(), "bob", id)
	require.NoError(t, err)

	f.clock.Advance(time.Minute)
	assert.Equal(t, 1, f.engine.Active())
	assert.Empty(t, f.push.to("alice", call.EventMissed))
}

func TestSignalingRelay(t *testing.T) {
	f := newFixture(t, nil)
	ctx := context.Background()
	id := f.ring(t, domain.CallVideo)
	sdp := json.RawMessage(`{"type":"offer","sdp":"v=0"}`)

	require.NoError(t, f.engine.Relay(ctx, "alice", id, call.EventOffer, "bob", sdp))
	got := f.push.to("bob", call.EventOffer)
	require.Len(t, got, 1)
	assert.Equal(t, call.SignalEvent{CallID: id, From: "alice", Payload: sdp}, got[0].Data)

	require.NoError(t, f.engine.Relay(ctx, "bob", id, call.EventICECandidate, "", json.RawMessage(`{"candidate":"c"}`)))
	assert.Len(t, f.push.to("alice", call.EventICECandidate), 1)

	assert.ErrorIs(t, f.engine.Relay(ctx, "alice", id, call.EventOffer, "carol", sdp), domain.ErrValidationFailed)
	assert.ErrorIs(t, f.engine.Relay(ctx, "alice", "nope", call.EventOffer, "bob", sdp), domain.ErrCallNotFound)
}

func TestFailAfterAnswer(t *testing.T) {
	f := newFixture(t, nil)
	ctx := context.Background()
	id := f.ring(t, domain.CallVideo)

	assert.ErrorIs(t, f.engine.Fail(ctx, "alice", id, "ice"), domain.ErrValidationFailed)
	_, err := f.engine.Accept(ctx, "bob", id)
	require.NoError(t, err)

	require.NoError(t, f.engine.Fail(ctx, "alice", id, "ice failed"))
	assert.Len(t, f.push.to("bob", call.EventFailed), 1)
	rec, _ := f.engine.Snapshot(id)
	assert.Equal(t, domain.CallFailed, rec.State)
}

func TestInitiateValidation(t *testing.T) {
	f := newFixture(t, nil)
	ctx := context.Background()

	_, err := f.engine.Initiate(ctx, alice, call.InitiateInput{ConversationID: "c1", RecipientID: "bob", Kind: "hologram"})
	assert.ErrorIs(t, err, domain.ErrValidationFailed)
	_, err = f.engine.Initiate(ctx, alice, call.InitiateInput{ConversationID: "c1", RecipientID: "alice", Kind: domain.CallAudio})
	assert.ErrorIs(t, err, domain.ErrValidationFailed)
	_, err = f.engine.Initiate(ctx, alice, call.InitiateInput{ConversationID: "c1", RecipientID: "dave", Kind: domain.CallAudio})
	assert.ErrorIs(t, err, domain.ErrValidationFailed)
	_, err = f.engine.Initiate(ctx, domain.Identity{UserID: "mallory"}, call.InitiateInput{ConversationID: "c1", RecipientID: "bob", Kind: domain.CallAudio})
	assert.ErrorIs(t, err, domain.ErrForbiddenNotMember)
	assert.Zero(t, f.push.count())
}

type MockCallRepo struct {
	mock.Mock
}

func (m *MockCallRepo) CreateCall(ctx context.Context, c *domain.CallRecord) error {
	return m.Called(ctx, c).Error(0)
}

func (m *MockCallRepo) UpdateCall(ctx context.Context, c *domain.CallRecord) error {
	return m.Called(ctx, c).Error(0)
}

func TestInitiatePersistenceFailure(t *testing.T) {
	repo := new(MockCallRepo)
	repo.On("CreateCall", mock.Anything, mock.Anything).Return(errors.New("db down")).Once()
	f := newFixture(t, repo)

	_, err := f.engine.Initiate(context.Background(), alice, call.InitiateInput{ConversationID: "c1", RecipientID: "bob", Kind: domain.CallAudio})
	assert.ErrorIs(t, err, domain.ErrDependencyUnavailable)
	assert.Zero(t, f.engine.Active())
	assert.Empty(t, f.push.to("bob", call.EventIncoming))
	assert.Zero(t, f.clock.Pending())
	repo.AssertExpectations(t)
}

func TestTerminalPersistenceIsBestEffort(t *testing.T) {
	repo := new(MockCallRepo)
	repo.On("CreateCall", mock.Anything, mock.Anything).Return(nil).Once()
	repo.On("UpdateCall", mock.Anything, mock.MatchedBy(func(c *domain.CallRecord) bool {
		return c.State == domain.CallEnded
	})).Return(errors.New("db down")).Once()
	f := newFixture(t, repo)

	id := f.ring(t, domain.CallAudio)
	require.NoError(t, f.engine.End(context.Background(), "alice", id))
	f.engine.Wait()
	assert.Len(t, f.push.to("bob", call.EventEnded), 1)
	repo.AssertExpectations(t)
}

type stalledCalls struct{}

func (stalledCalls) CreateCall(ctx context.Context, _ *domain.CallRecord) error {
	<-ctx.Done()
	return ctx.Err()
}

func (stalledCalls) UpdateCall(ctx context.Context, _ *domain.CallRecord) error {
	<-ctx.Done()
	return ctx.Err()
}

func TestDisconnectDoesNotWaitOnStalledStore(t *testing.T) {
	store := memory.New()
	store.AddConversation("c1", "alice", "bob")
	clk := clock.Fake(time.Date(2024, 5, 1, 12, 0, 0, 0, time.UTC))
	rec := &recorder{}
	rooms := room.NewRouter(store, nil, time.Minute, time.Second, nil)
	engine := call.NewEngine(stalledCalls{}, rooms, turn.NewIssuer(turn.Config{}, clk), rec, call.Options{
		Clock:          clk,
		PersistTimeout: 200 * time.Millisecond,
	})

	initiated := make(chan error, 1)
	go func() {
		_, err := engine.Initiate(context.Background(), alice, call.InitiateInput{ConversationID: "c1", RecipientID: "bob", Kind: domain.CallAudio})
		initiated <- err
	}()
	require.Eventually(t, func() bool { return engine.Active() == 1 }, time.Second, time.Millisecond)

	disconnected := make(chan struct{})
	go func() {
		engine.Disconnect("alice")
		close(disconnected)
	}()
	select {
	case <-disconnected:
	case <-time.After(100 * time.Millisecond):
		t.Fatal("disconnect waited on the call store")
	}
	assert.Zero(t, engine.Active())

	select {
	case err := <-initiated:
		assert.ErrorIs(t, err, domain.ErrDependencyUnavailable)
	case <-time.After(2 * time.Second):
		t.Fatal("initiate outlived its persist timeout")
	}
	assert.Empty(t, rec.to("bob", call.EventIncoming))
	assert.Empty(t, rec.to("bob", call.EventEnded))
}

func TestSnapshotDuringTransitions(t *testing.T) {
	f := newFixture(t, nil)
	ctx := context.Background()
	id := f.ring(t, domain.CallVideo)

	done := make(chan struct{})
	go func() {
		defer close(done)
		for range 100 {
			rec, ok := f.engine.Snapshot(id)
			assert.True(t, ok)
			assert.Equal(t, id, rec.ID)
		}
	}()
	_, err := f.engine.Accept(ctx, "bob", id)
	require.NoError(t, err)
	require.NoError(t, f.engine.End(ctx, "alice", id))
	<-done

	rec, ok := f.engine.Snapshot(id)
	require.True(t, ok)
	assert.Equal(t, domain.CallEnded, rec.State)
}
