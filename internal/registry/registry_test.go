package registry

import (
	"context"
	"encoding/json"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"realtime_go/internal/broker"
	"realtime_go/internal/cache"
	"realtime_go/internal/clock"
	"realtime_go/internal/domain"
)

type fakeConn struct {
	id string

	mu     sync.Mutex
	frames [][]byte
	full   bool
}

func (c *fakeConn) ID() string { return c.id }

func (c *fakeConn) Deliver(frame []byte) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.full {
		return false
	}
	c.frames = append(c.frames, frame)
	return true
}

func (c *fakeConn) events() []Frame {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([]Frame, 0, len(c.frames))
	for _, f := range c.frames {
		var fr Frame
		_ = json.Unmarshal(f, &fr)
		out = append(out, fr)
	}
	return out
}

func newTestRegistry(opts Options) *Registry {
	if opts.Clock == nil {
		opts.Clock = clock.Fake(time.Unix(1_700_000_000, 0))
	}
	return New(opts)
}

func TestOfflineFiresOncePerUser(t *testing.T) {
	r := newTestRegistry(Options{})

	var changes []PresenceChange
	r.OnPresence(func(c PresenceChange) { changes = append(changes, c) })

	alice := domain.Identity{UserID: "alice"}
	c1 := r.Register(alice, &fakeConn{id: "phone"})
	c2 := r.Register(alice, &fakeConn{id: "laptop"})
	require.Len(t, changes, 1)
	assert.True(t, changes[0].Online)
	assert.True(t, r.IsOnline("alice"))
	assert.ElementsMatch(t, []string{"phone", "laptop"}, r.ConnectionsFor("alice"))

	r.Unregister(c1)
	assert.True(t, r.IsOnline("alice"))
	assert.Len(t, changes, 1)

	r.Unregister(c2)
	assert.False(t, r.IsOnline("alice"))
	require.Len(t, changes, 2)
	assert.Equal(t, PresenceChange{UserID: "alice", Online: false, At: changes[1].At}, changes[1])

	r.Unregister(c2)
	assert.Len(t, changes, 2)
}

func TestListenersRunInOrder(t *testing.T) {
	r := newTestRegistry(Options{})
	var order []string
	r.OnPresence(func(PresenceChange) { order = append(order, "first") })
	r.OnPresence(func(PresenceChange) { order = append(order, "second") })

	r.Register(domain.Identity{UserID: "bob"}, &fakeConn{id: "c"})
	assert.Equal(t, []string{"first", "second"}, order)
}

func TestSendToUserReachesEveryDevice(t *testing.T) {
	r := newTestRegistry(Options{})
	phone, laptop := &fakeConn{id: "phone"}, &fakeConn{id: "laptop"}
	r.Register(domain.Identity{UserID: "bob"}, phone)
	r.Register(domain.Identity{UserID: "bob"}, laptop)

	r.SendToUser(context.Background(), "bob", "message:new", map[string]string{"id": "m1"})
	r.SendToUser(context.Background(), "nobody", "message:new", nil)

	for _, c := range []*fakeConn{phone, laptop} {
		ev := c.events()
		require.Len(t, ev, 1)
		assert.Equal(t, "message:new", ev[0].Event)
		assert.Equal(t, map[string]any{"id": "m1"}, ev[0].Data)
	}
}

func TestSaturatedConnectionDoesNotBlockOthers(t *testing.T) {
	r := newTestRegistry(Options{})
	slow, fast := &fakeConn{id: "slow", full: true}, &fakeConn{id: "fast"}
	r.Register(domain.Identity{UserID: "bob"}, slow)
	r.Register(domain.Identity{UserID: "bob"}, fast)

	r.SendToUser(context.Background(), "bob", "typing:start", nil)
	assert.Len(t, fast.events(), 1)
	assert.Empty(t, slow.events())
}

func TestIdentity(t *testing.T) {
	r := newTestRegistry(Options{})
	id := r.Register(domain.Identity{UserID: "carol", DisplayName: "Carol"}, &fakeConn{id: "c1"})

	got, ok := r.Identity(id)
	require.True(t, ok)
	assert.Equal(t, "Carol", got.DisplayName)

	r.Unregister(id)
	_, ok = r.Identity(id)
	assert.False(t, ok)
}

func TestCrossInstanceDelivery(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	bus := broker.NewMemoryBus()
	a := newTestRegistry(Options{NodeID: "a", Broker: bus.Join()})
	b := newTestRegistry(Options{NodeID: "b", Broker: bus.Join()})
	require.NoError(t, a.Subscribe(ctx))
	require.NoError(t, b.Subscribe(ctx))

	local, remote := &fakeConn{id: "on-a"}, &fakeConn{id: "on-b"}
	a.Register(domain.Identity{UserID: "bob"}, local)
	b.Register(domain.Identity{UserID: "bob"}, remote)

	var sent atomic.Int32
	assert.Eventually(t, func() bool {
		a.SendToUser(ctx, "bob", "message:new", nil)
		sent.Add(1)
		return len(remote.events()) > 0
	}, time.Second, 10*time.Millisecond)

	// a is bound for bob too, but never loops its own envelopes back.
	assert.Len(t, local.events(), int(sent.Load()))
}

func TestSharedPresenceAcrossInstances(t *testing.T) {
	clk := clock.Fake(time.Unix(1_700_000_000, 0))
	shared := cache.NewMemory(clk)
	a := newTestRegistry(Options{NodeID: "a", Clock: clk, Presence: shared})
	b := newTestRegistry(Options{NodeID: "b", Clock: clk, Presence: shared})

	var mu sync.Mutex
	var changes []string
	record := func(node string) func(PresenceChange) {
		return func(c PresenceChange) {
			mu.Lock()
			defer mu.Unlock()
			state := "offline"
			if c.Online {
				state = "online"
			}
			changes = append(changes, node+":"+c.UserID+":"+state)
		}
	}
	a.OnPresence(record("a"))
	b.OnPresence(record("b"))

	alice := domain.Identity{UserID: "alice"}
	phone := a.Register(alice, &fakeConn{id: "c1"})
	laptop := b.Register(alice, &fakeConn{id: "c1"})
	a.Unregister(phone)
	assert.False(t, a.IsOnline("alice"))
	assert.Equal(t, []string{"a:alice:online"}, changes)

	b.Unregister(laptop)
	assert.Equal(t, []string{"a:alice:online", "b:alice:offline"}, changes)
}

func TestBindingSurvivesFullBacklog(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	bus := broker.NewMemoryBus()
	a := newTestRegistry(Options{NodeID: "a", Broker: bus.Join(), Backlog: 1})
	b := newTestRegistry(Options{NodeID: "b", Broker: bus.Join(), Backlog: 1})

	for range 3 {
		b.SendToUser(ctx, "carol", "message:new", nil)
	}
	remote := &fakeConn{id: "on-b"}
	b.Register(domain.Identity{UserID: "bob"}, remote)

	require.NoError(t, a.Subscribe(ctx))
	require.NoError(t, b.Subscribe(ctx))

	assert.Eventually(t, func() bool {
		a.SendToUser(ctx, "bob", "message:new", nil)
		return len(remote.events()) > 0
	}, time.Second, 10*time.Millisecond)
}
