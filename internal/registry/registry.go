// Package registry tracks live connections per user and derives presence
// from them. It is the only owner of the connection maps; other components
// reach connections through its methods.
package registry

import (
	"context"
	"encoding/json"
	"hash/fnv"
	"log/slog"
	"slices"
	"sync"
	"time"

	"github.com/google/uuid"

	"realtime_go/internal/broker"
	"realtime_go/internal/cache"
	"realtime_go/internal/clock"
	"realtime_go/internal/domain"
)

const shardCount = 32

// Conn is a transport channel that can take outbound frames. Deliver must not
// block; it returns false when the connection cannot keep up, and the owner
// of the connection is expected to close it.
type Conn interface {
	ID() string
	Deliver(frame []byte) bool
}

// PresenceChange is emitted once per online/offline transition of a user.
type PresenceChange struct {
	UserID string
	Online bool
	At     time.Time
}

// Frame is the outbound envelope every push is wrapped in.
type Frame struct {
	Event string `json:"event"`
	Data  any    `json:"data,omitempty"`
}

type entry struct {
	conn      Conn
	identity  domain.Identity
	createdAt time.Time
}

type shard struct {
	// emit serializes register/unregister so transitions for one user are
	// observed in the order they happened.
	emit  sync.Mutex
	mu    sync.RWMutex
	users map[string]map[string]*entry
}


// Options configures a Registry.
type Options struct {
	NodeID string
	// Broker is optional; nil means single-instance delivery.
	Broker        broker.Broker
	Clock         clock.Clock
	Logger        *slog.Logger
	FanoutTimeout time.Duration
	// Backlog bounds queued broker publishes; extra ones are dropped.
	Backlog int
	// Presence is optional; when set, connection membership is shared
	// with other instances so a user is offline only once no instance
	// holds a connection for them.
	Presence cache.Cache
	// PresenceTTL bounds how long a crashed instance's entries linger.
	PresenceTTL time.Duration
}

// Registry is a sharded connection registry.
type Registry struct {
	node    string
	broker  broker.Broker
	clock   clock.Clock
	log     *slog.Logger
	timeout time.Duration

	shards [shardCount]shard

	indexMu sync.RWMutex
	index   map[string]string // conn id -> user id

	listenersMu sync.RWMutex
	listeners   []func(PresenceChange)

	presence    cache.Cache
	presenceTTL time.Duration

	outbox chan broker.Envelope

	// binds holds the latest wanted binding state per user; the pump
	// applies it so no bind or unbind is lost to a full outbox.
	bindMu     sync.Mutex
	binds      map[string]bool
	bindSignal chan struct{}
}

// New returns an empty Registry.
func New(opts Options) *Registry {
	if opts.Clock == nil {
		opts.Clock = clock.Real()
	}
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}
	if opts.NodeID == "" {
		opts.NodeID = uuid.NewString()
	}
	if opts.FanoutTimeout <= 0 {
		opts.FanoutTimeout = 5 * time.Second
	}
	if opts.Backlog <= 0 {
		opts.Backlog = 4096
	}
	if opts.PresenceTTL <= 0 {
		opts.PresenceTTL = 24 * time.Hour
	}
	r := &Registry{
		node:    opts.NodeID,
		broker:  opts.Broker,
		clock:   opts.Clock,
		log:     opts.Logger.With("component", "registry"),
		timeout: opts.FanoutTimeout,
		index:   make(map[string]string),

		presence:    opts.Presence,
		presenceTTL: opts.PresenceTTL,
	}
	for i := range r.shards {
		r.shards[i].users = make(map[string]map[string]*entry)
	}
	if r.broker != nil {
		r.outbox = make(chan broker.Envelope, opts.Backlog)
		r.binds = make(map[string]bool)
		r.bindSignal = make(chan struct{}, 1)
	}
	return r
}

// NodeID identifies this instance on the broker.
func (r *Registry) NodeID() string { return r.node }

func (r *Registry) shardFor(userID string) *shard {
	h := fnv.New32a()
	h.Write([]byte(userID))
	return &r.shards[h.Sum32()%shardCount]
}

// OnPresence adds a listener for presence transitions. Listeners run
// synchronously in registration order.
func (r *Registry) OnPresence(fn func(PresenceChange)) {
	r.listenersMu.Lock()
	r.listeners = append(r.listeners, fn)
	r.listenersMu.Unlock()
}

// Register admits conn for the identity and returns its connection id.
func (r *Registry) Register(identity domain.Identity, conn Conn) string {
	id := conn.ID()
	if id == "" {
		id = uuid.NewString()
	}
	s := r.shardFor(identity.UserID)

	s.emit.Lock()
	defer s.emit.Unlock()

	s.mu.Lock()
	conns := s.users[identity.UserID]
	first := len(conns) == 0
	if conns == nil {
		conns = make(map[string]*entry)
		s.users[identity.UserID] = conns
	}
	conns[id] = &entry{conn: conn, identity: identity, createdAt: r.clock.Now()}
	s.mu.Unlock()

	r.indexMu.Lock()
	r.index[id] = identity.UserID
	r.indexMu.Unlock()

	r.log.Debug("connection registered", "user_id", identity.UserID, "conn_id", id)
	if first {
		r.wantBinding(identity.UserID, true)
	}
	if r.joinPresence(identity.UserID, id, first) {
		r.emit(PresenceChange{UserID: identity.UserID, Online: true, At: r.clock.Now()})
	}
	return id
}

// Unregister removes a connection. Unknown ids are ignored.
func (r *Registry) Unregister(connID string) {
	r.indexMu.Lock()
	userID, ok := r.index[connID]
	delete(r.index, connID)
	r.indexMu.Unlock()
	if !ok {
		return
	}

	s := r.shardFor(userID)
	s.emit.Lock()
	defer s.emit.Unlock()

	s.mu.Lock()
	conns := s.users[userID]
	_, present := conns[connID]
	delete(conns, connID)
	last := present && len(conns) == 0
	if len(conns) == 0 {
		delete(s.users, userID)
	}
	s.mu.Unlock()

	r.log.Debug("connection unregistered", "user_id", userID, "conn_id", connID)
	if !present {
		return
	}
	if last {
		r.wantBinding(userID, false)
	}
	if r.leavePresence(userID, connID, last) {
		r.emit(PresenceChange{UserID: userID, Online: false, At: r.clock.Now()})
	}
}

func presenceKey(userID string) string {
	return "presence:" + userID
}

func (r *Registry) presenceMember(connID string) string {
	return r.node + ":" + connID
}

// joinPresence records the connection in the shared set and reports whether
// it is the user's first anywhere. Without a shared set, or when it fails,
// the local answer stands.
func (r *Registry) joinPresence(userID, connID string, localFirst bool) bool {
	if r.presence == nil {
		return localFirst
	}
	ctx, cancel := context.WithTimeout(context.Background(), r.timeout)
	defer cancel()
	n, err := r.presence.AddMember(ctx, presenceKey(userID), r.presenceMember(connID), r.presenceTTL)
	if err != nil {
		r.log.Warn("shared presence unavailable, using local state", "user_id", userID, "error", err)
		return localFirst
	}
	return n == 1
}

// leavePresence removes the connection from the shared set and reports
// whether the user has no connection left on any instance.
func (r *Registry) leavePresence(userID, connID string, localLast bool) bool {
	if r.presence == nil {
		return localLast
	}
	ctx, cancel := context.WithTimeout(context.Background(), r.timeout)
	defer cancel()
	n, err := r.presence.RemoveMember(ctx, presenceKey(userID), r.presenceMember(connID))
	if err != nil {
		r.log.Warn("shared presence unavailable, using local state", "user_id", userID, "error", err)
		return localLast
	}
	return n == 0
}

func (r *Registry) emit(change PresenceChange) {
	r.listenersMu.RLock()
	listeners := slices.Clone(r.listeners)
	r.listenersMu.RUnlock()

	for _, fn := range listeners {
		fn(change)
	}
}

// ConnectionsFor returns the local connection ids of userID.
func (r *Registry) ConnectionsFor(userID string) []string {
	s := r.shardFor(userID)
	s.mu.RLock()
	defer s.mu.RUnlock()

	ids := make([]string, 0, len(s.users[userID]))
	for id := range s.users[userID] {
		ids = append(ids, id)
	}
	return ids
}

// IsOnline reports whether userID has a connection on this instance.
// Presence events account for other instances; this does not.
func (r *Registry) IsOnline(userID string) bool {
	s := r.shardFor(userID)
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.users[userID]) > 0
}

// Identity returns the authenticated snapshot attached to connID.
func (r *Registry) Identity(connID string) (domain.Identity, bool) {
	r.indexMu.RLock()
	userID, ok := r.index[connID]
	r.indexMu.RUnlock()
	if !ok {
		return domain.Identity{}, false
	}

	s := r.shardFor(userID)
	s.mu.RLock()
	defer s.mu.RUnlock()
	e, ok := s.users[userID][connID]
	if !ok {
		return domain.Identity{}, false
	}
	return e.identity, true
}

// SendToUser pushes event to every connection of userID, here and on other
// instances. A user without connections is a silent no-op.
func (r *Registry) SendToUser(_ context.Context, userID, event string, data any) {
	frame, err := json.Marshal(Frame{Event: event, Data: data})
	if err != nil {
		r.log.Error("encode push frame", "event", event, "error", err)
		return
	}
	r.deliverLocal(userID, frame)
	r.enqueue(broker.Envelope{Origin: r.node, UserID: userID, Frame: frame})
}

func (r *Registry) deliverLocal(userID string, frame []byte) {
	s := r.shardFor(userID)
	s.mu.RLock()
	targets := make([]Conn, 0, len(s.users[userID]))
	for _, e := range s.users[userID] {
		targets = append(targets, e.conn)
	}
	s.mu.RUnlock()

	for _, c := range targets {
		if !c.Deliver(frame) {
			r.log.Warn("connection saturated, frame dropped", "user_id", userID, "conn_id", c.ID())
		}
	}
}

func (r *Registry) enqueue(env broker.Envelope) {
	if r.outbox == nil {
		return
	}
	select {
	case r.outbox <- env:
	default:
		r.log.Warn("broker backlog full, dropping push", "user_id", env.UserID)
	}
}

// wantBinding records the wanted routing state for userID. A later call
// for the same user supersedes one the pump has not applied yet.
func (r *Registry) wantBinding(userID string, bound bool) {
	if r.bindSignal == nil {
		return
	}
	r.bindMu.Lock()
	r.binds[userID] = bound
	r.bindMu.Unlock()
	select {
	case r.bindSignal <- struct{}{}:
	default:
	}
}

// Subscribe connects the registry to its broker: remote envelopes are
// delivered to local connections and queued binds and publishes are drained
// in order. It returns immediately; work stops when ctx is done. Without a
// broker it does nothing.
func (r *Registry) Subscribe(ctx context.Context) error {
	if r.broker == nil {
		return nil
	}
	err := r.broker.Subscribe(ctx, func(env broker.Envelope) {
		if env.Origin == r.node {
			return
		}
		r.deliverLocal(env.UserID, env.Frame)
	})
	if err != nil {
		r.log.Warn("broker subscribe failed, continuing single-instance", "error", err)
	}

	go r.pump(ctx)
	return nil
}

func (r *Registry) pump(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		case <-r.bindSignal:
			r.applyBindings()
		case env := <-r.outbox:
			pctx, cancel := context.WithTimeout(ctx, r.timeout)
			r.report(r.broker.Publish(pctx, env))
			cancel()
		}
	}
}

func (r *Registry) applyBindings() {
	r.bindMu.Lock()
	pending := r.binds
	r.binds = make(map[string]bool)
	r.bindMu.Unlock()

	for userID, bound := range pending {
		if bound {
			r.report(r.broker.Bind(userID))
		} else {
			r.report(r.broker.Unbind(userID))
		}
	}
}

func (r *Registry) report(err error) {
	if err == nil {
		return
	}
	if domain.IsDegraded(err) {
		r.log.Debug("broker operation failed", "error", err)
		return
	}
	r.log.Warn("broker operation failed", "error", err)
}
