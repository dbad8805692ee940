// Package call owns the two-party call state machine and relays
// offer/answer/ICE signaling between the parties.
package call

import (
	"context"
	"encoding/json"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"

	"realtime_go/internal/clock"
	"realtime_go/internal/domain"
	"realtime_go/internal/keylock"
)

// Pusher delivers an event to every connection of a user.
type Pusher interface {
	SendToUser(ctx context.Context, userID, event string, data any)
}

// Rooms checks conversation membership.
type Rooms interface {
	IsMember(ctx context.Context, conversationID, userID string) (bool, error)
	RequireMember(ctx context.Context, conversationID, userID string) error
}

type Options struct {
	RingTimeout time.Duration
	// Retention is how long finished call ids are remembered so duplicate
	// terminal requests succeed.
	Retention      time.Duration
	PersistTimeout time.Duration
	Clock          clock.Clock
	Logger         *slog.Logger
}

type session struct {
	rec  domain.CallRecord
	ring *clock.Timer
}

type finished struct {
	rec domain.CallRecord
	at  time.Time
}

// Engine is safe for concurrent use. Work on one call id is serialized.
type Engine struct {
	calls domain.CallRepository
	rooms Rooms
	creds domain.CredentialIssuer
	push  Pusher
	clock clock.Clock
	log   *slog.Logger

	ringTimeout    time.Duration
	retention      time.Duration
	persistTimeout time.Duration

	locks *keylock.Map

	mu       sync.Mutex
	sessions map[string]*session
	byUser   map[string]map[string]struct{}
	done     map[string]finished

	persisting sync.WaitGroup
}

func NewEngine(calls domain.CallRepository, rooms Rooms, creds domain.CredentialIssuer, push Pusher, opts Options) *Engine {
	if opts.Clock == nil {
		opts.Clock = clock.Real()
	}
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}
	if opts.RingTimeout <= 0 {
		opts.RingTimeout = 45 * time.Second
	}
	if opts.Retention <= 0 {
		opts.Retention = 10 * time.Minute
	}
	if opts.PersistTimeout <= 0 {
		opts.PersistTimeout = 3 * time.Second
	}
	return &Engine{
		calls:          calls,
		rooms:          rooms,
		creds:          creds,
		push:           push,
		clock:          opts.Clock,
		log:            opts.Logger.With("component", "call"),
		ringTimeout:    opts.RingTimeout,
		retention:      opts.Retention,
		persistTimeout: opts.PersistTimeout,
		locks:          keylock.New(),
		sessions:       make(map[string]*session),
		byUser:         make(map[string]map[string]struct{}),
		done:           make(map[string]finished),
	}
}

// Initiate starts ringing recipient and returns the caller's relay
// credentials.
func (e *Engine) Initiate(ctx context.Context, caller domain.Identity, in InitiateInput) (Grant, error) {
	switch {
	case in.ConversationID == "":
		return Grant{}, domain.Invalid("conversationId is required")
	case in.RecipientID == "":
		return Grant{}, domain.Invalid("recipientId is required")
	case in.RecipientID == caller.UserID:
		return Grant{}, domain.Invalid("cannot call yourself")
	case !in.Kind.Valid():
		return Grant{}, domain.Invalid("callKind must be audio or video")
	}
	if err := e.rooms.RequireMember(ctx, in.ConversationID, caller.UserID); err != nil {
		return Grant{}, err
	}
	ok, err := e.rooms.IsMember(ctx, in.ConversationID, in.RecipientID)
	if err != nil {
		return Grant{}, err
	}
	if !ok {
		return Grant{}, domain.Invalid("recipient is not a member of this conversation")
	}

	creds, err := e.creds.Issue(ctx, caller.UserID)
	if err != nil {
		return Grant{}, domain.Unavailable("issue relay credentials", err)
	}

	id := uuid.NewString()
	rec := domain.CallRecord{
		ID:             id,
		ConversationID: in.ConversationID,
		CallerID:       caller.UserID,
		RecipientID:    in.RecipientID,
		Kind:           in.Kind,
		State:          domain.CallInitiated,
		InitiatedAt:    e.clock.Now(),
	}
	s := &session{rec: rec}
	// Tracked before persisting so a disconnect meanwhile can end it. The
	// call lock is not held across the write.
	e.track(s)

	pctx, cancel := context.WithTimeout(ctx, e.persistTimeout)
	err = e.calls.CreateCall(pctx, &rec)
	cancel()

	unlock := e.locks.Lock(id)
	defer unlock()

	_, live := e.live(id)
	if err != nil {
		e.log.Error("persist call failed", "call_id", id, "error", err)
		if live {
			e.retire(s, domain.CallFailed, "", "persistence")
		}
		return Grant{}, domain.Unavailable("persist call", err)
	}
	if !live {
		// the caller went away while the record was written
		return Grant{}, domain.ErrCallNotFound
	}

	s.rec.State = domain.CallRinging
	s.ring = e.clock.AfterFunc(e.ringTimeout, func() { e.ringExpired(id) })

	e.push.SendToUser(ctx, in.RecipientID, EventIncoming, IncomingEvent{
		CallID:         id,
		ConversationID: in.ConversationID,
		Caller:         caller,
		CallKind:       in.Kind,
	})
	e.log.Info("call ringing", "call_id", id, "caller_id", caller.UserID, "recipient_id", in.RecipientID, "kind", in.Kind)
	return Grant{CallID: id, RelayCredentials: creds}, nil
}

// Accept answers a ringing call. Only the recipient may accept.
func (e *Engine) Accept(ctx context.Context, userID, callID string) (Grant, error) {
	unlock := e.locks.Lock(callID)
	defer unlock()

	s, err := e.party(callID, userID)
	if err != nil {
		return Grant{}, err
	}
	if s.rec.RecipientID != userID {
		return Grant{}, domain.Invalid("only the recipient may accept")
	}
	if s.rec.State != domain.CallRinging {
		return Grant{}, domain.ErrCallNotFound
	}

	creds, err := e.creds.Issue(ctx, userID)
	if err != nil {
		return Grant{}, domain.Unavailable("issue relay credentials", err)
	}

	now := e.clock.Now()
	s.rec.State = domain.CallAnswered
	s.rec.AnsweredAt = &now
	if s.ring != nil {
		s.ring.Stop()
		s.ring = nil
	}

	e.push.SendToUser(ctx, s.rec.CallerID, EventAccepted, AcceptedEvent{CallID: callID, AcceptedBy: userID})
	return Grant{CallID: callID, RelayCredentials: creds}, nil
}

// Reject declines a ringing call. Only the recipient may reject.
func (e *Engine) Reject(ctx context.Context, userID, callID, reason string) error {
	unlock := e.locks.Lock(callID)
	defer unlock()

	if e.finishedFor(callID, userID) {
		return nil
	}
	s, err := e.party(callID, userID)
	if err != nil {
		return err
	}
	if s.rec.RecipientID != userID {
		return domain.Invalid("only the recipient may reject")
	}
	if s.rec.State != domain.CallRinging {
		return domain.ErrCallNotFound
	}

	e.finish(s, domain.CallRejected, userID, reason)
	e.push.SendToUser(ctx, s.rec.CallerID, EventRejected, RejectedEvent{CallID: callID, RejectedBy: userID, Reason: reason})
	return nil
}

// End hangs up a call from either side.
func (e *Engine) End(ctx context.Context, userID, callID string) error {
	unlock := e.locks.Lock(callID)
	defer unlock()

	if e.finishedFor(callID, userID) {
		return nil
	}
	s, err := e.party(callID, userID)
	if err != nil {
		return err
	}
	reason := ReasonCancelled
	if s.rec.AnsweredAt != nil {
		reason = ReasonCompleted
	}
	e.endAndNotify(ctx, s, userID, reason)
	return nil
}

// Fail records that media could not be established on an answered call.
func (e *Engine) Fail(ctx context.Context, userID, callID, reason string) error {
	unlock := e.locks.Lock(callID)
	defer unlock()

	if e.finishedFor(callID, userID) {
		return nil
	}
	s, err := e.party(callID, userID)
	if err != nil {
		return err
	}
	if s.rec.State != domain.CallAnswered {
		return domain.Invalid("only an answered call can fail")
	}

	e.finish(s, domain.CallFailed, userID, reason)
	e.push.SendToUser(ctx, s.rec.Counterpart(userID), EventFailed, FailedEvent{CallID: callID, FailedBy: userID, Reason: reason})
	return nil
}

// Relay forwards an offer, answer or ICE candidate to the other party.
// recipientID is optional; when set it must name the counterpart.
func (e *Engine) Relay(ctx context.Context, userID, callID, event, recipientID string, payload json.RawMessage) error {
	switch event {
	case EventOffer, EventAnswer, EventICECandidate:
	default:
		return domain.Invalid("unknown signaling event %q", event)
	}
	unlock := e.locks.Lock(callID)
	defer unlock()

	s, err := e.party(callID, userID)
	if err != nil {
		return err
	}
	to := s.rec.Counterpart(userID)
	if recipientID != "" && recipientID != to {
		return domain.Invalid("recipientId is not the other party of this call")
	}
	e.push.SendToUser(ctx, to, event, SignalEvent{CallID: callID, From: userID, Payload: payload})
	return nil
}

// Disconnect ends every active call of userID. It runs when the user's last
// connection closes.
func (e *Engine) Disconnect(userID string) {
	e.mu.Lock()
	ids := make([]string, 0, len(e.byUser[userID]))
	for id := range e.byUser[userID] {
		ids = append(ids, id)
	}
	e.mu.Unlock()

	for _, id := range ids {
		e.disconnectOne(userID, id)
	}
}

func (e *Engine) disconnectOne(userID, callID string) {
	unlock := e.locks.Lock(callID)
	defer unlock()

	s, err := e.party(callID, userID)
	if err != nil {
		return
	}
	e.log.Info("ending call after disconnect", "call_id", callID, "user_id", userID)
	if s.rec.State == domain.CallInitiated {
		// the recipient was never rung
		e.finish(s, domain.CallEnded, userID, ReasonDisconnected)
		return
	}
	e.endAndNotify(context.Background(), s, userID, ReasonDisconnected)
}

func (e *Engine) endAndNotify(ctx context.Context, s *session, userID, reason string) {
	e.finish(s, domain.CallEnded, userID, reason)
	e.push.SendToUser(ctx, s.rec.Counterpart(userID), EventEnded, EndedEvent{
		CallID:   s.rec.ID,
		EndedBy:  userID,
		Duration: s.rec.DurationSecs,
		Reason:   reason,
	})
}

func (e *Engine) ringExpired(callID string) {
	unlock := e.locks.Lock(callID)
	defer unlock()

	e.mu.Lock()
	s, ok := e.sessions[callID]
	e.mu.Unlock()
	if !ok || s.rec.State != domain.CallRinging {
		return
	}

	e.finish(s, domain.CallMissed, "", ReasonNoAnswer)
	ev := MissedEvent{CallID: callID, ConversationID: s.rec.ConversationID, CallerID: s.rec.CallerID}
	ctx := context.Background()
	e.push.SendToUser(ctx, s.rec.CallerID, EventMissed, ev)
	e.push.SendToUser(ctx, s.rec.RecipientID, EventMissed, ev)
}

// party returns the live session if userID takes part in it. Strangers get
// ErrCallNotFound so call ids are not confirmed to them.
func (e *Engine) party(callID, userID string) (*session, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	s, ok := e.sessions[callID]
	if !ok || s.rec.Counterpart(userID) == "" {
		return nil, domain.ErrCallNotFound
	}
	return s, nil
}

func (e *Engine) live(callID string) (*session, bool) {
	e.mu.Lock()
	defer e.mu.Unlock()
	s, ok := e.sessions[callID]
	return s, ok
}

// finishedFor reports whether callID recently reached a terminal state with
// userID as a party.
func (e *Engine) finishedFor(callID, userID string) bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	f, ok := e.done[callID]
	return ok && f.rec.Counterpart(userID) != ""
}

func (e *Engine) track(s *session) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.sessions[s.rec.ID] = s
	for _, uid := range []string{s.rec.CallerID, s.rec.RecipientID} {
		if e.byUser[uid] == nil {
			e.byUser[uid] = make(map[string]struct{})
		}
		e.byUser[uid][s.rec.ID] = struct{}{}
	}
}

// finish moves s into a terminal state, frees it and persists the record.
// The caller holds the call lock.
func (e *Engine) finish(s *session, state domain.CallState, by, reason string) {
	e.retire(s, state, by, reason)

	rec := s.rec
	e.persisting.Add(1)
	go func() {
		defer e.persisting.Done()
		ctx, cancel := context.WithTimeout(context.Background(), e.persistTimeout)
		defer cancel()
		if err := e.calls.UpdateCall(ctx, &rec); err != nil {
			e.log.Warn("persist call outcome failed", "call_id", rec.ID, "error", err)
		}
	}()
}

func (e *Engine) retire(s *session, state domain.CallState, by, reason string) {
	now := e.clock.Now()
	s.rec.State = state
	s.rec.EndedAt = &now
	s.rec.EndedBy = by
	s.rec.Reason = reason
	if s.rec.AnsweredAt != nil {
		s.rec.DurationSecs = int64(now.Sub(*s.rec.AnsweredAt) / time.Second)
	}
	if s.ring != nil {
		s.ring.Stop()
		s.ring = nil
	}

	e.mu.Lock()
	delete(e.sessions, s.rec.ID)
	for _, uid := range []string{s.rec.CallerID, s.rec.RecipientID} {
		delete(e.byUser[uid], s.rec.ID)
		if len(e.byUser[uid]) == 0 {
			delete(e.byUser, uid)
		}
	}
	for id, f := range e.done {
		if now.Sub(f.at) >= e.retention {
			delete(e.done, id)
		}
	}
	e.done[s.rec.ID] = finished{rec: s.rec, at: now}
	e.mu.Unlock()

	e.log.Info("call finished", "call_id", s.rec.ID, "state", state, "reason", reason, "duration", s.rec.DurationSecs)
}

// Snapshot returns the current or recently finished record of callID.
func (e *Engine) Snapshot(callID string) (domain.CallRecord, bool) {
	// session records change under the call lock only
	unlock := e.locks.Lock(callID)
	defer unlock()
	e.mu.Lock()
	defer e.mu.Unlock()
	if s, ok := e.sessions[callID]; ok {
		return s.rec, true
	}
	if f, ok := e.done[callID]; ok {
		return f.rec, true
	}
	return domain.CallRecord{}, false
}

// Active returns the number of non-terminal calls.
func (e *Engine) Active() int {
	e.mu.Lock()
	defer e.mu.Unlock()
	return len(e.sessions)
}

// Wait blocks until pending record updates finish.
func (e *Engine) Wait() {
	e.persisting.Wait()
}
