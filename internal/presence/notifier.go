// Package presence tells a user's contacts when the user comes online or
// goes offline.
package presence

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"realtime_go/internal/registry"
)

const (
	EventOnline  = "user:online"
	EventOffline = "user:offline"
)

type Event struct {
	UserID   string    `json:"userId"`
	LastSeen time.Time `json:"lastSeen"`
}

type Pusher interface {
	SendToUser(ctx context.Context, userID, event string, data any)
}

type Contacts interface {
	ContactsOf(ctx context.Context, userID string) ([]string, error)
}

type Notifier struct {
	contacts Contacts
	push     Pusher
	timeout  time.Duration
	log      *slog.Logger

	// transitions of one user are announced in the order they happened
	lanesMu sync.Mutex
	lanes   map[string][]registry.PresenceChange

	wg sync.WaitGroup
}

func NewNotifier(contacts Contacts, push Pusher, timeout time.Duration, log *slog.Logger) *Notifier {
	if log == nil {
		log = slog.Default()
	}
	return &Notifier{
		contacts: contacts,
		push:     push,
		timeout:  timeout,
		log:      log.With("component", "presence"),
		lanes:    make(map[string][]registry.PresenceChange),
	}
}

// Handle is a registry presence listener. It returns without waiting for
// the contacts to be notified.
func (n *Notifier) Handle(change registry.PresenceChange) {
	n.wg.Add(1)

	n.lanesMu.Lock()
	if queued, ok := n.lanes[change.UserID]; ok {
		n.lanes[change.UserID] = append(queued, change)
		n.lanesMu.Unlock()
		return
	}
	n.lanes[change.UserID] = []registry.PresenceChange{change}
	n.lanesMu.Unlock()

	go n.drain(change.UserID)
}

func (n *Notifier) drain(userID string) {
	for {
		n.lanesMu.Lock()
		queued := n.lanes[userID]
		if len(queued) == 0 {
			delete(n.lanes, userID)
			n.lanesMu.Unlock()
			return
		}
		change := queued[0]
		n.lanes[userID] = queued[1:]
		n.lanesMu.Unlock()

		n.announce(change)
		n.wg.Done()
	}
}

func (n *Notifier) announce(change registry.PresenceChange) {
	event := EventOffline
	if change.Online {
		event = EventOnline
	}
	ctx, cancel := context.WithTimeout(context.Background(), n.timeout)
	defer cancel()

	ids, err := n.contacts.ContactsOf(ctx, change.UserID)
	if err != nil {
		n.log.Warn("presence fan-out skipped", "user_id", change.UserID, "error", err)
		return
	}
	for _, id := range ids {
		n.push.SendToUser(ctx, id, event, Event{UserID: change.UserID, LastSeen: change.At})
	}
}

// Wait blocks until in-flight notifications finish.
func (n *Notifier) Wait() { n.wg.Wait() }
