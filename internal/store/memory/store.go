// Package memory is an in-process implementation of the collaborator
// repositories for development and tests. Nothing survives a restart.
package memory

import (
	"context"
	"slices"
	"sync"
	"time"

	"github.com/google/uuid"

	"realtime_go/internal/domain"
)

type Store struct {
	mu            sync.RWMutex
	conversations map[string][]string // ordered member ids
	messages      map[string]*domain.Message
	receipts      map[receiptKey]domain.Receipt
	reactions     map[string][]domain.Reaction // message id -> reactions in insertion order
	calls         map[string]*domain.CallRecord
}

type receiptKey struct{ messageID, userID string }

var (
	_ domain.MembershipRepository = (*Store)(nil)
	_ domain.MessageRepository    = (*Store)(nil)
	_ domain.CallRepository       = (*Store)(nil)
)

func New() *Store {
	return &Store{
		conversations: make(map[string][]string),
		messages:      make(map[string]*domain.Message),
		receipts:      make(map[receiptKey]domain.Receipt),
		reactions:     make(map[string][]domain.Reaction),
		calls:         make(map[string]*domain.CallRecord),
	}
}

// AddConversation seeds a conversation with a fixed id.
func (s *Store) AddConversation(id string, memberIDs ...string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.conversations[id] = slices.Clone(memberIDs)
}

func (s *Store) IsMember(_ context.Context, conversationID, userID string) (bool, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return slices.Contains(s.conversations[conversationID], userID), nil
}

func (s *Store) MembersOf(_ context.Context, conversationID string) ([]string, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	members := s.conversations[conversationID]
	if members == nil {
		return []string{}, nil
	}
	return slices.Clone(members), nil
}

func (s *Store) ContactsOf(_ context.Context, userID string) ([]string, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var out []string
	for _, members := range s.conversations {
		if !slices.Contains(members, userID) {
			continue
		}
		for _, m := range members {
			if m != userID && !slices.Contains(out, m) {
				out = append(out, m)
			}
		}
	}
	slices.Sort(out)
	return out, nil
}

func (s *Store) CreateConversation(_ context.Context, memberIDs []string) (string, error) {
	id := uuid.NewString()
	s.mu.Lock()
	defer s.mu.Unlock()
	s.conversations[id] = slices.Clone(memberIDs)
	return id, nil
}

func (s *Store) RemoveMember(_ context.Context, conversationID, userID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.conversations[conversationID] = slices.DeleteFunc(s.conversations[conversationID], func(m string) bool {
		return m == userID
	})
	return nil
}

func (s *Store) CreateMessage(_ context.Context, m *domain.Message) error {
	m.ID = uuid.NewString()
	cp := *m
	cp.Attachments = slices.Clone(m.Attachments)

	s.mu.Lock()
	defer s.mu.Unlock()
	s.messages[m.ID] = &cp
	return nil
}

func (s *Store) GetMessage(_ context.Context, id string) (*domain.Message, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	m, ok := s.messages[id]
	if !ok {
		return nil, domain.ErrNotFound
	}
	cp := *m
	cp.Attachments = slices.Clone(m.Attachments)
	return &cp, nil
}

func (s *Store) UpdateStatus(_ context.Context, id string, status domain.MessageStatus) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	m, ok := s.messages[id]
	if !ok {
		return false, domain.ErrNotFound
	}
	if !status.After(m.Status) {
		return false, nil
	}
	m.Status = status
	return true, nil
}

func (s *Store) UpsertReceipt(_ context.Context, r domain.Receipt) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	k := receiptKey{r.MessageID, r.UserID}
	if cur, ok := s.receipts[k]; ok && !r.Status.After(cur.Status) {
		return false, nil
	}
	s.receipts[k] = r
	return true, nil
}

func (s *Store) SoftDelete(_ context.Context, id string, at time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	m, ok := s.messages[id]
	if !ok {
		return domain.ErrNotFound
	}
	m.Content = ""
	m.Attachments = nil
	m.DeletedAt = &at
	return nil
}

func (s *Store) EditContent(_ context.Context, id, content string, at time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	m, ok := s.messages[id]
	if !ok {
		return domain.ErrNotFound
	}
	m.Content = content
	m.EditedAt = &at
	return nil
}

func (s *Store) UpsertReaction(_ context.Context, r domain.Reaction) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	list := slices.DeleteFunc(s.reactions[r.MessageID], func(x domain.Reaction) bool {
		return x.UserID == r.UserID
	})
	s.reactions[r.MessageID] = append(list, r)
	return nil
}

func (s *Store) RemoveReaction(_ context.Context, messageID, userID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	list := slices.DeleteFunc(s.reactions[messageID], func(x domain.Reaction) bool {
		return x.UserID == userID
	})
	if len(list) == 0 {
		delete(s.reactions, messageID)
		return nil
	}
	s.reactions[messageID] = list
	return nil
}

func (s *Store) ListReactions(_ context.Context, messageID string) ([]domain.Reaction, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return slices.Clone(s.reactions[messageID]), nil
}

func (s *Store) CreateCall(_ context.Context, c *domain.CallRecord) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	cp := *c
	s.calls[c.ID] = &cp
	return nil
}

func (s *Store) UpdateCall(_ context.Context, c *domain.CallRecord) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.calls[c.ID]; !ok {
		return domain.ErrNotFound
	}
	cp := *c
	s.calls[c.ID] = &cp
	return nil
}

// Call returns a copy of the stored call record.
func (s *Store) Call(id string) (domain.CallRecord, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	c, ok := s.calls[id]
	if !ok {
		return domain.CallRecord{}, false
	}
	return *c, true
}
