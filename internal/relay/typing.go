package relay

import (
	"context"

	"realtime_go/internal/clock"
	"realtime_go/internal/domain"
)

type typingKey struct {
	conversationID string
	userID         string
}

type indicator struct {
	timer *clock.Timer
}

// StartTyping tells the other members that userID is typing. With a typing
// TTL configured, a typing:stop follows automatically unless the user starts
// again or stops first.
func (s *Service) StartTyping(ctx context.Context, userID, conversationID string) error {
	if err := s.checkTyping(ctx, userID, conversationID); err != nil {
		return err
	}
	key := typingKey{conversationID, userID}

	s.typingMu.Lock()
	if prev, ok := s.typing[key]; ok && prev.timer != nil {
		prev.timer.Stop()
	}
	ind := &indicator{}
	if s.typingTTL > 0 {
		ind.timer = s.clock.AfterFunc(s.typingTTL, func() { s.expireTyping(key, ind) })
	}
	s.typing[key] = ind
	s.typingMu.Unlock()

	s.broadcast(conversationID, userID, EventTypingStart, TypingEvent{ConversationID: conversationID, UserID: userID})
	return nil
}

// StopTyping tells the other members that userID stopped typing.
func (s *Service) StopTyping(ctx context.Context, userID, conversationID string) error {
	if err := s.checkTyping(ctx, userID, conversationID); err != nil {
		return err
	}
	s.clearIndicator(typingKey{conversationID, userID})
	s.broadcast(conversationID, userID, EventTypingStop, TypingEvent{ConversationID: conversationID, UserID: userID})
	return nil
}

// ClearTyping stops every indicator held by userID, e.g. when the user goes
// offline.
func (s *Service) ClearTyping(userID string) {
	s.typingMu.Lock()
	var cleared []string
	for key, ind := range s.typing {
		if key.userID != userID {
			continue
		}
		if ind.timer != nil {
			ind.timer.Stop()
		}
		delete(s.typing, key)
		cleared = append(cleared, key.conversationID)
	}
	s.typingMu.Unlock()

	for _, conv := range cleared {
		s.broadcast(conv, userID, EventTypingStop, TypingEvent{ConversationID: conv, UserID: userID})
	}
}

func (s *Service) checkTyping(ctx context.Context, userID, conversationID string) error {
	if conversationID == "" {
		return domain.Invalid("conversationId is required")
	}
	return s.rooms.RequireMember(ctx, conversationID, userID)
}

func (s *Service) clearIndicator(key typingKey) {
	s.typingMu.Lock()
	defer s.typingMu.Unlock()
	if ind, ok := s.typing[key]; ok {
		if ind.timer != nil {
			ind.timer.Stop()
		}
		delete(s.typing, key)
	}
}

func (s *Service) expireTyping(key typingKey, ind *indicator) {
	s.typingMu.Lock()
	if s.typing[key] != ind {
		s.typingMu.Unlock()
		return
	}
	delete(s.typing, key)
	s.typingMu.Unlock()

	s.log.Debug("typing indicator expired", "conversation_id", key.conversationID, "user_id", key.userID)
	s.broadcast(key.conversationID, key.userID, EventTypingStop, TypingEvent{ConversationID: key.conversationID, UserID: key.userID})
}

// Typing reports whether userID currently holds an indicator in the
// conversation.
func (s *Service) Typing(conversationID, userID string) bool {
	s.typingMu.Lock()
	defer s.typingMu.Unlock()
	_, ok := s.typing[typingKey{conversationID, userID}]
	return ok
}
