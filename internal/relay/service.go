// Package relay handles chat events: it persists through the message
// collaborator, acknowledges the actor and fans results out to the
// conversation's members.
package relay

import (
	"context"
	"errors"
	"log/slog"
	"slices"
	"sync"
	"time"

	"realtime_go/internal/clock"
	"realtime_go/internal/domain"
	"realtime_go/internal/keylock"
)

const (
	MaxContentBytes = 64 << 10
	MaxEmojiBytes   = 32
)

// Pusher delivers an event to every connection of a user.
type Pusher interface {
	SendToUser(ctx context.Context, userID, event string, data any)
}

// Rooms resolves conversation membership.
type Rooms interface {
	MembersOf(ctx context.Context, conversationID string) ([]string, error)
	RequireMember(ctx context.Context, conversationID, userID string) error
}

type Options struct {
	EditWindow    time.Duration
	TypingTTL     time.Duration
	FanoutTimeout time.Duration
	Clock         clock.Clock
	Logger        *slog.Logger
}

type Service struct {
	messages domain.MessageRepository
	rooms    Rooms
	push     Pusher
	clock    clock.Clock
	log      *slog.Logger

	editWindow    time.Duration
	typingTTL     time.Duration
	fanoutTimeout time.Duration

	locks *keylock.Map

	lanesMu  sync.Mutex
	lanes    map[string]*lane
	inflight sync.WaitGroup

	typingMu sync.Mutex
	typing   map[typingKey]*indicator
}

func NewService(messages domain.MessageRepository, rooms Rooms, push Pusher, opts Options) *Service {
	if opts.Clock == nil {
		opts.Clock = clock.Real()
	}
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}
	if opts.EditWindow <= 0 {
		opts.EditWindow = 15 * time.Minute
	}
	if opts.FanoutTimeout <= 0 {
		opts.FanoutTimeout = 5 * time.Second
	}
	return &Service{
		messages:      messages,
		rooms:         rooms,
		push:          push,
		clock:         opts.Clock,
		log:           opts.Logger.With("component", "relay"),
		editWindow:    opts.EditWindow,
		typingTTL:     opts.TypingTTL,
		fanoutTimeout: opts.FanoutTimeout,
		locks:         keylock.New(),
		lanes:         make(map[string]*lane),
		typing:        make(map[typingKey]*indicator),
	}
}

// Send persists a new message and returns it with its server id. Delivery to
// the other members happens after Send returns.
func (s *Service) Send(ctx context.Context, senderID string, in SendInput) (*domain.Message, error) {
	if err := validateSend(in); err != nil {
		return nil, err
	}
	if err := s.rooms.RequireMember(ctx, in.ConversationID, senderID); err != nil {
		return nil, err
	}
	if in.ReplyToID != "" {
		parent, err := s.load(ctx, in.ReplyToID)
		if errors.Is(err, domain.ErrNotFound) {
			return nil, domain.Invalid("replyToId %q does not exist", in.ReplyToID)
		}
		if err != nil {
			return nil, err
		}
		if parent.ConversationID != in.ConversationID {
			return nil, domain.Invalid("replyToId belongs to another conversation")
		}
	}

	kind := in.ContentKind
	if kind == "" {
		kind = domain.KindText
	}
	m := &domain.Message{
		TempID:         in.TempID,
		ConversationID: in.ConversationID,
		SenderID:       senderID,
		Content:        in.Content,
		ContentKind:    kind,
		Encryption:     in.Encryption,
		Attachments:    in.Attachments,
		ReplyToID:      in.ReplyToID,
		Status:         domain.StatusSent,
		CreatedAt:      s.clock.Now(),
	}
	if err := s.messages.CreateMessage(ctx, m); err != nil {
		s.log.Error("persist message failed", "conversation_id", in.ConversationID, "error", err)
		return nil, domain.Unavailable("persist message", err)
	}

	out := *m
	s.broadcast(m.ConversationID, senderID, EventMessageNew, &out)
	return m, nil
}

func validateSend(in SendInput) error {
	switch {
	case in.ConversationID == "":
		return domain.Invalid("conversationId is required")
	case in.TempID == "":
		return domain.Invalid("tempId is required")
	case in.ContentKind != "" && !in.ContentKind.Valid():
		return domain.Invalid("unknown contentKind %q", in.ContentKind)
	case in.Content == "" && len(in.Attachments) == 0:
		return domain.Invalid("content or attachments required")
	case len(in.Content) > MaxContentBytes:
		return domain.Invalid("content exceeds %d bytes", MaxContentBytes)
	}
	for _, a := range in.Attachments {
		if a.ID == "" {
			return domain.Invalid("attachment id is required")
		}
	}
	return nil
}

// MarkDelivered records that actorID received the message.
func (s *Service) MarkDelivered(ctx context.Context, actorID, messageID string) error {
	return s.markStatus(ctx, actorID, messageID, domain.StatusDelivered)
}

// MarkRead records that actorID read the message.
func (s *Service) MarkRead(ctx context.Context, actorID, messageID string) error {
	return s.markStatus(ctx, actorID, messageID, domain.StatusRead)
}

func (s *Service) markStatus(ctx context.Context, actorID, messageID string, status domain.MessageStatus) error {
	if messageID == "" {
		return domain.Invalid("messageId is required")
	}
	unlock := s.locks.Lock(messageID)
	defer unlock()

	m, err := s.load(ctx, messageID)
	if err != nil {
		return err
	}
	if err := s.rooms.RequireMember(ctx, m.ConversationID, actorID); err != nil {
		return err
	}
	if m.SenderID == actorID {
		return nil
	}

	now := s.clock.Now()
	changed, err := s.messages.UpsertReceipt(ctx, domain.Receipt{
		MessageID: messageID,
		UserID:    actorID,
		Status:    status,
		At:        now,
	})
	if err != nil {
		return domain.Unavailable("store receipt", err)
	}
	if !changed {
		return nil
	}
	if _, err := s.messages.UpdateStatus(ctx, messageID, status); err != nil {
		return domain.Unavailable("update status", err)
	}

	event := EventMessageDelivered
	if status == domain.StatusRead {
		event = EventMessageRead
	}
	s.notify(m.ConversationID, m.SenderID, event, ReceiptEvent{
		MessageID:      messageID,
		ConversationID: m.ConversationID,
		UserID:         actorID,
		Status:         status,
		At:             now,
	})
	return nil
}

// Delete tombstones a message. Only its sender may delete it.
func (s *Service) Delete(ctx context.Context, actorID, messageID string) error {
	if messageID == "" {
		return domain.Invalid("messageId is required")
	}
	unlock := s.locks.Lock(messageID)
	defer unlock()

	m, err := s.load(ctx, messageID)
	if err != nil {
		return err
	}
	if m.SenderID != actorID {
		return domain.ErrForbiddenNotSender
	}
	if m.IsDeleted() {
		return nil
	}

	now := s.clock.Now()
	if err := s.messages.SoftDelete(ctx, messageID, now); err != nil {
		return domain.Unavailable("delete message", err)
	}
	s.broadcast(m.ConversationID, "", EventMessageDeleted, DeletedEvent{
		MessageID:      messageID,
		ConversationID: m.ConversationID,
		DeletedAt:      now,
	})
	return nil
}

// Edit replaces the content of a message within the edit window.
func (s *Service) Edit(ctx context.Context, actorID, messageID, content string) (*domain.Message, error) {
	switch {
	case messageID == "":
		return nil, domain.Invalid("messageId is required")
	case content == "":
		return nil, domain.Invalid("content is required")
	case len(content) > MaxContentBytes:
		return nil, domain.Invalid("content exceeds %d bytes", MaxContentBytes)
	}
	unlock := s.locks.Lock(messageID)
	defer unlock()

	m, err := s.load(ctx, messageID)
	if err != nil {
		return nil, err
	}
	if m.SenderID != actorID {
		return nil, domain.ErrForbiddenNotSender
	}
	if m.IsDeleted() {
		return nil, domain.Invalid("message was deleted")
	}
	now := s.clock.Now()
	if now.Sub(m.CreatedAt) > s.editWindow {
		return nil, domain.ErrEditWindowExpired
	}

	if err := s.messages.EditContent(ctx, messageID, content, now); err != nil {
		return nil, domain.Unavailable("edit message", err)
	}
	m.Content = content
	m.EditedAt = &now

	s.broadcast(m.ConversationID, "", EventMessageEdited, EditedEvent{
		MessageID:      messageID,
		ConversationID: m.ConversationID,
		Content:        content,
		EditedAt:       now,
	})
	return m, nil
}

// React sets actorID's reaction on the message and returns the new summary.
func (s *Service) React(ctx context.Context, actorID, messageID, emoji string) (domain.ReactionSummary, error) {
	if messageID == "" {
		return nil, domain.Invalid("messageId is required")
	}
	if len(emoji) == 0 || len(emoji) > MaxEmojiBytes {
		return nil, domain.Invalid("emoji must be 1 to %d bytes", MaxEmojiBytes)
	}
	unlock := s.locks.Lock(messageID)
	defer unlock()

	m, err := s.reactable(ctx, actorID, messageID)
	if err != nil {
		return nil, err
	}
	err = s.messages.UpsertReaction(ctx, domain.Reaction{
		MessageID: messageID,
		UserID:    actorID,
		Emoji:     emoji,
		CreatedAt: s.clock.Now(),
	})
	if err != nil {
		return nil, domain.Unavailable("store reaction", err)
	}
	return s.publishReactions(ctx, m)
}

// Unreact removes actorID's reaction. When emoji is set it must match the
// stored reaction, otherwise nothing changes.
func (s *Service) Unreact(ctx context.Context, actorID, messageID, emoji string) (domain.ReactionSummary, error) {
	if messageID == "" {
		return nil, domain.Invalid("messageId is required")
	}
	unlock := s.locks.Lock(messageID)
	defer unlock()

	m, err := s.reactable(ctx, actorID, messageID)
	if err != nil {
		return nil, err
	}
	current, err := s.messages.ListReactions(ctx, messageID)
	if err != nil {
		return nil, domain.Unavailable("load reactions", err)
	}
	i := slices.IndexFunc(current, func(r domain.Reaction) bool { return r.UserID == actorID })
	if i < 0 || (emoji != "" && current[i].Emoji != emoji) {
		return Summarize(current), nil
	}

	if err := s.messages.RemoveReaction(ctx, messageID, actorID); err != nil {
		return nil, domain.Unavailable("remove reaction", err)
	}
	return s.publishReactions(ctx, m)
}

func (s *Service) reactable(ctx context.Context, actorID, messageID string) (*domain.Message, error) {
	m, err := s.load(ctx, messageID)
	if err != nil {
		return nil, err
	}
	if err := s.rooms.RequireMember(ctx, m.ConversationID, actorID); err != nil {
		return nil, err
	}
	if m.IsDeleted() {
		return nil, domain.Invalid("message was deleted")
	}
	return m, nil
}

func (s *Service) publishReactions(ctx context.Context, m *domain.Message) (domain.ReactionSummary, error) {
	list, err := s.messages.ListReactions(ctx, m.ID)
	if err != nil {
		return nil, domain.Unavailable("load reactions", err)
	}
	summary := Summarize(list)
	s.broadcast(m.ConversationID, "", EventMessageReaction, ReactionEvent{
		MessageID:      m.ID,
		ConversationID: m.ConversationID,
		Reactions:      summary,
	})
	return summary, nil
}

// Summarize groups reactions by emoji. Reactor ids are sorted and the
// result is never nil.
func Summarize(reactions []domain.Reaction) domain.ReactionSummary {
	out := make(domain.ReactionSummary)
	for _, r := range reactions {
		g := out[r.Emoji]
		g.Count++
		g.Reactors = append(g.Reactors, r.UserID)
		out[r.Emoji] = g
	}
	for emoji, g := range out {
		slices.Sort(g.Reactors)
		out[emoji] = g
	}
	return out
}

func (s *Service) load(ctx context.Context, messageID string) (*domain.Message, error) {
	m, err := s.messages.GetMessage(ctx, messageID)
	if errors.Is(err, domain.ErrNotFound) {
		return nil, domain.ErrNotFound
	}
	if err != nil {
		return nil, domain.Unavailable("load message", err)
	}
	return m, nil
}
