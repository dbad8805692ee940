package relay

import (
	"time"

	"realtime_go/internal/domain"
)

// Push event names.
const (
	EventMessageNew       = "message:new"
	EventMessageDelivered = "message:delivered"
	EventMessageRead      = "message:read"
	EventMessageDeleted   = "message:deleted"
	EventMessageEdited    = "message:edited"
	EventMessageReaction  = "message:reaction"
	EventTypingStart      = "typing:start"
	EventTypingStop       = "typing:stop"
)

// SendInput is a validated message:send request.
type SendInput struct {
	ConversationID string
	TempID         string
	Content        string
	ContentKind    domain.ContentKind
	ReplyToID      string
	Attachments    []domain.Attachment
	Encryption     *domain.EncryptionMeta
}

type ReceiptEvent struct {
	MessageID      string               `json:"messageId"`
	ConversationID string               `json:"conversationId"`
	UserID         string               `json:"userId"`
	Status         domain.MessageStatus `json:"status"`
	At             time.Time            `json:"at"`
}

type DeletedEvent struct {
	MessageID      string    `json:"messageId"`
	ConversationID string    `json:"conversationId"`
	DeletedAt      time.Time `json:"deletedAt"`
}

type EditedEvent struct {
	MessageID      string    `json:"messageId"`
	ConversationID string    `json:"conversationId"`
	Content        string    `json:"content"`
	EditedAt       time.Time `json:"editedAt"`
}

type ReactionEvent struct {
	MessageID      string                 `json:"messageId"`
	ConversationID string                 `json:"conversationId"`
	Reactions      domain.ReactionSummary `json:"reactions"`
}

type TypingEvent struct {
	ConversationID string `json:"conversationId"`
	UserID         string `json:"userId"`
}
