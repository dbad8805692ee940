package domain

import (
	"context"
	"time"
)

// MembershipRepository is the conversation-membership collaborator.
type MembershipRepository interface {
	IsMember(ctx context.Context, conversationID, userID string) (bool, error)
	// MembersOf returns member ids in join order. Unknown conversations
	// return an empty slice.
	MembersOf(ctx context.Context, conversationID string) ([]string, error)
	// ContactsOf returns every other user sharing at least one conversation
	// with userID.
	ContactsOf(ctx context.Context, userID string) ([]string, error)
	CreateConversation(ctx context.Context, memberIDs []string) (string, error)
	RemoveMember(ctx context.Context, conversationID, userID string) error
}

// MessageRepository is the message-persistence collaborator.
type MessageRepository interface {
	// CreateMessage assigns m.ID and stores m as given.
	CreateMessage(ctx context.Context, m *Message) error
	// GetMessage returns ErrNotFound for unknown ids.
	GetMessage(ctx context.Context, id string) (*Message, error)
	// UpdateStatus moves the message status forward only. It reports
	// whether the stored status changed.
	UpdateStatus(ctx context.Context, id string, status MessageStatus) (bool, error)
	// UpsertReceipt stores a forward-only receipt and reports whether it
	// changed.
	UpsertReceipt(ctx context.Context, r Receipt) (bool, error)
	SoftDelete(ctx context.Context, id string, at time.Time) error
	EditContent(ctx context.Context, id, content string, at time.Time) error
	// UpsertReaction replaces the user's reaction on the message.
	UpsertReaction(ctx context.Context, r Reaction) error
	RemoveReaction(ctx context.Context, messageID, userID string) error
	ListReactions(ctx context.Context, messageID string) ([]Reaction, error)
}

// CallRepository is the call-record collaborator.
type CallRepository interface {
	CreateCall(ctx context.Context, c *CallRecord) error
	// UpdateCall stores state, timestamps, duration and end metadata.
	UpdateCall(ctx context.Context, c *CallRecord) error
}

// CredentialIssuer hands out relay credentials for a call participant.
type CredentialIssuer interface {
	Issue(ctx context.Context, userID string) (RelayCredentials, error)
}

// Authenticator exchanges a bearer credential for a verified identity.
type Authenticator interface {
	Authenticate(ctx context.Context, token string) (Identity, error)
}
