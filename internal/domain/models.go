package domain

import (
	"time"

	"github.com/pion/webrtc/v4"
)

// Identity is the authenticated user snapshot attached to a connection.
type Identity struct {
	UserID      string `json:"id"`
	DisplayName string `json:"displayName,omitempty"`
	Avatar      string `json:"avatar,omitempty"`
}

// MessageStatus progresses sent -> delivered -> read and never regresses.
type MessageStatus string

const (
	StatusSent      MessageStatus = "sent"
	StatusDelivered MessageStatus = "delivered"
	StatusRead      MessageStatus = "read"
)

// Rank orders statuses; unknown values rank below sent.
func (s MessageStatus) Rank() int {
	switch s {
	case StatusSent:
		return 1
	case StatusDelivered:
		return 2
	case StatusRead:
		return 3
	}
	return 0
}

// After reports whether s is strictly later than other.
func (s MessageStatus) After(other MessageStatus) bool {
	return s.Rank() > other.Rank()
}

// ContentKind describes what the opaque content blob holds.
type ContentKind string

const (
	KindText    ContentKind = "text"
	KindImage   ContentKind = "image"
	KindFile    ContentKind = "file"
	KindAudio   ContentKind = "audio"
	KindVideo   ContentKind = "video"
	KindSticker ContentKind = "sticker"
)

// Valid reports whether k is a known content kind.
func (k ContentKind) Valid() bool {
	switch k {
	case KindText, KindImage, KindFile, KindAudio, KindVideo, KindSticker:
		return true
	}
	return false
}

// EncryptionMeta accompanies ciphertext; only clients interpret it.
type EncryptionMeta struct {
	SessionVersion int `json:"sessionVersion"`
	RatchetStep    int `json:"ratchetStep"`
}

// Attachment references a blob held by the attachment store.
type Attachment struct {
	ID       string `json:"id"`
	URL      string `json:"url,omitempty"`
	MimeType string `json:"mimeType,omitempty"`
	Size     int64  `json:"size,omitempty"`
}

// Message is the in-flight representation of a chat message. The durable copy
// lives behind MessageRepository.
type Message struct {
	ID             string          `json:"id"`
	TempID         string          `json:"tempId,omitempty"`
	ConversationID string          `json:"conversationId"`
	SenderID       string          `json:"senderId"`
	Content        string          `json:"content"` // opaque ciphertext
	ContentKind    ContentKind     `json:"contentKind"`
	Encryption     *EncryptionMeta `json:"encryption,omitempty"`
	Attachments    []Attachment    `json:"attachments,omitempty"`
	ReplyToID      string          `json:"replyToId,omitempty"`
	Status         MessageStatus   `json:"status"`
	CreatedAt      time.Time       `json:"createdAt"`
	EditedAt       *time.Time      `json:"editedAt,omitempty"`
	DeletedAt      *time.Time      `json:"deletedAt,omitempty"`
}

// IsDeleted reports whether the message is a tombstone.
func (m *Message) IsDeleted() bool { return m.DeletedAt != nil }

// Receipt is the per-(message, user) delivery state.
type Receipt struct {
	MessageID string        `json:"messageId"`
	UserID    string        `json:"userId"`
	Status    MessageStatus `json:"status"`
	At        time.Time     `json:"at"`
}

// Reaction is one user's reaction to a message. A user holds at most one
// reaction per message.
type Reaction struct {
	MessageID string    `json:"messageId"`
	UserID    string    `json:"userId"`
	Emoji     string    `json:"emoji"`
	CreatedAt time.Time `json:"createdAt"`
}

// ReactionGroup is the aggregated view of one emoji on a message.
type ReactionGroup struct {
	Count    int      `json:"count"`
	Reactors []string `json:"reactors"`
}

// ReactionSummary maps emoji to its group.
type ReactionSummary map[string]ReactionGroup

// CallKind is the media type negotiated for a call.
type CallKind string

const (
	CallAudio CallKind = "audio"
	CallVideo CallKind = "video"
)

// Valid reports whether k is audio or video.
func (k CallKind) Valid() bool { return k == CallAudio || k == CallVideo }

// CallState is a node in the call state machine.
type CallState string

const (
	CallInitiated CallState = "initiated"
	CallRinging   CallState = "ringing"
	CallAnswered  CallState = "answered"
	CallRejected  CallState = "rejected"
	CallMissed    CallState = "missed"
	CallEnded     CallState = "ended"
	CallFailed    CallState = "failed"
)

// Terminal reports whether no transition may leave s.
func (s CallState) Terminal() bool {
	switch s {
	case CallRejected, CallMissed, CallEnded, CallFailed:
		return true
	}
	return false
}

// CallRecord is the durable projection of a call session.
type CallRecord struct {
	ID             string     `json:"id"`
	ConversationID string     `json:"conversationId"`
	CallerID       string     `json:"callerId"`
	RecipientID    string     `json:"recipientId"`
	Kind           CallKind   `json:"kind"`
	State          CallState  `json:"state"`
	InitiatedAt    time.Time  `json:"initiatedAt"`
	AnsweredAt     *time.Time `json:"answeredAt,omitempty"`
	EndedAt        *time.Time `json:"endedAt,omitempty"`
	DurationSecs   int64      `json:"duration"`
	EndedBy        string     `json:"endedBy,omitempty"`
	Reason         string     `json:"reason,omitempty"`
}

// Counterpart returns the other party of the call, or "" if userID is not a
// party.
func (c *CallRecord) Counterpart(userID string) string {
	switch userID {
	case c.CallerID:
		return c.RecipientID
	case c.RecipientID:
		return c.CallerID
	}
	return ""
}

// RelayCredentials is the time-limited NAT traversal configuration for a call.
type RelayCredentials struct {
	ICEServers []webrtc.ICEServer `json:"iceServers"`
	ExpiresAt  time.Time          `json:"expiresAt"`
}
