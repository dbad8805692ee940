package call

import (
	"encoding/json"

	"realtime_go/internal/domain"
)

const (
	EventIncoming     = "call:incoming"
	EventAccepted     = "call:accepted"
	EventRejected     = "call:rejected"
	EventOffer        = "call:offer"
	EventAnswer       = "call:answer"
	EventICECandidate = "call:ice-candidate"
	EventEnded        = "call:ended"
	EventMissed       = "call:missed"
	EventFailed       = "call:failed"
)

// Reasons attached to terminal records.
const (
	ReasonDisconnected = "disconnected"
	ReasonNoAnswer     = "no_answer"
	ReasonCancelled    = "cancelled"
	ReasonCompleted    = "completed"
)

type InitiateInput struct {
	ConversationID string
	RecipientID    string
	Kind           domain.CallKind
}

// Grant is returned to a party joining the media session.
type Grant struct {
	CallID           string                  `json:"callId"`
	RelayCredentials domain.RelayCredentials `json:"relayCredentials"`
}

type IncomingEvent struct {
	CallID         string          `json:"callId"`
	ConversationID string          `json:"conversationId"`
	Caller         domain.Identity `json:"caller"`
	CallKind       domain.CallKind `json:"callKind"`
}

type AcceptedEvent struct {
	CallID     string `json:"callId"`
	AcceptedBy string `json:"acceptedBy"`
}

type RejectedEvent struct {
	CallID     string `json:"callId"`
	RejectedBy string `json:"rejectedBy"`
	Reason     string `json:"reason,omitempty"`
}

type SignalEvent struct {
	CallID  string          `json:"callId"`
	From    string          `json:"from"`
	Payload json.RawMessage `json:"payload"`
}

type EndedEvent struct {
	CallID   string `json:"callId"`
	EndedBy  string `json:"endedBy"`
	Duration int64  `json:"duration"`
	Reason   string `json:"reason,omitempty"`
}

type MissedEvent struct {
	CallID         string `json:"callId"`
	ConversationID string `json:"conversationId"`
	CallerID       string `json:"callerId"`
}

type FailedEvent struct {
	CallID   string `json:"callId"`
	FailedBy string `json:"failedBy"`
	Reason   string `json:"reason,omitempty"`
}
