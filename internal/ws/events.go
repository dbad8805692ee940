package ws

import (
	"encoding/json"

	"github.com/pion/webrtc/v4"

	"realtime_go/internal/call"
	"realtime_go/internal/domain"
	"realtime_go/internal/relay"
)

// Inbound event names.
const (
	EventMessageSend      = "message:send"
	EventMessageDelivered = "message:delivered"
	EventMessageRead      = "message:read"
	EventMessageDelete    = "message:delete"
	EventMessageEdit      = "message:edit"
	EventMessageReact     = "message:react"
	EventMessageUnreact   = "message:unreact"
	EventTypingStart      = "typing:start"
	EventTypingStop       = "typing:stop"
	EventCallInitiate     = "call:initiate"
	EventCallAccept       = "call:accept"
	EventCallReject       = "call:reject"
	EventCallOffer        = call.EventOffer
	EventCallAnswer       = call.EventAnswer
	EventCallICECandidate = call.EventICECandidate
	EventCallEnd          = "call:end"
	EventCallFailed       = "call:failed"

	EventAck = "ack"
)

// inbound is the frame every client request arrives in.
type inbound struct {
	Event     string          `json:"event"`
	RequestID string          `json:"requestId,omitempty"`
	Data      json.RawMessage `json:"data,omitempty"`
}

// Ack answers one inbound frame.
type Ack struct {
	Event        string `json:"event"`
	For          string `json:"for"`
	RequestID    string `json:"requestId,omitempty"`
	OK           bool   `json:"ok"`
	Data         any    `json:"data,omitempty"`
	ErrorCode    string `json:"errorCode,omitempty"`
	ErrorMessage string `json:"errorMessage,omitempty"`
}

type validator interface {
	Validate() error
}

// decode unmarshals a payload into T and validates it.
func decode[T validator](raw json.RawMessage) (T, error) {
	var req T
	if len(raw) > 0 && string(raw) != "null" {
		if err := json.Unmarshal(raw, &req); err != nil {
			return req, domain.Invalid("malformed payload")
		}
	}
	return req, req.Validate()
}

type SendMessageRequest struct {
	ConversationID string                 `json:"conversationId"`
	Content        string                 `json:"content"`
	ContentKind    domain.ContentKind     `json:"contentKind"`
	TempID         string                 `json:"tempId"`
	ReplyToID      string                 `json:"replyToId,omitempty"`
	Attachments    []domain.Attachment    `json:"attachments,omitempty"`
	Encryption     *domain.EncryptionMeta `json:"encryption,omitempty"`
}

func (r SendMessageRequest) Validate() error {
	switch {
	case r.ConversationID == "":
		return domain.Invalid("conversationId is required")
	case r.TempID == "":
		return domain.Invalid("tempId is required")
	}
	return nil
}

func (r SendMessageRequest) input() relay.SendInput {
	return relay.SendInput{
		ConversationID: r.ConversationID,
		TempID:         r.TempID,
		Content:        r.Content,
		ContentKind:    r.ContentKind,
		ReplyToID:      r.ReplyToID,
		Attachments:    r.Attachments,
		Encryption:     r.Encryption,
	}
}

type MessageRefRequest struct {
	MessageID string `json:"messageId"`
}

func (r MessageRefRequest) Validate() error {
	if r.MessageID == "" {
		return domain.Invalid("messageId is required")
	}
	return nil
}

type EditMessageRequest struct {
	MessageID string `json:"messageId"`
	Content   string `json:"content"`
}

func (r EditMessageRequest) Validate() error {
	switch {
	case r.MessageID == "":
		return domain.Invalid("messageId is required")
	case r.Content == "":
		return domain.Invalid("content is required")
	}
	return nil
}

type ReactRequest struct {
	MessageID string `json:"messageId"`
	Emoji     string `json:"emoji,omitempty"`
}

func (r ReactRequest) Validate() error {
	if r.MessageID == "" {
		return domain.Invalid("messageId is required")
	}
	return nil
}

type TypingRequest struct {
	ConversationID string `json:"conversationId"`
}

func (r TypingRequest) Validate() error {
	if r.ConversationID == "" {
		return domain.Invalid("conversationId is required")
	}
	return nil
}

type CallInitiateRequest struct {
	ConversationID string          `json:"conversationId"`
	RecipientID    string          `json:"recipientId"`
	CallKind       domain.CallKind `json:"callKind"`
}

func (r CallInitiateRequest) Validate() error {
	switch {
	case r.ConversationID == "":
		return domain.Invalid("conversationId is required")
	case r.RecipientID == "":
		return domain.Invalid("recipientId is required")
	case !r.CallKind.Valid():
		return domain.Invalid("callKind must be audio or video")
	}
	return nil
}

// CallRefRequest serves accept, reject, end and failed.
type CallRefRequest struct {
	CallID string `json:"callId"`
	Reason string `json:"reason,omitempty"`
}

func (r CallRefRequest) Validate() error {
	if r.CallID == "" {
		return domain.Invalid("callId is required")
	}
	if len(r.Reason) > 256 {
		return domain.Invalid("reason is too long")
	}
	return nil
}

// CallSignalRequest carries an offer, answer or ICE candidate. The payload
// is forwarded verbatim once it parses as the matching WebRTC structure.
type CallSignalRequest struct {
	CallID      string          `json:"callId"`
	RecipientID string          `json:"recipientId,omitempty"`
	Payload     json.RawMessage `json:"payload"`
}

func (r CallSignalRequest) Validate() error {
	switch {
	case r.CallID == "":
		return domain.Invalid("callId is required")
	case len(r.Payload) == 0:
		return domain.Invalid("payload is required")
	}
	return nil
}

// validateFor checks the payload shape expected for event.
func (r CallSignalRequest) validateFor(event string) error {
	switch event {
	case EventCallOffer, EventCallAnswer:
		var sd webrtc.SessionDescription
		if err := json.Unmarshal(r.Payload, &sd); err != nil {
			return domain.Invalid("payload is not a session description")
		}
		want := webrtc.SDPTypeOffer
		if event == EventCallAnswer {
			want = webrtc.SDPTypeAnswer
		}
		if sd.Type != want {
			return domain.Invalid("session description type must be %s", want)
		}
		if _, err := sd.Unmarshal(); err != nil {
			return domain.Invalid("malformed SDP")
		}
	case EventCallICECandidate:
		var c webrtc.ICECandidateInit
		if err := json.Unmarshal(r.Payload, &c); err != nil {
			return domain.Invalid("payload is not an ICE candidate")
		}
	}
	return nil
}
