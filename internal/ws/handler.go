package ws

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/gorilla/websocket"
	"golang.org/x/time/rate"

	"realtime_go/internal/call"
	"realtime_go/internal/domain"
	"realtime_go/internal/registry"
	"realtime_go/internal/relay"
)

// Options tunes the websocket endpoint.
type Options struct {
	AllowedOrigins []string
	AllowAnyOrigin bool
	SendBuffer     int
	// EventsPerSecond limits inbound events per connection; zero disables
	// the limit.
	EventsPerSecond float64
	EventBurst      int
	// RequestTimeout bounds the collaborator work of one inbound event.
	RequestTimeout time.Duration
	Logger         *slog.Logger
}

// Handler serves /ws: it authenticates the bearer credential, admits the
// connection into the registry and dispatches inbound events.
type Handler struct {
	auth     domain.Authenticator
	registry *registry.Registry
	relay    *relay.Service
	calls    *call.Engine
	opts     Options
	log      *slog.Logger

	checkOrigin func(r *http.Request) bool
	upgrader    websocket.Upgrader
	routes      map[string]route
}

type route func(ctx context.Context, me domain.Identity, event string, data json.RawMessage) (any, error)

func NewHandler(auth domain.Authenticator, reg *registry.Registry, rel *relay.Service, calls *call.Engine, opts Options) *Handler {
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}
	if opts.SendBuffer <= 0 {
		opts.SendBuffer = 256
	}
	if opts.RequestTimeout <= 0 {
		opts.RequestTimeout = 5 * time.Second
	}
	h := &Handler{
		auth:     auth,
		registry: reg,
		relay:    rel,
		calls:    calls,
		opts:     opts,
		log:      opts.Logger.With("component", "ws"),
	}
	h.checkOrigin = makeCheckOrigin(opts.AllowedOrigins, opts.AllowAnyOrigin)
	h.upgrader = websocket.Upgrader{
		CheckOrigin:  h.checkOrigin,
		Subprotocols: []string{"bearer"},
	}
	h.routes = h.buildRoutes()
	return h
}

// HandlePresence is a registry presence listener. When a user's last
// connection closes it ends their calls and clears their typing indicators
// before teardown completes.
func (h *Handler) HandlePresence(change registry.PresenceChange) {
	if change.Online {
		return
	}
	h.calls.Disconnect(change.UserID)
	h.relay.ClearTyping(change.UserID)
}

func normalizeAllowedOrigins(origins []string) map[string]struct{} {
	res := make(map[string]struct{}, len(origins))
	for _, origin := range origins {
		o := strings.TrimSpace(strings.ToLower(origin))
		if o != "" {
			res[o] = struct{}{}
		}
	}
	return res
}

// makeCheckOrigin accepts requests without an Origin header (non-browser
// clients) and browser requests from an allowed origin.
func makeCheckOrigin(allowedOrigins []string, allowAny bool) func(r *http.Request) bool {
	allowed := normalizeAllowedOrigins(allowedOrigins)
	return func(r *http.Request) bool {
		origin := strings.TrimSpace(strings.ToLower(r.Header.Get("Origin")))
		if origin == "" || allowAny {
			return true
		}
		if _, ok := allowed[origin]; ok {
			return true
		}

		u, err := url.Parse(origin)
		if err != nil || u.Scheme == "" || u.Host == "" {
			return false
		}
		normalized := strings.ToLower(fmt.Sprintf("%s://%s", u.Scheme, u.Host))
		_, ok := allowed[normalized]
		return ok
	}
}

// extractToken reads the bearer credential from the Authorization header,
// the "bearer, <token>" subprotocol pair, or the access_token query
// parameter, in that order.
func extractToken(r *http.Request) string {
	authHeader := strings.TrimSpace(r.Header.Get("Authorization"))
	if strings.HasPrefix(strings.ToLower(authHeader), "bearer ") {
		if token := strings.TrimSpace(authHeader[len("Bearer "):]); token != "" {
			return token
		}
	}

	if protocolHeader := r.Header.Get("Sec-WebSocket-Protocol"); protocolHeader != "" {
		parts := strings.Split(protocolHeader, ",")
		for i := range parts {
			parts[i] = strings.TrimSpace(parts[i])
		}
		if len(parts) >= 2 && strings.EqualFold(parts[0], "bearer") && parts[1] != "" {
			return parts[1]
		}
	}

	return r.URL.Query().Get("access_token")
}

func (h *Handler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	if !h.checkOrigin(r) {
		http.Error(w, "origin not allowed", http.StatusForbidden)
		return
	}

	token := extractToken(r)
	if token == "" {
		http.Error(w, "missing bearer token", http.StatusUnauthorized)
		return
	}
	me, err := h.auth.Authenticate(r.Context(), token)
	if err != nil {
		h.log.Debug("websocket authentication failed", "remote", r.RemoteAddr, "error", err)
		http.Error(w, "invalid token", http.StatusUnauthorized)
		return
	}

	conn, err := h.upgrader.Upgrade(w, r, nil)
	if err != nil {
		h.log.Debug("websocket upgrade failed", "user_id", me.UserID, "error", err)
		return
	}

	c := newClient(conn, h.opts.SendBuffer)
	go c.writePump()

	connID := h.registry.Register(me, c)
	defer func() {
		c.shutdown()
		h.registry.Unregister(connID)
	}()
	h.log.Info("connection admitted", "user_id", me.UserID, "conn_id", connID)

	h.readLoop(c, me)
}

// readLoop handles events one at a time so a connection's requests are
// processed in arrival order.
func (h *Handler) readLoop(c *Client, me domain.Identity) {
	c.conn.SetReadLimit(maxMessageSize)
	_ = c.conn.SetReadDeadline(time.Now().Add(pongWait))
	c.conn.SetPongHandler(func(string) error {
		return c.conn.SetReadDeadline(time.Now().Add(pongWait))
	})

	limit := rate.Inf
	if h.opts.EventsPerSecond > 0 {
		limit = rate.Limit(h.opts.EventsPerSecond)
	}
	burst := h.opts.EventBurst
	if burst <= 0 {
		burst = 1
	}
	limiter := rate.NewLimiter(limit, burst)

	for {
		_, raw, err := c.conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
				h.log.Debug("websocket read failed", "user_id", me.UserID, "error", err)
			}
			return
		}
		_ = c.conn.SetReadDeadline(time.Now().Add(pongWait))

		var in inbound
		if err := json.Unmarshal(raw, &in); err != nil || in.Event == "" {
			h.reply(c, in, nil, domain.Invalid("malformed frame"))
			continue
		}
		if !limiter.Allow() {
			h.reply(c, in, nil, domain.ErrRateLimited)
			continue
		}
		data, err := h.dispatch(me, in)
		h.reply(c, in, data, err)
	}
}

func (h *Handler) dispatch(me domain.Identity, in inbound) (data any, err error) {
	defer func() {
		if p := recover(); p != nil {
			h.log.Error("event handler panicked", "event", in.Event, "user_id", me.UserID, "panic", p)
			data, err = nil, fmt.Errorf("handler panic")
		}
	}()

	fn, ok := h.routes[in.Event]
	if !ok {
		return nil, domain.Invalid("unknown event %q", in.Event)
	}
	ctx, cancel := context.WithTimeout(context.Background(), h.opts.RequestTimeout)
	defer cancel()
	return fn(ctx, me, in.Event, in.Data)
}

func (h *Handler) reply(c *Client, in inbound, data any, err error) {
	ack := Ack{Event: EventAck, For: in.Event, RequestID: in.RequestID, OK: err == nil, Data: data}
	if err != nil {
		ack.Data = nil
		ack.ErrorCode = domain.CodeOf(err)
		ack.ErrorMessage = domain.MessageOf(err)
		if ack.ErrorCode == domain.CodeDependencyUnavailable {
			h.log.Warn("event failed", "event", in.Event, "error", err)
		}
	}
	frame, mErr := json.Marshal(ack)
	if mErr != nil {
		h.log.Error("encode ack", "event", in.Event, "error", mErr)
		return
	}
	c.Deliver(frame)
}

func (h *Handler) buildRoutes() map[string]route {
	receipt := func(mark func(context.Context, string, string) error) route {
		return func(ctx context.Context, me domain.Identity, _ string, raw json.RawMessage) (any, error) {
			req, err := decode[MessageRefRequest](raw)
			if err != nil {
				return nil, err
			}
			return nil, mark(ctx, me.UserID, req.MessageID)
		}
	}
	typing := func(fn func(context.Context, string, string) error) route {
		return func(ctx context.Context, me domain.Identity, _ string, raw json.RawMessage) (any, error) {
			req, err := decode[TypingRequest](raw)
			if err != nil {
				return nil, err
			}
			return nil, fn(ctx, me.UserID, req.ConversationID)
		}
	}

	return map[string]route{
		EventMessageSend: func(ctx context.Context, me domain.Identity, _ string, raw json.RawMessage) (any, error) {
			req, err := decode[SendMessageRequest](raw)
			if err != nil {
				return nil, err
			}
			m, err := h.relay.Send(ctx, me.UserID, req.input())
			if err != nil {
				return nil, err
			}
			return map[string]any{"message": m}, nil
		},
		EventMessageDelivered: receipt(h.relay.MarkDelivered),
		EventMessageRead:      receipt(h.relay.MarkRead),
		EventMessageDelete:    receipt(h.relay.Delete),
		EventMessageEdit: func(ctx context.Context, me domain.Identity, _ string, raw json.RawMessage) (any, error) {
			req, err := decode[EditMessageRequest](raw)
			if err != nil {
				return nil, err
			}
			m, err := h.relay.Edit(ctx, me.UserID, req.MessageID, req.Content)
			if err != nil {
				return nil, err
			}
			return map[string]any{"message": m}, nil
		},
		EventMessageReact: func(ctx context.Context, me domain.Identity, _ string, raw json.RawMessage) (any, error) {
			req, err := decode[ReactRequest](raw)
			if err != nil {
				return nil, err
			}
			summary, err := h.relay.React(ctx, me.UserID, req.MessageID, req.Emoji)
			if err != nil {
				return nil, err
			}
			return map[string]any{"reactions": summary}, nil
		},
		EventMessageUnreact: func(ctx context.Context, me domain.Identity, _ string, raw json.RawMessage) (any, error) {
			req, err := decode[ReactRequest](raw)
			if err != nil {
				return nil, err
			}
			summary, err := h.relay.Unreact(ctx, me.UserID, req.MessageID, req.Emoji)
			if err != nil {
				return nil, err
			}
			return map[string]any{"reactions": summary}, nil
		},
		EventTypingStart: typing(h.relay.StartTyping),
		EventTypingStop:  typing(h.relay.StopTyping),

		EventCallInitiate: func(ctx context.Context, me domain.Identity, _ string, raw json.RawMessage) (any, error) {
			req, err := decode[CallInitiateRequest](raw)
			if err != nil {
				return nil, err
			}
			return h.calls.Initiate(ctx, me, call.InitiateInput{
				ConversationID: req.ConversationID,
				RecipientID:    req.RecipientID,
				Kind:           req.CallKind,
			})
		},
		EventCallAccept: func(ctx context.Context, me domain.Identity, _ string, raw json.RawMessage) (any, error) {
			req, err := decode[CallRefRequest](raw)
			if err != nil {
				return nil, err
			}
			return h.calls.Accept(ctx, me.UserID, req.CallID)
		},
		EventCallReject: func(ctx context.Context, me domain.Identity, _ string, raw json.RawMessage) (any, error) {
			req, err := decode[CallRefRequest](raw)
			if err != nil {
				return nil, err
			}
			return nil, h.calls.Reject(ctx, me.UserID, req.CallID, req.Reason)
		},
		EventCallEnd: func(ctx context.Context, me domain.Identity, _ string, raw json.RawMessage) (any, error) {
			req, err := decode[CallRefRequest](raw)
			if err != nil {
				return nil, err
			}
			return nil, h.calls.End(ctx, me.UserID, req.CallID)
		},
		EventCallFailed: func(ctx context.Context, me domain.Identity, _ string, raw json.RawMessage) (any, error) {
			req, err := decode[CallRefRequest](raw)
			if err != nil {
				return nil, err
			}
			return nil, h.calls.Fail(ctx, me.UserID, req.CallID, req.Reason)
		},
		EventCallOffer:        h.signal,
		EventCallAnswer:       h.signal,
		EventCallICECandidate: h.signal,
	}
}

func (h *Handler) signal(ctx context.Context, me domain.Identity, event string, raw json.RawMessage) (any, error) {
	req, err := decode[CallSignalRequest](raw)
	if err != nil {
		return nil, err
	}
	if err := req.validateFor(event); err != nil {
		return nil, err
	}
	return nil, h.calls.Relay(ctx, me.UserID, req.CallID, event, req.RecipientID, req.Payload)
}
