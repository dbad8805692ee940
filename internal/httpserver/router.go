package httpserver

import (
	"encoding/json"
	"log/slog"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"

	"realtime_go/internal/config"
	"realtime_go/internal/domain"
	"realtime_go/internal/room"
)

// Deps are the collaborators the HTTP surface routes to.
type Deps struct {
	Config *config.Config
	Auth   domain.Authenticator
	Rooms  *room.Router
	// WS serves the websocket endpoint. It is mounted outside the request
	// timeout middleware.
	WS     http.Handler
	Logger *slog.Logger
}

// NewRouter constructs the main HTTP router and wires routes and middleware.
func NewRouter(d Deps) http.Handler {
	log := d.Logger
	if log == nil {
		log = slog.Default()
	}
	r := chi.NewRouter()

	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(requestLogger(log))
	r.Use(middleware.Recoverer)

	r.Use(cors.Handler(cors.Options{
		AllowedOrigins:   d.Config.CORSOrigins,
		AllowedMethods:   []string{"GET", "POST", "DELETE", "OPTIONS"},
		AllowedHeaders:   []string{"Accept", "Authorization", "Content-Type", "X-Request-Id"},
		ExposedHeaders:   []string{"X-Request-Id"},
		AllowCredentials: true,
		MaxAge:           300,
	}))

	r.Get("/health", func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, http.StatusOK, map[string]string{"status": "healthy", "node": d.Config.NodeID})
	})

	if d.WS != nil {
		r.Method(http.MethodGet, "/ws", d.WS)
	}

	r.Route("/api", func(r chi.Router) {
		r.Use(middleware.Timeout(30 * time.Second))
		r.Use(AuthMiddleware(d.Auth))

		r.Route("/conversations", func(r chi.Router) {
			r.Post("/", handleCreateConversation(d.Rooms))
			r.Delete("/{conversationID}/members/me", handleLeaveConversation(d.Rooms))
		})
	})

	return r
}

func requestLogger(log *slog.Logger) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
			start := time.Now()
			next.ServeHTTP(ww, r)
			log.Debug("http request",
				"method", r.Method,
				"path", r.URL.Path,
				"status", ww.Status(),
				"duration", time.Since(start),
				"request_id", middleware.GetReqID(r.Context()),
			)
		})
	}
}

// writeJSON is a small helper to send JSON responses.
func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if v != nil {
		_ = json.NewEncoder(w).Encode(v)
	}
}

// writeError maps err onto a status code and the wire error code.
func writeError(w http.ResponseWriter, err error) {
	code := domain.CodeOf(err)
	status := http.StatusServiceUnavailable
	switch code {
	case domain.CodeAuthenticationRequired:
		status = http.StatusUnauthorized
	case domain.CodeForbiddenNotMember, domain.CodeForbiddenNotSender:
		status = http.StatusForbidden
	case domain.CodeNotFound, domain.CodeCallNotFound:
		status = http.StatusNotFound
	case domain.CodeValidationFailed:
		status = http.StatusBadRequest
	}
	writeJSON(w, status, map[string]string{"errorCode": code, "errorMessage": domain.MessageOf(err)})
}
