package httpserver

import (
	"encoding/json"
	"net/http"

	"github.com/go-chi/chi/v5"

	"realtime_go/internal/domain"
	"realtime_go/internal/room"
)

type conversationCreateRequest struct {
	MemberIDs []string `json:"memberIds"`
}

type conversationCreateResponse struct {
	ID        string   `json:"id"`
	MemberIDs []string `json:"memberIds"`
}

func handleCreateConversation(rooms *room.Router) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		me, ok := CurrentIdentity(r)
		if !ok {
			writeError(w, domain.ErrAuthenticationRequired)
			return
		}
		var req conversationCreateRequest
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			writeError(w, domain.Invalid("invalid JSON body"))
			return
		}

		id, err := rooms.CreateConversation(r.Context(), me.UserID, req.MemberIDs)
		if err != nil {
			writeError(w, err)
			return
		}
		members, err := rooms.MembersOf(r.Context(), id)
		if err != nil {
			writeError(w, err)
			return
		}
		writeJSON(w, http.StatusCreated, conversationCreateResponse{ID: id, MemberIDs: members})
	}
}

func handleLeaveConversation(rooms *room.Router) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		me, ok := CurrentIdentity(r)
		if !ok {
			writeError(w, domain.ErrAuthenticationRequired)
			return
		}
		conversationID := chi.URLParam(r, "conversationID")
		if err := rooms.Leave(r.Context(), conversationID, me.UserID); err != nil {
			writeError(w, err)
			return
		}
		w.WriteHeader(http.StatusNoContent)
	}
}
