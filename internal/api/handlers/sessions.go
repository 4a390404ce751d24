package handlers

import (
	"context"
	"net/http"
	"strconv"
	"time"

	"github.com/cloo-solutions/strata/internal/api"
	"github.com/cloo-solutions/strata/internal/domain"
	"github.com/go-chi/chi/v5"
)

const maxTurnsLimit = 200

type TurnHistory interface {
	History(ctx context.Context, sessionID string, limit int) ([]*domain.ConversationTurn, error)
}

type SessionHandler struct {
	turns TurnHistory
}

func NewSessionHandler(turns TurnHistory) *SessionHandler {
	return &SessionHandler{turns: turns}
}

type TurnResponse struct {
	Seq       int64     `json:"seq"`
	Role      string    `json:"role"`
	Content   string    `json:"content"`
	CreatedAt time.Time `json:"created_at"`
}

// Turns lists a session's turns oldest first. ?limit keeps only the
// most recent ones.
func (h *SessionHandler) Turns(w http.ResponseWriter, r *http.Request) {
	sessionID := chi.URLParam(r, "id")
	if sessionID == "" {
		api.Error(w, http.StatusBadRequest, "id is required")
		return
	}

	limit := 0
	if raw := r.URL.Query().Get("limit"); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil || n < 1 || n > maxTurnsLimit {
			api.Error(w, http.StatusBadRequest, "limit must be between 1 and 200")
			return
		}
		limit = n
	}

	turns, err := h.turns.History(r.Context(), sessionID, limit)
	if err != nil {
		api.HandleError(w, err)
		return
	}

	out := make([]TurnResponse, len(turns))
	for i, t := range turns {
		out[i] = TurnResponse{Seq: t.Seq, Role: string(t.Role), Content: t.Content, CreatedAt: t.CreatedAt.UTC()}
	}
	api.Success(w, http.StatusOK, out)
}
