package handlers

import (
	"context"
	"net/http"
	"time"

	"github.com/cloo-solutions/strata/internal/api"
	"github.com/cloo-solutions/strata/internal/domain"
	"github.com/go-chi/chi/v5"
)

type ItemStore interface {
	Get(ctx context.Context, id string) (*domain.KnowledgeItem, error)
	Delete(ctx context.Context, id string) error
}

type ItemHandler struct {
	store ItemStore
}

func NewItemHandler(store ItemStore) *ItemHandler {
	return &ItemHandler{store: store}
}

type ItemResponse struct {
	ID             string         `json:"id"`
	Content        string         `json:"content"`
	Source         string         `json:"source"`
	Metadata       map[string]any `json:"metadata"`
	Tier           string         `json:"tier"`
	HasEmbedding   bool           `json:"has_embedding"`
	AccessCount    int64          `json:"access_count"`
	LastAccessedAt *time.Time     `json:"last_accessed_at,omitempty"`
	CreatedAt      time.Time      `json:"created_at"`
}

func itemToResponse(item *domain.KnowledgeItem) *ItemResponse {
	return &ItemResponse{
		ID:             item.ID,
		Content:        item.Content,
		Source:         item.Source,
		Metadata:       item.Metadata,
		Tier:           string(item.Tier),
		HasEmbedding:   item.HasEmbedding(),
		AccessCount:    item.AccessCount,
		LastAccessedAt: item.LastAccessedAt,
		CreatedAt:      item.CreatedAt.UTC(),
	}
}

func (h *ItemHandler) Get(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	if id == "" {
		api.Error(w, http.StatusBadRequest, "id is required")
		return
	}

	item, err := h.store.Get(r.Context(), id)
	if err != nil {
		api.HandleError(w, err)
		return
	}

	api.Success(w, http.StatusOK, itemToResponse(item))
}

func (h *ItemHandler) Delete(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	if id == "" {
		api.Error(w, http.StatusBadRequest, "id is required")
		return
	}

	if err := h.store.Delete(r.Context(), id); err != nil {
		api.HandleError(w, err)
		return
	}

	w.WriteHeader(http.StatusNoContent)
}
