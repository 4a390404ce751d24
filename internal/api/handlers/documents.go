package handlers

import (
	"context"
	"net/http"

	"github.com/cloo-solutions/strata/internal/api"
	"github.com/cloo-solutions/strata/internal/service"
)

type Ingester interface {
	Ingest(ctx context.Context, doc service.Document) (*service.IngestResult, error)
}

type DocumentHandler struct {
	svc Ingester
}

func NewDocumentHandler(svc Ingester) *DocumentHandler {
	return &DocumentHandler{svc: svc}
}

type IngestDocumentRequest struct {
	ID          string         `json:"id,omitempty"`
	Content     string         `json:"content"`
	ContentType string         `json:"content_type,omitempty"`
	Source      string         `json:"source"`
	Title       string         `json:"title,omitempty"`
	Metadata    map[string]any `json:"metadata,omitempty"`
	Strategy    string         `json:"strategy,omitempty"`
}

type IngestDocumentResponse struct {
	DocumentID        string   `json:"document_id"`
	ItemIDs           []string `json:"item_ids"`
	PendingEmbeddings int      `json:"pending_embeddings"`
	Archived          bool     `json:"archived"`
}

func (h *DocumentHandler) Ingest(w http.ResponseWriter, r *http.Request) {
	var req IngestDocumentRequest
	if err := api.DecodeJSON(r, &req); err != nil {
		api.HandleError(w, err)
		return
	}

	if req.Content == "" {
		api.Error(w, http.StatusBadRequest, "content is required")
		return
	}
	if req.Source == "" {
		api.Error(w, http.StatusBadRequest, "source is required")
		return
	}

	result, err := h.svc.Ingest(r.Context(), service.Document{
		ID:          req.ID,
		Content:     req.Content,
		ContentType: req.ContentType,
		Source:      req.Source,
		Title:       req.Title,
		Metadata:    req.Metadata,
		Strategy:    service.ChunkStrategy(req.Strategy),
	})
	if err != nil {
		api.HandleError(w, err)
		return
	}

	api.Success(w, http.StatusCreated, &IngestDocumentResponse{
		DocumentID:        result.DocumentID,
		ItemIDs:           result.ItemIDs,
		PendingEmbeddings: result.PendingEmbeddings,
		Archived:          result.Archived,
	})
}
