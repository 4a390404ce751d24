package handlers

import (
	"context"
	"net/http"

	"github.com/cloo-solutions/strata/internal/api"
	"github.com/cloo-solutions/strata/internal/jobs"
	"github.com/cloo-solutions/strata/internal/storage"
)

type TagInvalidator interface {
	InvalidateByTag(ctx context.Context, tag string) (int64, error)
}

type TierSweeper interface {
	Sweep(ctx context.Context) (jobs.SweepReport, error)
}

type AdminHandler struct {
	cache   TagInvalidator
	sweeper TierSweeper
}

func NewAdminHandler(cache TagInvalidator, sweeper TierSweeper) *AdminHandler {
	return &AdminHandler{cache: cache, sweeper: sweeper}
}

// InvalidateRequest names exactly one of a raw tag, an item or a source.
type InvalidateRequest struct {
	Tag    string `json:"tag,omitempty"`
	ItemID string `json:"item_id,omitempty"`
	Source string `json:"source,omitempty"`
}

func (req InvalidateRequest) tag() (string, bool) {
	var tag string
	set := 0
	if req.Tag != "" {
		tag, set = req.Tag, set+1
	}
	if req.ItemID != "" {
		tag, set = storage.ItemTag(req.ItemID), set+1
	}
	if req.Source != "" {
		tag, set = storage.SourceTag(req.Source), set+1
	}
	return tag, set == 1
}

type InvalidateResponse struct {
	Tag     string `json:"tag"`
	Removed int64  `json:"removed"`
}

func (h *AdminHandler) Invalidate(w http.ResponseWriter, r *http.Request) {
	var req InvalidateRequest
	if err := api.DecodeJSON(r, &req); err != nil {
		api.HandleError(w, err)
		return
	}

	tag, ok := req.tag()
	if !ok {
		api.Error(w, http.StatusBadRequest, "exactly one of tag, item_id or source is required")
		return
	}

	removed, err := h.cache.InvalidateByTag(r.Context(), tag)
	if err != nil {
		api.HandleError(w, err)
		return
	}

	api.Success(w, http.StatusOK, &InvalidateResponse{Tag: tag, Removed: removed})
}

func (h *AdminHandler) Sweep(w http.ResponseWriter, r *http.Request) {
	report, err := h.sweeper.Sweep(r.Context())
	if err != nil {
		api.HandleError(w, err)
		return
	}

	api.Success(w, http.StatusOK, report)
}
