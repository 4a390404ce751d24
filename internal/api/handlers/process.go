package handlers

import (
	"context"
	"net/http"
	"strings"
	"time"

	"github.com/cloo-solutions/strata/internal/api"
	"github.com/cloo-solutions/strata/internal/api/middleware"
	"github.com/cloo-solutions/strata/internal/domain"
	"github.com/cloo-solutions/strata/internal/service"
)

type Processor interface {
	Process(ctx context.Context, req service.Request) (*service.Response, error)
}

type ProcessHandler struct {
	pipeline Processor
}

func NewProcessHandler(pipeline Processor) *ProcessHandler {
	return &ProcessHandler{pipeline: pipeline}
}

type ProcessRequest struct {
	Query     string         `json:"query"`
	SessionID string         `json:"session_id"`
	Filters   map[string]any `json:"filters,omitempty"`
	BudgetMS  int64          `json:"budget_ms,omitempty"`
}

type RefusalResponse struct {
	Reason     string   `json:"reason"`
	Message    string   `json:"message"`
	Violations []string `json:"violations,omitempty"`
}

type ProcessResponse struct {
	Text       string           `json:"text,omitempty"`
	Citations  []string         `json:"citations"`
	Redacted   bool             `json:"redacted"`
	Violations []string         `json:"violations,omitempty"`
	State      string           `json:"state"`
	States     []string         `json:"states"`
	Refusal    *RefusalResponse `json:"refusal,omitempty"`
}

func violationStrings(kinds []domain.ViolationKind) []string {
	if len(kinds) == 0 {
		return nil
	}
	out := make([]string, len(kinds))
	for i, k := range kinds {
		out[i] = string(k)
	}
	return out
}

func responseToProcess(resp *service.Response) *ProcessResponse {
	out := &ProcessResponse{
		Text:       resp.Text,
		Citations:  resp.Citations,
		Redacted:   resp.Redacted,
		Violations: violationStrings(resp.Verdict.Violations),
		State:      string(resp.State),
		States:     make([]string, len(resp.States)),
	}
	if out.Citations == nil {
		out.Citations = []string{}
	}
	for i, s := range resp.States {
		out.States[i] = string(s)
	}
	if resp.Refusal != nil {
		out.Refusal = &RefusalResponse{
			Reason:     string(resp.Refusal.Reason),
			Message:    resp.Refusal.Message,
			Violations: violationStrings(resp.Refusal.Violations),
		}
	}
	return out
}

// refusalStatus tells clients whether a retry can help: policy refusals
// are final answers, availability refusals are not.
func refusalStatus(reason service.RefusalReason) int {
	switch reason {
	case service.ReasonTemporarilyUnavailable:
		return http.StatusServiceUnavailable
	case service.ReasonTimeout:
		return http.StatusGatewayTimeout
	case service.ReasonGenerationFailed:
		return http.StatusBadGateway
	default:
		return http.StatusOK
	}
}

func (h *ProcessHandler) Process(w http.ResponseWriter, r *http.Request) {
	var req ProcessRequest
	if err := api.DecodeJSON(r, &req); err != nil {
		api.HandleError(w, err)
		return
	}

	if strings.TrimSpace(req.Query) == "" {
		api.Error(w, http.StatusBadRequest, "query is required")
		return
	}
	if req.SessionID == "" {
		req.SessionID = r.Header.Get(middleware.SessionHeader)
	}
	if req.SessionID == "" {
		api.Error(w, http.StatusBadRequest, "session_id is required")
		return
	}
	if req.BudgetMS < 0 {
		api.Error(w, http.StatusBadRequest, "budget_ms must not be negative")
		return
	}

	resp, err := h.pipeline.Process(r.Context(), service.Request{
		Query:     req.Query,
		SessionID: req.SessionID,
		Filters:   domain.Filter(req.Filters),
		Budget:    time.Duration(req.BudgetMS) * time.Millisecond,
	})
	if err != nil {
		api.HandleError(w, err)
		return
	}

	status := http.StatusOK
	if resp.Refusal != nil {
		status = refusalStatus(resp.Refusal.Reason)
	}
	api.Success(w, status, responseToProcess(resp))
}
