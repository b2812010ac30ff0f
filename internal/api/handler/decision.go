package handler

import (
	"context"
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/xela07ax/decision-gate/internal/domain"
	"github.com/xela07ax/decision-gate/internal/infra/auth"
)

// DecisionService то, что хендлеру нужно от оркестратора.
type DecisionService interface {
	GetDecision(ctx context.Context, req domain.DecisionRequest) (domain.DecisionResponse, error)
	GetDecisionLog(ctx context.Context, auditID string) (domain.DecisionLog, error)
}

type DecisionHandler struct {
	service DecisionService
}

func NewDecisionHandler(s DecisionService) *DecisionHandler {
	return &DecisionHandler{service: s}
}

// Create POST /decisions
func (h *DecisionHandler) Create(w http.ResponseWriter, r *http.Request) {
	// с токеном requestedBy в теле можно не передавать
	req := domain.DecisionRequest{RequestedBy: auth.Actor(r.Context(), "")}
	if err := decode(r, &req); err != nil {
		writeError(w, err)
		return
	}
	req.RequestedBy = auth.Actor(r.Context(), req.RequestedBy)

	resp, err := h.service.GetDecision(r.Context(), req)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, resp)
}

// Get GET /decisions/{auditId}
func (h *DecisionHandler) Get(w http.ResponseWriter, r *http.Request) {
	log, err := h.service.GetDecisionLog(r.Context(), chi.URLParam(r, "auditId"))
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, log)
}
