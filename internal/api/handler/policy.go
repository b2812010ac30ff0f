package handler

import (
	"context"
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/xela07ax/decision-gate/internal/domain"
)

type PolicyService interface {
	Policies(scope domain.PolicyScope) []domain.Policy
	AddPolicy(ctx context.Context, p domain.Policy) error
	SetActive(ctx context.Context, id string, active bool) error
}

type PolicyHandler struct {
	service PolicyService
}

func NewPolicyHandler(s PolicyService) *PolicyHandler {
	return &PolicyHandler{service: s}
}

// List GET /policies?scope=approval|decision
func (h *PolicyHandler) List(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, h.service.Policies(domain.PolicyScope(r.URL.Query().Get("scope"))))
}

// Get GET /policies/{id}
func (h *PolicyHandler) Get(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	for _, p := range h.service.Policies("") {
		if p.ID == id {
			writeJSON(w, http.StatusOK, p)
			return
		}
	}
	writeError(w, &domain.NotFoundError{Kind: "policy", ID: id})
}

// Create POST /policies: создание или замена по ID. Проверка в движке политик.
func (h *PolicyHandler) Create(w http.ResponseWriter, r *http.Request) {
	var p domain.Policy
	if err := decode(r, &p); err != nil {
		writeError(w, err)
		return
	}
	if err := h.service.AddPolicy(r.Context(), p); err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, p)
}

type activeRequest struct {
	Active bool `json:"active"`
}

// SetActive PUT /policies/{id}/active
func (h *PolicyHandler) SetActive(w http.ResponseWriter, r *http.Request) {
	var req activeRequest
	if err := decode(r, &req); err != nil {
		writeError(w, err)
		return
	}
	if err := h.service.SetActive(r.Context(), chi.URLParam(r, "id"), req.Active); err != nil {
		writeError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}
