package handler

import (
	"context"
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/xela07ax/decision-gate/internal/domain"
)

type FeatureService interface {
	Definitions() []domain.FeatureDefinition
	ComputeFeature(ctx context.Context, name, entityID, entityType string, attrs domain.Attributes) (domain.FeatureValue, error)
	Invalidate(ctx context.Context, name, entityID, entityType string) error
}

type FeatureHandler struct {
	service FeatureService
}

func NewFeatureHandler(s FeatureService) *FeatureHandler {
	return &FeatureHandler{service: s}
}

// List GET /features
func (h *FeatureHandler) List(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, h.service.Definitions())
}

type computeRequest struct {
	EntityID   string            `json:"entityId" validate:"required"`
	EntityType string            `json:"entityType" validate:"required"`
	Context    domain.Attributes `json:"context"`
}

// Compute POST /features/{name}/compute
func (h *FeatureHandler) Compute(w http.ResponseWriter, r *http.Request) {
	var req computeRequest
	if err := decode(r, &req); err != nil {
		writeError(w, err)
		return
	}
	v, err := h.service.ComputeFeature(r.Context(), chi.URLParam(r, "name"), req.EntityID, req.EntityType, req.Context)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, v)
}

// Invalidate DELETE /features/{name}/{entityType}/{entityId}
func (h *FeatureHandler) Invalidate(w http.ResponseWriter, r *http.Request) {
	if err := h.service.Invalidate(r.Context(), chi.URLParam(r, "name"), chi.URLParam(r, "entityId"), chi.URLParam(r, "entityType")); err != nil {
		writeError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}
