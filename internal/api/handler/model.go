package handler

import (
	"context"
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/xela07ax/decision-gate/internal/domain"
	"github.com/xela07ax/decision-gate/internal/infra/auth"
	"github.com/xela07ax/decision-gate/internal/registry"
)

type ModelService interface {
	RegisterModel(ctx context.Context, req registry.RegisterRequest) (*domain.ModelVersion, error)
	Get(id string) (*domain.ModelVersion, error)
	List(modelName string) []*domain.ModelVersion
	UpdateStatus(ctx context.Context, id string, status domain.ModelStatus, actor string) (*domain.ModelVersion, error)
	DeployModel(ctx context.Context, id, actor string) (*domain.ModelVersion, error)
	Revoke(ctx context.Context, modelName, actor, reason string) (*domain.ModelVersion, error)
}

// UseCaseSwitch мгновенный отзыв use case (kill switch).
type UseCaseSwitch interface {
	Revoke(ctx context.Context, uc domain.UseCase) error
	Restore(ctx context.Context, uc domain.UseCase) error
	Revoked() []domain.UseCase
}

type ModelHandler struct {
	service  ModelService
	switches UseCaseSwitch
}

func NewModelHandler(s ModelService, sw UseCaseSwitch) *ModelHandler {
	return &ModelHandler{service: s, switches: sw}
}

// Register POST /models
func (h *ModelHandler) Register(w http.ResponseWriter, r *http.Request) {
	req := registry.RegisterRequest{RegisteredBy: auth.Actor(r.Context(), "")}
	if err := decode(r, &req); err != nil {
		writeError(w, err)
		return
	}
	req.RegisteredBy = auth.Actor(r.Context(), req.RegisteredBy)

	m, err := h.service.RegisterModel(r.Context(), req)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, m)
}

// List GET /models?name=
func (h *ModelHandler) List(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, h.service.List(r.URL.Query().Get("name")))
}

// Get GET /models/{id}
func (h *ModelHandler) Get(w http.ResponseWriter, r *http.Request) {
	m, err := h.service.Get(chi.URLParam(r, "id"))
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, m)
}

type actorRequest struct {
	Actor  string `json:"actor" validate:"required"`
	Reason string `json:"reason"`
}

type statusRequest struct {
	Status domain.ModelStatus `json:"status" validate:"required"`
	Actor  string             `json:"actor" validate:"required"`
}

// UpdateStatus PUT /models/{id}/status
func (h *ModelHandler) UpdateStatus(w http.ResponseWriter, r *http.Request) {
	req := statusRequest{Actor: auth.Actor(r.Context(), "")}
	if err := decode(r, &req); err != nil {
		writeError(w, err)
		return
	}
	m, err := h.service.UpdateStatus(r.Context(), chi.URLParam(r, "id"), req.Status, auth.Actor(r.Context(), req.Actor))
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, m)
}

// Deploy POST /models/{id}/deploy
func (h *ModelHandler) Deploy(w http.ResponseWriter, r *http.Request) {
	req := actorRequest{Actor: auth.Actor(r.Context(), "")}
	if err := decode(r, &req); err != nil {
		writeError(w, err)
		return
	}
	m, err := h.service.DeployModel(r.Context(), chi.URLParam(r, "id"), auth.Actor(r.Context(), req.Actor))
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, m)
}

// Revoke POST /models/{name}/revoke. Сегмент пути общий с {id}.
func (h *ModelHandler) Revoke(w http.ResponseWriter, r *http.Request) {
	req := actorRequest{Actor: auth.Actor(r.Context(), "")}
	if err := decode(r, &req); err != nil {
		writeError(w, err)
		return
	}
	m, err := h.service.Revoke(r.Context(), chi.URLParam(r, "id"), auth.Actor(r.Context(), req.Actor), req.Reason)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, m)
}

// RevokeUseCase POST /usecases/{useCase}/revoke
func (h *ModelHandler) RevokeUseCase(w http.ResponseWriter, r *http.Request) {
	h.toggle(w, r, true)
}

// RestoreUseCase POST /usecases/{useCase}/restore
func (h *ModelHandler) RestoreUseCase(w http.ResponseWriter, r *http.Request) {
	h.toggle(w, r, false)
}

func (h *ModelHandler) toggle(w http.ResponseWriter, r *http.Request, revoke bool) {
	uc := domain.UseCase(chi.URLParam(r, "useCase"))
	var err error
	if revoke {
		err = h.switches.Revoke(r.Context(), uc)
	} else {
		err = h.switches.Restore(r.Context(), uc)
	}
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{"revoked": h.switches.Revoked()})
}

// RevokedUseCases GET /usecases/revoked
func (h *ModelHandler) RevokedUseCases(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]interface{}{"revoked": h.switches.Revoked()})
}
