package handler

import (
	"context"
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/xela07ax/decision-gate/internal/domain"
	"github.com/xela07ax/decision-gate/internal/governance"
	"github.com/xela07ax/decision-gate/internal/infra/auth"
)

// ApprovalService Описываем, что нам нужно от шлюза согласований
type ApprovalService interface {
	SubmitForApproval(ctx context.Context, sub governance.SubmitRequest) (*domain.ApprovalRequest, error)
	ApproveModel(ctx context.Context, requestID, reviewer, comments string) (*domain.ApprovalRequest, error)
	RejectModel(ctx context.Context, requestID, reviewer, comments string) (*domain.ApprovalRequest, error)
	GetApproval(id string) (*domain.ApprovalRequest, error)
	ListApprovals(status domain.ApprovalStatus) []*domain.ApprovalRequest
}

type ApprovalHandler struct {
	service ApprovalService
}

func NewApprovalHandler(s ApprovalService) *ApprovalHandler {
	return &ApprovalHandler{service: s}
}

// Submit POST /approvals
func (h *ApprovalHandler) Submit(w http.ResponseWriter, r *http.Request) {
	sub := governance.SubmitRequest{RequestedBy: auth.Actor(r.Context(), "")}
	if err := decode(r, &sub); err != nil {
		writeError(w, err)
		return
	}
	sub.RequestedBy = auth.Actor(r.Context(), sub.RequestedBy)

	req, err := h.service.SubmitForApproval(r.Context(), sub)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, req)
}

func (h *ApprovalHandler) GetDetails(w http.ResponseWriter, r *http.Request) {
	approval, err := h.service.GetApproval(chi.URLParam(r, "id"))
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, approval)
}

// List GET /approvals?status=pending. Без параметра все заявки.
func (h *ApprovalHandler) List(w http.ResponseWriter, r *http.Request) {
	status := domain.ApprovalStatus(r.URL.Query().Get("status"))
	switch status {
	case "", domain.ApprovalPending, domain.ApprovalApproved, domain.ApprovalRejected:
	default:
		writeError(w, &domain.ValidationError{Field: "status", Reason: "must be pending, approved or rejected"})
		return
	}
	writeJSON(w, http.StatusOK, h.service.ListApprovals(status))
}

// DecideRequest тело approve/reject. Пустой reviewer отклоняет шлюз уже
// после поиска заявки, поэтому неизвестный id всегда дает 404.
type DecideRequest struct {
	Reviewer string `json:"reviewer"`
	Comments string `json:"comments"`
}

// Approve POST /approvals/{id}/approve
func (h *ApprovalHandler) Approve(w http.ResponseWriter, r *http.Request) {
	h.decide(w, r, h.service.ApproveModel)
}

// Reject POST /approvals/{id}/reject
func (h *ApprovalHandler) Reject(w http.ResponseWriter, r *http.Request) {
	h.decide(w, r, h.service.RejectModel)
}

func (h *ApprovalHandler) decide(w http.ResponseWriter, r *http.Request, act func(ctx context.Context, id, reviewer, comments string) (*domain.ApprovalRequest, error)) {
	// ревьюер из токена важнее заявленного в теле
	req := DecideRequest{Reviewer: auth.Actor(r.Context(), "")}
	if err := decode(r, &req); err != nil {
		writeError(w, err)
		return
	}

	res, err := act(r.Context(), chi.URLParam(r, "id"), auth.Actor(r.Context(), req.Reviewer), req.Comments)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, res)
}
