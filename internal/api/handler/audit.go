package handler

import (
	"net/http"
	"strconv"
	"time"

	"github.com/xela07ax/decision-gate/internal/audit"
	"github.com/xela07ax/decision-gate/internal/domain"
)

type AuditService interface {
	List(f audit.Filter) []domain.AuditRecord
	Verify() error
}

type AuditHandler struct {
	service AuditService
}

func NewAuditHandler(s AuditService) *AuditHandler {
	return &AuditHandler{service: s}
}

// GetLogs GET /audit?action=&entityType=&entityId=&actor=&since=&limit=
func (h *AuditHandler) GetLogs(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	f := audit.Filter{
		Action:     domain.AuditAction(q.Get("action")),
		EntityType: q.Get("entityType"),
		EntityID:   q.Get("entityId"),
		Actor:      q.Get("actor"),
		Limit:      100,
	}
	if s := q.Get("limit"); s != "" {
		n, err := strconv.Atoi(s)
		if err != nil || n < 0 {
			writeError(w, &domain.ValidationError{Field: "limit", Reason: "must be a non-negative integer"})
			return
		}
		f.Limit = n
	}
	if s := q.Get("since"); s != "" {
		t, err := time.Parse(time.RFC3339, s)
		if err != nil {
			writeError(w, &domain.ValidationError{Field: "since", Reason: "must be RFC3339"})
			return
		}
		f.Since = t
	}
	writeJSON(w, http.StatusOK, h.service.List(f))
}

// Verify GET /audit/verify: целостность хэш-цепочки.
func (h *AuditHandler) Verify(w http.ResponseWriter, r *http.Request) {
	if err := h.service.Verify(); err != nil {
		writeJSON(w, http.StatusConflict, map[string]interface{}{"valid": false, "error": err.Error()})
		return
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{"valid": true})
}
