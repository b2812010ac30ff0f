package handler

import (
	"context"
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/xela07ax/decision-gate/internal/domain"
	"github.com/xela07ax/decision-gate/internal/infra/auth"
)

type MonitoringService interface {
	SetBaseline(ctx context.Context, feature string, values []float64) (domain.SummaryStats, error)
	UpdateCurrent(feature string, values []float64) (domain.SummaryStats, error)
	CheckDataDrift(ctx context.Context, feature string) (domain.DriftCheckResult, error)
	CheckPredictionDrift(ctx context.Context, model string) (domain.DriftCheckResult, error)
	CheckFeatureStability(ctx context.Context, feature string, values []float64) (domain.StabilityResult, error)
	AcknowledgeAlert(ctx context.Context, id, by string) (domain.MonitoringAlert, error)
	Alerts(unacknowledgedOnly bool) []domain.MonitoringAlert
	DriftHistory(subject string) []domain.DriftMetric
	RunHealthCheck() domain.HealthReport
}

type MonitoringHandler struct {
	service MonitoringService
}

func NewMonitoringHandler(s MonitoringService) *MonitoringHandler {
	return &MonitoringHandler{service: s}
}

type seriesRequest struct {
	FeatureName string    `json:"featureName" validate:"required"`
	Values      []float64 `json:"values"`
}

// DriftCheckRequest тело POST /drift/check: {featureName, currentValues}.
// CurrentValues обновляют текущее распределение фичи перед проверкой; без
// них проверяется последнее. ModelName вместо featureName проверяет дрейф
// выхода модели.
type DriftCheckRequest struct {
	FeatureName   string    `json:"featureName" validate:"required_without=ModelName"`
	ModelName     string    `json:"modelName"`
	CurrentValues []float64 `json:"currentValues"`
}

// SetBaseline POST /drift/baseline
func (h *MonitoringHandler) SetBaseline(w http.ResponseWriter, r *http.Request) {
	var req seriesRequest
	if err := decode(r, &req); err != nil {
		writeError(w, err)
		return
	}
	stats, err := h.service.SetBaseline(r.Context(), req.FeatureName, req.Values)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, stats)
}

// CheckDrift POST /drift/check: дрейф данных по фиче или выхода модели.
func (h *MonitoringHandler) CheckDrift(w http.ResponseWriter, r *http.Request) {
	var req DriftCheckRequest
	if err := decode(r, &req); err != nil {
		writeError(w, err)
		return
	}

	var res domain.DriftCheckResult
	var err error
	if req.FeatureName == "" {
		res, err = h.service.CheckPredictionDrift(r.Context(), req.ModelName)
	} else {
		if len(req.CurrentValues) > 0 {
			if _, err := h.service.UpdateCurrent(req.FeatureName, req.CurrentValues); err != nil {
				writeError(w, err)
				return
			}
		}
		res, err = h.service.CheckDataDrift(r.Context(), req.FeatureName)
	}
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, res)
}

// CheckStability POST /drift/stability
func (h *MonitoringHandler) CheckStability(w http.ResponseWriter, r *http.Request) {
	var req seriesRequest
	if err := decode(r, &req); err != nil {
		writeError(w, err)
		return
	}
	res, err := h.service.CheckFeatureStability(r.Context(), req.FeatureName, req.Values)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, res)
}

// History GET /drift/{subject}
func (h *MonitoringHandler) History(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, h.service.DriftHistory(chi.URLParam(r, "subject")))
}

// Health GET /health: отчет мониторинга, HTTP 200 при любом статусе.
func (h *MonitoringHandler) Health(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, h.service.RunHealthCheck())
}

// Alerts GET /alerts?unacknowledged=true
func (h *MonitoringHandler) Alerts(w http.ResponseWriter, r *http.Request) {
	unack := r.URL.Query().Get("unacknowledged") == "true"
	writeJSON(w, http.StatusOK, h.service.Alerts(unack))
}

type ackRequest struct {
	AcknowledgedBy string `json:"acknowledgedBy" validate:"required"`
}

// Acknowledge POST /alerts/{id}/ack
func (h *MonitoringHandler) Acknowledge(w http.ResponseWriter, r *http.Request) {
	req := ackRequest{AcknowledgedBy: auth.Actor(r.Context(), "")}
	if err := decode(r, &req); err != nil {
		writeError(w, err)
		return
	}
	alert, err := h.service.AcknowledgeAlert(r.Context(), chi.URLParam(r, "id"), auth.Actor(r.Context(), req.AcknowledgedBy))
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, alert)
}
