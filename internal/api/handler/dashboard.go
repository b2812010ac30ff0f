package handler

import (
	"net/http"
	"time"

	"github.com/xela07ax/decision-gate/internal/audit"
	"github.com/xela07ax/decision-gate/internal/domain"
)

type DashboardHandler struct {
	audit      AuditService
	approvals  ApprovalService
	models     ModelService
	switches   UseCaseSwitch
	monitoring MonitoringService
}

func NewDashboardHandler(a AuditService, ap ApprovalService, m ModelService, sw UseCaseSwitch, mon MonitoringService) *DashboardHandler {
	return &DashboardHandler{audit: a, approvals: ap, models: m, switches: sw, monitoring: mon}
}

// Get GET /dashboard. Счетчики решений строятся по decision_returned.
func (h *DashboardHandler) Get(w http.ResponseWriter, r *http.Request) {
	d := domain.UnifiedDashboard{
		Decisions: domain.DecisionStats{
			ByReason:  make(map[domain.FallbackReason]int64),
			ByUseCase: make(map[domain.UseCase]int64),
		},
		BuiltAt: time.Now().UTC(),
	}

	for _, rec := range h.audit.List(audit.Filter{Action: domain.AuditDecisionReturned}) {
		d.Decisions.Total++
		if uc, ok := rec.Details["useCase"].(string); ok {
			d.Decisions.ByUseCase[domain.UseCase(uc)]++
		}
		if fb, _ := rec.Details["isFallback"].(bool); fb {
			d.Decisions.Fallbacks++
			reason, _ := rec.Details["fallbackReason"].(string)
			d.Decisions.ByReason[domain.FallbackReason(reason)]++
		}
	}
	if d.Decisions.Total > 0 {
		d.Decisions.FallbackRatio = float64(d.Decisions.Fallbacks) / float64(d.Decisions.Total)
	}

	d.Governance.PendingApprovals = len(h.approvals.ListApprovals(domain.ApprovalPending))
	for _, m := range h.models.List("") {
		if m.ApprovalStatus == domain.ModelDeployed {
			d.Governance.DeployedModels++
		}
	}
	d.Governance.RevokedUseCases = h.switches.Revoked()

	report := h.monitoring.RunHealthCheck()
	d.Health = report.Status
	for _, n := range report.UnacknowledgedByLv {
		d.Alerts += n
	}
	writeJSON(w, http.StatusOK, d)
}
