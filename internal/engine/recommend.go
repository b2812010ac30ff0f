package engine

import (
	"fmt"
	"math"

	"github.com/xela07ax/decision-gate/internal/domain"
	"github.com/xela07ax/decision-gate/internal/predict"
	"github.com/xela07ax/decision-gate/internal/stats"
)

// Приоритеты рекомендаций
const (
	PriorityLow      = "low"
	PriorityMedium   = "medium"
	PriorityHigh     = "high"
	PriorityCritical = "critical"
)

const unitUnits = "units"

// Recommend переводит результат модели в рекомендацию. Сам сервис ничего не исполняет.
func Recommend(res *predict.Result) domain.Recommendation {
	switch {
	case res.Demand != nil:
		d := res.Demand
		priority := PriorityMedium
		switch d.Trend {
		case "increasing":
			priority = PriorityHigh
		case "decreasing":
			priority = PriorityLow
		}
		return domain.Recommendation{
			Action:    "plan_inventory",
			Value:     ptr(stats.Round(d.TotalForecast, 0)),
			Unit:      unitUnits,
			Timeframe: fmt.Sprintf("next %d days", len(d.Forecast)),
			Priority:  priority,
		}
	case res.Stockout != nil:
		s := res.Stockout
		rec := domain.Recommendation{Action: s.RecommendedAction, Priority: riskPriority(s.OverallRisk)}
		if s.ReorderQuantity > 0 && s.RecommendedAction != predict.ActionMonitor {
			rec.Value = ptr(s.ReorderQuantity)
			rec.Unit = unitUnits
		}
		switch s.RecommendedAction {
		case predict.ActionUrgentReorder:
			rec.Timeframe = "within 24 hours"
		case predict.ActionPlanReorder:
			rec.Timeframe = fmt.Sprintf("within %.0f days", math.Max(1, math.Floor(s.DaysUntilStockout/2)))
		}
		return rec
	case res.Anomaly != nil:
		a := res.Anomaly
		if !a.IsAnomaly {
			return domain.Recommendation{Action: "no_action", Priority: PriorityLow}
		}
		return domain.Recommendation{
			Action:    "investigate_anomaly",
			Value:     ptr(float64(len(a.Anomalies))),
			Unit:      "metrics",
			Timeframe: "today",
			Priority:  severityPriority(a.Severity),
		}
	}
	return domain.Recommendation{Action: "manual_review", Priority: PriorityMedium}
}

func riskPriority(level string) string {
	switch level {
	case predict.RiskCritical:
		return PriorityCritical
	case predict.RiskHigh:
		return PriorityHigh
	case predict.RiskMedium:
		return PriorityMedium
	default:
		return PriorityLow
	}
}

func severityPriority(s domain.Severity) string {
	switch s {
	case domain.SeverityCritical:
		return PriorityCritical
	case domain.SeverityHigh:
		return PriorityHigh
	case domain.SeverityMedium:
		return PriorityMedium
	default:
		return PriorityLow
	}
}

func ptr(v float64) *float64 { return &v }

var fallbackReasonText = map[domain.FallbackReason]string{
	domain.FallbackModelFailed:     "the prediction could not be produced",
	domain.FallbackDriftTooHigh:    "input data drifted too far from what the model was approved on",
	domain.FallbackApprovalRevoked: "no approved model is currently serving this use case",
	domain.FallbackPolicyBlocked:   "the model recommendation was blocked by policy",
}

// FallbackDecision детерминированное решение по правилам из сырого контекста.
// Уверенность всегда 50, решение всегда требует проверки человеком.
func FallbackDecision(req domain.DecisionRequest, reason domain.FallbackReason) (domain.Recommendation, domain.Confidence, domain.Explanation) {
	var rec domain.Recommendation
	var scenario string
	attrs := req.Context

	switch req.UseCase {
	case domain.UseCaseStockoutRisk:
		rec, scenario = stockoutRule(attrs)
	case domain.UseCaseDemandForecast:
		rec, scenario = demandRule(attrs)
	default:
		rec = domain.Recommendation{Action: "manual_review", Priority: PriorityMedium, Timeframe: "today"}
		scenario = "Review the monitored metrics manually until automated detection is available again."
	}

	expl := domain.Explanation{
		Summary:    fmt.Sprintf("Rule-based decision: %s.", fallbackReasonText[reason]),
		TopDrivers: []domain.Driver{},
		Scenario:   scenario,
	}
	conf := domain.Confidence{Score: fallbackConfidence, Level: domain.LevelForScore(fallbackConfidence)}
	return rec, conf, expl
}

// stockoutRule покрытие запаса против срока поставки.
func stockoutRule(attrs domain.Attributes) (domain.Recommendation, string) {
	stock, okStock, errStock := attrs.Float(domain.AttrCurrentStock)
	avg := attrs.FloatOr(domain.AttrAvgDailySales, 0)
	if avg <= 0 {
		if h, err := attrs.Floats(domain.AttrSalesHistory); err == nil && len(h) > 0 {
			avg = stats.Mean(stats.Tail(h, 30))
		}
	}
	lead := attrs.FloatOr(domain.AttrLeadTimeDays, 7)
	if !okStock || errStock != nil || avg <= 0 {
		return domain.Recommendation{Action: "manual_review", Priority: PriorityMedium, Timeframe: "today"},
			"Stock level or sales rate is unknown; check inventory manually."
	}

	days := stock / avg
	switch {
	case days < lead:
		qty := math.Max(0, math.Ceil(avg*lead*2-stock))
		return domain.Recommendation{Action: predict.ActionUrgentReorder, Value: ptr(qty), Unit: unitUnits, Timeframe: "within 24 hours", Priority: PriorityHigh},
			fmt.Sprintf("Stock covers %.1f days, less than the %.0f-day lead time.", days, lead)
	case days < lead*1.5:
		qty := math.Max(0, math.Ceil(avg*lead*1.5-stock))
		return domain.Recommendation{Action: predict.ActionPlanReorder, Value: ptr(qty), Unit: unitUnits, Timeframe: "within 7 days", Priority: PriorityMedium},
			fmt.Sprintf("Stock covers %.1f days, close to the %.0f-day lead time.", days, lead)
	default:
		return domain.Recommendation{Action: predict.ActionMonitor, Priority: PriorityLow},
			fmt.Sprintf("Stock covers %.1f days, comfortably above the lead time.", days)
	}
}

// demandRule наивный прогноз: среднее последних 7 дней на горизонт.
func demandRule(attrs domain.Attributes) (domain.Recommendation, string) {
	h, err := attrs.Floats(domain.AttrSalesHistory)
	horizon := int(attrs.FloatOr(domain.AttrHorizon, 14))
	if err != nil || len(h) == 0 || horizon <= 0 {
		return domain.Recommendation{Action: "manual_review", Priority: PriorityMedium, Timeframe: "today"},
			"Sales history is unavailable; plan inventory manually."
	}
	daily := stats.Mean(stats.Tail(h, 7))
	total := stats.Round(daily*float64(horizon), 0)
	return domain.Recommendation{
			Action:    "plan_inventory",
			Value:     ptr(total),
			Unit:      unitUnits,
			Timeframe: fmt.Sprintf("next %d days", horizon),
			Priority:  PriorityMedium,
		},
		fmt.Sprintf("Assuming the last week's average of %.1f units per day continues.", daily)
}
