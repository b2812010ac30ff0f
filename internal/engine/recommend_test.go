package engine

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/xela07ax/decision-gate/internal/domain"
	"github.com/xela07ax/decision-gate/internal/feature"
	"github.com/xela07ax/decision-gate/internal/predict"
)

func TestRecommend(t *testing.T) {
	cases := []struct {
		name     string
		res      *predict.Result
		action   string
		priority string
		value    *float64
	}{
		{
			name:     "demand increasing",
			res:      &predict.Result{Demand: &predict.DemandOutput{Forecast: make([]float64, 7), TotalForecast: 349.6, Trend: "increasing"}},
			action:   "plan_inventory",
			priority: PriorityHigh,
			value:    ptr(350),
		},
		{
			name:     "urgent reorder",
			res:      &predict.Result{Stockout: &predict.StockoutOutput{RecommendedAction: predict.ActionUrgentReorder, OverallRisk: predict.RiskCritical, ReorderQuantity: 120}},
			action:   predict.ActionUrgentReorder,
			priority: PriorityCritical,
			value:    ptr(120),
		},
		{
			name:     "monitor has no quantity",
			res:      &predict.Result{Stockout: &predict.StockoutOutput{RecommendedAction: predict.ActionMonitor, OverallRisk: predict.RiskLow, ReorderQuantity: 5}},
			action:   predict.ActionMonitor,
			priority: PriorityLow,
		},
		{
			name:     "anomaly",
			res:      &predict.Result{Anomaly: &predict.AnomalyOutput{IsAnomaly: true, Severity: domain.SeverityHigh, Anomalies: make([]predict.Anomaly, 2)}},
			action:   "investigate_anomaly",
			priority: PriorityHigh,
			value:    ptr(2),
		},
		{
			name:     "no anomaly",
			res:      &predict.Result{Anomaly: &predict.AnomalyOutput{}},
			action:   "no_action",
			priority: PriorityLow,
		},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			rec := Recommend(tc.res)
			assert.Equal(t, tc.action, rec.Action)
			assert.Equal(t, tc.priority, rec.Priority)
			assert.Equal(t, tc.value, rec.Value)
		})
	}
}

func TestRecommend_PlanReorderTimeframe(t *testing.T) {
	rec := Recommend(&predict.Result{Stockout: &predict.StockoutOutput{
		RecommendedAction: predict.ActionPlanReorder, OverallRisk: predict.RiskMedium, ReorderQuantity: 40, DaysUntilStockout: 12.5,
	}})
	assert.Equal(t, "within 6 days", rec.Timeframe)
}

func TestFallbackDecision(t *testing.T) {
	req := domain.DecisionRequest{
		UseCase: domain.UseCaseStockoutRisk,
		Context: domain.Attributes{domain.AttrCurrentStock: 80.0, domain.AttrAvgDailySales: 10.0, domain.AttrLeadTimeDays: 7.0},
	}
	rec, conf, expl := FallbackDecision(req, domain.FallbackDriftTooHigh)

	// 8 дней покрытия при поставке 7 дней: плановый заказ до 1.5 срока поставки
	assert.Equal(t, predict.ActionPlanReorder, rec.Action)
	require.NotNil(t, rec.Value)
	assert.Equal(t, 25.0, *rec.Value)
	assert.Equal(t, domain.Confidence{Score: 50, Level: domain.ConfidenceMedium}, conf)
	assert.Contains(t, expl.Summary, "drifted")
	assert.NotNil(t, expl.TopDrivers)

	demand := domain.DecisionRequest{
		UseCase: domain.UseCaseDemandForecast,
		Context: domain.Attributes{domain.AttrSalesHistory: []interface{}{1.0, 2.0, 3.0, 10.0, 10.0, 10.0, 10.0, 10.0, 10.0, 10.0}, domain.AttrHorizon: 7.0},
	}
	rec, _, _ = FallbackDecision(demand, domain.FallbackModelFailed)
	assert.Equal(t, "plan_inventory", rec.Action)
	assert.Equal(t, 70.0, *rec.Value)

	rec, _, _ = FallbackDecision(domain.DecisionRequest{UseCase: domain.UseCaseStockoutRisk}, domain.FallbackModelFailed)
	assert.Equal(t, "manual_review", rec.Action)
	rec, _, _ = FallbackDecision(domain.DecisionRequest{UseCase: domain.UseCaseAnomalyDetection}, domain.FallbackModelFailed)
	assert.Equal(t, "manual_review", rec.Action)
}

func TestScoreConfidence(t *testing.T) {
	stable := &predict.Result{Demand: &predict.DemandOutput{
		Forecast:           []float64{100, 100},
		PredictionInterval: predict.PredictionInterval{Lower: []float64{90, 90}, Upper: []float64{110, 110}},
		Trend:              "stable",
		DataPoints:         60,
	}}
	// 20 + 40 + 20*(1-2*0.1) + 20
	got := ScoreConfidence(stable, nil)
	assert.Equal(t, 96.0, got.Score)
	assert.Equal(t, domain.ConfidenceHigh, got.Level)
	require.NotNil(t, got.Interval)
	assert.Equal(t, domain.Interval{Lower: 180, Upper: 220}, *got.Interval)

	sparse := &predict.Result{Demand: &predict.DemandOutput{
		Forecast:           []float64{10},
		PredictionInterval: predict.PredictionInterval{Lower: []float64{0}, Upper: []float64{30}},
		Trend:              "increasing",
		DataPoints:         15,
	}}
	// 20 + 10 + clamp(20*(1-3)) = 30 - 20
	assert.Equal(t, 10.0, ScoreConfidence(sparse, nil).Score)

	stock := &predict.Result{Stockout: &predict.StockoutOutput{
		Risk7Days: predict.HorizonRisk{Probability: 40}, Risk14Days: predict.HorizonRisk{Probability: 60}, Risk30Days: predict.HorizonRisk{Probability: 80},
		DataPoints: 30,
	}}
	// 20 + 20 + 20*(1-2*0.2) + 20
	got = ScoreConfidence(stock, map[string]float64{feature.SalesVariability: 0.1})
	assert.Equal(t, 72.0, got.Score)
	assert.Equal(t, domain.ConfidenceMedium, got.Level)
	assert.Equal(t, domain.Interval{Lower: 40, Upper: 80}, *got.Interval)
}
