package monitoring

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/xela07ax/decision-gate/internal/audit"
	"github.com/xela07ax/decision-gate/internal/domain"
	"go.uber.org/zap"
)

type memStore struct {
	mu        sync.Mutex
	baselines map[string]domain.SummaryStats
	metrics   []domain.DriftMetric
	alerts    map[string]domain.MonitoringAlert
}

func newMemStore() *memStore {
	return &memStore{baselines: map[string]domain.SummaryStats{}, alerts: map[string]domain.MonitoringAlert{}}
}

func (m *memStore) SaveBaseline(_ context.Context, subject string, s domain.SummaryStats) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.baselines[subject] = s
	return nil
}

func (m *memStore) ListBaselines(context.Context) (map[string]domain.SummaryStats, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make(map[string]domain.SummaryStats, len(m.baselines))
	for k, v := range m.baselines {
		out[k] = v
	}
	return out, nil
}

func (m *memStore) AppendDriftMetric(_ context.Context, dm domain.DriftMetric) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.metrics = append(m.metrics, dm)
	return nil
}

func (m *memStore) SaveAlert(_ context.Context, a domain.MonitoringAlert) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.alerts[a.ID] = a
	return nil
}

var baseline = []float64{10, 12, 14, 16, 18}

func shifted(d float64) []float64 {
	out := make([]float64, len(baseline))
	for i, v := range baseline {
		out[i] = v + d
	}
	return out
}

func TestSummarize(t *testing.T) {
	s := Summarize([]float64{4, 1, 3, 2, 5})
	assert.Equal(t, 5, s.Count)
	assert.Equal(t, 3.0, s.Mean)
	assert.Equal(t, 1.0, s.Min)
	assert.Equal(t, 5.0, s.Max)
	assert.Equal(t, 2.0, s.Q1)
	assert.Equal(t, 3.0, s.Median)
	assert.Equal(t, 4.0, s.Q3)
	assert.InDelta(t, 1.4142, s.Std, 1e-4)

	assert.Equal(t, domain.SummaryStats{}, Summarize(nil))
}

func TestDriftSeverityThresholds(t *testing.T) {
	tests := []struct {
		shift float64
		want  domain.Severity
	}{
		{0.2, domain.SeverityNone},   // 0.042
		{0.9, domain.SeverityLow},    // 0.191
		{1.2, domain.SeverityMedium}, // 0.255
		{4, domain.SeverityHigh},     // 0.849
	}
	base := Summarize(baseline)
	for _, tt := range tests {
		score := DriftScore(base, Summarize(shifted(tt.shift)))
		assert.Equal(t, tt.want, DriftSeverity(score), "shift %v score %v", tt.shift, score)
	}
}

func TestDriftScore_ZeroBaselineStd(t *testing.T) {
	flat := Summarize([]float64{5, 5, 5})
	assert.Equal(t, 0.0, DriftScore(flat, flat))
	assert.InDelta(t, 1.0, DriftScore(flat, Summarize([]float64{6, 7, 8})), 1e-9)
}

func TestCheckDataDrift_CreatesAlertAndMetric(t *testing.T) {
	store := newMemStore()
	svc := NewService(store, nil, zap.NewNop())
	var observed float64
	svc.OnDrift = func(_ string, _ domain.DriftType, score float64) { observed = score }
	ctx := context.Background()

	_, err := svc.CheckDataDrift(ctx, "sales_avg_30d")
	assert.True(t, errors.Is(err, domain.ErrNotFound))

	_, err = svc.SetBaseline(ctx, "sales_avg_30d", baseline)
	require.NoError(t, err)
	_, err = svc.UpdateCurrent("sales_avg_30d", shifted(4))
	require.NoError(t, err)

	res, err := svc.CheckDataDrift(ctx, "sales_avg_30d")
	require.NoError(t, err)
	assert.Equal(t, domain.SeverityHigh, res.Severity)
	assert.Equal(t, domain.DriftData, res.DriftType)
	assert.NotEmpty(t, res.AlertID)
	assert.InDelta(t, res.DriftScore, observed, 1e-12)

	assert.Len(t, svc.DriftHistory("sales_avg_30d"), 1)
	assert.Len(t, store.metrics, 1)
	assert.Len(t, store.alerts, 1)
	assert.Equal(t, domain.SeverityHigh, svc.LatestSeverity("sales_avg_30d"))
}

func TestCheckDataDrift_Deterministic(t *testing.T) {
	tests := []struct {
		name    string
		base    []float64
		current []float64
	}{
		{"unsorted baseline, no drift", []float64{18, 10, 14, 12, 16}, []float64{10, 12, 14, 16, 18}},
		{"shifted", []float64{16, 10, 18, 12, 14}, []float64{22, 14, 18, 20, 16}},
		{"flat baseline", []float64{5, 5, 5}, []float64{6, 7, 8}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			base := append([]float64(nil), tt.base...)
			cur := append([]float64(nil), tt.current...)

			check := func() domain.DriftCheckResult {
				svc := NewService(nil, nil, zap.NewNop())
				_, err := svc.SetBaseline(context.Background(), "stock_level", base)
				require.NoError(t, err)
				_, err = svc.UpdateCurrent("stock_level", cur)
				require.NoError(t, err)
				res, err := svc.CheckDataDrift(context.Background(), "stock_level")
				require.NoError(t, err)
				res.AlertID, res.CheckedAt = "", time.Time{}
				return res
			}
			first, second := check(), check()
			assert.Equal(t, first, second)

			// входные ряды не пересортированы
			assert.Equal(t, tt.base, base)
			assert.Equal(t, tt.current, cur)
		})
	}
}

func TestCheckDataDrift_NoneLeavesNoTrace(t *testing.T) {
	svc := NewService(nil, nil, zap.NewNop())
	ctx := context.Background()
	_, _ = svc.SetBaseline(ctx, "stock_level", baseline)
	_, _ = svc.UpdateCurrent("stock_level", shifted(0.1))

	res, err := svc.CheckDataDrift(ctx, "stock_level")
	require.NoError(t, err)
	assert.Equal(t, domain.SeverityNone, res.Severity)
	assert.Empty(t, res.AlertID)
	assert.Empty(t, svc.DriftHistory(""))
	assert.Empty(t, svc.Alerts(false))
}

func TestSetBaseline_Validation(t *testing.T) {
	svc := NewService(nil, nil, zap.NewNop())
	_, err := svc.SetBaseline(context.Background(), "", baseline)
	assert.True(t, errors.Is(err, domain.ErrValidation))
	_, err = svc.UpdateCurrent("x", nil)
	assert.True(t, errors.Is(err, domain.ErrValidation))
}

func TestCheckPredictionDrift(t *testing.T) {
	svc := NewService(nil, nil, zap.NewNop())
	ctx := context.Background()

	for i := 0; i < 5; i++ {
		svc.ObservePrediction("demand_forecast", 100)
	}
	_, err := svc.CheckPredictionDrift(ctx, "demand_forecast")
	assert.True(t, errors.Is(err, domain.ErrInsufficientData))

	for i := 0; i < 20; i++ {
		svc.ObservePrediction("demand_forecast", float64(90+i))
	}
	first, err := svc.CheckPredictionDrift(ctx, "demand_forecast")
	require.NoError(t, err)
	assert.Equal(t, domain.SeverityNone, first.Severity)

	for i := 0; i < predictionWindow; i++ {
		svc.ObservePrediction("demand_forecast", 400)
	}
	second, err := svc.CheckPredictionDrift(ctx, "demand_forecast")
	require.NoError(t, err)
	assert.Equal(t, domain.SeverityHigh, second.Severity)
	assert.Equal(t, domain.DriftPrediction, second.DriftType)

	alerts := svc.Alerts(true)
	require.Len(t, alerts, 1)
	assert.Equal(t, domain.AlertPredictionDrift, alerts[0].Type)
	assert.Len(t, svc.DriftHistory(PredictionKey("demand_forecast")), 1)
}

func TestCheckFeatureStability(t *testing.T) {
	svc := NewService(nil, nil, zap.NewNop())
	ctx := context.Background()

	flat, err := svc.CheckFeatureStability(ctx, "lead_time_days", []float64{10, 10, 10, 10})
	require.NoError(t, err)
	assert.Equal(t, 1.0, flat.StabilityScore)
	assert.Equal(t, domain.TrendStable, flat.Trend)

	rising, err := svc.CheckFeatureStability(ctx, "sales_avg_7d", []float64{10, 11, 12, 13, 14, 15})
	require.NoError(t, err)
	assert.Equal(t, domain.TrendIncreasing, rising.Trend)
	assert.InDelta(t, 0.8634, rising.StabilityScore, 1e-3)

	falling, err := svc.CheckFeatureStability(ctx, "sales_avg_7d", []float64{15, 14, 13, 12, 11, 10})
	require.NoError(t, err)
	assert.Equal(t, domain.TrendDecreasing, falling.Trend)

	volatile, err := svc.CheckFeatureStability(ctx, "returns", []float64{1, 20, 1, 20})
	require.NoError(t, err)
	assert.Equal(t, domain.TrendVolatile, volatile.Trend)
	assert.InDelta(t, 0.0952, volatile.StabilityScore, 1e-4)
	assert.Len(t, svc.Alerts(true), 1)

	_, err = svc.CheckFeatureStability(ctx, "x", []float64{1, 2})
	assert.True(t, errors.Is(err, domain.ErrInsufficientData))
}

func TestAcknowledgeAlertAndHealth(t *testing.T) {
	trail := audit.NewTrail(nil, zap.NewNop())
	svc := NewService(nil, trail, zap.NewNop())
	ctx := context.Background()

	assert.Equal(t, domain.HealthHealthy, svc.RunHealthCheck().Status)

	_, _ = svc.SetBaseline(ctx, "sales_trend", baseline)
	_, _ = svc.UpdateCurrent("sales_trend", shifted(0.9))
	low, err := svc.CheckDataDrift(ctx, "sales_trend")
	require.NoError(t, err)
	require.Equal(t, domain.SeverityLow, low.Severity)

	report := svc.RunHealthCheck()
	assert.Equal(t, domain.HealthWarning, report.Status)
	assert.Equal(t, 1, report.UnacknowledgedByLv[domain.SeverityLow])

	// проверка здоровья ничего не меняет
	assert.Len(t, svc.Alerts(true), 1)

	acked, err := svc.AcknowledgeAlert(ctx, low.AlertID, "oncall")
	require.NoError(t, err)
	assert.True(t, acked.Acknowledged)
	require.NotNil(t, acked.AcknowledgedBy)
	assert.Equal(t, "oncall", *acked.AcknowledgedBy)
	assert.Equal(t, domain.HealthHealthy, svc.RunHealthCheck().Status)
	assert.Len(t, trail.List(audit.Filter{Action: domain.AuditAlertAcknowledged}), 1)

	_, err = svc.AcknowledgeAlert(ctx, low.AlertID, "oncall")
	assert.True(t, errors.Is(err, domain.ErrIllegalTransition))
	_, err = svc.AcknowledgeAlert(ctx, "missing", "oncall")
	assert.True(t, errors.Is(err, domain.ErrNotFound))

	_, _ = svc.UpdateCurrent("sales_trend", shifted(4))
	_, _ = svc.CheckDataDrift(ctx, "sales_trend")
	assert.Equal(t, domain.HealthCritical, svc.RunHealthCheck().Status)
}

func TestLoadBaselines(t *testing.T) {
	store := newMemStore()
	first := NewService(store, nil, zap.NewNop())
	_, err := first.SetBaseline(context.Background(), "stock_level", baseline)
	require.NoError(t, err)

	second := NewService(store, nil, zap.NewNop())
	require.NoError(t, second.LoadBaselines(context.Background()))
	_, _ = second.UpdateCurrent("stock_level", baseline)
	res, err := second.CheckDataDrift(context.Background(), "stock_level")
	require.NoError(t, err)
	assert.Equal(t, domain.SeverityNone, res.Severity)
}
