package engine

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"testing"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/xela07ax/decision-gate/internal/audit"
	"github.com/xela07ax/decision-gate/internal/domain"
	"github.com/xela07ax/decision-gate/internal/feature"
	"github.com/xela07ax/decision-gate/internal/governance"
	"github.com/xela07ax/decision-gate/internal/monitoring"
	"github.com/xela07ax/decision-gate/internal/policy"
	"github.com/xela07ax/decision-gate/internal/predict"
	"github.com/xela07ax/decision-gate/internal/registry"
	"go.uber.org/zap"
)

type backendFunc func(ctx context.Context, req predict.Request) (*predict.Result, error)

func (f backendFunc) Name() string { return "test" }

func (f backendFunc) Predict(ctx context.Context, req predict.Request) (*predict.Result, error) {
	return f(ctx, req)
}

type harness struct {
	engine  *DecisionEngine
	trail   *audit.Trail
	logs    *audit.DecisionLogs
	reg     *registry.Registry
	mon     *monitoring.Service
	rev     *RevocationManager
	metrics *Metrics
}

func newHarness(t *testing.T, backend predict.Backend) *harness {
	t.Helper()
	logger := zap.NewNop()
	trail := audit.NewTrail(nil, logger)
	reg := registry.New(nil, trail, logger)
	enforcer := policy.NewMemoEnforcer(nil, nil, logger)
	require.NoError(t, policy.Seed(context.Background(), enforcer, policy.DefaultPolicies()))
	gate := governance.NewGate(reg, enforcer, nil, trail, logger)
	mon := monitoring.NewService(nil, trail, logger)
	logs := audit.NewDecisionLogs(nil, logger)
	rev := NewRevocationManager(nil, logger)
	metrics := NewMetrics(prometheus.NewRegistry())
	if backend == nil {
		backend = predict.NewStatisticalBackend()
	}

	eng := NewDecisionEngine(Deps{
		Features:   feature.NewStore(feature.NewDefaultCatalog(), feature.NewMemoryCache(), logger),
		Backend:    backend,
		Models:     reg,
		Governance: gate,
		Monitoring: mon,
		Revocation: rev,
		Audit:      trail,
		Decisions:  logs,
		Metrics:    metrics,
	}, Config{}, logger)
	return &harness{engine: eng, trail: trail, logs: logs, reg: reg, mon: mon, rev: rev, metrics: metrics}
}

func (h *harness) deploy(t *testing.T, uc domain.UseCase) *domain.ModelVersion {
	t.Helper()
	ctx := context.Background()
	m, err := h.reg.RegisterModel(ctx, registry.RegisterRequest{ModelName: string(uc), Version: "1.0.0", RegisteredBy: "ds"})
	require.NoError(t, err)
	_, err = h.reg.MarkApproved(ctx, m.ID, "reviewer")
	require.NoError(t, err)
	m, err = h.reg.DeployModel(ctx, m.ID, "ops")
	require.NoError(t, err)
	return m
}

func history(n int, v float64) []interface{} {
	out := make([]interface{}, n)
	for i := range out {
		out[i] = v + float64(i%3)
	}
	return out
}

func stockoutRequest(stock, avg float64) domain.DecisionRequest {
	return domain.DecisionRequest{
		UseCase:     domain.UseCaseStockoutRisk,
		EntityID:    "sku-1",
		EntityType:  "product",
		RequestedBy: "planner",
		Context: domain.Attributes{
			domain.AttrCurrentStock:  stock,
			domain.AttrAvgDailySales: avg,
			domain.AttrLeadTimeDays:  7.0,
			domain.AttrSalesHistory:  history(30, avg),
		},
	}
}

func TestGetDecision_ModelPath(t *testing.T) {
	h := newHarness(t, nil)
	model := h.deploy(t, domain.UseCaseStockoutRisk)

	resp, err := h.engine.GetDecision(context.Background(), stockoutRequest(20, 10))
	require.NoError(t, err)

	assert.False(t, resp.IsFallback)
	assert.Empty(t, resp.FallbackReason)
	assert.Equal(t, predict.ActionUrgentReorder, resp.Recommendation.Action)
	require.NotNil(t, resp.Recommendation.Value)
	assert.Greater(t, *resp.Recommendation.Value, 0.0)
	assert.True(t, resp.PolicyResult.Allowed)
	assert.Equal(t, domain.LevelForScore(resp.Confidence.Score), resp.Confidence.Level)
	assert.LessOrEqual(t, len(resp.Explanation.TopDrivers), 3)

	// auditId это запись decision_requested, за ней ровно одна decision_returned
	requested, err := h.trail.Get(resp.AuditID)
	require.NoError(t, err)
	assert.Equal(t, domain.AuditDecisionRequested, requested.Action)
	returned := h.trail.List(audit.Filter{Action: domain.AuditDecisionReturned})
	require.Len(t, returned, 1)
	assert.Equal(t, resp.AuditID, returned[0].Details["requestAuditId"])
	assert.Equal(t, model.ID, returned[0].Details["modelVersionId"])

	log, err := h.engine.GetDecisionLog(context.Background(), resp.AuditID)
	require.NoError(t, err)
	assert.Equal(t, model.ID, log.ModelVersionID)
	assert.Equal(t, resp, log.Response)

	assert.Equal(t, 1.0, testutil.ToFloat64(h.metrics.DecisionsTotal.WithLabelValues("stockout_risk")))
}

func TestGetDecision_ResponseHidesModel(t *testing.T) {
	h := newHarness(t, nil)
	model := h.deploy(t, domain.UseCaseStockoutRisk)

	resp, err := h.engine.GetDecision(context.Background(), stockoutRequest(20, 10))
	require.NoError(t, err)

	raw, err := json.Marshal(resp)
	require.NoError(t, err)
	var keys map[string]json.RawMessage
	require.NoError(t, json.Unmarshal(raw, &keys))
	got := make([]string, 0, len(keys))
	for k := range keys {
		got = append(got, k)
	}
	assert.ElementsMatch(t, []string{"auditId", "recommendation", "confidence", "explanation", "policyResult", "timestamp", "isFallback"}, got)
	assert.NotContains(t, string(raw), model.ID)
	assert.NotContains(t, string(raw), "statistical")

	log, err := h.logs.Get(context.Background(), resp.AuditID)
	require.NoError(t, err)
	logRaw, err := json.Marshal(log)
	require.NoError(t, err)
	assert.NotContains(t, string(logRaw), model.ID)
}

func TestGetDecision_NoDeployedModelFallsBack(t *testing.T) {
	h := newHarness(t, nil)

	resp, err := h.engine.GetDecision(context.Background(), stockoutRequest(20, 10))
	require.NoError(t, err)

	assert.True(t, resp.IsFallback)
	assert.Equal(t, domain.FallbackApprovalRevoked, resp.FallbackReason)
	assert.Equal(t, 50.0, resp.Confidence.Score)
	assert.Equal(t, domain.ConfidenceMedium, resp.Confidence.Level)
	assert.True(t, resp.PolicyResult.Allowed)
	assert.True(t, resp.PolicyResult.RequiresApproval)
	assert.NotNil(t, resp.PolicyResult.AppliedPolicies)
	// 20 единиц при 10 в день и поставке за 7 дней
	assert.Equal(t, predict.ActionUrgentReorder, resp.Recommendation.Action)
	require.NotNil(t, resp.Recommendation.Value)
	assert.Equal(t, 120.0, *resp.Recommendation.Value)

	log, err := h.logs.Get(context.Background(), resp.AuditID)
	require.NoError(t, err)
	assert.Empty(t, log.ModelVersionID)
	assert.Equal(t, 1.0, testutil.ToFloat64(h.metrics.FallbackTotal.WithLabelValues("stockout_risk", "approval_revoked")))
}

func TestGetDecision_RevokedUseCase(t *testing.T) {
	h := newHarness(t, nil)
	h.deploy(t, domain.UseCaseStockoutRisk)
	require.NoError(t, h.rev.Revoke(context.Background(), domain.UseCaseStockoutRisk))

	resp, err := h.engine.GetDecision(context.Background(), stockoutRequest(20, 10))
	require.NoError(t, err)
	assert.Equal(t, domain.FallbackApprovalRevoked, resp.FallbackReason)

	require.NoError(t, h.rev.Restore(context.Background(), domain.UseCaseStockoutRisk))
	resp, err = h.engine.GetDecision(context.Background(), stockoutRequest(20, 10))
	require.NoError(t, err)
	assert.False(t, resp.IsFallback)
}

func TestGetDecision_DriftTooHigh(t *testing.T) {
	h := newHarness(t, nil)
	h.deploy(t, domain.UseCaseStockoutRisk)
	ctx := context.Background()

	base := []float64{10, 12, 14, 16, 18}
	shifted := make([]float64, len(base))
	for i, v := range base {
		shifted[i] = v + 4
	}
	_, err := h.mon.SetBaseline(ctx, feature.StockLevel, base)
	require.NoError(t, err)
	_, err = h.mon.UpdateCurrent(feature.StockLevel, shifted)
	require.NoError(t, err)
	res, err := h.mon.CheckDataDrift(ctx, feature.StockLevel)
	require.NoError(t, err)
	require.Equal(t, domain.SeverityHigh, res.Severity)

	resp, err := h.engine.GetDecision(ctx, stockoutRequest(20, 10))
	require.NoError(t, err)
	assert.True(t, resp.IsFallback)
	assert.Equal(t, domain.FallbackDriftTooHigh, resp.FallbackReason)
}

func TestGetDecision_BackendFailureFallsBack(t *testing.T) {
	cases := map[string]predict.Backend{
		"error": backendFunc(func(context.Context, predict.Request) (*predict.Result, error) {
			return nil, errors.New("backend down")
		}),
		"panic": backendFunc(func(context.Context, predict.Request) (*predict.Result, error) {
			panic("boom")
		}),
	}
	for name, backend := range cases {
		t.Run(name, func(t *testing.T) {
			h := newHarness(t, backend)
			h.deploy(t, domain.UseCaseStockoutRisk)

			resp, err := h.engine.GetDecision(context.Background(), stockoutRequest(20, 10))
			require.NoError(t, err)
			assert.True(t, resp.IsFallback)
			assert.Equal(t, domain.FallbackModelFailed, resp.FallbackReason)
			assert.Equal(t, "Rule-based decision: the prediction could not be produced.", resp.Explanation.Summary)
			assert.Len(t, h.trail.List(audit.Filter{Action: domain.AuditDecisionReturned}), 1)
		})
	}
}

func TestGetDecision_FeatureFailureFallsBack(t *testing.T) {
	h := newHarness(t, nil)
	h.deploy(t, domain.UseCaseStockoutRisk)
	req := stockoutRequest(20, 10)
	delete(req.Context, domain.AttrCurrentStock)

	resp, err := h.engine.GetDecision(context.Background(), req)
	require.NoError(t, err)
	assert.Equal(t, domain.FallbackModelFailed, resp.FallbackReason)
	assert.Equal(t, "manual_review", resp.Recommendation.Action)
}

func TestGetDecision_PolicyBlocked(t *testing.T) {
	h := newHarness(t, nil)
	h.deploy(t, domain.UseCaseStockoutRisk)

	resp, err := h.engine.GetDecision(context.Background(), stockoutRequest(0, 2000))
	require.NoError(t, err)
	assert.True(t, resp.IsFallback)
	assert.Equal(t, domain.FallbackPolicyBlocked, resp.FallbackReason)
	assert.Contains(t, resp.PolicyResult.AppliedPolicies, "Blast radius")
	assert.True(t, resp.PolicyResult.RequiresApproval)
	assert.Contains(t, resp.PolicyResult.Reason, "policy_blocked")
}

func TestGetDecision_RequiresApprovalIsInformational(t *testing.T) {
	h := newHarness(t, nil)
	h.deploy(t, domain.UseCaseStockoutRisk)

	// 150 в день: заказ больше порога проверки, но меньше жесткого лимита
	resp, err := h.engine.GetDecision(context.Background(), stockoutRequest(0, 150))
	require.NoError(t, err)
	assert.False(t, resp.IsFallback)
	assert.True(t, resp.PolicyResult.Allowed)
	assert.True(t, resp.PolicyResult.RequiresApproval)
	assert.Contains(t, resp.PolicyResult.AppliedPolicies, "Blast radius")
}

func TestGetDecision_Validation(t *testing.T) {
	h := newHarness(t, nil)
	_, err := h.engine.GetDecision(context.Background(), domain.DecisionRequest{UseCase: "churn"})
	require.Error(t, err)
	assert.True(t, errors.Is(err, domain.ErrValidation))

	var verrs domain.ValidationErrors
	require.True(t, errors.As(err, &verrs))
	assert.Len(t, verrs, 4)
	assert.Zero(t, h.trail.Len())
}

func TestGetDecision_CallerAbortLeavesNoReturnedRecord(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	h := newHarness(t, backendFunc(func(context.Context, predict.Request) (*predict.Result, error) {
		cancel()
		return nil, context.Canceled
	}))
	h.deploy(t, domain.UseCaseStockoutRisk)

	_, err := h.engine.GetDecision(ctx, stockoutRequest(20, 10))
	assert.True(t, errors.Is(err, context.Canceled))
	assert.Len(t, h.trail.List(audit.Filter{Action: domain.AuditDecisionRequested}), 1)
	assert.Empty(t, h.trail.List(audit.Filter{Action: domain.AuditDecisionReturned}))
	assert.Zero(t, h.logs.Count())
}

func TestGetDecision_ConcurrentRequests(t *testing.T) {
	h := newHarness(t, nil)
	h.deploy(t, domain.UseCaseStockoutRisk)

	const n = 20
	ids := make(chan string, n)
	var wg sync.WaitGroup
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			req := stockoutRequest(float64(10+i), 10)
			req.EntityID = fmt.Sprintf("sku-%d", i)
			resp, err := h.engine.GetDecision(context.Background(), req)
			if assert.NoError(t, err) {
				ids <- resp.AuditID
			}
		}(i)
	}
	wg.Wait()
	close(ids)

	seen := map[string]bool{}
	for id := range ids {
		assert.False(t, seen[id])
		seen[id] = true
	}
	assert.Len(t, seen, n)
	assert.Equal(t, n, h.logs.Count())
	assert.Len(t, h.trail.List(audit.Filter{Action: domain.AuditDecisionReturned}), n)
	assert.NoError(t, h.trail.Verify())
}

func TestGetDecision_FeedsPredictionMonitoring(t *testing.T) {
	h := newHarness(t, nil)
	h.deploy(t, domain.UseCaseStockoutRisk)
	ctx := context.Background()

	for i := 0; i < 10; i++ {
		_, err := h.engine.GetDecision(ctx, stockoutRequest(float64(20+i), 10))
		require.NoError(t, err)
	}
	res, err := h.mon.CheckPredictionDrift(ctx, string(domain.UseCaseStockoutRisk))
	require.NoError(t, err)
	assert.Equal(t, domain.SeverityNone, res.Severity)
}

func TestGetDecision_ModelNameMapping(t *testing.T) {
	h := newHarness(t, nil)
	h.engine.cfg.ModelNames = map[domain.UseCase]string{domain.UseCaseStockoutRisk: "stockout-v2"}
	h.deploy(t, domain.UseCaseStockoutRisk)

	resp, err := h.engine.GetDecision(context.Background(), stockoutRequest(20, 10))
	require.NoError(t, err)
	assert.Equal(t, domain.FallbackApprovalRevoked, resp.FallbackReason)
}
