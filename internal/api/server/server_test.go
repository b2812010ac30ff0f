package server

import (
	"bytes"
	"context"
	"crypto/rand"
	"crypto/rsa"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/xela07ax/decision-gate/internal/api/handler"
	"github.com/xela07ax/decision-gate/internal/audit"
	"github.com/xela07ax/decision-gate/internal/domain"
	"github.com/xela07ax/decision-gate/internal/engine"
	"github.com/xela07ax/decision-gate/internal/feature"
	"github.com/xela07ax/decision-gate/internal/governance"
	"github.com/xela07ax/decision-gate/internal/infra/auth"
	"github.com/xela07ax/decision-gate/internal/monitoring"
	"github.com/xela07ax/decision-gate/internal/policy"
	"github.com/xela07ax/decision-gate/internal/predict"
	"github.com/xela07ax/decision-gate/internal/registry"
	"go.uber.org/zap"
)

func newTestServer(t *testing.T, validator auth.TokenValidator) *APIServer {
	t.Helper()
	logger := zap.NewNop()
	trail := audit.NewTrail(nil, logger)
	reg := registry.New(nil, trail, logger)
	enforcer := policy.NewMemoEnforcer(nil, nil, logger)
	require.NoError(t, policy.Seed(context.Background(), enforcer, policy.DefaultPolicies()))
	gate := governance.NewGate(reg, enforcer, nil, trail, logger)
	mon := monitoring.NewService(nil, trail, logger)
	features := feature.NewStore(feature.NewDefaultCatalog(), feature.NewMemoryCache(), logger)
	rev := engine.NewRevocationManager(nil, logger)

	eng := engine.NewDecisionEngine(engine.Deps{
		Features:   features,
		Backend:    predict.NewStatisticalBackend(),
		Models:     reg,
		Governance: gate,
		Monitoring: mon,
		Revocation: rev,
		Audit:      trail,
		Decisions:  audit.NewDecisionLogs(nil, logger),
	}, engine.Config{}, logger)

	return NewAPIServer(logger, Handlers{
		Decision:   handler.NewDecisionHandler(eng),
		Model:      handler.NewModelHandler(reg, rev),
		Approval:   handler.NewApprovalHandler(gate),
		Monitoring: handler.NewMonitoringHandler(mon),
		Policy:     handler.NewPolicyHandler(enforcer),
		Audit:      handler.NewAuditHandler(trail),
		Feature:    handler.NewFeatureHandler(features),
		Dashboard:  handler.NewDashboardHandler(trail, gate, reg, rev, mon),
	}, validator, nil)
}

func do(t *testing.T, h http.Handler, method, path string, body interface{}, header ...string) (*httptest.ResponseRecorder, map[string]interface{}) {
	t.Helper()
	var buf bytes.Buffer
	if body != nil {
		require.NoError(t, json.NewEncoder(&buf).Encode(body))
	}
	req := httptest.NewRequest(method, path, &buf)
	for i := 0; i+1 < len(header); i += 2 {
		req.Header.Set(header[i], header[i+1])
	}
	rr := httptest.NewRecorder()
	h.ServeHTTP(rr, req)

	var out map[string]interface{}
	_ = json.Unmarshal(rr.Body.Bytes(), &out)
	return rr, out
}

func stockoutBody() map[string]interface{} {
	hist := make([]float64, 30)
	for i := range hist {
		hist[i] = 10
	}
	return map[string]interface{}{
		"useCase":     "stockout_risk",
		"entityId":    "sku-1",
		"entityType":  "product",
		"requestedBy": "planner",
		"context": map[string]interface{}{
			"currentStock": 20, "avgDailySales": 10, "leadTimeDays": 7, "salesHistory": hist,
		},
	}
}

func TestDecisions_MissingFields(t *testing.T) {
	s := newTestServer(t, nil)
	rr, body := do(t, s, http.MethodPost, "/decisions", map[string]interface{}{"useCase": "stockout_risk"})

	assert.Equal(t, http.StatusBadRequest, rr.Code)
	assert.Equal(t, "validation_error", body["code"])
	assert.Len(t, body["fields"], 3)
}

func TestDecisions_FallbackAndLookup(t *testing.T) {
	s := newTestServer(t, nil)
	rr, body := do(t, s, http.MethodPost, "/decisions", stockoutBody())
	require.Equal(t, http.StatusOK, rr.Code)
	assert.Equal(t, true, body["isFallback"])
	assert.Equal(t, "approval_revoked", body["fallbackReason"])
	assert.NotEmpty(t, rr.Header().Get("X-Trace-ID"))

	auditID := body["auditId"].(string)
	rr, logBody := do(t, s, http.MethodGet, "/decisions/"+auditID, nil)
	require.Equal(t, http.StatusOK, rr.Code)
	assert.Equal(t, auditID, logBody["auditId"])
	assert.NotContains(t, logBody, "modelVersionId")

	rr, _ = do(t, s, http.MethodGet, "/decisions/missing", nil)
	assert.Equal(t, http.StatusNotFound, rr.Code)
}

func TestModelLifecycle(t *testing.T) {
	s := newTestServer(t, nil)

	rr, model := do(t, s, http.MethodPost, "/models", map[string]interface{}{
		"modelName": "stockout_risk", "version": "1.0.0", "registeredBy": "ds",
		"trainingInputs": map[string]interface{}{"rows": 1000},
	})
	require.Equal(t, http.StatusCreated, rr.Code)
	modelID := model["id"].(string)
	assert.Equal(t, "draft", model["approvalStatus"])

	// выкатка без апрува
	rr, body := do(t, s, http.MethodPost, "/models/"+modelID+"/deploy", map[string]interface{}{"actor": "ops"})
	assert.Equal(t, http.StatusBadRequest, rr.Code)
	assert.Equal(t, "illegal_transition", body["code"])

	// бэктест не пройден
	rr, body = do(t, s, http.MethodPost, "/approvals", map[string]interface{}{
		"modelVersionId": modelID, "requestedBy": "ds",
		"backtestResults": map[string]interface{}{"passed": false},
	})
	assert.Equal(t, http.StatusBadRequest, rr.Code)
	assert.Equal(t, "backtest_failed", body["code"])

	// модель хуже наивного бейзлайна
	rr, body = do(t, s, http.MethodPost, "/approvals", map[string]interface{}{
		"modelVersionId": modelID, "requestedBy": "ds",
		"backtestResults": map[string]interface{}{"passed": true, "baselineComparison": -0.1, "stabilityScore": 0.9},
	})
	assert.Equal(t, http.StatusBadRequest, rr.Code)
	assert.Equal(t, "policy_violation", body["code"])

	rr, approval := do(t, s, http.MethodPost, "/approvals", map[string]interface{}{
		"modelVersionId": modelID, "requestedBy": "ds",
		"backtestResults": map[string]interface{}{"passed": true, "baselineComparison": 0.1, "stabilityScore": 0.9},
	})
	require.Equal(t, http.StatusCreated, rr.Code)
	approvalID := approval["id"].(string)

	rr, list := doList(t, s, "/approvals?status=pending")
	require.Equal(t, http.StatusOK, rr.Code)
	assert.Len(t, list, 1)

	rr, _ = do(t, s, http.MethodPost, "/approvals/missing/approve", map[string]interface{}{"reviewer": "lead"})
	assert.Equal(t, http.StatusNotFound, rr.Code)
	rr, _ = do(t, s, http.MethodPost, "/approvals/missing/reject", map[string]interface{}{})
	assert.Equal(t, http.StatusNotFound, rr.Code, "unknown id wins over missing reviewer")
	rr, body = do(t, s, http.MethodPost, "/approvals/"+approvalID+"/approve", map[string]interface{}{})
	assert.Equal(t, http.StatusBadRequest, rr.Code)
	assert.Equal(t, "validation_error", body["code"])

	rr, resolved := do(t, s, http.MethodPost, "/approvals/"+approvalID+"/approve", map[string]interface{}{"reviewer": "lead", "comments": "ok"})
	require.Equal(t, http.StatusOK, rr.Code)
	assert.Equal(t, "approved", resolved["status"])

	rr, body = do(t, s, http.MethodPost, "/approvals/"+approvalID+"/reject", map[string]interface{}{"reviewer": "lead"})
	assert.Equal(t, http.StatusBadRequest, rr.Code)
	assert.Equal(t, "already_resolved", body["code"])

	rr, deployed := do(t, s, http.MethodPost, "/models/"+modelID+"/deploy", map[string]interface{}{"actor": "ops"})
	require.Equal(t, http.StatusOK, rr.Code)
	assert.Equal(t, "deployed", deployed["approvalStatus"])

	rr, decision := do(t, s, http.MethodPost, "/decisions", stockoutBody())
	require.Equal(t, http.StatusOK, rr.Code)
	assert.Equal(t, false, decision["isFallback"])

	// kill switch use case
	rr, _ = do(t, s, http.MethodPost, "/usecases/stockout_risk/revoke", nil)
	require.Equal(t, http.StatusOK, rr.Code)
	rr, decision = do(t, s, http.MethodPost, "/decisions", stockoutBody())
	require.Equal(t, http.StatusOK, rr.Code)
	assert.Equal(t, "approval_revoked", decision["fallbackReason"])

	rr, _ = do(t, s, http.MethodPost, "/models/stockout_risk/revoke", map[string]interface{}{"actor": "ops", "reason": "incident"})
	assert.Equal(t, http.StatusOK, rr.Code)
	rr, _ = do(t, s, http.MethodPost, "/models/stockout_risk/revoke", map[string]interface{}{"actor": "ops"})
	assert.Equal(t, http.StatusNotFound, rr.Code)

	rr, audits := doList(t, s, "/audit?entityType=approval_request")
	require.Equal(t, http.StatusOK, rr.Code)
	assert.Len(t, audits, 2)
	rr, _ = do(t, s, http.MethodGet, "/audit/verify", nil)
	assert.Equal(t, http.StatusOK, rr.Code)

	rr, dash := do(t, s, http.MethodGet, "/dashboard", nil)
	require.Equal(t, http.StatusOK, rr.Code)
	decisions := dash["decisions"].(map[string]interface{})
	assert.Equal(t, 2.0, decisions["total"])
	assert.Equal(t, 1.0, decisions["fallbacks"])
	assert.Equal(t, 0.5, decisions["fallbackRatio"])
	governance := dash["governance"].(map[string]interface{})
	assert.Equal(t, 0.0, governance["deployedModels"])
	assert.Equal(t, []interface{}{"stockout_risk"}, governance["revokedUseCases"])
}

func doList(t *testing.T, h http.Handler, path string) (*httptest.ResponseRecorder, []interface{}) {
	t.Helper()
	req := httptest.NewRequest(http.MethodGet, path, nil)
	rr := httptest.NewRecorder()
	h.ServeHTTP(rr, req)
	var out []interface{}
	require.NoError(t, json.Unmarshal(rr.Body.Bytes(), &out))
	return rr, out
}

func TestMonitoringRoutes(t *testing.T) {
	s := newTestServer(t, nil)

	rr, _ := do(t, s, http.MethodPost, "/drift/check", map[string]interface{}{"featureName": "stock_level", "currentValues": []float64{1, 2, 3}})
	assert.Equal(t, http.StatusNotFound, rr.Code, "no baseline yet")

	rr, _ = do(t, s, http.MethodPost, "/drift/baseline", map[string]interface{}{"featureName": "stock_level", "values": []float64{10, 12, 14, 16, 18}})
	require.Equal(t, http.StatusOK, rr.Code)

	rr, res := do(t, s, http.MethodPost, "/drift/check", map[string]interface{}{"featureName": "stock_level", "currentValues": []float64{14, 16, 18, 20, 22}})
	require.Equal(t, http.StatusOK, rr.Code)
	assert.Equal(t, "high", res["severity"])

	rr, health := do(t, s, http.MethodGet, "/health", nil)
	require.Equal(t, http.StatusOK, rr.Code)
	assert.Equal(t, "critical", health["status"])

	rr, alerts := doList(t, s, "/alerts?unacknowledged=true")
	require.Equal(t, http.StatusOK, rr.Code)
	require.Len(t, alerts, 1)
	alertID := alerts[0].(map[string]interface{})["id"].(string)

	rr, ack := do(t, s, http.MethodPost, "/alerts/"+alertID+"/ack", map[string]interface{}{"acknowledgedBy": "oncall"})
	require.Equal(t, http.StatusOK, rr.Code)
	assert.Equal(t, true, ack["acknowledged"])

	rr, body := do(t, s, http.MethodPost, "/alerts/"+alertID+"/ack", map[string]interface{}{"acknowledgedBy": "oncall"})
	assert.Equal(t, http.StatusBadRequest, rr.Code)
	assert.Equal(t, "illegal_transition", body["code"])

	rr, _ = do(t, s, http.MethodPost, "/drift/stability", map[string]interface{}{"featureName": "stock_level", "values": []float64{1, 2}})
	assert.Equal(t, http.StatusBadRequest, rr.Code)
}

func TestDriftCheck_RequestBody(t *testing.T) {
	s := newTestServer(t, nil)

	rr, body := do(t, s, http.MethodPost, "/drift/check", map[string]interface{}{})
	require.Equal(t, http.StatusBadRequest, rr.Code)
	fields := body["fields"].([]interface{})
	require.Len(t, fields, 1)
	assert.Equal(t, "featureName", fields[0].(map[string]interface{})["field"])

	// дрейф выхода модели: прогнозов еще нет
	rr, body = do(t, s, http.MethodPost, "/drift/check", map[string]interface{}{"modelName": "demand_forecast"})
	assert.Equal(t, http.StatusBadRequest, rr.Code)
	assert.Equal(t, "insufficient_data", body["code"])

	rr, _ = do(t, s, http.MethodPost, "/drift/baseline", map[string]interface{}{"featureName": "sales_avg_7d", "values": []float64{5, 6, 7, 8, 9}})
	require.Equal(t, http.StatusOK, rr.Code)
	rr, res := do(t, s, http.MethodPost, "/drift/check", map[string]interface{}{"featureName": "sales_avg_7d", "currentValues": []float64{5, 6, 7, 8, 9}})
	require.Equal(t, http.StatusOK, rr.Code)
	assert.Equal(t, "none", res["severity"])
	assert.Equal(t, "sales_avg_7d", res["featureName"])
}

func TestPoliciesAndFeatures(t *testing.T) {
	s := newTestServer(t, nil)

	rr, list := doList(t, s, "/policies?scope=decision")
	require.Equal(t, http.StatusOK, rr.Code)
	assert.Len(t, list, 2)

	rr, _ = do(t, s, http.MethodPut, "/policies/blast-radius/active", map[string]interface{}{"active": false})
	assert.Equal(t, http.StatusNoContent, rr.Code)
	rr, p := do(t, s, http.MethodGet, "/policies/blast-radius", nil)
	require.Equal(t, http.StatusOK, rr.Code)
	assert.Equal(t, false, p["active"])

	rr, _ = do(t, s, http.MethodPost, "/policies", map[string]interface{}{"id": "bad"})
	assert.Equal(t, http.StatusBadRequest, rr.Code)

	rr, defs := doList(t, s, "/features")
	require.Equal(t, http.StatusOK, rr.Code)
	assert.Len(t, defs, 13)

	rr, body := do(t, s, http.MethodPost, "/features/nope/compute", map[string]interface{}{"entityId": "a", "entityType": "b"})
	assert.Equal(t, http.StatusBadRequest, rr.Code)
	assert.Equal(t, "unknown_feature", body["code"])

	rr, v := do(t, s, http.MethodPost, "/features/stock_level/compute", map[string]interface{}{
		"entityId": "sku-1", "entityType": "product", "context": map[string]interface{}{"currentStock": 42},
	})
	require.Equal(t, http.StatusOK, rr.Code)
	assert.Equal(t, 42.0, v["value"])
}

func TestAuthPerimeter(t *testing.T) {
	key, err := rsa.GenerateKey(rand.Reader, 2048)
	require.NoError(t, err)
	s := newTestServer(t, auth.NewBaseValidator(&key.PublicKey, ""))

	token := func(scopes ...string) string {
		c := &domain.CustomClaims{UserID: "alice", Scopes: map[string]bool{}, RegisteredClaims: jwt.RegisteredClaims{
			ExpiresAt: jwt.NewNumericDate(time.Now().Add(time.Hour)),
		}}
		for _, sc := range scopes {
			c.Scopes[sc] = true
		}
		signed, err := jwt.NewWithClaims(jwt.SigningMethodRS256, c).SignedString(key)
		require.NoError(t, err)
		return "Bearer " + signed
	}

	rr, _ := do(t, s, http.MethodGet, "/health", nil)
	assert.Equal(t, http.StatusOK, rr.Code, "health is public")

	rr, _ = do(t, s, http.MethodPost, "/decisions", stockoutBody())
	assert.Equal(t, http.StatusUnauthorized, rr.Code)

	rr, _ = do(t, s, http.MethodPost, "/decisions", stockoutBody(), "Authorization", token(domain.ScopeModels))
	assert.Equal(t, http.StatusForbidden, rr.Code)

	// requestedBy берется из токена
	body := stockoutBody()
	delete(body, "requestedBy")
	rr, decision := do(t, s, http.MethodPost, "/decisions", body, "Authorization", token(domain.ScopeDecisions))
	require.Equal(t, http.StatusOK, rr.Code)

	rr, audits := func() (*httptest.ResponseRecorder, []interface{}) {
		req := httptest.NewRequest(http.MethodGet, "/audit?actor=alice", nil)
		req.Header.Set("Authorization", token())
		rr := httptest.NewRecorder()
		s.ServeHTTP(rr, req)
		var out []interface{}
		require.NoError(t, json.Unmarshal(rr.Body.Bytes(), &out))
		return rr, out
	}()
	require.Equal(t, http.StatusOK, rr.Code)
	require.NotEmpty(t, audits)
	assert.Equal(t, decision["auditId"], audits[0].(map[string]interface{})["auditId"])
}
