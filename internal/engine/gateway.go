package engine

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/xela07ax/decision-gate/internal/audit"
	"github.com/xela07ax/decision-gate/internal/domain"
	"github.com/xela07ax/decision-gate/internal/infra/validation"
	"github.com/xela07ax/decision-gate/internal/monitoring"
	"github.com/xela07ax/decision-gate/internal/predict"
	"github.com/xela07ax/decision-gate/internal/risk"
	"go.uber.org/zap"
)

// FeatureSource вектор фич сущности (FeatureStore).
type FeatureSource interface {
	GetFeatureVector(ctx context.Context, names []string, entityID, entityType string, attrs domain.Attributes) (map[string]float64, error)
}

// ModelLookup активная версия модели (ModelRegistry).
type ModelLookup interface {
	ActiveVersion(modelName string) (*domain.ModelVersion, bool)
}

// DecisionPolicy политики живого решения (GovernanceGate).
type DecisionPolicy interface {
	EvaluateDecision(pctx domain.PolicyContext) (domain.PolicyResult, error)
}

// DriftMonitor то, что оркестратор читает и пишет в мониторинг.
type DriftMonitor interface {
	LatestSeverity(subject string) domain.Severity
	ObservePrediction(model string, value float64)
}

// DecisionLogger журнал выданных решений.
type DecisionLogger interface {
	Save(ctx context.Context, log domain.DecisionLog) error
	Get(ctx context.Context, auditID string) (domain.DecisionLog, error)
}

// Deps зависимости оркестратора. Monitoring, Revocation, Metrics опциональны.
type Deps struct {
	Features   FeatureSource
	Backend    predict.Backend
	Models     ModelLookup
	Governance DecisionPolicy
	Monitoring DriftMonitor
	Revocation *RevocationManager
	Audit      audit.Recorder
	Decisions  DecisionLogger
	Analyzer   *risk.Analyzer
	Metrics    *Metrics
}

// Config поведение оркестратора.
type Config struct {
	// ModelNames имя модели в реестре для use case; по умолчанию совпадает с use case.
	ModelNames map[domain.UseCase]string
	// DriftFallbackSeverity начиная с этого уровня дрейфа отдается fallback.
	DriftFallbackSeverity domain.Severity
	// DecisionTimeout бюджет на фичи, модель и политики.
	DecisionTimeout time.Duration
}

// DecisionEngine оркестратор Decision API. Любой сбой внутри превращается
// в детерминированный FallbackDecision, клиент всегда получает решение.
type DecisionEngine struct {
	deps   Deps
	cfg    Config
	logger *zap.Logger
	now    func() time.Time
}

func NewDecisionEngine(deps Deps, cfg Config, logger *zap.Logger) *DecisionEngine {
	if cfg.DriftFallbackSeverity == "" {
		cfg.DriftFallbackSeverity = domain.SeverityHigh
	}
	if cfg.DecisionTimeout <= 0 {
		cfg.DecisionTimeout = 35 * time.Second
	}
	if deps.Metrics == nil {
		deps.Metrics = NewMetrics(nil)
	}
	if deps.Analyzer == nil {
		deps.Analyzer = risk.NewAnalyzer(logger)
	}
	return &DecisionEngine{
		deps:   deps,
		cfg:    cfg,
		logger: logger.Named("decision-engine"),
		now:    time.Now,
	}
}

func (e *DecisionEngine) modelName(uc domain.UseCase) string {
	if name, ok := e.cfg.ModelNames[uc]; ok && name != "" {
		return name
	}
	return string(uc)
}

// outcome промежуточный результат шага 3.
type outcome struct {
	recommendation domain.Recommendation
	confidence     domain.Confidence
	explanation    domain.Explanation
	policy         domain.PolicyResult
	fallback       domain.FallbackReason
}

// GetDecision единая точка Decision API. Ошибка возвращается только при
// невалидном запросе или отмене клиентом до завершения решения.
func (e *DecisionEngine) GetDecision(ctx context.Context, req domain.DecisionRequest) (domain.DecisionResponse, error) {
	if err := validateRequest(req); err != nil {
		return domain.DecisionResponse{}, err
	}
	uc := string(req.UseCase)
	e.deps.Metrics.DecisionsTotal.WithLabelValues(uc).Inc()
	start := time.Now()
	log := e.logger.With(zap.String("use_case", uc), zap.String("entity_id", req.EntityID), zap.String("trace_id", TraceID(ctx)))

	// 1. decision_requested: его AuditID и есть идентификатор решения
	requested, err := e.deps.Audit.Append(ctx, domain.AuditRecord{
		Action:     domain.AuditDecisionRequested,
		Actor:      req.RequestedBy,
		EntityType: req.EntityType,
		EntityID:   req.EntityID,
		Details:    map[string]interface{}{"useCase": uc, "traceId": TraceID(ctx)},
	})
	if err != nil {
		e.deps.Metrics.ErrorTotal.WithLabelValues("audit").Inc()
		return domain.DecisionResponse{}, fmt.Errorf("engine: failed to record decision request: %w", err)
	}

	// 2. доступность модели и дрейф
	var out outcome
	model, available := e.available(req.UseCase)
	switch {
	case !available:
		out.fallback = domain.FallbackApprovalRevoked
	case e.drifted(req.UseCase):
		out.fallback = domain.FallbackDriftTooHigh
	default:
		// 3. фичи -> модель -> объяснение -> политики
		out, err = e.run(ctx, req, model)
		if err != nil {
			if ctx.Err() != nil {
				// Клиент ушел: остается след "запрошено, но не выдано"
				log.Warn("decision aborted by caller", zap.String("audit_id", requested.AuditID), zap.Error(ctx.Err()))
				return domain.DecisionResponse{}, ctx.Err()
			}
			log.Warn("decision failed, serving fallback", zap.Error(err))
			out = outcome{fallback: domain.FallbackModelFailed}
		}
	}

	resp := domain.DecisionResponse{
		AuditID:   requested.AuditID,
		Timestamp: e.now().UTC(),
	}
	if out.fallback != "" {
		resp.Recommendation, resp.Confidence, resp.Explanation = FallbackDecision(req, out.fallback)
		resp.PolicyResult = fallbackPolicy(out)
		resp.IsFallback = true
		resp.FallbackReason = out.fallback
		e.deps.Metrics.FallbackTotal.WithLabelValues(uc, string(out.fallback)).Inc()
	} else {
		resp.Recommendation = out.recommendation
		resp.Confidence = out.confidence
		resp.Explanation = out.explanation
		resp.PolicyResult = out.policy
	}

	if err := ctx.Err(); err != nil {
		log.Warn("decision aborted by caller", zap.String("audit_id", requested.AuditID), zap.Error(err))
		return domain.DecisionResponse{}, err
	}

	// 4. decision_returned и журнал решения только после полного ответа
	modelID := ""
	if model != nil && out.fallback == "" {
		modelID = model.ID
	}
	if _, err := e.deps.Audit.Append(ctx, domain.AuditRecord{
		Action:     domain.AuditDecisionReturned,
		Actor:      req.RequestedBy,
		EntityType: req.EntityType,
		EntityID:   req.EntityID,
		Details: map[string]interface{}{
			"requestAuditId": requested.AuditID,
			"useCase":        uc,
			"modelVersionId": modelID,
			"isFallback":     resp.IsFallback,
			"fallbackReason": string(resp.FallbackReason),
			"action":         resp.Recommendation.Action,
			"confidence":     resp.Confidence.Score,
			"allowed":        resp.PolicyResult.Allowed,
		},
	}); err != nil {
		e.deps.Metrics.ErrorTotal.WithLabelValues("audit").Inc()
		log.Error("audit append failed", zap.Error(err))
	}
	if e.deps.Decisions != nil {
		if err := e.deps.Decisions.Save(ctx, domain.DecisionLog{
			AuditID:        requested.AuditID,
			UseCase:        req.UseCase,
			EntityID:       req.EntityID,
			EntityType:     req.EntityType,
			RequestedBy:    req.RequestedBy,
			ModelVersionID: modelID,
			Response:       resp,
			CreatedAt:      resp.Timestamp,
		}); err != nil {
			log.Error("decision log failed", zap.Error(err))
		}
	}

	status := "model"
	if resp.IsFallback {
		status = "fallback"
	}
	e.deps.Metrics.DecisionDuration.WithLabelValues(uc, status).Observe(time.Since(start).Seconds())
	return resp, nil
}

// available use case не отозван и в реестре есть deployed версия.
func (e *DecisionEngine) available(uc domain.UseCase) (*domain.ModelVersion, bool) {
	if e.deps.Revocation != nil && e.deps.Revocation.IsRevoked(uc) {
		return nil, false
	}
	m, ok := e.deps.Models.ActiveVersion(e.modelName(uc))
	return m, ok
}

// drifted дрейф входных фич или выхода модели достиг порога.
func (e *DecisionEngine) drifted(uc domain.UseCase) bool {
	if e.deps.Monitoring == nil {
		return false
	}
	limit := e.cfg.DriftFallbackSeverity.Rank()
	subjects := append(predict.RequiredFeatures(uc), monitoring.PredictionKey(e.modelName(uc)))
	for _, s := range subjects {
		if e.deps.Monitoring.LatestSeverity(s).Rank() >= limit {
			return true
		}
	}
	return false
}

// run шаг 3 под собственным таймаутом. Паника бэкенда тоже становится ошибкой.
func (e *DecisionEngine) run(ctx context.Context, req domain.DecisionRequest, model *domain.ModelVersion) (out outcome, err error) {
	defer func() {
		if r := recover(); r != nil {
			e.deps.Metrics.ErrorTotal.WithLabelValues("panic").Inc()
			err = &domain.ModelExecutionError{Stage: "panic", Err: fmt.Errorf("%v", r)}
		}
	}()
	ctx, cancel := context.WithTimeout(ctx, e.cfg.DecisionTimeout)
	defer cancel()

	names := predict.RequiredFeatures(req.UseCase)
	features := map[string]float64{}
	if len(names) > 0 {
		features, err = e.deps.Features.GetFeatureVector(ctx, names, req.EntityID, req.EntityType, req.Context)
		if err != nil {
			e.deps.Metrics.ErrorTotal.WithLabelValues("features").Inc()
			return out, &domain.ModelExecutionError{Stage: "features", Err: err}
		}
	}

	preq := predict.Request{
		UseCase:    req.UseCase,
		EntityID:   req.EntityID,
		EntityType: req.EntityType,
		Attributes: req.Context,
		Features:   features,
		Now:        e.now().UTC(),
	}
	res, err := e.deps.Backend.Predict(ctx, preq)
	if err != nil {
		e.deps.Metrics.ErrorTotal.WithLabelValues("backend").Inc()
		return out, &domain.ModelExecutionError{Stage: "predict", Err: err}
	}

	expl, err := predict.Explain(preq, res)
	if err != nil {
		e.deps.Metrics.ErrorTotal.WithLabelValues("explain").Inc()
		return out, &domain.ModelExecutionError{Stage: "explain", Err: err}
	}

	out.recommendation = Recommend(res)
	out.confidence = ScoreConfidence(res, features)
	out.explanation = expl

	pctx := e.deps.Analyzer.DecisionContext(res, out.confidence.Score)
	out.policy, err = e.deps.Governance.EvaluateDecision(pctx)
	var violation *domain.PolicyViolationError
	switch {
	case errors.As(err, &violation):
		e.deps.Metrics.PolicyVerdicts.WithLabelValues(string(domain.ActionDeny)).Inc()
		e.logger.Warn("decision blocked by policy", zap.String("policy", violation.Policy), zap.String("condition", violation.Condition))
		out.fallback = domain.FallbackPolicyBlocked
	case err != nil:
		e.deps.Metrics.ErrorTotal.WithLabelValues("policy").Inc()
		return out, &domain.ModelExecutionError{Stage: "policy", Err: err}
	case out.policy.RequiresApproval:
		e.deps.Metrics.PolicyVerdicts.WithLabelValues(string(domain.ActionRequireApproval)).Inc()
	default:
		e.deps.Metrics.PolicyVerdicts.WithLabelValues(string(domain.ActionAllow)).Inc()
	}

	if e.deps.Monitoring != nil && out.fallback == "" {
		e.deps.Monitoring.ObservePrediction(e.modelName(req.UseCase), observedValue(res))
	}
	return out, nil
}

// fallbackPolicy fallback не проходит модельные политики и всегда помечен
// для проверки человеком; политики, заблокировавшие модель, сохраняются.
func fallbackPolicy(out outcome) domain.PolicyResult {
	applied := append(make([]string, 0, len(out.policy.AppliedPolicies)), out.policy.AppliedPolicies...)
	reason := "fallback: " + string(out.fallback)
	if out.policy.Reason != "" {
		reason += ": " + out.policy.Reason
	}
	return domain.PolicyResult{
		Allowed:          true,
		AppliedPolicies:  applied,
		RequiresApproval: true,
		Reason:           reason,
	}
}

// observedValue одно число на прогноз для мониторинга дрейфа выхода.
func observedValue(res *predict.Result) float64 {
	switch {
	case res.Demand != nil:
		return res.Demand.TotalForecast
	case res.Stockout != nil:
		return res.Stockout.OverallScore
	case res.Anomaly != nil:
		return res.Anomaly.AnomalyScore
	}
	return 0
}

// GetDecisionLog запись по AuditID для GET /decisions/{auditId}.
func (e *DecisionEngine) GetDecisionLog(ctx context.Context, auditID string) (domain.DecisionLog, error) {
	if e.deps.Decisions == nil {
		return domain.DecisionLog{}, &domain.NotFoundError{Kind: "decision", ID: auditID}
	}
	return e.deps.Decisions.Get(ctx, auditID)
}

// validateRequest те же теги validate, что и в HTTP слое.
func validateRequest(req domain.DecisionRequest) error {
	return validation.Struct(req)
}
