package governance

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/xela07ax/decision-gate/internal/audit"
	"github.com/xela07ax/decision-gate/internal/domain"
	"github.com/xela07ax/decision-gate/internal/policy"
	"go.uber.org/zap"
)

// ModelRegistry то, что шлюзу нужно от реестра моделей.
type ModelRegistry interface {
	Get(id string) (*domain.ModelVersion, error)
	UpdateStatus(ctx context.Context, id string, status domain.ModelStatus, actor string) (*domain.ModelVersion, error)
	MarkApproved(ctx context.Context, id, reviewer string) (*domain.ModelVersion, error)
}

// ApprovalStore хранилище заявок (Postgres). ResolveApproval обновляет только
// заявку в статусе pending, иначе возвращает *domain.AlreadyResolvedError.
type ApprovalStore interface {
	CreateApproval(ctx context.Context, req *domain.ApprovalRequest) error
	ResolveApproval(ctx context.Context, req *domain.ApprovalRequest) error
	FindApprovals(ctx context.Context, status domain.ApprovalStatus) ([]*domain.ApprovalRequest, error)
}

// SubmitRequest тело POST /approvals.
type SubmitRequest struct {
	ModelVersionID  string                `json:"modelVersionId" validate:"required"`
	RequestedBy     string                `json:"requestedBy" validate:"required"`
	BacktestResults domain.BacktestResult `json:"backtestResults"`
}

// Gate HITL-контур выкатки моделей: бэктест, политики, решение человека.
type Gate struct {
	mu       sync.RWMutex
	requests map[string]*domain.ApprovalRequest
	// модель -> открытая заявка
	pendingByModel map[string]string

	locksMu sync.Mutex
	locks   map[string]*sync.Mutex

	registry ModelRegistry
	enforcer policy.Enforcer
	store    ApprovalStore
	audit    audit.Recorder
	logger   *zap.Logger
	now      func() time.Time
}

func NewGate(registry ModelRegistry, enforcer policy.Enforcer, store ApprovalStore, recorder audit.Recorder, logger *zap.Logger) *Gate {
	return &Gate{
		requests:       make(map[string]*domain.ApprovalRequest),
		pendingByModel: make(map[string]string),
		locks:          make(map[string]*sync.Mutex),
		registry:       registry,
		enforcer:       enforcer,
		store:          store,
		audit:          recorder,
		logger:         logger.Named("governance"),
		now:            time.Now,
	}
}

// Load поднимает заявки из хранилища при старте.
func (g *Gate) Load(ctx context.Context) error {
	if g.store == nil {
		return nil
	}
	list, err := g.store.FindApprovals(ctx, "")
	if err != nil {
		return fmt.Errorf("governance: failed to load approvals: %w", err)
	}
	g.mu.Lock()
	defer g.mu.Unlock()
	for _, req := range list {
		g.requests[req.ID] = req
		if req.Status == domain.ApprovalPending {
			g.pendingByModel[req.ModelVersionID] = req.ID
		}
	}
	g.logger.Info("approvals loaded", zap.Int("count", len(list)))
	return nil
}

// SubmitForApproval создает заявку, только если бэктест пройден и ни одна
// активная политика не вернула deny. Модель переходит в pending_approval.
func (g *Gate) SubmitForApproval(ctx context.Context, sub SubmitRequest) (*domain.ApprovalRequest, error) {
	model, err := g.registry.Get(sub.ModelVersionID)
	if err != nil {
		return nil, err
	}
	if !sub.BacktestResults.Passed {
		g.logger.Warn("submission rejected: backtest failed", zap.String("model_version", model.ID))
		return nil, &domain.BacktestFailedError{ModelVersionID: model.ID, Metrics: sub.BacktestResults.Metrics}
	}

	result, err := g.enforcer.Check(domain.ScopeApproval, domain.GovernanceContext(sub.BacktestResults))
	if err != nil {
		g.logger.Warn("submission rejected by policy", zap.String("model_version", model.ID), zap.Error(err))
		return nil, err
	}

	l := g.lock("model:" + model.ID)
	l.Lock()
	defer l.Unlock()

	g.mu.RLock()
	openID, open := g.pendingByModel[model.ID]
	g.mu.RUnlock()
	if open {
		return nil, &domain.IllegalTransitionError{
			From: string(model.ApprovalStatus), To: string(domain.ModelPendingApproval),
			Reason: "approval request " + openID + " is already pending",
		}
	}
	// Перечитываем под блокировкой: статус мог смениться
	if model, err = g.registry.Get(model.ID); err != nil {
		return nil, err
	}
	switch model.ApprovalStatus {
	case domain.ModelDraft, domain.ModelRejected:
	default:
		return nil, &domain.IllegalTransitionError{
			From: string(model.ApprovalStatus), To: string(domain.ModelPendingApproval),
			Reason: "only draft or rejected models can be submitted",
		}
	}

	req := &domain.ApprovalRequest{
		ID:              uuid.NewString(),
		ModelVersionID:  model.ID,
		RequestedBy:     sub.RequestedBy,
		RequestedAt:     g.now().UTC(),
		Status:          domain.ApprovalPending,
		BacktestResults: sub.BacktestResults,
		PolicyResult:    result,
	}
	// Сначала статус модели: заявка без pending_approval заблокировала бы
	// повторную подачу после перезапуска.
	prev := model.ApprovalStatus
	if _, err := g.registry.UpdateStatus(ctx, model.ID, domain.ModelPendingApproval, sub.RequestedBy); err != nil {
		return nil, err
	}
	if g.store != nil {
		if err := g.store.CreateApproval(ctx, req); err != nil {
			if _, rbErr := g.registry.UpdateStatus(ctx, model.ID, prev, sub.RequestedBy); rbErr != nil {
				g.logger.Error("model status rollback failed",
					zap.String("model_version", model.ID), zap.String("status", string(prev)), zap.Error(rbErr))
			}
			return nil, fmt.Errorf("governance: failed to create approval: %w", err)
		}
	}

	g.mu.Lock()
	g.requests[req.ID] = req
	g.pendingByModel[model.ID] = req.ID
	g.mu.Unlock()

	g.record(ctx, domain.AuditApprovalSubmitted, sub.RequestedBy, req, map[string]interface{}{
		"modelVersionId":   model.ID,
		"requiresApproval": result.RequiresApproval,
		"appliedPolicies":  result.AppliedPolicies,
		"metrics":          sub.BacktestResults.Metrics,
	})
	g.logger.Info("approval requested",
		zap.String("request_id", req.ID),
		zap.String("model_version", model.ID),
		zap.Bool("requires_approval", result.RequiresApproval),
	)
	return cloneRequest(req), nil
}

// ApproveModel решение человека: заявка approved, модель approved.
func (g *Gate) ApproveModel(ctx context.Context, requestID, reviewer, comments string) (*domain.ApprovalRequest, error) {
	return g.resolve(ctx, requestID, domain.ApprovalApproved, reviewer, comments)
}

// RejectModel решение человека: заявка rejected, модель rejected.
func (g *Gate) RejectModel(ctx context.Context, requestID, reviewer, comments string) (*domain.ApprovalRequest, error) {
	return g.resolve(ctx, requestID, domain.ApprovalRejected, reviewer, comments)
}

// resolve compare-and-set статуса заявки под блокировкой по ID заявки.
func (g *Gate) resolve(ctx context.Context, requestID string, next domain.ApprovalStatus, reviewer, comments string) (*domain.ApprovalRequest, error) {
	l := g.lock("request:" + requestID)
	l.Lock()
	defer l.Unlock()

	// Порядок проверок: нет заявки (404), нет ревьюера (400), уже решена (400)
	g.mu.RLock()
	current, ok := g.requests[requestID]
	g.mu.RUnlock()
	if !ok {
		return nil, &domain.NotFoundError{Kind: "approval request", ID: requestID}
	}
	if reviewer == "" {
		return nil, &domain.ValidationError{Field: "reviewer", Reason: "is required"}
	}
	if err := current.CanTransitionTo(next); err != nil {
		return nil, err
	}

	updated := cloneRequest(current)
	if err := updated.Resolve(next, reviewer, comments, g.now().UTC()); err != nil {
		return nil, err
	}

	// Сначала реестр: если модель перевести нельзя, заявка остается pending
	var syncErr error
	if next == domain.ApprovalApproved {
		_, syncErr = g.registry.MarkApproved(ctx, updated.ModelVersionID, reviewer)
	} else {
		_, syncErr = g.registry.UpdateStatus(ctx, updated.ModelVersionID, domain.ModelRejected, reviewer)
	}
	if syncErr != nil {
		return nil, syncErr
	}

	if g.store != nil {
		if err := g.store.ResolveApproval(ctx, updated); err != nil {
			// Откат статуса модели, заявка в памяти не менялась
			if _, rbErr := g.registry.UpdateStatus(ctx, updated.ModelVersionID, domain.ModelPendingApproval, reviewer); rbErr != nil {
				g.logger.Error("model status rollback failed", zap.String("model_version", updated.ModelVersionID), zap.Error(rbErr))
			}
			return nil, fmt.Errorf("governance: failed to resolve approval %s: %w", requestID, err)
		}
	}

	g.mu.Lock()
	g.requests[requestID] = updated
	delete(g.pendingByModel, updated.ModelVersionID)
	g.mu.Unlock()

	action := domain.AuditApprovalApproved
	if next == domain.ApprovalRejected {
		action = domain.AuditApprovalRejected
	}
	g.record(ctx, action, reviewer, updated, map[string]interface{}{
		"modelVersionId": updated.ModelVersionID,
		"comments":       comments,
	})
	g.logger.Info("approval resolved",
		zap.String("request_id", requestID),
		zap.String("status", string(next)),
		zap.String("reviewer", reviewer),
	)
	return cloneRequest(updated), nil
}

// EvaluateDecision политики живого решения (blast radius, уверенность).
func (g *Gate) EvaluateDecision(pctx domain.PolicyContext) (domain.PolicyResult, error) {
	return g.enforcer.Check(domain.ScopeDecision, pctx)
}

// GetApproval копия заявки.
func (g *Gate) GetApproval(id string) (*domain.ApprovalRequest, error) {
	g.mu.RLock()
	defer g.mu.RUnlock()
	req, ok := g.requests[id]
	if !ok {
		return nil, &domain.NotFoundError{Kind: "approval request", ID: id}
	}
	return cloneRequest(req), nil
}

// ListApprovals заявки по статусу (пустой: все), новые первыми.
func (g *Gate) ListApprovals(status domain.ApprovalStatus) []*domain.ApprovalRequest {
	g.mu.RLock()
	out := make([]*domain.ApprovalRequest, 0, len(g.requests))
	for _, req := range g.requests {
		if status == "" || req.Status == status {
			out = append(out, cloneRequest(req))
		}
	}
	g.mu.RUnlock()
	sort.Slice(out, func(i, j int) bool {
		if out[i].RequestedAt.Equal(out[j].RequestedAt) {
			return out[i].ID < out[j].ID
		}
		return out[i].RequestedAt.After(out[j].RequestedAt)
	})
	return out
}

func (g *Gate) lock(key string) *sync.Mutex {
	g.locksMu.Lock()
	defer g.locksMu.Unlock()
	l, ok := g.locks[key]
	if !ok {
		l = &sync.Mutex{}
		g.locks[key] = l
	}
	return l
}

func (g *Gate) record(ctx context.Context, action domain.AuditAction, actor string, req *domain.ApprovalRequest, details map[string]interface{}) {
	if g.audit == nil {
		return
	}
	if _, err := g.audit.Append(ctx, domain.AuditRecord{
		Action:     action,
		Actor:      actor,
		EntityType: "approval_request",
		EntityID:   req.ID,
		Details:    details,
	}); err != nil {
		g.logger.Error("audit append failed", zap.String("action", string(action)), zap.Error(err))
	}
}

func cloneRequest(r *domain.ApprovalRequest) *domain.ApprovalRequest {
	c := *r
	if r.ReviewedBy != nil {
		v := *r.ReviewedBy
		c.ReviewedBy = &v
	}
	if r.ReviewedAt != nil {
		v := *r.ReviewedAt
		c.ReviewedAt = &v
	}
	if r.Comments != nil {
		v := *r.Comments
		c.Comments = &v
	}
	if r.BacktestResults.Metrics != nil {
		m := make(map[string]float64, len(r.BacktestResults.Metrics))
		for k, v := range r.BacktestResults.Metrics {
			m[k] = v
		}
		c.BacktestResults.Metrics = m
	}
	c.PolicyResult.AppliedPolicies = append(make([]string, 0, len(r.PolicyResult.AppliedPolicies)), r.PolicyResult.AppliedPolicies...)
	return &c
}
