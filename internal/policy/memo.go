package policy

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/xela07ax/decision-gate/internal/domain"
	"github.com/xela07ax/decision-gate/internal/infra"
	"go.uber.org/zap"
)

// MemoEnforcer in-memory кэш политик. Синхронизируется с БД через Refresh,
// но горячий путь (Check) обращается только к памяти.
type MemoEnforcer struct {
	mu       sync.RWMutex
	policies map[string]domain.Policy
	// порядок вычисления: порядок добавления
	order []string

	repo   PolicyRepository // nil: только память
	rdb    *redis.Client    // nil: без рассылки изменений
	logger *zap.Logger
	now    func() time.Time
}

func NewMemoEnforcer(repo PolicyRepository, rdb *redis.Client, logger *zap.Logger) *MemoEnforcer {
	return &MemoEnforcer{
		policies: make(map[string]domain.Policy),
		repo:     repo,
		rdb:      rdb,
		logger:   logger.Named("enforcer"),
		now:      time.Now,
	}
}

// Check вычисляет все активные политики области.
// Просматриваются все правила всех активных политик scope. Allow ничего не
// решает, deny любого правила окончателен, require_approval перекрывает allow.
// Ошибка вычисления условия трактуется как deny (Zero Trust).
func (e *MemoEnforcer) Check(scope domain.PolicyScope, pctx domain.PolicyContext) (domain.PolicyResult, error) {
	e.mu.RLock()
	defer e.mu.RUnlock()

	res := domain.PolicyResult{Allowed: true, AppliedPolicies: []string{}}
	for _, id := range e.order {
		p := e.policies[id]
		if !p.Active || p.Scope != scope {
			continue
		}
		applied := false
		for _, rule := range p.Rules {
			matched, err := rule.Condition.Eval(pctx)
			if err != nil {
				e.logger.Warn("policy condition failed, denying", zap.String("policy", p.Name), zap.Error(err))
				return deny(res, p.Name, rule.Condition.String(), fmt.Sprintf("policy %s: %v", p.Name, err))
			}
			if !matched {
				continue
			}
			if !applied {
				res.AppliedPolicies = append(res.AppliedPolicies, p.Name)
				applied = true
			}
			switch rule.Action {
			case domain.ActionDeny:
				return deny(res, p.Name, rule.Condition.String(), reasonOf(p, rule))
			case domain.ActionRequireApproval:
				res.RequiresApproval = true
				if res.Reason == "" {
					res.Reason = reasonOf(p, rule)
				}
			case domain.ActionAllow:
			default:
				return deny(res, p.Name, rule.Condition.String(), fmt.Sprintf("policy %s: unknown action %q", p.Name, rule.Action))
			}
		}
	}
	return res, nil
}

func deny(res domain.PolicyResult, policy, cond, reason string) (domain.PolicyResult, error) {
	res.Allowed = false
	res.RequiresApproval = false
	res.Reason = reason
	return res, &domain.PolicyViolationError{Policy: policy, Condition: cond}
}

func reasonOf(p domain.Policy, r domain.PolicyRule) string {
	if r.Reason != "" {
		return r.Reason
	}
	return fmt.Sprintf("%s: %s", p.Name, r.Condition)
}

// AddPolicy добавляет или заменяет политику. Сначала БД, затем кэш.
func (e *MemoEnforcer) AddPolicy(ctx context.Context, p domain.Policy) error {
	if err := Validate(p); err != nil {
		return err
	}
	now := e.now().UTC()
	e.mu.RLock()
	prev, exists := e.policies[p.ID]
	e.mu.RUnlock()
	if exists {
		p.CreatedAt = prev.CreatedAt
	} else if p.CreatedAt.IsZero() {
		p.CreatedAt = now
	}
	p.UpdatedAt = now

	if e.repo != nil {
		if err := e.repo.SavePolicy(ctx, p); err != nil {
			return fmt.Errorf("policy: failed to save %s: %w", p.ID, err)
		}
	}

	e.mu.Lock()
	if _, ok := e.policies[p.ID]; !ok {
		e.order = append(e.order, p.ID)
	}
	e.policies[p.ID] = p
	e.mu.Unlock()

	e.notifyUpdate(ctx, p.ID, p.Active)
	e.logger.Info("policy stored", zap.String("id", p.ID), zap.String("scope", string(p.Scope)), zap.Bool("active", p.Active))
	return nil
}

// SetActive включает или выключает политику и рассылает сигнал остальным инстансам.
func (e *MemoEnforcer) SetActive(ctx context.Context, id string, active bool) error {
	e.mu.RLock()
	p, ok := e.policies[id]
	e.mu.RUnlock()
	if !ok {
		return &domain.NotFoundError{Kind: "policy", ID: id}
	}
	p.Active = active
	p.UpdatedAt = e.now().UTC()
	if e.repo != nil {
		if err := e.repo.SavePolicy(ctx, p); err != nil {
			return fmt.Errorf("policy: failed to save %s: %w", id, err)
		}
	}
	e.ApplySignal(id, active)
	e.notifyUpdate(ctx, id, active)
	return nil
}

// ApplySignal локально меняет активность политики (обработчик Pub/Sub).
func (e *MemoEnforcer) ApplySignal(id string, active bool) {
	e.mu.Lock()
	defer e.mu.Unlock()
	p, ok := e.policies[id]
	if !ok {
		e.logger.Warn("signal for unknown policy", zap.String("id", id))
		return
	}
	p.Active = active
	e.policies[id] = p
}

// Policies копия политик области в порядке вычисления. Пустая область: все.
func (e *MemoEnforcer) Policies(scope domain.PolicyScope) []domain.Policy {
	e.mu.RLock()
	defer e.mu.RUnlock()
	out := make([]domain.Policy, 0, len(e.order))
	for _, id := range e.order {
		p := e.policies[id]
		if scope != "" && p.Scope != scope {
			continue
		}
		p.Rules = append([]domain.PolicyRule(nil), p.Rules...)
		out = append(out, p)
	}
	return out
}

// Refresh холодная загрузка всех политик из PostgreSQL в память (при старте
// и при переподключении к Pub/Sub). Пустая БД кэш не затирает.
func (e *MemoEnforcer) Refresh(ctx context.Context) error {
	if e.repo == nil {
		return nil
	}
	fromDB, err := e.repo.GetAllPolicies(ctx)
	if err != nil {
		return err
	}
	if len(fromDB) == 0 {
		e.logger.Info("policy table is empty, keeping in-memory policies")
		return nil
	}

	policies := make(map[string]domain.Policy, len(fromDB))
	order := make([]string, 0, len(fromDB))
	for _, p := range fromDB {
		if err := Validate(p); err != nil {
			e.logger.Error("skipping invalid policy from db", zap.String("id", p.ID), zap.Error(err))
			continue
		}
		if _, dup := policies[p.ID]; !dup {
			order = append(order, p.ID)
		}
		policies[p.ID] = p
	}

	e.mu.Lock()
	e.policies = policies
	e.order = order
	e.mu.Unlock()

	e.logger.Info("policy cache refreshed", zap.Int("count", len(policies)))
	return nil
}

// StartListener подписка на изменения политик от других инстансов.
func (e *MemoEnforcer) StartListener(ctx context.Context) {
	if e.rdb == nil {
		return
	}
	infra.ListenStateResilient(ctx, e.rdb, e.logger, infra.RedisChanPolicyUpdate,
		func() error { return e.Refresh(ctx) },
		e.ApplySignal,
	)
}

func (e *MemoEnforcer) notifyUpdate(ctx context.Context, id string, active bool) {
	if e.rdb == nil {
		return
	}
	if err := e.rdb.Publish(ctx, infra.RedisChanPolicyUpdate, infra.FormatSignal(id, active)).Err(); err != nil {
		e.logger.Error("failed to publish policy update", zap.String("id", id), zap.Error(err))
	}
}
