package policy

import (
	"context"

	"github.com/xela07ax/decision-gate/internal/domain"
)

// Enforcer вердикт активных политик области. При deny вторым значением
// возвращается *domain.PolicyViolationError с именем политики и условием.
type Enforcer interface {
	Check(scope domain.PolicyScope, pctx domain.PolicyContext) (domain.PolicyResult, error)
}

// PolicyRepository долговременное хранилище политик (Postgres).
type PolicyRepository interface {
	GetAllPolicies(ctx context.Context) ([]domain.Policy, error)
	SavePolicy(ctx context.Context, p domain.Policy) error
}

// Validate проверяет политику перед добавлением в кэш.
func Validate(p domain.Policy) error {
	if p.ID == "" {
		return &domain.ValidationError{Field: "id", Reason: "is required"}
	}
	if p.Name == "" {
		return &domain.ValidationError{Field: "name", Reason: "is required"}
	}
	switch p.Scope {
	case domain.ScopeApproval, domain.ScopeDecision:
	default:
		return &domain.ValidationError{Field: "scope", Reason: "must be approval or decision"}
	}
	if len(p.Rules) == 0 {
		return &domain.ValidationError{Field: "rules", Reason: "at least one rule is required"}
	}
	for _, r := range p.Rules {
		switch r.Action {
		case domain.ActionAllow, domain.ActionDeny, domain.ActionRequireApproval:
		default:
			return &domain.ValidationError{Field: "rules.action", Reason: "unknown action " + string(r.Action)}
		}
		if err := r.Condition.Validate(); err != nil {
			return &domain.ValidationError{Field: "rules.condition", Reason: err.Error()}
		}
	}
	return nil
}
