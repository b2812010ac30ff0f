package policy

import (
	"context"
	"fmt"
	"os"

	"github.com/xela07ax/decision-gate/internal/domain"
	"gopkg.in/yaml.v3"
)

type policyFile struct {
	Policies []domain.Policy `yaml:"policies"`
}

// LoadPolicies читает YAML файл вида:
//
//	policies:
//	  - id: baseline-must-beat-naive
//	    name: Baseline must beat naive
//	    scope: approval
//	    active: true
//	    rules:
//	      - condition: {comparison: {field: baseline_comparison, operator: "<", threshold: 0}}
//	        action: deny
func LoadPolicies(path string) ([]domain.Policy, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("policy: failed to read %s: %w", path, err)
	}
	return ParsePolicies(data)
}

// ParsePolicies разбор и валидация YAML.
func ParsePolicies(data []byte) ([]domain.Policy, error) {
	var f policyFile
	if err := yaml.Unmarshal(data, &f); err != nil {
		return nil, fmt.Errorf("policy: failed to parse yaml: %w", err)
	}
	seen := make(map[string]struct{}, len(f.Policies))
	for _, p := range f.Policies {
		if err := Validate(p); err != nil {
			return nil, fmt.Errorf("policy %q: %w", p.ID, err)
		}
		if _, dup := seen[p.ID]; dup {
			return nil, &domain.ValidationError{Field: "id", Reason: fmt.Sprintf("duplicate policy %q", p.ID)}
		}
		seen[p.ID] = struct{}{}
	}
	return f.Policies, nil
}

// Seed добавляет политики в enforcer по порядку.
func Seed(ctx context.Context, e *MemoEnforcer, policies []domain.Policy) error {
	for _, p := range policies {
		if err := e.AddPolicy(ctx, p); err != nil {
			return err
		}
	}
	return nil
}

// Пороги политик по умолчанию
const (
	MinStabilityScore     = 0.5
	BlastRadiusReview     = 1000
	BlastRadiusHardLimit  = 10000
	MinDecisionConfidence = 40
)

// DefaultPolicies набор, с которым сервис стартует без файла политик.
func DefaultPolicies() []domain.Policy {
	return []domain.Policy{
		{
			ID: "backtest-required", Name: "Backtest required", Scope: domain.ScopeApproval, Active: true,
			Rules: []domain.PolicyRule{{
				Condition: domain.Compare(domain.FieldBacktestingPassed, domain.OpEQ, 0),
				Action:    domain.ActionDeny,
				Reason:    "backtest did not pass",
			}},
		},
		{
			ID: "baseline-must-beat-naive", Name: "Baseline must beat naive", Scope: domain.ScopeApproval, Active: true,
			Rules: []domain.PolicyRule{{
				Condition: domain.Compare(domain.FieldBaselineComparison, domain.OpLT, 0),
				Action:    domain.ActionDeny,
				Reason:    "model underperforms the naive baseline",
			}},
		},
		{
			ID: "stability-review", Name: "Stability review", Scope: domain.ScopeApproval, Active: true,
			Rules: []domain.PolicyRule{{
				Condition: domain.Compare(domain.FieldStabilityScore, domain.OpLT, MinStabilityScore),
				Action:    domain.ActionRequireApproval,
				Reason:    "backtest stability is below 0.5",
			}},
		},
		{
			ID: "blast-radius", Name: "Blast radius", Scope: domain.ScopeDecision, Active: true,
			Rules: []domain.PolicyRule{
				{
					Condition: domain.Compare(domain.FieldBlastRadius, domain.OpGT, BlastRadiusHardLimit),
					Action:    domain.ActionDeny,
					Reason:    "recommendation affects too many units",
				},
				{
					Condition: domain.Compare(domain.FieldBlastRadius, domain.OpGT, BlastRadiusReview),
					Action:    domain.ActionRequireApproval,
					Reason:    "large recommendation needs human review",
				},
			},
		},
		{
			ID: "low-confidence-review", Name: "Low confidence review", Scope: domain.ScopeDecision, Active: true,
			Rules: []domain.PolicyRule{{
				Condition: domain.Condition{All: []domain.Condition{
					domain.Compare(domain.FieldConfidence, domain.OpLT, MinDecisionConfidence),
					domain.Compare(domain.FieldRiskScore, domain.OpGTE, 75),
				}},
				Action: domain.ActionRequireApproval,
				Reason: "high risk with low confidence",
			}},
		},
	}
}
