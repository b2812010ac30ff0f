package domain

import (
	"fmt"
	"strings"
	"time"
)

// PolicyAction определяет, что делать, если условие правила истинно
type PolicyAction string

const (
	ActionAllow           PolicyAction = "allow"
	ActionDeny            PolicyAction = "deny"
	ActionRequireApproval PolicyAction = "require_approval"
)

// ContextField поле контекста, против которого проверяются условия.
type ContextField string

const (
	FieldBaselineComparison ContextField = "baseline_comparison"
	FieldStabilityScore     ContextField = "stability_score"
	FieldBacktestingPassed  ContextField = "backtesting_passed"

	// Поля контекста живого решения
	FieldBlastRadius ContextField = "blast_radius" // сколько единиц затрагивает рекомендация
	FieldConfidence  ContextField = "confidence"
	FieldRiskScore   ContextField = "risk_score"
)

// Operator оператор сравнения.
type Operator string

const (
	OpGT  Operator = ">"
	OpGTE Operator = ">="
	OpLT  Operator = "<"
	OpLTE Operator = "<="
	OpEQ  Operator = "=="
	OpNEQ Operator = "!="
)

// PolicyContext типизированный контекст вычисления политик. Булевы значения
// хранятся как 1/0, поэтому "backtesting_passed == 0" читается однозначно.
type PolicyContext map[ContextField]float64

// GovernanceContext собирает фиксированный контекст для апрува модели.
func GovernanceContext(bt BacktestResult) PolicyContext {
	passed := 0.0
	if bt.Passed {
		passed = 1
	}
	return PolicyContext{
		FieldBaselineComparison: bt.BaselineComparison,
		FieldStabilityScore:     bt.StabilityScore,
		FieldBacktestingPassed:  passed,
	}
}

// Comparison атомарное условие {field, operator, threshold}.
type Comparison struct {
	Field     ContextField `json:"field" yaml:"field"`
	Operator  Operator     `json:"operator" yaml:"operator"`
	Threshold float64      `json:"threshold" yaml:"threshold"`
}

// Eval сравнивает значение поля с порогом.
func (c Comparison) Eval(ctx PolicyContext) (bool, error) {
	v, ok := ctx[c.Field]
	if !ok {
		return false, fmt.Errorf("context field %q is not set", c.Field)
	}
	switch c.Operator {
	case OpGT:
		return v > c.Threshold, nil
	case OpGTE:
		return v >= c.Threshold, nil
	case OpLT:
		return v < c.Threshold, nil
	case OpLTE:
		return v <= c.Threshold, nil
	case OpEQ:
		return v == c.Threshold, nil
	case OpNEQ:
		return v != c.Threshold, nil
	default:
		return false, fmt.Errorf("unsupported operator %q", c.Operator)
	}
}

func (c Comparison) String() string {
	return fmt.Sprintf("%s %s %g", c.Field, c.Operator, c.Threshold)
}

// Condition tagged variant: ровно одно из полей Comparison / All / Any.
// Пустое условие истинно всегда (правило "по умолчанию").
type Condition struct {
	Comparison *Comparison `json:"comparison,omitempty" yaml:"comparison,omitempty"`
	All        []Condition `json:"all,omitempty" yaml:"all,omitempty"`
	Any        []Condition `json:"any,omitempty" yaml:"any,omitempty"`
}

// Compare короткий конструктор атомарного условия.
func Compare(field ContextField, op Operator, threshold float64) Condition {
	return Condition{Comparison: &Comparison{Field: field, Operator: op, Threshold: threshold}}
}

// Validate проверяет, что задан ровно один вариант.
func (c Condition) Validate() error {
	set := 0
	if c.Comparison != nil {
		set++
	}
	if len(c.All) > 0 {
		set++
	}
	if len(c.Any) > 0 {
		set++
	}
	if set > 1 {
		return fmt.Errorf("condition must set exactly one of comparison/all/any")
	}
	for _, sub := range append(append([]Condition{}, c.All...), c.Any...) {
		if err := sub.Validate(); err != nil {
			return err
		}
	}
	return nil
}

// Eval вычисляет условие рекурсивно.
func (c Condition) Eval(ctx PolicyContext) (bool, error) {
	switch {
	case c.Comparison != nil:
		return c.Comparison.Eval(ctx)
	case len(c.All) > 0:
		for _, sub := range c.All {
			ok, err := sub.Eval(ctx)
			if err != nil || !ok {
				return false, err
			}
		}
		return true, nil
	case len(c.Any) > 0:
		for _, sub := range c.Any {
			ok, err := sub.Eval(ctx)
			if err != nil {
				return false, err
			}
			if ok {
				return true, nil
			}
		}
		return false, nil
	default:
		return true, nil
	}
}

func (c Condition) String() string {
	join := func(items []Condition, sep string) string {
		parts := make([]string, 0, len(items))
		for _, it := range items {
			parts = append(parts, it.String())
		}
		return "(" + strings.Join(parts, sep) + ")"
	}
	switch {
	case c.Comparison != nil:
		return c.Comparison.String()
	case len(c.All) > 0:
		return join(c.All, " AND ")
	case len(c.Any) > 0:
		return join(c.Any, " OR ")
	default:
		return "always"
	}
}

// PolicyRule одно правило политики.
type PolicyRule struct {
	Condition Condition    `json:"condition" yaml:"condition"`
	Action    PolicyAction `json:"action" yaml:"action"`
	Reason    string       `json:"reason,omitempty" yaml:"reason,omitempty"`
}

// PolicyScope где применяется политика.
type PolicyScope string

const (
	ScopeApproval PolicyScope = "approval" // при подаче модели на апрув
	ScopeDecision PolicyScope = "decision" // при выдаче живого решения
)

// Policy набор упорядоченных правил. Политики независимы друг от друга.
type Policy struct {
	ID        string       `json:"id" yaml:"id"`
	Name      string       `json:"name" yaml:"name"`
	Scope     PolicyScope  `json:"scope" yaml:"scope"`
	Active    bool         `json:"active" yaml:"active"`
	Rules     []PolicyRule `json:"rules" yaml:"rules"`
	CreatedAt time.Time    `json:"createdAt" yaml:"-"`
	UpdatedAt time.Time    `json:"updatedAt" yaml:"-"`
}

// PolicyResult агрегированный вердикт всех активных политик.
type PolicyResult struct {
	Allowed          bool     `json:"allowed"`
	AppliedPolicies  []string `json:"appliedPolicies"`
	RequiresApproval bool     `json:"requiresApproval"`
	Reason           string   `json:"reason,omitempty"`
}
