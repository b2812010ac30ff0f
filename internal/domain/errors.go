package domain

import (
	"errors"
	"fmt"
	"strings"
)

// Классы ошибок. Конкретные типы ниже отвечают на errors.Is одним из них,
// поэтому транспортный слой маппит ошибки в HTTP-коды без знания деталей.
var (
	ErrValidation        = errors.New("validation failed")
	ErrNotFound          = errors.New("not found")
	ErrIllegalTransition = errors.New("illegal transition")
	ErrAlreadyResolved   = errors.New("already resolved")
	ErrBacktestFailed    = errors.New("backtest failed")
	ErrPolicyViolation   = errors.New("policy violation")
	ErrUnknownFeature    = errors.New("unknown feature")
	ErrModelExecution    = errors.New("model execution failed")
	ErrInsufficientData  = errors.New("insufficient data")
)

// ValidationError некорректный или неполный запрос клиента.
type ValidationError struct {
	Field  string `json:"field"`
	Reason string `json:"reason"`
}

func (e *ValidationError) Error() string {
	if e.Field == "" {
		return "validation: " + e.Reason
	}
	return fmt.Sprintf("validation: field %q %s", e.Field, e.Reason)
}

func (e *ValidationError) Is(target error) bool { return target == ErrValidation }

// NotFoundError неизвестная модель, заявка, решение или алерт.
type NotFoundError struct {
	Kind string
	ID   string
}

func (e *NotFoundError) Error() string {
	return fmt.Sprintf("%s %q not found", e.Kind, e.ID)
}

func (e *NotFoundError) Is(target error) bool { return target == ErrNotFound }

// ModelNotFound конструктор для самого частого случая.
func ModelNotFound(id string) error {
	return &NotFoundError{Kind: "model version", ID: id}
}

// IllegalTransitionError переход запрещен state machine, состояние не менялось.
type IllegalTransitionError struct {
	From   string
	To     string
	Reason string
}

func (e *IllegalTransitionError) Error() string {
	return fmt.Sprintf("illegal transition %s -> %s: %s", e.From, e.To, e.Reason)
}

func (e *IllegalTransitionError) Is(target error) bool { return target == ErrIllegalTransition }

// AlreadyResolvedError повторное решение по закрытой заявке.
type AlreadyResolvedError struct {
	ID     string
	Status ApprovalStatus
}

func (e *AlreadyResolvedError) Error() string {
	return fmt.Sprintf("approval request %s already resolved as %s", e.ID, e.Status)
}

func (e *AlreadyResolvedError) Is(target error) bool {
	return target == ErrAlreadyResolved || target == ErrIllegalTransition
}

// BacktestFailedError модель не прошла бэктест, заявка не создается.
type BacktestFailedError struct {
	ModelVersionID string
	Metrics        map[string]float64
}

func (e *BacktestFailedError) Error() string {
	return fmt.Sprintf("backtest failed for model version %s", e.ModelVersionID)
}

func (e *BacktestFailedError) Is(target error) bool { return target == ErrBacktestFailed }

// PolicyViolationError хотя бы одна активная политика вернула deny.
type PolicyViolationError struct {
	Policy    string
	Condition string
}

func (e *PolicyViolationError) Error() string {
	return fmt.Sprintf("policy %q denied: %s", e.Policy, e.Condition)
}

func (e *PolicyViolationError) Is(target error) bool { return target == ErrPolicyViolation }

// UnknownFeatureError фичи нет в каталоге.
type UnknownFeatureError struct {
	Name string
}

func (e *UnknownFeatureError) Error() string {
	return fmt.Sprintf("unknown feature %q", e.Name)
}

func (e *UnknownFeatureError) Is(target error) bool { return target == ErrUnknownFeature }

// FeatureError ошибка вычисления конкретной фичи внутри вектора.
type FeatureError struct {
	Name string
	Err  error
}

func (e *FeatureError) Error() string {
	return fmt.Sprintf("feature %q: %v", e.Name, e.Err)
}

func (e *FeatureError) Unwrap() error { return e.Err }

// ModelExecutionError любой сбой внутри живого решения. Наружу не уходит,
// оркестратор превращает его в FallbackDecision.
type ModelExecutionError struct {
	Stage string
	Err   error
}

func (e *ModelExecutionError) Error() string {
	return fmt.Sprintf("model execution failed at %s: %v", e.Stage, e.Err)
}

func (e *ModelExecutionError) Unwrap() error { return e.Err }

func (e *ModelExecutionError) Is(target error) bool { return target == ErrModelExecution }

// ValidationErrors набор ошибок валидации одного запроса.
type ValidationErrors []*ValidationError

func (v ValidationErrors) Error() string {
	parts := make([]string, 0, len(v))
	for _, e := range v {
		parts = append(parts, e.Error())
	}
	return strings.Join(parts, "; ")
}

func (v ValidationErrors) Is(target error) bool { return target == ErrValidation }
