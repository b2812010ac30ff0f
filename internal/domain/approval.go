package domain

import (
	"time"
)

// ApprovalStatus статусы заявки на выкатку модели (конечный автомат)
type ApprovalStatus string

const (
	ApprovalPending  ApprovalStatus = "pending"
	ApprovalApproved ApprovalStatus = "approved"
	ApprovalRejected ApprovalStatus = "rejected"
)

// BacktestResult результат офлайн-проверки модели на исторических данных.
// Без Passed == true заявка на апрув не создается.
type BacktestResult struct {
	Passed             bool               `json:"passed"`
	Metrics            map[string]float64 `json:"metrics"`
	BaselineComparison float64            `json:"baselineComparison"` // > 0: модель лучше наивного бейзлайна
	StabilityScore     float64            `json:"stabilityScore"`     // 0..1, из MonitoringService
}

// ApprovalRequest одна попытка вывести ModelVersion в прод через человека (HITL).
type ApprovalRequest struct {
	ID             string         `json:"id"`
	ModelVersionID string         `json:"modelVersionId"`
	RequestedBy    string         `json:"requestedBy"`
	RequestedAt    time.Time      `json:"requestedAt"`
	Status         ApprovalStatus `json:"status"`

	ReviewedBy *string    `json:"reviewedBy,omitempty"`
	ReviewedAt *time.Time `json:"reviewedAt,omitempty"`
	Comments   *string    `json:"comments,omitempty"`

	BacktestResults BacktestResult `json:"backtestResults"`
	PolicyResult    PolicyResult   `json:"policyResult"`
}

// CanTransitionTo проверяет правила конечного автомата
func (a *ApprovalRequest) CanTransitionTo(next ApprovalStatus) error {
	if a.Status != ApprovalPending {
		return &AlreadyResolvedError{ID: a.ID, Status: a.Status}
	}
	if next == ApprovalPending {
		return &IllegalTransitionError{From: string(a.Status), To: string(next), Reason: "approval is already pending"}
	}
	return nil
}

// Resolve фиксирует решение ревьюера. Вызывается только под блокировкой заявки.
func (a *ApprovalRequest) Resolve(next ApprovalStatus, reviewer, comments string, at time.Time) error {
	if err := a.CanTransitionTo(next); err != nil {
		return err
	}
	a.Status = next
	a.ReviewedBy = &reviewer
	a.ReviewedAt = &at
	if comments != "" {
		a.Comments = &comments
	}
	return nil
}
