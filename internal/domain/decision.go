package domain

import "time"

// UseCase тип решения, который запрашивает клиент.
type UseCase string

const (
	UseCaseDemandForecast   UseCase = "demand_forecast"
	UseCaseStockoutRisk     UseCase = "stockout_risk"
	UseCaseAnomalyDetection UseCase = "anomaly_detection"
)

// Valid проверяет, что use case поддерживается.
func (u UseCase) Valid() bool {
	switch u {
	case UseCaseDemandForecast, UseCaseStockoutRisk, UseCaseAnomalyDetection:
		return true
	}
	return false
}

// FallbackReason машиночитаемая причина детерминированного fallback-решения.
type FallbackReason string

const (
	FallbackModelFailed     FallbackReason = "model_failed"
	FallbackDriftTooHigh    FallbackReason = "drift_too_high"
	FallbackApprovalRevoked FallbackReason = "approval_revoked"
	FallbackPolicyBlocked   FallbackReason = "policy_blocked"
)

// DecisionRequest тело POST /decisions.
type DecisionRequest struct {
	UseCase     UseCase    `json:"useCase" validate:"required,oneof=demand_forecast stockout_risk anomaly_detection"`
	EntityID    string     `json:"entityId" validate:"required,max=256"`
	EntityType  string     `json:"entityType" validate:"required,max=64"`
	Context     Attributes `json:"context"`
	RequestedBy string     `json:"requestedBy" validate:"required"`
}

// Recommendation что платформа советует сделать. Сама платформа ничего не исполняет.
type Recommendation struct {
	Action    string   `json:"action"`
	Value     *float64 `json:"value,omitempty"`
	Unit      string   `json:"unit,omitempty"`
	Timeframe string   `json:"timeframe,omitempty"`
	Priority  string   `json:"priority"`
}

// Interval интервал неопределенности.
type Interval struct {
	Lower float64 `json:"lower"`
	Upper float64 `json:"upper"`
}

// ConfidenceLevel уровень уверенности.
type ConfidenceLevel string

const (
	ConfidenceLow    ConfidenceLevel = "low"
	ConfidenceMedium ConfidenceLevel = "medium"
	ConfidenceHigh   ConfidenceLevel = "high"
)

// LevelForScore low(<50) / medium(<75) / high(>=75).
func LevelForScore(score float64) ConfidenceLevel {
	switch {
	case score < 50:
		return ConfidenceLow
	case score < 75:
		return ConfidenceMedium
	default:
		return ConfidenceHigh
	}
}

// Confidence оценка уверенности в рекомендации.
type Confidence struct {
	Score    float64         `json:"score"`
	Level    ConfidenceLevel `json:"level"`
	Interval *Interval       `json:"interval,omitempty"`
}

// Driver фактор, сильнее всего повлиявший на прогноз.
type Driver struct {
	Feature   string  `json:"feature"`
	Impact    float64 `json:"impact"`    // 0..1
	Direction string  `json:"direction"` // up, down, neutral
}

// Explanation человекочитаемое объяснение решения. TopDrivers не более трех.
type Explanation struct {
	Summary    string   `json:"summary"`
	TopDrivers []Driver `json:"topDrivers"`
	Scenario   string   `json:"scenario"`
}

// DecisionResponse единый ответ Decision API. Имя модели и алгоритм сюда
// не попадают ни при каких условиях.
type DecisionResponse struct {
	AuditID        string         `json:"auditId"`
	Recommendation Recommendation `json:"recommendation"`
	Confidence     Confidence     `json:"confidence"`
	Explanation    Explanation    `json:"explanation"`
	PolicyResult   PolicyResult   `json:"policyResult"`
	Timestamp      time.Time      `json:"timestamp"`
	IsFallback     bool           `json:"isFallback"`
	FallbackReason FallbackReason `json:"fallbackReason,omitempty"`
}

// DecisionLog внутренняя запись о выданном решении (одна на вызов).
// В отличие от ответа может хранить ссылку на версию модели.
type DecisionLog struct {
	AuditID        string           `json:"auditId"`
	UseCase        UseCase          `json:"useCase"`
	EntityID       string           `json:"entityId"`
	EntityType     string           `json:"entityType"`
	RequestedBy    string           `json:"requestedBy"`
	ModelVersionID string           `json:"-"`
	Response       DecisionResponse `json:"response"`
	CreatedAt      time.Time        `json:"createdAt"`
}
