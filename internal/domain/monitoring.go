package domain

import "time"

// Severity уровень дрейфа / алерта.
type Severity string

const (
	SeverityNone     Severity = "none"
	SeverityLow      Severity = "low"
	SeverityMedium   Severity = "medium"
	SeverityHigh     Severity = "high"
	SeverityCritical Severity = "critical"
)

// Rank порядок для сравнения уровней.
func (s Severity) Rank() int {
	switch s {
	case SeverityLow:
		return 1
	case SeverityMedium:
		return 2
	case SeverityHigh:
		return 3
	case SeverityCritical:
		return 4
	default:
		return 0
	}
}

// DriftType что именно уехало.
type DriftType string

const (
	DriftData       DriftType = "data"
	DriftPrediction DriftType = "prediction"
	DriftConcept    DriftType = "concept"
)

// SummaryStats сводная статистика распределения.
type SummaryStats struct {
	Count  int     `json:"count"`
	Mean   float64 `json:"mean"`
	Std    float64 `json:"std"`
	Min    float64 `json:"min"`
	Max    float64 `json:"max"`
	Q1     float64 `json:"q1"`
	Median float64 `json:"median"`
	Q3     float64 `json:"q3"`
}

// DriftMetric запись истории дрейфа (append-only).
type DriftMetric struct {
	ID          string       `json:"id"`
	FeatureName string       `json:"featureName,omitempty"`
	ModelName   string       `json:"modelName,omitempty"`
	DriftScore  float64      `json:"driftScore"`
	DriftType   DriftType    `json:"driftType"`
	Severity    Severity     `json:"severity"`
	Baseline    SummaryStats `json:"baseline"`
	Current     SummaryStats `json:"current"`
	DetectedAt  time.Time    `json:"detectedAt"`
}

// AlertType тип алерта мониторинга.
type AlertType string

const (
	AlertDataDrift       AlertType = "data_drift"
	AlertPredictionDrift AlertType = "prediction_drift"
	AlertStability       AlertType = "stability"
)

// MonitoringAlert меняется только явным подтверждением человека.
type MonitoringAlert struct {
	ID             string     `json:"id"`
	Type           AlertType  `json:"type"`
	Severity       Severity   `json:"severity"`
	Subject        string     `json:"subject"` // фича или модель
	Message        string     `json:"message"`
	Acknowledged   bool       `json:"acknowledged"`
	AcknowledgedBy *string    `json:"acknowledgedBy,omitempty"`
	AcknowledgedAt *time.Time `json:"acknowledgedAt,omitempty"`
	CreatedAt      time.Time  `json:"createdAt"`
}

// DriftCheckResult ответ POST /drift/check.
type DriftCheckResult struct {
	FeatureName string       `json:"featureName"`
	DriftScore  float64      `json:"driftScore"`
	Severity    Severity     `json:"severity"`
	DriftType   DriftType    `json:"driftType"`
	Baseline    SummaryStats `json:"baseline"`
	Current     SummaryStats `json:"current"`
	AlertID     string       `json:"alertId,omitempty"`
	CheckedAt   time.Time    `json:"checkedAt"`
}

// StabilityTrend ярлык тренда фичи.
type StabilityTrend string

const (
	TrendStable     StabilityTrend = "stable"
	TrendIncreasing StabilityTrend = "increasing"
	TrendDecreasing StabilityTrend = "decreasing"
	TrendVolatile   StabilityTrend = "volatile"
)

// StabilityResult результат CheckFeatureStability.
type StabilityResult struct {
	FeatureName            string         `json:"featureName"`
	StabilityScore         float64        `json:"stabilityScore"` // 0..1
	CoefficientOfVariation float64        `json:"coefficientOfVariation"`
	Trend                  StabilityTrend `json:"trend"`
}

// HealthStatus общий статус мониторинга.
type HealthStatus string

const (
	HealthHealthy  HealthStatus = "healthy"
	HealthWarning  HealthStatus = "warning"
	HealthCritical HealthStatus = "critical"
)

// HealthReport ответ GET /health.
type HealthReport struct {
	Status             HealthStatus        `json:"status"`
	FeatureSeverities  map[string]Severity `json:"featureSeverities"`
	UnacknowledgedByLv map[Severity]int    `json:"unacknowledgedAlerts"`
	CheckedAt          time.Time           `json:"checkedAt"`
}
