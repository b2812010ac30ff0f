package domain

import "time"

// UnifiedDashboard сводка для операторов: решения, контур апрувов, здоровье.
type UnifiedDashboard struct {
	Decisions  DecisionStats   `json:"decisions"`  // Трафик и fallback
	Governance GovernanceStats `json:"governance"` // HITL и выкатки
	Health     HealthStatus    `json:"health"`
	Alerts     int             `json:"unacknowledgedAlerts"`
	BuiltAt    time.Time       `json:"builtAt"`
}

type DecisionStats struct {
	Total         int64                    `json:"total"`
	Fallbacks     int64                    `json:"fallbacks"`
	FallbackRatio float64                  `json:"fallbackRatio"`
	ByReason      map[FallbackReason]int64 `json:"byReason"`
	ByUseCase     map[UseCase]int64        `json:"byUseCase"`
}

type GovernanceStats struct {
	PendingApprovals int       `json:"pendingApprovals"`
	DeployedModels   int       `json:"deployedModels"`
	RevokedUseCases  []UseCase `json:"revokedUseCases"`
}
