package domain

import (
	"github.com/golang-jwt/jwt/v5"
)

// Scopes, которые проверяет сервис.
const (
	ScopeDecisions  = "decisions"
	ScopeModels     = "models.write"
	ScopeGovernance = "governance.review"
	ScopeMonitoring = "monitoring.write"
	ScopeAdmin      = "admin"
)

// CustomClaims полезная нагрузка bearer-токена. UserID становится актором
// в журнале аудита для действий людей (approve, reject, ack).
type CustomClaims struct {
	UserID string          `json:"user_id"`
	Scopes map[string]bool `json:"scopes"` // "admin": true или "governance.review": true
	jwt.RegisteredClaims
}

// Has scope или admin.
func (c *CustomClaims) Has(scope string) bool {
	if c == nil {
		return false
	}
	return c.Scopes[ScopeAdmin] || c.Scopes[scope]
}
