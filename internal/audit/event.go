package audit

import (
	"context"
	"time"

	"github.com/xela07ax/decision-gate/internal/domain"
)

// Recorder точка записи в журнал для всех компонентов.
type Recorder interface {
	Append(ctx context.Context, rec domain.AuditRecord) (domain.AuditRecord, error)
}

// Filter выборка записей журнала. Пустые поля не ограничивают.
type Filter struct {
	Action     domain.AuditAction
	EntityType string
	EntityID   string
	Actor      string
	Since      time.Time
	// Limit последние N подходящих записей, 0 без ограничения.
	Limit int
}

func (f Filter) match(r domain.AuditRecord) bool {
	switch {
	case f.Action != "" && r.Action != f.Action:
		return false
	case f.EntityType != "" && r.EntityType != f.EntityType:
		return false
	case f.EntityID != "" && r.EntityID != f.EntityID:
		return false
	case f.Actor != "" && r.Actor != f.Actor:
		return false
	case !f.Since.IsZero() && r.Timestamp.Before(f.Since):
		return false
	}
	return true
}
