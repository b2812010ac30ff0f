package audit

import (
	"context"
	"sync"

	"github.com/xela07ax/decision-gate/internal/domain"
	"go.uber.org/zap"
)

// DecisionStore внешнее хранилище журнала решений (Postgres).
type DecisionStore interface {
	SaveDecision(ctx context.Context, log domain.DecisionLog) error
	GetDecision(ctx context.Context, auditID string) (domain.DecisionLog, error)
}

// DecisionLogs одна запись на каждое выданное решение. Локальная копия
// последних записей отвечает на GET /decisions/{auditId}, более старые и
// записанные до перезапуска читаются из хранилища.
type DecisionLogs struct {
	mu        sync.RWMutex
	logs      map[string]domain.DecisionLog
	order     []string // AuditID в порядке записи, для вытеснения
	retention int
	store     DecisionStore
	logger    *zap.Logger
}

func NewDecisionLogs(store DecisionStore, logger *zap.Logger, opts ...Option) *DecisionLogs {
	o := applyOptions(opts)
	return &DecisionLogs{
		logs:      make(map[string]domain.DecisionLog),
		retention: o.retention,
		store:     store,
		logger:    logger.Named("decision-log"),
	}
}

// Save пишет запись. Повторная запись того же AuditID отклоняется.
func (d *DecisionLogs) Save(ctx context.Context, log domain.DecisionLog) error {
	d.mu.Lock()
	if _, dup := d.logs[log.AuditID]; dup {
		d.mu.Unlock()
		return &domain.ValidationError{Field: "auditId", Reason: "decision already logged"}
	}
	d.logs[log.AuditID] = log
	d.order = append(d.order, log.AuditID)
	if d.retention > 0 && len(d.order) > d.retention {
		drop := len(d.order) - d.retention
		for _, id := range d.order[:drop] {
			delete(d.logs, id)
		}
		d.order = d.order[drop:]
	}
	d.mu.Unlock()

	if d.store != nil {
		if err := d.store.SaveDecision(ctx, log); err != nil {
			// Локальная запись уже есть, ответ клиенту не ломаем
			d.logger.Error("decision log persist failed", zap.String("audit_id", log.AuditID), zap.Error(err))
		}
	}
	return nil
}

// Get запись по AuditID: сначала память, затем хранилище.
func (d *DecisionLogs) Get(ctx context.Context, auditID string) (domain.DecisionLog, error) {
	d.mu.RLock()
	log, ok := d.logs[auditID]
	d.mu.RUnlock()
	if ok {
		return log, nil
	}
	if d.store != nil {
		return d.store.GetDecision(ctx, auditID)
	}
	return domain.DecisionLog{}, &domain.NotFoundError{Kind: "decision", ID: auditID}
}

// Count записей в памяти.
func (d *DecisionLogs) Count() int {
	d.mu.RLock()
	defer d.mu.RUnlock()
	return len(d.logs)
}
