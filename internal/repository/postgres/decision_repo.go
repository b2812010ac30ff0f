package postgres

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/xela07ax/decision-gate/internal/domain"
)

// SaveDecision одна запись на выданное решение. Повтор AuditID отклоняется базой.
func (r *Repo) SaveDecision(ctx context.Context, log domain.DecisionLog) error {
	resp, err := json.Marshal(log.Response)
	if err != nil {
		return fmt.Errorf("postgres: failed to encode decision response: %w", err)
	}
	var modelVersion sql.NullString
	if log.ModelVersionID != "" {
		modelVersion = sql.NullString{String: log.ModelVersionID, Valid: true}
	}
	query := `
		INSERT INTO decision_logs (audit_id, use_case, entity_id, entity_type, requested_by, model_version_id, response, created_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8)`
	if _, err := r.db.ExecContext(ctx, query,
		log.AuditID, string(log.UseCase), log.EntityID, log.EntityType, log.RequestedBy, modelVersion, resp, log.CreatedAt,
	); err != nil {
		return fmt.Errorf("postgres: failed to save decision %s: %w", log.AuditID, err)
	}
	return nil
}

// GetDecision запись журнала решений по AuditID.
func (r *Repo) GetDecision(ctx context.Context, auditID string) (domain.DecisionLog, error) {
	query := `
		SELECT audit_id, use_case, entity_id, entity_type, requested_by, model_version_id, response, created_at
		FROM decision_logs WHERE audit_id = $1`

	var (
		log          domain.DecisionLog
		useCase      string
		modelVersion sql.NullString
		resp         []byte
	)
	err := r.db.QueryRowContext(ctx, query, auditID).Scan(
		&log.AuditID, &useCase, &log.EntityID, &log.EntityType, &log.RequestedBy, &modelVersion, &resp, &log.CreatedAt,
	)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return domain.DecisionLog{}, &domain.NotFoundError{Kind: "decision", ID: auditID}
		}
		return domain.DecisionLog{}, fmt.Errorf("postgres: failed to get decision: %w", err)
	}
	if err := json.Unmarshal(resp, &log.Response); err != nil {
		return domain.DecisionLog{}, fmt.Errorf("postgres: bad response of decision %s: %w", auditID, err)
	}
	log.UseCase = domain.UseCase(useCase)
	log.ModelVersionID = modelVersion.String
	return log, nil
}
