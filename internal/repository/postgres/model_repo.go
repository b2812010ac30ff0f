package postgres

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"

	"github.com/xela07ax/decision-gate/internal/domain"
)

const modelColumns = `id, model_name, version, training_signature, metrics, approval_status,
	approved_by, approved_at, artifact_path, feature_set, created_at, updated_at`

// SaveModels upsert версий одной транзакцией. Выкатка вместе с депрекацией
// предыдущей версии либо видна целиком, либо не видна вовсе.
func (r *Repo) SaveModels(ctx context.Context, models ...*domain.ModelVersion) error {
	if len(models) == 0 {
		return nil
	}
	tx, err := r.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("postgres: failed to begin tx: %w", err)
	}
	defer tx.Rollback() //nolint:errcheck

	// депрекация раньше выкатки: иначе сработает уникальный индекс на deployed
	ordered := make([]*domain.ModelVersion, 0, len(models))
	for _, m := range models {
		if m.ApprovalStatus != domain.ModelDeployed {
			ordered = append(ordered, m)
		}
	}
	for _, m := range models {
		if m.ApprovalStatus == domain.ModelDeployed {
			ordered = append(ordered, m)
		}
	}

	query := `
		INSERT INTO model_versions (` + modelColumns + `)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12)
		ON CONFLICT (id) DO UPDATE SET
			metrics = EXCLUDED.metrics,
			approval_status = EXCLUDED.approval_status,
			approved_by = EXCLUDED.approved_by,
			approved_at = EXCLUDED.approved_at,
			artifact_path = EXCLUDED.artifact_path,
			feature_set = EXCLUDED.feature_set,
			updated_at = EXCLUDED.updated_at`

	for _, m := range ordered {
		metrics, err := json.Marshal(m.Metrics)
		if err != nil {
			return fmt.Errorf("postgres: failed to encode metrics of %s: %w", m.ID, err)
		}
		features, err := json.Marshal(m.FeatureSet)
		if err != nil {
			return fmt.Errorf("postgres: failed to encode feature set of %s: %w", m.ID, err)
		}
		if _, err := tx.ExecContext(ctx, query,
			m.ID, m.ModelName, m.Version, m.TrainingSignature, metrics, string(m.ApprovalStatus),
			nullString(m.ApprovedBy), nullTime(m.ApprovedAt), m.ArtifactPath, features, m.CreatedAt, m.UpdatedAt,
		); err != nil {
			return fmt.Errorf("postgres: failed to save model %s: %w", m.ID, err)
		}
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("postgres: failed to commit models: %w", err)
	}
	return nil
}

// ListModels "холодная загрузка" реестра при старте.
func (r *Repo) ListModels(ctx context.Context) ([]*domain.ModelVersion, error) {
	rows, err := r.db.QueryContext(ctx, `SELECT `+modelColumns+` FROM model_versions ORDER BY created_at`)
	if err != nil {
		return nil, fmt.Errorf("postgres: failed to query models: %w", err)
	}
	defer rows.Close()

	results := make([]*domain.ModelVersion, 0)
	for rows.Next() {
		var (
			m                 domain.ModelVersion
			status            string
			metrics, features []byte
			approvedBy        sql.NullString
			approvedAt        sql.NullTime
		)
		if err := rows.Scan(
			&m.ID, &m.ModelName, &m.Version, &m.TrainingSignature, &metrics, &status,
			&approvedBy, &approvedAt, &m.ArtifactPath, &features, &m.CreatedAt, &m.UpdatedAt,
		); err != nil {
			return nil, fmt.Errorf("postgres: failed to scan model: %w", err)
		}
		if err := json.Unmarshal(metrics, &m.Metrics); err != nil {
			return nil, fmt.Errorf("postgres: bad metrics of %s: %w", m.ID, err)
		}
		if err := json.Unmarshal(features, &m.FeatureSet); err != nil {
			return nil, fmt.Errorf("postgres: bad feature set of %s: %w", m.ID, err)
		}
		m.ApprovalStatus = domain.ModelStatus(status)
		m.ApprovedBy = strPtr(approvedBy)
		m.ApprovedAt = timePtr(approvedAt)
		results = append(results, &m)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("postgres: rows iteration error: %w", err)
	}
	return results, nil
}
