package postgres

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/xela07ax/decision-gate/internal/domain"
)

// SaveBaseline upsert эталонного распределения фичи или модели.
func (r *Repo) SaveBaseline(ctx context.Context, subject string, s domain.SummaryStats) error {
	body, err := json.Marshal(s)
	if err != nil {
		return fmt.Errorf("postgres: failed to encode baseline: %w", err)
	}
	query := `
		INSERT INTO drift_baselines (subject, stats, updated_at) VALUES ($1, $2, NOW())
		ON CONFLICT (subject) DO UPDATE SET stats = EXCLUDED.stats, updated_at = NOW()`
	if _, err := r.db.ExecContext(ctx, query, subject, body); err != nil {
		return fmt.Errorf("postgres: failed to save baseline %s: %w", subject, err)
	}
	return nil
}

// ListBaselines все эталоны для прогрева MonitoringService.
func (r *Repo) ListBaselines(ctx context.Context) (map[string]domain.SummaryStats, error) {
	rows, err := r.db.QueryContext(ctx, `SELECT subject, stats FROM drift_baselines`)
	if err != nil {
		return nil, fmt.Errorf("postgres: failed to query baselines: %w", err)
	}
	defer rows.Close()

	out := make(map[string]domain.SummaryStats)
	for rows.Next() {
		var (
			subject string
			body    []byte
			s       domain.SummaryStats
		)
		if err := rows.Scan(&subject, &body); err != nil {
			return nil, fmt.Errorf("postgres: failed to scan baseline: %w", err)
		}
		if err := json.Unmarshal(body, &s); err != nil {
			return nil, fmt.Errorf("postgres: bad baseline %s: %w", subject, err)
		}
		out[subject] = s
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("postgres: rows iteration error: %w", err)
	}
	return out, nil
}

// AppendDriftMetric история дрейфа, только вставка.
func (r *Repo) AppendDriftMetric(ctx context.Context, m domain.DriftMetric) error {
	base, err := json.Marshal(m.Baseline)
	if err != nil {
		return fmt.Errorf("postgres: failed to encode baseline: %w", err)
	}
	cur, err := json.Marshal(m.Current)
	if err != nil {
		return fmt.Errorf("postgres: failed to encode current: %w", err)
	}
	query := `
		INSERT INTO drift_metrics (id, feature_name, model_name, drift_score, drift_type, severity, baseline, current, detected_at)
		VALUES ($1, NULLIF($2, ''), NULLIF($3, ''), $4, $5, $6, $7, $8, $9)`
	if _, err := r.db.ExecContext(ctx, query,
		m.ID, m.FeatureName, m.ModelName, m.DriftScore, string(m.DriftType), string(m.Severity), base, cur, m.DetectedAt,
	); err != nil {
		return fmt.Errorf("postgres: failed to append drift metric: %w", err)
	}
	return nil
}

// SaveAlert upsert алерта: создание и подтверждение.
func (r *Repo) SaveAlert(ctx context.Context, a domain.MonitoringAlert) error {
	query := `
		INSERT INTO monitoring_alerts (id, type, severity, subject, message, acknowledged, acknowledged_by, acknowledged_at, created_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)
		ON CONFLICT (id) DO UPDATE SET
			acknowledged = EXCLUDED.acknowledged,
			acknowledged_by = EXCLUDED.acknowledged_by,
			acknowledged_at = EXCLUDED.acknowledged_at`
	if _, err := r.db.ExecContext(ctx, query,
		a.ID, string(a.Type), string(a.Severity), a.Subject, a.Message,
		a.Acknowledged, nullString(a.AcknowledgedBy), nullTime(a.AcknowledgedAt), a.CreatedAt,
	); err != nil {
		return fmt.Errorf("postgres: failed to save alert %s: %w", a.ID, err)
	}
	return nil
}
