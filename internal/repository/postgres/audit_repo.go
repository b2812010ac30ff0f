package postgres

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"strings"

	"github.com/xela07ax/decision-gate/internal/domain"
)

// Количество колонок в таблице audit_records
const auditFields = 10

// WriteBatch пакетная вставка записей аудита одним запросом (вызывает AgentFS).
func (r *Repo) WriteBatch(ctx context.Context, records []domain.AuditRecord) error {
	if len(records) == 0 {
		return nil
	}

	var sb strings.Builder
	vals := make([]interface{}, 0, len(records)*auditFields)

	// Динамически строим запрос для пакетной вставки
	for i, rec := range records {
		if i > 0 {
			sb.WriteString(",")
		}
		p := i * auditFields
		fmt.Fprintf(&sb, "($%d, $%d, $%d, $%d, $%d, $%d, $%d, $%d, $%d, $%d)",
			p+1, p+2, p+3, p+4, p+5, p+6, p+7, p+8, p+9, p+10)

		var details []byte
		if rec.Details != nil {
			b, err := json.Marshal(rec.Details)
			if err != nil {
				return fmt.Errorf("postgres: failed to encode details of %s: %w", rec.AuditID, err)
			}
			details = b
		}
		vals = append(vals,
			rec.AuditID, rec.Sequence, rec.Timestamp, string(rec.Action), rec.Actor,
			rec.EntityType, rec.EntityID, details, rec.PrevHash, rec.Hash,
		)
	}

	// повтор пачки после сбоя не должен ронять экспорт
	query := "INSERT INTO audit_records (audit_id, sequence, ts, action, actor, entity_type, entity_id, details, prev_hash, hash) VALUES " +
		sb.String() + " ON CONFLICT (audit_id) DO NOTHING"

	if _, err := r.db.ExecContext(ctx, query, vals...); err != nil {
		return fmt.Errorf("postgres: failed to write audit batch: %w", err)
	}
	return nil
}

const auditColumns = `audit_id, sequence, ts, action, actor, entity_type, entity_id, details, prev_hash, hash`

// ListAuditRecords последние limit записей (0: все) в порядке номеров.
// Хвост журнала поднимает audit.Trail при старте.
func (r *Repo) ListAuditRecords(ctx context.Context, limit int) ([]domain.AuditRecord, error) {
	var (
		rows *sql.Rows
		err  error
	)
	if limit > 0 {
		rows, err = r.db.QueryContext(ctx, `
			SELECT `+auditColumns+` FROM (
				SELECT `+auditColumns+` FROM audit_records ORDER BY sequence DESC LIMIT $1
			) tail ORDER BY sequence`, limit)
	} else {
		rows, err = r.db.QueryContext(ctx, `SELECT `+auditColumns+` FROM audit_records ORDER BY sequence`)
	}
	if err != nil {
		return nil, fmt.Errorf("postgres: failed to query audit records: %w", err)
	}
	defer rows.Close()

	results := make([]domain.AuditRecord, 0)
	for rows.Next() {
		var (
			rec     domain.AuditRecord
			action  string
			details []byte
		)
		if err := rows.Scan(&rec.AuditID, &rec.Sequence, &rec.Timestamp, &action, &rec.Actor,
			&rec.EntityType, &rec.EntityID, &details, &rec.PrevHash, &rec.Hash); err != nil {
			return nil, fmt.Errorf("postgres: failed to scan audit record: %w", err)
		}
		if len(details) > 0 {
			if err := json.Unmarshal(details, &rec.Details); err != nil {
				return nil, fmt.Errorf("postgres: bad details of %s: %w", rec.AuditID, err)
			}
		}
		rec.Action = domain.AuditAction(action)
		rec.Timestamp = rec.Timestamp.UTC()
		results = append(results, rec)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("postgres: rows iteration error: %w", err)
	}
	return results, nil
}
