package postgres

/*
Файл policy_repo.go хранит политики. Проверка идет в памяти (MemoEnforcer),
здесь только долговременное хранение и холодная загрузка.
*/

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/xela07ax/decision-gate/internal/domain"
)

// GetAllPolicies выполняет "холодную загрузку" всего набора политик при старте.
func (r *Repo) GetAllPolicies(ctx context.Context) ([]domain.Policy, error) {
	rows, err := r.db.QueryContext(ctx,
		`SELECT id, name, scope, active, rules, created_at, updated_at FROM policies ORDER BY created_at, id`)
	if err != nil {
		return nil, fmt.Errorf("postgres: failed to query policies: %w", err)
	}
	defer rows.Close()

	results := make([]domain.Policy, 0)
	for rows.Next() {
		var (
			p     domain.Policy
			scope string
			rules []byte
		)
		if err := rows.Scan(&p.ID, &p.Name, &scope, &p.Active, &rules, &p.CreatedAt, &p.UpdatedAt); err != nil {
			return nil, fmt.Errorf("postgres: failed to scan policy: %w", err)
		}
		if err := json.Unmarshal(rules, &p.Rules); err != nil {
			return nil, fmt.Errorf("postgres: bad rules of policy %s: %w", p.ID, err)
		}
		p.Scope = domain.PolicyScope(scope)
		results = append(results, p)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("postgres: rows iteration error: %w", err)
	}
	return results, nil
}

// SavePolicy создает или заменяет политику по ID.
func (r *Repo) SavePolicy(ctx context.Context, p domain.Policy) error {
	rules, err := json.Marshal(p.Rules)
	if err != nil {
		return fmt.Errorf("postgres: failed to encode rules: %w", err)
	}
	query := `
		INSERT INTO policies (id, name, scope, active, rules, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7)
		ON CONFLICT (id) DO UPDATE SET
			name = EXCLUDED.name,
			scope = EXCLUDED.scope,
			active = EXCLUDED.active,
			rules = EXCLUDED.rules,
			updated_at = EXCLUDED.updated_at`

	if _, err := r.db.ExecContext(ctx, query, p.ID, p.Name, string(p.Scope), p.Active, rules, p.CreatedAt, p.UpdatedAt); err != nil {
		return fmt.Errorf("postgres: failed to save policy: %w", err)
	}
	return nil
}
