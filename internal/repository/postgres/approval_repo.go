package postgres

/*
Файл approval_repo.go хранит заявки Human-in-the-loop на выкатку моделей.
*/

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/xela07ax/decision-gate/internal/domain"
)

const approvalColumns = `id, model_version_id, requested_by, requested_at, status,
	reviewed_by, reviewed_at, comments, backtest_results, policy_result`

// CreateApproval новая заявка в статусе pending.
func (r *Repo) CreateApproval(ctx context.Context, app *domain.ApprovalRequest) error {
	backtest, err := json.Marshal(app.BacktestResults)
	if err != nil {
		return fmt.Errorf("postgres: failed to encode backtest: %w", err)
	}
	policy, err := json.Marshal(app.PolicyResult)
	if err != nil {
		return fmt.Errorf("postgres: failed to encode policy result: %w", err)
	}
	query := `INSERT INTO approval_requests (` + approvalColumns + `)
	          VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10)`
	_, err = r.db.ExecContext(ctx, query,
		app.ID, app.ModelVersionID, app.RequestedBy, app.RequestedAt, string(app.Status),
		nullString(app.ReviewedBy), nullTime(app.ReviewedAt), nullString(app.Comments), backtest, policy,
	)
	if err != nil {
		return fmt.Errorf("postgres: failed to create approval request: %w", err)
	}
	return nil
}

// ResolveApproval атомарно закрывает заявку. Условие WHERE status = 'pending'
// исключает двойное решение: проигравший получает *domain.AlreadyResolvedError.
func (r *Repo) ResolveApproval(ctx context.Context, app *domain.ApprovalRequest) error {
	query := `
		UPDATE approval_requests
		SET status = $1,
		    reviewed_by = $2,
		    reviewed_at = $3,
		    comments = $4
		WHERE id = $5 AND status = 'pending'
		RETURNING id`

	var id string
	err := r.db.QueryRowContext(ctx, query,
		string(app.Status), nullString(app.ReviewedBy), nullTime(app.ReviewedAt), nullString(app.Comments), app.ID,
	).Scan(&id)
	if err == nil {
		return nil
	}
	if !errors.Is(err, sql.ErrNoRows) {
		return fmt.Errorf("postgres: failed to resolve approval: %w", err)
	}

	// Строк нет: либо неверный ID, либо решение уже принято
	var status string
	err = r.db.QueryRowContext(ctx, `SELECT status FROM approval_requests WHERE id = $1`, app.ID).Scan(&status)
	switch {
	case errors.Is(err, sql.ErrNoRows):
		return &domain.NotFoundError{Kind: "approval request", ID: app.ID}
	case err != nil:
		return fmt.Errorf("postgres: failed to read approval status: %w", err)
	}
	return &domain.AlreadyResolvedError{ID: app.ID, Status: domain.ApprovalStatus(status)}
}

// FindApprovals выборка очереди решений. Пустой статус: все заявки.
func (r *Repo) FindApprovals(ctx context.Context, status domain.ApprovalStatus) ([]*domain.ApprovalRequest, error) {
	query := `SELECT ` + approvalColumns + ` FROM approval_requests`
	var args []interface{}
	if status != "" {
		query += " WHERE status = $1"
		args = append(args, string(status))
	}
	query += " ORDER BY requested_at DESC"

	rows, err := r.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("postgres: failed to query approvals: %w", err)
	}
	defer rows.Close()

	// Инициализируем пустой слайс, чтобы в JSON был [] вместо null
	results := make([]*domain.ApprovalRequest, 0)
	for rows.Next() {
		var (
			app                 domain.ApprovalRequest
			st                  string
			reviewedBy, comment sql.NullString
			reviewedAt          sql.NullTime
			backtest, policy    []byte
		)
		if err := rows.Scan(
			&app.ID, &app.ModelVersionID, &app.RequestedBy, &app.RequestedAt, &st,
			&reviewedBy, &reviewedAt, &comment, &backtest, &policy,
		); err != nil {
			return nil, fmt.Errorf("postgres: failed to scan approval: %w", err)
		}
		if err := json.Unmarshal(backtest, &app.BacktestResults); err != nil {
			return nil, fmt.Errorf("postgres: bad backtest of %s: %w", app.ID, err)
		}
		if err := json.Unmarshal(policy, &app.PolicyResult); err != nil {
			return nil, fmt.Errorf("postgres: bad policy result of %s: %w", app.ID, err)
		}
		app.Status = domain.ApprovalStatus(st)
		app.ReviewedBy = strPtr(reviewedBy)
		app.ReviewedAt = timePtr(reviewedAt)
		app.Comments = strPtr(comment)
		results = append(results, &app)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("postgres: rows iteration error: %w", err)
	}
	return results, nil
}
