package postgres

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/crosslogic/billing-core/internal/store"
	"github.com/crosslogic/billing-core/pkg/models"
	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
)

func (s *Store) GetPool(ctx context.Context) (*models.EnterprisePool, error) {
	var p models.EnterprisePool
	err := s.db.Pool.QueryRow(ctx, `
		SELECT credit_balance, total_loaded, total_used, updated_at FROM enterprise_pool WHERE id = 1
	`).Scan(&p.CreditBalance, &p.TotalLoaded, &p.TotalUsed, &p.UpdatedAt)
	if err != nil {
		return nil, notFound(err)
	}
	return &p, nil
}

func scanLimit(row pgx.Row) (*models.EnterpriseUserLimit, error) {
	var l models.EnterpriseUserLimit
	if err := row.Scan(&l.AccountID, &l.MonthlyLimit, &l.CurrentMonthUsage, &l.IsActive, &l.UpdatedAt); err != nil {
		return nil, err
	}
	return &l, nil
}

func (s *Store) GetUserLimit(ctx context.Context, accountID string) (*models.EnterpriseUserLimit, error) {
	l, err := scanLimit(s.db.Pool.QueryRow(ctx, `
		SELECT account_id, monthly_limit, current_month_usage, is_active, updated_at
		FROM enterprise_user_limits WHERE account_id = $1
	`, accountID))
	if err != nil {
		return nil, notFound(err)
	}
	return l, nil
}

// MutateEnterprise locks the pool row, then the member row, and applies fn's
// mutation in one transaction. Lock order is fixed to avoid deadlocks.
func (s *Store) MutateEnterprise(ctx context.Context, accountID string, fn store.EnterpriseFunc) error {
	return s.db.WithTx(ctx, func(tx pgx.Tx) error {
		var pool *models.EnterprisePool
		var p models.EnterprisePool
		err := tx.QueryRow(ctx, `
			SELECT credit_balance, total_loaded, total_used, updated_at
			FROM enterprise_pool WHERE id = 1 FOR UPDATE
		`).Scan(&p.CreditBalance, &p.TotalLoaded, &p.TotalUsed, &p.UpdatedAt)
		switch {
		case err == nil:
			pool = &p
		case errors.Is(err, pgx.ErrNoRows):
		default:
			return fmt.Errorf("failed to lock enterprise pool: %w", err)
		}

		var limit *models.EnterpriseUserLimit
		if accountID != "" {
			limit, err = scanLimit(tx.QueryRow(ctx, `
				SELECT account_id, monthly_limit, current_month_usage, is_active, updated_at
				FROM enterprise_user_limits WHERE account_id = $1 FOR UPDATE
			`, accountID))
			if err != nil && !errors.Is(err, pgx.ErrNoRows) {
				return fmt.Errorf("failed to lock user limit: %w", err)
			}
		}

		m, err := fn(pool, limit)
		if err != nil || m == nil {
			return err
		}

		now := s.now()
		if m.Pool != nil {
			if _, err := tx.Exec(ctx, `
				INSERT INTO enterprise_pool (id, credit_balance, total_loaded, total_used, updated_at)
				VALUES (1, $1, $2, $3, $4)
				ON CONFLICT (id) DO UPDATE SET
					credit_balance = EXCLUDED.credit_balance,
					total_loaded = EXCLUDED.total_loaded,
					total_used = EXCLUDED.total_used,
					updated_at = EXCLUDED.updated_at
			`, m.Pool.CreditBalance, m.Pool.TotalLoaded, m.Pool.TotalUsed, now); err != nil {
				return fmt.Errorf("failed to write enterprise pool: %w", err)
			}
		}
		if l := m.Limit; l != nil {
			if _, err := tx.Exec(ctx, `
				INSERT INTO enterprise_user_limits (account_id, monthly_limit, current_month_usage, is_active, updated_at)
				VALUES ($1, $2, $3, $4, $5)
				ON CONFLICT (account_id) DO UPDATE SET
					monthly_limit = EXCLUDED.monthly_limit,
					current_month_usage = EXCLUDED.current_month_usage,
					is_active = EXCLUDED.is_active,
					updated_at = EXCLUDED.updated_at
			`, l.AccountID, l.MonthlyLimit, l.CurrentMonthUsage, l.IsActive, now); err != nil {
				return fmt.Errorf("failed to write user limit: %w", err)
			}
		}
		for _, t := range m.Transactions {
			if t.ID == "" {
				t.ID = uuid.NewString()
			}
			if t.CreatedAt.IsZero() {
				t.CreatedAt = now
			}
			if _, err := tx.Exec(ctx, `
				INSERT INTO enterprise_transactions
					(id, account_id, type, amount, balance_after, model, description, performed_by, created_at)
				VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)
			`, t.ID, nullable(t.AccountID), string(t.Type), t.Amount, t.BalanceAfter,
				nullable(t.Model), nullable(t.Description), nullable(t.PerformedBy), t.CreatedAt); err != nil {
				return fmt.Errorf("failed to write enterprise transaction: %w", err)
			}
		}
		return nil
	})
}

func (s *Store) ResetMonthlyUsage(ctx context.Context, at time.Time) (int64, error) {
	tag, err := s.db.Pool.Exec(ctx, `
		UPDATE enterprise_user_limits SET current_month_usage = 0, updated_at = $1
		WHERE current_month_usage <> 0
	`, at)
	if err != nil {
		return 0, fmt.Errorf("failed to reset monthly usage: %w", err)
	}
	return tag.RowsAffected(), nil
}

func (s *Store) ListPoolTransactions(ctx context.Context, limit int) ([]models.EnterpriseTransaction, error) {
	if limit <= 0 {
		limit = 100
	}
	rows, err := s.db.Pool.Query(ctx, `
		SELECT id::text, COALESCE(account_id, ''), type, amount, balance_after,
			COALESCE(model, ''), COALESCE(description, ''), COALESCE(performed_by, ''), created_at
		FROM enterprise_transactions
		ORDER BY created_at DESC
		LIMIT $1
	`, limit)
	if err != nil {
		return nil, fmt.Errorf("failed to list enterprise transactions: %w", err)
	}
	defer rows.Close()

	var out []models.EnterpriseTransaction
	for rows.Next() {
		var t models.EnterpriseTransaction
		var typ string
		if err := rows.Scan(&t.ID, &t.AccountID, &typ, &t.Amount, &t.BalanceAfter,
			&t.Model, &t.Description, &t.PerformedBy, &t.CreatedAt); err != nil {
			return nil, err
		}
		t.Type = models.EnterpriseTransactionType(typ)
		out = append(out, t)
	}
	return out, rows.Err()
}
