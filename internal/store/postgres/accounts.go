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
	"github.com/shopspring/decimal"
	"go.uber.org/zap"
)

const accountColumns = `
	account_id, COALESCE(customer_ref, ''), COALESCE(subscription_ref, ''),
	balance, expiring_credits, non_expiring_credits, tier, trial_status,
	trial_ends_at, billing_cycle_anchor, next_credit_grant, last_grant_date,
	COALESCE(last_processed_invoice_id, ''), last_renewal_period_start,
	COALESCE(commitment_type, ''), commitment_end_date, payment_status,
	created_at, updated_at`

func scanAccount(row pgx.Row) (*models.CreditAccount, error) {
	var a models.CreditAccount
	var tier, trial, payment string
	err := row.Scan(
		&a.AccountID, &a.CustomerRef, &a.SubscriptionRef,
		&a.Balance, &a.ExpiringCredits, &a.NonExpiringCredits, &tier, &trial,
		&a.TrialEndsAt, &a.BillingCycleAnchor, &a.NextCreditGrant, &a.LastGrantDate,
		&a.LastProcessedInvoiceID, &a.LastRenewalPeriodStart,
		&a.CommitmentType, &a.CommitmentEndDate, &payment,
		&a.CreatedAt, &a.UpdatedAt,
	)
	if err != nil {
		return nil, err
	}
	a.Tier = models.Tier(tier)
	a.TrialStatus = models.TrialStatus(trial)
	a.PaymentStatus = models.PaymentStatus(payment)
	return &a, nil
}

func (s *Store) GetAccount(ctx context.Context, accountID string) (*models.CreditAccount, error) {
	row := s.db.Pool.QueryRow(ctx, `SELECT `+accountColumns+` FROM credit_accounts WHERE account_id = $1`, accountID)
	a, err := scanAccount(row)
	if err != nil {
		return nil, notFound(err)
	}
	return a, nil
}

func (s *Store) FindAccountByCustomer(ctx context.Context, customerRef string) (*models.CreditAccount, error) {
	if customerRef == "" {
		return nil, store.ErrNotFound
	}
	row := s.db.Pool.QueryRow(ctx, `SELECT `+accountColumns+` FROM credit_accounts WHERE customer_ref = $1`, customerRef)
	a, err := scanAccount(row)
	if err != nil {
		return nil, notFound(err)
	}
	return a, nil
}

// MutateAccount locks the account row (creating it when absent), runs fn and
// writes the returned mutation in the same transaction.
func (s *Store) MutateAccount(ctx context.Context, accountID string, fn store.MutateFunc) (*models.CreditAccount, error) {
	var result *models.CreditAccount

	err := s.db.WithTx(ctx, func(tx pgx.Tx) error {
		if _, err := tx.Exec(ctx, `
			INSERT INTO credit_accounts (account_id) VALUES ($1)
			ON CONFLICT (account_id) DO NOTHING
		`, accountID); err != nil {
			return fmt.Errorf("failed to ensure account: %w", err)
		}

		current, err := scanAccount(tx.QueryRow(ctx,
			`SELECT `+accountColumns+` FROM credit_accounts WHERE account_id = $1 FOR UPDATE`, accountID))
		if err != nil {
			return fmt.Errorf("failed to lock account: %w", err)
		}

		m, err := fn(current.Clone())
		if err != nil {
			return err
		}
		if m == nil || m.Account == nil {
			result = current
			return nil
		}

		now := s.now()
		if m.RenewalGrant != nil {
			if err := s.insertRenewalGrant(ctx, tx, accountID, m.RenewalGrant, now); err != nil {
				return err
			}
		}
		if m.Purchase != nil {
			if err := s.insertPurchase(ctx, tx, accountID, m.Purchase, now); err != nil {
				return err
			}
		}
		if m.Commitment != nil {
			if err := s.insertCommitment(ctx, tx, accountID, m.Commitment, now); err != nil {
				return err
			}
		}

		next := m.Account.Clone()
		next.AccountID = accountID
		next.UpdatedAt = now
		if err := updateAccount(ctx, tx, next); err != nil {
			return err
		}

		for _, e := range m.Entries {
			if err := insertLedgerEntry(ctx, tx, accountID, e, now); err != nil {
				return err
			}
		}

		if t := m.CloseTrial; t != nil {
			if _, err := tx.Exec(ctx, `
				UPDATE trial_history SET ended_at = $2, converted_to_paid = $3
				WHERE account_id = $1 AND ended_at IS NULL
			`, accountID, t.EndedAt, t.ConvertedToPaid); err != nil {
				return fmt.Errorf("failed to close trial: %w", err)
			}
		}
		if t := m.OpenTrial; t != nil {
			id := t.ID
			if id == "" {
				id = uuid.NewString()
			}
			if _, err := tx.Exec(ctx, `
				INSERT INTO trial_history (id, account_id, started_at, ends_at, stripe_checkout_id)
				VALUES ($1, $2, $3, $4, $5)
				ON CONFLICT (account_id) WHERE ended_at IS NULL DO NOTHING
			`, id, accountID, t.StartedAt, t.EndsAt, nullable(t.StripeCheckout)); err != nil {
				return fmt.Errorf("failed to open trial: %w", err)
			}
		}

		if pr := m.PurchaseRefund; pr != nil {
			if _, err := tx.Exec(ctx, `
				UPDATE credit_purchases SET
					refunded_amount = LEAST(amount, refunded_amount + $2),
					status = CASE WHEN refunded_amount + $2 >= amount THEN $3 ELSE status END
				WHERE payment_intent_id = $1
			`, pr.PaymentIntentID, pr.Amount, string(models.PurchaseRefunded)); err != nil {
				return fmt.Errorf("failed to record purchase refund: %w", err)
			}
		}
		if r := m.Refund; r != nil {
			rec := *r
			rec.AccountID = accountID
			if err := upsertRefund(ctx, tx, &rec); err != nil {
				return err
			}
		}

		result = next
		return nil
	})
	if err != nil {
		return nil, err
	}
	return result, nil
}

func updateAccount(ctx context.Context, tx pgx.Tx, a *models.CreditAccount) error {
	_, err := tx.Exec(ctx, `
		UPDATE credit_accounts SET
			customer_ref = $2,
			subscription_ref = $3,
			balance = $4,
			expiring_credits = $5,
			non_expiring_credits = $6,
			tier = $7,
			trial_status = $8,
			trial_ends_at = $9,
			billing_cycle_anchor = $10,
			next_credit_grant = $11,
			last_grant_date = $12,
			last_processed_invoice_id = $13,
			last_renewal_period_start = $14,
			commitment_type = $15,
			commitment_end_date = $16,
			payment_status = $17,
			updated_at = $18
		WHERE account_id = $1
	`,
		a.AccountID, nullable(a.CustomerRef), nullable(a.SubscriptionRef),
		a.Balance, a.ExpiringCredits, a.NonExpiringCredits,
		string(a.Tier), string(a.TrialStatus),
		a.TrialEndsAt, a.BillingCycleAnchor, a.NextCreditGrant, a.LastGrantDate,
		nullable(a.LastProcessedInvoiceID), a.LastRenewalPeriodStart,
		nullable(a.CommitmentType), a.CommitmentEndDate, string(a.PaymentStatus),
		a.UpdatedAt,
	)
	if err != nil {
		return fmt.Errorf("failed to update account: %w", err)
	}
	return nil
}

func insertLedgerEntry(ctx context.Context, tx pgx.Tx, accountID string, e models.LedgerEntry, now time.Time) error {
	if e.ID == "" {
		e.ID = uuid.NewString()
	}
	if e.CreatedAt.IsZero() {
		e.CreatedAt = now
	}
	_, err := tx.Exec(ctx, `
		INSERT INTO credit_ledger
			(id, account_id, amount, balance_after, type, description, is_expiring,
			 expires_at, message_id, thread_id, stripe_event_id, created_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12)
	`,
		e.ID, accountID, e.Amount, e.BalanceAfter, string(e.Type), e.Description, e.IsExpiring,
		e.ExpiresAt, nullable(e.MessageID), nullable(e.ThreadID), nullable(e.StripeEventID), e.CreatedAt,
	)
	if err != nil {
		return fmt.Errorf("failed to insert ledger entry: %w", err)
	}
	return nil
}

func (s *Store) insertRenewalGrant(ctx context.Context, tx pgx.Tx, accountID string, g *models.RenewalGrant, now time.Time) error {
	var existing decimal.Decimal
	err := tx.QueryRow(ctx, `
		SELECT amount FROM renewal_grants
		WHERE account_id = $1 AND period_start = $2
		FOR UPDATE
	`, accountID, g.PeriodStart).Scan(&existing)
	switch {
	case err == nil:
		if existing.GreaterThanOrEqual(g.Amount) {
			return store.ErrDuplicatePrevented
		}
		s.logger.Info("superseding renewal guard for same-period upgrade",
			zap.String("account_id", accountID),
			zap.Time("period_start", g.PeriodStart),
			zap.String("previous_amount", existing.String()),
			zap.String("new_amount", g.Amount.String()),
		)
	case errors.Is(err, pgx.ErrNoRows):
	default:
		return fmt.Errorf("failed to read renewal guard: %w", err)
	}

	_, err = tx.Exec(ctx, `
		INSERT INTO renewal_grants
			(account_id, period_start, period_end, tier, amount, invoice_id, event_id, created_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8)
		ON CONFLICT (account_id, period_start) DO UPDATE SET
			period_end = EXCLUDED.period_end,
			tier = EXCLUDED.tier,
			amount = EXCLUDED.amount,
			invoice_id = EXCLUDED.invoice_id,
			event_id = EXCLUDED.event_id,
			created_at = EXCLUDED.created_at
	`, accountID, g.PeriodStart, g.PeriodEnd, string(g.Tier), g.Amount, nullable(g.InvoiceID), nullable(g.EventID), now)
	if err != nil {
		return fmt.Errorf("failed to insert renewal guard: %w", err)
	}
	return nil
}

func (s *Store) insertPurchase(ctx context.Context, tx pgx.Tx, accountID string, p *models.CreditPurchase, now time.Time) error {
	id := p.ID
	if id == "" {
		id = uuid.NewString()
	}
	tag, err := tx.Exec(ctx, `
		INSERT INTO credit_purchases (id, account_id, payment_intent_id, amount, status, created_at)
		VALUES ($1, $2, $3, $4, $5, $6)
		ON CONFLICT (payment_intent_id) DO NOTHING
	`, id, accountID, p.PaymentIntentID, p.Amount, string(p.Status), now)
	if err != nil {
		return fmt.Errorf("failed to insert purchase: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return store.ErrDuplicatePrevented
	}
	return nil
}

func (s *Store) insertCommitment(ctx context.Context, tx pgx.Tx, accountID string, c *models.CommitmentHistory, now time.Time) error {
	id := c.ID
	if id == "" {
		id = uuid.NewString()
	}
	tag, err := tx.Exec(ctx, `
		INSERT INTO commitment_history
			(id, account_id, subscription_id, price_id, commitment_type, start_date, end_date, created_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8)
		ON CONFLICT (subscription_id) DO NOTHING
	`, id, accountID, c.SubscriptionID, c.PriceID, c.CommitmentType, c.StartDate, c.EndDate, now)
	if err != nil {
		return fmt.Errorf("failed to record commitment: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return store.ErrDuplicatePrevented
	}
	return nil
}

func (s *Store) ListLedger(ctx context.Context, accountID string, limit int) ([]models.LedgerEntry, error) {
	if limit <= 0 {
		limit = 100
	}
	rows, err := s.db.Pool.Query(ctx, `
		SELECT id::text, account_id, amount, balance_after, type, description, is_expiring,
			expires_at, COALESCE(message_id, ''), COALESCE(thread_id, ''),
			COALESCE(stripe_event_id, ''), created_at
		FROM credit_ledger
		WHERE account_id = $1
		ORDER BY created_at DESC, seq DESC
		LIMIT $2
	`, accountID, limit)
	if err != nil {
		return nil, fmt.Errorf("failed to list ledger: %w", err)
	}
	defer rows.Close()

	var out []models.LedgerEntry
	for rows.Next() {
		var e models.LedgerEntry
		var typ string
		if err := rows.Scan(&e.ID, &e.AccountID, &e.Amount, &e.BalanceAfter, &typ, &e.Description,
			&e.IsExpiring, &e.ExpiresAt, &e.MessageID, &e.ThreadID, &e.StripeEventID, &e.CreatedAt); err != nil {
			return nil, fmt.Errorf("failed to scan ledger entry: %w", err)
		}
		e.Type = models.EntryType(typ)
		out = append(out, e)
	}
	return out, rows.Err()
}

func (s *Store) HasLedgerEntry(ctx context.Context, accountID, description string) (bool, error) {
	var exists bool
	err := s.db.Pool.QueryRow(ctx, `
		SELECT EXISTS (SELECT 1 FROM credit_ledger WHERE account_id = $1 AND description = $2)
	`, accountID, description).Scan(&exists)
	if err != nil {
		return false, fmt.Errorf("failed to check ledger entry: %w", err)
	}
	return exists, nil
}

func (s *Store) GetRenewalGrant(ctx context.Context, accountID string, periodStart time.Time) (*models.RenewalGrant, error) {
	var g models.RenewalGrant
	var tier string
	err := s.db.Pool.QueryRow(ctx, `
		SELECT account_id, period_start, period_end, tier, amount,
			COALESCE(invoice_id, ''), COALESCE(event_id, ''), created_at
		FROM renewal_grants
		WHERE account_id = $1 AND period_start = $2
	`, accountID, periodStart).Scan(&g.AccountID, &g.PeriodStart, &g.PeriodEnd, &tier, &g.Amount,
		&g.InvoiceID, &g.EventID, &g.CreatedAt)
	if err != nil {
		return nil, notFound(err)
	}
	g.Tier = models.Tier(tier)
	return &g, nil
}

func (s *Store) GetOpenTrial(ctx context.Context, accountID string) (*models.TrialHistory, error) {
	var t models.TrialHistory
	err := s.db.Pool.QueryRow(ctx, `
		SELECT id::text, account_id, started_at, ends_at, ended_at, converted_to_paid,
			COALESCE(stripe_checkout_id, '')
		FROM trial_history
		WHERE account_id = $1 AND ended_at IS NULL
	`, accountID).Scan(&t.ID, &t.AccountID, &t.StartedAt, &t.EndsAt, &t.EndedAt, &t.ConvertedToPaid, &t.StripeCheckout)
	if err != nil {
		return nil, notFound(err)
	}
	return &t, nil
}

func (s *Store) GetCommitment(ctx context.Context, subscriptionID string) (*models.CommitmentHistory, error) {
	var c models.CommitmentHistory
	err := s.db.Pool.QueryRow(ctx, `
		SELECT id::text, account_id, subscription_id, price_id, commitment_type, start_date, end_date, created_at
		FROM commitment_history
		WHERE subscription_id = $1
	`, subscriptionID).Scan(&c.ID, &c.AccountID, &c.SubscriptionID, &c.PriceID, &c.CommitmentType,
		&c.StartDate, &c.EndDate, &c.CreatedAt)
	if err != nil {
		return nil, notFound(err)
	}
	return &c, nil
}

func (s *Store) ListExpiredCommitments(ctx context.Context, now time.Time) ([]string, error) {
	rows, err := s.db.Pool.Query(ctx, `
		SELECT account_id FROM credit_accounts
		WHERE commitment_end_date IS NOT NULL AND commitment_end_date < $1
		ORDER BY account_id
	`, now)
	if err != nil {
		return nil, fmt.Errorf("failed to list expired commitments: %w", err)
	}
	defer rows.Close()

	var ids []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, err
		}
		ids = append(ids, id)
	}
	return ids, rows.Err()
}

func (s *Store) GetPurchase(ctx context.Context, paymentIntentID string) (*models.CreditPurchase, error) {
	var p models.CreditPurchase
	var status string
	err := s.db.Pool.QueryRow(ctx, `
		SELECT id::text, account_id, payment_intent_id, amount, refunded_amount, status, created_at
		FROM credit_purchases
		WHERE payment_intent_id = $1
	`, paymentIntentID).Scan(&p.ID, &p.AccountID, &p.PaymentIntentID, &p.Amount, &p.RefundedAmount, &status, &p.CreatedAt)
	if err != nil {
		return nil, notFound(err)
	}
	p.Status = models.PurchaseStatus(status)
	return &p, nil
}

func (s *Store) GetRefund(ctx context.Context, refundID string) (*models.RefundRecord, error) {
	var r models.RefundRecord
	var status string
	err := s.db.Pool.QueryRow(ctx, `
		SELECT refund_id, account_id, payment_intent_id, refund_amount, credits_deducted,
			status, COALESCE(error_message, ''), processed_at
		FROM refund_records
		WHERE refund_id = $1
	`, refundID).Scan(&r.RefundID, &r.AccountID, &r.PaymentIntentID, &r.RefundAmount, &r.CreditsDeducted,
		&status, &r.ErrorMessage, &r.ProcessedAt)
	if err != nil {
		return nil, notFound(err)
	}
	r.Status = models.RefundStatus(status)
	return &r, nil
}

func (s *Store) SaveRefund(ctx context.Context, rec *models.RefundRecord) error {
	return s.db.WithTx(ctx, func(tx pgx.Tx) error {
		return upsertRefund(ctx, tx, rec)
	})
}

func upsertRefund(ctx context.Context, tx pgx.Tx, r *models.RefundRecord) error {
	_, err := tx.Exec(ctx, `
		INSERT INTO refund_records
			(refund_id, account_id, payment_intent_id, refund_amount, credits_deducted, status, error_message, processed_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8)
		ON CONFLICT (refund_id) DO UPDATE SET
			credits_deducted = EXCLUDED.credits_deducted,
			status = EXCLUDED.status,
			error_message = EXCLUDED.error_message,
			processed_at = EXCLUDED.processed_at
	`, r.RefundID, r.AccountID, r.PaymentIntentID, r.RefundAmount, r.CreditsDeducted,
		string(r.Status), nullable(r.ErrorMessage), r.ProcessedAt)
	if err != nil {
		return fmt.Errorf("failed to save refund record: %w", err)
	}
	return nil
}
