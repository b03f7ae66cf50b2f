package billing

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/crosslogic/billing-core/internal/store"
	"github.com/crosslogic/billing-core/pkg/events"
	"github.com/crosslogic/billing-core/pkg/metrics"
	"github.com/crosslogic/billing-core/pkg/models"
	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"
)

const (
	defaultLedgerLimit = 50
	maxLedgerLimit     = 500
)

// Result is the outcome of a business operation. Expected refusals
// (insufficient balance, denied model, duplicates) are reported here rather
// than as errors.
type Result struct {
	Success   bool      `json:"success"`
	ErrorKind ErrorKind `json:"error_kind,omitempty"`
	Message   string    `json:"message,omitempty"`
}

// Err converts a refused Result into an *Error, or nil on success.
func (r Result) Err() error {
	if r.Success || r.ErrorKind == KindNone {
		return nil
	}
	var cause error
	if r.Message != "" {
		cause = errors.New(r.Message)
	}
	return newError("billing", r.ErrorKind, cause)
}

func success(msg string) Result { return Result{Success: true, Message: msg} }

func refused(kind ErrorKind, msg string) Result {
	return Result{ErrorKind: kind, Message: msg}
}

// AddCreditsParams describes a credit to an account.
type AddCreditsParams struct {
	AccountID   string
	Amount      decimal.Decimal
	Type        models.EntryType
	Description string
	// Expiring credits are replaced at each renewal; the rest persist.
	Expiring      bool
	ExpiresAt     *time.Time
	StripeEventID string
}

// UseCreditsParams describes a debit from an account.
type UseCreditsParams struct {
	AccountID   string
	Amount      decimal.Decimal
	Type        models.EntryType
	Description string
	MessageID   string
	ThreadID    string
	// AllowNegative lets the debit exceed the balance.
	AllowNegative bool
}

// AdjustCreditsParams is a signed admin correction.
type AdjustCreditsParams struct {
	AccountID   string
	Amount      decimal.Decimal
	Reason      string
	PerformedBy string
}

// LedgerResult is the account state after a ledger write.
type LedgerResult struct {
	AccountID          string          `json:"account_id"`
	Amount             decimal.Decimal `json:"amount"`
	Balance            decimal.Decimal `json:"balance"`
	ExpiringCredits    decimal.Decimal `json:"expiring_credits"`
	NonExpiringCredits decimal.Decimal `json:"non_expiring_credits"`
	EntryID            string          `json:"entry_id,omitempty"`
}

func ledgerResult(acct *models.CreditAccount, amount decimal.Decimal, m *store.Mutation) *LedgerResult {
	r := &LedgerResult{
		AccountID:          acct.AccountID,
		Amount:             amount,
		Balance:            acct.Balance,
		ExpiringCredits:    acct.ExpiringCredits,
		NonExpiringCredits: acct.NonExpiringCredits,
	}
	if m != nil && len(m.Entries) > 0 {
		r.EntryID = m.Entries[len(m.Entries)-1].ID
	}
	return r
}

// Ledger is the single write path for account balances.
type Ledger struct {
	deps      *Deps
	summaries *SummaryCache
}

// NewLedger creates a ledger.
func NewLedger(deps *Deps, summaries *SummaryCache) *Ledger {
	return &Ledger{deps: deps, summaries: summaries}
}

// AddCredits credits an account and appends one ledger row.
func (l *Ledger) AddCredits(ctx context.Context, p AddCreditsParams) (*LedgerResult, error) {
	if !p.Amount.IsPositive() {
		return nil, newError("add_credits", KindInvalidRequest, ErrInvalidAmount)
	}
	if p.Type == "" {
		p.Type = models.EntryGrant
	}
	now := l.deps.now()

	acct, m, err := l.deps.mutateAccount(ctx, l.summaries, p.AccountID, func(a *models.CreditAccount) (*store.Mutation, error) {
		creditAccount(a, p.Amount, p.Expiring)
		e := newLedgerEntry(a, p.Amount, p.Type, p.Description, now)
		e.IsExpiring = p.Expiring
		e.ExpiresAt = p.ExpiresAt
		e.StripeEventID = p.StripeEventID
		return &store.Mutation{Account: a, Entries: []models.LedgerEntry{e}}, nil
	})
	if err != nil {
		return nil, fmt.Errorf("failed to add credits: %w", err)
	}

	l.deps.Logger.Info("credits added",
		zap.String("account_id", p.AccountID),
		zap.String("amount", p.Amount.String()),
		zap.String("type", string(p.Type)),
		zap.Bool("expiring", p.Expiring),
		zap.String("balance", acct.Balance.String()),
	)
	return ledgerResult(acct, p.Amount, m), nil
}

// UseCredits debits an account, expiring credits first. Without
// AllowNegative the debit fails with ErrInsufficientBalance when it exceeds
// the balance; the balance may reach exactly zero.
func (l *Ledger) UseCredits(ctx context.Context, p UseCreditsParams) (*LedgerResult, error) {
	if !p.Amount.IsPositive() {
		return nil, newError("use_credits", KindInvalidRequest, ErrInvalidAmount)
	}
	if p.Type == "" {
		p.Type = models.EntryUsage
	}
	now := l.deps.now()

	acct, m, err := l.deps.mutateAccount(ctx, l.summaries, p.AccountID, func(a *models.CreditAccount) (*store.Mutation, error) {
		if !p.AllowNegative && a.Balance.LessThan(p.Amount) {
			return nil, newError("use_credits", KindInsufficientBalance,
				fmt.Errorf("%w: balance %s, requested %s", ErrInsufficientBalance, a.Balance, p.Amount))
		}
		debitExpiringFirst(a, p.Amount)
		e := newLedgerEntry(a, p.Amount.Neg(), p.Type, p.Description, now)
		e.MessageID = p.MessageID
		e.ThreadID = p.ThreadID
		return &store.Mutation{Account: a, Entries: []models.LedgerEntry{e}}, nil
	})
	if err != nil {
		var be *Error
		if errors.As(err, &be) {
			return nil, err
		}
		return nil, fmt.Errorf("failed to use credits: %w", err)
	}
	return ledgerResult(acct, p.Amount, m), nil
}

// AdjustCredits applies a signed admin correction. Positive amounts are
// non-expiring; negative amounts are capped so the balance never drops
// below zero.
func (l *Ledger) AdjustCredits(ctx context.Context, p AdjustCreditsParams) (*LedgerResult, error) {
	if p.Amount.IsZero() {
		return nil, newError("adjust_credits", KindInvalidRequest, ErrInvalidAmount)
	}
	now := l.deps.now()
	desc := fmt.Sprintf("Admin adjustment: %s", p.Reason)
	if p.PerformedBy != "" {
		desc = fmt.Sprintf("%s (by %s)", desc, p.PerformedBy)
	}

	var applied decimal.Decimal
	acct, m, err := l.deps.mutateAccount(ctx, l.summaries, p.AccountID, func(a *models.CreditAccount) (*store.Mutation, error) {
		applied = p.Amount
		if applied.IsPositive() {
			creditAccount(a, applied, false)
		} else {
			take := decimal.Min(applied.Neg(), decimal.Max(a.Balance, decimal.Zero))
			if take.IsZero() {
				return nil, nil
			}
			debitExpiringFirst(a, take)
			applied = take.Neg()
		}
		e := newLedgerEntry(a, applied, models.EntryAdjustment, desc, now)
		return &store.Mutation{Account: a, Entries: []models.LedgerEntry{e}}, nil
	})
	if err != nil {
		return nil, fmt.Errorf("failed to adjust credits: %w", err)
	}
	if m == nil {
		applied = decimal.Zero
	}

	l.deps.Logger.Info("credits adjusted",
		zap.String("account_id", p.AccountID),
		zap.String("requested", p.Amount.String()),
		zap.String("applied", applied.String()),
		zap.String("performed_by", p.PerformedBy),
	)
	l.deps.publish(ctx, events.EventCreditsAdjusted, p.AccountID, map[string]interface{}{
		"amount":       applied.String(),
		"reason":       p.Reason,
		"performed_by": p.PerformedBy,
	})
	return ledgerResult(acct, applied, m), nil
}

// GetCreditSummary returns the read view of an account, from cache when
// possible. Unknown accounts report the zero state.
func (l *Ledger) GetCreditSummary(ctx context.Context, accountID string) (*CreditSummary, error) {
	if sum, hit := l.summaries.Get(ctx, accountID); hit {
		return sum, nil
	}
	acct, err := l.deps.Store.GetAccount(ctx, accountID)
	if errors.Is(err, store.ErrNotFound) {
		acct = models.NewCreditAccount(accountID, l.deps.now())
	} else if err != nil {
		return nil, fmt.Errorf("failed to load account: %w", err)
	}
	sum := summaryFromAccount(acct, l.deps.Tiers)
	l.summaries.Set(ctx, sum)
	return sum, nil
}

// ListLedger returns the newest entries first.
func (l *Ledger) ListLedger(ctx context.Context, accountID string, limit int) ([]models.LedgerEntry, error) {
	if limit <= 0 {
		limit = defaultLedgerLimit
	}
	if limit > maxLedgerLimit {
		limit = maxLedgerLimit
	}
	entries, err := l.deps.Store.ListLedger(ctx, accountID, limit)
	if err != nil {
		return nil, fmt.Errorf("failed to list ledger: %w", err)
	}
	return entries, nil
}

// mutateAccount runs fn through the store and, when something was written,
// records credit metrics and drops the cached summary.
func (d *Deps) mutateAccount(ctx context.Context, summaries *SummaryCache, accountID string, fn store.MutateFunc) (*models.CreditAccount, *store.Mutation, error) {
	var applied *store.Mutation
	acct, err := d.Store.MutateAccount(ctx, accountID, func(a *models.CreditAccount) (*store.Mutation, error) {
		m, err := fn(a)
		applied = m
		return m, err
	})
	if err != nil {
		return nil, nil, err
	}
	if applied == nil || applied.Account == nil {
		return acct, nil, nil
	}
	for _, e := range applied.Entries {
		metrics.RecordCredits(string(e.Type), e.Amount.InexactFloat64())
	}
	summaries.Invalidate(ctx, accountID)
	return acct, applied, nil
}

func newLedgerEntry(acct *models.CreditAccount, amount decimal.Decimal, t models.EntryType, desc string, now time.Time) models.LedgerEntry {
	return models.LedgerEntry{
		ID:           uuid.NewString(),
		AccountID:    acct.AccountID,
		Amount:       amount,
		BalanceAfter: acct.Balance,
		Type:         t,
		Description:  desc,
		CreatedAt:    now,
	}
}

func creditAccount(acct *models.CreditAccount, amount decimal.Decimal, expiring bool) {
	if expiring {
		acct.ExpiringCredits = acct.ExpiringCredits.Add(amount)
	} else {
		acct.NonExpiringCredits = acct.NonExpiringCredits.Add(amount)
	}
	acct.RecomputeBalance()
}

// debitExpiringFirst takes amount from the expiring bucket first. The
// non-expiring bucket absorbs the remainder and goes negative if it must.
func debitExpiringFirst(acct *models.CreditAccount, amount decimal.Decimal) {
	fromExpiring := decimal.Min(amount, decimal.Max(acct.ExpiringCredits, decimal.Zero))
	acct.ExpiringCredits = acct.ExpiringCredits.Sub(fromExpiring)
	acct.NonExpiringCredits = acct.NonExpiringCredits.Sub(amount.Sub(fromExpiring))
	acct.RecomputeBalance()
}

// zeroExpiring removes the expiring bucket and returns how much was removed.
func zeroExpiring(acct *models.CreditAccount) decimal.Decimal {
	removed := acct.ExpiringCredits
	acct.ExpiringCredits = decimal.Zero
	acct.RecomputeBalance()
	return removed
}
