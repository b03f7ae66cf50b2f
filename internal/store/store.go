// Package store defines persistence for credit accounts, webhook markers and
// the enterprise pool. Every balance change goes through MutateAccount or
// MutateEnterprise so the projection and its ledger rows commit together.
package store

import (
	"context"
	"errors"
	"time"

	"github.com/crosslogic/billing-core/pkg/models"
	"github.com/shopspring/decimal"
)

var (
	// ErrNotFound is returned when a requested row does not exist.
	ErrNotFound = errors.New("store: not found")

	// ErrDuplicatePrevented is returned when a uniqueness guard (renewal
	// period, payment intent, commitment subscription) rejects a write.
	// Nothing is committed.
	ErrDuplicatePrevented = errors.New("store: duplicate prevented")
)

// TrialClose ends the open trial_history row of an account.
type TrialClose struct {
	EndedAt         time.Time
	ConvertedToPaid bool
}

// Mutation is everything written atomically with one account projection.
// Fields left nil are not touched.
type Mutation struct {
	Account *models.CreditAccount
	Entries []models.LedgerEntry

	// RenewalGrant is inserted under the (account, period_start) guard. An
	// existing row with a smaller amount is superseded (same-period
	// upgrade); any other existing row fails with ErrDuplicatePrevented.
	RenewalGrant *models.RenewalGrant

	OpenTrial  *models.TrialHistory
	CloseTrial *TrialClose

	// Commitment is inserted under the subscription unique key. A repeat
	// fails with ErrDuplicatePrevented.
	Commitment *models.CommitmentHistory

	// Purchase is inserted under the payment intent unique key.
	Purchase *models.CreditPurchase

	PurchaseRefund *PurchaseRefund
	Refund         *models.RefundRecord
}

// PurchaseRefund adds Amount to a purchase's refunded total, capped at the
// purchase amount. The purchase becomes refunded when fully refunded.
type PurchaseRefund struct {
	PaymentIntentID string
	Amount          decimal.Decimal
}

// MutateFunc receives a private copy of the locked account (created lazily
// when absent) and returns what to write. A nil Mutation writes nothing.
type MutateFunc func(acct *models.CreditAccount) (*Mutation, error)

// AccountStore persists credit accounts and their audit trail.
type AccountStore interface {
	GetAccount(ctx context.Context, accountID string) (*models.CreditAccount, error)
	FindAccountByCustomer(ctx context.Context, customerRef string) (*models.CreditAccount, error)
	MutateAccount(ctx context.Context, accountID string, fn MutateFunc) (*models.CreditAccount, error)

	ListLedger(ctx context.Context, accountID string, limit int) ([]models.LedgerEntry, error)
	HasLedgerEntry(ctx context.Context, accountID, description string) (bool, error)

	GetRenewalGrant(ctx context.Context, accountID string, periodStart time.Time) (*models.RenewalGrant, error)
	GetOpenTrial(ctx context.Context, accountID string) (*models.TrialHistory, error)
	GetCommitment(ctx context.Context, subscriptionID string) (*models.CommitmentHistory, error)
	ListExpiredCommitments(ctx context.Context, now time.Time) ([]string, error)

	GetPurchase(ctx context.Context, paymentIntentID string) (*models.CreditPurchase, error)
	GetRefund(ctx context.Context, refundID string) (*models.RefundRecord, error)
	SaveRefund(ctx context.Context, rec *models.RefundRecord) error
}

// WebhookStore persists durable idempotency markers.
type WebhookStore interface {
	// ClaimWebhookEvent moves an event into processing when it is unseen,
	// failed, or processing for longer than staleAfter. When the claim is
	// refused the current marker is returned.
	ClaimWebhookEvent(ctx context.Context, ev *models.WebhookEvent, staleAfter time.Duration) (bool, *models.WebhookEvent, error)
	CompleteWebhookEvent(ctx context.Context, eventID string, at time.Time) error
	FailWebhookEvent(ctx context.Context, eventID, message string, at time.Time) error
	GetWebhookEvent(ctx context.Context, eventID string) (*models.WebhookEvent, error)
	ListFailedWebhookEvents(ctx context.Context, limit int) ([]models.WebhookEvent, error)
	PurgeWebhookEvents(ctx context.Context, completedBefore time.Time) (int64, error)
	// FailStaleWebhookEvents marks events stuck in processing since before
	// startedBefore as failed and returns their ids.
	FailStaleWebhookEvents(ctx context.Context, startedBefore time.Time, message string) ([]string, error)
}

// EnterpriseMutation is written atomically by MutateEnterprise.
type EnterpriseMutation struct {
	Pool         *models.EnterprisePool
	Limit        *models.EnterpriseUserLimit
	Transactions []models.EnterpriseTransaction
}

// EnterpriseFunc receives copies of the locked pool and user limit; either is
// nil when the row does not exist (or accountID is empty).
type EnterpriseFunc func(pool *models.EnterprisePool, limit *models.EnterpriseUserLimit) (*EnterpriseMutation, error)

// EnterpriseStore persists the shared pool and per-member limits.
type EnterpriseStore interface {
	GetPool(ctx context.Context) (*models.EnterprisePool, error)
	GetUserLimit(ctx context.Context, accountID string) (*models.EnterpriseUserLimit, error)
	MutateEnterprise(ctx context.Context, accountID string, fn EnterpriseFunc) error
	ResetMonthlyUsage(ctx context.Context, at time.Time) (int64, error)
	ListPoolTransactions(ctx context.Context, limit int) ([]models.EnterpriseTransaction, error)
}

// Store is the full persistence surface used by the billing service.
type Store interface {
	AccountStore
	WebhookStore
	EnterpriseStore
}
