package models

import (
	"time"

	"github.com/shopspring/decimal"
)

// Tier names a subscription plan level. TierNone means no active plan.
type Tier string

const (
	TierNone Tier = "none"
	TierFree Tier = "free"
)

// TrialStatus tracks where an account is in the free-trial lifecycle.
type TrialStatus string

const (
	TrialNone      TrialStatus = "none"
	TrialActive    TrialStatus = "active"
	TrialConverted TrialStatus = "converted"
	TrialCancelled TrialStatus = "cancelled"
	TrialExpired   TrialStatus = "expired"
)

// PaymentStatus reflects the last invoice outcome reported by the processor.
type PaymentStatus string

const (
	PaymentOK      PaymentStatus = "ok"
	PaymentPastDue PaymentStatus = "past_due"
)

// CreditAccount is the balance projection for one billing entity.
// Balance always equals ExpiringCredits + NonExpiringCredits.
type CreditAccount struct {
	AccountID              string
	CustomerRef            string
	SubscriptionRef        string
	Balance                decimal.Decimal
	ExpiringCredits        decimal.Decimal
	NonExpiringCredits     decimal.Decimal
	Tier                   Tier
	TrialStatus            TrialStatus
	TrialEndsAt            *time.Time
	BillingCycleAnchor     *time.Time
	NextCreditGrant        *time.Time
	LastGrantDate          *time.Time
	LastProcessedInvoiceID string
	LastRenewalPeriodStart *time.Time
	CommitmentType         string
	CommitmentEndDate      *time.Time
	PaymentStatus          PaymentStatus
	CreatedAt              time.Time
	UpdatedAt              time.Time
}

// NewCreditAccount returns the lazily-created zero state of an account.
func NewCreditAccount(accountID string, now time.Time) *CreditAccount {
	return &CreditAccount{
		AccountID:          accountID,
		Balance:            decimal.Zero,
		ExpiringCredits:    decimal.Zero,
		NonExpiringCredits: decimal.Zero,
		Tier:               TierNone,
		TrialStatus:        TrialNone,
		PaymentStatus:      PaymentOK,
		CreatedAt:          now,
		UpdatedAt:          now,
	}
}

// Clone returns a deep copy so callers can mutate without aliasing stored state.
func (a *CreditAccount) Clone() *CreditAccount {
	if a == nil {
		return nil
	}
	c := *a
	c.TrialEndsAt = cloneTime(a.TrialEndsAt)
	c.BillingCycleAnchor = cloneTime(a.BillingCycleAnchor)
	c.NextCreditGrant = cloneTime(a.NextCreditGrant)
	c.LastGrantDate = cloneTime(a.LastGrantDate)
	c.LastRenewalPeriodStart = cloneTime(a.LastRenewalPeriodStart)
	c.CommitmentEndDate = cloneTime(a.CommitmentEndDate)
	return &c
}

// RecomputeBalance restores the balance invariant after a bucket change.
func (a *CreditAccount) RecomputeBalance() {
	a.Balance = a.ExpiringCredits.Add(a.NonExpiringCredits)
}

func cloneTime(t *time.Time) *time.Time {
	if t == nil {
		return nil
	}
	v := *t
	return &v
}

// EntryType classifies a ledger row.
type EntryType string

const (
	EntryGrant      EntryType = "grant"
	EntryUsage      EntryType = "usage"
	EntryPurchase   EntryType = "purchase"
	EntryAdjustment EntryType = "adjustment"
	EntryRefund     EntryType = "refund"
)

// LedgerEntry is an immutable audit row. Amount is signed.
type LedgerEntry struct {
	ID            string          `json:"id"`
	AccountID     string          `json:"account_id"`
	Amount        decimal.Decimal `json:"amount"`
	BalanceAfter  decimal.Decimal `json:"balance_after"`
	Type          EntryType       `json:"type"`
	Description   string          `json:"description"`
	IsExpiring    bool            `json:"is_expiring"`
	ExpiresAt     *time.Time      `json:"expires_at,omitempty"`
	MessageID     string          `json:"message_id"`
	ThreadID      string          `json:"thread_id"`
	StripeEventID string          `json:"stripe_event_id"`
	CreatedAt     time.Time       `json:"created_at"`
}

// TrialHistory records one trial; EndedAt nil means the trial is still open.
type TrialHistory struct {
	ID              string
	AccountID       string
	StartedAt       time.Time
	EndsAt          *time.Time
	EndedAt         *time.Time
	ConvertedToPaid bool
	StripeCheckout  string
}

// CommitmentHistory is written once per subscription with a commitment price.
type CommitmentHistory struct {
	ID             string
	AccountID      string
	SubscriptionID string
	PriceID        string
	CommitmentType string
	StartDate      time.Time
	EndDate        time.Time
	CreatedAt      time.Time
}

// RenewalGrant is the renewal guard row, unique per (AccountID, PeriodStart).
type RenewalGrant struct {
	AccountID   string
	PeriodStart time.Time
	PeriodEnd   *time.Time
	Tier        Tier
	Amount      decimal.Decimal
	InvoiceID   string
	EventID     string
	CreatedAt   time.Time
}

// PurchaseStatus is the lifecycle of a credit top-up.
type PurchaseStatus string

const (
	PurchaseCompleted PurchaseStatus = "completed"
	PurchaseRefunded  PurchaseStatus = "refunded"
)

// CreditPurchase is a one-off top-up, unique per payment intent.
type CreditPurchase struct {
	ID              string
	AccountID       string
	PaymentIntentID string
	Amount          decimal.Decimal
	// RefundedAmount accumulates partial refunds; the purchase is refunded
	// once it reaches Amount.
	RefundedAmount  decimal.Decimal
	Status          PurchaseStatus
	CreatedAt       time.Time
}

// Refundable is what is left to claw back.
func (p *CreditPurchase) Refundable() decimal.Decimal {
	return decimal.Max(p.Amount.Sub(p.RefundedAmount), decimal.Zero)
}

// RefundStatus is the processing state of a refund record.
type RefundStatus string

const (
	RefundProcessed RefundStatus = "processed"
	RefundFailed    RefundStatus = "failed"
)

// RefundRecord tracks one processor refund, unique per refund id.
type RefundRecord struct {
	RefundID        string
	AccountID       string
	PaymentIntentID string
	RefundAmount    decimal.Decimal
	CreditsDeducted decimal.Decimal
	Status          RefundStatus
	ErrorMessage    string
	ProcessedAt     time.Time
}

// WebhookStatus is the processing state of a webhook event marker.
type WebhookStatus string

const (
	WebhookProcessing WebhookStatus = "processing"
	WebhookCompleted  WebhookStatus = "completed"
	WebhookFailed     WebhookStatus = "failed"
)

// WebhookEvent is the durable idempotency marker for a processor event.
type WebhookEvent struct {
	EventID             string        `json:"event_id"`
	EventType           string        `json:"event_type"`
	Status              WebhookStatus `json:"status"`
	Attempts            int           `json:"attempts"`
	Payload             []byte        `json:"-"`
	ErrorMessage        string        `json:"error_message"`
	ProcessingStartedAt time.Time     `json:"processing_started_at"`
	CompletedAt         *time.Time    `json:"completed_at,omitempty"`
	CreatedAt           time.Time     `json:"created_at"`
}

// EnterprisePool is the single shared organisation balance.
type EnterprisePool struct {
	CreditBalance decimal.Decimal `json:"credit_balance"`
	TotalLoaded   decimal.Decimal `json:"total_loaded"`
	TotalUsed     decimal.Decimal `json:"total_used"`
	UpdatedAt     time.Time       `json:"updated_at"`
}

// EnterpriseUserLimit caps one member's monthly spend from the pool.
type EnterpriseUserLimit struct {
	AccountID         string          `json:"account_id"`
	MonthlyLimit      decimal.Decimal `json:"monthly_limit"`
	CurrentMonthUsage decimal.Decimal `json:"current_month_usage"`
	IsActive          bool            `json:"is_active"`
	UpdatedAt         time.Time       `json:"updated_at"`
}

// Remaining is the unspent part of the monthly limit, never negative.
func (l *EnterpriseUserLimit) Remaining() decimal.Decimal {
	r := l.MonthlyLimit.Sub(l.CurrentMonthUsage)
	if r.IsNegative() {
		return decimal.Zero
	}
	return r
}

// EnterpriseTransactionType classifies pool audit rows.
type EnterpriseTransactionType string

const (
	PoolLoad   EnterpriseTransactionType = "load"
	PoolNegate EnterpriseTransactionType = "negate"
	PoolUsage  EnterpriseTransactionType = "usage"
)

// EnterpriseTransaction is an audit row for every pool movement.
type EnterpriseTransaction struct {
	ID           string                    `json:"id"`
	AccountID    string                    `json:"account_id"`
	Type         EnterpriseTransactionType `json:"type"`
	Amount       decimal.Decimal           `json:"amount"`
	BalanceAfter decimal.Decimal           `json:"balance_after"`
	Model        string                    `json:"model"`
	Description  string                    `json:"description"`
	PerformedBy  string                    `json:"performed_by"`
	CreatedAt    time.Time                 `json:"created_at"`
}
