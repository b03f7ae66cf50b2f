package billing

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/crosslogic/billing-core/internal/store"
	"github.com/crosslogic/billing-core/pkg/events"
	"github.com/crosslogic/billing-core/pkg/lock"
	"github.com/crosslogic/billing-core/pkg/metrics"
	"github.com/crosslogic/billing-core/pkg/models"
	"github.com/shopspring/decimal"
	"github.com/stripe/stripe-go/v76"
	"go.uber.org/zap"
)

// Renewal skip reasons.
const (
	SkipCreditTopUp       = "credit_top_up"
	SkipAccountNotFound   = "account_not_found"
	SkipProrationOnly     = "proration_only"
	SkipNotSubscription   = "not_subscription_invoice"
	SkipNoPaidTier        = "no_paid_tier"
	SkipMissingPeriod     = "missing_period"
	SkipUnpaidInvoice     = "unpaid_invoice"
	ReasonGranted         = "granted"
	ReasonAlreadyProvided = "guard_already_processed"
)

const defaultRenewalLockWait = 60 * time.Second

// RenewalResult reports what a paid invoice did to an account.
type RenewalResult struct {
	AccountID          string          `json:"account_id,omitempty"`
	Granted            bool            `json:"granted"`
	DuplicatePrevented bool            `json:"duplicate_prevented"`
	Skipped            bool            `json:"skipped"`
	Reason             string          `json:"reason"`
	Tier               models.Tier     `json:"tier,omitempty"`
	Amount             decimal.Decimal `json:"amount"`
	Balance            decimal.Decimal `json:"balance"`
}

func skipped(accountID, reason string) *RenewalResult {
	return &RenewalResult{AccountID: accountID, Skipped: true, Reason: reason}
}

// periodGrant is one guarded allowance for (AccountID, PeriodStart).
type periodGrant struct {
	AccountID      string
	Tier           models.Tier
	PeriodStart    time.Time
	PeriodEnd      time.Time
	InvoiceID      string
	EventID        string
	CustomerID     string
	SubscriptionID string
	Description    string
}

// RenewalProcessor grants monthly allowances exactly once per billing period.
type RenewalProcessor struct {
	deps      *Deps
	summaries *SummaryCache
}

// NewRenewalProcessor creates the renewal processor.
func NewRenewalProcessor(deps *Deps, summaries *SummaryCache) *RenewalProcessor {
	return &RenewalProcessor{deps: deps, summaries: summaries}
}

// HandleSubscriptionRenewal applies a paid invoice. Cycle invoices renew the
// allowance; create and update invoices with a full-cycle line make the
// initial grant; proration-only, unpaid and top-up invoices are skipped. A grant
// already made for the period is reported as DuplicatePrevented.
func (r *RenewalProcessor) HandleSubscriptionRenewal(ctx context.Context, inv *InvoicePaid) (*RenewalResult, error) {
	res, err := r.handle(ctx, inv)
	outcome := "failed"
	switch {
	case err != nil:
	case res.Granted:
		outcome = "granted"
	case res.DuplicatePrevented:
		outcome = "duplicate_prevented"
	default:
		outcome = "skipped"
	}
	metrics.RenewalOutcomesTotal.WithLabelValues(outcome).Inc()
	return res, err
}

func (r *RenewalProcessor) handle(ctx context.Context, inv *InvoicePaid) (*RenewalResult, error) {
	if inv.IsCreditTopUp() {
		return skipped(inv.AccountID, SkipCreditTopUp), nil
	}

	acct, err := r.resolveAccount(ctx, inv.CustomerID, inv.AccountID)
	if err != nil {
		return nil, err
	}
	if acct == nil && inv.AccountID != "" {
		// Checkout may not have been delivered yet; accounts are created lazily.
		acct = models.NewCreditAccount(inv.AccountID, r.deps.now())
	}
	if acct == nil {
		r.deps.Logger.Warn("paid invoice for unknown account",
			zap.String("invoice_id", inv.InvoiceID),
			zap.String("customer_id", inv.CustomerID),
		)
		return skipped("", SkipAccountNotFound), nil
	}

	line, hasFullCycle := inv.FullCycleLine()
	var description string
	switch stripe.InvoiceBillingReason(inv.BillingReason) {
	case stripe.InvoiceBillingReasonSubscriptionCycle:
		description = "Monthly credit renewal"
	case stripe.InvoiceBillingReasonSubscriptionCreate, stripe.InvoiceBillingReasonSubscriptionUpdate:
		if !hasFullCycle {
			return skipped(acct.AccountID, SkipProrationOnly), nil
		}
		description = "Initial subscription credits"
	default:
		return skipped(acct.AccountID, SkipNotSubscription), nil
	}

	// Trial invoices are $0 and may arrive before the checkout that starts
	// the trial, so nothing about the account can identify them.
	if !inv.AmountPaid.IsPositive() {
		return skipped(acct.AccountID, SkipUnpaidInvoice), nil
	}

	tier := acct.Tier
	if hasFullCycle {
		if b, found := r.deps.Tiers.TierForPrice(line.PriceID); found {
			tier = b.Tier
		}
	}
	if !r.deps.Tiers.GetTier(tier).Paid {
		return skipped(acct.AccountID, SkipNoPaidTier), nil
	}

	start, end := line.PeriodStart, line.PeriodEnd
	if start.IsZero() {
		start, end = inv.PeriodStart, inv.PeriodEnd
	}
	if start.IsZero() {
		return skipped(acct.AccountID, SkipMissingPeriod), nil
	}

	return r.grantForPeriod(ctx, periodGrant{
		AccountID:      acct.AccountID,
		Tier:           tier,
		PeriodStart:    start,
		PeriodEnd:      end,
		InvoiceID:      inv.InvoiceID,
		EventID:        inv.ID,
		CustomerID:     inv.CustomerID,
		SubscriptionID: inv.SubscriptionID,
		Description:    description,
	})
}

// AlreadyProcessed reports whether a grant of at least amount exists for
// the period.
func (r *RenewalProcessor) AlreadyProcessed(ctx context.Context, accountID string, periodStart time.Time, amount decimal.Decimal) (bool, error) {
	g, err := r.deps.Store.GetRenewalGrant(ctx, accountID, periodStart)
	if errors.Is(err, store.ErrNotFound) {
		return false, nil
	}
	if err != nil {
		return false, fmt.Errorf("failed to read renewal guard: %w", err)
	}
	return g.Amount.GreaterThanOrEqual(amount), nil
}

// grantForPeriod resets the expiring allowance to the tier amount under the
// per-period lock and guard row. A trial still active is converted in the
// same write.
func (r *RenewalProcessor) grantForPeriod(ctx context.Context, g periodGrant) (*RenewalResult, error) {
	amount := r.deps.Tiers.MonthlyCredits(g.Tier)
	duplicate := &RenewalResult{
		AccountID:          g.AccountID,
		DuplicatePrevented: true,
		Reason:             ReasonAlreadyProvided,
		Tier:               g.Tier,
	}

	done, err := r.AlreadyProcessed(ctx, g.AccountID, g.PeriodStart, amount)
	if err != nil {
		return nil, err
	}
	if done {
		return duplicate, nil
	}

	release, err := r.acquire(ctx, g)
	if err != nil {
		return nil, err
	}
	defer func() {
		if err := release(context.WithoutCancel(ctx)); err != nil {
			r.deps.Logger.Warn("failed to release renewal lock", zap.String("account_id", g.AccountID), zap.Error(err))
		}
	}()

	// Another worker may have granted while we waited.
	done, err = r.AlreadyProcessed(ctx, g.AccountID, g.PeriodStart, amount)
	if err != nil {
		return nil, err
	}
	if done {
		return duplicate, nil
	}

	now := r.deps.now()
	var converted bool
	var periodEnd *time.Time
	if !g.PeriodEnd.IsZero() {
		end := g.PeriodEnd
		periodEnd = &end
	}
	display := r.deps.Tiers.GetTier(g.Tier).DisplayName

	acct, _, err := r.deps.mutateAccount(ctx, r.summaries, g.AccountID, func(a *models.CreditAccount) (*store.Mutation, error) {
		m := &store.Mutation{Account: a}

		if removed := zeroExpiring(a); !removed.IsZero() {
			m.Entries = append(m.Entries, newLedgerEntry(a, removed.Neg(), models.EntryAdjustment,
				"Unused monthly credits expired", now))
		}
		creditAccount(a, amount, true)
		grant := newLedgerEntry(a, amount, models.EntryGrant, fmt.Sprintf("%s: %s", g.Description, display), now)
		grant.IsExpiring = true
		grant.ExpiresAt = periodEnd
		grant.StripeEventID = g.EventID
		m.Entries = append(m.Entries, grant)

		a.Tier = g.Tier
		start := g.PeriodStart
		a.LastGrantDate = &start
		a.NextCreditGrant = periodEnd
		a.LastRenewalPeriodStart = &start
		if g.InvoiceID != "" {
			a.LastProcessedInvoiceID = g.InvoiceID
		}
		if a.BillingCycleAnchor == nil {
			a.BillingCycleAnchor = &start
		}
		if a.CustomerRef == "" {
			a.CustomerRef = g.CustomerID
		}
		if g.SubscriptionID != "" {
			a.SubscriptionRef = g.SubscriptionID
		}
		a.PaymentStatus = models.PaymentOK

		if a.TrialStatus == models.TrialActive {
			converted = true
			a.TrialStatus = models.TrialConverted
			a.TrialEndsAt = nil
			m.CloseTrial = &store.TrialClose{EndedAt: now, ConvertedToPaid: true}
		}

		m.RenewalGrant = &models.RenewalGrant{
			AccountID:   g.AccountID,
			PeriodStart: g.PeriodStart,
			PeriodEnd:   periodEnd,
			Tier:        g.Tier,
			Amount:      amount,
			InvoiceID:   g.InvoiceID,
			EventID:     g.EventID,
		}
		return m, nil
	})
	if errors.Is(err, store.ErrDuplicatePrevented) {
		return duplicate, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to grant period credits: %w", err)
	}

	r.deps.Logger.Info("period credits granted",
		zap.String("account_id", g.AccountID),
		zap.String("tier", string(g.Tier)),
		zap.String("amount", amount.String()),
		zap.Time("period_start", g.PeriodStart),
		zap.String("invoice_id", g.InvoiceID),
		zap.Bool("trial_converted", converted),
	)
	r.deps.publish(ctx, events.EventCreditsGranted, g.AccountID, map[string]interface{}{
		"tier":         string(g.Tier),
		"amount":       amount.String(),
		"period_start": g.PeriodStart,
		"invoice_id":   g.InvoiceID,
	})
	if converted {
		r.deps.publish(ctx, events.EventTrialConverted, g.AccountID, map[string]interface{}{
			"tier": string(g.Tier),
		})
	}

	return &RenewalResult{
		AccountID: g.AccountID,
		Granted:   true,
		Reason:    ReasonGranted,
		Tier:      g.Tier,
		Amount:    amount,
		Balance:   acct.Balance,
	}, nil
}

func (r *RenewalProcessor) acquire(ctx context.Context, g periodGrant) (lock.Release, error) {
	if r.deps.Locker == nil {
		return func(context.Context) error { return nil }, nil
	}
	wait := r.deps.Config.RenewalLockWait
	if wait <= 0 {
		wait = defaultRenewalLockWait
	}
	key := fmt.Sprintf("renewal:%s:%d", g.AccountID, g.PeriodStart.Unix())
	release, err := r.deps.Locker.Acquire(ctx, key, wait)
	if errors.Is(err, lock.ErrLockTimeout) {
		return nil, newError("renewal", KindLockAcquisitionTimeout, fmt.Errorf("%w: %s", ErrLockTimeout, key))
	}
	if err != nil {
		return nil, fmt.Errorf("failed to acquire renewal lock: %w", err)
	}
	return release, nil
}

// resolveAccount finds the account by processor customer, falling back to
// the account id carried in metadata. It returns nil when neither exists.
func (r *RenewalProcessor) resolveAccount(ctx context.Context, customerID, accountID string) (*models.CreditAccount, error) {
	return resolveAccount(ctx, r.deps.Store, customerID, accountID)
}

func resolveAccount(ctx context.Context, s store.AccountStore, customerID, accountID string) (*models.CreditAccount, error) {
	if customerID != "" {
		acct, err := s.FindAccountByCustomer(ctx, customerID)
		if err == nil {
			return acct, nil
		}
		if !errors.Is(err, store.ErrNotFound) {
			return nil, fmt.Errorf("failed to find account by customer: %w", err)
		}
	}
	if accountID == "" {
		return nil, nil
	}
	acct, err := s.GetAccount(ctx, accountID)
	if errors.Is(err, store.ErrNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to load account: %w", err)
	}
	return acct, nil
}
