package billing

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/crosslogic/billing-core/internal/store"
	"github.com/crosslogic/billing-core/pkg/events"
	"github.com/crosslogic/billing-core/pkg/models"
	"github.com/shopspring/decimal"
	"github.com/stripe/stripe-go/v76"
	"go.uber.org/zap"
)

const (
	commitmentYearly   = "yearly"
	commitmentDuration = 365 * 24 * time.Hour
)

// TrialStart opens a free trial for an account.
type TrialStart struct {
	AccountID      string
	CustomerID     string
	SubscriptionID string
	CheckoutID     string
	EventID        string
	Tier           models.Tier
	EndsAt         time.Time
}

// Lifecycle is the subscription state machine. Every trial and tier
// transition goes through here; invoice renewals reuse the same conversion
// through RenewalProcessor.grantForPeriod.
type Lifecycle struct {
	deps      *Deps
	renewals  *RenewalProcessor
	summaries *SummaryCache
}

// NewLifecycle creates the lifecycle state machine.
func NewLifecycle(deps *Deps, renewals *RenewalProcessor, summaries *SummaryCache) *Lifecycle {
	return &Lifecycle{deps: deps, renewals: renewals, summaries: summaries}
}

func (l *Lifecycle) trialDescription() string {
	days := l.deps.Config.TrialDays
	if days <= 0 {
		days = 7
	}
	return fmt.Sprintf("%d-day free trial credits", days)
}

// HandleCheckoutCompleted starts trials and links subscription checkouts to
// their account. Top-up checkouts are routed to the refund processor by the
// service dispatcher.
func (l *Lifecycle) HandleCheckoutCompleted(ctx context.Context, c CheckoutCompleted) error {
	if c.SubscriptionID == "" {
		l.deps.Logger.Debug("checkout without subscription ignored", zap.String("session_id", c.SessionID))
		return nil
	}
	sub, err := l.deps.Subscriptions.GetSubscription(ctx, c.SubscriptionID)
	if err != nil {
		return fmt.Errorf("failed to fetch subscription %s: %w", c.SubscriptionID, err)
	}
	changed := subscriptionChanged(c.Envelope, SubscriptionCreated, sub)
	if changed.CustomerID == "" {
		changed.CustomerID = c.CustomerID
	}

	accountID := c.AccountID
	if accountID == "" {
		accountID = changed.AccountID
	}
	if accountID == "" {
		acct, err := resolveAccount(ctx, l.deps.Store, c.CustomerID, "")
		if err != nil {
			return err
		}
		if acct == nil {
			l.deps.Logger.Warn("checkout for unknown account", zap.String("session_id", c.SessionID))
			return nil
		}
		accountID = acct.AccountID
	}

	if c.Kind == CheckoutTrialStart {
		if sub.Status != stripe.SubscriptionStatusTrialing {
			l.deps.Logger.Warn("trial checkout without trialing subscription",
				zap.String("account_id", accountID),
				zap.String("subscription_id", sub.ID),
				zap.String("status", string(sub.Status)),
			)
			return nil
		}
		endsAt := l.deps.now().AddDate(0, 0, l.deps.Config.TrialDays)
		if changed.TrialEnd != nil {
			endsAt = *changed.TrialEnd
		}
		if err := l.StartTrial(ctx, TrialStart{
			AccountID:      accountID,
			CustomerID:     changed.CustomerID,
			SubscriptionID: sub.ID,
			CheckoutID:     c.SessionID,
			EventID:        c.ID,
			Tier:           l.tierForPrice(changed.PriceID, models.TierNone),
			EndsAt:         endsAt,
		}); err != nil {
			return err
		}
	} else if err := l.linkSubscription(ctx, accountID, changed.CustomerID, sub.ID); err != nil {
		return err
	}

	l.trackCommitment(ctx, accountID, changed)
	return nil
}

// StartTrial moves an account into an active trial with expiring trial
// credits. An account gets one trial; repeats are ignored.
func (l *Lifecycle) StartTrial(ctx context.Context, t TrialStart) error {
	desc := l.trialDescription()
	granted, err := l.deps.Store.HasLedgerEntry(ctx, t.AccountID, desc)
	if err != nil {
		return fmt.Errorf("failed to check trial grant: %w", err)
	}

	amount := l.deps.Config.TrialCredits
	now := l.deps.now()
	endsAt := t.EndsAt

	var started bool
	_, _, err = l.deps.mutateAccount(ctx, l.summaries, t.AccountID, func(a *models.CreditAccount) (*store.Mutation, error) {
		if a.TrialStatus != models.TrialNone {
			return nil, nil
		}
		started = true
		a.TrialStatus = models.TrialActive
		a.TrialEndsAt = &endsAt
		a.Tier = t.Tier
		if t.CustomerID != "" {
			a.CustomerRef = t.CustomerID
		}
		a.SubscriptionRef = t.SubscriptionID

		m := &store.Mutation{
			Account: a,
			OpenTrial: &models.TrialHistory{
				AccountID:      t.AccountID,
				StartedAt:      now,
				EndsAt:         &endsAt,
				StripeCheckout: t.CheckoutID,
			},
		}
		if !granted && amount.IsPositive() {
			creditAccount(a, amount, true)
			e := newLedgerEntry(a, amount, models.EntryGrant, desc, now)
			e.IsExpiring = true
			e.ExpiresAt = &endsAt
			e.StripeEventID = t.EventID
			m.Entries = []models.LedgerEntry{e}
		}
		return m, nil
	})
	if err != nil {
		return fmt.Errorf("failed to start trial: %w", err)
	}
	if !started {
		l.deps.Logger.Info("trial already used", zap.String("account_id", t.AccountID))
		return nil
	}

	l.deps.Logger.Info("trial started",
		zap.String("account_id", t.AccountID),
		zap.String("tier", string(t.Tier)),
		zap.Time("ends_at", endsAt),
	)
	l.deps.publish(ctx, events.EventTrialStarted, t.AccountID, map[string]interface{}{
		"tier":    string(t.Tier),
		"ends_at": endsAt,
		"credits": amount.String(),
	})
	return nil
}

// HandleSubscriptionChanged drives trial and tier transitions from
// customer.subscription.* events.
func (l *Lifecycle) HandleSubscriptionChanged(ctx context.Context, s SubscriptionChanged) error {
	acct, err := resolveAccount(ctx, l.deps.Store, s.CustomerID, s.AccountID)
	if err != nil {
		return err
	}
	if acct == nil {
		l.deps.Logger.Warn("subscription event for unknown account",
			zap.String("event_id", s.ID),
			zap.String("subscription_id", s.SubscriptionID),
			zap.String("customer_id", s.CustomerID),
		)
		return nil
	}

	switch s.Action {
	case SubscriptionDeleted:
		return l.handleDeleted(ctx, acct, s)

	case SubscriptionCreated:
		if err := l.linkSubscription(ctx, acct.AccountID, s.CustomerID, s.SubscriptionID); err != nil {
			return err
		}
		l.trackCommitment(ctx, acct.AccountID, s)
		return nil
	}

	prev := stripe.SubscriptionStatus(s.PreviousStatus)
	status := stripe.SubscriptionStatus(s.Status)
	if prev == stripe.SubscriptionStatusTrialing && status != stripe.SubscriptionStatusTrialing {
		switch status {
		case stripe.SubscriptionStatusActive:
			return l.convertTrial(ctx, acct.AccountID, l.tierForPrice(s.PriceID, acct.Tier))
		case stripe.SubscriptionStatusCanceled:
			return l.cancelTrial(ctx, acct.AccountID, "Trial cancelled")
		case stripe.SubscriptionStatusPastDue, stripe.SubscriptionStatusUnpaid, stripe.SubscriptionStatusIncompleteExpired:
			return l.expireTrial(ctx, acct.AccountID)
		}
		return nil
	}
	if status == stripe.SubscriptionStatusTrialing {
		return nil
	}

	if s.PreviousPriceID != "" {
		l.trackCommitment(ctx, acct.AccountID, s)
	}
	return l.applyTierChange(ctx, acct, s)
}

// applyTierChange grants the full new allowance on an upgrade and only
// moves the tier on a downgrade.
func (l *Lifecycle) applyTierChange(ctx context.Context, acct *models.CreditAccount, s SubscriptionChanged) error {
	binding, found := l.deps.Tiers.TierForPrice(s.PriceID)
	if !found || binding.Tier == acct.Tier {
		return l.syncPaymentStatus(ctx, acct, s.Status)
	}
	from, to := acct.Tier, binding.Tier

	if l.deps.Tiers.IsUpgrade(from, to) && !s.CurrentPeriodStart.IsZero() {
		res, err := l.renewals.grantForPeriod(ctx, periodGrant{
			AccountID:      acct.AccountID,
			Tier:           to,
			PeriodStart:    s.CurrentPeriodStart,
			PeriodEnd:      s.CurrentPeriodEnd,
			EventID:        s.ID,
			CustomerID:     s.CustomerID,
			SubscriptionID: s.SubscriptionID,
			Description:    "Tier upgrade credits",
		})
		if err != nil {
			return err
		}
		l.deps.Logger.Info("tier upgraded",
			zap.String("account_id", acct.AccountID),
			zap.String("from", string(from)),
			zap.String("to", string(to)),
			zap.Bool("granted", res.Granted),
			zap.Bool("duplicate_prevented", res.DuplicatePrevented),
		)
	} else {
		_, _, err := l.deps.mutateAccount(ctx, l.summaries, acct.AccountID, func(a *models.CreditAccount) (*store.Mutation, error) {
			a.Tier = to
			return &store.Mutation{Account: a}, nil
		})
		if err != nil {
			return fmt.Errorf("failed to change tier: %w", err)
		}
		l.deps.Logger.Info("tier changed",
			zap.String("account_id", acct.AccountID),
			zap.String("from", string(from)),
			zap.String("to", string(to)),
		)
	}

	l.deps.publish(ctx, events.EventSubscriptionUpdated, acct.AccountID, map[string]interface{}{
		"from_tier": string(from),
		"to_tier":   string(to),
		"status":    s.Status,
	})
	return nil
}

func (l *Lifecycle) syncPaymentStatus(ctx context.Context, acct *models.CreditAccount, status string) error {
	want := acct.PaymentStatus
	switch stripe.SubscriptionStatus(status) {
	case stripe.SubscriptionStatusActive:
		want = models.PaymentOK
	case stripe.SubscriptionStatusPastDue, stripe.SubscriptionStatusUnpaid:
		want = models.PaymentPastDue
	}
	if want == acct.PaymentStatus {
		return nil
	}
	_, _, err := l.deps.mutateAccount(ctx, l.summaries, acct.AccountID, func(a *models.CreditAccount) (*store.Mutation, error) {
		a.PaymentStatus = want
		return &store.Mutation{Account: a}, nil
	})
	if err != nil {
		return fmt.Errorf("failed to update payment status: %w", err)
	}
	return nil
}

// convertTrial marks an active trial as converted to paid. Credits for the
// first paid period come from the invoice.
func (l *Lifecycle) convertTrial(ctx context.Context, accountID string, tier models.Tier) error {
	now := l.deps.now()
	var converted bool
	_, _, err := l.deps.mutateAccount(ctx, l.summaries, accountID, func(a *models.CreditAccount) (*store.Mutation, error) {
		if a.TrialStatus != models.TrialActive {
			return nil, nil
		}
		converted = true
		a.Tier = tier
		a.TrialStatus = models.TrialConverted
		a.TrialEndsAt = nil
		a.PaymentStatus = models.PaymentOK
		return &store.Mutation{
			Account:    a,
			CloseTrial: &store.TrialClose{EndedAt: now, ConvertedToPaid: true},
		}, nil
	})
	if err != nil {
		return fmt.Errorf("failed to convert trial: %w", err)
	}
	if converted {
		l.deps.Logger.Info("trial converted", zap.String("account_id", accountID), zap.String("tier", string(tier)))
		l.deps.publish(ctx, events.EventTrialConverted, accountID, map[string]interface{}{"tier": string(tier)})
	}
	return nil
}

// cancelTrial ends an active trial and removes every credit on the account.
func (l *Lifecycle) cancelTrial(ctx context.Context, accountID, reason string) error {
	now := l.deps.now()
	var cancelled bool
	_, m, err := l.deps.mutateAccount(ctx, l.summaries, accountID, func(a *models.CreditAccount) (*store.Mutation, error) {
		if a.TrialStatus != models.TrialActive {
			return nil, nil
		}
		cancelled = true
		return closeCancelledTrial(a, reason, now), nil
	})
	if err != nil {
		return fmt.Errorf("failed to cancel trial: %w", err)
	}
	if cancelled {
		l.trialCancelled(ctx, accountID, m)
	}
	return nil
}

// closeCancelledTrial zeroes every credit on a and closes its trial.
func closeCancelledTrial(a *models.CreditAccount, reason string, now time.Time) *store.Mutation {
	prior := a.Balance
	a.ExpiringCredits = decimal.Zero
	a.NonExpiringCredits = decimal.Zero
	a.RecomputeBalance()
	a.Tier = models.TierNone
	a.TrialStatus = models.TrialCancelled
	a.TrialEndsAt = nil
	a.SubscriptionRef = ""

	m := &store.Mutation{
		Account:    a,
		CloseTrial: &store.TrialClose{EndedAt: now},
	}
	if !prior.IsZero() {
		m.Entries = []models.LedgerEntry{newLedgerEntry(a, prior.Neg(), models.EntryAdjustment, reason, now)}
	}
	return m
}

func (l *Lifecycle) trialCancelled(ctx context.Context, accountID string, m *store.Mutation) {
	removed := "0"
	if m != nil && len(m.Entries) > 0 {
		removed = m.Entries[0].Amount.Neg().String()
	}
	l.deps.Logger.Info("trial cancelled", zap.String("account_id", accountID), zap.String("credits_removed", removed))
	l.deps.publish(ctx, events.EventTrialCancelled, accountID, map[string]interface{}{"credits_removed": removed})
}

// expireTrial ends a trial whose first payment failed. Purchased credits
// are kept.
func (l *Lifecycle) expireTrial(ctx context.Context, accountID string) error {
	now := l.deps.now()
	var expired bool
	_, _, err := l.deps.mutateAccount(ctx, l.summaries, accountID, func(a *models.CreditAccount) (*store.Mutation, error) {
		if a.TrialStatus != models.TrialActive {
			return nil, nil
		}
		expired = true
		m := &store.Mutation{Account: a, CloseTrial: &store.TrialClose{EndedAt: now}}
		if removed := zeroExpiring(a); !removed.IsZero() {
			m.Entries = []models.LedgerEntry{newLedgerEntry(a, removed.Neg(), models.EntryAdjustment, "Trial expired", now)}
		}
		a.Tier = models.TierNone
		a.TrialStatus = models.TrialExpired
		a.TrialEndsAt = nil
		a.PaymentStatus = models.PaymentPastDue
		return m, nil
	})
	if err != nil {
		return fmt.Errorf("failed to expire trial: %w", err)
	}
	if expired {
		l.deps.Logger.Info("trial expired", zap.String("account_id", accountID))
		l.deps.publish(ctx, events.EventTrialExpired, accountID, nil)
	}
	return nil
}

// handleDeleted ends a subscription. An active trial is cancelled outright;
// a paid plan loses its monthly allowance but keeps purchased credits. The
// trial check is made against the locked row so a conversion racing the
// deletion keeps its credits.
func (l *Lifecycle) handleDeleted(ctx context.Context, acct *models.CreditAccount, s SubscriptionChanged) error {
	const (
		outcomeNone = iota
		outcomeTrialCancelled
		outcomeSuperseded
		outcomeSubscriptionEnded
	)
	now := l.deps.now()
	outcome := outcomeNone
	var removed decimal.Decimal
	_, m, err := l.deps.mutateAccount(ctx, l.summaries, acct.AccountID, func(a *models.CreditAccount) (*store.Mutation, error) {
		if a.TrialStatus == models.TrialActive {
			outcome = outcomeTrialCancelled
			return closeCancelledTrial(a, "Trial cancelled: subscription deleted", now), nil
		}
		if a.SubscriptionRef != "" && s.SubscriptionID != "" && a.SubscriptionRef != s.SubscriptionID {
			outcome = outcomeSuperseded
			return nil, nil
		}

		outcome = outcomeSubscriptionEnded
		m := &store.Mutation{Account: a}
		if removed = zeroExpiring(a); !removed.IsZero() {
			m.Entries = []models.LedgerEntry{newLedgerEntry(a, removed.Neg(), models.EntryAdjustment,
				"Subscription cancelled: monthly credits removed", now)}
		}
		a.Tier = models.TierNone
		a.SubscriptionRef = ""
		a.NextCreditGrant = nil
		return m, nil
	})
	if err != nil {
		return fmt.Errorf("failed to cancel subscription: %w", err)
	}

	switch outcome {
	case outcomeTrialCancelled:
		l.trialCancelled(ctx, acct.AccountID, m)
	case outcomeSuperseded:
		l.deps.Logger.Info("ignoring deletion of superseded subscription",
			zap.String("account_id", acct.AccountID),
			zap.String("subscription_id", s.SubscriptionID),
		)
	case outcomeSubscriptionEnded:
		l.deps.Logger.Info("subscription cancelled",
			zap.String("account_id", acct.AccountID),
			zap.String("subscription_id", s.SubscriptionID),
			zap.String("expiring_removed", removed.String()),
		)
		l.deps.publish(ctx, events.EventSubscriptionCancelled, acct.AccountID, map[string]interface{}{
			"subscription_id":  s.SubscriptionID,
			"expiring_removed": removed.String(),
		})
	}
	return nil
}

// HandlePaymentFailed flags the account as past due.
func (l *Lifecycle) HandlePaymentFailed(ctx context.Context, f InvoicePaymentFailed) error {
	acct, err := resolveAccount(ctx, l.deps.Store, f.CustomerID, "")
	if err != nil {
		return err
	}
	if acct == nil {
		l.deps.Logger.Warn("payment failure for unknown customer", zap.String("customer_id", f.CustomerID))
		return nil
	}
	_, _, err = l.deps.mutateAccount(ctx, l.summaries, acct.AccountID, func(a *models.CreditAccount) (*store.Mutation, error) {
		a.PaymentStatus = models.PaymentPastDue
		return &store.Mutation{Account: a}, nil
	})
	if err != nil {
		return fmt.Errorf("failed to record payment failure: %w", err)
	}

	l.deps.Logger.Warn("invoice payment failed",
		zap.String("account_id", acct.AccountID),
		zap.String("invoice_id", f.InvoiceID),
		zap.Int64("attempt", f.AttemptCount),
	)
	l.deps.publish(ctx, events.EventPaymentFailed, acct.AccountID, map[string]interface{}{
		"invoice_id": f.InvoiceID,
		"amount_due": f.AmountDue.String(),
		"attempt":    f.AttemptCount,
	})
	return nil
}

// trackCommitment records a yearly commitment once per subscription. The
// store's subscription key rejects repeats, leaving the account untouched.
// Failures are logged; they never block the event.
func (l *Lifecycle) trackCommitment(ctx context.Context, accountID string, s SubscriptionChanged) {
	binding, found := l.deps.Tiers.TierForPrice(s.PriceID)
	if !found || !binding.Commitment || s.SubscriptionID == "" {
		return
	}
	start := s.StartDate
	if start.IsZero() {
		start = l.deps.now()
	}
	end := start.Add(commitmentDuration)
	_, _, err := l.deps.mutateAccount(ctx, l.summaries, accountID, func(a *models.CreditAccount) (*store.Mutation, error) {
		a.CommitmentType = commitmentYearly
		a.CommitmentEndDate = &end
		return &store.Mutation{
			Account: a,
			Commitment: &models.CommitmentHistory{
				AccountID:      accountID,
				SubscriptionID: s.SubscriptionID,
				PriceID:        s.PriceID,
				CommitmentType: commitmentYearly,
				StartDate:      start,
				EndDate:        end,
			},
		}, nil
	})
	if errors.Is(err, store.ErrDuplicatePrevented) {
		l.deps.Logger.Debug("commitment already tracked", zap.String("subscription_id", s.SubscriptionID))
		return
	}
	if err != nil {
		l.deps.Logger.Error("failed to track commitment",
			zap.String("account_id", accountID),
			zap.String("subscription_id", s.SubscriptionID),
			zap.Error(err),
		)
		return
	}
	l.deps.publish(ctx, events.EventCommitmentTracked, accountID, map[string]interface{}{
		"subscription_id": s.SubscriptionID,
		"end_date":        end,
	})
}

// ExpireCommitments clears commitments whose end date has passed.
func (l *Lifecycle) ExpireCommitments(ctx context.Context) (int, error) {
	ids, err := l.deps.Store.ListExpiredCommitments(ctx, l.deps.now())
	if err != nil {
		return 0, fmt.Errorf("failed to list expired commitments: %w", err)
	}
	n := 0
	for _, id := range ids {
		_, _, err := l.deps.mutateAccount(ctx, l.summaries, id, func(a *models.CreditAccount) (*store.Mutation, error) {
			a.CommitmentType = ""
			a.CommitmentEndDate = nil
			return &store.Mutation{Account: a}, nil
		})
		if err != nil {
			l.deps.Logger.Error("failed to expire commitment", zap.String("account_id", id), zap.Error(err))
			continue
		}
		n++
		l.deps.publish(ctx, events.EventCommitmentExpired, id, nil)
	}
	return n, nil
}

func (l *Lifecycle) linkSubscription(ctx context.Context, accountID, customerID, subscriptionID string) error {
	_, _, err := l.deps.mutateAccount(ctx, l.summaries, accountID, func(a *models.CreditAccount) (*store.Mutation, error) {
		if (customerID == "" || a.CustomerRef == customerID) && a.SubscriptionRef == subscriptionID {
			return nil, nil
		}
		if customerID != "" {
			a.CustomerRef = customerID
		}
		a.SubscriptionRef = subscriptionID
		return &store.Mutation{Account: a}, nil
	})
	if err != nil {
		return fmt.Errorf("failed to link subscription: %w", err)
	}
	return nil
}

func (l *Lifecycle) tierForPrice(priceID string, fallback models.Tier) models.Tier {
	if b, found := l.deps.Tiers.TierForPrice(priceID); found {
		return b.Tier
	}
	return fallback
}
