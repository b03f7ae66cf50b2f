package billing

import (
	"context"
	"errors"
	"fmt"

	"github.com/crosslogic/billing-core/internal/store"
	"github.com/crosslogic/billing-core/pkg/events"
	"github.com/crosslogic/billing-core/pkg/models"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"
)

// RefundResult reports how a processor refund was applied.
type RefundResult struct {
	Result
	RefundID        string          `json:"refund_id"`
	AccountID       string          `json:"account_id,omitempty"`
	CreditsDeducted decimal.Decimal `json:"credits_deducted"`
	Balance         decimal.Decimal `json:"balance"`
	// Cause is the infrastructure error behind a KindSystemError result.
	Cause error `json:"-"`
}

// PurchaseResult reports a credit top-up.
type PurchaseResult struct {
	Result
	AccountID string          `json:"account_id"`
	Amount    decimal.Decimal `json:"amount"`
	Balance   decimal.Decimal `json:"balance"`
	Duplicate bool            `json:"duplicate"`
}

// RefundProcessor applies top-up purchases and their refunds.
type RefundProcessor struct {
	deps      *Deps
	summaries *SummaryCache
}

// NewRefundProcessor creates the refund processor.
func NewRefundProcessor(deps *Deps, summaries *SummaryCache) *RefundProcessor {
	return &RefundProcessor{deps: deps, summaries: summaries}
}

// HandleCreditPurchase credits a completed top-up checkout as non-expiring
// credits. Each payment intent is credited once.
func (p *RefundProcessor) HandleCreditPurchase(ctx context.Context, c CheckoutCompleted) (*PurchaseResult, error) {
	amount := c.AmountTotal
	if v, found := c.Metadata["credit_amount"]; found {
		parsed, err := decimal.NewFromString(v)
		if err != nil {
			return nil, newError("credit_purchase", KindInvalidRequest, fmt.Errorf("invalid credit_amount %q: %w", v, err))
		}
		amount = parsed
	}
	if !amount.IsPositive() {
		return nil, newError("credit_purchase", KindInvalidRequest, ErrInvalidAmount)
	}
	intent := c.PaymentIntentID
	if intent == "" {
		intent = c.SessionID
	}

	acct, err := resolveAccount(ctx, p.deps.Store, c.CustomerID, c.AccountID)
	if err != nil {
		return nil, err
	}
	accountID := c.AccountID
	if acct != nil {
		accountID = acct.AccountID
	}
	if accountID == "" {
		return nil, newError("credit_purchase", KindInvalidRequest, errors.New("checkout carries no account"))
	}

	now := p.deps.now()
	updated, _, err := p.deps.mutateAccount(ctx, p.summaries, accountID, func(a *models.CreditAccount) (*store.Mutation, error) {
		creditAccount(a, amount, false)
		if a.CustomerRef == "" {
			a.CustomerRef = c.CustomerID
		}
		e := newLedgerEntry(a, amount, models.EntryPurchase, fmt.Sprintf("Purchased %s credits", FormatCredits(amount)), now)
		e.StripeEventID = c.ID
		return &store.Mutation{
			Account: a,
			Entries: []models.LedgerEntry{e},
			Purchase: &models.CreditPurchase{
				AccountID:       accountID,
				PaymentIntentID: intent,
				Amount:          amount,
				Status:          models.PurchaseCompleted,
			},
		}, nil
	})
	if errors.Is(err, store.ErrDuplicatePrevented) {
		p.deps.Logger.Info("credit purchase already applied",
			zap.String("account_id", accountID),
			zap.String("payment_intent_id", intent),
		)
		return &PurchaseResult{Result: success("already applied"), AccountID: accountID, Duplicate: true}, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to apply credit purchase: %w", err)
	}

	p.deps.publish(ctx, events.EventCreditsPurchased, accountID, map[string]interface{}{
		"amount":            amount.String(),
		"payment_intent_id": intent,
	})
	return &PurchaseResult{Result: success(""), AccountID: accountID, Amount: amount, Balance: updated.Balance}, nil
}

// HandleRefund claws back refunded top-up credits, capped at the current
// balance and at what is left of the purchase after earlier partial refunds. It never returns an error: failures are recorded on the refund
// record and published for manual follow-up.
func (p *RefundProcessor) HandleRefund(ctx context.Context, r RefundIssued) *RefundResult {
	res := &RefundResult{RefundID: r.RefundID}

	if rec, err := p.deps.Store.GetRefund(ctx, r.RefundID); err == nil && rec.Status == models.RefundProcessed {
		res.Result = success("refund already processed")
		res.AccountID = rec.AccountID
		res.CreditsDeducted = rec.CreditsDeducted
		return res
	} else if err != nil && !errors.Is(err, store.ErrNotFound) {
		return p.fail(ctx, res, r, KindSystemError, fmt.Errorf("failed to read refund record: %w", err))
	}

	purchase, err := p.deps.Store.GetPurchase(ctx, r.PaymentIntentID)
	if errors.Is(err, store.ErrNotFound) || (err == nil && !purchase.Refundable().IsPositive()) {
		if acct, _ := resolveAccount(ctx, p.deps.Store, r.CustomerID, ""); acct != nil {
			res.AccountID = acct.AccountID
		}
		return p.fail(ctx, res, r, KindRefundTargetNotFound,
			fmt.Errorf("%w: payment intent %s", ErrRefundTargetNotFound, r.PaymentIntentID))
	}
	if err != nil {
		return p.fail(ctx, res, r, KindSystemError, fmt.Errorf("failed to read purchase: %w", err))
	}
	res.AccountID = purchase.AccountID

	// Each partial refund arrives with its own refund id; together they
	// never claw back more than was purchased.
	target := purchase.Refundable()
	if r.Amount.IsPositive() && r.Amount.LessThan(target) {
		target = r.Amount
	}

	now := p.deps.now()
	acct, _, err := p.deps.mutateAccount(ctx, p.summaries, purchase.AccountID, func(a *models.CreditAccount) (*store.Mutation, error) {
		deduct := decimal.Min(target, decimal.Max(a.Balance, decimal.Zero))
		res.CreditsDeducted = deduct
		m := &store.Mutation{
			Account:        a,
			PurchaseRefund: &store.PurchaseRefund{PaymentIntentID: r.PaymentIntentID, Amount: target},
			Refund: &models.RefundRecord{
				RefundID:        r.RefundID,
				AccountID:       purchase.AccountID,
				PaymentIntentID: r.PaymentIntentID,
				RefundAmount:    r.Amount,
				CreditsDeducted: deduct,
				Status:          models.RefundProcessed,
				ProcessedAt:     now,
			},
		}
		if deduct.IsPositive() {
			debitNonExpiringFirst(a, deduct)
			e := newLedgerEntry(a, deduct.Neg(), models.EntryRefund,
				fmt.Sprintf("Refund of %s credit purchase", FormatCredits(purchase.Amount)), now)
			e.StripeEventID = r.ID
			m.Entries = []models.LedgerEntry{e}
		}
		return m, nil
	})
	if err != nil {
		return p.fail(ctx, res, r, KindSystemError, fmt.Errorf("failed to apply refund: %w", err))
	}

	res.Result = success("")
	res.Balance = acct.Balance
	p.deps.Logger.Info("refund processed",
		zap.String("refund_id", r.RefundID),
		zap.String("account_id", purchase.AccountID),
		zap.String("purchase_amount", purchase.Amount.String()),
		zap.String("credits_deducted", res.CreditsDeducted.String()),
	)
	p.deps.publish(ctx, events.EventRefundProcessed, purchase.AccountID, map[string]interface{}{
		"refund_id":        r.RefundID,
		"credits_deducted": res.CreditsDeducted.String(),
	})
	return res
}

func (p *RefundProcessor) fail(ctx context.Context, res *RefundResult, r RefundIssued, kind ErrorKind, cause error) *RefundResult {
	res.Result = refused(kind, cause.Error())
	res.Cause = cause

	rec := &models.RefundRecord{
		RefundID:        r.RefundID,
		AccountID:       res.AccountID,
		PaymentIntentID: r.PaymentIntentID,
		RefundAmount:    r.Amount,
		CreditsDeducted: decimal.Zero,
		Status:          models.RefundFailed,
		ErrorMessage:    cause.Error(),
		ProcessedAt:     p.deps.now(),
	}
	if err := p.deps.Store.SaveRefund(ctx, rec); err != nil {
		p.deps.Logger.Error("failed to record refund failure", zap.String("refund_id", r.RefundID), zap.Error(err))
	}

	p.deps.Logger.Error("refund processing failed",
		zap.String("refund_id", r.RefundID),
		zap.String("payment_intent_id", r.PaymentIntentID),
		zap.String("error_kind", string(kind)),
		zap.Error(cause),
	)
	p.deps.publish(ctx, events.EventRefundFailed, res.AccountID, map[string]interface{}{
		"refund_id":         r.RefundID,
		"payment_intent_id": r.PaymentIntentID,
		"error_kind":        string(kind),
		"error":             cause.Error(),
	})
	return res
}

// debitNonExpiringFirst takes amount from purchased credits before the
// monthly allowance. Callers cap amount at the balance.
func debitNonExpiringFirst(acct *models.CreditAccount, amount decimal.Decimal) {
	fromNon := decimal.Min(amount, decimal.Max(acct.NonExpiringCredits, decimal.Zero))
	acct.NonExpiringCredits = acct.NonExpiringCredits.Sub(fromNon)
	acct.ExpiringCredits = acct.ExpiringCredits.Sub(amount.Sub(fromNon))
	acct.RecomputeBalance()
}
