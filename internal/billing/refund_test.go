package billing

import (
	"context"
	"testing"

	"github.com/crosslogic/billing-core/pkg/events"
	"github.com/crosslogic/billing-core/pkg/models"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func topUp(intent, amount string) CheckoutCompleted {
	return CheckoutCompleted{
		Envelope:        Envelope{ID: "evt_" + intent, Type: "checkout.session.completed"},
		SessionID:       "cs_" + intent,
		AccountID:       "acct_1",
		CustomerID:      "cus_1",
		PaymentIntentID: intent,
		Mode:            "payment",
		Kind:            CheckoutCreditPurchase,
		AmountTotal:     dec(amount),
	}
}

func refundOf(refundID, intent, amount string) RefundIssued {
	return RefundIssued{
		Envelope:        Envelope{ID: "evt_" + refundID, Type: "charge.refunded"},
		RefundID:        refundID,
		ChargeID:        "ch_1",
		PaymentIntentID: intent,
		CustomerID:      "cus_1",
		Amount:          dec(amount),
	}
}

func TestRefund_CreditPurchase(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()

	res, err := env.svc.Refunds.HandleCreditPurchase(ctx, topUp("pi_1", "25"))
	require.NoError(t, err)
	assert.True(t, res.Success)
	assert.False(t, res.Duplicate)
	assert.True(t, res.Balance.Equal(dec("25")))

	acct := env.account(t, "acct_1")
	assert.True(t, acct.NonExpiringCredits.Equal(dec("25")))
	assert.Equal(t, "cus_1", acct.CustomerRef)

	entries := env.ledger(t, "acct_1")
	require.Len(t, entries, 1)
	assert.Equal(t, models.EntryPurchase, entries[0].Type)
	assert.Equal(t, "Purchased $25.00 credits", entries[0].Description)

	// A second delivery under a new event id is still one purchase.
	res, err = env.svc.Refunds.HandleCreditPurchase(ctx, topUp("pi_1", "25"))
	require.NoError(t, err)
	assert.True(t, res.Duplicate)
	assert.Len(t, env.ledger(t, "acct_1"), 1)
	assert.Contains(t, env.events.types(), events.EventCreditsPurchased)
}

func TestRefund_CreditPurchaseMetadataAmount(t *testing.T) {
	env := newTestEnv(t)

	c := topUp("pi_1", "9.99")
	c.Metadata = map[string]string{"credit_amount": "10"}
	res, err := env.svc.Refunds.HandleCreditPurchase(context.Background(), c)
	require.NoError(t, err)
	assert.True(t, res.Amount.Equal(dec("10")))

	c = topUp("pi_2", "5")
	c.Metadata = map[string]string{"credit_amount": "ten"}
	_, err = env.svc.Refunds.HandleCreditPurchase(context.Background(), c)
	assert.Equal(t, KindInvalidRequest, KindOf(err))
}

func TestRefund_CappedAtBalance(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()

	_, err := env.svc.Refunds.HandleCreditPurchase(ctx, topUp("pi_1", "50"))
	require.NoError(t, err)
	_, err = env.svc.Ledger.UseCredits(ctx, UseCreditsParams{AccountID: "acct_1", Amount: dec("40")})
	require.NoError(t, err)

	res := env.svc.Refunds.HandleRefund(ctx, refundOf("re_1", "pi_1", "50"))
	require.True(t, res.Success, res.Message)
	assert.True(t, res.CreditsDeducted.Equal(dec("10")))
	assert.True(t, res.Balance.IsZero())

	acct := env.account(t, "acct_1")
	requireBalanceInvariant(t, acct)
	assert.True(t, acct.Balance.IsZero())

	entries := env.ledger(t, "acct_1")
	assert.Equal(t, models.EntryRefund, entries[0].Type)
	assert.True(t, entries[0].Amount.Equal(dec("-10")))

	purchase, err := env.store.GetPurchase(ctx, "pi_1")
	require.NoError(t, err)
	assert.Equal(t, models.PurchaseRefunded, purchase.Status)

	rec, err := env.store.GetRefund(ctx, "re_1")
	require.NoError(t, err)
	assert.Equal(t, models.RefundProcessed, rec.Status)
	assert.True(t, rec.CreditsDeducted.Equal(dec("10")))
}

func TestRefund_PartialRefundTakesPurchasedCreditsFirst(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()
	env.seed(t, "acct_1", "20", "0")

	_, err := env.svc.Refunds.HandleCreditPurchase(ctx, topUp("pi_1", "30"))
	require.NoError(t, err)

	res := env.svc.Refunds.HandleRefund(ctx, refundOf("re_1", "pi_1", "12"))
	require.True(t, res.Success)
	assert.True(t, res.CreditsDeducted.Equal(dec("12")))

	acct := env.account(t, "acct_1")
	assert.True(t, acct.NonExpiringCredits.Equal(dec("18")))
	assert.True(t, acct.ExpiringCredits.Equal(dec("20")))
}

func TestRefund_SuccessivePartialRefundsOnOneIntent(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()

	_, err := env.svc.Refunds.HandleCreditPurchase(ctx, topUp("pi_1", "50"))
	require.NoError(t, err)

	first := env.svc.Refunds.HandleRefund(ctx, refundOf("re_1", "pi_1", "10"))
	require.True(t, first.Success, first.Message)
	assert.True(t, first.CreditsDeducted.Equal(dec("10")))

	second := env.svc.Refunds.HandleRefund(ctx, refundOf("re_2", "pi_1", "10"))
	require.True(t, second.Success, second.Message)
	assert.True(t, second.CreditsDeducted.Equal(dec("10")))
	assert.True(t, second.Balance.Equal(dec("30")))

	purchase, err := env.store.GetPurchase(ctx, "pi_1")
	require.NoError(t, err)
	assert.Equal(t, models.PurchaseCompleted, purchase.Status)
	assert.True(t, purchase.RefundedAmount.Equal(dec("20")))

	// Asking for more than remains is capped at the unrefunded amount.
	third := env.svc.Refunds.HandleRefund(ctx, refundOf("re_3", "pi_1", "45"))
	require.True(t, third.Success, third.Message)
	assert.True(t, third.CreditsDeducted.Equal(dec("30")))
	assert.True(t, third.Balance.IsZero())

	purchase, err = env.store.GetPurchase(ctx, "pi_1")
	require.NoError(t, err)
	assert.Equal(t, models.PurchaseRefunded, purchase.Status)
	assert.True(t, purchase.RefundedAmount.Equal(dec("50")))

	fourth := env.svc.Refunds.HandleRefund(ctx, refundOf("re_4", "pi_1", "5"))
	assert.False(t, fourth.Success)
	assert.Equal(t, KindRefundTargetNotFound, fourth.ErrorKind)

	acct := env.account(t, "acct_1")
	requireBalanceInvariant(t, acct)
	assert.Len(t, env.ledger(t, "acct_1"), 4)
}

func TestRefund_Idempotent(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()

	_, err := env.svc.Refunds.HandleCreditPurchase(ctx, topUp("pi_1", "20"))
	require.NoError(t, err)

	first := env.svc.Refunds.HandleRefund(ctx, refundOf("re_1", "pi_1", "20"))
	require.True(t, first.Success)

	again := env.svc.Refunds.HandleRefund(ctx, refundOf("re_1", "pi_1", "20"))
	assert.True(t, again.Success)
	assert.Equal(t, "refund already processed", again.Message)
	assert.True(t, again.CreditsDeducted.Equal(dec("20")))
	assert.Len(t, env.ledger(t, "acct_1"), 2)

	// A different refund id against the same purchase has nothing left.
	other := env.svc.Refunds.HandleRefund(ctx, refundOf("re_2", "pi_1", "20"))
	assert.False(t, other.Success)
	assert.Equal(t, KindRefundTargetNotFound, other.ErrorKind)
}

func TestRefund_TargetNotFound(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()
	env.seed(t, "acct_1", "0", "5", func(a *models.CreditAccount) { a.CustomerRef = "cus_1" })

	res := env.svc.Refunds.HandleRefund(ctx, refundOf("re_1", "pi_missing", "5"))
	assert.False(t, res.Success)
	assert.Equal(t, KindRefundTargetNotFound, res.ErrorKind)
	assert.ErrorIs(t, res.Cause, ErrRefundTargetNotFound)
	assert.Equal(t, "acct_1", res.AccountID)

	rec, err := env.store.GetRefund(ctx, "re_1")
	require.NoError(t, err)
	assert.Equal(t, models.RefundFailed, rec.Status)
	assert.NotEmpty(t, rec.ErrorMessage)

	assert.True(t, env.account(t, "acct_1").Balance.Equal(dec("5")))
	assert.Contains(t, env.events.types(), events.EventRefundFailed)
}
