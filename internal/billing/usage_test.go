package billing

import (
	"context"
	"testing"

	"github.com/crosslogic/billing-core/internal/config"
	"github.com/crosslogic/billing-core/pkg/models"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func proTier(a *models.CreditAccount) { a.Tier = "pro" }

func TestUsage_CheckAndReserve(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()
	env.seed(t, "acct_1", "0", "1", proTier)

	tests := []struct {
		name     string
		req      ReserveRequest
		proceed  bool
		wantKind ErrorKind
	}{
		{
			name:    "affordable estimate",
			req:     ReserveRequest{AccountID: "acct_1", Model: "claude-sonnet-4", EstimatedPromptTokens: 100_000, EstimatedCompletionTokens: 20_000},
			proceed: true,
		},
		{
			name:     "estimate above balance",
			req:      ReserveRequest{AccountID: "acct_1", Model: "claude-opus-4", EstimatedTotalTokens: 1_000_000},
			wantKind: KindInsufficientBalance,
		},
		{
			name:    "no estimate",
			req:     ReserveRequest{AccountID: "acct_1", Model: "claude-sonnet-4"},
			proceed: true,
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			res, err := env.svc.Usage.CheckAndReserve(ctx, tt.req)
			require.NoError(t, err)
			assert.Equal(t, tt.proceed, res.CanProceed)
			assert.Equal(t, tt.wantKind, res.ErrorKind)
			if tt.proceed {
				assert.NotEmpty(t, res.ReservationID)
			} else {
				assert.Empty(t, res.ReservationID)
			}
			assert.True(t, res.Balance.Equal(dec("1")))
		})
	}
}

func TestUsage_CheckAndReserveModelDenied(t *testing.T) {
	env := newTestEnv(t)
	env.seed(t, "acct_free", "0", "50")

	res, err := env.svc.Usage.CheckAndReserve(context.Background(), ReserveRequest{AccountID: "acct_free", Model: "claude-opus-4"})
	require.NoError(t, err)
	assert.False(t, res.CanProceed)
	assert.Equal(t, KindModelAccessDenied, res.ErrorKind)

	res, err = env.svc.Usage.CheckAndReserve(context.Background(), ReserveRequest{AccountID: "acct_free", Model: "openai/gpt-4o-mini"})
	require.NoError(t, err)
	assert.True(t, res.CanProceed)
}

func TestUsage_CheckAndReserveNegativeBalance(t *testing.T) {
	env := newTestEnv(t)
	env.seed(t, "acct_1", "0", "-0.5", proTier)

	res, err := env.svc.Usage.CheckAndReserve(context.Background(), ReserveRequest{AccountID: "acct_1", Model: "claude-sonnet-4"})
	require.NoError(t, err)
	assert.False(t, res.CanProceed)
	assert.Equal(t, KindInsufficientBalance, res.ErrorKind)
}

func TestUsage_CheckAndReserveUnknownAccount(t *testing.T) {
	env := newTestEnv(t)

	res, err := env.svc.Usage.CheckAndReserve(context.Background(), ReserveRequest{
		AccountID:             "acct_ghost",
		Model:                 "gpt-4o-mini",
		EstimatedPromptTokens: 1000,
	})
	require.NoError(t, err)
	assert.False(t, res.CanProceed)
	assert.Equal(t, KindInsufficientBalance, res.ErrorKind)
	assert.True(t, res.Balance.IsZero())
}

func TestUsage_DeductUsage(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()
	env.seed(t, "acct_1", "0.5", "1", proTier)

	res, err := env.svc.Usage.DeductUsage(ctx, UsageRequest{
		AccountID:        "acct_1",
		Model:            "anthropic/claude-sonnet-4",
		PromptTokens:     100_000,
		CompletionTokens: 20_000,
		MessageID:        "msg_1",
		ThreadID:         "thread_1",
	})
	require.NoError(t, err)
	assert.True(t, res.Success)
	assert.True(t, res.Cost.Equal(dec("0.72")))
	assert.True(t, res.Charged.Equal(dec("0.72")))
	assert.True(t, res.NewBalance.Equal(dec("0.78")))

	acct := env.account(t, "acct_1")
	requireBalanceInvariant(t, acct)
	assert.True(t, acct.ExpiringCredits.IsZero())
	assert.True(t, acct.NonExpiringCredits.Equal(dec("0.78")))

	entries := env.ledger(t, "acct_1")
	require.Len(t, entries, 1)
	assert.Equal(t, models.EntryUsage, entries[0].Type)
	assert.Equal(t, "thread_1", entries[0].ThreadID)
	assert.Contains(t, entries[0].Description, "claude-sonnet-4 usage")
}

func TestUsage_DeductUsageDrainsToZero(t *testing.T) {
	env := newTestEnv(t)
	env.seed(t, "acct_1", "0", "0.5", proTier)

	res, err := env.svc.Usage.DeductUsage(context.Background(), UsageRequest{
		AccountID:    "acct_1",
		Model:        "claude-sonnet-4",
		PromptTokens: 1_000_000,
	})
	require.NoError(t, err)
	assert.False(t, res.Success)
	assert.Equal(t, KindInsufficientBalance, res.ErrorKind)
	assert.True(t, res.Cost.Equal(dec("3.6")))
	assert.True(t, res.Charged.Equal(dec("0.5")))
	assert.True(t, res.NewBalance.IsZero())

	entries := env.ledger(t, "acct_1")
	require.Len(t, entries, 1)
	assert.True(t, entries[0].Amount.Equal(dec("-0.5")))
	assert.Contains(t, entries[0].Description, "short by 3.1")

	// Once empty, further usage writes nothing.
	res, err = env.svc.Usage.DeductUsage(context.Background(), UsageRequest{AccountID: "acct_1", Model: "claude-sonnet-4", PromptTokens: 10})
	require.NoError(t, err)
	assert.False(t, res.Success)
	assert.True(t, res.Charged.IsZero())
	assert.Len(t, env.ledger(t, "acct_1"), 1)
}

func TestUsage_DeductUsageZeroCost(t *testing.T) {
	env := newTestEnv(t)
	env.seed(t, "acct_1", "0", "2", proTier)

	res, err := env.svc.Usage.DeductUsage(context.Background(), UsageRequest{AccountID: "acct_1", Model: "claude-sonnet-4"})
	require.NoError(t, err)
	assert.True(t, res.Success)
	assert.True(t, res.Charged.IsZero())
	assert.True(t, res.NewBalance.Equal(dec("2")))
	assert.Empty(t, env.ledger(t, "acct_1"))
}

func TestUsage_DeductUsageRejectsNegativeTokens(t *testing.T) {
	env := newTestEnv(t)

	_, err := env.svc.Usage.DeductUsage(context.Background(), UsageRequest{AccountID: "acct_1", Model: "gpt-4o", PromptTokens: -1})
	assert.Equal(t, KindInvalidRequest, KindOf(err))
}

func TestUsage_EnterpriseMode(t *testing.T) {
	env := newTestEnv(t, func(d *Deps) { d.Config.Mode = config.ModeEnterprise })
	ctx := context.Background()

	res, err := env.svc.Usage.CheckAndReserve(ctx, ReserveRequest{AccountID: "member_1", Model: "claude-sonnet-4"})
	require.NoError(t, err)
	assert.False(t, res.CanProceed)
	assert.Equal(t, KindNotInitialized, res.ErrorKind)

	_, err = env.svc.Enterprise.LoadCredits(ctx, dec("100"), "admin", "initial load")
	require.NoError(t, err)
	_, err = env.svc.Enterprise.ProvisionUser(ctx, "member_1", dec("10"))
	require.NoError(t, err)

	res, err = env.svc.Usage.CheckAndReserve(ctx, ReserveRequest{AccountID: "member_1", Model: "claude-sonnet-4", EstimatedPromptTokens: 1000})
	require.NoError(t, err)
	assert.True(t, res.CanProceed)
	assert.True(t, res.Balance.Equal(dec("100")))

	deducted, err := env.svc.Usage.DeductUsage(ctx, UsageRequest{AccountID: "member_1", Model: "claude-sonnet-4", PromptTokens: 1_000_000})
	require.NoError(t, err)
	assert.True(t, deducted.Success)
	assert.True(t, deducted.Charged.Equal(dec("3.6")))
	assert.True(t, deducted.NewBalance.Equal(dec("96.4")))

	// The personal account is untouched in enterprise mode.
	_, err = env.store.GetAccount(ctx, "member_1")
	assert.Error(t, err)
}
