package billing

import (
	"context"
	"errors"
	"sync"
	"testing"

	"github.com/crosslogic/billing-core/internal/store"
	"github.com/crosslogic/billing-core/pkg/events"
	"github.com/crosslogic/billing-core/pkg/models"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestCheckPool(t *testing.T) {
	pool := &models.EnterprisePool{CreditBalance: dec("10")}
	active := &models.EnterpriseUserLimit{AccountID: "m", MonthlyLimit: dec("5"), CurrentMonthUsage: dec("4"), IsActive: true}
	inactive := &models.EnterpriseUserLimit{AccountID: "m", MonthlyLimit: dec("5"), IsActive: false}

	tests := []struct {
		name   string
		pool   *models.EnterprisePool
		limit  *models.EnterpriseUserLimit
		amount string
		want   ErrorKind
	}{
		{"no pool", nil, active, "1", KindNotInitialized},
		{"no limit", pool, nil, "1", KindNotInitialized},
		{"deactivated before money checks", &models.EnterprisePool{}, inactive, "1", KindUserDeactivated},
		{"empty pool", &models.EnterprisePool{CreditBalance: decimal.Zero}, active, "0", KindInsufficientPoolBalance},
		{"pool too small", pool, active, "11", KindInsufficientPoolBalance},
		{"over monthly limit", pool, active, "1.01", KindMonthlyLimitExceeded},
		{"exactly at limit", pool, active, "1", KindNone},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			res := checkPool(tt.pool, tt.limit, dec(tt.amount))
			assert.Equal(t, tt.want, res.ErrorKind)
			assert.Equal(t, tt.want == KindNone, res.Success)
		})
	}
}

func TestEnterprise_LoadAndNegate(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()

	_, err := env.svc.Enterprise.GetPool(ctx)
	assert.Equal(t, KindNotInitialized, KindOf(err))

	_, err = env.svc.Enterprise.NegateCredits(ctx, dec("1"), "admin", "")
	assert.Equal(t, KindNotInitialized, KindOf(err))

	pool, err := env.svc.Enterprise.LoadCredits(ctx, dec("250"), "admin@example.com", "Q1 prepay")
	require.NoError(t, err)
	assert.True(t, pool.CreditBalance.Equal(dec("250")))
	assert.True(t, pool.TotalLoaded.Equal(dec("250")))

	_, err = env.svc.Enterprise.NegateCredits(ctx, dec("300"), "admin@example.com", "")
	assert.Equal(t, KindInsufficientPoolBalance, KindOf(err))
	assert.True(t, errors.Is(err, ErrInsufficientPoolBalance))

	pool, err = env.svc.Enterprise.NegateCredits(ctx, dec("50"), "admin@example.com", "correction")
	require.NoError(t, err)
	assert.True(t, pool.CreditBalance.Equal(dec("200")))
	assert.True(t, pool.TotalLoaded.Equal(dec("200")))

	txns, err := env.svc.Enterprise.ListTransactions(ctx, 0)
	require.NoError(t, err)
	require.Len(t, txns, 2)
	assert.Equal(t, models.PoolNegate, txns[0].Type)
	assert.True(t, txns[0].Amount.Equal(dec("-50")))
	assert.Equal(t, models.PoolLoad, txns[1].Type)

	types := env.events.types()
	assert.Contains(t, types, events.EventPoolLoaded)
	assert.Contains(t, types, events.EventPoolNegated)

	_, err = env.svc.Enterprise.LoadCredits(ctx, dec("0"), "admin", "")
	assert.Equal(t, KindInvalidRequest, KindOf(err))
}

func TestEnterprise_DeductCredits(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()

	_, err := env.svc.Enterprise.LoadCredits(ctx, dec("20"), "admin", "")
	require.NoError(t, err)
	_, err = env.svc.Enterprise.ProvisionUser(ctx, "member_1", dec("5"))
	require.NoError(t, err)

	res, err := env.svc.Enterprise.DeductCredits(ctx, EnterpriseDeduction{AccountID: "member_1", Amount: dec("4"), Model: "gpt-4o"})
	require.NoError(t, err)
	assert.True(t, res.Success)
	assert.True(t, res.PoolBalance.Equal(dec("16")))
	assert.True(t, res.CurrentMonthUsage.Equal(dec("4")))

	// Over the monthly limit: nothing changes.
	res, err = env.svc.Enterprise.DeductCredits(ctx, EnterpriseDeduction{AccountID: "member_1", Amount: dec("2")})
	require.NoError(t, err)
	assert.False(t, res.Success)
	assert.Equal(t, KindMonthlyLimitExceeded, res.ErrorKind)
	assert.True(t, res.Charged.IsZero())

	pool, err := env.store.GetPool(ctx)
	require.NoError(t, err)
	assert.True(t, pool.CreditBalance.Equal(dec("16")))
	assert.True(t, pool.TotalUsed.Equal(dec("4")))

	_, err = env.svc.Enterprise.DeactivateUser(ctx, "member_1")
	require.NoError(t, err)
	res, err = env.svc.Enterprise.DeductCredits(ctx, EnterpriseDeduction{AccountID: "member_1", Amount: dec("0.5")})
	require.NoError(t, err)
	assert.Equal(t, KindUserDeactivated, res.ErrorKind)

	_, err = env.svc.Enterprise.ReactivateUser(ctx, "member_1")
	require.NoError(t, err)
	res, err = env.svc.Enterprise.DeductCredits(ctx, EnterpriseDeduction{AccountID: "member_1", Amount: dec("0.5")})
	require.NoError(t, err)
	assert.True(t, res.Success)
}

func TestEnterprise_ConcurrentDeductionsRespectLimit(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()

	_, err := env.svc.Enterprise.LoadCredits(ctx, dec("100"), "admin", "")
	require.NoError(t, err)
	_, err = env.svc.Enterprise.ProvisionUser(ctx, "member_1", dec("10"))
	require.NoError(t, err)

	var wg sync.WaitGroup
	results := make([]*EnterpriseDeductResult, 20)
	for i := range results {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			res, err := env.svc.Enterprise.DeductCredits(ctx, EnterpriseDeduction{AccountID: "member_1", Amount: dec("1")})
			assert.NoError(t, err)
			results[i] = res
		}(i)
	}
	wg.Wait()

	succeeded := 0
	for _, r := range results {
		if r != nil && r.Success {
			succeeded++
		}
	}
	assert.Equal(t, 10, succeeded)

	limit, err := env.svc.Enterprise.GetUserLimit(ctx, "member_1")
	require.NoError(t, err)
	assert.True(t, limit.CurrentMonthUsage.Equal(dec("10")))
	pool, err := env.svc.Enterprise.GetPool(ctx)
	require.NoError(t, err)
	assert.True(t, pool.CreditBalance.Equal(dec("90")))
}

func TestEnterprise_UserLimits(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()

	_, err := env.svc.Enterprise.UpdateUserLimit(ctx, "member_x", dec("5"))
	assert.True(t, errors.Is(err, store.ErrNotFound))

	_, err = env.svc.Enterprise.ProvisionUser(ctx, "member_1", dec("-1"))
	assert.Equal(t, KindInvalidRequest, KindOf(err))

	_, err = env.svc.Enterprise.LoadCredits(ctx, dec("10"), "admin", "")
	require.NoError(t, err)
	_, err = env.svc.Enterprise.ProvisionUser(ctx, "member_1", dec("5"))
	require.NoError(t, err)
	_, err = env.svc.Enterprise.DeductCredits(ctx, EnterpriseDeduction{AccountID: "member_1", Amount: dec("3")})
	require.NoError(t, err)

	limit, err := env.svc.Enterprise.UpdateUserLimit(ctx, "member_1", dec("8"))
	require.NoError(t, err)
	assert.True(t, limit.MonthlyLimit.Equal(dec("8")))
	assert.True(t, limit.CurrentMonthUsage.Equal(dec("3")))
	assert.True(t, limit.Remaining().Equal(dec("5")))

	status, err := env.svc.Enterprise.CheckBillingStatus(ctx, "member_1", dec("1"))
	require.NoError(t, err)
	assert.True(t, status.Success)
	assert.True(t, status.RemainingLimit.Equal(dec("5")))

	n, err := env.svc.Enterprise.ResetMonthlyUsage(ctx)
	require.NoError(t, err)
	assert.Equal(t, int64(1), n)

	limit, err = env.svc.Enterprise.GetUserLimit(ctx, "member_1")
	require.NoError(t, err)
	assert.True(t, limit.CurrentMonthUsage.IsZero())
}
