package billing

import (
	"context"
	"errors"
	"fmt"

	"github.com/crosslogic/billing-core/internal/store"
	"github.com/crosslogic/billing-core/pkg/events"
	"github.com/crosslogic/billing-core/pkg/metrics"
	"github.com/crosslogic/billing-core/pkg/models"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"
)

// EnterpriseStatus is the outcome of an enterprise afford check.
type EnterpriseStatus struct {
	Result
	PoolBalance    decimal.Decimal `json:"pool_balance"`
	MonthlyLimit   decimal.Decimal `json:"monthly_limit"`
	RemainingLimit decimal.Decimal `json:"remaining_limit"`
}

// EnterpriseDeduction is one usage charge against the pool.
type EnterpriseDeduction struct {
	AccountID   string
	Amount      decimal.Decimal
	Model       string
	Description string
}

// EnterpriseDeductResult reports the pool after a usage charge.
type EnterpriseDeductResult struct {
	Result
	Charged           decimal.Decimal `json:"charged"`
	PoolBalance       decimal.Decimal `json:"pool_balance"`
	CurrentMonthUsage decimal.Decimal `json:"current_month_usage"`
}

// EnterpriseService manages the shared organisation pool and the per-member
// monthly limits drawn from it.
type EnterpriseService struct {
	deps *Deps
}

// NewEnterpriseService creates the enterprise pool service.
func NewEnterpriseService(deps *Deps) *EnterpriseService {
	return &EnterpriseService{deps: deps}
}

// checkPool classifies whether amount can be charged to limit from pool.
// Order matters: setup problems first, then the member, then money.
func checkPool(pool *models.EnterprisePool, limit *models.EnterpriseUserLimit, amount decimal.Decimal) Result {
	if pool == nil {
		return refused(KindNotInitialized, "enterprise pool has not been initialized")
	}
	if limit == nil {
		return refused(KindNotInitialized, "user has no enterprise spending limit")
	}
	if !limit.IsActive {
		return refused(KindUserDeactivated, "user has been deactivated by the organisation")
	}
	if !pool.CreditBalance.IsPositive() || pool.CreditBalance.LessThan(amount) {
		return refused(KindInsufficientPoolBalance,
			fmt.Sprintf("enterprise pool balance %s is insufficient", FormatCredits(pool.CreditBalance)))
	}
	if limit.CurrentMonthUsage.Add(amount).GreaterThan(limit.MonthlyLimit) {
		return refused(KindMonthlyLimitExceeded,
			fmt.Sprintf("monthly limit of %s reached (%s used)",
				FormatCredits(limit.MonthlyLimit), FormatCredits(limit.CurrentMonthUsage)))
	}
	return success("")
}

// CheckBillingStatus reports whether accountID may spend estimatedCost from
// the pool.
func (e *EnterpriseService) CheckBillingStatus(ctx context.Context, accountID string, estimatedCost decimal.Decimal) (*EnterpriseStatus, error) {
	pool, err := e.deps.Store.GetPool(ctx)
	if err != nil && !errors.Is(err, store.ErrNotFound) {
		return nil, fmt.Errorf("failed to load enterprise pool: %w", err)
	}
	limit, err := e.deps.Store.GetUserLimit(ctx, accountID)
	if err != nil && !errors.Is(err, store.ErrNotFound) {
		return nil, fmt.Errorf("failed to load user limit: %w", err)
	}

	status := &EnterpriseStatus{Result: checkPool(pool, limit, decimal.Max(estimatedCost, decimal.Zero))}
	if pool != nil {
		status.PoolBalance = pool.CreditBalance
	}
	if limit != nil {
		status.MonthlyLimit = limit.MonthlyLimit
		status.RemainingLimit = limit.Remaining()
	}
	return status, nil
}

// DeductCredits charges the pool and the member's monthly usage together.
// A refused charge changes nothing.
func (e *EnterpriseService) DeductCredits(ctx context.Context, d EnterpriseDeduction) (*EnterpriseDeductResult, error) {
	if d.Amount.IsNegative() {
		return nil, newError("enterprise_deduct", KindInvalidRequest, ErrInvalidAmount)
	}
	res := &EnterpriseDeductResult{}
	err := e.deps.Store.MutateEnterprise(ctx, d.AccountID, func(pool *models.EnterprisePool, limit *models.EnterpriseUserLimit) (*store.EnterpriseMutation, error) {
		if pool != nil {
			res.PoolBalance = pool.CreditBalance
		}
		if limit != nil {
			res.CurrentMonthUsage = limit.CurrentMonthUsage
		}
		if check := checkPool(pool, limit, d.Amount); !check.Success {
			res.Result = check
			return nil, nil
		}
		if d.Amount.IsZero() {
			res.Result = success("no charge")
			return nil, nil
		}

		pool.CreditBalance = pool.CreditBalance.Sub(d.Amount)
		pool.TotalUsed = pool.TotalUsed.Add(d.Amount)
		limit.CurrentMonthUsage = limit.CurrentMonthUsage.Add(d.Amount)

		res.Result = success("")
		res.Charged = d.Amount
		res.PoolBalance = pool.CreditBalance
		res.CurrentMonthUsage = limit.CurrentMonthUsage

		return &store.EnterpriseMutation{
			Pool:  pool,
			Limit: limit,
			Transactions: []models.EnterpriseTransaction{{
				AccountID:    d.AccountID,
				Type:         models.PoolUsage,
				Amount:       d.Amount.Neg(),
				BalanceAfter: pool.CreditBalance,
				Model:        d.Model,
				Description:  d.Description,
			}},
		}, nil
	})
	if err != nil {
		return nil, fmt.Errorf("failed to deduct enterprise credits: %w", err)
	}

	outcome := "charged"
	if !res.Success {
		outcome = string(res.ErrorKind)
	}
	metrics.UsageDeductionsTotal.WithLabelValues("enterprise", outcome).Inc()
	if res.Charged.IsPositive() {
		metrics.EnterprisePoolBalance.Set(res.PoolBalance.InexactFloat64())
	}
	return res, nil
}

// LoadCredits adds credits to the pool, creating it on first load.
func (e *EnterpriseService) LoadCredits(ctx context.Context, amount decimal.Decimal, performedBy, description string) (*models.EnterprisePool, error) {
	if !amount.IsPositive() {
		return nil, newError("enterprise_load", KindInvalidRequest, ErrInvalidAmount)
	}
	var out models.EnterprisePool
	err := e.deps.Store.MutateEnterprise(ctx, "", func(pool *models.EnterprisePool, _ *models.EnterpriseUserLimit) (*store.EnterpriseMutation, error) {
		if pool == nil {
			pool = &models.EnterprisePool{}
		}
		pool.CreditBalance = pool.CreditBalance.Add(amount)
		pool.TotalLoaded = pool.TotalLoaded.Add(amount)
		out = *pool
		return &store.EnterpriseMutation{
			Pool: pool,
			Transactions: []models.EnterpriseTransaction{{
				Type:         models.PoolLoad,
				Amount:       amount,
				BalanceAfter: pool.CreditBalance,
				Description:  description,
				PerformedBy:  performedBy,
			}},
		}, nil
	})
	if err != nil {
		return nil, fmt.Errorf("failed to load enterprise credits: %w", err)
	}

	metrics.EnterprisePoolBalance.Set(out.CreditBalance.InexactFloat64())
	e.deps.Logger.Info("enterprise pool loaded",
		zap.String("amount", amount.String()),
		zap.String("balance", out.CreditBalance.String()),
		zap.String("performed_by", performedBy),
	)
	e.deps.publish(ctx, events.EventPoolLoaded, "", map[string]interface{}{
		"amount":       amount.String(),
		"balance":      out.CreditBalance.String(),
		"performed_by": performedBy,
	})
	return &out, nil
}

// NegateCredits removes credits from the pool. It never takes the pool
// below zero.
func (e *EnterpriseService) NegateCredits(ctx context.Context, amount decimal.Decimal, performedBy, description string) (*models.EnterprisePool, error) {
	if !amount.IsPositive() {
		return nil, newError("enterprise_negate", KindInvalidRequest, ErrInvalidAmount)
	}
	var out models.EnterprisePool
	err := e.deps.Store.MutateEnterprise(ctx, "", func(pool *models.EnterprisePool, _ *models.EnterpriseUserLimit) (*store.EnterpriseMutation, error) {
		if pool == nil {
			return nil, newError("enterprise_negate", KindNotInitialized, nil)
		}
		if pool.CreditBalance.LessThan(amount) {
			return nil, newError("enterprise_negate", KindInsufficientPoolBalance,
				fmt.Errorf("%w: balance %s, requested %s", ErrInsufficientPoolBalance, pool.CreditBalance, amount))
		}
		pool.CreditBalance = pool.CreditBalance.Sub(amount)
		pool.TotalLoaded = pool.TotalLoaded.Sub(amount)
		out = *pool
		return &store.EnterpriseMutation{
			Pool: pool,
			Transactions: []models.EnterpriseTransaction{{
				Type:         models.PoolNegate,
				Amount:       amount.Neg(),
				BalanceAfter: pool.CreditBalance,
				Description:  description,
				PerformedBy:  performedBy,
			}},
		}, nil
	})
	if err != nil {
		return nil, fmt.Errorf("failed to negate enterprise credits: %w", err)
	}

	metrics.EnterprisePoolBalance.Set(out.CreditBalance.InexactFloat64())
	e.deps.Logger.Info("enterprise pool negated",
		zap.String("amount", amount.String()),
		zap.String("balance", out.CreditBalance.String()),
		zap.String("performed_by", performedBy),
	)
	e.deps.publish(ctx, events.EventPoolNegated, "", map[string]interface{}{
		"amount":       amount.String(),
		"balance":      out.CreditBalance.String(),
		"performed_by": performedBy,
	})
	return &out, nil
}

// ProvisionUser creates or reactivates a member with the given monthly limit.
// Existing usage for the month is kept.
func (e *EnterpriseService) ProvisionUser(ctx context.Context, accountID string, monthlyLimit decimal.Decimal) (*models.EnterpriseUserLimit, error) {
	if accountID == "" || monthlyLimit.IsNegative() {
		return nil, newError("enterprise_provision", KindInvalidRequest, errors.New("account id and a non-negative limit are required"))
	}
	return e.mutateLimit(ctx, accountID, true, func(l *models.EnterpriseUserLimit) {
		l.MonthlyLimit = monthlyLimit
		l.IsActive = true
	})
}

// UpdateUserLimit changes a provisioned member's monthly limit.
func (e *EnterpriseService) UpdateUserLimit(ctx context.Context, accountID string, monthlyLimit decimal.Decimal) (*models.EnterpriseUserLimit, error) {
	if monthlyLimit.IsNegative() {
		return nil, newError("enterprise_update_limit", KindInvalidRequest, ErrInvalidAmount)
	}
	return e.mutateLimit(ctx, accountID, false, func(l *models.EnterpriseUserLimit) {
		l.MonthlyLimit = monthlyLimit
	})
}

// DeactivateUser blocks a member from spending pool credits.
func (e *EnterpriseService) DeactivateUser(ctx context.Context, accountID string) (*models.EnterpriseUserLimit, error) {
	return e.mutateLimit(ctx, accountID, false, func(l *models.EnterpriseUserLimit) {
		l.IsActive = false
	})
}

// ReactivateUser lifts a deactivation.
func (e *EnterpriseService) ReactivateUser(ctx context.Context, accountID string) (*models.EnterpriseUserLimit, error) {
	return e.mutateLimit(ctx, accountID, false, func(l *models.EnterpriseUserLimit) {
		l.IsActive = true
	})
}

func (e *EnterpriseService) mutateLimit(ctx context.Context, accountID string, create bool, apply func(*models.EnterpriseUserLimit)) (*models.EnterpriseUserLimit, error) {
	var out models.EnterpriseUserLimit
	err := e.deps.Store.MutateEnterprise(ctx, accountID, func(_ *models.EnterprisePool, limit *models.EnterpriseUserLimit) (*store.EnterpriseMutation, error) {
		if limit == nil {
			if !create {
				return nil, fmt.Errorf("user limit %s: %w", accountID, store.ErrNotFound)
			}
			limit = &models.EnterpriseUserLimit{
				AccountID:         accountID,
				MonthlyLimit:      decimal.Zero,
				CurrentMonthUsage: decimal.Zero,
			}
		}
		apply(limit)
		out = *limit
		return &store.EnterpriseMutation{Limit: limit}, nil
	})
	if err != nil {
		return nil, fmt.Errorf("failed to update user limit: %w", err)
	}
	e.deps.Logger.Info("enterprise user limit updated",
		zap.String("account_id", accountID),
		zap.String("monthly_limit", out.MonthlyLimit.String()),
		zap.Bool("active", out.IsActive),
	)
	return &out, nil
}

// GetPool returns the pool, or an ErrNotInitialized error.
func (e *EnterpriseService) GetPool(ctx context.Context) (*models.EnterprisePool, error) {
	pool, err := e.deps.Store.GetPool(ctx)
	if errors.Is(err, store.ErrNotFound) {
		return nil, newError("enterprise_get_pool", KindNotInitialized, nil)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to load enterprise pool: %w", err)
	}
	return pool, nil
}

// GetUserLimit returns a member's limit.
func (e *EnterpriseService) GetUserLimit(ctx context.Context, accountID string) (*models.EnterpriseUserLimit, error) {
	limit, err := e.deps.Store.GetUserLimit(ctx, accountID)
	if err != nil {
		return nil, fmt.Errorf("failed to load user limit: %w", err)
	}
	return limit, nil
}

// ListTransactions returns pool audit rows, newest first.
func (e *EnterpriseService) ListTransactions(ctx context.Context, limit int) ([]models.EnterpriseTransaction, error) {
	if limit <= 0 {
		limit = defaultLedgerLimit
	}
	txns, err := e.deps.Store.ListPoolTransactions(ctx, limit)
	if err != nil {
		return nil, fmt.Errorf("failed to list pool transactions: %w", err)
	}
	return txns, nil
}

// ResetMonthlyUsage zeroes every member's usage at the start of a month.
func (e *EnterpriseService) ResetMonthlyUsage(ctx context.Context) (int64, error) {
	n, err := e.deps.Store.ResetMonthlyUsage(ctx, e.deps.now())
	if err != nil {
		return 0, fmt.Errorf("failed to reset monthly usage: %w", err)
	}
	e.deps.Logger.Info("enterprise monthly usage reset", zap.Int64("users", n))
	return n, nil
}
