package billing

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/crosslogic/billing-core/pkg/cache"
	"github.com/crosslogic/billing-core/pkg/models"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"
)

// CreditSummary is the read view of an account. It may be served stale from
// Redis and is never used to decide whether a charge is affordable.
type CreditSummary struct {
	AccountID          string               `json:"account_id"`
	Balance            decimal.Decimal      `json:"balance"`
	ExpiringCredits    decimal.Decimal      `json:"expiring_credits"`
	NonExpiringCredits decimal.Decimal      `json:"non_expiring_credits"`
	Tier               models.Tier          `json:"tier"`
	TierDisplayName    string               `json:"tier_display_name"`
	TrialStatus        models.TrialStatus   `json:"trial_status"`
	TrialEndsAt        *time.Time           `json:"trial_ends_at,omitempty"`
	NextCreditGrant    *time.Time           `json:"next_credit_grant,omitempty"`
	CommitmentEndDate  *time.Time           `json:"commitment_end_date,omitempty"`
	PaymentStatus      models.PaymentStatus `json:"payment_status"`
	UpdatedAt          time.Time            `json:"updated_at"`
}

func summaryFromAccount(acct *models.CreditAccount, tiers *TierCatalog) *CreditSummary {
	return &CreditSummary{
		AccountID:          acct.AccountID,
		Balance:            acct.Balance,
		ExpiringCredits:    acct.ExpiringCredits,
		NonExpiringCredits: acct.NonExpiringCredits,
		Tier:               acct.Tier,
		TierDisplayName:    tiers.GetTier(acct.Tier).DisplayName,
		TrialStatus:        acct.TrialStatus,
		TrialEndsAt:        acct.TrialEndsAt,
		NextCreditGrant:    acct.NextCreditGrant,
		CommitmentEndDate:  acct.CommitmentEndDate,
		PaymentStatus:      acct.PaymentStatus,
		UpdatedAt:          acct.UpdatedAt,
	}
}

// SummaryCache keeps CreditSummary views in Redis. A nil cache disables it;
// Redis errors are logged and treated as misses.
type SummaryCache struct {
	cache  *cache.Cache
	ttl    time.Duration
	logger *zap.Logger
}

// NewSummaryCache creates a summary cache. c may be nil.
func NewSummaryCache(c *cache.Cache, ttl time.Duration, logger *zap.Logger) *SummaryCache {
	if ttl <= 0 {
		ttl = time.Minute
	}
	return &SummaryCache{cache: c, ttl: ttl, logger: logger}
}

func summaryKey(accountID string) string {
	return fmt.Sprintf("credits:summary:%s", accountID)
}

// Get returns the cached summary, if any.
func (s *SummaryCache) Get(ctx context.Context, accountID string) (*CreditSummary, bool) {
	if s == nil || s.cache == nil {
		return nil, false
	}
	var sum CreditSummary
	if err := s.cache.GetJSON(ctx, summaryKey(accountID), &sum); err != nil {
		if !errors.Is(err, cache.ErrMiss) {
			s.logger.Warn("summary cache read failed", zap.String("account_id", accountID), zap.Error(err))
		}
		return nil, false
	}
	return &sum, true
}

// Set stores sum.
func (s *SummaryCache) Set(ctx context.Context, sum *CreditSummary) {
	if s == nil || s.cache == nil {
		return
	}
	if err := s.cache.SetJSON(ctx, summaryKey(sum.AccountID), sum, s.ttl); err != nil {
		s.logger.Warn("summary cache write failed", zap.String("account_id", sum.AccountID), zap.Error(err))
	}
}

// Invalidate drops the cached summary after a balance change.
func (s *SummaryCache) Invalidate(ctx context.Context, accountID string) {
	if s == nil || s.cache == nil {
		return
	}
	if err := s.cache.Delete(ctx, summaryKey(accountID)); err != nil {
		s.logger.Warn("summary cache invalidation failed", zap.String("account_id", accountID), zap.Error(err))
	}
}
