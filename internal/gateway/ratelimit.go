package gateway

import (
	"context"
	"fmt"
	"strconv"
	"time"

	"github.com/crosslogic/billing-core/pkg/cache"
	"go.uber.org/zap"
)

// RateLimitInfo contains rate limit information for response headers
type RateLimitInfo struct {
	// Limit is the maximum number of requests allowed per window
	Limit int64
	// Remaining is the number of requests remaining in the current window
	Remaining int64
	// ResetAt is the Unix timestamp when the window resets
	ResetAt int64
	// RetryAfter is the number of seconds to wait before retrying (only set when limited)
	RetryAfter int64
	// Reason is "per_minute" or "concurrency" when limited.
	Reason string
}

// RateLimiter applies per-account request and concurrency limits to the
// usage API, shared across replicas through Redis.
type RateLimiter struct {
	cache       *cache.Cache
	logger      *zap.Logger
	perMinute   int64
	concurrency int64
	now         func() time.Time
}

// NewRateLimiter creates a new rate limiter. A zero limit disables that check.
func NewRateLimiter(cache *cache.Cache, perMinute, concurrency int, logger *zap.Logger) *RateLimiter {
	return &RateLimiter{
		cache:       cache,
		logger:      logger,
		perMinute:   int64(perMinute),
		concurrency: int64(concurrency),
		now:         time.Now,
	}
}

func minuteKey(accountID string, now time.Time) string {
	return fmt.Sprintf("ratelimit:account:%s:minute:%s", accountID, now.Format("2006-01-02T15:04"))
}

func concurrencyKey(accountID string) string {
	return fmt.Sprintf("ratelimit:account:%s:concurrency", accountID)
}

// CheckRateLimit counts one request for accountID. When it returns true
// the caller must call DecrementConcurrency once the request finishes.
func (rl *RateLimiter) CheckRateLimit(ctx context.Context, accountID string) (bool, *RateLimitInfo, error) {
	now := rl.now()
	resetAt := now.Truncate(time.Minute).Add(time.Minute).Unix()
	info := &RateLimitInfo{Limit: rl.perMinute, ResetAt: resetAt}

	if rl.perMinute > 0 {
		key := minuteKey(accountID, now)
		count, err := rl.cache.IncrWindow(ctx, key, 65*time.Second)
		if err != nil && count == 0 {
			return false, nil, err
		}
		if err != nil {
			rl.logger.Debug("failed to set rate limit expiry", zap.String("key", key), zap.Error(err))
		}
		if count > rl.perMinute {
			rl.logger.Warn("account rate limit exceeded", zap.String("account_id", accountID))
			info.Reason = "per_minute"
			info.RetryAfter = resetAt - now.Unix()
			if info.RetryAfter < 1 {
				info.RetryAfter = 1
			}
			return false, info, nil
		}
		info.Remaining = rl.perMinute - count
	}

	if rl.concurrency > 0 {
		key := concurrencyKey(accountID)
		// The TTL bounds a counter leaked by a crashed replica.
		concurrent, err := rl.cache.IncrWindow(ctx, key, 5*time.Minute)
		if err != nil && concurrent == 0 {
			return false, nil, err
		}
		if concurrent > rl.concurrency {
			if _, err := rl.cache.Release(ctx, key); err != nil {
				rl.logger.Debug("failed to release rejected slot", zap.String("account_id", accountID), zap.Error(err))
			}
			rl.logger.Warn("account concurrency limit exceeded", zap.String("account_id", accountID))
			info.Reason = "concurrency"
			info.RetryAfter = 1
			return false, info, nil
		}
	}

	return true, info, nil
}

// DecrementConcurrency releases a slot taken by CheckRateLimit.
func (rl *RateLimiter) DecrementConcurrency(ctx context.Context, accountID string) error {
	if rl.concurrency <= 0 {
		return nil
	}
	_, err := rl.cache.Release(ctx, concurrencyKey(accountID))
	return err
}

// GetRateLimitHeaders returns HTTP headers for rate limit information
func (info *RateLimitInfo) GetRateLimitHeaders() map[string]string {
	if info == nil || info.Limit <= 0 {
		return nil
	}

	headers := map[string]string{
		"X-RateLimit-Limit":     strconv.FormatInt(info.Limit, 10),
		"X-RateLimit-Remaining": strconv.FormatInt(info.Remaining, 10),
		"X-RateLimit-Reset":     strconv.FormatInt(info.ResetAt, 10),
	}

	if info.RetryAfter > 0 {
		headers["Retry-After"] = strconv.FormatInt(info.RetryAfter, 10)
	}

	return headers
}
