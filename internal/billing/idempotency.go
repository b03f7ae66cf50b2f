package billing

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/crosslogic/billing-core/pkg/cache"
	"github.com/crosslogic/billing-core/pkg/models"
	"go.uber.org/zap"
)

// Claim reasons returned by CheckAndMarkProcessing.
const (
	ClaimAcquired         = "claimed"
	ClaimAlreadyCompleted = "already_completed"
	ClaimInFlight         = "in_flight"
)

const (
	webhookKeyPrefix      = "webhooks:stripe:"
	webhookCacheCompleted = "completed"
	webhookCacheInFlight  = "processing"

	defaultProcessingTimeout = 60 * time.Second
	defaultWebhookCacheTTL   = 5 * time.Minute
)

// IdempotencyCoordinator makes sure each processor event is applied at most
// once. A short-lived Redis key absorbs bursts of redelivery; the
// webhook_events row is the durable authority.
type IdempotencyCoordinator struct {
	deps *Deps
}

// NewIdempotencyCoordinator creates the coordinator.
func NewIdempotencyCoordinator(deps *Deps) *IdempotencyCoordinator {
	return &IdempotencyCoordinator{deps: deps}
}

func (c *IdempotencyCoordinator) staleAfter() time.Duration {
	if d := c.deps.Config.WebhookProcessingTimeout; d > 0 {
		return d
	}
	return defaultProcessingTimeout
}

func (c *IdempotencyCoordinator) cacheTTL() time.Duration {
	if d := c.deps.Config.WebhookCacheTTL; d > 0 {
		return d
	}
	return defaultWebhookCacheTTL
}

// CheckAndMarkProcessing claims eventID for this worker. It returns false
// with a reason when the event is completed or being handled elsewhere.
// Failed events and processing claims older than the processing timeout can
// be claimed again.
func (c *IdempotencyCoordinator) CheckAndMarkProcessing(ctx context.Context, eventID, eventType string, payload []byte) (bool, string, error) {
	key := webhookKeyPrefix + eventID

	if c.deps.Cache != nil {
		set, err := c.deps.Cache.SetNX(ctx, key, webhookCacheInFlight, c.cacheTTL())
		switch {
		case err != nil:
			c.deps.Logger.Warn("webhook cache unavailable, using durable claim only",
				zap.String("event_id", eventID), zap.Error(err))
		case !set:
			val, err := c.deps.Cache.Get(ctx, key)
			switch {
			case err == nil && val == webhookCacheCompleted:
				return false, ClaimAlreadyCompleted, nil
			case err == nil:
				return false, ClaimInFlight, nil
			case errors.Is(err, cache.ErrMiss):
				// Expired between SETNX and GET; the durable claim decides.
			default:
				c.deps.Logger.Warn("webhook cache read failed, using durable claim only",
					zap.String("event_id", eventID), zap.Error(err))
			}
		}
	}

	claimed, existing, err := c.deps.Store.ClaimWebhookEvent(ctx, &models.WebhookEvent{
		EventID:   eventID,
		EventType: eventType,
		Payload:   payload,
	}, c.staleAfter())
	if err != nil {
		c.dropCacheKey(ctx, eventID)
		return false, "", fmt.Errorf("failed to claim webhook event: %w", err)
	}
	if claimed {
		return true, ClaimAcquired, nil
	}

	if existing != nil && existing.Status == models.WebhookCompleted {
		c.setCacheCompleted(ctx, eventID)
		return false, ClaimAlreadyCompleted, nil
	}
	return false, ClaimInFlight, nil
}

// MarkCompleted records successful processing.
func (c *IdempotencyCoordinator) MarkCompleted(ctx context.Context, eventID string) error {
	if err := c.deps.Store.CompleteWebhookEvent(ctx, eventID, c.deps.now()); err != nil {
		return fmt.Errorf("failed to mark webhook completed: %w", err)
	}
	c.setCacheCompleted(ctx, eventID)
	return nil
}

// MarkFailed records a processing failure so a redelivery can retry it.
func (c *IdempotencyCoordinator) MarkFailed(ctx context.Context, eventID string, cause error) error {
	msg := ""
	if cause != nil {
		msg = cause.Error()
	}
	c.dropCacheKey(ctx, eventID)
	if err := c.deps.Store.FailWebhookEvent(ctx, eventID, msg, c.deps.now()); err != nil {
		return fmt.Errorf("failed to mark webhook failed: %w", err)
	}
	return nil
}

// ListFailed returns failed events for manual reconciliation.
func (c *IdempotencyCoordinator) ListFailed(ctx context.Context, limit int) ([]models.WebhookEvent, error) {
	if limit <= 0 {
		limit = defaultLedgerLimit
	}
	evs, err := c.deps.Store.ListFailedWebhookEvents(ctx, limit)
	if err != nil {
		return nil, fmt.Errorf("failed to list failed webhook events: %w", err)
	}
	return evs, nil
}

// Purge deletes completed markers older than olderThan.
func (c *IdempotencyCoordinator) Purge(ctx context.Context, olderThan time.Duration) (int64, error) {
	n, err := c.deps.Store.PurgeWebhookEvents(ctx, c.deps.now().Add(-olderThan))
	if err != nil {
		return 0, fmt.Errorf("failed to purge webhook events: %w", err)
	}
	return n, nil
}

// FailStale marks claims abandoned mid-processing as failed so they show up
// in ListFailed and can be claimed again. It returns the affected event ids.
func (c *IdempotencyCoordinator) FailStale(ctx context.Context) ([]string, error) {
	ids, err := c.deps.Store.FailStaleWebhookEvents(ctx, c.deps.now().Add(-c.staleAfter()),
		"processing abandoned before completion")
	if err != nil {
		return nil, fmt.Errorf("failed to sweep stale webhook events: %w", err)
	}
	for _, id := range ids {
		c.dropCacheKey(ctx, id)
		c.deps.Logger.Warn("webhook event abandoned during processing", zap.String("event_id", id))
	}
	return ids, nil
}

func (c *IdempotencyCoordinator) setCacheCompleted(ctx context.Context, eventID string) {
	if c.deps.Cache == nil {
		return
	}
	if err := c.deps.Cache.Set(ctx, webhookKeyPrefix+eventID, webhookCacheCompleted, c.cacheTTL()); err != nil {
		c.deps.Logger.Warn("failed to cache webhook completion", zap.String("event_id", eventID), zap.Error(err))
	}
}

func (c *IdempotencyCoordinator) dropCacheKey(ctx context.Context, eventID string) {
	if c.deps.Cache == nil {
		return
	}
	if err := c.deps.Cache.Delete(ctx, webhookKeyPrefix+eventID); err != nil {
		c.deps.Logger.Warn("failed to clear webhook cache key", zap.String("event_id", eventID), zap.Error(err))
	}
}
