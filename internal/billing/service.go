package billing

import (
	"context"
	"time"

	"github.com/crosslogic/billing-core/internal/config"
	"github.com/crosslogic/billing-core/internal/store"
	"github.com/crosslogic/billing-core/pkg/cache"
	"github.com/crosslogic/billing-core/pkg/events"
	"github.com/crosslogic/billing-core/pkg/lock"
	"github.com/stripe/stripe-go/v76"
	"github.com/stripe/stripe-go/v76/subscription"
	"go.uber.org/zap"
)

// SubscriptionFetcher loads a subscription from the processor. Checkout
// sessions only carry the subscription id.
type SubscriptionFetcher interface {
	GetSubscription(ctx context.Context, id string) (*stripe.Subscription, error)
}

// StripeSubscriptions fetches subscriptions with the stripe-go client.
type StripeSubscriptions struct{}

func (StripeSubscriptions) GetSubscription(ctx context.Context, id string) (*stripe.Subscription, error) {
	params := &stripe.SubscriptionParams{}
	params.Context = ctx
	return subscription.Get(id, params)
}

// Deps is everything the billing components need, built once in main.
type Deps struct {
	Store         store.Store
	Cache         *cache.Cache
	Locker        lock.Locker
	Events        events.Publisher
	Pricer        Pricer
	Tiers         *TierCatalog
	Subscriptions SubscriptionFetcher
	Config        config.BillingConfig
	Logger        *zap.Logger
	Now           func() time.Time
}

func (d *Deps) now() time.Time {
	if d.Now != nil {
		return d.Now().UTC()
	}
	return time.Now().UTC()
}

func (d *Deps) publish(ctx context.Context, t events.EventType, accountID string, payload map[string]interface{}) {
	if d.Events == nil {
		return
	}
	if err := d.Events.Publish(ctx, events.NewEvent(t, accountID, payload)); err != nil {
		d.Logger.Error("failed to publish billing event",
			zap.String("event_type", string(t)),
			zap.String("account_id", accountID),
			zap.Error(err),
		)
	}
}

// Service wires the billing components together.
type Service struct {
	Ledger      *Ledger
	Usage       *UsageService
	Idempotency *IdempotencyCoordinator
	Lifecycle   *Lifecycle
	Renewals    *RenewalProcessor
	Refunds     *RefundProcessor
	Enterprise  *EnterpriseService

	deps *Deps
}

// NewService builds every component over deps. Missing optional
// collaborators get defaults.
func NewService(deps Deps) *Service {
	if deps.Logger == nil {
		deps.Logger = zap.NewNop()
	}
	if deps.Pricer == nil {
		deps.Pricer = NewModelPricingConfig()
	}
	if deps.Tiers == nil {
		deps.Tiers = NewTierCatalog()
	}
	for price, tier := range deps.Config.TierPrices {
		deps.Tiers.BindPrice(price, tierName(tier), false)
	}
	for price, tier := range deps.Config.CommitmentPrices {
		deps.Tiers.BindPrice(price, tierName(tier), true)
	}
	if deps.Subscriptions == nil {
		deps.Subscriptions = StripeSubscriptions{}
	}
	d := &deps

	summaries := NewSummaryCache(d.Cache, d.Config.SummaryCacheTTL, d.Logger)
	ledger := NewLedger(d, summaries)
	enterprise := NewEnterpriseService(d)
	renewals := NewRenewalProcessor(d, summaries)
	lifecycle := NewLifecycle(d, renewals, summaries)

	return &Service{
		Ledger:      ledger,
		Usage:       NewUsageService(d, ledger, enterprise, summaries),
		Idempotency: NewIdempotencyCoordinator(d),
		Lifecycle:   lifecycle,
		Renewals:    renewals,
		Refunds:     NewRefundProcessor(d, summaries),
		Enterprise:  enterprise,
		deps:        d,
	}
}

// Dispatch routes a decoded processor event to the owning component.
func (s *Service) Dispatch(ctx context.Context, ev Event) error {
	switch e := ev.(type) {
	case CheckoutCompleted:
		if e.Kind == CheckoutCreditPurchase {
			_, err := s.Refunds.HandleCreditPurchase(ctx, e)
			return err
		}
		return s.Lifecycle.HandleCheckoutCompleted(ctx, e)
	case SubscriptionChanged:
		return s.Lifecycle.HandleSubscriptionChanged(ctx, e)
	case InvoicePaid:
		res, err := s.Renewals.HandleSubscriptionRenewal(ctx, &e)
		if err != nil {
			return err
		}
		s.deps.Logger.Info("invoice processed",
			zap.String("event_id", e.ID),
			zap.String("invoice_id", e.InvoiceID),
			zap.Bool("granted", res.Granted),
			zap.Bool("duplicate_prevented", res.DuplicatePrevented),
			zap.String("reason", res.Reason),
		)
		return nil
	case InvoicePaymentFailed:
		return s.Lifecycle.HandlePaymentFailed(ctx, e)
	case RefundIssued:
		// Failures are recorded on the refund record and alerted on.
		s.Refunds.HandleRefund(ctx, e)
		return nil
	case UnhandledEvent:
		s.deps.Logger.Debug("ignoring unhandled webhook event type",
			zap.String("event_id", e.ID),
			zap.String("event_type", e.Type),
		)
		return nil
	}
	return nil
}
