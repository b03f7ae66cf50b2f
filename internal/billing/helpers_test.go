package billing

import (
	"context"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/crosslogic/billing-core/internal/config"
	"github.com/crosslogic/billing-core/internal/store"
	"github.com/crosslogic/billing-core/internal/store/memory"
	"github.com/crosslogic/billing-core/pkg/cache"
	"github.com/crosslogic/billing-core/pkg/events"
	"github.com/crosslogic/billing-core/pkg/lock"
	"github.com/crosslogic/billing-core/pkg/models"
	"github.com/go-redis/redis/v8"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/require"
	"github.com/stripe/stripe-go/v76"
	"go.uber.org/zap"
)

var testNow = time.Date(2025, 3, 10, 12, 0, 0, 0, time.UTC)

type recordingPublisher struct {
	mu     sync.Mutex
	events []events.Event
}

func (p *recordingPublisher) Publish(_ context.Context, e events.Event) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.events = append(p.events, e)
	return nil
}

func (p *recordingPublisher) types() []events.EventType {
	p.mu.Lock()
	defer p.mu.Unlock()
	out := make([]events.EventType, 0, len(p.events))
	for _, e := range p.events {
		out = append(out, e.Type)
	}
	return out
}

type fakeSubscriptions struct {
	subs map[string]*stripe.Subscription
}

func (f *fakeSubscriptions) GetSubscription(_ context.Context, id string) (*stripe.Subscription, error) {
	if s, ok := f.subs[id]; ok {
		return s, nil
	}
	return nil, fmt.Errorf("no such subscription: %s", id)
}

type testEnv struct {
	svc    *Service
	store  *memory.Store
	cache  *cache.Cache
	mr     *miniredis.Miniredis
	events *recordingPublisher
	subs   *fakeSubscriptions

	mu  sync.Mutex
	now time.Time
}

func (e *testEnv) clock() time.Time {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.now
}

func (e *testEnv) advance(d time.Duration) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.now = e.now.Add(d)
}

func testCatalog() *TierCatalog {
	c := NewTierCatalog()
	c.AddTier(&TierInfo{Name: "pro", DisplayName: "Pro", MonthlyCredits: decimal.NewFromInt(20), Paid: true})
	c.AddTier(&TierInfo{Name: "max", DisplayName: "Max", MonthlyCredits: decimal.NewFromInt(100), Paid: true})
	c.BindPrice("price_pro", "pro", false)
	c.BindPrice("price_max", "max", false)
	c.BindPrice("price_plus", "tier_2_20", false)
	c.BindPrice("price_pro_yearly", "pro", true)
	return c
}

func newTestEnv(t *testing.T, opts ...func(*Deps)) *testEnv {
	t.Helper()

	mr, err := miniredis.Run()
	require.NoError(t, err)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() {
		client.Close()
		mr.Close()
	})

	st := memory.New()
	env := &testEnv{
		now:    testNow,
		store:  st,
		cache:  &cache.Cache{Client: client},
		mr:     mr,
		events: &recordingPublisher{},
		subs:   &fakeSubscriptions{subs: map[string]*stripe.Subscription{}},
	}
	st.SetClock(env.clock)

	deps := Deps{
		Store:         st,
		Cache:         env.cache,
		Locker:        lock.NewRedisLocker(client, 10*time.Second, zap.NewNop()),
		Events:        env.events,
		Tiers:         testCatalog(),
		Subscriptions: env.subs,
		Config: config.BillingConfig{
			Mode:                     config.ModeSaaS,
			TrialCredits:             decimal.NewFromInt(5),
			TrialDays:                7,
			RenewalLockWait:          5 * time.Second,
			RenewalLockExpiry:        10 * time.Second,
			WebhookProcessingTimeout: time.Minute,
			WebhookCacheTTL:          5 * time.Minute,
			WebhookRetention:         720 * time.Hour,
			SummaryCacheTTL:          time.Minute,
		},
		Logger: zap.NewNop(),
		Now:    env.clock,
	}
	for _, opt := range opts {
		opt(&deps)
	}
	env.svc = NewService(deps)
	return env
}

func dec(s string) decimal.Decimal {
	return decimal.RequireFromString(s)
}

// seed sets an account's buckets directly.
func (e *testEnv) seed(t *testing.T, accountID string, expiring, nonExpiring string, mutate ...func(*models.CreditAccount)) {
	t.Helper()
	_, err := e.store.MutateAccount(context.Background(), accountID, func(a *models.CreditAccount) (*store.Mutation, error) {
		a.ExpiringCredits = dec(expiring)
		a.NonExpiringCredits = dec(nonExpiring)
		a.RecomputeBalance()
		for _, m := range mutate {
			m(a)
		}
		return &store.Mutation{Account: a}, nil
	})
	require.NoError(t, err)
}

func (e *testEnv) account(t *testing.T, accountID string) *models.CreditAccount {
	t.Helper()
	acct, err := e.store.GetAccount(context.Background(), accountID)
	require.NoError(t, err)
	return acct
}

func (e *testEnv) ledger(t *testing.T, accountID string) []models.LedgerEntry {
	t.Helper()
	entries, err := e.store.ListLedger(context.Background(), accountID, 100)
	require.NoError(t, err)
	return entries
}

func requireBalanceInvariant(t *testing.T, acct *models.CreditAccount) {
	t.Helper()
	require.True(t, acct.Balance.Equal(acct.ExpiringCredits.Add(acct.NonExpiringCredits)),
		"balance %s != expiring %s + non-expiring %s", acct.Balance, acct.ExpiringCredits, acct.NonExpiringCredits)
}
