package notifications

import (
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/crosslogic/billing-core/internal/config"
	"github.com/crosslogic/billing-core/pkg/cache"
	"github.com/crosslogic/billing-core/pkg/events"
	"github.com/go-redis/redis/v8"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

type capturedRequest struct {
	header http.Header
	body   []byte
}

type receiver struct {
	server *httptest.Server
	mu     sync.Mutex
	got    []capturedRequest
	fails  int32
}

// newReceiver answers 500 to the first failures requests, then 200.
func newReceiver(t *testing.T, failures int32) *receiver {
	t.Helper()
	r := &receiver{fails: failures}
	r.server = httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, req *http.Request) {
		body, _ := io.ReadAll(req.Body)
		if atomic.AddInt32(&r.fails, -1) >= 0 {
			w.WriteHeader(http.StatusInternalServerError)
			return
		}
		r.mu.Lock()
		r.got = append(r.got, capturedRequest{header: req.Header.Clone(), body: body})
		r.mu.Unlock()
		w.WriteHeader(http.StatusOK)
	}))
	t.Cleanup(r.server.Close)
	return r
}

func (r *receiver) requests() []capturedRequest {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]capturedRequest(nil), r.got...)
}

func testConfig() *config.NotificationsConfig {
	return &config.NotificationsConfig{
		Enabled:          true,
		WebhookMethod:    http.MethodPost,
		MaxRetries:       3,
		RetryBackoffBase: 10 * time.Millisecond,
		RetryQueueSize:   10,
		RetryWorkers:     1,
		DeliveryTimeout:  time.Second,
		DedupWindow:      time.Hour,
		EventRouting:     map[string][]string{},
	}
}

func testCache(t *testing.T) *cache.Cache {
	t.Helper()
	mr, err := miniredis.Run()
	require.NoError(t, err)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() {
		client.Close()
		mr.Close()
	})
	return &cache.Cache{Client: client}
}

func startService(t *testing.T, cfg *config.NotificationsConfig, c *cache.Cache) (*Service, *events.Bus) {
	t.Helper()
	bus := events.NewBus(zap.NewNop())
	svc, err := NewService(cfg, c, zap.NewNop(), bus)
	require.NoError(t, err)
	ctx, cancel := context.WithCancel(context.Background())
	require.NoError(t, svc.Start(ctx))
	t.Cleanup(func() {
		stopCtx, stopCancel := context.WithTimeout(context.Background(), time.Second)
		defer stopCancel()
		_ = svc.Stop(stopCtx)
		cancel()
	})
	return svc, bus
}

func refundFailed() events.Event {
	return events.NewEvent(events.EventRefundFailed, "acct_1", map[string]interface{}{
		"refund_id":         "re_1",
		"payment_intent_id": "pi_1",
		"error_kind":        "refund_target_not_found",
		"error":             "refund target not found",
	})
}

func TestService_SignedWebhookDelivery(t *testing.T) {
	rcv := newReceiver(t, 0)
	cfg := testConfig()
	cfg.WebhookEnabled = true
	cfg.WebhookURL = rcv.server.URL
	cfg.WebhookSecret = "notify_secret"
	cfg.WebhookHeaders = map[string]string{"X-Team": "billing"}
	_, bus := startService(t, cfg, testCache(t))

	ev := refundFailed()
	require.NoError(t, bus.PublishAndWait(context.Background(), ev))

	reqs := rcv.requests()
	require.Len(t, reqs, 1)
	sig := reqs[0].header.Get(HeaderSignature)
	assert.NoError(t, VerifySignature(reqs[0].body, sig, "notify_secret", time.Minute, time.Now()))
	assert.ErrorIs(t, VerifySignature(reqs[0].body, sig, "other", time.Minute, time.Now()), ErrSignatureMismatch)
	assert.Equal(t, ev.ID, reqs[0].header.Get(HeaderEventID))
	assert.Equal(t, string(events.EventRefundFailed), reqs[0].header.Get(HeaderEventType))
	assert.Equal(t, "billing", reqs[0].header.Get("X-Team"))

	var payload WebhookPayload
	require.NoError(t, json.Unmarshal(reqs[0].body, &payload))
	assert.Equal(t, ev.ID, payload.EventID)
	assert.Equal(t, "acct_1", payload.AccountID)
	assert.Equal(t, "re_1", payload.Data["refund_id"])
}

func TestService_DuplicateEventDeliveredOnce(t *testing.T) {
	rcv := newReceiver(t, 0)
	cfg := testConfig()
	cfg.WebhookEnabled = true
	cfg.WebhookURL = rcv.server.URL
	_, bus := startService(t, cfg, testCache(t))

	ev := refundFailed()
	require.NoError(t, bus.PublishAndWait(context.Background(), ev))
	require.NoError(t, bus.PublishAndWait(context.Background(), ev))

	assert.Len(t, rcv.requests(), 1)
}

func TestService_RetriesFailedDelivery(t *testing.T) {
	rcv := newReceiver(t, 2)
	cfg := testConfig()
	cfg.SlackEnabled = true
	cfg.SlackWebhookURL = rcv.server.URL
	_, bus := startService(t, cfg, nil)

	require.NoError(t, bus.PublishAndWait(context.Background(),
		events.NewEvent(events.EventWebhookFailed, "", map[string]interface{}{
			"event_id":   "evt_1",
			"event_type": "invoice.paid",
			"error_kind": "system_error",
			"error":      "boom",
		})))

	require.Eventually(t, func() bool { return len(rcv.requests()) == 1 }, 2*time.Second, 10*time.Millisecond)

	var msg SlackWebhookPayload
	require.NoError(t, json.Unmarshal(rcv.requests()[0].body, &msg))
	require.NotEmpty(t, msg.Blocks)
	assert.Equal(t, "🚨 Webhook Processing Failed", msg.Blocks[0].Text.Text)
}

func TestService_RoutingAndUnsubscribedEvents(t *testing.T) {
	slack := newReceiver(t, 0)
	hook := newReceiver(t, 0)
	cfg := testConfig()
	cfg.SlackEnabled = true
	cfg.SlackWebhookURL = slack.server.URL
	cfg.WebhookEnabled = true
	cfg.WebhookURL = hook.server.URL
	cfg.EventRouting = map[string][]string{string(events.EventCreditsAdjusted): {config.ChannelWebhook}}
	_, bus := startService(t, cfg, testCache(t))
	ctx := context.Background()

	require.NoError(t, bus.PublishAndWait(ctx, events.NewEvent(events.EventCreditsAdjusted, "acct_1", map[string]interface{}{"amount": "-3"})))
	assert.Empty(t, slack.requests())
	assert.Len(t, hook.requests(), 1)

	// Routine events are not alerts.
	require.NoError(t, bus.PublishAndWait(ctx, events.NewEvent(events.EventCreditsGranted, "acct_1", nil)))
	assert.Len(t, hook.requests(), 1)

	require.NoError(t, bus.PublishAndWait(ctx, events.NewEvent(events.EventPaymentFailed, "acct_1", map[string]interface{}{"invoice_id": "in_1"})))
	assert.Len(t, slack.requests(), 1)
	assert.Len(t, hook.requests(), 2)
}

func TestService_Disabled(t *testing.T) {
	bus := events.NewBus(zap.NewNop())
	svc, err := NewService(&config.NotificationsConfig{}, nil, zap.NewNop(), bus)
	require.NoError(t, err)
	require.NoError(t, svc.Start(context.Background()))
	require.NoError(t, svc.Stop(context.Background()))
	for _, et := range AlertEvents {
		assert.Zero(t, bus.HandlerCount(et))
	}
}

func TestVerifySignature(t *testing.T) {
	body := []byte(`{"event_id":"evt_1"}`)
	sentAt := time.Date(2025, 3, 10, 12, 0, 0, 0, time.UTC)
	header := Sign(body, "s3cret", sentAt)

	tests := []struct {
		name    string
		body    []byte
		header  string
		now     time.Time
		wantErr error
	}{
		{"valid", body, header, sentAt.Add(time.Minute), nil},
		{"tampered body", []byte(`{"event_id":"evt_2"}`), header, sentAt, ErrSignatureMismatch},
		{"too old", body, header, sentAt.Add(10 * time.Minute), ErrSignatureExpired},
		{"no timestamp", body, "v1=abc", sentAt, ErrMalformedSignature},
		{"garbage", body, "nonsense", sentAt, ErrMalformedSignature},
		{"second signature matches", body, header + ",v1=deadbeef", sentAt, nil},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := VerifySignature(tt.body, tt.header, "s3cret", 5*time.Minute, tt.now)
			if tt.wantErr == nil {
				assert.NoError(t, err)
			} else {
				assert.ErrorIs(t, err, tt.wantErr)
			}
		})
	}
}

func TestCalculateBackoff(t *testing.T) {
	s := &Service{config: &config.NotificationsConfig{RetryBackoffBase: time.Second}}
	assert.Equal(t, time.Second, s.calculateBackoff(1))
	assert.Equal(t, 4*time.Second, s.calculateBackoff(3))
	assert.Equal(t, maxBackoff, s.calculateBackoff(20))
}
