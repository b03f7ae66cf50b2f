package events

import (
	"context"
	"errors"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

func TestNewEventAssignsUniqueIDs(t *testing.T) {
	a := NewEvent(EventCreditsGranted, "acct", nil)
	b := NewEvent(EventCreditsGranted, "acct", nil)
	assert.NotEqual(t, a.ID, b.ID)
	assert.Equal(t, "acct", a.AccountID)
}

func TestPublishAndWaitReturnsFirstError(t *testing.T) {
	bus := NewBus(zap.NewNop())
	var calls int32
	bus.Subscribe(EventWebhookFailed, func(ctx context.Context, e Event) error {
		atomic.AddInt32(&calls, 1)
		return nil
	})
	bus.Subscribe(EventWebhookFailed, func(ctx context.Context, e Event) error {
		atomic.AddInt32(&calls, 1)
		return errors.New("boom")
	})

	err := bus.PublishAndWait(context.Background(), NewEvent(EventWebhookFailed, "", nil))
	require.Error(t, err)
	assert.Equal(t, int32(2), atomic.LoadInt32(&calls))
}

func TestPublishSurvivesPanickingHandler(t *testing.T) {
	bus := NewBus(zap.NewNop())
	done := make(chan struct{})
	bus.Subscribe(EventRefundFailed, func(ctx context.Context, e Event) error {
		panic("handler bug")
	})
	bus.Subscribe(EventRefundFailed, func(ctx context.Context, e Event) error {
		close(done)
		return nil
	})

	require.NoError(t, bus.Publish(context.Background(), NewEvent(EventRefundFailed, "acct", nil)))
	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("second handler was not called")
	}
}

func TestPublishWithoutHandlers(t *testing.T) {
	bus := NewBus(zap.NewNop())
	assert.NoError(t, bus.Publish(context.Background(), NewEvent(EventTrialStarted, "acct", nil)))
	bus.Subscribe(EventTrialStarted, func(ctx context.Context, e Event) error { return nil })
	assert.Equal(t, 1, bus.HandlerCount(EventTrialStarted))
	bus.Unsubscribe(EventTrialStarted)
	assert.Equal(t, 0, bus.HandlerCount(EventTrialStarted))
}

func TestPublishAndWaitReportsPanic(t *testing.T) {
	bus := NewBus(zap.NewNop())
	bus.Subscribe(EventPoolLoaded, func(ctx context.Context, e Event) error {
		panic("nil map")
	})

	err := bus.PublishAndWait(context.Background(), NewEvent(EventPoolLoaded, "", nil))
	require.Error(t, err)
	assert.Contains(t, err.Error(), "nil map")
}

func TestDrainWaitsForAsyncHandlers(t *testing.T) {
	bus := NewBus(zap.NewNop())
	var finished int32
	release := make(chan struct{})
	bus.Subscribe(EventCreditsGranted, func(ctx context.Context, e Event) error {
		<-release
		atomic.StoreInt32(&finished, 1)
		return nil
	})

	ctx, cancel := context.WithCancel(context.Background())
	require.NoError(t, bus.Publish(ctx, NewEvent(EventCreditsGranted, "acct", nil)))
	cancel()
	close(release)
	bus.Drain()
	assert.Equal(t, int32(1), atomic.LoadInt32(&finished))
}
