package events

import (
	"context"
	"fmt"
	"sync"

	"github.com/crosslogic/billing-core/pkg/metrics"
	"go.uber.org/zap"
)

// Handler is a function that handles an event
type Handler func(ctx context.Context, event Event) error

// Publisher is the write side of the bus used by billing components.
type Publisher interface {
	Publish(ctx context.Context, event Event) error
}

// Bus is an in-process pub/sub bus. Billing components publish after a
// mutation has committed; subscribers (alerts, cache warmers) never run
// inside the mutation.
type Bus struct {
	mu       sync.RWMutex
	handlers map[EventType][]Handler
	inflight sync.WaitGroup
	logger   *zap.Logger
}

// NewBus creates a new event bus
func NewBus(logger *zap.Logger) *Bus {
	return &Bus{
		handlers: make(map[EventType][]Handler),
		logger:   logger,
	}
}

// Subscribe registers a handler for a specific event type.
// Multiple handlers can be registered for the same event type.
func (b *Bus) Subscribe(eventType EventType, handler Handler) {
	b.mu.Lock()
	defer b.mu.Unlock()

	b.handlers[eventType] = append(b.handlers[eventType], handler)
	b.logger.Debug("event handler subscribed",
		zap.String("event_type", string(eventType)),
		zap.Int("total_handlers", len(b.handlers[eventType])),
	)
}

// Unsubscribe removes all handlers for eventType.
func (b *Bus) Unsubscribe(eventType EventType) {
	b.mu.Lock()
	defer b.mu.Unlock()
	delete(b.handlers, eventType)
}

// HandlerCount reports how many handlers are registered for eventType.
func (b *Bus) HandlerCount(eventType EventType) int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return len(b.handlers[eventType])
}

func (b *Bus) snapshot(eventType EventType) []Handler {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return append([]Handler(nil), b.handlers[eventType]...)
}

// Publish fans the event out to every handler in its own goroutine and
// returns immediately. Handlers get a context detached from the caller's
// cancellation so an acked webhook does not abort its own alerts. Handler
// errors and panics are logged, never returned.
func (b *Bus) Publish(ctx context.Context, event Event) error {
	handlers := b.snapshot(event.Type)
	metrics.EventsPublishedTotal.WithLabelValues(string(event.Type)).Inc()
	if len(handlers) == 0 {
		b.logger.Debug("no handlers registered for event type",
			zap.String("event_type", string(event.Type)),
			zap.String("event_id", event.ID),
		)
		return nil
	}

	hctx := context.WithoutCancel(ctx)
	for _, h := range handlers {
		b.inflight.Add(1)
		go func(h Handler) {
			defer b.inflight.Done()
			if err := b.invoke(hctx, h, event); err != nil {
				b.logger.Error("event handler failed",
					zap.String("event_type", string(event.Type)),
					zap.String("event_id", event.ID),
					zap.String("account_id", event.AccountID),
					zap.Error(err),
				)
			}
		}(h)
	}
	return nil
}

// PublishAndWait runs every handler and waits for them, returning the
// first error. A panicking handler is reported as an error.
func (b *Bus) PublishAndWait(ctx context.Context, event Event) error {
	handlers := b.snapshot(event.Type)
	metrics.EventsPublishedTotal.WithLabelValues(string(event.Type)).Inc()

	var (
		wg    sync.WaitGroup
		once  sync.Once
		first error
	)
	for _, h := range handlers {
		wg.Add(1)
		go func(h Handler) {
			defer wg.Done()
			if err := b.invoke(ctx, h, event); err != nil {
				once.Do(func() { first = err })
			}
		}(h)
	}
	wg.Wait()
	return first
}

// invoke runs one handler, converting a panic into an error.
func (b *Bus) invoke(ctx context.Context, h Handler, event Event) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("event handler panicked: %v", r)
		}
		if err != nil {
			metrics.EventHandlerErrorsTotal.WithLabelValues(string(event.Type)).Inc()
		}
	}()
	return h(ctx, event)
}

// Drain blocks until handlers started by Publish have returned. Used on shutdown.
func (b *Bus) Drain() {
	b.inflight.Wait()
}
