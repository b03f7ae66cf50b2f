package notifications

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/crosslogic/billing-core/internal/config"
	"github.com/crosslogic/billing-core/pkg/cache"
	"github.com/crosslogic/billing-core/pkg/events"
	"github.com/crosslogic/billing-core/pkg/metrics"
	"go.uber.org/zap"
)

const (
	dedupKeyPrefix = "notifications:sent:"
	maxBackoff     = 5 * time.Minute
)

// AlertEvents are the billing events that need a human: failures that
// require manual reconciliation plus manual balance changes.
var AlertEvents = []events.EventType{
	events.EventWebhookFailed,
	events.EventRefundFailed,
	events.EventPaymentFailed,
	events.EventCreditsAdjusted,
	events.EventPoolLoaded,
	events.EventPoolNegated,
}

// Sender delivers one event to one channel.
type Sender interface {
	Send(ctx context.Context, event events.Event) error
}

// Service is the main notification service that orchestrates delivery
type Service struct {
	config *config.NotificationsConfig
	cache  *cache.Cache
	logger *zap.Logger
	bus    *events.Bus

	senders map[string]Sender

	retryQueue chan *DeliveryTask
	stopChan   chan struct{}
	stopOnce   sync.Once
	wg         sync.WaitGroup
}

// DeliveryTask represents a notification delivery task
type DeliveryTask struct {
	ID          string
	Event       events.Event
	Channel     string
	RetryCount  int
	MaxRetries  int
	CreatedAt   time.Time
	LastAttempt time.Time
}

// NewService creates a new notification service. The cache is optional;
// without it events are not deduplicated across redeliveries.
func NewService(cfg *config.NotificationsConfig, cache *cache.Cache, logger *zap.Logger, bus *events.Bus) (*Service, error) {
	s := &Service{
		config:  cfg,
		cache:   cache,
		logger:  logger,
		bus:     bus,
		senders: make(map[string]Sender),
	}
	if !cfg.Enabled {
		logger.Info("notification service is disabled")
		return s, nil
	}
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid notification config: %w", err)
	}

	s.retryQueue = make(chan *DeliveryTask, cfg.RetryQueueSize)
	s.stopChan = make(chan struct{})

	if cfg.SlackEnabled {
		s.senders[config.ChannelSlack] = NewSlackAdapter(cfg.SlackWebhookURL, cfg.SlackChannel, logger)
		logger.Info("slack notifications enabled", zap.String("webhook_url", maskURL(cfg.SlackWebhookURL)))
	}
	if cfg.WebhookEnabled {
		s.senders[config.ChannelWebhook] = NewWebhookAdapter(
			cfg.WebhookURL,
			cfg.WebhookSecret,
			cfg.WebhookMethod,
			cfg.WebhookHeaders,
			logger,
		)
		logger.Info("generic webhook notifications enabled", zap.String("url", maskURL(cfg.WebhookURL)))
	}

	logger.Info("notification service initialized",
		zap.Bool("slack", cfg.SlackEnabled),
		zap.Bool("webhook", cfg.WebhookEnabled),
		zap.Int("max_retries", cfg.MaxRetries),
		zap.Int("retry_workers", cfg.RetryWorkers),
	)
	return s, nil
}

// Start subscribes to the alert events and starts the retry workers.
func (s *Service) Start(ctx context.Context) error {
	if !s.config.Enabled {
		s.logger.Info("notification service is disabled, skipping start")
		return nil
	}

	names := make([]string, 0, len(AlertEvents))
	for _, t := range AlertEvents {
		s.bus.Subscribe(t, s.handleEvent)
		names = append(names, string(t))
	}
	s.logger.Info("subscribed to event types", zap.Strings("events", names))

	for i := 0; i < s.config.RetryWorkers; i++ {
		s.wg.Add(1)
		go s.retryWorker(ctx, i)
	}
	return nil
}

// Stop stops the retry workers. Queued retries are dropped.
func (s *Service) Stop(ctx context.Context) error {
	if !s.config.Enabled {
		return nil
	}
	s.logger.Info("stopping notification service")
	s.stopOnce.Do(func() { close(s.stopChan) })

	done := make(chan struct{})
	go func() {
		s.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		s.logger.Info("notification service stopped")
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// handleEvent routes an event to every configured channel.
func (s *Service) handleEvent(ctx context.Context, event events.Event) error {
	if !s.claim(ctx, event.ID) {
		s.logger.Debug("duplicate event, skipping", zap.String("event_id", event.ID))
		return nil
	}

	channels := s.config.ChannelsFor(string(event.Type))
	if len(channels) == 0 {
		s.logger.Debug("no channels configured for event type", zap.String("event_type", string(event.Type)))
		return nil
	}

	for _, channel := range channels {
		task := &DeliveryTask{
			ID:          fmt.Sprintf("%s-%s", event.ID, channel),
			Event:       event,
			Channel:     channel,
			MaxRetries:  s.config.MaxRetries,
			CreatedAt:   time.Now(),
			LastAttempt: time.Now(),
		}
		if err := s.deliver(ctx, task); err != nil {
			s.enqueueRetry(task)
		}
	}
	return nil
}

// deliver delivers a notification to the specified channel
func (s *Service) deliver(ctx context.Context, task *DeliveryTask) error {
	startTime := time.Now()

	ctx, cancel := context.WithTimeout(ctx, s.config.DeliveryTimeout)
	defer cancel()

	var err error
	if sender, ok := s.senders[task.Channel]; ok {
		err = sender.Send(ctx, task.Event)
	} else {
		err = fmt.Errorf("unknown channel: %s", task.Channel)
	}
	duration := time.Since(startTime)
	metrics.RecordNotification(task.Channel, err, duration)

	if err != nil {
		s.logger.Error("notification delivery failed",
			zap.String("event_id", task.Event.ID),
			zap.String("channel", task.Channel),
			zap.Int("retry_count", task.RetryCount),
			zap.Duration("duration", duration),
			zap.Error(err),
		)
		return err
	}

	s.logger.Info("notification delivered",
		zap.String("event_id", task.Event.ID),
		zap.String("event_type", string(task.Event.Type)),
		zap.String("account_id", task.Event.AccountID),
		zap.String("channel", task.Channel),
		zap.Duration("duration", duration),
	)
	return nil
}

// enqueueRetry adds a failed delivery to the retry queue
func (s *Service) enqueueRetry(task *DeliveryTask) {
	task.RetryCount++
	task.LastAttempt = time.Now()

	if task.RetryCount > task.MaxRetries {
		metrics.NotificationsTotal.WithLabelValues(task.Channel, "dropped").Inc()
		s.logger.Error("max retries exceeded, giving up",
			zap.String("task_id", task.ID),
			zap.String("event_type", string(task.Event.Type)),
			zap.String("channel", task.Channel),
		)
		return
	}

	select {
	case s.retryQueue <- task:
		metrics.NotificationsTotal.WithLabelValues(task.Channel, "retried").Inc()
		metrics.NotificationRetryQueueDepth.Set(float64(len(s.retryQueue)))
	default:
		metrics.NotificationsTotal.WithLabelValues(task.Channel, "dropped").Inc()
		s.logger.Error("retry queue full, dropping task",
			zap.String("task_id", task.ID),
			zap.String("channel", task.Channel),
		)
	}
}

// retryWorker processes the retry queue
func (s *Service) retryWorker(ctx context.Context, workerID int) {
	defer s.wg.Done()

	for {
		select {
		case <-s.stopChan:
			return
		case <-ctx.Done():
			return
		case task := <-s.retryQueue:
			metrics.NotificationRetryQueueDepth.Set(float64(len(s.retryQueue)))

			timer := time.NewTimer(s.calculateBackoff(task.RetryCount))
			select {
			case <-s.stopChan:
				timer.Stop()
				return
			case <-ctx.Done():
				timer.Stop()
				return
			case <-timer.C:
			}

			if err := s.deliver(ctx, task); err != nil {
				s.logger.Warn("retry failed",
					zap.Int("worker_id", workerID),
					zap.String("task_id", task.ID),
					zap.Int("retry_count", task.RetryCount),
				)
				s.enqueueRetry(task)
			}
		}
	}
}

// calculateBackoff is base * 2^(retryCount-1), capped at five minutes.
func (s *Service) calculateBackoff(retryCount int) time.Duration {
	if retryCount < 1 {
		retryCount = 1
	}
	backoff := s.config.RetryBackoffBase * time.Duration(1<<uint(retryCount-1))
	if backoff > maxBackoff || backoff <= 0 {
		backoff = maxBackoff
	}
	return backoff
}

// claim reports whether this process should deliver the event. A cache
// error lets the event through.
func (s *Service) claim(ctx context.Context, eventID string) bool {
	if s.cache == nil {
		return true
	}
	ok, err := s.cache.SetNX(ctx, dedupKeyPrefix+eventID, "1", s.config.DedupWindow)
	if err != nil {
		s.logger.Warn("failed to check notification dedup key", zap.String("event_id", eventID), zap.Error(err))
		return true
	}
	return ok
}

// maskURL masks sensitive parts of a URL for logging
func maskURL(url string) string {
	if len(url) < 20 {
		return "***"
	}
	return url[:20] + "***"
}
