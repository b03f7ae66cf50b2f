package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// Webhook metrics
	WebhookEventsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "billing_webhook_events_total",
			Help: "Processor webhook events by type and outcome",
		},
		[]string{"event_type", "outcome"},
	)

	WebhookProcessingSeconds = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "billing_webhook_processing_seconds",
			Help:    "Time spent handling a verified webhook event",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"event_type"},
	)

	// Credit metrics
	CreditsGrantedTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "billing_credits_granted_total",
			Help: "Credits added to accounts, by entry type",
		},
		[]string{"type"},
	)

	CreditsDeductedTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "billing_credits_deducted_total",
			Help: "Credits removed from accounts, by entry type",
		},
		[]string{"type"},
	)

	UsageDeductionsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "billing_usage_deductions_total",
			Help: "Usage deductions by mode and outcome",
		},
		[]string{"mode", "outcome"},
	)

	// Renewal metrics
	RenewalOutcomesTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "billing_renewal_outcomes_total",
			Help: "Renewal decisions: granted, duplicate_prevented, skipped, failed",
		},
		[]string{"outcome"},
	)

	LockWaitSeconds = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "billing_lock_wait_seconds",
			Help:    "Time spent acquiring distributed locks",
			Buckets: []float64{0.001, 0.01, 0.05, 0.1, 0.5, 1, 5, 15, 30, 60},
		},
		[]string{"outcome"},
	)

	// Enterprise metrics
	EnterprisePoolBalance = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "billing_enterprise_pool_balance",
			Help: "Current enterprise pool credit balance",
		},
	)

	// HTTP metrics
	HTTPRequestsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "billing_http_requests_total",
			Help: "HTTP requests by method, route pattern and status",
		},
		[]string{"method", "route", "status"},
	)

	HTTPRequestSeconds = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "billing_http_request_seconds",
			Help:    "HTTP request latency by route pattern",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"method", "route"},
	)

	HTTPInFlight = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "billing_http_in_flight_requests",
			Help: "HTTP requests currently being served",
		},
	)

	DBPoolConnections = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "billing_db_pool_connections",
			Help: "PostgreSQL pool connections by state",
		},
		[]string{"state"},
	)

	DependencyUp = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "billing_dependency_up",
			Help: "Dependency health (1 = up, 0 = down)",
		},
		[]string{"dependency"},
	)

	RateLimitedTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "billing_rate_limited_requests_total",
			Help: "Usage API requests rejected by the per-account limiter",
		},
		[]string{"reason"},
	)

	// Event bus metrics
	EventsPublishedTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "billing_events_published_total",
			Help: "Billing events published on the in-process bus",
		},
		[]string{"event_type"},
	)

	EventHandlerErrorsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "billing_event_handler_errors_total",
			Help: "Event handlers that returned an error or panicked",
		},
		[]string{"event_type"},
	)

	// Alert delivery metrics
	NotificationsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "billing_notifications_total",
			Help: "Alert deliveries by channel and outcome: delivered, failed, retried, dropped",
		},
		[]string{"channel", "outcome"},
	)

	NotificationDeliverySeconds = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "billing_notification_delivery_seconds",
			Help:    "Time spent on one alert delivery attempt",
			Buckets: []float64{0.1, 0.5, 1, 2, 5, 10, 30},
		},
		[]string{"channel"},
	)

	NotificationRetryQueueDepth = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "billing_notification_retry_queue_depth",
			Help: "Alert deliveries waiting for a retry",
		},
	)
)

// RecordWebhook records a handled webhook event.
func RecordWebhook(eventType, outcome string, seconds float64) {
	WebhookEventsTotal.WithLabelValues(eventType, outcome).Inc()
	WebhookProcessingSeconds.WithLabelValues(eventType).Observe(seconds)
}

// RecordCredits records a signed credit movement.
func RecordCredits(entryType string, amount float64) {
	if amount >= 0 {
		CreditsGrantedTotal.WithLabelValues(entryType).Add(amount)
		return
	}
	CreditsDeductedTotal.WithLabelValues(entryType).Add(-amount)
}

// RecordNotification records one alert delivery attempt.
func RecordNotification(channel string, err error, d time.Duration) {
	outcome := "delivered"
	if err != nil {
		outcome = "failed"
	}
	NotificationsTotal.WithLabelValues(channel, outcome).Inc()
	NotificationDeliverySeconds.WithLabelValues(channel).Observe(d.Seconds())
}
