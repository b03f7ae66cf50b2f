package billing

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/crosslogic/billing-core/pkg/events"
	"github.com/crosslogic/billing-core/pkg/metrics"
	"github.com/stripe/stripe-go/v76"
	"github.com/stripe/stripe-go/v76/webhook"
	"go.uber.org/zap"
)

const maxWebhookBodyBytes = 1 << 20

// WebhookHandler receives Stripe webhook deliveries for the credit system.
//
// Every delivery goes through the same pipeline:
//  1. signature verification (400 on failure)
//  2. idempotency claim on the event id
//  3. typed decode and dispatch to the lifecycle, renewal or refund component
//  4. completion or failure recorded against the event id
//
// A handler failure is recorded, logged and published for manual
// reconciliation, and the delivery is still acknowledged with 200 so the
// processor does not keep retrying a payload that cannot be applied. A
// delivery that finds the event still in flight gets 409 so the processor
// tries again later, and a failed idempotency claim (nothing recorded yet)
// is answered with 503.
type WebhookHandler struct {
	// webhookSecret is the signing secret of the Stripe endpoint.
	webhookSecret string

	service *Service
	logger  *zap.Logger

	// timeout bounds the business processing of one event.
	timeout time.Duration
}

// webhookResponse is the JSON body returned to the processor.
type webhookResponse struct {
	Received bool   `json:"received"`
	Status   string `json:"status"`
	Reason   string `json:"reason,omitempty"`
}

// NewWebhookHandler creates a Stripe webhook handler over the billing service.
//
// Example:
//
//	handler := billing.NewWebhookHandler(cfg.Billing.StripeWebhookSecret, svc, logger)
//	r.Post("/api/webhooks/stripe", handler.HandleWebhook)
func NewWebhookHandler(webhookSecret string, service *Service, logger *zap.Logger) *WebhookHandler {
	timeout := service.deps.Config.WebhookProcessingTimeout
	if timeout <= 0 {
		timeout = defaultProcessingTimeout
	}
	return &WebhookHandler{
		webhookSecret: webhookSecret,
		service:       service,
		logger:        logger,
		timeout:       timeout,
	}
}

// HandleWebhook processes one Stripe delivery.
//
// HTTP Response Codes:
// - 200 OK: processed, duplicate, ignored, or failed and recorded
// - 400 Bad Request: unreadable body or invalid signature
// - 409 Conflict: another delivery of the event is still being processed
// - 503 Service Unavailable: the event could not be claimed; safe to retry
func (h *WebhookHandler) HandleWebhook(w http.ResponseWriter, r *http.Request) {
	start := time.Now()

	body, err := io.ReadAll(http.MaxBytesReader(w, r.Body, maxWebhookBodyBytes))
	if err != nil {
		h.logger.Error("failed to read webhook body", zap.Error(err))
		http.Error(w, "Failed to read request body", http.StatusBadRequest)
		return
	}

	signature := r.Header.Get("Stripe-Signature")
	event, err := webhook.ConstructEventWithOptions(body, signature, h.webhookSecret,
		webhook.ConstructEventOptions{IgnoreAPIVersionMismatch: true})
	if err != nil {
		h.logger.Warn("webhook signature verification failed", zap.Error(err))
		metrics.WebhookEventsTotal.WithLabelValues("unknown", "invalid_signature").Inc()
		http.Error(w, "Invalid signature", http.StatusBadRequest)
		return
	}
	eventType := string(event.Type)

	// Processing must not stop half way because the processor hung up.
	ctx, cancel := context.WithTimeout(context.WithoutCancel(r.Context()), h.timeout)
	defer cancel()

	canProcess, reason, err := h.service.Idempotency.CheckAndMarkProcessing(ctx, event.ID, eventType, body)
	if err != nil {
		h.logger.Error("failed to claim webhook event",
			zap.String("event_id", event.ID),
			zap.String("event_type", eventType),
			zap.Error(err),
		)
		metrics.RecordWebhook(eventType, "claim_error", time.Since(start).Seconds())
		http.Error(w, "Failed to reserve event", http.StatusServiceUnavailable)
		return
	}
	if !canProcess {
		h.logger.Info("webhook event already claimed",
			zap.String("event_id", event.ID),
			zap.String("event_type", eventType),
			zap.String("reason", reason),
		)
		if reason == ClaimInFlight {
			// Not acknowledged: if the worker holding the claim dies, a later
			// redelivery reclaims the stale marker.
			metrics.RecordWebhook(eventType, "in_flight", time.Since(start).Seconds())
			h.respondStatus(w, http.StatusConflict, webhookResponse{Received: true, Status: "in_flight", Reason: reason})
			return
		}
		metrics.RecordWebhook(eventType, "duplicate", time.Since(start).Seconds())
		h.respond(w, webhookResponse{Received: true, Status: "duplicate", Reason: reason})
		return
	}

	h.logger.Info("processing webhook event",
		zap.String("event_id", event.ID),
		zap.String("event_type", eventType),
		zap.Time("created", time.Unix(event.Created, 0)),
	)

	if handlerErr := h.process(ctx, event); handlerErr != nil {
		h.logger.Error("webhook event processing failed",
			zap.String("event_id", event.ID),
			zap.String("event_type", eventType),
			zap.String("error_kind", string(KindOf(handlerErr))),
			zap.Error(handlerErr),
		)
		if err := h.service.Idempotency.MarkFailed(ctx, event.ID, handlerErr); err != nil {
			h.logger.Error("failed to record webhook failure", zap.String("event_id", event.ID), zap.Error(err))
		}
		h.service.deps.publish(ctx, events.EventWebhookFailed, "", map[string]interface{}{
			"event_id":   event.ID,
			"event_type": eventType,
			"error_kind": string(KindOf(handlerErr)),
			"error":      handlerErr.Error(),
		})
		metrics.RecordWebhook(eventType, "failed", time.Since(start).Seconds())
		h.respond(w, webhookResponse{Received: true, Status: "failed"})
		return
	}

	if err := h.service.Idempotency.MarkCompleted(ctx, event.ID); err != nil {
		// The grant guards make a redelivery harmless.
		h.logger.Error("failed to mark webhook completed", zap.String("event_id", event.ID), zap.Error(err))
	}
	metrics.RecordWebhook(eventType, "processed", time.Since(start).Seconds())
	h.respond(w, webhookResponse{Received: true, Status: "processed"})
}

// process decodes and dispatches one event. Panics are turned into errors
// so the event is recorded as failed.
func (h *WebhookHandler) process(ctx context.Context, event stripe.Event) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("panic while handling %s: %v", event.Type, r)
		}
	}()

	decoded, err := DecodeEvent(event)
	if err != nil {
		return err
	}
	return h.service.Dispatch(ctx, decoded)
}

func (h *WebhookHandler) respond(w http.ResponseWriter, body webhookResponse) {
	h.respondStatus(w, http.StatusOK, body)
}

func (h *WebhookHandler) respondStatus(w http.ResponseWriter, status int, body webhookResponse) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(body); err != nil {
		h.logger.Warn("failed to write webhook response", zap.Error(err))
	}
}
