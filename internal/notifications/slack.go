package notifications

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"github.com/crosslogic/billing-core/pkg/events"
	"go.uber.org/zap"
)

// SlackAdapter sends notifications to Slack via webhooks
type SlackAdapter struct {
	webhookURL string
	channel    string
	client     *http.Client
	logger     *zap.Logger
}

// SlackWebhookPayload represents a Slack webhook message
type SlackWebhookPayload struct {
	Channel  string       `json:"channel,omitempty"`
	Username string       `json:"username,omitempty"`
	Blocks   []SlackBlock `json:"blocks,omitempty"`
	Text     string       `json:"text,omitempty"` // Fallback text
}

// SlackBlock represents a Slack Block Kit block
type SlackBlock struct {
	Type   string            `json:"type"`
	Text   *SlackTextObject  `json:"text,omitempty"`
	Fields []SlackTextObject `json:"fields,omitempty"`
}

// SlackTextObject represents a text object in Slack
type SlackTextObject struct {
	Type  string `json:"type"` // "plain_text" or "mrkdwn"
	Text  string `json:"text"`
	Emoji bool   `json:"emoji,omitempty"`
}

// NewSlackAdapter creates a new Slack notification adapter
func NewSlackAdapter(webhookURL, channel string, logger *zap.Logger) *SlackAdapter {
	return &SlackAdapter{
		webhookURL: webhookURL,
		channel:    channel,
		client: &http.Client{
			Timeout: 30 * time.Second,
		},
		logger: logger,
	}
}

// Send sends a notification to Slack
func (s *SlackAdapter) Send(ctx context.Context, event events.Event) error {
	payload := SlackWebhookPayload{
		Channel:  s.channel,
		Username: "Billing Alerts",
		Blocks:   s.formatEvent(event),
		Text:     fmt.Sprintf("Billing event: %s", event.Type),
	}

	jsonData, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("failed to marshal slack payload: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, s.webhookURL, bytes.NewBuffer(jsonData))
	if err != nil {
		return fmt.Errorf("failed to create request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := s.client.Do(req)
	if err != nil {
		return fmt.Errorf("failed to send slack webhook: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return fmt.Errorf("slack webhook returned status %d", resp.StatusCode)
	}
	return nil
}

// formatEvent converts an event into Slack blocks
func (s *SlackAdapter) formatEvent(event events.Event) []SlackBlock {
	switch event.Type {
	case events.EventWebhookFailed:
		return alertBlocks(event, "🚨 Webhook Processing Failed",
			fmt.Sprintf("Event `%s` (%s) failed and needs reconciliation.",
				getStringField(event.Payload, "event_id"),
				getStringField(event.Payload, "event_type"),
			),
			field("Error kind", getStringField(event.Payload, "error_kind")),
			field("Error", getStringField(event.Payload, "error")),
		)
	case events.EventRefundFailed:
		return alertBlocks(event, "💸 Refund Not Applied",
			fmt.Sprintf("Refund `%s` could not be applied to credits.", getStringField(event.Payload, "refund_id")),
			field("Payment intent", getStringField(event.Payload, "payment_intent_id")),
			field("Error kind", getStringField(event.Payload, "error_kind")),
			field("Error", getStringField(event.Payload, "error")),
		)
	case events.EventPaymentFailed:
		return alertBlocks(event, "⚠️ Payment Failed",
			fmt.Sprintf("Invoice `%s` payment failed.", getStringField(event.Payload, "invoice_id")),
			field("Amount due", getStringField(event.Payload, "amount_due")),
			field("Attempt", getStringField(event.Payload, "attempt")),
		)
	case events.EventCreditsAdjusted:
		return alertBlocks(event, "🛠️ Manual Credit Adjustment", "",
			field("Amount", getStringField(event.Payload, "amount")),
			field("Reason", getStringField(event.Payload, "reason")),
			field("By", getStringField(event.Payload, "performed_by")),
		)
	case events.EventPoolLoaded, events.EventPoolNegated:
		return alertBlocks(event, "🏦 Enterprise Pool Changed", "",
			field("Amount", getStringField(event.Payload, "amount")),
			field("Balance", getStringField(event.Payload, "balance")),
			field("By", getStringField(event.Payload, "performed_by")),
		)
	default:
		return s.formatGeneric(event)
	}
}

func (s *SlackAdapter) formatGeneric(event events.Event) []SlackBlock {
	return []SlackBlock{
		{
			Type: "header",
			Text: &SlackTextObject{
				Type:  "plain_text",
				Text:  fmt.Sprintf("📬 Event: %s", event.Type),
				Emoji: true,
			},
		},
		{
			Type: "section",
			Fields: []SlackTextObject{
				field("Event ID", fmt.Sprintf("`%s`", event.ID)),
				field("Account", accountLabel(event)),
			},
		},
	}
}

func alertBlocks(event events.Event, title, summary string, fields ...SlackTextObject) []SlackBlock {
	blocks := []SlackBlock{{
		Type: "header",
		Text: &SlackTextObject{Type: "plain_text", Text: title, Emoji: true},
	}}
	if summary != "" {
		blocks = append(blocks, SlackBlock{
			Type: "section",
			Text: &SlackTextObject{Type: "mrkdwn", Text: summary},
		})
	}
	blocks = append(blocks,
		SlackBlock{
			Type:   "section",
			Fields: append([]SlackTextObject{field("Account", accountLabel(event))}, fields...),
		},
		SlackBlock{
			Type: "context",
			Fields: []SlackTextObject{{
				Type: "mrkdwn",
				Text: fmt.Sprintf("<!date^%d^{date_num} {time_secs}|%s>", event.Timestamp.Unix(), event.Timestamp.Format(time.RFC3339)),
			}},
		},
	)
	return blocks
}

func field(label, value string) SlackTextObject {
	return SlackTextObject{Type: "mrkdwn", Text: fmt.Sprintf("*%s:*\n%s", label, value)}
}

func accountLabel(event events.Event) string {
	if event.AccountID == "" {
		return "system"
	}
	return fmt.Sprintf("`%s`", event.AccountID)
}

// getStringField safely reads a payload value as text.
func getStringField(payload map[string]interface{}, key string) string {
	if val, ok := payload[key]; ok {
		if str, ok := val.(string); ok {
			return str
		}
		return fmt.Sprintf("%v", val)
	}
	return "N/A"
}
