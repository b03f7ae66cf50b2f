package notifications

import (
	"bytes"
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/crosslogic/billing-core/pkg/events"
	"go.uber.org/zap"
)

// Headers set on every generic webhook delivery.
const (
	HeaderSignature = "X-Billing-Signature"
	HeaderEventType = "X-Billing-Event-Type"
	HeaderEventID   = "X-Billing-Event-ID"
)

// Signature verification errors.
var (
	ErrMalformedSignature = errors.New("malformed signature header")
	ErrSignatureMismatch  = errors.New("signature mismatch")
	ErrSignatureExpired   = errors.New("signature timestamp outside tolerance")
)

// WebhookPayload is the JSON body of a generic webhook alert.
type WebhookPayload struct {
	EventID   string                 `json:"event_id"`
	EventType string                 `json:"event_type"`
	Timestamp string                 `json:"timestamp"`
	AccountID string                 `json:"account_id,omitempty"`
	Data      map[string]interface{} `json:"data"`
}

// WebhookAdapter posts alerts to an operator-owned endpoint. When a
// secret is configured each body is signed as "t=<unix>,v1=<hex hmac>",
// where the HMAC-SHA256 covers "<unix>.<body>".
type WebhookAdapter struct {
	url     string
	secret  string
	method  string
	headers map[string]string
	client  *http.Client
	logger  *zap.Logger
	now     func() time.Time
}

// NewWebhookAdapter creates a generic webhook sender.
func NewWebhookAdapter(url, secret, method string, headers map[string]string, logger *zap.Logger) *WebhookAdapter {
	if method == "" {
		method = http.MethodPost
	}
	return &WebhookAdapter{
		url:     url,
		secret:  secret,
		method:  method,
		headers: headers,
		client:  &http.Client{Timeout: 30 * time.Second},
		logger:  logger,
		now:     time.Now,
	}
}

// Send delivers one event. Any non-2xx answer is an error so the caller
// can retry.
func (w *WebhookAdapter) Send(ctx context.Context, event events.Event) error {
	body, err := json.Marshal(WebhookPayload{
		EventID:   event.ID,
		EventType: string(event.Type),
		Timestamp: event.Timestamp.UTC().Format(time.RFC3339),
		AccountID: event.AccountID,
		Data:      event.Payload,
	})
	if err != nil {
		return fmt.Errorf("failed to marshal webhook payload: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, w.method, w.url, bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("failed to create request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("User-Agent", "billing-core-notifications")
	for key, value := range w.headers {
		req.Header.Set(key, value)
	}
	req.Header.Set(HeaderEventType, string(event.Type))
	req.Header.Set(HeaderEventID, event.ID)
	if w.secret != "" {
		req.Header.Set(HeaderSignature, Sign(body, w.secret, w.now()))
	}

	resp, err := w.client.Do(req)
	if err != nil {
		return fmt.Errorf("failed to send webhook: %w", err)
	}
	defer resp.Body.Close()
	_, _ = io.Copy(io.Discard, io.LimitReader(resp.Body, 4096))

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return fmt.Errorf("webhook returned status %d", resp.StatusCode)
	}

	w.logger.Debug("webhook alert sent",
		zap.String("url", maskURL(w.url)),
		zap.String("event_id", event.ID),
		zap.Int("status_code", resp.StatusCode),
	)
	return nil
}

func computeMAC(body []byte, secret string, unix int64) string {
	mac := hmac.New(sha256.New, []byte(secret))
	mac.Write([]byte(strconv.FormatInt(unix, 10)))
	mac.Write([]byte("."))
	mac.Write(body)
	return hex.EncodeToString(mac.Sum(nil))
}

// Sign returns the signature header value for body sent at ts.
func Sign(body []byte, secret string, ts time.Time) string {
	unix := ts.Unix()
	return fmt.Sprintf("t=%d,v1=%s", unix, computeMAC(body, secret, unix))
}

// VerifySignature checks a signature header produced by Sign. A zero
// tolerance skips the timestamp check. Receivers use it to authenticate
// deliveries.
func VerifySignature(body []byte, header, secret string, tolerance time.Duration, now time.Time) error {
	var (
		unix int64
		sigs []string
		err  error
	)
	for _, part := range strings.Split(header, ",") {
		k, v, ok := strings.Cut(strings.TrimSpace(part), "=")
		if !ok {
			return ErrMalformedSignature
		}
		switch k {
		case "t":
			if unix, err = strconv.ParseInt(v, 10, 64); err != nil {
				return ErrMalformedSignature
			}
		case "v1":
			sigs = append(sigs, v)
		}
	}
	if unix == 0 || len(sigs) == 0 {
		return ErrMalformedSignature
	}
	if tolerance > 0 {
		age := now.Sub(time.Unix(unix, 0))
		if age > tolerance || age < -tolerance {
			return ErrSignatureExpired
		}
	}
	want := computeMAC(body, secret, unix)
	for _, sig := range sigs {
		if hmac.Equal([]byte(sig), []byte(want)) {
			return nil
		}
	}
	return ErrSignatureMismatch
}
