package gateway

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/crosslogic/billing-core/internal/billing"
	"github.com/crosslogic/billing-core/internal/config"
	"github.com/crosslogic/billing-core/internal/store/memory"
	"github.com/crosslogic/billing-core/pkg/lock"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

const (
	testAdminToken   = "admin-secret"
	testServiceToken = "service-secret"
)

type failingDependency struct{}

func (failingDependency) Health(context.Context) error { return errors.New("connection refused") }

func newTestGateway(t *testing.T, withLimiter *RateLimiter, mode string) (*Gateway, *billing.Service) {
	t.Helper()
	c, _ := setupLimiterCache(t)
	svc := billing.NewService(billing.Deps{
		Store:  memory.New(),
		Cache:  c,
		Locker: lock.NewRedisLocker(c.Client, 10*time.Second, zap.NewNop()),
		Config: config.BillingConfig{
			Mode:                     mode,
			RenewalLockWait:          time.Second,
			RenewalLockExpiry:        10 * time.Second,
			WebhookProcessingTimeout: time.Minute,
			WebhookCacheTTL:          time.Minute,
			SummaryCacheTTL:          time.Minute,
		},
		Logger: zap.NewNop(),
	})
	g := NewGateway(Options{
		Service:      svc,
		RateLimiter:  withLimiter,
		AdminToken:   testAdminToken,
		ServiceToken: testServiceToken,
		Logger:       zap.NewNop(),
	})
	return g, svc
}

func doRequest(t *testing.T, g *Gateway, method, path string, body interface{}, headers map[string]string) *httptest.ResponseRecorder {
	t.Helper()
	var buf bytes.Buffer
	if body != nil {
		require.NoError(t, json.NewEncoder(&buf).Encode(body))
	}
	req := httptest.NewRequest(method, path, &buf)
	req.Header.Set("Content-Type", "application/json")
	for k, v := range headers {
		req.Header.Set(k, v)
	}
	rec := httptest.NewRecorder()
	g.ServeHTTP(rec, req)
	return rec
}

func serviceAuth() map[string]string {
	return map[string]string{"Authorization": "Bearer " + testServiceToken}
}

func adminAuth() map[string]string {
	return map[string]string{"X-Admin-Token": testAdminToken}
}

func decodeBody(t *testing.T, rec *httptest.ResponseRecorder, v interface{}) {
	t.Helper()
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), v), rec.Body.String())
}

type errorBody struct {
	Error struct {
		Message string `json:"message"`
		Type    string `json:"type"`
	} `json:"error"`
}

func TestGateway_Authentication(t *testing.T) {
	g, _ := newTestGateway(t, nil, config.ModeSaaS)

	tests := []struct {
		name    string
		path    string
		headers map[string]string
		status  int
	}{
		{"usage api without token", "/v1/credits/acct_1/summary", nil, http.StatusUnauthorized},
		{"usage api with wrong token", "/v1/credits/acct_1/summary", map[string]string{"Authorization": "Bearer nope"}, http.StatusUnauthorized},
		{"usage api with admin token", "/v1/credits/acct_1/summary", adminAuth(), http.StatusUnauthorized},
		{"usage api authorized", "/v1/credits/acct_1/summary", serviceAuth(), http.StatusOK},
		{"admin without token", "/admin/webhooks/failed", nil, http.StatusUnauthorized},
		{"admin with service token", "/admin/webhooks/failed", map[string]string{"X-Admin-Token": testServiceToken}, http.StatusUnauthorized},
		{"admin authorized", "/admin/webhooks/failed", adminAuth(), http.StatusOK},
		{"health needs no auth", "/health", nil, http.StatusOK},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			rec := doRequest(t, g, http.MethodGet, tt.path, nil, tt.headers)
			assert.Equal(t, tt.status, rec.Code)
		})
	}
}

func TestGateway_ReserveChargeAndRead(t *testing.T) {
	g, _ := newTestGateway(t, nil, config.ModeSaaS)

	rec := doRequest(t, g, http.MethodPost, "/admin/accounts/acct_1/adjust", map[string]interface{}{
		"amount":       "10",
		"reason":       "goodwill",
		"performed_by": "ops@example.com",
	}, adminAuth())
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	var adjusted billing.LedgerResult
	decodeBody(t, rec, &adjusted)
	assert.True(t, adjusted.Balance.Equal(decimal.NewFromInt(10)))

	rec = doRequest(t, g, http.MethodPost, "/v1/credits/acct_1/reserve", map[string]interface{}{
		"model":                   "gpt-4o-mini",
		"estimated_prompt_tokens": 1000,
	}, serviceAuth())
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	var reserved billing.ReserveResult
	decodeBody(t, rec, &reserved)
	assert.True(t, reserved.CanProceed)
	assert.NotEmpty(t, reserved.ReservationID)

	rec = doRequest(t, g, http.MethodPost, "/v1/credits/acct_1/usage", map[string]interface{}{
		"model":             "gpt-4o-mini",
		"prompt_tokens":     1000000,
		"completion_tokens": 0,
		"message_id":        "msg_1",
		"reservation_id":    reserved.ReservationID,
	}, serviceAuth())
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	var charged billing.DeductResult
	decodeBody(t, rec, &charged)
	assert.True(t, charged.Success)
	assert.Equal(t, "0.18", charged.Charged.String())
	assert.Equal(t, "9.82", charged.NewBalance.String())

	rec = doRequest(t, g, http.MethodGet, "/v1/credits/acct_1/summary", nil, serviceAuth())
	require.Equal(t, http.StatusOK, rec.Code)
	var summary billing.CreditSummary
	decodeBody(t, rec, &summary)
	assert.Equal(t, "9.82", summary.Balance.String())

	rec = doRequest(t, g, http.MethodGet, "/v1/credits/acct_1/ledger?limit=10", nil, serviceAuth())
	require.Equal(t, http.StatusOK, rec.Code)
	var ledger struct {
		AccountID string `json:"account_id"`
		Entries   []struct {
			Type      string `json:"type"`
			MessageID string `json:"message_id"`
		} `json:"entries"`
	}
	decodeBody(t, rec, &ledger)
	require.Len(t, ledger.Entries, 2)
	assert.Equal(t, "usage", ledger.Entries[0].Type)
	assert.Equal(t, "msg_1", ledger.Entries[0].MessageID)
	assert.Equal(t, "adjustment", ledger.Entries[1].Type)
}

func TestGateway_RefusalsAreNotErrors(t *testing.T) {
	g, _ := newTestGateway(t, nil, config.ModeSaaS)

	// Accounts without a plan only reach the basic models.
	rec := doRequest(t, g, http.MethodPost, "/v1/credits/acct_new/reserve", map[string]interface{}{
		"model":                  "claude-opus-4",
		"estimated_total_tokens": 100,
	}, serviceAuth())
	require.Equal(t, http.StatusOK, rec.Code)
	var reserved billing.ReserveResult
	decodeBody(t, rec, &reserved)
	assert.False(t, reserved.CanProceed)
	assert.Equal(t, billing.KindModelAccessDenied, reserved.ErrorKind)
	assert.Empty(t, reserved.ReservationID)

	rec = doRequest(t, g, http.MethodPost, "/v1/credits/acct_new/usage", map[string]interface{}{
		"model":         "gpt-4o-mini",
		"prompt_tokens": 1000,
	}, serviceAuth())
	require.Equal(t, http.StatusOK, rec.Code)
	var charged billing.DeductResult
	decodeBody(t, rec, &charged)
	assert.False(t, charged.Success)
	assert.Equal(t, billing.KindInsufficientBalance, charged.ErrorKind)
	assert.True(t, charged.NewBalance.IsZero())
}

func TestGateway_InvalidRequests(t *testing.T) {
	g, _ := newTestGateway(t, nil, config.ModeSaaS)

	tests := []struct {
		name    string
		method  string
		path    string
		body    interface{}
		headers map[string]string
		errType string
	}{
		{"reserve without model", http.MethodPost, "/v1/credits/acct_1/reserve", map[string]interface{}{}, serviceAuth(), "invalid_request_error"},
		{"usage with negative tokens", http.MethodPost, "/v1/credits/acct_1/usage", map[string]interface{}{"model": "gpt-4o", "prompt_tokens": -1}, serviceAuth(), "invalid_request_error"},
		{"usage with malformed body", http.MethodPost, "/v1/credits/acct_1/usage", "not an object", serviceAuth(), "invalid_request_error"},
		{"adjust without reason", http.MethodPost, "/admin/accounts/acct_1/adjust", map[string]interface{}{"amount": "5"}, adminAuth(), "invalid_request_error"},
		{"adjust by zero", http.MethodPost, "/admin/accounts/acct_1/adjust", map[string]interface{}{"amount": "0", "reason": "noop"}, adminAuth(), string(billing.KindInvalidRequest)},
		{"negative pool load", http.MethodPost, "/admin/enterprise/pool/load", map[string]interface{}{"amount": "-5"}, adminAuth(), string(billing.KindInvalidRequest)},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			rec := doRequest(t, g, tt.method, tt.path, tt.body, tt.headers)
			require.Equal(t, http.StatusBadRequest, rec.Code, rec.Body.String())
			var body errorBody
			decodeBody(t, rec, &body)
			assert.Equal(t, tt.errType, body.Error.Type)
		})
	}
}

func TestGateway_EnterpriseAdmin(t *testing.T) {
	g, _ := newTestGateway(t, nil, config.ModeEnterprise)

	rec := doRequest(t, g, http.MethodGet, "/admin/enterprise/pool", nil, adminAuth())
	require.Equal(t, http.StatusNotFound, rec.Code)
	var missing errorBody
	decodeBody(t, rec, &missing)
	assert.Equal(t, string(billing.KindNotInitialized), missing.Error.Type)

	rec = doRequest(t, g, http.MethodPost, "/admin/enterprise/pool/load", map[string]interface{}{
		"amount":       "100",
		"performed_by": "finance@example.com",
		"description":  "Q1 top-up",
	}, adminAuth())
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())

	rec = doRequest(t, g, http.MethodPost, "/admin/enterprise/users", map[string]interface{}{
		"account_id":    "member_1",
		"monthly_limit": "5",
	}, adminAuth())
	require.Equal(t, http.StatusCreated, rec.Code, rec.Body.String())

	rec = doRequest(t, g, http.MethodPut, "/admin/enterprise/users/member_1", map[string]interface{}{
		"monthly_limit": "8",
	}, adminAuth())
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())

	rec = doRequest(t, g, http.MethodGet, "/admin/enterprise/users/member_1", nil, adminAuth())
	require.Equal(t, http.StatusOK, rec.Code)
	var limit struct {
		AccountID    string          `json:"account_id"`
		MonthlyLimit decimal.Decimal `json:"monthly_limit"`
		IsActive     bool            `json:"is_active"`
	}
	decodeBody(t, rec, &limit)
	assert.Equal(t, "member_1", limit.AccountID)
	assert.Equal(t, "8", limit.MonthlyLimit.String())
	assert.True(t, limit.IsActive)

	rec = doRequest(t, g, http.MethodGet, "/admin/enterprise/users/member_2", nil, adminAuth())
	assert.Equal(t, http.StatusNotFound, rec.Code)

	// Deactivated members are refused at reservation time.
	rec = doRequest(t, g, http.MethodPost, "/admin/enterprise/users/member_1/deactivate", nil, adminAuth())
	require.Equal(t, http.StatusOK, rec.Code)
	rec = doRequest(t, g, http.MethodPost, "/v1/credits/member_1/reserve", map[string]interface{}{
		"model":                  "gpt-4o-mini",
		"estimated_total_tokens": 100,
	}, serviceAuth())
	require.Equal(t, http.StatusOK, rec.Code)
	var reserved billing.ReserveResult
	decodeBody(t, rec, &reserved)
	assert.False(t, reserved.CanProceed)
	assert.Equal(t, billing.KindUserDeactivated, reserved.ErrorKind)

	rec = doRequest(t, g, http.MethodPost, "/admin/enterprise/users/member_1/reactivate", nil, adminAuth())
	require.Equal(t, http.StatusOK, rec.Code)

	rec = doRequest(t, g, http.MethodPost, "/admin/enterprise/pool/negate", map[string]interface{}{
		"amount":       "30",
		"performed_by": "finance@example.com",
	}, adminAuth())
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	var pool struct {
		CreditBalance decimal.Decimal `json:"credit_balance"`
	}
	decodeBody(t, rec, &pool)
	assert.Equal(t, "70", pool.CreditBalance.String())

	rec = doRequest(t, g, http.MethodGet, "/admin/enterprise/transactions", nil, adminAuth())
	require.Equal(t, http.StatusOK, rec.Code)
	var txns struct {
		Transactions []json.RawMessage `json:"transactions"`
	}
	decodeBody(t, rec, &txns)
	assert.Len(t, txns.Transactions, 2)
}

func TestGateway_ListFailedWebhooks(t *testing.T) {
	g, svc := newTestGateway(t, nil, config.ModeSaaS)
	ctx := context.Background()

	ok, _, err := svc.Idempotency.CheckAndMarkProcessing(ctx, "evt_1", "invoice.paid", []byte(`{}`))
	require.NoError(t, err)
	require.True(t, ok)
	require.NoError(t, svc.Idempotency.MarkFailed(ctx, "evt_1", errors.New("subscription lookup failed")))

	rec := doRequest(t, g, http.MethodGet, "/admin/webhooks/failed", nil, adminAuth())
	require.Equal(t, http.StatusOK, rec.Code)
	var body struct {
		Count  int `json:"count"`
		Events []struct {
			EventID      string `json:"event_id"`
			EventType    string `json:"event_type"`
			ErrorMessage string `json:"error_message"`
		} `json:"events"`
	}
	decodeBody(t, rec, &body)
	require.Equal(t, 1, body.Count)
	assert.Equal(t, "evt_1", body.Events[0].EventID)
	assert.Equal(t, "invoice.paid", body.Events[0].EventType)
	assert.Contains(t, body.Events[0].ErrorMessage, "subscription lookup failed")
}

func TestGateway_RateLimited(t *testing.T) {
	limiterCache, _ := setupLimiterCache(t)
	limiter := NewRateLimiter(limiterCache, 1, 0, zap.NewNop())
	g, _ := newTestGateway(t, limiter, config.ModeSaaS)

	rec := doRequest(t, g, http.MethodGet, "/v1/credits/acct_1/summary", nil, serviceAuth())
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "1", rec.Header().Get("X-RateLimit-Limit"))
	assert.Equal(t, "0", rec.Header().Get("X-RateLimit-Remaining"))

	rec = doRequest(t, g, http.MethodGet, "/v1/credits/acct_1/summary", nil, serviceAuth())
	require.Equal(t, http.StatusTooManyRequests, rec.Code)
	assert.NotEmpty(t, rec.Header().Get("Retry-After"))

	// Limits are per account.
	rec = doRequest(t, g, http.MethodGet, "/v1/credits/acct_2/summary", nil, serviceAuth())
	assert.Equal(t, http.StatusOK, rec.Code)
}

func TestGateway_Readiness(t *testing.T) {
	g, _ := newTestGateway(t, nil, config.ModeSaaS)
	rec := doRequest(t, g, http.MethodGet, "/ready", nil, nil)
	assert.Equal(t, http.StatusOK, rec.Code)

	g.dependencies = map[string]HealthChecker{"database": failingDependency{}}
	rec = doRequest(t, g, http.MethodGet, "/ready", nil, nil)
	require.Equal(t, http.StatusServiceUnavailable, rec.Code)
	var body errorBody
	decodeBody(t, rec, &body)
	assert.Equal(t, "database not ready", body.Error.Message)
}
