package gateway

import (
	"context"
	"crypto/subtle"
	"encoding/json"
	"errors"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/crosslogic/billing-core/internal/billing"
	"github.com/crosslogic/billing-core/internal/store"
	"github.com/crosslogic/billing-core/pkg/metrics"
	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"
	"go.uber.org/zap"
)

const maxRequestBodyBytes = 1 << 20

// HealthChecker is a dependency checked by /ready.
type HealthChecker interface {
	Health(ctx context.Context) error
}

// poolStatsRecorder is implemented by dependencies that also export pool gauges.
type poolStatsRecorder interface {
	RecordPoolStats()
}

// Options configures a Gateway.
type Options struct {
	Service  *billing.Service
	Webhooks *billing.WebhookHandler
	// RateLimiter is optional; nil disables per-account limits.
	RateLimiter *RateLimiter
	// Dependencies are checked by /ready and exported as dependency_up.
	Dependencies map[string]HealthChecker

	AdminToken     string
	ServiceToken   string
	MetricsPath    string
	AllowedOrigins []string
	RequestTimeout time.Duration

	Logger *zap.Logger
}

// Gateway serves the usage, admin and webhook HTTP APIs.
type Gateway struct {
	service      *billing.Service
	webhooks     *billing.WebhookHandler
	rateLimiter  *RateLimiter
	dependencies map[string]HealthChecker
	adminToken   string
	serviceToken string
	logger       *zap.Logger
	router       *chi.Mux
}

// NewGateway creates a new API gateway
func NewGateway(opts Options) *Gateway {
	if opts.Logger == nil {
		opts.Logger = zap.NewNop()
	}
	if opts.RequestTimeout <= 0 {
		opts.RequestTimeout = 60 * time.Second
	}
	g := &Gateway{
		service:      opts.Service,
		webhooks:     opts.Webhooks,
		rateLimiter:  opts.RateLimiter,
		dependencies: opts.Dependencies,
		adminToken:   opts.AdminToken,
		serviceToken: opts.ServiceToken,
		logger:       opts.Logger,
		router:       chi.NewRouter(),
	}
	g.setupRoutes(opts)
	return g
}

// setupRoutes configures the HTTP routes
func (g *Gateway) setupRoutes(opts Options) {
	g.router.Use(middleware.RequestID)
	g.router.Use(middleware.RealIP)
	g.router.Use(g.loggerMiddleware)
	g.router.Use(g.metricsMiddleware)
	g.router.Use(middleware.Recoverer)
	g.router.Use(middleware.Timeout(opts.RequestTimeout))

	origins := opts.AllowedOrigins
	if len(origins) == 0 {
		origins = []string{"http://localhost:3000"}
	}
	g.router.Use(cors.Handler(cors.Options{
		AllowedOrigins:   origins,
		AllowedMethods:   []string{"GET", "POST", "PUT", "OPTIONS"},
		AllowedHeaders:   []string{"Accept", "Authorization", "Content-Type", "X-Admin-Token"},
		ExposedHeaders:   []string{"X-RateLimit-Limit", "X-RateLimit-Remaining", "X-RateLimit-Reset", "Retry-After"},
		AllowCredentials: false,
		MaxAge:           300,
	}))

	g.registerMetrics(opts.MetricsPath)

	// Health check (no auth required)
	g.router.Get("/health", g.handleHealth)
	g.router.Get("/ready", g.handleReady)

	// Stripe webhook endpoint (no auth - uses signature verification)
	if g.webhooks != nil {
		g.router.Post("/api/webhooks/stripe", g.webhooks.HandleWebhook)
	}

	// Usage API for the application backend.
	g.router.Route("/v1/credits/{account_id}", func(r chi.Router) {
		r.Use(g.serviceAuthMiddleware)
		r.Use(g.rateLimitMiddleware)

		r.Post("/reserve", g.handleReserve)
		r.Post("/usage", g.handleUsage)
		r.Get("/summary", g.handleSummary)
		r.Get("/ledger", g.handleLedger)
	})

	// Admin endpoints
	g.router.Route("/admin", func(r chi.Router) {
		r.Use(g.adminAuthMiddleware)

		r.Post("/accounts/{account_id}/adjust", g.handleAdjustCredits)
		r.Get("/webhooks/failed", g.handleListFailedWebhooks)

		r.Get("/enterprise/pool", g.handleGetPool)
		r.Post("/enterprise/pool/load", g.handleLoadPool)
		r.Post("/enterprise/pool/negate", g.handleNegatePool)
		r.Get("/enterprise/transactions", g.handleListPoolTransactions)

		r.Post("/enterprise/users", g.handleProvisionUser)
		r.Get("/enterprise/users/{account_id}", g.handleGetUserLimit)
		r.Put("/enterprise/users/{account_id}", g.handleUpdateUserLimit)
		r.Post("/enterprise/users/{account_id}/deactivate", g.handleDeactivateUser)
		r.Post("/enterprise/users/{account_id}/reactivate", g.handleReactivateUser)
	})
}

// StartHealthMetrics periodically exports dependency health until ctx is done.
func (g *Gateway) StartHealthMetrics(ctx context.Context) {
	go func() {
		ticker := time.NewTicker(15 * time.Second)
		defer ticker.Stop()

		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				g.updateHealthMetrics(ctx)
			}
		}
	}()
}

func (g *Gateway) updateHealthMetrics(ctx context.Context) {
	for name, dep := range g.dependencies {
		status := 0.0
		if err := dep.Health(ctx); err == nil {
			status = 1.0
		}
		metrics.DependencyUp.WithLabelValues(name).Set(status)
		if r, ok := dep.(poolStatsRecorder); ok {
			r.RecordPoolStats()
		}
	}
}

// ServeHTTP implements http.Handler
func (g *Gateway) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	g.router.ServeHTTP(w, r)
}

// Middleware implementations

func (g *Gateway) loggerMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()

		ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
		next.ServeHTTP(ww, r)

		g.logger.Info("request",
			zap.String("request_id", middleware.GetReqID(r.Context())),
			zap.String("method", r.Method),
			zap.String("path", r.URL.Path),
			zap.Int("status", ww.Status()),
			zap.Duration("duration", time.Since(start)),
			zap.String("remote_addr", r.RemoteAddr),
		)
	})
}

// serviceAuthMiddleware checks the bearer token shared with the
// application backend.
func (g *Gateway) serviceAuthMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		authHeader := r.Header.Get("Authorization")
		if authHeader == "" {
			g.writeError(w, http.StatusUnauthorized, "missing authorization header", "authentication_error")
			return
		}
		token := strings.TrimSpace(strings.TrimPrefix(authHeader, "Bearer "))

		if g.serviceToken == "" || subtle.ConstantTimeCompare([]byte(token), []byte(g.serviceToken)) != 1 {
			g.logger.Warn("invalid service token",
				zap.String("remote_addr", r.RemoteAddr),
				zap.String("path", r.URL.Path),
			)
			g.writeError(w, http.StatusUnauthorized, "invalid service token", "authentication_error")
			return
		}
		next.ServeHTTP(w, r)
	})
}

func (g *Gateway) rateLimitMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if g.rateLimiter == nil {
			next.ServeHTTP(w, r)
			return
		}
		accountID := chi.URLParam(r, "account_id")

		allowed, info, err := g.rateLimiter.CheckRateLimit(r.Context(), accountID)
		if err != nil {
			// Fail open on limiter errors.
			g.logger.Error("rate limit check failed", zap.String("account_id", accountID), zap.Error(err))
			next.ServeHTTP(w, r)
			return
		}
		for k, v := range info.GetRateLimitHeaders() {
			w.Header().Set(k, v)
		}
		if !allowed {
			metrics.RateLimitedTotal.WithLabelValues(info.Reason).Inc()
			if info != nil && info.RetryAfter > 0 {
				w.Header().Set("Retry-After", strconv.FormatInt(info.RetryAfter, 10))
			}
			g.writeError(w, http.StatusTooManyRequests, "rate limit exceeded", "rate_limit_error")
			return
		}

		defer func() {
			releaseCtx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
			defer cancel()
			if err := g.rateLimiter.DecrementConcurrency(releaseCtx, accountID); err != nil {
				g.logger.Debug("failed to decrement concurrency",
					zap.String("account_id", accountID),
					zap.Error(err),
				)
			}
		}()

		next.ServeHTTP(w, r)
	})
}

func (g *Gateway) adminAuthMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		adminToken := r.Header.Get("X-Admin-Token")
		if adminToken == "" {
			g.writeError(w, http.StatusUnauthorized, "missing admin token", "authentication_error")
			return
		}

		// Constant-time comparison to prevent timing attacks
		if g.adminToken == "" || subtle.ConstantTimeCompare([]byte(adminToken), []byte(g.adminToken)) != 1 {
			g.logger.Warn("invalid admin token attempt",
				zap.String("remote_addr", r.RemoteAddr),
				zap.String("path", r.URL.Path),
			)
			g.writeError(w, http.StatusUnauthorized, "invalid admin token", "authentication_error")
			return
		}

		// Audit log for admin actions
		g.logger.Info("admin action authenticated",
			zap.String("request_id", middleware.GetReqID(r.Context())),
			zap.String("remote_addr", r.RemoteAddr),
			zap.String("method", r.Method),
			zap.String("path", r.URL.Path),
		)

		next.ServeHTTP(w, r)
	})
}

// Handler implementations

func (g *Gateway) handleHealth(w http.ResponseWriter, r *http.Request) {
	g.writeJSON(w, http.StatusOK, map[string]string{
		"status": "healthy",
		"time":   time.Now().Format(time.RFC3339),
	})
}

func (g *Gateway) handleReady(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	for name, dep := range g.dependencies {
		if err := dep.Health(ctx); err != nil {
			g.logger.Warn("dependency not ready", zap.String("dependency", name), zap.Error(err))
			g.writeError(w, http.StatusServiceUnavailable, name+" not ready", "unavailable")
			return
		}
	}
	g.writeJSON(w, http.StatusOK, map[string]string{
		"status": "ready",
	})
}

// Utility methods

func (g *Gateway) writeJSON(w http.ResponseWriter, statusCode int, data interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(statusCode)
	json.NewEncoder(w).Encode(data)
}

func (g *Gateway) writeError(w http.ResponseWriter, statusCode int, message, errType string) {
	g.writeJSON(w, statusCode, map[string]interface{}{
		"error": map[string]string{
			"message": message,
			"type":    errType,
		},
	})
}

// writeBillingError maps a billing failure onto an HTTP status.
func (g *Gateway) writeBillingError(w http.ResponseWriter, r *http.Request, err error) {
	kind := billing.KindOf(err)
	status := http.StatusInternalServerError
	switch {
	case errors.Is(err, store.ErrNotFound):
		g.writeError(w, http.StatusNotFound, "not found", "not_found")
		return
	case kind == billing.KindInvalidRequest:
		status = http.StatusBadRequest
	case kind == billing.KindNotInitialized, kind == billing.KindRefundTargetNotFound:
		status = http.StatusNotFound
	case kind == billing.KindInsufficientBalance, kind == billing.KindInsufficientPoolBalance,
		kind == billing.KindMonthlyLimitExceeded:
		status = http.StatusPaymentRequired
	case kind == billing.KindUserDeactivated, kind == billing.KindModelAccessDenied:
		status = http.StatusForbidden
	case kind == billing.KindLockAcquisitionTimeout:
		status = http.StatusServiceUnavailable
	}

	if status == http.StatusInternalServerError {
		g.logger.Error("billing request failed",
			zap.String("request_id", middleware.GetReqID(r.Context())),
			zap.String("path", r.URL.Path),
			zap.Error(err),
		)
		g.writeError(w, status, "internal error", string(billing.KindSystemError))
		return
	}
	g.writeError(w, status, err.Error(), string(kind))
}

// decodeJSON reads a bounded JSON body into v.
func (g *Gateway) decodeJSON(w http.ResponseWriter, r *http.Request, v interface{}) bool {
	dec := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxRequestBodyBytes))
	if err := dec.Decode(v); err != nil {
		g.writeError(w, http.StatusBadRequest, "invalid request body", "invalid_request_error")
		return false
	}
	return true
}

// queryLimit parses ?limit=, falling back to def.
func queryLimit(r *http.Request, def int) int {
	if v := r.URL.Query().Get("limit"); v != "" {
		if n, err := strconv.Atoi(v); err == nil && n > 0 {
			return n
		}
	}
	return def
}
