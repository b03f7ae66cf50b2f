package gateway

import (
	"net/http"

	"github.com/crosslogic/billing-core/internal/billing"
	"github.com/go-chi/chi/v5"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"
)

// handleAdjustCredits applies a signed manual correction to an account.
func (g *Gateway) handleAdjustCredits(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Amount      decimal.Decimal `json:"amount"`
		Reason      string          `json:"reason"`
		PerformedBy string          `json:"performed_by"`
	}
	if !g.decodeJSON(w, r, &req) {
		return
	}
	if req.Reason == "" {
		g.writeError(w, http.StatusBadRequest, "reason is required", "invalid_request_error")
		return
	}

	accountID := chi.URLParam(r, "account_id")
	res, err := g.service.Ledger.AdjustCredits(r.Context(), billing.AdjustCreditsParams{
		AccountID:   accountID,
		Amount:      req.Amount,
		Reason:      req.Reason,
		PerformedBy: req.PerformedBy,
	})
	if err != nil {
		g.writeBillingError(w, r, err)
		return
	}

	g.logger.Info("credits adjusted by admin",
		zap.String("account_id", accountID),
		zap.String("requested", req.Amount.String()),
		zap.String("applied", res.Amount.String()),
		zap.String("performed_by", req.PerformedBy),
	)
	g.writeJSON(w, http.StatusOK, res)
}

// handleListFailedWebhooks lists processor events whose handling failed.
func (g *Gateway) handleListFailedWebhooks(w http.ResponseWriter, r *http.Request) {
	failed, err := g.service.Idempotency.ListFailed(r.Context(), queryLimit(r, 100))
	if err != nil {
		g.writeBillingError(w, r, err)
		return
	}
	g.writeJSON(w, http.StatusOK, map[string]interface{}{
		"events": failed,
		"count":  len(failed),
	})
}

func (g *Gateway) handleGetPool(w http.ResponseWriter, r *http.Request) {
	pool, err := g.service.Enterprise.GetPool(r.Context())
	if err != nil {
		g.writeBillingError(w, r, err)
		return
	}
	g.writeJSON(w, http.StatusOK, pool)
}

type poolChangeRequest struct {
	Amount      decimal.Decimal `json:"amount"`
	PerformedBy string          `json:"performed_by"`
	Description string          `json:"description"`
}

func (g *Gateway) handleLoadPool(w http.ResponseWriter, r *http.Request) {
	var req poolChangeRequest
	if !g.decodeJSON(w, r, &req) {
		return
	}
	pool, err := g.service.Enterprise.LoadCredits(r.Context(), req.Amount, req.PerformedBy, req.Description)
	if err != nil {
		g.writeBillingError(w, r, err)
		return
	}
	g.writeJSON(w, http.StatusOK, pool)
}

func (g *Gateway) handleNegatePool(w http.ResponseWriter, r *http.Request) {
	var req poolChangeRequest
	if !g.decodeJSON(w, r, &req) {
		return
	}
	pool, err := g.service.Enterprise.NegateCredits(r.Context(), req.Amount, req.PerformedBy, req.Description)
	if err != nil {
		g.writeBillingError(w, r, err)
		return
	}
	g.writeJSON(w, http.StatusOK, pool)
}

func (g *Gateway) handleListPoolTransactions(w http.ResponseWriter, r *http.Request) {
	txns, err := g.service.Enterprise.ListTransactions(r.Context(), queryLimit(r, 50))
	if err != nil {
		g.writeBillingError(w, r, err)
		return
	}
	g.writeJSON(w, http.StatusOK, map[string]interface{}{
		"transactions": txns,
	})
}

// handleProvisionUser adds a member to the pool or resets their limit.
func (g *Gateway) handleProvisionUser(w http.ResponseWriter, r *http.Request) {
	var req struct {
		AccountID    string          `json:"account_id"`
		MonthlyLimit decimal.Decimal `json:"monthly_limit"`
	}
	if !g.decodeJSON(w, r, &req) {
		return
	}
	limit, err := g.service.Enterprise.ProvisionUser(r.Context(), req.AccountID, req.MonthlyLimit)
	if err != nil {
		g.writeBillingError(w, r, err)
		return
	}
	g.writeJSON(w, http.StatusCreated, limit)
}

func (g *Gateway) handleGetUserLimit(w http.ResponseWriter, r *http.Request) {
	limit, err := g.service.Enterprise.GetUserLimit(r.Context(), chi.URLParam(r, "account_id"))
	if err != nil {
		g.writeBillingError(w, r, err)
		return
	}
	g.writeJSON(w, http.StatusOK, limit)
}

func (g *Gateway) handleUpdateUserLimit(w http.ResponseWriter, r *http.Request) {
	var req struct {
		MonthlyLimit decimal.Decimal `json:"monthly_limit"`
	}
	if !g.decodeJSON(w, r, &req) {
		return
	}
	limit, err := g.service.Enterprise.UpdateUserLimit(r.Context(), chi.URLParam(r, "account_id"), req.MonthlyLimit)
	if err != nil {
		g.writeBillingError(w, r, err)
		return
	}
	g.writeJSON(w, http.StatusOK, limit)
}

func (g *Gateway) handleDeactivateUser(w http.ResponseWriter, r *http.Request) {
	limit, err := g.service.Enterprise.DeactivateUser(r.Context(), chi.URLParam(r, "account_id"))
	if err != nil {
		g.writeBillingError(w, r, err)
		return
	}
	g.writeJSON(w, http.StatusOK, limit)
}

func (g *Gateway) handleReactivateUser(w http.ResponseWriter, r *http.Request) {
	limit, err := g.service.Enterprise.ReactivateUser(r.Context(), chi.URLParam(r, "account_id"))
	if err != nil {
		g.writeBillingError(w, r, err)
		return
	}
	g.writeJSON(w, http.StatusOK, limit)
}
