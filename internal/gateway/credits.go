package gateway

import (
	"net/http"

	"github.com/crosslogic/billing-core/internal/billing"
	"github.com/go-chi/chi/v5"
	"go.uber.org/zap"
)

// handleReserve checks whether an account can afford a request before the
// model call starts. A refusal is a normal 200 response with can_proceed=false.
func (g *Gateway) handleReserve(w http.ResponseWriter, r *http.Request) {
	var req billing.ReserveRequest
	if !g.decodeJSON(w, r, &req) {
		return
	}
	req.AccountID = chi.URLParam(r, "account_id")
	if req.Model == "" {
		g.writeError(w, http.StatusBadRequest, "model is required", "invalid_request_error")
		return
	}

	res, err := g.service.Usage.CheckAndReserve(r.Context(), req)
	if err != nil {
		g.writeBillingError(w, r, err)
		return
	}
	g.writeJSON(w, http.StatusOK, res)
}

// handleUsage charges the actual token usage of a finished request.
func (g *Gateway) handleUsage(w http.ResponseWriter, r *http.Request) {
	var req billing.UsageRequest
	if !g.decodeJSON(w, r, &req) {
		return
	}
	req.AccountID = chi.URLParam(r, "account_id")
	if req.Model == "" {
		g.writeError(w, http.StatusBadRequest, "model is required", "invalid_request_error")
		return
	}
	if req.PromptTokens < 0 || req.CompletionTokens < 0 || req.CacheReadTokens < 0 || req.CacheCreationTokens < 0 {
		g.writeError(w, http.StatusBadRequest, "token counts must not be negative", "invalid_request_error")
		return
	}

	res, err := g.service.Usage.DeductUsage(r.Context(), req)
	if err != nil {
		g.writeBillingError(w, r, err)
		return
	}
	if !res.Success {
		g.logger.Info("usage charge refused",
			zap.String("account_id", req.AccountID),
			zap.String("model", req.Model),
			zap.String("error_kind", string(res.ErrorKind)),
		)
	}
	g.writeJSON(w, http.StatusOK, res)
}

func (g *Gateway) handleSummary(w http.ResponseWriter, r *http.Request) {
	sum, err := g.service.Ledger.GetCreditSummary(r.Context(), chi.URLParam(r, "account_id"))
	if err != nil {
		g.writeBillingError(w, r, err)
		return
	}
	g.writeJSON(w, http.StatusOK, sum)
}

func (g *Gateway) handleLedger(w http.ResponseWriter, r *http.Request) {
	accountID := chi.URLParam(r, "account_id")
	entries, err := g.service.Ledger.ListLedger(r.Context(), accountID, queryLimit(r, 50))
	if err != nil {
		g.writeBillingError(w, r, err)
		return
	}
	g.writeJSON(w, http.StatusOK, map[string]interface{}{
		"account_id": accountID,
		"entries":    entries,
	})
}
