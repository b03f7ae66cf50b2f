package billing

import (
	"context"
	"errors"
	"fmt"

	"github.com/crosslogic/billing-core/internal/config"
	"github.com/crosslogic/billing-core/internal/store"
	"github.com/crosslogic/billing-core/pkg/metrics"
	"github.com/crosslogic/billing-core/pkg/models"
	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"
)

// ReserveRequest asks whether an LLM call may start. Token estimates are
// optional; when only a total is known it is split 80/20.
type ReserveRequest struct {
	AccountID                 string `json:"-"`
	Model                     string `json:"model"`
	EstimatedPromptTokens     int64  `json:"estimated_prompt_tokens,omitempty"`
	EstimatedCompletionTokens int64  `json:"estimated_completion_tokens,omitempty"`
	EstimatedTotalTokens      int64  `json:"estimated_total_tokens,omitempty"`
}

// ReserveResult is the answer to a ReserveRequest. Nothing is held; the
// ReservationID only ties the later DeductUsage to this check in logs.
type ReserveResult struct {
	CanProceed    bool            `json:"can_proceed"`
	Message       string          `json:"message,omitempty"`
	ReservationID string          `json:"reservation_id,omitempty"`
	ErrorKind     ErrorKind       `json:"error_kind,omitempty"`
	EstimatedCost decimal.Decimal `json:"estimated_cost"`
	Balance       decimal.Decimal `json:"balance"`
}

// UsageRequest reports the tokens actually consumed by one LLM call.
type UsageRequest struct {
	AccountID           string `json:"-"`
	Model               string `json:"model"`
	PromptTokens        int64  `json:"prompt_tokens"`
	CompletionTokens    int64  `json:"completion_tokens"`
	CacheReadTokens     int64  `json:"cache_read_tokens,omitempty"`
	CacheCreationTokens int64  `json:"cache_creation_tokens,omitempty"`
	MessageID           string `json:"message_id,omitempty"`
	ThreadID            string `json:"thread_id,omitempty"`
	ReservationID       string `json:"reservation_id,omitempty"`
}

func (r UsageRequest) tokens() TokenUsage {
	return TokenUsage{
		PromptTokens:        r.PromptTokens,
		CompletionTokens:    r.CompletionTokens,
		CacheReadTokens:     r.CacheReadTokens,
		CacheCreationTokens: r.CacheCreationTokens,
	}
}

// DeductResult reports a usage charge. Charged is less than Cost only when
// the balance ran out, in which case Success is false.
type DeductResult struct {
	Result
	Cost       decimal.Decimal `json:"cost"`
	Charged    decimal.Decimal `json:"charged"`
	NewBalance decimal.Decimal `json:"new_balance"`
}

// UsageService gates and charges LLM usage.
type UsageService struct {
	deps       *Deps
	ledger     *Ledger
	enterprise *EnterpriseService
	summaries  *SummaryCache
}

// NewUsageService creates the usage service.
func NewUsageService(deps *Deps, ledger *Ledger, enterprise *EnterpriseService, summaries *SummaryCache) *UsageService {
	return &UsageService{deps: deps, ledger: ledger, enterprise: enterprise, summaries: summaries}
}

func (u *UsageService) enterpriseMode() bool {
	return u.deps.Config.Mode == config.ModeEnterprise
}

// CheckAndReserve decides whether an account can afford an LLM call. It
// always reads the authoritative balance, never the cached summary.
func (u *UsageService) CheckAndReserve(ctx context.Context, req ReserveRequest) (*ReserveResult, error) {
	if req.AccountID == "" {
		return nil, newError("reserve", KindInvalidRequest, errors.New("account id is required"))
	}
	if req.EstimatedPromptTokens < 0 || req.EstimatedCompletionTokens < 0 || req.EstimatedTotalTokens < 0 {
		return nil, newError("reserve", KindInvalidRequest, errors.New("token estimates must not be negative"))
	}
	estimate := EstimateCost(u.deps.Pricer, req.Model,
		req.EstimatedPromptTokens, req.EstimatedCompletionTokens, req.EstimatedTotalTokens)

	res := &ReserveResult{EstimatedCost: estimate}

	if u.enterpriseMode() {
		status, err := u.enterprise.CheckBillingStatus(ctx, req.AccountID, estimate)
		if err != nil {
			return nil, err
		}
		res.Balance = status.PoolBalance
		res.CanProceed = status.Success
		res.ErrorKind = status.ErrorKind
		res.Message = status.Message
	} else {
		acct, err := u.deps.Store.GetAccount(ctx, req.AccountID)
		if errors.Is(err, store.ErrNotFound) {
			acct = models.NewCreditAccount(req.AccountID, u.deps.now())
		} else if err != nil {
			return nil, fmt.Errorf("failed to load account: %w", err)
		}
		res.Balance = acct.Balance

		tier := u.deps.Tiers.GetTier(acct.Tier)
		switch {
		case !tier.AllowsModel(req.Model):
			res.ErrorKind = KindModelAccessDenied
			res.Message = fmt.Sprintf("model %s is not available on the %s plan", req.Model, tier.DisplayName)
		case acct.Balance.IsNegative():
			res.ErrorKind = KindInsufficientBalance
			res.Message = fmt.Sprintf("balance is negative (%s)", FormatCredits(acct.Balance))
		case acct.Balance.LessThan(decimal.Max(estimate, decimal.Zero)):
			res.ErrorKind = KindInsufficientBalance
			res.Message = fmt.Sprintf("insufficient credits: balance %s, estimated cost %s",
				FormatCredits(acct.Balance), FormatCredits(estimate))
		default:
			res.CanProceed = true
		}
	}

	if res.CanProceed {
		res.ReservationID = uuid.NewString()
	}
	u.deps.Logger.Debug("usage reservation checked",
		zap.String("account_id", req.AccountID),
		zap.String("model", req.Model),
		zap.String("estimated_cost", estimate.String()),
		zap.Bool("can_proceed", res.CanProceed),
		zap.String("error_kind", string(res.ErrorKind)),
	)
	return res, nil
}

// DeductUsage charges an account for a completed LLM call. When the cost
// exceeds the balance the balance is drained to exactly zero and the
// shortfall is reported as insufficient balance.
func (u *UsageService) DeductUsage(ctx context.Context, req UsageRequest) (*DeductResult, error) {
	if req.AccountID == "" {
		return nil, newError("deduct_usage", KindInvalidRequest, errors.New("account id is required"))
	}
	if req.PromptTokens < 0 || req.CompletionTokens < 0 || req.CacheReadTokens < 0 || req.CacheCreationTokens < 0 {
		return nil, newError("deduct_usage", KindInvalidRequest, errors.New("token counts must not be negative"))
	}
	cost := u.deps.Pricer.Cost(req.tokens(), req.Model)
	desc := fmt.Sprintf("%s usage: %d prompt + %d completion tokens", normalizeModel(req.Model), req.PromptTokens, req.CompletionTokens)

	if u.enterpriseMode() {
		return u.deductEnterprise(ctx, req, cost, desc)
	}

	if !cost.IsPositive() {
		balance := decimal.Zero
		if acct, err := u.deps.Store.GetAccount(ctx, req.AccountID); err == nil {
			balance = acct.Balance
		}
		metrics.UsageDeductionsTotal.WithLabelValues(u.deps.Config.Mode, "free").Inc()
		return &DeductResult{Result: success("no charge"), Cost: decimal.Zero, Charged: decimal.Zero, NewBalance: balance}, nil
	}

	now := u.deps.now()
	var charged decimal.Decimal
	acct, _, err := u.deps.mutateAccount(ctx, u.summaries, req.AccountID, func(a *models.CreditAccount) (*store.Mutation, error) {
		charged = decimal.Min(cost, decimal.Max(a.Balance, decimal.Zero))
		if charged.IsZero() {
			return nil, nil
		}
		debitExpiringFirst(a, charged)
		entryDesc := desc
		if charged.LessThan(cost) {
			entryDesc = fmt.Sprintf("%s (short by %s)", desc, cost.Sub(charged))
		}
		e := newLedgerEntry(a, charged.Neg(), models.EntryUsage, entryDesc, now)
		e.MessageID = req.MessageID
		e.ThreadID = req.ThreadID
		return &store.Mutation{Account: a, Entries: []models.LedgerEntry{e}}, nil
	})
	if err != nil {
		metrics.UsageDeductionsTotal.WithLabelValues(u.deps.Config.Mode, "error").Inc()
		return nil, fmt.Errorf("failed to deduct usage: %w", err)
	}

	res := &DeductResult{Cost: cost, Charged: charged, NewBalance: acct.Balance}
	if charged.Equal(cost) {
		res.Result = success("")
		metrics.UsageDeductionsTotal.WithLabelValues(u.deps.Config.Mode, "charged").Inc()
	} else {
		res.Result = refused(KindInsufficientBalance,
			fmt.Sprintf("usage cost %s exceeded balance; charged %s", FormatCredits(cost), FormatCredits(charged)))
		metrics.UsageDeductionsTotal.WithLabelValues(u.deps.Config.Mode, "short").Inc()
		u.deps.Logger.Warn("usage exceeded available balance",
			zap.String("account_id", req.AccountID),
			zap.String("model", req.Model),
			zap.String("cost", cost.String()),
			zap.String("charged", charged.String()),
			zap.String("message_id", req.MessageID),
			zap.String("reservation_id", req.ReservationID),
		)
	}
	return res, nil
}

func (u *UsageService) deductEnterprise(ctx context.Context, req UsageRequest, cost decimal.Decimal, desc string) (*DeductResult, error) {
	out, err := u.enterprise.DeductCredits(ctx, EnterpriseDeduction{
		AccountID:   req.AccountID,
		Amount:      decimal.Max(cost, decimal.Zero),
		Model:       req.Model,
		Description: desc,
	})
	if err != nil {
		return nil, err
	}
	if !out.Success {
		u.deps.Logger.Warn("enterprise usage refused",
			zap.String("account_id", req.AccountID),
			zap.String("cost", cost.String()),
			zap.String("error_kind", string(out.ErrorKind)),
			zap.String("reservation_id", req.ReservationID),
		)
	}
	return &DeductResult{
		Result:     out.Result,
		Cost:       cost,
		Charged:    out.Charged,
		NewBalance: out.PoolBalance,
	}, nil
}
