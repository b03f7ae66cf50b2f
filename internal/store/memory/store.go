// Package memory is an in-process Store used by tests and local development.
package memory

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/crosslogic/billing-core/internal/store"
	"github.com/crosslogic/billing-core/pkg/models"
	"github.com/google/uuid"
	"github.com/shopspring/decimal"
)

type grantKey struct {
	accountID   string
	periodStart int64
}

// Store keeps all state in maps behind one mutex. MutateFunc callbacks run
// with the mutex held and must not call back into the store.
type Store struct {
	mu sync.Mutex

	now func() time.Time

	accounts    map[string]*models.CreditAccount
	ledger      map[string][]models.LedgerEntry
	trials      map[string][]*models.TrialHistory
	grants      map[grantKey]*models.RenewalGrant
	commitments map[string]*models.CommitmentHistory
	purchases   map[string]*models.CreditPurchase
	refunds     map[string]*models.RefundRecord

	webhooks map[string]*models.WebhookEvent

	pool     *models.EnterprisePool
	limits   map[string]*models.EnterpriseUserLimit
	poolTxns []models.EnterpriseTransaction
}

var _ store.Store = (*Store)(nil)

// New returns an empty store.
func New() *Store {
	return &Store{
		now:         func() time.Time { return time.Now().UTC() },
		accounts:    make(map[string]*models.CreditAccount),
		ledger:      make(map[string][]models.LedgerEntry),
		trials:      make(map[string][]*models.TrialHistory),
		grants:      make(map[grantKey]*models.RenewalGrant),
		commitments: make(map[string]*models.CommitmentHistory),
		purchases:   make(map[string]*models.CreditPurchase),
		refunds:     make(map[string]*models.RefundRecord),
		webhooks:    make(map[string]*models.WebhookEvent),
		limits:      make(map[string]*models.EnterpriseUserLimit),
	}
}

// SetClock overrides the time source.
func (s *Store) SetClock(now func() time.Time) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.now = now
}

// Account store

func (s *Store) GetAccount(_ context.Context, accountID string) (*models.CreditAccount, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if a, ok := s.accounts[accountID]; ok {
		return a.Clone(), nil
	}
	return nil, store.ErrNotFound
}

func (s *Store) FindAccountByCustomer(_ context.Context, customerRef string) (*models.CreditAccount, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if customerRef == "" {
		return nil, store.ErrNotFound
	}
	for _, a := range s.accounts {
		if a.CustomerRef == customerRef {
			return a.Clone(), nil
		}
	}
	return nil, store.ErrNotFound
}

func (s *Store) MutateAccount(_ context.Context, accountID string, fn store.MutateFunc) (*models.CreditAccount, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	now := s.now()
	current, ok := s.accounts[accountID]
	if !ok {
		current = models.NewCreditAccount(accountID, now)
	}

	m, err := fn(current.Clone())
	if err != nil {
		return nil, err
	}
	if m == nil || m.Account == nil {
		if !ok {
			s.accounts[accountID] = current
		}
		return current.Clone(), nil
	}

	// Validate guards before touching any state.
	if g := m.RenewalGrant; g != nil {
		if existing, dup := s.grants[grantKey{accountID, g.PeriodStart.UnixNano()}]; dup && existing.Amount.GreaterThanOrEqual(g.Amount) {
			return nil, store.ErrDuplicatePrevented
		}
	}
	if p := m.Purchase; p != nil {
		if _, dup := s.purchases[p.PaymentIntentID]; dup {
			return nil, store.ErrDuplicatePrevented
		}
	}
	if c := m.Commitment; c != nil {
		if _, dup := s.commitments[c.SubscriptionID]; dup {
			return nil, store.ErrDuplicatePrevented
		}
	}

	next := m.Account.Clone()
	next.AccountID = accountID
	next.UpdatedAt = now
	s.accounts[accountID] = next

	for _, e := range m.Entries {
		e.AccountID = accountID
		if e.ID == "" {
			e.ID = uuid.NewString()
		}
		if e.CreatedAt.IsZero() {
			e.CreatedAt = now
		}
		s.ledger[accountID] = append(s.ledger[accountID], e)
	}

	if g := m.RenewalGrant; g != nil {
		row := *g
		row.AccountID = accountID
		row.CreatedAt = now
		s.grants[grantKey{accountID, g.PeriodStart.UnixNano()}] = &row
	}

	if t := m.CloseTrial; t != nil {
		for _, th := range s.trials[accountID] {
			if th.EndedAt == nil {
				ended := t.EndedAt
				th.EndedAt = &ended
				th.ConvertedToPaid = t.ConvertedToPaid
			}
		}
	}
	if t := m.OpenTrial; t != nil && s.openTrialLocked(accountID) == nil {
		row := *t
		row.AccountID = accountID
		if row.ID == "" {
			row.ID = uuid.NewString()
		}
		s.trials[accountID] = append(s.trials[accountID], &row)
	}

	if c := m.Commitment; c != nil {
		row := *c
		row.AccountID = accountID
		if row.ID == "" {
			row.ID = uuid.NewString()
		}
		row.CreatedAt = now
		s.commitments[c.SubscriptionID] = &row
	}

	if p := m.Purchase; p != nil {
		row := *p
		row.AccountID = accountID
		if row.ID == "" {
			row.ID = uuid.NewString()
		}
		row.CreatedAt = now
		s.purchases[p.PaymentIntentID] = &row
	}
	if pr := m.PurchaseRefund; pr != nil {
		if p, ok := s.purchases[pr.PaymentIntentID]; ok {
			p.RefundedAmount = decimal.Min(p.RefundedAmount.Add(pr.Amount), p.Amount)
			if p.RefundedAmount.GreaterThanOrEqual(p.Amount) {
				p.Status = models.PurchaseRefunded
			}
		}
	}
	if r := m.Refund; r != nil {
		row := *r
		row.AccountID = accountID
		s.refunds[r.RefundID] = &row
	}

	return next.Clone(), nil
}

func (s *Store) ListLedger(_ context.Context, accountID string, limit int) ([]models.LedgerEntry, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	entries := s.ledger[accountID]
	out := make([]models.LedgerEntry, 0, len(entries))
	for i := len(entries) - 1; i >= 0; i-- {
		if limit > 0 && len(out) == limit {
			break
		}
		out = append(out, entries[i])
	}
	return out, nil
}

func (s *Store) HasLedgerEntry(_ context.Context, accountID, description string) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	for _, e := range s.ledger[accountID] {
		if e.Description == description {
			return true, nil
		}
	}
	return false, nil
}

func (s *Store) GetRenewalGrant(_ context.Context, accountID string, periodStart time.Time) (*models.RenewalGrant, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if g, ok := s.grants[grantKey{accountID, periodStart.UnixNano()}]; ok {
		row := *g
		return &row, nil
	}
	return nil, store.ErrNotFound
}

func (s *Store) GetOpenTrial(_ context.Context, accountID string) (*models.TrialHistory, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if th := s.openTrialLocked(accountID); th != nil {
		row := *th
		return &row, nil
	}
	return nil, store.ErrNotFound
}

func (s *Store) openTrialLocked(accountID string) *models.TrialHistory {
	for _, th := range s.trials[accountID] {
		if th.EndedAt == nil {
			return th
		}
	}
	return nil
}

func (s *Store) GetCommitment(_ context.Context, subscriptionID string) (*models.CommitmentHistory, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if c, ok := s.commitments[subscriptionID]; ok {
		row := *c
		return &row, nil
	}
	return nil, store.ErrNotFound
}

func (s *Store) ListExpiredCommitments(_ context.Context, now time.Time) ([]string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var ids []string
	for id, a := range s.accounts {
		if a.CommitmentEndDate != nil && a.CommitmentEndDate.Before(now) {
			ids = append(ids, id)
		}
	}
	sort.Strings(ids)
	return ids, nil
}

func (s *Store) GetPurchase(_ context.Context, paymentIntentID string) (*models.CreditPurchase, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if p, ok := s.purchases[paymentIntentID]; ok {
		row := *p
		return &row, nil
	}
	return nil, store.ErrNotFound
}

func (s *Store) GetRefund(_ context.Context, refundID string) (*models.RefundRecord, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if r, ok := s.refunds[refundID]; ok {
		row := *r
		return &row, nil
	}
	return nil, store.ErrNotFound
}

func (s *Store) SaveRefund(_ context.Context, rec *models.RefundRecord) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	row := *rec
	s.refunds[rec.RefundID] = &row
	return nil
}

// Webhook store

func (s *Store) ClaimWebhookEvent(_ context.Context, ev *models.WebhookEvent, staleAfter time.Duration) (bool, *models.WebhookEvent, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	now := s.now()
	existing, ok := s.webhooks[ev.EventID]
	if ok {
		claimable := existing.Status == models.WebhookFailed ||
			(existing.Status == models.WebhookProcessing && now.Sub(existing.ProcessingStartedAt) > staleAfter)
		if !claimable {
			row := *existing
			return false, &row, nil
		}
		existing.Status = models.WebhookProcessing
		existing.Attempts++
		existing.ProcessingStartedAt = now
		existing.ErrorMessage = ""
		return true, nil, nil
	}

	row := *ev
	row.Status = models.WebhookProcessing
	row.Attempts = 1
	row.ProcessingStartedAt = now
	row.CreatedAt = now
	s.webhooks[ev.EventID] = &row
	return true, nil, nil
}

func (s *Store) CompleteWebhookEvent(_ context.Context, eventID string, at time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	ev, ok := s.webhooks[eventID]
	if !ok {
		return store.ErrNotFound
	}
	ev.Status = models.WebhookCompleted
	ev.CompletedAt = &at
	ev.ErrorMessage = ""
	return nil
}

func (s *Store) FailWebhookEvent(_ context.Context, eventID, message string, at time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	ev, ok := s.webhooks[eventID]
	if !ok {
		return store.ErrNotFound
	}
	ev.Status = models.WebhookFailed
	ev.ErrorMessage = message
	return nil
}

func (s *Store) GetWebhookEvent(_ context.Context, eventID string) (*models.WebhookEvent, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if ev, ok := s.webhooks[eventID]; ok {
		row := *ev
		return &row, nil
	}
	return nil, store.ErrNotFound
}

func (s *Store) ListFailedWebhookEvents(_ context.Context, limit int) ([]models.WebhookEvent, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var out []models.WebhookEvent
	for _, ev := range s.webhooks {
		if ev.Status == models.WebhookFailed {
			out = append(out, *ev)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.After(out[j].CreatedAt) })
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

func (s *Store) PurgeWebhookEvents(_ context.Context, completedBefore time.Time) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var n int64
	for id, ev := range s.webhooks {
		if ev.Status == models.WebhookCompleted && ev.CompletedAt != nil && ev.CompletedAt.Before(completedBefore) {
			delete(s.webhooks, id)
			n++
		}
	}
	return n, nil
}

func (s *Store) FailStaleWebhookEvents(_ context.Context, startedBefore time.Time, message string) ([]string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var ids []string
	for id, ev := range s.webhooks {
		if ev.Status == models.WebhookProcessing && ev.ProcessingStartedAt.Before(startedBefore) {
			ev.Status = models.WebhookFailed
			ev.ErrorMessage = message
			ids = append(ids, id)
		}
	}
	sort.Strings(ids)
	return ids, nil
}

// Enterprise store

func (s *Store) GetPool(_ context.Context) (*models.EnterprisePool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.pool == nil {
		return nil, store.ErrNotFound
	}
	p := *s.pool
	return &p, nil
}

func (s *Store) GetUserLimit(_ context.Context, accountID string) (*models.EnterpriseUserLimit, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if l, ok := s.limits[accountID]; ok {
		row := *l
		return &row, nil
	}
	return nil, store.ErrNotFound
}

func (s *Store) MutateEnterprise(_ context.Context, accountID string, fn store.EnterpriseFunc) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	var pool *models.EnterprisePool
	if s.pool != nil {
		p := *s.pool
		pool = &p
	}
	var limit *models.EnterpriseUserLimit
	if l, ok := s.limits[accountID]; ok && accountID != "" {
		row := *l
		limit = &row
	}

	m, err := fn(pool, limit)
	if err != nil || m == nil {
		return err
	}

	now := s.now()
	if m.Pool != nil {
		p := *m.Pool
		p.UpdatedAt = now
		s.pool = &p
	}
	if m.Limit != nil {
		row := *m.Limit
		row.UpdatedAt = now
		s.limits[row.AccountID] = &row
	}
	for _, tx := range m.Transactions {
		if tx.ID == "" {
			tx.ID = uuid.NewString()
		}
		if tx.CreatedAt.IsZero() {
			tx.CreatedAt = now
		}
		s.poolTxns = append(s.poolTxns, tx)
	}
	return nil
}

func (s *Store) ResetMonthlyUsage(_ context.Context, at time.Time) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var n int64
	for _, l := range s.limits {
		if !l.CurrentMonthUsage.IsZero() {
			l.CurrentMonthUsage = decimal.Zero
			l.UpdatedAt = at
			n++
		}
	}
	return n, nil
}

func (s *Store) ListPoolTransactions(_ context.Context, limit int) ([]models.EnterpriseTransaction, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	out := make([]models.EnterpriseTransaction, 0, len(s.poolTxns))
	for i := len(s.poolTxns) - 1; i >= 0; i-- {
		if limit > 0 && len(out) == limit {
			break
		}
		out = append(out, s.poolTxns[i])
	}
	return out, nil
}
