package store

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"github.com/pasarlokal/dispatch-engine/internal/model"
)

// MemoryStore implements Store with in-memory maps. Used for testing
// and development. Not suitable for production (no persistence).
//
// A single mutex makes each method one atomic unit, which gives the same
// single-writer-wins behaviour the Postgres conditional updates provide.
type MemoryStore struct {
	mu       sync.RWMutex
	tariffs  map[string]*model.RegionalTariff
	orders   map[string]*model.Order
	accounts map[string]*model.Account
	ledger   []model.LedgerEntry
	requests map[model.RequestKind]map[string]*model.WalletRequest
}

// NewMemoryStore creates a new in-memory store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		tariffs:  make(map[string]*model.RegionalTariff),
		orders:   make(map[string]*model.Order),
		accounts: make(map[string]*model.Account),
		requests: map[model.RequestKind]map[string]*model.WalletRequest{
			model.RequestTopUp:      {},
			model.RequestWithdrawal: {},
		},
	}
}

// --- Tariffs ---

func (s *MemoryStore) GetTariff(_ context.Context, marketID string) (*model.RegionalTariff, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	t, ok := s.tariffs[marketID]
	if !ok {
		return nil, fmt.Errorf("%w: market %s", model.ErrConfigMissing, marketID)
	}
	copy := *t
	return &copy, nil
}

func (s *MemoryStore) UpsertTariff(_ context.Context, t *model.RegionalTariff) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	copy := *t
	s.tariffs[t.MarketID] = &copy
	return nil
}

// --- Orders ---

func (s *MemoryStore) CreateOrder(_ context.Context, o *model.Order) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, exists := s.orders[o.ID]; exists {
		return fmt.Errorf("order %s already exists", o.ID)
	}
	s.orders[o.ID] = cloneOrder(o)
	return nil
}

func (s *MemoryStore) GetOrder(_ context.Context, id string) (*model.Order, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	o, ok := s.orders[id]
	if !ok {
		return nil, fmt.Errorf("%w: %s", model.ErrOrderNotFound, id)
	}
	return cloneOrder(o), nil
}

func (s *MemoryStore) ListOrdersByStatus(_ context.Context, marketID string, status model.ShippingStatus, limit int) ([]model.Order, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var result []model.Order
	for _, o := range s.orders {
		if o.ShippingStatus == status && (marketID == "" || o.MarketID == marketID) {
			result = append(result, *cloneOrder(o))
		}
	}
	sort.Slice(result, func(i, j int) bool {
		return result[i].CreatedAt.Before(result[j].CreatedAt)
	})
	if limit > 0 && len(result) > limit {
		result = result[:limit]
	}
	return result, nil
}

func (s *MemoryStore) MarkMerchantReady(_ context.Context, orderID, merchantID string) (*model.Order, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	o, ok := s.orders[orderID]
	if !ok {
		return nil, fmt.Errorf("%w: %s", model.ErrOrderNotFound, orderID)
	}
	if !o.HasMerchant(merchantID) {
		return nil, model.ErrNotOwner
	}
	if o.ShippingStatus != model.StatusCreated {
		return nil, model.ErrInvalidTransition
	}
	for i := range o.Items {
		if o.Items[i].MerchantID == merchantID {
			o.Items[i].Ready = true
		}
	}
	if o.AllReady() {
		o.ShippingStatus = model.StatusSearchingCourier
	}
	return cloneOrder(o), nil
}

func (s *MemoryStore) ClaimOrder(_ context.Context, orderID, courierID string, minBalance decimal.Decimal, at time.Time) (*model.Order, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	o, ok := s.orders[orderID]
	if !ok {
		return nil, fmt.Errorf("%w: %s", model.ErrOrderNotFound, orderID)
	}
	if err := classifyClaim(o, s.accounts[courierID], minBalance); err != nil {
		return nil, err
	}

	o.ShippingStatus = model.StatusCourierAssigned
	o.CourierID = courierID
	assigned := at
	o.AssignedAt = &assigned
	return cloneOrder(o), nil
}

func (s *MemoryStore) TransitionOrder(_ context.Context, t model.OrderTransition) (*model.Order, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	o, ok := s.orders[t.OrderID]
	if !ok {
		return nil, fmt.Errorf("%w: %s", model.ErrOrderNotFound, t.OrderID)
	}
	if err := classifyTransition(o, t); err != nil {
		return nil, err
	}

	o.ShippingStatus = t.To
	if t.ClearCourier {
		o.CourierID = ""
		o.AssignedAt = nil
	}
	if t.MarkPaid {
		o.PaymentStatus = model.PaymentPaid
	}
	if t.To == model.StatusDelivered {
		done := t.At
		o.CompletedAt = &done
	}
	return cloneOrder(o), nil
}

// --- Accounts ---

func (s *MemoryStore) CreateAccount(_ context.Context, a *model.Account) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, exists := s.accounts[a.ID]; exists {
		return fmt.Errorf("%w: %s", model.ErrAccountExists, a.ID)
	}
	copy := *a
	copy.WalletBalance = decimal.Zero
	if copy.Status == "" {
		copy.Status = model.AccountActive
	}
	s.accounts[a.ID] = &copy
	return nil
}

func (s *MemoryStore) GetAccount(_ context.Context, id string) (*model.Account, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	a, ok := s.accounts[id]
	if !ok {
		return nil, fmt.Errorf("%w: %s", model.ErrAccountNotFound, id)
	}
	copy := *a
	return &copy, nil
}

func (s *MemoryStore) SetAccountStatus(_ context.Context, id string, from, to model.AccountStatus) (*model.Account, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	a, ok := s.accounts[id]
	if !ok {
		return nil, fmt.Errorf("%w: %s", model.ErrAccountNotFound, id)
	}
	if a.Status != from {
		return nil, model.ErrStatusChanged
	}
	a.Status = to
	a.UpdatedAt = time.Now().UTC()
	copy := *a
	return &copy, nil
}

// --- Ledger ---

func (s *MemoryStore) AppendEntry(_ context.Context, m model.Mutation, rule model.StatusRule) (*model.LedgerEntry, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	entries, err := s.applyLocked([]model.Mutation{m}, rule, time.Now().UTC())
	if err != nil {
		return nil, err
	}
	return &entries[0], nil
}

func (s *MemoryStore) ListEntries(_ context.Context, accountID string, limit int) ([]model.LedgerEntry, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var result []model.LedgerEntry
	for i := len(s.ledger) - 1; i >= 0; i-- {
		if s.ledger[i].AccountID != accountID {
			continue
		}
		result = append(result, s.ledger[i])
		if limit > 0 && len(result) == limit {
			break
		}
	}
	return result, nil
}

func (s *MemoryStore) SettleOrder(_ context.Context, orderID string, muts []model.Mutation, rule model.StatusRule, at time.Time) ([]model.LedgerEntry, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	o, ok := s.orders[orderID]
	if !ok {
		return nil, fmt.Errorf("%w: %s", model.ErrOrderNotFound, orderID)
	}
	if o.SettledAt != nil {
		return nil, model.ErrAlreadySettled
	}
	for _, e := range s.ledger {
		if e.RelatedOrderID == orderID && e.Type == model.EntryOrderEarning {
			return nil, model.ErrAlreadySettled
		}
	}
	if !o.ShippingStatus.Settleable() {
		return nil, model.ErrInvalidTransition
	}

	entries, err := s.applyLocked(muts, rule, at)
	if err != nil {
		return nil, err
	}
	settled := at
	o.SettledAt = &settled
	return entries, nil
}

func (s *MemoryStore) ReconcileBalances(_ context.Context) ([]model.Drift, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	sums := make(map[string]decimal.Decimal, len(s.accounts))
	for _, e := range s.ledger {
		sums[e.AccountID] = sums[e.AccountID].Add(e.Signed())
	}

	var drifts []model.Drift
	for id, a := range s.accounts {
		if !a.WalletBalance.Equal(sums[id]) {
			drifts = append(drifts, model.Drift{AccountID: id, Cached: a.WalletBalance, Computed: sums[id]})
		}
	}
	sort.Slice(drifts, func(i, j int) bool { return drifts[i].AccountID < drifts[j].AccountID })
	return drifts, nil
}

// applyLocked validates every mutation against running balances first and
// only then writes, so a failing mutation leaves nothing behind.
// Caller must hold s.mu.
func (s *MemoryStore) applyLocked(muts []model.Mutation, rule model.StatusRule, at time.Time) ([]model.LedgerEntry, error) {
	staged := make(map[string]*model.Account)
	entries := make([]model.LedgerEntry, 0, len(muts))

	for _, m := range muts {
		acct, ok := staged[m.AccountID]
		if !ok {
			stored, exists := s.accounts[m.AccountID]
			if !exists {
				return nil, fmt.Errorf("%w: %s", model.ErrAccountNotFound, m.AccountID)
			}
			copy := *stored
			acct = &copy
			staged[m.AccountID] = acct
		}
		entry, status, err := applyMutation(acct, m, rule, uuid.New().String(), at)
		if err != nil {
			return nil, fmt.Errorf("account %s: %w", m.AccountID, err)
		}
		acct.WalletBalance = entry.BalanceAfter
		acct.Status = status
		acct.UpdatedAt = at
		entries = append(entries, entry)
	}

	for id, acct := range staged {
		s.accounts[id] = acct
	}
	s.ledger = append(s.ledger, entries...)
	return entries, nil
}

// --- Requests ---

func (s *MemoryStore) CreateRequest(_ context.Context, r *model.WalletRequest) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	bucket, ok := s.requests[r.Kind]
	if !ok {
		return fmt.Errorf("unknown request kind %q", r.Kind)
	}
	if _, exists := bucket[r.ID]; exists {
		return fmt.Errorf("request %s already exists", r.ID)
	}
	copy := *r
	bucket[r.ID] = &copy
	return nil
}

func (s *MemoryStore) GetRequest(_ context.Context, kind model.RequestKind, id string) (*model.WalletRequest, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	r, ok := s.requests[kind][id]
	if !ok {
		return nil, fmt.Errorf("%w: %s %s", model.ErrRequestNotFound, kind, id)
	}
	copy := *r
	return &copy, nil
}

func (s *MemoryStore) ListRequests(_ context.Context, kind model.RequestKind, status model.RequestStatus, limit int) ([]model.WalletRequest, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var result []model.WalletRequest
	for _, r := range s.requests[kind] {
		if status == "" || r.Status == status {
			result = append(result, *r)
		}
	}
	sort.Slice(result, func(i, j int) bool {
		return result[i].CreatedAt.Before(result[j].CreatedAt)
	})
	if limit > 0 && len(result) > limit {
		result = result[:limit]
	}
	return result, nil
}

func (s *MemoryStore) TransitionRequest(_ context.Context, t RequestTransition) (*model.WalletRequest, *model.LedgerEntry, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	r, ok := s.requests[t.Kind][t.RequestID]
	if !ok {
		return nil, nil, fmt.Errorf("%w: %s %s", model.ErrRequestNotFound, t.Kind, t.RequestID)
	}
	if r.Status != t.From {
		copy := *r
		return &copy, nil, model.ErrRequestProcessed
	}

	var entry *model.LedgerEntry
	if t.Mutation != nil {
		m := *t.Mutation
		m.AccountID = r.AccountID
		m.Amount = r.Amount
		m.RelatedRequestID = r.ID
		entries, err := s.applyLocked([]model.Mutation{m}, t.Rule, t.At)
		if err != nil {
			return nil, nil, err
		}
		entry = &entries[0]
	}

	r.Status = t.To
	r.ProcessedBy = t.ProcessedBy
	if t.Note != "" {
		r.Note = t.Note
	}
	processed := t.At
	r.ProcessedAt = &processed
	copy := *r
	return &copy, entry, nil
}

// cloneOrder deep-copies an order so callers cannot mutate stored state.
func cloneOrder(o *model.Order) *model.Order {
	copy := *o
	copy.Items = append([]model.OrderItem(nil), o.Items...)
	if o.MerchantEarnings != nil {
		copy.MerchantEarnings = make(map[string]decimal.Decimal, len(o.MerchantEarnings))
		for k, v := range o.MerchantEarnings {
			copy.MerchantEarnings[k] = v
		}
	}
	return &copy
}
