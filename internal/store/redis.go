package store

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/shopspring/decimal"

	"github.com/pasarlokal/dispatch-engine/internal/model"
)

// CachedStore wraps a primary Store (PostgreSQL) with a Redis read-through
// cache for tariffs. Tariff writes go to the primary store and invalidate
// the cache; reads check Redis first then fall back to the primary.
//
// Orders and accounts are never cached. Every order mutation is a
// conditional update in the primary, and balance and status checks must
// observe the latest committed row.
type CachedStore struct {
	primary Store
	rdb     *redis.Client
	ttl     time.Duration
}

// NewCachedStore creates a cached wrapper around a primary store.
func NewCachedStore(primary Store, rdb *redis.Client, ttl time.Duration) *CachedStore {
	return &CachedStore{
		primary: primary,
		rdb:     rdb,
		ttl:     ttl,
	}
}

// --- Tariffs (read-through, invalidated on write) ---

func (s *CachedStore) UpsertTariff(ctx context.Context, t *model.RegionalTariff) error {
	if err := s.primary.UpsertTariff(ctx, t); err != nil {
		return err
	}
	s.rdb.Del(ctx, tariffKey(t.MarketID))
	return nil
}

func (s *CachedStore) GetTariff(ctx context.Context, marketID string) (*model.RegionalTariff, error) {
	data, err := s.rdb.Get(ctx, tariffKey(marketID)).Bytes()
	if err == nil {
		var t model.RegionalTariff
		if json.Unmarshal(data, &t) == nil {
			return &t, nil
		}
	}

	t, err := s.primary.GetTariff(ctx, marketID)
	if err != nil {
		return nil, err
	}
	if data, err := json.Marshal(t); err == nil {
		s.rdb.Set(ctx, tariffKey(marketID), data, s.ttl)
	}
	return t, nil
}

// --- Passthrough (not cached) ---

func (s *CachedStore) CreateOrder(ctx context.Context, o *model.Order) error {
	return s.primary.CreateOrder(ctx, o)
}

func (s *CachedStore) GetOrder(ctx context.Context, id string) (*model.Order, error) {
	return s.primary.GetOrder(ctx, id)
}

func (s *CachedStore) ListOrdersByStatus(ctx context.Context, marketID string, status model.ShippingStatus, limit int) ([]model.Order, error) {
	return s.primary.ListOrdersByStatus(ctx, marketID, status, limit)
}

func (s *CachedStore) MarkMerchantReady(ctx context.Context, orderID, merchantID string) (*model.Order, error) {
	return s.primary.MarkMerchantReady(ctx, orderID, merchantID)
}

func (s *CachedStore) ClaimOrder(ctx context.Context, orderID, courierID string, minBalance decimal.Decimal, at time.Time) (*model.Order, error) {
	return s.primary.ClaimOrder(ctx, orderID, courierID, minBalance, at)
}

func (s *CachedStore) TransitionOrder(ctx context.Context, t model.OrderTransition) (*model.Order, error) {
	return s.primary.TransitionOrder(ctx, t)
}

func (s *CachedStore) CreateAccount(ctx context.Context, a *model.Account) error {
	return s.primary.CreateAccount(ctx, a)
}

func (s *CachedStore) GetAccount(ctx context.Context, id string) (*model.Account, error) {
	return s.primary.GetAccount(ctx, id)
}

func (s *CachedStore) SetAccountStatus(ctx context.Context, id string, from, to model.AccountStatus) (*model.Account, error) {
	return s.primary.SetAccountStatus(ctx, id, from, to)
}

func (s *CachedStore) AppendEntry(ctx context.Context, m model.Mutation, rule model.StatusRule) (*model.LedgerEntry, error) {
	return s.primary.AppendEntry(ctx, m, rule)
}

func (s *CachedStore) SettleOrder(ctx context.Context, orderID string, muts []model.Mutation, rule model.StatusRule, at time.Time) ([]model.LedgerEntry, error) {
	return s.primary.SettleOrder(ctx, orderID, muts, rule, at)
}

func (s *CachedStore) TransitionRequest(ctx context.Context, t RequestTransition) (*model.WalletRequest, *model.LedgerEntry, error) {
	return s.primary.TransitionRequest(ctx, t)
}

func (s *CachedStore) ListEntries(ctx context.Context, accountID string, limit int) ([]model.LedgerEntry, error) {
	return s.primary.ListEntries(ctx, accountID, limit)
}

func (s *CachedStore) ReconcileBalances(ctx context.Context) ([]model.Drift, error) {
	return s.primary.ReconcileBalances(ctx)
}

func (s *CachedStore) CreateRequest(ctx context.Context, r *model.WalletRequest) error {
	return s.primary.CreateRequest(ctx, r)
}

func (s *CachedStore) GetRequest(ctx context.Context, kind model.RequestKind, id string) (*model.WalletRequest, error) {
	return s.primary.GetRequest(ctx, kind, id)
}

func (s *CachedStore) ListRequests(ctx context.Context, kind model.RequestKind, status model.RequestStatus, limit int) ([]model.WalletRequest, error) {
	return s.primary.ListRequests(ctx, kind, status, limit)
}

func tariffKey(marketID string) string { return fmt.Sprintf("tariff:%s", marketID) }
