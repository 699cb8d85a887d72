// Package store defines the persistence interface for the dispatch engine.
// Implementations include PostgreSQL (source of truth), Redis (read-through
// cache), and in-memory (for testing).
//
// Every mutation of a shared row (orders, profiles, wallet_logs, requests) is
// a single conditional operation inside the store. Callers never read a row
// and then write it back separately.
package store

import (
	"context"
	"time"

	"github.com/shopspring/decimal"

	"github.com/pasarlokal/dispatch-engine/internal/model"
)

// Store is the persistence interface. PostgreSQL is the source of truth;
// Redis provides a read-through cache layer.
type Store interface {
	// --- Regional tariffs ---

	// GetTariff returns the tariff of a market, or model.ErrConfigMissing.
	GetTariff(ctx context.Context, marketID string) (*model.RegionalTariff, error)

	// UpsertTariff stores a tariff. Used by seeding and admin tooling only.
	UpsertTariff(ctx context.Context, t *model.RegionalTariff) error

	// --- Orders ---

	// CreateOrder persists a new order with its items.
	CreateOrder(ctx context.Context, o *model.Order) error

	// GetOrder retrieves an order by its ID.
	GetOrder(ctx context.Context, id string) (*model.Order, error)

	// ListOrdersByStatus returns a market's orders in a status, oldest first.
	ListOrdersByStatus(ctx context.Context, marketID string, status model.ShippingStatus, limit int) ([]model.Order, error)

	// MarkMerchantReady flags a merchant's lines as ready. When every line is
	// ready the order moves CREATED → SEARCHING_COURIER in the same unit.
	MarkMerchantReady(ctx context.Context, orderID, merchantID string) (*model.Order, error)

	// ClaimOrder is the dispatch compare-and-swap: it assigns courierID only
	// if the order is SEARCHING_COURIER and the courier is neither suspended
	// nor below minBalance. Losing the race yields model.ErrAlreadyClaimed.
	ClaimOrder(ctx context.Context, orderID, courierID string, minBalance decimal.Decimal, at time.Time) (*model.Order, error)

	// TransitionOrder applies a conditional status change.
	TransitionOrder(ctx context.Context, t model.OrderTransition) (*model.Order, error)

	// --- Accounts ---

	// CreateAccount persists a new account with a zero balance.
	CreateAccount(ctx context.Context, a *model.Account) error

	// GetAccount retrieves an account by its ID.
	GetAccount(ctx context.Context, id string) (*model.Account, error)

	// SetAccountStatus changes status only if it is currently from.
	SetAccountStatus(ctx context.Context, id string, from, to model.AccountStatus) (*model.Account, error)

	// --- Immutable ledger ---

	// AppendEntry records one mutation and updates the cached balance and
	// status (via rule) atomically.
	AppendEntry(ctx context.Context, m model.Mutation, rule model.StatusRule) (*model.LedgerEntry, error)

	// ListEntries returns an account's entries, newest first.
	ListEntries(ctx context.Context, accountID string, limit int) ([]model.LedgerEntry, error)

	// SettleOrder commits all earning mutations of an order in one unit, or
	// none. Returns model.ErrAlreadySettled if the order was settled before.
	SettleOrder(ctx context.Context, orderID string, muts []model.Mutation, rule model.StatusRule, at time.Time) ([]model.LedgerEntry, error)

	// ReconcileBalances recomputes every balance from the ledger and returns
	// the accounts whose cached balance drifted. It never corrects.
	ReconcileBalances(ctx context.Context) ([]model.Drift, error)

	// --- Top-up and withdrawal requests ---

	// CreateRequest persists a new PENDING request.
	CreateRequest(ctx context.Context, r *model.WalletRequest) error

	// GetRequest retrieves a request by kind and ID.
	GetRequest(ctx context.Context, kind model.RequestKind, id string) (*model.WalletRequest, error)

	// ListRequests returns requests of a kind in a status, oldest first.
	ListRequests(ctx context.Context, kind model.RequestKind, status model.RequestStatus, limit int) ([]model.WalletRequest, error)

	// TransitionRequest moves a request from → to and, if m is non-nil,
	// appends its ledger entry in the same unit. A request not in from yields
	// the current request and model.ErrRequestProcessed.
	TransitionRequest(ctx context.Context, t RequestTransition) (*model.WalletRequest, *model.LedgerEntry, error)
}

// RequestTransition describes a conditional request status change.
type RequestTransition struct {
	Kind        model.RequestKind
	RequestID   string
	From        model.RequestStatus
	To          model.RequestStatus
	ProcessedBy string
	Note        string
	Mutation    *model.Mutation // nil for transitions without ledger effect; account, amount and request id come from the stored request
	Rule        model.StatusRule
	At          time.Time
}

// classifyTransition explains why a conditional order update matched no row.
func classifyTransition(o *model.Order, t model.OrderTransition) error {
	if t.CourierID != "" && o.CourierID != t.CourierID {
		return model.ErrNotOwner
	}
	if t.BuyerID != "" && o.BuyerID != t.BuyerID {
		return model.ErrNotOwner
	}
	if !t.Allows(o.ShippingStatus) || !model.CanTransition(o.ShippingStatus, t.To) {
		return model.ErrInvalidTransition
	}
	return nil
}

// classifyClaim explains why the conditional claim matched no row. Account
// problems are reported first so a frozen courier learns to top up.
func classifyClaim(o *model.Order, a *model.Account, minBalance decimal.Decimal) error {
	if a == nil || a.Role != model.RoleCourier {
		return model.ErrAccountNotFound
	}
	if a.Status == model.AccountSuspended {
		return model.ErrAccountSuspended
	}
	if a.WalletBalance.LessThan(minBalance) {
		return model.ErrAccountFrozen
	}
	if o.ShippingStatus != model.StatusSearchingCourier {
		return model.ErrAlreadyClaimed
	}
	return nil
}

// applyMutation computes the entry and new status for m against acct without
// writing anything. Shared by the memory and Postgres implementations.
func applyMutation(acct *model.Account, m model.Mutation, rule model.StatusRule, id string, at time.Time) (model.LedgerEntry, model.AccountStatus, error) {
	if !m.Amount.IsPositive() {
		return model.LedgerEntry{}, "", model.ErrInvalidAmount
	}
	newBalance := acct.WalletBalance.Add(m.Delta())
	if m.GuardsOverdraft() && newBalance.IsNegative() {
		return model.LedgerEntry{}, "", model.ErrInsufficientBalance
	}
	status := acct.Status
	if rule != nil {
		status = rule(acct.Role, acct.Status, newBalance)
	}
	entry := model.LedgerEntry{
		ID:               id,
		AccountID:        acct.ID,
		Type:             m.Type,
		Direction:        m.Direction,
		Amount:           m.Amount,
		BalanceAfter:     newBalance,
		Description:      m.Description,
		RelatedOrderID:   m.RelatedOrderID,
		RelatedRequestID: m.RelatedRequestID,
		CreatedAt:        at,
	}
	return entry, status, nil
}
