// Package ledger is the append-only wallet ledger: balance mutations, the
// top-up and withdrawal request lifecycle, admin adjustments and the
// reconciliation sweep.
//
// Every append goes through the store in one atomic unit together with the
// cached balance and the guard's status rule, so a top-up that lifts a
// courier over the minimum unfreezes it in the same write.
package ledger

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"github.com/pasarlokal/dispatch-engine/internal/audit"
	"github.com/pasarlokal/dispatch-engine/internal/metrics"
	"github.com/pasarlokal/dispatch-engine/internal/model"
	"github.com/pasarlokal/dispatch-engine/internal/store"
)

// Store is the persistence the ledger needs.
type Store interface {
	GetAccount(ctx context.Context, id string) (*model.Account, error)
	AppendEntry(ctx context.Context, m model.Mutation, rule model.StatusRule) (*model.LedgerEntry, error)
	ListEntries(ctx context.Context, accountID string, limit int) ([]model.LedgerEntry, error)
	ReconcileBalances(ctx context.Context) ([]model.Drift, error)
	CreateRequest(ctx context.Context, r *model.WalletRequest) error
	GetRequest(ctx context.Context, kind model.RequestKind, id string) (*model.WalletRequest, error)
	ListRequests(ctx context.Context, kind model.RequestKind, status model.RequestStatus, limit int) ([]model.WalletRequest, error)
	TransitionRequest(ctx context.Context, t store.RequestTransition) (*model.WalletRequest, *model.LedgerEntry, error)
}

// Service exposes ledger operations.
type Service struct {
	store  Store
	rule   model.StatusRule
	audit  audit.Sink
	logger *slog.Logger
	now    func() time.Time
}

// NewService creates a ledger service. rule is applied on every append,
// normally guard.Guard.Rule.
func NewService(st Store, rule model.StatusRule, sink audit.Sink, logger *slog.Logger) *Service {
	if sink == nil {
		sink = audit.Nop{}
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Service{store: st, rule: rule, audit: sink, logger: logger, now: time.Now}
}

// Append records one mutation. Debits that would overdraw fail with
// model.ErrInsufficientBalance and write nothing.
func (s *Service) Append(ctx context.Context, m model.Mutation, actor string) (*model.LedgerEntry, error) {
	e, err := s.store.AppendEntry(ctx, m, s.rule)
	if err != nil {
		s.rejected(err)
		return nil, err
	}
	s.appended(ctx, *e, actor)
	return e, nil
}

// BalanceOf returns the cached balance of an account.
func (s *Service) BalanceOf(ctx context.Context, accountID string) (decimal.Decimal, error) {
	a, err := s.store.GetAccount(ctx, accountID)
	if err != nil {
		return decimal.Zero, err
	}
	return a.WalletBalance, nil
}

// Entries returns an account's ledger history, newest first.
func (s *Service) Entries(ctx context.Context, accountID string, limit int) ([]model.LedgerEntry, error) {
	if _, err := s.store.GetAccount(ctx, accountID); err != nil {
		return nil, err
	}
	return s.store.ListEntries(ctx, accountID, limit)
}

// Adjust books an admin correction. A positive amount credits, a negative
// one debits. Adjustments may overdraw; the description is mandatory.
func (s *Service) Adjust(ctx context.Context, accountID string, amount decimal.Decimal, description, adminID string) (*model.LedgerEntry, error) {
	if description == "" {
		return nil, fmt.Errorf("%w: adjustment requires a description", model.ErrInvalidAmount)
	}
	if amount.IsZero() {
		return nil, model.ErrInvalidAmount
	}
	m := model.Mutation{
		AccountID:   accountID,
		Type:        model.EntryAdjustment,
		Direction:   model.Credit,
		Amount:      amount.Abs(),
		Description: description,
	}
	if amount.IsNegative() {
		m.Direction = model.Debit
	}
	return s.Append(ctx, m, adminID)
}

func (s *Service) appended(ctx context.Context, e model.LedgerEntry, actor string) {
	metrics.LedgerEntries.WithLabelValues(string(e.Type), string(e.Direction)).Inc()
	s.logger.InfoContext(ctx, "ledger entry appended",
		"entry_id", e.ID,
		"account_id", e.AccountID,
		"type", e.Type,
		"direction", e.Direction,
		"amount", e.Amount.String(),
		"balance_after", e.BalanceAfter.String(),
	)
	s.audit.Emit(ctx, audit.NewEvent(audit.LedgerAppended, e.AccountID, actor, map[string]any{
		"entry_id":           e.ID,
		"type":               e.Type,
		"direction":          e.Direction,
		"amount":             e.Amount.String(),
		"balance_after":      e.BalanceAfter.String(),
		"related_order_id":   e.RelatedOrderID,
		"related_request_id": e.RelatedRequestID,
	}))
}

func (s *Service) rejected(err error) {
	switch {
	case errors.Is(err, model.ErrInsufficientBalance):
		metrics.LedgerRejections.WithLabelValues("insufficient_balance").Inc()
	case errors.Is(err, model.ErrInvalidAmount):
		metrics.LedgerRejections.WithLabelValues("invalid_amount").Inc()
	case errors.Is(err, model.ErrAccountNotFound):
		metrics.LedgerRejections.WithLabelValues("account_not_found").Inc()
	default:
		metrics.LedgerRejections.WithLabelValues("error").Inc()
	}
}

func newRequestID() string { return uuid.New().String() }
