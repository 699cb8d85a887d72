package ledger

import (
	"context"
	"errors"
	"fmt"

	"github.com/shopspring/decimal"

	"github.com/pasarlokal/dispatch-engine/internal/audit"
	"github.com/pasarlokal/dispatch-engine/internal/metrics"
	"github.com/pasarlokal/dispatch-engine/internal/model"
	"github.com/pasarlokal/dispatch-engine/internal/store"
)

// ProcessResult is the outcome of processing a wallet request.
// AlreadyProcessed reports a no-op on a request that had left the expected
// status; Entry is then nil.
type ProcessResult struct {
	Request          *model.WalletRequest `json:"request"`
	Entry            *model.LedgerEntry   `json:"entry,omitempty"`
	AlreadyProcessed bool                 `json:"already_processed"`
}

// RequestTopUp records a PENDING top-up for a courier. Top-ups are entered
// by an admin after the courier has transferred the money.
func (s *Service) RequestTopUp(ctx context.Context, courierID string, amount decimal.Decimal, requestedBy, note string) (*model.WalletRequest, error) {
	if !amount.IsPositive() {
		return nil, model.ErrInvalidAmount
	}
	a, err := s.store.GetAccount(ctx, courierID)
	if err != nil {
		return nil, err
	}
	if a.Role != model.RoleCourier {
		return nil, fmt.Errorf("%w: %s is not a courier", model.ErrAccountNotFound, courierID)
	}

	r := &model.WalletRequest{
		ID:          newRequestID(),
		Kind:        model.RequestTopUp,
		AccountID:   courierID,
		Amount:      amount,
		RequestedBy: requestedBy,
		Status:      model.RequestPending,
		Note:        note,
		CreatedAt:   s.now().UTC(),
	}
	if err := s.store.CreateRequest(ctx, r); err != nil {
		return nil, err
	}
	s.logger.InfoContext(ctx, "top-up requested", "request_id", r.ID, "account_id", courierID, "amount", amount.String())
	return r, nil
}

// WithdrawalRequest carries the payout details of a withdrawal.
type WithdrawalRequest struct {
	AccountID         string          `json:"account_id"`
	Amount            decimal.Decimal `json:"amount"`
	BankName          string          `json:"bank_name"`
	BankAccountNumber string          `json:"bank_account_number"`
	BankAccountName   string          `json:"bank_account_name"`
	RequestedBy       string          `json:"requested_by"`
	Note              string          `json:"note"`
}

// RequestWithdrawal records a PENDING withdrawal. It fails fast when the
// amount already exceeds the balance; approval checks again atomically.
func (s *Service) RequestWithdrawal(ctx context.Context, req WithdrawalRequest) (*model.WalletRequest, error) {
	if !req.Amount.IsPositive() {
		return nil, model.ErrInvalidAmount
	}
	if req.BankName == "" || req.BankAccountNumber == "" || req.BankAccountName == "" {
		return nil, fmt.Errorf("%w: bank details are required", model.ErrInvalidAmount)
	}
	a, err := s.store.GetAccount(ctx, req.AccountID)
	if err != nil {
		return nil, err
	}
	if req.Amount.GreaterThan(a.WalletBalance) {
		metrics.LedgerRejections.WithLabelValues("insufficient_balance").Inc()
		return nil, fmt.Errorf("%w: balance %s, requested %s", model.ErrInsufficientBalance, a.WalletBalance, req.Amount)
	}

	r := &model.WalletRequest{
		ID:                newRequestID(),
		Kind:              model.RequestWithdrawal,
		AccountID:         req.AccountID,
		Amount:            req.Amount,
		RequestedBy:       req.RequestedBy,
		Status:            model.RequestPending,
		BankName:          req.BankName,
		BankAccountNumber: req.BankAccountNumber,
		BankAccountName:   req.BankAccountName,
		Note:              req.Note,
		CreatedAt:         s.now().UTC(),
	}
	if err := s.store.CreateRequest(ctx, r); err != nil {
		return nil, err
	}
	s.logger.InfoContext(ctx, "withdrawal requested", "request_id", r.ID, "account_id", r.AccountID, "amount", r.Amount.String())
	return r, nil
}

// GetRequest returns one request.
func (s *Service) GetRequest(ctx context.Context, kind model.RequestKind, id string) (*model.WalletRequest, error) {
	return s.store.GetRequest(ctx, kind, id)
}

// ListRequests returns requests of a kind, optionally filtered by status.
func (s *Service) ListRequests(ctx context.Context, kind model.RequestKind, status model.RequestStatus, limit int) ([]model.WalletRequest, error) {
	return s.store.ListRequests(ctx, kind, status, limit)
}

// ApproveTopUp credits the courier and marks the request APPROVED in one
// unit. Approving twice is a no-op.
func (s *Service) ApproveTopUp(ctx context.Context, requestID, adminID string) (*ProcessResult, error) {
	return s.process(ctx, store.RequestTransition{
		Kind:        model.RequestTopUp,
		RequestID:   requestID,
		From:        model.RequestPending,
		To:          model.RequestApproved,
		ProcessedBy: adminID,
		Mutation: &model.Mutation{
			Type:        model.EntryTopUp,
			Direction:   model.Credit,
			Description: "Top-up approved",
		},
	})
}

// ApproveWithdrawal debits the account and marks the request APPROVED in
// one unit. An overdrawing withdrawal fails and stays PENDING.
func (s *Service) ApproveWithdrawal(ctx context.Context, requestID, adminID string) (*ProcessResult, error) {
	return s.process(ctx, store.RequestTransition{
		Kind:        model.RequestWithdrawal,
		RequestID:   requestID,
		From:        model.RequestPending,
		To:          model.RequestApproved,
		ProcessedBy: adminID,
		Mutation: &model.Mutation{
			Type:        model.EntryWithdraw,
			Direction:   model.Debit,
			Description: "Withdrawal approved",
		},
	})
}

// Reject closes a PENDING request without ledger effect.
func (s *Service) Reject(ctx context.Context, kind model.RequestKind, requestID, adminID, note string) (*ProcessResult, error) {
	return s.process(ctx, store.RequestTransition{
		Kind:        kind,
		RequestID:   requestID,
		From:        model.RequestPending,
		To:          model.RequestRejected,
		ProcessedBy: adminID,
		Note:        note,
	})
}

// CompleteWithdrawal marks an APPROVED withdrawal as paid out. The debit
// was booked at approval.
func (s *Service) CompleteWithdrawal(ctx context.Context, requestID, adminID, note string) (*ProcessResult, error) {
	return s.process(ctx, store.RequestTransition{
		Kind:        model.RequestWithdrawal,
		RequestID:   requestID,
		From:        model.RequestApproved,
		To:          model.RequestCompleted,
		ProcessedBy: adminID,
		Note:        note,
	})
}

func (s *Service) process(ctx context.Context, t store.RequestTransition) (*ProcessResult, error) {
	t.Rule = s.rule
	t.At = s.now().UTC()

	r, e, err := s.store.TransitionRequest(ctx, t)
	if errors.Is(err, model.ErrRequestProcessed) {
		// Still waiting for an earlier step, not a replay.
		if r != nil && r.Status == model.RequestPending && t.From != model.RequestPending {
			return nil, fmt.Errorf("%w: request %s is still pending", model.ErrInvalidTransition, t.RequestID)
		}
		s.logger.InfoContext(ctx, "wallet request already processed",
			"kind", t.Kind, "request_id", t.RequestID, "status", statusOf(r))
		return &ProcessResult{Request: r, AlreadyProcessed: true}, nil
	}
	if err != nil {
		s.rejected(err)
		return nil, err
	}

	metrics.RequestsProcessed.WithLabelValues(string(t.Kind), string(t.To)).Inc()
	if e != nil {
		s.appended(ctx, *e, t.ProcessedBy)
	}
	s.logger.InfoContext(ctx, "wallet request processed",
		"kind", t.Kind, "request_id", r.ID, "account_id", r.AccountID, "status", r.Status, "by", t.ProcessedBy)
	s.audit.Emit(ctx, audit.NewEvent(audit.RequestProcessed, r.ID, t.ProcessedBy, map[string]any{
		"kind":       r.Kind,
		"account_id": r.AccountID,
		"amount":     r.Amount.String(),
		"status":     r.Status,
	}))
	return &ProcessResult{Request: r, Entry: e}, nil
}

func statusOf(r *model.WalletRequest) model.RequestStatus {
	if r == nil {
		return ""
	}
	return r.Status
}
