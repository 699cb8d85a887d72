// Package guard implements the wallet threshold guard.
//
// A courier whose wallet balance drops below the configured minimum is
// FROZEN and may not claim orders until a top-up brings the balance back.
// SUSPENDED is an admin decision and always wins over the balance rule.
// Merchant and platform accounts are never frozen.
//
// The rule is applied in two places: by the ledger store inside every append
// (so a top-up unfreezes in the same transaction that records it), and by
// Evaluate for on-demand checks.
package guard

import (
	"context"
	"errors"
	"fmt"

	"github.com/shopspring/decimal"

	"github.com/pasarlokal/dispatch-engine/internal/audit"
	"github.com/pasarlokal/dispatch-engine/internal/metrics"
	"github.com/pasarlokal/dispatch-engine/internal/model"
)

// maxCASAttempts bounds the retry loop on concurrent status changes.
const maxCASAttempts = 3

// AccountStore is the persistence the guard needs.
type AccountStore interface {
	CreateAccount(ctx context.Context, a *model.Account) error
	GetAccount(ctx context.Context, id string) (*model.Account, error)
	SetAccountStatus(ctx context.Context, id string, from, to model.AccountStatus) (*model.Account, error)
}

// Guard evaluates account status against the minimum wallet limit.
type Guard struct {
	store AccountStore
	audit audit.Sink

	// MinWalletLimit is the balance a courier must hold to stay ACTIVE.
	MinWalletLimit decimal.Decimal
}

// NewGuard creates a guard with the given minimum wallet limit.
// A negative limit is treated as zero.
func NewGuard(st AccountStore, minWalletLimit decimal.Decimal) *Guard {
	if minWalletLimit.IsNegative() {
		minWalletLimit = decimal.Zero
	}
	return &Guard{store: st, audit: audit.Nop{}, MinWalletLimit: minWalletLimit}
}

// WithAudit sends status changes and provisioned accounts to sink.
func (g *Guard) WithAudit(sink audit.Sink) *Guard {
	if sink != nil {
		g.audit = sink
	}
	return g
}

// Provision opens a zero-balance courier or merchant account. A courier
// starts FROZEN whenever the minimum limit is above zero.
func (g *Guard) Provision(ctx context.Context, id string, role model.Role, actor string) (*model.Account, error) {
	if id == "" {
		return nil, fmt.Errorf("%w: account id is required", model.ErrInvalidAccount)
	}
	if role != model.RoleCourier && role != model.RoleMerchant {
		return nil, fmt.Errorf("%w: role %q cannot be provisioned", model.ErrInvalidAccount, role)
	}
	a := &model.Account{ID: id, Role: role, Status: g.Rule(role, model.AccountActive, decimal.Zero)}
	if err := g.store.CreateAccount(ctx, a); err != nil {
		return nil, err
	}
	created, err := g.store.GetAccount(ctx, id)
	if err != nil {
		return nil, err
	}
	g.audit.Emit(ctx, audit.NewEvent(audit.AccountCreated, id, actor, map[string]any{
		"role":   string(role),
		"status": string(created.Status),
	}))
	return created, nil
}

// Rule derives the status an account should have at the given balance.
// It satisfies model.StatusRule.
func (g *Guard) Rule(role model.Role, current model.AccountStatus, balance decimal.Decimal) model.AccountStatus {
	if current == model.AccountSuspended {
		return model.AccountSuspended
	}
	if role != model.RoleCourier {
		return model.AccountActive
	}
	if balance.LessThan(g.MinWalletLimit) {
		return model.AccountFrozen
	}
	return model.AccountActive
}

// CheckClaimable returns nil if the account may take a new order, or the
// typed reason it may not.
func (g *Guard) CheckClaimable(acct *model.Account) error {
	if acct.Role != model.RoleCourier {
		return fmt.Errorf("%w: %s is not a courier", model.ErrAccountNotFound, acct.ID)
	}
	switch g.Rule(acct.Role, acct.Status, acct.WalletBalance) {
	case model.AccountSuspended:
		return model.ErrAccountSuspended
	case model.AccountFrozen:
		return fmt.Errorf("%w: balance %s below minimum %s",
			model.ErrAccountFrozen, acct.WalletBalance, g.MinWalletLimit)
	}
	return nil
}

// Evaluate returns the account's status under the current balance and
// persists it when the stored status disagrees.
func (g *Guard) Evaluate(ctx context.Context, accountID string) (model.AccountStatus, error) {
	acct, err := g.sync(ctx, accountID, func(a *model.Account) model.AccountStatus {
		return g.Rule(a.Role, a.Status, a.WalletBalance)
	})
	if err != nil {
		return "", err
	}
	return acct.Status, nil
}

// Suspend puts an account in SUSPENDED regardless of balance.
func (g *Guard) Suspend(ctx context.Context, accountID string) (*model.Account, error) {
	return g.sync(ctx, accountID, func(*model.Account) model.AccountStatus {
		return model.AccountSuspended
	})
}

// Reinstate lifts a suspension; the account becomes ACTIVE or FROZEN
// according to its balance.
func (g *Guard) Reinstate(ctx context.Context, accountID string) (*model.Account, error) {
	return g.sync(ctx, accountID, func(a *model.Account) model.AccountStatus {
		return g.Rule(a.Role, model.AccountActive, a.WalletBalance)
	})
}

// sync moves the account to want(account) with a conditional update,
// re-reading when another writer changed the status in between.
func (g *Guard) sync(ctx context.Context, accountID string, want func(*model.Account) model.AccountStatus) (*model.Account, error) {
	for attempt := 0; attempt < maxCASAttempts; attempt++ {
		acct, err := g.store.GetAccount(ctx, accountID)
		if err != nil {
			return nil, err
		}
		target := want(acct)
		if target == acct.Status {
			return acct, nil
		}
		updated, err := g.store.SetAccountStatus(ctx, accountID, acct.Status, target)
		if errors.Is(err, model.ErrStatusChanged) {
			continue
		}
		if err != nil {
			return nil, err
		}
		metrics.AccountStatusChanges.WithLabelValues(string(target)).Inc()
		g.audit.Emit(ctx, audit.NewEvent(audit.AccountStatus, accountID, "", map[string]any{
			"from":    string(acct.Status),
			"to":      string(target),
			"balance": acct.WalletBalance.String(),
		}))
		return updated, nil
	}
	return nil, fmt.Errorf("guard: account %s: %w", accountID, model.ErrStatusChanged)
}
