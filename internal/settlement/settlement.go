// Package settlement commits the earnings of a delivered order: one
// ORDER_EARNING entry per payee (courier, each merchant, platform) written
// as a single atomic batch.
//
// Finalize is safe to retry. A second call for a settled order is reported
// through Result.AlreadySettled, not as an error.
package settlement

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"time"

	"github.com/shopspring/decimal"

	"github.com/pasarlokal/dispatch-engine/internal/audit"
	"github.com/pasarlokal/dispatch-engine/internal/metrics"
	"github.com/pasarlokal/dispatch-engine/internal/model"
)

// Store is the persistence the finalizer needs.
type Store interface {
	GetOrder(ctx context.Context, id string) (*model.Order, error)
	SettleOrder(ctx context.Context, orderID string, muts []model.Mutation, rule model.StatusRule, at time.Time) ([]model.LedgerEntry, error)
}

// Result is the outcome of a finalize call.
type Result struct {
	OrderID        string              `json:"order_id"`
	Entries        []model.LedgerEntry `json:"entries"`
	AlreadySettled bool                `json:"already_settled"`
}

// Finalizer settles delivered orders.
type Finalizer struct {
	store      Store
	rule       model.StatusRule
	platformID string
	audit      audit.Sink
	logger     *slog.Logger
	now        func() time.Time
}

// NewFinalizer creates a finalizer crediting app earnings to platformID.
func NewFinalizer(st Store, rule model.StatusRule, platformID string, sink audit.Sink, logger *slog.Logger) *Finalizer {
	if sink == nil {
		sink = audit.Nop{}
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Finalizer{
		store:      st,
		rule:       rule,
		platformID: platformID,
		audit:      sink,
		logger:     logger,
		now:        time.Now,
	}
}

// Finalize commits all earnings of an order, or none.
func (f *Finalizer) Finalize(ctx context.Context, orderID string) (*Result, error) {
	o, err := f.store.GetOrder(ctx, orderID)
	if err != nil {
		return nil, err
	}
	if o.SettledAt != nil {
		return f.duplicate(ctx, orderID), nil
	}
	if !o.ShippingStatus.Settleable() {
		metrics.Settlements.WithLabelValues("error").Inc()
		return nil, fmt.Errorf("%w: order %s is %s", model.ErrInvalidTransition, orderID, o.ShippingStatus)
	}

	muts, err := Mutations(o, f.platformID)
	if err != nil {
		metrics.Settlements.WithLabelValues("error").Inc()
		return nil, err
	}

	entries, err := f.store.SettleOrder(ctx, orderID, muts, f.rule, f.now().UTC())
	if errors.Is(err, model.ErrAlreadySettled) {
		return f.duplicate(ctx, orderID), nil
	}
	if err != nil {
		metrics.Settlements.WithLabelValues("error").Inc()
		f.logger.ErrorContext(ctx, "settlement failed, nothing committed", "order_id", orderID, "error", err)
		return nil, err
	}

	metrics.Settlements.WithLabelValues("settled").Inc()
	for _, e := range entries {
		metrics.LedgerEntries.WithLabelValues(string(e.Type), string(e.Direction)).Inc()
	}
	payees := make(map[string]string, len(entries))
	for _, e := range entries {
		payees[e.AccountID] = e.Amount.String()
	}
	f.logger.InfoContext(ctx, "order settled", "order_id", orderID, "entries", len(entries))
	f.audit.Emit(ctx, audit.NewEvent(audit.OrderSettled, orderID, "", map[string]any{
		"payees": payees,
	}))
	return &Result{OrderID: orderID, Entries: entries}, nil
}

func (f *Finalizer) duplicate(ctx context.Context, orderID string) *Result {
	metrics.Settlements.WithLabelValues("duplicate").Inc()
	f.logger.InfoContext(ctx, "order already settled", "order_id", orderID)
	return &Result{OrderID: orderID, AlreadySettled: true}
}

// Mutations builds the earning mutations of an order from the amounts
// frozen at checkout: courier earning, each merchant's subtotal (in
// merchant id order) and the app earning. Zero amounts are skipped.
// An account owed more than one share gets a single merged credit, so a
// batch never carries two earnings for the same account.
func Mutations(o *model.Order, platformID string) ([]model.Mutation, error) {
	var muts []model.Mutation
	index := make(map[string]int)
	credit := func(account, desc string, amount decimal.Decimal) {
		if i, ok := index[account]; ok {
			muts[i].Amount = muts[i].Amount.Add(amount)
			muts[i].Description += ", " + desc
			return
		}
		index[account] = len(muts)
		muts = append(muts, model.Mutation{
			AccountID:      account,
			Type:           model.EntryOrderEarning,
			Direction:      model.Credit,
			Amount:         amount,
			Description:    desc,
			RelatedOrderID: o.ID,
		})
	}

	if o.Fees.CourierEarning.IsPositive() {
		if o.CourierID == "" {
			return nil, fmt.Errorf("%w: order %s has no courier", model.ErrInvalidTransition, o.ID)
		}
		credit(o.CourierID, "Delivery earning", o.Fees.CourierEarning)
	}

	merchants := make([]string, 0, len(o.MerchantEarnings))
	for id := range o.MerchantEarnings {
		merchants = append(merchants, id)
	}
	sort.Strings(merchants)
	for _, id := range merchants {
		if amt := o.MerchantEarnings[id]; amt.IsPositive() {
			credit(id, "Sales earning", amt)
		}
	}

	if o.Fees.AppEarning.IsPositive() {
		credit(platformID, "Platform fee", o.Fees.AppEarning)
	}
	return muts, nil
}
