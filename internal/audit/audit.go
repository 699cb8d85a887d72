// Package audit publishes business events (claims, ledger appends,
// settlements, drift alerts) to a fire-and-forget sink. Emit never blocks
// and never fails the caller: a full buffer or a broker outage drops the
// event and counts it.
package audit

import (
	"context"
	"log/slog"
	"time"

	"github.com/google/uuid"
)

// Event types.
const (
	OrderCreated      = "order.created"
	OrderReady        = "order.ready"
	OrderClaimed      = "order.claimed"
	OrderTransitioned = "order.transitioned"
	LedgerAppended    = "ledger.appended"
	RequestProcessed  = "ledger.request_processed"
	OrderSettled      = "settlement.settled"
	BalanceDrift      = "ledger.balance_drift"
	AccountStatus     = "wallet.status_changed"
	AccountCreated    = "wallet.account_created"
)

// Event is one audit record. EntityID is the partition key.
type Event struct {
	ID       string         `json:"id"`
	Type     string         `json:"type"`
	EntityID string         `json:"entity_id"`
	Actor    string         `json:"actor,omitempty"`
	At       time.Time      `json:"at"`
	Data     map[string]any `json:"data,omitempty"`
}

// NewEvent fills in id and timestamp.
func NewEvent(typ, entityID, actor string, data map[string]any) Event {
	return Event{
		ID:       uuid.New().String(),
		Type:     typ,
		EntityID: entityID,
		Actor:    actor,
		At:       time.Now().UTC(),
		Data:     data,
	}
}

// Sink receives audit events.
type Sink interface {
	Emit(ctx context.Context, e Event)
}

// Nop discards every event.
type Nop struct{}

func (Nop) Emit(context.Context, Event) {}

// LogSink writes events as structured log lines. Used when no broker is
// configured.
type LogSink struct {
	Logger *slog.Logger
}

func (s LogSink) Emit(ctx context.Context, e Event) {
	l := s.Logger
	if l == nil {
		l = slog.Default()
	}
	l.InfoContext(ctx, "audit",
		"event_id", e.ID,
		"type", e.Type,
		"entity_id", e.EntityID,
		"actor", e.Actor,
		"data", e.Data,
	)
}
