package ledger

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/robfig/cron/v3"

	"github.com/pasarlokal/dispatch-engine/internal/audit"
	"github.com/pasarlokal/dispatch-engine/internal/metrics"
	"github.com/pasarlokal/dispatch-engine/internal/model"
)

// sweepTimeout bounds one reconciliation run.
const sweepTimeout = time.Minute

// DriftSource recomputes balances from the ledger.
type DriftSource interface {
	ReconcileBalances(ctx context.Context) ([]model.Drift, error)
}

// Reconciler periodically compares cached balances with the sum of their
// ledger entries. Drift is reported, never corrected.
type Reconciler struct {
	src    DriftSource
	audit  audit.Sink
	logger *slog.Logger
	cron   *cron.Cron
}

// NewReconciler creates a reconciler. Call Start to schedule it.
func NewReconciler(src DriftSource, sink audit.Sink, logger *slog.Logger) *Reconciler {
	if sink == nil {
		sink = audit.Nop{}
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Reconciler{
		src:    src,
		audit:  sink,
		logger: logger,
		cron:   cron.New(cron.WithLocation(time.UTC)),
	}
}

// RunOnce performs one sweep and returns the drifting accounts.
func (r *Reconciler) RunOnce(ctx context.Context) ([]model.Drift, error) {
	drifts, err := r.src.ReconcileBalances(ctx)
	if err != nil {
		metrics.ReconcileRuns.WithLabelValues("error").Inc()
		r.logger.ErrorContext(ctx, "reconciliation failed", "error", err)
		return nil, err
	}

	metrics.BalanceDrift.Reset()
	if len(drifts) == 0 {
		metrics.ReconcileRuns.WithLabelValues("clean").Inc()
		r.logger.DebugContext(ctx, "reconciliation clean")
		return nil, nil
	}

	metrics.ReconcileRuns.WithLabelValues("drift").Inc()
	for _, d := range drifts {
		diff := d.Diff()
		metrics.BalanceDrift.WithLabelValues(d.AccountID).Set(diff.InexactFloat64())
		r.logger.ErrorContext(ctx, "balance drift detected",
			"account_id", d.AccountID,
			"cached", d.Cached.String(),
			"computed", d.Computed.String(),
			"diff", diff.String(),
		)
		r.audit.Emit(ctx, audit.NewEvent(audit.BalanceDrift, d.AccountID, "reconciler", map[string]any{
			"cached":   d.Cached.String(),
			"computed": d.Computed.String(),
			"diff":     diff.String(),
		}))
	}
	return drifts, nil
}

// Start schedules the sweep (cron spec or descriptor such as "@every 5m").
func (r *Reconciler) Start(schedule string) error {
	_, err := r.cron.AddFunc(schedule, func() {
		ctx, cancel := context.WithTimeout(context.Background(), sweepTimeout)
		defer cancel()
		_, _ = r.RunOnce(ctx)
	})
	if err != nil {
		return fmt.Errorf("schedule reconciliation %q: %w", schedule, err)
	}
	r.logger.Info("starting reconciliation scheduler", "schedule", schedule)
	r.cron.Start()
	return nil
}

// Stop waits for a running sweep to finish.
func (r *Reconciler) Stop() {
	ctx := r.cron.Stop()
	<-ctx.Done()
	r.logger.Info("reconciliation scheduler stopped")
}
