// Package metrics provides Prometheus instrumentation for the dispatch engine.
package metrics

import (
	"bufio"
	"errors"
	"net"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	// ClaimsTotal counts claim attempts partitioned by outcome
	// (won, already_claimed, frozen, suspended, error).
	ClaimsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "dispatch_claims_total",
		Help: "Total order claim attempts by outcome",
	}, []string{"outcome"})

	// ClaimLatency tracks the conditional-update round trip of a claim.
	ClaimLatency = promauto.NewHistogram(prometheus.HistogramOpts{
		Name:    "dispatch_claim_latency_seconds",
		Help:    "Claim conditional update latency in seconds",
		Buckets: prometheus.DefBuckets,
	})

	// OrderTransitions counts order status changes by target status.
	OrderTransitions = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "dispatch_order_transitions_total",
		Help: "Order status transitions by target status",
	}, []string{"to"})

	// OrdersCreated counts checkouts.
	OrdersCreated = promauto.NewCounter(prometheus.CounterOpts{
		Name: "dispatch_orders_created_total",
		Help: "Orders created by checkout",
	})

	// CheckoutRejections counts blocked checkouts by reason.
	CheckoutRejections = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "dispatch_checkout_rejections_total",
		Help: "Checkouts rejected by reason",
	}, []string{"reason"})

	// TariffMissing counts fee computations that fell back to a zeroed
	// breakdown. The market id is caller supplied, so it is logged, not labelled.
	TariffMissing = promauto.NewCounter(prometheus.CounterOpts{
		Name: "dispatch_tariff_missing_total",
		Help: "Fee computations without a regional tariff",
	})

	// LedgerEntries counts appended ledger entries by type and direction.
	LedgerEntries = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "ledger_entries_total",
		Help: "Ledger entries appended",
	}, []string{"type", "direction"})

	// LedgerRejections counts refused mutations by reason.
	LedgerRejections = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "ledger_rejections_total",
		Help: "Ledger mutations refused",
	}, []string{"reason"})

	// RequestsProcessed counts wallet request transitions by kind and status.
	RequestsProcessed = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "ledger_requests_processed_total",
		Help: "Top-up and withdrawal request transitions",
	}, []string{"kind", "status"})

	// Settlements counts finalize calls by outcome (settled, duplicate, error).
	Settlements = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "settlement_finalize_total",
		Help: "Settlement finalize calls by outcome",
	}, []string{"outcome"})

	// BalanceDrift is set per drifting account by the reconciliation sweep.
	BalanceDrift = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Name: "ledger_balance_drift",
		Help: "Cached minus computed balance for accounts that drifted",
	}, []string{"account_id"})

	// ReconcileRuns counts reconciliation sweeps by result.
	ReconcileRuns = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "ledger_reconcile_runs_total",
		Help: "Reconciliation sweeps by result",
	}, []string{"result"})

	// AccountStatusChanges counts guard-driven status changes.
	AccountStatusChanges = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "wallet_status_changes_total",
		Help: "Account status changes by target status",
	}, []string{"to"})

	// AuditDropped counts audit events dropped by a failing sink.
	AuditDropped = promauto.NewCounter(prometheus.CounterOpts{
		Name: "audit_events_dropped_total",
		Help: "Audit events that could not be delivered",
	})

	// WebSocketClients tracks connected courier WebSocket clients.
	WebSocketClients = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "dispatch_websocket_clients",
		Help: "Number of connected WebSocket clients",
	})

	// HTTPRequestsTotal counts HTTP requests by method, path, and status.
	HTTPRequestsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "dispatch_http_requests_total",
		Help: "Total HTTP requests",
	}, []string{"method", "path", "status"})

	// HTTPRequestDuration tracks request duration by method and path.
	HTTPRequestDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "dispatch_http_request_duration_seconds",
		Help:    "HTTP request duration in seconds",
		Buckets: []float64{0.001, 0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1.0},
	}, []string{"method", "path"})
)

// Handler returns the Prometheus metrics HTTP handler.
func Handler() http.Handler {
	return promhttp.Handler()
}

// Middleware returns an HTTP middleware that records request metrics.
func Middleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		wrapped := &statusWriter{ResponseWriter: w, status: 200}
		next.ServeHTTP(wrapped, r)
		duration := time.Since(start).Seconds()

		// Use the route pattern for path label to avoid high cardinality.
		path := r.URL.Path
		if rc := chi.RouteContext(r.Context()); rc != nil {
			if p := rc.RoutePattern(); p != "" {
				path = p
			}
		}
		HTTPRequestsTotal.WithLabelValues(r.Method, path, strconv.Itoa(wrapped.status)).Inc()
		HTTPRequestDuration.WithLabelValues(r.Method, path).Observe(duration)
	})
}

// statusWriter wraps http.ResponseWriter to capture the status code.
type statusWriter struct {
	http.ResponseWriter
	status int
}

func (w *statusWriter) WriteHeader(code int) {
	w.status = code
	w.ResponseWriter.WriteHeader(code)
}

// Hijack lets WebSocket upgrades pass through the middleware.
func (w *statusWriter) Hijack() (net.Conn, *bufio.ReadWriter, error) {
	h, ok := w.ResponseWriter.(http.Hijacker)
	if !ok {
		return nil, nil, errors.New("metrics: response writer does not support hijacking")
	}
	w.status = http.StatusSwitchingProtocols
	return h.Hijack()
}
