// Package metrics provides Prometheus instrumentation for the ledger engine.
package metrics

import (
	"net/http"
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	// InvestmentsTotal counts share purchases that settled.
	InvestmentsTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "ledger_investments_total",
		Help: "Total number of share purchases settled",
	})

	// SettlementsTotal counts sell settlements, partitioned by how the
	// sale was initiated.
	SettlementsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "ledger_settlements_total",
		Help: "Total number of sell settlements",
	}, []string{"origin"}) // "approved" or "direct"

	// SellRequestsTotal counts sell requests recorded, pending approval.
	SellRequestsTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "ledger_sell_requests_total",
		Help: "Total number of pending-sell requests recorded",
	})

	// RevaluationsTotal counts property revaluation sweeps.
	RevaluationsTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "ledger_revaluations_total",
		Help: "Total number of property revaluation sweeps",
	})

	// PaymentsTotal counts cash movements by type and final status.
	PaymentsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "ledger_payments_total",
		Help: "Total cash movements recorded",
	}, []string{"type", "status"})

	// GatewayErrorsTotal counts failed calls to the payment gateway.
	GatewayErrorsTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "ledger_gateway_errors_total",
		Help: "Failed payment gateway calls",
	})

	// CommitConflictsTotal counts unit-of-work commits retried after a
	// concurrency conflict.
	CommitConflictsTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "ledger_commit_conflicts_total",
		Help: "Unit-of-work commits that hit a concurrency conflict",
	})

	// WebSocketClients tracks connected WebSocket clients.
	WebSocketClients = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "ledger_websocket_clients",
		Help: "Number of connected WebSocket clients",
	})

	// HTTPRequestsTotal counts HTTP requests by method, path, and status.
	HTTPRequestsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "ledger_http_requests_total",
		Help: "Total HTTP requests",
	}, []string{"method", "path", "status"})

	// HTTPRequestDuration tracks request duration by method and path.
	HTTPRequestDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "ledger_http_request_duration_seconds",
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

		// Use the raw path for the label; the API surface is small enough
		// that cardinality stays bounded.
		path := r.URL.Path
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
