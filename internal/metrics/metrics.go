// Package metrics provides Prometheus instrumentation for the spot engine.
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
	// WorkflowsTotal counts workflows by terminal state.
	WorkflowsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "spot_workflows_total",
		Help: "Workflows finished, by terminal state",
	}, []string{"state"})

	// WorkflowLatency tracks signal-to-terminal latency.
	WorkflowLatency = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "spot_workflow_latency_seconds",
		Help:    "Workflow latency from receipt to terminal state",
		Buckets: []float64{0.005, 0.01, 0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10, 30},
	}, []string{"state"})

	// WorkflowsInFlight tracks workflows not yet terminal.
	WorkflowsInFlight = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "spot_workflows_in_flight",
		Help: "Workflows currently running",
	})

	// RiskDecisions counts risk outcomes.
	RiskDecisions = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "spot_risk_decisions_total",
		Help: "Risk engine decisions by outcome",
	}, []string{"outcome"})

	// RiskReasons counts rule hits, including resizes.
	RiskReasons = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "spot_risk_reasons_total",
		Help: "Risk rule hits by reason",
	}, []string{"reason"})

	// ExecutionRetries counts retried adapter calls.
	ExecutionRetries = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "spot_execution_retries_total",
		Help: "Retried execution adapter calls",
	}, []string{"op"})

	// BreakerState is 0 closed, 1 half-open, 2 open.
	BreakerState = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Name: "spot_execution_breaker_state",
		Help: "Execution circuit breaker state (0 closed, 1 half-open, 2 open)",
	}, []string{"name"})

	// LedgerCommits counts ledger applies by result.
	LedgerCommits = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "spot_ledger_commits_total",
		Help: "Ledger apply attempts by result",
	}, []string{"result"})

	// PendingFills tracks fills awaiting reconciliation.
	PendingFills = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "spot_pending_fills",
		Help: "Executed fills not yet committed to the ledger",
	})

	// Equity is the last observed portfolio equity.
	Equity = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "spot_equity",
		Help: "Last observed portfolio equity",
	})

	// Halted is 1 while the emergency stop is set.
	Halted = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "spot_emergency_halted",
		Help: "1 while the emergency stop is engaged",
	})

	// WebSocketClients tracks connected WebSocket clients.
	WebSocketClients = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "spot_websocket_clients",
		Help: "Number of connected WebSocket clients",
	})

	// HTTPRequestsTotal counts HTTP requests by method, path, and status.
	HTTPRequestsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "spot_http_requests_total",
		Help: "Total HTTP requests",
	}, []string{"method", "path", "status"})

	// HTTPRequestDuration tracks request duration by method and path.
	HTTPRequestDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "spot_http_request_duration_seconds",
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

		// Route pattern keeps workflow ids out of the label set.
		path := r.URL.Path
		if rc := chi.RouteContext(r.Context()); rc != nil && rc.RoutePattern() != "" {
			path = rc.RoutePattern()
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

// Hijack lets WebSocket upgrades pass through Middleware.
func (w *statusWriter) Hijack() (net.Conn, *bufio.ReadWriter, error) {
	hj, ok := w.ResponseWriter.(http.Hijacker)
	if !ok {
		return nil, nil, errors.New("metrics: response writer does not support hijacking")
	}
	w.status = http.StatusSwitchingProtocols
	return hj.Hijack()
}
