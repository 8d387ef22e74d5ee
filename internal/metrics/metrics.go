// Package metrics provides Prometheus instrumentation for the result engine.
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
	// IngestOutcomes counts ingestion attempts by game, round and outcome.
	IngestOutcomes = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "teer_ingest_outcomes_total",
		Help: "Ingestion attempts by outcome",
	}, []string{"game", "round", "outcome"})

	// SourceErrors counts source adapter failures by kind.
	SourceErrors = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "teer_source_errors_total",
		Help: "Result source failures by kind",
	}, []string{"game", "kind"})

	// SettlementOutcomes counts per-wager settlement outcomes.
	SettlementOutcomes = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "teer_settlement_outcomes_total",
		Help: "Per-wager settlement outcomes",
	}, []string{"game", "round", "outcome"})

	// SettlementLatency tracks how long settling one declared round takes.
	SettlementLatency = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "teer_settlement_latency_seconds",
		Help:    "Settlement run latency in seconds",
		Buckets: []float64{0.005, 0.01, 0.05, 0.1, 0.5, 1, 2.5, 5, 10, 30},
	}, []string{"game", "round"})

	// SchedulerFirings counts trigger firings and their result.
	SchedulerFirings = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "teer_scheduler_firings_total",
		Help: "Scheduled ingestion firings",
	}, []string{"game", "round", "status"})

	// WebSocketClients tracks connected WebSocket clients.
	WebSocketClients = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "teer_websocket_clients",
		Help: "Number of connected WebSocket clients",
	})

	// EventsPublished counts published events by sink and event name.
	EventsPublished = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "teer_events_published_total",
		Help: "Events handed to a publisher sink",
	}, []string{"sink", "event"})

	// EventsDropped counts events a sink could not deliver.
	EventsDropped = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "teer_events_dropped_total",
		Help: "Events dropped by a publisher sink",
	}, []string{"sink", "event"})

	// HTTPRequestsTotal counts HTTP requests by method, path, and status.
	HTTPRequestsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "teer_http_requests_total",
		Help: "Total HTTP requests",
	}, []string{"method", "path", "status"})

	// HTTPRequestDuration tracks request duration by method and path.
	HTTPRequestDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "teer_http_request_duration_seconds",
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

		path := routePattern(r)
		HTTPRequestsTotal.WithLabelValues(r.Method, path, strconv.Itoa(wrapped.status)).Inc()
		HTTPRequestDuration.WithLabelValues(r.Method, path).Observe(duration)
	})
}

// routePattern returns the matched chi pattern so ids and query strings do
// not explode label cardinality.
func routePattern(r *http.Request) string {
	if rctx := chi.RouteContext(r.Context()); rctx != nil {
		if p := rctx.RoutePattern(); p != "" {
			return p
		}
	}
	return "unmatched"
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

// Hijack lets the WebSocket upgrade pass through the middleware.
func (w *statusWriter) Hijack() (net.Conn, *bufio.ReadWriter, error) {
	h, ok := w.ResponseWriter.(http.Hijacker)
	if !ok {
		return nil, nil, errors.New("hijack not supported")
	}
	return h.Hijack()
}
