// Package metrics provides Prometheus instrumentation for the repricer.
package metrics

import (
	"context"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/sellerdash/repricer/internal/engine"
)

var (
	// CyclesTotal counts completed reduction cycles.
	CyclesTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "repricer_cycles_total",
		Help: "Total number of completed reduction cycles",
	})

	// CycleDuration tracks wall-clock time of a cycle.
	CycleDuration = promauto.NewHistogram(prometheus.HistogramOpts{
		Name:    "repricer_cycle_duration_seconds",
		Help:    "Reduction cycle duration in seconds",
		Buckets: []float64{0.01, 0.05, 0.1, 0.5, 1, 5, 15, 30, 60, 300},
	})

	// ListingOutcomes counts per-listing results, partitioned by outcome.
	ListingOutcomes = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "repricer_listing_outcomes_total",
		Help: "Listing executions by outcome",
	}, []string{"outcome"})

	// DueListings is the number of listings selected by the latest cycle.
	DueListings = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "repricer_due_listings",
		Help: "Listings selected as due in the latest cycle",
	})

	// LastCycleTimestamp is the unix time the latest cycle finished.
	// Alert on it to catch a stalled scheduler.
	LastCycleTimestamp = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "repricer_last_cycle_timestamp_seconds",
		Help: "Unix time the latest reduction cycle finished",
	})

	// WebSocketClients tracks connected WebSocket clients.
	WebSocketClients = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "repricer_websocket_clients",
		Help: "Number of connected WebSocket clients",
	})

	// HTTPRequestsTotal counts HTTP requests by method, path, and status.
	HTTPRequestsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "repricer_http_requests_total",
		Help: "Total HTTP requests",
	}, []string{"method", "path", "status"})

	// HTTPRequestDuration tracks request duration by method and path.
	HTTPRequestDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "repricer_http_request_duration_seconds",
		Help:    "HTTP request duration in seconds",
		Buckets: []float64{0.001, 0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1.0},
	}, []string{"method", "path"})
)

// Recorder is an engine.SummarySink that feeds cycle metrics.
type Recorder struct{}

func (Recorder) PublishSummary(_ context.Context, s *engine.Summary) error {
	CyclesTotal.Inc()
	CycleDuration.Observe(s.Duration().Seconds())
	DueListings.Set(float64(s.Due))
	LastCycleTimestamp.Set(float64(s.FinishedAt.Unix()))
	ListingOutcomes.WithLabelValues(string(engine.Reduced)).Add(float64(s.Reduced))
	ListingOutcomes.WithLabelValues(string(engine.Skipped)).Add(float64(s.Skipped))
	ListingOutcomes.WithLabelValues(string(engine.Failed)).Add(float64(s.Failed))
	return nil
}

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
		if rctx := chi.RouteContext(r.Context()); rctx != nil {
			if pattern := rctx.RoutePattern(); pattern != "" {
				path = pattern
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
