package http

import (
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"fleetdeck.control/internal/core/domain"
)

var (
	httpRequestsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "http_requests_total",
			Help: "Total number of HTTP requests",
		},
		[]string{"method", "path", "status"},
	)

	httpRequestDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "http_request_duration_seconds",
			Help:    "HTTP request duration in seconds",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"method", "path"},
	)

	pipelinesActive = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "fleet_pipelines_active",
			Help: "Number of currently active pipelines",
		},
	)

	queueDepth = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "fleet_queue_depth",
			Help: "Number of work items waiting in queue",
		},
	)

	agentsByStaleness = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "fleet_agents",
			Help: "Number of agents by heartbeat staleness",
		},
		[]string{"staleness"},
	)

	completionsTotal = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "fleet_completions_in_window",
			Help: "Completed work items within the lookback window",
		},
	)

	failuresTotal = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "fleet_failures_in_window",
			Help: "Failed work items within the lookback window",
		},
	)

	broadcastsTotal = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "fleet_snapshot_broadcasts_total",
			Help: "Snapshot broadcasts pushed to observers",
		},
	)

	observersConnected = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "fleet_observers_connected",
			Help: "Currently connected live observers",
		},
	)
)

// MetricsMiddleware records HTTP request metrics.
func MetricsMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Header.Get("Upgrade") == "websocket" {
			next.ServeHTTP(w, r)
			return
		}

		start := time.Now()
		wrapped := &responseWriter{ResponseWriter: w, statusCode: http.StatusOK}
		next.ServeHTTP(wrapped, r)

		duration := time.Since(start).Seconds()
		path := chi.RouteContext(r.Context()).RoutePattern()
		if path == "" {
			path = r.URL.Path
		}

		httpRequestsTotal.WithLabelValues(r.Method, path, strconv.Itoa(wrapped.statusCode)).Inc()
		httpRequestDuration.WithLabelValues(r.Method, path).Observe(duration)
	})
}

type responseWriter struct {
	http.ResponseWriter
	statusCode int
}

func (rw *responseWriter) WriteHeader(code int) {
	rw.statusCode = code
	rw.ResponseWriter.WriteHeader(code)
}

// MetricsHandler returns the Prometheus scrape handler.
func MetricsHandler() http.Handler {
	return promhttp.Handler()
}

// recordSnapshot refreshes the fleet gauges from a freshly aggregated
// snapshot.
func recordSnapshot(state domain.FleetState) {
	pipelinesActive.Set(float64(len(state.Pipelines)))
	queueDepth.Set(float64(len(state.Queue)))
	completionsTotal.Set(float64(state.Completed))
	failuresTotal.Set(float64(state.Failed))

	counts := map[domain.Staleness]int{}
	for _, hb := range state.Heartbeats {
		counts[hb.Staleness]++
	}
	for _, staleness := range []domain.Staleness{domain.StaleActive, domain.StaleIdle, domain.StaleStale} {
		agentsByStaleness.WithLabelValues(string(staleness)).Set(float64(counts[staleness]))
	}
}
