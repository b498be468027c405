package metrics

import (
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	// Registry holds the application-specific Prometheus collectors.
	Registry = prometheus.NewRegistry()

	httpInFlight = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Namespace: "projectfeed",
			Subsystem: "http",
			Name:      "inflight_requests",
			Help:      "Current number of in-flight HTTP requests, open event streams included.",
		},
	)

	httpRequests = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "projectfeed",
			Subsystem: "http",
			Name:      "requests_total",
			Help:      "Total number of HTTP requests handled.",
		},
		[]string{"method", "route", "status"},
	)

	httpDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: "projectfeed",
			Subsystem: "http",
			Name:      "request_duration_seconds",
			Help:      "Duration of HTTP requests.",
			Buckets:   prometheus.ExponentialBuckets(0.005, 2, 10),
		},
		[]string{"method", "route"},
	)

	streamConnections = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Namespace: "projectfeed",
			Subsystem: "stream",
			Name:      "connections",
			Help:      "Channels currently registered across all projects.",
		},
	)

	streamBroadcasts = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "projectfeed",
			Subsystem: "stream",
			Name:      "broadcasts_total",
			Help:      "Change events fanned out, by event type.",
		},
		[]string{"type"},
	)

	streamWrites = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "projectfeed",
			Subsystem: "stream",
			Name:      "writes_total",
			Help:      "Per-channel writes, by result.",
		},
		[]string{"result"},
	)

	streamBroadcastDuration = prometheus.NewHistogram(
		prometheus.HistogramOpts{
			Namespace: "projectfeed",
			Subsystem: "stream",
			Name:      "broadcast_duration_seconds",
			Help:      "Time until every channel write of a broadcast settled.",
			Buckets:   prometheus.ExponentialBuckets(0.0005, 2, 12),
		},
	)

	watcherEvents = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "projectfeed",
			Subsystem: "watcher",
			Name:      "flushed_files_total",
			Help:      "Files reported by the watcher after debouncing, by event type.",
		},
		[]string{"type"},
	)
)

func init() {
	Registry.MustRegister(
		httpInFlight,
		httpRequests,
		httpDuration,
		streamConnections,
		streamBroadcasts,
		streamWrites,
		streamBroadcastDuration,
		watcherEvents,
		prometheus.NewProcessCollector(prometheus.ProcessCollectorOpts{}),
		prometheus.NewGoCollector(),
	)
}

// Handler returns an HTTP handler exposing the registered Prometheus metrics.
func Handler() http.Handler {
	return promhttp.HandlerFor(Registry, promhttp.HandlerOpts{})
}

// InstrumentHandler wraps the provided handler with HTTP metrics collection.
// Must run inside the chi router so the matched route pattern is available.
func InstrumentHandler(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path == "/metrics" {
			next.ServeHTTP(w, r)
			return
		}

		rec := &statusRecorder{ResponseWriter: w, status: http.StatusOK}
		start := time.Now()

		httpInFlight.Inc()
		defer httpInFlight.Dec()

		next.ServeHTTP(rec, r)

		route := "unmatched"
		if rctx := chi.RouteContext(r.Context()); rctx != nil {
			if pattern := rctx.RoutePattern(); pattern != "" {
				route = pattern
			}
		}
		method := strings.ToUpper(r.Method)

		httpRequests.WithLabelValues(method, route, strconv.Itoa(rec.status)).Inc()
		httpDuration.WithLabelValues(method, route).Observe(time.Since(start).Seconds())
	})
}

// ConnectionAdded and ConnectionRemoved track the registry size.
func ConnectionAdded()   { streamConnections.Inc() }
func ConnectionRemoved() { streamConnections.Dec() }

// RecordBroadcast records one fan-out and its per-channel outcomes.
func RecordBroadcast(eventType string, delivered, failed int, took time.Duration) {
	streamBroadcasts.WithLabelValues(eventType).Inc()
	streamWrites.WithLabelValues("ok").Add(float64(delivered))
	streamWrites.WithLabelValues("failed").Add(float64(failed))
	streamBroadcastDuration.Observe(took.Seconds())
}

// RecordWatcherFlush counts files emitted by a watcher flush.
func RecordWatcherFlush(eventType string, files int) {
	watcherEvents.WithLabelValues(eventType).Add(float64(files))
}

type statusRecorder struct {
	http.ResponseWriter
	status int
}

func (r *statusRecorder) WriteHeader(code int) {
	r.status = code
	r.ResponseWriter.WriteHeader(code)
}

func (r *statusRecorder) Write(b []byte) (int, error) {
	return r.ResponseWriter.Write(b)
}

// Flush keeps event streams working through the recorder.
func (r *statusRecorder) Flush() {
	if f, ok := r.ResponseWriter.(http.Flusher); ok {
		f.Flush()
	}
}

// Unwrap lets http.ResponseController reach the underlying writer.
func (r *statusRecorder) Unwrap() http.ResponseWriter {
	return r.ResponseWriter
}
