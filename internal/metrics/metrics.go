// Package metrics holds the Prometheus collectors of the segment engine.
package metrics

import (
	"net/http"
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// Recalculations partitioned by outcome (calculated, failed, skipped)
	// and fail reason (404, 410, 422, 500, or empty).
	recalcsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "segment_recalculations_total",
			Help: "Total number of segment recalculations",
		},
		[]string{"outcome", "reason"},
	)

	recalcDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "segment_recalculation_duration_seconds",
			Help:    "Wall time of one segment recalculation",
			Buckets: []float64{0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10, 30, 60, 120, 300},
		},
		[]string{"outcome"},
	)

	membershipChanges = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "segment_membership_changes_total",
			Help: "Objects entering or leaving segments",
		},
		[]string{"object_type", "transition"},
	)

	actionResults = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "segment_action_results_total",
			Help: "Side effect attempts by action and status",
		},
		[]string{"action", "status"},
	)

	eventsPublished = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "segment_events_published_total",
			Help: "Live-channel events by name and result",
		},
		[]string{"event", "result"},
	)

	dueSegments = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "segment_scheduler_due",
			Help: "Segments found due on the last scheduler tick",
		},
	)

	httpRequestsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "http_requests_total",
			Help: "Total number of HTTP requests processed",
		},
		[]string{"method", "route", "status"},
	)

	httpRequestDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "http_request_duration_seconds",
			Help:    "HTTP request latencies in seconds",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"method", "route", "status"},
	)
)

// ObserveRecalculation records the outcome and duration of one run.
func ObserveRecalculation(outcome, reason string, d time.Duration) {
	recalcsTotal.WithLabelValues(outcome, reason).Inc()
	recalcDuration.WithLabelValues(outcome).Observe(d.Seconds())
}

// AddMembershipChanges counts entered and exited objects.
func AddMembershipChanges(objectType string, entered, exited int) {
	if entered > 0 {
		membershipChanges.WithLabelValues(objectType, "enter").Add(float64(entered))
	}
	if exited > 0 {
		membershipChanges.WithLabelValues(objectType, "exit").Add(float64(exited))
	}
}

// IncActionResult counts one action attempt.
func IncActionResult(action, status string) {
	actionResults.WithLabelValues(action, status).Inc()
}

// IncEventPublished counts one live-channel publish.
func IncEventPublished(event string, err error) {
	result := "ok"
	if err != nil {
		result = "error"
	}
	eventsPublished.WithLabelValues(event, result).Inc()
}

// SetDueSegments records the size of the last due set.
func SetDueSegments(n int) {
	dueSegments.Set(float64(n))
}

// ObserveHTTP records one served request. route should be the matched
// pattern, not the raw path.
func ObserveHTTP(method, route string, status int, d time.Duration) {
	labels := prometheus.Labels{"method": method, "route": route, "status": strconv.Itoa(status)}
	httpRequestsTotal.With(labels).Inc()
	httpRequestDuration.With(labels).Observe(d.Seconds())
}

// StatusRecorder captures the status code written by a handler.
type StatusRecorder struct {
	http.ResponseWriter
	Status int
}

func (r *StatusRecorder) WriteHeader(code int) {
	r.Status = code
	r.ResponseWriter.WriteHeader(code)
}

// Flush lets SSE handlers stream through the recorder.
func (r *StatusRecorder) Flush() {
	if f, ok := r.ResponseWriter.(http.Flusher); ok {
		f.Flush()
	}
}
