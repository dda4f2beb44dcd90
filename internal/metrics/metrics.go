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
	httpRequestsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "callwatch_http_requests_total",
			Help: "Total HTTP requests by method, path, and status",
		},
		[]string{"method", "path", "status"},
	)

	httpRequestDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "callwatch_http_request_duration_seconds",
			Help:    "HTTP request latency distribution",
			Buckets: []float64{.005, .01, .025, .05, .1, .25, .5, 1},
		},
		[]string{"method", "path"},
	)

	eventsProcessed = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "callwatch_events_processed_total",
			Help: "Call events processed by event type",
		},
		[]string{"event_type"},
	)

	duplicateEvents = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "callwatch_duplicate_events_total",
			Help: "Rule/call pairs absorbed by deduplication",
		},
	)

	rulesMatched = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "callwatch_rules_matched_total",
			Help: "Trigger matches by trigger type",
		},
		[]string{"trigger_type"},
	)

	aggregateFailures = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "callwatch_aggregate_lookup_failures_total",
			Help: "Windowed aggregate lookups that failed and skipped a rule",
		},
		[]string{"trigger_type"},
	)

	deliveries = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "callwatch_deliveries_total",
			Help: "Channel delivery attempts by channel and outcome",
		},
		[]string{"channel", "outcome"},
	)

	deliveryLatency = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "callwatch_delivery_latency_seconds",
			Help:    "Time from trigger match to channel delivery",
			Buckets: []float64{.1, .5, 1, 2, 5, 10, 30, 60},
		},
		[]string{"channel"},
	)

	rateLimitRejections = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "callwatch_rate_limit_rejections_total",
			Help: "Requests rejected by rate limiter",
		},
		[]string{"scope"},
	)
)

// Handler returns the Prometheus metrics HTTP handler
func Handler() http.Handler {
	return promhttp.Handler()
}

// RecordRequest records HTTP request metrics
func RecordRequest(method, path string, status int, duration time.Duration) {
	httpRequestsTotal.WithLabelValues(method, path, strconv.Itoa(status)).Inc()
	httpRequestDuration.WithLabelValues(method, path).Observe(duration.Seconds())
}

// RecordEventProcessed records an evaluated call event
func RecordEventProcessed(eventType string) {
	eventsProcessed.WithLabelValues(eventType).Inc()
}

// RecordDuplicateEvent records a deduplicated rule/call pair
func RecordDuplicateEvent() {
	duplicateEvents.Inc()
}

// RecordRuleMatched records a trigger match
func RecordRuleMatched(triggerType string) {
	rulesMatched.WithLabelValues(triggerType).Inc()
}

// RecordAggregateFailure records a skipped rule due to aggregate unavailability
func RecordAggregateFailure(triggerType string) {
	aggregateFailures.WithLabelValues(triggerType).Inc()
}

// RecordDelivery records a channel delivery attempt result
func RecordDelivery(channel, outcome string) {
	deliveries.WithLabelValues(channel, outcome).Inc()
}

// RecordDeliveryLatency records match-to-delivery time
func RecordDeliveryLatency(channel string, latency time.Duration) {
	deliveryLatency.WithLabelValues(channel).Observe(latency.Seconds())
}

// RecordRateLimitRejection records a rate limit rejection. The scope
// is the key type ("tenant" or "ip"), never the key itself, to keep
// label cardinality bounded.
func RecordRateLimitRejection(scope string) {
	rateLimitRejections.WithLabelValues(scope).Inc()
}

// responseWriter wraps http.ResponseWriter to capture status code
type responseWriter struct {
	http.ResponseWriter
	status int
}

func (rw *responseWriter) WriteHeader(code int) {
	rw.status = code
	rw.ResponseWriter.WriteHeader(code)
}

// Middleware returns HTTP middleware that records request metrics
func Middleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		wrapped := &responseWriter{ResponseWriter: w, status: http.StatusOK}

		next.ServeHTTP(wrapped, r)

		RecordRequest(r.Method, r.URL.Path, wrapped.status, time.Since(start))
	})
}
