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
			Name: "gatekeeper_http_requests_total",
			Help: "Total HTTP requests by method, path, and status",
		},
		[]string{"method", "path", "status"},
	)

	httpRequestDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "gatekeeper_http_request_duration_seconds",
			Help:    "HTTP request latency distribution",
			Buckets: []float64{.005, .01, .025, .05, .1, .25, .5, 1},
		},
		[]string{"method", "path"},
	)

	decisionsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "gatekeeper_decisions_total",
			Help: "Authorization decisions by verdict, reason, and channel",
		},
		[]string{"verdict", "reason", "channel"},
	)

	decisionDuration = promauto.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "gatekeeper_decision_duration_seconds",
			Help:    "Time to load state and decide one request",
			Buckets: []float64{.0005, .001, .0025, .005, .01, .025, .05, .1},
		},
	)

	failClosedTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "gatekeeper_fail_closed_total",
			Help: "Decisions denied because state could not be read",
		},
		[]string{"cause"},
	)

	consentTransitions = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "gatekeeper_consent_transitions_total",
			Help: "Consent ledger events by kind, channel, and redundancy",
		},
		[]string{"kind", "channel", "redundant"},
	)

	logWrites = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "gatekeeper_delivery_log_writes_total",
			Help: "Delivery log append attempts by result",
		},
		[]string{"result"},
	)

	logBacklog = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "gatekeeper_delivery_log_backlog",
			Help: "Entries buffered for asynchronous log writes",
		},
	)

	queueHealthScore = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "gatekeeper_queue_health_score",
			Help: "Latest composite health score per logical queue",
		},
		[]string{"queue"},
	)

	queueErrorRate = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "gatekeeper_queue_error_rate",
			Help: "Latest error rate per logical queue",
		},
		[]string{"queue"},
	)

	queueDepth = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "gatekeeper_queue_depth",
			Help: "Authorized attempts without a reported outcome",
		},
		[]string{"queue"},
	)

	alertTransitions = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "gatekeeper_alert_transitions_total",
			Help: "Operational alert lifecycle transitions",
		},
		[]string{"kind", "to"},
	)

	sqsMessagesInFlight = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "gatekeeper_sqs_messages_in_flight",
			Help: "Current outcome messages being processed from SQS",
		},
	)

	idempotencyHits = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "gatekeeper_idempotency_hits_total",
			Help: "Requests and planner items answered from the idempotency cache",
		},
		[]string{"scope"},
	)

	rateLimitRejections = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "gatekeeper_rate_limit_rejections_total",
			Help: "Requests rejected by rate limiter",
		},
		[]string{"client"},
	)

	breakerState = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "gatekeeper_circuit_breaker_state",
			Help: "Circuit breaker state: 0 closed, 1 open, 2 half-open",
		},
		[]string{"name"},
	)

	dbConnectionsActive = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "gatekeeper_db_connections_active",
			Help: "Active database connections",
		},
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

// RecordDecision records one authorization verdict
func RecordDecision(verdict, reason, channel string, took time.Duration) {
	decisionsTotal.WithLabelValues(verdict, reason, channel).Inc()
	decisionDuration.Observe(took.Seconds())
}

// RecordFailClosed records a decision denied for missing state
func RecordFailClosed(cause string) {
	failClosedTotal.WithLabelValues(cause).Inc()
}

// RecordConsentTransition records a consent ledger event
func RecordConsentTransition(kind, channel string, redundant bool) {
	consentTransitions.WithLabelValues(kind, channel, strconv.FormatBool(redundant)).Inc()
}

// RecordLogWrite records a delivery log append result: ok, retry, failed, spilled
func RecordLogWrite(result string) {
	logWrites.WithLabelValues(result).Inc()
}

// SetLogBacklog sets the async log writer backlog
func SetLogBacklog(n int) {
	logBacklog.Set(float64(n))
}

// SetQueueHealth publishes a queue health snapshot
func SetQueueHealth(queue string, score, errorRate float64, depth int) {
	queueHealthScore.WithLabelValues(queue).Set(score)
	queueErrorRate.WithLabelValues(queue).Set(errorRate)
	queueDepth.WithLabelValues(queue).Set(float64(depth))
}

// RecordAlertTransition records an alert lifecycle change
func RecordAlertTransition(kind, to string) {
	alertTransitions.WithLabelValues(kind, to).Inc()
}

// SetSQSMessagesInFlight sets the current in-flight message count
func SetSQSMessagesInFlight(count int) {
	sqsMessagesInFlight.Set(float64(count))
}

// RecordIdempotencyHit records a request answered from the idempotency cache
func RecordIdempotencyHit(scope string) {
	idempotencyHits.WithLabelValues(scope).Inc()
}

// RecordRateLimitRejection records a rate limit rejection
func RecordRateLimitRejection(client string) {
	rateLimitRejections.WithLabelValues(client).Inc()
}

// SetBreakerState publishes a circuit breaker state
func SetBreakerState(name string, state int) {
	breakerState.WithLabelValues(name).Set(float64(state))
}

// SetDBConnections sets active database connection count
func SetDBConnections(count int) {
	dbConnectionsActive.Set(float64(count))
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

		RecordRequest(r.Method, routePattern(r), wrapped.status, time.Since(start))
	})
}
