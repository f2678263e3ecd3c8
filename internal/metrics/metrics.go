package metrics

import (
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	httpRequestsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "pixbill_http_requests_total",
			Help: "Total HTTP requests by method, route, and status",
		},
		[]string{"method", "route", "status"},
	)

	httpRequestDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "pixbill_http_request_duration_seconds",
			Help:    "HTTP request latency distribution",
			Buckets: []float64{.005, .01, .025, .05, .1, .25, .5, 1, 2.5, 5},
		},
		[]string{"method", "route"},
	)

	messagesSent = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "pixbill_messages_sent_total",
			Help: "Provider send attempts by message kind and recorded status",
		},
		[]string{"kind", "status"},
	)

	remindersTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "pixbill_reminders_total",
			Help: "Daily run reminder outcomes by offset",
		},
		[]string{"offset", "outcome"},
	)

	dailyRunDuration = promauto.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "pixbill_daily_run_duration_seconds",
			Help:    "Wall time of the daily reminder run",
			Buckets: prometheus.ExponentialBuckets(1, 2, 12),
		},
	)

	lastDailyRun = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "pixbill_daily_run_last_timestamp_seconds",
			Help: "Unix time the last daily run finished",
		},
	)

	paymentTransitions = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "pixbill_payment_transitions_total",
			Help: "Applied payment status transitions by source",
		},
		[]string{"source", "status"},
	)

	paymentsExpired = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "pixbill_payments_expired_total",
			Help: "Pending charges cancelled by the local expiry sweep",
		},
	)

	statusUpdates = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "pixbill_message_status_updates_total",
			Help: "Delivery status webhook outcomes",
		},
		[]string{"status", "outcome"},
	)

	gatewayErrors = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "pixbill_gateway_errors_total",
			Help: "Gateway call failures by operation and error code",
		},
		[]string{"op", "code"},
	)

	outboxProcessed = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "pixbill_outbox_processed_total",
			Help: "Confirmation messages processed by the outbox worker",
		},
		[]string{"status"},
	)

	pacerWait = promauto.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "pixbill_pacer_wait_seconds",
			Help:    "Time a send waited for its pacing slot",
			Buckets: []float64{0, .5, 1, 2, 5, 10, 30, 60},
		},
	)

	rateLimitRejections = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "pixbill_rate_limit_rejections_total",
			Help: "Requests rejected by rate limiter",
		},
		[]string{"scope"},
	)

	breakerState = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "pixbill_circuit_breaker_state",
			Help: "Circuit breaker state (0 closed, 1 open, 2 half-open)",
		},
		[]string{"name"},
	)
)

// Handler returns the Prometheus metrics HTTP handler
func Handler() http.Handler {
	return promhttp.Handler()
}

// RecordRequest records HTTP request metrics
func RecordRequest(method, route string, status int, duration time.Duration) {
	httpRequestsTotal.WithLabelValues(method, route, strconv.Itoa(status)).Inc()
	httpRequestDuration.WithLabelValues(method, route).Observe(duration.Seconds())
}

// RecordMessageSent records one provider send attempt
func RecordMessageSent(kind, status string) {
	messagesSent.WithLabelValues(kind, status).Inc()
}

// RecordReminder records a reminder outcome: matched, sent, failed or skipped
func RecordReminder(offset int, outcome string) {
	remindersTotal.WithLabelValues(strconv.Itoa(offset), outcome).Inc()
}

// RecordDailyRun records the duration of a finished daily run
func RecordDailyRun(duration time.Duration) {
	dailyRunDuration.Observe(duration.Seconds())
	lastDailyRun.SetToCurrentTime()
}

// RecordPaymentTransition records an applied payment transition
func RecordPaymentTransition(source, status string) {
	paymentTransitions.WithLabelValues(source, status).Inc()
}

// RecordPaymentsExpired records charges cancelled by the expiry sweep
func RecordPaymentsExpired(n int) {
	paymentsExpired.Add(float64(n))
}

// RecordStatusUpdate records a delivery status webhook outcome
func RecordStatusUpdate(status, outcome string) {
	statusUpdates.WithLabelValues(status, outcome).Inc()
}

// RecordGatewayError records a failed gateway call
func RecordGatewayError(op, code string) {
	gatewayErrors.WithLabelValues(op, code).Inc()
}

// RecordOutboxProcessed records an outbox worker result
func RecordOutboxProcessed(status string) {
	outboxProcessed.WithLabelValues(status).Inc()
}

// RecordPacerWait records how long a send waited for its slot
func RecordPacerWait(d time.Duration) {
	pacerWait.Observe(d.Seconds())
}

// RecordRateLimitRejection records a rate limit rejection
func RecordRateLimitRejection(scope string) {
	rateLimitRejections.WithLabelValues(scope).Inc()
}

// SetBreakerState publishes a circuit breaker state
func SetBreakerState(name string, state int) {
	breakerState.WithLabelValues(name).Set(float64(state))
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

// Middleware returns HTTP middleware that records request metrics. Routes
// are labeled by their chi pattern so path parameters do not explode
// cardinality.
func Middleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		wrapped := &responseWriter{ResponseWriter: w, status: http.StatusOK}

		next.ServeHTTP(wrapped, r)

		route := r.URL.Path
		if rctx := chi.RouteContext(r.Context()); rctx != nil {
			if pattern := rctx.RoutePattern(); pattern != "" {
				route = pattern
			}
		}
		RecordRequest(r.Method, route, wrapped.status, time.Since(start))
	})
}
