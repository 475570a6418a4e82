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
			Name: "opsdesk_http_requests_total",
			Help: "Total HTTP requests by method, path, and status",
		},
		[]string{"method", "path", "status"},
	)

	httpRequestDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "opsdesk_http_request_duration_seconds",
			Help:    "HTTP request latency distribution",
			Buckets: []float64{.005, .01, .025, .05, .1, .25, .5, 1},
		},
		[]string{"method", "path"},
	)

	messagesEnqueued = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "opsdesk_messages_enqueued_total",
			Help: "Ephemeral messages enqueued by tenant and kind",
		},
		[]string{"tenant_id", "kind"},
	)

	messagesProcessed = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "opsdesk_messages_processed_total",
			Help: "Ephemeral messages processed by outcome and kind",
		},
		[]string{"outcome", "kind"},
	)

	deadLetters = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "opsdesk_dead_letters_total",
			Help: "Messages dead-lettered after exhausting their retry budget",
		},
		[]string{"kind"},
	)

	jobsClaimed = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "opsdesk_jobs_claimed_total",
			Help: "Durable jobs claimed by kind",
		},
		[]string{"kind"},
	)

	jobsCompleted = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "opsdesk_jobs_completed_total",
			Help: "Durable jobs completed by kind and final status",
		},
		[]string{"kind", "status"},
	)

	staleClaimWrites = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "opsdesk_stale_claim_writes_total",
			Help: "Completion writes dropped because the job was reclaimed",
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

// RecordMessageEnqueued records an ephemeral message enqueue
func RecordMessageEnqueued(tenantID, kind string) {
	messagesEnqueued.WithLabelValues(tenantID, kind).Inc()
}

// RecordMessageProcessed records an ephemeral message outcome ("sent",
// "retried", "dead_lettered")
func RecordMessageProcessed(outcome, kind string) {
	messagesProcessed.WithLabelValues(outcome, kind).Inc()
}

// RecordDeadLetter records a message dead-lettered after exhaustion
func RecordDeadLetter(kind string) {
	deadLetters.WithLabelValues(kind).Inc()
}

// RecordJobClaimed records a durable job claim
func RecordJobClaimed(kind string) {
	jobsClaimed.WithLabelValues(kind).Inc()
}

// RecordJobCompleted records a durable job reaching done or error
func RecordJobCompleted(kind, status string) {
	jobsCompleted.WithLabelValues(kind, status).Inc()
}

// RecordStaleClaimWrite records a completion write rejected by the epoch fence
func RecordStaleClaimWrite() {
	staleClaimWrites.Inc()
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
