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
			Name: "safiri_http_requests_total",
			Help: "Total HTTP requests by method, path, and status",
		},
		[]string{"method", "path", "status"},
	)

	httpRequestDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "safiri_http_request_duration_seconds",
			Help:    "HTTP request latency distribution",
			Buckets: []float64{.005, .01, .025, .05, .1, .25, .5, 1},
		},
		[]string{"method", "path"},
	)

	notificationsCreated = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "safiri_notifications_created_total",
			Help: "Total notifications created by type and priority",
		},
		[]string{"type", "priority"},
	)

	attemptsFinalized = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "safiri_delivery_attempts_total",
			Help: "Finalized delivery attempts by channel and status",
		},
		[]string{"channel", "status"},
	)

	suppressedAttempts = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "safiri_suppressed_attempts_total",
			Help: "Suppressed delivery attempts by reason",
		},
		[]string{"reason"},
	)

	providerLatency = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "safiri_provider_call_duration_seconds",
			Help:    "Delivery gateway call latency by channel",
			Buckets: []float64{.05, .1, .25, .5, 1, 2, 5, 10},
		},
		[]string{"channel"},
	)

	scheduledDispatched = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "safiri_scheduler_batch_size",
			Help: "Scheduled notifications picked up in the last poll",
		},
	)

	rateLimitRejections = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "safiri_rate_limit_rejections_total",
			Help: "Requests rejected by rate limiter",
		},
		[]string{"user_id"},
	)

	dbConnectionsActive = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "safiri_db_connections_active",
			Help: "Active database connections",
		},
	)

	redisConnectionsActive = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "safiri_redis_connections_active",
			Help: "Active Redis connections",
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

// RecordNotificationCreated records a newly accepted notification
func RecordNotificationCreated(ntype, priority string) {
	notificationsCreated.WithLabelValues(ntype, priority).Inc()
}

// RecordAttempt records a delivery attempt reaching a new status
func RecordAttempt(channel, status string) {
	attemptsFinalized.WithLabelValues(channel, status).Inc()
}

// RecordSuppression records an attempt suppressed by preference resolution
func RecordSuppression(reason string) {
	suppressedAttempts.WithLabelValues(reason).Inc()
}

// RecordProviderLatency records one delivery gateway call
func RecordProviderLatency(channel string, latency time.Duration) {
	providerLatency.WithLabelValues(channel).Observe(latency.Seconds())
}

// SetSchedulerBatchSize sets the size of the last scheduler pickup
func SetSchedulerBatchSize(count int) {
	scheduledDispatched.Set(float64(count))
}

// RecordRateLimitRejection records a rate limit rejection
func RecordRateLimitRejection(userID string) {
	rateLimitRejections.WithLabelValues(userID).Inc()
}

// SetDBConnections sets active database connection count
func SetDBConnections(count int) {
	dbConnectionsActive.Set(float64(count))
}

// SetRedisConnections sets active Redis connection count
func SetRedisConnections(count int) {
	redisConnectionsActive.Set(float64(count))
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
