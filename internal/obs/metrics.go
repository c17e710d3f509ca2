package obs

import (
	"net/http"
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// HTTP-wide metrics.
var (
	httpInFlight = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "http_in_flight_requests",
		Help: "In-flight HTTP requests.",
	})

	httpRequestsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "http_requests_total",
			Help: "Total number of HTTP requests.",
		},
		[]string{"method", "path", "status"},
	)

	httpRequestDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "http_request_duration_seconds",
			Help:    "HTTP request latencies in seconds.",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"method", "path", "status"},
	)

	authAttemptsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "voteauth_auth_attempts_total",
			Help: "Authentication attempts by method and outcome.",
		},
		[]string{"method", "outcome"},
	)

	registrationsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "voteauth_registrations_total",
			Help: "Registration attempts by method and outcome.",
		},
		[]string{"method", "outcome"},
	)

	messagesSentTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "voteauth_messages_sent_total",
			Help: "Outbound email/SMS messages by channel and outcome.",
		},
		[]string{"channel", "outcome"},
	)

	talliesStarted = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "voteauth_tallies_started",
		Help: "Events currently in tally_status=started.",
	})
)

// Init registers metrics in the default registry.
func Init() {
	prometheus.MustRegister(httpInFlight, httpRequestsTotal, httpRequestDuration,
		authAttemptsTotal, registrationsTotal, messagesSentTotal, talliesStarted)
}

// Handler exposes the Prometheus scrape endpoint.
func Handler() http.Handler {
	return promhttp.Handler()
}

// ObserveAuthAttempt counts an authentication attempt for an auth method.
func ObserveAuthAttempt(method, outcome string) {
	authAttemptsTotal.WithLabelValues(method, outcome).Inc()
}

// ObserveRegistration counts a registration attempt for an auth method.
func ObserveRegistration(method, outcome string) {
	registrationsTotal.WithLabelValues(method, outcome).Inc()
}

// ObserveMessage counts an outbound transport delivery.
func ObserveMessage(channel, outcome string) {
	messagesSentTotal.WithLabelValues(channel, outcome).Inc()
}

// SetTalliesStarted reflects how many events currently run a tally.
func SetTalliesStarted(n int) {
	talliesStarted.Set(float64(n))
}

// Instrument wraps a handler measuring RPS, latency and in-flight requests.
func Instrument(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		path := r.URL.Path // no router, take as-is
		method := r.Method

		httpInFlight.Inc()
		start := time.Now()

		sw := &statusWriter{ResponseWriter: w, code: 200}
		next.ServeHTTP(sw, r)

		duration := time.Since(start).Seconds()
		status := strconv.Itoa(sw.code)

		httpRequestDuration.WithLabelValues(method, path, status).Observe(duration)
		httpRequestsTotal.WithLabelValues(method, path, status).Inc()
		httpInFlight.Dec()
	})
}

// statusWriter captures the response code for metrics.
type statusWriter struct {
	http.ResponseWriter
	code int
}

func (w *statusWriter) WriteHeader(code int) {
	w.code = code
	w.ResponseWriter.WriteHeader(code)
}
