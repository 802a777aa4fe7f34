// Package obs holds the Prometheus metrics of the identity provider.
package obs

import (
	"net/http"
	"strconv"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

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

	loginsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "idp_logins_total",
			Help: "Login handshake outcomes.",
		},
		[]string{"cohort", "outcome"},
	)

	otpFailuresTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "idp_otp_failures_total",
			Help: "Rejected OTP codes.",
		},
		[]string{"cohort"},
	)

	otpLockoutsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "idp_otp_lockouts_total",
			Help: "OTP lockouts started.",
		},
		[]string{"cohort"},
	)

	rateLimitDenialsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "idp_rate_limit_denials_total",
			Help: "Requests denied by the rate limiter.",
		},
		[]string{"class", "blocked"},
	)

	rateLimitBlocksTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "idp_rate_limit_blocks_total",
			Help: "Scopes escalated to a hard block.",
		},
		[]string{"class"},
	)

	refreshTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "idp_refresh_total",
			Help: "Refresh-token outcomes.",
		},
		[]string{"outcome"},
	)

	initOnce sync.Once
)

// Init registers all metrics in the default registry. Safe to call more than once.
func Init() {
	initOnce.Do(func() {
		prometheus.MustRegister(
			httpInFlight, httpRequestsTotal, httpRequestDuration,
			loginsTotal, otpFailuresTotal, otpLockoutsTotal,
			rateLimitDenialsTotal, rateLimitBlocksTotal, refreshTotal,
		)
	})
}

// Handler serves the default registry.
func Handler() http.Handler {
	return promhttp.Handler()
}

// Login counts a login outcome ("success", "failure").
func Login(cohort, outcome string) { loginsTotal.WithLabelValues(cohort, outcome).Inc() }

// OTPFailure counts a rejected OTP code.
func OTPFailure(cohort string) { otpFailuresTotal.WithLabelValues(cohort).Inc() }

// OTPLockout counts a started lockout.
func OTPLockout(cohort string) { otpLockoutsTotal.WithLabelValues(cohort).Inc() }

// RateLimitDenied counts a denied request.
func RateLimitDenied(class string, blocked bool) {
	rateLimitDenialsTotal.WithLabelValues(class, strconv.FormatBool(blocked)).Inc()
}

// RateLimitBlock counts an escalation to a hard block.
func RateLimitBlock(class string) { rateLimitBlocksTotal.WithLabelValues(class).Inc() }

// Refresh counts a refresh outcome ("rotated", "invalid", "reuse").
func Refresh(outcome string) { refreshTotal.WithLabelValues(outcome).Inc() }

// Instrument records request count, latency and in-flight gauge. route names the
// matched pattern so ids in paths do not explode label cardinality.
func Instrument(route string, next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		httpInFlight.Inc()
		defer httpInFlight.Dec()
		start := time.Now()

		sw := &statusWriter{ResponseWriter: w, code: http.StatusOK}
		next.ServeHTTP(sw, r)

		status := strconv.Itoa(sw.code)
		httpRequestDuration.WithLabelValues(r.Method, route, status).Observe(time.Since(start).Seconds())
		httpRequestsTotal.WithLabelValues(r.Method, route, status).Inc()
	})
}

type statusWriter struct {
	http.ResponseWriter
	code int
}

func (w *statusWriter) WriteHeader(code int) {
	w.code = code
	w.ResponseWriter.WriteHeader(code)
}
