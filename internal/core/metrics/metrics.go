package metrics

import (
	"net/http"
	"strconv"
	"sync"
	"time"

	"github.com/go-chi/chi"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const (
	ResultSuccess = "success"
	ResultFailure = "failure"
	ResultError   = "error"

	ReasonLogout     = "logout"
	ReasonRotation   = "rotation"
	ReasonFanOut     = "logout_fanout"
	ReasonDeactivate = "deactivation"
	ReasonExpired    = "expired"
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

	sessionOps = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "auth_session_operations_total",
			Help: "Login, refresh and logout attempts by outcome.",
		},
		[]string{"operation", "result"},
	)

	tokensRevoked = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "auth_refresh_tokens_revoked_total",
			Help: "Refresh tokens revoked, by reason.",
		},
		[]string{"reason"},
	)

	tokensPurged = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "auth_refresh_tokens_purged_total",
		Help: "Refresh tokens deleted by the cleanup job.",
	})

	replayDetected = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "auth_refresh_token_replays_total",
		Help: "Refresh attempts with an already revoked token.",
	})

	authzDecisions = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "authz_decisions_total",
			Help: "Permission checks at protected routes.",
		},
		[]string{"permission", "decision"},
	)

	registerOnce sync.Once
)

// Init registers the collectors with the default registry. Safe to call twice.
func Init() {
	registerOnce.Do(func() {
		prometheus.MustRegister(
			httpInFlight,
			httpRequestsTotal,
			httpRequestDuration,
			sessionOps,
			tokensRevoked,
			tokensPurged,
			replayDetected,
			authzDecisions,
		)
	})
}

func Handler() http.Handler {
	return promhttp.Handler()
}

func ObserveSession(operation, result string) {
	sessionOps.WithLabelValues(operation, result).Inc()
}

func ObserveRevoked(reason string, n int) {
	if n <= 0 {
		return
	}
	tokensRevoked.WithLabelValues(reason).Add(float64(n))
}

func ObservePurged(n int) {
	if n <= 0 {
		return
	}
	tokensPurged.Add(float64(n))
}

func ObserveReplay() {
	replayDetected.Inc()
}

func ObserveDecision(permission string, granted bool) {
	decision := "deny"
	if granted {
		decision = "allow"
	}
	authzDecisions.WithLabelValues(permission, decision).Inc()
}

// Instrument records RPS, latency and in-flight requests. The path label is the
// chi route pattern so ids do not blow up cardinality.
func Instrument(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		httpInFlight.Inc()
		defer httpInFlight.Dec()
		start := time.Now()

		sw := &statusWriter{ResponseWriter: w, code: http.StatusOK}
		next.ServeHTTP(sw, r)

		path := r.URL.Path
		if rctx := chi.RouteContext(r.Context()); rctx != nil {
			if pattern := rctx.RoutePattern(); pattern != "" {
				path = pattern
			}
		}
		status := strconv.Itoa(sw.code)

		httpRequestDuration.WithLabelValues(r.Method, path, status).Observe(time.Since(start).Seconds())
		httpRequestsTotal.WithLabelValues(r.Method, path, status).Inc()
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
