package obs

import (
	"net/http"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// HTTP metrics.
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

	ready = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "authlink_ready",
		Help: "1 when the service passed its last readiness check.",
	})
)

// Domain metrics.
var (
	ClaimsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "authlink_claims_total",
			Help: "Identity claim operations by phase, action and outcome.",
		},
		[]string{"op", "action", "outcome"},
	)

	CodesIssued = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "authlink_codes_issued_total",
			Help: "Confirmation codes issued by identity type.",
		},
		[]string{"type"},
	)

	CodeRejections = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "authlink_code_rejections_total",
			Help: "Confirmation code issuance or verification rejections.",
		},
		[]string{"reason"},
	)

	MergesTotal = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "authlink_merges_total",
		Help: "Completed account merges.",
	})

	MergeLostIdentities = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "authlink_merge_lost_identities_total",
		Help: "Donor identities dropped during merges.",
	})

	SessionsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "authlink_sessions_total",
			Help: "Sessions issued by origin.",
		},
		[]string{"origin"},
	)
)

var initOnce sync.Once

// Init registers all metrics in the default registry. Safe to call twice.
func Init() {
	initOnce.Do(func() {
		prometheus.MustRegister(
			httpInFlight, httpRequestsTotal, httpRequestDuration, ready,
			ClaimsTotal, CodesIssued, CodeRejections, MergesTotal, MergeLostIdentities, SessionsTotal,
		)
	})
}

// SetReady records the last readiness result.
func SetReady(ok bool) {
	if ok {
		ready.Set(1)
		return
	}
	ready.Set(0)
}

// Handler serves the default registry.
func Handler() http.Handler {
	return promhttp.Handler()
}

// Instrument measures RPS, latency and in-flight requests.
func Instrument(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		path := CanonicalPath(r.URL.Path)
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

var knownPaths = map[string]struct{}{
	"/":                      {},
	"/healthz":               {},
	"/readyz":                {},
	"/metrics":               {},
	"/v1/info":               {},
	"/v1/sessions":           {},
	"/v1/sessions/login":     {},
	"/v1/profile":            {},
	"/v1/identities/init":    {},
	"/v1/identities/confirm": {},
}

// CanonicalPath bounds label cardinality: unknown paths collapse to
// "/other".
func CanonicalPath(path string) string {
	if i := strings.IndexByte(path, '?'); i >= 0 {
		path = path[:i]
	}
	if path == "" {
		return "/"
	}
	if len(path) > 1 {
		path = strings.TrimSuffix(path, "/")
	}
	if _, ok := knownPaths[path]; ok {
		return path
	}
	return "/other"
}

type statusWriter struct {
	http.ResponseWriter
	code int
}

func (w *statusWriter) WriteHeader(code int) {
	w.code = code
	w.ResponseWriter.WriteHeader(code)
}
