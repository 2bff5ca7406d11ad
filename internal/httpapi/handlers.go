package httpapi

import (
	"context"
	"database/sql"
	"net/http"
	"time"

	"authlink.org/internal/claims"
	"authlink.org/internal/identity"
	"authlink.org/internal/obs"
	"authlink.org/internal/session"
)

const serviceName = "authlink-api"

type readinessChecker interface {
	Check(ctx context.Context) error
}

// ReadyCheck: проверка готовности (ping БД, если она настроена).
type ReadyCheck struct {
	DB *sql.DB
}

func (rp ReadyCheck) Check(ctx context.Context) error {
	if rp.DB == nil {
		return nil
	}
	return rp.DB.PingContext(ctx)
}

// API is the HTTP layer over sessions and identity claims.
type API struct {
	mux       *http.ServeMux
	readiness readinessChecker
	version   string

	sessions *session.Service
	claims   *claims.Resolver

	rateBurst  int
	ratePerSec int
	maxBody    int64
	trustProxy bool
}

// Option tunes the API.
type Option func(*API)

// WithRateLimit sets the per-IP token bucket.
func WithRateLimit(burst, perSecond int) Option {
	return func(a *API) {
		if burst > 0 && perSecond > 0 {
			a.rateBurst = burst
			a.ratePerSec = perSecond
		}
	}
}

// WithTrustedProxy makes rate limiting and logs key on X-Forwarded-For.
func WithTrustedProxy(trust bool) Option {
	return func(a *API) { a.trustProxy = trust }
}

// WithMaxBodyBytes caps request bodies.
func WithMaxBodyBytes(n int64) Option {
	return func(a *API) {
		if n > 0 {
			a.maxBody = n
		}
	}
}

func New(rp readinessChecker, version string, sessions *session.Service, resolver *claims.Resolver, opts ...Option) *API {
	a := &API{
		mux:        http.NewServeMux(),
		readiness:  rp,
		version:    version,
		sessions:   sessions,
		claims:     resolver,
		rateBurst:  20,
		ratePerSec: 10,
		maxBody:    1 << 20,
	}
	for _, opt := range opts {
		opt(a)
	}

	// health/ready/info
	a.mux.HandleFunc("/healthz", a.Healthz)
	a.mux.HandleFunc("/readyz", a.Ready)
	a.mux.HandleFunc("/v1/info", a.Info)

	// sessions and identities
	a.mux.HandleFunc("/v1/sessions", a.handleSessions)
	a.mux.HandleFunc("/v1/sessions/login", a.handleLogin)
	a.mux.HandleFunc("/v1/profile", a.handleProfile)
	a.mux.HandleFunc("/v1/identities/init", a.handleInit)
	a.mux.HandleFunc("/v1/identities/confirm", a.handleConfirm)

	// Prometheus metrics
	a.mux.Handle("/metrics", obs.Handler())

	a.mux.HandleFunc("/", func(w http.ResponseWriter, r *http.Request) {
		writeError(w, r, http.StatusNotFound, errNotFound, "resource not found")
	})

	return a
}

// Handler возвращает http.Handler для сервера со всей цепочкой middleware.
func (a *API) Handler() http.Handler {
	var h http.Handler = a.mux
	h = a.withAuth(h)
	h = MaxBodyBytes(h, a.maxBody)
	h = RateLimit(h, a.rateBurst, a.ratePerSec)
	h = CORS(h)
	h = SecurityHeaders(h)
	h = LoggingJSON(h)
	h = RequestID(h)
	if a.trustProxy {
		h = ForwardedFor(h)
	}
	return obs.Instrument(h)
}

// --- Handlers ---

func (a *API) Healthz(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{
		"status":  "ok",
		"service": serviceName,
		"version": a.version,
	})
}

func (a *API) Ready(w http.ResponseWriter, r *http.Request) {
	if err := a.readiness.Check(r.Context()); err != nil {
		obs.SetReady(false)
		writeJSON(w, http.StatusServiceUnavailable, map[string]any{
			"status": "not_ready",
			"error":  err.Error(),
		})
		return
	}
	obs.SetReady(true)
	writeJSON(w, http.StatusOK, map[string]any{
		"status": "ready",
	})
}

func (a *API) Info(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{
		"name":           serviceName,
		"time":           time.Now().UTC().Format(time.RFC3339),
		"version":        a.version,
		"identity_types": identity.Types(),
	})
}
