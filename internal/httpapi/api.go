// Package httpapi is the HTTP surface of the identity core.
package httpapi

import (
	"context"
	"fmt"
	"net/http"
	"net/netip"
	"time"

	"sweepdesk.io/internal/access"
	"sweepdesk.io/internal/audit"
	"sweepdesk.io/internal/obs"
)

// Probe is a named readiness check.
type Probe struct {
	Name  string
	Check func(context.Context) error
}

// AuditReader lists the audit records visible in the tenant scope on ctx.
type AuditReader interface {
	List(ctx context.Context, limit int) ([]audit.Record, error)
}

// API is the HTTP layer.
type API struct {
	core       *access.Core
	mux        *http.ServeMux
	version    string
	probes     []Probe
	auditLog   AuditReader
	trusted    []netip.Prefix
	rateBurst  int
	ratePerSec float64
	maxBody    int64
}

// Option configures an API.
type Option func(*API)

// WithVersion sets the version reported by /healthz.
func WithVersion(v string) Option { return func(a *API) { a.version = v } }

// WithProbes adds readiness checks to /readyz.
func WithProbes(p ...Probe) Option {
	return func(a *API) { a.probes = append(a.probes, p...) }
}

// WithAuditReader enables GET /v1/audit.
func WithAuditReader(r AuditReader) Option { return func(a *API) { a.auditLog = r } }

// WithTrustedProxies lists the peers allowed to send proxy identity headers.
func WithTrustedProxies(prefixes []netip.Prefix) Option {
	return func(a *API) { a.trusted = append([]netip.Prefix(nil), prefixes...) }
}

// WithRateLimit sets the per-IP token bucket.
func WithRateLimit(perSecond float64, burst int) Option {
	return func(a *API) {
		if perSecond > 0 && burst > 0 {
			a.ratePerSec = perSecond
			a.rateBurst = burst
		}
	}
}

// WithMaxBodyBytes caps request bodies.
func WithMaxBodyBytes(n int64) Option {
	return func(a *API) {
		if n > 0 {
			a.maxBody = n
		}
	}
}

// New builds the API and registers its routes. Every permission named by a
// route must exist in the core's catalog.
func New(core *access.Core, opts ...Option) (*API, error) {
	if core == nil {
		return nil, fmt.Errorf("httpapi: access core required")
	}
	a := &API{
		core:       core,
		mux:        http.NewServeMux(),
		version:    "dev",
		rateBurst:  40,
		ratePerSec: 20,
		maxBody:    1 << 20,
	}
	for _, opt := range opts {
		opt(a)
	}

	routes := a.routes()
	keys := make([]string, 0, len(routes))
	for _, rt := range routes {
		if rt.permission != "" {
			keys = append(keys, rt.permission)
		}
	}
	if err := core.Catalog().Validate(keys...); err != nil {
		return nil, fmt.Errorf("httpapi: route permissions: %w", err)
	}
	for _, rt := range routes {
		pattern := rt.method + " " + rt.path
		if rt.public != nil {
			a.mux.HandleFunc(pattern, rt.public)
			continue
		}
		a.mux.Handle(pattern, a.protect(rt))
	}

	a.mux.HandleFunc("GET /healthz", a.Healthz)
	a.mux.HandleFunc("GET /readyz", a.Ready)
	a.mux.Handle("GET /metrics", obs.Handler())
	return a, nil
}

// Handler returns the root handler with the middleware chain applied.
func (a *API) Handler() http.Handler {
	var h http.Handler = a.mux
	h = MaxBodyBytes(h, a.maxBody)
	h = RateLimit(h, a.rateBurst, a.ratePerSec)
	h = Recover(h)
	h = SecurityHeaders(h)
	h = LoggingJSON(h)
	h = RequestID(h)
	return obs.Instrument(h)
}

func (a *API) Healthz(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{
		"status":  "ok",
		"service": "sweepdesk-identity",
		"version": a.version,
	})
}

func (a *API) Ready(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), 2*time.Second)
	defer cancel()
	failed := map[string]string{}
	for _, p := range a.probes {
		if err := p.Check(ctx); err != nil {
			obs.Warn("readiness_probe_failed", map[string]any{"probe": p.Name, "error": err})
			failed[p.Name] = "unavailable"
		}
	}
	if len(failed) > 0 {
		writeJSON(w, http.StatusServiceUnavailable, map[string]any{"status": "not_ready", "failed": failed})
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"status": "ready"})
}
