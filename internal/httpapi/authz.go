package httpapi

import (
	"fmt"
	"net/http"
	"net/netip"
	"strconv"
	"strings"

	"sweepdesk.io/internal/access"
	"sweepdesk.io/internal/audit"
	"sweepdesk.io/internal/auth"
	"sweepdesk.io/internal/obs"
)

const (
	authHeader = "Authorization"
	bearer     = "Bearer "

	headerCapability   = "X-Capability-Key"
	headerOrganization = "X-Organization-ID"
	headerOrgOverride  = "X-Admin-Organization"
	headerDevPrincipal = "X-Dev-Principal"
	queryOrganization  = "organization_id"

	headerProxySubject   = "X-Proxy-Subject"
	headerProxyOrg       = "X-Proxy-Organization"
	headerProxyRole      = "X-Proxy-Role"
	headerProxyTimestamp = "X-Proxy-Timestamp"
	headerProxySignature = "X-Proxy-Signature"
)

// scopedHandler serves a request the pipeline admitted. Returned errors are
// rendered by their kind and recorded on the request's audit record.
type scopedHandler func(w http.ResponseWriter, r *http.Request, rs *access.RequestScope) error

type route struct {
	method string
	path   string
	// permission required; empty admits any authenticated principal
	permission string
	resource   string
	handle     scopedHandler
	public     http.HandlerFunc
}

func (a *API) routes() []route {
	rs := []route{
		{method: http.MethodPost, path: "/v1/auth/login", public: a.handleLogin},
		{method: http.MethodPost, path: "/v1/auth/refresh", public: a.handleRefresh},
		{method: http.MethodPost, path: "/v1/auth/logout", resource: "session", handle: a.handleLogout},
		{method: http.MethodGet, path: "/v1/me", permission: auth.PermProfileRead, handle: a.handleMe},
		{method: http.MethodPost, path: "/v1/sessions/{id}/revoke", permission: auth.PermSessionsRevoke, resource: "session", handle: a.handleRevokeSession},
	}
	if a.auditLog != nil {
		rs = append(rs, route{method: http.MethodGet, path: "/v1/audit", permission: auth.PermAuditRead, resource: "audit_log", handle: a.handleAuditList})
	}
	return rs
}

// assertedOrg returns the organization the caller claims to act in. The
// header wins over the query parameter.
func assertedOrg(r *http.Request) string {
	if org := strings.TrimSpace(r.Header.Get(headerOrganization)); org != "" {
		return org
	}
	return strings.TrimSpace(r.URL.Query().Get(queryOrganization))
}

// protect runs the access pipeline in front of rt. Each request ends in
// exactly one audit record: the pipeline writes denials, and the handler's
// outcome (including a panic) closes the flow otherwise.
func (a *API) protect(rt route) http.Handler {
	action := rt.method + " " + rt.path
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ctx := r.Context()
		flow := a.core.Begin(access.Request{
			Action:       action,
			ResourceType: rt.resource,
			ResourceID:   r.PathValue("id"),
			Permission:   rt.permission,
			Credentials:  a.credentials(r),
			AssertedOrg:  assertedOrg(r),
			OverrideOrg:  r.Header.Get(headerOrgOverride),
		})
		rs, err := flow.Run(ctx)
		if err != nil {
			writeError(w, r, err)
			return
		}

		defer func() {
			if p := recover(); p != nil {
				obs.Error("panic_recovered", map[string]any{
					"request_id": audit.RequestIDFromContext(ctx),
					"action":     action,
					"panic":      fmt.Sprint(p),
				})
				flow.Fail(ctx, fmt.Errorf("%w: panic", errInternal))
				writeError(w, r, errInternal)
			}
		}()
		err = rt.handle(w, r.WithContext(rs.Context(ctx)), rs)
		flow.Complete(ctx, err)
		if err != nil {
			if auth.KindOf(err) == auth.KindInternal {
				obs.Error("handler_failed", map[string]any{
					"request_id": audit.RequestIDFromContext(ctx),
					"action":     action,
					"error":      err,
				})
			}
			writeError(w, r, err)
		}
	})
}

// credentials collects what the request presents. Proxy headers count only
// from trusted peers; from anyone else they are ignored.
func (a *API) credentials(r *http.Request) access.Credentials {
	var c access.Credentials
	if h := strings.TrimSpace(r.Header.Get(authHeader)); h != "" {
		if len(h) > len(bearer) && strings.EqualFold(h[:len(bearer)], bearer) {
			c.Bearer = strings.TrimSpace(h[len(bearer):])
		} else {
			// present but unusable: make sure it fails as a malformed token
			c.Bearer = h
		}
	}
	c.Capability = strings.TrimSpace(r.Header.Get(headerCapability))
	c.DevPrincipal = strings.TrimSpace(r.Header.Get(headerDevPrincipal))

	if r.Header.Get(headerProxySignature) != "" {
		if !a.trustedPeer(r) {
			obs.Warn("proxy_headers_from_untrusted_peer", map[string]any{
				"request_id": audit.RequestIDFromContext(r.Context()),
				"remote_ip":  remoteIP(r),
			})
			return c
		}
		ts, _ := strconv.ParseInt(r.Header.Get(headerProxyTimestamp), 10, 64)
		c.Proxy = &auth.ProxyAssertion{
			Subject:        r.Header.Get(headerProxySubject),
			OrganizationID: r.Header.Get(headerProxyOrg),
			Role:           r.Header.Get(headerProxyRole),
			Timestamp:      ts,
			Signature:      r.Header.Get(headerProxySignature),
		}
	}
	return c
}

func (a *API) trustedPeer(r *http.Request) bool {
	addr, err := netip.ParseAddr(remoteIP(r))
	if err != nil {
		return false
	}
	addr = addr.Unmap()
	for _, p := range a.trusted {
		if p.Contains(addr) {
			return true
		}
	}
	return false
}
