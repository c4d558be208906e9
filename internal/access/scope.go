package access

import (
	"context"
	"errors"

	"sweepdesk.io/internal/auth"
	"sweepdesk.io/internal/store/pg"
	"sweepdesk.io/internal/tenant"
)

// ErrNoStorage is returned by RequestScope.Tx when no gateway is configured.
var ErrNoStorage = errors.New("access: no storage configured")

// RequestScope is what a handler gets after the pipeline admits a request:
// the principal, the tenant it acts in, and storage access bound to it.
type RequestScope struct {
	Principal auth.Principal
	Scope     tenant.Scope
	RequestID string

	core *Core
}

// Can reports whether the principal holds key.
func (rs *RequestScope) Can(key string) bool {
	return rs.core.Authorize(rs.Principal, key).Allowed
}

// Require returns ErrPermissionDenied unless the principal holds key.
func (rs *RequestScope) Require(key string) error {
	return rs.core.Authorize(rs.Principal, key).Err()
}

// Context returns ctx carrying the principal and tenant scope.
func (rs *RequestScope) Context(ctx context.Context) context.Context {
	ctx = auth.ContextWithPrincipal(ctx, rs.Principal)
	ctx = tenant.WithScope(ctx, rs.Scope)
	return context.WithValue(ctx, scopeKey{}, rs)
}

// Tx runs fn in a transaction bound to the request's tenant. The tenant is
// bound before fn runs any statement.
func (rs *RequestScope) Tx(ctx context.Context, fn func(context.Context, *pg.Tx) error) error {
	if rs.core.scoper == nil {
		return ErrNoStorage
	}
	if !rs.Scope.Valid() {
		return auth.ErrUnscopedAccess
	}
	return rs.core.scoper.WithScope(rs.Context(ctx), rs.Scope, fn)
}

type scopeKey struct{}

// FromContext returns the RequestScope attached by Context.
func FromContext(ctx context.Context) (*RequestScope, bool) {
	if ctx == nil {
		return nil, false
	}
	rs, ok := ctx.Value(scopeKey{}).(*RequestScope)
	return rs, ok && rs != nil
}
