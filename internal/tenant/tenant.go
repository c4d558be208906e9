// Package tenant carries the active organization of a unit of work on its
// context. There is no package level "current organization".
package tenant

import (
	"context"
	"errors"
	"strings"
)

var (
	// ErrNoTenant means a non-super principal has no organization to act in.
	ErrNoTenant = errors.New("tenant: no organization resolved")
	// ErrMismatch means a request asserted an organization other than the session's.
	ErrMismatch = errors.New("tenant: asserted organization differs from session")
	// ErrOverrideDenied means a non-super principal tried to pick an organization.
	ErrOverrideDenied = errors.New("tenant: organization override not permitted")
)

// Source records how a scope was resolved.
type Source string

const (
	SourceSession  Source = "session"
	SourceOverride Source = "override"
	SourceDefault  Source = "default"
	SourceSuper    Source = "super"
	SourceSystem   Source = "system"
)

// Scope is the organization a unit of work runs in. A super scope has no
// organization and sees every row; a super principal that picks an
// organization gets an ordinary scope for it.
type Scope struct {
	OrganizationID string
	Super          bool
	Source         Source
}

// Valid reports whether the scope is usable for storage access.
func (s Scope) Valid() bool {
	return s.Super || s.OrganizationID != ""
}

// ForOrg returns a session scope for orgID.
func ForOrg(orgID string) Scope {
	return Scope{OrganizationID: strings.TrimSpace(orgID), Source: SourceSession}
}

// System is the unscoped scope used by identity lookups that run before any
// organization is known, such as login and token validation.
func System() Scope {
	return Scope{Super: true, Source: SourceSystem}
}

type scopeKey struct{}

// WithScope returns a child context carrying s.
func WithScope(ctx context.Context, s Scope) context.Context {
	return context.WithValue(ctx, scopeKey{}, s)
}

// FromContext returns the scope carried by ctx.
func FromContext(ctx context.Context) (Scope, bool) {
	if ctx == nil {
		return Scope{}, false
	}
	s, ok := ctx.Value(scopeKey{}).(Scope)
	return s, ok
}

// OrganizationID returns the active organization, or "" when none is bound.
func OrganizationID(ctx context.Context) string {
	s, _ := FromContext(ctx)
	return s.OrganizationID
}

// Run calls fn with ctx scoped to orgID. The scope ends when fn returns.
func Run(ctx context.Context, orgID string, fn func(context.Context) error) error {
	s := ForOrg(orgID)
	if !s.Valid() {
		return ErrNoTenant
	}
	return fn(WithScope(ctx, s))
}

// Detach returns a context that keeps ctx's values, including the scope, but
// is not cancelled when ctx is.
func Detach(ctx context.Context) context.Context {
	return context.WithoutCancel(ctx)
}

// Go runs fn in a new goroutine under a detached copy of ctx. The returned
// channel yields fn's error once.
func Go(ctx context.Context, fn func(context.Context) error) <-chan error {
	done := make(chan error, 1)
	detached := Detach(ctx)
	go func() {
		done <- fn(detached)
	}()
	return done
}

// Resolution is the input to Resolve.
type Resolution struct {
	// SessionOrg is the organization bound to the verified principal.
	SessionOrg string
	// Super marks the bootstrap principal.
	Super bool
	// Asserted is an organization named by the request itself.
	Asserted string
	// Override is the admin-only organization selector.
	Override string
	// Default is the configured organization for super principals.
	Default string
}

// Resolve picks the active organization. The session organization wins. A
// request naming any other organization is a mismatch. Only super principals
// may use an override or the configured default.
func Resolve(r Resolution) (Scope, error) {
	sessionOrg := strings.TrimSpace(r.SessionOrg)
	asserted := strings.TrimSpace(r.Asserted)
	override := strings.TrimSpace(r.Override)

	if sessionOrg != "" {
		if asserted != "" && asserted != sessionOrg {
			return Scope{}, ErrMismatch
		}
		if override != "" && override != sessionOrg {
			return Scope{}, ErrMismatch
		}
		return Scope{OrganizationID: sessionOrg, Source: SourceSession}, nil
	}
	if !r.Super {
		if override != "" {
			return Scope{}, ErrOverrideDenied
		}
		return Scope{}, ErrNoTenant
	}
	if override == "" {
		override = asserted
	}
	if override != "" {
		return Scope{OrganizationID: override, Source: SourceOverride}, nil
	}
	if d := strings.TrimSpace(r.Default); d != "" {
		return Scope{OrganizationID: d, Source: SourceDefault}, nil
	}
	return Scope{Super: true, Source: SourceSuper}, nil
}
