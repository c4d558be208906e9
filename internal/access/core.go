// Package access ties credential verification, tenant resolution, permission
// checks and auditing into one request pipeline shared by every transport.
package access

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"sweepdesk.io/internal/audit"
	"sweepdesk.io/internal/auth"
	"sweepdesk.io/internal/ratelimit"
	"sweepdesk.io/internal/store/pg"
	"sweepdesk.io/internal/tenant"
)

// ErrNoCredentials is returned when a request presents nothing to verify.
var ErrNoCredentials = fmt.Errorf("%w: no credentials presented", auth.ErrInvalidCredentials)

// Credentials are the raw identity claims of one request. Transports fill in
// only what they accept; Proxy is set only for requests from a trusted origin.
type Credentials struct {
	Bearer       string
	Capability   string
	Proxy        *auth.ProxyAssertion
	DevPrincipal string
}

func (c Credentials) empty() bool {
	return c.Bearer == "" && c.Capability == "" && c.Proxy == nil && c.DevPrincipal == ""
}

// Recorder receives audit records. *audit.Emitter satisfies it.
type Recorder interface {
	Record(ctx context.Context, r audit.Record)
}

// Scoper opens tenant-bound transactions. *pg.Gateway satisfies it.
type Scoper interface {
	WithScope(ctx context.Context, scope tenant.Scope, fn func(context.Context, *pg.Tx) error) error
}

// Core is the shared authentication and authorization pipeline.
type Core struct {
	verifier *auth.Verifier
	tokens   *auth.TokenService
	catalog  *auth.Catalog
	recorder Recorder
	scoper   Scoper

	limiter     ratelimit.Limiter
	loginLimit  int
	loginWindow time.Duration

	defaultOrg string
	devAuth    bool
}

// Option configures a Core.
type Option func(*Core)

// WithScoper sets the storage gateway handed to request scopes.
func WithScoper(s Scoper) Option {
	return func(c *Core) { c.scoper = s }
}

// WithRecorder sets the audit destination.
func WithRecorder(r Recorder) Option {
	return func(c *Core) {
		if r != nil {
			c.recorder = r
		}
	}
}

// WithLoginLimiter caps failed login attempts per login and client address.
func WithLoginLimiter(l ratelimit.Limiter, limit int, window time.Duration) Option {
	return func(c *Core) {
		c.limiter = l
		c.loginLimit = limit
		c.loginWindow = window
	}
}

// WithDefaultOrganization sets the organization super principals act in when
// the request names none.
func WithDefaultOrganization(orgID string) Option {
	return func(c *Core) { c.defaultOrg = strings.TrimSpace(orgID) }
}

// WithInsecureDevAuth accepts Credentials.DevPrincipal. Never enable in
// production.
func WithInsecureDevAuth(enabled bool) Option {
	return func(c *Core) { c.devAuth = enabled }
}

type discard struct{}

func (discard) Record(context.Context, audit.Record) {}

// New builds a Core.
func New(verifier *auth.Verifier, tokens *auth.TokenService, catalog *auth.Catalog, opts ...Option) (*Core, error) {
	if verifier == nil || tokens == nil || catalog == nil {
		return nil, fmt.Errorf("%w: access core requires verifier, tokens and catalog", auth.ErrInvalidInput)
	}
	c := &Core{
		verifier: verifier,
		tokens:   tokens,
		catalog:  catalog,
		recorder: discard{},
	}
	for _, opt := range opts {
		opt(c)
	}
	return c, nil
}

// Catalog returns the permission catalog in use.
func (c *Core) Catalog() *auth.Catalog { return c.catalog }

// Tokens returns the session token service.
func (c *Core) Tokens() *auth.TokenService { return c.tokens }

// Authenticate resolves credentials to a principal. A bearer token wins over
// other credential types; a token that fails is never retried as something
// else.
func (c *Core) Authenticate(ctx context.Context, cred Credentials) (auth.Principal, error) {
	switch {
	case cred.Bearer != "":
		sess, err := c.tokens.Validate(ctx, cred.Bearer)
		if err != nil {
			return auth.Principal{}, err
		}
		return c.verifier.PrincipalForSession(ctx, sess)
	case cred.Proxy != nil:
		return c.verifier.VerifyProxy(ctx, *cred.Proxy)
	case cred.Capability != "":
		return c.verifier.VerifyCapability(ctx, cred.Capability)
	case cred.DevPrincipal != "" && c.devAuth:
		return c.verifier.PrincipalForUser(ctx, strings.TrimSpace(cred.DevPrincipal))
	default:
		return auth.Principal{}, ErrNoCredentials
	}
}

// Authorize decides whether p holds key.
func (c *Core) Authorize(p auth.Principal, key string) auth.Decision {
	return c.catalog.Authorize(p, key)
}

// ResolveTenant picks the organization p acts in for one request.
func (c *Core) ResolveTenant(p auth.Principal, asserted, override string) (tenant.Scope, error) {
	scope, err := tenant.Resolve(tenant.Resolution{
		SessionOrg: p.OrganizationID,
		Super:      p.IsSuper(),
		Asserted:   asserted,
		Override:   override,
		Default:    c.defaultOrg,
	})
	switch {
	case err == nil:
		return scope, nil
	case errors.Is(err, tenant.ErrMismatch), errors.Is(err, tenant.ErrOverrideDenied), errors.Is(err, tenant.ErrNoTenant):
		return tenant.Scope{}, fmt.Errorf("%w: %w", auth.ErrTenantMismatch, err)
	default:
		return tenant.Scope{}, err
	}
}

// WithRequestScope resolves the tenant for p and returns the scope handlers
// work through.
func (c *Core) WithRequestScope(ctx context.Context, p auth.Principal, asserted string) (*RequestScope, error) {
	return c.requestScope(ctx, p, asserted, "")
}

func (c *Core) requestScope(ctx context.Context, p auth.Principal, asserted, override string) (*RequestScope, error) {
	scope, err := c.ResolveTenant(p, asserted, override)
	if err != nil {
		return nil, err
	}
	if scope.OrganizationID != "" && scope.OrganizationID != p.OrganizationID {
		// modules disabled for the selected organization apply to super too
		if p, err = c.verifier.PrincipalInOrganization(ctx, p, scope.OrganizationID); err != nil {
			return nil, err
		}
	}
	return &RequestScope{
		Principal: p,
		Scope:     scope,
		RequestID: audit.RequestIDFromContext(ctx),
		core:      c,
	}, nil
}
