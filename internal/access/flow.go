package access

import (
	"context"
	"sync"

	"sweepdesk.io/internal/audit"
	"sweepdesk.io/internal/auth"
	"sweepdesk.io/internal/obs"
)

// State is a step of the request pipeline.
type State string

const (
	StateUnauthenticated   State = "unauthenticated"
	StateAuthenticated     State = "authenticated"
	StateTenantResolved    State = "tenant_resolved"
	StatePermissionChecked State = "permission_checked"
	StateAuthorized        State = "authorized"
	StateDenied            State = "denied"
	StateError             State = "error"
)

// Terminal reports whether no further transition is possible.
func (s State) Terminal() bool {
	return s == StateAuthorized || s == StateDenied || s == StateError
}

// Request describes one protected operation.
type Request struct {
	// Action names the operation in audit records, such as "GET /v1/audit".
	Action       string
	ResourceType string
	ResourceID   string
	// Permission is required to proceed. Empty means any authenticated principal.
	Permission  string
	Credentials Credentials
	// AssertedOrg is an organization named by the request itself.
	AssertedOrg string
	// OverrideOrg is the super-only organization selector.
	OverrideOrg string
}

// Flow walks one request through the pipeline. Exactly one audit record is
// written per Flow, whichever terminal state it reaches.
type Flow struct {
	core *Core
	req  Request

	mu        sync.Mutex
	state     State
	principal auth.Principal
	scope     *RequestScope
	decision  auth.Decision
	once      sync.Once
}

// Begin starts a Flow for req.
func (c *Core) Begin(req Request) *Flow {
	return &Flow{core: c, req: req, state: StateUnauthenticated}
}

// State returns the current state.
func (f *Flow) State() State {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.state
}

func (f *Flow) set(s State) {
	f.mu.Lock()
	f.state = s
	f.mu.Unlock()
}

// Run authenticates, resolves the tenant and checks the permission. On
// failure the denial is audited before Run returns. On success the caller
// must end the flow with Complete or Fail.
func (f *Flow) Run(ctx context.Context) (*RequestScope, error) {
	p, err := f.core.Authenticate(ctx, f.req.Credentials)
	if err != nil {
		return nil, f.stop(ctx, err)
	}
	f.mu.Lock()
	f.principal = p
	f.state = StateAuthenticated
	f.mu.Unlock()

	rs, err := f.core.requestScope(ctx, p, f.req.AssertedOrg, f.req.OverrideOrg)
	if err != nil {
		return nil, f.stop(ctx, err)
	}
	f.mu.Lock()
	f.scope = rs
	f.principal = rs.Principal
	f.state = StateTenantResolved
	f.mu.Unlock()

	if f.req.Permission != "" {
		d := f.core.Authorize(rs.Principal, f.req.Permission)
		f.mu.Lock()
		f.decision = d
		f.state = StatePermissionChecked
		f.mu.Unlock()
		if !d.Allowed {
			return nil, f.stop(ctx, d.Err())
		}
	}
	f.set(StateAuthorized)
	return rs, nil
}

// Complete audits a successful request. Errors from the handler that belong to
// the taxonomy are recorded as denials, anything else as an error.
func (f *Flow) Complete(ctx context.Context, handlerErr error) {
	if handlerErr != nil {
		f.Fail(ctx, handlerErr)
		return
	}
	f.emit(ctx, audit.OutcomeAllowed, nil, StateAuthorized)
}

// Fail ends the flow with err, for example after a recovered panic.
func (f *Flow) Fail(ctx context.Context, err error) {
	kind := auth.KindOf(err)
	stage := f.State()
	if auth.IsAuthentication(err) || auth.IsAuthorization(err) || kind == auth.KindRateLimited {
		f.set(StateDenied)
		f.emit(ctx, audit.OutcomeDenied, err, stage)
		return
	}
	if stage == StateAuthorized && kind != auth.KindInternal && kind != auth.KindUnscopedAccess {
		// not found, conflict and bad input are ordinary handler results
		f.emit(ctx, audit.OutcomeAllowed, err, stage)
		return
	}
	f.set(StateError)
	f.emit(ctx, audit.OutcomeError, err, stage)
}

func (f *Flow) stop(ctx context.Context, err error) error {
	f.Fail(ctx, err)
	return err
}

// emit writes the flow's single audit record. stage is the last state reached
// before the terminal one.
func (f *Flow) emit(ctx context.Context, outcome audit.Outcome, err error, stage State) {
	f.once.Do(func() {
		f.mu.Lock()
		p, rs, d := f.principal, f.scope, f.decision
		f.mu.Unlock()

		kind := auth.KindOf(err)
		r := audit.Record{
			ActorID:      p.ID,
			ActorKind:    string(p.Kind),
			Action:       f.req.Action,
			ResourceType: f.req.ResourceType,
			ResourceID:   f.req.ResourceID,
			Outcome:      outcome,
			ErrorKind:    kind,
			RequestID:    audit.RequestIDFromContext(ctx),
			Metadata:     map[string]string{"stage": string(stage)},
		}
		r.OrganizationID = p.OrganizationID
		if rs != nil && rs.Scope.OrganizationID != "" {
			r.OrganizationID = rs.Scope.OrganizationID
		}
		if f.req.Permission != "" {
			r.Metadata["permission"] = f.req.Permission
		}
		if d.Reason != "" {
			r.Metadata["reason"] = d.Reason
		}
		if f.req.AssertedOrg != "" {
			r.Metadata["asserted_org"] = f.req.AssertedOrg
		}
		f.core.recorder.Record(ctx, r)
		obs.ObserveDecision(string(outcome), kind)
	})
}
