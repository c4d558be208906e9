package access

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"sweepdesk.io/internal/audit"
	"sweepdesk.io/internal/auth"
	"sweepdesk.io/internal/obs"
	"sweepdesk.io/internal/ratelimit"
)

// Audit actions for session lifecycle events.
const (
	ActionLogin         = "auth.login"
	ActionRefresh       = "auth.refresh"
	ActionLogout        = "auth.logout"
	ActionRevokeSession = "sessions.revoke"
)

// KindOperator marks audit records written for command-line operators.
const KindOperator auth.Kind = "operator"

// LoginRequest carries a password login attempt.
type LoginRequest struct {
	Login    string
	Password string
	OTP      string
	ClientIP string
}

// Login verifies a password login and opens a session. Attempts are limited
// per login and per client address; a success clears the login's counter.
func (c *Core) Login(ctx context.Context, req LoginRequest) (auth.TokenPair, auth.Principal, error) {
	login := strings.ToLower(strings.TrimSpace(req.Login))
	if err := c.allowLogin(ctx, login, req.ClientIP); err != nil {
		c.audit(ctx, ActionLogin, auth.Principal{}, "", err, map[string]string{"login": login})
		return auth.TokenPair{}, auth.Principal{}, err
	}

	p, err := c.verifier.VerifyPassword(ctx, login, req.Password, req.OTP)
	if err != nil {
		c.audit(ctx, ActionLogin, auth.Principal{}, "", err, map[string]string{"login": login})
		return auth.TokenPair{}, auth.Principal{}, err
	}
	pair, err := c.tokens.Issue(ctx, p)
	if err != nil {
		c.audit(ctx, ActionLogin, p, "", err, nil)
		return auth.TokenPair{}, auth.Principal{}, err
	}
	if c.limiter != nil {
		if err := c.limiter.Reset(ctx, loginKey(login)); err != nil {
			obs.Warn("login_limiter_reset_failed", map[string]any{"error": err})
		}
	}
	p.SessionID = pair.SessionID
	c.audit(ctx, ActionLogin, p, pair.SessionID, nil, nil)
	return pair, p, nil
}

func (c *Core) allowLogin(ctx context.Context, login, clientIP string) error {
	if c.limiter == nil || c.loginLimit <= 0 {
		return nil
	}
	keys := []string{loginKey(login)}
	if ip := strings.TrimSpace(clientIP); ip != "" {
		// per-address budget is 4x the per-login one
		keys = append(keys, "login-ip:"+ip)
	}
	limited := false
	for i, key := range keys {
		limit := c.loginLimit
		if i > 0 {
			limit *= 4
		}
		d, err := c.limiter.Allow(ctx, key, limit, c.loginWindow)
		switch {
		case errors.Is(err, ratelimit.ErrCapacity):
			obs.Warn("login_limiter_full", map[string]any{"key": key})
			limited = true
		case err != nil:
			// an unreachable backend skips this key only
			obs.Warn("login_limiter_unavailable", map[string]any{"error": err})
		case !d.Allowed:
			limited = true
		}
	}
	if limited {
		return auth.ErrRateLimited
	}
	return nil
}

func loginKey(login string) string { return "login:" + login }

// Refresh rotates a refresh token.
func (c *Core) Refresh(ctx context.Context, raw string) (auth.TokenPair, error) {
	pair, err := c.tokens.Refresh(ctx, raw)
	meta := map[string]string{}
	if pair.SessionID != "" {
		meta["session_id"] = pair.SessionID
	}
	c.audit(ctx, ActionRefresh, auth.Principal{}, pair.SessionID, err, meta)
	return pair, err
}

// Logout revokes the session behind the request's principal. It runs inside
// a Flow, which writes the audit record.
func (c *Core) Logout(ctx context.Context, rs *RequestScope) error {
	if rs.Principal.SessionID == "" {
		return fmt.Errorf("%w: principal has no session", auth.ErrInvalidInput)
	}
	return c.tokens.Revoke(ctx, rs.Principal.SessionID, auth.RevokeLogout)
}

// RevokeSession ends another session in the caller's organization. Sessions
// of other organizations are reported as not found. Like Logout it is audited
// by the surrounding Flow.
func (c *Core) RevokeSession(ctx context.Context, rs *RequestScope, sessionID string) error {
	if err := rs.Require(auth.PermSessionsRevoke); err != nil {
		return err
	}
	sess, err := c.tokens.Session(ctx, sessionID)
	if err != nil {
		return err
	}
	if !rs.Scope.Super && sess.OrganizationID != rs.Scope.OrganizationID {
		return auth.ErrNotFound
	}
	return c.tokens.Revoke(ctx, sess.ID, auth.RevokeAdmin)
}

// RevokeSessionAsOperator revokes a session on behalf of an operator acting
// outside any request, e.g. from the command line. The attempt is audited
// whether or not it succeeds.
func (c *Core) RevokeSessionAsOperator(ctx context.Context, operator, sessionID, reason string) error {
	var orgID string
	sess, err := c.tokens.Session(ctx, sessionID)
	if err == nil {
		orgID = sess.OrganizationID
		err = c.tokens.Revoke(ctx, sess.ID, reason)
	}
	p := auth.Principal{ID: operator, Kind: KindOperator, OrganizationID: orgID}
	c.audit(ctx, ActionRevokeSession, p, sessionID, err, map[string]string{"reason": reason, "source": "operator"})
	return err
}

func (c *Core) audit(ctx context.Context, action string, p auth.Principal, sessionID string, err error, meta map[string]string) {
	outcome := audit.OutcomeAllowed
	switch {
	case err == nil:
	case auth.KindOf(err) == auth.KindInternal || errors.Is(err, auth.ErrUnscopedAccess):
		outcome = audit.OutcomeError
	default:
		outcome = audit.OutcomeDenied
	}
	r := audit.Record{
		ActorID:        p.ID,
		ActorKind:      string(p.Kind),
		OrganizationID: p.OrganizationID,
		Action:         action,
		Outcome:        outcome,
		ErrorKind:      auth.KindOf(err),
		RequestID:      audit.RequestIDFromContext(ctx),
		Metadata:       meta,
	}
	if sessionID != "" {
		r.ResourceType = "session"
		r.ResourceID = sessionID
	}
	c.recorder.Record(ctx, r)
	obs.ObserveDecision(string(outcome), r.ErrorKind)
}
