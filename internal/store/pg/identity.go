package pg

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/jackc/pgx/v5/pgtype"

	"sweepdesk.io/internal/auth"
	"sweepdesk.io/internal/tenant"
)

// typeMap decodes PostgreSQL arrays read through database/sql.
var typeMap = pgtype.NewMap()

func scopeFor(orgID string) tenant.Scope {
	if orgID == "" {
		return tenant.System()
	}
	return tenant.ForOrg(orgID)
}

// UserStore reads credential records. Lookups run before any organization is
// known and therefore use the system scope.
type UserStore struct {
	g *Gateway
}

func NewUserStore(g *Gateway) *UserStore { return &UserStore{g: g} }

const userColumns = `id, coalesce(organization_id, ''), login, kind, role, password_hash, status, mfa_enabled, hidden_permissions, created_at, updated_at`

func scanUser(row interface{ Scan(...any) error }) (*auth.User, error) {
	var (
		u    auth.User
		kind string
	)
	err := row.Scan(&u.ID, &u.OrganizationID, &u.Login, &kind, &u.Role, &u.PasswordHash, &u.Status,
		&u.MFAEnabled, typeMap.SQLScanner(&u.HiddenPermissions), &u.CreatedAt, &u.UpdatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, auth.ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	u.Kind = auth.Kind(kind)
	return &u, nil
}

func (s *UserStore) FindByLogin(ctx context.Context, login string) (*auth.User, error) {
	var user *auth.User
	err := s.g.WithScope(ctx, tenant.System(), func(ctx context.Context, tx *Tx) error {
		var err error
		user, err = scanUser(tx.QueryRowContext(ctx, `select `+userColumns+` from users where login = $1`,
			strings.ToLower(strings.TrimSpace(login))))
		return err
	})
	return user, err
}

func (s *UserStore) Find(ctx context.Context, id string) (*auth.User, error) {
	var user *auth.User
	err := s.g.WithScope(ctx, tenant.System(), func(ctx context.Context, tx *Tx) error {
		var err error
		user, err = scanUser(tx.QueryRowContext(ctx, `select `+userColumns+` from users where id = $1`, id))
		return err
	})
	return user, err
}

func (s *UserStore) UpdatePasswordHash(ctx context.Context, userID, hash string) error {
	return s.g.WithScope(ctx, tenant.System(), func(ctx context.Context, tx *Tx) error {
		res, err := tx.ExecContext(ctx, `update users set password_hash = $2, updated_at = now() where id = $1`, userID, hash)
		if err != nil {
			return err
		}
		return expectOneRow(res)
	})
}

// SessionStore persists sessions and refresh tokens.
type SessionStore struct {
	g *Gateway
}

func NewSessionStore(g *Gateway) *SessionStore { return &SessionStore{g: g} }

const sessionColumns = `id, principal_id, coalesce(organization_id, ''), kind, role, issued_at, expires_at, revoked_at, coalesce(revoke_reason, ''), current_refresh_id, generation`

func scanSession(row interface{ Scan(...any) error }) (*auth.Session, error) {
	var (
		s       auth.Session
		kind    string
		revoked sql.NullTime
	)
	err := row.Scan(&s.ID, &s.PrincipalID, &s.OrganizationID, &kind, &s.Role, &s.IssuedAt, &s.ExpiresAt,
		&revoked, &s.RevokeReason, &s.CurrentRefreshID, &s.Generation)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, auth.ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	s.Kind = auth.Kind(kind)
	if revoked.Valid {
		t := revoked.Time
		s.RevokedAt = &t
	}
	return &s, nil
}

func (s *SessionStore) Create(ctx context.Context, sess *auth.Session, first *auth.RefreshToken) error {
	return s.g.WithScope(ctx, scopeFor(sess.OrganizationID), func(ctx context.Context, tx *Tx) error {
		if _, err := tx.ExecContext(ctx, `
			insert into sessions(id, principal_id, organization_id, kind, role, issued_at, expires_at, current_refresh_id, generation)
			values ($1, $2, $3, $4, $5, $6, $7, $8, $9)
		`, sess.ID, sess.PrincipalID, nullIfEmpty(sess.OrganizationID), string(sess.Kind), sess.Role,
			sess.IssuedAt, sess.ExpiresAt, sess.CurrentRefreshID, sess.Generation); err != nil {
			return err
		}
		return insertRefresh(ctx, tx, first)
	})
}

func insertRefresh(ctx context.Context, tx *Tx, rt *auth.RefreshToken) error {
	_, err := tx.ExecContext(ctx, `
		insert into refresh_tokens(id, session_id, parent_id, token_hash, issued_at, expires_at)
		values ($1, $2, $3, $4, $5, $6)
	`, rt.ID, rt.SessionID, nullIfEmpty(rt.ParentID), rt.TokenHash, rt.IssuedAt, rt.ExpiresAt)
	return err
}

func (s *SessionStore) Find(ctx context.Context, id string) (*auth.Session, error) {
	var sess *auth.Session
	err := s.g.WithScope(ctx, tenant.System(), func(ctx context.Context, tx *Tx) error {
		var err error
		sess, err = scanSession(tx.QueryRowContext(ctx, `select `+sessionColumns+` from sessions where id = $1`, id))
		return err
	})
	return sess, err
}

func (s *SessionStore) FindRefresh(ctx context.Context, id string) (*auth.RefreshToken, error) {
	var rt auth.RefreshToken
	err := s.g.WithScope(ctx, tenant.System(), func(ctx context.Context, tx *Tx) error {
		var (
			parent  sql.NullString
			rotated sql.NullTime
		)
		err := tx.QueryRowContext(ctx, `
			select id, session_id, parent_id, token_hash, issued_at, expires_at, rotated_at
			from refresh_tokens where id = $1
		`, id).Scan(&rt.ID, &rt.SessionID, &parent, &rt.TokenHash, &rt.IssuedAt, &rt.ExpiresAt, &rotated)
		if errors.Is(err, sql.ErrNoRows) {
			return auth.ErrNotFound
		}
		if err != nil {
			return err
		}
		rt.ParentID = parent.String
		if rotated.Valid {
			t := rotated.Time
			rt.RotatedAt = &t
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return &rt, nil
}

// RotateRefresh moves the session's refresh pointer with a conditional update,
// so exactly one of several concurrent rotations succeeds.
func (s *SessionStore) RotateRefresh(ctx context.Context, sessionID, expectedID string, next *auth.RefreshToken, at time.Time) (*auth.Session, error) {
	var sess *auth.Session
	err := s.g.WithScope(ctx, tenant.System(), func(ctx context.Context, tx *Tx) error {
		var err error
		sess, err = scanSession(tx.QueryRowContext(ctx, `
			update sessions
			set current_refresh_id = $3, generation = generation + 1
			where id = $1 and current_refresh_id = $2 and revoked_at is null
			returning `+sessionColumns, sessionID, expectedID, next.ID))
		if errors.Is(err, auth.ErrNotFound) {
			return auth.ErrConflict
		}
		if err != nil {
			return err
		}
		if _, err := tx.ExecContext(ctx, `update refresh_tokens set rotated_at = $2 where id = $1`, expectedID, at); err != nil {
			return err
		}
		return insertRefresh(ctx, tx, next)
	})
	if err != nil {
		return nil, err
	}
	return sess, nil
}

func (s *SessionStore) Revoke(ctx context.Context, sessionID, reason string, at time.Time) error {
	return s.g.WithScope(ctx, tenant.System(), func(ctx context.Context, tx *Tx) error {
		res, err := tx.ExecContext(ctx, `
			update sessions set revoked_at = $2, revoke_reason = $3
			where id = $1 and revoked_at is null
		`, sessionID, at, reason)
		if err != nil {
			return err
		}
		if n, err := res.RowsAffected(); err != nil || n > 0 {
			return err
		}
		var one int
		err = tx.QueryRowContext(ctx, `select 1 from sessions where id = $1`, sessionID).Scan(&one)
		if errors.Is(err, sql.ErrNoRows) {
			return auth.ErrNotFound
		}
		return err
	})
}

func (s *SessionStore) SweepExpired(ctx context.Context, now time.Time) (int, error) {
	var n int64
	err := s.g.WithScope(ctx, tenant.System(), func(ctx context.Context, tx *Tx) error {
		res, err := tx.ExecContext(ctx, `
			update sessions set revoked_at = $1, revoke_reason = $2
			where revoked_at is null and expires_at <= $1
		`, now, auth.RevokeExpired)
		if err != nil {
			return err
		}
		n, err = res.RowsAffected()
		return err
	})
	return int(n), err
}

// OrganizationStore reads organization features inside the organization's own scope.
type OrganizationStore struct {
	g *Gateway
}

func NewOrganizationStore(g *Gateway) *OrganizationStore { return &OrganizationStore{g: g} }

func (s *OrganizationStore) Features(ctx context.Context, orgID string) (auth.OrgFeatures, error) {
	features := auth.OrgFeatures{OrganizationID: orgID}
	if orgID == "" {
		return features, fmt.Errorf("%w: organization id required", auth.ErrInvalidInput)
	}
	err := s.g.WithScope(ctx, tenant.ForOrg(orgID), func(ctx context.Context, tx *Tx) error {
		err := tx.QueryRowContext(ctx, `select disabled_modules from organizations where id = $1`, orgID).
			Scan(typeMap.SQLScanner(&features.DisabledModules))
		if errors.Is(err, sql.ErrNoRows) {
			return auth.ErrNotFound
		}
		return err
	})
	return features, err
}

func expectOneRow(res sql.Result) error {
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return auth.ErrNotFound
	}
	return nil
}

var (
	_ auth.UserStore         = (*UserStore)(nil)
	_ auth.SessionStore      = (*SessionStore)(nil)
	_ auth.OrganizationStore = (*OrganizationStore)(nil)
)
