package auth

import (
	"context"
	"time"
)

// UserStore reads and updates credential records.
type UserStore interface {
	// FindByLogin looks a user up by login. It returns ErrNotFound when absent.
	FindByLogin(ctx context.Context, login string) (*User, error)
	Find(ctx context.Context, id string) (*User, error)
	UpdatePasswordHash(ctx context.Context, userID, hash string) error
}

// SessionStore persists sessions and their refresh lineage.
type SessionStore interface {
	// Create stores a new session together with its first refresh token.
	Create(ctx context.Context, s *Session, first *RefreshToken) error
	Find(ctx context.Context, id string) (*Session, error)
	FindRefresh(ctx context.Context, id string) (*RefreshToken, error)
	// RotateRefresh replaces the session's current refresh token with next only
	// if the current pointer still equals expectedID. It returns ErrConflict when
	// another rotation won, or when the session is revoked.
	RotateRefresh(ctx context.Context, sessionID, expectedID string, next *RefreshToken, at time.Time) (*Session, error)
	// Revoke marks the session revoked. Revoking twice keeps the first reason.
	Revoke(ctx context.Context, sessionID, reason string, at time.Time) error
	// SweepExpired revokes sessions whose expiry is before now and returns how many.
	SweepExpired(ctx context.Context, now time.Time) (int, error)
}

// OrganizationStore exposes organization level restrictions.
type OrganizationStore interface {
	Features(ctx context.Context, orgID string) (OrgFeatures, error)
}
