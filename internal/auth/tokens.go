package auth

import (
	"context"
	"crypto/sha256"
	"crypto/subtle"
	"encoding/hex"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"

	"sweepdesk.io/internal/ids"
	"sweepdesk.io/internal/obs"
)

const (
	defaultIssuer     = "sweepdesk"
	defaultAccessTTL  = 15 * time.Minute
	defaultRefreshTTL = 30 * 24 * time.Hour
	minSecretLen      = 32
	refreshSecretLen  = 32
)

// Revocation reasons.
const (
	RevokeLogout       = "logout"
	RevokeAdmin        = "admin"
	RevokeRefreshReuse = "refresh_reuse"
	RevokeExpired      = "expired"
)

// AccessClaims is the payload of an access token.
type AccessClaims struct {
	Role           string `json:"role"`
	OrganizationID string `json:"org"`
	Kind           Kind   `json:"kind"`
	SessionID      string `json:"sid"`
	Generation     int64  `json:"gen"`
	jwt.RegisteredClaims
}

// TokenService issues, validates, rotates and revokes session tokens.
type TokenService struct {
	sessions   SessionStore
	secret     []byte
	issuer     string
	accessTTL  time.Duration
	refreshTTL time.Duration
	now        func() time.Time
}

// TokenOption configures a TokenService.
type TokenOption func(*TokenService)

// WithIssuer sets the iss claim.
func WithIssuer(issuer string) TokenOption {
	return func(s *TokenService) {
		if issuer != "" {
			s.issuer = issuer
		}
	}
}

// WithAccessTTL sets the access token lifetime.
func WithAccessTTL(ttl time.Duration) TokenOption {
	return func(s *TokenService) {
		if ttl > 0 {
			s.accessTTL = ttl
		}
	}
}

// WithRefreshTTL sets the session and refresh token lifetime.
func WithRefreshTTL(ttl time.Duration) TokenOption {
	return func(s *TokenService) {
		if ttl > 0 {
			s.refreshTTL = ttl
		}
	}
}

// WithClock overrides the time source.
func WithClock(now func() time.Time) TokenOption {
	return func(s *TokenService) {
		if now != nil {
			s.now = now
		}
	}
}

// NewTokenService builds a TokenService signing with secret.
func NewTokenService(sessions SessionStore, secret []byte, opts ...TokenOption) (*TokenService, error) {
	if sessions == nil {
		return nil, fmt.Errorf("%w: session store required", ErrInvalidInput)
	}
	if len(secret) < minSecretLen {
		return nil, fmt.Errorf("%w: token secret must be at least %d bytes", ErrInvalidInput, minSecretLen)
	}
	s := &TokenService{
		sessions:   sessions,
		secret:     append([]byte(nil), secret...),
		issuer:     defaultIssuer,
		accessTTL:  defaultAccessTTL,
		refreshTTL: defaultRefreshTTL,
		now:        time.Now,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s, nil
}

// Issue opens a session for p. The session's organization is fixed here.
func (s *TokenService) Issue(ctx context.Context, p Principal) (TokenPair, error) {
	if p.ID == "" || !p.Kind.Valid() {
		return TokenPair{}, fmt.Errorf("%w: principal id and kind required", ErrInvalidInput)
	}
	now := s.now().UTC()
	sess := &Session{
		ID:             ids.Session(),
		PrincipalID:    p.ID,
		OrganizationID: p.OrganizationID,
		Kind:           p.Kind,
		Role:           p.Role,
		IssuedAt:       now,
		ExpiresAt:      now.Add(s.refreshTTL),
	}
	rt, raw, err := s.newRefresh(sess, "", now)
	if err != nil {
		return TokenPair{}, err
	}
	sess.CurrentRefreshID = rt.ID
	if err := s.sessions.Create(ctx, sess, rt); err != nil {
		return TokenPair{}, fmt.Errorf("create session: %w", err)
	}
	return s.pair(sess, rt, raw, now)
}

// Validate checks an access token and the session behind it. The session is
// loaded on every call so revocation takes effect on the next request.
func (s *TokenService) Validate(ctx context.Context, raw string) (*Session, error) {
	claims := &AccessClaims{}
	_, err := jwt.ParseWithClaims(raw, claims, func(*jwt.Token) (any, error) {
		return s.secret, nil
	},
		jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}),
		jwt.WithIssuer(s.issuer),
		jwt.WithExpirationRequired(),
		jwt.WithTimeFunc(s.now),
	)
	switch {
	case err == nil:
	case errors.Is(err, jwt.ErrTokenSignatureInvalid):
		return nil, ErrSignatureMismatch
	case errors.Is(err, jwt.ErrTokenExpired):
		return nil, ErrExpiredToken
	default:
		return nil, ErrMalformedToken
	}
	if claims.Subject == "" || claims.SessionID == "" || !claims.Kind.Valid() {
		return nil, ErrMalformedToken
	}

	sess, err := s.sessions.Find(ctx, claims.SessionID)
	if errors.Is(err, ErrNotFound) {
		return nil, ErrRevokedSession
	}
	if err != nil {
		return nil, fmt.Errorf("load session: %w", err)
	}
	switch {
	case sess.Revoked():
		return nil, ErrRevokedSession
	case !s.now().Before(sess.ExpiresAt):
		return nil, ErrExpiredToken
	case claims.Generation < sess.Generation:
		return nil, ErrRevokedSession
	case claims.Subject != sess.PrincipalID:
		return nil, ErrMalformedToken
	case claims.OrganizationID != sess.OrganizationID:
		return nil, ErrTenantMismatch
	}
	return sess, nil
}

// Refresh rotates a refresh token. Presenting a token that was already
// rotated out revokes the whole session.
func (s *TokenService) Refresh(ctx context.Context, raw string) (TokenPair, error) {
	id, secret, ok := splitRefreshToken(raw)
	if !ok {
		return TokenPair{}, ErrMalformedToken
	}
	rt, err := s.sessions.FindRefresh(ctx, id)
	if errors.Is(err, ErrNotFound) {
		return TokenPair{}, ErrRevokedSession
	}
	if err != nil {
		return TokenPair{}, fmt.Errorf("load refresh token: %w", err)
	}
	if !secureCompareHash(rt.TokenHash, hashSecret(secret)) {
		return TokenPair{}, ErrSignatureMismatch
	}
	sess, err := s.sessions.Find(ctx, rt.SessionID)
	if errors.Is(err, ErrNotFound) {
		return TokenPair{}, ErrRevokedSession
	}
	if err != nil {
		return TokenPair{}, fmt.Errorf("load session: %w", err)
	}
	now := s.now().UTC()
	if sess.Revoked() {
		return TokenPair{}, ErrRevokedSession
	}
	if rt.RotatedAt != nil || sess.CurrentRefreshID != rt.ID {
		return TokenPair{}, s.revokeForReuse(ctx, sess.ID, rt.ID, now)
	}
	if !now.Before(sess.ExpiresAt) || !now.Before(rt.ExpiresAt) {
		return TokenPair{}, ErrExpiredToken
	}

	next, nextRaw, err := s.newRefresh(sess, rt.ID, now)
	if err != nil {
		return TokenPair{}, err
	}
	updated, err := s.sessions.RotateRefresh(ctx, sess.ID, rt.ID, next, now)
	if errors.Is(err, ErrConflict) {
		return TokenPair{}, s.revokeForReuse(ctx, sess.ID, rt.ID, now)
	}
	if err != nil {
		return TokenPair{}, fmt.Errorf("rotate refresh token: %w", err)
	}
	return s.pair(updated, next, nextRaw, now)
}

// Revoke ends a session.
func (s *TokenService) Revoke(ctx context.Context, sessionID, reason string) error {
	if sessionID == "" {
		return fmt.Errorf("%w: session id required", ErrInvalidInput)
	}
	if reason == "" {
		reason = RevokeAdmin
	}
	return s.sessions.Revoke(ctx, sessionID, reason, s.now().UTC())
}

// Session loads a session by id.
func (s *TokenService) Session(ctx context.Context, id string) (*Session, error) {
	return s.sessions.Find(ctx, id)
}

// Sweep revokes every session past its expiry.
func (s *TokenService) Sweep(ctx context.Context) (int, error) {
	return s.sessions.SweepExpired(ctx, s.now().UTC())
}

func (s *TokenService) revokeForReuse(ctx context.Context, sessionID, tokenID string, now time.Time) error {
	obs.Warn("refresh_token_reuse", map[string]any{"session_id": sessionID, "refresh_id": tokenID})
	if err := s.sessions.Revoke(ctx, sessionID, RevokeRefreshReuse, now); err != nil {
		return fmt.Errorf("revoke reused session: %w", err)
	}
	return ErrRevokedSession
}

func (s *TokenService) newRefresh(sess *Session, parentID string, now time.Time) (*RefreshToken, string, error) {
	secret, err := ids.Secret(refreshSecretLen)
	if err != nil {
		return nil, "", err
	}
	rt := &RefreshToken{
		ID:        ids.New(),
		SessionID: sess.ID,
		ParentID:  parentID,
		TokenHash: hashSecret(secret),
		IssuedAt:  now,
		ExpiresAt: sess.ExpiresAt,
	}
	return rt, rt.ID + "." + secret, nil
}

func (s *TokenService) pair(sess *Session, rt *RefreshToken, rawRefresh string, now time.Time) (TokenPair, error) {
	exp := now.Add(s.accessTTL)
	if exp.After(sess.ExpiresAt) {
		exp = sess.ExpiresAt
	}
	claims := AccessClaims{
		Role:           sess.Role,
		OrganizationID: sess.OrganizationID,
		Kind:           sess.Kind,
		SessionID:      sess.ID,
		Generation:     sess.Generation,
		RegisteredClaims: jwt.RegisteredClaims{
			Issuer:    s.issuer,
			Subject:   sess.PrincipalID,
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(exp),
			ID:        uuid.NewString(),
		},
	}
	signed, err := jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString(s.secret)
	if err != nil {
		return TokenPair{}, fmt.Errorf("sign access token: %w", err)
	}
	return TokenPair{
		SessionID:        sess.ID,
		AccessToken:      signed,
		RefreshToken:     rawRefresh,
		AccessExpiresAt:  exp,
		RefreshExpiresAt: rt.ExpiresAt,
	}, nil
}

func splitRefreshToken(raw string) (string, string, bool) {
	id, secret, ok := strings.Cut(strings.TrimSpace(raw), ".")
	if !ok || id == "" || secret == "" || strings.Contains(secret, ".") {
		return "", "", false
	}
	return id, secret, true
}

func hashSecret(secret string) string {
	sum := sha256.Sum256([]byte(secret))
	return hex.EncodeToString(sum[:])
}

func secureCompareHash(a, b string) bool {
	return subtle.ConstantTimeCompare([]byte(a), []byte(b)) == 1
}
