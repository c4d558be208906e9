package auth

import (
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"crypto/subtle"
	"encoding/hex"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	"sweepdesk.io/internal/obs"
)

// MFAVerifier checks a one-time code for a user. Implementations may call out
// to an external service and must honour ctx cancellation.
type MFAVerifier interface {
	VerifyCode(ctx context.Context, user *User, code string) (bool, error)
}

// MFAVerifierFunc adapts a function to MFAVerifier.
type MFAVerifierFunc func(ctx context.Context, user *User, code string) (bool, error)

func (f MFAVerifierFunc) VerifyCode(ctx context.Context, user *User, code string) (bool, error) {
	return f(ctx, user, code)
}

// DefaultProxySkew bounds how far a proxy assertion timestamp may drift.
const DefaultProxySkew = 30 * time.Second

// Verifier turns raw credentials into principals.
type Verifier struct {
	users   UserStore
	orgs    OrganizationStore
	catalog *Catalog
	hasher  Hasher
	mfa     MFAVerifier
	now     func() time.Time

	proxySecret []byte
	proxySkew   time.Duration

	capabilityDigest [sha256.Size]byte
	capabilityOrg    string
	capabilitySet    bool

	dummyHash string
}

// VerifierOption configures a Verifier.
type VerifierOption func(*Verifier)

// WithHasher overrides the password hasher.
func WithHasher(h Hasher) VerifierOption {
	return func(v *Verifier) {
		if h != nil {
			v.hasher = h
		}
	}
}

// WithMFAVerifier enables one-time code checks.
func WithMFAVerifier(m MFAVerifier) VerifierOption {
	return func(v *Verifier) { v.mfa = m }
}

// WithProxySecret enables proxy assertions signed with secret.
func WithProxySecret(secret []byte, skew time.Duration) VerifierOption {
	return func(v *Verifier) {
		v.proxySecret = append([]byte(nil), secret...)
		if skew > 0 {
			v.proxySkew = skew
		}
	}
}

// WithCapabilityKey enables the shared kiosk key bound to orgID.
func WithCapabilityKey(key, orgID string) VerifierOption {
	return func(v *Verifier) {
		if key == "" || orgID == "" {
			return
		}
		v.capabilityDigest = sha256.Sum256([]byte(key))
		v.capabilityOrg = orgID
		v.capabilitySet = true
	}
}

// WithVerifierClock overrides the time source.
func WithVerifierClock(now func() time.Time) VerifierOption {
	return func(v *Verifier) {
		if now != nil {
			v.now = now
		}
	}
}

// NewVerifier builds a Verifier.
func NewVerifier(users UserStore, orgs OrganizationStore, catalog *Catalog, opts ...VerifierOption) (*Verifier, error) {
	if users == nil || orgs == nil || catalog == nil {
		return nil, fmt.Errorf("%w: verifier requires users, organizations and catalog", ErrInvalidInput)
	}
	v := &Verifier{
		users:     users,
		orgs:      orgs,
		catalog:   catalog,
		hasher:    NewPasswordHasher(Argon2Params{}),
		now:       time.Now,
		proxySkew: DefaultProxySkew,
	}
	for _, opt := range opts {
		opt(v)
	}
	dummy, err := v.hasher.Hash("sweepdesk-dummy-credential")
	if err != nil {
		return nil, fmt.Errorf("prepare dummy hash: %w", err)
	}
	v.dummyHash = dummy
	return v, nil
}

// VerifyPassword checks a login and password, plus otp for MFA-enabled users.
func (v *Verifier) VerifyPassword(ctx context.Context, login, password, otp string) (Principal, error) {
	login = strings.ToLower(strings.TrimSpace(login))
	if login == "" || password == "" {
		_, _ = v.hasher.Verify(v.dummyHash, password)
		return Principal{}, ErrInvalidCredentials
	}
	user, err := v.users.FindByLogin(ctx, login)
	if errors.Is(err, ErrNotFound) {
		_, _ = v.hasher.Verify(v.dummyHash, password)
		return Principal{}, ErrInvalidCredentials
	}
	if err != nil {
		return Principal{}, fmt.Errorf("find user: %w", err)
	}

	ok, err := v.hasher.Verify(user.PasswordHash, password)
	if err != nil {
		obs.Warn("password_hash_unreadable", map[string]any{"user_id": user.ID, "error": err})
		return Principal{}, ErrInvalidCredentials
	}
	if !ok {
		return Principal{}, ErrInvalidCredentials
	}
	if user.Status != UserStatusActive {
		return Principal{}, ErrAccountDisabled
	}
	if user.MFAEnabled {
		if err := v.checkMFA(ctx, user, otp); err != nil {
			return Principal{}, err
		}
	}

	if v.hasher.NeedsUpgrade(user.PasswordHash) {
		v.upgradeHash(ctx, user, password)
	}
	return v.principalFor(ctx, user)
}

func (v *Verifier) checkMFA(ctx context.Context, user *User, otp string) error {
	otp = strings.TrimSpace(otp)
	if otp == "" || v.mfa == nil {
		return ErrMFARequired
	}
	ok, err := v.mfa.VerifyCode(ctx, user, otp)
	if err != nil {
		return fmt.Errorf("verify otp: %w", err)
	}
	if !ok {
		return ErrInvalidCredentials
	}
	return nil
}

func (v *Verifier) upgradeHash(ctx context.Context, user *User, password string) {
	hash, err := v.hasher.Hash(password)
	if err == nil {
		err = v.users.UpdatePasswordHash(ctx, user.ID, hash)
	}
	if err != nil {
		obs.Warn("password_hash_upgrade_failed", map[string]any{"user_id": user.ID, "error": err})
		return
	}
	obs.Info("password_hash_upgraded", map[string]any{"user_id": user.ID})
}

// ProxyCanonical is the string a trusted proxy signs.
func ProxyCanonical(a ProxyAssertion) string {
	return strings.Join([]string{"v1", a.Subject, a.OrganizationID, a.Role, strconv.FormatInt(a.Timestamp, 10)}, "\n")
}

// SignProxyAssertion returns the hex HMAC-SHA256 of the canonical assertion.
func SignProxyAssertion(secret []byte, a ProxyAssertion) string {
	mac := hmac.New(sha256.New, secret)
	mac.Write([]byte(ProxyCanonical(a)))
	return hex.EncodeToString(mac.Sum(nil))
}

// VerifyProxy checks an identity asserted by an internal proxy. The asserted
// subject must exist and carry the asserted organization and role.
func (v *Verifier) VerifyProxy(ctx context.Context, a ProxyAssertion) (Principal, error) {
	if len(v.proxySecret) == 0 {
		return Principal{}, ErrSignatureMismatch
	}
	if a.Subject == "" || a.Role == "" || a.Signature == "" || a.Timestamp == 0 {
		return Principal{}, ErrMalformedToken
	}
	given, err := hex.DecodeString(a.Signature)
	if err != nil {
		return Principal{}, ErrMalformedToken
	}
	mac := hmac.New(sha256.New, v.proxySecret)
	mac.Write([]byte(ProxyCanonical(a)))
	if !hmac.Equal(given, mac.Sum(nil)) {
		return Principal{}, ErrSignatureMismatch
	}
	drift := v.now().Sub(time.Unix(a.Timestamp, 0))
	if drift < 0 {
		drift = -drift
	}
	if drift > v.proxySkew {
		return Principal{}, ErrExpiredToken
	}

	user, err := v.users.Find(ctx, a.Subject)
	if errors.Is(err, ErrNotFound) {
		return Principal{}, ErrInvalidCredentials
	}
	if err != nil {
		return Principal{}, fmt.Errorf("find user: %w", err)
	}
	if user.Status != UserStatusActive {
		return Principal{}, ErrAccountDisabled
	}
	if user.Role != a.Role {
		return Principal{}, ErrInvalidCredentials
	}
	if user.OrganizationID != a.OrganizationID {
		return Principal{}, ErrTenantMismatch
	}
	return v.principalFor(ctx, user)
}

// VerifyCapability checks the shared kiosk key.
func (v *Verifier) VerifyCapability(ctx context.Context, key string) (Principal, error) {
	digest := sha256.Sum256([]byte(key))
	if !v.capabilitySet || subtle.ConstantTimeCompare(digest[:], v.capabilityDigest[:]) != 1 {
		return Principal{}, ErrInvalidCredentials
	}
	features, err := v.orgs.Features(ctx, v.capabilityOrg)
	if err != nil {
		return Principal{}, fmt.Errorf("load features: %w", err)
	}
	return v.catalog.Derive(Principal{
		ID:             "capability:" + v.capabilityOrg,
		Kind:           KindCapability,
		Role:           RoleCapability,
		OrganizationID: v.capabilityOrg,
		Features:       features,
	}), nil
}

// PrincipalForSession rebuilds the principal behind a validated session.
// Role, hidden keys and features are read fresh so changes apply on the next
// request.
func (v *Verifier) PrincipalForSession(ctx context.Context, s *Session) (Principal, error) {
	if s.Kind == KindCapability {
		features, err := v.orgs.Features(ctx, s.OrganizationID)
		if err != nil {
			return Principal{}, fmt.Errorf("load features: %w", err)
		}
		return v.catalog.Derive(Principal{
			ID: s.PrincipalID, Kind: KindCapability, Role: RoleCapability,
			OrganizationID: s.OrganizationID, SessionID: s.ID, Features: features,
		}), nil
	}
	user, err := v.users.Find(ctx, s.PrincipalID)
	if errors.Is(err, ErrNotFound) {
		return Principal{}, ErrRevokedSession
	}
	if err != nil {
		return Principal{}, fmt.Errorf("find user: %w", err)
	}
	if user.Status != UserStatusActive {
		return Principal{}, ErrAccountDisabled
	}
	if user.OrganizationID != s.OrganizationID {
		return Principal{}, ErrTenantMismatch
	}
	p, err := v.principalFor(ctx, user)
	if err != nil {
		return Principal{}, err
	}
	p.SessionID = s.ID
	return p, nil
}

// PrincipalForUser builds the principal of an active user by id.
func (v *Verifier) PrincipalForUser(ctx context.Context, userID string) (Principal, error) {
	user, err := v.users.Find(ctx, userID)
	if errors.Is(err, ErrNotFound) {
		return Principal{}, ErrInvalidCredentials
	}
	if err != nil {
		return Principal{}, fmt.Errorf("find user: %w", err)
	}
	if user.Status != UserStatusActive {
		return Principal{}, ErrAccountDisabled
	}
	return v.principalFor(ctx, user)
}

// PrincipalInOrganization re-derives p against the module switches of orgID.
// Used when a super principal acts inside an organization it does not belong to.
func (v *Verifier) PrincipalInOrganization(ctx context.Context, p Principal, orgID string) (Principal, error) {
	features, err := v.orgs.Features(ctx, orgID)
	if err != nil {
		return Principal{}, fmt.Errorf("load features: %w", err)
	}
	p.Features = features
	return v.catalog.Derive(p), nil
}

func (v *Verifier) principalFor(ctx context.Context, user *User) (Principal, error) {
	if !v.catalog.HasRole(user.Role) || user.Role == RoleCapability {
		obs.Warn("principal_unknown_role", map[string]any{"user_id": user.ID, "role": user.Role})
		return Principal{}, ErrInvalidCredentials
	}
	if user.Role == RoleSuper && user.OrganizationID != "" {
		return Principal{}, ErrInvalidCredentials
	}
	var features OrgFeatures
	if user.OrganizationID != "" {
		f, err := v.orgs.Features(ctx, user.OrganizationID)
		if err != nil {
			return Principal{}, fmt.Errorf("load features: %w", err)
		}
		features = f
	}
	return v.catalog.Derive(Principal{
		ID:             user.ID,
		Kind:           user.Kind,
		Role:           user.Role,
		OrganizationID: user.OrganizationID,
		Features:       features,
		Hidden:         append([]string(nil), user.HiddenPermissions...),
	}), nil
}
