package auth

import "time"

// Kind classifies the authenticated actor.
type Kind string

const (
	KindAdministrator Kind = "administrator"
	KindWorker        Kind = "worker"
	KindTenantUser    Kind = "tenant_user"
	// KindCapability is a holder of the shared kiosk key. It never carries an
	// individual identity and only receives the capability role.
	KindCapability Kind = "capability"
)

// Valid reports whether k is a known principal kind.
func (k Kind) Valid() bool {
	switch k {
	case KindAdministrator, KindWorker, KindTenantUser, KindCapability:
		return true
	default:
		return false
	}
}

const (
	UserStatusActive   = "active"
	UserStatusDisabled = "disabled"
)

// Principal is the verified actor of a single request. It is rebuilt on every
// request and never persisted.
type Principal struct {
	ID             string
	Kind           Kind
	Role           string
	OrganizationID string
	SessionID      string
	Permissions    map[string]struct{}
	// Features and Hidden are the organization and per-user restrictions the
	// permission set was derived from.
	Features OrgFeatures
	Hidden   []string
}

// IsSuper reports whether the principal is the bootstrap super principal, the
// only one allowed to act without an organization.
func (p Principal) IsSuper() bool {
	return p.Role == RoleSuper && p.OrganizationID == ""
}

// HasPermission reports whether key is in the derived permission set.
func (p Principal) HasPermission(key string) bool {
	_, ok := p.Permissions[key]
	return ok
}

// User is the persisted credential record backing a principal.
type User struct {
	ID                string
	OrganizationID    string
	Login             string
	Kind              Kind
	Role              string
	PasswordHash      string
	Status            string
	MFAEnabled        bool
	HiddenPermissions []string
	CreatedAt         time.Time
	UpdatedAt         time.Time
}

// Session is a server-tracked, revocable continuation of authentication.
// OrganizationID is fixed at issuance.
type Session struct {
	ID               string
	PrincipalID      string
	OrganizationID   string
	Kind             Kind
	Role             string
	IssuedAt         time.Time
	ExpiresAt        time.Time
	RevokedAt        *time.Time
	RevokeReason     string
	CurrentRefreshID string
	Generation       int64
}

// Revoked reports whether the session was revoked.
func (s *Session) Revoked() bool { return s.RevokedAt != nil }

// RefreshToken is one link of a session's refresh lineage.
type RefreshToken struct {
	ID        string
	SessionID string
	ParentID  string
	TokenHash string
	IssuedAt  time.Time
	ExpiresAt time.Time
	RotatedAt *time.Time
}

// OrgFeatures holds organization level restrictions. Modules listed here are
// unreachable regardless of role.
type OrgFeatures struct {
	OrganizationID  string
	DisabledModules []string
}

// ModuleDisabled reports whether module is switched off for the organization.
func (f OrgFeatures) ModuleDisabled(module string) bool {
	for _, m := range f.DisabledModules {
		if m == module {
			return true
		}
	}
	return false
}

// TokenPair is returned on login and refresh.
type TokenPair struct {
	SessionID        string    `json:"session_id"`
	AccessToken      string    `json:"access_token"`
	RefreshToken     string    `json:"refresh_token"`
	AccessExpiresAt  time.Time `json:"access_expires_at"`
	RefreshExpiresAt time.Time `json:"refresh_expires_at"`
}

// ProxyAssertion is an identity asserted by a trusted internal proxy.
type ProxyAssertion struct {
	Subject        string
	OrganizationID string
	Role           string
	Timestamp      int64
	Signature      string
}
