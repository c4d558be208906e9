package auth

import (
	"errors"
	"net/http"
)

var (
	ErrInvalidCredentials = errors.New("auth: invalid credentials")
	ErrAccountDisabled    = errors.New("auth: account disabled")
	ErrExpiredToken       = errors.New("auth: expired token")
	ErrRevokedSession     = errors.New("auth: revoked session")
	ErrSignatureMismatch  = errors.New("auth: signature mismatch")
	ErrMalformedToken     = errors.New("auth: malformed token")
	ErrMFARequired        = errors.New("auth: mfa required")
	ErrTenantMismatch     = errors.New("auth: tenant mismatch")
	ErrPermissionDenied   = errors.New("auth: permission denied")
	ErrUnscopedAccess     = errors.New("auth: unscoped access attempt")
	ErrRateLimited        = errors.New("auth: rate limited")

	ErrNotFound     = errors.New("auth: not found")
	ErrConflict     = errors.New("auth: conflict")
	ErrInvalidInput = errors.New("auth: invalid input")
)

// Stable machine-readable error kinds surfaced to clients and audit records.
const (
	KindInvalidCredentials = "invalid_credentials"
	KindAccountDisabled    = "account_disabled"
	KindExpiredToken       = "expired_token"
	KindRevokedSession     = "revoked_session"
	KindSignatureMismatch  = "signature_mismatch"
	KindMalformedToken     = "malformed_token"
	KindMFARequired        = "mfa_required"
	KindTenantMismatch     = "tenant_mismatch"
	KindPermissionDenied   = "permission_denied"
	KindUnscopedAccess     = "unscoped_access"
	KindRateLimited        = "rate_limited"
	KindNotFound           = "not_found"
	KindConflict           = "conflict"
	KindInvalidInput       = "invalid_input"
	KindInternal           = "internal"
)

var kinds = []struct {
	err  error
	kind string
}{
	{ErrInvalidCredentials, KindInvalidCredentials},
	{ErrAccountDisabled, KindAccountDisabled},
	{ErrExpiredToken, KindExpiredToken},
	{ErrRevokedSession, KindRevokedSession},
	{ErrSignatureMismatch, KindSignatureMismatch},
	{ErrMalformedToken, KindMalformedToken},
	{ErrMFARequired, KindMFARequired},
	{ErrTenantMismatch, KindTenantMismatch},
	{ErrPermissionDenied, KindPermissionDenied},
	{ErrUnscopedAccess, KindUnscopedAccess},
	{ErrRateLimited, KindRateLimited},
	{ErrNotFound, KindNotFound},
	{ErrConflict, KindConflict},
	{ErrInvalidInput, KindInvalidInput},
}

// KindOf maps err to its stable kind. Anything outside the taxonomy is
// reported as "internal" so callers never leak details.
func KindOf(err error) string {
	if err == nil {
		return ""
	}
	for _, k := range kinds {
		if errors.Is(err, k.err) {
			return k.kind
		}
	}
	return KindInternal
}

// IsAuthentication reports whether err belongs to the 401 class.
func IsAuthentication(err error) bool {
	switch KindOf(err) {
	case KindInvalidCredentials, KindAccountDisabled, KindExpiredToken, KindRevokedSession,
		KindSignatureMismatch, KindMalformedToken, KindMFARequired:
		return true
	}
	return false
}

// IsAuthorization reports whether err belongs to the 403 class.
func IsAuthorization(err error) bool {
	switch KindOf(err) {
	case KindTenantMismatch, KindPermissionDenied:
		return true
	}
	return false
}

// Message returns the generic, enumeration-safe message for a kind.
func Message(kind string) string {
	switch kind {
	case KindInvalidCredentials, KindAccountDisabled:
		return "authentication failed"
	case KindExpiredToken, KindRevokedSession, KindSignatureMismatch, KindMalformedToken:
		return "invalid or expired credentials"
	case KindMFARequired:
		return "additional verification required"
	case KindTenantMismatch, KindPermissionDenied:
		return "access denied"
	case KindRateLimited:
		return "too many attempts"
	case KindNotFound:
		return "not found"
	case KindConflict:
		return "conflict"
	case KindInvalidInput:
		return "invalid request"
	default:
		return "internal error"
	}
}

// HTTPStatus maps a kind to its response status. Unauthenticated access is
// 401, a known principal without access is 403.
func HTTPStatus(kind string) int {
	switch kind {
	case "":
		return http.StatusOK
	case KindInvalidCredentials, KindAccountDisabled, KindExpiredToken, KindRevokedSession,
		KindSignatureMismatch, KindMalformedToken, KindMFARequired:
		return http.StatusUnauthorized
	case KindTenantMismatch, KindPermissionDenied:
		return http.StatusForbidden
	case KindRateLimited:
		return http.StatusTooManyRequests
	case KindNotFound:
		return http.StatusNotFound
	case KindConflict:
		return http.StatusConflict
	case KindInvalidInput:
		return http.StatusBadRequest
	default:
		return http.StatusInternalServerError
	}
}
