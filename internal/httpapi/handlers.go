package httpapi

import (
	"errors"
	"fmt"
	"net/http"
	"sort"
	"strconv"
	"strings"

	"sweepdesk.io/internal/access"
	"sweepdesk.io/internal/auth"
)

type loginRequest struct {
	Login    string `json:"login"`
	Password string `json:"password"`
	OTP      string `json:"otp,omitempty"`
}

type refreshRequest struct {
	RefreshToken string `json:"refresh_token"`
}

type meResponse struct {
	ID             string   `json:"id"`
	Kind           string   `json:"kind"`
	Role           string   `json:"role"`
	OrganizationID string   `json:"organization_id,omitempty"`
	SessionID      string   `json:"session_id,omitempty"`
	ActiveOrg      string   `json:"active_organization_id,omitempty"`
	Permissions    []string `json:"permissions"`
}

func (a *API) handleLogin(w http.ResponseWriter, r *http.Request) {
	var req loginRequest
	if err := decodeJSON(w, r, &req); err != nil {
		writeError(w, r, err)
		return
	}
	pair, _, err := a.core.Login(r.Context(), access.LoginRequest{
		Login:    req.Login,
		Password: req.Password,
		OTP:      req.OTP,
		ClientIP: remoteIP(r),
	})
	if err != nil {
		if errors.Is(err, auth.ErrRateLimited) {
			w.Header().Set("Retry-After", "60")
		}
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, pair)
}

func (a *API) handleRefresh(w http.ResponseWriter, r *http.Request) {
	var req refreshRequest
	if err := decodeJSON(w, r, &req); err != nil {
		writeError(w, r, err)
		return
	}
	if strings.TrimSpace(req.RefreshToken) == "" {
		writeError(w, r, fmt.Errorf("%w: refresh_token is required", auth.ErrInvalidInput))
		return
	}
	pair, err := a.core.Refresh(r.Context(), req.RefreshToken)
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, pair)
}

func (a *API) handleLogout(w http.ResponseWriter, r *http.Request, rs *access.RequestScope) error {
	if err := a.core.Logout(r.Context(), rs); err != nil {
		return err
	}
	w.WriteHeader(http.StatusNoContent)
	return nil
}

func (a *API) handleMe(w http.ResponseWriter, r *http.Request, rs *access.RequestScope) error {
	p := rs.Principal
	perms := make([]string, 0, len(p.Permissions))
	for k := range p.Permissions {
		perms = append(perms, k)
	}
	sort.Strings(perms)
	writeJSON(w, http.StatusOK, meResponse{
		ID:             p.ID,
		Kind:           string(p.Kind),
		Role:           p.Role,
		OrganizationID: p.OrganizationID,
		SessionID:      p.SessionID,
		ActiveOrg:      rs.Scope.OrganizationID,
		Permissions:    perms,
	})
	return nil
}

func (a *API) handleRevokeSession(w http.ResponseWriter, r *http.Request, rs *access.RequestScope) error {
	if err := a.core.RevokeSession(r.Context(), rs, r.PathValue("id")); err != nil {
		return err
	}
	w.WriteHeader(http.StatusNoContent)
	return nil
}

func (a *API) handleAuditList(w http.ResponseWriter, r *http.Request, rs *access.RequestScope) error {
	limit := 100
	if raw := strings.TrimSpace(r.URL.Query().Get("limit")); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil || n < 1 || n > 1000 {
			return fmt.Errorf("%w: limit must be between 1 and 1000", auth.ErrInvalidInput)
		}
		limit = n
	}
	records, err := a.auditLog.List(rs.Context(r.Context()), limit)
	if err != nil {
		return err
	}
	writeJSON(w, http.StatusOK, map[string]any{"records": records})
	return nil
}
