// Package mem holds in-memory stores used by tests and local development.
package mem

import (
	"context"
	"sort"
	"strings"
	"sync"
	"time"

	"sweepdesk.io/internal/audit"
	"sweepdesk.io/internal/auth"
	"sweepdesk.io/internal/tenant"
)

// Users is an in-memory auth.UserStore.
type Users struct {
	mu      sync.RWMutex
	byID    map[string]*auth.User
	byLogin map[string]string
}

func NewUsers() *Users {
	return &Users{byID: make(map[string]*auth.User), byLogin: make(map[string]string)}
}

// Put inserts or replaces a user.
func (s *Users) Put(u auth.User) {
	s.mu.Lock()
	defer s.mu.Unlock()
	u.Login = strings.ToLower(u.Login)
	u.HiddenPermissions = append([]string(nil), u.HiddenPermissions...)
	s.byID[u.ID] = &u
	s.byLogin[u.Login] = u.ID
}

func (s *Users) Find(_ context.Context, id string) (*auth.User, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	u, ok := s.byID[id]
	if !ok {
		return nil, auth.ErrNotFound
	}
	cp := *u
	return &cp, nil
}

func (s *Users) FindByLogin(ctx context.Context, login string) (*auth.User, error) {
	s.mu.RLock()
	id, ok := s.byLogin[strings.ToLower(login)]
	s.mu.RUnlock()
	if !ok {
		return nil, auth.ErrNotFound
	}
	return s.Find(ctx, id)
}

func (s *Users) UpdatePasswordHash(_ context.Context, userID, hash string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	u, ok := s.byID[userID]
	if !ok {
		return auth.ErrNotFound
	}
	u.PasswordHash = hash
	u.UpdatedAt = time.Now().UTC()
	return nil
}

// Sessions is an in-memory auth.SessionStore.
type Sessions struct {
	mu       sync.Mutex
	sessions map[string]*auth.Session
	refresh  map[string]*auth.RefreshToken
}

func NewSessions() *Sessions {
	return &Sessions{sessions: make(map[string]*auth.Session), refresh: make(map[string]*auth.RefreshToken)}
}

func (s *Sessions) Create(_ context.Context, sess *auth.Session, first *auth.RefreshToken) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, exists := s.sessions[sess.ID]; exists {
		return auth.ErrConflict
	}
	cp := *sess
	s.sessions[sess.ID] = &cp
	rt := *first
	s.refresh[rt.ID] = &rt
	return nil
}

func (s *Sessions) Find(_ context.Context, id string) (*auth.Session, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	sess, ok := s.sessions[id]
	if !ok {
		return nil, auth.ErrNotFound
	}
	cp := *sess
	return &cp, nil
}

func (s *Sessions) FindRefresh(_ context.Context, id string) (*auth.RefreshToken, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	rt, ok := s.refresh[id]
	if !ok {
		return nil, auth.ErrNotFound
	}
	cp := *rt
	return &cp, nil
}

func (s *Sessions) RotateRefresh(_ context.Context, sessionID, expectedID string, next *auth.RefreshToken, at time.Time) (*auth.Session, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	sess, ok := s.sessions[sessionID]
	if !ok {
		return nil, auth.ErrNotFound
	}
	if sess.Revoked() || sess.CurrentRefreshID != expectedID {
		return nil, auth.ErrConflict
	}
	if prev, ok := s.refresh[expectedID]; ok {
		rotated := at
		prev.RotatedAt = &rotated
	}
	rt := *next
	s.refresh[rt.ID] = &rt
	sess.CurrentRefreshID = rt.ID
	sess.Generation++
	cp := *sess
	return &cp, nil
}

func (s *Sessions) Revoke(_ context.Context, sessionID, reason string, at time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	sess, ok := s.sessions[sessionID]
	if !ok {
		return auth.ErrNotFound
	}
	if sess.Revoked() {
		return nil
	}
	revoked := at
	sess.RevokedAt = &revoked
	sess.RevokeReason = reason
	return nil
}

func (s *Sessions) SweepExpired(_ context.Context, now time.Time) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	n := 0
	for _, sess := range s.sessions {
		if sess.Revoked() || now.Before(sess.ExpiresAt) {
			continue
		}
		revoked := now
		sess.RevokedAt = &revoked
		sess.RevokeReason = auth.RevokeExpired
		n++
	}
	return n, nil
}

// Organizations is an in-memory auth.OrganizationStore.
type Organizations struct {
	mu       sync.RWMutex
	features map[string]auth.OrgFeatures
}

func NewOrganizations() *Organizations {
	return &Organizations{features: make(map[string]auth.OrgFeatures)}
}

// DisableModules replaces the disabled module list of orgID.
func (s *Organizations) DisableModules(orgID string, modules ...string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.features[orgID] = auth.OrgFeatures{OrganizationID: orgID, DisabledModules: append([]string(nil), modules...)}
}

func (s *Organizations) Features(_ context.Context, orgID string) (auth.OrgFeatures, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	f, ok := s.features[orgID]
	if !ok {
		return auth.OrgFeatures{OrganizationID: orgID}, nil
	}
	f.DisabledModules = append([]string(nil), f.DisabledModules...)
	return f, nil
}

// AuditLog is an in-memory audit.Store.
type AuditLog struct {
	mu      sync.RWMutex
	records []audit.Record
}

func NewAuditLog() *AuditLog { return &AuditLog{} }

func (s *AuditLog) Append(_ context.Context, r audit.Record) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.records = append(s.records, r)
	return nil
}

// List returns the records visible in ctx's tenant scope, newest first. A
// super scope sees every organization.
func (s *AuditLog) List(ctx context.Context, limit int) ([]audit.Record, error) {
	scope, ok := tenant.FromContext(ctx)
	if !ok || !scope.Valid() {
		return nil, auth.ErrUnscopedAccess
	}
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []audit.Record
	for _, r := range s.records {
		if scope.Super || r.OrganizationID == scope.OrganizationID {
			out = append(out, r)
		}
	}
	sort.SliceStable(out, func(i, j int) bool { return out[i].OccurredAt.After(out[j].OccurredAt) })
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

// All returns every record in append order.
func (s *AuditLog) All() []audit.Record {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return append([]audit.Record(nil), s.records...)
}

var (
	_ auth.UserStore         = (*Users)(nil)
	_ auth.SessionStore      = (*Sessions)(nil)
	_ auth.OrganizationStore = (*Organizations)(nil)
	_ audit.Store            = (*AuditLog)(nil)
)
