package auth_test

import (
	"context"
	"errors"
	"strings"
	"testing"
	"time"

	"golang.org/x/crypto/bcrypt"

	"sweepdesk.io/internal/auth"
	"sweepdesk.io/internal/store/mem"
)

var testArgon = auth.Argon2Params{Time: 1, Memory: 8 * 1024, Threads: 1}

type verifierFixture struct {
	users    *mem.Users
	orgs     *mem.Organizations
	catalog  *auth.Catalog
	hasher   *auth.PasswordHasher
	verifier *auth.Verifier
	now      time.Time
}

func newVerifierFixture(t *testing.T, opts ...auth.VerifierOption) *verifierFixture {
	t.Helper()
	catalog, err := auth.DefaultCatalog()
	if err != nil {
		t.Fatalf("catalog: %v", err)
	}
	f := &verifierFixture{
		users:   mem.NewUsers(),
		orgs:    mem.NewOrganizations(),
		catalog: catalog,
		hasher:  auth.NewPasswordHasher(testArgon),
		now:     time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC),
	}
	base := []auth.VerifierOption{
		auth.WithHasher(f.hasher),
		auth.WithVerifierClock(func() time.Time { return f.now }),
	}
	f.verifier, err = auth.NewVerifier(f.users, f.orgs, catalog, append(base, opts...)...)
	if err != nil {
		t.Fatalf("verifier: %v", err)
	}
	return f
}

func (f *verifierFixture) addUser(t *testing.T, u auth.User, password string) {
	t.Helper()
	if u.PasswordHash == "" {
		hash, err := f.hasher.Hash(password)
		if err != nil {
			t.Fatalf("hash: %v", err)
		}
		u.PasswordHash = hash
	}
	if u.Status == "" {
		u.Status = auth.UserStatusActive
	}
	if u.Kind == "" {
		u.Kind = auth.KindTenantUser
	}
	f.users.Put(u)
}

func TestVerifyPassword(t *testing.T) {
	f := newVerifierFixture(t)
	f.addUser(t, auth.User{ID: "u1", OrganizationID: "org-a", Login: "Viewer@Example.com", Role: auth.RoleViewer,
		HiddenPermissions: []string{auth.PermReportsRead}}, "pw-1")
	f.addUser(t, auth.User{ID: "u2", OrganizationID: "org-a", Login: "off@example.com", Role: auth.RoleViewer,
		Status: auth.UserStatusDisabled}, "pw-2")

	p, err := f.verifier.VerifyPassword(context.Background(), " viewer@example.com ", "pw-1", "")
	if err != nil {
		t.Fatalf("verify: %v", err)
	}
	if p.ID != "u1" || p.OrganizationID != "org-a" || p.Role != auth.RoleViewer || p.Kind != auth.KindTenantUser {
		t.Fatalf("unexpected principal: %+v", p)
	}
	if !p.HasPermission(auth.PermBookingsRead) || p.HasPermission(auth.PermReportsRead) {
		t.Fatalf("permission set not derived correctly: %v", p.Permissions)
	}

	cases := []struct {
		name, login, password string
		want                  error
	}{
		{"wrong password", "viewer@example.com", "nope", auth.ErrInvalidCredentials},
		{"unknown login", "ghost@example.com", "pw-1", auth.ErrInvalidCredentials},
		{"empty password", "viewer@example.com", "", auth.ErrInvalidCredentials},
		{"disabled", "off@example.com", "pw-2", auth.ErrAccountDisabled},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			_, err := f.verifier.VerifyPassword(context.Background(), tc.login, tc.password, "")
			if !errors.Is(err, tc.want) {
				t.Fatalf("err = %v, want %v", err, tc.want)
			}
		})
	}
}

func TestVerifyPasswordUpgradesLegacyHash(t *testing.T) {
	f := newVerifierFixture(t)
	legacy, err := auth.LegacyBcryptHash("old-pass", bcrypt.MinCost)
	if err != nil {
		t.Fatalf("bcrypt: %v", err)
	}
	f.addUser(t, auth.User{ID: "u1", OrganizationID: "org-a", Login: "legacy@example.com", Role: auth.RoleManager,
		PasswordHash: legacy}, "")

	first, err := f.verifier.VerifyPassword(context.Background(), "legacy@example.com", "old-pass", "")
	if err != nil {
		t.Fatalf("verify legacy: %v", err)
	}
	stored, _ := f.users.Find(context.Background(), "u1")
	if !strings.HasPrefix(stored.PasswordHash, "$argon2id$") {
		t.Fatalf("hash not upgraded: %s", stored.PasswordHash)
	}
	second, err := f.verifier.VerifyPassword(context.Background(), "legacy@example.com", "old-pass", "")
	if err != nil {
		t.Fatalf("verify upgraded: %v", err)
	}
	if len(first.Permissions) != len(second.Permissions) {
		t.Fatalf("upgrade changed permission outcome")
	}
}

type failingUpgradeStore struct {
	auth.UserStore
}

func (failingUpgradeStore) UpdatePasswordHash(context.Context, string, string) error {
	return errors.New("read-only replica")
}

func TestVerifyPasswordUpgradeFailureKeepsLogin(t *testing.T) {
	catalog, _ := auth.DefaultCatalog()
	users := mem.NewUsers()
	legacy, _ := auth.LegacyBcryptHash("old-pass", bcrypt.MinCost)
	users.Put(auth.User{ID: "u1", OrganizationID: "org-a", Login: "l@example.com", Kind: auth.KindWorker,
		Role: auth.RoleWorker, Status: auth.UserStatusActive, PasswordHash: legacy})
	v, err := auth.NewVerifier(failingUpgradeStore{users}, mem.NewOrganizations(), catalog,
		auth.WithHasher(auth.NewPasswordHasher(testArgon)))
	if err != nil {
		t.Fatalf("verifier: %v", err)
	}
	if _, err := v.VerifyPassword(context.Background(), "l@example.com", "old-pass", ""); err != nil {
		t.Fatalf("login should succeed despite upgrade failure: %v", err)
	}
}

func TestVerifyPasswordMFA(t *testing.T) {
	var seen string
	mfa := auth.MFAVerifierFunc(func(ctx context.Context, u *auth.User, code string) (bool, error) {
		seen = code
		return code == "123456", ctx.Err()
	})
	f := newVerifierFixture(t, auth.WithMFAVerifier(mfa))
	f.addUser(t, auth.User{ID: "u1", OrganizationID: "org-a", Login: "mfa@example.com", Role: auth.RoleAdmin,
		Kind: auth.KindAdministrator, MFAEnabled: true}, "pw")

	if _, err := f.verifier.VerifyPassword(context.Background(), "mfa@example.com", "pw", ""); !errors.Is(err, auth.ErrMFARequired) {
		t.Fatalf("missing otp: err = %v", err)
	}
	if _, err := f.verifier.VerifyPassword(context.Background(), "mfa@example.com", "pw", "000000"); !errors.Is(err, auth.ErrInvalidCredentials) {
		t.Fatalf("wrong otp: err = %v", err)
	}
	if _, err := f.verifier.VerifyPassword(context.Background(), "mfa@example.com", "pw", "123456"); err != nil {
		t.Fatalf("valid otp: %v", err)
	}
	if seen != "123456" {
		t.Fatalf("mfa verifier not consulted")
	}

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	if _, err := f.verifier.VerifyPassword(ctx, "mfa@example.com", "pw", "123456"); !errors.Is(err, context.Canceled) {
		t.Fatalf("cancelled otp check: err = %v", err)
	}
}

func TestVerifyProxy(t *testing.T) {
	secret := []byte("proxy-shared-secret")
	f := newVerifierFixture(t, auth.WithProxySecret(secret, 30*time.Second))
	f.addUser(t, auth.User{ID: "u7", OrganizationID: "org-a", Login: "p@example.com", Role: auth.RoleManager}, "pw")

	sign := func(a auth.ProxyAssertion) auth.ProxyAssertion {
		a.Signature = auth.SignProxyAssertion(secret, a)
		return a
	}
	valid := sign(auth.ProxyAssertion{Subject: "u7", OrganizationID: "org-a", Role: auth.RoleManager, Timestamp: f.now.Unix()})

	p, err := f.verifier.VerifyProxy(context.Background(), valid)
	if err != nil {
		t.Fatalf("verify proxy: %v", err)
	}
	if p.ID != "u7" || !p.HasPermission(auth.PermDispatchManage) {
		t.Fatalf("unexpected principal: %+v", p)
	}

	tampered := valid
	tampered.Role = auth.RoleOwner
	forged := sign(auth.ProxyAssertion{Subject: "u7", OrganizationID: "org-a", Role: auth.RoleManager, Timestamp: f.now.Unix()})
	forged.Signature = auth.SignProxyAssertion([]byte("other"), forged)

	cases := []struct {
		name string
		a    auth.ProxyAssertion
		want error
	}{
		{"tampered role", tampered, auth.ErrSignatureMismatch},
		{"wrong secret", forged, auth.ErrSignatureMismatch},
		{"stale", sign(auth.ProxyAssertion{Subject: "u7", OrganizationID: "org-a", Role: auth.RoleManager,
			Timestamp: f.now.Add(-31 * time.Second).Unix()}), auth.ErrExpiredToken},
		{"future", sign(auth.ProxyAssertion{Subject: "u7", OrganizationID: "org-a", Role: auth.RoleManager,
			Timestamp: f.now.Add(time.Minute).Unix()}), auth.ErrExpiredToken},
		{"other org", sign(auth.ProxyAssertion{Subject: "u7", OrganizationID: "org-b", Role: auth.RoleManager,
			Timestamp: f.now.Unix()}), auth.ErrTenantMismatch},
		{"escalated role", sign(auth.ProxyAssertion{Subject: "u7", OrganizationID: "org-a", Role: auth.RoleOwner,
			Timestamp: f.now.Unix()}), auth.ErrInvalidCredentials},
		{"not hex", auth.ProxyAssertion{Subject: "u7", Role: "x", Timestamp: 1, Signature: "zz"}, auth.ErrMalformedToken},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			if _, err := f.verifier.VerifyProxy(context.Background(), tc.a); !errors.Is(err, tc.want) {
				t.Fatalf("err = %v, want %v", err, tc.want)
			}
		})
	}
}

func TestVerifyProxyDisabledWithoutSecret(t *testing.T) {
	f := newVerifierFixture(t)
	a := auth.ProxyAssertion{Subject: "u1", OrganizationID: "org-a", Role: auth.RoleViewer, Timestamp: f.now.Unix()}
	a.Signature = auth.SignProxyAssertion(nil, a)
	if _, err := f.verifier.VerifyProxy(context.Background(), a); !errors.Is(err, auth.ErrSignatureMismatch) {
		t.Fatalf("err = %v", err)
	}
}

func TestVerifyCapability(t *testing.T) {
	f := newVerifierFixture(t, auth.WithCapabilityKey("kiosk-key", "org-a"))
	p, err := f.verifier.VerifyCapability(context.Background(), "kiosk-key")
	if err != nil {
		t.Fatalf("verify capability: %v", err)
	}
	if p.Kind != auth.KindCapability || p.Role != auth.RoleCapability || p.OrganizationID != "org-a" {
		t.Fatalf("unexpected principal: %+v", p)
	}
	if !p.HasPermission(auth.PermBookingsRead) || p.HasPermission(auth.PermBookingsWrite) {
		t.Fatalf("capability permissions wrong: %v", p.Permissions)
	}
	if _, err := f.verifier.VerifyCapability(context.Background(), "guess"); !errors.Is(err, auth.ErrInvalidCredentials) {
		t.Fatalf("wrong key: err = %v", err)
	}

	unset := newVerifierFixture(t)
	if _, err := unset.verifier.VerifyCapability(context.Background(), ""); !errors.Is(err, auth.ErrInvalidCredentials) {
		t.Fatalf("unconfigured key: err = %v", err)
	}
}
