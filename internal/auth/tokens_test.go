package auth_test

import (
	"context"
	"errors"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/golang-jwt/jwt/v5"

	"sweepdesk.io/internal/auth"
	"sweepdesk.io/internal/store/mem"
)

var testSecret = []byte("0123456789abcdef0123456789abcdef")

type clock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *clock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *clock) Advance(d time.Duration) {
	c.mu.Lock()
	c.now = c.now.Add(d)
	c.mu.Unlock()
}

func newTokenService(t *testing.T) (*auth.TokenService, *mem.Sessions, *clock) {
	t.Helper()
	clk := &clock{now: time.Date(2026, 3, 1, 9, 0, 0, 0, time.UTC)}
	sessions := mem.NewSessions()
	svc, err := auth.NewTokenService(sessions, testSecret,
		auth.WithIssuer("sweepdesk-test"),
		auth.WithAccessTTL(5*time.Minute),
		auth.WithRefreshTTL(time.Hour),
		auth.WithClock(clk.Now),
	)
	if err != nil {
		t.Fatalf("token service: %v", err)
	}
	return svc, sessions, clk
}

var viewerA = auth.Principal{ID: "u1", Kind: auth.KindTenantUser, Role: auth.RoleViewer, OrganizationID: "org-a"}

func TestNewTokenServiceRejectsShortSecret(t *testing.T) {
	if _, err := auth.NewTokenService(mem.NewSessions(), []byte("short")); !errors.Is(err, auth.ErrInvalidInput) {
		t.Fatalf("err = %v", err)
	}
}

func TestIssueAndValidate(t *testing.T) {
	svc, _, _ := newTokenService(t)
	pair, err := svc.Issue(context.Background(), viewerA)
	if err != nil {
		t.Fatalf("issue: %v", err)
	}
	if pair.SessionID == "" || pair.AccessToken == "" || !strings.Contains(pair.RefreshToken, ".") {
		t.Fatalf("incomplete pair: %+v", pair)
	}
	sess, err := svc.Validate(context.Background(), pair.AccessToken)
	if err != nil {
		t.Fatalf("validate: %v", err)
	}
	if sess.ID != pair.SessionID || sess.OrganizationID != "org-a" || sess.PrincipalID != "u1" {
		t.Fatalf("unexpected session: %+v", sess)
	}

	claims := &auth.AccessClaims{}
	if _, _, err := jwt.NewParser().ParseUnverified(pair.AccessToken, claims); err != nil {
		t.Fatalf("parse claims: %v", err)
	}
	if claims.ID == "" || claims.Issuer != "sweepdesk-test" || claims.SessionID != pair.SessionID || claims.Role != auth.RoleViewer {
		t.Fatalf("claims incomplete: %+v", claims)
	}
}

func TestValidateRejections(t *testing.T) {
	svc, _, clk := newTokenService(t)
	pair, err := svc.Issue(context.Background(), viewerA)
	if err != nil {
		t.Fatalf("issue: %v", err)
	}

	sign := func(secret []byte, mutate func(*auth.AccessClaims)) string {
		claims := auth.AccessClaims{
			Role: auth.RoleViewer, OrganizationID: "org-a", Kind: auth.KindTenantUser, SessionID: pair.SessionID,
			RegisteredClaims: jwt.RegisteredClaims{
				Issuer: "sweepdesk-test", Subject: "u1",
				ExpiresAt: jwt.NewNumericDate(clk.Now().Add(time.Minute)),
			},
		}
		mutate(&claims)
		s, err := jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString(secret)
		if err != nil {
			t.Fatalf("sign: %v", err)
		}
		return s
	}
	parts := strings.Split(pair.AccessToken, ".")

	cases := []struct {
		name  string
		token string
		want  error
	}{
		{"garbage", "not-a-jwt", auth.ErrMalformedToken},
		{"bad signature", parts[0] + "." + parts[1] + ".AAAA", auth.ErrSignatureMismatch},
		{"foreign secret", sign([]byte("ffffffffffffffffffffffffffffffff"), func(*auth.AccessClaims) {}), auth.ErrSignatureMismatch},
		{"org claim swapped", sign(testSecret, func(c *auth.AccessClaims) { c.OrganizationID = "org-b" }), auth.ErrTenantMismatch},
		{"unknown session", sign(testSecret, func(c *auth.AccessClaims) { c.SessionID = "missing" }), auth.ErrRevokedSession},
		{"wrong issuer", sign(testSecret, func(c *auth.AccessClaims) { c.Issuer = "other" }), auth.ErrMalformedToken},
		{"no expiry", sign(testSecret, func(c *auth.AccessClaims) { c.ExpiresAt = nil }), auth.ErrMalformedToken},
		{"bad kind", sign(testSecret, func(c *auth.AccessClaims) { c.Kind = "robot" }), auth.ErrMalformedToken},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			if _, err := svc.Validate(context.Background(), tc.token); !errors.Is(err, tc.want) {
				t.Fatalf("err = %v, want %v", err, tc.want)
			}
		})
	}

	clk.Advance(6 * time.Minute)
	if _, err := svc.Validate(context.Background(), pair.AccessToken); !errors.Is(err, auth.ErrExpiredToken) {
		t.Fatalf("expired access: err = %v", err)
	}
}

func TestRevocationTakesEffectOnNextRequest(t *testing.T) {
	svc, _, _ := newTokenService(t)
	pair, err := svc.Issue(context.Background(), viewerA)
	if err != nil {
		t.Fatalf("issue: %v", err)
	}
	if _, err := svc.Validate(context.Background(), pair.AccessToken); err != nil {
		t.Fatalf("validate before revoke: %v", err)
	}
	if err := svc.Revoke(context.Background(), pair.SessionID, auth.RevokeAdmin); err != nil {
		t.Fatalf("revoke: %v", err)
	}
	if _, err := svc.Validate(context.Background(), pair.AccessToken); !errors.Is(err, auth.ErrRevokedSession) {
		t.Fatalf("validate after revoke: err = %v", err)
	}
	if _, err := svc.Refresh(context.Background(), pair.RefreshToken); !errors.Is(err, auth.ErrRevokedSession) {
		t.Fatalf("refresh after revoke: err = %v", err)
	}
}

func TestRefreshRotatesAndRejectsOldAccess(t *testing.T) {
	svc, _, clk := newTokenService(t)
	pair, err := svc.Issue(context.Background(), viewerA)
	if err != nil {
		t.Fatalf("issue: %v", err)
	}

	clk.Advance(6 * time.Minute)
	if _, err := svc.Validate(context.Background(), pair.AccessToken); !errors.Is(err, auth.ErrExpiredToken) {
		t.Fatalf("expected expired access, got %v", err)
	}
	next, err := svc.Refresh(context.Background(), pair.RefreshToken)
	if err != nil {
		t.Fatalf("refresh: %v", err)
	}
	if next.SessionID != pair.SessionID || next.RefreshToken == pair.RefreshToken {
		t.Fatalf("rotation did not produce a new refresh token in the same session")
	}
	if _, err := svc.Validate(context.Background(), next.AccessToken); err != nil {
		t.Fatalf("validate new access: %v", err)
	}

	// An access token minted before the rotation is stale even if unexpired.
	next2, err := svc.Refresh(context.Background(), next.RefreshToken)
	if err != nil {
		t.Fatalf("second refresh: %v", err)
	}
	if _, err := svc.Validate(context.Background(), next.AccessToken); !errors.Is(err, auth.ErrRevokedSession) {
		t.Fatalf("pre-rotation access token: err = %v", err)
	}
	if _, err := svc.Validate(context.Background(), next2.AccessToken); err != nil {
		t.Fatalf("latest access token: %v", err)
	}
}

func TestRefreshReuseRevokesSession(t *testing.T) {
	svc, sessions, _ := newTokenService(t)
	pair, err := svc.Issue(context.Background(), viewerA)
	if err != nil {
		t.Fatalf("issue: %v", err)
	}
	next, err := svc.Refresh(context.Background(), pair.RefreshToken)
	if err != nil {
		t.Fatalf("refresh: %v", err)
	}

	if _, err := svc.Refresh(context.Background(), pair.RefreshToken); !errors.Is(err, auth.ErrRevokedSession) {
		t.Fatalf("reuse: err = %v", err)
	}
	sess, _ := sessions.Find(context.Background(), pair.SessionID)
	if !sess.Revoked() || sess.RevokeReason != auth.RevokeRefreshReuse {
		t.Fatalf("session not revoked for reuse: %+v", sess)
	}
	if _, err := svc.Refresh(context.Background(), next.RefreshToken); !errors.Is(err, auth.ErrRevokedSession) {
		t.Fatalf("descendant token after reuse: err = %v", err)
	}
	if _, err := svc.Validate(context.Background(), next.AccessToken); !errors.Is(err, auth.ErrRevokedSession) {
		t.Fatalf("access after reuse: err = %v", err)
	}
}

func TestConcurrentRefreshHasSingleWinner(t *testing.T) {
	svc, _, _ := newTokenService(t)
	pair, err := svc.Issue(context.Background(), viewerA)
	if err != nil {
		t.Fatalf("issue: %v", err)
	}

	const racers = 8
	var wg sync.WaitGroup
	errs := make([]error, racers)
	for i := 0; i < racers; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			_, errs[i] = svc.Refresh(context.Background(), pair.RefreshToken)
		}(i)
	}
	wg.Wait()

	wins := 0
	for _, err := range errs {
		switch {
		case err == nil:
			wins++
		case errors.Is(err, auth.ErrRevokedSession):
		default:
			t.Fatalf("unexpected error: %v", err)
		}
	}
	if wins > 1 {
		t.Fatalf("%d refreshes won the same rotation", wins)
	}
}

func TestRefreshMalformedAndForged(t *testing.T) {
	svc, _, _ := newTokenService(t)
	pair, err := svc.Issue(context.Background(), viewerA)
	if err != nil {
		t.Fatalf("issue: %v", err)
	}
	id, _, _ := strings.Cut(pair.RefreshToken, ".")

	if _, err := svc.Refresh(context.Background(), "no-dot"); !errors.Is(err, auth.ErrMalformedToken) {
		t.Fatalf("malformed: err = %v", err)
	}
	if _, err := svc.Refresh(context.Background(), id+".forged"); !errors.Is(err, auth.ErrSignatureMismatch) {
		t.Fatalf("forged secret: err = %v", err)
	}
	if _, err := svc.Refresh(context.Background(), pair.RefreshToken); err != nil {
		t.Fatalf("forged attempt must not burn the real token: %v", err)
	}
}

func TestSweepRevokesExpiredSessions(t *testing.T) {
	svc, sessions, clk := newTokenService(t)
	pair, err := svc.Issue(context.Background(), viewerA)
	if err != nil {
		t.Fatalf("issue: %v", err)
	}
	clk.Advance(2 * time.Hour)
	n, err := svc.Sweep(context.Background())
	if err != nil || n != 1 {
		t.Fatalf("sweep: n=%d err=%v", n, err)
	}
	sess, _ := sessions.Find(context.Background(), pair.SessionID)
	if sess.RevokeReason != auth.RevokeExpired {
		t.Fatalf("reason = %q", sess.RevokeReason)
	}
	if _, err := svc.Refresh(context.Background(), pair.RefreshToken); !errors.Is(err, auth.ErrRevokedSession) {
		t.Fatalf("refresh after sweep: err = %v", err)
	}
}
