package auth

import (
	"errors"
	"strings"
	"testing"

	"golang.org/x/crypto/bcrypt"
)

var fastArgon = Argon2Params{Time: 1, Memory: 8 * 1024, Threads: 1}

func TestPasswordHasherRoundTrip(t *testing.T) {
	h := NewPasswordHasher(fastArgon)
	encoded, err := h.Hash("s3cret-pass")
	if err != nil {
		t.Fatalf("hash: %v", err)
	}
	if !strings.HasPrefix(encoded, "$argon2id$v=19$m=8192,t=1,p=1$") {
		t.Fatalf("unexpected encoding: %s", encoded)
	}
	ok, err := h.Verify(encoded, "s3cret-pass")
	if err != nil || !ok {
		t.Fatalf("verify correct password: ok=%v err=%v", ok, err)
	}
	ok, err = h.Verify(encoded, "wrong")
	if err != nil || ok {
		t.Fatalf("verify wrong password: ok=%v err=%v", ok, err)
	}
	if h.NeedsUpgrade(encoded) {
		t.Fatalf("fresh hash should not need upgrade")
	}
	if !NewPasswordHasher(Argon2Params{Time: 2, Memory: 8 * 1024, Threads: 1}).NeedsUpgrade(encoded) {
		t.Fatalf("weaker parameters should need upgrade")
	}
}

func TestPasswordHasherLegacyBcrypt(t *testing.T) {
	h := NewPasswordHasher(fastArgon)
	legacy, err := LegacyBcryptHash("old-pass", bcrypt.MinCost)
	if err != nil {
		t.Fatalf("bcrypt: %v", err)
	}
	ok, err := h.Verify(legacy, "old-pass")
	if err != nil || !ok {
		t.Fatalf("legacy verify: ok=%v err=%v", ok, err)
	}
	if ok, _ := h.Verify(legacy, "nope"); ok {
		t.Fatalf("legacy verify accepted wrong password")
	}
	if !h.NeedsUpgrade(legacy) {
		t.Fatalf("bcrypt hash should need upgrade")
	}
}

func TestPasswordHasherRejectsMalformed(t *testing.T) {
	h := NewPasswordHasher(fastArgon)
	for _, encoded := range []string{"", "plaintext", "$argon2id$v=19$m=x$a$b", "$argon2i$v=19$m=1,t=1,p=1$c2FsdA$a2V5"} {
		if _, err := h.Verify(encoded, "pw"); err == nil {
			t.Fatalf("expected error for %q", encoded)
		}
	}
	if _, err := h.Hash(""); err == nil {
		t.Fatalf("expected error for empty password")
	}
}

func TestPasswordHasherRejectsZeroCostParameters(t *testing.T) {
	h := NewPasswordHasher(fastArgon)
	for _, params := range []string{"m=8192,t=1,p=0", "m=8192,t=0,p=1", "m=0,t=1,p=1"} {
		encoded := "$argon2id$v=19$" + params + "$c2FsdHNhbHRzYWx0$a2V5a2V5a2V5a2V5"
		ok, err := h.Verify(encoded, "pw")
		if !errors.Is(err, errMalformedHash) || ok {
			t.Fatalf("%s: ok=%v err=%v, want malformed hash", params, ok, err)
		}
	}
}
