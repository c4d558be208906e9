package ids

import "testing"

func TestNewIsMonotonic(t *testing.T) {
	prev := New()
	for i := 0; i < 100; i++ {
		next := New()
		if next <= prev {
			t.Fatalf("expected %s > %s", next, prev)
		}
		prev = next
	}
}

func TestSecretLength(t *testing.T) {
	s, err := Secret(32)
	if err != nil {
		t.Fatalf("Secret: %v", err)
	}
	if len(s) != 43 {
		t.Fatalf("unexpected encoded length %d", len(s))
	}
	other, _ := Secret(32)
	if s == other {
		t.Fatalf("expected distinct secrets")
	}
}
