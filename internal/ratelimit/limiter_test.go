package ratelimit

import (
	"context"
	"os"
	"sync"
	"sync/atomic"
	"testing"
	"time"
)

func TestMemoryAllowsUpToLimitThenResets(t *testing.T) {
	now := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	l := NewMemory(func() time.Time { return now }, 0)
	ctx := context.Background()

	for i := 1; i <= 3; i++ {
		d, err := l.Allow(ctx, "login:ana", 3, time.Minute)
		if err != nil || !d.Allowed || d.Remaining != 3-i {
			t.Fatalf("attempt %d: %+v err=%v", i, d, err)
		}
	}
	if d, _ := l.Allow(ctx, "login:ana", 3, time.Minute); d.Allowed {
		t.Fatalf("fourth attempt allowed")
	}
	if d, _ := l.Allow(ctx, "login:ben", 3, time.Minute); !d.Allowed {
		t.Fatalf("keys are not independent")
	}

	now = now.Add(time.Minute)
	if d, _ := l.Allow(ctx, "login:ana", 3, time.Minute); !d.Allowed {
		t.Fatalf("window did not reset")
	}
	_ = l.Reset(ctx, "login:ana")
	if d, _ := l.Allow(ctx, "login:ana", 1, time.Minute); !d.Allowed {
		t.Fatalf("reset did not clear the counter")
	}
}

func TestMemoryConcurrentAttemptsNeverOvershoot(t *testing.T) {
	l := NewMemory(nil, 0)
	var allowed atomic.Int64
	var wg sync.WaitGroup
	for i := 0; i < 200; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if d, err := l.Allow(context.Background(), "login:race", 5, time.Minute); err == nil && d.Allowed {
				allowed.Add(1)
			}
		}()
	}
	wg.Wait()
	if allowed.Load() != 5 {
		t.Fatalf("allowed %d attempts, want 5", allowed.Load())
	}
}

func TestMemoryCapacity(t *testing.T) {
	l := NewMemory(nil, 1)
	if _, err := l.Allow(context.Background(), "a", 1, time.Minute); err != nil {
		t.Fatalf("first key: %v", err)
	}
	d, err := l.Allow(context.Background(), "b", 1, time.Minute)
	if err != ErrCapacity || d.Allowed {
		t.Fatalf("decision = %+v err = %v, want a denied ErrCapacity", d, err)
	}
	// the tracked key keeps its count
	if d, _ := l.Allow(context.Background(), "a", 1, time.Minute); d.Allowed {
		t.Fatal("existing counter was evicted")
	}
}

func TestRedisLimiter(t *testing.T) {
	addr := os.Getenv("SWEEPDESK_TEST_REDIS_ADDR")
	if addr == "" {
		t.Skip("SWEEPDESK_TEST_REDIS_ADDR not set")
	}
	l, err := NewRedis(addr, "", 0, "sweepdesk:test:"+time.Now().Format("150405.000000")+":")
	if err != nil {
		t.Fatalf("redis: %v", err)
	}
	defer l.Close()
	ctx := context.Background()
	if err := l.Ping(ctx); err != nil {
		t.Skipf("redis unreachable: %v", err)
	}
	for i := 0; i < 2; i++ {
		if d, err := l.Allow(ctx, "k", 2, time.Minute); err != nil || !d.Allowed {
			t.Fatalf("attempt %d: %+v err=%v", i, d, err)
		}
	}
	if d, err := l.Allow(ctx, "k", 2, time.Minute); err != nil || d.Allowed {
		t.Fatalf("third attempt: %+v err=%v", d, err)
	}
	if err := l.Reset(ctx, "k"); err != nil {
		t.Fatalf("reset: %v", err)
	}
	if d, _ := l.Allow(ctx, "k", 2, time.Minute); !d.Allowed {
		t.Fatalf("reset did not clear the counter")
	}
}
