package ratelimit

import (
	"context"
	"errors"
	"sync"
	"time"
)

// ErrCapacity means the in-memory limiter tracks too many keys. The attempt is
// denied; existing counters are never evicted to make room.
var ErrCapacity = errors.New("ratelimit: capacity exceeded")

type memoryBucket struct {
	count     int
	windowEnd time.Time
}

// Memory is a single-process Limiter.
type Memory struct {
	mu      sync.Mutex
	now     func() time.Time
	data    map[string]*memoryBucket
	maxKeys int
}

// NewMemory builds a Memory limiter. A nil now uses time.Now; maxKeys <= 0
// defaults to 10000.
func NewMemory(now func() time.Time, maxKeys int) *Memory {
	if now == nil {
		now = time.Now
	}
	if maxKeys <= 0 {
		maxKeys = 10000
	}
	return &Memory{now: now, data: make(map[string]*memoryBucket), maxKeys: maxKeys}
}

func (m *Memory) Allow(_ context.Context, key string, limit int, window time.Duration) (Decision, error) {
	if limit <= 0 {
		return Decision{Allowed: true, Limit: limit, Remaining: limit}, nil
	}
	now := m.now()

	m.mu.Lock()
	defer m.mu.Unlock()

	bucket, ok := m.data[key]
	if !ok || !now.Before(bucket.windowEnd) {
		if !ok && len(m.data) >= m.maxKeys {
			m.gc(now)
			if len(m.data) >= m.maxKeys {
				return Decision{Limit: limit, ResetAt: now.Add(window)}, ErrCapacity
			}
		}
		bucket = &memoryBucket{windowEnd: now.Add(window)}
		m.data[key] = bucket
	}
	bucket.count++
	remaining := limit - bucket.count
	if remaining < 0 {
		remaining = 0
	}
	return Decision{
		Allowed:   bucket.count <= limit,
		Limit:     limit,
		Remaining: remaining,
		ResetAt:   bucket.windowEnd,
	}, nil
}

func (m *Memory) Reset(_ context.Context, key string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.data, key)
	return nil
}

func (m *Memory) gc(now time.Time) {
	for key, bucket := range m.data {
		if !now.Before(bucket.windowEnd) {
			delete(m.data, key)
		}
	}
}
