// Package ratelimit caps how often one client may hit the unauthenticated
// routes, using a sliding window per key.
package ratelimit

import (
	"context"
	"sync"
	"time"
)

// Result describes one admission decision.
type Result struct {
	Allowed    bool
	Limit      int
	Remaining  int
	ResetAt    time.Time
	RetryAfter time.Duration
}

// Store admits or rejects one request for key under limit per window.
type Store interface {
	Allow(ctx context.Context, key string, limit int, window time.Duration) (*Result, error)
}

// MemoryStore is a single-process sliding window. Use RedisStore when several
// replicas serve traffic.
type MemoryStore struct {
	mu      sync.Mutex
	buckets map[string][]time.Time
	now     func() time.Time
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{buckets: make(map[string][]time.Time), now: time.Now}
}

func (s *MemoryStore) Allow(_ context.Context, key string, limit int, window time.Duration) (*Result, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	now := s.now()
	hits := prune(s.buckets[key], now.Add(-window))
	res := &Result{Limit: limit}
	if len(hits) < limit {
		hits = append(hits, now)
		res.Allowed = true
		res.Remaining = limit - len(hits)
	}
	if len(hits) == 0 {
		delete(s.buckets, key)
		res.ResetAt = now.Add(window)
	} else {
		s.buckets[key] = hits
		res.ResetAt = hits[0].Add(window)
	}
	if !res.Allowed {
		res.RetryAfter = res.ResetAt.Sub(now)
	}
	return res, nil
}

// prune drops timestamps at or before cutoff. hits is sorted.
func prune(hits []time.Time, cutoff time.Time) []time.Time {
	i := 0
	for i < len(hits) && !hits[i].After(cutoff) {
		i++
	}
	return hits[i:]
}
