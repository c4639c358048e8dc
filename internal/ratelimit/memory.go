package ratelimit

import (
	"context"
	"sync"
	"time"
)

// MemoryStore keeps attempt windows in process memory. It is used in tests
// and single-instance deployments.
type MemoryStore struct {
	mu       sync.Mutex
	attempts map[string][]time.Time
	window   time.Duration // Longest window seen, used by Sweep
}

// NewMemoryStore creates an empty MemoryStore.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		attempts: make(map[string][]time.Time),
	}
}

// Hit implements WindowStore.
func (s *MemoryStore) Hit(ctx context.Context, key string, now time.Time, window time.Duration, limit int) (Window, error) {
	if err := ctx.Err(); err != nil {
		return Window{}, err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if window > s.window {
		s.window = window
	}

	valid := prune(s.attempts[key], now.Add(-window))
	if len(valid) >= limit {
		s.attempts[key] = valid
		return Window{Allowed: false, Count: len(valid), Oldest: valid[0]}, nil
	}

	valid = append(valid, now)
	s.attempts[key] = valid
	return Window{Allowed: true, Count: len(valid), Oldest: valid[0]}, nil
}

// Peek implements WindowStore.
func (s *MemoryStore) Peek(ctx context.Context, key string, now time.Time, window time.Duration) (Window, error) {
	if err := ctx.Err(); err != nil {
		return Window{}, err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	valid := prune(s.attempts[key], now.Add(-window))
	s.attempts[key] = valid
	w := Window{Allowed: true, Count: len(valid)}
	if len(valid) > 0 {
		w.Oldest = valid[0]
	}
	return w, nil
}

// Clear implements WindowStore.
func (s *MemoryStore) Clear(ctx context.Context, key string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.attempts, key)
	return nil
}

// Sweep drops keys whose attempts have all expired.
func (s *MemoryStore) Sweep(now time.Time) int {
	s.mu.Lock()
	defer s.mu.Unlock()

	removed := 0
	cutoff := now.Add(-s.window)
	for key, ts := range s.attempts {
		if len(ts) == 0 || !ts[len(ts)-1].After(cutoff) {
			delete(s.attempts, key)
			removed++
		}
	}
	return removed
}

// Run sweeps expired keys every interval until ctx is cancelled.
func (s *MemoryStore) Run(ctx context.Context, interval time.Duration) error {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return nil
		case now := <-ticker.C:
			s.Sweep(now)
		}
	}
}

// prune returns the timestamps strictly after cutoff. It reuses ts's backing
// array, so callers must store the result.
func prune(ts []time.Time, cutoff time.Time) []time.Time {
	valid := ts[:0]
	for _, t := range ts {
		if t.After(cutoff) {
			valid = append(valid, t)
		}
	}
	return valid
}

var _ WindowStore = (*MemoryStore)(nil)
