package auth

import (
	"context"
	"strings"
	"sync"
	"time"
)

const (
	defaultMaxLoginAttempts = 5
	defaultAttemptWindow    = 15 * time.Minute
)

// AttemptStore is the pluggable backing store for login attempt
// counters: an in-process map for single instances, Redis for
// horizontally scaled deployments. Hit records one attempt against key
// and reports the count within the current fixed window plus the time
// until the window resets.
type AttemptStore interface {
	Hit(ctx context.Context, key string, window time.Duration) (count int, expiresIn time.Duration, err error)
	Reset(ctx context.Context, key string) error
}

type attemptWindow struct {
	count int
	start time.Time
}

// MemoryAttemptStore keeps counters in a mutex-guarded map. State is
// process-lifetime only and not shared across instances.
type MemoryAttemptStore struct {
	mu         sync.Mutex
	entries    map[string]*attemptWindow
	maxEntries int
	now        func() time.Time
}

func NewMemoryAttemptStore() *MemoryAttemptStore {
	return &MemoryAttemptStore{
		entries:    make(map[string]*attemptWindow),
		maxEntries: 5000,
		now:        func() time.Time { return time.Now().UTC() },
	}
}

func (s *MemoryAttemptStore) Hit(ctx context.Context, key string, window time.Duration) (int, time.Duration, error) {
	now := s.now()

	s.mu.Lock()
	defer s.mu.Unlock()

	entry := s.entries[key]
	if entry == nil || now.Sub(entry.start) >= window {
		s.entries[key] = &attemptWindow{count: 1, start: now}
		s.sweep(now, window)
		return 1, window, nil
	}

	entry.count++
	return entry.count, entry.start.Add(window).Sub(now), nil
}

func (s *MemoryAttemptStore) Reset(ctx context.Context, key string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.entries, key)
	return nil
}

// sweep drops expired windows once the map grows past maxEntries.
// Called with the mutex held.
func (s *MemoryAttemptStore) sweep(now time.Time, window time.Duration) {
	if len(s.entries) <= s.maxEntries {
		return
	}
	for key, entry := range s.entries {
		if now.Sub(entry.start) >= window {
			delete(s.entries, key)
		}
	}
}

// LoginRateLimiter caps login attempts per (client address, identifier)
// pair over a fixed sliding window. It is checked before account lookup
// and is independent of the per-account lockout.
type LoginRateLimiter struct {
	store       AttemptStore
	maxAttempts int
	window      time.Duration
}

func NewLoginRateLimiter(store AttemptStore, maxAttempts int, window time.Duration) *LoginRateLimiter {
	if maxAttempts <= 0 {
		maxAttempts = defaultMaxLoginAttempts
	}
	if window <= 0 {
		window = defaultAttemptWindow
	}
	return &LoginRateLimiter{store: store, maxAttempts: maxAttempts, window: window}
}

// Allow records one attempt and returns a RateLimitError once the cap is
// exceeded, carrying the computed retry-after duration.
func (l *LoginRateLimiter) Allow(ctx context.Context, addr, identifier string) error {
	count, expiresIn, err := l.store.Hit(ctx, limiterKey(addr, identifier), l.window)
	if err != nil {
		return err
	}

	if count > l.maxAttempts {
		if expiresIn < time.Second {
			expiresIn = time.Second
		}
		return RateLimitError{RetryAfter: expiresIn}
	}

	return nil
}

// Clear forgets the counter for the pair, called after a successful login.
func (l *LoginRateLimiter) Clear(ctx context.Context, addr, identifier string) error {
	return l.store.Reset(ctx, limiterKey(addr, identifier))
}

func limiterKey(addr, identifier string) string {
	return addr + "|" + strings.ToLower(strings.TrimSpace(identifier))
}
