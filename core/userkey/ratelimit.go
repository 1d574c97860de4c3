package userkey

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/getkayan/userkey/core/audit"
)

// RateLimiter defines the interface for rate limiting implementations.
type RateLimiter interface {
	// Allow checks if the request should be allowed based on the key and rate limit.
	// remaining indicates how many requests are left in the current window.
	Allow(ctx context.Context, key string, limit int, window time.Duration) (allowed bool, remaining int, err error)

	// Reset clears the rate limit counter for the given key.
	Reset(ctx context.Context, key string) error
}

// RateLimitInfo contains information about a rate limit check.
type RateLimitInfo struct {
	Key        string
	RemoteAddr string
	Limit      int
	Window     time.Duration
	Remaining  int
	Allowed    bool
}

// RateLimitHooks provides extension points for customizing rate limit behavior.
type RateLimitHooks struct {
	// OnDeny is called when an attempt is denied by rate limiting.
	OnDeny func(ctx context.Context, info *RateLimitInfo)

	// OnError is called when the rate limiter encounters an error.
	// Return nil to fail open (allow the attempt despite error).
	OnError func(ctx context.Context, err error, info *RateLimitInfo) error
}

// RateLimitConfig holds configuration for the rate limiting decorator.
type RateLimitConfig struct {
	// Limit is the maximum number of redemption attempts per address in the window.
	Limit int

	// Window is the time window for the rate limit.
	Window time.Duration

	// KeyFunc builds the limiter key from the remote address.
	// If nil, "userkey:" + address is used.
	KeyFunc func(ctx context.Context, remoteAddr string) string

	// FailOpen allows attempts when the limiter itself fails.
	FailOpen bool

	Hooks RateLimitHooks
}

// RateLimitedKeyManager is a decorator that limits ValidateKey attempts per
// remote address. Denied attempts never reach the wrapped manager, so no key
// is consumed by them.
type RateLimitedKeyManager struct {
	next    KeyManager
	limiter RateLimiter
	config  RateLimitConfig
	audit   *audit.Logger
}

// NewRateLimitedKeyManager creates a new rate limiting decorator.
func NewRateLimitedKeyManager(next KeyManager, limiter RateLimiter, config RateLimitConfig) *RateLimitedKeyManager {
	return &RateLimitedKeyManager{
		next:    next,
		limiter: limiter,
		config:  config,
	}
}

func (m *RateLimitedKeyManager) SetAuditLogger(l *audit.Logger) { m.audit = l }

func (m *RateLimitedKeyManager) CreateKey(ctx context.Context, userID string, ttl time.Duration, restriction string) (string, error) {
	return m.next.CreateKey(ctx, userID, ttl, restriction)
}

func (m *RateLimitedKeyManager) DeleteKey(ctx context.Context, userID string) error {
	return m.next.DeleteKey(ctx, userID)
}

func (m *RateLimitedKeyManager) ValidateKey(ctx context.Context, value, remoteAddr string) (string, error) {
	if err := m.check(ctx, remoteAddr); err != nil {
		return "", err
	}
	return m.next.ValidateKey(ctx, value, remoteAddr)
}

func (m *RateLimitedKeyManager) check(ctx context.Context, remoteAddr string) error {
	key := "userkey:" + remoteAddr
	if m.config.KeyFunc != nil {
		key = m.config.KeyFunc(ctx, remoteAddr)
	}

	info := &RateLimitInfo{
		Key:        key,
		RemoteAddr: remoteAddr,
		Limit:      m.config.Limit,
		Window:     m.config.Window,
	}

	allowed, remaining, err := m.limiter.Allow(ctx, key, m.config.Limit, m.config.Window)
	info.Remaining = remaining
	info.Allowed = allowed

	if err != nil {
		if m.config.Hooks.OnError != nil {
			return m.config.Hooks.OnError(ctx, err, info)
		}
		if m.config.FailOpen {
			return nil
		}
		return fmt.Errorf("rate limit check failed: %w", err)
	}

	if !allowed {
		if m.config.Hooks.OnDeny != nil {
			m.config.Hooks.OnDeny(ctx, info)
		}
		m.audit.Record(ctx, audit.NewEvent(audit.EventRateLimited).
			Blocked().
			IP(remoteAddr))
		return &RateLimitError{RetryAfter: m.config.Window}
	}

	return nil
}

// RateLimitError is returned when a redemption attempt is rate limited.
type RateLimitError struct {
	RetryAfter time.Duration
}

func (e *RateLimitError) Error() string {
	return fmt.Sprintf("rate limit exceeded, retry after %v", e.RetryAfter)
}

// AsRateLimitError extracts RateLimitError from error if possible.
func AsRateLimitError(err error) (*RateLimitError, bool) {
	var e *RateLimitError
	ok := errors.As(err, &e)
	return e, ok
}

// ---- Sliding Window Rate Limiter (Memory) ----

type slidingWindowEntry struct {
	timestamps []time.Time
	mu         sync.Mutex
}

// MemoryRateLimiter implements rate limiting using an in-memory sliding window.
// It only limits within one process; use the Redis limiter when running
// several replicas.
type MemoryRateLimiter struct {
	mu      sync.Mutex
	entries map[string]*slidingWindowEntry
	now     func() time.Time
}

// NewMemoryRateLimiter creates a new memory-based rate limiter.
func NewMemoryRateLimiter() *MemoryRateLimiter {
	return &MemoryRateLimiter{
		entries: make(map[string]*slidingWindowEntry),
		now:     time.Now,
	}
}

func (r *MemoryRateLimiter) Allow(ctx context.Context, key string, limit int, window time.Duration) (bool, int, error) {
	r.mu.Lock()
	entry, exists := r.entries[key]
	if !exists {
		entry = &slidingWindowEntry{}
		r.entries[key] = entry
	}
	r.mu.Unlock()

	entry.mu.Lock()
	defer entry.mu.Unlock()

	now := r.now()
	cutoff := now.Add(-window)

	valid := entry.timestamps[:0]
	for _, ts := range entry.timestamps {
		if ts.After(cutoff) {
			valid = append(valid, ts)
		}
	}
	entry.timestamps = valid

	if len(entry.timestamps) >= limit {
		return false, 0, nil
	}

	entry.timestamps = append(entry.timestamps, now)
	return true, limit - len(entry.timestamps), nil
}

func (r *MemoryRateLimiter) Reset(ctx context.Context, key string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.entries, key)
	return nil
}
