package userkey

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/getkayan/userkey/core/identity"
)

type failingLimiter struct{}

func (failingLimiter) Allow(context.Context, string, int, time.Duration) (bool, int, error) {
	return false, 0, errors.New("redis unavailable")
}

func (failingLimiter) Reset(context.Context, string) error { return nil }

func TestRateLimitedKeyManager(t *testing.T) {
	inner, store, _ := newTestKeyManager(&identity.User{ID: "u1"})
	limiter := NewMemoryRateLimiter()
	denied := 0
	m := NewRateLimitedKeyManager(inner, limiter, RateLimitConfig{
		Limit:  2,
		Window: time.Minute,
		Hooks: RateLimitHooks{
			OnDeny: func(ctx context.Context, info *RateLimitInfo) { denied++ },
		},
	})
	ctx := context.Background()

	m.ValidateKey(ctx, "guess1", "10.0.0.1")
	m.ValidateKey(ctx, "guess2", "10.0.0.1")

	key, err := m.CreateKey(ctx, "u1", time.Minute, "")
	if err != nil {
		t.Fatalf("CreateKey failed: %v", err)
	}

	_, err = m.ValidateKey(ctx, key, "10.0.0.1")
	rl, ok := AsRateLimitError(err)
	if !ok {
		t.Fatalf("expected rate limit error, got %v", err)
	}
	if rl.RetryAfter != time.Minute {
		t.Errorf("expected retry after 1m, got %v", rl.RetryAfter)
	}
	if denied != 1 {
		t.Errorf("expected OnDeny to fire once, got %d", denied)
	}
	if _, ok := store.get(key); !ok {
		t.Fatal("denied attempt must not consume the key")
	}

	// Other addresses are unaffected.
	if _, err := m.ValidateKey(ctx, key, "10.0.0.2"); err != nil {
		t.Errorf("expected other address to redeem, got %v", err)
	}
}

func TestRateLimitFailOpen(t *testing.T) {
	inner, _, _ := newTestKeyManager(&identity.User{ID: "u1"})
	ctx := context.Background()

	closed := NewRateLimitedKeyManager(inner, failingLimiter{}, RateLimitConfig{Limit: 1, Window: time.Minute})
	key, _ := closed.CreateKey(ctx, "u1", time.Minute, "")
	if _, err := closed.ValidateKey(ctx, key, "10.0.0.1"); err == nil {
		t.Fatal("expected limiter failure to block when failing closed")
	}

	open := NewRateLimitedKeyManager(inner, failingLimiter{}, RateLimitConfig{Limit: 1, Window: time.Minute, FailOpen: true})
	if _, err := open.ValidateKey(ctx, key, "10.0.0.1"); err != nil {
		t.Errorf("expected limiter failure to allow when failing open, got %v", err)
	}
}

func TestMemoryRateLimiterWindow(t *testing.T) {
	now := time.Date(2024, 3, 1, 12, 0, 0, 0, time.UTC)
	r := NewMemoryRateLimiter()
	r.now = func() time.Time { return now }
	ctx := context.Background()

	for i := 0; i < 3; i++ {
		if ok, _, _ := r.Allow(ctx, "k", 3, time.Minute); !ok {
			t.Fatalf("attempt %d should be allowed", i)
		}
	}
	if ok, remaining, _ := r.Allow(ctx, "k", 3, time.Minute); ok || remaining != 0 {
		t.Fatalf("fourth attempt should be denied, got %v/%d", ok, remaining)
	}

	now = now.Add(61 * time.Second)
	if ok, remaining, _ := r.Allow(ctx, "k", 3, time.Minute); !ok || remaining != 2 {
		t.Errorf("expected window to slide, got %v/%d", ok, remaining)
	}

	r.Reset(ctx, "k")
	if ok, remaining, _ := r.Allow(ctx, "k", 3, time.Minute); !ok || remaining != 2 {
		t.Errorf("expected reset to clear the window, got %v/%d", ok, remaining)
	}
}
