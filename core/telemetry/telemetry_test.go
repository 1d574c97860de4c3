package telemetry

import (
	"context"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"
)

func TestProviderMetrics(t *testing.T) {
	cfg := DefaultConfig()
	p, err := NewProvider(cfg)
	if err != nil {
		t.Fatalf("NewProvider failed: %v", err)
	}
	defer p.Shutdown(context.Background())

	ctx := context.Background()
	p.RecordIssue(ctx, "")
	p.RecordIssue(ctx, "usernotfound")
	p.RecordRedemption(ctx, "", 20*time.Millisecond)
	p.RecordRedemption(ctx, "expiredkey", time.Millisecond)
	p.RecordRateLimit(ctx)
	p.RecordLogout(ctx, true)

	rec := httptest.NewRecorder()
	p.Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/metrics", nil))
	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", rec.Code)
	}
	body, _ := io.ReadAll(rec.Body)
	for _, want := range []string{"userkey_keys_issued", "userkey_keys_redeemed", "userkey_ratelimit_denied", `outcome="expiredkey"`} {
		if !strings.Contains(string(body), want) {
			t.Errorf("expected metrics to contain %s", want)
		}
	}
}

func TestNilProvider(t *testing.T) {
	var p *Provider
	ctx := context.Background()

	// 1. Recording is a no-op
	p.RecordIssue(ctx, "")
	p.RecordRedemption(ctx, "invalidkey", time.Second)
	p.RecordRateLimit(ctx)
	p.RecordLogout(ctx, false)

	// 2. Spans still work against the global tracer
	_, span := p.SpanRedeem(ctx, "s1", "10.0.0.1")
	EndSpan(span, "invalidkey", errors.New("bad key"))

	rec := httptest.NewRecorder()
	p.Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/metrics", nil))
	if rec.Code != http.StatusNotFound {
		t.Errorf("expected 404 without a provider, got %d", rec.Code)
	}
	if err := p.Shutdown(ctx); err != nil {
		t.Errorf("Shutdown failed: %v", err)
	}
}

func TestDisabledProvider(t *testing.T) {
	cfg := DefaultConfig()
	cfg.Enabled = false
	p, err := NewProvider(cfg)
	if err != nil {
		t.Fatalf("NewProvider failed: %v", err)
	}
	p.RecordIssue(context.Background(), "")

	rec := httptest.NewRecorder()
	p.Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/metrics", nil))
	if rec.Code != http.StatusNotFound {
		t.Errorf("expected 404 when disabled, got %d", rec.Code)
	}
}
