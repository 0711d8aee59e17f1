package ratelimit

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/insurepro/apiserver/config"
)

// bucket mimics the Lua script for a single key.
type bucket struct {
	keys   []string
	tokens map[string]int64
	err    error
}

func (b *bucket) eval(_ context.Context, key string, args ...any) (any, error) {
	b.keys = append(b.keys, key)
	if b.err != nil {
		return nil, b.err
	}
	if _, ok := b.tokens[key]; !ok {
		b.tokens[key] = int64(args[1].(int))
	}
	if b.tokens[key] == 0 {
		return []any{int64(0), int64(0), int64(1500)}, nil
	}
	b.tokens[key]--
	return []any{int64(1), b.tokens[key], int64(0)}, nil
}

func newTestLimiter(capacity int, b *bucket) *Limiter {
	l := New(config.RateLimitConfig{Capacity: capacity, RefillInterval: time.Second}, nil)
	l.eval = b.eval
	l.logger = slog.New(slog.NewTextHandler(io.Discard, nil))
	return l
}

var okHandler = http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
	w.WriteHeader(http.StatusNoContent)
})

func TestLimitBlocksWhenEmpty(t *testing.T) {
	b := &bucket{tokens: map[string]int64{}}
	h := newTestLimiter(2, b).Limit("auth")(okHandler)

	codes := make([]int, 0, 3)
	for i := 0; i < 3; i++ {
		req := httptest.NewRequest(http.MethodPost, "/auth/login", nil)
		req.RemoteAddr = "10.0.0.1:5555"
		rec := httptest.NewRecorder()
		h.ServeHTTP(rec, req)
		codes = append(codes, rec.Code)
		if i == 2 && rec.Header().Get("Retry-After") != "2" {
			t.Fatalf("expected Retry-After 2, got %q", rec.Header().Get("Retry-After"))
		}
	}
	if codes[0] != http.StatusNoContent || codes[1] != http.StatusNoContent || codes[2] != http.StatusTooManyRequests {
		t.Fatalf("unexpected status sequence %v", codes)
	}
	if b.keys[0] != "rl:auth:10.0.0.1" {
		t.Fatalf("unexpected key %q", b.keys[0])
	}
}

func TestLimitFailsOpen(t *testing.T) {
	b := &bucket{tokens: map[string]int64{}, err: errors.New("redis down")}
	h := newTestLimiter(1, b).Limit("claims")(okHandler)

	for i := 0; i < 3; i++ {
		rec := httptest.NewRecorder()
		h.ServeHTTP(rec, httptest.NewRequest(http.MethodPost, "/claims", nil))
		if rec.Code != http.StatusNoContent {
			t.Fatalf("expected request through on redis error, got %d", rec.Code)
		}
	}
}

func TestDisabledLimiterPassesThrough(t *testing.T) {
	l := New(config.RateLimitConfig{Enabled: false}, nil)
	rec := httptest.NewRecorder()
	l.Limit("auth")(okHandler).ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/", nil))
	if rec.Code != http.StatusNoContent {
		t.Fatalf("expected pass-through, got %d", rec.Code)
	}
	if rec.Header().Get("X-RateLimit-Limit") != "" {
		t.Fatalf("disabled limiter must not set headers")
	}
}
