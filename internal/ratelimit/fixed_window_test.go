package ratelimit

import (
	"context"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
)

func newTestClient(t *testing.T) (*miniredis.Miniredis, *redis.Client) {
	t.Helper()
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = client.Close() })
	return mr, client
}

func TestFixedWindowLimiterRedis(t *testing.T) {
	_, client := newTestClient(t)
	limiter, err := NewRedisFixedWindowLimiter(client, "test:ratelimit", 2, time.Minute)
	if err != nil {
		t.Fatalf("new redis limiter: %v", err)
	}
	ctx := context.Background()
	if !limiter.Allow(ctx, "ip-1") {
		t.Fatalf("first request should pass")
	}
	if !limiter.Allow(ctx, "ip-1") {
		t.Fatalf("second request should pass")
	}
	if limiter.Allow(ctx, "ip-1") {
		t.Fatalf("third request should be blocked")
	}
	if !limiter.Allow(ctx, "ip-2") {
		t.Fatalf("other keys keep their own quota")
	}
}

func TestFixedWindowLimiterResetsNextWindow(t *testing.T) {
	_, client := newTestClient(t)
	limiter, err := NewRedisFixedWindowLimiter(client, "test:ratelimit", 1, time.Minute)
	if err != nil {
		t.Fatalf("new redis limiter: %v", err)
	}
	now := time.Date(2026, 1, 1, 12, 0, 0, 0, time.UTC)
	limiter.now = func() time.Time { return now }
	ctx := context.Background()
	if !limiter.Allow(ctx, "ip-1") || limiter.Allow(ctx, "ip-1") {
		t.Fatalf("expected one request per window")
	}
	now = now.Add(time.Minute)
	if !limiter.Allow(ctx, "ip-1") {
		t.Fatalf("new window should allow again")
	}
}

func TestFixedWindowLimiterCheckReportsRetry(t *testing.T) {
	_, client := newTestClient(t)
	limiter, err := NewRedisFixedWindowLimiter(client, "test:retry", 1, time.Minute)
	if err != nil {
		t.Fatalf("new redis limiter: %v", err)
	}
	ctx := context.Background()
	if ok, wait := limiter.Check(ctx, "ip-1"); !ok || wait != 0 {
		t.Fatalf("first hit should pass, got %v %v", ok, wait)
	}
	ok, wait := limiter.Check(ctx, "ip-1")
	if ok || wait <= 0 || wait > time.Minute {
		t.Fatalf("second hit should be refused with a wait inside the window, got %v %v", ok, wait)
	}
}

func TestFixedWindowLimiterRedisFailClosed(t *testing.T) {
	mr, client := newTestClient(t)
	limiter, err := NewRedisFixedWindowLimiter(client, "test:ratelimit", 1, time.Second)
	if err != nil {
		t.Fatalf("new redis limiter: %v", err)
	}
	mr.Close()
	if limiter.Allow(context.Background(), "ip-1") {
		t.Fatalf("limiter should fail closed on redis errors")
	}
}

func TestFixedWindowLimiterValidation(t *testing.T) {
	if _, err := NewRedisFixedWindowLimiter(nil, "p", 1, time.Second); err == nil {
		t.Fatalf("expected constructor error for nil client")
	}
	_, client := newTestClient(t)
	if _, err := NewRedisFixedWindowLimiter(client, "p", 0, time.Second); err == nil {
		t.Fatalf("expected constructor error for zero limit")
	}
}

func TestLocalLimiter(t *testing.T) {
	l := NewLocalLimiter(2, time.Minute, 2)
	now := time.Date(2026, 1, 1, 12, 0, 0, 0, time.UTC)
	l.now = func() time.Time { return now }
	ctx := context.Background()
	if !l.Allow(ctx, "k") || !l.Allow(ctx, "k") {
		t.Fatalf("burst should pass")
	}
	if l.Allow(ctx, "k") {
		t.Fatalf("third request should be blocked")
	}
	now = now.Add(31 * time.Second)
	if !l.Allow(ctx, "k") {
		t.Fatalf("token should refill after half the window")
	}
}
