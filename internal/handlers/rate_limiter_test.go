package handlers

import (
	"context"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
)

func TestMemoryRateLimiterWindow(t *testing.T) {
	now := time.Date(2025, 1, 1, 0, 0, 0, 0, time.UTC)
	limiter := NewMemoryRateLimiter(2, time.Minute, func() time.Time { return now })
	ctx := context.Background()

	for i := 0; i < 2; i++ {
		if ok, _ := limiter.Allow(ctx, "10.0.0.1"); !ok {
			t.Fatalf("request %d should be allowed", i)
		}
	}
	if ok, _ := limiter.Allow(ctx, "10.0.0.1"); ok {
		t.Fatalf("third request should be limited")
	}

	now = now.Add(time.Minute)
	if ok, _ := limiter.Allow(ctx, "10.0.0.1"); !ok {
		t.Fatalf("expected a fresh window")
	}

	if NewMemoryRateLimiter(0, time.Minute, nil) != nil {
		t.Fatalf("expected nil limiter for zero limit")
	}
}

func TestRedisRateLimiter(t *testing.T) {
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = client.Close() })

	limiter, err := NewRedisRateLimiter(client, "verify", 2, time.Minute)
	if err != nil {
		t.Fatalf("new limiter: %v", err)
	}
	ctx := context.Background()

	for i := 0; i < 2; i++ {
		ok, err := limiter.Allow(ctx, "10.0.0.1")
		if err != nil || !ok {
			t.Fatalf("request %d: expected allowed, got %t %v", i, ok, err)
		}
	}
	if ok, err := limiter.Allow(ctx, "10.0.0.1"); err != nil || ok {
		t.Fatalf("expected limit, got %t %v", ok, err)
	}
	if ok, _ := limiter.Allow(ctx, "10.0.0.2"); !ok {
		t.Fatalf("other keys must have their own window")
	}

	if ttl := mr.TTL(redisLimiterPrefix + "verify:10.0.0.1"); ttl <= 0 || ttl > time.Minute {
		t.Fatalf("expected window expiry, got %s", ttl)
	}
	mr.FastForward(time.Minute)
	if ok, _ := limiter.Allow(ctx, "10.0.0.1"); !ok {
		t.Fatalf("expected the window to reset")
	}

	if _, err := NewRedisRateLimiter(nil, "verify", 1, time.Minute); err == nil {
		t.Fatalf("expected error without client")
	}
}
