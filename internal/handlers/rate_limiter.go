package handlers

import (
	"context"
	"errors"
	"strings"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"
)

// RateLimiter decides whether a caller identified by key may proceed.
type RateLimiter interface {
	Allow(ctx context.Context, key string) (bool, error)
}

type memoryRateLimiter struct {
	limit  int
	window time.Duration
	clock  func() time.Time
	mu     sync.Mutex
	store  map[string]rateEntry
}

type rateEntry struct {
	count int
	reset time.Time
}

// NewMemoryRateLimiter returns a fixed-window limiter held in process memory. It returns nil
// (no limiting) when limit or window is not positive.
func NewMemoryRateLimiter(limit int, window time.Duration, clock func() time.Time) RateLimiter {
	if limit <= 0 || window <= 0 {
		return nil
	}
	if clock == nil {
		clock = time.Now
	}
	return &memoryRateLimiter{
		limit:  limit,
		window: window,
		clock:  clock,
		store:  make(map[string]rateEntry),
	}
}

func (l *memoryRateLimiter) Allow(_ context.Context, key string) (bool, error) {
	key = normaliseLimiterKey(key)
	now := l.clock()
	l.mu.Lock()
	defer l.mu.Unlock()

	entry, ok := l.store[key]
	if !ok || !now.Before(entry.reset) {
		l.store[key] = rateEntry{count: 1, reset: now.Add(l.window)}
		l.pruneExpiredLocked(now)
		return true, nil
	}

	if entry.count >= l.limit {
		return false, nil
	}
	entry.count++
	l.store[key] = entry
	return true, nil
}

func (l *memoryRateLimiter) pruneExpiredLocked(now time.Time) {
	for key, entry := range l.store {
		if !now.Before(entry.reset) {
			delete(l.store, key)
		}
	}
}

const redisLimiterPrefix = "estamp:rl:"

// The first hit in a window sets the expiry so the counter resets on its own.
var fixedWindowScript = redis.NewScript(`
local count = redis.call("INCR", KEYS[1])
if count == 1 then
  redis.call("PEXPIRE", KEYS[1], ARGV[1])
end
return count
`)

type redisRateLimiter struct {
	client redis.UniversalClient
	limit  int
	window time.Duration
	scope  string
}

// NewRedisRateLimiter shares a fixed-window counter across instances. scope separates the
// counters of different endpoints.
func NewRedisRateLimiter(client redis.UniversalClient, scope string, limit int, window time.Duration) (RateLimiter, error) {
	if client == nil {
		return nil, errors.New("rate limiter: redis client is required")
	}
	if limit <= 0 || window <= 0 {
		return nil, errors.New("rate limiter: limit and window must be positive")
	}
	scope = strings.TrimSpace(scope)
	if scope == "" {
		scope = "default"
	}
	return &redisRateLimiter{client: client, limit: limit, window: window, scope: scope}, nil
}

func (l *redisRateLimiter) Allow(ctx context.Context, key string) (bool, error) {
	windowMS := l.window.Milliseconds()
	if windowMS <= 0 {
		windowMS = 1
	}
	redisKey := redisLimiterPrefix + l.scope + ":" + normaliseLimiterKey(key)
	count, err := fixedWindowScript.Run(ctx, l.client, []string{redisKey}, windowMS).Int64()
	if err != nil {
		return false, err
	}
	return count <= int64(l.limit), nil
}

func normaliseLimiterKey(key string) string {
	key = strings.TrimSpace(key)
	if key == "" {
		return "anonymous"
	}
	return key
}
