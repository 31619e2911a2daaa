package idempotency

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
)

const redisKeyPrefix = "estamp:idem:"

// reserveScript creates the pending record only when the key is free.
var reserveScript = redis.NewScript(`
if redis.call('EXISTS', KEYS[1]) == 1 then
  return 0
end
redis.call('HSET', KEYS[1], 'fp', ARGV[1], 'status', 'pending')
redis.call('PEXPIRE', KEYS[1], ARGV[2])
return 1
`)

var completeScript = redis.NewScript(`
local fp = redis.call('HGET', KEYS[1], 'fp')
if fp and fp ~= ARGV[1] then
  return 0
end
redis.call('HSET', KEYS[1], 'fp', ARGV[1], 'status', 'completed', 'response', ARGV[2])
redis.call('PEXPIRE', KEYS[1], ARGV[3])
return 1
`)

var releaseScript = redis.NewScript(`
if redis.call('HGET', KEYS[1], 'fp') == ARGV[1] then
  return redis.call('DEL', KEYS[1])
end
return 0
`)

// RedisStore shares reservations across API instances.
type RedisStore struct {
	client redis.UniversalClient
}

func NewRedisStore(client redis.UniversalClient) (*RedisStore, error) {
	if client == nil {
		return nil, errors.New("idempotency: redis client is required")
	}
	return &RedisStore{client: client}, nil
}

func (s *RedisStore) Reserve(ctx context.Context, key, fingerprint string, ttl time.Duration) (Reservation, error) {
	id := redisKeyPrefix + hashKey(key)
	created, err := reserveScript.Run(ctx, s.client, []string{id}, fingerprint, ttlOrDefault(ttl).Milliseconds()).Int()
	if err != nil {
		return Reservation{}, fmt.Errorf("idempotency: reserve: %w", err)
	}
	if created == 1 {
		return Reservation{State: StateNew}, nil
	}

	fields, err := s.client.HMGet(ctx, id, "fp", "status", "response").Result()
	if err != nil {
		return Reservation{}, fmt.Errorf("idempotency: load: %w", err)
	}
	fp, _ := fields[0].(string)
	status, _ := fields[1].(string)
	if fp == "" {
		// Released or expired between the two calls; the client may retry.
		return Reservation{State: StatePending}, nil
	}
	if fp != fingerprint {
		return Reservation{}, ErrFingerprintMismatch
	}
	if status != "completed" {
		return Reservation{State: StatePending}, nil
	}
	raw, _ := fields[2].(string)
	var resp Response
	if err := json.Unmarshal([]byte(raw), &resp); err != nil {
		return Reservation{}, fmt.Errorf("idempotency: decode response: %w", err)
	}
	return Reservation{State: StateCompleted, Response: resp}, nil
}

func (s *RedisStore) Complete(ctx context.Context, key, fingerprint string, resp Response, ttl time.Duration) error {
	resp.Headers = replayableHeaders(resp.Headers)
	payload, err := json.Marshal(resp)
	if err != nil {
		return fmt.Errorf("idempotency: encode response: %w", err)
	}
	ok, err := completeScript.Run(ctx, s.client, []string{redisKeyPrefix + hashKey(key)}, fingerprint, string(payload), ttlOrDefault(ttl).Milliseconds()).Int()
	if err != nil {
		return fmt.Errorf("idempotency: complete: %w", err)
	}
	if ok == 0 {
		return ErrFingerprintMismatch
	}
	return nil
}

func (s *RedisStore) Release(ctx context.Context, key, fingerprint string) error {
	if err := releaseScript.Run(ctx, s.client, []string{redisKeyPrefix + hashKey(key)}, fingerprint).Err(); err != nil && !errors.Is(err, redis.Nil) {
		return fmt.Errorf("idempotency: release: %w", err)
	}
	return nil
}
