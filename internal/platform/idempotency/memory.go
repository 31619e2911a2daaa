package idempotency

import (
	"context"
	"sync"
	"time"
)

type memoryRecord struct {
	fingerprint string
	completed   bool
	response    Response
	expiresAt   time.Time
}

// MemoryStore keeps reservations in process. Expired records are dropped on access.
type MemoryStore struct {
	mu      sync.Mutex
	now     func() time.Time
	records map[string]memoryRecord
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{now: time.Now, records: make(map[string]memoryRecord)}
}

func (s *MemoryStore) Reserve(_ context.Context, key, fingerprint string, ttl time.Duration) (Reservation, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	id := hashKey(key)
	now := s.now()
	record, ok := s.records[id]
	if !ok || !now.Before(record.expiresAt) {
		s.records[id] = memoryRecord{fingerprint: fingerprint, expiresAt: now.Add(ttlOrDefault(ttl))}
		return Reservation{State: StateNew}, nil
	}
	if record.fingerprint != fingerprint {
		return Reservation{}, ErrFingerprintMismatch
	}
	if record.completed {
		return Reservation{State: StateCompleted, Response: record.response}, nil
	}
	return Reservation{State: StatePending}, nil
}

func (s *MemoryStore) Complete(_ context.Context, key, fingerprint string, resp Response, ttl time.Duration) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	id := hashKey(key)
	if record, ok := s.records[id]; ok && record.fingerprint != fingerprint {
		return ErrFingerprintMismatch
	}
	s.records[id] = memoryRecord{
		fingerprint: fingerprint,
		completed:   true,
		response: Response{
			Status:  resp.Status,
			Headers: replayableHeaders(resp.Headers),
			Body:    append([]byte(nil), resp.Body...),
		},
		expiresAt: s.now().Add(ttlOrDefault(ttl)),
	}
	return nil
}

func (s *MemoryStore) Release(_ context.Context, key, fingerprint string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	id := hashKey(key)
	if record, ok := s.records[id]; ok && record.fingerprint == fingerprint {
		delete(s.records, id)
	}
	return nil
}

func ttlOrDefault(ttl time.Duration) time.Duration {
	if ttl <= 0 {
		return DefaultTTL
	}
	return ttl
}
