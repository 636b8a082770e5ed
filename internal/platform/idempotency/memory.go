package idempotency

import (
	"context"
	"sync"
	"time"
)

// MemoryStore keeps records in process for single-instance deployments and
// tests. Expired entries linger until CleanupExpired runs or a new Reserve
// claims the same key.
type MemoryStore struct {
	mu      sync.Mutex
	records map[string]Record
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{records: make(map[string]Record)}
}

// with runs fn on the record map while holding the store lock.
func (s *MemoryStore) with(fn func(records map[string]Record) error) error {
	s.mu.Lock()
	err := fn(s.records)
	s.mu.Unlock()
	return err
}

func (s *MemoryStore) Reserve(_ context.Context, key, fingerprint string, now time.Time, ttl time.Duration) (res Reservation, err error) {
	id, at := storageKey(key), now.UTC()
	err = s.with(func(records map[string]Record) error {
		if live, ok := records[id]; ok && !live.expired(at) {
			res, err = classify(live, fingerprint)
			return err
		}
		records[id] = pendingRecord(key, fingerprint, at, effectiveTTL(ttl))
		res = Reservation{State: ReservationStateNew, Record: records[id]}
		return nil
	})
	return res, err
}

func (s *MemoryStore) SaveResponse(_ context.Context, key, fingerprint string, resp Response, now time.Time, ttl time.Duration) error {
	id := storageKey(key)
	return s.with(func(records map[string]Record) error {
		current, found := records[id]
		if found && current.Fingerprint != fingerprint {
			return ErrFingerprintMismatch
		}
		records[id] = current.complete(key, fingerprint, resp, now.UTC(), effectiveTTL(ttl))
		return nil
	})
}

// Release drops a pending reservation so the client can retry the key.
func (s *MemoryStore) Release(_ context.Context, key, fingerprint string) error {
	id := storageKey(key)
	return s.with(func(records map[string]Record) error {
		current, found := records[id]
		switch {
		case !found:
		case current.Fingerprint != fingerprint:
			return ErrFingerprintMismatch
		default:
			delete(records, id)
		}
		return nil
	})
}

// CleanupExpired drops at most limit expired records (all of them when
// limit <= 0) and reports how many went.
func (s *MemoryStore) CleanupExpired(_ context.Context, now time.Time, limit int) (int, error) {
	at, dropped := now.UTC(), 0
	_ = s.with(func(records map[string]Record) error {
		for id, rec := range records {
			if limit > 0 && dropped == limit {
				return nil
			}
			if rec.expired(at) {
				delete(records, id)
				dropped++
			}
		}
		return nil
	})
	return dropped, nil
}

// Len counts stored records, expired ones included.
func (s *MemoryStore) Len() (n int) {
	_ = s.with(func(records map[string]Record) error {
		n = len(records)
		return nil
	})
	return n
}

var _ Store = (*MemoryStore)(nil)
