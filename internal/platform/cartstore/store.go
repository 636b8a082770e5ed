package cartstore

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/hanko-field/checkout/internal/domain"
)

// DefaultTTL bounds how long an abandoned snapshot is retained.
const DefaultTTL = 7 * 24 * time.Hour

// ErrNotFound is returned when no snapshot is stored for the key.
var ErrNotFound = errors.New("cartstore: snapshot not found")

// Store mirrors the shopper's local cart snapshot so a checkout session can be restored.
type Store interface {
	Load(ctx context.Context, key string) (domain.CartSnapshot, error)
	Save(ctx context.Context, key string, snapshot domain.CartSnapshot) error
	Clear(ctx context.Context, key string) error
}

// MemoryStore keeps snapshots in process, for tests and single-instance deployments.
type MemoryStore struct {
	mu        sync.Mutex
	snapshots map[string]memoryEntry
	ttl       time.Duration
	clock     func() time.Time
}

type memoryEntry struct {
	snapshot  domain.CartSnapshot
	expiresAt time.Time
}

// NewMemoryStore constructs an empty memory-backed store.
func NewMemoryStore(ttl time.Duration, clock func() time.Time) *MemoryStore {
	if ttl <= 0 {
		ttl = DefaultTTL
	}
	if clock == nil {
		clock = time.Now
	}
	return &MemoryStore{snapshots: make(map[string]memoryEntry), ttl: ttl, clock: clock}
}

// Load implements Store.
func (s *MemoryStore) Load(_ context.Context, key string) (domain.CartSnapshot, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	entry, ok := s.snapshots[key]
	if !ok {
		return domain.CartSnapshot{}, ErrNotFound
	}
	if !s.clock().Before(entry.expiresAt) {
		delete(s.snapshots, key)
		return domain.CartSnapshot{}, ErrNotFound
	}
	return entry.snapshot.Clone(), nil
}

// Save implements Store.
func (s *MemoryStore) Save(_ context.Context, key string, snapshot domain.CartSnapshot) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.snapshots[key] = memoryEntry{snapshot: snapshot.Clone(), expiresAt: s.clock().Add(s.ttl)}
	return nil
}

// Clear implements Store.
func (s *MemoryStore) Clear(_ context.Context, key string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.snapshots, key)
	return nil
}
