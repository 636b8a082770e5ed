package services

import (
	"context"
	"crypto/rand"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/oklog/ulid/v2"
)

// DefaultCheckoutIdleTTL is how long an untouched checkout is kept in memory.
const DefaultCheckoutIdleTTL = 30 * time.Minute

var (
	errRegistryMissingFactory = errors.New("checkout registry: factory is required")

	// ErrCheckoutNotFound is returned when no checkout exists for an id.
	ErrCheckoutNotFound = errors.New("checkout registry: checkout not found")
)

// CheckoutParams describes a checkout to construct.
type CheckoutParams struct {
	ID          string
	RegionID    string
	Currency    string
	CountryCode string
	Initial     *CartSnapshot
}

// CheckoutFactory builds an engine from params.
type CheckoutFactory func(params CheckoutParams) (*Checkout, error)

// CheckoutRegistryDeps wires the registry.
type CheckoutRegistryDeps struct {
	Factory   CheckoutFactory
	Snapshots SnapshotStore
	IdleTTL   time.Duration
	Clock     func() time.Time
	IDGen     func() string
	Logger    Logger
}

type registryEntry struct {
	checkout *Checkout
	lastSeen time.Time
}

// CheckoutRegistry holds live checkouts by id and evicts idle ones.
type CheckoutRegistry struct {
	factory   CheckoutFactory
	snapshots SnapshotStore
	ttl       time.Duration
	now       func() time.Time
	newID     func() string
	logger    Logger

	mu      sync.Mutex
	entries map[string]*registryEntry
}

// NewCheckoutRegistry constructs an empty registry.
func NewCheckoutRegistry(deps CheckoutRegistryDeps) (*CheckoutRegistry, error) {
	if deps.Factory == nil {
		return nil, errRegistryMissingFactory
	}
	ttl := deps.IdleTTL
	if ttl <= 0 {
		ttl = DefaultCheckoutIdleTTL
	}
	clock := deps.Clock
	if clock == nil {
		clock = time.Now
	}
	newID := deps.IDGen
	if newID == nil {
		newID = func() string {
			return ulid.MustNew(ulid.Timestamp(time.Now()), rand.Reader).String()
		}
	}
	logger := deps.Logger
	if logger == nil {
		logger = noopLogger
	}
	return &CheckoutRegistry{
		factory:   deps.Factory,
		snapshots: deps.Snapshots,
		ttl:       ttl,
		now:       func() time.Time { return clock().UTC() },
		newID:     newID,
		logger:    logger,
		entries:   make(map[string]*registryEntry),
	}, nil
}

// Create constructs and registers a new checkout under a fresh id.
func (r *CheckoutRegistry) Create(ctx context.Context, params CheckoutParams) (*Checkout, error) {
	params.ID = r.newID()
	checkout, err := r.factory(params)
	if err != nil {
		return nil, fmt.Errorf("checkout registry: create: %w", err)
	}
	r.mu.Lock()
	r.entries[checkout.ID()] = &registryEntry{checkout: checkout, lastSeen: r.now()}
	r.mu.Unlock()
	r.logger(ctx, "checkout_registry.created", map[string]any{"checkoutID": checkout.ID()})
	return checkout, nil
}

// Get returns the checkout, restoring it from the snapshot mirror when it is not in memory.
func (r *CheckoutRegistry) Get(ctx context.Context, id string) (*Checkout, error) {
	id = strings.TrimSpace(id)
	if id == "" {
		return nil, ErrCheckoutNotFound
	}
	r.mu.Lock()
	if entry, ok := r.entries[id]; ok {
		entry.lastSeen = r.now()
		r.mu.Unlock()
		return entry.checkout, nil
	}
	r.mu.Unlock()

	if r.snapshots == nil {
		return nil, ErrCheckoutNotFound
	}
	snapshot, err := r.snapshots.Load(ctx, id)
	if err != nil {
		r.logger(ctx, "checkout_registry.restore_missed", map[string]any{"checkoutID": id, "error": err.Error()})
		return nil, ErrCheckoutNotFound
	}
	checkout, err := r.factory(CheckoutParams{
		ID:          id,
		RegionID:    snapshot.RegionID,
		Currency:    snapshot.Currency,
		CountryCode: snapshot.CountryCode,
		Initial:     &snapshot,
	})
	if err != nil {
		return nil, fmt.Errorf("checkout registry: restore %s: %w", id, err)
	}

	r.mu.Lock()
	if entry, ok := r.entries[id]; ok {
		// another request restored it first
		entry.lastSeen = r.now()
		r.mu.Unlock()
		checkout.Close()
		return entry.checkout, nil
	}
	r.entries[id] = &registryEntry{checkout: checkout, lastSeen: r.now()}
	r.mu.Unlock()
	r.logger(ctx, "checkout_registry.restored", map[string]any{"checkoutID": id})
	return checkout, nil
}

// Close removes and stops the checkout. The snapshot mirror is cleared too.
func (r *CheckoutRegistry) Close(ctx context.Context, id string) error {
	r.mu.Lock()
	entry, ok := r.entries[id]
	delete(r.entries, id)
	r.mu.Unlock()
	if !ok {
		return ErrCheckoutNotFound
	}
	entry.checkout.Close()
	if r.snapshots != nil {
		if err := r.snapshots.Clear(ctx, id); err != nil {
			r.logger(ctx, "checkout_registry.snapshot_clear_failed", map[string]any{"checkoutID": id, "error": err.Error()})
		}
	}
	return nil
}

// Len returns the number of live checkouts.
func (r *CheckoutRegistry) Len() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.entries)
}

// Sweep evicts checkouts idle for longer than the TTL. Their snapshots stay in the mirror so a
// later request can restore them.
func (r *CheckoutRegistry) Sweep(ctx context.Context) int {
	now := r.now()
	var evicted []*Checkout
	r.mu.Lock()
	for id, entry := range r.entries {
		if now.Sub(entry.lastSeen) < r.ttl {
			continue
		}
		if entry.checkout.Status() == CheckoutStatusProcessingPayment {
			continue
		}
		evicted = append(evicted, entry.checkout)
		delete(r.entries, id)
	}
	r.mu.Unlock()

	for _, checkout := range evicted {
		checkout.Close()
	}
	if len(evicted) > 0 {
		r.logger(ctx, "checkout_registry.swept", map[string]any{"evicted": len(evicted)})
	}
	return len(evicted)
}

// Run sweeps on every interval until ctx is done, then closes every checkout.
func (r *CheckoutRegistry) Run(ctx context.Context, interval time.Duration) {
	if interval <= 0 {
		interval = time.Minute
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			r.closeAll()
			return
		case <-ticker.C:
			r.Sweep(ctx)
		}
	}
}

func (r *CheckoutRegistry) closeAll() {
	r.mu.Lock()
	entries := r.entries
	r.entries = make(map[string]*registryEntry)
	r.mu.Unlock()
	for _, entry := range entries {
		entry.checkout.Close()
	}
}
