package services

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/hanko-field/checkout/internal/platform/cartstore"
)

// DefaultRateCacheTTL bounds how long quoted shipping options are reused.
const DefaultRateCacheTTL = 10 * time.Minute

const rateCacheKeyPrefix = "checkout:rates:"

// CachedRates is a shipping quote remembered for a cart fingerprint.
type CachedRates struct {
	CartID   string
	Options  []ShippingOption
	StoredAt time.Time
}

// RateCache stores shipping quotes keyed by RateCacheKey.
type RateCache interface {
	Get(ctx context.Context, key string) (CachedRates, bool, error)
	Set(ctx context.Context, key string, rates CachedRates) error
}

// RateCacheKey fingerprints the inputs a shipping quote depends on: line items, destination,
// currency and running total.
func RateCacheKey(snapshot CartSnapshot) string {
	tuples := make([]string, 0, len(snapshot.Items))
	for _, item := range snapshot.Items {
		if item.Quantity <= 0 {
			continue
		}
		tuples = append(tuples, strings.Join([]string{
			strings.TrimSpace(item.ProductID),
			strings.TrimSpace(item.VariantID),
			strconv.Itoa(item.Quantity),
		}, ":"))
	}
	sort.Strings(tuples)

	var country, province, postal string
	if snapshot.ShippingAddress != nil {
		country, province, postal = snapshot.ShippingAddress.Destination()
	}

	h := sha256.New()
	h.Write([]byte(strings.Join(tuples, ",")))
	h.Write([]byte{0})
	h.Write([]byte(country + "|" + province + "|" + postal))
	h.Write([]byte{0})
	h.Write([]byte(strings.ToUpper(strings.TrimSpace(snapshot.Currency))))
	h.Write([]byte{0})
	h.Write([]byte(strconv.FormatInt(snapshot.ItemsSubtotal(), 10)))
	return hex.EncodeToString(h.Sum(nil))
}

// MemoryRateCache is an in-process RateCache with a fixed TTL.
type MemoryRateCache struct {
	mu      sync.Mutex
	ttl     time.Duration
	now     func() time.Time
	entries map[string]CachedRates
}

// NewMemoryRateCache constructs an in-memory cache.
func NewMemoryRateCache(ttl time.Duration, clock func() time.Time) *MemoryRateCache {
	if ttl <= 0 {
		ttl = DefaultRateCacheTTL
	}
	if clock == nil {
		clock = time.Now
	}
	return &MemoryRateCache{
		ttl:     ttl,
		now:     func() time.Time { return clock().UTC() },
		entries: make(map[string]CachedRates),
	}
}

// Get implements RateCache.
func (c *MemoryRateCache) Get(_ context.Context, key string) (CachedRates, bool, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	entry, ok := c.entries[key]
	if !ok {
		return CachedRates{}, false, nil
	}
	if c.now().Sub(entry.StoredAt) > c.ttl {
		delete(c.entries, key)
		return CachedRates{}, false, nil
	}
	entry.Options = append([]ShippingOption(nil), entry.Options...)
	return entry, true, nil
}

// Set implements RateCache.
func (c *MemoryRateCache) Set(_ context.Context, key string, rates CachedRates) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if rates.StoredAt.IsZero() {
		rates.StoredAt = c.now()
	}
	rates.Options = append([]ShippingOption(nil), rates.Options...)
	c.entries[key] = rates
	return nil
}

// RedisRateCache shares shipping quotes across processes. Expiry is delegated to Redis.
type RedisRateCache struct {
	client cartstore.Commands
	ttl    time.Duration
	now    func() time.Time
}

// NewRedisRateCache constructs a Redis-backed cache.
func NewRedisRateCache(client cartstore.Commands, ttl time.Duration) (*RedisRateCache, error) {
	if client == nil {
		return nil, errors.New("rate cache: redis client is required")
	}
	if ttl <= 0 {
		ttl = DefaultRateCacheTTL
	}
	return &RedisRateCache{client: client, ttl: ttl, now: func() time.Time { return time.Now().UTC() }}, nil
}

type cachedRatesDocument struct {
	CartID   string                 `json:"cartId"`
	Options  []cachedOptionDocument `json:"options"`
	StoredAt time.Time              `json:"storedAt"`
}

type cachedOptionDocument struct {
	ID               string `json:"id"`
	Name             string `json:"name"`
	Amount           int64  `json:"amount"`
	OriginalAmount   *int64 `json:"originalAmount,omitempty"`
	DeliveryEstimate string `json:"deliveryEstimate,omitempty"`
}

// Get implements RateCache.
func (c *RedisRateCache) Get(ctx context.Context, key string) (CachedRates, bool, error) {
	raw, err := c.client.Get(ctx, rateCacheKeyPrefix+key).Bytes()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return CachedRates{}, false, nil
		}
		return CachedRates{}, false, fmt.Errorf("rate cache: get: %w", err)
	}
	var doc cachedRatesDocument
	if err := json.Unmarshal(raw, &doc); err != nil {
		return CachedRates{}, false, fmt.Errorf("rate cache: decode: %w", err)
	}
	out := CachedRates{CartID: doc.CartID, StoredAt: doc.StoredAt}
	for _, opt := range doc.Options {
		out.Options = append(out.Options, ShippingOption{
			ID:               opt.ID,
			Name:             opt.Name,
			Amount:           opt.Amount,
			OriginalAmount:   opt.OriginalAmount,
			DeliveryEstimate: opt.DeliveryEstimate,
		})
	}
	return out, true, nil
}

// Set implements RateCache.
func (c *RedisRateCache) Set(ctx context.Context, key string, rates CachedRates) error {
	if rates.StoredAt.IsZero() {
		rates.StoredAt = c.now()
	}
	doc := cachedRatesDocument{CartID: rates.CartID, StoredAt: rates.StoredAt}
	for _, opt := range rates.Options {
		doc.Options = append(doc.Options, cachedOptionDocument{
			ID:               opt.ID,
			Name:             opt.Name,
			Amount:           opt.Amount,
			OriginalAmount:   opt.OriginalAmount,
			DeliveryEstimate: opt.DeliveryEstimate,
		})
	}
	raw, err := json.Marshal(doc)
	if err != nil {
		return fmt.Errorf("rate cache: encode: %w", err)
	}
	if err := c.client.Set(ctx, rateCacheKeyPrefix+key, raw, c.ttl).Err(); err != nil {
		return fmt.Errorf("rate cache: set: %w", err)
	}
	return nil
}
