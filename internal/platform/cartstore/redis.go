package cartstore

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/hanko-field/checkout/internal/domain"
)

const keyPrefix = "checkout:snapshot:"

// Commands is the subset of the Redis client used by the stores.
type Commands interface {
	Get(ctx context.Context, key string) *redis.StringCmd
	Set(ctx context.Context, key string, value interface{}, expiration time.Duration) *redis.StatusCmd
	Del(ctx context.Context, keys ...string) *redis.IntCmd
}

// Connect initialises a Redis client from a redis:// URL or a host:port address.
func Connect(_ context.Context, redisURL string) (*redis.Client, error) {
	redisURL = strings.TrimSpace(redisURL)
	if redisURL == "" {
		return nil, errors.New("cartstore: redis url is required")
	}
	if strings.HasPrefix(redisURL, "redis://") || strings.HasPrefix(redisURL, "rediss://") {
		opt, err := redis.ParseURL(redisURL)
		if err != nil {
			return nil, fmt.Errorf("cartstore: parse redis url: %w", err)
		}
		return redis.NewClient(opt), nil
	}
	return redis.NewClient(&redis.Options{Addr: redisURL}), nil
}

// RedisStore persists snapshots as JSON documents with a sliding TTL.
type RedisStore struct {
	client Commands
	ttl    time.Duration
}

// NewRedisStore constructs a Redis-backed store.
func NewRedisStore(client Commands, ttl time.Duration) (*RedisStore, error) {
	if client == nil {
		return nil, errors.New("cartstore: redis client is required")
	}
	if ttl <= 0 {
		ttl = DefaultTTL
	}
	return &RedisStore{client: client, ttl: ttl}, nil
}

// Load implements Store.
func (s *RedisStore) Load(ctx context.Context, key string) (domain.CartSnapshot, error) {
	raw, err := s.client.Get(ctx, keyPrefix+key).Bytes()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return domain.CartSnapshot{}, ErrNotFound
		}
		return domain.CartSnapshot{}, fmt.Errorf("cartstore: load %s: %w", key, err)
	}
	var doc snapshotDocument
	if err := json.Unmarshal(raw, &doc); err != nil {
		return domain.CartSnapshot{}, fmt.Errorf("cartstore: decode %s: %w", key, err)
	}
	return doc.toDomain(), nil
}

// Save implements Store.
func (s *RedisStore) Save(ctx context.Context, key string, snapshot domain.CartSnapshot) error {
	raw, err := json.Marshal(newSnapshotDocument(snapshot))
	if err != nil {
		return fmt.Errorf("cartstore: encode %s: %w", key, err)
	}
	if err := s.client.Set(ctx, keyPrefix+key, raw, s.ttl).Err(); err != nil {
		return fmt.Errorf("cartstore: save %s: %w", key, err)
	}
	return nil
}

// Clear implements Store.
func (s *RedisStore) Clear(ctx context.Context, key string) error {
	if err := s.client.Del(ctx, keyPrefix+key).Err(); err != nil {
		return fmt.Errorf("cartstore: clear %s: %w", key, err)
	}
	return nil
}

type snapshotDocument struct {
	ID              string             `json:"id"`
	Items           []lineItemDocument `json:"items"`
	ShippingAddress *domain.Address    `json:"shippingAddress,omitempty"`
	Email           string             `json:"email,omitempty"`
	Currency        string             `json:"currency"`
	RegionID        string             `json:"regionId"`
	CountryCode     string             `json:"countryCode,omitempty"`
	PromoCodes      []string           `json:"promoCodes,omitempty"`
}

type lineItemDocument struct {
	ProductID string `json:"productId"`
	VariantID string `json:"variantId,omitempty"`
	Quantity  int    `json:"quantity"`
	UnitPrice int64  `json:"unitPrice"`
	Color     string `json:"color,omitempty"`
	Title     string `json:"title,omitempty"`
}

func newSnapshotDocument(snapshot domain.CartSnapshot) snapshotDocument {
	doc := snapshotDocument{
		ID:              snapshot.ID,
		ShippingAddress: snapshot.ShippingAddress,
		Email:           snapshot.Email,
		Currency:        snapshot.Currency,
		RegionID:        snapshot.RegionID,
		CountryCode:     snapshot.CountryCode,
		PromoCodes:      snapshot.PromoCodes,
	}
	for _, item := range snapshot.Items {
		doc.Items = append(doc.Items, lineItemDocument{
			ProductID: item.ProductID,
			VariantID: item.VariantID,
			Quantity:  item.Quantity,
			UnitPrice: item.UnitPrice,
			Color:     item.Color,
			Title:     item.Title,
		})
	}
	return doc
}

func (d snapshotDocument) toDomain() domain.CartSnapshot {
	snapshot := domain.CartSnapshot{
		ID:              d.ID,
		ShippingAddress: d.ShippingAddress,
		Email:           d.Email,
		Currency:        d.Currency,
		RegionID:        d.RegionID,
		CountryCode:     d.CountryCode,
		PromoCodes:      d.PromoCodes,
	}
	for _, item := range d.Items {
		if item.Quantity <= 0 {
			continue
		}
		snapshot.Items = append(snapshot.Items, domain.LineItem{
			ProductID: item.ProductID,
			VariantID: item.VariantID,
			Quantity:  item.Quantity,
			UnitPrice: item.UnitPrice,
			Color:     item.Color,
			Title:     item.Title,
		})
	}
	return snapshot
}
