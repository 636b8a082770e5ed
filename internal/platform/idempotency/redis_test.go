package idempotency

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/redis/go-redis/v9"
)

type fakeRedis struct {
	mu   sync.Mutex
	data map[string]string
	ttl  map[string]time.Duration
	err  error
}

func newFakeRedis() *fakeRedis {
	return &fakeRedis{data: map[string]string{}, ttl: map[string]time.Duration{}}
}

func (f *fakeRedis) Get(_ context.Context, key string) *redis.StringCmd {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.err != nil {
		return redis.NewStringResult("", f.err)
	}
	val, ok := f.data[key]
	if !ok {
		return redis.NewStringResult("", redis.Nil)
	}
	return redis.NewStringResult(val, nil)
}

func (f *fakeRedis) SetNX(_ context.Context, key string, value interface{}, expiration time.Duration) *redis.BoolCmd {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.err != nil {
		return redis.NewBoolResult(false, f.err)
	}
	if _, ok := f.data[key]; ok {
		return redis.NewBoolResult(false, nil)
	}
	f.data[key] = toString(value)
	f.ttl[key] = expiration
	return redis.NewBoolResult(true, nil)
}

func (f *fakeRedis) Set(_ context.Context, key string, value interface{}, expiration time.Duration) *redis.StatusCmd {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.err != nil {
		return redis.NewStatusResult("", f.err)
	}
	f.data[key] = toString(value)
	f.ttl[key] = expiration
	return redis.NewStatusResult("OK", nil)
}

func (f *fakeRedis) Del(_ context.Context, keys ...string) *redis.IntCmd {
	f.mu.Lock()
	defer f.mu.Unlock()
	var removed int64
	for _, key := range keys {
		if _, ok := f.data[key]; ok {
			delete(f.data, key)
			removed++
		}
	}
	return redis.NewIntResult(removed, nil)
}

func toString(value interface{}) string {
	switch v := value.(type) {
	case []byte:
		return string(v)
	case string:
		return v
	}
	return ""
}

func TestRedisStoreReserveLifecycle(t *testing.T) {
	ctx := context.Background()
	client := newFakeRedis()
	store, err := NewRedisStore(client, WithKeyPrefix("test:"))
	if err != nil {
		t.Fatalf("NewRedisStore: %v", err)
	}

	res, err := store.Reserve(ctx, "key|10.0.0.1", "fp", fixedTime, time.Hour)
	if err != nil || res.State != ReservationStateNew {
		t.Fatalf("expected new reservation, got %v %v", res.State, err)
	}
	id := "test:" + storageKey("key|10.0.0.1")
	if client.ttl[id] != time.Hour {
		t.Fatalf("expected ttl 1h, got %s", client.ttl[id])
	}

	res, err = store.Reserve(ctx, "key|10.0.0.1", "fp", fixedTime, time.Hour)
	if err != nil || res.State != ReservationStatePending {
		t.Fatalf("expected pending reservation, got %v %v", res.State, err)
	}

	if _, err := store.Reserve(ctx, "key|10.0.0.1", "other", fixedTime, time.Hour); !errors.Is(err, ErrFingerprintMismatch) {
		t.Fatalf("expected fingerprint mismatch, got %v", err)
	}

	header := http.Header{"Content-Type": {"application/json"}, "Content-Length": {"11"}}
	if err := store.SaveResponse(ctx, "key|10.0.0.1", "fp", Response{Status: 201, Headers: header, Body: []byte(`{"ok":true}`)}, fixedTime, time.Hour); err != nil {
		t.Fatalf("SaveResponse: %v", err)
	}

	res, err = store.Reserve(ctx, "key|10.0.0.1", "fp", fixedTime, time.Hour)
	if err != nil || res.State != ReservationStateCompleted {
		t.Fatalf("expected completed reservation, got %v %v", res.State, err)
	}
	if res.Record.ResponseStatus != 201 || string(res.Record.ResponseBody) != `{"ok":true}` {
		t.Fatalf("unexpected stored response: %#v", res.Record)
	}
	if _, ok := res.Record.ResponseHeaders["Content-Length"]; ok {
		t.Fatalf("expected hop headers to be stripped")
	}
}

func TestRedisStoreRelease(t *testing.T) {
	ctx := context.Background()
	client := newFakeRedis()
	store, _ := NewRedisStore(client)

	if _, err := store.Reserve(ctx, "k", "fp", fixedTime, time.Minute); err != nil {
		t.Fatalf("Reserve: %v", err)
	}
	if err := store.Release(ctx, "k", "other"); !errors.Is(err, ErrFingerprintMismatch) {
		t.Fatalf("expected mismatch on foreign release, got %v", err)
	}
	if err := store.Release(ctx, "k", "fp"); err != nil {
		t.Fatalf("Release: %v", err)
	}
	if len(client.data) != 0 {
		t.Fatalf("expected key removed, got %v", client.data)
	}
	res, err := store.Reserve(ctx, "k", "fp", fixedTime, time.Minute)
	if err != nil || res.State != ReservationStateNew {
		t.Fatalf("expected fresh reservation after release, got %v %v", res.State, err)
	}
}

func TestRedisStorePropagatesErrors(t *testing.T) {
	client := newFakeRedis()
	client.err = errors.New("connection refused")
	store, _ := NewRedisStore(client)

	if _, err := store.Reserve(context.Background(), "k", "fp", fixedTime, time.Minute); err == nil {
		t.Fatal("expected error")
	}
}

func TestNewRedisStoreRequiresClient(t *testing.T) {
	if _, err := NewRedisStore(nil); err == nil {
		t.Fatal("expected error for nil client")
	}
}

func TestMiddlewareReplaysFromRedisStore(t *testing.T) {
	store, _ := NewRedisStore(newFakeRedis())
	calls := 0
	handler := Middleware(store, WithClock(func() time.Time { return fixedTime }))(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		calls++
		w.WriteHeader(http.StatusCreated)
		_, _ = w.Write([]byte(`{"id":"chk_1"}`))
	}))

	for i := 0; i < 2; i++ {
		req := httptest.NewRequest(http.MethodPost, "/checkouts", strings.NewReader(`{}`))
		req.Header.Set("Idempotency-Key", "create-1")
		handler.ServeHTTP(httptest.NewRecorder(), req)
	}
	if calls != 1 {
		t.Fatalf("expected single execution, got %d", calls)
	}
}
