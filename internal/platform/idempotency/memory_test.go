package idempotency

import (
	"context"
	"errors"
	"net/http"
	"testing"
	"time"
)

func TestMemoryStoreReplacesExpiredReservation(t *testing.T) {
	ctx := context.Background()
	store := NewMemoryStore()

	if _, err := store.Reserve(ctx, "k", "fp", fixedTime, time.Minute); err != nil {
		t.Fatalf("Reserve: %v", err)
	}
	res, err := store.Reserve(ctx, "k", "other", fixedTime.Add(2*time.Minute), time.Minute)
	if err != nil {
		t.Fatalf("expected expired record to be replaced, got %v", err)
	}
	if res.State != ReservationStateNew || res.Record.Fingerprint != "other" {
		t.Fatalf("unexpected reservation %+v", res)
	}
}

func TestMemoryStoreCleanupHonoursLimit(t *testing.T) {
	ctx := context.Background()
	store := NewMemoryStore()
	for _, key := range []string{"a", "b", "c"} {
		if _, err := store.Reserve(ctx, key, "fp", fixedTime, time.Minute); err != nil {
			t.Fatalf("Reserve %s: %v", key, err)
		}
	}
	if _, err := store.Reserve(ctx, "live", "fp", fixedTime.Add(time.Hour), time.Hour); err != nil {
		t.Fatalf("Reserve live: %v", err)
	}

	later := fixedTime.Add(30 * time.Minute)
	removed, err := store.CleanupExpired(ctx, later, 2)
	if err != nil || removed != 2 {
		t.Fatalf("expected 2 removed, got %d %v", removed, err)
	}
	removed, _ = store.CleanupExpired(ctx, later, 0)
	if removed != 1 {
		t.Fatalf("expected remaining expired record removed, got %d", removed)
	}
	if store.Len() != 1 {
		t.Fatalf("expected live record to survive, got %d", store.Len())
	}
}

func TestMemoryStoreReleaseChecksFingerprint(t *testing.T) {
	ctx := context.Background()
	store := NewMemoryStore()
	if _, err := store.Reserve(ctx, "k", "fp", fixedTime, time.Minute); err != nil {
		t.Fatalf("Reserve: %v", err)
	}
	if err := store.Release(ctx, "k", "other"); !errors.Is(err, ErrFingerprintMismatch) {
		t.Fatalf("expected mismatch, got %v", err)
	}
	if err := store.Release(ctx, "k", "fp"); err != nil {
		t.Fatalf("Release: %v", err)
	}
	if err := store.Release(ctx, "missing", "fp"); err != nil {
		t.Fatalf("expected missing key release to be a no-op, got %v", err)
	}
}

func TestMemoryStoreDropsTraceHeadersFromReplay(t *testing.T) {
	ctx := context.Background()
	store := NewMemoryStore()
	if _, err := store.Reserve(ctx, "k", "fp", fixedTime, time.Minute); err != nil {
		t.Fatalf("Reserve: %v", err)
	}
	header := http.Header{
		"Content-Type":          {"application/json"},
		"Traceparent":           {"00-abc-def-01"},
		"X-Cloud-Trace-Context": {"abc/1;o=1"},
	}
	if err := store.SaveResponse(ctx, "k", "fp", Response{Status: 200, Headers: header}, fixedTime, time.Minute); err != nil {
		t.Fatalf("SaveResponse: %v", err)
	}
	res, err := store.Reserve(ctx, "k", "fp", fixedTime, time.Minute)
	if err != nil || res.State != ReservationStateCompleted {
		t.Fatalf("expected completed, got %v %v", res.State, err)
	}
	if len(res.Record.ResponseHeaders) != 1 || res.Record.ResponseHeaders["Content-Type"] == nil {
		t.Fatalf("unexpected replay headers %v", res.Record.ResponseHeaders)
	}
}
