package idempotency

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"net/http"
	"strings"
	"time"
)

// DefaultTTL bounds how long a replayable response is kept.
const DefaultTTL = 24 * time.Hour

// Status is the lifecycle of a stored key.
type Status string

const (
	StatusPending   Status = "pending"
	StatusCompleted Status = "completed"
)

// ReservationState tells the middleware what to do with a request.
type ReservationState int

const (
	// ReservationStateNew: the caller owns the key and runs the handler.
	ReservationStateNew ReservationState = iota
	// ReservationStateCompleted: replay Record's response.
	ReservationStateCompleted
	// ReservationStatePending: another request with the key is still running.
	ReservationStatePending
)

type Reservation struct {
	State  ReservationState
	Record Record
}

// Record is the stored form of a key. The JSON form is what RedisStore writes.
type Record struct {
	Key             string              `json:"key"`
	Fingerprint     string              `json:"fingerprint"`
	Status          Status              `json:"status"`
	ResponseStatus  int                 `json:"responseStatus,omitempty"`
	ResponseHeaders map[string][]string `json:"responseHeaders,omitempty"`
	ResponseBody    []byte              `json:"responseBody,omitempty"`
	CreatedAt       time.Time           `json:"createdAt"`
	UpdatedAt       time.Time           `json:"updatedAt"`
	ExpiresAt       time.Time           `json:"expiresAt"`
}

// Response is the handler output captured for replay.
type Response struct {
	Status  int
	Headers http.Header
	Body    []byte
}

// Store persists reservations and captured responses. Keys arrive already
// scoped to the caller.
type Store interface {
	Reserve(ctx context.Context, key, fingerprint string, now time.Time, ttl time.Duration) (Reservation, error)
	SaveResponse(ctx context.Context, key, fingerprint string, resp Response, now time.Time, ttl time.Duration) error
	Release(ctx context.Context, key, fingerprint string) error
	CleanupExpired(ctx context.Context, now time.Time, limit int) (int, error)
}

// ErrFingerprintMismatch reports a key reused for a different request.
var ErrFingerprintMismatch = errors.New("idempotency: key reserved for different request fingerprint")

func effectiveTTL(ttl time.Duration) time.Duration {
	if ttl <= 0 {
		return DefaultTTL
	}
	return ttl
}

// storageKey hashes the scoped key so header values never reach the backend verbatim.
func storageKey(key string) string {
	return sha256Hex([]byte(strings.TrimSpace(key)))
}

func sha256Hex(data []byte) string {
	sum := sha256.Sum256(data)
	return hex.EncodeToString(sum[:])
}

func pendingRecord(key, fingerprint string, now time.Time, ttl time.Duration) Record {
	return Record{
		Key:         key,
		Fingerprint: fingerprint,
		Status:      StatusPending,
		CreatedAt:   now,
		UpdatedAt:   now,
		ExpiresAt:   now.Add(ttl),
	}
}

func (r Record) expired(now time.Time) bool {
	return !r.ExpiresAt.IsZero() && !now.Before(r.ExpiresAt)
}

// complete fills r with resp. A zero r (the reservation expired before the
// handler finished) is re-keyed.
func (r Record) complete(key, fingerprint string, resp Response, now time.Time, ttl time.Duration) Record {
	if r.Key == "" {
		r.Key = key
		r.Fingerprint = fingerprint
	}
	if r.CreatedAt.IsZero() {
		r.CreatedAt = now
	}
	r.Status = StatusCompleted
	r.ResponseStatus = resp.Status
	r.ResponseHeaders = replayableHeaders(resp.Headers)
	r.ResponseBody = nil
	if len(resp.Body) > 0 {
		r.ResponseBody = append([]byte(nil), resp.Body...)
	}
	r.UpdatedAt = now
	r.ExpiresAt = now.Add(ttl)
	return r
}

// classify maps an existing live record to the reservation outcome for fingerprint.
func classify(existing Record, fingerprint string) (Reservation, error) {
	switch {
	case existing.Fingerprint != fingerprint:
		return Reservation{}, ErrFingerprintMismatch
	case existing.Status == StatusCompleted:
		return Reservation{State: ReservationStateCompleted, Record: existing}, nil
	default:
		return Reservation{State: ReservationStatePending, Record: existing}, nil
	}
}

var hopByHop = map[string]struct{}{
	"Connection":          {},
	"Content-Length":      {},
	"Date":                {},
	"Keep-Alive":          {},
	"Proxy-Authenticate":  {},
	"Proxy-Authorization": {},
	"Te":                  {},
	"Trailers":            {},
	"Transfer-Encoding":   {},
	"Upgrade":             {},
}

// replayableHeaders drops per-connection headers and the trace echo, which
// belong to the original exchange only.
func replayableHeaders(header http.Header) map[string][]string {
	out := make(map[string][]string, len(header))
	for name, values := range header {
		canonical := http.CanonicalHeaderKey(name)
		if _, skip := hopByHop[canonical]; skip {
			continue
		}
		if canonical == "Traceparent" || canonical == "X-Cloud-Trace-Context" {
			continue
		}
		out[canonical] = append([]string(nil), values...)
	}
	if len(out) == 0 {
		return nil
	}
	return out
}

func headersFromRecord(values map[string][]string) http.Header {
	header := make(http.Header, len(values))
	for name, vals := range values {
		header[name] = append([]string(nil), vals...)
	}
	return header
}
