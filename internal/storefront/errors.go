package storefront

import (
	"errors"
	"fmt"
	"strings"
)

// Backend error codes the engine reacts to.
const (
	CodeRegionMismatch = "REGION_MISMATCH"
	CodeInventoryError = "INVENTORY_ERROR"
	CodeCartCompleted  = "CART_COMPLETED"
	CodeCartExpired    = "CART_EXPIRED"
)

var (
	// ErrMissingBaseURL is returned when the client is constructed without an API base URL.
	ErrMissingBaseURL = errors.New("storefront: base url is required")
	// ErrMissingCartID is returned when a cart-scoped call receives an empty cart id.
	ErrMissingCartID = errors.New("storefront: cart id is required")
	// ErrMissingCollectionID is returned when a session call receives an empty collection id.
	ErrMissingCollectionID = errors.New("storefront: payment collection id is required")
	// ErrNetwork marks transport-level failures (connection refused, reset, DNS).
	ErrNetwork = errors.New("storefront: network error")
	// ErrMalformedResponse is returned when a success response cannot be decoded.
	ErrMalformedResponse = errors.New("storefront: malformed response")
)

// APIError is a non-2xx response from the storefront API.
type APIError struct {
	Status  int
	Code    string
	Message string
	Details map[string]any
}

func (e *APIError) Error() string {
	if e == nil {
		return ""
	}
	msg := strings.TrimSpace(e.Message)
	if msg == "" {
		msg = "request failed"
	}
	if e.Code != "" {
		return fmt.Sprintf("storefront: %s (%s, status %d)", msg, e.Code, e.Status)
	}
	return fmt.Sprintf("storefront: %s (status %d)", msg, e.Status)
}

// DetailString returns a string detail value when present.
func (e *APIError) DetailString(key string) string {
	if e == nil || e.Details == nil {
		return ""
	}
	if v, ok := e.Details[key].(string); ok {
		return strings.TrimSpace(v)
	}
	return ""
}

// Retryable reports whether the failure is a server-side error worth retrying.
func (e *APIError) Retryable() bool {
	return e != nil && e.Status >= 500
}

// HasCode reports whether err is an APIError carrying the given backend code.
func HasCode(err error, code string) bool {
	var apiErr *APIError
	if !errors.As(err, &apiErr) {
		return false
	}
	return strings.EqualFold(apiErr.Code, code)
}

// IsNetwork reports whether err is a transport-level failure.
func IsNetwork(err error) bool {
	return errors.Is(err, ErrNetwork)
}

type transportError struct {
	op  string
	err error
}

func (e *transportError) Error() string {
	return fmt.Sprintf("storefront: %s: %v", e.op, e.err)
}

func (e *transportError) Unwrap() error { return e.err }

func (e *transportError) Is(target error) bool { return target == ErrNetwork }
