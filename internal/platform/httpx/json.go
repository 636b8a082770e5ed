package httpx

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
)

// DefaultBodyLimit caps request bodies when callers pass a non-positive limit.
const DefaultBodyLimit = 32 * 1024

var (
	// ErrEmptyBody reports a missing or whitespace-only request body.
	ErrEmptyBody = errors.New("httpx: request body is required")
	// ErrBodyTooLarge reports a body over the configured limit.
	ErrBodyTooLarge = errors.New("httpx: request body exceeds allowed size")
)

// DecodeJSON reads at most limit bytes from the request and decodes them into dst.
// Unknown fields are rejected.
func DecodeJSON(r *http.Request, limit int64, dst any) error {
	if r == nil || r.Body == nil {
		return ErrEmptyBody
	}
	if limit <= 0 {
		limit = DefaultBodyLimit
	}
	data, err := io.ReadAll(io.LimitReader(r.Body, limit+1))
	if err != nil {
		return err
	}
	if int64(len(data)) > limit {
		return ErrBodyTooLarge
	}
	if strings.TrimSpace(string(data)) == "" {
		return ErrEmptyBody
	}
	dec := json.NewDecoder(strings.NewReader(string(data)))
	dec.DisallowUnknownFields()
	if err := dec.Decode(dst); err != nil {
		return fmt.Errorf("invalid JSON payload: %w", err)
	}
	return nil
}

// WriteJSON encodes payload with the given status.
func WriteJSON(w http.ResponseWriter, status int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if payload == nil {
		return
	}
	_ = json.NewEncoder(w).Encode(payload)
}

// DecodeError maps a DecodeJSON failure to the error envelope.
func DecodeError(err error) Error {
	switch {
	case errors.Is(err, ErrBodyTooLarge):
		return NewError("payload_too_large", "request body exceeds allowed size", http.StatusRequestEntityTooLarge)
	case errors.Is(err, ErrEmptyBody):
		return NewError("invalid_request", "request body is required", http.StatusBadRequest)
	default:
		return NewError("invalid_request", err.Error(), http.StatusBadRequest)
	}
}
