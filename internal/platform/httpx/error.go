package httpx

import (
	"context"
	"encoding/json"
	"net/http"
	"strings"

	"github.com/go-chi/chi/v5/middleware"

	"github.com/hanko-field/checkout/internal/platform/requestctx"
)

const (
	maxCodeLen    = 80
	maxMessageLen = 512
	maxIDLen      = 80
)

// Error is a checkout API failure: a stable machine code, a human message and
// the HTTP status it maps to. Details carry section or provider context.
type Error struct {
	Code    string
	Message string
	Status  int
	Details map[string]any
}

// envelope is the wire shape every error response shares.
type envelope struct {
	Error      string         `json:"error"`
	Message    string         `json:"message"`
	Status     int            `json:"status"`
	RequestID  string         `json:"requestId,omitempty"`
	TraceID    string         `json:"traceId,omitempty"`
	CheckoutID string         `json:"checkoutId,omitempty"`
	Details    map[string]any `json:"details,omitempty"`
}

// NewError builds an Error; a zero status means 500.
func NewError(code, message string, status int) Error {
	if status == 0 {
		status = http.StatusInternalServerError
	}
	return Error{
		Code:    clip(code, maxCodeLen),
		Message: clip(message, maxMessageLen),
		Status:  status,
	}
}

// WithDetails returns a copy of e carrying the given details. Nil or empty
// maps leave e untouched.
func (e Error) WithDetails(details map[string]any) Error {
	if len(details) == 0 {
		return e
	}
	merged := make(map[string]any, len(e.Details)+len(details))
	for k, v := range e.Details {
		merged[k] = v
	}
	for k, v := range details {
		merged[k] = v
	}
	e.Details = merged
	return e
}

func (e Error) Error() string {
	if e.Message == "" {
		return e.Code
	}
	return e.Code + ": " + e.Message
}

// WriteError renders err, tagging it with the request, trace and checkout
// identifiers found on ctx.
func WriteError(ctx context.Context, w http.ResponseWriter, err Error) {
	if err.Status == 0 {
		err.Status = http.StatusInternalServerError
	}
	body := envelope{
		Error:      err.Code,
		Message:    err.Message,
		Status:     err.Status,
		RequestID:  clip(middleware.GetReqID(ctx), maxIDLen),
		TraceID:    clip(requestctx.TraceID(ctx), maxIDLen),
		CheckoutID: clip(requestctx.CheckoutID(ctx), maxIDLen),
		Details:    err.Details,
	}

	w.Header().Set("Content-Type", "application/json")
	w.Header().Set("Cache-Control", "no-store")
	w.WriteHeader(err.Status)
	_ = json.NewEncoder(w).Encode(body)
}

// clip flattens newlines and bounds the length so user input cannot forge
// log lines or bloat responses.
func clip(value string, limit int) string {
	value = strings.TrimSpace(strings.NewReplacer("\r", " ", "\n", " ").Replace(value))
	if len(value) > limit {
		value = value[:limit]
	}
	return value
}
