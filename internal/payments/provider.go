package payments

import (
	"context"
	"errors"
	"fmt"
	"strings"
)

// Status enumerates the normalised confirmation states shared across providers.
type Status string

const (
	// StatusSucceeded indicates the provider captured or authorised the payment.
	StatusSucceeded Status = "succeeded"
	// StatusProcessing indicates the provider accepted the payment but has not settled it yet.
	StatusProcessing Status = "processing"
	// StatusRequiresAction indicates the shopper must complete an extra step (3-D Secure, redirect).
	StatusRequiresAction Status = "requires_action"
	// StatusFailed indicates the payment cannot proceed with the current payment method.
	StatusFailed Status = "failed"
)

// ErrUnsupportedProvider is returned when the manager cannot locate a provider.
var ErrUnsupportedProvider = errors.New("payments: unsupported provider")

// ErrMissingIntent is returned when neither an intent id nor a client secret identify the payment.
var ErrMissingIntent = errors.New("payments: payment intent is required")

// ConfirmRequest contains the data required to confirm the provider payment mounted in the payment UI.
type ConfirmRequest struct {
	IntentID        string
	ClientSecret    string
	PaymentMethodID string
	ReturnURL       string
	IdempotencyKey  string
	Metadata        map[string]string
}

// LookupRequest identifies a payment for status reconciliation.
type LookupRequest struct {
	IntentID string
}

// Confirmation normalises the provider response to a confirmation attempt.
type Confirmation struct {
	Provider      string
	IntentID      string
	Status        Status
	Amount        int64
	Currency      string
	NextActionURL string
}

// Settled reports whether the payment no longer needs shopper interaction.
func (c Confirmation) Settled() bool {
	return c.Status == StatusSucceeded || c.Status == StatusProcessing
}

// ProviderError is a declined or rejected payment reported by the provider.
type ProviderError struct {
	Provider    string
	Type        string
	Code        string
	DeclineCode string
	Message     string
}

func (e *ProviderError) Error() string {
	if e == nil {
		return ""
	}
	parts := []string{e.Provider}
	if e.Code != "" {
		parts = append(parts, e.Code)
	}
	if e.DeclineCode != "" {
		parts = append(parts, e.DeclineCode)
	}
	return fmt.Sprintf("payments: %s: %s", strings.Join(parts, "/"), e.Message)
}

// CardDeclined reports whether the provider declined the card itself.
func (e *ProviderError) CardDeclined() bool {
	return e != nil && (e.Type == "card_error" || e.DeclineCode != "")
}

// Provider defines the contract for payment provider adapters.
type Provider interface {
	ConfirmPayment(ctx context.Context, req ConfirmRequest) (Confirmation, error)
	LookupPayment(ctx context.Context, req LookupRequest) (Confirmation, error)
}
