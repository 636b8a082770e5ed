package payments

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/stripe/stripe-go/v78"
	"github.com/stripe/stripe-go/v78/client"
)

// ErrPaymentMethodRejected marks a payment method that cannot be charged, so
// submit fails before the intent is confirmed.
var ErrPaymentMethodRejected = errors.New("payments: payment method rejected")

// PaymentMethodDetails is what the payment UI handed back, as Stripe sees it.
type PaymentMethodDetails struct {
	ID       string
	Type     string
	Wallet   string
	Brand    string
	Last4    string
	ExpMonth int
	ExpYear  int
}

// Expired reports whether a card's expiry month lies before now's month.
// Non-card methods never expire.
func (d PaymentMethodDetails) Expired(now time.Time) bool {
	if d.ExpYear == 0 || d.ExpMonth == 0 {
		return false
	}
	year, month, _ := now.Date()
	return d.ExpYear < year || (d.ExpYear == year && d.ExpMonth < int(month))
}

// StripePaymentMethodVerifier resolves a payment method id before submit.
type StripePaymentMethodVerifier struct {
	api     stripePaymentMethodAPI
	account string
	clock   func() time.Time
}

func NewStripePaymentMethodVerifier(cfg StripeProviderConfig) (*StripePaymentMethodVerifier, error) {
	var api stripePaymentMethodAPI
	if cfg.Clients != nil && cfg.Clients.paymentMethods != nil {
		api = cfg.Clients.paymentMethods
	} else {
		key := strings.TrimSpace(cfg.APIKey)
		if key == "" {
			return nil, errors.New("stripe: api key is required")
		}
		api = client.New(key, cfg.Backends).PaymentMethods
	}
	clock := cfg.Clock
	if clock == nil {
		clock = time.Now
	}
	return &StripePaymentMethodVerifier{
		api:     api,
		account: strings.TrimSpace(cfg.AccountID),
		clock:   clock,
	}, nil
}

// Lookup fetches the method and rejects expired cards with ErrPaymentMethodRejected.
func (v *StripePaymentMethodVerifier) Lookup(ctx context.Context, id string) (PaymentMethodDetails, error) {
	id = strings.TrimSpace(id)
	if id == "" {
		return PaymentMethodDetails{}, fmt.Errorf("%w: payment method id is required", ErrPaymentMethodRejected)
	}

	params := &stripe.PaymentMethodParams{}
	params.Context = ctx
	if v.account != "" {
		params.SetStripeAccount(v.account)
	}
	pm, err := v.api.Get(id, params)
	if err != nil {
		return PaymentMethodDetails{}, stripeError("lookup payment method", err)
	}

	details := PaymentMethodDetails{ID: id}
	if pm == nil {
		return details, nil
	}
	if pm.ID != "" {
		details.ID = pm.ID
	}
	details.Type = string(pm.Type)
	if card := pm.Card; card != nil {
		details.Brand = strings.ToLower(string(card.Brand))
		details.Last4 = card.Last4
		details.ExpMonth = int(card.ExpMonth)
		details.ExpYear = int(card.ExpYear)
		if card.Wallet != nil {
			details.Wallet = string(card.Wallet.Type)
		}
	}
	if details.Expired(v.clock()) {
		return details, fmt.Errorf("%w: card ending %s expired %02d/%d",
			ErrPaymentMethodRejected, details.Last4, details.ExpMonth, details.ExpYear)
	}
	return details, nil
}
