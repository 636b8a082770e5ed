package payments

import (
	"context"
	"errors"
	"fmt"
	"maps"
	"strings"
	"time"

	"github.com/stripe/stripe-go/v78"
	"github.com/stripe/stripe-go/v78/client"
)

// StripeLogger defines the logging contract for Stripe provider operations.
type StripeLogger func(ctx context.Context, event string, fields map[string]any)

type stripePaymentIntentAPI interface {
	Confirm(id string, params *stripe.PaymentIntentConfirmParams) (*stripe.PaymentIntent, error)
	Get(id string, params *stripe.PaymentIntentParams) (*stripe.PaymentIntent, error)
}

type stripePaymentMethodAPI interface {
	Get(id string, params *stripe.PaymentMethodParams) (*stripe.PaymentMethod, error)
}

type stripeClients struct {
	intents        stripePaymentIntentAPI
	paymentMethods stripePaymentMethodAPI
}

// StripeProviderConfig configures the StripeProvider.
type StripeProviderConfig struct {
	APIKey    string
	AccountID string
	Backends  *stripe.Backends
	Logger    StripeLogger
	Clock     func() time.Time
	Clients   *stripeClients
}

// StripeProvider implements the Provider interface using Stripe Payment Intents.
type StripeProvider struct {
	api     stripeClients
	account string
	clock   func() time.Time
	logger  StripeLogger
}

// NewStripeProvider builds the provider. Clients, when set, replace the
// live API and make APIKey optional.
func NewStripeProvider(cfg StripeProviderConfig) (*StripeProvider, error) {
	p := &StripeProvider{
		account: strings.TrimSpace(cfg.AccountID),
		clock:   cfg.Clock,
		logger:  cfg.Logger,
	}
	switch {
	case cfg.Clients != nil:
		p.api = *cfg.Clients
	case strings.TrimSpace(cfg.APIKey) != "":
		live := client.New(strings.TrimSpace(cfg.APIKey), cfg.Backends)
		p.api = stripeClients{intents: live.PaymentIntents, paymentMethods: live.PaymentMethods}
	default:
		return nil, errors.New("stripe: api key is required")
	}
	if p.api.intents == nil || p.api.paymentMethods == nil {
		return nil, errors.New("stripe: incomplete client configuration")
	}
	if p.clock == nil {
		p.clock = time.Now
	}
	if p.logger == nil {
		p.logger = func(context.Context, string, map[string]any) {}
	}
	return p, nil
}

// scope binds a request to ctx and the connected account, if any.
func (p *StripeProvider) scope(ctx context.Context, params *stripe.Params) {
	params.Context = ctx
	if p.account != "" {
		params.SetStripeAccount(p.account)
	}
}

// ConfirmPayment confirms the Payment Intent the payment UI was mounted with.
// The intent named by the client secret wins over req.IntentID because the
// secret is what the shopper's browser used.
func (p *StripeProvider) ConfirmPayment(ctx context.Context, req ConfirmRequest) (Confirmation, error) {
	if p == nil {
		return Confirmation{}, errors.New("stripe: provider is nil")
	}
	intentID := p.intentForConfirm(ctx, req)
	if intentID == "" {
		return Confirmation{}, ErrMissingIntent
	}

	params := &stripe.PaymentIntentConfirmParams{
		PaymentMethod: optionalString(req.PaymentMethodID),
		ReturnURL:     optionalString(req.ReturnURL),
	}
	p.scope(ctx, &params.Params)
	if key := strings.TrimSpace(req.IdempotencyKey); key != "" {
		params.SetIdempotencyKey(key)
	}
	if len(req.Metadata) > 0 {
		params.Metadata = maps.Clone(req.Metadata)
	}

	intent, err := p.api.intents.Confirm(intentID, params)
	if err != nil {
		return Confirmation{}, stripeError("confirm payment intent", err)
	}
	p.logger(ctx, "payments.stripe.intent.confirmed", map[string]any{
		"paymentIntent": intent.ID,
		"status":        intent.Status,
		"confirmedAt":   p.clock().UTC(),
	})
	return stripeConfirmation(intent), nil
}

func (p *StripeProvider) intentForConfirm(ctx context.Context, req ConfirmRequest) string {
	given := strings.TrimSpace(req.IntentID)
	fromSecret := IntentIDFromClientSecret(req.ClientSecret)
	if fromSecret == "" {
		return given
	}
	if given != "" && given != fromSecret {
		p.logger(ctx, "payments.stripe.intent.secret_mismatch", map[string]any{
			"paymentIntent":       given,
			"secretPaymentIntent": fromSecret,
		})
	}
	return fromSecret
}

// LookupPayment reads the current state of a Payment Intent.
func (p *StripeProvider) LookupPayment(ctx context.Context, req LookupRequest) (Confirmation, error) {
	if p == nil {
		return Confirmation{}, errors.New("stripe: provider is nil")
	}
	id := strings.TrimSpace(req.IntentID)
	if id == "" {
		return Confirmation{}, ErrMissingIntent
	}
	params := &stripe.PaymentIntentParams{}
	p.scope(ctx, &params.Params)
	intent, err := p.api.intents.Get(id, params)
	if err != nil {
		return Confirmation{}, stripeError("lookup payment intent", err)
	}
	return stripeConfirmation(intent), nil
}

func optionalString(v string) *string {
	if v = strings.TrimSpace(v); v == "" {
		return nil
	}
	return stripe.String(v)
}

// IntentIDFromClientSecret extracts "pi_123" from a client secret of the form "pi_123_secret_abc".
func IntentIDFromClientSecret(secret string) string {
	id, _, found := strings.Cut(strings.TrimSpace(secret), "_secret_")
	if !found {
		return ""
	}
	return id
}

// intentStatuses folds Stripe intent states into Status. Unknown states
// count as failed.
var intentStatuses = map[stripe.PaymentIntentStatus]Status{
	stripe.PaymentIntentStatusSucceeded:             StatusSucceeded,
	stripe.PaymentIntentStatusRequiresCapture:       StatusSucceeded,
	stripe.PaymentIntentStatusProcessing:            StatusProcessing,
	stripe.PaymentIntentStatusRequiresAction:        StatusRequiresAction,
	stripe.PaymentIntentStatusRequiresConfirmation:  StatusRequiresAction,
	stripe.PaymentIntentStatusRequiresPaymentMethod: StatusFailed,
	stripe.PaymentIntentStatusCanceled:              StatusFailed,
}

func stripeConfirmation(intent *stripe.PaymentIntent) Confirmation {
	if intent == nil {
		return Confirmation{}
	}
	out := Confirmation{
		Provider: "stripe",
		IntentID: intent.ID,
		Status:   StatusFailed,
		Amount:   intent.Amount,
		Currency: strings.ToUpper(string(intent.Currency)),
	}
	if status, ok := intentStatuses[intent.Status]; ok {
		out.Status = status
	}
	if next := intent.NextAction; next != nil && next.RedirectToURL != nil {
		out.NextActionURL = strings.TrimSpace(next.RedirectToURL.URL)
	}
	return out
}

func stripeError(op string, err error) error {
	var stripeErr *stripe.Error
	if errors.As(err, &stripeErr) {
		msg := strings.TrimSpace(stripeErr.Msg)
		if msg == "" {
			msg = op + " failed"
		}
		return &ProviderError{
			Provider:    "stripe",
			Type:        string(stripeErr.Type),
			Code:        string(stripeErr.Code),
			DeclineCode: string(stripeErr.DeclineCode),
			Message:     msg,
		}
	}
	return fmt.Errorf("stripe: %s: %w", op, err)
}
