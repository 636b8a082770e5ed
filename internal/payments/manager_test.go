package payments

import (
	"context"
	"errors"
	"testing"
)

type fakeProvider struct {
	lastOp       string
	lastConfirm  ConfirmRequest
	confirmation Confirmation
	err          error
}

func (f *fakeProvider) ConfirmPayment(ctx context.Context, req ConfirmRequest) (Confirmation, error) {
	f.lastOp = "confirm"
	f.lastConfirm = req
	return f.confirmation, f.err
}

func (f *fakeProvider) LookupPayment(ctx context.Context, req LookupRequest) (Confirmation, error) {
	f.lastOp = "lookup"
	return f.confirmation, f.err
}

func TestManagerConfirmUsesPreferredProvider(t *testing.T) {
	ctx := context.Background()
	stripe := &fakeProvider{confirmation: Confirmation{IntentID: "pi_stripe", Status: StatusSucceeded}}
	paypal := &fakeProvider{confirmation: Confirmation{IntentID: "pp_order", Status: StatusSucceeded}}

	mgr, err := NewManager(map[string]Provider{
		"stripe": stripe,
		"paypal": paypal,
	})
	if err != nil {
		t.Fatalf("new manager: %v", err)
	}

	confirmation, err := mgr.ConfirmPayment(ctx, PaymentContext{PreferredProvider: "paypal"}, ConfirmRequest{IntentID: "pp_order"})
	if err != nil {
		t.Fatalf("confirm: %v", err)
	}

	if confirmation.Provider != "paypal" {
		t.Fatalf("expected provider 'paypal', got %q", confirmation.Provider)
	}
	if paypal.lastOp != "confirm" {
		t.Fatalf("expected paypal provider to handle call")
	}
	if stripe.lastOp != "" {
		t.Fatalf("expected stripe provider to remain unused")
	}
}

func TestManagerResolvesBackendProviderID(t *testing.T) {
	stripe := &fakeProvider{confirmation: Confirmation{Status: StatusSucceeded}}
	paypal := &fakeProvider{}
	mgr, err := NewManager(map[string]Provider{"stripe": stripe, "paypal": paypal}, WithDefaultProvider("paypal"))
	if err != nil {
		t.Fatalf("new manager: %v", err)
	}

	if _, err := mgr.ConfirmPayment(context.Background(), PaymentContext{PreferredProvider: "pp_stripe_stripe"}, ConfirmRequest{IntentID: "pi_1"}); err != nil {
		t.Fatalf("confirm: %v", err)
	}
	if stripe.lastOp != "confirm" || paypal.lastOp != "" {
		t.Fatalf("expected pp_stripe_stripe to route to stripe")
	}
}

func TestProviderKey(t *testing.T) {
	cases := map[string]string{
		"pp_stripe_stripe":   "stripe",
		"PP_PAYPAL_paypal":   "paypal",
		"stripe":             "stripe",
		"pp_":                "pp_",
		"":                   "",
		" pp_system_default": "system",
	}
	for in, want := range cases {
		if got := ProviderKey(in); got != want {
			t.Fatalf("ProviderKey(%q) = %q, want %q", in, got, want)
		}
	}
}

func TestManagerRoutesByCurrency(t *testing.T) {
	ctx := context.Background()
	stripe := &fakeProvider{}
	paypal := &fakeProvider{}

	mgr, err := NewManager(
		map[string]Provider{
			"stripe": stripe,
			"paypal": paypal,
		},
		WithCurrencyRoutes(map[string]string{"JPY": "paypal"}),
	)
	if err != nil {
		t.Fatalf("new manager: %v", err)
	}

	confirmation, err := mgr.LookupPayment(ctx, PaymentContext{Currency: "jpy"}, LookupRequest{IntentID: "order_1"})
	if err != nil {
		t.Fatalf("lookup: %v", err)
	}
	if confirmation.Provider != "paypal" {
		t.Fatalf("expected provider 'paypal', got %q", confirmation.Provider)
	}
	if paypal.lastOp != "lookup" {
		t.Fatalf("expected paypal provider to handle call")
	}
}

func TestManagerTagsProviderErrors(t *testing.T) {
	stripe := &fakeProvider{err: &ProviderError{Type: "card_error", Code: "card_declined", DeclineCode: "insufficient_funds", Message: "Your card has insufficient funds."}}
	mgr, err := NewManager(map[string]Provider{"stripe": stripe})
	if err != nil {
		t.Fatalf("new manager: %v", err)
	}

	_, err = mgr.ConfirmPayment(context.Background(), PaymentContext{}, ConfirmRequest{IntentID: "pi_1"})
	var providerErr *ProviderError
	if !errors.As(err, &providerErr) {
		t.Fatalf("expected ProviderError, got %v", err)
	}
	if providerErr.Provider != "stripe" || !providerErr.CardDeclined() {
		t.Fatalf("unexpected provider error %+v", providerErr)
	}
}

func TestManagerUnsupportedProvider(t *testing.T) {
	ctx := context.Background()
	mgr, err := NewManager(map[string]Provider{"stripe": &fakeProvider{}, "paypal": &fakeProvider{}}, WithDefaultProvider(""))
	if err != nil {
		t.Fatalf("new manager: %v", err)
	}

	_, err = mgr.ConfirmPayment(ctx, PaymentContext{PreferredProvider: "unknown"}, ConfirmRequest{IntentID: "pi_1"})
	if !errors.Is(err, ErrUnsupportedProvider) {
		t.Fatalf("expected ErrUnsupportedProvider, got %v", err)
	}
}

func TestNewManagerValidatesProviders(t *testing.T) {
	if _, err := NewManager(map[string]Provider{"bad": nil}); err == nil {
		t.Fatalf("expected error for nil provider")
	}
	if _, err := NewManager(nil); err == nil {
		t.Fatalf("expected error when providers empty")
	}
}
