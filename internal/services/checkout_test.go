package services

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/hanko-field/checkout/internal/payments"
	"github.com/hanko-field/checkout/internal/platform/debounce"
)

type checkoutHarness struct {
	checkout  *Checkout
	api       *stubStorefront
	confirmer *stubConfirmer
	events    *stubPublisher
	snapshots *memorySnapshots
	scheduler *debounce.ManualScheduler
}

func newCheckoutHarness(t *testing.T, initial *CartSnapshot) *checkoutHarness {
	t.Helper()
	scheduler := debounce.NewManualScheduler()
	h := newCheckoutHarnessOn(t, initial, scheduler)
	h.scheduler = scheduler
	return h
}

// newCheckoutHarnessOn builds the harness on any scheduler. Tests passing the system scheduler
// leave h.scheduler nil and wait on real timers.
func newCheckoutHarnessOn(t *testing.T, initial *CartSnapshot, scheduler debounce.Scheduler) *checkoutHarness {
	t.Helper()
	h := &checkoutHarness{
		api:       &stubStorefront{discounts: map[string]int64{"SAVE5": 500}},
		confirmer: &stubConfirmer{},
		events:    &stubPublisher{},
		snapshots: newMemorySnapshots(),
	}
	h.api.listShippingFunc = func(context.Context, string, string) ([]ShippingOption, error) {
		return standardOptions(), nil
	}
	checkout, err := NewCheckout(CheckoutDeps{
		ID:        "chk_1",
		API:       h.api,
		Payments:  h.confirmer,
		Events:    h.events,
		Snapshots: h.snapshots,
		Config: CheckoutConfig{
			RegionID:    "reg_us",
			Currency:    "usd",
			CountryCode: "US",
			ProviderID:  testProvider,
		},
		Initial:   initial,
		Scheduler: scheduler,
		Clock:     fixedClock(),
	})
	require.NoError(t, err)
	t.Cleanup(checkout.Close)
	h.checkout = checkout
	return h
}

// readyToSubmit fills the cart, lets every debounced component settle and picks a shipping option.
func (h *checkoutHarness) readyToSubmit(t *testing.T, optionID string) {
	t.Helper()
	c := h.checkout
	require.NoError(t, c.UpsertItem(LineItem{ProductID: "prod_1", Quantity: 1, UnitPrice: 2000}))
	require.NoError(t, c.UpsertItem(LineItem{ProductID: "prod_2", Quantity: 1, UnitPrice: 500}))
	require.NoError(t, c.SetEmail("ada@example.com"))
	require.NoError(t, c.SetShippingAddress(completeAddress()))
	h.scheduler.RunAll()

	require.Len(t, c.ShippingOptions(), 2)
	_, err := c.SelectShippingOption(context.Background(), optionID)
	require.NoError(t, err)
	require.True(t, c.ShippingPersisted())
	h.scheduler.RunAll()
	c.SetPaymentUIComplete(true)
	require.Equal(t, CheckoutStatusReady, c.Status())
}

func TestCheckoutTotalsPreferBackendAfterPromo(t *testing.T) {
	h := newCheckoutHarness(t, nil)
	c := h.checkout
	require.Equal(t, CheckoutStatusIdle, c.Status())

	require.NoError(t, c.UpsertItem(LineItem{ProductID: "prod_1", Quantity: 1, UnitPrice: 2000}))
	require.NoError(t, c.UpsertItem(LineItem{ProductID: "prod_2", Quantity: 1, UnitPrice: 500}))
	require.Equal(t, CheckoutStatusInitializing, c.Status())

	totals := c.Totals()
	require.Equal(t, "USD", totals.Currency)
	require.Equal(t, int64(2500), totals.Subtotal)
	require.Equal(t, int64(2500), totals.Total)

	h.scheduler.RunAll()
	require.True(t, c.Synced())

	applied, err := c.ApplyPromoCode(context.Background(), "save5")
	require.NoError(t, err)
	require.Equal(t, []AppliedPromoCode{{Code: "SAVE5", Amount: 500}}, applied)

	totals = c.Totals()
	require.Equal(t, int64(2500), totals.Subtotal)
	require.Equal(t, int64(500), totals.Discount)
	require.Equal(t, int64(2000), totals.Total)
	require.Equal(t, []string{"SAVE5"}, h.api.lastUpdate().PromoCodes)
}

func TestCheckoutTotalsIncludeShippingAndPromo(t *testing.T) {
	h := newCheckoutHarness(t, nil)
	c := h.checkout
	ctx := context.Background()
	require.NoError(t, c.UpsertItem(LineItem{ProductID: "prod_1", Quantity: 1, UnitPrice: 2000}))
	require.NoError(t, c.SetEmail("ada@example.com"))
	require.NoError(t, c.SetShippingAddress(completeAddress()))
	h.scheduler.RunAll()
	require.True(t, c.Synced())

	_, err := c.SelectShippingOption(ctx, "so_standard")
	require.NoError(t, err)
	totals := c.Totals()
	require.Equal(t, int64(2000), totals.Subtotal)
	require.Equal(t, int64(500), totals.Shipping)
	require.Equal(t, int64(2500), totals.Total)

	_, err = c.ApplyPromoCode(ctx, "SAVE5")
	require.NoError(t, err)
	totals = c.Totals()
	require.Equal(t, int64(500), totals.Discount)
	require.Equal(t, int64(2000), totals.Total)

	// an unsynced edit switches to the locally computed totals
	require.NoError(t, c.SetEmail("grace@example.com"))
	require.False(t, c.Synced())
	totals = c.Totals()
	require.Equal(t, int64(2000), totals.Subtotal)
	require.Equal(t, int64(500), totals.Shipping)
	require.Equal(t, int64(500), totals.Discount)
	require.Equal(t, int64(2000), totals.Total)
}

func TestCheckoutRefreshShippingCreatesCart(t *testing.T) {
	h := newCheckoutHarness(t, nil)
	c := h.checkout
	require.NoError(t, c.UpsertItem(LineItem{ProductID: "prod_1", Quantity: 1, UnitPrice: 2000}))
	require.NoError(t, c.SetShippingAddress(completeAddress()))
	require.Empty(t, c.CartID())

	options, err := c.RefreshShippingOptions(context.Background())
	require.NoError(t, err)
	require.Len(t, options, 2)
	require.Equal(t, "cart_1", c.CartID())
	creates, _, lists := h.api.counts()
	require.Equal(t, 1, creates)
	require.Equal(t, 1, lists)
	require.False(t, c.ShippingLoading())
}

func TestCheckoutEnsurePaymentSessionWithLiveDebounce(t *testing.T) {
	h := newCheckoutHarnessOn(t, nil, debounce.SystemScheduler{})
	slowCollections(h.api, 200*time.Millisecond)
	c := h.checkout
	require.NoError(t, c.UpsertItem(LineItem{ProductID: "prod_1", Quantity: 1, UnitPrice: 2000}))
	require.NoError(t, c.SetEmail("ada@example.com"))

	session, err := c.EnsurePaymentSession(context.Background())
	require.NoError(t, err)
	require.Equal(t, "pi_1_secret_a", session.ClientSecret)

	time.Sleep(2 * DefaultPaymentDebounce)
	collections, refreshes := h.api.paymentCalls()
	require.Equal(t, 1, collections)
	require.Equal(t, 1, refreshes)
	require.Equal(t, PaymentPhaseSessionReady, c.PaymentPhase())
}

func TestCheckoutSubmitWithLiveDebounce(t *testing.T) {
	h := newCheckoutHarnessOn(t, nil, debounce.SystemScheduler{})
	slowCollections(h.api, 200*time.Millisecond)
	c := h.checkout
	ctx := context.Background()
	require.NoError(t, c.UpsertItem(LineItem{ProductID: "prod_1", Quantity: 1, UnitPrice: 2000}))
	require.NoError(t, c.SetEmail("ada@example.com"))
	require.NoError(t, c.SetShippingAddress(completeAddress()))

	_, err := c.RefreshShippingOptions(ctx)
	require.NoError(t, err)
	_, err = c.SelectShippingOption(ctx, "so_standard")
	require.NoError(t, err)
	c.SetPaymentUIComplete(true)

	result, err := c.Submit(ctx, SubmitRequest{PaymentMethodID: "pm_card_visa"})
	require.NoError(t, err)
	require.Equal(t, CheckoutStatusCompleted, result.Status)

	collections, refreshes := h.api.paymentCalls()
	require.Equal(t, 1, collections)
	// nothing was left armed to refresh the session after it was confirmed
	time.Sleep(2 * DefaultPaymentDebounce)
	_, after := h.api.paymentCalls()
	require.Equal(t, refreshes, after)
	require.Equal(t, 1, h.confirmer.calls())
}

func TestCheckoutValidationFailureMakesNoCalls(t *testing.T) {
	h := newCheckoutHarness(t, nil)
	c := h.checkout
	require.NoError(t, c.UpsertItem(LineItem{ProductID: "prod_1", Quantity: 1, UnitPrice: 2000}))
	require.NoError(t, c.SetEmail("ada@example.com"))
	require.NoError(t, c.SetShippingAddress(completeAddress()))
	c.SetPaymentUIComplete(true)

	_, err := c.Submit(context.Background(), SubmitRequest{})
	var invalid *ValidationError
	require.True(t, errors.As(err, &invalid))
	require.Equal(t, SectionShipping, invalid.Section)
	require.Zero(t, h.confirmer.calls())
	creates, updates, _ := h.api.counts()
	require.Zero(t, creates)
	require.Zero(t, updates)
}

func TestCheckoutValidateOrder(t *testing.T) {
	h := newCheckoutHarness(t, nil)
	c := h.checkout

	require.Equal(t, &ValidationError{Section: SectionContact, Reason: "email_required"}, c.Validate())
	require.NoError(t, c.SetEmail("not an email"))
	require.Equal(t, "email_invalid", c.Validate().Reason)
	require.NoError(t, c.SetEmail("ada@example.com"))
	require.Equal(t, "address_required", c.Validate().Reason)
	require.NoError(t, c.SetShippingAddress(&Address{CountryCode: "US"}))
	require.Equal(t, "address_incomplete", c.Validate().Reason)
}

func TestCheckoutSubmitHappyPath(t *testing.T) {
	h := newCheckoutHarness(t, nil)
	h.readyToSubmit(t, "so_standard")
	c := h.checkout

	result, err := c.Submit(context.Background(), SubmitRequest{PaymentMethodID: "pm_card_visa"})
	require.NoError(t, err)
	require.Equal(t, CheckoutStatusCompleted, result.Status)
	require.Equal(t, "order_1", result.OrderID)
	require.Equal(t, "pi_1", result.PaymentIntentID)
	require.Equal(t, CheckoutStatusCompleted, c.Status())
	require.Equal(t, "order_1", c.OrderID())

	require.Equal(t, 1, h.confirmer.calls())
	req := h.confirmer.requests[0]
	require.Equal(t, "checkout_chk_1_cart_1_1", req.IdempotencyKey)
	require.Equal(t, "pi_1_secret_a", req.ClientSecret)
	require.Equal(t, "pm_card_visa", req.PaymentMethodID)

	require.Len(t, h.events.events, 1)
	event := h.events.events[0]
	require.Equal(t, "chk_1", event.CheckoutID)
	require.Equal(t, "cart_1", event.CartID)
	require.Equal(t, int64(3000), event.Total)
	require.Equal(t, fixedClock()(), event.CompletedAt)
	require.False(t, h.snapshots.has("chk_1"))

	require.True(t, errors.Is(c.UpsertItem(LineItem{ProductID: "prod_3", Quantity: 1}), ErrCheckoutCompleted))
	_, err = c.Submit(context.Background(), SubmitRequest{})
	require.True(t, errors.Is(err, ErrCheckoutCompleted))
	require.Equal(t, 1, h.confirmer.calls())
}

func TestCheckoutSubmitRequiresAction(t *testing.T) {
	h := newCheckoutHarness(t, nil)
	h.readyToSubmit(t, "so_standard")
	h.confirmer.confirmFunc = func(_ context.Context, _ payments.PaymentContext, req payments.ConfirmRequest) (payments.Confirmation, error) {
		return payments.Confirmation{
			IntentID:      req.IntentID,
			Status:        payments.StatusRequiresAction,
			NextActionURL: "https://hooks.stripe.com/3ds/pi_1",
		}, nil
	}

	result, err := h.checkout.Submit(context.Background(), SubmitRequest{})
	require.NoError(t, err)
	require.Equal(t, CheckoutStatusReady, result.Status)
	require.Equal(t, "https://hooks.stripe.com/3ds/pi_1", result.NextActionURL)
	require.Empty(t, h.events.events)
	require.Zero(t, h.api.completeCalls)
}

func TestCheckoutSubmitDeclineIsRecoverable(t *testing.T) {
	h := newCheckoutHarness(t, nil)
	h.readyToSubmit(t, "so_standard")
	h.confirmer.confirmFunc = func(context.Context, payments.PaymentContext, payments.ConfirmRequest) (payments.Confirmation, error) {
		return payments.Confirmation{}, &payments.ProviderError{
			Provider:    "stripe",
			Type:        "card_error",
			DeclineCode: "insufficient_funds",
			Message:     "Your card has insufficient funds.",
		}
	}
	c := h.checkout

	result, err := c.Submit(context.Background(), SubmitRequest{})
	require.Error(t, err)
	require.Equal(t, CheckoutStatusReady, result.Status)
	entry, ok := c.ErrorRegistry().Get(ErrorDomainPaymentSubmit)
	require.True(t, ok)
	require.True(t, entry.Recoverable)
	require.Contains(t, entry.Message, "declined")
	require.Equal(t, CheckoutStatusReady, c.Status())

	h.confirmer.confirmFunc = nil
	result, err = c.Submit(context.Background(), SubmitRequest{})
	require.NoError(t, err)
	require.Equal(t, CheckoutStatusCompleted, result.Status)
	_, ok = c.ErrorRegistry().Get(ErrorDomainPaymentSubmit)
	require.False(t, ok)
}

func TestCheckoutSelectionClearedBlocksSubmit(t *testing.T) {
	h := newCheckoutHarness(t, nil)
	h.readyToSubmit(t, "so_express")
	c := h.checkout

	h.api.listShippingFunc = func(context.Context, string, string) ([]ShippingOption, error) {
		return []ShippingOption{{ID: "so_standard", Name: "Standard", Amount: 700}}, nil
	}
	require.NoError(t, c.SetShippingAddress(&Address{
		FirstName: "Ada", LastName: "Lovelace", Line1: "5 Bay St", City: "Toronto",
		Province: "ON", PostalCode: "M5J 2N8", CountryCode: "CA",
	}))
	h.scheduler.RunAll()

	_, ok := c.SelectedShipping()
	require.False(t, ok)
	require.False(t, c.ShippingPersisted())

	_, err := c.Submit(context.Background(), SubmitRequest{})
	var invalid *ValidationError
	require.True(t, errors.As(err, &invalid))
	require.Equal(t, SectionShipping, invalid.Section)
	require.Zero(t, h.confirmer.calls())
}

func TestCheckoutRejectsConcurrentSubmit(t *testing.T) {
	h := newCheckoutHarness(t, nil)
	h.readyToSubmit(t, "so_standard")
	started := make(chan struct{})
	release := make(chan struct{})
	h.confirmer.confirmFunc = func(_ context.Context, _ payments.PaymentContext, req payments.ConfirmRequest) (payments.Confirmation, error) {
		close(started)
		<-release
		return payments.Confirmation{IntentID: req.IntentID, Status: payments.StatusSucceeded}, nil
	}
	c := h.checkout

	done := make(chan error, 1)
	go func() {
		_, err := c.Submit(context.Background(), SubmitRequest{})
		done <- err
	}()
	<-started

	require.Equal(t, CheckoutStatusProcessingPayment, c.Status())
	_, err := c.Submit(context.Background(), SubmitRequest{})
	require.True(t, errors.Is(err, ErrCheckoutSubmitInProgress))
	require.True(t, errors.Is(c.SetEmail("other@example.com"), ErrCheckoutSubmitInProgress))

	close(release)
	require.NoError(t, <-done)
	require.Equal(t, 1, h.confirmer.calls())
}

func TestCheckoutSubmitEmptyCart(t *testing.T) {
	h := newCheckoutHarness(t, nil)
	_, err := h.checkout.Submit(context.Background(), SubmitRequest{})
	require.True(t, errors.Is(err, ErrCheckoutEmptyCart))
}

func TestCheckoutRestoresFromSnapshot(t *testing.T) {
	h := newCheckoutHarness(t, &CartSnapshot{
		ID:    "cart_9",
		Email: "ada@example.com",
		Items: []LineItem{{ProductID: "prod_1", Quantity: 2, UnitPrice: 1000}},
	})
	c := h.checkout
	require.Equal(t, "cart_9", c.CartID())
	require.Equal(t, "USD", c.Snapshot().Currency)

	h.scheduler.RunAll()
	creates, updates, _ := h.api.counts()
	require.Zero(t, creates)
	require.Equal(t, 1, updates)
	require.True(t, c.Synced())
	require.Equal(t, PaymentPhaseSessionReady, c.PaymentPhase())
}

func TestNewCheckoutValidatesDeps(t *testing.T) {
	_, err := NewCheckout(CheckoutDeps{})
	require.Error(t, err)
	_, err = NewCheckout(CheckoutDeps{ID: "chk", API: &stubStorefront{}, Payments: &stubConfirmer{}})
	require.Error(t, err)
	_, err = NewCheckout(CheckoutDeps{
		ID: "chk", API: &stubStorefront{}, Payments: &stubConfirmer{},
		Config: CheckoutConfig{RegionID: "reg_us", Currency: "usd"},
	})
	require.Error(t, err)
}
