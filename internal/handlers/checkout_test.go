package handlers

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/go-chi/chi/v5"

	domain "github.com/hanko-field/checkout/internal/domain"
	"github.com/hanko-field/checkout/internal/payments"
	"github.com/hanko-field/checkout/internal/platform/debounce"
	"github.com/hanko-field/checkout/internal/platform/idempotency"
	"github.com/hanko-field/checkout/internal/services"
	"github.com/hanko-field/checkout/internal/storefront"
)

type fakeStorefront struct {
	mu        sync.Mutex
	carts     int
	discounts map[string]int64
	options   []domain.ShippingOption
	listErr   error
	completed []string
}

func (f *fakeStorefront) CreateCart(context.Context, storefront.CreateCartRequest) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.carts++
	return fmt.Sprintf("cart_%d", f.carts), nil
}

func (f *fakeStorefront) UpdateCart(_ context.Context, cartID string, update storefront.CartUpdate, currency string) (storefront.RemoteCart, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	remote := storefront.RemoteCart{ID: cartID, Email: update.Email, CurrencyCode: currency, ShippingAddress: update.ShippingAddress}
	for _, item := range update.Items {
		remote.Items = append(remote.Items, storefront.RemoteLineItem{
			ProductID: item.ProductID,
			VariantID: item.VariantID,
			Quantity:  item.Quantity,
			UnitPrice: item.UnitPrice,
		})
		remote.Subtotal += item.UnitPrice * int64(item.Quantity)
	}
	for _, code := range update.PromoCodes {
		if amount, ok := f.discounts[code]; ok {
			remote.Promotions = append(remote.Promotions, storefront.RemotePromotion{Code: code})
			remote.DiscountTotal += amount
		}
	}
	remote.Total = remote.Subtotal - remote.DiscountTotal
	return remote, nil
}

func (f *fakeStorefront) ListShippingOptions(context.Context, string, string) ([]domain.ShippingOption, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.listErr != nil {
		return nil, f.listErr
	}
	return append([]domain.ShippingOption(nil), f.options...), nil
}

func (f *fakeStorefront) AddShippingMethod(context.Context, string, string) error {
	return nil
}

func (f *fakeStorefront) CreatePaymentCollection(_ context.Context, cartID string) (storefront.RemotePaymentCollection, error) {
	return storefront.RemotePaymentCollection{ID: "paycol_" + cartID}, nil
}

func (f *fakeStorefront) CreatePaymentSession(_ context.Context, collectionID, providerID string) (storefront.RemotePaymentCollection, error) {
	return storefront.RemotePaymentCollection{
		ID: collectionID,
		Sessions: []storefront.RemotePaymentSession{{
			ID:           "payses_1",
			ProviderID:   providerID,
			ClientSecret: "pi_1_secret_a",
			IntentID:     "pi_1",
		}},
	}, nil
}

func (f *fakeStorefront) CompleteCart(_ context.Context, cartID string) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.completed = append(f.completed, cartID)
	return "order_1", nil
}

type fakeConfirmer struct {
	status payments.Status
	err    error
}

func (f *fakeConfirmer) ConfirmPayment(_ context.Context, _ payments.PaymentContext, req payments.ConfirmRequest) (payments.Confirmation, error) {
	if f.err != nil {
		return payments.Confirmation{}, f.err
	}
	status := f.status
	if status == "" {
		status = payments.StatusSucceeded
	}
	return payments.Confirmation{Provider: "stripe", IntentID: req.IntentID, Status: status}, nil
}

type checkoutAPIHarness struct {
	router    chi.Router
	api       *fakeStorefront
	confirmer *fakeConfirmer
	scheduler *debounce.ManualScheduler
	registry  *services.CheckoutRegistry
}

func newCheckoutAPIHarness(t *testing.T, opts ...CheckoutOption) *checkoutAPIHarness {
	t.Helper()
	h := &checkoutAPIHarness{
		api: &fakeStorefront{
			discounts: map[string]int64{"SAVE5": 500},
			options: []domain.ShippingOption{
				{ID: "so_standard", Name: "Standard", Amount: 500},
				{ID: "so_express", Name: "Express", Amount: 1500},
			},
		},
		confirmer: &fakeConfirmer{},
		scheduler: debounce.NewManualScheduler(),
	}
	ids := 0
	registry, err := services.NewCheckoutRegistry(services.CheckoutRegistryDeps{
		Factory: func(params services.CheckoutParams) (*services.Checkout, error) {
			region := params.RegionID
			if region == "" {
				region = "reg_us"
			}
			currency := params.Currency
			if currency == "" {
				currency = "USD"
			}
			return services.NewCheckout(services.CheckoutDeps{
				ID:       params.ID,
				API:      h.api,
				Payments: h.confirmer,
				Config: services.CheckoutConfig{
					RegionID:    region,
					Currency:    currency,
					CountryCode: params.CountryCode,
					ProviderID:  "pp_stripe_stripe",
				},
				Initial:   params.Initial,
				Scheduler: h.scheduler,
			})
		},
		IDGen: func() string {
			ids++
			return fmt.Sprintf("chk_%d", ids)
		},
	})
	if err != nil {
		t.Fatalf("NewCheckoutRegistry error: %v", err)
	}
	h.registry = registry
	t.Cleanup(func() {
		for i := 1; i <= ids; i++ {
			_ = registry.Close(context.Background(), fmt.Sprintf("chk_%d", i))
		}
	})

	handlers := NewCheckoutHandlers(registry, opts...)
	h.router = NewRouter(WithCheckoutRoutes(handlers.Routes))
	return h
}

func (h *checkoutAPIHarness) do(t *testing.T, method, path string, body any) *httptest.ResponseRecorder {
	t.Helper()
	var payload *strings.Reader
	if body == nil {
		payload = strings.NewReader("")
	} else {
		raw, err := json.Marshal(body)
		if err != nil {
			t.Fatalf("marshal body: %v", err)
		}
		payload = strings.NewReader(string(raw))
	}
	req := httptest.NewRequest(method, "/api/v1/checkouts"+path, payload)
	req.Header.Set("Content-Type", "application/json")
	rr := httptest.NewRecorder()
	h.router.ServeHTTP(rr, req)
	return rr
}

func decodeBody[T any](t *testing.T, rr *httptest.ResponseRecorder) T {
	t.Helper()
	var out T
	if err := json.Unmarshal(rr.Body.Bytes(), &out); err != nil {
		t.Fatalf("decode response %q: %v", rr.Body.String(), err)
	}
	return out
}

type errorBody struct {
	Error      string         `json:"error"`
	CheckoutID string         `json:"checkoutId"`
	Details    map[string]any `json:"details"`
}

func TestCheckoutHandlersCreateAndGet(t *testing.T) {
	h := newCheckoutAPIHarness(t)

	rr := h.do(t, http.MethodPost, "", map[string]any{
		"currency": "jpy",
		"email":    "ada@example.com",
		"items":    []map[string]any{{"productId": "prod_1", "quantity": 2, "unitPrice": 1200}},
	})
	if rr.Code != http.StatusCreated {
		t.Fatalf("expected 201, got %d: %s", rr.Code, rr.Body.String())
	}
	created := decodeBody[checkoutResponse](t, rr)
	if created.ID != "chk_1" {
		t.Fatalf("expected id chk_1, got %s", created.ID)
	}
	if created.Currency != "JPY" || created.RegionID != "reg_us" {
		t.Fatalf("unexpected commerce context: %+v", created)
	}
	if len(created.Items) != 1 || created.Items[0].Quantity != 2 {
		t.Fatalf("expected initial item, got %+v", created.Items)
	}
	if created.Totals.Subtotal != 2400 {
		t.Fatalf("expected subtotal 2400, got %d", created.Totals.Subtotal)
	}

	rr = h.do(t, http.MethodGet, "/chk_1", nil)
	if rr.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", rr.Code)
	}
	got := decodeBody[checkoutResponse](t, rr)
	if got.Email != "ada@example.com" {
		t.Fatalf("expected email, got %q", got.Email)
	}
}

func TestCheckoutHandlersUnknownCheckout(t *testing.T) {
	h := newCheckoutAPIHarness(t)

	rr := h.do(t, http.MethodGet, "/chk_missing", nil)
	if rr.Code != http.StatusNotFound {
		t.Fatalf("expected 404, got %d", rr.Code)
	}
	body := decodeBody[map[string]any](t, rr)
	if body["error"] != "checkout_not_found" {
		t.Fatalf("expected checkout_not_found, got %v", body["error"])
	}
}

func TestCheckoutHandlersItemLifecycle(t *testing.T) {
	h := newCheckoutAPIHarness(t)
	h.do(t, http.MethodPost, "", nil)

	rr := h.do(t, http.MethodPut, "/chk_1/items/prod_1", map[string]any{"quantity": 1, "unitPrice": 2000, "title": "Hanko"})
	if rr.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d: %s", rr.Code, rr.Body.String())
	}
	view := decodeBody[checkoutResponse](t, rr)
	if len(view.Items) != 1 || view.Items[0].ProductID != "prod_1" {
		t.Fatalf("expected prod_1 line, got %+v", view.Items)
	}

	rr = h.do(t, http.MethodPut, "/chk_1/items/prod_1", map[string]any{"quantity": 0})
	view = decodeBody[checkoutResponse](t, rr)
	if len(view.Items) != 0 {
		t.Fatalf("expected quantity zero to remove line, got %+v", view.Items)
	}

	h.do(t, http.MethodPut, "/chk_1/items/prod_2", map[string]any{"variantId": "var_red", "quantity": 1, "unitPrice": 300})
	rr = h.do(t, http.MethodDelete, "/chk_1/items/prod_2?variantId=var_red", nil)
	view = decodeBody[checkoutResponse](t, rr)
	if len(view.Items) != 0 {
		t.Fatalf("expected delete to remove line, got %+v", view.Items)
	}

	rr = h.do(t, http.MethodPut, "/chk_1/items/prod_3", map[string]any{"quantity": 1, "unitPrice": -1})
	if rr.Code != http.StatusBadRequest {
		t.Fatalf("expected 400 for negative price, got %d", rr.Code)
	}
	rr = h.do(t, http.MethodPut, "/chk_1/items/prod_3", map[string]any{"quantity": 1, "bogus": true})
	if rr.Code != http.StatusBadRequest {
		t.Fatalf("expected 400 for unknown field, got %d", rr.Code)
	}
}

func TestCheckoutHandlersSubmitFlow(t *testing.T) {
	h := newCheckoutAPIHarness(t)
	h.do(t, http.MethodPost, "", nil)
	h.do(t, http.MethodPut, "/chk_1/items/prod_1", map[string]any{"quantity": 1, "unitPrice": 2000})
	h.do(t, http.MethodPut, "/chk_1/email", map[string]any{"email": "ada@example.com"})
	rr := h.do(t, http.MethodPut, "/chk_1/address", map[string]any{
		"firstName":   "Ada",
		"lastName":    "Lovelace",
		"line1":       "1 Main St",
		"city":        "Springfield",
		"postalCode":  "12345",
		"countryCode": "US",
	})
	if rr.Code != http.StatusOK {
		t.Fatalf("expected 200 for address, got %d: %s", rr.Code, rr.Body.String())
	}
	h.scheduler.RunAll()

	rr = h.do(t, http.MethodPost, "/chk_1/shipping-options:refresh", nil)
	if rr.Code != http.StatusOK {
		t.Fatalf("expected 200 for refresh, got %d: %s", rr.Code, rr.Body.String())
	}
	options := decodeBody[shippingOptionsResponse](t, rr)
	if len(options.ShippingOptions) != 2 {
		t.Fatalf("expected two options, got %+v", options.ShippingOptions)
	}

	rr = h.do(t, http.MethodPut, "/chk_1/shipping-selection", map[string]any{"optionId": "so_unknown"})
	if rr.Code != http.StatusNotFound {
		t.Fatalf("expected 404 for unknown option, got %d", rr.Code)
	}
	rr = h.do(t, http.MethodPut, "/chk_1/shipping-selection", map[string]any{"optionId": "so_standard"})
	if rr.Code != http.StatusOK {
		t.Fatalf("expected 200 for selection, got %d: %s", rr.Code, rr.Body.String())
	}
	selection := decodeBody[shippingSelectionResponse](t, rr)
	if !selection.Persisted || selection.Totals.Total != 2500 {
		t.Fatalf("unexpected selection response: %+v", selection)
	}
	h.scheduler.RunAll()

	rr = h.do(t, http.MethodPost, "/chk_1/payment-session", nil)
	if rr.Code != http.StatusOK {
		t.Fatalf("expected 200 for payment session, got %d: %s", rr.Code, rr.Body.String())
	}
	session := decodeBody[paymentSessionResponse](t, rr)
	if session.ClientSecret != "pi_1_secret_a" || session.ProviderID != "pp_stripe_stripe" {
		t.Fatalf("unexpected session: %+v", session)
	}

	rr = h.do(t, http.MethodPost, "/chk_1/submit", map[string]any{"paymentMethodId": "pm_card_visa"})
	if rr.Code != http.StatusUnprocessableEntity {
		t.Fatalf("expected 422 before payment ui completes, got %d", rr.Code)
	}
	invalid := decodeBody[errorBody](t, rr)
	if invalid.Details["section"] != services.SectionPayment || invalid.Details["reason"] != "payment_incomplete" {
		t.Fatalf("unexpected validation body: %v", invalid)
	}

	rr = h.do(t, http.MethodPut, "/chk_1/payment-ui", map[string]any{"complete": true})
	if rr.Code != http.StatusNoContent {
		t.Fatalf("expected 204 for payment ui, got %d", rr.Code)
	}

	rr = h.do(t, http.MethodPost, "/chk_1/submit", map[string]any{"paymentMethodId": "pm_card_visa"})
	if rr.Code != http.StatusOK {
		t.Fatalf("expected 200 for submit, got %d: %s", rr.Code, rr.Body.String())
	}
	result := decodeBody[submitResponse](t, rr)
	if result.Status != string(services.CheckoutStatusCompleted) || result.OrderID != "order_1" {
		t.Fatalf("unexpected submit result: %+v", result)
	}

	rr = h.do(t, http.MethodPut, "/chk_1/email", map[string]any{"email": "grace@example.com"})
	if rr.Code != http.StatusConflict {
		t.Fatalf("expected 409 after completion, got %d", rr.Code)
	}
}

func TestCheckoutHandlersSubmitValidation(t *testing.T) {
	h := newCheckoutAPIHarness(t)
	h.do(t, http.MethodPost, "", nil)

	rr := h.do(t, http.MethodPost, "/chk_1/submit", nil)
	if rr.Code != http.StatusUnprocessableEntity {
		t.Fatalf("expected 422 for empty cart, got %d", rr.Code)
	}
	body := decodeBody[map[string]any](t, rr)
	if body["error"] != "cart_empty" {
		t.Fatalf("expected cart_empty, got %v", body["error"])
	}

	h.do(t, http.MethodPut, "/chk_1/items/prod_1", map[string]any{"quantity": 1, "unitPrice": 2000})
	rr = h.do(t, http.MethodPost, "/chk_1/submit", map[string]any{})
	failure := decodeBody[errorBody](t, rr)
	if failure.Details["section"] != services.SectionContact || failure.Details["reason"] != "email_required" {
		t.Fatalf("expected contact section failure, got %+v", failure)
	}
}

func TestCheckoutHandlersPromoCodes(t *testing.T) {
	h := newCheckoutAPIHarness(t)
	h.do(t, http.MethodPost, "", nil)
	h.do(t, http.MethodPut, "/chk_1/items/prod_1", map[string]any{"quantity": 1, "unitPrice": 2000})

	rr := h.do(t, http.MethodPost, "/chk_1/promo-codes", map[string]any{"code": "save5"})
	if rr.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d: %s", rr.Code, rr.Body.String())
	}
	applied := decodeBody[promoCodesResponse](t, rr)
	if len(applied.PromoCodes) != 1 || applied.PromoCodes[0].Code != "SAVE5" || applied.Totals.Discount != 500 {
		t.Fatalf("unexpected promo response: %+v", applied)
	}

	rr = h.do(t, http.MethodPost, "/chk_1/promo-codes", map[string]any{"code": "NOPE"})
	if rr.Code != http.StatusUnprocessableEntity {
		t.Fatalf("expected 422 for dropped code, got %d", rr.Code)
	}
	rejected := decodeBody[errorBody](t, rr)
	if rejected.Details["code"] != "NOPE" || rejected.Details["reason"] != string(services.PromoReasonNotEligible) {
		t.Fatalf("unexpected rejection body: %v", rejected)
	}

	rr = h.do(t, http.MethodPost, "/chk_1/promo-codes", map[string]any{"code": "  "})
	if rr.Code != http.StatusBadRequest {
		t.Fatalf("expected 400 for blank code, got %d", rr.Code)
	}

	rr = h.do(t, http.MethodDelete, "/chk_1/promo-codes/SAVE5", nil)
	if rr.Code != http.StatusOK {
		t.Fatalf("expected 200 for removal, got %d", rr.Code)
	}
	removed := decodeBody[promoCodesResponse](t, rr)
	if len(removed.PromoCodes) != 0 {
		t.Fatalf("expected no codes after removal, got %+v", removed.PromoCodes)
	}

	rr = h.do(t, http.MethodDelete, "/chk_1/promo-codes/SAVE5", nil)
	if rr.Code != http.StatusNotFound {
		t.Fatalf("expected 404 removing unapplied code, got %d", rr.Code)
	}
}

func TestCheckoutHandlersRateLimits(t *testing.T) {
	now := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	h := newCheckoutAPIHarness(t,
		WithCheckoutClock(func() time.Time { return now }),
		WithCreateRateLimit(1, time.Minute),
		WithPromoRateLimit(1, time.Minute),
	)

	if rr := h.do(t, http.MethodPost, "", nil); rr.Code != http.StatusCreated {
		t.Fatalf("expected first create to succeed, got %d", rr.Code)
	}
	limited := h.do(t, http.MethodPost, "", nil)
	if limited.Code != http.StatusTooManyRequests {
		t.Fatalf("expected second create to be limited, got %d", limited.Code)
	}
	if got := limited.Header().Get("Retry-After"); got != "60" {
		t.Fatalf("expected Retry-After 60, got %q", got)
	}
	now = now.Add(2 * time.Minute)
	if rr := h.do(t, http.MethodPost, "", nil); rr.Code != http.StatusCreated {
		t.Fatalf("expected create after window to succeed, got %d", rr.Code)
	}

	h.do(t, http.MethodPost, "/chk_1/promo-codes", map[string]any{"code": "SAVE5"})
	rr := h.do(t, http.MethodPost, "/chk_1/promo-codes", map[string]any{"code": "SAVE5"})
	if rr.Code != http.StatusTooManyRequests {
		t.Fatalf("expected promo attempts to be limited, got %d", rr.Code)
	}
}

func TestCheckoutHandlersClose(t *testing.T) {
	h := newCheckoutAPIHarness(t)
	h.do(t, http.MethodPost, "", nil)

	if rr := h.do(t, http.MethodDelete, "/chk_1", nil); rr.Code != http.StatusNoContent {
		t.Fatalf("expected 204, got %d", rr.Code)
	}
	if rr := h.do(t, http.MethodGet, "/chk_1", nil); rr.Code != http.StatusNotFound {
		t.Fatalf("expected 404 after close, got %d", rr.Code)
	}
	if rr := h.do(t, http.MethodDelete, "/chk_1", nil); rr.Code != http.StatusNotFound {
		t.Fatalf("expected 404 closing twice, got %d", rr.Code)
	}
}

func TestWriteCheckoutErrorMapsUpstreamFailures(t *testing.T) {
	cases := []struct {
		name   string
		err    error
		status int
		code   string
	}{
		{"network", fmt.Errorf("sync: %w", storefront.ErrNetwork), http.StatusBadGateway, "storefront_unavailable"},
		{"api", &storefront.APIError{Status: 500, Code: "unknown_error", Message: "boom"}, http.StatusBadGateway, "storefront_error"},
		{"payment failed", services.ErrPaymentFailed, http.StatusPaymentRequired, "payment_failed"},
		{"superseded", services.ErrSuperseded, http.StatusConflict, "superseded"},
		{"in progress", services.ErrCheckoutSubmitInProgress, http.StatusConflict, "submit_in_progress"},
		{"address", services.ErrShippingAddressRequired, http.StatusUnprocessableEntity, "address_required"},
		{"session", services.ErrPaymentSessionNotReady, http.StatusConflict, "payment_not_ready"},
		{"unexpected", errors.New("boom"), http.StatusInternalServerError, "checkout_error"},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			rr := httptest.NewRecorder()
			writeCheckoutError(context.Background(), rr, tc.err)
			if rr.Code != tc.status {
				t.Fatalf("expected %d, got %d", tc.status, rr.Code)
			}
			body := decodeBody[map[string]any](t, rr)
			if body["error"] != tc.code {
				t.Fatalf("expected %s, got %v", tc.code, body["error"])
			}
		})
	}
}

func TestCheckoutHandlersReplayKeyedCreate(t *testing.T) {
	h := newCheckoutAPIHarness(t)
	router := NewRouter(
		WithCheckoutRoutes(NewCheckoutHandlers(h.registry).Routes),
		WithCheckoutMiddlewares(idempotency.Middleware(idempotency.NewMemoryStore(), idempotency.WithMethods(http.MethodPost))),
	)

	create := func(key string) *httptest.ResponseRecorder {
		req := httptest.NewRequest(http.MethodPost, "/api/v1/checkouts", strings.NewReader(`{"email":"shopper@example.com"}`))
		req.Header.Set("Content-Type", "application/json")
		req.Header.Set("Idempotency-Key", key)
		rr := httptest.NewRecorder()
		router.ServeHTTP(rr, req)
		return rr
	}

	first := create("create-1")
	if first.Code != http.StatusCreated {
		t.Fatalf("expected 201, got %d: %s", first.Code, first.Body.String())
	}
	second := create("create-1")
	if second.Code != http.StatusCreated || second.Header().Get("X-Idempotent-Replay") != "true" {
		t.Fatalf("expected replayed 201, got %d replay=%q", second.Code, second.Header().Get("X-Idempotent-Replay"))
	}
	if decodeBody[checkoutResponse](t, first).ID != decodeBody[checkoutResponse](t, second).ID {
		t.Fatalf("expected replay to return the same checkout")
	}
	if h.registry.Len() != 1 {
		t.Fatalf("expected one checkout, got %d", h.registry.Len())
	}

	if rr := create("create-2"); rr.Code != http.StatusCreated {
		t.Fatalf("expected 201 for fresh key, got %d", rr.Code)
	}
	if h.registry.Len() != 2 {
		t.Fatalf("expected two checkouts, got %d", h.registry.Len())
	}
}
