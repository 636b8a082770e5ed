package services

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/hanko-field/checkout/internal/payments"
	"github.com/hanko-field/checkout/internal/platform/debounce"
	"github.com/hanko-field/checkout/internal/storefront"
)

type stubStorefront struct {
	mu sync.Mutex

	createCartFunc       func(ctx context.Context, req storefront.CreateCartRequest) (string, error)
	updateCartFunc       func(ctx context.Context, cartID string, update storefront.CartUpdate, currency string) (storefront.RemoteCart, error)
	listShippingFunc     func(ctx context.Context, cartID, currency string) ([]ShippingOption, error)
	addShippingFunc      func(ctx context.Context, cartID, optionID string) error
	createCollectionFunc func(ctx context.Context, cartID string) (storefront.RemotePaymentCollection, error)
	createSessionFunc    func(ctx context.Context, collectionID, providerID string) (storefront.RemotePaymentCollection, error)
	completeCartFunc     func(ctx context.Context, cartID string) (string, error)

	// discounts maps promo codes to the discount the default update handler grants.
	discounts map[string]int64

	createCalls     int
	updates         []storefront.CartUpdate
	listCalls       int
	addShipping     []string
	collectionCalls int
	sessionCalls    int
	completeCalls   int
}

func (s *stubStorefront) CreateCart(ctx context.Context, req storefront.CreateCartRequest) (string, error) {
	s.mu.Lock()
	s.createCalls++
	n := s.createCalls
	fn := s.createCartFunc
	s.mu.Unlock()
	if fn != nil {
		return fn(ctx, req)
	}
	return fmt.Sprintf("cart_%d", n), nil
}

func (s *stubStorefront) UpdateCart(ctx context.Context, cartID string, update storefront.CartUpdate, currency string) (storefront.RemoteCart, error) {
	s.mu.Lock()
	s.updates = append(s.updates, update)
	fn := s.updateCartFunc
	s.mu.Unlock()
	if fn != nil {
		return fn(ctx, cartID, update, currency)
	}
	return s.remoteFromUpdate(cartID, update, currency), nil
}

func (s *stubStorefront) remoteFromUpdate(cartID string, update storefront.CartUpdate, currency string) storefront.RemoteCart {
	remote := storefront.RemoteCart{
		ID:              cartID,
		Email:           update.Email,
		CurrencyCode:    currency,
		ShippingAddress: update.ShippingAddress,
	}
	for _, item := range update.Items {
		remote.Items = append(remote.Items, storefront.RemoteLineItem{
			ProductID: item.ProductID,
			VariantID: item.VariantID,
			Quantity:  item.Quantity,
			UnitPrice: item.UnitPrice,
		})
		remote.Subtotal += item.UnitPrice * int64(item.Quantity)
	}
	s.mu.Lock()
	for _, code := range update.PromoCodes {
		if amount, ok := s.discounts[code]; ok {
			remote.Promotions = append(remote.Promotions, storefront.RemotePromotion{Code: code})
			remote.DiscountTotal += amount
		}
	}
	s.mu.Unlock()
	remote.Total = remote.Subtotal - remote.DiscountTotal
	return remote
}

func (s *stubStorefront) ListShippingOptions(ctx context.Context, cartID, currency string) ([]ShippingOption, error) {
	s.mu.Lock()
	s.listCalls++
	fn := s.listShippingFunc
	s.mu.Unlock()
	if fn != nil {
		return fn(ctx, cartID, currency)
	}
	return nil, nil
}

func (s *stubStorefront) AddShippingMethod(ctx context.Context, cartID, optionID string) error {
	s.mu.Lock()
	s.addShipping = append(s.addShipping, cartID+"/"+optionID)
	fn := s.addShippingFunc
	s.mu.Unlock()
	if fn != nil {
		return fn(ctx, cartID, optionID)
	}
	return nil
}

func (s *stubStorefront) CreatePaymentCollection(ctx context.Context, cartID string) (storefront.RemotePaymentCollection, error) {
	s.mu.Lock()
	s.collectionCalls++
	fn := s.createCollectionFunc
	s.mu.Unlock()
	if fn != nil {
		return fn(ctx, cartID)
	}
	return storefront.RemotePaymentCollection{ID: "paycol_" + cartID}, nil
}

func (s *stubStorefront) CreatePaymentSession(ctx context.Context, collectionID, providerID string) (storefront.RemotePaymentCollection, error) {
	s.mu.Lock()
	s.sessionCalls++
	fn := s.createSessionFunc
	s.mu.Unlock()
	if fn != nil {
		return fn(ctx, collectionID, providerID)
	}
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

func (s *stubStorefront) CompleteCart(ctx context.Context, cartID string) (string, error) {
	s.mu.Lock()
	s.completeCalls++
	fn := s.completeCartFunc
	s.mu.Unlock()
	if fn != nil {
		return fn(ctx, cartID)
	}
	return "order_1", nil
}

func (s *stubStorefront) counts() (creates, updates, lists int) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.createCalls, len(s.updates), s.listCalls
}

func (s *stubStorefront) paymentCalls() (collections, sessions int) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.collectionCalls, s.sessionCalls
}

func (s *stubStorefront) lastUpdate() storefront.CartUpdate {
	s.mu.Lock()
	defer s.mu.Unlock()
	if len(s.updates) == 0 {
		return storefront.CartUpdate{}
	}
	return s.updates[len(s.updates)-1]
}

func (s *stubStorefront) addShippingCalls() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]string(nil), s.addShipping...)
}

type stubConfirmer struct {
	mu          sync.Mutex
	confirmFunc func(ctx context.Context, paymentCtx payments.PaymentContext, req payments.ConfirmRequest) (payments.Confirmation, error)
	requests    []payments.ConfirmRequest
}

func (s *stubConfirmer) ConfirmPayment(ctx context.Context, paymentCtx payments.PaymentContext, req payments.ConfirmRequest) (payments.Confirmation, error) {
	s.mu.Lock()
	s.requests = append(s.requests, req)
	fn := s.confirmFunc
	s.mu.Unlock()
	if fn != nil {
		return fn(ctx, paymentCtx, req)
	}
	return payments.Confirmation{Provider: "stripe", IntentID: req.IntentID, Status: payments.StatusSucceeded}, nil
}

func (s *stubConfirmer) calls() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.requests)
}

type stubPublisher struct {
	mu     sync.Mutex
	events []CheckoutCompleted
	err    error
}

func (s *stubPublisher) PublishCheckoutCompleted(_ context.Context, event CheckoutCompleted) (string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.err != nil {
		return "", s.err
	}
	s.events = append(s.events, event)
	return "msg-1", nil
}

type memorySnapshots struct {
	mu    sync.Mutex
	saved map[string]CartSnapshot
}

func newMemorySnapshots() *memorySnapshots {
	return &memorySnapshots{saved: map[string]CartSnapshot{}}
}

func (m *memorySnapshots) Load(_ context.Context, key string) (CartSnapshot, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	snapshot, ok := m.saved[key]
	if !ok {
		return CartSnapshot{}, ErrCheckoutNotFound
	}
	return snapshot.Clone(), nil
}

func (m *memorySnapshots) Save(_ context.Context, key string, snapshot CartSnapshot) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.saved[key] = snapshot.Clone()
	return nil
}

func (m *memorySnapshots) Clear(_ context.Context, key string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.saved, key)
	return nil
}

func (m *memorySnapshots) has(key string) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	_, ok := m.saved[key]
	return ok
}

func fixedClock() func() time.Time {
	return func() time.Time { return time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC) }
}

func completeAddress() *Address {
	return &Address{
		FirstName:   "Ada",
		LastName:    "Lovelace",
		Line1:       "1 Market St",
		City:        "San Francisco",
		Province:    "CA",
		PostalCode:  "94105",
		CountryCode: "US",
	}
}

func newTestCartSync(api *stubStorefront, registry *ErrorRegistry, scheduler debounce.Scheduler, hooks func(*CartSyncDeps)) *CartSync {
	deps := CartSyncDeps{
		API:         api,
		Errors:      registry,
		Initial:     CartSnapshot{Currency: "USD", RegionID: "reg_us"},
		CountryCode: "us",
		Scheduler:   scheduler,
	}
	if hooks != nil {
		hooks(&deps)
	}
	cart, err := NewCartSync(deps)
	if err != nil {
		panic(err)
	}
	return cart
}
