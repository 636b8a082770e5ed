package services

import (
	"context"

	domain "github.com/hanko-field/checkout/internal/domain"
	"github.com/hanko-field/checkout/internal/payments"
	"github.com/hanko-field/checkout/internal/storefront"
)

// Type aliases expose domain models to the services package without reversing dependency direction.
type (
	CartSnapshot       = domain.CartSnapshot
	LineItem           = domain.LineItem
	Address            = domain.Address
	ShippingOption     = domain.ShippingOption
	PaymentSession     = domain.PaymentSession
	AppliedPromoCode   = domain.AppliedPromoCode
	Totals             = domain.Totals
	CheckoutCompleted  = domain.CheckoutCompleted
	SystemHealthReport = domain.SystemHealthReport
	RemoteCart         = storefront.RemoteCart
)

// Logger receives structured engine events.
type Logger func(ctx context.Context, event string, fields map[string]any)

// CartAPI is the slice of the storefront API used to create and update the remote cart.
type CartAPI interface {
	CreateCart(ctx context.Context, req storefront.CreateCartRequest) (string, error)
	UpdateCart(ctx context.Context, cartID string, update storefront.CartUpdate, currency string) (storefront.RemoteCart, error)
}

// ShippingAPI lists and persists shipping options for a cart.
type ShippingAPI interface {
	ListShippingOptions(ctx context.Context, cartID, currency string) ([]domain.ShippingOption, error)
	AddShippingMethod(ctx context.Context, cartID, optionID string) error
}

// PaymentCollectionAPI creates payment collections and provider sessions.
type PaymentCollectionAPI interface {
	CreatePaymentCollection(ctx context.Context, cartID string) (storefront.RemotePaymentCollection, error)
	CreatePaymentSession(ctx context.Context, collectionID, providerID string) (storefront.RemotePaymentCollection, error)
}

// OrderAPI turns a paid cart into an order.
type OrderAPI interface {
	CompleteCart(ctx context.Context, cartID string) (string, error)
}

// StorefrontAPI aggregates every backend call the checkout engine issues.
type StorefrontAPI interface {
	CartAPI
	ShippingAPI
	PaymentCollectionAPI
	OrderAPI
}

// PaymentConfirmer confirms the payment mounted in the payment UI.
type PaymentConfirmer interface {
	ConfirmPayment(ctx context.Context, paymentCtx payments.PaymentContext, req payments.ConfirmRequest) (payments.Confirmation, error)
}

// PaymentMethodLookup verifies a payment method token before confirmation.
type PaymentMethodLookup interface {
	Lookup(ctx context.Context, token string) (payments.PaymentMethodDetails, error)
}

// EventPublisher emits checkout lifecycle events.
type EventPublisher interface {
	PublishCheckoutCompleted(ctx context.Context, event domain.CheckoutCompleted) (string, error)
}

// SnapshotStore mirrors the local cart snapshot outside the process. Failures are logged only.
type SnapshotStore interface {
	Load(ctx context.Context, key string) (domain.CartSnapshot, error)
	Save(ctx context.Context, key string, snapshot domain.CartSnapshot) error
	Clear(ctx context.Context, key string) error
}

// SystemService reports runtime health for the probe endpoints.
type SystemService interface {
	HealthReport(ctx context.Context) (SystemHealthReport, error)
}

func noopLogger(context.Context, string, map[string]any) {}
