package domain

import (
	"strings"
	"time"
)

// LineItem is a single product line in the shopper's local cart. Quantity is always positive;
// lines whose quantity drops to zero are removed rather than stored.
type LineItem struct {
	ProductID string
	VariantID string
	Quantity  int
	UnitPrice int64
	Color     string
	Title     string
}

// Key identifies the line within a cart. Lines are unique by product and variant.
func (i LineItem) Key() string {
	return strings.TrimSpace(i.ProductID) + "|" + strings.TrimSpace(i.VariantID)
}

// Address captures the shipping destination entered during checkout.
type Address struct {
	FirstName   string
	LastName    string
	Company     string
	Line1       string
	Line2       string
	City        string
	Province    string
	PostalCode  string
	CountryCode string
	Phone       string
}

// Complete reports whether the fields needed to quote and ship are present.
func (a Address) Complete() bool {
	required := []string{a.FirstName, a.LastName, a.Line1, a.City, a.PostalCode, a.CountryCode}
	for _, field := range required {
		if strings.TrimSpace(field) == "" {
			return false
		}
	}
	return true
}

// Destination returns the normalised (country, province, postal code) tuple used for rate lookups.
func (a Address) Destination() (country, province, postal string) {
	country = strings.ToLower(strings.TrimSpace(a.CountryCode))
	province = strings.ToLower(strings.TrimSpace(a.Province))
	postal = strings.ToUpper(strings.ReplaceAll(strings.TrimSpace(a.PostalCode), " ", ""))
	return country, province, postal
}

// CartSnapshot is the local, shopper-owned view of the checkout cart.
type CartSnapshot struct {
	ID              string
	Items           []LineItem
	ShippingAddress *Address
	Email           string
	Currency        string
	RegionID        string
	CountryCode     string
	PromoCodes      []string
}

// Clone returns a deep copy safe to hand to other goroutines.
func (s CartSnapshot) Clone() CartSnapshot {
	out := s
	if s.Items != nil {
		out.Items = append([]LineItem(nil), s.Items...)
	}
	if s.ShippingAddress != nil {
		addr := *s.ShippingAddress
		out.ShippingAddress = &addr
	}
	if s.PromoCodes != nil {
		out.PromoCodes = append([]string(nil), s.PromoCodes...)
	}
	return out
}

// ItemsSubtotal sums unit price × quantity over all lines.
func (s CartSnapshot) ItemsSubtotal() int64 {
	var total int64
	for _, item := range s.Items {
		if item.Quantity <= 0 {
			continue
		}
		total += item.UnitPrice * int64(item.Quantity)
	}
	return total
}

// HasPushableData reports whether there is anything worth pushing to the remote cart.
func (s CartSnapshot) HasPushableData() bool {
	return len(s.Items) > 0 || s.ShippingAddress != nil || strings.TrimSpace(s.Email) != ""
}

// ShippingOption is a shipping method offered by the backend for a cart.
type ShippingOption struct {
	ID               string
	Name             string
	Amount           int64
	OriginalAmount   *int64
	DeliveryEstimate string
}

// IsFree reports whether the option is free while its original price was not.
func (o ShippingOption) IsFree() bool {
	return o.Amount == 0 && o.OriginalAmount != nil && *o.OriginalAmount > 0
}

// PaymentSession is a provider-specific handle the payment UI uses to collect payment.
type PaymentSession struct {
	ID           string
	ProviderID   string
	ClientSecret string
	IntentID     string
}

// PaymentCollection groups the provider sessions created for a single remote cart.
type PaymentCollection struct {
	ID       string
	CartID   string
	Sessions map[string]PaymentSession
}

// Session returns the session registered for the provider, if any.
func (c PaymentCollection) Session(providerID string) (PaymentSession, bool) {
	if c.Sessions == nil {
		return PaymentSession{}, false
	}
	session, ok := c.Sessions[strings.TrimSpace(providerID)]
	return session, ok
}

// AppliedPromoCode is a promotion code currently applied to the cart.
type AppliedPromoCode struct {
	Code        string
	Amount      int64
	Automatic   bool
	Description string
}

// NormalizePromoCode trims and upper-cases a shopper-entered code.
func NormalizePromoCode(code string) string {
	return strings.ToUpper(strings.TrimSpace(code))
}

// CheckoutCompleted is emitted once payment is confirmed and the order created.
type CheckoutCompleted struct {
	CheckoutID      string    `json:"checkoutId"`
	CartID          string    `json:"cartId"`
	OrderID         string    `json:"orderId"`
	PaymentIntentID string    `json:"paymentIntentId"`
	Total           int64     `json:"total"`
	Currency        string    `json:"currency"`
	CompletedAt     time.Time `json:"completedAt"`
}
