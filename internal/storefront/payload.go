package storefront

import (
	"strings"

	"github.com/hanko-field/checkout/internal/domain"
)

// RemoteCart is the backend-authoritative cart, with every amount converted to minor units.
type RemoteCart struct {
	ID              string
	Email           string
	CurrencyCode    string
	RegionID        string
	Items           []RemoteLineItem
	ShippingAddress *domain.Address
	Promotions      []RemotePromotion
	ShippingMethods []RemoteShippingMethod
	Subtotal        int64
	DiscountTotal   int64
	ShippingTotal   int64
	TaxTotal        int64
	Total           int64
	Completed       bool
}

// RemoteLineItem is a line of the remote cart.
type RemoteLineItem struct {
	ID          string
	ProductID   string
	VariantID   string
	Title       string
	Quantity    int
	UnitPrice   int64
	Adjustments []Adjustment
}

// Adjustment is a per-line discount attributed to a promotion code.
type Adjustment struct {
	Code   string
	Amount int64
}

// RemotePromotion is a promotion the backend applied to the cart.
type RemotePromotion struct {
	Code        string
	Automatic   bool
	Description string
}

// RemoteShippingMethod is a shipping method attached to the remote cart.
type RemoteShippingMethod struct {
	OptionID string
	Amount   int64
}

// RemotePaymentCollection is a payment collection with its provider sessions.
type RemotePaymentCollection struct {
	ID       string
	Sessions []RemotePaymentSession
}

// RemotePaymentSession is a provider session inside a payment collection.
type RemotePaymentSession struct {
	ID           string
	ProviderID   string
	ClientSecret string
	IntentID     string
}

// CreateCartRequest carries the region context for a new remote cart.
type CreateCartRequest struct {
	RegionID     string
	CurrencyCode string
	CountryCode  string
}

// CartUpdate is the full snapshot pushed to the remote cart. PromoCodes nil omits the field.
type CartUpdate struct {
	Email           string
	ShippingAddress *domain.Address
	Items           []domain.LineItem
	PromoCodes      []string
}

type createCartBody struct {
	RegionID     string `json:"region_id,omitempty"`
	CurrencyCode string `json:"currency_code,omitempty"`
	CountryCode  string `json:"country_code,omitempty"`
}

type createCartPayload struct {
	CartID string       `json:"cart_id"`
	Cart   *cartPayload `json:"cart"`
}

type updateCartBody struct {
	Email           string          `json:"email,omitempty"`
	ShippingAddress *addressPayload `json:"shipping_address,omitempty"`
	Items           []lineItemBody  `json:"items"`
	PromoCodes      *[]string       `json:"promo_codes,omitempty"`
}

type lineItemBody struct {
	ProductID string            `json:"product_id"`
	VariantID string            `json:"variant_id,omitempty"`
	Quantity  int               `json:"quantity"`
	Metadata  map[string]string `json:"metadata,omitempty"`
}

type addressPayload struct {
	FirstName   string `json:"first_name"`
	LastName    string `json:"last_name"`
	Company     string `json:"company,omitempty"`
	Address1    string `json:"address_1"`
	Address2    string `json:"address_2,omitempty"`
	City        string `json:"city"`
	Province    string `json:"province,omitempty"`
	PostalCode  string `json:"postal_code"`
	CountryCode string `json:"country_code"`
	Phone       string `json:"phone,omitempty"`
}

type cartEnvelope struct {
	Cart *cartPayload `json:"cart"`
}

type cartPayload struct {
	ID              string                  `json:"id"`
	Email           string                  `json:"email"`
	CurrencyCode    string                  `json:"currency_code"`
	RegionID        string                  `json:"region_id"`
	Items           []lineItemPayload       `json:"items"`
	ShippingAddress *addressPayload         `json:"shipping_address"`
	Promotions      []promotionPayload      `json:"promotions"`
	ShippingMethods []shippingMethodPayload `json:"shipping_methods"`
	Subtotal        float64                 `json:"subtotal"`
	DiscountTotal   float64                 `json:"discount_total"`
	ShippingTotal   float64                 `json:"shipping_total"`
	TaxTotal        float64                 `json:"tax_total"`
	Total           float64                 `json:"total"`
	CompletedAt     *string                 `json:"completed_at"`
}

type lineItemPayload struct {
	ID          string              `json:"id"`
	ProductID   string              `json:"product_id"`
	VariantID   string              `json:"variant_id"`
	Title       string              `json:"title"`
	Quantity    int                 `json:"quantity"`
	UnitPrice   float64             `json:"unit_price"`
	Adjustments []adjustmentPayload `json:"adjustments"`
}

type adjustmentPayload struct {
	Code   string  `json:"code"`
	Amount float64 `json:"amount"`
}

type promotionPayload struct {
	Code        string `json:"code"`
	IsAutomatic bool   `json:"is_automatic"`
	Description string `json:"description"`
}

type shippingMethodPayload struct {
	ShippingOptionID string  `json:"shipping_option_id"`
	Amount           float64 `json:"amount"`
}

type shippingOptionsEnvelope struct {
	ShippingOptions []shippingOptionPayload `json:"shipping_options"`
}

type shippingOptionPayload struct {
	ID               string   `json:"id"`
	Name             string   `json:"name"`
	Amount           float64  `json:"amount"`
	OriginalAmount   *float64 `json:"original_amount"`
	DeliveryEstimate string   `json:"delivery_estimate"`
}

type shippingMethodBody struct {
	OptionID string `json:"option_id"`
}

type paymentCollectionBody struct {
	CartID string `json:"cartId"`
}

type paymentSessionBody struct {
	ProviderID string `json:"provider_id"`
}

type paymentCollectionEnvelope struct {
	PaymentCollection *paymentCollectionPayload `json:"payment_collection"`
}

type paymentCollectionPayload struct {
	ID              string                  `json:"id"`
	PaymentSessions []paymentSessionPayload `json:"payment_sessions"`
}

type paymentSessionPayload struct {
	ID         string `json:"id"`
	ProviderID string `json:"provider_id"`
	Data       struct {
		ClientSecret string `json:"client_secret"`
		ID           string `json:"id"`
	} `json:"data"`
}

type completeCartPayload struct {
	OrderID string `json:"order_id"`
	Type    string `json:"type"`
	Order   *struct {
		ID string `json:"id"`
	} `json:"order"`
}

type errorPayload struct {
	Error   string         `json:"error"`
	Message string         `json:"message"`
	Code    string         `json:"code"`
	Details map[string]any `json:"details"`
}

func newAddressPayload(addr *domain.Address) *addressPayload {
	if addr == nil {
		return nil
	}
	return &addressPayload{
		FirstName:   strings.TrimSpace(addr.FirstName),
		LastName:    strings.TrimSpace(addr.LastName),
		Company:     strings.TrimSpace(addr.Company),
		Address1:    strings.TrimSpace(addr.Line1),
		Address2:    strings.TrimSpace(addr.Line2),
		City:        strings.TrimSpace(addr.City),
		Province:    strings.TrimSpace(addr.Province),
		PostalCode:  strings.TrimSpace(addr.PostalCode),
		CountryCode: strings.ToLower(strings.TrimSpace(addr.CountryCode)),
		Phone:       strings.TrimSpace(addr.Phone),
	}
}

func (p *addressPayload) toDomain() *domain.Address {
	if p == nil {
		return nil
	}
	return &domain.Address{
		FirstName:   p.FirstName,
		LastName:    p.LastName,
		Company:     p.Company,
		Line1:       p.Address1,
		Line2:       p.Address2,
		City:        p.City,
		Province:    p.Province,
		PostalCode:  p.PostalCode,
		CountryCode: strings.ToLower(p.CountryCode),
		Phone:       p.Phone,
	}
}

func newUpdateCartBody(update CartUpdate) updateCartBody {
	body := updateCartBody{
		Email:           strings.TrimSpace(update.Email),
		ShippingAddress: newAddressPayload(update.ShippingAddress),
		Items:           make([]lineItemBody, 0, len(update.Items)),
	}
	for _, item := range update.Items {
		if item.Quantity <= 0 {
			continue
		}
		line := lineItemBody{
			ProductID: strings.TrimSpace(item.ProductID),
			VariantID: strings.TrimSpace(item.VariantID),
			Quantity:  item.Quantity,
		}
		meta := map[string]string{}
		if c := strings.TrimSpace(item.Color); c != "" {
			meta["color"] = c
		}
		if t := strings.TrimSpace(item.Title); t != "" {
			meta["title"] = t
		}
		if len(meta) > 0 {
			line.Metadata = meta
		}
		body.Items = append(body.Items, line)
	}
	if update.PromoCodes != nil {
		codes := make([]string, 0, len(update.PromoCodes))
		for _, code := range update.PromoCodes {
			if normalized := domain.NormalizePromoCode(code); normalized != "" {
				codes = append(codes, normalized)
			}
		}
		body.PromoCodes = &codes
	}
	return body
}

func (p *cartPayload) toRemote(fallbackCurrency string) RemoteCart {
	currency := strings.ToUpper(strings.TrimSpace(p.CurrencyCode))
	if currency == "" {
		currency = strings.ToUpper(strings.TrimSpace(fallbackCurrency))
	}
	minor := func(v float64) int64 { return domain.ToMinorUnits(v, currency) }

	cart := RemoteCart{
		ID:              strings.TrimSpace(p.ID),
		Email:           strings.TrimSpace(p.Email),
		CurrencyCode:    currency,
		RegionID:        strings.TrimSpace(p.RegionID),
		ShippingAddress: p.ShippingAddress.toDomain(),
		Subtotal:        minor(p.Subtotal),
		DiscountTotal:   minor(p.DiscountTotal),
		ShippingTotal:   minor(p.ShippingTotal),
		TaxTotal:        minor(p.TaxTotal),
		Total:           minor(p.Total),
		Completed:       p.CompletedAt != nil && strings.TrimSpace(*p.CompletedAt) != "",
	}
	for _, item := range p.Items {
		line := RemoteLineItem{
			ID:        strings.TrimSpace(item.ID),
			ProductID: strings.TrimSpace(item.ProductID),
			VariantID: strings.TrimSpace(item.VariantID),
			Title:     strings.TrimSpace(item.Title),
			Quantity:  item.Quantity,
			UnitPrice: minor(item.UnitPrice),
		}
		for _, adj := range item.Adjustments {
			line.Adjustments = append(line.Adjustments, Adjustment{
				Code:   domain.NormalizePromoCode(adj.Code),
				Amount: minor(adj.Amount),
			})
		}
		cart.Items = append(cart.Items, line)
	}
	for _, promo := range p.Promotions {
		code := domain.NormalizePromoCode(promo.Code)
		if code == "" {
			continue
		}
		cart.Promotions = append(cart.Promotions, RemotePromotion{
			Code:        code,
			Automatic:   promo.IsAutomatic,
			Description: strings.TrimSpace(promo.Description),
		})
	}
	for _, method := range p.ShippingMethods {
		cart.ShippingMethods = append(cart.ShippingMethods, RemoteShippingMethod{
			OptionID: strings.TrimSpace(method.ShippingOptionID),
			Amount:   minor(method.Amount),
		})
	}
	return cart
}

func (p shippingOptionPayload) toDomain(currency string) domain.ShippingOption {
	option := domain.ShippingOption{
		ID:               strings.TrimSpace(p.ID),
		Name:             strings.TrimSpace(p.Name),
		Amount:           domain.ToMinorUnits(p.Amount, currency),
		DeliveryEstimate: strings.TrimSpace(p.DeliveryEstimate),
	}
	if option.Amount < 0 {
		option.Amount = 0
	}
	if p.OriginalAmount != nil {
		original := domain.ToMinorUnits(*p.OriginalAmount, currency)
		option.OriginalAmount = &original
	}
	return option
}

func (p *paymentCollectionPayload) toRemote() RemotePaymentCollection {
	out := RemotePaymentCollection{ID: strings.TrimSpace(p.ID)}
	for _, session := range p.PaymentSessions {
		out.Sessions = append(out.Sessions, RemotePaymentSession{
			ID:           strings.TrimSpace(session.ID),
			ProviderID:   strings.TrimSpace(session.ProviderID),
			ClientSecret: strings.TrimSpace(session.Data.ClientSecret),
			IntentID:     strings.TrimSpace(session.Data.ID),
		})
	}
	return out
}

// Session returns the entry for providerID, if present.
func (c RemotePaymentCollection) Session(providerID string) (RemotePaymentSession, bool) {
	providerID = strings.TrimSpace(providerID)
	for _, session := range c.Sessions {
		if session.ProviderID == providerID {
			return session, true
		}
	}
	return RemotePaymentSession{}, false
}
