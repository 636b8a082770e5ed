package handlers

import (
	"context"
	"errors"
	"net"
	"net/http"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"

	domain "github.com/hanko-field/checkout/internal/domain"
	"github.com/hanko-field/checkout/internal/platform/httpx"
	"github.com/hanko-field/checkout/internal/services"
	"github.com/hanko-field/checkout/internal/storefront"
)

const maxCheckoutRequestBody = 16 * 1024

// CheckoutStore resolves checkout sessions by id.
type CheckoutStore interface {
	Create(ctx context.Context, params services.CheckoutParams) (*services.Checkout, error)
	Get(ctx context.Context, id string) (*services.Checkout, error)
	Close(ctx context.Context, id string) error
}

// CheckoutHandlers exposes the shopper checkout session endpoints.
type CheckoutHandlers struct {
	store       CheckoutStore
	createLimit *windowLimiter
	promoLimit  *windowLimiter
	clock       func() time.Time
}

// CheckoutOption customises checkout handlers.
type CheckoutOption func(*CheckoutHandlers)

// WithCheckoutClock overrides the clock used by the rate limiters.
func WithCheckoutClock(clock func() time.Time) CheckoutOption {
	return func(h *CheckoutHandlers) {
		if clock != nil {
			h.clock = clock
		}
	}
}

// WithCreateRateLimit caps checkout creation per client IP.
func WithCreateRateLimit(limit int, window time.Duration) CheckoutOption {
	return func(h *CheckoutHandlers) {
		h.createLimit = newWindowLimiter(limit, window, func() time.Time { return h.clock() })
	}
}

// WithPromoRateLimit caps promo code attempts per checkout.
func WithPromoRateLimit(limit int, window time.Duration) CheckoutOption {
	return func(h *CheckoutHandlers) {
		h.promoLimit = newWindowLimiter(limit, window, func() time.Time { return h.clock() })
	}
}

// NewCheckoutHandlers constructs checkout handlers backed by the session store.
func NewCheckoutHandlers(store CheckoutStore, opts ...CheckoutOption) *CheckoutHandlers {
	h := &CheckoutHandlers{
		store: store,
		clock: time.Now,
	}
	for _, opt := range opts {
		if opt != nil {
			opt(h)
		}
	}
	return h
}

// Routes registers checkout endpoints under the provided router.
func (h *CheckoutHandlers) Routes(r chi.Router) {
	if r == nil {
		return
	}
	r.Post("/", h.createCheckout)
	r.Route("/{checkoutID}", func(rt chi.Router) {
		rt.Get("/", h.getCheckout)
		rt.Delete("/", h.closeCheckout)
		rt.Put("/items/{productID}", h.putItem)
		rt.Delete("/items/{productID}", h.deleteItem)
		rt.Put("/address", h.putAddress)
		rt.Put("/email", h.putEmail)
		rt.Post("/promo-codes", h.applyPromoCode)
		rt.Delete("/promo-codes/{code}", h.removePromoCode)
		rt.Post("/shipping-options:refresh", h.refreshShippingOptions)
		rt.Put("/shipping-selection", h.selectShippingOption)
		rt.Post("/payment-session", h.ensurePaymentSession)
		rt.Put("/payment-ui", h.setPaymentUI)
		rt.Post("/submit", h.submit)
	})
}

type lineItemPayload struct {
	ProductID string `json:"productId,omitempty"`
	VariantID string `json:"variantId,omitempty"`
	Quantity  int    `json:"quantity"`
	UnitPrice int64  `json:"unitPrice"`
	Color     string `json:"color,omitempty"`
	Title     string `json:"title,omitempty"`
}

type addressPayload struct {
	FirstName   string `json:"firstName"`
	LastName    string `json:"lastName"`
	Company     string `json:"company,omitempty"`
	Line1       string `json:"line1"`
	Line2       string `json:"line2,omitempty"`
	City        string `json:"city"`
	Province    string `json:"province,omitempty"`
	PostalCode  string `json:"postalCode"`
	CountryCode string `json:"countryCode"`
	Phone       string `json:"phone,omitempty"`
}

type createCheckoutRequest struct {
	RegionID    string            `json:"regionId"`
	Currency    string            `json:"currency"`
	CountryCode string            `json:"countryCode"`
	Email       string            `json:"email"`
	Items       []lineItemPayload `json:"items"`
}

type emailRequest struct {
	Email string `json:"email"`
}

type promoCodeRequest struct {
	Code string `json:"code"`
}

type shippingSelectionRequest struct {
	OptionID string `json:"optionId"`
}

type paymentUIRequest struct {
	Complete bool `json:"complete"`
}

type submitRequest struct {
	PaymentMethodID string `json:"paymentMethodId"`
	ReturnURL       string `json:"returnUrl"`
}

type shippingOptionPayload struct {
	ID               string `json:"id"`
	Name             string `json:"name"`
	Amount           int64  `json:"amount"`
	OriginalAmount   *int64 `json:"originalAmount,omitempty"`
	DeliveryEstimate string `json:"deliveryEstimate,omitempty"`
}

type promoCodePayload struct {
	Code        string `json:"code"`
	Amount      int64  `json:"amount"`
	Automatic   bool   `json:"automatic"`
	Description string `json:"description,omitempty"`
}

type totalsPayload struct {
	Currency string `json:"currency"`
	Subtotal int64  `json:"subtotal"`
	Shipping int64  `json:"shipping"`
	Discount int64  `json:"discount"`
	Tax      int64  `json:"tax"`
	Total    int64  `json:"total"`
}

type checkoutErrorPayload struct {
	Domain         string `json:"domain"`
	Message        string `json:"message"`
	Recoverable    bool   `json:"recoverable"`
	Severity       string `json:"severity"`
	RecoveryAction string `json:"recoveryAction,omitempty"`
	Timestamp      string `json:"timestamp"`
}

type checkoutResponse struct {
	ID                string                  `json:"id"`
	Status            string                  `json:"status"`
	CartID            string                  `json:"cartId,omitempty"`
	Synced            bool                    `json:"synced"`
	RegionID          string                  `json:"regionId"`
	Currency          string                  `json:"currency"`
	CountryCode       string                  `json:"countryCode,omitempty"`
	Email             string                  `json:"email,omitempty"`
	Items             []lineItemPayload       `json:"items"`
	ShippingAddress   *addressPayload         `json:"shippingAddress,omitempty"`
	ShippingOptions   []shippingOptionPayload `json:"shippingOptions"`
	SelectedShipping  *shippingOptionPayload  `json:"selectedShipping,omitempty"`
	ShippingPersisted bool                    `json:"shippingPersisted"`
	ShippingLoading   bool                    `json:"shippingLoading"`
	PromoCodes        []promoCodePayload      `json:"promoCodes"`
	Totals            totalsPayload           `json:"totals"`
	Errors            []checkoutErrorPayload  `json:"errors"`
	PaymentPhase      string                  `json:"paymentPhase"`
	OrderID           string                  `json:"orderId,omitempty"`
}

type promoCodesResponse struct {
	PromoCodes []promoCodePayload `json:"promoCodes"`
	Totals     totalsPayload      `json:"totals"`
}

type shippingOptionsResponse struct {
	ShippingOptions []shippingOptionPayload `json:"shippingOptions"`
}

type shippingSelectionResponse struct {
	SelectedShipping shippingOptionPayload `json:"selectedShipping"`
	Persisted        bool                  `json:"persisted"`
	Totals           totalsPayload         `json:"totals"`
}

type paymentSessionResponse struct {
	SessionID    string `json:"sessionId"`
	ProviderID   string `json:"providerId"`
	ClientSecret string `json:"clientSecret"`
}

type submitResponse struct {
	Status          string `json:"status"`
	OrderID         string `json:"orderId,omitempty"`
	PaymentIntentID string `json:"paymentIntentId,omitempty"`
	NextActionURL   string `json:"nextActionUrl,omitempty"`
}

func (h *CheckoutHandlers) createCheckout(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	if h.store == nil {
		httpx.WriteError(ctx, w, httpx.NewError("checkout_unavailable", "checkout service unavailable", http.StatusServiceUnavailable))
		return
	}
	if ok, wait := h.createLimit.Take(clientIP(r)); !ok {
		setRetryAfter(w, wait)
		httpx.WriteError(ctx, w, httpx.NewError("rate_limited", "too many checkouts created, try again later", http.StatusTooManyRequests))
		return
	}

	var req createCheckoutRequest
	if r.ContentLength != 0 {
		if err := httpx.DecodeJSON(r, maxCheckoutRequestBody, &req); err != nil && !errors.Is(err, httpx.ErrEmptyBody) {
			httpx.WriteError(ctx, w, httpx.DecodeError(err))
			return
		}
	}

	var initial *services.CartSnapshot
	email := strings.TrimSpace(req.Email)
	if email != "" || len(req.Items) > 0 {
		items := make([]services.LineItem, 0, len(req.Items))
		for _, item := range req.Items {
			line, err := toLineItem(item.ProductID, item)
			if err != nil {
				httpx.WriteError(ctx, w, httpx.NewError("invalid_request", err.Error(), http.StatusBadRequest))
				return
			}
			items = append(items, line)
		}
		initial = &services.CartSnapshot{Email: email, Items: items}
	}

	checkout, err := h.store.Create(ctx, services.CheckoutParams{
		RegionID:    strings.TrimSpace(req.RegionID),
		Currency:    strings.ToUpper(strings.TrimSpace(req.Currency)),
		CountryCode: strings.ToLower(strings.TrimSpace(req.CountryCode)),
		Initial:     initial,
	})
	if err != nil {
		writeCheckoutError(ctx, w, err)
		return
	}
	httpx.WriteJSON(w, http.StatusCreated, buildCheckoutResponse(checkout))
}

func (h *CheckoutHandlers) getCheckout(w http.ResponseWriter, r *http.Request) {
	checkout, ok := h.load(w, r)
	if !ok {
		return
	}
	httpx.WriteJSON(w, http.StatusOK, buildCheckoutResponse(checkout))
}

func (h *CheckoutHandlers) closeCheckout(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	if h.store == nil {
		httpx.WriteError(ctx, w, httpx.NewError("checkout_unavailable", "checkout service unavailable", http.StatusServiceUnavailable))
		return
	}
	id := chi.URLParam(r, "checkoutID")
	if err := h.store.Close(ctx, id); err != nil {
		writeCheckoutError(ctx, w, err)
		return
	}
	h.promoLimit.Forget(id)
	w.WriteHeader(http.StatusNoContent)
}

func (h *CheckoutHandlers) putItem(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	checkout, ok := h.load(w, r)
	if !ok {
		return
	}
	var req lineItemPayload
	if err := httpx.DecodeJSON(r, maxCheckoutRequestBody, &req); err != nil {
		httpx.WriteError(ctx, w, httpx.DecodeError(err))
		return
	}
	productID := strings.TrimSpace(chi.URLParam(r, "productID"))
	if req.Quantity <= 0 {
		if err := checkout.RemoveItem(productID, strings.TrimSpace(req.VariantID)); err != nil {
			writeCheckoutError(ctx, w, err)
			return
		}
		httpx.WriteJSON(w, http.StatusOK, buildCheckoutResponse(checkout))
		return
	}
	item, err := toLineItem(productID, req)
	if err != nil {
		httpx.WriteError(ctx, w, httpx.NewError("invalid_request", err.Error(), http.StatusBadRequest))
		return
	}
	if err := checkout.UpsertItem(item); err != nil {
		writeCheckoutError(ctx, w, err)
		return
	}
	httpx.WriteJSON(w, http.StatusOK, buildCheckoutResponse(checkout))
}

func (h *CheckoutHandlers) deleteItem(w http.ResponseWriter, r *http.Request) {
	checkout, ok := h.load(w, r)
	if !ok {
		return
	}
	productID := strings.TrimSpace(chi.URLParam(r, "productID"))
	variantID := strings.TrimSpace(r.URL.Query().Get("variantId"))
	if err := checkout.RemoveItem(productID, variantID); err != nil {
		writeCheckoutError(r.Context(), w, err)
		return
	}
	httpx.WriteJSON(w, http.StatusOK, buildCheckoutResponse(checkout))
}

func (h *CheckoutHandlers) putAddress(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	checkout, ok := h.load(w, r)
	if !ok {
		return
	}
	var req addressPayload
	if err := httpx.DecodeJSON(r, maxCheckoutRequestBody, &req); err != nil {
		httpx.WriteError(ctx, w, httpx.DecodeError(err))
		return
	}
	addr := toAddress(req)
	if strings.TrimSpace(addr.CountryCode) == "" {
		httpx.WriteError(ctx, w, httpx.NewError("invalid_request", "countryCode is required", http.StatusBadRequest))
		return
	}
	if err := checkout.SetShippingAddress(&addr); err != nil {
		writeCheckoutError(ctx, w, err)
		return
	}
	httpx.WriteJSON(w, http.StatusOK, buildCheckoutResponse(checkout))
}

func (h *CheckoutHandlers) putEmail(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	checkout, ok := h.load(w, r)
	if !ok {
		return
	}
	var req emailRequest
	if err := httpx.DecodeJSON(r, maxCheckoutRequestBody, &req); err != nil {
		httpx.WriteError(ctx, w, httpx.DecodeError(err))
		return
	}
	if err := checkout.SetEmail(strings.TrimSpace(req.Email)); err != nil {
		writeCheckoutError(ctx, w, err)
		return
	}
	httpx.WriteJSON(w, http.StatusOK, buildCheckoutResponse(checkout))
}

func (h *CheckoutHandlers) applyPromoCode(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	checkout, ok := h.load(w, r)
	if !ok {
		return
	}
	if ok, wait := h.promoLimit.Take(checkout.ID()); !ok {
		setRetryAfter(w, wait)
		httpx.WriteError(ctx, w, httpx.NewError("rate_limited", "too many promo code attempts, try again later", http.StatusTooManyRequests))
		return
	}
	var req promoCodeRequest
	if err := httpx.DecodeJSON(r, maxCheckoutRequestBody, &req); err != nil {
		httpx.WriteError(ctx, w, httpx.DecodeError(err))
		return
	}
	applied, err := checkout.ApplyPromoCode(ctx, req.Code)
	if err != nil {
		writeCheckoutError(ctx, w, err)
		return
	}
	httpx.WriteJSON(w, http.StatusOK, promoCodesResponse{
		PromoCodes: toPromoPayloads(applied),
		Totals:     toTotalsPayload(checkout.Totals()),
	})
}

func (h *CheckoutHandlers) removePromoCode(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	checkout, ok := h.load(w, r)
	if !ok {
		return
	}
	applied, err := checkout.RemovePromoCode(ctx, chi.URLParam(r, "code"))
	if err != nil {
		writeCheckoutError(ctx, w, err)
		return
	}
	httpx.WriteJSON(w, http.StatusOK, promoCodesResponse{
		PromoCodes: toPromoPayloads(applied),
		Totals:     toTotalsPayload(checkout.Totals()),
	})
}

func (h *CheckoutHandlers) refreshShippingOptions(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	checkout, ok := h.load(w, r)
	if !ok {
		return
	}
	options, err := checkout.RefreshShippingOptions(ctx)
	if err != nil {
		writeCheckoutError(ctx, w, err)
		return
	}
	httpx.WriteJSON(w, http.StatusOK, shippingOptionsResponse{ShippingOptions: toShippingPayloads(options)})
}

func (h *CheckoutHandlers) selectShippingOption(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	checkout, ok := h.load(w, r)
	if !ok {
		return
	}
	var req shippingSelectionRequest
	if err := httpx.DecodeJSON(r, maxCheckoutRequestBody, &req); err != nil {
		httpx.WriteError(ctx, w, httpx.DecodeError(err))
		return
	}
	optionID := strings.TrimSpace(req.OptionID)
	if optionID == "" {
		httpx.WriteError(ctx, w, httpx.NewError("invalid_request", "optionId is required", http.StatusBadRequest))
		return
	}
	option, err := checkout.SelectShippingOption(ctx, optionID)
	if err != nil {
		writeCheckoutError(ctx, w, err)
		return
	}
	httpx.WriteJSON(w, http.StatusOK, shippingSelectionResponse{
		SelectedShipping: toShippingPayload(option),
		Persisted:        checkout.ShippingPersisted(),
		Totals:           toTotalsPayload(checkout.Totals()),
	})
}

func (h *CheckoutHandlers) ensurePaymentSession(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	checkout, ok := h.load(w, r)
	if !ok {
		return
	}
	session, err := checkout.EnsurePaymentSession(ctx)
	if err != nil {
		writeCheckoutError(ctx, w, err)
		return
	}
	httpx.WriteJSON(w, http.StatusOK, paymentSessionResponse{
		SessionID:    session.ID,
		ProviderID:   session.ProviderID,
		ClientSecret: session.ClientSecret,
	})
}

func (h *CheckoutHandlers) setPaymentUI(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	checkout, ok := h.load(w, r)
	if !ok {
		return
	}
	var req paymentUIRequest
	if err := httpx.DecodeJSON(r, maxCheckoutRequestBody, &req); err != nil {
		httpx.WriteError(ctx, w, httpx.DecodeError(err))
		return
	}
	checkout.SetPaymentUIComplete(req.Complete)
	w.WriteHeader(http.StatusNoContent)
}

func (h *CheckoutHandlers) submit(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	checkout, ok := h.load(w, r)
	if !ok {
		return
	}
	var req submitRequest
	if r.ContentLength != 0 {
		if err := httpx.DecodeJSON(r, maxCheckoutRequestBody, &req); err != nil && !errors.Is(err, httpx.ErrEmptyBody) {
			httpx.WriteError(ctx, w, httpx.DecodeError(err))
			return
		}
	}
	result, err := checkout.Submit(ctx, services.SubmitRequest{
		PaymentMethodID: strings.TrimSpace(req.PaymentMethodID),
		ReturnURL:       strings.TrimSpace(req.ReturnURL),
	})
	if err != nil {
		writeCheckoutError(ctx, w, err)
		return
	}
	httpx.WriteJSON(w, http.StatusOK, submitResponse{
		Status:          string(result.Status),
		OrderID:         result.OrderID,
		PaymentIntentID: result.PaymentIntentID,
		NextActionURL:   result.NextActionURL,
	})
}

func (h *CheckoutHandlers) load(w http.ResponseWriter, r *http.Request) (*services.Checkout, bool) {
	ctx := r.Context()
	if h.store == nil {
		httpx.WriteError(ctx, w, httpx.NewError("checkout_unavailable", "checkout service unavailable", http.StatusServiceUnavailable))
		return nil, false
	}
	checkout, err := h.store.Get(ctx, chi.URLParam(r, "checkoutID"))
	if err != nil {
		writeCheckoutError(ctx, w, err)
		return nil, false
	}
	return checkout, true
}

func writeCheckoutError(ctx context.Context, w http.ResponseWriter, err error) {
	if err == nil {
		return
	}

	var validation *services.ValidationError
	if errors.As(err, &validation) {
		httpx.WriteError(ctx, w, httpx.NewError("checkout_invalid", validation.Error(), http.StatusUnprocessableEntity).
			WithDetails(map[string]any{"section": validation.Section, "reason": validation.Reason}))
		return
	}
	var promo *services.PromoCodeError
	if errors.As(err, &promo) {
		httpx.WriteError(ctx, w, httpx.NewError("promo_code_rejected", promo.Message, http.StatusUnprocessableEntity).
			WithDetails(map[string]any{"code": promo.Code, "reason": string(promo.Reason)}))
		return
	}

	switch {
	case errors.Is(err, services.ErrCheckoutNotFound):
		httpx.WriteError(ctx, w, httpx.NewError("checkout_not_found", "checkout not found", http.StatusNotFound))
	case errors.Is(err, services.ErrCheckoutCompleted):
		httpx.WriteError(ctx, w, httpx.NewError("checkout_completed", "checkout is already completed", http.StatusConflict))
	case errors.Is(err, services.ErrCheckoutSubmitInProgress):
		httpx.WriteError(ctx, w, httpx.NewError("submit_in_progress", "checkout submission already in progress", http.StatusConflict))
	case services.IsAborted(ctx, err):
		httpx.WriteError(ctx, w, httpx.NewError("superseded", "request superseded by a newer change", http.StatusConflict))
	case errors.Is(err, services.ErrCheckoutEmptyCart):
		httpx.WriteError(ctx, w, httpx.NewError("cart_empty", "cart has no items", http.StatusUnprocessableEntity))
	case errors.Is(err, services.ErrShippingAddressRequired):
		httpx.WriteError(ctx, w, httpx.NewError("address_required", "shipping address is required", http.StatusUnprocessableEntity))
	case errors.Is(err, services.ErrShippingOptionUnknown):
		httpx.WriteError(ctx, w, httpx.NewError("shipping_option_not_found", "shipping option not found", http.StatusNotFound))
	case errors.Is(err, services.ErrPromoCodeEmpty):
		httpx.WriteError(ctx, w, httpx.NewError("invalid_request", "code is required", http.StatusBadRequest))
	case errors.Is(err, services.ErrPromoCodeNotApplied):
		httpx.WriteError(ctx, w, httpx.NewError("promo_code_not_applied", "promo code is not applied", http.StatusNotFound))
	case errors.Is(err, services.ErrPaymentCollectionMissing), errors.Is(err, services.ErrPaymentSessionNotReady):
		httpx.WriteError(ctx, w, httpx.NewError("payment_not_ready", "payment session is not ready", http.StatusConflict))
	case errors.Is(err, services.ErrPaymentFailed):
		httpx.WriteError(ctx, w, httpx.NewError("payment_failed", "payment could not be completed", http.StatusPaymentRequired))
	case storefront.IsNetwork(err):
		httpx.WriteError(ctx, w, httpx.NewError("storefront_unavailable", "storefront is unreachable", http.StatusBadGateway))
	default:
		var apiErr *storefront.APIError
		if errors.As(err, &apiErr) {
			httpx.WriteError(ctx, w, httpx.NewError("storefront_error", apiErr.Error(), http.StatusBadGateway).
				WithDetails(map[string]any{"upstreamCode": apiErr.Code, "upstreamStatus": apiErr.Status}))
			return
		}
		httpx.WriteError(ctx, w, httpx.NewError("checkout_error", err.Error(), http.StatusInternalServerError))
	}
}

func toLineItem(productID string, p lineItemPayload) (services.LineItem, error) {
	productID = strings.TrimSpace(productID)
	if productID == "" {
		return services.LineItem{}, errors.New("productId is required")
	}
	if p.Quantity <= 0 {
		return services.LineItem{}, errors.New("quantity must be positive")
	}
	if p.UnitPrice < 0 {
		return services.LineItem{}, errors.New("unitPrice must not be negative")
	}
	return services.LineItem{
		ProductID: productID,
		VariantID: strings.TrimSpace(p.VariantID),
		Quantity:  p.Quantity,
		UnitPrice: p.UnitPrice,
		Color:     strings.TrimSpace(p.Color),
		Title:     strings.TrimSpace(p.Title),
	}, nil
}

func toAddress(p addressPayload) services.Address {
	return services.Address{
		FirstName:   strings.TrimSpace(p.FirstName),
		LastName:    strings.TrimSpace(p.LastName),
		Company:     strings.TrimSpace(p.Company),
		Line1:       strings.TrimSpace(p.Line1),
		Line2:       strings.TrimSpace(p.Line2),
		City:        strings.TrimSpace(p.City),
		Province:    strings.TrimSpace(p.Province),
		PostalCode:  strings.TrimSpace(p.PostalCode),
		CountryCode: strings.ToLower(strings.TrimSpace(p.CountryCode)),
		Phone:       strings.TrimSpace(p.Phone),
	}
}

func buildCheckoutResponse(c *services.Checkout) checkoutResponse {
	snapshot := c.Snapshot()
	config := c.Config()
	resp := checkoutResponse{
		ID:                c.ID(),
		Status:            string(c.Status()),
		CartID:            c.CartID(),
		Synced:            c.Synced(),
		RegionID:          config.RegionID,
		Currency:          config.Currency,
		CountryCode:       config.CountryCode,
		Email:             snapshot.Email,
		Items:             make([]lineItemPayload, 0, len(snapshot.Items)),
		ShippingOptions:   toShippingPayloads(c.ShippingOptions()),
		ShippingPersisted: c.ShippingPersisted(),
		ShippingLoading:   c.ShippingLoading(),
		PromoCodes:        toPromoPayloads(c.AppliedPromoCodes()),
		Totals:            toTotalsPayload(c.Totals()),
		Errors:            make([]checkoutErrorPayload, 0),
		PaymentPhase:      string(c.PaymentPhase()),
		OrderID:           c.OrderID(),
	}
	for _, item := range snapshot.Items {
		resp.Items = append(resp.Items, lineItemPayload{
			ProductID: item.ProductID,
			VariantID: item.VariantID,
			Quantity:  item.Quantity,
			UnitPrice: item.UnitPrice,
			Color:     item.Color,
			Title:     item.Title,
		})
	}
	if addr := snapshot.ShippingAddress; addr != nil {
		resp.ShippingAddress = &addressPayload{
			FirstName:   addr.FirstName,
			LastName:    addr.LastName,
			Company:     addr.Company,
			Line1:       addr.Line1,
			Line2:       addr.Line2,
			City:        addr.City,
			Province:    addr.Province,
			PostalCode:  addr.PostalCode,
			CountryCode: addr.CountryCode,
			Phone:       addr.Phone,
		}
	}
	if option, ok := c.SelectedShipping(); ok {
		selected := toShippingPayload(option)
		resp.SelectedShipping = &selected
	}
	for _, entry := range c.Errors() {
		resp.Errors = append(resp.Errors, checkoutErrorPayload{
			Domain:         string(entry.Domain),
			Message:        entry.Message,
			Recoverable:    entry.Recoverable,
			Severity:       string(entry.Severity),
			RecoveryAction: entry.RecoveryAction,
			Timestamp:      formatTime(entry.Timestamp),
		})
	}
	return resp
}

func toShippingPayload(option domain.ShippingOption) shippingOptionPayload {
	return shippingOptionPayload{
		ID:               option.ID,
		Name:             option.Name,
		Amount:           option.Amount,
		OriginalAmount:   option.OriginalAmount,
		DeliveryEstimate: option.DeliveryEstimate,
	}
}

func toShippingPayloads(options []domain.ShippingOption) []shippingOptionPayload {
	out := make([]shippingOptionPayload, 0, len(options))
	for _, option := range options {
		out = append(out, toShippingPayload(option))
	}
	return out
}

func toPromoPayloads(codes []domain.AppliedPromoCode) []promoCodePayload {
	out := make([]promoCodePayload, 0, len(codes))
	for _, code := range codes {
		out = append(out, promoCodePayload{
			Code:        code.Code,
			Amount:      code.Amount,
			Automatic:   code.Automatic,
			Description: code.Description,
		})
	}
	return out
}

func toTotalsPayload(t domain.Totals) totalsPayload {
	return totalsPayload{
		Currency: t.Currency,
		Subtotal: t.Subtotal,
		Shipping: t.Shipping,
		Discount: t.Discount,
		Tax:      t.Tax,
		Total:    t.Total,
	}
}

func formatTime(t time.Time) string {
	if t.IsZero() {
		return ""
	}
	return t.UTC().Format(time.RFC3339)
}

func clientIP(r *http.Request) string {
	host, _, err := net.SplitHostPort(strings.TrimSpace(r.RemoteAddr))
	if err != nil {
		return strings.TrimSpace(r.RemoteAddr)
	}
	return host
}
