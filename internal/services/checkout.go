package services

import (
	"context"
	"errors"
	"fmt"
	"net/mail"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	domain "github.com/hanko-field/checkout/internal/domain"
	"github.com/hanko-field/checkout/internal/payments"
	"github.com/hanko-field/checkout/internal/platform/debounce"
	"github.com/hanko-field/checkout/internal/platform/fence"
)

var (
	errCheckoutMissingID       = errors.New("checkout: id is required")
	errCheckoutMissingAPI      = errors.New("checkout: storefront api is required")
	errCheckoutMissingPayments = errors.New("checkout: payment confirmer is required")
	errCheckoutMissingRegion   = errors.New("checkout: region id is required")

	// ErrSuperseded is returned by a call whose result was discarded because a newer call on the
	// same channel was issued. It is never surfaced to the shopper.
	ErrSuperseded = errors.New("checkout: superseded by a newer request")
	// ErrCheckoutSubmitInProgress is returned when a submission is already running.
	ErrCheckoutSubmitInProgress = errors.New("checkout: submission already in progress")
	// ErrCheckoutCompleted is returned for operations on a completed checkout.
	ErrCheckoutCompleted = errors.New("checkout: already completed")
	// ErrCheckoutEmptyCart is returned when submitting a cart without items.
	ErrCheckoutEmptyCart = errors.New("checkout: cart is empty")
	// ErrCheckoutCartNotSynced is returned when the final sync did not confirm the cart.
	ErrCheckoutCartNotSynced = errors.New("checkout: cart is not synced")
	// ErrPaymentFailed is returned when the provider reports the payment as failed.
	ErrPaymentFailed = errors.New("checkout: payment failed")
)

// IsAborted reports whether err comes from a superseded or cancelled call.
func IsAborted(ctx context.Context, err error) bool {
	return errors.Is(err, ErrSuperseded) || fence.IsCancellation(ctx, err)
}

// supersededRetries bounds how often a direct call restarts after a debounced run overtook it.
const supersededRetries = 3

// retrySuperseded runs fn again while newer calls keep superseding it.
func retrySuperseded(ctx context.Context, fn func() error) error {
	var err error
	for range supersededRetries {
		if err = fn(); !errors.Is(err, ErrSuperseded) || ctx.Err() != nil {
			return err
		}
	}
	return err
}

// Validation sections, checked in this order before submitting.
const (
	SectionContact  = "contact"
	SectionAddress  = "address"
	SectionShipping = "shipping"
	SectionPayment  = "payment"
)

// ValidationError names the first section blocking submission.
type ValidationError struct {
	Section string
	Reason  string
}

func (e *ValidationError) Error() string {
	if e == nil {
		return ""
	}
	return fmt.Sprintf("checkout: %s section invalid: %s", e.Section, e.Reason)
}

// CheckoutConfig carries the per-checkout commerce context.
type CheckoutConfig struct {
	RegionID         string
	Currency         string
	CountryCode      string
	ProviderID       string
	CartDebounce     time.Duration
	ShippingDebounce time.Duration
	PaymentDebounce  time.Duration
	SecretPolicy     SecretPolicy
}

// CheckoutDeps wires a checkout engine.
type CheckoutDeps struct {
	ID             string
	API            StorefrontAPI
	Payments       PaymentConfirmer
	PaymentMethods PaymentMethodLookup
	Events         EventPublisher
	Snapshots      SnapshotStore
	RateCache      RateCache
	Config         CheckoutConfig
	Initial        *CartSnapshot
	Scheduler      debounce.Scheduler
	Clock          func() time.Time
	Logger         Logger
}

// SubmitRequest carries the payment UI outcome.
type SubmitRequest struct {
	PaymentMethodID string
	ReturnURL       string
}

// SubmitResult reports the submission outcome. NextActionURL is set when the shopper must complete
// an extra authentication step before submitting again.
type SubmitResult struct {
	Status          CheckoutStatus
	OrderID         string
	PaymentIntentID string
	NextActionURL   string
}

// Checkout composes the cart sync, shipping, payment and promo components of one shopper checkout
// and derives its status.
type Checkout struct {
	id             string
	config         CheckoutConfig
	api            StorefrontAPI
	payments       PaymentConfirmer
	paymentMethods PaymentMethodLookup
	events         EventPublisher
	snapshots      SnapshotStore
	now            func() time.Time
	logger         Logger
	metrics        *engineMetrics
	base           context.Context
	cancel         context.CancelFunc

	errors      *ErrorRegistry
	status      *StateMachine
	cart        *CartSync
	shipping    *ShippingRates
	persistence *ShippingPersistence
	sessions    *PaymentSessions
	promos      *PromoCodes

	submitting atomic.Bool
	ready      atomic.Bool

	mu                sync.Mutex
	paymentUIComplete bool
	orderID           string
	confirmAttempts   int
}

// NewCheckout constructs an engine and wires its components together.
func NewCheckout(deps CheckoutDeps) (*Checkout, error) {
	id := strings.TrimSpace(deps.ID)
	if id == "" {
		return nil, errCheckoutMissingID
	}
	if deps.API == nil {
		return nil, errCheckoutMissingAPI
	}
	if deps.Payments == nil {
		return nil, errCheckoutMissingPayments
	}
	cfg := deps.Config
	cfg.RegionID = strings.TrimSpace(cfg.RegionID)
	if cfg.RegionID == "" {
		return nil, errCheckoutMissingRegion
	}
	currency, err := domain.NormalizeCurrency(cfg.Currency)
	if err != nil {
		return nil, fmt.Errorf("checkout: %w", err)
	}
	cfg.Currency = currency
	cfg.CountryCode = strings.ToLower(strings.TrimSpace(cfg.CountryCode))

	clock := deps.Clock
	if clock == nil {
		clock = time.Now
	}
	logger := deps.Logger
	if logger == nil {
		logger = noopLogger
	}
	base, cancel := context.WithCancel(context.Background())

	c := &Checkout{
		id:             id,
		config:         cfg,
		api:            deps.API,
		payments:       deps.Payments,
		paymentMethods: deps.PaymentMethods,
		events:         deps.Events,
		snapshots:      deps.Snapshots,
		now:            func() time.Time { return clock().UTC() },
		logger:         logger,
		metrics:        loadMetrics(),
		base:           base,
		cancel:         cancel,
	}
	c.errors = NewErrorRegistry(clock)
	c.status = NewStateMachine(logger)

	initial := CartSnapshot{}
	if deps.Initial != nil {
		initial = deps.Initial.Clone()
	}
	initial.Currency = cfg.Currency
	initial.RegionID = cfg.RegionID
	if initial.CountryCode == "" {
		initial.CountryCode = cfg.CountryCode
	}

	if c.cart, err = NewCartSync(CartSyncDeps{
		API:           deps.API,
		Errors:        c.errors,
		Initial:       initial,
		CountryCode:   cfg.CountryCode,
		Debounce:      cfg.CartDebounce,
		Scheduler:     deps.Scheduler,
		BaseContext:   base,
		Logger:        logger,
		OnSynced:      c.handleCartSynced,
		OnCartChanged: c.handleCartChanged,
		OnLocalChange: c.mirrorSnapshot,
		OnStateChange: c.recompute,
	}); err != nil {
		cancel()
		return nil, err
	}
	if c.shipping, err = NewShippingRates(ShippingRatesDeps{
		API:                deps.API,
		Cart:               c.cart,
		Cache:              deps.RateCache,
		Errors:             c.errors,
		Debounce:           cfg.ShippingDebounce,
		Scheduler:          deps.Scheduler,
		BaseContext:        base,
		Logger:             logger,
		OnSelectionCleared: c.handleSelectionCleared,
		OnStateChange:      c.recompute,
	}); err != nil {
		cancel()
		return nil, err
	}
	if c.persistence, err = NewShippingPersistence(ShippingPersistenceDeps{
		API:           deps.API,
		Errors:        c.errors,
		Logger:        logger,
		OnPersisted:   c.handleShippingPersisted,
		OnCartExpired: c.handleCartExpired,
		OnStateChange: c.recompute,
	}); err != nil {
		cancel()
		return nil, err
	}
	if c.sessions, err = NewPaymentSessions(PaymentSessionsDeps{
		API:           deps.API,
		Errors:        c.errors,
		ProviderID:    cfg.ProviderID,
		Policy:        cfg.SecretPolicy,
		Debounce:      cfg.PaymentDebounce,
		Scheduler:     deps.Scheduler,
		BaseContext:   base,
		Logger:        logger,
		OnStateChange: c.recompute,
	}); err != nil {
		cancel()
		return nil, err
	}
	if c.promos, err = NewPromoCodes(PromoCodesDeps{
		Cart:          c.cart,
		Errors:        c.errors,
		Logger:        logger,
		OnStateChange: c.recompute,
	}); err != nil {
		cancel()
		return nil, err
	}
	c.errors.Subscribe(func(ErrorChange) { c.recompute() })

	c.ready.Store(true)
	if initial.ID != "" {
		c.sessions.CartChanged(initial.ID)
	}
	if initial.HasPushableData() {
		c.cart.RequestSync()
	}
	c.recompute()
	return c, nil
}

// ID returns the checkout id.
func (c *Checkout) ID() string { return c.id }

// Config returns the commerce context.
func (c *Checkout) Config() CheckoutConfig { return c.config }

// Status returns the derived status.
func (c *Checkout) Status() CheckoutStatus { return c.status.Status() }

// OnStatusChange registers a status listener.
func (c *Checkout) OnStatusChange(fn func(StatusChange)) { c.status.OnChange(fn) }

// Snapshot returns the local cart.
func (c *Checkout) Snapshot() CartSnapshot { return c.cart.Snapshot() }

// CartID returns the remote cart id.
func (c *Checkout) CartID() string { return c.cart.CartID() }

// Synced reports whether the remote cart reflects every local edit.
func (c *Checkout) Synced() bool { return c.cart.Synced() }

// Errors returns every live error.
func (c *Checkout) Errors() []CheckoutError { return c.errors.All() }

// ErrorRegistry exposes the registry for subscriptions.
func (c *Checkout) ErrorRegistry() *ErrorRegistry { return c.errors }

// ShippingOptions returns the latest quote.
func (c *Checkout) ShippingOptions() []ShippingOption { return c.shipping.Options() }

// SelectedShipping returns the selected option.
func (c *Checkout) SelectedShipping() (ShippingOption, bool) { return c.shipping.Selected() }

// ShippingPersisted reports whether the selection is saved on the remote cart.
func (c *Checkout) ShippingPersisted() bool { return c.persistence.Persisted() }

// ShippingLoading reports whether a quote is being fetched.
func (c *Checkout) ShippingLoading() bool { return c.shipping.Loading() }

// AppliedPromoCodes returns the applied promotions.
func (c *Checkout) AppliedPromoCodes() []AppliedPromoCode { return c.promos.Applied() }

// PromoLoading reports whether a promo request is in flight.
func (c *Checkout) PromoLoading() bool { return c.promos.Loading() }

// PaymentPhase returns the payment preparation phase.
func (c *Checkout) PaymentPhase() PaymentPhase { return c.sessions.Phase() }

// OrderID returns the order created by a completed submission.
func (c *Checkout) OrderID() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.orderID
}

// UpsertItem adds or replaces a line.
func (c *Checkout) UpsertItem(item LineItem) error {
	if err := c.guardMutation(); err != nil {
		return err
	}
	c.cart.UpsertItem(item)
	return nil
}

// SetQuantity updates a line quantity; zero or less removes the line.
func (c *Checkout) SetQuantity(productID, variantID string, quantity int) error {
	if err := c.guardMutation(); err != nil {
		return err
	}
	c.cart.SetQuantity(productID, variantID, quantity)
	return nil
}

// RemoveItem drops a line.
func (c *Checkout) RemoveItem(productID, variantID string) error {
	if err := c.guardMutation(); err != nil {
		return err
	}
	c.cart.RemoveItem(productID, variantID)
	return nil
}

// SetItems replaces every line.
func (c *Checkout) SetItems(items []LineItem) error {
	if err := c.guardMutation(); err != nil {
		return err
	}
	c.cart.SetItems(items)
	return nil
}

// SetShippingAddress replaces the shipping address.
func (c *Checkout) SetShippingAddress(addr *Address) error {
	if err := c.guardMutation(); err != nil {
		return err
	}
	c.cart.SetShippingAddress(addr)
	return nil
}

// SetEmail replaces the contact email.
func (c *Checkout) SetEmail(email string) error {
	if err := c.guardMutation(); err != nil {
		return err
	}
	c.cart.SetEmail(email)
	return nil
}

// ApplyPromoCode applies a promo code.
func (c *Checkout) ApplyPromoCode(ctx context.Context, code string) ([]AppliedPromoCode, error) {
	if err := c.guardMutation(); err != nil {
		return nil, err
	}
	applied, err := c.promos.Apply(ctx, code)
	if err == nil {
		c.sessions.Touch()
	}
	return applied, err
}

// RemovePromoCode removes a promo code.
func (c *Checkout) RemovePromoCode(ctx context.Context, code string) ([]AppliedPromoCode, error) {
	if err := c.guardMutation(); err != nil {
		return nil, err
	}
	applied, err := c.promos.Remove(ctx, code)
	if err == nil {
		c.sessions.Touch()
	}
	return applied, err
}

// RefreshShippingOptions fetches a quote now.
func (c *Checkout) RefreshShippingOptions(ctx context.Context) ([]ShippingOption, error) {
	if err := c.guardMutation(); err != nil {
		return nil, err
	}
	if err := c.shipping.Refresh(ctx); err != nil {
		return c.shipping.Options(), err
	}
	return c.shipping.Options(), nil
}

// SelectShippingOption selects an option from the current quote and persists it.
func (c *Checkout) SelectShippingOption(ctx context.Context, optionID string) (ShippingOption, error) {
	if err := c.guardMutation(); err != nil {
		return ShippingOption{}, err
	}
	option, err := c.shipping.Select(optionID)
	if err != nil {
		return ShippingOption{}, err
	}
	c.persistence.Select(option.ID)
	cartID := c.cart.CartID()
	if cartID == "" {
		return option, nil
	}
	if err := c.persistence.Persist(ctx, cartID, option.ID); err != nil {
		return option, err
	}
	return option, nil
}

// EnsurePaymentSession prepares the payment session when needed and hands it to the payment UI.
func (c *Checkout) EnsurePaymentSession(ctx context.Context) (PaymentSession, error) {
	if err := c.guardMutation(); err != nil {
		return PaymentSession{}, err
	}
	if !c.sessions.Ready() && !c.cart.Synced() {
		if err := c.cart.Flush(ctx); err != nil {
			return PaymentSession{}, err
		}
	}
	if err := c.sessions.Prepare(ctx, c.cart.CartID()); err != nil {
		return PaymentSession{}, err
	}
	return c.sessions.ClientSecret()
}

// SetPaymentUIComplete records whether the payment UI holds complete payment details.
func (c *Checkout) SetPaymentUIComplete(complete bool) {
	c.mu.Lock()
	c.paymentUIComplete = complete
	c.mu.Unlock()
}

// Totals summarises amounts in minor units. Backend totals are preferred once the cart is synced.
func (c *Checkout) Totals() Totals {
	snapshot := c.cart.Snapshot()
	var shipping int64
	if option, ok := c.shipping.Selected(); ok {
		shipping = option.Amount
	}
	if remote, ok := c.cart.RemoteCart(); ok && c.cart.Synced() {
		return domain.ComputeTotals(snapshot.Currency, remote.Subtotal, shipping, remote.DiscountTotal, remote.TaxTotal)
	}
	var discount int64
	for _, promo := range c.promos.Applied() {
		discount += promo.Amount
	}
	return domain.ComputeTotals(snapshot.Currency, snapshot.ItemsSubtotal(), shipping, discount, 0)
}

// Validate checks the sections in submission order and returns the first failure.
func (c *Checkout) Validate() *ValidationError {
	snapshot := c.cart.Snapshot()
	email := strings.TrimSpace(snapshot.Email)
	if email == "" {
		return &ValidationError{Section: SectionContact, Reason: "email_required"}
	}
	if _, err := mail.ParseAddress(email); err != nil {
		return &ValidationError{Section: SectionContact, Reason: "email_invalid"}
	}
	if snapshot.ShippingAddress == nil {
		return &ValidationError{Section: SectionAddress, Reason: "address_required"}
	}
	if !snapshot.ShippingAddress.Complete() {
		return &ValidationError{Section: SectionAddress, Reason: "address_incomplete"}
	}
	if _, ok := c.shipping.Selected(); !ok {
		return &ValidationError{Section: SectionShipping, Reason: "shipping_required"}
	}
	c.mu.Lock()
	complete := c.paymentUIComplete
	c.mu.Unlock()
	if !complete {
		return &ValidationError{Section: SectionPayment, Reason: "payment_incomplete"}
	}
	return nil
}

// Submit validates, re-syncs the cart, confirms the payment with the provider and completes the
// order. A validation failure issues no backend or provider call.
func (c *Checkout) Submit(ctx context.Context, req SubmitRequest) (SubmitResult, error) {
	if !c.submitting.CompareAndSwap(false, true) {
		return SubmitResult{Status: c.Status()}, ErrCheckoutSubmitInProgress
	}
	defer c.submitting.Store(false)

	if c.Status() == CheckoutStatusCompleted {
		return SubmitResult{Status: CheckoutStatusCompleted, OrderID: c.OrderID()}, ErrCheckoutCompleted
	}
	if len(c.cart.Snapshot().Items) == 0 {
		return SubmitResult{Status: c.Status()}, ErrCheckoutEmptyCart
	}
	if invalid := c.Validate(); invalid != nil {
		c.metrics.submit(ctx, "invalid")
		return SubmitResult{Status: c.Status()}, invalid
	}
	if err := c.status.Transition(ctx, CheckoutStatusProcessingPayment); err != nil {
		return SubmitResult{Status: c.Status()}, fmt.Errorf("checkout: submit: %w", err)
	}
	c.errors.Clear(ErrorDomainPaymentSubmit)
	c.logger(ctx, "checkout.submit_started", map[string]any{"checkoutID": c.id})

	if err := c.cart.Flush(ctx); err != nil {
		return c.failSubmit(ctx, fmt.Errorf("checkout: sync cart: %w", err))
	}
	if !c.cart.Synced() {
		return c.failSubmit(ctx, ErrCheckoutCartNotSynced)
	}
	cartID := c.cart.CartID()

	option, ok := c.shipping.Selected()
	if !ok {
		return c.abortSubmit(ctx, &ValidationError{Section: SectionShipping, Reason: "shipping_required"})
	}
	if !c.persistence.PersistedFor(cartID, option.ID) {
		c.persistence.Select(option.ID)
		if err := c.persistence.Persist(ctx, cartID, option.ID); err != nil {
			return c.failSubmit(ctx, fmt.Errorf("checkout: persist shipping: %w", err))
		}
	}

	if err := c.sessions.Prepare(ctx, cartID); err != nil {
		return c.failSubmit(ctx, err)
	}
	c.sessions.SettleForSubmit()
	session, ok := c.sessions.Session()
	if !ok {
		return c.failSubmit(ctx, ErrPaymentSessionNotReady)
	}

	if c.paymentMethods != nil && strings.TrimSpace(req.PaymentMethodID) != "" {
		if _, err := c.paymentMethods.Lookup(ctx, req.PaymentMethodID); err != nil {
			if errors.Is(err, payments.ErrPaymentMethodRejected) {
				err = fmt.Errorf("%w: %w", ErrPaymentFailed, err)
			}
			return c.failSubmit(ctx, fmt.Errorf("checkout: verify payment method: %w", err))
		}
	}

	totals := c.Totals()
	c.mu.Lock()
	c.confirmAttempts++
	attempt := c.confirmAttempts
	c.mu.Unlock()
	confirmation, err := c.payments.ConfirmPayment(ctx, payments.PaymentContext{
		PreferredProvider: c.sessions.ProviderID(),
		Currency:          c.config.Currency,
	}, payments.ConfirmRequest{
		IntentID:        session.IntentID,
		ClientSecret:    session.ClientSecret,
		PaymentMethodID: strings.TrimSpace(req.PaymentMethodID),
		ReturnURL:       strings.TrimSpace(req.ReturnURL),
		IdempotencyKey:  fmt.Sprintf("checkout_%s_%s_%d", c.id, cartID, attempt),
		Metadata: map[string]string{
			"checkout_id": c.id,
			"cart_id":     cartID,
		},
	})
	if err != nil {
		return c.failSubmit(ctx, fmt.Errorf("checkout: confirm payment: %w", err))
	}
	switch confirmation.Status {
	case payments.StatusRequiresAction:
		c.logger(ctx, "checkout.payment_requires_action", map[string]any{"checkoutID": c.id, "intentID": confirmation.IntentID})
		_ = c.status.Transition(ctx, CheckoutStatusReady)
		c.recompute()
		c.metrics.submit(ctx, "requires_action")
		return SubmitResult{
			Status:          c.Status(),
			PaymentIntentID: confirmation.IntentID,
			NextActionURL:   confirmation.NextActionURL,
		}, nil
	case payments.StatusFailed:
		return c.failSubmit(ctx, ErrPaymentFailed)
	}

	orderID, err := c.api.CompleteCart(ctx, cartID)
	if err != nil {
		return c.failSubmit(ctx, fmt.Errorf("checkout: complete cart: %w", err))
	}

	c.mu.Lock()
	c.orderID = orderID
	c.mu.Unlock()
	if err := c.status.Transition(ctx, CheckoutStatusCompleted); err != nil {
		c.logger(ctx, "checkout.complete_transition_failed", map[string]any{"error": err.Error()})
	}
	c.metrics.submit(ctx, "completed")
	c.logger(ctx, "checkout.completed", map[string]any{"checkoutID": c.id, "cartID": cartID, "orderID": orderID})

	intentID := confirmation.IntentID
	if intentID == "" {
		intentID = session.IntentID
	}
	c.publishCompleted(ctx, domain.CheckoutCompleted{
		CheckoutID:      c.id,
		CartID:          cartID,
		OrderID:         orderID,
		PaymentIntentID: intentID,
		Total:           totals.Total,
		Currency:        totals.Currency,
		CompletedAt:     c.now(),
	})
	if c.snapshots != nil {
		if err := c.snapshots.Clear(ctx, c.id); err != nil {
			c.logger(ctx, "checkout.snapshot_clear_failed", map[string]any{"error": err.Error()})
		}
	}
	return SubmitResult{
		Status:          CheckoutStatusCompleted,
		OrderID:         orderID,
		PaymentIntentID: intentID,
	}, nil
}

func (c *Checkout) failSubmit(ctx context.Context, err error) (SubmitResult, error) {
	if !IsAborted(ctx, err) {
		_, _ = c.errors.Set(ErrorDomainPaymentSubmit, submitFailureMessage(err), WithRecoveryAction(RecoveryRetry))
	}
	c.logger(ctx, "checkout.submit_failed", map[string]any{"checkoutID": c.id, "error": err.Error()})
	c.metrics.submit(ctx, "failed")
	return c.abortSubmit(ctx, err)
}

func (c *Checkout) abortSubmit(ctx context.Context, err error) (SubmitResult, error) {
	if c.Status() == CheckoutStatusProcessingPayment {
		_ = c.status.Transition(ctx, CheckoutStatusReady)
	}
	c.recompute()
	return SubmitResult{Status: c.Status()}, err
}

func submitFailureMessage(err error) string {
	var providerErr *payments.ProviderError
	if errors.As(err, &providerErr) {
		if providerErr.CardDeclined() {
			return "Your card was declined. Please try another payment method."
		}
		if msg := strings.TrimSpace(providerErr.Message); msg != "" {
			return msg
		}
		return "We couldn't confirm your payment. Please try again."
	}
	switch {
	case errors.Is(err, ErrPaymentFailed):
		return "Your payment couldn't be completed. Please try another payment method."
	case errors.Is(err, ErrCheckoutCartNotSynced):
		return "We couldn't confirm your order details. Please try again."
	}
	return "We couldn't place your order. Please try again."
}

func (c *Checkout) publishCompleted(ctx context.Context, event domain.CheckoutCompleted) {
	if c.events == nil {
		return
	}
	messageID, err := c.events.PublishCheckoutCompleted(ctx, event)
	if err != nil {
		c.logger(ctx, "checkout.event_publish_failed", map[string]any{"checkoutID": c.id, "error": err.Error()})
		return
	}
	c.logger(ctx, "checkout.event_published", map[string]any{"checkoutID": c.id, "messageID": messageID})
}

// Close stops every component. The checkout cannot be used afterwards.
func (c *Checkout) Close() {
	c.cart.Close()
	c.shipping.Close()
	c.persistence.Close()
	c.sessions.Close()
	c.promos.Close()
	c.cancel()
}

func (c *Checkout) guardMutation() error {
	switch c.Status() {
	case CheckoutStatusCompleted:
		return ErrCheckoutCompleted
	case CheckoutStatusProcessingPayment:
		return ErrCheckoutSubmitInProgress
	}
	return nil
}

func (c *Checkout) handleCartSynced(ctx context.Context, remote RemoteCart) {
	c.promos.Reconcile(remote)
	snapshot := c.cart.Snapshot()
	if snapshot.ShippingAddress != nil {
		c.shipping.Trigger()
	}
	if c.Status() != CheckoutStatusProcessingPayment {
		if option, ok := c.shipping.Selected(); ok && !c.persistence.PersistedFor(remote.ID, option.ID) {
			if err := c.persistence.Persist(ctx, remote.ID, option.ID); err != nil && !IsAborted(ctx, err) {
				c.logger(ctx, "checkout.persist_after_sync_failed", map[string]any{"error": err.Error()})
			}
		}
	}
	c.sessions.CartSynced(remote.ID)
}

func (c *Checkout) handleCartChanged(_ context.Context, prev, next string) {
	// The first cart is created on behalf of whoever is waiting on it, a shipping
	// fetch included, so there is nothing stale to abort yet.
	if prev != "" {
		c.persistence.Reset()
		c.shipping.Reset()
	}
	c.sessions.CartChanged(next)
	c.logger(c.base, "checkout.cart_changed", map[string]any{"checkoutID": c.id, "from": prev, "to": next})
}

func (c *Checkout) handleSelectionCleared(_ context.Context, _ string) {
	c.persistence.Select("")
}

func (c *Checkout) handleShippingPersisted(_ context.Context, _, _ string) {
	c.sessions.Touch()
}

func (c *Checkout) handleCartExpired(ctx context.Context, _ string) {
	c.cart.DiscardCart(ctx, "cart_expired")
	c.cart.RequestSync()
}

func (c *Checkout) mirrorSnapshot(snapshot CartSnapshot) {
	if c.snapshots == nil {
		return
	}
	if err := c.snapshots.Save(c.base, c.id, snapshot); err != nil {
		c.logger(c.base, "checkout.snapshot_save_failed", map[string]any{"checkoutID": c.id, "error": err.Error()})
	}
}

func (c *Checkout) recompute() {
	if !c.ready.Load() {
		return
	}
	snapshot := c.cart.Snapshot()
	_, selected := c.shipping.Selected()
	c.status.Recompute(c.base, StatusInputs{
		HasCart:           snapshot.ID != "",
		HasPushableData:   snapshot.HasPushableData(),
		CartSynced:        c.cart.Synced(),
		CartSyncing:       c.cart.Syncing(),
		ShippingLoading:   c.shipping.Loading(),
		ShippingSelected:  selected,
		ShippingPersisted: c.persistence.Persisted(),
		PaymentReady:      c.sessions.Ready(),
		HasBlockingError:  c.errors.HasBlocking(),
	})
}
