package services

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"golang.org/x/sync/singleflight"

	"github.com/hanko-field/checkout/internal/platform/debounce"
	"github.com/hanko-field/checkout/internal/platform/fence"
	"github.com/hanko-field/checkout/internal/storefront"
)

// DefaultCartSyncDebounce is the quiet period before local cart edits are pushed.
const DefaultCartSyncDebounce = 700 * time.Millisecond

var (
	errCartSyncMissingAPI      = errors.New("cart sync: cart api is required")
	errCartSyncMissingErrors   = errors.New("cart sync: error registry is required")
	errCartSyncMissingCurrency = errors.New("cart sync: currency is required")
	// ErrCartSyncClosed is returned once the coordinator has been closed.
	ErrCartSyncClosed = errors.New("cart sync: closed")
)

// CartSyncDeps wires the cart sync coordinator.
type CartSyncDeps struct {
	API         CartAPI
	Errors      *ErrorRegistry
	Initial     CartSnapshot
	CountryCode string
	Debounce    time.Duration
	Scheduler   debounce.Scheduler
	BaseContext context.Context
	Logger      Logger

	// OnSynced runs after a PATCH committed. The remote cart is the backend's authoritative view.
	OnSynced func(ctx context.Context, cart RemoteCart)
	// OnCartChanged runs whenever the remote cart id changes, including discards (next is empty).
	OnCartChanged func(ctx context.Context, prev, next string)
	// OnLocalChange receives a copy of the snapshot after every local mutation.
	OnLocalChange func(snapshot CartSnapshot)
	// OnStateChange runs whenever synced or syncing flags may have changed.
	OnStateChange func()
}

// PromoPush is the outcome of pushing a candidate promo code set.
type PromoPush struct {
	CartID  string
	Cart    RemoteCart
	Version uint64
}

// CartSync keeps the remote cart in line with the local snapshot. Local edits are debounced into a
// single full-snapshot PATCH; only the latest issued PATCH may commit.
type CartSync struct {
	api       CartAPI
	errors    *ErrorRegistry
	country   string
	base      context.Context
	logger    Logger
	fence     *fence.Fence
	debouncer *debounce.Debouncer
	creating  singleflight.Group

	onSynced      func(ctx context.Context, cart RemoteCart)
	onCartChanged func(ctx context.Context, prev, next string)
	onLocalChange func(snapshot CartSnapshot)
	onStateChange func()

	mu       sync.Mutex
	snapshot CartSnapshot
	version  uint64
	synced   bool
	syncing  bool
	remote   *RemoteCart
	closed   bool
}

// NewCartSync constructs the coordinator.
func NewCartSync(deps CartSyncDeps) (*CartSync, error) {
	if deps.API == nil {
		return nil, errCartSyncMissingAPI
	}
	if deps.Errors == nil {
		return nil, errCartSyncMissingErrors
	}
	if strings.TrimSpace(deps.Initial.Currency) == "" {
		return nil, errCartSyncMissingCurrency
	}
	delay := deps.Debounce
	if delay <= 0 {
		delay = DefaultCartSyncDebounce
	}
	base := deps.BaseContext
	if base == nil {
		base = context.Background()
	}
	logger := deps.Logger
	if logger == nil {
		logger = noopLogger
	}

	c := &CartSync{
		api:           deps.API,
		errors:        deps.Errors,
		country:       strings.ToLower(strings.TrimSpace(deps.CountryCode)),
		base:          base,
		logger:        logger,
		fence:         fence.New(),
		onSynced:      deps.OnSynced,
		onCartChanged: deps.OnCartChanged,
		onLocalChange: deps.OnLocalChange,
		onStateChange: deps.OnStateChange,
		snapshot:      deps.Initial.Clone(),
	}
	c.snapshot.Items = normalizeItems(c.snapshot.Items)
	c.snapshot.PromoCodes = normalizeCodes(c.snapshot.PromoCodes)
	c.debouncer = debounce.New(delay, func() {
		_ = c.Sync(c.base)
	}, debounce.WithScheduler(deps.Scheduler))
	return c, nil
}

// Snapshot returns a copy of the local cart.
func (c *CartSync) Snapshot() CartSnapshot {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.snapshot.Clone()
}

// CartID returns the remote cart id, empty when none is held.
func (c *CartSync) CartID() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.snapshot.ID
}

// Synced reports whether the last PATCH reflects every local edit.
func (c *CartSync) Synced() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.synced && c.snapshot.ID != ""
}

// Syncing reports whether a PATCH is in flight or scheduled.
func (c *CartSync) Syncing() bool {
	c.mu.Lock()
	syncing := c.syncing
	c.mu.Unlock()
	return syncing || c.debouncer.Pending()
}

// RemoteCart returns the last cart the backend acknowledged.
func (c *CartSync) RemoteCart() (RemoteCart, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.remote == nil {
		return RemoteCart{}, false
	}
	return *c.remote, true
}

// PromoCodes returns the user-entered promo codes.
func (c *CartSync) PromoCodes() []string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]string(nil), c.snapshot.PromoCodes...)
}

// SetItems replaces every line. Lines with a non-positive quantity are dropped.
func (c *CartSync) SetItems(items []LineItem) {
	c.mutate(func(s *CartSnapshot) {
		s.Items = normalizeItems(items)
	})
}

// UpsertItem adds the line or replaces the line with the same product and variant.
func (c *CartSync) UpsertItem(item LineItem) {
	c.mutate(func(s *CartSnapshot) {
		s.Items = upsertItem(s.Items, item)
	})
}

// SetQuantity updates the quantity of a line. A quantity of zero or less removes it.
func (c *CartSync) SetQuantity(productID, variantID string, quantity int) {
	key := LineItem{ProductID: productID, VariantID: variantID}.Key()
	c.mutate(func(s *CartSnapshot) {
		out := s.Items[:0:0]
		for _, item := range s.Items {
			if item.Key() == key {
				if quantity <= 0 {
					continue
				}
				item.Quantity = quantity
			}
			out = append(out, item)
		}
		s.Items = out
	})
}

// RemoveItem drops the line.
func (c *CartSync) RemoveItem(productID, variantID string) {
	c.SetQuantity(productID, variantID, 0)
}

// SetShippingAddress replaces the shipping address. Nil clears it.
func (c *CartSync) SetShippingAddress(addr *Address) {
	c.mutate(func(s *CartSnapshot) {
		if addr == nil {
			s.ShippingAddress = nil
			return
		}
		copied := *addr
		copied.CountryCode = strings.ToLower(strings.TrimSpace(copied.CountryCode))
		s.ShippingAddress = &copied
		if copied.CountryCode != "" {
			s.CountryCode = copied.CountryCode
		}
	})
}

// SetEmail replaces the contact email.
func (c *CartSync) SetEmail(email string) {
	c.mutate(func(s *CartSnapshot) {
		s.Email = strings.TrimSpace(email)
	})
}

// SetPromoCodes replaces the user-entered promo code set and pushes it with the next sync.
func (c *CartSync) SetPromoCodes(codes []string) {
	c.mutate(func(s *CartSnapshot) {
		s.PromoCodes = normalizeCodes(codes)
	})
}

// RequestSync schedules a debounced sync without changing local state.
func (c *CartSync) RequestSync() {
	c.mu.Lock()
	closed := c.closed
	c.mu.Unlock()
	if closed {
		return
	}
	c.debouncer.Trigger()
	c.notify()
}

func (c *CartSync) mutate(apply func(s *CartSnapshot)) {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return
	}
	apply(&c.snapshot)
	c.version++
	c.synced = false
	snapshot := c.snapshot.Clone()
	c.mu.Unlock()

	if c.onLocalChange != nil {
		c.onLocalChange(snapshot)
	}
	c.debouncer.Trigger()
	c.notify()
}

// EnsureCart returns the remote cart id, creating the cart when none is held. Concurrent callers
// share one creation call.
func (c *CartSync) EnsureCart(ctx context.Context) (string, error) {
	c.mu.Lock()
	id, closed := c.snapshot.ID, c.closed
	c.mu.Unlock()
	if closed {
		return "", ErrCartSyncClosed
	}
	if id != "" {
		return id, nil
	}

	// the creation runs on the coordinator's base context so one caller giving up does not abort
	// the call the others are waiting on
	ch := c.creating.DoChan("create", func() (any, error) {
		return c.createCart()
	})
	select {
	case res := <-ch:
		if res.Err != nil {
			return "", res.Err
		}
		return res.Val.(string), nil
	case <-ctx.Done():
		return "", ctx.Err()
	}
}

func (c *CartSync) createCart() (string, error) {
	ticket := c.fence.Begin(c.base, fence.ChannelCartCreate)
	defer c.fence.Release(ticket)

	c.mu.Lock()
	if c.snapshot.ID != "" {
		id := c.snapshot.ID
		c.mu.Unlock()
		return id, nil
	}
	req := storefront.CreateCartRequest{
		RegionID:     c.snapshot.RegionID,
		CurrencyCode: c.snapshot.Currency,
		CountryCode:  c.destinationCountryLocked(),
	}
	c.mu.Unlock()

	id, err := c.api.CreateCart(ticket.Ctx, req)
	if !ticket.Current() {
		loadMetrics().stale(c.base, fence.ChannelCartCreate)
		return "", ErrSuperseded
	}
	if err != nil {
		if fence.IsCancellation(ticket.Ctx, err) {
			return "", err
		}
		c.logger(c.base, "cart_sync.create_failed", map[string]any{"error": err.Error()})
		_, _ = c.errors.Set(ErrorDomainCartSync, cartSyncFailureMessage(err), WithRecoveryAction(RecoveryRetry))
		return "", fmt.Errorf("cart sync: create cart: %w", err)
	}

	c.mu.Lock()
	if !ticket.Current() {
		c.mu.Unlock()
		loadMetrics().stale(c.base, fence.ChannelCartCreate)
		return "", ErrSuperseded
	}
	if c.snapshot.ID != "" {
		existing := c.snapshot.ID
		c.mu.Unlock()
		return existing, nil
	}
	c.snapshot.ID = id
	c.synced = false
	c.remote = nil
	snapshot := c.snapshot.Clone()
	c.mu.Unlock()

	c.logger(c.base, "cart_sync.cart_created", map[string]any{"cartID": id})
	if c.onCartChanged != nil {
		c.onCartChanged(c.base, "", id)
	}
	if c.onLocalChange != nil {
		c.onLocalChange(snapshot)
	}
	c.notify()
	return id, nil
}

func (c *CartSync) destinationCountryLocked() string {
	if c.snapshot.ShippingAddress != nil {
		if country := strings.ToLower(strings.TrimSpace(c.snapshot.ShippingAddress.CountryCode)); country != "" {
			return country
		}
	}
	if country := strings.ToLower(strings.TrimSpace(c.snapshot.CountryCode)); country != "" {
		return country
	}
	return c.country
}

// Sync ensures a remote cart exists and pushes the full local snapshot. Superseded and cancelled
// calls return an error satisfying IsAborted and leave no trace in the error registry.
func (c *CartSync) Sync(ctx context.Context) error {
	cartID, err := c.EnsureCart(ctx)
	if err != nil {
		return err
	}

	ticket := c.fence.Begin(ctx, fence.ChannelCartSync)
	c.mu.Lock()
	if c.snapshot.ID != cartID {
		c.mu.Unlock()
		c.fence.Release(ticket)
		return ErrSuperseded
	}
	snapshot := c.snapshot.Clone()
	version := c.version
	remoteHolds := c.remote != nil && remoteHoldsData(*c.remote)
	c.syncing = true
	c.mu.Unlock()
	c.notify()

	defer func() {
		c.mu.Lock()
		if ticket.Current() {
			c.syncing = false
		}
		c.mu.Unlock()
		c.fence.Release(ticket)
		c.notify()
	}()

	// An empty snapshot only matches the remote cart when the remote is empty too. Otherwise
	// the PATCH below clears what an earlier sync pushed.
	if !snapshot.HasPushableData() && !remoteHolds {
		c.mu.Lock()
		if ticket.Current() && c.version == version {
			c.synced = true
		}
		c.mu.Unlock()
		return nil
	}

	update := storefront.CartUpdate{
		Email:           snapshot.Email,
		ShippingAddress: snapshot.ShippingAddress,
		Items:           snapshot.Items,
		PromoCodes:      append([]string{}, snapshot.PromoCodes...),
	}
	remote, err := c.api.UpdateCart(ticket.Ctx, cartID, update, snapshot.Currency)
	if !ticket.Current() {
		loadMetrics().stale(ctx, fence.ChannelCartSync)
		c.logger(ctx, "cart_sync.patch_stale", map[string]any{"cartID": cartID, "requestID": ticket.ID})
		return ErrSuperseded
	}
	if err != nil {
		return c.handleSyncError(ctx, ticket, cartID, err)
	}

	if remote.ID == "" {
		remote.ID = cartID
	}
	if !ticket.Current() {
		loadMetrics().stale(ctx, fence.ChannelCartSync)
		return ErrSuperseded
	}

	c.mu.Lock()
	if !ticket.Current() || c.snapshot.ID != cartID {
		c.mu.Unlock()
		loadMetrics().stale(ctx, fence.ChannelCartSync)
		return ErrSuperseded
	}
	c.remote = &remote
	c.synced = c.version == version
	c.mu.Unlock()

	c.errors.Clear(ErrorDomainCartSync)
	c.errors.Clear(ErrorDomainAddress)
	c.logger(ctx, "cart_sync.patched", map[string]any{"cartID": cartID, "version": version})
	if c.onSynced != nil {
		c.onSynced(ctx, remote)
	}
	return nil
}

func (c *CartSync) handleSyncError(ctx context.Context, ticket fence.Ticket, cartID string, err error) error {
	if fence.IsCancellation(ticket.Ctx, err) {
		return err
	}
	c.logger(ctx, "cart_sync.patch_failed", map[string]any{"cartID": cartID, "error": err.Error()})

	var apiErr *storefront.APIError
	errors.As(err, &apiErr)
	switch {
	case storefront.HasCode(err, storefront.CodeRegionMismatch):
		_, _ = c.errors.Set(ErrorDomainAddress,
			"This address is outside the store's shipping region. Please use a different address.",
			WithRecoveryAction(RecoveryEditAddress))
	case storefront.HasCode(err, storefront.CodeInventoryError):
		_, _ = c.errors.Set(ErrorDomainCartSync, inventoryMessage(apiErr),
			WithSeverity(SeverityWarning), WithRecoveryAction(RecoveryEditCart))
	case storefront.HasCode(err, storefront.CodeCartCompleted):
		c.DiscardCart(ctx, "cart_completed")
		c.RequestSync()
	default:
		_, _ = c.errors.Set(ErrorDomainCartSync, cartSyncFailureMessage(err), WithRecoveryAction(RecoveryRetry))
	}
	return fmt.Errorf("cart sync: update cart %s: %w", cartID, err)
}

func remoteHoldsData(remote storefront.RemoteCart) bool {
	return len(remote.Items) > 0 || remote.ShippingAddress != nil || strings.TrimSpace(remote.Email) != ""
}

// Flush drops the pending debounce and syncs immediately.
func (c *CartSync) Flush(ctx context.Context) error {
	c.debouncer.Cancel()
	return c.Sync(ctx)
}

// DiscardCart forgets the remote cart id so the next operation creates a fresh cart.
func (c *CartSync) DiscardCart(ctx context.Context, reason string) {
	c.fence.Cancel(fence.ChannelCartSync)
	c.mu.Lock()
	prev := c.snapshot.ID
	if prev == "" {
		c.mu.Unlock()
		return
	}
	c.snapshot.ID = ""
	c.synced = false
	c.syncing = false
	c.remote = nil
	c.version++
	snapshot := c.snapshot.Clone()
	c.mu.Unlock()

	c.logger(ctx, "cart_sync.cart_discarded", map[string]any{"cartID": prev, "reason": reason})
	if c.onCartChanged != nil {
		c.onCartChanged(ctx, prev, "")
	}
	if c.onLocalChange != nil {
		c.onLocalChange(snapshot)
	}
	c.notify()
}

// PushPromoCodes pushes the full snapshot with a candidate promo code set without committing it
// locally. The caller fences the call and commits through CommitPromoCodes.
func (c *CartSync) PushPromoCodes(ctx context.Context, codes []string) (PromoPush, error) {
	cartID, err := c.EnsureCart(ctx)
	if err != nil {
		return PromoPush{}, err
	}
	c.mu.Lock()
	snapshot := c.snapshot.Clone()
	version := c.version
	c.mu.Unlock()

	update := storefront.CartUpdate{
		Email:           snapshot.Email,
		ShippingAddress: snapshot.ShippingAddress,
		Items:           snapshot.Items,
		PromoCodes:      append([]string{}, codes...),
	}
	remote, err := c.api.UpdateCart(ctx, cartID, update, snapshot.Currency)
	if err != nil {
		if !fence.IsCancellation(ctx, err) && storefront.HasCode(err, storefront.CodeCartCompleted) {
			c.DiscardCart(ctx, "cart_completed")
		}
		return PromoPush{}, fmt.Errorf("cart sync: push promo codes: %w", err)
	}
	if remote.ID == "" {
		remote.ID = cartID
	}
	return PromoPush{CartID: cartID, Cart: remote, Version: version}, nil
}

// CommitPromoCodes records the promo code set the backend accepted. A sync that was in flight
// carried the old set, so it is superseded and rescheduled.
func (c *CartSync) CommitPromoCodes(codes []string, push PromoPush) {
	c.mu.Lock()
	if c.closed || c.snapshot.ID != push.CartID {
		c.mu.Unlock()
		return
	}
	c.snapshot.PromoCodes = normalizeCodes(codes)
	remote := push.Cart
	c.remote = &remote
	resync := c.syncing
	if resync {
		c.syncing = false
		c.synced = false
	} else if c.version == push.Version {
		c.synced = true
	}
	snapshot := c.snapshot.Clone()
	c.mu.Unlock()

	if resync {
		c.fence.Cancel(fence.ChannelCartSync)
		c.debouncer.Trigger()
	}
	if c.onLocalChange != nil {
		c.onLocalChange(snapshot)
	}
	c.notify()
}

// Close cancels pending and in-flight work. Later mutations are ignored.
func (c *CartSync) Close() {
	c.mu.Lock()
	c.closed = true
	c.mu.Unlock()
	c.debouncer.Cancel()
	c.fence.CancelAll()
}

func (c *CartSync) notify() {
	if c.onStateChange != nil {
		c.onStateChange()
	}
}

func normalizeItems(items []LineItem) []LineItem {
	var out []LineItem
	for _, item := range items {
		out = upsertItem(out, item)
	}
	return out
}

func upsertItem(items []LineItem, item LineItem) []LineItem {
	item.ProductID = strings.TrimSpace(item.ProductID)
	item.VariantID = strings.TrimSpace(item.VariantID)
	key := item.Key()
	out := make([]LineItem, 0, len(items)+1)
	replaced := false
	for _, existing := range items {
		if existing.Key() != key {
			out = append(out, existing)
			continue
		}
		replaced = true
		if item.Quantity > 0 {
			out = append(out, item)
		}
	}
	if !replaced && item.Quantity > 0 && item.ProductID != "" {
		out = append(out, item)
	}
	return out
}

func normalizeCodes(codes []string) []string {
	if len(codes) == 0 {
		return nil
	}
	seen := make(map[string]struct{}, len(codes))
	out := make([]string, 0, len(codes))
	for _, code := range codes {
		normalized := normalizePromo(code)
		if normalized == "" {
			continue
		}
		if _, ok := seen[normalized]; ok {
			continue
		}
		seen[normalized] = struct{}{}
		out = append(out, normalized)
	}
	return out
}

func inventoryMessage(apiErr *storefront.APIError) string {
	label := ""
	if apiErr != nil {
		for _, key := range []string{"title", "variant_title", "variant_id", "product_id"} {
			if label = apiErr.DetailString(key); label != "" {
				break
			}
		}
	}
	if label == "" {
		return "An item in your cart is no longer available in the requested quantity."
	}
	return fmt.Sprintf("%s is no longer available in the requested quantity.", label)
}

func cartSyncFailureMessage(err error) string {
	if storefront.IsNetwork(err) {
		return "We couldn't reach the store. Check your connection and try again."
	}
	return "We couldn't update your cart. Please try again."
}
