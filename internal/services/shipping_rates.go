package services

import (
	"context"
	"errors"
	"fmt"
	"html"
	"strings"
	"sync"
	"time"

	"github.com/microcosm-cc/bluemonday"

	"github.com/hanko-field/checkout/internal/platform/debounce"
	"github.com/hanko-field/checkout/internal/platform/fence"
	"github.com/hanko-field/checkout/internal/storefront"
)

// DefaultShippingDebounce is the quiet period before a shipping quote is refreshed.
const DefaultShippingDebounce = 500 * time.Millisecond

var (
	errShippingRatesMissingAPI    = errors.New("shipping rates: shipping api is required")
	errShippingRatesMissingCart   = errors.New("shipping rates: cart is required")
	errShippingRatesMissingErrors = errors.New("shipping rates: error registry is required")

	// ErrShippingAddressRequired is returned when rates are requested before an address is known.
	ErrShippingAddressRequired = errors.New("shipping rates: shipping address is required")
	// ErrShippingOptionUnknown is returned when selecting an id missing from the current options.
	ErrShippingOptionUnknown = errors.New("shipping rates: unknown shipping option")
)

type rateCart interface {
	EnsureCart(ctx context.Context) (string, error)
	Sync(ctx context.Context) error
	Synced() bool
	Snapshot() CartSnapshot
}

// ShippingRatesDeps wires the shipping rate resolver.
type ShippingRatesDeps struct {
	API         ShippingAPI
	Cart        rateCart
	Cache       RateCache
	Errors      *ErrorRegistry
	Debounce    time.Duration
	Scheduler   debounce.Scheduler
	BaseContext context.Context
	Logger      Logger

	// OnSelectionCleared runs when a refreshed quote no longer offers the selected option.
	OnSelectionCleared func(ctx context.Context, optionID string)
	OnStateChange      func()
}

// ShippingRates quotes shipping options for the current cart and destination and reconciles the
// shopper's selection against every fresh quote.
type ShippingRates struct {
	api       ShippingAPI
	cart      rateCart
	cache     RateCache
	errors    *ErrorRegistry
	base      context.Context
	logger    Logger
	policy    *bluemonday.Policy
	fence     *fence.Fence
	debouncer *debounce.Debouncer
	metrics   *engineMetrics

	onSelectionCleared func(ctx context.Context, optionID string)
	onStateChange      func()

	mu       sync.Mutex
	options  []ShippingOption
	selected *ShippingOption
	loading  bool
}

// NewShippingRates constructs the resolver.
func NewShippingRates(deps ShippingRatesDeps) (*ShippingRates, error) {
	if deps.API == nil {
		return nil, errShippingRatesMissingAPI
	}
	if deps.Cart == nil {
		return nil, errShippingRatesMissingCart
	}
	if deps.Errors == nil {
		return nil, errShippingRatesMissingErrors
	}
	cache := deps.Cache
	if cache == nil {
		cache = NewMemoryRateCache(DefaultRateCacheTTL, nil)
	}
	delay := deps.Debounce
	if delay <= 0 {
		delay = DefaultShippingDebounce
	}
	base := deps.BaseContext
	if base == nil {
		base = context.Background()
	}
	logger := deps.Logger
	if logger == nil {
		logger = noopLogger
	}
	r := &ShippingRates{
		api:                deps.API,
		cart:               deps.Cart,
		cache:              cache,
		errors:             deps.Errors,
		base:               base,
		logger:             logger,
		policy:             bluemonday.StrictPolicy(),
		fence:              fence.New(),
		metrics:            loadMetrics(),
		onSelectionCleared: deps.OnSelectionCleared,
		onStateChange:      deps.OnStateChange,
	}
	r.debouncer = debounce.New(delay, func() {
		if err := r.Fetch(r.base); err != nil && !IsAborted(r.base, err) && !errors.Is(err, ErrShippingAddressRequired) {
			r.logger(r.base, "shipping.fetch_failed", map[string]any{"error": err.Error()})
		}
	}, debounce.WithScheduler(deps.Scheduler))
	return r, nil
}

// Trigger schedules a debounced refresh.
func (r *ShippingRates) Trigger() {
	r.debouncer.Trigger()
}

// Refresh fetches on the caller's goroutine and takes over a pending debounced fetch, so the
// caller gets a quote rather than ErrSuperseded.
func (r *ShippingRates) Refresh(ctx context.Context) error {
	return retrySuperseded(ctx, func() error {
		r.debouncer.Cancel()
		return r.Fetch(ctx)
	})
}

// Options returns the latest quote.
func (r *ShippingRates) Options() []ShippingOption {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]ShippingOption(nil), r.options...)
}

// Selected returns the selected option, always the instance from the latest quote.
func (r *ShippingRates) Selected() (ShippingOption, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.selected == nil {
		return ShippingOption{}, false
	}
	return *r.selected, true
}

// Loading reports whether the current fetch is in flight.
func (r *ShippingRates) Loading() bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.loading
}

// Select marks the option as chosen. The id must be part of the current quote.
func (r *ShippingRates) Select(optionID string) (ShippingOption, error) {
	optionID = strings.TrimSpace(optionID)
	r.mu.Lock()
	var found *ShippingOption
	for i := range r.options {
		if r.options[i].ID == optionID {
			opt := r.options[i]
			found = &opt
			break
		}
	}
	if found == nil {
		r.mu.Unlock()
		return ShippingOption{}, fmt.Errorf("%w: %s", ErrShippingOptionUnknown, optionID)
	}
	r.selected = found
	r.mu.Unlock()
	r.notify()
	return *found, nil
}

// ClearSelection drops the selection.
func (r *ShippingRates) ClearSelection() {
	r.mu.Lock()
	r.selected = nil
	r.mu.Unlock()
	r.notify()
}

// Fetch refreshes the quote. A cached quote for the same fingerprint and remote cart is reused
// without any network call. Starting a fetch aborts the previous one.
func (r *ShippingRates) Fetch(ctx context.Context) error {
	snapshot := r.cart.Snapshot()
	if snapshot.ShippingAddress == nil {
		return ErrShippingAddressRequired
	}

	ticket := r.fence.Begin(ctx, fence.ChannelShippingFetch)
	r.setLoading(true)
	defer func() {
		r.mu.Lock()
		if ticket.Current() {
			r.loading = false
		}
		r.mu.Unlock()
		r.fence.Release(ticket)
		r.notify()
	}()

	key := RateCacheKey(snapshot)
	if snapshot.ID != "" {
		cached, ok, err := r.cache.Get(ticket.Ctx, key)
		if err != nil {
			r.logger(ctx, "shipping.cache_get_failed", map[string]any{"error": err.Error()})
		}
		if ok && cached.CartID != "" && cached.CartID == snapshot.ID {
			r.metrics.cacheHit(ctx)
			return r.apply(ctx, ticket, cached.Options)
		}
	}
	r.metrics.cacheMiss(ctx)

	cartID, err := r.cart.EnsureCart(ticket.Ctx)
	if err != nil {
		return r.fail(ctx, ticket, err)
	}
	if !r.cart.Synced() {
		if err := r.cart.Sync(ticket.Ctx); err != nil {
			if IsAborted(ticket.Ctx, err) {
				return err
			}
			// the sync owns its error slot; only the fetch outcome is reported here
			return fmt.Errorf("shipping rates: sync cart: %w", err)
		}
	}

	options, err := r.api.ListShippingOptions(ticket.Ctx, cartID, snapshot.Currency)
	if !ticket.Current() {
		return r.stale(ctx, ticket)
	}
	if err != nil {
		return r.fail(ctx, ticket, err)
	}

	options = r.sanitize(options)
	if !ticket.Current() {
		return r.stale(ctx, ticket)
	}
	if err := r.cache.Set(ctx, key, CachedRates{CartID: cartID, Options: options}); err != nil {
		r.logger(ctx, "shipping.cache_set_failed", map[string]any{"error": err.Error()})
	}
	return r.apply(ctx, ticket, options)
}

func (r *ShippingRates) apply(ctx context.Context, ticket fence.Ticket, options []ShippingOption) error {
	r.mu.Lock()
	if !ticket.Current() {
		r.mu.Unlock()
		return r.stale(ctx, ticket)
	}
	r.options = append([]ShippingOption(nil), options...)
	var cleared string
	if r.selected != nil {
		var fresh *ShippingOption
		for i := range r.options {
			if r.options[i].ID == r.selected.ID {
				opt := r.options[i]
				fresh = &opt
				break
			}
		}
		if fresh == nil {
			cleared = r.selected.ID
		}
		r.selected = fresh
	}
	r.mu.Unlock()

	r.errors.Clear(ErrorDomainShippingFetch)
	if cleared != "" {
		r.logger(ctx, "shipping.selection_cleared", map[string]any{"optionID": cleared})
		if r.onSelectionCleared != nil {
			r.onSelectionCleared(ctx, cleared)
		}
	}
	return nil
}

func (r *ShippingRates) stale(ctx context.Context, ticket fence.Ticket) error {
	r.metrics.stale(ctx, fence.ChannelShippingFetch)
	r.logger(ctx, "shipping.fetch_stale", map[string]any{"requestID": ticket.ID})
	return ErrSuperseded
}

func (r *ShippingRates) fail(ctx context.Context, ticket fence.Ticket, err error) error {
	if IsAborted(ticket.Ctx, err) {
		return err
	}
	if !ticket.Current() {
		return r.stale(ctx, ticket)
	}
	message := "We couldn't load shipping options. Please try again."
	if storefront.IsNetwork(err) {
		message = "We couldn't reach the store to load shipping options. Check your connection and try again."
	}
	_, _ = r.errors.Set(ErrorDomainShippingFetch, message, WithRecoveryAction(RecoveryRetry))
	return fmt.Errorf("shipping rates: list options: %w", err)
}

func (r *ShippingRates) sanitize(options []ShippingOption) []ShippingOption {
	out := make([]ShippingOption, 0, len(options))
	for _, opt := range options {
		opt.Name = r.cleanText(opt.Name)
		opt.DeliveryEstimate = r.cleanText(opt.DeliveryEstimate)
		if opt.Amount < 0 {
			opt.Amount = 0
		}
		out = append(out, opt)
	}
	return out
}

func (r *ShippingRates) cleanText(value string) string {
	return strings.TrimSpace(html.UnescapeString(r.policy.Sanitize(value)))
}

// Reset aborts any in-flight fetch, used when the remote cart changes.
func (r *ShippingRates) Reset() {
	r.debouncer.Cancel()
	r.fence.Cancel(fence.ChannelShippingFetch)
	r.mu.Lock()
	r.loading = false
	r.mu.Unlock()
	r.notify()
}

// Close stops pending and in-flight fetches.
func (r *ShippingRates) Close() {
	r.debouncer.Cancel()
	r.fence.CancelAll()
}

func (r *ShippingRates) setLoading(loading bool) {
	r.mu.Lock()
	r.loading = loading
	r.mu.Unlock()
	r.notify()
}

func (r *ShippingRates) notify() {
	if r.onStateChange != nil {
		r.onStateChange()
	}
}
