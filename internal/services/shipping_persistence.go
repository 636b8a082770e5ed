package services

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"

	"github.com/hanko-field/checkout/internal/platform/fence"
	"github.com/hanko-field/checkout/internal/storefront"
)

var (
	errShippingPersistenceMissingAPI    = errors.New("shipping persistence: shipping api is required")
	errShippingPersistenceMissingErrors = errors.New("shipping persistence: error registry is required")

	// ErrShippingPersistMissingCart is returned when persisting before a remote cart exists.
	ErrShippingPersistMissingCart = errors.New("shipping persistence: cart id is required")
	// ErrShippingPersistMissingOption is returned when persisting an empty option id.
	ErrShippingPersistMissingOption = errors.New("shipping persistence: option id is required")
)

// ShippingPersistenceDeps wires the shipping method persister.
type ShippingPersistenceDeps struct {
	API    ShippingAPI
	Errors *ErrorRegistry
	Logger Logger

	OnPersisted   func(ctx context.Context, cartID, optionID string)
	OnCartExpired func(ctx context.Context, cartID string)
	OnStateChange func()
}

type persistCall struct {
	cartID   string
	optionID string
	done     chan struct{}
	err      error
}

// ShippingPersistence saves the selected shipping method on the remote cart at most once per
// cart and option.
type ShippingPersistence struct {
	api    ShippingAPI
	errors *ErrorRegistry
	logger Logger
	fence  *fence.Fence

	onPersisted   func(ctx context.Context, cartID, optionID string)
	onCartExpired func(ctx context.Context, cartID string)
	onStateChange func()

	mu              sync.Mutex
	selected        string
	persistedCart   string
	persistedOption string
	inflight        *persistCall
}

// NewShippingPersistence constructs the persister.
func NewShippingPersistence(deps ShippingPersistenceDeps) (*ShippingPersistence, error) {
	if deps.API == nil {
		return nil, errShippingPersistenceMissingAPI
	}
	if deps.Errors == nil {
		return nil, errShippingPersistenceMissingErrors
	}
	logger := deps.Logger
	if logger == nil {
		logger = noopLogger
	}
	return &ShippingPersistence{
		api:           deps.API,
		errors:        deps.Errors,
		logger:        logger,
		fence:         fence.New(),
		onPersisted:   deps.OnPersisted,
		onCartExpired: deps.OnCartExpired,
		onStateChange: deps.OnStateChange,
	}, nil
}

// Select records the shopper's choice. A different option is unsaved until persisted again.
func (p *ShippingPersistence) Select(optionID string) {
	optionID = strings.TrimSpace(optionID)
	p.mu.Lock()
	changed := p.selected != optionID
	p.selected = optionID
	supersede := p.inflight != nil && p.inflight.optionID != optionID
	p.mu.Unlock()
	if supersede {
		p.fence.Cancel(fence.ChannelShippingPersist)
	}
	if changed {
		p.notify()
	}
}

// Selected returns the selected option id.
func (p *ShippingPersistence) Selected() string {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.selected
}

// Persisted reports whether the current selection is confirmed saved on the remote cart.
func (p *ShippingPersistence) Persisted() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.selected != "" && p.selected == p.persistedOption && p.persistedCart != ""
}

// PersistedFor reports whether the option is saved on the given cart.
func (p *ShippingPersistence) PersistedFor(cartID, optionID string) bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return cartID != "" && p.persistedCart == cartID && p.persistedOption == optionID
}

// Persist saves the option on the cart. It is a no-op when the option is already saved, and a
// repeated call for an option already in flight waits for that call instead of issuing another.
func (p *ShippingPersistence) Persist(ctx context.Context, cartID, optionID string) error {
	cartID = strings.TrimSpace(cartID)
	optionID = strings.TrimSpace(optionID)
	if cartID == "" {
		return ErrShippingPersistMissingCart
	}
	if optionID == "" {
		return ErrShippingPersistMissingOption
	}

	p.mu.Lock()
	if p.persistedCart == cartID && p.persistedOption == optionID {
		p.mu.Unlock()
		return nil
	}
	if call := p.inflight; call != nil && call.cartID == cartID && call.optionID == optionID {
		p.mu.Unlock()
		select {
		case <-call.done:
			return call.err
		case <-ctx.Done():
			return ctx.Err()
		}
	}
	ticket := p.fence.Begin(ctx, fence.ChannelShippingPersist)
	call := &persistCall{cartID: cartID, optionID: optionID, done: make(chan struct{})}
	p.inflight = call
	p.mu.Unlock()

	call.err = p.post(ctx, ticket, call)
	close(call.done)
	return call.err
}

func (p *ShippingPersistence) post(ctx context.Context, ticket fence.Ticket, call *persistCall) error {
	defer p.fence.Release(ticket)
	defer func() {
		p.mu.Lock()
		if p.inflight == call {
			p.inflight = nil
		}
		p.mu.Unlock()
	}()

	err := p.api.AddShippingMethod(ticket.Ctx, call.cartID, call.optionID)
	if !ticket.Current() {
		loadMetrics().stale(ctx, fence.ChannelShippingPersist)
		return ErrSuperseded
	}
	if err != nil {
		return p.fail(ctx, ticket, call, err)
	}

	p.mu.Lock()
	if !ticket.Current() {
		p.mu.Unlock()
		loadMetrics().stale(ctx, fence.ChannelShippingPersist)
		return ErrSuperseded
	}
	p.persistedCart = call.cartID
	p.persistedOption = call.optionID
	p.mu.Unlock()

	p.errors.Clear(ErrorDomainShippingPersist)
	p.logger(ctx, "shipping.persisted", map[string]any{"cartID": call.cartID, "optionID": call.optionID})
	if p.onPersisted != nil {
		p.onPersisted(ctx, call.cartID, call.optionID)
	}
	p.notify()
	return nil
}

func (p *ShippingPersistence) fail(ctx context.Context, ticket fence.Ticket, call *persistCall, err error) error {
	if fence.IsCancellation(ticket.Ctx, err) {
		return err
	}
	p.logger(ctx, "shipping.persist_failed", map[string]any{
		"cartID":   call.cartID,
		"optionID": call.optionID,
		"error":    err.Error(),
	})
	switch {
	case storefront.HasCode(err, storefront.CodeCartExpired):
		_, _ = p.errors.Set(ErrorDomainShippingPersist,
			"Your cart has expired. Refresh your cart to choose shipping again.",
			WithSeverity(SeverityError), WithRecoveryAction(RecoveryRefreshCart))
		if p.onCartExpired != nil {
			p.onCartExpired(ctx, call.cartID)
		}
	case storefront.IsNetwork(err):
		_, _ = p.errors.Set(ErrorDomainShippingPersist,
			"We couldn't reach the store to save your shipping method. Check your connection and try again.",
			WithRecoveryAction(RecoveryRetry))
	default:
		_, _ = p.errors.Set(ErrorDomainShippingPersist,
			"We couldn't save your shipping method. Please try again.",
			WithRecoveryAction(RecoveryRetry))
	}
	return fmt.Errorf("shipping persistence: add shipping method: %w", err)
}

// Reset forgets what was persisted, used when the remote cart changes. The selection is kept.
func (p *ShippingPersistence) Reset() {
	p.fence.Cancel(fence.ChannelShippingPersist)
	p.mu.Lock()
	p.persistedCart = ""
	p.persistedOption = ""
	p.inflight = nil
	p.mu.Unlock()
	p.notify()
}

// Close aborts in-flight work.
func (p *ShippingPersistence) Close() {
	p.fence.CancelAll()
}

func (p *ShippingPersistence) notify() {
	if p.onStateChange != nil {
		p.onStateChange()
	}
}
