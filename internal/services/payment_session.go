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
)

// DefaultPaymentDebounce is the quiet period between a cart sync and payment collection work.
const DefaultPaymentDebounce = 100 * time.Millisecond

// PaymentPhase tracks payment preparation for the current remote cart.
type PaymentPhase string

const (
	PaymentPhaseNone              PaymentPhase = "none"
	PaymentPhaseCollectionPending PaymentPhase = "collection_pending"
	PaymentPhaseCollectionReady   PaymentPhase = "collection_ready"
	PaymentPhaseSessionPending    PaymentPhase = "session_pending"
	PaymentPhaseSessionReady      PaymentPhase = "session_ready"
)

// SecretPolicy decides whether a refreshed session may replace the client secret.
type SecretPolicy string

const (
	// SecretPinFirst keeps the first secret obtained for the collection.
	SecretPinFirst SecretPolicy = "pin_first"
	// SecretRotateUntilExposed accepts new secrets until the secret was handed to the payment UI.
	SecretRotateUntilExposed SecretPolicy = "rotate_until_exposed"
)

// ParseSecretPolicy maps a configuration value onto a policy, defaulting to SecretPinFirst.
func ParseSecretPolicy(value string) (SecretPolicy, error) {
	switch SecretPolicy(strings.ToLower(strings.TrimSpace(value))) {
	case "", SecretPinFirst:
		return SecretPinFirst, nil
	case SecretRotateUntilExposed:
		return SecretRotateUntilExposed, nil
	default:
		return "", fmt.Errorf("payment session: unknown secret policy %q", value)
	}
}

var (
	errPaymentSessionsMissingAPI      = errors.New("payment session: payment collection api is required")
	errPaymentSessionsMissingErrors   = errors.New("payment session: error registry is required")
	errPaymentSessionsMissingProvider = errors.New("payment session: provider id is required")

	// ErrPaymentCollectionMissing is returned when a session is requested before the collection exists.
	ErrPaymentCollectionMissing = errors.New("payment session: payment collection is not ready")
	// ErrPaymentSessionNotReady is returned when the secret is requested before a session exists.
	ErrPaymentSessionNotReady = errors.New("payment session: session is not ready")
	// ErrPaymentSessionMissing is returned when the backend response lacks the provider's session.
	ErrPaymentSessionMissing = errors.New("payment session: provider session missing from response")
)

// PaymentSessionsDeps wires the payment session orchestrator.
type PaymentSessionsDeps struct {
	API         PaymentCollectionAPI
	Errors      *ErrorRegistry
	ProviderID  string
	Policy      SecretPolicy
	Debounce    time.Duration
	Scheduler   debounce.Scheduler
	BaseContext context.Context
	Logger      Logger

	OnStateChange func()
}

// PaymentSessions keeps one payment collection and provider session per remote cart.
type PaymentSessions struct {
	api        PaymentCollectionAPI
	errors     *ErrorRegistry
	providerID string
	policy     SecretPolicy
	base       context.Context
	logger     Logger
	fence      *fence.Fence
	debouncer  *debounce.Debouncer
	// collections shares one creation call per cart between the debounced and direct paths.
	collections singleflight.Group

	onStateChange func()

	mu           sync.Mutex
	cartID       string
	phase        PaymentPhase
	collectionID string
	session      PaymentSession
	exposed      bool
}

// NewPaymentSessions constructs the orchestrator.
func NewPaymentSessions(deps PaymentSessionsDeps) (*PaymentSessions, error) {
	if deps.API == nil {
		return nil, errPaymentSessionsMissingAPI
	}
	if deps.Errors == nil {
		return nil, errPaymentSessionsMissingErrors
	}
	providerID := strings.TrimSpace(deps.ProviderID)
	if providerID == "" {
		return nil, errPaymentSessionsMissingProvider
	}
	policy := deps.Policy
	if policy == "" {
		policy = SecretPinFirst
	}
	delay := deps.Debounce
	if delay <= 0 {
		delay = DefaultPaymentDebounce
	}
	base := deps.BaseContext
	if base == nil {
		base = context.Background()
	}
	logger := deps.Logger
	if logger == nil {
		logger = noopLogger
	}
	p := &PaymentSessions{
		api:           deps.API,
		errors:        deps.Errors,
		providerID:    providerID,
		policy:        policy,
		base:          base,
		logger:        logger,
		fence:         fence.New(),
		onStateChange: deps.OnStateChange,
		phase:         PaymentPhaseNone,
	}
	p.debouncer = debounce.New(delay, func() {
		if err := p.Advance(p.base); err != nil && !IsAborted(p.base, err) {
			p.logger(p.base, "payment_session.advance_failed", map[string]any{"error": err.Error()})
		}
	}, debounce.WithScheduler(deps.Scheduler))
	return p, nil
}

// ProviderID returns the provider the sessions are created for.
func (p *PaymentSessions) ProviderID() string {
	return p.providerID
}

// Phase returns the current phase.
func (p *PaymentSessions) Phase() PaymentPhase {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.phase
}

// Ready reports whether a provider session with a secret is available.
func (p *PaymentSessions) Ready() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.phase == PaymentPhaseSessionReady && p.session.ClientSecret != ""
}

// Session returns the current session without marking the secret as exposed.
func (p *PaymentSessions) Session() (PaymentSession, bool) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.phase != PaymentPhaseSessionReady {
		return PaymentSession{}, false
	}
	return p.session, true
}

// ClientSecret hands the session to the payment UI. From then on the secret is pinned.
func (p *PaymentSessions) ClientSecret() (PaymentSession, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.phase != PaymentPhaseSessionReady || p.session.ClientSecret == "" {
		return PaymentSession{}, ErrPaymentSessionNotReady
	}
	p.exposed = true
	return p.session, nil
}

// CartSynced schedules collection and session work for the synced cart.
func (p *PaymentSessions) CartSynced(cartID string) {
	cartID = strings.TrimSpace(cartID)
	if cartID == "" {
		return
	}
	p.mu.Lock()
	switched := p.cartID != cartID
	p.mu.Unlock()
	if switched {
		p.CartChanged(cartID)
	}
	p.debouncer.Trigger()
}

// CartChanged drops everything tied to the previous cart and aborts its in-flight work.
func (p *PaymentSessions) CartChanged(cartID string) {
	p.debouncer.Cancel()
	p.fence.Cancel(fence.ChannelPaymentCollection)
	p.fence.Cancel(fence.ChannelPaymentSession)
	p.mu.Lock()
	p.cartID = strings.TrimSpace(cartID)
	p.phase = PaymentPhaseNone
	p.collectionID = ""
	p.session = PaymentSession{}
	p.exposed = false
	p.mu.Unlock()
	p.errors.Clear(ErrorDomainPaymentCollection)
	p.errors.Clear(ErrorDomainPaymentSession)
	p.notify()
}

// Touch schedules a session refresh, used after changes that alter the amount due.
func (p *PaymentSessions) Touch() {
	p.mu.Lock()
	cartID := p.cartID
	p.mu.Unlock()
	if cartID != "" {
		p.debouncer.Trigger()
	}
}

// Advance creates the payment collection when missing and then refreshes the provider session.
func (p *PaymentSessions) Advance(ctx context.Context) error {
	p.mu.Lock()
	cartID, collectionID := p.cartID, p.collectionID
	p.mu.Unlock()
	if cartID == "" {
		return nil
	}
	if collectionID == "" {
		if err := p.ensureCollection(ctx, cartID); err != nil {
			return err
		}
	}
	return p.RefreshSession(ctx)
}

// Prepare brings the session for cartID to ready on the caller's goroutine. A pending debounced
// refresh is taken over rather than left to race the direct call.
func (p *PaymentSessions) Prepare(ctx context.Context, cartID string) error {
	cartID = strings.TrimSpace(cartID)
	if cartID == "" {
		return ErrPaymentSessionNotReady
	}
	p.mu.Lock()
	switched := p.cartID != cartID
	p.mu.Unlock()
	if switched {
		p.CartChanged(cartID)
	}
	pending := p.debouncer.Cancel()
	if !pending && p.Ready() {
		return nil
	}
	return retrySuperseded(ctx, func() error {
		p.debouncer.Cancel()
		return p.Advance(ctx)
	})
}

// SettleForSubmit drops a pending refresh so the session cannot change while a payment is
// being confirmed.
func (p *PaymentSessions) SettleForSubmit() {
	p.debouncer.Cancel()
}

func (p *PaymentSessions) ensureCollection(ctx context.Context, cartID string) error {
	// runs on the base context so a caller giving up does not abort the call others joined
	ch := p.collections.DoChan(cartID, func() (any, error) {
		return nil, p.createCollection(cartID)
	})
	select {
	case res := <-ch:
		return res.Err
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (p *PaymentSessions) createCollection(cartID string) error {
	ctx := p.base
	ticket := p.fence.Begin(ctx, fence.ChannelPaymentCollection)
	defer p.fence.Release(ticket)

	p.mu.Lock()
	if p.cartID == cartID && p.collectionID != "" {
		p.mu.Unlock()
		return nil
	}
	p.mu.Unlock()

	p.setPhase(ticket, PaymentPhaseCollectionPending)
	collection, err := p.api.CreatePaymentCollection(ticket.Ctx, cartID)
	if !ticket.Current() {
		loadMetrics().stale(ctx, fence.ChannelPaymentCollection)
		return ErrSuperseded
	}
	if err != nil {
		if fence.IsCancellation(ticket.Ctx, err) {
			return err
		}
		p.setPhase(ticket, PaymentPhaseNone)
		p.logger(ctx, "payment_session.collection_failed", map[string]any{"cartID": cartID, "error": err.Error()})
		_, _ = p.errors.Set(ErrorDomainPaymentCollection,
			"We couldn't prepare payment for this order. Please reload the page.",
			WithRecoveryAction(RecoveryReload))
		return fmt.Errorf("payment session: create collection: %w", err)
	}

	existing, hasSession := collection.Session(p.providerID)
	if !ticket.Current() {
		loadMetrics().stale(ctx, fence.ChannelPaymentCollection)
		return ErrSuperseded
	}

	p.mu.Lock()
	if !ticket.Current() || p.cartID != cartID {
		p.mu.Unlock()
		loadMetrics().stale(ctx, fence.ChannelPaymentCollection)
		return ErrSuperseded
	}
	p.collectionID = collection.ID
	p.phase = PaymentPhaseCollectionReady
	if hasSession && existing.ClientSecret != "" {
		p.applySessionLocked(PaymentSession{
			ID:           existing.ID,
			ProviderID:   existing.ProviderID,
			ClientSecret: existing.ClientSecret,
			IntentID:     existing.IntentID,
		})
	}
	p.mu.Unlock()

	p.errors.Clear(ErrorDomainPaymentCollection)
	p.logger(ctx, "payment_session.collection_ready", map[string]any{"cartID": cartID, "collectionID": collection.ID})
	p.notify()
	return nil
}

// RefreshSession creates or refreshes the provider session on the current collection.
func (p *PaymentSessions) RefreshSession(ctx context.Context) error {
	p.mu.Lock()
	cartID, collectionID := p.cartID, p.collectionID
	p.mu.Unlock()
	if collectionID == "" {
		return ErrPaymentCollectionMissing
	}

	ticket := p.fence.Begin(ctx, fence.ChannelPaymentSession)
	defer p.fence.Release(ticket)

	p.mu.Lock()
	if p.session.ClientSecret == "" {
		p.phase = PaymentPhaseSessionPending
	}
	p.mu.Unlock()
	p.notify()

	collection, err := p.api.CreatePaymentSession(ticket.Ctx, collectionID, p.providerID)
	if !ticket.Current() {
		loadMetrics().stale(ctx, fence.ChannelPaymentSession)
		return ErrSuperseded
	}
	if err != nil {
		if fence.IsCancellation(ticket.Ctx, err) {
			return err
		}
		return p.sessionFailed(ctx, ticket, cartID, fmt.Errorf("payment session: create session: %w", err))
	}

	remote, ok := collection.Session(p.providerID)
	if !ok || remote.ClientSecret == "" {
		return p.sessionFailed(ctx, ticket, cartID, ErrPaymentSessionMissing)
	}
	next := PaymentSession{
		ID:           remote.ID,
		ProviderID:   remote.ProviderID,
		ClientSecret: remote.ClientSecret,
		IntentID:     remote.IntentID,
	}
	if !ticket.Current() {
		loadMetrics().stale(ctx, fence.ChannelPaymentSession)
		return ErrSuperseded
	}

	p.mu.Lock()
	if !ticket.Current() || p.cartID != cartID || p.collectionID != collectionID {
		p.mu.Unlock()
		loadMetrics().stale(ctx, fence.ChannelPaymentSession)
		return ErrSuperseded
	}
	rotated := p.applySessionLocked(next)
	exposed := p.exposed
	p.mu.Unlock()

	if rotated {
		p.logger(ctx, "payment_session.secret_rotation_ignored", map[string]any{
			"cartID":            cartID,
			"discardedIntentID": next.IntentID,
			"exposed":           exposed,
			"policy":            string(p.policy),
		})
	}
	p.errors.Clear(ErrorDomainPaymentSession)
	p.notify()
	return nil
}

// applySessionLocked stores the refreshed session, keeping the current secret and the intent it
// belongs to when the policy pins it. It reports whether a different secret was discarded.
func (p *PaymentSessions) applySessionLocked(next PaymentSession) bool {
	rotated := false
	current := p.session.ClientSecret
	if current != "" && next.ClientSecret != current {
		if p.exposed || p.policy == SecretPinFirst {
			next.ClientSecret = current
			next.IntentID = p.session.IntentID
			rotated = true
		}
	}
	p.session = next
	p.phase = PaymentPhaseSessionReady
	return rotated
}

func (p *PaymentSessions) sessionFailed(ctx context.Context, ticket fence.Ticket, cartID string, err error) error {
	p.mu.Lock()
	if ticket.Current() && p.session.ClientSecret == "" {
		p.phase = PaymentPhaseCollectionReady
	}
	p.mu.Unlock()
	p.logger(ctx, "payment_session.session_failed", map[string]any{"cartID": cartID, "error": err.Error()})
	_, _ = p.errors.Set(ErrorDomainPaymentSession,
		"We couldn't start the payment session. Please reload the page.",
		WithRecoveryAction(RecoveryReload))
	p.notify()
	return err
}

func (p *PaymentSessions) setPhase(ticket fence.Ticket, phase PaymentPhase) {
	p.mu.Lock()
	if ticket.Current() {
		p.phase = phase
	}
	p.mu.Unlock()
	p.notify()
}

// Close aborts pending and in-flight work.
func (p *PaymentSessions) Close() {
	p.debouncer.Cancel()
	p.fence.CancelAll()
}

func (p *PaymentSessions) notify() {
	if p.onStateChange != nil {
		p.onStateChange()
	}
}
