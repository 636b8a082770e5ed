package services

import (
	"context"
	"errors"
	"fmt"
	"regexp"
	"strings"
	"sync"

	domain "github.com/hanko-field/checkout/internal/domain"
	"github.com/hanko-field/checkout/internal/platform/fence"
	"github.com/hanko-field/checkout/internal/storefront"
)

// PromoReason classifies why a promo code was rejected.
type PromoReason string

const (
	PromoReasonNotCombinable      PromoReason = "not_combinable"
	PromoReasonNotYetStarted      PromoReason = "not_yet_started"
	PromoReasonExpired            PromoReason = "expired"
	PromoReasonUsageLimitExceeded PromoReason = "usage_limit_exceeded"
	PromoReasonAlreadyApplied     PromoReason = "already_applied"
	PromoReasonNotEligible        PromoReason = "not_eligible"
	PromoReasonInvalid            PromoReason = "invalid"
	PromoReasonUnknown            PromoReason = "unknown"
)

var (
	errPromoCodesMissingCart   = errors.New("promo codes: cart is required")
	errPromoCodesMissingErrors = errors.New("promo codes: error registry is required")

	// ErrPromoCodeEmpty is returned when the entered code is blank.
	ErrPromoCodeEmpty = errors.New("promo codes: code is required")
	// ErrPromoCodeNotApplied is returned when removing a code that is not applied.
	ErrPromoCodeNotApplied = errors.New("promo codes: code is not applied")
)

// PromoCodeError is a rejection of a specific code.
type PromoCodeError struct {
	Code    string
	Reason  PromoReason
	Message string
	Err     error
}

func (e *PromoCodeError) Error() string {
	if e == nil {
		return ""
	}
	return fmt.Sprintf("promo codes: %s rejected (%s): %s", e.Code, e.Reason, e.Message)
}

func (e *PromoCodeError) Unwrap() error {
	if e == nil {
		return nil
	}
	return e.Err
}

// evaluated in order; the first match wins
var promoRejectionPatterns = []struct {
	reason  PromoReason
	pattern *regexp.Regexp
}{
	{PromoReasonNotCombinable, regexp.MustCompile(`(?i)combin|stackable|cannot be used (together|with)`)},
	{PromoReasonNotYetStarted, regexp.MustCompile(`(?i)not (yet )?(started|active)|has not begun|starts (on|at)`)},
	{PromoReasonExpired, regexp.MustCompile(`(?i)expired|has ended|no longer (valid|active)`)},
	{PromoReasonUsageLimitExceeded, regexp.MustCompile(`(?i)usage limit|limit (reached|exceeded)|maximum (number of )?uses|used up`)},
	{PromoReasonAlreadyApplied, regexp.MustCompile(`(?i)already (been )?applied`)},
	{PromoReasonNotEligible, regexp.MustCompile(`(?i)not eligible|ineligible|minimum|does not apply|not applicable|requirements`)},
	{PromoReasonInvalid, regexp.MustCompile(`(?i)not found|invalid|does not exist|unknown`)},
}

var promoReasonMessages = map[PromoReason]string{
	PromoReasonNotCombinable:      "This code can't be combined with the codes already applied.",
	PromoReasonNotYetStarted:      "This code isn't active yet.",
	PromoReasonExpired:            "This code has expired.",
	PromoReasonUsageLimitExceeded: "This code has reached its usage limit.",
	PromoReasonAlreadyApplied:     "This code is already applied.",
	PromoReasonNotEligible:        "Your cart isn't eligible for this code.",
	PromoReasonInvalid:            "This code isn't valid.",
}

// ClassifyPromoRejection maps a backend message onto a reason. Unmatched messages are returned as
// PromoReasonUnknown with the raw message.
func ClassifyPromoRejection(message string) (PromoReason, string) {
	message = strings.TrimSpace(message)
	for _, candidate := range promoRejectionPatterns {
		if candidate.pattern.MatchString(message) {
			return candidate.reason, promoReasonMessages[candidate.reason]
		}
	}
	if message == "" {
		message = "We couldn't apply this code. Please try again."
	}
	return PromoReasonUnknown, message
}

type promoCart interface {
	PromoCodes() []string
	RemoteCart() (RemoteCart, bool)
	PushPromoCodes(ctx context.Context, codes []string) (PromoPush, error)
	CommitPromoCodes(codes []string, push PromoPush)
}

// PromoCodesDeps wires the promo code manager.
type PromoCodesDeps struct {
	Cart   promoCart
	Errors *ErrorRegistry
	Logger Logger

	OnApplied     func(ctx context.Context, applied []AppliedPromoCode)
	OnStateChange func()
}

// PromoCodes applies and removes promo codes. The backend computes discounts; every request
// submits the complete user code set and the applied list is rebuilt from its answer.
type PromoCodes struct {
	cart   promoCart
	errors *ErrorRegistry
	logger Logger
	fence  *fence.Fence

	onApplied     func(ctx context.Context, applied []AppliedPromoCode)
	onStateChange func()

	mu      sync.Mutex
	applied []AppliedPromoCode
	loading bool
}

// NewPromoCodes constructs the manager.
func NewPromoCodes(deps PromoCodesDeps) (*PromoCodes, error) {
	if deps.Cart == nil {
		return nil, errPromoCodesMissingCart
	}
	if deps.Errors == nil {
		return nil, errPromoCodesMissingErrors
	}
	logger := deps.Logger
	if logger == nil {
		logger = noopLogger
	}
	return &PromoCodes{
		cart:          deps.Cart,
		errors:        deps.Errors,
		logger:        logger,
		fence:         fence.New(),
		onApplied:     deps.OnApplied,
		onStateChange: deps.OnStateChange,
	}, nil
}

// Applied returns the codes the backend currently applies, automatic promotions included.
func (p *PromoCodes) Applied() []AppliedPromoCode {
	p.mu.Lock()
	defer p.mu.Unlock()
	return append([]AppliedPromoCode(nil), p.applied...)
}

// Loading reports whether a promo request is in flight.
func (p *PromoCodes) Loading() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.loading
}

// Apply submits the current codes plus code.
func (p *PromoCodes) Apply(ctx context.Context, code string) ([]AppliedPromoCode, error) {
	normalized := normalizePromo(code)
	if normalized == "" {
		return p.Applied(), ErrPromoCodeEmpty
	}
	current := p.cart.PromoCodes()
	if containsCode(current, normalized) {
		rejection := &PromoCodeError{
			Code:    normalized,
			Reason:  PromoReasonAlreadyApplied,
			Message: promoReasonMessages[PromoReasonAlreadyApplied],
		}
		_, _ = p.errors.Set(ErrorDomainPromo, rejection.Message)
		return p.Applied(), rejection
	}
	return p.submit(ctx, append(current, normalized), normalized, true)
}

// Remove submits the current codes minus code.
func (p *PromoCodes) Remove(ctx context.Context, code string) ([]AppliedPromoCode, error) {
	normalized := normalizePromo(code)
	if normalized == "" {
		return p.Applied(), ErrPromoCodeEmpty
	}
	current := p.cart.PromoCodes()
	if !containsCode(current, normalized) {
		return p.Applied(), fmt.Errorf("%w: %s", ErrPromoCodeNotApplied, normalized)
	}
	next := make([]string, 0, len(current))
	for _, existing := range current {
		if existing != normalized {
			next = append(next, existing)
		}
	}
	return p.submit(ctx, next, normalized, false)
}

func (p *PromoCodes) submit(ctx context.Context, codes []string, target string, applying bool) ([]AppliedPromoCode, error) {
	ticket := p.fence.Begin(ctx, fence.ChannelPromo)
	p.mu.Lock()
	p.loading = true
	p.mu.Unlock()
	p.notify()
	defer func() {
		p.mu.Lock()
		if ticket.Current() {
			p.loading = false
		}
		p.mu.Unlock()
		p.fence.Release(ticket)
		p.notify()
	}()

	push, err := p.cart.PushPromoCodes(ticket.Ctx, codes)
	if !ticket.Current() {
		loadMetrics().stale(ctx, fence.ChannelPromo)
		return p.Applied(), ErrSuperseded
	}
	if err != nil {
		if IsAborted(ticket.Ctx, err) {
			return p.Applied(), err
		}
		rejection := promoRejection(target, err)
		p.logger(ctx, "promo.rejected", map[string]any{"code": target, "reason": string(rejection.Reason), "error": err.Error()})
		_, _ = p.errors.Set(ErrorDomainPromo, rejection.Message)
		return p.Applied(), rejection
	}

	applied := buildAppliedPromoCodes(push.Cart, codes)
	accepted := acceptedUserCodes(applied, codes)
	var rejection *PromoCodeError
	if applying && !containsCode(accepted, target) {
		rejection = &PromoCodeError{
			Code:    target,
			Reason:  PromoReasonNotEligible,
			Message: promoReasonMessages[PromoReasonNotEligible],
		}
	}
	if !ticket.Current() {
		loadMetrics().stale(ctx, fence.ChannelPromo)
		return p.Applied(), ErrSuperseded
	}

	p.mu.Lock()
	if !ticket.Current() {
		p.mu.Unlock()
		loadMetrics().stale(ctx, fence.ChannelPromo)
		return p.Applied(), ErrSuperseded
	}
	p.applied = applied
	p.mu.Unlock()

	p.cart.CommitPromoCodes(accepted, push)
	if rejection != nil {
		p.logger(ctx, "promo.dropped", map[string]any{"code": target})
		_, _ = p.errors.Set(ErrorDomainPromo, rejection.Message)
	} else {
		p.errors.Clear(ErrorDomainPromo)
	}
	if p.onApplied != nil {
		p.onApplied(ctx, applied)
	}
	out := append([]AppliedPromoCode(nil), applied...)
	if rejection != nil {
		return out, rejection
	}
	return out, nil
}

// Reconcile rebuilds the applied list from a cart returned by a regular sync.
func (p *PromoCodes) Reconcile(cart RemoteCart) {
	applied := buildAppliedPromoCodes(cart, p.cart.PromoCodes())
	p.mu.Lock()
	p.applied = applied
	p.mu.Unlock()
	p.notify()
}

// Close aborts in-flight requests.
func (p *PromoCodes) Close() {
	p.fence.CancelAll()
}

func (p *PromoCodes) notify() {
	if p.onStateChange != nil {
		p.onStateChange()
	}
}

func promoRejection(code string, err error) *PromoCodeError {
	if storefront.IsNetwork(err) {
		return &PromoCodeError{
			Code:    code,
			Reason:  PromoReasonUnknown,
			Message: "We couldn't reach the store to apply this code. Please try again.",
			Err:     err,
		}
	}
	message := ""
	var apiErr *storefront.APIError
	if errors.As(err, &apiErr) {
		message = apiErr.Message
	}
	reason, text := ClassifyPromoRejection(message)
	return &PromoCodeError{Code: code, Reason: reason, Message: text, Err: err}
}

// buildAppliedPromoCodes derives the applied list from the authoritative cart. Per-code amounts
// come from line adjustments; without them the discount total is split evenly and the remainder
// goes to the first code.
func buildAppliedPromoCodes(cart RemoteCart, submitted []string) []AppliedPromoCode {
	var applied []AppliedPromoCode
	seen := make(map[string]int)
	for _, promo := range cart.Promotions {
		code := normalizePromo(promo.Code)
		if code == "" {
			continue
		}
		if _, ok := seen[code]; ok {
			continue
		}
		seen[code] = len(applied)
		applied = append(applied, AppliedPromoCode{
			Code:        code,
			Automatic:   promo.Automatic,
			Description: strings.TrimSpace(promo.Description),
		})
	}
	if len(applied) == 0 && cart.DiscountTotal > 0 {
		// the backend discounted without listing promotions; attribute it to what was submitted
		for _, code := range normalizeCodes(submitted) {
			seen[code] = len(applied)
			applied = append(applied, AppliedPromoCode{Code: code})
		}
	}
	if len(applied) == 0 {
		return nil
	}

	var attributed int64
	for _, item := range cart.Items {
		for _, adj := range item.Adjustments {
			idx, ok := seen[normalizePromo(adj.Code)]
			if !ok || adj.Amount <= 0 {
				continue
			}
			applied[idx].Amount += adj.Amount
			attributed += adj.Amount
		}
	}
	if attributed == 0 && cart.DiscountTotal > 0 {
		share := cart.DiscountTotal / int64(len(applied))
		remainder := cart.DiscountTotal - share*int64(len(applied))
		for i := range applied {
			applied[i].Amount = share
		}
		applied[0].Amount += remainder
	}
	return applied
}

func acceptedUserCodes(applied []AppliedPromoCode, submitted []string) []string {
	var out []string
	for _, code := range normalizeCodes(submitted) {
		for _, entry := range applied {
			if entry.Code == code && !entry.Automatic {
				out = append(out, code)
				break
			}
		}
	}
	return out
}

func containsCode(codes []string, code string) bool {
	for _, existing := range codes {
		if existing == code {
			return true
		}
	}
	return false
}

func normalizePromo(code string) string {
	return domain.NormalizePromoCode(code)
}
