package services

import (
	"errors"
	"sync"
	"time"
)

// ErrorDomain names the part of the checkout an error belongs to. Each domain holds at most one live error.
type ErrorDomain string

const (
	ErrorDomainCartSync          ErrorDomain = "cart_sync"
	ErrorDomainShippingFetch     ErrorDomain = "shipping_fetch"
	ErrorDomainShippingPersist   ErrorDomain = "shipping_persist"
	ErrorDomainPaymentCollection ErrorDomain = "payment_collection"
	ErrorDomainPaymentSession    ErrorDomain = "payment_session"
	ErrorDomainPaymentSubmit     ErrorDomain = "payment_submit"
	ErrorDomainAddress           ErrorDomain = "address"
	ErrorDomainPromo             ErrorDomain = "promo"
)

// Severity grades how prominently an error is surfaced.
type Severity string

const (
	SeverityError   Severity = "error"
	SeverityWarning Severity = "warning"
	SeverityInfo    Severity = "info"
)

// Recovery actions the UI can offer next to an error.
const (
	RecoveryRetry       = "retry"
	RecoveryReload      = "reload"
	RecoveryRefreshCart = "refresh_cart"
	RecoveryEditAddress = "edit_address"
	RecoveryEditCart    = "edit_cart"
)

// ErrUnknownErrorDomain is returned when an error is recorded against an unregistered domain.
var ErrUnknownErrorDomain = errors.New("checkout errors: unknown domain")

// CheckoutError is the structured, user-facing error of one domain.
type CheckoutError struct {
	Domain         ErrorDomain
	Message        string
	Recoverable    bool
	Severity       Severity
	RecoveryAction string
	Timestamp      time.Time
}

// Blocking reports whether the error prevents checkout from continuing without a reload.
func (e CheckoutError) Blocking() bool {
	return !e.Recoverable && e.Severity == SeverityError
}

type errorTaxonomy struct {
	recoverable bool
	severity    Severity
}

var errorDomainOrder = []ErrorDomain{
	ErrorDomainCartSync,
	ErrorDomainAddress,
	ErrorDomainShippingFetch,
	ErrorDomainShippingPersist,
	ErrorDomainPromo,
	ErrorDomainPaymentCollection,
	ErrorDomainPaymentSession,
	ErrorDomainPaymentSubmit,
}

var errorDefaults = map[ErrorDomain]errorTaxonomy{
	ErrorDomainCartSync:          {recoverable: true, severity: SeverityError},
	ErrorDomainShippingFetch:     {recoverable: true, severity: SeverityError},
	ErrorDomainShippingPersist:   {recoverable: true, severity: SeverityWarning},
	ErrorDomainPaymentCollection: {recoverable: false, severity: SeverityError},
	ErrorDomainPaymentSession:    {recoverable: false, severity: SeverityError},
	ErrorDomainPaymentSubmit:     {recoverable: true, severity: SeverityError},
	ErrorDomainAddress:           {recoverable: true, severity: SeverityWarning},
	ErrorDomainPromo:             {recoverable: true, severity: SeverityWarning},
}

// ErrorOption overrides the domain defaults of a recorded error.
type ErrorOption func(*CheckoutError)

// WithSeverity overrides the default severity.
func WithSeverity(severity Severity) ErrorOption {
	return func(e *CheckoutError) {
		e.Severity = severity
	}
}

// WithRecoverable overrides the default recoverability.
func WithRecoverable(recoverable bool) ErrorOption {
	return func(e *CheckoutError) {
		e.Recoverable = recoverable
	}
}

// WithRecoveryAction attaches a recovery action hint.
func WithRecoveryAction(action string) ErrorOption {
	return func(e *CheckoutError) {
		e.RecoveryAction = action
	}
}

// ErrorChange describes a registry update. Error is nil when the domain was cleared.
type ErrorChange struct {
	Domain ErrorDomain
	Error  *CheckoutError
}

// ErrorRegistry holds the live error of every domain.
type ErrorRegistry struct {
	mu          sync.Mutex
	errors      map[ErrorDomain]CheckoutError
	now         func() time.Time
	subscribers []func(ErrorChange)
}

// NewErrorRegistry constructs an empty registry.
func NewErrorRegistry(clock func() time.Time) *ErrorRegistry {
	if clock == nil {
		clock = time.Now
	}
	return &ErrorRegistry{
		errors: make(map[ErrorDomain]CheckoutError),
		now:    func() time.Time { return clock().UTC() },
	}
}

// Subscribe registers fn to be called after every change. fn runs outside the registry lock.
func (r *ErrorRegistry) Subscribe(fn func(ErrorChange)) {
	if fn == nil {
		return
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	r.subscribers = append(r.subscribers, fn)
}

// Set records the error for the domain, replacing any previous one.
func (r *ErrorRegistry) Set(domain ErrorDomain, message string, opts ...ErrorOption) (CheckoutError, error) {
	defaults, ok := errorDefaults[domain]
	if !ok {
		return CheckoutError{}, ErrUnknownErrorDomain
	}
	entry := CheckoutError{
		Domain:      domain,
		Message:     message,
		Recoverable: defaults.recoverable,
		Severity:    defaults.severity,
	}
	for _, opt := range opts {
		if opt != nil {
			opt(&entry)
		}
	}

	r.mu.Lock()
	entry.Timestamp = r.now()
	r.errors[domain] = entry
	subscribers := append([]func(ErrorChange){}, r.subscribers...)
	r.mu.Unlock()

	change := ErrorChange{Domain: domain, Error: &entry}
	for _, fn := range subscribers {
		fn(change)
	}
	return entry, nil
}

// Clear removes the domain's error. It reports whether an error was present.
func (r *ErrorRegistry) Clear(domain ErrorDomain) bool {
	r.mu.Lock()
	_, ok := r.errors[domain]
	if !ok {
		r.mu.Unlock()
		return false
	}
	delete(r.errors, domain)
	subscribers := append([]func(ErrorChange){}, r.subscribers...)
	r.mu.Unlock()

	for _, fn := range subscribers {
		fn(ErrorChange{Domain: domain})
	}
	return true
}

// Get returns the live error of the domain.
func (r *ErrorRegistry) Get(domain ErrorDomain) (CheckoutError, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	entry, ok := r.errors[domain]
	return entry, ok
}

// All returns every live error in a stable domain order.
func (r *ErrorRegistry) All() []CheckoutError {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]CheckoutError, 0, len(r.errors))
	for _, domain := range errorDomainOrder {
		if entry, ok := r.errors[domain]; ok {
			out = append(out, entry)
		}
	}
	return out
}

// Blocking returns the errors that block checkout.
func (r *ErrorRegistry) Blocking() []CheckoutError {
	var out []CheckoutError
	for _, entry := range r.All() {
		if entry.Blocking() {
			out = append(out, entry)
		}
	}
	return out
}

// HasBlocking reports whether any blocking error is live.
func (r *ErrorRegistry) HasBlocking() bool {
	return len(r.Blocking()) > 0
}
