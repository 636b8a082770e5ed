package services

import (
	"context"
	"errors"
	"fmt"
	"sync"
)

// CheckoutStatus is the coarse lifecycle state presented to the UI.
type CheckoutStatus string

const (
	CheckoutStatusIdle              CheckoutStatus = "idle"
	CheckoutStatusInitializing      CheckoutStatus = "initializing"
	CheckoutStatusSyncingCart       CheckoutStatus = "syncing_cart"
	CheckoutStatusFetchingShipping  CheckoutStatus = "fetching_shipping"
	CheckoutStatusReady             CheckoutStatus = "ready"
	CheckoutStatusProcessingPayment CheckoutStatus = "processing_payment"
	CheckoutStatusCompleted         CheckoutStatus = "completed"
	CheckoutStatusError             CheckoutStatus = "error"
)

// IsTerminal reports whether no further transition is possible.
func (s CheckoutStatus) IsTerminal() bool {
	return s == CheckoutStatusCompleted
}

// ErrInvalidStatusTransition is returned when the transition table forbids a move.
var ErrInvalidStatusTransition = errors.New("checkout status: invalid transition")

// working states move freely among each other as inputs change.
var workingStatuses = []CheckoutStatus{
	CheckoutStatusIdle,
	CheckoutStatusInitializing,
	CheckoutStatusSyncingCart,
	CheckoutStatusFetchingShipping,
	CheckoutStatusReady,
	CheckoutStatusError,
}

// submittable states may enter processing_payment; submit flushes pending work itself.
var submittableStatuses = append(append([]CheckoutStatus(nil), workingStatuses...), CheckoutStatusProcessingPayment)

var allowedStatusTransitions = map[CheckoutStatus][]CheckoutStatus{
	CheckoutStatusIdle:              workingStatuses,
	CheckoutStatusInitializing:      submittableStatuses,
	CheckoutStatusSyncingCart:       submittableStatuses,
	CheckoutStatusFetchingShipping:  submittableStatuses,
	CheckoutStatusReady:             submittableStatuses,
	CheckoutStatusError:             workingStatuses,
	CheckoutStatusProcessingPayment: {CheckoutStatusCompleted, CheckoutStatusReady, CheckoutStatusError},
	CheckoutStatusCompleted:         {},
}

// CanTransition reports whether the table allows moving from one status to another.
func CanTransition(from, to CheckoutStatus) bool {
	for _, candidate := range allowedStatusTransitions[from] {
		if candidate == to {
			return true
		}
	}
	return false
}

// StatusInputs is the component state the status is derived from.
type StatusInputs struct {
	HasCart           bool
	HasPushableData   bool
	CartSynced        bool
	CartSyncing       bool
	ShippingLoading   bool
	ShippingSelected  bool
	ShippingPersisted bool
	PaymentReady      bool
	HasBlockingError  bool
}

// DeriveStatus maps component state onto a working status.
func DeriveStatus(in StatusInputs) CheckoutStatus {
	switch {
	case in.HasBlockingError:
		return CheckoutStatusError
	case !in.HasCart && !in.HasPushableData:
		return CheckoutStatusIdle
	case !in.HasCart:
		return CheckoutStatusInitializing
	case in.CartSyncing || !in.CartSynced:
		return CheckoutStatusSyncingCart
	case in.ShippingLoading:
		return CheckoutStatusFetchingShipping
	case in.ShippingSelected && !in.ShippingPersisted:
		return CheckoutStatusFetchingShipping
	case !in.PaymentReady:
		return CheckoutStatusInitializing
	default:
		return CheckoutStatusReady
	}
}

// StatusChange is delivered to listeners after a transition.
type StatusChange struct {
	From CheckoutStatus
	To   CheckoutStatus
}

// StateMachine is the sole writer of the checkout status.
type StateMachine struct {
	mu        sync.Mutex
	status    CheckoutStatus
	listeners []func(StatusChange)
	logger    Logger
}

// NewStateMachine constructs a machine in the idle state.
func NewStateMachine(logger Logger) *StateMachine {
	if logger == nil {
		logger = noopLogger
	}
	return &StateMachine{status: CheckoutStatusIdle, logger: logger}
}

// OnChange registers a listener invoked outside the lock after every transition.
func (m *StateMachine) OnChange(fn func(StatusChange)) {
	if fn == nil {
		return
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	m.listeners = append(m.listeners, fn)
}

// Status returns the current status.
func (m *StateMachine) Status() CheckoutStatus {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.status
}

// Transition moves to the target status when the table allows it.
func (m *StateMachine) Transition(ctx context.Context, to CheckoutStatus) error {
	m.mu.Lock()
	from := m.status
	if from == to {
		m.mu.Unlock()
		return nil
	}
	if !CanTransition(from, to) {
		m.mu.Unlock()
		return fmt.Errorf("%w: %s -> %s", ErrInvalidStatusTransition, from, to)
	}
	m.status = to
	listeners := append([]func(StatusChange){}, m.listeners...)
	m.mu.Unlock()

	m.logger(ctx, "checkout.status_changed", map[string]any{"from": string(from), "to": string(to)})
	for _, fn := range listeners {
		fn(StatusChange{From: from, To: to})
	}
	return nil
}

// Recompute derives the working status from inputs. Submission-owned states are left untouched.
func (m *StateMachine) Recompute(ctx context.Context, in StatusInputs) CheckoutStatus {
	current := m.Status()
	if current == CheckoutStatusProcessingPayment || current.IsTerminal() {
		return current
	}
	target := DeriveStatus(in)
	if err := m.Transition(ctx, target); err != nil {
		m.logger(ctx, "checkout.status_transition_rejected", map[string]any{
			"from":  string(current),
			"to":    string(target),
			"error": err.Error(),
		})
		return m.Status()
	}
	return target
}
