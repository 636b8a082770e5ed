package payments

import (
	"context"
	"errors"
	"fmt"
	"strings"
)

// Manager picks a provider per payment and tags results with its key.
type Manager struct {
	providers      map[string]Provider
	fallback       string
	currencyRoutes map[string]string
}

// ManagerOption tunes provider selection.
type ManagerOption func(*Manager)

// WithDefaultProvider names the provider used when neither the preference nor
// the currency routes match. An empty key disables the default.
func WithDefaultProvider(provider string) ManagerOption {
	return func(m *Manager) { m.fallback = normalizeKey(provider) }
}

// WithCurrencyRoutes pins currencies (ISO codes, any case) to provider keys.
func WithCurrencyRoutes(routes map[string]string) ManagerOption {
	return func(m *Manager) {
		for currency, provider := range routes {
			if m.currencyRoutes == nil {
				m.currencyRoutes = make(map[string]string, len(routes))
			}
			m.currencyRoutes[strings.ToUpper(strings.TrimSpace(currency))] = normalizeKey(provider)
		}
	}
}

// NewManager registers providers by key. Stripe, when present, is the
// default unless WithDefaultProvider says otherwise.
func NewManager(providers map[string]Provider, opts ...ManagerOption) (*Manager, error) {
	if len(providers) == 0 {
		return nil, errors.New("payments: at least one provider is required")
	}
	m := &Manager{providers: make(map[string]Provider, len(providers))}
	for name, provider := range providers {
		key := normalizeKey(name)
		if key == "" || provider == nil {
			return nil, fmt.Errorf("payments: invalid provider registration for key %q", name)
		}
		m.providers[key] = provider
	}
	if _, ok := m.providers["stripe"]; ok {
		m.fallback = "stripe"
	}
	for _, opt := range opts {
		opt(m)
	}
	return m, nil
}

// PaymentContext carries the hints used to select a provider.
type PaymentContext struct {
	// PreferredProvider is an adapter key ("stripe") or a commerce backend
	// provider id ("pp_stripe_stripe").
	PreferredProvider string
	Currency          string
}

// ProviderKey maps a commerce backend provider id such as "pp_stripe_stripe"
// to the adapter key "stripe". Other values are only normalized.
func ProviderKey(providerID string) string {
	id := normalizeKey(providerID)
	rest, ok := strings.CutPrefix(id, "pp_")
	if !ok {
		return id
	}
	if name, _, _ := strings.Cut(rest, "_"); name != "" {
		return name
	}
	return id
}

func normalizeKey(key string) string {
	return strings.ToLower(strings.TrimSpace(key))
}

// pick tries the preference, then the currency route, then the default. A
// manager holding a single provider always resolves to it.
func (m *Manager) pick(hints PaymentContext) (string, Provider, error) {
	if m == nil || len(m.providers) == 0 {
		return "", nil, errors.New("payments: no providers registered")
	}
	candidates := []string{
		ProviderKey(hints.PreferredProvider),
		m.currencyRoutes[strings.ToUpper(strings.TrimSpace(hints.Currency))],
		m.fallback,
	}
	for _, key := range candidates {
		if provider, ok := m.providers[key]; ok && key != "" {
			return key, provider, nil
		}
	}
	if len(m.providers) == 1 {
		for key, provider := range m.providers {
			return key, provider, nil
		}
	}
	return "", nil, ErrUnsupportedProvider
}

// dispatch runs call on the selected provider. Results and provider errors
// are stamped with the provider key.
func (m *Manager) dispatch(ctx context.Context, hints PaymentContext, call func(context.Context, Provider) (Confirmation, error)) (Confirmation, error) {
	key, provider, err := m.pick(hints)
	if err != nil {
		return Confirmation{}, err
	}
	confirmation, err := call(ctx, provider)
	if err != nil {
		if providerErr := (*ProviderError)(nil); errors.As(err, &providerErr) && providerErr.Provider == "" {
			providerErr.Provider = key
		}
		return Confirmation{}, err
	}
	confirmation.Provider = key
	return confirmation, nil
}

// ConfirmPayment confirms req with the provider selected by hints.
func (m *Manager) ConfirmPayment(ctx context.Context, hints PaymentContext, req ConfirmRequest) (Confirmation, error) {
	return m.dispatch(ctx, hints, func(ctx context.Context, p Provider) (Confirmation, error) {
		return p.ConfirmPayment(ctx, req)
	})
}

// LookupPayment reads the current state of req from the provider selected by hints.
func (m *Manager) LookupPayment(ctx context.Context, hints PaymentContext, req LookupRequest) (Confirmation, error) {
	return m.dispatch(ctx, hints, func(ctx context.Context, p Provider) (Confirmation, error) {
		return p.LookupPayment(ctx, req)
	})
}
