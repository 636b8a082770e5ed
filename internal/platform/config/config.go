// Package config loads checkout settings from CHECKOUT_* keys spread over an
// optional YAML file, a .env file, the process environment and explicit
// overrides, then resolves secret:// references.
package config

import (
	"context"
	"fmt"
	"os"
	"slices"
	"strings"
	"time"
)

const (
	defaultEnvFile           = ".env"
	defaultEnvironment       = "local"
	defaultPort              = "8080"
	defaultReadTimeout       = 15 * time.Second
	defaultWriteTimeout      = 60 * time.Second
	defaultIdleTimeout       = 120 * time.Second
	defaultStorefrontTimeout = 15 * time.Second
	defaultRetryAttempts     = 3
	defaultRetryInitial      = 200 * time.Millisecond
	defaultRetryMax          = 2 * time.Second
	defaultCurrency          = "USD"
	defaultCartDebounce      = 700 * time.Millisecond
	minCartDebounce          = 600 * time.Millisecond
	maxCartDebounce          = 800 * time.Millisecond
	defaultShippingDebounce  = 500 * time.Millisecond
	defaultPaymentDebounce   = 100 * time.Millisecond
	defaultShippingCacheTTL  = 10 * time.Minute
	defaultSecretPolicy      = "pin_first"
	defaultSessionIdleTTL    = 30 * time.Minute
	defaultSweepInterval     = time.Minute
	defaultSnapshotTTL       = 7 * 24 * time.Hour
	defaultProviderID        = "pp_stripe_stripe"
	defaultCompletedTopic    = "checkout-completed"
	defaultCreatePerMinute   = 30
	defaultPromoPerMinute    = 10

	defaultIdempotencyHeader    = "Idempotency-Key"
	defaultIdempotencyTTL       = 24 * time.Hour
	defaultIdempotencyInterval  = time.Hour
	defaultIdempotencyBatchSize = 200
)

var secretPolicies = []string{"pin_first", "rotate_until_exposed"}

type Config struct {
	Environment string
	Server      ServerConfig
	Storefront  StorefrontConfig
	Commerce    CommerceConfig
	Engine      EngineConfig
	Sessions    SessionConfig
	Redis       RedisConfig
	PSP         PSPConfig
	Events      EventsConfig
	RateLimits  RateLimitConfig
	Idempotency IdempotencyConfig
}

type ServerConfig struct {
	Port         string
	ReadTimeout  time.Duration
	WriteTimeout time.Duration
	IdleTimeout  time.Duration
}

// StorefrontConfig points at the commerce backend.
type StorefrontConfig struct {
	BaseURL        string
	PublishableKey string
	Timeout        time.Duration
	RetryAttempts  int
	RetryInitial   time.Duration
	RetryMax       time.Duration
}

// CommerceConfig is the default region context for new checkouts.
type CommerceConfig struct {
	RegionID    string
	Currency    string
	CountryCode string
}

// EngineConfig tunes the checkout engine timers and caches.
type EngineConfig struct {
	CartDebounce     time.Duration
	ShippingDebounce time.Duration
	PaymentDebounce  time.Duration
	ShippingCacheTTL time.Duration
	SecretPolicy     string
}

// SessionConfig controls how long checkouts stay in memory and in the snapshot mirror.
type SessionConfig struct {
	IdleTTL       time.Duration
	SweepInterval time.Duration
	SnapshotTTL   time.Duration
}

// RedisConfig enables the shared rate cache and snapshot mirror. Empty URL keeps both in memory.
type RedisConfig struct {
	URL string
}

type PSPConfig struct {
	StripeAPIKey   string
	ProviderID     string
	CurrencyRoutes map[string]string
}

// EventsConfig configures the completion event publisher. Empty project disables publishing.
type EventsConfig struct {
	ProjectID      string
	CompletedTopic string
}

// RateLimitConfig caps abusive request patterns. Zero disables a limit.
type RateLimitConfig struct {
	CreatePerMinute int
	PromoPerMinute  int
}

// IdempotencyConfig controls replay of keyed POSTs under /checkouts.
type IdempotencyConfig struct {
	Header           string
	TTL              time.Duration
	CleanupInterval  time.Duration
	CleanupBatchSize int
}

// SecretResolver turns a secret://name reference into its value.
type SecretResolver interface {
	ResolveSecret(ctx context.Context, ref string) (string, error)
}

type SecretResolverFunc func(context.Context, string) (string, error)

func (f SecretResolverFunc) ResolveSecret(ctx context.Context, ref string) (string, error) {
	return f(ctx, ref)
}

type Option func(*loaderOptions)

type loaderOptions struct {
	envFile         string
	configFile      string
	envMap          map[string]string
	useSystemEnv    bool
	secret          SecretResolver
	requiredSecrets []string
	panicOnMissing  bool
}

func defaultOptions(opts []Option) loaderOptions {
	o := loaderOptions{envFile: defaultEnvFile, useSystemEnv: true}
	for _, opt := range opts {
		if opt != nil {
			opt(&o)
		}
	}
	return o
}

// WithEnvFile reads KEY=VALUE overrides from path; "" skips the file.
func WithEnvFile(path string) Option {
	return func(o *loaderOptions) { o.envFile = path }
}

// WithConfigFile reads a YAML file instead of the one named by CHECKOUT_CONFIG_FILE.
func WithConfigFile(path string) Option {
	return func(o *loaderOptions) { o.configFile = strings.TrimSpace(path) }
}

// WithEnvMap adds overrides that beat every other layer.
func WithEnvMap(values map[string]string) Option {
	return func(o *loaderOptions) { o.envMap = values }
}

func WithoutSystemEnv() Option {
	return func(o *loaderOptions) { o.useSystemEnv = false }
}

func WithSecretResolver(resolver SecretResolver) Option {
	return func(o *loaderOptions) { o.secret = resolver }
}

// WithRequiredSecrets names secret fields that must resolve to a value,
// e.g. "PSP.StripeAPIKey".
func WithRequiredSecrets(names ...string) Option {
	return func(o *loaderOptions) { o.requiredSecrets = append(o.requiredSecrets, names...) }
}

// WithPanicOnMissingSecrets makes Load panic with *MissingSecretsError.
func WithPanicOnMissingSecrets() Option {
	return func(o *loaderOptions) { o.panicOnMissing = true }
}

// EnvironmentValues returns the merged raw keys Load would see, so callers
// can build the secret fetcher before loading.
func EnvironmentValues(opts ...Option) (map[string]string, error) {
	src, err := newSource(defaultOptions(opts))
	if err != nil {
		return nil, err
	}
	return src.merged(), nil
}

// Load builds and validates the Config. Secret references are resolved
// through the configured resolver; without one any reference is an error.
func Load(ctx context.Context, opts ...Option) (Config, error) {
	o := defaultOptions(opts)
	src, err := newSource(o)
	if err != nil {
		return Config{}, err
	}

	cfg := Config{
		Environment: strings.ToLower(src.str("CHECKOUT_ENVIRONMENT", defaultEnvironment)),
		Server: ServerConfig{
			Port:         src.str("CHECKOUT_SERVER_PORT", defaultPort),
			ReadTimeout:  src.duration("CHECKOUT_SERVER_READ_TIMEOUT", defaultReadTimeout),
			WriteTimeout: src.duration("CHECKOUT_SERVER_WRITE_TIMEOUT", defaultWriteTimeout),
			IdleTimeout:  src.duration("CHECKOUT_SERVER_IDLE_TIMEOUT", defaultIdleTimeout),
		},
		Storefront: StorefrontConfig{
			BaseURL:        strings.TrimRight(src.str("CHECKOUT_STOREFRONT_BASE_URL", ""), "/"),
			PublishableKey: src.str("CHECKOUT_STOREFRONT_PUBLISHABLE_KEY", ""),
			Timeout:        src.duration("CHECKOUT_STOREFRONT_TIMEOUT", defaultStorefrontTimeout),
			RetryAttempts:  src.integer("CHECKOUT_STOREFRONT_RETRY_ATTEMPTS", defaultRetryAttempts),
			RetryInitial:   src.duration("CHECKOUT_STOREFRONT_RETRY_INITIAL", defaultRetryInitial),
			RetryMax:       src.duration("CHECKOUT_STOREFRONT_RETRY_MAX", defaultRetryMax),
		},
		Commerce: CommerceConfig{
			RegionID:    src.str("CHECKOUT_REGION_ID", ""),
			Currency:    strings.ToUpper(src.str("CHECKOUT_CURRENCY", defaultCurrency)),
			CountryCode: strings.ToLower(src.str("CHECKOUT_COUNTRY_CODE", "")),
		},
		Engine: EngineConfig{
			CartDebounce:     src.duration("CHECKOUT_CART_SYNC_DEBOUNCE", defaultCartDebounce),
			ShippingDebounce: src.duration("CHECKOUT_SHIPPING_DEBOUNCE", defaultShippingDebounce),
			PaymentDebounce:  src.duration("CHECKOUT_PAYMENT_DEBOUNCE", defaultPaymentDebounce),
			ShippingCacheTTL: src.duration("CHECKOUT_SHIPPING_CACHE_TTL", defaultShippingCacheTTL),
			SecretPolicy:     strings.ToLower(src.str("CHECKOUT_SECRET_POLICY", defaultSecretPolicy)),
		},
		Sessions: SessionConfig{
			IdleTTL:       src.duration("CHECKOUT_SESSION_IDLE_TTL", defaultSessionIdleTTL),
			SweepInterval: src.duration("CHECKOUT_SESSION_SWEEP_INTERVAL", defaultSweepInterval),
			SnapshotTTL:   src.duration("CHECKOUT_SNAPSHOT_TTL", defaultSnapshotTTL),
		},
		Redis: RedisConfig{URL: src.str("CHECKOUT_REDIS_URL", "")},
		PSP: PSPConfig{
			StripeAPIKey:   src.str("CHECKOUT_PSP_STRIPE_API_KEY", ""),
			ProviderID:     src.str("CHECKOUT_PSP_PROVIDER_ID", defaultProviderID),
			CurrencyRoutes: src.pairs("CHECKOUT_PSP_CURRENCY_ROUTES"),
		},
		Events: EventsConfig{
			ProjectID:      src.str("CHECKOUT_PUBSUB_PROJECT_ID", ""),
			CompletedTopic: src.str("CHECKOUT_PUBSUB_COMPLETED_TOPIC", defaultCompletedTopic),
		},
		RateLimits: RateLimitConfig{
			CreatePerMinute: src.integer("CHECKOUT_RATE_LIMIT_CREATE_PER_MINUTE", defaultCreatePerMinute),
			PromoPerMinute:  src.integer("CHECKOUT_RATE_LIMIT_PROMO_PER_MINUTE", defaultPromoPerMinute),
		},
		Idempotency: IdempotencyConfig{
			Header:           src.str("CHECKOUT_IDEMPOTENCY_HEADER", defaultIdempotencyHeader),
			TTL:              src.duration("CHECKOUT_IDEMPOTENCY_TTL", defaultIdempotencyTTL),
			CleanupInterval:  src.duration("CHECKOUT_IDEMPOTENCY_CLEANUP_INTERVAL", defaultIdempotencyInterval),
			CleanupBatchSize: src.integer("CHECKOUT_IDEMPOTENCY_CLEANUP_BATCH_SIZE", defaultIdempotencyBatchSize),
		},
	}

	secretFields := map[string]*string{
		"PSP.StripeAPIKey":          &cfg.PSP.StripeAPIKey,
		"Storefront.PublishableKey": &cfg.Storefront.PublishableKey,
		"Redis.URL":                 &cfg.Redis.URL,
	}
	if err := resolveSecrets(ctx, o.secret, secretFields); err != nil {
		return Config{}, err
	}

	if fields := append(validate(cfg), src.invalidKeys()...); len(fields) > 0 {
		return Config{}, &ValidationError{fields: fields}
	}

	if missing := missingSecrets(o.requiredSecrets, secretFields); missing != nil {
		if o.panicOnMissing {
			fmt.Fprintf(os.Stderr, "config: %v\n", missing)
			panic(missing)
		}
		return Config{}, missing
	}
	return cfg, nil
}

// resolveSecrets replaces every secret:// or sm:// value in place.
func resolveSecrets(ctx context.Context, resolver SecretResolver, fields map[string]*string) error {
	names := make([]string, 0, len(fields))
	for name := range fields {
		names = append(names, name)
	}
	slices.Sort(names)

	for _, name := range names {
		field := fields[name]
		ref, ok := secretReference(*field)
		if !ok {
			continue
		}
		if resolver == nil {
			return &SecretError{Ref: ref, Err: errSecretResolverNotConfigured}
		}
		value, err := resolver.ResolveSecret(ctx, ref)
		if err != nil {
			return &SecretError{Ref: ref, Err: err}
		}
		*field = strings.TrimSpace(value)
	}
	return nil
}

// secretReference normalises sm:// to secret:// and reports whether value
// is a reference at all.
func secretReference(value string) (string, bool) {
	value = strings.TrimSpace(value)
	if rest, ok := strings.CutPrefix(value, "sm://"); ok {
		return "secret://" + rest, true
	}
	return value, strings.HasPrefix(value, "secret://")
}

func missingSecrets(required []string, fields map[string]*string) *MissingSecretsError {
	var names []string
	for _, name := range required {
		name = strings.TrimSpace(name)
		if name == "" || slices.Contains(names, name) {
			continue
		}
		if field, ok := fields[name]; ok && strings.TrimSpace(*field) != "" {
			continue
		}
		names = append(names, name)
	}
	if len(names) == 0 {
		return nil
	}
	slices.Sort(names)
	return &MissingSecretsError{names: names}
}

// validate returns the offending field names in declaration order.
func validate(cfg Config) []string {
	var bad []string
	check := func(ok bool, field string) {
		if !ok {
			bad = append(bad, field)
		}
	}

	check(cfg.Server.Port != "", "Server.Port")
	check(cfg.Storefront.BaseURL != "", "Storefront.BaseURL")
	check(cfg.Storefront.Timeout > 0, "Storefront.Timeout")
	check(cfg.Storefront.RetryAttempts >= 1, "Storefront.RetryAttempts")
	check(strings.TrimSpace(cfg.Commerce.RegionID) != "", "Commerce.RegionID")
	check(len(strings.TrimSpace(cfg.Commerce.Currency)) == 3, "Commerce.Currency")
	check(slices.Contains(secretPolicies, cfg.Engine.SecretPolicy), "Engine.SecretPolicy")
	check(cfg.Engine.CartDebounce >= minCartDebounce && cfg.Engine.CartDebounce <= maxCartDebounce, "Engine.CartDebounce")
	check(cfg.Engine.ShippingDebounce > 0, "Engine.ShippingDebounce")
	check(cfg.Engine.PaymentDebounce > 0, "Engine.PaymentDebounce")
	check(cfg.Engine.ShippingCacheTTL > 0, "Engine.ShippingCacheTTL")
	check(cfg.Sessions.IdleTTL > 0, "Sessions.IdleTTL")
	check(cfg.Sessions.SweepInterval > 0, "Sessions.SweepInterval")
	check(cfg.Sessions.SnapshotTTL > 0, "Sessions.SnapshotTTL")
	check(strings.TrimSpace(cfg.PSP.ProviderID) != "", "PSP.ProviderID")
	check(cfg.Events.ProjectID == "" || strings.TrimSpace(cfg.Events.CompletedTopic) != "", "Events.CompletedTopic")
	check(cfg.RateLimits.CreatePerMinute >= 0, "RateLimits.CreatePerMinute")
	check(cfg.RateLimits.PromoPerMinute >= 0, "RateLimits.PromoPerMinute")
	check(strings.TrimSpace(cfg.Idempotency.Header) != "", "Idempotency.Header")
	check(cfg.Idempotency.TTL > 0, "Idempotency.TTL")
	check(cfg.Idempotency.CleanupInterval >= 0, "Idempotency.CleanupInterval")
	check(cfg.Idempotency.CleanupBatchSize > 0, "Idempotency.CleanupBatchSize")
	return bad
}
