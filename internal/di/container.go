package di

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"

	"cloud.google.com/go/pubsub"
	"github.com/googleapis/gax-go/v2"
	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"github.com/hanko-field/checkout/internal/payments"
	"github.com/hanko-field/checkout/internal/platform/cartstore"
	"github.com/hanko-field/checkout/internal/platform/config"
	"github.com/hanko-field/checkout/internal/platform/idempotency"
	"github.com/hanko-field/checkout/internal/platform/jobs"
	"github.com/hanko-field/checkout/internal/platform/observability"
	"github.com/hanko-field/checkout/internal/platform/secrets"
	"github.com/hanko-field/checkout/internal/repositories"
	"github.com/hanko-field/checkout/internal/services"
	"github.com/hanko-field/checkout/internal/storefront"
)

const (
	secretHealthReference = "secret://system/healthz?version=latest"
	healthReportTTL       = 2 * time.Second
)

// Container wires the storefront client, payment providers, stores and the checkout registry.
type Container struct {
	Config         config.Config
	Storefront     *storefront.Client
	Payments       *payments.Manager
	PaymentMethods services.PaymentMethodLookup
	Snapshots      services.SnapshotStore
	RateCache      services.RateCache
	Events         services.EventPublisher
	Idempotency    idempotency.Store
	Registry       *services.CheckoutRegistry
	System         services.SystemService

	redis   *redis.Client
	closers []func(context.Context) error
}

type containerOptions struct {
	logger     *zap.Logger
	build      services.BuildInfo
	clock      func() time.Time
	httpClient *http.Client
	redis      *redis.Client
	pubsub     *pubsub.Client
	provider   payments.Provider
	verifier   services.PaymentMethodLookup
	fetcher    *secrets.Fetcher
}

// Option customises container construction.
type Option func(*containerOptions)

// WithLogger sets the base logger. Engine events are logged under the "checkout" name.
func WithLogger(logger *zap.Logger) Option {
	return func(o *containerOptions) {
		o.logger = logger
	}
}

// WithBuildInfo sets the metadata reported by health endpoints.
func WithBuildInfo(info services.BuildInfo) Option {
	return func(o *containerOptions) {
		o.build = info
	}
}

// WithClock overrides the clock shared by the registry, stores and engines.
func WithClock(clock func() time.Time) Option {
	return func(o *containerOptions) {
		if clock != nil {
			o.clock = clock
		}
	}
}

// WithHTTPClient overrides the HTTP client used for storefront calls.
func WithHTTPClient(client *http.Client) Option {
	return func(o *containerOptions) {
		o.httpClient = client
	}
}

// WithRedisClient supplies a Redis client instead of dialling Redis.URL.
func WithRedisClient(client *redis.Client) Option {
	return func(o *containerOptions) {
		o.redis = client
	}
}

// WithPubSubClient supplies a Pub/Sub client instead of connecting to Events.ProjectID.
func WithPubSubClient(client *pubsub.Client) Option {
	return func(o *containerOptions) {
		o.pubsub = client
	}
}

// WithPaymentProvider replaces the Stripe provider.
func WithPaymentProvider(provider payments.Provider) Option {
	return func(o *containerOptions) {
		o.provider = provider
	}
}

// WithPaymentMethodLookup replaces the Stripe payment method verifier.
func WithPaymentMethodLookup(lookup services.PaymentMethodLookup) Option {
	return func(o *containerOptions) {
		o.verifier = lookup
	}
}

// WithSecretFetcher adds a Secret Manager reachability check to readiness.
func WithSecretFetcher(fetcher *secrets.Fetcher) Option {
	return func(o *containerOptions) {
		o.fetcher = fetcher
	}
}

// NewContainer constructs the runtime dependencies from configuration.
func NewContainer(ctx context.Context, cfg config.Config, opts ...Option) (*Container, error) {
	o := containerOptions{
		logger: zap.NewNop(),
		clock:  time.Now,
	}
	for _, opt := range opts {
		if opt != nil {
			opt(&o)
		}
	}
	if o.logger == nil {
		o.logger = zap.NewNop()
	}

	c := &Container{Config: cfg}
	if err := c.build(ctx, o); err != nil {
		_ = c.Close(context.Background())
		return nil, err
	}
	return c, nil
}

func (c *Container) build(ctx context.Context, o containerOptions) error {
	cfg := c.Config

	httpClient := o.httpClient
	if httpClient == nil {
		httpClient = &http.Client{Timeout: cfg.Storefront.Timeout}
	}
	client, err := storefront.NewClient(cfg.Storefront.BaseURL,
		storefront.WithHTTPClient(httpClient),
		storefront.WithPublishableKey(cfg.Storefront.PublishableKey),
		storefront.WithRetryPolicy(storefront.RetryPolicy{
			Attempts: cfg.Storefront.RetryAttempts,
			Backoff: gax.Backoff{
				Initial:    cfg.Storefront.RetryInitial,
				Max:        cfg.Storefront.RetryMax,
				Multiplier: 2,
			},
		}),
	)
	if err != nil {
		return fmt.Errorf("build storefront client: %w", err)
	}
	c.Storefront = client

	if err := c.buildPayments(o); err != nil {
		return err
	}
	if err := c.buildStores(ctx, o); err != nil {
		return err
	}
	topic, err := c.buildEvents(ctx, o)
	if err != nil {
		return err
	}

	policy, err := services.ParseSecretPolicy(cfg.Engine.SecretPolicy)
	if err != nil {
		return fmt.Errorf("build checkout config: %w", err)
	}
	engineLogger := services.Logger(observability.NewEventLogger(o.logger.Named("checkout")))
	registry, err := services.NewCheckoutRegistry(services.CheckoutRegistryDeps{
		Factory:   c.checkoutFactory(policy, o.clock, engineLogger),
		Snapshots: c.Snapshots,
		IdleTTL:   cfg.Sessions.IdleTTL,
		Clock:     o.clock,
		Logger:    engineLogger,
	})
	if err != nil {
		return fmt.Errorf("build checkout registry: %w", err)
	}
	c.Registry = registry

	return c.buildSystem(o, topic)
}

func (c *Container) buildPayments(o containerOptions) error {
	cfg := c.Config
	provider := o.provider
	if provider == nil {
		if strings.TrimSpace(cfg.PSP.StripeAPIKey) == "" {
			return errors.New("build payments: stripe api key is required")
		}
		paymentsLogger := o.logger.Named("payments")
		stripeProvider, err := payments.NewStripeProvider(payments.StripeProviderConfig{
			APIKey: cfg.PSP.StripeAPIKey,
			Logger: payments.StripeLogger(observability.NewEventLogger(paymentsLogger)),
			Clock:  o.clock,
		})
		if err != nil {
			return fmt.Errorf("build stripe provider: %w", err)
		}
		provider = stripeProvider
	}
	manager, err := payments.NewManager(
		map[string]payments.Provider{payments.ProviderKey(cfg.PSP.ProviderID): provider},
		payments.WithDefaultProvider(payments.ProviderKey(cfg.PSP.ProviderID)),
		payments.WithCurrencyRoutes(cfg.PSP.CurrencyRoutes),
	)
	if err != nil {
		return fmt.Errorf("build payment manager: %w", err)
	}
	c.Payments = manager

	c.PaymentMethods = o.verifier
	if c.PaymentMethods == nil && strings.TrimSpace(cfg.PSP.StripeAPIKey) != "" {
		verifier, err := payments.NewStripePaymentMethodVerifier(payments.StripeProviderConfig{
			APIKey: cfg.PSP.StripeAPIKey,
		})
		if err != nil {
			return fmt.Errorf("build stripe payment verifier: %w", err)
		}
		c.PaymentMethods = verifier
	}
	return nil
}

func (c *Container) buildStores(ctx context.Context, o containerOptions) error {
	cfg := c.Config
	client := o.redis
	if client == nil && strings.TrimSpace(cfg.Redis.URL) != "" {
		dialled, err := cartstore.Connect(ctx, cfg.Redis.URL)
		if err != nil {
			return fmt.Errorf("build redis client: %w", err)
		}
		client = dialled
		c.closers = append(c.closers, func(context.Context) error { return dialled.Close() })
	}
	if client == nil {
		c.Snapshots = cartstore.NewMemoryStore(cfg.Sessions.SnapshotTTL, o.clock)
		c.RateCache = services.NewMemoryRateCache(cfg.Engine.ShippingCacheTTL, o.clock)
		c.Idempotency = idempotency.NewMemoryStore()
		return nil
	}

	snapshots, err := cartstore.NewRedisStore(client, cfg.Sessions.SnapshotTTL)
	if err != nil {
		return fmt.Errorf("build snapshot store: %w", err)
	}
	rates, err := services.NewRedisRateCache(client, cfg.Engine.ShippingCacheTTL)
	if err != nil {
		return fmt.Errorf("build rate cache: %w", err)
	}
	replays, err := idempotency.NewRedisStore(client)
	if err != nil {
		return fmt.Errorf("build idempotency store: %w", err)
	}
	c.Snapshots = snapshots
	c.RateCache = rates
	c.Idempotency = replays
	c.redis = client
	return nil
}

func (c *Container) buildEvents(ctx context.Context, o containerOptions) (*pubsub.Topic, error) {
	cfg := c.Config
	client := o.pubsub
	if client == nil {
		if strings.TrimSpace(cfg.Events.ProjectID) == "" {
			return nil, nil
		}
		connected, err := pubsub.NewClient(ctx, cfg.Events.ProjectID)
		if err != nil {
			return nil, fmt.Errorf("build pubsub client: %w", err)
		}
		client = connected
		c.closers = append(c.closers, func(context.Context) error { return connected.Close() })
	}
	topic := client.Topic(cfg.Events.CompletedTopic)
	publisher, err := jobs.NewPubSubCheckoutPublisher(topic)
	if err != nil {
		return nil, fmt.Errorf("build checkout publisher: %w", err)
	}
	c.Events = publisher
	c.closers = append([]func(context.Context) error{func(context.Context) error {
		publisher.Stop()
		return nil
	}}, c.closers...)
	return topic, nil
}

func (c *Container) checkoutFactory(policy services.SecretPolicy, clock func() time.Time, logger services.Logger) services.CheckoutFactory {
	cfg := c.Config
	return func(params services.CheckoutParams) (*services.Checkout, error) {
		region := strings.TrimSpace(params.RegionID)
		if region == "" {
			region = cfg.Commerce.RegionID
		}
		currency := strings.TrimSpace(params.Currency)
		if currency == "" {
			currency = cfg.Commerce.Currency
		}
		country := strings.TrimSpace(params.CountryCode)
		if country == "" {
			country = cfg.Commerce.CountryCode
		}
		return services.NewCheckout(services.CheckoutDeps{
			ID:             params.ID,
			API:            c.Storefront,
			Payments:       c.Payments,
			PaymentMethods: c.PaymentMethods,
			Events:         c.Events,
			Snapshots:      c.Snapshots,
			RateCache:      c.RateCache,
			Config: services.CheckoutConfig{
				RegionID:         region,
				Currency:         currency,
				CountryCode:      country,
				ProviderID:       cfg.PSP.ProviderID,
				CartDebounce:     cfg.Engine.CartDebounce,
				ShippingDebounce: cfg.Engine.ShippingDebounce,
				PaymentDebounce:  cfg.Engine.PaymentDebounce,
				SecretPolicy:     policy,
			},
			Initial: params.Initial,
			Clock:   clock,
			Logger:  logger,
		})
	}
}

func (c *Container) buildSystem(o containerOptions, topic *pubsub.Topic) error {
	checks := []repositories.DependencyCheck{{
		Name:     "storefront",
		Timeout:  2 * time.Second,
		Critical: true,
		Check:    c.Storefront.Ping,
	}}
	if c.redis != nil {
		client := c.redis
		checks = append(checks, repositories.DependencyCheck{
			Name:    "redis",
			Timeout: time.Second,
			Check: func(ctx context.Context) error {
				return client.Ping(ctx).Err()
			},
		})
	}
	if topic != nil {
		checks = append(checks, repositories.DependencyCheck{
			Name:    "pubsub",
			Timeout: 1500 * time.Millisecond,
			Check: func(ctx context.Context) error {
				ok, err := topic.Exists(ctx)
				if err != nil {
					return err
				}
				if !ok {
					return fmt.Errorf("topic %s does not exist", topic.ID())
				}
				return nil
			},
		})
	}
	if o.fetcher != nil {
		fetcher := o.fetcher
		checks = append(checks, repositories.DependencyCheck{
			Name:    "secretManager",
			Timeout: time.Second,
			Check: func(ctx context.Context) error {
				_, err := fetcher.Resolve(ctx, secretHealthReference)
				if err == nil {
					return nil
				}
				if errors.Is(err, secrets.ErrNotFound) {
					return nil
				}
				return err
			},
		})
	}

	repo, err := repositories.NewDependencyHealthRepository(checks)
	if err != nil {
		return fmt.Errorf("build health repository: %w", err)
	}
	registry := c.Registry
	system, err := services.NewSystemService(services.SystemServiceDeps{
		HealthRepository: repo,
		Clock:            o.clock,
		Build:            o.build,
		ActiveSessions:   registry.Len,
		ReportTTL:        healthReportTTL,
	})
	if err != nil {
		return fmt.Errorf("build system service: %w", err)
	}
	c.System = system
	return nil
}

// Close releases publishers and client connections in reverse order of acquisition.
func (c *Container) Close(ctx context.Context) error {
	if c == nil {
		return nil
	}
	var errs []error
	for i := len(c.closers) - 1; i >= 0; i-- {
		if err := c.closers[i](ctx); err != nil {
			errs = append(errs, err)
		}
	}
	c.closers = nil
	return errors.Join(errs...)
}
