package secrets

import (
	"context"
	"errors"
	"fmt"
	"os"
	"strings"
	"sync"
	"time"

	secretmanager "cloud.google.com/go/secretmanager/apiv1"
	"cloud.google.com/go/secretmanager/apiv1/secretmanagerpb"
	"github.com/googleapis/gax-go/v2"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
	"go.uber.org/zap"
	"golang.org/x/sync/singleflight"
	"google.golang.org/api/option"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"
)

const (
	defaultEnvironment = "local"
	defaultLocalFile   = ".secrets.local"
	defaultCacheTTL    = 15 * time.Minute
	environmentKey     = "CHECKOUT_ENVIRONMENT"
	meterName          = "github.com/hanko-field/checkout/internal/platform/secrets"

	sourceCache  = "cache"
	sourceRemote = "remote"
	sourceLocal  = "local"
	sourceError  = "error"
)

// ErrNotFound reports a reference that neither Secret Manager nor the local
// file can satisfy.
var ErrNotFound = errors.New("secrets: not found")

var secretManagerClientFactory = func(ctx context.Context, opts ...option.ClientOption) (*secretmanager.Client, error) {
	return secretmanager.NewClient(ctx, opts...)
}

type secretManagerClient interface {
	AccessSecretVersion(ctx context.Context, req *secretmanagerpb.AccessSecretVersionRequest, opts ...gax.CallOption) (*secretmanagerpb.AccessSecretVersionResponse, error)
	Close() error
}

// Fetcher resolves secret:// references for config. Secret Manager is
// authoritative; the local file is consulted when no project is configured
// or the API is unreachable. Values are cached so a rotated Stripe key is
// picked up once the cache TTL lapses.
type Fetcher struct {
	client     secretManagerClient
	ownsClient bool
	logger     *zap.Logger

	env            string
	defaultProject string
	projects       map[string]string
	pins           map[string]string

	local   *localFile
	cache   *valueCache
	group   singleflight.Group
	metrics fetchMetrics
}

type fetcherConfig struct {
	logger         *zap.Logger
	env            string
	defaultProject string
	projects       map[string]string
	pins           map[string]string
	localPath      string
	meter          metric.Meter
	client         secretManagerClient
	clientOpts     []option.ClientOption
	cacheTTL       time.Duration
	clock          func() time.Time
}

type Option func(*fetcherConfig)

func WithLogger(logger *zap.Logger) Option {
	return func(cfg *fetcherConfig) { cfg.logger = logger }
}

// WithEnvironment picks the project map entry; defaults to CHECKOUT_ENVIRONMENT.
func WithEnvironment(env string) Option {
	return func(cfg *fetcherConfig) { cfg.env = strings.ToLower(strings.TrimSpace(env)) }
}

func WithDefaultProject(projectID string) Option {
	return func(cfg *fetcherConfig) { cfg.defaultProject = strings.TrimSpace(projectID) }
}

// WithProjectMap maps environment labels to Secret Manager projects.
func WithProjectMap(m map[string]string) Option {
	return func(cfg *fetcherConfig) { cfg.projects = cloneMap(m) }
}

func WithFallbackFile(path string) Option {
	return func(cfg *fetcherConfig) { cfg.localPath = strings.TrimSpace(path) }
}

func WithMeter(m metric.Meter) Option {
	return func(cfg *fetcherConfig) { cfg.meter = m }
}

// WithSecretManagerClient injects a client; the Fetcher will not close it.
func WithSecretManagerClient(client secretManagerClient) Option {
	return func(cfg *fetcherConfig) { cfg.client = client }
}

func WithClientOptions(opts ...option.ClientOption) Option {
	return func(cfg *fetcherConfig) { cfg.clientOpts = append(cfg.clientOpts, opts...) }
}

// WithVersionPins pins versions by canonical reference, optionally prefixed
// with "<env>:" to apply to a single environment.
func WithVersionPins(pins map[string]string) Option {
	return func(cfg *fetcherConfig) { cfg.pins = cloneMap(pins) }
}

func WithCacheTTL(ttl time.Duration) Option {
	return func(cfg *fetcherConfig) {
		if ttl > 0 {
			cfg.cacheTTL = ttl
		}
	}
}

func WithClock(clock func() time.Time) Option {
	return func(cfg *fetcherConfig) {
		if clock != nil {
			cfg.clock = clock
		}
	}
}

// NewFetcher never fails for missing credentials: it logs and serves from the
// local file instead.
func NewFetcher(ctx context.Context, opts ...Option) (*Fetcher, error) {
	cfg := fetcherConfig{
		logger:    zap.NewNop(),
		env:       strings.ToLower(strings.TrimSpace(os.Getenv(environmentKey))),
		localPath: defaultLocalFile,
		cacheTTL:  defaultCacheTTL,
		clock:     time.Now,
	}
	for _, opt := range opts {
		if opt != nil {
			opt(&cfg)
		}
	}
	if cfg.logger == nil {
		cfg.logger = zap.NewNop()
	}
	if cfg.env == "" {
		cfg.env = defaultEnvironment
	}
	if cfg.meter == nil {
		cfg.meter = otel.GetMeterProvider().Meter(meterName)
	}

	f := &Fetcher{
		client:         cfg.client,
		logger:         cfg.logger,
		env:            cfg.env,
		defaultProject: cfg.defaultProject,
		projects:       cloneMap(cfg.projects),
		pins:           cloneMap(cfg.pins),
		local:          &localFile{path: cfg.localPath},
		cache:          newValueCache(cfg.cacheTTL, cfg.clock),
		metrics:        newFetchMetrics(cfg.meter, cfg.logger),
	}
	if f.client == nil {
		client, err := secretManagerClientFactory(ctx, cfg.clientOpts...)
		if err != nil {
			cfg.logger.Warn("secret manager unavailable, serving local secrets only", zap.Error(err))
		} else {
			f.client = client
			f.ownsClient = true
		}
	}
	return f, nil
}

func (f *Fetcher) Close() error {
	f.cache.reset()
	if f.ownsClient && f.client != nil {
		return f.client.Close()
	}
	return nil
}

// Resolve returns the value behind raw. Its signature matches config.SecretResolverFunc.
func (f *Fetcher) Resolve(ctx context.Context, raw string) (string, error) {
	start := time.Now()
	ref, err := parseReference(raw)
	if err != nil {
		return "", err
	}
	version := f.version(ref)
	key := ref.key(version)

	if value, ok := f.cache.get(key); ok {
		f.metrics.observe(ctx, start, sourceCache, ref)
		return value, nil
	}
	value, source, err := f.load(ctx, ref, version)
	if err != nil {
		f.metrics.observe(ctx, start, sourceError, ref)
		return "", err
	}
	f.cache.put(key, value)
	f.metrics.observe(ctx, start, source, ref)
	return value, nil
}

func (f *Fetcher) load(ctx context.Context, ref reference, version string) (string, string, error) {
	if project := f.project(ref); project != "" && f.client != nil {
		value, err, _ := f.group.Do(ref.key(version), func() (any, error) {
			return f.access(ctx, project, ref.secret, version)
		})
		switch {
		case err == nil:
			return value.(string), sourceRemote, nil
		case status.Code(err) == codes.NotFound:
			return "", "", fmt.Errorf("%w: %s (%v)", ErrNotFound, ref.canonical, err)
		case !unreachable(err):
			return "", "", fmt.Errorf("secrets: fetch %s: %w", ref.canonical, err)
		}
		f.logger.Debug("secret manager unreachable, trying local file",
			zap.String("secret", ref.masked()), zap.Error(err))
	}

	value, ok, err := f.local.lookup(ref, version)
	if err != nil {
		return "", "", err
	}
	if !ok {
		return "", "", fmt.Errorf("%w: %s", ErrNotFound, ref.canonical)
	}
	return value, sourceLocal, nil
}

func (f *Fetcher) access(ctx context.Context, project, secret, version string) (string, error) {
	name := fmt.Sprintf("projects/%s/secrets/%s/versions/%s", project, secret, version)
	resp, err := f.client.AccessSecretVersion(ctx, &secretmanagerpb.AccessSecretVersionRequest{Name: name})
	if err != nil {
		return "", err
	}
	if resp.GetPayload() == nil {
		return "", fmt.Errorf("secrets: empty payload for %s", name)
	}
	return strings.TrimSpace(string(resp.GetPayload().GetData())), nil
}

// project prefers an explicit ?project=, then the environment map, then the default.
func (f *Fetcher) project(ref reference) string {
	if ref.project != "" {
		return ref.project
	}
	if id := strings.TrimSpace(f.projects[f.env]); id != "" {
		return id
	}
	return f.defaultProject
}

// version prefers an explicit ?version=, then an environment pin, then a global pin.
func (f *Fetcher) version(ref reference) string {
	if ref.version != "" {
		return ref.version
	}
	for _, key := range []string{f.env + ":" + ref.canonical, ref.canonical} {
		if pin := strings.TrimSpace(f.pins[key]); pin != "" {
			return pin
		}
	}
	return latestVersion
}

// unreachable lists the Secret Manager failures that justify the local file.
func unreachable(err error) bool {
	switch status.Code(err) {
	case codes.PermissionDenied, codes.Unauthenticated, codes.Unavailable, codes.DeadlineExceeded:
		return true
	}
	return false
}

type valueCache struct {
	ttl   time.Duration
	clock func() time.Time

	mu      sync.Mutex
	entries map[string]cachedValue
}

type cachedValue struct {
	value   string
	expires time.Time
}

func newValueCache(ttl time.Duration, clock func() time.Time) *valueCache {
	return &valueCache{ttl: ttl, clock: clock, entries: make(map[string]cachedValue)}
}

func (c *valueCache) get(key string) (string, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	entry, ok := c.entries[key]
	if !ok {
		return "", false
	}
	if !c.clock().Before(entry.expires) {
		delete(c.entries, key)
		return "", false
	}
	return entry.value, true
}

func (c *valueCache) put(key, value string) {
	c.mu.Lock()
	c.entries[key] = cachedValue{value: value, expires: c.clock().Add(c.ttl)}
	c.mu.Unlock()
}

func (c *valueCache) reset() {
	c.mu.Lock()
	c.entries = make(map[string]cachedValue)
	c.mu.Unlock()
}

// fetchMetrics tolerates instruments that failed to register.
type fetchMetrics struct {
	latency  metric.Float64Histogram
	resolved metric.Int64Counter
}

func newFetchMetrics(meter metric.Meter, logger *zap.Logger) fetchMetrics {
	var m fetchMetrics
	latency, err := meter.Float64Histogram("checkout.secrets.resolve.latency",
		metric.WithUnit("ms"),
		metric.WithDescription("Secret resolution latency by source"))
	if err != nil {
		logger.Warn("secrets latency metric unavailable", zap.Error(err))
	} else {
		m.latency = latency
	}
	resolved, err := meter.Int64Counter("checkout.secrets.resolve.count",
		metric.WithDescription("Secret resolutions by source"))
	if err != nil {
		logger.Warn("secrets count metric unavailable", zap.Error(err))
	} else {
		m.resolved = resolved
	}
	return m
}

func (m fetchMetrics) observe(ctx context.Context, start time.Time, source string, ref reference) {
	attrs := metric.WithAttributes(
		attribute.String("source", source),
		attribute.String("secret", ref.masked()),
	)
	if m.latency != nil {
		m.latency.Record(ctx, float64(time.Since(start))/float64(time.Millisecond), attrs)
	}
	if m.resolved != nil {
		m.resolved.Add(ctx, 1, attrs)
	}
}

func cloneMap(src map[string]string) map[string]string {
	dst := make(map[string]string, len(src))
	for k, v := range src {
		dst[k] = v
	}
	return dst
}
