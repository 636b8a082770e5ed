// Command checkout serves the checkout orchestration API.
package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/hanko-field/checkout/internal/di"
	"github.com/hanko-field/checkout/internal/handlers"
	"github.com/hanko-field/checkout/internal/platform/config"
	"github.com/hanko-field/checkout/internal/platform/idempotency"
	"github.com/hanko-field/checkout/internal/platform/observability"
	"github.com/hanko-field/checkout/internal/services"
)

const (
	rateLimitWindow = time.Minute
	drainTimeout    = 10 * time.Second
	closeTimeout    = 5 * time.Second
)

func main() {
	base, err := observability.NewLogger()
	if err != nil {
		fmt.Fprintf(os.Stderr, "checkout: logger: %v\n", err)
		os.Exit(1)
	}
	logger := base.Named("checkout")

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	err = run(observability.WithLogger(ctx, logger), base, time.Now().UTC())
	stop()
	if err != nil {
		logger.Error("checkout stopped", zap.Error(err))
	}
	_ = base.Sync()
	if err != nil {
		os.Exit(1)
	}
}

// run wires the service and blocks until ctx is cancelled or the listener fails.
func run(ctx context.Context, base *zap.Logger, startedAt time.Time) error {
	logger := base.Named("checkout")

	env, err := config.EnvironmentValues()
	if err != nil {
		return fmt.Errorf("read environment: %w", err)
	}
	fetcher, err := newSecretFetcher(ctx, logger, env)
	if err != nil {
		return fmt.Errorf("secret fetcher: %w", err)
	}
	defer closeQuietly(logger, "secret fetcher", fetcher.Close)

	cfg, err := config.Load(ctx,
		config.WithSecretResolver(config.SecretResolverFunc(fetcher.Resolve)),
		config.WithRequiredSecrets(requiredSecretNames(env)...),
	)
	var missing *config.MissingSecretsError
	if errors.As(err, &missing) {
		logger.Error("required secrets did not resolve", zap.Strings("secrets", missing.RedactedNames()))
	}
	if err != nil {
		return err
	}

	build := buildInfoFromEnv(env, cfg, startedAt)
	container, err := di.NewContainer(ctx, cfg,
		di.WithLogger(base),
		di.WithBuildInfo(build),
		di.WithSecretFetcher(fetcher),
	)
	if err != nil {
		return fmt.Errorf("dependencies: %w", err)
	}
	defer func() {
		closeCtx, cancel := context.WithTimeout(context.Background(), closeTimeout)
		defer cancel()
		closeQuietly(logger, "dependencies", func() error { return container.Close(closeCtx) })
	}()

	server := &http.Server{
		Addr:         ":" + cfg.Server.Port,
		Handler:      newRouter(cfg, container, logger, build, traceProjectID(cfg, env)),
		ReadTimeout:  cfg.Server.ReadTimeout,
		WriteTimeout: cfg.Server.WriteTimeout,
		IdleTimeout:  cfg.Server.IdleTimeout,
	}

	// Sessions outlive the HTTP group so a draining submit can still finish.
	sessionCtx, endSessions := context.WithCancel(context.WithoutCancel(ctx))
	sessionsDone := make(chan struct{})
	go func() {
		defer close(sessionsDone)
		container.Registry.Run(sessionCtx, cfg.Sessions.SweepInterval)
	}()
	defer func() {
		endSessions()
		<-sessionsDone
	}()

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		sweepIdempotency(gctx, logger.Named("idempotency"), container.Idempotency, cfg.Idempotency)
		return nil
	})
	g.Go(func() error {
		logger.Info("checkout api listening", zap.String("addr", server.Addr))
		if err := server.ListenAndServe(); !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("http server: %w", err)
		}
		return nil
	})
	g.Go(func() error {
		<-gctx.Done()
		logger.Info("draining requests")
		drainCtx, cancel := context.WithTimeout(context.WithoutCancel(gctx), drainTimeout)
		defer cancel()
		return server.Shutdown(drainCtx)
	})
	return g.Wait()
}

func newRouter(cfg config.Config, c *di.Container, logger *zap.Logger, build services.BuildInfo, projectID string) http.Handler {
	httpLogger := logger.Named("http")
	replay := idempotency.Middleware(c.Idempotency,
		idempotency.WithHeader(cfg.Idempotency.Header),
		idempotency.WithTTL(cfg.Idempotency.TTL),
		idempotency.WithMethods(http.MethodPost),
		idempotency.WithLogger(observability.NewPrintfAdapter(logger.Named("idempotency"))),
	)
	checkouts := handlers.NewCheckoutHandlers(c.Registry,
		handlers.WithCreateRateLimit(cfg.RateLimits.CreatePerMinute, rateLimitWindow),
		handlers.WithPromoRateLimit(cfg.RateLimits.PromoPerMinute, rateLimitWindow),
	)
	return handlers.NewRouter(
		handlers.WithMiddlewares(
			observability.InjectLoggerMiddleware(httpLogger),
			observability.TraceMiddleware(projectID),
			observability.RecoveryMiddleware(httpLogger),
			observability.RequestLoggerMiddleware(projectID),
		),
		handlers.WithRequestTimeout(cfg.Server.WriteTimeout),
		handlers.WithHealthHandlers(handlers.NewHealthHandlers(
			handlers.WithHealthBuildInfo(build),
			handlers.WithHealthSystemService(c.System),
		)),
		handlers.WithCheckoutRoutes(checkouts.Routes),
		handlers.WithCheckoutMiddlewares(replay),
	)
}

// sweepIdempotency purges expired replay records until ctx ends. A zero
// interval disables it.
func sweepIdempotency(ctx context.Context, logger *zap.Logger, store idempotency.Store, cfg config.IdempotencyConfig) {
	if cfg.CleanupInterval <= 0 || store == nil {
		return
	}
	ticker := time.NewTicker(cfg.CleanupInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case tick := <-ticker.C:
			passCtx, cancel := context.WithTimeout(ctx, time.Minute)
			removed, err := store.CleanupExpired(passCtx, tick.UTC(), cfg.CleanupBatchSize)
			cancel()
			switch {
			case err != nil:
				logger.Error("idempotency sweep failed", zap.Error(err))
			case removed > 0:
				logger.Info("idempotency sweep removed records", zap.Int("count", removed))
			}
		}
	}
}

func closeQuietly(logger *zap.Logger, what string, closeFn func() error) {
	if err := closeFn(); err != nil {
		logger.Warn("close failed", zap.String("component", what), zap.Error(err))
	}
}
