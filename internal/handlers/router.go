package handlers

import (
	"net/http"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"

	"github.com/hanko-field/checkout/internal/platform/httpx"
)

const (
	defaultAPIPrefix      = "/api/v1"
	defaultRequestTimeout = 60 * time.Second
)

// RouteRegistrar adds routes to a mounted group.
type RouteRegistrar func(r chi.Router)

type routerConfig struct {
	basePath    string
	timeout     time.Duration
	middlewares []func(http.Handler) http.Handler
	health      *HealthHandlers

	checkouts           RouteRegistrar
	checkoutMiddlewares []func(http.Handler) http.Handler
}

type Option func(*routerConfig)

// NewRouter serves /healthz and /readyz at the root and the checkout API
// under the base path. Every error, routing misses included, uses the
// httpx envelope.
func NewRouter(opts ...Option) chi.Router {
	cfg := routerConfig{
		basePath: defaultAPIPrefix,
		timeout:  defaultRequestTimeout,
	}
	for _, opt := range opts {
		opt(&cfg)
	}
	if cfg.health == nil {
		cfg.health = NewHealthHandlers()
	}

	r := chi.NewRouter()
	r.Use(middleware.RequestID, middleware.RealIP, middleware.CleanPath, middleware.Timeout(cfg.timeout))
	for _, mw := range cfg.middlewares {
		if mw != nil {
			r.Use(mw)
		}
	}
	r.NotFound(func(w http.ResponseWriter, req *http.Request) {
		httpx.WriteError(req.Context(), w, httpx.NewError("route_not_found", "no route for "+req.URL.Path, http.StatusNotFound))
	})
	r.MethodNotAllowed(func(w http.ResponseWriter, req *http.Request) {
		httpx.WriteError(req.Context(), w, httpx.NewError("method_not_allowed", req.Method+" not allowed on "+req.URL.Path, http.StatusMethodNotAllowed))
	})

	r.Get("/healthz", cfg.health.Healthz)
	r.Get("/readyz", cfg.health.Readyz)

	r.Route(cfg.basePath+"/checkouts", func(group chi.Router) {
		for _, mw := range cfg.checkoutMiddlewares {
			if mw != nil {
				group.Use(mw)
			}
		}
		if cfg.checkouts == nil {
			unavailable(group)
			return
		}
		cfg.checkouts(group)
	})
	return r
}

// WithMiddlewares appends global middleware after request id, real ip,
// path cleaning and the request timeout.
func WithMiddlewares(mw ...func(http.Handler) http.Handler) Option {
	return func(cfg *routerConfig) {
		cfg.middlewares = append(cfg.middlewares, mw...)
	}
}

func WithHealthHandlers(h *HealthHandlers) Option {
	return func(cfg *routerConfig) {
		cfg.health = h
	}
}

// WithBasePath mounts the checkout API somewhere other than /api/v1.
func WithBasePath(path string) Option {
	return func(cfg *routerConfig) {
		path = "/" + strings.Trim(strings.TrimSpace(path), "/")
		if path == "/" {
			path = ""
		}
		cfg.basePath = path
	}
}

// WithRequestTimeout bounds each request; submit waits on the storefront
// and the payment provider, so keep this above their combined timeouts.
func WithRequestTimeout(d time.Duration) Option {
	return func(cfg *routerConfig) {
		if d > 0 {
			cfg.timeout = d
		}
	}
}

func WithCheckoutRoutes(reg RouteRegistrar) Option {
	return func(cfg *routerConfig) {
		cfg.checkouts = reg
	}
}

// WithCheckoutMiddlewares wraps only the /checkouts group, e.g. idempotent replay.
func WithCheckoutMiddlewares(mw ...func(http.Handler) http.Handler) Option {
	return func(cfg *routerConfig) {
		cfg.checkoutMiddlewares = append(cfg.checkoutMiddlewares, mw...)
	}
}

// unavailable answers every checkout route with 501 when no engine is wired.
func unavailable(r chi.Router) {
	handler := func(w http.ResponseWriter, req *http.Request) {
		httpx.WriteError(req.Context(), w, httpx.NewError("not_implemented", "checkout routes are not configured", http.StatusNotImplemented))
	}
	r.HandleFunc("/", handler)
	r.HandleFunc("/*", handler)
}
