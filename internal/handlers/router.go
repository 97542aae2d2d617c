package handlers

import (
	"fmt"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"

	"github.com/freshnest/api/internal/platform/httpx"
)

const (
	apiPrefix      = "/api/v1"
	requestTimeout = 60 * time.Second
)

// RouteRegistrar registers a set of routes against the provided router.
type RouteRegistrar func(r chi.Router)

type routerConfig struct {
	basePath    string
	middlewares []func(http.Handler) http.Handler
	health      *HealthHandlers

	quotes       RouteRegistrar
	bookings     RouteRegistrar
	paymentSetup RouteRegistrar
	customers    RouteRegistrar

	bookingMiddlewares []func(http.Handler) http.Handler
}

// Option customises the router configuration before construction.
type Option func(*routerConfig)

// WithMiddlewares appends additional global middleware to the router.
func WithMiddlewares(mw ...func(http.Handler) http.Handler) Option {
	return func(cfg *routerConfig) {
		cfg.middlewares = append(cfg.middlewares, mw...)
	}
}

// WithHealthHandlers overrides the handlers behind /healthz and /readyz.
func WithHealthHandlers(h *HealthHandlers) Option {
	return func(cfg *routerConfig) { cfg.health = h }
}

// WithQuoteRoutes sets the registrar for quote endpoints.
func WithQuoteRoutes(reg RouteRegistrar) Option {
	return func(cfg *routerConfig) { cfg.quotes = reg }
}

// WithBookingRoutes sets the registrar for booking endpoints.
func WithBookingRoutes(reg RouteRegistrar) Option {
	return func(cfg *routerConfig) { cfg.bookings = reg }
}

// WithBookingMiddlewares adds middleware applied only to the /bookings group,
// such as the idempotency guard.
func WithBookingMiddlewares(mw ...func(http.Handler) http.Handler) Option {
	return func(cfg *routerConfig) {
		cfg.bookingMiddlewares = append(cfg.bookingMiddlewares, mw...)
	}
}

// WithPaymentSetupRoutes sets the registrar for card collection endpoints.
func WithPaymentSetupRoutes(reg RouteRegistrar) Option {
	return func(cfg *routerConfig) { cfg.paymentSetup = reg }
}

// WithCustomerRoutes sets the registrar for customer endpoints.
func WithCustomerRoutes(reg RouteRegistrar) Option {
	return func(cfg *routerConfig) { cfg.customers = reg }
}

// NewRouter builds the chi router: health probes at the root, every API
// group under the versioned prefix, and JSON errors for unmatched routes.
func NewRouter(opts ...Option) chi.Router {
	cfg := routerConfig{
		basePath: apiPrefix,
		middlewares: []func(http.Handler) http.Handler{
			middleware.RequestID,
			middleware.RealIP,
			middleware.Timeout(requestTimeout),
		},
	}
	for _, opt := range opts {
		opt(&cfg)
	}
	if cfg.health == nil {
		cfg.health = NewHealthHandlers()
	}

	r := chi.NewRouter()
	for _, mw := range cfg.middlewares {
		if mw != nil {
			r.Use(mw)
		}
	}

	r.NotFound(func(w http.ResponseWriter, req *http.Request) {
		httpx.WriteError(req.Context(), w, httpx.NewError("route_not_found", fmt.Sprintf("no route for %s", req.URL.Path), http.StatusNotFound))
	})
	r.MethodNotAllowed(func(w http.ResponseWriter, req *http.Request) {
		httpx.WriteError(req.Context(), w, httpx.NewError("method_not_allowed", fmt.Sprintf("method %s not allowed on %s", req.Method, req.URL.Path), http.StatusMethodNotAllowed))
	})

	r.Get("/healthz", cfg.health.Healthz)
	r.Get("/readyz", cfg.health.Readyz)

	groups := []struct {
		path      string
		name      string
		registrar RouteRegistrar
		mw        []func(http.Handler) http.Handler
	}{
		{path: "/quotes", name: "quotes", registrar: cfg.quotes},
		{path: "/bookings", name: "bookings", registrar: cfg.bookings, mw: cfg.bookingMiddlewares},
		{path: "/payment-setup", name: "paymentSetup", registrar: cfg.paymentSetup},
		{path: "/customers", name: "customers", registrar: cfg.customers},
	}

	r.Route(cfg.basePath, func(api chi.Router) {
		for _, g := range groups {
			g := g
			api.Route(g.path, func(group chi.Router) {
				for _, mw := range g.mw {
					if mw != nil {
						group.Use(mw)
					}
				}
				if g.registrar != nil {
					g.registrar(group)
					return
				}
				stub := notImplementedHandler(g.name)
				group.HandleFunc("/*", stub)
				group.HandleFunc("/", stub)
				group.NotFound(stub)
				group.MethodNotAllowed(stub)
			})
		}
	})

	return r
}

func notImplementedHandler(name string) http.HandlerFunc {
	return func(w http.ResponseWriter, req *http.Request) {
		httpx.WriteError(req.Context(), w, httpx.NewError("not_implemented", fmt.Sprintf("%s routes not implemented", name), http.StatusNotImplemented))
	}
}
