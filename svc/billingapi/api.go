package billingapi

import (
	"log/slog"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/dmitrymomot/saasbilling/handler"
	"github.com/dmitrymomot/saasbilling/pkg/clientip"
	"github.com/dmitrymomot/saasbilling/pkg/httpserver"
	"github.com/dmitrymomot/saasbilling/pkg/logger"
	"github.com/dmitrymomot/saasbilling/pkg/requestid"
	"github.com/dmitrymomot/saasbilling/pkg/subscription"
)

// Config holds HTTP surface settings loadable from the environment.
type Config struct {
	// SignatureHeader names the header carrying the provider signature,
	// "Stripe-Signature" or "Paddle-Signature".
	SignatureHeader string `env:"BILLING_WEBHOOK_SIGNATURE_HEADER" envDefault:"Stripe-Signature"`
	MaxWebhookBytes int64  `env:"BILLING_WEBHOOK_MAX_BYTES" envDefault:"1048576"`
	MaxCommandBytes int64  `env:"BILLING_COMMAND_MAX_BYTES" envDefault:"16384"`
	// ClientIPHeaders lists proxy headers trusted for the caller address.
	// Empty means only the connection address is used.
	ClientIPHeaders []string `env:"BILLING_CLIENT_IP_HEADERS" envSeparator:","`
}

// DefaultConfig returns the settings used when none are supplied.
func DefaultConfig() Config {
	return Config{
		SignatureHeader: "Stripe-Signature",
		MaxWebhookBytes: 1 << 20,
		MaxCommandBytes: 16 << 10,
	}
}

// API exposes the engine over HTTP: the provider webhook endpoint, the
// subscription commands and queries, metrics and health probes.
// Authentication and ownership checks belong to the gateway in front of it.
type API struct {
	engine   *subscription.Engine
	cfg      Config
	log      *slog.Logger
	checks   []httpserver.Check
	gatherer prometheus.Gatherer
	rejected *prometheus.CounterVec
}

// Option configures an API.
type Option func(*API)

// WithConfig replaces the settings. Zero values fall back to defaults.
func WithConfig(cfg Config) Option {
	return func(a *API) {
		def := DefaultConfig()
		if cfg.SignatureHeader == "" {
			cfg.SignatureHeader = def.SignatureHeader
		}
		if cfg.MaxWebhookBytes <= 0 {
			cfg.MaxWebhookBytes = def.MaxWebhookBytes
		}
		if cfg.MaxCommandBytes <= 0 {
			cfg.MaxCommandBytes = def.MaxCommandBytes
		}
		a.cfg = cfg
	}
}

func WithLogger(l *slog.Logger) Option {
	return func(a *API) {
		if l != nil {
			a.log = l
		}
	}
}

// WithHealthChecks sets the dependency probes served on /health.
func WithHealthChecks(checks ...httpserver.Check) Option {
	return func(a *API) {
		a.checks = append(a.checks, checks...)
	}
}

// WithGatherer serves g on /metrics.
func WithGatherer(g prometheus.Gatherer) Option {
	return func(a *API) {
		a.gatherer = g
	}
}

// WithRegisterer registers the HTTP layer's own counters on reg.
func WithRegisterer(reg prometheus.Registerer) Option {
	return func(a *API) {
		if reg != nil {
			reg.MustRegister(a.rejected)
		}
	}
}

// New returns an API for engine. Panics if engine is nil.
func New(engine *subscription.Engine, opts ...Option) *API {
	if engine == nil {
		panic("billingapi: engine is required")
	}
	a := &API{
		engine:   engine,
		cfg:      DefaultConfig(),
		log:      slog.New(slog.DiscardHandler),
		rejected: newRejectedCounter(),
	}
	for _, opt := range opts {
		opt(a)
	}
	a.log = a.log.With(logger.Component("billing_api"))
	return a
}

// Router builds the chi router.
func (a *API) Router() http.Handler {
	r := chi.NewRouter()
	r.Use(requestid.Middleware)
	r.Use(clientip.Middleware(a.cfg.ClientIPHeaders...))
	r.Use(a.logRequests)
	r.Use(middleware.Recoverer)

	r.Get("/health/live", httpserver.HealthCheckHandler(a.log))
	r.Get("/health", httpserver.HealthCheckHandler(a.log, a.checks...))
	if a.gatherer != nil {
		r.Handle("/metrics", promhttp.HandlerFor(a.gatherer, promhttp.HandlerOpts{}))
	}

	r.Post("/webhooks/billing", handler.Wrap(a.handleWebhook, a.log))

	r.Get("/tiers", handler.Wrap(a.listTiers, a.log))
	r.Post("/checkout", handler.Wrap(a.checkout, a.log))
	r.Post("/portal", handler.Wrap(a.portal, a.log))
	r.Get("/subscriptions/{id}", handler.Wrap(a.getSubscription, a.log))
	r.Post("/subscriptions/{id}/cancel", handler.Wrap(a.cancel, a.log))
	r.Post("/subscriptions/{id}/tier", handler.Wrap(a.changeTier, a.log))
	r.Get("/users/{userId}/subscription", handler.Wrap(a.userSubscription, a.log))

	r.NotFound(handler.Wrap(func(*http.Request) handler.Response {
		return handler.JSONError(handler.ErrNotFound)
	}, a.log))
	return r
}

func newRejectedCounter() *prometheus.CounterVec {
	return prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "billing",
		Name:      "webhook_rejected_total",
		Help:      "Webhook deliveries rejected before signature verification.",
	}, []string{"reason"})
}

func (a *API) logRequests(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
		started := time.Now()
		next.ServeHTTP(ww, r)

		level := slog.LevelInfo
		switch {
		case ww.Status() >= http.StatusInternalServerError:
			level = slog.LevelError
		case ww.Status() >= http.StatusBadRequest:
			level = slog.LevelWarn
		}
		a.log.Log(r.Context(), level, "http request",
			slog.String("method", r.Method),
			slog.String("path", r.URL.Path),
			slog.Int("status", ww.Status()),
			slog.Int("bytes", ww.BytesWritten()),
			logger.Duration(time.Since(started)),
		)
	})
}
