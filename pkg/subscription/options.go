package subscription

import (
	"log/slog"
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

// EngineConfig holds engine settings loadable from the environment.
type EngineConfig struct {
	ProviderTimeout time.Duration `env:"BILLING_PROVIDER_TIMEOUT" envDefault:"10s"`
	SuccessURL      string        `env:"BILLING_SUCCESS_URL" envDefault:"http://localhost:8080/billing/success"`
	CancelURL       string        `env:"BILLING_CANCEL_URL" envDefault:"http://localhost:8080/billing/cancel"`
	PortalReturnURL string        `env:"BILLING_PORTAL_RETURN_URL" envDefault:"http://localhost:8080/billing"`
}

// DefaultEngineConfig returns the settings used when no config is supplied.
func DefaultEngineConfig() EngineConfig {
	return EngineConfig{
		ProviderTimeout: 10 * time.Second,
		SuccessURL:      "http://localhost:8080/billing/success",
		CancelURL:       "http://localhost:8080/billing/cancel",
		PortalReturnURL: "http://localhost:8080/billing",
	}
}

// EngineOption configures an Engine.
type EngineOption func(*Engine)

// WithConfig replaces the engine settings. Zero values fall back to defaults.
func WithConfig(cfg EngineConfig) EngineOption {
	return func(e *Engine) {
		def := DefaultEngineConfig()
		if cfg.ProviderTimeout <= 0 {
			cfg.ProviderTimeout = def.ProviderTimeout
		}
		if cfg.SuccessURL == "" {
			cfg.SuccessURL = def.SuccessURL
		}
		if cfg.CancelURL == "" {
			cfg.CancelURL = def.CancelURL
		}
		if cfg.PortalReturnURL == "" {
			cfg.PortalReturnURL = def.PortalReturnURL
		}
		e.cfg = cfg
	}
}

// WithCatalog sets the tier catalog. Defaults to DefaultCatalog().
func WithCatalog(c *Catalog) EngineOption {
	return func(e *Engine) {
		if c != nil {
			e.catalog = c
		}
	}
}

// WithEventLedger enables short-circuiting of redelivered events.
func WithEventLedger(l EventLedger) EngineOption {
	return func(e *Engine) {
		e.ledger = l
	}
}

// WithLogger sets the logger. Defaults to a logger that discards output.
func WithLogger(l *slog.Logger) EngineOption {
	return func(e *Engine) {
		if l != nil {
			e.logger = l
		}
	}
}

// WithMetricsRegisterer registers engine metrics with reg instead of a private registry.
func WithMetricsRegisterer(reg prometheus.Registerer) EngineOption {
	return func(e *Engine) {
		if reg != nil {
			e.registerer = reg
		}
	}
}

// WithClock overrides the time source.
func WithClock(now func() time.Time) EngineOption {
	return func(e *Engine) {
		if now != nil {
			e.now = now
		}
	}
}

func discardLogger() *slog.Logger {
	return slog.New(slog.DiscardHandler)
}
