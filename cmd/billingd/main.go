// Command billingd runs the subscription billing service: the HTTP API that
// receives provider webhooks and user commands, and the expiry sweeper.
package main

import (
	"context"
	"errors"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"golang.org/x/sync/errgroup"

	"github.com/dmitrymomot/saasbilling/pkg/clientip"
	"github.com/dmitrymomot/saasbilling/pkg/config"
	"github.com/dmitrymomot/saasbilling/pkg/httpserver"
	"github.com/dmitrymomot/saasbilling/pkg/logger"
	"github.com/dmitrymomot/saasbilling/pkg/requestid"
	"github.com/dmitrymomot/saasbilling/pkg/subscription"
	"github.com/dmitrymomot/saasbilling/svc/billingapi"
)

type appConfig struct {
	Log     logger.Config
	HTTP    httpserver.Config
	API     billingapi.Config
	Engine  subscription.EngineConfig
	Sweeper subscription.SweeperConfig

	Provider    string        `env:"BILLING_PROVIDER" envDefault:"stripe"`
	Store       string        `env:"BILLING_STORE" envDefault:"postgres"`
	Ledger      string        `env:"BILLING_LEDGER" envDefault:"redis"`
	LedgerTTL   time.Duration `env:"BILLING_LEDGER_TTL" envDefault:"72h"`
	CatalogFile string        `env:"BILLING_CATALOG_FILE"`
}

func main() {
	if err := run(); err != nil {
		slog.Error("billingd failed", logger.Error(err))
		os.Exit(1)
	}
}

func run() error {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	var cfg appConfig
	if err := config.Load(&cfg); err != nil {
		return err
	}

	log, err := logger.FromConfig(cfg.Log, logger.WithContextExtractors(requestid.LoggerExtractor(), clientip.LoggerExtractor()))
	if err != nil {
		return err
	}
	logger.SetAsDefault(log)

	reg := prometheus.NewRegistry()
	reg.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)

	catalog, err := loadCatalog(cfg.CatalogFile)
	if err != nil {
		return err
	}

	gateway, signatureHeader, err := newGateway(cfg.Provider)
	if err != nil {
		return err
	}
	if cfg.API.SignatureHeader == "" || cfg.API.SignatureHeader == billingapi.DefaultConfig().SignatureHeader {
		cfg.API.SignatureHeader = signatureHeader
	}

	backend, err := openStore(ctx, cfg.Store, log)
	if err != nil {
		return err
	}
	defer backend.close()

	ledger, err := openLedger(ctx, cfg.Ledger, cfg.LedgerTTL)
	if err != nil {
		return err
	}
	defer ledger.close()

	engine := subscription.NewEngine(backend.store, gateway, backend.users,
		subscription.WithConfig(cfg.Engine),
		subscription.WithCatalog(catalog),
		subscription.WithEventLedger(ledger.ledger),
		subscription.WithLogger(log),
		subscription.WithMetricsRegisterer(reg),
	)

	api := billingapi.New(engine,
		billingapi.WithConfig(cfg.API),
		billingapi.WithLogger(log),
		billingapi.WithGatherer(reg),
		billingapi.WithRegisterer(reg),
		billingapi.WithHealthChecks(append(backend.checks, ledger.checks...)...),
	)
	srv := httpserver.New(cfg.HTTP, api.Router(), log)
	sweeper := subscription.NewSweeper(engine, cfg.Sweeper)

	log.InfoContext(ctx, "billingd starting",
		logger.Provider(cfg.Provider),
		slog.String("store", cfg.Store),
		slog.String("ledger", cfg.Ledger),
	)

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error { return srv.Run(gctx) })
	g.Go(func() error {
		if err := sweeper.Run(gctx); !errors.Is(err, context.Canceled) {
			return err
		}
		return nil
	})
	return g.Wait()
}
