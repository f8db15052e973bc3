package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"time"

	"github.com/dmitrymomot/saasbilling/pkg/config"
	"github.com/dmitrymomot/saasbilling/pkg/httpserver"
	"github.com/dmitrymomot/saasbilling/pkg/mongo"
	"github.com/dmitrymomot/saasbilling/pkg/pg"
	"github.com/dmitrymomot/saasbilling/pkg/redis"
	"github.com/dmitrymomot/saasbilling/pkg/subscription"
	billingstore "github.com/dmitrymomot/saasbilling/svc/subscription"
)

const (
	backendMemory   = "memory"
	backendMongo    = "mongo"
	backendPostgres = "postgres"
	backendRedis    = "redis"
	backendNone     = "none"

	providerStripe = "stripe"
	providerPaddle = "paddle"
)

var errUnknownBackend = errors.New("unknown backend")

func loadCatalog(path string) (*subscription.Catalog, error) {
	if path == "" {
		return subscription.DefaultCatalog(), nil
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read catalog: %w", err)
	}
	return subscription.ParseCatalog(data)
}

// newGateway returns the provider gateway and the header its webhooks sign with.
func newGateway(provider string) (subscription.ProviderGateway, string, error) {
	switch provider {
	case providerStripe:
		var cfg subscription.StripeConfig
		if err := config.Load(&cfg); err != nil {
			return nil, "", err
		}
		gw, err := subscription.NewStripeGateway(cfg)
		return gw, "Stripe-Signature", err
	case providerPaddle:
		var cfg subscription.PaddleConfig
		if err := config.Load(&cfg); err != nil {
			return nil, "", err
		}
		gw, err := subscription.NewPaddleGateway(cfg)
		return gw, "Paddle-Signature", err
	default:
		return nil, "", fmt.Errorf("%w: provider %q", errUnknownBackend, provider)
	}
}

type storeBackend struct {
	store  subscription.SubscriptionStore
	users  subscription.UserDirectory
	checks []httpserver.Check
	close  func()
}

func openStore(ctx context.Context, kind string, log *slog.Logger) (*storeBackend, error) {
	switch kind {
	case backendMemory:
		log.WarnContext(ctx, "using in-memory subscription store, data is lost on restart")
		users := subscription.NewMemoryUsers()
		return &storeBackend{
			store: subscription.NewMemoryStore(subscription.WithMemoryStoreUsers(users)),
			users: users,
			close: func() {},
		}, nil

	case backendMongo:
		var cfg mongo.Config
		if err := config.Load(&cfg); err != nil {
			return nil, err
		}
		client, err := mongo.Connect(ctx, cfg)
		if err != nil {
			return nil, err
		}
		db := client.Database(cfg.Database)
		users := billingstore.NewMongoUsers(db)
		store := billingstore.NewMongoStore(db, billingstore.WithMongoUsers(users))
		if err := store.EnsureIndexes(ctx); err != nil {
			_ = client.Disconnect(context.WithoutCancel(ctx))
			return nil, err
		}
		return &storeBackend{
			store:  store,
			users:  users,
			checks: []httpserver.Check{mongo.Healthcheck(client)},
			close: func() {
				ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
				defer cancel()
				_ = client.Disconnect(ctx)
			},
		}, nil

	case backendPostgres:
		var cfg pg.Config
		if err := config.Load(&cfg); err != nil {
			return nil, err
		}
		pool, err := pg.Connect(ctx, cfg)
		if err != nil {
			return nil, err
		}
		if err := billingstore.MigratePostgres(ctx, pool, cfg, log); err != nil {
			pool.Close()
			return nil, err
		}
		return &storeBackend{
			store:  billingstore.NewPostgresStore(pool),
			users:  billingstore.NewPostgresUsers(pool),
			checks: []httpserver.Check{pg.Healthcheck(pool)},
			close:  pool.Close,
		}, nil

	default:
		return nil, fmt.Errorf("%w: store %q", errUnknownBackend, kind)
	}
}

type ledgerBackend struct {
	ledger subscription.EventLedger
	checks []httpserver.Check
	close  func()
}

func openLedger(ctx context.Context, kind string, ttl time.Duration) (*ledgerBackend, error) {
	switch kind {
	case backendNone:
		return &ledgerBackend{close: func() {}}, nil
	case backendMemory:
		return &ledgerBackend{ledger: subscription.NewMemoryLedger(ttl), close: func() {}}, nil
	case backendRedis:
		var cfg redis.Config
		if err := config.Load(&cfg); err != nil {
			return nil, err
		}
		client, err := redis.Connect(ctx, cfg)
		if err != nil {
			return nil, err
		}
		return &ledgerBackend{
			ledger: billingstore.NewRedisLedger(client, ttl),
			checks: []httpserver.Check{redis.Healthcheck(client)},
			close:  func() { _ = client.Close() },
		}, nil
	default:
		return nil, fmt.Errorf("%w: ledger %q", errUnknownBackend, kind)
	}
}
