package main

import (
	"context"
	"errors"
	"fmt"
	"net/url"
	"os"
	"path/filepath"
	"strings"

	"github.com/MarkoPoloResearchLab/satledger/internal/accounts"
	"github.com/MarkoPoloResearchLab/satledger/internal/adminwallet"
	"github.com/MarkoPoloResearchLab/satledger/internal/config"
	"github.com/MarkoPoloResearchLab/satledger/internal/lightning/lndclient"
	"github.com/MarkoPoloResearchLab/satledger/internal/observability"
	"github.com/MarkoPoloResearchLab/satledger/internal/opsapi"
	"github.com/MarkoPoloResearchLab/satledger/internal/payments"
	"github.com/MarkoPoloResearchLab/satledger/internal/ratelimit"
	"github.com/MarkoPoloResearchLab/satledger/internal/rewards"
	"github.com/MarkoPoloResearchLab/satledger/internal/store/gormstore"
	"github.com/MarkoPoloResearchLab/satledger/internal/store/memstore"
	"github.com/MarkoPoloResearchLab/satledger/pkg/ledger"
	"github.com/glebarez/sqlite"
	"github.com/go-redis/redis/v8"
	"github.com/lightningnetwork/lnd/clock"
	"go.uber.org/zap"
	"gorm.io/driver/postgres"
	"gorm.io/gorm"
)

const (
	driverPostgres = "postgres"
	driverSQLite   = "sqlite"
	driverMemory   = "memory"
)

// runtime holds the wired payment core for one command invocation.
type runtime struct {
	logger       *zap.Logger
	metrics      *observability.Metrics
	ledger       *ledger.Service
	limiter      *ratelimit.Limiter
	orchestrator *payments.Orchestrator
	rewards      *rewards.Registry
	adminWallet  *adminwallet.AdminWallet
	opsServer    *opsapi.Server
	cleanups     []func() error
}

func buildRuntime(ctx context.Context, cfg *config.Config, withRuntimeMetrics bool) (*runtime, error) {
	logger, err := zap.NewProduction()
	if err != nil {
		return nil, fmt.Errorf("logger init: %w", err)
	}
	app := &runtime{logger: logger, metrics: observability.NewMetrics(withRuntimeMetrics)}
	app.cleanups = append(app.cleanups, func() error { _ = logger.Sync(); return nil })
	if err := app.wire(ctx, cfg); err != nil {
		_ = app.Close()
		return nil, err
	}
	return app, nil
}

func (app *runtime) wire(ctx context.Context, cfg *config.Config) error {
	store, cleanup, err := openStore(ctx, cfg.DatabaseURL)
	if err != nil {
		return fmt.Errorf("database open: %w", err)
	}
	app.cleanups = append(app.cleanups, cleanup)

	system, err := cfg.SystemAccounts()
	if err != nil {
		return err
	}
	currency, err := ledger.NewCurrency(cfg.Currency)
	if err != nil {
		return err
	}
	wallClock := clock.NewDefaultClock()
	app.ledger, err = ledger.NewService(store, wallClock,
		ledger.WithOperationLogger(observability.NewZapOperationLogger(app.logger, app.metrics)))
	if err != nil {
		return fmt.Errorf("ledger service init: %w", err)
	}
	if err := app.ledger.EnsureSystemAccounts(ctx, system, currency); err != nil {
		return fmt.Errorf("system accounts: %w", err)
	}

	counters, err := app.openCounters(cfg, wallClock)
	if err != nil {
		return err
	}
	app.limiter, err = ratelimit.NewLimiter(counters, cfg.RateLimitPolicies(),
		ratelimit.WithRejectionHook(app.metrics.ObserveRateLimitRejection))
	if err != nil {
		return err
	}

	catalog, err := rewards.NewCatalog(cfg.RewardCatalog)
	if err != nil {
		return err
	}
	app.rewards, err = rewards.NewRegistry(app.ledger, system.RewardSource, catalog,
		rewards.WithLogger(app.logger),
		rewards.WithGrantHook(app.metrics.ObserveRewardGrant))
	if err != nil {
		return err
	}

	settler, err := payments.NewSettler(app.ledger, store, system,
		payments.WithSettlerLogger(app.logger),
		payments.WithResolveHook(app.metrics.ObserveResolution))
	if err != nil {
		return err
	}
	resolver, err := accounts.NewResolver(store)
	if err != nil {
		return err
	}
	dependencies := payments.Dependencies{
		Ledger:   app.ledger,
		Resolver: resolver,
		Limiter:  app.limiter,
		Settler:  settler,
	}

	var reconciler opsapi.Reconciler
	if cfg.LightningEnabled() {
		lnd, err := lndclient.Dial(cfg.LND,
			lndclient.WithLogger(app.logger),
			lndclient.WithPaymentTimeout(cfg.DispatchTimeout))
		if err != nil {
			return fmt.Errorf("lnd dial: %w", err)
		}
		app.cleanups = append(app.cleanups, lnd.Close)
		decoder, err := lndclient.NewInvoiceDecoder(cfg.LND.Network, wallClock)
		if err != nil {
			return err
		}
		dependencies.Network = lnd
		dependencies.Decoder = decoder

		app.adminWallet, err = adminwallet.New(adminwallet.Dependencies{
			Ledger:   app.ledger,
			Pending:  store,
			Resolver: settler,
			Network:  lnd,
			Clock:    wallClock,
		}, adminwallet.Settings{
			System:                system,
			DriftAlertThreshold:   cfg.DriftAlertSats,
			ConsecutiveDriftAlert: cfg.ConsecutiveDriftAlert,
			Concurrency:           cfg.ReconcileConcurrency,
			MinPendingAge:         cfg.MinPendingAge,
		}, adminwallet.WithLogger(app.logger), adminwallet.WithEscrowHook(app.metrics.ObserveEscrow))
		if err != nil {
			return err
		}
		reconciler = app.adminWallet
	}

	app.orchestrator, err = payments.NewOrchestrator(dependencies, payments.Settings{
		System:          system,
		Fees:            cfg.Fees,
		DispatchTimeout: cfg.DispatchTimeout,
	}, payments.WithLogger(app.logger), payments.WithOutcomeHook(app.metrics.ObservePayment))
	if err != nil {
		return err
	}

	app.opsServer, err = opsapi.NewServer(opsapi.Dependencies{
		Ledger:     app.ledger,
		Reconciler: reconciler,
		RateLimits: app.limiter,
		Metrics:    app.metrics.Handler(),
		Observer:   app.metrics,
	}, opsapi.WithLogger(app.logger), opsapi.WithAllowedOrigins(cfg.AllowedOrigins))
	return err
}

func (app *runtime) openCounters(cfg *config.Config, counterClock clock.Clock) (ratelimit.Counters, error) {
	if strings.TrimSpace(cfg.RedisAddr) == "" {
		return ratelimit.NewMemoryCounters(counterClock), nil
	}
	client := redis.NewClient(&redis.Options{
		Addr:     cfg.RedisAddr,
		Password: cfg.RedisPassword,
		DB:       cfg.RedisDB,
	})
	app.cleanups = append(app.cleanups, client.Close)
	return ratelimit.NewRedisCounters(client), nil
}

// Close releases resources in reverse order of acquisition.
func (app *runtime) Close() error {
	var closeErr error
	for index := len(app.cleanups) - 1; index >= 0; index-- {
		closeErr = errors.Join(closeErr, app.cleanups[index]())
	}
	app.cleanups = nil
	return closeErr
}

func openStore(ctx context.Context, dsn string) (ledger.Store, func() error, error) {
	driver, sqlitePath, err := resolveDriver(dsn)
	if err != nil {
		return nil, nil, err
	}
	if driver == driverMemory {
		return memstore.New(), func() error { return nil }, nil
	}

	var db *gorm.DB
	gormConfig := &gorm.Config{}
	switch driver {
	case driverPostgres:
		db, err = gorm.Open(postgres.Open(dsn), gormConfig)
	case driverSQLite:
		db, err = gorm.Open(sqlite.Open(sqlitePath), gormConfig)
	default:
		return nil, nil, fmt.Errorf("unsupported database scheme %q", driver)
	}
	if err != nil {
		return nil, nil, err
	}
	sqlDB, err := db.DB()
	if err != nil {
		return nil, nil, err
	}
	cleanup := func() error { return sqlDB.Close() }
	if err := db.WithContext(ctx).AutoMigrate(gormstore.Models()...); err != nil {
		_ = cleanup()
		return nil, nil, fmt.Errorf("auto migrate: %w", err)
	}
	return gormstore.New(db), cleanup, nil
}

func resolveDriver(dsn string) (string, string, error) {
	switch {
	case strings.HasPrefix(dsn, "postgres://") || strings.HasPrefix(dsn, "postgresql://"):
		return driverPostgres, "", nil
	case strings.HasPrefix(dsn, "memory://"):
		return driverMemory, "", nil
	case strings.HasPrefix(dsn, "sqlite://"):
		parsed, err := url.Parse(dsn)
		if err != nil {
			return "", "", fmt.Errorf("parse sqlite url: %w", err)
		}
		path := parsed.Path
		if path == "" {
			path = parsed.Host
		}
		if path == "" || path == "/" {
			path = "satledger.db"
		}
		sqlitePath, err := normalizeSQLitePath(path)
		return driverSQLite, sqlitePath, err
	}
	// Anything else is a plain sqlite file path.
	sqlitePath, err := normalizeSQLitePath(dsn)
	return driverSQLite, sqlitePath, err
}

func normalizeSQLitePath(path string) (string, error) {
	if path == ":memory:" {
		return path, nil
	}
	if strings.HasPrefix(path, "/") {
		if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
			return "", err
		}
		return path, nil
	}
	relative := filepath.Join(".", path)
	if err := os.MkdirAll(filepath.Dir(relative), 0o755); err != nil {
		return "", err
	}
	return relative, nil
}
