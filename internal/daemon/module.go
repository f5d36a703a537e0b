// Package daemon composes the engine with fx: providers for every
// component, lifecycle hooks for startup and shutdown order.
package daemon

import (
	"context"

	"go.uber.org/fx"
	"go.uber.org/zap"

	"github.com/lfarias/mailkeep/internal/bus"
	"github.com/lfarias/mailkeep/internal/cache"
	"github.com/lfarias/mailkeep/internal/config"
	"github.com/lfarias/mailkeep/internal/gate"
	"github.com/lfarias/mailkeep/internal/health"
	"github.com/lfarias/mailkeep/internal/lock"
	"github.com/lfarias/mailkeep/internal/logging"
	"github.com/lfarias/mailkeep/internal/page"
	"github.com/lfarias/mailkeep/internal/paths"
	"github.com/lfarias/mailkeep/internal/provider"
	"github.com/lfarias/mailkeep/internal/provider/imap"
	"github.com/lfarias/mailkeep/internal/store"
	intsync "github.com/lfarias/mailkeep/internal/sync"
	"github.com/lfarias/mailkeep/internal/token"
	"github.com/lfarias/mailkeep/internal/upload"
)

// Params holds the resolved daemon configuration passed to the fx module.
type Params struct {
	DataDir string
}

// Module returns the fx module for the daemon, composing all providers and
// lifecycle hooks.
func Module(p Params) fx.Option {
	return fx.Module("daemon",
		fx.Supply(p),
		fx.Provide(
			provideLogger,
			provideBus,
			provideLock,
			provideStore,
			provideConfig,
			provideTracker,
			provideMonitor,
			provideEvictor,
			provideTokens,
			provideRegistry,
			provideChain,
			provideController,
			provideProducers,
			provideTicker,
			provideProcessor,
			provideActions,
			provideBridge,
		),
		fx.Invoke(registerLifecycle),
	)
}

func provideLogger(p Params) (*zap.Logger, error) {
	if err := paths.EnsureDirs(p.DataDir); err != nil {
		return nil, err
	}
	return logging.New(paths.LogPath(p.DataDir), p.DataDir)
}

func provideBus() *bus.Bus {
	return bus.New()
}

func provideLock(p Params, logger *zap.Logger) (*lock.Lock, error) {
	logger.Info("acquiring data dir lock")
	l, err := lock.Acquire(p.DataDir)
	if err != nil {
		return nil, err
	}
	logger.Info("data dir lock acquired")
	return l, nil
}

func provideStore(p Params, logger *zap.Logger, _ *lock.Lock) (*store.DB, error) {
	dbPath := paths.DBPath(p.DataDir)
	db, err := store.Open(dbPath)
	if err != nil {
		return nil, err
	}
	result, err := db.Migrate()
	if err != nil {
		_ = db.Close()
		return nil, err
	}
	if result.Changed {
		logger.Info("migrations applied", zap.Uint("version", result.Version))
	} else {
		logger.Info("migrations up to date", zap.Uint("version", result.Version))
	}
	logger.Info("store initialized", zap.String("path", dbPath))
	return db, nil
}

func provideConfig(p Params, logger *zap.Logger) (*config.Config, error) {
	cfg, err := config.Load(paths.ConfigPath(p.DataDir))
	if err != nil {
		return nil, err
	}
	logger.Info("config loaded",
		zap.Int("accounts", len(cfg.Accounts)),
		zap.Int64("cache_ceiling_bytes", cfg.CacheCeilingBytes))
	return cfg, nil
}

func provideTracker(cfg *config.Config, b *bus.Bus) *health.Tracker {
	return health.NewTracker(cfg.FailureWindow(), b)
}

func provideMonitor(db *store.DB, cfg *config.Config) *cache.Monitor {
	return cache.NewMonitor(db, cfg.CacheCeilingBytes)
}

func provideEvictor(db *store.DB, monitor *cache.Monitor, cfg *config.Config, b *bus.Bus, logger *zap.Logger) *cache.Evictor {
	return cache.NewEvictor(cache.EvictorParams{
		DB:       db,
		Monitor:  monitor,
		Bus:      b,
		Logger:   logger,
		Interval: cfg.EvictionInterval(),
		Age:      cfg.Retention(),
		Recency:  cfg.Recency(),
	})
}

func provideTokens(p Params) token.Provider {
	return token.NewKeyringProvider(p.DataDir)
}

func provideRegistry(cfg *config.Config, logger *zap.Logger) *provider.Registry {
	endpoints := make(map[string]imap.Endpoints, len(cfg.Accounts))
	for _, acc := range cfg.Accounts {
		endpoints[acc.ID] = imap.Endpoints{IMAPAddr: acc.IMAPAddr, SMTPAddr: acc.SMTPAddr}
	}

	registry := provider.NewRegistry()
	registry.Register(store.ProviderIMAP, imap.New(endpoints, logger))
	return registry
}

func provideChain(tracker *health.Tracker, monitor *cache.Monitor, db *store.DB, logger *zap.Logger) *gate.Chain {
	return gate.NewChain(logger,
		&gate.Connectivity{Tracker: tracker},
		&gate.Pressure{Monitor: monitor},
		&gate.AccountValidity{DB: db},
	)
}

func provideController(db *store.DB, registry *provider.Registry, tokens token.Provider, chain *gate.Chain, tracker *health.Tracker, cfg *config.Config, b *bus.Bus, logger *zap.Logger) *intsync.Controller {
	return intsync.NewController(intsync.ControllerParams{
		DB:            db,
		Registry:      registry,
		Tokens:        tokens,
		Chain:         chain,
		Tracker:       tracker,
		Holder:        &intsync.LogHolder{Logger: logger},
		Bus:           b,
		Logger:        logger,
		Workers:       cfg.Workers,
		JobDeadline:   cfg.JobDeadline(),
		DegradedDelay: cfg.DegradedDelay(),
	})
}

func provideProducers(db *store.DB, cfg *config.Config, b *bus.Bus, logger *zap.Logger) *intsync.Producers {
	return intsync.NewProducers(db, cfg, b, logger)
}

func provideTicker(db *store.DB, cfg *config.Config, producers *intsync.Producers, controller *intsync.Controller, logger *zap.Logger) *intsync.Ticker {
	return intsync.NewTicker(db, cfg, producers, controller, logger)
}

func provideProcessor(db *store.DB, registry *provider.Registry, tokens token.Provider, tracker *health.Tracker, b *bus.Bus, logger *zap.Logger, cfg *config.Config) *upload.Processor {
	return upload.NewProcessor(upload.ProcessorParams{
		DB:       db,
		Registry: registry,
		Tokens:   tokens,
		Tracker:  tracker,
		Bus:      b,
		Logger:   logger,
		Config:   cfg,
	})
}

func provideActions(db *store.DB, b *bus.Bus, logger *zap.Logger) *upload.Actions {
	return upload.NewActions(db, b, logger)
}

func provideBridge(db *store.DB, cfg *config.Config, producers *intsync.Producers, controller *intsync.Controller, b *bus.Bus, logger *zap.Logger) *page.Bridge {
	return page.NewBridge(db, cfg, producers, controller, b, logger)
}

func registerLifecycle(lc fx.Lifecycle, p Params, db *store.DB, cfg *config.Config, controller *intsync.Controller, ticker *intsync.Ticker, processor *upload.Processor, evictor *cache.Evictor, tokens token.Provider, lk *lock.Lock, b *bus.Bus, logger *zap.Logger, _ *page.Bridge, _ *upload.Actions) {
	lc.Append(fx.Hook{
		OnStart: func(_ context.Context) error {
			if err := reconcileAccounts(db, cfg, controller, tokens, b, logger); err != nil {
				return err
			}

			controller.Start()
			ticker.Start()
			processor.Start()
			evictor.Start()

			logger.Info("daemon started", zap.String("data_dir", p.DataDir))
			return nil
		},
		OnStop: func(_ context.Context) error {
			ticker.Stop()
			processor.Stop()
			evictor.Stop()
			controller.Stop()
			if err := db.Close(); err != nil {
				logger.Warn("error closing store", zap.Error(err))
			}
			if err := lk.Release(); err != nil {
				logger.Warn("error releasing lock", zap.Error(err))
			}
			logger.Info("daemon stopped")
			return nil
		},
	})
}
