package cli

import (
	"context"
	"fmt"
	"net/http"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"github.com/kkkkikiki/activation/internal/cache"
	"github.com/kkkkikiki/activation/internal/clock"
	"github.com/kkkkikiki/activation/internal/config"
	"github.com/kkkkikiki/activation/internal/database"
	"github.com/kkkkikiki/activation/internal/decision"
	"github.com/kkkkikiki/activation/internal/event"
	"github.com/kkkkikiki/activation/internal/logging"
	"github.com/kkkkikiki/activation/internal/metrics"
	"github.com/kkkkikiki/activation/internal/reconciler"
	"github.com/kkkkikiki/activation/internal/seed"
	"github.com/kkkkikiki/activation/internal/service"
	"github.com/kkkkikiki/activation/internal/token"
)

const cacheKeyPrefix = "activation:"

// app holds the wired dependencies shared by the commands
type app struct {
	cfg    *config.Config
	logger *zap.Logger
	db     *database.DB
	cache  cache.Cache
	bus    *event.Bus
	deps   service.Deps

	closers []func() error
}

func newApp(ctx context.Context, opts *RootOptions) (*app, error) {
	cfg, err := config.Load(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to load config: %w", err)
	}
	if opts.LogLevel != "" {
		cfg.App.LogLevel = opts.LogLevel
	}

	logger, err := logging.New(cfg.App)
	if err != nil {
		return nil, err
	}

	a := &app{cfg: cfg, logger: logger}
	a.closers = append(a.closers, func() error {
		_ = logger.Sync()
		return nil
	})

	// Initialize database connections
	if a.db, err = database.NewDB(ctx, cfg, logger); err != nil {
		a.Close()
		return nil, fmt.Errorf("failed to connect to database: %w", err)
	}
	a.closers = append(a.closers, a.db.Close)

	return a, nil
}

// wireServices connects the cache, signer, event bus and decision port
func (a *app) wireServices(ctx context.Context, overridesFile string) error {
	c, err := a.newCache(ctx)
	if err != nil {
		return err
	}
	a.cache = c

	a.bus = event.NewBus(a.logger)
	a.bus.SubscribeAll(func(e event.Event) { metrics.RecordEvent(e.Name()) })
	a.bus.SubscribeAll(event.LogHandler(a.logger))

	decisions, err := a.newDecisionPort(overridesFile)
	if err != nil {
		return err
	}

	clk := clock.System{}
	a.deps = service.Deps{
		DB:        a.db.SQL,
		Cache:     c,
		Signer:    token.NewSigner(a.cfg.Activation.SigningSecret, c, clk, a.cfg.Activation.MaxTokenTTL, a.logger),
		Decisions: decisions,
		Bus:       a.bus,
		Clock:     clk,
		Random:    clock.Crypto{},
		Logger:    a.logger,
	}
	return nil
}

func (a *app) newCache(ctx context.Context) (cache.Cache, error) {
	switch a.cfg.Cache.Driver {
	case "memory":
		a.logger.Warn("using in-process cache; locks and rate limits are not shared across replicas")
		return cache.NewMemory(a.cfg.Cache.MemorySize, clock.System{}, token.RevokedPrefix)
	default:
		client := redis.NewClient(&redis.Options{
			Addr:     a.cfg.Cache.Addr,
			Password: a.cfg.Cache.Password,
			DB:       a.cfg.Cache.DB,
		})
		if err := client.Ping(ctx).Err(); err != nil {
			client.Close()
			return nil, fmt.Errorf("failed to connect to redis: %w", err)
		}
		a.closers = append(a.closers, client.Close)
		a.logger.Info("connected to redis", zap.String("addr", a.cfg.Cache.Addr))
		return cache.NewRedis(client, cacheKeyPrefix, clock.System{}), nil
	}
}

func (a *app) newDecisionPort(overridesFile string) (decision.Port, error) {
	switch {
	case overridesFile != "":
		f, err := seed.Load(overridesFile)
		if err != nil {
			return nil, err
		}
		a.logger.Info("using static decision overrides", zap.String("file", overridesFile))
		return f.Overrides(), nil
	case a.cfg.Activation.DecisionURL != "":
		a.logger.Info("using remote decision service", zap.String("url", a.cfg.Activation.DecisionURL))
		return decision.NewClient(http.DefaultClient, a.cfg.Activation.DecisionURL), nil
	default:
		return decision.Nop{}, nil
	}
}

func (a *app) newReconciler() *reconciler.Reconciler {
	return reconciler.New(a.db.SQL, a.deps.Signer, a.bus, a.deps.Clock, a.cfg.Reconciler.BatchSize, a.logger)
}

// Close releases resources in reverse order of acquisition
func (a *app) Close() {
	for i := len(a.closers) - 1; i >= 0; i-- {
		if err := a.closers[i](); err != nil {
			a.logger.Warn("error during shutdown", zap.Error(err))
		}
	}
	if a.bus != nil {
		a.bus.Wait()
	}
}
