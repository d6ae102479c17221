// Command server runs the forecast consensus service: the HTTP harness, the
// scheduled resolver sweep and the nightly calibration.
package main

import (
	"context"
	"errors"
	"net/http"
	"os/signal"
	"sort"
	"syscall"
	"time"

	"github.com/joho/godotenv"
	"github.com/redis/go-redis/v9"
	"github.com/shopspring/decimal"

	"trade-consensus/agents"
	"trade-consensus/calibration"
	"trade-consensus/config"
	"trade-consensus/consensus"
	"trade-consensus/events"
	"trade-consensus/factors"
	"trade-consensus/internal/api"
	"trade-consensus/internal/app"
	"trade-consensus/observability"
	"trade-consensus/repository"
	"trade-consensus/resolver"
	"trade-consensus/services"
)

func main() {
	if err := godotenv.Load(); err != nil {
		observability.Info("no .env file found, using environment variables")
	}

	cfg, err := config.Load()
	if err != nil {
		observability.Fatal("invalid configuration", "error", err)
	}

	observability.InitLoggerWithLevel(cfg.Log.Production, observability.ParseLevel(cfg.Log.Level))
	observability.InitMetrics()

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	store := openStore(ctx, cfg)

	var rdb *redis.Client
	if cfg.HasRedis() {
		opts, err := redis.ParseURL(cfg.Redis.URL)
		if err != nil {
			observability.Fatal("invalid REDIS_URL", "error", err)
		}
		rdb = redis.NewClient(opts)
		defer rdb.Close()
		if err := rdb.Ping(ctx).Err(); err != nil {
			observability.Warn("redis unreachable at startup", "error", err)
		}
	} else {
		observability.Warn("REDIS_URL not set, using in-process lock and no price cache")
	}

	prices := priceLookup(cfg, rdb)

	var publisher events.Publisher = events.NoopPublisher{}
	if cfg.HasKafka() {
		publisher = events.NewKafkaPublisher(cfg.Kafka.Brokers, cfg.Kafka.ResolutionTopic)
		observability.Info("publishing resolution events", "brokers", cfg.Kafka.Brokers, "topic", cfg.Kafka.ResolutionTopic)
	}
	defer publisher.Close()

	var locker resolver.Locker = resolver.NewLocalLocker()
	if rdb != nil {
		locker = resolver.NewRedisLocker(rdb)
	}

	engine := calibration.NewEngine(store, cfg.Calibration, calibration.ColdStart)
	tracker := factors.NewTracker(store)
	builder := consensus.NewBuilder(store, engine, cfg.Consensus)
	res := resolver.New(resolver.Deps{
		Store:       store,
		Prices:      prices,
		Factors:     tracker,
		Calibration: engine,
		Locker:      locker,
		Events:      publisher,
	}, cfg.Resolver)

	collector := agents.NewCollector(store, prices, builder, cfg.Collector)
	names := make([]string, 0, len(cfg.Collector.Providers))
	for name := range cfg.Collector.Providers {
		names = append(names, name)
	}
	sort.Strings(names)
	for _, name := range names {
		collector.Register(agents.NewRemoteProvider(name, cfg.Collector.Providers[name]))
	}
	if len(names) == 0 {
		observability.Warn("PROVIDER_ENDPOINTS not set, forecast collection disabled")
	}

	application := app.New(cfg, app.Deps{
		Repo:        store,
		Resolver:    res,
		Consensus:   builder,
		Calibration: engine,
		Factors:     tracker,
		Collector:   collector,
	})
	defer application.Shutdown()

	var scheduler *resolver.Scheduler
	if cfg.Scheduler.Enabled {
		scheduler, err = resolver.NewScheduler(cfg.Scheduler, res, engine)
		if err != nil {
			observability.Fatal("invalid scheduler configuration", "error", err)
		}
		scheduler.Start()
	}

	server := &http.Server{
		Addr:              cfg.HTTP.Addr,
		Handler:           api.NewRouter(api.NewHandler(application, cfg), cfg),
		ReadHeaderTimeout: 10 * time.Second,
	}

	go func() {
		observability.Info("http server listening", "addr", cfg.HTTP.Addr)
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			observability.Error("http server failed", "error", err)
			stop()
		}
	}()

	<-ctx.Done()
	observability.Info("shutting down")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	if err := server.Shutdown(shutdownCtx); err != nil {
		observability.Warn("http server shutdown incomplete", "error", err)
	}
	if scheduler != nil {
		select {
		case <-scheduler.Stop().Done():
		case <-shutdownCtx.Done():
			observability.Warn("scheduled jobs still running at shutdown")
		}
	}
	observability.Info("stopped")
}

// openStore connects to PostgreSQL when configured, falling back to the
// in-memory store so the harness can run without a database
func openStore(ctx context.Context, cfg *config.Config) repository.Store {
	if !cfg.HasDatabase() {
		observability.Warn("DATABASE_URL not set, using in-memory store; data is lost on restart")
		return repository.NewMemoryRepository()
	}

	if cfg.Database.MigrateOnStart {
		if err := repository.Migrate(cfg.Database.URL); err != nil {
			observability.Fatal("failed to migrate database", "error", err)
		}
	}

	repo, err := repository.NewRepository(ctx, cfg.Database.URL)
	if err != nil {
		observability.Fatal("failed to connect to database", "error", err)
	}
	observability.Info("connected to database")
	return repo
}

// priceLookup builds the market price chain: Alpaca behind an optional
// redis cache
func priceLookup(cfg *config.Config, rdb *redis.Client) services.PriceLookup {
	var source services.PriceLookup
	if cfg.HasAlpaca() {
		source = services.NewAlpacaPriceService(cfg.Alpaca.APIKey, cfg.Alpaca.APISecret, cfg.Alpaca.DataURL)
	} else {
		observability.Warn("Alpaca credentials not set, prices unavailable; picks will stay pending")
		source = services.PriceLookupFunc(func(context.Context, string) (decimal.Decimal, error) {
			return decimal.Zero, services.ErrNoPrice
		})
	}

	if rdb == nil {
		return source
	}
	return services.NewCachedPriceLookup(source, services.NewRedisPriceCache(rdb), cfg.Redis.PriceCacheTTL)
}
