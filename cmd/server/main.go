package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"premium-market/internal/api"
	"premium-market/internal/cache"
	"premium-market/internal/config"
	grpcServer "premium-market/internal/grpc"
	"premium-market/internal/proxy"
	"premium-market/internal/pubsub"
	"premium-market/internal/realtime"
	"premium-market/internal/repository"
	"premium-market/internal/services/aggregator"
	"premium-market/internal/services/exchange"
	"premium-market/internal/services/feeds"
	"premium-market/internal/services/predict"
	"premium-market/internal/services/symbols"
	"premium-market/internal/store"

	"github.com/go-redis/redis/v8"
	"github.com/shopspring/decimal"
	"github.com/sirupsen/logrus"
)

var version = "1.0.0"

func main() {
	logger := logrus.New()
	logger.SetFormatter(&logrus.JSONFormatter{})
	logger.SetLevel(logrus.InfoLevel)

	logger.Info("Starting Premium Market Service...")

	cfg, err := config.Load()
	if err != nil {
		logger.Fatal("Failed to load config: ", err)
	}
	if err := cfg.Validate(); err != nil {
		logger.Fatal("Invalid config: ", err)
	}
	if level, err := logrus.ParseLevel(cfg.Logging.Level); err == nil {
		logger.SetLevel(level)
	}
	if cfg.Logging.Format == "text" {
		logger.SetFormatter(&logrus.TextFormatter{FullTimestamp: true})
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	// ClickHouse backs the market symbol registry
	logger.Info("Connecting to ClickHouse...")
	clickhouseConn, err := repository.OpenClickHouse(ctx, &cfg.ClickHouse, "")
	if err != nil {
		logger.Fatal("Failed to connect to ClickHouse: ", err)
	}
	defer clickhouseConn.Close()
	logger.Info("ClickHouse connected successfully")

	logger.Info("Connecting to PostgreSQL...")
	pool, err := store.OpenPool(ctx, &cfg.Postgres)
	if err != nil {
		logger.Fatal("Failed to connect to PostgreSQL: ", err)
	}
	defer pool.Close()
	logger.Info("PostgreSQL connected successfully")

	logger.Info("Connecting to Redis...")
	redisClient := redis.NewClient(&redis.Options{
		Addr:     cfg.Redis.Addr(),
		Password: cfg.Redis.Password,
		DB:       cfg.Redis.DB,
	})
	if err := redisClient.Ping(ctx).Err(); err != nil {
		logger.Fatal("Failed to connect to Redis: ", err)
	}
	defer redisClient.Close()
	logger.Info("Redis connected successfully")

	// Caches
	redisCache := cache.NewRedisCache(redisClient, logger)
	tickerCache := cache.NewTickerCache(redisCache, logger)
	marketCache := cache.NewMarketCache(redisCache, logger)

	// Fan-out: Redis channels for other services, WebSocket hub for browsers
	hub := realtime.NewHub(logger)
	sink := pubsub.MultiSink{
		pubsub.NewPublisher(redisClient, cfg.Redis.ChannelPrefix, logger),
		hub,
	}

	// Exchange adapters and the symbol registry they discover into
	httpClient := &http.Client{Timeout: 10 * time.Second}
	adapters := exchange.NewAdapters(&cfg.Exchange, httpClient)

	discoverers := make([]symbols.Discoverer, 0, len(adapters))
	for _, a := range adapters {
		discoverers = append(discoverers, a)
	}
	registry := symbols.NewRegistry(
		repository.NewClickHouseSymbolRepository(clickhouseConn, logger),
		discoverers,
		symbols.LoadSeedWithFallback(cfg.Registry.SeedFile),
		cfg.Registry.RefreshInterval,
		logger,
	)

	proxySvc := proxy.NewProxyService(cfg.Exchange.ProxyURLs, cfg.Exchange.ProxyListURL, logger)
	proxySvc.Start(ctx)

	limiters := exchange.DefaultRateLimiterManager()
	clients := make([]*exchange.Client, 0, len(adapters))
	for _, a := range adapters {
		limiter, err := limiters.GetLimiter(a.Exchange())
		if err != nil {
			logger.Fatal("Missing rate limiter: ", err)
		}
		clients = append(clients, exchange.NewClient(a, registry, tickerCache, limiter, proxySvc, exchange.ClientConfig{
			ReconnectBase: cfg.Exchange.ReconnectBase,
			ReconnectMax:  cfg.Exchange.ReconnectMax,
			MaxAttempts:   exchange.MaxAttemptsFor(&cfg.Exchange, a.Exchange()),
			MaxSymbols:    cfg.Exchange.MaxSymbols,
		}, logger))
	}

	// Prediction engine settles on every aggregation tick
	engine := predict.NewEngine(redisCache, store.NewPostgresStore(pool), sink, predict.Config{
		LockTTL:            cfg.Predict.LockTTL,
		Grace:              cfg.Predict.Grace,
		OrphanScanInterval: cfg.Predict.OrphanScanInterval,
		Leverages:          cfg.Predict.Leverages,
		Durations:          cfg.Predict.Durations,
		CheckInBonus:       decimal.NewFromInt(int64(cfg.Predict.CheckInBonus)),
	}, logger)

	premiumAgg := aggregator.NewPremiumAggregator(tickerCache, marketCache, engine, sink,
		cfg.Exchange.EnabledExchanges(), aggregator.Config{
			Interval:   cfg.Aggregator.Interval,
			StaleAfter: cfg.Aggregator.StaleAfter,
		}, logger)

	rateFeeder := feeds.NewRateFeeder(cfg.Feeds.ExchangeRateURL, cfg.Feeds.ExchangeRateInterval, httpClient, marketCache, sink, logger)
	globalFeeder := feeds.NewGlobalMetricsFeeder(cfg.Feeds.GlobalMetricsURL, cfg.Feeds.GlobalMetricsEvery, httpClient, marketCache, logger)

	// Health considers aggregation stalled after three missed ticks
	healthMaxAge := 3 * cfg.Aggregator.Interval

	statsClients := make([]api.ClientStats, 0, len(clients))
	healthClients := make([]grpcServer.ExchangeClient, 0, len(clients))
	for _, c := range clients {
		statsClients = append(statsClients, c)
		healthClients = append(healthClients, c)
	}

	apiServer := api.NewServer(api.Deps{
		Predictor:    engine,
		Markets:      marketCache,
		Aggregator:   premiumAgg,
		Clients:      statsClients,
		Proxies:      proxySvc,
		Realtime:     hub,
		HealthMaxAge: healthMaxAge,
	}, logger)
	httpSrv := &http.Server{
		Addr:              fmt.Sprintf(":%d", cfg.Server.HTTPPort),
		Handler:           apiServer.Router(),
		ReadHeaderTimeout: 10 * time.Second,
	}
	grpcSrv := grpcServer.NewServer(cfg.Server.GRPCPort, premiumAgg, healthClients, healthMaxAge, logger)

	// Start everything
	serverErr := make(chan error, 2)
	go func() {
		logger.Infof("HTTP server starting on %s", httpSrv.Addr)
		if err := httpSrv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			serverErr <- fmt.Errorf("http: %w", err)
		}
	}()
	go func() {
		if err := grpcSrv.Start(); err != nil {
			serverErr <- fmt.Errorf("grpc: %w", err)
		}
	}()
	go grpcSrv.Watch(ctx, cfg.Aggregator.Interval)

	if failures := registry.RefreshAll(ctx); len(failures) > 0 {
		logger.Warnf("Initial symbol discovery failed for %d exchanges, clients fall back to the stored registry", len(failures))
	}
	go registry.StartAutoRefresh(ctx)

	for _, c := range clients {
		c.Start(ctx)
	}
	go premiumAgg.Start(ctx)
	go engine.Start(ctx)
	go rateFeeder.Start(ctx)
	go globalFeeder.Start(ctx)

	logger.Infof("🚀 Premium Market Service v%s started (%d exchanges)", version, len(clients))

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, os.Interrupt, syscall.SIGTERM)

	select {
	case <-sigChan:
		logger.Info("Received shutdown signal")
	case err := <-serverErr:
		logger.WithError(err).Error("Server error")
	}

	logger.Info("Shutting down gracefully...")
	cancel()

	for _, c := range clients {
		c.Stop()
	}
	grpcSrv.Stop()

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer shutdownCancel()
	if err := httpSrv.Shutdown(shutdownCtx); err != nil {
		logger.WithError(err).Warn("HTTP shutdown incomplete")
	}

	logger.Info("Shutdown complete")
}
