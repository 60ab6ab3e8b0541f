package main

import (
	"context"
	"log"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/caarlos0/env/v11"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"golang.org/x/sync/errgroup"

	"psync/internal/psync"
	"psync/internal/psync/client"
	"psync/internal/psync/fetch"
	"psync/internal/psync/metrics"
	"psync/internal/psync/policystore"
)

type Config struct {
	ServerURL        string        `env:"SERVER_URL" envDefault:"ws://localhost:7002/v1/ws"`
	ClientToken      string        `env:"CLIENT_TOKEN,required"`
	Topics           []string      `env:"TOPICS" envSeparator:"," envDefault:"policy,data"`
	APIAddr          string        `env:"API_ADDR" envDefault:":7766"`
	FetchAttempts    int           `env:"FETCH_ATTEMPTS" envDefault:"3"`
	FetchConcurrency int           `env:"FETCH_CONCURRENCY" envDefault:"8"`
	LogLevel         string        `env:"LOG_LEVEL" envDefault:"info"`
	MetricsPort      int           `env:"METRICS_PORT" envDefault:"9091"`
	MetricsTimeout   time.Duration `env:"METRICS_TIMEOUT" envDefault:"30s"`
}

func main() {
	var cfg Config
	if err := env.Parse(&cfg); err != nil {
		log.Fatalf("failed to parse environment variables: %v", err)
	}

	config := zap.NewProductionConfig()

	var zapLevel zapcore.Level
	if err := zapLevel.UnmarshalText([]byte(cfg.LogLevel)); err != nil {
		log.Printf("invalid log level %q, defaulting to info: %v", cfg.LogLevel, err)
		zapLevel = zapcore.InfoLevel
	}
	config.Level = zap.NewAtomicLevelAt(zapLevel)
	logger, err := config.Build(zap.AddCaller())
	if err != nil {
		log.Fatalf("failed to initialize logger: %v", err)
	}
	defer logger.Sync()

	metricsRegistry := metrics.NewRegistry()
	metricsRegistry.SetSystemInfo("client", time.Now().Format(time.RFC3339))

	store := policystore.NewMemoryStore()
	updater, err := policystore.NewUpdater(store, logger, metricsRegistry)
	if err != nil {
		log.Fatalf("failed to create store updater: %v", err)
	}

	providers := fetch.NewRegistry()
	for name, provider := range map[string]fetch.Provider{
		"http":      fetch.NewHTTPProvider(),
		"postgres":  fetch.NewPostgresProvider(),
		"couchbase": fetch.NewCouchbaseProvider(),
	} {
		if err := providers.Register(name, provider); err != nil {
			log.Fatalf("failed to register %s fetch provider: %v", name, err)
		}
	}

	engine, err := fetch.NewEngine(providers, updater, logger, metricsRegistry, cfg.FetchAttempts, cfg.FetchConcurrency)
	if err != nil {
		log.Fatalf("failed to create fetch engine: %v", err)
	}

	c, err := client.NewClient(
		client.Config{
			ServerURL: cfg.ServerURL,
			Token:     cfg.ClientToken,
			Topics:    cfg.Topics,
		},
		engine,
		updater,
		store,
		logger,
		metricsRegistry,
	)
	if err != nil {
		log.Fatalf("failed to create client: %v", err)
	}

	api := client.NewAPI(cfg.APIAddr, c, logger)

	metricsServer := metrics.NewServer(
		metrics.ServerConfig{
			Port:    cfg.MetricsPort,
			Timeout: cfg.MetricsTimeout,
		},
		metricsRegistry,
		logger,
		func() bool { return c.State() == psync.SessionActive },
	)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	sig := make(chan os.Signal, 1)
	signal.Notify(sig, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		select {
		case <-sig:
			cancel()
		case <-ctx.Done():
		}
	}()

	logger.Info("starting policy sync client",
		zap.String("server", cfg.ServerURL),
		zap.Strings("topics", cfg.Topics),
	)

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error { return c.Run(gctx) })
	g.Go(func() error { return api.Start(gctx) })
	g.Go(func() error { return metricsServer.Start(gctx) })

	if err := g.Wait(); err != nil && err != context.Canceled {
		logger.Error("client exited with error", zap.Error(err))
	}
}
