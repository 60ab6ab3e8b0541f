package main

import (
	"context"
	"encoding/json"
	"fmt"
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
	"psync/internal/psync/detector"
	"psync/internal/psync/metrics"
	"psync/internal/psync/replica"
	"psync/internal/psync/server"
	"psync/internal/psync/tracing"
	"psync/internal/psync/transport"
)

type Config struct {
	ServerAddr        string        `env:"SERVER_ADDR" envDefault:":7002"`
	TransportURI      string        `env:"TRANSPORT_URI" envDefault:"mem://"`
	Topics            []string      `env:"TOPICS" envSeparator:"," envDefault:"policy,data"`
	ClientToken       string        `env:"CLIENT_TOKEN,required"`
	MasterToken       string        `env:"MASTER_TOKEN,required"`
	TriggerPerMinute  int           `env:"TRIGGER_PER_MINUTE" envDefault:"30"`
	PolicySourceURL   string        `env:"POLICY_SOURCE_URL,required"`
	PolicySourceToken string        `env:"POLICY_SOURCE_TOKEN"`
	PolicyTopic       string        `env:"POLICY_TOPIC" envDefault:"policy"`
	PollInterval      time.Duration `env:"POLL_INTERVAL" envDefault:"30s"`
	WindowSize        int           `env:"WINDOW_SIZE" envDefault:"1024"`
	SessionQueueSize  int           `env:"SESSION_QUEUE_SIZE" envDefault:"256"`
	SessionIdle       time.Duration `env:"SESSION_IDLE_TIMEOUT" envDefault:"10m"`
	ManifestPath      string        `env:"MANIFEST_PATH"`
	LogLevel          string        `env:"LOG_LEVEL" envDefault:"info"`
	MetricsPort       int           `env:"METRICS_PORT" envDefault:"9090"`
	MetricsTimeout    time.Duration `env:"METRICS_TIMEOUT" envDefault:"30s"`
}

func main() {
	var cfg Config
	if err := env.Parse(&cfg); err != nil {
		log.Fatalf("failed to parse environment variables: %v", err)
	}
	var tracingConfig tracing.Config
	if err := env.Parse(&tracingConfig); err != nil {
		log.Fatalf("failed to parse tracing environment variables: %v", err)
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
	metricsRegistry.SetSystemInfo("server", time.Now().Format(time.RFC3339))

	tracer, tracingCleanup, err := tracing.NewTracer(tracingConfig)
	if err != nil {
		log.Fatalf("failed to initialize tracing: %v", err)
	}
	defer func() {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := tracingCleanup(shutdownCtx); err != nil {
			logger.Error("failed to cleanup tracing", zap.Error(err))
		}
	}()

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

	baseTransport, err := transport.New(ctx, cfg.TransportURI, logger)
	if err != nil {
		log.Fatalf("failed to create broadcast transport: %v", err)
	}
	metricsTransport := transport.NewMetricsTransport(baseTransport, metricsRegistry)
	bus := transport.NewTracedTransport(metricsTransport, tracer)
	defer bus.Close()

	rep, err := replica.NewReplica(
		replica.Config{
			Topics:           cfg.Topics,
			WindowSize:       cfg.WindowSize,
			SessionQueueSize: cfg.SessionQueueSize,
			IdleTimeout:      cfg.SessionIdle,
		},
		bus,
		logger,
		metricsRegistry,
	)
	if err != nil {
		log.Fatalf("failed to create replica: %v", err)
	}

	det, err := detector.NewDetector(
		detector.Config{
			Topic:      cfg.PolicyTopic,
			PayloadRef: cfg.PolicySourceURL,
			Interval:   cfg.PollInterval,
		},
		detector.NewHTTPSource(cfg.PolicySourceURL, cfg.PolicySourceToken),
		rep,
		logger,
		metricsRegistry,
	)
	if err != nil {
		log.Fatalf("failed to create change detector: %v", err)
	}

	manifest, err := loadManifest(cfg.ManifestPath)
	if err != nil {
		log.Fatalf("failed to load data source manifest: %v", err)
	}

	api, err := server.NewServer(
		server.Config{
			Addr:             cfg.ServerAddr,
			ClientToken:      cfg.ClientToken,
			MasterToken:      cfg.MasterToken,
			TriggerPerMinute: cfg.TriggerPerMinute,
		},
		rep,
		det,
		manifest,
		logger,
	)
	if err != nil {
		log.Fatalf("failed to create api server: %v", err)
	}

	metricsServer := metrics.NewServer(
		metrics.ServerConfig{
			Port:    cfg.MetricsPort,
			Timeout: cfg.MetricsTimeout,
		},
		metricsRegistry,
		logger,
		det.Ready,
	)

	logger.Info("starting policy sync server",
		zap.String("replica", rep.ID()),
		zap.Strings("topics", cfg.Topics),
		zap.String("transport", cfg.TransportURI),
		zap.String("metrics", fmt.Sprintf("http://localhost:%d/metrics", cfg.MetricsPort)),
	)

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error { return rep.Run(gctx) })
	g.Go(func() error { return det.Run(gctx) })
	g.Go(func() error { return api.Start(gctx) })
	g.Go(func() error { return metricsServer.Start(gctx) })

	if err := g.Wait(); err != nil && err != context.Canceled {
		logger.Error("server exited with error", zap.Error(err))
	}
}

func loadManifest(path string) (psync.Manifest, error) {
	if path == "" {
		return psync.Manifest{}, nil
	}

	raw, err := os.ReadFile(path)
	if err != nil {
		return psync.Manifest{}, fmt.Errorf("failed to read %s: %w", path, err)
	}

	var m psync.Manifest
	if err := json.Unmarshal(raw, &m); err != nil {
		return psync.Manifest{}, fmt.Errorf("failed to decode %s: %w", path, err)
	}

	return m, nil
}
