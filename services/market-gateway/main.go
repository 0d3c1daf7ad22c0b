package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"

	"marketd/observability/logging"
	"marketd/observability/otel"
)

func main() {
	configPath := flag.String("config", "market-gateway.yaml", "path to the gateway configuration file")
	flag.Parse()

	cfg, err := LoadConfig(*configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "load config: %v\n", err)
		os.Exit(1)
	}

	logger := logging.SetupWithOptions("market-gateway", cfg.Environment, logging.Options{
		File:       cfg.Logging.File,
		MaxSizeMB:  cfg.Logging.MaxSizeMB,
		MaxBackups: cfg.Logging.MaxBackups,
		MaxAgeDays: cfg.Logging.MaxAgeDays,
		Compress:   cfg.Logging.Compress,
	})

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if cfg.Telemetry.Enabled {
		shutdownTelemetry, err := otel.Init(ctx, otel.Config{
			ServiceName: "market-gateway",
			Environment: cfg.Environment,
			Endpoint:    cfg.Telemetry.Endpoint,
			Insecure:    cfg.Telemetry.Insecure,
			Metrics:     true,
			Traces:      true,
			SampleRatio: cfg.Telemetry.SampleRatio,
		})
		if err != nil {
			logger.Error("initialise telemetry", "error", err)
			os.Exit(1)
		}
		defer func() {
			shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
			if err := shutdownTelemetry(shutdownCtx); err != nil {
				logger.Warn("telemetry shutdown", "error", err)
			}
		}()
	}

	store, err := NewSQLiteStore(cfg.DatabasePath)
	if err != nil {
		logger.Error("open store", "path", cfg.DatabasePath, "error", err)
		os.Exit(1)
	}
	defer store.Close()

	node := NewRPCNodeClient(cfg.Node.URL, cfg.Node.AuthToken)

	auth := NewAuthenticator(cfg.APIKeys, cfg.Auth.NonceTTL.Duration, cfg.Auth.TimestampSkew.Duration, cfg.Auth.NonceCapacity, time.Now)
	auth.SetPersistence(store)
	if err := auth.HydrateNonces(ctx); err != nil {
		logger.Warn("hydrate nonces", "error", err)
	}
	go auth.Run(ctx)

	verifier := newJWTVerifier([]byte(cfg.Admin.JWTSecret), cfg.Admin.Issuer, cfg.Admin.Audience)

	queue := NewWebhookQueue(
		WithWebhookTaskCapacity(cfg.Webhooks.QueueCapacity),
		WithWebhookHistoryCapacity(cfg.Webhooks.HistoryCapacity),
		WithWebhookTTL(cfg.Webhooks.TTL.Duration),
	)

	worker := NewWebhookWorker(store, queue)
	worker.SetDefaultRateLimit(cfg.Webhooks.RateLimitPerMinute)
	go worker.Run(ctx)

	watcher := NewEventWatcher(node, store, queue)
	watcher.SetPollInterval(cfg.Watcher.PollInterval.Duration)
	watcher.SetBatchSize(cfg.Watcher.BatchSize)
	go watcher.Run(ctx)

	var reporter *SettlementReporter
	if cfg.Recon.Enabled {
		tz, err := time.LoadLocation(cfg.Recon.Timezone)
		if err != nil {
			logger.Error("recon timezone", "error", err)
			os.Exit(1)
		}
		reporter, err = NewSettlementReporter(store, cfg.Recon.OutputDir, tz)
		if err != nil {
			logger.Error("settlement reporter", "error", err)
			os.Exit(1)
		}
		go reporter.RunDaily(ctx)
	}

	server := NewServer(auth, verifier, node, store, queue, reporter)
	handler := http.Handler(server.Handler())
	if cfg.Telemetry.Enabled {
		handler = otelhttp.NewHandler(handler, "market-gateway")
	}
	httpServer := &http.Server{
		Addr:              cfg.ListenAddress,
		Handler:           handler,
		ReadHeaderTimeout: 10 * time.Second,
	}

	go func() {
		logger.Info("market gateway listening", "addr", cfg.ListenAddress, "node", cfg.Node.URL)
		if err := httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Error("http server", "error", err)
			stop()
		}
	}()

	<-ctx.Done()
	logger.Info("shutting down market gateway")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := httpServer.Shutdown(shutdownCtx); err != nil {
		logger.Error("shutdown", "error", err)
	}
}
