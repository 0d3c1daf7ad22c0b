package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"marketd/config"
	"marketd/core"
	"marketd/observability/logging"
	"marketd/observability/otel"
	"marketd/rpc"
	"marketd/storage"

	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const genesisPathEnv = "MARKETD_GENESIS"

func main() {
	configFile := flag.String("config", "./config.toml", "Path to the configuration file")
	genesisFlag := flag.String("genesis", "", "Path to a genesis JSON file (overrides MARKETD_GENESIS and config GenesisFile)")
	flag.Parse()

	cfg, err := config.Load(*configFile)
	if err != nil {
		panic(fmt.Sprintf("Failed to load config: %v", err))
	}

	env := strings.TrimSpace(cfg.Logging.Env)
	if env == "" {
		env = strings.TrimSpace(os.Getenv("MARKETD_ENV"))
	}
	logger := logging.SetupWithOptions("marketd", env, cfg.Logging.Options())

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if cfg.Telemetry.Enabled {
		shutdownTelemetry, err := otel.Init(ctx, cfg.Telemetry.OTELConfig("marketd", env))
		if err != nil {
			logger.Error("Failed to initialise telemetry", slog.Any("error", err))
			os.Exit(1)
		}
		defer func() {
			flushCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
			if err := shutdownTelemetry(flushCtx); err != nil {
				logger.Warn("Telemetry shutdown failed", slog.Any("error", err))
			}
		}()
	}

	db, err := storage.NewLevelDB(cfg.DataDir)
	if err != nil {
		panic(fmt.Sprintf("Failed to open database: %v", err))
	}
	defer db.Close()

	genesisPath := resolveGenesisPath(*genesisFlag, cfg.GenesisFile, os.LookupEnv)

	// 1. Create the core node over persistent state.
	node, err := core.NewNode(db, genesisPath, cfg.PaymentToken, cfg.Global.StaticPauses())
	if err != nil {
		panic(fmt.Sprintf("Failed to create node: %v", err))
	}
	node.SetMutationQuota(cfg.Global.MarketQuota())

	authToken, err := cfg.ResolveAuthToken()
	if err != nil {
		logger.Error("Failed to resolve RPC auth token", slog.Any("error", err))
		os.Exit(1)
	}
	if strings.TrimSpace(authToken) == "" {
		logger.Warn("No RPC auth token configured; mutating calls will be refused")
	}

	// 2. Expose Prometheus metrics and the health probe.
	metricsServer := startMetricsServer(cfg.MetricsAddress, logger)

	// 3. Serve JSON-RPC and the websocket event feed.
	rpcServer := rpc.NewServer(node, rpc.ServerConfig{
		AuthToken:          authToken,
		TrustProxyHeaders:  cfg.RPCTrustProxyHeaders,
		TrustedProxies:     append([]string{}, cfg.RPCTrustedProxies...),
		AllowInsecure:      cfg.RPCAllowInsecure,
		TLSCertFile:        cfg.RPCTLSCertFile,
		TLSKeyFile:         cfg.RPCTLSKeyFile,
		MutationsPerMinute: cfg.RPCMutationsPerMinute,
		ReadHeaderTimeout:  time.Duration(cfg.RPCReadHeaderTimeout) * time.Second,
	})
	rpcErrCh := make(chan error, 1)
	go func() {
		rpcErrCh <- rpcServer.Start(cfg.RPCAddress)
		close(rpcErrCh)
	}()

	if err := waitForRPCStartup(cfg.RPCAddress, rpcErrCh, 5*time.Second); err != nil {
		logger.Error("RPC server failed to start", slog.Any("error", err))
		os.Exit(1)
	}

	logger.Info("market node initialised and running",
		slog.String("rpc", cfg.RPCAddress),
		slog.String("metrics", cfg.MetricsAddress),
		slog.String("network", cfg.NetworkName),
		slog.String("paymentToken", node.PaymentToken()))

	select {
	case <-ctx.Done():
		logger.Info("shutdown signal received")
	case err, ok := <-rpcErrCh:
		if ok && err != nil {
			logger.Error("RPC server terminated", slog.Any("error", err))
		}
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := rpcServer.Shutdown(shutdownCtx); err != nil {
		logger.Warn("RPC shutdown failed", slog.Any("error", err))
	}
	if err := metricsServer.Shutdown(shutdownCtx); err != nil {
		logger.Warn("Metrics shutdown failed", slog.Any("error", err))
	}
}

type envLookupFunc func(string) (string, bool)

// resolveGenesisPath picks the genesis document: CLI flag, then environment,
// then config. An empty result is legal against an already initialised
// database; the node rejects it on a fresh one.
func resolveGenesisPath(cliPath, cfgPath string, lookup envLookupFunc) string {
	if trimmed := strings.TrimSpace(cliPath); trimmed != "" {
		return trimmed
	}
	if lookup != nil {
		if value, ok := lookup(genesisPathEnv); ok {
			if trimmed := strings.TrimSpace(value); trimmed != "" {
				return trimmed
			}
		}
	}
	return strings.TrimSpace(cfgPath)
}

func startMetricsServer(addr string, logger *slog.Logger) *http.Server {
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.Handler())
	mux.HandleFunc("/healthz", func(w http.ResponseWriter, _ *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte(`{"status":"ok"}`))
	})
	srv := &http.Server{
		Addr:              addr,
		Handler:           mux,
		ReadHeaderTimeout: 5 * time.Second,
	}
	go func() {
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Error("Metrics listener failed", slog.Any("error", err))
		}
	}()
	return srv
}

func waitForRPCStartup(addr string, errCh <-chan error, timeout time.Duration) error {
	dialAddr := dialAddressFor(addr)
	deadline := time.NewTimer(timeout)
	defer deadline.Stop()

	ticker := time.NewTicker(50 * time.Millisecond)
	defer ticker.Stop()

	for {
		select {
		case err, ok := <-errCh:
			if !ok {
				return fmt.Errorf("RPC server terminated before startup confirmation")
			}
			if err != nil {
				return err
			}
			return fmt.Errorf("RPC server exited before startup confirmation")
		default:
		}

		conn, err := net.DialTimeout("tcp", dialAddr, 200*time.Millisecond)
		if err == nil {
			_ = conn.Close()
			return nil
		}

		select {
		case err, ok := <-errCh:
			if !ok {
				return fmt.Errorf("RPC server terminated before startup confirmation")
			}
			if err != nil {
				return err
			}
			return fmt.Errorf("RPC server exited before startup confirmation")
		case <-ticker.C:
		case <-deadline.C:
			return fmt.Errorf("timed out waiting for RPC server to start on %s", addr)
		}
	}
}

func dialAddressFor(addr string) string {
	host, port, err := net.SplitHostPort(addr)
	if err != nil {
		return addr
	}
	if host == "" {
		host = "127.0.0.1"
	}
	return net.JoinHostPort(host, port)
}
