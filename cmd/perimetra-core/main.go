// Package main is the entry point for the perimetra-core binary.
package main

import (
	"context"
	"flag"
	"log/slog"
	"net"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"

	"github.com/perimetra/perimetra-oss/internal/governance"
	"github.com/perimetra/perimetra-oss/internal/watchdog"
	"github.com/perimetra/perimetra-oss/pkg/config"
	"github.com/perimetra/perimetra-oss/pkg/control"
	"github.com/perimetra/perimetra-oss/pkg/crossing"
	"github.com/perimetra/perimetra-oss/pkg/domain"
	"github.com/perimetra/perimetra-oss/pkg/logging"
	"github.com/perimetra/perimetra-oss/pkg/registry"
	"github.com/perimetra/perimetra-oss/pkg/seal"
	"github.com/perimetra/perimetra-oss/pkg/storage"
	"github.com/perimetra/perimetra-oss/pkg/telemetry"
	"github.com/perimetra/perimetra-oss/pkg/trust"
	"github.com/perimetra/perimetra-oss/pkg/verify"
)

func main() {
	configPath := flag.String("config", "", "Path to configuration file (built-in defaults apply when omitted)")
	listenAddr := flag.String("listen", ":8091", "Address to listen on")
	logLevel := flag.String("log-level", "info", "Log level (debug, info, warn, error)")
	prettyLogs := flag.Bool("pretty", false, "Enable pretty console logging")
	flag.Parse()

	cfg, err := config.Load(*configPath)
	if err != nil {
		logging.NewLogger(logging.Config{Level: *logLevel, Pretty: *prettyLogs}).
			Error("Failed to load configuration", "path", *configPath, "error", err)
		os.Exit(1)
	}

	// Explicit flags win over file and environment settings.
	flag.Visit(func(f *flag.Flag) {
		switch f.Name {
		case "listen":
			cfg.Server.ListenAddress = *listenAddr
		case "log-level":
			cfg.Logging.Level = *logLevel
		case "pretty":
			cfg.Logging.Pretty = *prettyLogs
		}
	})

	logger := logging.NewLogger(logging.Config{Level: cfg.Logging.Level, Pretty: cfg.Logging.Pretty})
	slog.SetDefault(logger)

	logger.Info("Starting perimetra-core", "config", *configPath, "listen", cfg.Server.ListenAddress)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	shutdownTelemetry, err := telemetry.SetupProvider(ctx, telemetry.Config{
		ServiceName: "perimetra-core",
		Endpoint:    cfg.Telemetry.OTLPEndpoint,
		Insecure:    cfg.Telemetry.Insecure,
	})
	if err != nil {
		logger.Error("Failed to set up telemetry", "error", err)
		os.Exit(1)
	}
	defer func() {
		shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer shutdownCancel()
		if err := shutdownTelemetry(shutdownCtx); err != nil {
			logger.Error("Telemetry shutdown failed", "error", err)
		}
	}()

	key, err := cfg.Seal.ResolveKey()
	if err != nil {
		logger.Error("Failed to resolve seal key", "error", err)
		os.Exit(1)
	}
	sealer, err := seal.New(key)
	if err != nil {
		logger.Error("Failed to initialize seal service", "error", err)
		os.Exit(1)
	}

	boundaryRegistry, snapshots, closeRegistry := setupRegistry(cfg.Registry, logger)
	defer closeRegistry()

	verificationStore, err := storage.NewFileVerificationStore(storage.FileConfig{
		Path:        cfg.Storage.VerificationsPath(),
		TrustMedium: cfg.Storage.TrustMedium,
	}, sealer)
	if err != nil {
		logger.Error("Failed to open verification store", "path", cfg.Storage.VerificationsPath(), "error", err)
		os.Exit(1)
	}

	verifier, err := verify.NewVerifier(verify.VerifierConfig{
		Registry:  boundaryRegistry,
		Store:     verificationStore,
		Evaluator: control.NewEvaluator(control.Hooks{Limiter: governance.NewRateLimiter(nil)}),
		Sealer:    sealer,
		Logger:    logger,
	})
	if err != nil {
		logger.Error("Failed to initialize verifier", "error", err)
		os.Exit(1)
	}

	metrics := telemetry.NewMetrics()

	dog, err := watchdog.New(watchdog.Config{
		Verifier:      verifier,
		Metrics:       metrics,
		Ledger:        trust.NewLedger(logger),
		CrossingsPath: cfg.Storage.CrossingsPath(),
		TrustMedium:   cfg.Storage.TrustMedium,
		Sealer:        sealer,
		Decay: crossing.Config{
			DecayDenied:       cfg.Decay.Denied,
			DecayFailed:       cfg.Decay.Failed,
			DecayUnauthorized: cfg.Decay.Unauthorized,
		},
		Logger: logger,
	})
	if err != nil {
		logger.Error("Failed to initialize watchdog", "error", err)
		os.Exit(1)
	}
	go dog.Run(ctx, snapshots)

	server := startServer(cfg.Server.ListenAddress, metrics, logger)
	waitForShutdown(server, logger)
}

// setupRegistry opens the configured boundary registry source. A watched
// file hands out live snapshots; an unwatched file is loaded once; no file
// at all starts empty, which only makes sense for smoke tests.
func setupRegistry(cfg config.RegistryConfig, logger *slog.Logger) (domain.BoundaryRegistry, <-chan registry.Snapshot, func()) {
	if cfg.File != "" && cfg.Watch {
		provider, err := registry.NewFileProvider(cfg.File, logger)
		if err != nil {
			logger.Error("Failed to open boundary registry", "path", cfg.File, "error", err)
			os.Exit(1)
		}
		closer := func() {
			if err := provider.Close(); err != nil {
				logger.Error("Failed to close registry provider", "error", err)
			}
		}
		return provider, provider.Subscribe(), closer
	}

	memory := registry.NewMemory()
	snapshot := registry.Snapshot{Generation: 1}

	if cfg.File != "" {
		boundaries, err := registry.LoadFile(cfg.File)
		if err != nil {
			logger.Error("Failed to load boundary registry", "path", cfg.File, "error", err)
			os.Exit(1)
		}
		for _, boundary := range boundaries {
			if err := memory.Put(boundary); err != nil {
				logger.Error("Failed to register boundary", "boundary_id", boundary.ID, "error", err)
				os.Exit(1)
			}
		}
		snapshot.Boundaries = boundaries
		logger.Info("Boundary registry loaded", "path", cfg.File, "boundaries", len(boundaries))
	} else {
		logger.Warn("No registry file configured; starting with an empty registry")
	}

	snapshots := make(chan registry.Snapshot, 1)
	snapshots <- snapshot
	return memory, snapshots, func() {}
}

func startServer(addr string, metrics *telemetry.Metrics, logger *slog.Logger) *http.Server {
	mux := http.NewServeMux()
	mux.Handle("/metrics", metrics.Handler())
	instrumented := otelhttp.NewHandler(mux, "perimetra.core")

	// Health probes stay outside the instrumented chain so they do not
	// pollute traces.
	rootHandler := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path == "/healthz" {
			w.WriteHeader(http.StatusOK)
			_, _ = w.Write([]byte("ok"))
			return
		}
		instrumented.ServeHTTP(w, r)
	})

	server := &http.Server{
		Handler:      metrics.Middleware(rootHandler),
		ReadTimeout:  30 * time.Second,
		WriteTimeout: 30 * time.Second,
		IdleTimeout:  120 * time.Second,
	}

	listener, err := net.Listen("tcp", addr)
	if err != nil {
		logger.Error("Failed to bind listener", "addr", addr, "error", err)
		os.Exit(1)
	}

	// Log the actual resolved address (useful when addr is :0)
	logger.Info("Server listening", "addr", listener.Addr().String())

	go func() {
		if err := server.Serve(listener); err != nil && err != http.ErrServerClosed {
			logger.Error("Server failed", "error", err)
			os.Exit(1)
		}
	}()

	return server
}

func waitForShutdown(server *http.Server, logger *slog.Logger) {
	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGTERM, syscall.SIGINT)
	sig := <-sigCh

	logger.Info("Shutting down", "signal", sig.String())

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	if err := server.Shutdown(ctx); err != nil {
		logger.Error("Shutdown error", "error", err)
	}
}
