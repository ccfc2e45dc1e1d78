package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"tokenbucket/internal/api"
	"tokenbucket/internal/bucket"
	"tokenbucket/internal/clock"
	"tokenbucket/internal/config"
	"tokenbucket/internal/logger"
	"tokenbucket/internal/models"
	"tokenbucket/internal/observability"
	"tokenbucket/internal/ratelimit"
	"tokenbucket/internal/storage"
	"tokenbucket/internal/version"
)

var (
	configFile    = flag.String("config", "", "Path to configuration file")
	exampleConfig = flag.String("write-example-config", "", "Write an example configuration file to this path and exit")
	showVersion   = flag.Bool("version", false, "Print version information and exit")
)

func main() {
	flag.Parse()

	ver := version.GetInfo()
	if *showVersion {
		fmt.Println(ver.String())
		return
	}

	if *exampleConfig != "" {
		if err := config.SaveExample(*exampleConfig); err != nil {
			slog.Error("Failed to write example configuration", "error", err)
			os.Exit(1)
		}
		fmt.Printf("Example configuration written to %s\n", *exampleConfig)
		return
	}

	// Load configuration
	cfg, err := config.Load(*configFile)
	if err != nil {
		slog.Error("Failed to load configuration", "error", err)
		os.Exit(1)
	}

	// Initialize structured logging
	log, closer, err := logger.Setup(cfg.Logging, ver)
	if err != nil {
		slog.Error("Failed to initialize logger", "error", err)
		os.Exit(1)
	}
	if closer != nil {
		defer closer.Close()
	}
	slog.SetDefault(log)

	// Initialize observability (OpenTelemetry)
	otelProvider, err := observability.Setup(cfg.Metrics, cfg.Observability, ver)
	if err != nil {
		slog.Error("Failed to initialize observability", "error", err)
		os.Exit(1)
	}
	defer func() {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		if err := otelProvider.Shutdown(shutdownCtx); err != nil {
			slog.Error("Failed to shutdown observability", "error", err)
		}
	}()

	clk := clock.NewSystemClock()

	// Initialize storage
	store, err := initializeStorage(cfg, clk)
	if err != nil {
		slog.Error("Failed to initialize storage", "error", err, "type", cfg.Storage.Type)
		os.Exit(1)
	}
	defer store.Close()

	engine, err := bucket.NewEngine(store, cfg.Bucket.Defaults,
		bucket.WithClock(clk),
		bucket.WithOperationTimeout(cfg.Storage.OperationTimeout),
		bucket.WithLogger(log),
	)
	if err != nil {
		slog.Error("Failed to initialize bucket engine", "error", err)
		os.Exit(1)
	}

	// Setup routes with middleware
	routeOpts := []api.RouteOption{}
	handlerOpts := []api.HandlerOption{}
	if cfg.Observability.Tracing.Enabled {
		routeOpts = append(routeOpts, api.WithOTelMiddleware(cfg.Observability.ServiceName))
	}

	if cfg.RateLimit.Enabled {
		limiter, err := initializeRateLimiter(cfg, store, clk, log)
		if err != nil {
			slog.Error("Failed to initialize rate limiter", "error", err)
			os.Exit(1)
		}
		defer limiter.Close()

		var mwOpts []ratelimit.MiddlewareOption
		if cfg.RateLimit.TrustProxyHeaders {
			mwOpts = append(mwOpts, ratelimit.WithTrustedProxyHeaders())
		}
		routeOpts = append(routeOpts, api.WithRateLimiter(ratelimit.Middleware(limiter, mwOpts...)))

		// Client buckets share the store with API buckets.
		if cfg.RateLimit.Tier == models.RateLimitTierBucket {
			handlerOpts = append(handlerOpts, api.WithReservedPrefix(cfg.RateLimit.KeyPrefix))
		}
	}

	handlers := api.NewHandlers(engine, ver, handlerOpts...)
	router := api.SetupRoutes(handlers, routeOpts...)

	// Start metrics server if enabled
	var metricsServer *observability.MetricsServer
	if cfg.Metrics.Enabled {
		metricsServer = observability.NewMetricsServer(cfg.Metrics.Port, cfg.Metrics.Path, otelProvider)
		go func() {
			if err := metricsServer.Start(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				slog.Error("Metrics server failed", "error", err)
			}
		}()
	}

	// Create HTTP server
	server := &http.Server{
		Addr:              fmt.Sprintf("%s:%d", cfg.Server.Host, cfg.Server.Port),
		Handler:           router,
		ReadTimeout:       cfg.Server.ReadTimeout,
		ReadHeaderTimeout: cfg.Server.ReadTimeout,
		WriteTimeout:      cfg.Server.WriteTimeout,
		IdleTimeout:       cfg.Server.IdleTimeout,
	}

	// Start server in a goroutine
	go func() {
		slog.Info("Starting server",
			"addr", server.Addr,
			"storage", cfg.Storage.Type,
			"tls", cfg.Server.TLSEnabled,
		)

		var err error
		if cfg.Server.TLSEnabled {
			err = server.ListenAndServeTLS(cfg.Server.TLSCertFile, cfg.Server.TLSKeyFile)
		} else {
			err = server.ListenAndServe()
		}

		if err != nil && !errors.Is(err, http.ErrServerClosed) {
			slog.Error("Server failed to start", "error", err)
			os.Exit(1)
		}
	}()

	// Wait for interrupt signal to gracefully shutdown the server
	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	slog.Info("Shutting down server")

	// Create a deadline to wait for shutdown
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	// Shutdown metrics server
	if metricsServer != nil {
		if err := metricsServer.Shutdown(ctx); err != nil {
			slog.Error("Metrics server forced to shutdown", "error", err)
		}
	}

	// Attempt graceful shutdown
	if err := server.Shutdown(ctx); err != nil {
		slog.Error("Server forced to shutdown", "error", err)
	}

	slog.Info("Server shutdown complete")
}

// initializeStorage creates the configured store, wrapped with tracing and
// metrics instrumentation.
func initializeStorage(cfg *models.Config, clk clock.Clock) (storage.Store, error) {
	store, err := storage.NewFactory(clk).Create(cfg.Storage)
	if err != nil {
		return nil, err
	}

	instrumented, err := observability.NewInstrumentedStore(store, cfg.Storage.Type)
	if err != nil {
		store.Close()
		return nil, fmt.Errorf("failed to instrument storage: %w", err)
	}
	return instrumented, nil
}

// initializeRateLimiter builds the limiter guarding the administration
// routes. The bucket tier shares the service's store, so every instance
// enforces one budget per client.
func initializeRateLimiter(cfg *models.Config, store storage.Store, clk clock.Clock, log *slog.Logger) (ratelimit.Limiter, error) {
	rl := cfg.RateLimit
	switch rl.Tier {
	case models.RateLimitTierBucket:
		guard, err := bucket.NewEngine(store, ratelimit.SettingsFor(rl.RequestsPerMinute, rl.BurstSize),
			bucket.WithClock(clk),
			bucket.WithOperationTimeout(cfg.Storage.OperationTimeout),
			bucket.WithLogger(log.With("component", "ratelimit")),
		)
		if err != nil {
			return nil, err
		}
		return ratelimit.NewBucketLimiter(guard, rl.KeyPrefix, clk), nil
	default:
		return ratelimit.NewMemoryLimiter(rl.RequestsPerMinute, rl.BurstSize, rl.CleanupInterval), nil
	}
}
