package main

import (
	"context"
	"flag"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/garagemlabs/garagem/internal/api"
	"github.com/garagemlabs/garagem/internal/auction"
	"github.com/garagemlabs/garagem/internal/audit"
	"github.com/garagemlabs/garagem/internal/clock"
	"github.com/garagemlabs/garagem/internal/config"
	"github.com/garagemlabs/garagem/internal/health"
	"github.com/garagemlabs/garagem/internal/leader"
	"github.com/garagemlabs/garagem/internal/market"
	"github.com/garagemlabs/garagem/internal/notify"
	"github.com/garagemlabs/garagem/internal/ratelimit"
	"github.com/garagemlabs/garagem/internal/store"
	"github.com/garagemlabs/garagem/internal/sweep"
	"github.com/garagemlabs/garagem/internal/telemetry"

	// Register store drivers so they are available via store.Open.
	_ "github.com/garagemlabs/garagem/internal/store/memstore"
	_ "github.com/garagemlabs/garagem/internal/store/postgres"
)

var version = "dev"

func main() {
	configPath := flag.String("config", "config.yaml", "path to configuration file")
	showVersion := flag.Bool("version", false, "print version and exit")
	flag.Parse()

	if *showVersion {
		fmt.Println(version)
		os.Exit(0)
	}

	if err := run(*configPath); err != nil {
		slog.Error("fatal error", slog.Any("error", err))
		os.Exit(1)
	}
}

func run(configPath string) error {
	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	// Load configuration.
	cfg, err := config.Load(configPath)
	if err != nil {
		return fmt.Errorf("loading config: %w", err)
	}

	// Setup telemetry.
	tp, err := telemetry.Setup(ctx, cfg.Telemetry)
	if err != nil {
		slog.Warn("telemetry setup failed, continuing without OTEL export", slog.Any("error", err))
		tp = telemetry.NewNopProvider()
	}
	defer func() {
		if shutdownErr := tp.Shutdown(context.Background()); shutdownErr != nil {
			slog.Error("telemetry shutdown error", slog.Any("error", shutdownErr))
		}
	}()

	logger := tp.Logger
	clk := clock.Real{}

	// Open store using the configured driver (postgres or memory).
	repos, err := store.Open(ctx, cfg.Database, clk)
	if err != nil {
		return fmt.Errorf("opening store (driver=%s): %w", cfg.Database.Driver, err)
	}
	defer repos.Closer.Close()

	logger.InfoContext(ctx, "connected to database", slog.String("driver", cfg.Database.Driver))

	// Staff notifications go to Discord when a token is configured.
	var notifier market.Notifier = market.NopNotifier{}
	if cfg.Notify.Token != "" {
		discord, notifyErr := notify.New(cfg.Notify, logger)
		if notifyErr != nil {
			return fmt.Errorf("creating notifier: %w", notifyErr)
		}
		defer discord.Close()
		notifier = discord
	}

	// Assemble the core.
	auditLog := audit.NewLogger(repos.AuditLogs, logger)
	limiter := ratelimit.NewLimiter(repos.RateLimits, clk, cfg.RateLimit)
	processor := auction.NewProcessor(repos.Auctions, limiter, auditLog, clk, logger, cfg.Market)
	svc := market.NewService(repos, auditLog, notifier, clk, logger, cfg.Market)
	sweeper := sweep.New(svc, repos, limiter, auditLog, clk, logger, cfg.Market, cfg.Sweep.Interval)

	// Setup health checks.
	healthHandler := health.NewHandler(clk,
		health.Checker{
			Name:  "database",
			Check: repos.Ping,
		},
	)

	// API and health endpoints run on all replicas.
	mux := http.NewServeMux()
	mux.HandleFunc("/healthz", healthHandler.LivenessHandler())
	mux.HandleFunc("/readyz", healthHandler.ReadinessHandler())
	api.NewHandler(svc, processor, repos.Vehicles, logger).Register(mux)

	httpServer := &http.Server{
		Addr:              fmt.Sprintf(":%d", cfg.Server.Port),
		Handler:           mux,
		ReadHeaderTimeout: 10 * time.Second,
	}

	go func() {
		logger.InfoContext(ctx, "starting http server", slog.Int("port", cfg.Server.Port))
		if listenErr := httpServer.ListenAndServe(); listenErr != nil && listenErr != http.ErrServerClosed {
			logger.ErrorContext(ctx, "http server error", slog.Any("error", listenErr))
		}
	}()

	healthHandler.SetReady(true)
	logger.InfoContext(ctx, "garagem is running", slog.String("version", version))

	// The sweeper mutates shared state on a timer, so only the leader
	// runs it.
	runSweeper := func(ctx context.Context) {
		sweeper.Run(ctx)
	}

	if cfg.LeaderElection.Enabled {
		logger.InfoContext(ctx, "leader election enabled, waiting for leadership...")

		if leaderErr := leader.Run(ctx, cfg.LeaderElection, logger, runSweeper, func() {
			logger.Info("lost leadership, shutting down...")
			cancel()
		}); leaderErr != nil {
			return fmt.Errorf("leader election: %w", leaderErr)
		}
	} else {
		go runSweeper(ctx)
		<-ctx.Done()
	}

	logger.Info("shutting down...")
	healthHandler.SetReady(false)

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), cfg.Server.ShutdownTimeout)
	defer shutdownCancel()

	if err := httpServer.Shutdown(shutdownCtx); err != nil {
		logger.Error("http server shutdown error", slog.Any("error", err))
	}

	logger.Info("shutdown complete")
	return nil
}
