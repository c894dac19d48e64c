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

	"github.com/joho/godotenv"

	"github.com/quantrail/controlplane/internal/broker"
	"github.com/quantrail/controlplane/internal/config"
	"github.com/quantrail/controlplane/internal/engine"
	"github.com/quantrail/controlplane/internal/handler"
	"github.com/quantrail/controlplane/internal/service"
	"github.com/quantrail/controlplane/internal/store"
)

func main() {
	healthcheck := flag.Bool("healthcheck", false, "Run health check against running server")
	flag.Parse()

	// Handle -healthcheck flag: HTTP GET to localhost:PORT/healthz, exit 0/1.
	if *healthcheck {
		port := os.Getenv("PORT")
		if port == "" {
			port = "8080"
		}
		resp, err := http.Get(fmt.Sprintf("http://localhost:%s/healthz", port))
		if err != nil || resp.StatusCode != http.StatusOK {
			os.Exit(1)
		}
		os.Exit(0)
	}

	// Load .env if present, then configuration from the environment.
	_ = godotenv.Load()
	cfg, err := config.Load()
	if err != nil {
		slog.Error("failed to load config", slog.String("error", err.Error()))
		os.Exit(1)
	}

	// Set up slog logger with configured level.
	var logLevel slog.Level
	switch cfg.LogLevel {
	case "debug":
		logLevel = slog.LevelDebug
	case "warn":
		logLevel = slog.LevelWarn
	case "error":
		logLevel = slog.LevelError
	default:
		logLevel = slog.LevelInfo
	}
	logger := slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{
		Level: logLevel,
	}))
	slog.SetDefault(logger)

	// Durable breaker state must open before anything can trade.
	breakerStore, err := store.OpenBreakerStore(cfg.BreakerDBPath)
	if err != nil {
		logger.Error("failed to open breaker store", slog.String("error", err.Error()))
		os.Exit(1)
	}
	defer breakerStore.Close()

	// Stores.
	orderStore := store.NewOrderStore()
	reconLog := store.NewReconLog(100)

	// Broker client.
	client := broker.NewRESTClient(cfg.BrokerBaseURL, cfg.BrokerAPIKey, cfg.BrokerTimeout)

	// Engine: the breaker gate first, then the monitors that feed it.
	circuitBreaker, err := engine.NewCircuitBreaker(engine.BreakerConfig{
		DailyLossLimitPct: cfg.DailyLossLimitPct,
		MaxOpenPositions:  cfg.MaxOpenPositions,
		VolTripLevel:      cfg.VolTripLevel,
		IVShockFactor:     cfg.IVShockFactor,
	}, breakerStore, cfg.OperatorCredential, logger)
	if err != nil {
		logger.Error("failed to restore breaker state", slog.String("error", err.Error()))
		os.Exit(1)
	}

	limiter := engine.NewRateLimiter(engine.RateLimiterConfig{
		GeneralBurst:   cfg.GeneralBurst,
		OrderBurst:     cfg.OrderBurst,
		RefillInterval: cfg.RefillInterval,
		BackoffBase:    cfg.BackoffBase,
		BackoffCap:     cfg.BackoffCap,
	}, broker.IsThrottle)

	cooldown := engine.NewCooldownRegistry(cfg.CooldownWindow)

	market := engine.NewMarketMonitor(engine.MarketMonitorConfig{
		VolElevated:   cfg.VolElevated,
		VolHighStress: cfg.VolHighStress,
		VolExtreme:    cfg.VolExtreme,
		ShockFactor:   cfg.ShockFactor,
		SilenceLimit:  cfg.SilenceLimit,
	}, circuitBreaker, client, logger)

	quality := engine.NewDataQualityMonitor(engine.DataQualityConfig{
		MinScore:           cfg.QualityMinScore,
		UnhealthyThreshold: cfg.UnhealthyThreshold,
		RecoveryThreshold:  cfg.RecoveryThreshold,
		FreshnessLimit:     cfg.FreshnessLimit,
	}, circuitBreaker, logger)

	sweeper := engine.NewRetentionSweeper(cfg.RetentionSweep, cfg.RetentionWindow, orderStore, logger)

	// Services.
	capitalSvc := service.NewCapitalService(service.CapitalConfig{
		TotalCapital:      int64(cfg.TotalCapital * 100),
		GlobalUtilization: cfg.GlobalUtilization,
		StrategyShare:     cfg.StrategyShare,
		PositionShare:     cfg.PositionShare,
	}, logger)

	orderSvc := service.NewOrderService(service.OrderConfig{
		CancelAttempts: cfg.CancelAttempts,
		CancelTimeout:  cfg.CancelTimeout,
	}, orderStore, capitalSvc, circuitBreaker, limiter, cooldown, client, logger)

	reconSvc := service.NewReconService(service.ReconConfig{
		Interval:   cfg.ReconInterval,
		PriceTol:   cfg.ReconPriceTol,
		TimeWindow: cfg.ReconTimeWindow,
	}, orderStore, reconLog, client, logger)

	controlSvc := service.NewControlService(circuitBreaker, market, quality, logger)

	// Router.
	router := handler.NewRouter(controlSvc, orderSvc, capitalSvc, reconSvc, reconLog, logger)

	// Background loops with a cancellable context.
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	market.Start(ctx)
	reconSvc.Start(ctx)
	sweeper.Start(ctx)
	go dailyResetLoop(ctx, circuitBreaker, capitalSvc, logger)
	go signalLoop(ctx, cfg.SignalInterval, circuitBreaker, capitalSvc, market)

	// Market-data feed, when configured. Every tick is quality-checked
	// before it moves prices or volatility.
	if cfg.FeedURL != "" {
		volEst := engine.NewVolEstimator(cfg.VolWindow, 0)
		feed := broker.NewFeed("primary", cfg.FeedURL, logger)
		go feed.Run(ctx)
		go func() {
			for {
				select {
				case <-ctx.Done():
					return
				case tick := <-feed.Ticks:
					now := time.Now()
					market.NoteData(now)
					report := quality.CheckTick(tick)
					if report.Score < cfg.QualityMinScore {
						continue
					}
					if tick.Last > 0 {
						capitalSvc.MarkPrice(tick.Symbol, tick.Last)
						// The benchmark symbol's realized volatility drives
						// condition classification and shock detection.
						if tick.Symbol == cfg.VolSymbol {
							if vol, ok := volEst.Observe(tick.Symbol, tick.Last, now); ok {
								market.ObserveVolatility(vol, now)
							}
						}
					}
				}
			}
		}()
	}

	// Configure HTTP server.
	addr := fmt.Sprintf(":%d", cfg.Port)
	srv := &http.Server{
		Addr:         addr,
		Handler:      router,
		ReadTimeout:  cfg.ReadTimeout,
		WriteTimeout: cfg.WriteTimeout,
		IdleTimeout:  cfg.IdleTimeout,
	}

	// Start HTTP server in a goroutine.
	go func() {
		logger.Info("server starting", slog.String("addr", addr))
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logger.Error("server error", slog.String("error", err.Error()))
			os.Exit(1)
		}
	}()

	// Wait for SIGINT/SIGTERM.
	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	sig := <-sigCh
	logger.Info("shutdown signal received", slog.String("signal", sig.String()))

	// Graceful shutdown: stop HTTP server, cancel context (stops loops).
	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), cfg.ShutdownTimeout)
	defer shutdownCancel()

	if err := srv.Shutdown(shutdownCtx); err != nil {
		logger.Error("server shutdown error", slog.String("error", err.Error()))
	}
	cancel()

	logger.Info("server stopped")
}

// dailyResetLoop clears loss and volatility trips and the realized P&L
// accumulator at the start of each UTC day. States that require manual
// intervention are left alone.
func dailyResetLoop(ctx context.Context, cb *engine.CircuitBreaker, capital *service.CapitalService, logger *slog.Logger) {
	for {
		now := time.Now().UTC()
		next := time.Date(now.Year(), now.Month(), now.Day(), 0, 0, 0, 0, time.UTC).Add(24 * time.Hour)

		timer := time.NewTimer(next.Sub(now))
		select {
		case <-ctx.Done():
			timer.Stop()
			return
		case <-timer.C:
			capital.ResetDaily()
			if err := cb.DailyReset(); err != nil {
				logger.Info("daily reset skipped", slog.String("error", err.Error()))
			}
		}
	}
}

// signalLoop periodically snapshots day P&L, open position count, and the
// latest volatility reading, and runs them through the breaker's trip
// thresholds.
func signalLoop(ctx context.Context, interval time.Duration, cb *engine.CircuitBreaker, capital *service.CapitalService, market *engine.MarketMonitor) {
	if interval <= 0 {
		interval = 15 * time.Second
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case t := <-ticker.C:
			sig := capital.Signal(t)
			if vol, ok := market.Volatility(); ok {
				sig.Volatility = vol
			}
			cb.Evaluate(sig)
		}
	}
}
