package main

import (
	"context"
	"errors"
	"log" // Use standard log only for initial fatal errors before logger is set up
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"futuresExecBot/config"
	"futuresExecBot/internal/adapters/binanceclient"
	"futuresExecBot/internal/adapters/logger"
	"futuresExecBot/internal/adapters/memory"
	"futuresExecBot/internal/adapters/metrics"
	"futuresExecBot/internal/adapters/notify"
	"futuresExecBot/internal/adapters/paper"
	"futuresExecBot/internal/adapters/sqlite"
	"futuresExecBot/internal/app"
	"futuresExecBot/internal/ports"
	sigsrc "futuresExecBot/internal/signal"
)

// store is satisfied by both persistence adapters.
type store interface {
	ports.OrderStore
	ports.PositionStore
	ports.TradeRepository
}

func main() {
	// 1. Load Configuration
	cfg, err := config.LoadConfig()
	if err != nil {
		log.Fatalf("FATAL: Failed to load configuration: %v", err) // Use standard log before logger is ready
	}

	// 2. Initialize Logger
	appLogger := logger.NewStdLogger(cfg.LogLevel)
	appLogger.Info(context.Background(), "Logger initialized", map[string]interface{}{
		"level": cfg.LogLevel.String(), "mode": cfg.TradingMode, "symbols": cfg.Symbols,
	})

	// 3. Initialize Store
	var repo store
	switch cfg.Store {
	case config.StoreMemory:
		repo = memory.NewStore()
		appLogger.Warn(context.Background(), "Using in-memory store, state will not survive a restart")
	default:
		sqlRepo, err := sqlite.NewRepository(sqlite.Config{
			DBPath: cfg.DBPath,
			Logger: appLogger,
		})
		if err != nil {
			appLogger.Error(context.Background(), err, "FATAL: Failed to initialize database repository")
			log.Fatalf("FATAL: Failed to initialize database repository: %v", err) // Also log to stderr
		}
		defer func() {
			if err := sqlRepo.Close(); err != nil {
				appLogger.Error(context.Background(), err, "Error closing database repository")
			}
		}()
		repo = sqlRepo
	}
	appLogger.Info(context.Background(), "Store initialized", map[string]interface{}{"store": cfg.Store})

	// 4. Initialize Exchange Client (Binance Adapter)
	binanceClient, err := binanceclient.New(binanceclient.Config{
		APIKey:               cfg.APIKey,
		SecretKey:            cfg.SecretKey,
		UseTestnet:           cfg.IsTestnet,
		Logger:               appLogger,
		ReconnectDelay:       cfg.ReconnectDelay,
		MaxReconnectAttempts: cfg.MaxReconnectAttempts,
	})
	if err != nil {
		appLogger.Error(context.Background(), err, "FATAL: Failed to initialize Binance client")
		log.Fatalf("FATAL: Failed to initialize Binance client: %v", err)
	}
	var exchange ports.ExchangeClient = binanceClient
	if cfg.TradingMode == config.ModePaper {
		// Orders are simulated; market data still comes from Binance.
		exchange = paper.New(paper.Config{
			Balance: cfg.PaperBalance,
			Logger:  appLogger,
			Source:  binanceClient,
		})
		appLogger.Info(context.Background(), "Paper trading enabled", map[string]interface{}{"balance": cfg.PaperBalance})
	}
	appLogger.Info(context.Background(), "Exchange client initialized")

	// 5. Metrics and notifications
	recorder := metrics.NewRecorder()
	var metricsServer *http.Server
	if cfg.MetricsAddr != "" {
		mux := http.NewServeMux()
		mux.Handle("/metrics", recorder.Handler())
		metricsServer = &http.Server{Addr: cfg.MetricsAddr, Handler: mux, ReadHeaderTimeout: 5 * time.Second}
		go func() {
			if err := metricsServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				appLogger.Error(context.Background(), err, "Metrics server stopped")
			}
		}()
		appLogger.Info(context.Background(), "Metrics endpoint listening", map[string]interface{}{"addr": cfg.MetricsAddr})
	}
	notifier := notify.Multi{notify.NewLogNotifier(appLogger), recorder}

	// 6. Initialize Signal Source
	classifier, err := sigsrc.New(cfg.Signal, appLogger)
	if err != nil {
		appLogger.Error(context.Background(), err, "FATAL: Failed to initialize signal classifier")
		log.Fatalf("FATAL: Failed to initialize signal classifier: %v", err)
	}

	// 7. Initialize Application Service
	tradingService, err := app.NewTradingService(cfg.AppConfig(), app.Deps{
		Exchange:         exchange,
		Orders:           repo,
		Positions:        repo,
		Trades:           repo,
		Signals:          classifier,
		Notifier:         notifier,
		Logger:           appLogger,
		OnActiveMonitors: recorder.SetActiveMonitors,
	})
	if err != nil {
		appLogger.Error(context.Background(), err, "FATAL: Failed to initialize trading service")
		log.Fatalf("FATAL: Failed to initialize trading service: %v", err)
	}
	appLogger.Info(context.Background(), "Trading service initialized")

	// 8. Run until interrupted
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	runErr := tradingService.Run(ctx)

	if metricsServer != nil {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		if err := metricsServer.Shutdown(shutdownCtx); err != nil {
			appLogger.Error(context.Background(), err, "Error shutting down metrics server")
		}
		cancel()
	}
	if runErr != nil {
		appLogger.Error(context.Background(), runErr, "Trading service exited with error")
		stop()
		log.Fatalf("FATAL: Trading service exited with error: %v", runErr)
	}

	appLogger.Info(context.Background(), "Application finished gracefully.")
}
