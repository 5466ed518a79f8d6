package main

import (
	"context"
	"flag"
	"fmt"
	"log"
	"os"
	"os/signal"
	"sort"
	"syscall"
	"time"

	"futuresExecBot/config"
	"futuresExecBot/internal/adapters/logger"
	"futuresExecBot/internal/backtesting"
	"futuresExecBot/internal/domain"
	sigsrc "futuresExecBot/internal/signal"
	"futuresExecBot/internal/utils"
)

func main() {
	file := flag.String("file", "", "kline CSV written by fetch_klines (required)")
	balance := flag.Float64("balance", 0, "starting paper balance (default PAPER_BALANCE)")
	step := flag.Duration("step", 20*time.Millisecond, "wall-clock pause per candle")
	stepSize := flag.Float64("step-size", 0.001, "quantity step")
	minQty := flag.Float64("min-qty", 0.001, "minimum quantity")
	maxQty := flag.Float64("max-qty", 1000, "maximum quantity")
	tickSize := flag.Float64("tick-size", 0.1, "price tick")
	flag.Parse()
	if *file == "" {
		flag.Usage()
		os.Exit(2)
	}

	// 1. Load Configuration
	cfg, err := config.LoadConfig()
	if err != nil {
		log.Fatalf("FATAL: Failed to load configuration: %v", err)
	}
	appLogger := logger.NewStdLogger(cfg.LogLevel)
	if *balance <= 0 {
		*balance = cfg.PaperBalance
	}

	// 2. Load klines
	klines, err := utils.ReadKlinesFromCSV(*file)
	if err != nil {
		log.Fatalf("Error loading klines: %v", err)
	}
	if len(klines) == 0 {
		log.Fatalf("No klines in %s", *file)
	}
	sort.Slice(klines, func(i, j int) bool { return klines[i].OpenTime.Before(klines[j].OpenTime) })
	symbol := klines[0].Symbol
	appLogger.Info(context.Background(), "Loaded klines", map[string]interface{}{
		"symbol": symbol, "count": len(klines), "from": klines[0].OpenTime, "to": klines[len(klines)-1].CloseTime,
	})

	// 3. Signal source
	classifier, err := sigsrc.New(cfg.Signal, appLogger)
	if err != nil {
		log.Fatalf("Failed to create signal classifier: %v", err)
	}

	// 4. Replay
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	engine := cfg.AppConfig()
	engine.KlineInterval = klines[0].Interval
	res, err := backtesting.Replay(ctx, klines, backtesting.Config{
		Symbol:       symbol,
		InitialFunds: *balance,
		Filters:      domain.SymbolFilters{StepSize: *stepSize, MinQty: *minQty, MaxQty: *maxQty, TickSize: *tickSize},
		Step:         *step,
		Engine:       engine,
	}, classifier, appLogger)
	if err != nil {
		appLogger.Error(context.Background(), err, "Replay error")
		stop()
		log.Fatalf("Replay error: %v", err)
	}

	appLogger.Info(context.Background(), "Replay result", res.Performance.Fields())
	for _, t := range res.Trades {
		fmt.Printf("%s %-5s entry=%.2f exit=%.2f qty=%.4f pnl=%.2f reason=%s\n",
			t.ExitTime.Format(time.RFC3339), t.Side, t.EntryPrice, t.ExitPrice, t.Quantity, t.PNL, t.CloseReason)
	}
	if res.OpenPosition != nil {
		fmt.Printf("still open: %s %.4f @ %.2f\n", res.OpenPosition.Side, res.OpenPosition.Quantity, res.OpenPosition.EntryPrice)
	}
}
