// Package backtesting replays recorded klines through the live engine against
// the paper exchange.
package backtesting

import (
	"context"
	"fmt"
	"math"
	"time"

	"futuresExecBot/internal/adapters/memory"
	"futuresExecBot/internal/adapters/notify"
	"futuresExecBot/internal/adapters/paper"
	"futuresExecBot/internal/analytics"
	"futuresExecBot/internal/app"
	"futuresExecBot/internal/domain"
	"futuresExecBot/internal/ports"
)

// Config holds configuration for a replay.
type Config struct {
	Symbol       string
	InitialFunds float64
	Filters      domain.SymbolFilters
	// Warmup klines seed history before the engine starts; they are not traded.
	Warmup int
	// Step is the wall-clock pause after each candle so monitors can poll.
	Step time.Duration
	// Settle bounds the wait for working orders after the last candle.
	Settle time.Duration
	Engine app.Config
}

// Result holds the outcome of a replay.
type Result struct {
	Performance  *analytics.Performance
	Trades       []*domain.Trade
	OpenPosition *domain.Position
	Orders       map[domain.OrderState]int
	Candles      int
}

// Replay runs the engine over klines. Each candle is played as a price path
// through both wicks and then delivered as a closed kline.
func Replay(ctx context.Context, klines []*domain.Kline, cfg Config, signals ports.SignalSource, logger ports.Logger) (*Result, error) {
	if cfg.Symbol == "" {
		return nil, fmt.Errorf("symbol is required")
	}
	if cfg.Warmup < signals.RequiredDataPoints() {
		cfg.Warmup = signals.RequiredDataPoints()
	}
	if len(klines) <= cfg.Warmup {
		return nil, fmt.Errorf("not enough klines: have %d, warmup needs %d", len(klines), cfg.Warmup)
	}
	if cfg.Step <= 0 {
		cfg.Step = 20 * time.Millisecond
	}
	if cfg.Settle <= 0 {
		cfg.Settle = 50 * cfg.Step
	}

	ex := paper.New(paper.Config{Balance: cfg.InitialFunds, Logger: logger})
	filters := cfg.Filters
	filters.Symbol = cfg.Symbol
	ex.SetFilters(filters)
	ex.SetKlines(cfg.Symbol, klines[:cfg.Warmup])
	ex.SetPrice(cfg.Symbol, klines[cfg.Warmup-1].Close)

	store := memory.NewStore()
	engine := cfg.Engine
	engine.Symbols = []string{cfg.Symbol}
	if engine.KlineInterval == "" {
		engine.KlineInterval = klines[0].Interval
	}
	engine.Reconcile.Interval = 0

	svc, err := app.NewTradingService(engine, app.Deps{
		Exchange:  ex,
		Orders:    store,
		Positions: store,
		Trades:    store,
		Signals:   signals,
		Notifier:  notify.NewLogNotifier(logger),
		Logger:    logger,
	})
	if err != nil {
		return nil, err
	}

	runCtx, cancel := context.WithCancel(ctx)
	defer cancel()
	if err := svc.Start(runCtx); err != nil {
		return nil, fmt.Errorf("start engine: %w", err)
	}

	candles := 0
	for _, k := range klines[cfg.Warmup:] {
		if err := ctx.Err(); err != nil {
			break
		}
		for _, p := range pricePath(k) {
			ex.SetPrice(cfg.Symbol, p)
		}
		final := *k
		final.Symbol, final.IsFinal = cfg.Symbol, true
		ex.PushKline(&final)
		candles++
		time.Sleep(cfg.Step)
	}

	deadline := time.Now().Add(cfg.Settle)
	for len(svc.Supervisor().Active()) > 0 && time.Now().Before(deadline) {
		time.Sleep(cfg.Step)
	}
	if err := svc.Stop(); err != nil {
		logger.Warn(ctx, "Replay engine did not stop cleanly", map[string]interface{}{"error": err.Error()})
	}

	return collect(context.Background(), svc, store, cfg.Symbol, candles)
}

func collect(ctx context.Context, svc *app.TradingService, store *memory.Store, symbol string, candles int) (*Result, error) {
	trades, err := store.FindBySymbol(ctx, symbol, math.MaxInt32)
	if err != nil {
		return nil, err
	}
	// FindBySymbol returns newest first.
	for i, j := 0, len(trades)-1; i < j; i, j = i+1, j-1 {
		trades[i], trades[j] = trades[j], trades[i]
	}
	open, err := store.FindOpenBySymbol(ctx, symbol)
	if err != nil {
		return nil, err
	}
	orders, err := store.All(ctx)
	if err != nil {
		return nil, err
	}
	counts := make(map[domain.OrderState]int)
	for _, o := range orders {
		counts[o.State]++
	}
	return &Result{
		Performance:  svc.SessionPerformance(),
		Trades:       trades,
		OpenPosition: open,
		Orders:       counts,
		Candles:      candles,
	}, nil
}

// pricePath approximates the intra-candle path: a bullish candle is assumed
// to dip first, a bearish one to spike first.
func pricePath(k *domain.Kline) []float64 {
	if k.Close >= k.Open {
		return []float64{k.Open, k.Low, k.High, k.Close}
	}
	return []float64{k.Open, k.High, k.Low, k.Close}
}
