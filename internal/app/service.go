package app

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"golang.org/x/sync/errgroup"

	"futuresExecBot/internal/analytics"
	"futuresExecBot/internal/domain"
	"futuresExecBot/internal/market"
	"futuresExecBot/internal/monitor"
	"futuresExecBot/internal/ports"
	"futuresExecBot/internal/priority"
	"futuresExecBot/internal/reconcile"
	"futuresExecBot/internal/retry"
	"futuresExecBot/internal/risk"
	"futuresExecBot/internal/stopexit"
)

// Config holds the engine settings. Component configs are passed through.
type Config struct {
	Symbols       []string
	Asset         string // margin asset
	Leverage      int
	KlineInterval string

	MaxLossFraction     float64
	FeeRate             float64
	SafetyMargin        float64
	EntryPriceOffset    float64 // limit distance from the mark price, fraction
	MaxPendingPerSymbol int
	MaxShrinkFraction   float64
	EvictionAction      monitor.Action
	EvictionWait        time.Duration
	AdmissionRetries    int
	ShutdownTimeout     time.Duration

	OrderRisk risk.OrderRiskConfig
	Guard     risk.GuardConfig
	Priority  priority.Config
	Monitor   monitor.Config
	Reconcile reconcile.Config
	Exit      stopexit.Config
	Retry     retry.Policy
}

// DefaultConfig returns the production defaults for one symbol.
func DefaultConfig() Config {
	return Config{
		Symbols:             []string{"BTCUSDT"},
		Asset:               "USDT",
		Leverage:            5,
		KlineInterval:       "1m",
		MaxLossFraction:     0.01,
		EntryPriceOffset:    0.0005,
		MaxPendingPerSymbol: 1,
		MaxShrinkFraction:   0.5,
		EvictionAction:      monitor.ActionCancel,
		EvictionWait:        10 * time.Second,
		AdmissionRetries:    3,
		ShutdownTimeout:     10 * time.Second,
		OrderRisk:           risk.DefaultOrderRiskConfig(),
		Priority:            priority.DefaultConfig(),
		Monitor:             monitor.DefaultConfig(),
		Reconcile:           reconcile.DefaultConfig(),
		Exit:                stopexit.DefaultConfig(),
		Retry:               retry.DefaultPolicy(),
	}
}

// Deps are the service's collaborators.
type Deps struct {
	Exchange  ports.ExchangeClient
	Orders    ports.OrderStore
	Positions ports.PositionStore
	Trades    ports.TradeRepository
	Signals   ports.SignalSource
	Notifier  ports.Notifier
	Logger    ports.Logger
	// OnActiveMonitors reports the number of running order monitors.
	OnActiveMonitors func(n int)
	Now              func() time.Time
}

// atrSource is implemented by signal sources that can report ATR for
// trailing-stop distance.
type atrSource interface {
	ATR(klines []*domain.Kline) (float64, error)
}

type stream struct {
	name string
	done chan struct{}
	stop chan struct{}
}

// TradingService owns every working order and position: it admits entries,
// supervises order monitors, applies fills to positions and executes exits.
type TradingService struct {
	cfg  Config
	deps Deps

	hub        *market.Hub
	supervisor *monitor.Supervisor
	reconciler *reconcile.Controller
	evaluator  *stopexit.Evaluator
	guard      *risk.AccountGuard

	mu          sync.Mutex
	filters     map[string]*domain.SymbolFilters
	exitPending map[int64]string // position id -> working exit order id
	exitReasons map[string]domain.CloseReason
	lastBalance float64
	// Trades closed since Start, summarized on Stop.
	sessionTrades  []*domain.Trade
	sessionBalance float64
	streams        []stream
	// Admission and position bookkeeping lock separately so a fill can land
	// while an entry waits on an eviction.
	entryLocks map[string]*sync.Mutex
	posLocks   map[string]*sync.Mutex
	started    bool
}

// NewTradingService validates the configuration and wires the components.
func NewTradingService(cfg Config, deps Deps) (*TradingService, error) {
	if deps.Exchange == nil || deps.Orders == nil || deps.Positions == nil || deps.Trades == nil ||
		deps.Signals == nil || deps.Notifier == nil || deps.Logger == nil {
		return nil, fmt.Errorf("missing required dependencies for TradingService")
	}
	if len(cfg.Symbols) == 0 {
		return nil, fmt.Errorf("at least one symbol is required: %w", ports.ErrConfigurationError)
	}
	if cfg.Leverage <= 0 {
		return nil, fmt.Errorf("leverage must be positive: %w", ports.ErrConfigurationError)
	}
	if cfg.MaxLossFraction <= 0 || cfg.MaxLossFraction >= 1 {
		return nil, fmt.Errorf("max loss fraction must be between 0 and 1: %w", ports.ErrConfigurationError)
	}
	if cfg.MaxPendingPerSymbol <= 0 {
		return nil, fmt.Errorf("max pending orders per symbol must be positive: %w", ports.ErrConfigurationError)
	}
	if err := cfg.Exit.Validate(); err != nil {
		return nil, err
	}
	if cfg.Asset == "" {
		cfg.Asset = "USDT"
	}
	if cfg.KlineInterval == "" {
		cfg.KlineInterval = "1m"
	}
	if cfg.AdmissionRetries <= 0 {
		cfg.AdmissionRetries = 3
	}
	if cfg.EvictionAction == "" {
		cfg.EvictionAction = monitor.ActionCancel
	}
	if deps.Now == nil {
		deps.Now = time.Now
	}

	s := &TradingService{
		cfg:         cfg,
		deps:        deps,
		hub:         market.NewHub(),
		evaluator:   stopexit.NewEvaluator(cfg.Exit),
		guard:       risk.NewAccountGuard(cfg.Guard),
		filters:     make(map[string]*domain.SymbolFilters),
		exitPending: make(map[int64]string),
		exitReasons: make(map[string]domain.CloseReason),
		entryLocks:  make(map[string]*sync.Mutex),
		posLocks:    make(map[string]*sync.Mutex),
	}
	s.supervisor = monitor.NewSupervisor(cfg.Monitor, monitor.Deps{
		Orders:         deps.Orders,
		Exchange:       deps.Exchange,
		Prices:         s.hub,
		Notifier:       deps.Notifier,
		Logger:         deps.Logger,
		OnFill:         s.onOrderFill,
		OnManual:       s.onManual,
		OnActiveChange: deps.OnActiveMonitors,
		Now:            deps.Now,
	})
	rcfg := cfg.Reconcile
	rcfg.Symbols = cfg.Symbols
	rcfg.KlineInterval = cfg.KlineInterval
	rcfg.DefaultLeverage = cfg.Leverage
	s.reconciler = reconcile.New(rcfg, reconcile.Deps{
		Orders:       deps.Orders,
		Positions:    deps.Positions,
		Exchange:     deps.Exchange,
		Notifier:     deps.Notifier,
		Logger:       deps.Logger,
		OnFill:       s.onOrderFill,
		OnAdoptOrder: s.onAdoptOrder,
		Now:          deps.Now,
	})
	return s, nil
}

// Hub exposes the price hub.
func (s *TradingService) Hub() *market.Hub { return s.hub }

// Supervisor exposes the monitor pool.
func (s *TradingService) Supervisor() *monitor.Supervisor { return s.supervisor }

// Reconciler exposes the reconciliation controller.
func (s *TradingService) Reconciler() *reconcile.Controller { return s.reconciler }

// Run starts the service and blocks until ctx ends or a stream gives up.
func (s *TradingService) Run(ctx context.Context) error {
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	if err := s.Start(ctx); err != nil {
		s.Stop()
		return err
	}

	s.mu.Lock()
	streams := append([]stream(nil), s.streams...)
	s.mu.Unlock()
	lost := make(chan string, len(streams))
	for _, st := range streams {
		go func(st stream) {
			<-st.done
			lost <- st.name
		}(st)
	}

	var runErr error
	select {
	case <-ctx.Done():
		s.deps.Logger.Info(ctx, "Context cancelled, initiating shutdown...")
	case name := <-lost:
		if ctx.Err() == nil {
			runErr = fmt.Errorf("stream %s stopped unexpectedly: %w", name, ports.ErrConnectionFailed)
			s.deps.Logger.Error(ctx, runErr, "Stream stopped")
		}
	}
	if err := s.Stop(); err != nil && runErr == nil {
		runErr = err
	}
	s.deps.Logger.Info(context.Background(), "Trading Service stopped.")
	return runErr
}

// Start prepares every symbol, reconciles with the exchange, resumes monitors
// for pending orders and opens the market streams. It does not block.
func (s *TradingService) Start(ctx context.Context) error {
	s.mu.Lock()
	if s.started {
		s.mu.Unlock()
		return fmt.Errorf("trading service already started")
	}
	s.started = true
	s.mu.Unlock()

	s.deps.Logger.Info(ctx, "Starting Trading Service...", map[string]interface{}{"symbols": s.cfg.Symbols})
	if err := s.deps.Exchange.SetServerTime(ctx); err != nil {
		s.deps.Logger.Error(ctx, err, "Failed to synchronize server time")
		return fmt.Errorf("failed to set server time: %w", err)
	}

	g, gctx := errgroup.WithContext(ctx)
	for _, symbol := range s.cfg.Symbols {
		symbol := symbol
		g.Go(func() error { return s.prepareSymbol(gctx, symbol) })
	}
	if err := g.Wait(); err != nil {
		return err
	}

	if bal, err := s.deps.Exchange.GetAvailableBalance(ctx, s.cfg.Asset); err != nil {
		s.deps.Logger.Warn(ctx, "Failed to read starting balance", map[string]interface{}{"asset": s.cfg.Asset, "error": err.Error()})
	} else {
		s.mu.Lock()
		s.lastBalance, s.sessionBalance = bal, bal
		s.mu.Unlock()
	}

	if err := s.guard.Load(ctx, s.deps.Trades, s.cfg.Symbols); err != nil {
		s.deps.Logger.Error(ctx, err, "Failed to load daily trade stats")
		return fmt.Errorf("failed to load daily trade stats: %w", err)
	}

	// Nothing local is trusted until it has been checked against the exchange.
	if _, err := s.reconciler.Run(ctx); err != nil {
		return fmt.Errorf("startup reconciliation failed: %w", err)
	}
	if err := s.resumeMonitors(ctx); err != nil {
		return err
	}
	if err := s.openStreams(ctx); err != nil {
		return err
	}
	go s.reconciler.Loop(ctx)

	s.deps.Logger.Info(ctx, "Trading Service started", map[string]interface{}{"monitors": len(s.supervisor.Active())})
	return nil
}

func (s *TradingService) prepareSymbol(ctx context.Context, symbol string) error {
	fields := map[string]interface{}{"symbol": symbol, "leverage": s.cfg.Leverage}
	if err := s.deps.Exchange.SetLeverage(ctx, symbol, s.cfg.Leverage); err != nil {
		// The exchange keeps its current leverage; sizing still uses ours.
		s.deps.Logger.Warn(ctx, "Failed to set leverage, continuing", fields, map[string]interface{}{"error": err.Error()})
	}
	if _, err := s.filtersFor(ctx, symbol); err != nil {
		s.deps.Logger.Error(ctx, err, "Failed to load symbol filters", fields)
		return fmt.Errorf("failed to load filters for %s: %w", symbol, err)
	}

	limit := s.deps.Signals.RequiredDataPoints() + 1
	if limit < s.cfg.Reconcile.KlineLimit {
		limit = s.cfg.Reconcile.KlineLimit
	}
	klines, err := retry.Value(ctx, s.cfg.Retry, func(ctx context.Context) ([]*domain.Kline, error) {
		return s.deps.Exchange.GetKlines(ctx, symbol, s.cfg.KlineInterval, limit)
	})
	if err != nil {
		s.deps.Logger.Error(ctx, err, "Failed to load initial klines", fields)
		return fmt.Errorf("failed to load initial klines for %s: %w", symbol, err)
	}
	s.hub.SetKlines(symbol, klines)
	if price, err := s.deps.Exchange.GetMarkPrice(ctx, symbol); err == nil {
		s.hub.Publish(domain.PriceTick{Symbol: symbol, Price: price, Time: s.deps.Now()})
	}
	s.deps.Logger.Info(ctx, "Symbol prepared", fields, map[string]interface{}{"klines": len(klines)})
	return nil
}

func (s *TradingService) resumeMonitors(ctx context.Context) error {
	for _, symbol := range s.cfg.Symbols {
		pending, err := s.deps.Orders.ListPending(ctx, symbol)
		if err != nil {
			return fmt.Errorf("failed to list pending orders for %s: %w", symbol, err)
		}
		for _, o := range pending {
			s.track(o)
			s.supervisor.Spawn(o.ID, o.Symbol)
		}
	}
	return nil
}

// track remembers working exit orders so a position gets one exit at a time.
func (s *TradingService) track(o *domain.Order) {
	if o.IsEntry() || o.PositionID == nil {
		return
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.exitPending[*o.PositionID] = o.ID
}

func (s *TradingService) openStreams(ctx context.Context) error {
	for _, symbol := range s.cfg.Symbols {
		symbol := symbol
		done, stop, err := s.deps.Exchange.StreamMarkPrice(ctx, symbol, s.handlePriceTick, s.handleStreamError)
		if err != nil {
			return fmt.Errorf("failed to start mark price stream for %s: %w", symbol, err)
		}
		s.addStream(stream{name: "markPrice:" + symbol, done: done, stop: stop})

		done, stop, err = s.deps.Exchange.StreamKlines(ctx, symbol, s.cfg.KlineInterval, s.handleKline, s.handleStreamError)
		if err != nil {
			return fmt.Errorf("failed to start kline stream for %s: %w", symbol, err)
		}
		s.addStream(stream{name: "kline:" + symbol, done: done, stop: stop})
		s.deps.Logger.Info(ctx, "Streams started", map[string]interface{}{"symbol": symbol, "interval": s.cfg.KlineInterval})
	}

	done, stop, err := s.deps.Exchange.StreamUserData(ctx, s.handleUserData, s.handleStreamError)
	if err != nil {
		return fmt.Errorf("failed to start user data stream: %w", err)
	}
	s.addStream(stream{name: "userData", done: done, stop: stop})
	return nil
}

func (s *TradingService) addStream(st stream) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.streams = append(s.streams, st)
}

// Stop closes the streams and shuts the monitor pool down, waiting at most
// ShutdownTimeout for monitors to finish.
func (s *TradingService) Stop() error {
	ctx := context.Background()
	s.mu.Lock()
	streams := s.streams
	s.streams = nil
	s.mu.Unlock()

	for _, st := range streams {
		select {
		case <-st.stop:
		default:
			close(st.stop)
		}
	}
	for _, st := range streams {
		select {
		case <-st.done:
		case <-time.After(5 * time.Second):
			s.deps.Logger.Warn(ctx, "Timeout waiting for stream to shut down", map[string]interface{}{"stream": st.name})
		}
	}
	if err := s.supervisor.Shutdown(s.cfg.ShutdownTimeout); err != nil {
		s.deps.Logger.Error(ctx, err, "Order monitors did not stop in time", map[string]interface{}{"active": s.supervisor.Active()})
		return err
	}
	s.deps.Logger.Info(ctx, "Session performance", s.SessionPerformance().Fields())
	return nil
}

// SessionPerformance summarizes the trades closed since Start.
func (s *TradingService) SessionPerformance() *analytics.Performance {
	s.mu.Lock()
	trades := append([]*domain.Trade(nil), s.sessionTrades...)
	balance := s.sessionBalance
	s.mu.Unlock()
	return analytics.AnalyzePerformance(trades, balance)
}

// handleStreamError logs stream errors and asks for a reconciliation pass,
// since a connectivity gap may have hidden fills.
func (s *TradingService) handleStreamError(err error) {
	s.deps.Logger.Error(context.Background(), err, "Stream error reported")
	s.reconciler.Trigger()
}

// onManual halts the position the order belongs to, or the symbol's open
// position for an entry, before asking for reconciliation.
func (s *TradingService) onManual(ctx context.Context, o *domain.Order, err error) {
	fields := map[string]interface{}{}
	if o != nil {
		fields = map[string]interface{}{"orderID": o.ID, "symbol": o.Symbol, "state": o.State}
	}
	s.deps.Logger.Error(ctx, err, "Manual intervention required, requesting reconciliation", fields)
	if o != nil {
		s.haltPosition(ctx, o, err)
	}
	s.reconciler.Trigger()
}

func (s *TradingService) haltPosition(ctx context.Context, o *domain.Order, cause error) {
	l := s.positionLock(o.Symbol)
	l.Lock()
	defer l.Unlock()

	var pos *domain.Position
	var err error
	if o.PositionID != nil {
		pos, err = s.deps.Positions.FindByID(ctx, *o.PositionID)
	} else {
		pos, err = s.deps.Positions.FindOpenBySymbol(ctx, o.Symbol)
	}
	if err != nil {
		s.deps.Logger.Error(ctx, err, "Failed to look up position to halt", map[string]interface{}{"orderID": o.ID, "symbol": o.Symbol})
		return
	}
	if pos == nil || !pos.IsOpen() {
		return
	}
	_, err = s.updatePosition(ctx, pos.ID, func(p *domain.Position) bool {
		if p.Halted || !p.IsOpen() {
			return false
		}
		p.Halted = true
		return true
	})
	if err != nil {
		s.deps.Logger.Error(ctx, err, "Failed to halt position", map[string]interface{}{"positionID": pos.ID, "symbol": pos.Symbol})
		return
	}
	s.deps.Logger.Warn(ctx, "Position halted pending manual intervention", map[string]interface{}{
		"positionID": pos.ID, "symbol": pos.Symbol, "orderID": o.ID, "cause": cause.Error(),
	})
}

// handleUserData routes account pushes. An order update wakes the order's
// monitor; a change the engine cannot attribute to a working order asks for
// reconciliation.
func (s *TradingService) handleUserData(ev domain.UserDataEvent) {
	ctx := context.Background()
	switch ev.Kind {
	case domain.UserDataOrderUpdate:
		if ev.Order != nil && s.tracksSymbol(ev.Order.Symbol) {
			s.handleOrderUpdate(ctx, ev.Order)
		}
	case domain.UserDataAccountUpdate:
		if ev.Reason == accountUpdateOrder {
			return
		}
		for _, symbol := range ev.Symbols {
			if s.tracksSymbol(symbol) {
				s.deps.Logger.Warn(ctx, "Position changed outside the engine, requesting reconciliation",
					map[string]interface{}{"symbol": symbol, "reason": ev.Reason})
				s.reconciler.Trigger()
				return
			}
		}
	}
}

// accountUpdateOrder is the account update reason for changes caused by
// order executions, which order updates already cover.
const accountUpdateOrder = "ORDER"

func (s *TradingService) handleOrderUpdate(ctx context.Context, u *domain.ExchangeOrder) {
	id := strings.TrimSuffix(u.ClientOrderID, monitor.ConversionSuffix)
	if s.supervisor.Sync(id) {
		return
	}
	fields := map[string]interface{}{"clientOrderID": u.ClientOrderID, "exchangeID": u.ExchangeID, "symbol": u.Symbol, "status": u.Status}
	o, err := s.deps.Orders.Get(ctx, id)
	switch {
	case errors.Is(err, ports.ErrNotFound):
		if u.IsClosed() && u.ExecutedQty == 0 {
			return
		}
		s.deps.Logger.Warn(ctx, "Update for an order the engine does not know, requesting reconciliation", fields)
		s.reconciler.Trigger()
	case err != nil:
		s.deps.Logger.Warn(ctx, "Failed to load order for pushed update", fields, map[string]interface{}{"error": err.Error()})
		s.reconciler.Trigger()
	case o.State.IsTerminal() && !u.IsClosed():
		s.deps.Logger.Warn(ctx, "Exchange order live but finished locally, requesting reconciliation", fields, map[string]interface{}{"state": string(o.State)})
		s.reconciler.Trigger()
	default:
		// Not yet monitored: the placing path spawns the monitor.
		s.deps.Logger.Debug(ctx, "Order update before monitoring started", fields)
	}
}

func (s *TradingService) tracksSymbol(symbol string) bool {
	for _, sym := range s.cfg.Symbols {
		if sym == symbol {
			return true
		}
	}
	return false
}

func (s *TradingService) onAdoptOrder(ctx context.Context, o *domain.Order) {
	s.track(o)
	s.supervisor.Spawn(o.ID, o.Symbol)
}

func (s *TradingService) filtersFor(ctx context.Context, symbol string) (*domain.SymbolFilters, error) {
	s.mu.Lock()
	f, ok := s.filters[symbol]
	s.mu.Unlock()
	if ok {
		return f, nil
	}
	f, err := retry.Value(ctx, s.cfg.Retry, func(ctx context.Context) (*domain.SymbolFilters, error) {
		return s.deps.Exchange.GetSymbolFilters(ctx, symbol)
	})
	if err != nil {
		return nil, err
	}
	s.mu.Lock()
	s.filters[symbol] = f
	s.mu.Unlock()
	return f, nil
}

func (s *TradingService) currentPrice(ctx context.Context, symbol string) (float64, error) {
	if price, _, ok := s.hub.Latest(symbol); ok && price > 0 {
		return price, nil
	}
	price, err := retry.Value(ctx, s.cfg.Retry, func(ctx context.Context) (float64, error) {
		return s.deps.Exchange.GetMarkPrice(ctx, symbol)
	})
	if err != nil {
		return 0, err
	}
	s.hub.Publish(domain.PriceTick{Symbol: symbol, Price: price, Time: s.deps.Now()})
	return price, nil
}

func (s *TradingService) entryLock(symbol string) *sync.Mutex {
	return s.lockFor(s.entryLocks, symbol)
}

func (s *TradingService) positionLock(symbol string) *sync.Mutex {
	return s.lockFor(s.posLocks, symbol)
}

func (s *TradingService) lockFor(locks map[string]*sync.Mutex, symbol string) *sync.Mutex {
	s.mu.Lock()
	defer s.mu.Unlock()
	l, ok := locks[symbol]
	if !ok {
		l = &sync.Mutex{}
		locks[symbol] = l
	}
	return l
}

// ClearHalt resumes automated handling of a halted position after an
// operator has resolved it.
func (s *TradingService) ClearHalt(ctx context.Context, positionID int64) error {
	pos, err := s.deps.Positions.FindByID(ctx, positionID)
	if err != nil {
		return err
	}
	if pos == nil {
		return fmt.Errorf("position %d: %w", positionID, ports.ErrNotFound)
	}
	l := s.positionLock(pos.Symbol)
	l.Lock()
	defer l.Unlock()
	_, err = s.updatePosition(ctx, positionID, func(p *domain.Position) bool {
		if !p.Halted {
			return false
		}
		p.Halted = false
		return true
	})
	if err != nil {
		return err
	}
	s.deps.Logger.Info(ctx, "Position halt cleared", map[string]interface{}{"positionID": positionID, "symbol": pos.Symbol})
	return nil
}

// updatePosition re-reads and re-applies fn on ErrStaleWrite. fn returns
// false when there is nothing to write.
func (s *TradingService) updatePosition(ctx context.Context, id int64, fn func(p *domain.Position) bool) (*domain.Position, error) {
	for attempt := 0; ; attempt++ {
		p, err := s.deps.Positions.FindByID(ctx, id)
		if err != nil {
			return nil, err
		}
		if p == nil {
			return nil, fmt.Errorf("position %d: %w", id, ports.ErrNotFound)
		}
		if !fn(p) {
			return p, nil
		}
		err = s.deps.Positions.Update(ctx, p)
		if err == nil {
			return p, nil
		}
		if !errors.Is(err, ports.ErrStaleWrite) || attempt >= 4 {
			return nil, err
		}
	}
}

func (s *TradingService) notify(ctx context.Context, e domain.Event) {
	if e.Time.IsZero() {
		e.Time = s.deps.Now()
	}
	s.deps.Notifier.Notify(ctx, e)
}

func newOrderID() string {
	return strings.ReplaceAll(uuid.NewString(), "-", "")
}
