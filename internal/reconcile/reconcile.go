// Package reconcile aligns local orders and positions with the exchange. It
// runs before trading starts, periodically, and whenever a component reports
// that local state can no longer be trusted.
package reconcile

import (
	"context"
	"errors"
	"fmt"
	"math"
	"regexp"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"golang.org/x/sync/errgroup"

	"futuresExecBot/internal/domain"
	"futuresExecBot/internal/ports"
	"futuresExecBot/internal/retry"
)

// Config holds the reconciliation settings.
type Config struct {
	Symbols       []string
	Interval      time.Duration // 0 disables the periodic pass
	KlineInterval string
	KlineLimit    int
	// Conservative stop for adopted exposure:
	// price ∓ max(lastRange × StopRangeMultiplier, price × StopMinDistance).
	StopRangeMultiplier float64
	StopMinDistance     float64
	DefaultLeverage     int
	// PlacementGrace is how long an order the exchange has not acknowledged
	// is assumed to be still in flight.
	PlacementGrace time.Duration
	Retry          retry.Policy
}

// DefaultConfig returns the production defaults.
func DefaultConfig() Config {
	return Config{
		Interval:            5 * time.Minute,
		KlineInterval:       "1m",
		KlineLimit:          20,
		StopRangeMultiplier: 0.6,
		StopMinDistance:     0.005,
		DefaultLeverage:     1,
		PlacementGrace:      30 * time.Second,
		Retry:               retry.DefaultPolicy(),
	}
}

// Deps are the controller's collaborators.
type Deps struct {
	Orders    ports.OrderStore
	Positions ports.PositionStore
	Exchange  ports.ExchangeClient
	Notifier  ports.Notifier
	Logger    ports.Logger
	// OnFill receives fill increments found on the exchange, exactly as the
	// order monitor reports them.
	OnFill func(ctx context.Context, order *domain.Order, delta domain.FillDelta)
	// OnAdoptOrder is called for every working order adopted from the exchange.
	OnAdoptOrder func(ctx context.Context, order *domain.Order)
	Now          func() time.Time
}

// Report summarizes one pass.
type Report struct {
	StartedAt        time.Time
	Duration         time.Duration
	AdoptedOrders    []string
	AdoptedPositions []int64
	ClosedPositions  []int64
	UpdatedPositions []int64
	Synced           []string
	Resolved         []string
	Unknown          []string
	Errors           []error
}

// Changed reports whether the pass modified any local record.
func (r *Report) Changed() bool {
	return len(r.AdoptedOrders)+len(r.AdoptedPositions)+len(r.ClosedPositions)+
		len(r.UpdatedPositions)+len(r.Synced)+len(r.Resolved)+len(r.Unknown) > 0
}

func (r *Report) fields() map[string]interface{} {
	return map[string]interface{}{
		"adoptedOrders":    len(r.AdoptedOrders),
		"adoptedPositions": len(r.AdoptedPositions),
		"closedPositions":  len(r.ClosedPositions),
		"updatedPositions": len(r.UpdatedPositions),
		"synced":           len(r.Synced),
		"resolved":         len(r.Resolved),
		"unknown":          len(r.Unknown),
		"errors":           len(r.Errors),
		"duration":         r.Duration.String(),
	}
}

// Controller runs reconciliation passes, one at a time.
type Controller struct {
	cfg  Config
	deps Deps

	mu      sync.Mutex // serializes passes
	trigger chan struct{}
}

// New creates a controller.
func New(cfg Config, deps Deps) *Controller {
	if deps.Now == nil {
		deps.Now = time.Now
	}
	if cfg.KlineLimit <= 0 {
		cfg.KlineLimit = DefaultConfig().KlineLimit
	}
	if cfg.KlineInterval == "" {
		cfg.KlineInterval = DefaultConfig().KlineInterval
	}
	if cfg.DefaultLeverage <= 0 {
		cfg.DefaultLeverage = 1
	}
	return &Controller{cfg: cfg, deps: deps, trigger: make(chan struct{}, 1)}
}

// Trigger requests a pass from Loop without blocking. Requests made while a
// pass is pending collapse into one.
func (c *Controller) Trigger() {
	select {
	case c.trigger <- struct{}{}:
	default:
	}
}

// Loop runs a pass every Interval and on every Trigger until ctx ends.
func (c *Controller) Loop(ctx context.Context) {
	var tick <-chan time.Time
	if c.cfg.Interval > 0 {
		ticker := time.NewTicker(c.cfg.Interval)
		defer ticker.Stop()
		tick = ticker.C
	}
	for {
		select {
		case <-ctx.Done():
			return
		case <-tick:
		case <-c.trigger:
		}
		if _, err := c.Run(ctx); err != nil && ctx.Err() == nil {
			c.deps.Logger.Error(ctx, err, "Reconciliation pass failed")
		}
	}
}

// Run reconciles every configured symbol. Per-symbol failures are collected
// in the report; the returned error is non-nil only if no symbol could be
// reconciled.
func (c *Controller) Run(ctx context.Context) (*Report, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	rep := &Report{StartedAt: c.deps.Now()}
	c.deps.Logger.Info(ctx, "Reconciliation started", map[string]interface{}{"symbols": strings.Join(c.cfg.Symbols, ",")})

	failed := 0
	for _, symbol := range c.cfg.Symbols {
		if err := c.reconcileSymbol(ctx, symbol, rep); err != nil {
			failed++
			rep.Errors = append(rep.Errors, fmt.Errorf("reconcile %s: %w", symbol, err))
			c.deps.Logger.Error(ctx, err, "Failed to reconcile symbol", map[string]interface{}{"symbol": symbol})
		}
	}
	rep.Duration = c.deps.Now().Sub(rep.StartedAt)

	c.deps.Logger.Info(ctx, "Reconciliation completed", rep.fields())
	c.deps.Notifier.Notify(ctx, domain.Event{
		Type:    domain.EventReconciliationCompleted,
		Time:    c.deps.Now(),
		Details: rep.fields(),
	})
	if failed > 0 && failed == len(c.cfg.Symbols) {
		return rep, errors.Join(rep.Errors...)
	}
	return rep, nil
}

// Snapshot fetches the exchange's view of symbol concurrently. Missing
// klines only weaken the adoption stop and are not an error.
func (c *Controller) Snapshot(ctx context.Context, symbol string) (*domain.ExchangeSnapshot, error) {
	snap := &domain.ExchangeSnapshot{Symbol: symbol, TakenAt: c.deps.Now()}
	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		open, err := retry.Value(gctx, c.cfg.Retry, func(ctx context.Context) ([]*domain.ExchangeOrder, error) {
			return c.deps.Exchange.ListOpenOrders(ctx, symbol)
		})
		snap.OpenOrders = open
		return err
	})
	g.Go(func() error {
		pos, err := retry.Value(gctx, c.cfg.Retry, func(ctx context.Context) (*domain.ExchangePosition, error) {
			return c.deps.Exchange.GetPosition(ctx, symbol)
		})
		snap.Position = pos
		return err
	})
	g.Go(func() error {
		price, err := retry.Value(gctx, c.cfg.Retry, func(ctx context.Context) (float64, error) {
			return c.deps.Exchange.GetMarkPrice(ctx, symbol)
		})
		snap.MarkPrice = price
		return err
	})
	g.Go(func() error {
		klines, err := c.deps.Exchange.GetKlines(gctx, symbol, c.cfg.KlineInterval, c.cfg.KlineLimit)
		if err != nil {
			c.deps.Logger.Warn(gctx, "Klines unavailable for reconciliation", map[string]interface{}{"symbol": symbol, "error": err.Error()})
			return nil
		}
		snap.Klines = klines
		return nil
	})
	if err := g.Wait(); err != nil {
		return nil, fmt.Errorf("snapshot %s: %w", symbol, err)
	}
	return snap, nil
}

func (c *Controller) reconcileSymbol(ctx context.Context, symbol string, rep *Report) error {
	snap, err := c.Snapshot(ctx, symbol)
	if err != nil {
		return err
	}
	if err := c.reconcileOrders(ctx, snap, rep); err != nil {
		return err
	}
	return c.reconcilePosition(ctx, snap, rep)
}

// ConservativeStop places a stop for exposure the engine did not size
// itself: the larger of the last candle's range times mult and price times
// minDistance away from price, on the losing side.
func ConservativeStop(side domain.PositionSide, price float64, klines []*domain.Kline, mult, minDistance float64) float64 {
	if price <= 0 {
		return 0
	}
	dist := price * minDistance
	if n := len(klines); n > 0 {
		dist = math.Max(dist, klines[n-1].Range()*mult)
	}
	if side == domain.Long {
		return price - dist
	}
	return price + dist
}

func (c *Controller) stopFor(side domain.PositionSide, snap *domain.ExchangeSnapshot, fallback float64) float64 {
	price := snap.MarkPrice
	if price <= 0 {
		price = fallback
	}
	return ConservativeStop(side, price, snap.Klines, c.cfg.StopRangeMultiplier, c.cfg.StopMinDistance)
}

var engineIDPattern = regexp.MustCompile(`^[0-9a-f]{32}$`)

func (c *Controller) notifyManual(ctx context.Context, o *domain.Order, reason string) {
	e := domain.Event{
		Type:    domain.EventManualInterventionRequired,
		Symbol:  o.Symbol,
		OrderID: o.ID,
		State:   string(o.State),
		Reason:  reason,
		Time:    c.deps.Now(),
		Details: map[string]interface{}{"op": "reconcile"},
	}
	if o.PositionID != nil {
		e.PositionID = *o.PositionID
	}
	c.deps.Notifier.Notify(ctx, e)
}

func newOrderID() string {
	return strings.ReplaceAll(uuid.NewString(), "-", "")
}
