// Package monitor drives every working order to a terminal state. Each order
// gets one goroutine, owned by a Supervisor, that reacts to price ticks,
// periodic exchange polls and external directives.
package monitor

import (
	"context"
	"errors"
	"fmt"
	"math"
	"time"

	"futuresExecBot/internal/domain"
	"futuresExecBot/internal/ports"
	"futuresExecBot/internal/retry"
)

// Action is what happens to a working order that should stop resting.
type Action string

const (
	ActionCancel  Action = "cancel"
	ActionConvert Action = "convert_to_market"
)

// ParseAction maps a config value to an Action.
func ParseAction(s string) (Action, error) {
	switch Action(s) {
	case ActionCancel, ActionConvert:
		return Action(s), nil
	}
	return "", fmt.Errorf("unknown order action %q: %w", s, ports.ErrConfigurationError)
}

// ConversionSuffix is appended to an order id to form the client id of its
// market conversion leg.
const ConversionSuffix = "-m"

// maxStaleRetries bounds re-read loops on ErrStaleWrite.
const maxStaleRetries = 5

// Config holds the monitor's timing and trigger thresholds.
type Config struct {
	CheckInterval time.Duration
	Timeout       time.Duration // 0 disables
	TimeoutAction Action

	PriceAwayThreshold float64 // fraction of the limit price, 0 disables
	PriceAwayGrace     time.Duration
	CancelOnPriceAway  bool // false converts to market instead

	RapidChangeThreshold float64 // fraction, 0 disables
	RapidChangeWindow    time.Duration
	RapidChangeGrace     time.Duration

	Retry retry.Policy
}

// DefaultConfig mirrors the production defaults.
func DefaultConfig() Config {
	return Config{
		CheckInterval:        5 * time.Second,
		Timeout:              5 * time.Minute,
		TimeoutAction:        ActionCancel,
		PriceAwayThreshold:   0.005,
		PriceAwayGrace:       10 * time.Second,
		CancelOnPriceAway:    true,
		RapidChangeThreshold: 0.003,
		RapidChangeWindow:    5 * time.Second,
		RapidChangeGrace:     2 * time.Second,
		Retry:                retry.DefaultPolicy(),
	}
}

// Directive is an external request to stop an order from resting.
type Directive struct {
	Action Action
	Reason string
}

// PriceFeed is the subset of the price hub the monitor needs.
type PriceFeed interface {
	Subscribe(symbol string) (<-chan domain.PriceTick, func())
	Latest(symbol string) (float64, time.Time, bool)
}

// FillHandler receives every fill increment applied to an order.
type FillHandler func(ctx context.Context, order *domain.Order, delta domain.FillDelta)

// ManualHandler is called when an order needs manual intervention.
type ManualHandler func(ctx context.Context, order *domain.Order, err error)

// Deps are the collaborators shared by all monitors.
type Deps struct {
	Orders   ports.OrderStore
	Exchange ports.ExchangeClient
	Prices   PriceFeed
	Notifier ports.Notifier
	Logger   ports.Logger
	OnFill   FillHandler
	OnManual ManualHandler
	// OnActiveChange reports the number of running monitors.
	OnActiveChange func(n int)
	Now            func() time.Time
}

type pricePoint struct {
	price float64
	at    time.Time
}

type monitor struct {
	id     string
	symbol string
	cfg    Config
	deps   *Deps

	directives chan Directive
	pending    *Directive
	// wake asks for an immediate exchange poll.
	wake chan struct{}

	history    []pricePoint
	awaySince  time.Time
	rapidSince time.Time

	// resolving is set while a cancel or conversion has started but not
	// finished (e.g. the exchange still reports the order open).
	resolving     Action
	resolveReason string

	convBase     float64 // quantity filled by the limit leg before conversion
	convNotional float64 // and its notional
	convKnown    bool
	halted    bool
	// escalated is set once the intervention has been reported.
	escalated bool
}

type trigger struct {
	poll  bool
	price float64
	at    time.Time
}

func (m *monitor) fields(o *domain.Order) map[string]interface{} {
	f := map[string]interface{}{"orderID": m.id, "symbol": m.symbol}
	if o != nil {
		f["state"] = string(o.State)
		f["filledQty"] = o.FilledQty
		f["remainingQty"] = o.RemainingQty
	}
	return f
}

func (m *monitor) run(ctx context.Context) {
	ticks, unsubscribe := m.deps.Prices.Subscribe(m.symbol)
	defer unsubscribe()
	ticker := time.NewTicker(m.cfg.CheckInterval)
	defer ticker.Stop()

	m.deps.Logger.Debug(ctx, "Order monitor started", m.fields(nil))
	defer m.deps.Logger.Debug(ctx, "Order monitor stopped", m.fields(nil))

	if m.step(ctx, trigger{poll: true}) {
		return
	}
	for {
		var done bool
		select {
		case <-ctx.Done():
			return
		case tick, ok := <-ticks:
			if !ok {
				ticks = nil
				continue
			}
			done = m.step(ctx, trigger{price: tick.Price, at: tick.Time})
		case <-ticker.C:
			done = m.step(ctx, trigger{poll: true})
		case <-m.wake:
			done = m.step(ctx, trigger{poll: true})
		case d := <-m.directives:
			m.pending = &d
			done = m.step(ctx, trigger{})
		}
		if done {
			return
		}
	}
}

// step runs one evaluation. It reports true once the order is terminal.
func (m *monitor) step(ctx context.Context, trig trigger) bool {
	o, err := m.deps.Orders.Get(ctx, m.id)
	if err != nil {
		if errors.Is(err, ports.ErrNotFound) {
			m.deps.Logger.Error(ctx, err, "Monitored order disappeared from store", m.fields(nil))
			return true
		}
		m.deps.Logger.Warn(ctx, "Failed to load monitored order", map[string]interface{}{"orderID": m.id, "error": err.Error()})
		return false
	}
	if o.State.IsTerminal() {
		return true
	}
	if o.NeedsReview {
		m.halted = true
	}

	if trig.poll {
		o, err = m.sync(ctx, o)
		if err != nil {
			m.escalate(ctx, o, "sync", err)
			return o != nil && o.State.IsTerminal()
		}
		if o.State.IsTerminal() {
			return true
		}
	}
	if m.halted || ctx.Err() != nil {
		return false
	}
	// Immediate-execution orders only wait for their fills.
	if o.FeeTier == domain.FeeTaker || o.State == domain.OrderConverted {
		return false
	}

	now := m.deps.Now()
	price, at := trig.price, trig.at
	if price <= 0 {
		price, at, _ = m.deps.Prices.Latest(m.symbol)
	}
	if at.IsZero() {
		at = now
	}
	if price > 0 {
		m.record(price, at)
	}

	act, reason := m.decide(ctx, o, price, now)
	if act == "" {
		return false
	}
	if o.State != domain.OrderTimedOut && reason == reasonTimeout {
		o, err = m.mark(ctx, o, func(cur *domain.Order) (ports.Transition, bool) {
			return ports.Transition{ID: cur.ID, ExpectedVersion: cur.Version, To: domain.OrderTimedOut, Reason: reason}, true
		})
		if err != nil {
			m.escalate(ctx, o, "mark timed out", err)
			return false
		}
		if o.State.IsTerminal() {
			return true
		}
	}
	return m.resolve(ctx, o, act, reason)
}

const (
	reasonTimeout     = "timeout"
	reasonPriceAway   = "price moved away"
	reasonRapidChange = "rapid price change"
)

func (m *monitor) decide(ctx context.Context, o *domain.Order, price float64, now time.Time) (Action, string) {
	away := m.priceAway(o, price, now)
	rapid := m.rapidChange(now)
	switch {
	case m.resolving != "":
		return m.resolving, m.resolveReason
	case o.State == domain.OrderTimedOut:
		return m.cfg.TimeoutAction, reasonTimeout
	case m.cfg.Timeout > 0 && o.Age(now) > m.cfg.Timeout:
		m.deps.Logger.Info(ctx, "Order timed out", m.fields(o))
		return m.cfg.TimeoutAction, reasonTimeout
	case away:
		return m.awayAction(), reasonPriceAway
	case rapid:
		return m.awayAction(), reasonRapidChange
	case m.pending != nil:
		d := m.pending
		m.pending = nil
		return d.Action, d.Reason
	}
	return "", ""
}

func (m *monitor) awayAction() Action {
	if m.cfg.CancelOnPriceAway {
		return ActionCancel
	}
	return ActionConvert
}

func (m *monitor) record(price float64, at time.Time) {
	m.history = append(m.history, pricePoint{price: price, at: at})
	cutoff := at.Add(-m.cfg.RapidChangeWindow)
	i := 0
	for i < len(m.history)-1 && m.history[i].at.Before(cutoff) {
		i++
	}
	m.history = m.history[i:]
}

// priceAway tracks how long the market has been beyond the threshold on the
// far side of the limit and reports whether that outlasted the grace period.
func (m *monitor) priceAway(o *domain.Order, price float64, now time.Time) bool {
	t := m.cfg.PriceAwayThreshold
	if t <= 0 || price <= 0 || o.Price <= 0 {
		return false
	}
	var away bool
	if o.Side() == domain.Buy {
		away = price > o.Price*(1+t)
	} else {
		away = price < o.Price*(1-t)
	}
	if !away {
		m.awaySince = time.Time{}
		return false
	}
	if m.awaySince.IsZero() {
		m.awaySince = now
	}
	return now.Sub(m.awaySince) >= m.cfg.PriceAwayGrace
}

// rapidChange compares the oldest and newest prices inside the window.
func (m *monitor) rapidChange(now time.Time) bool {
	t := m.cfg.RapidChangeThreshold
	if t <= 0 || len(m.history) < 2 {
		m.rapidSince = time.Time{}
		return false
	}
	first, last := m.history[0], m.history[len(m.history)-1]
	if first.price <= 0 || math.Abs(last.price-first.price)/first.price <= t {
		m.rapidSince = time.Time{}
		return false
	}
	if m.rapidSince.IsZero() {
		m.rapidSince = now
	}
	return now.Sub(m.rapidSince) >= m.cfg.RapidChangeGrace
}

// resolve takes a resting order off the book: cancel, re-read the exchange's
// final view, then cancel or convert whatever remains. It reports true when
// the order is terminal.
func (m *monitor) resolve(ctx context.Context, o *domain.Order, act Action, reason string) bool {
	m.resolving, m.resolveReason = act, reason
	fields := m.fields(o)
	fields["action"] = string(act)
	fields["reason"] = reason
	m.deps.Logger.Info(ctx, "Resolving working order", fields)

	if o.ExchangeID != nil {
		exID := *o.ExchangeID
		_, err := retry.Value(ctx, m.cfg.Retry, func(ctx context.Context) (*domain.ExchangeOrder, error) {
			return m.deps.Exchange.CancelOrder(ctx, m.symbol, exID)
		})
		if err != nil && !errors.Is(err, ports.ErrOrderNotFound) && !errors.Is(err, ports.ErrOrderCancelFailed) {
			m.escalate(ctx, o, "cancel", err)
			return false
		}
	}

	// The cancel may have raced a fill; only the exchange's view after the
	// cancel decides what is left.
	ex, err := m.query(ctx, o.ExchangeID, o.ID)
	switch {
	case errors.Is(err, ports.ErrOrderNotFound) && o.ExchangeID == nil:
		ex = nil
	case err != nil:
		m.escalate(ctx, o, "re-read after cancel", err)
		return false
	}
	if ex != nil {
		o, err = m.applyFills(ctx, o, ex)
		if err != nil {
			m.escalate(ctx, o, "apply fill", err)
			return false
		}
		if o.State.IsTerminal() {
			m.resolving = ""
			return true
		}
		if !ex.IsClosed() {
			m.deps.Logger.Warn(ctx, "Order still open after cancel, retrying next check", m.fields(o))
			return false
		}
	}

	m.resolving = ""
	if act == ActionConvert && o.RemainingQty >= domain.FillEpsilon {
		return m.convert(ctx, o, reason)
	}
	o, err = m.finish(ctx, o, domain.OrderCancelled, reason)
	if err != nil {
		m.escalate(ctx, o, "mark cancelled", err)
		return false
	}
	return o.State.IsTerminal()
}

func (m *monitor) convert(ctx context.Context, o *domain.Order, reason string) bool {
	o, err := m.mark(ctx, o, func(cur *domain.Order) (ports.Transition, bool) {
		return ports.Transition{ID: cur.ID, ExpectedVersion: cur.Version, To: domain.OrderConverted, Reason: reason}, true
	})
	if err != nil {
		m.escalate(ctx, o, "mark converted", err)
		return false
	}
	if o.State.IsTerminal() {
		return true
	}
	m.markConversionBase(o)
	m.emit(ctx, o, domain.EventOrderConverted, domain.FillDelta{Qty: o.RemainingQty}, reason)

	leg, err := m.placeConversion(ctx, o)
	if err != nil {
		if ports.IsPermanent(err) {
			m.deps.Logger.Error(ctx, err, "Market conversion rejected", m.fields(o))
			o, ferr := m.finish(ctx, o, domain.OrderCancelled, "conversion rejected: "+err.Error())
			if ferr != nil {
				m.escalate(ctx, o, "mark cancelled", ferr)
				return false
			}
			return o.State.IsTerminal()
		}
		m.escalate(ctx, o, "place conversion", err)
		return false
	}
	o, err = m.applyLeg(ctx, o, leg)
	if err != nil {
		m.escalate(ctx, o, "apply conversion fill", err)
		return false
	}
	return o.State.IsTerminal()
}

// placeConversion submits the market leg for the remainder. Each attempt
// first looks the leg up by client id so a retried or repeated call never
// places it twice.
func (m *monitor) placeConversion(ctx context.Context, o *domain.Order) (*domain.ExchangeOrder, error) {
	clientID := o.ID + ConversionSuffix
	req := ports.OrderRequest{
		Symbol:        o.Symbol,
		Side:          o.Side(),
		Quantity:      o.RemainingQty,
		ClientOrderID: clientID,
		ReduceOnly:    !o.IsEntry(),
	}
	return retry.Value(ctx, m.cfg.Retry, func(ctx context.Context) (*domain.ExchangeOrder, error) {
		leg, err := m.deps.Exchange.GetOrder(ctx, o.Symbol, 0, clientID)
		if err == nil {
			return leg, nil
		}
		if !errors.Is(err, ports.ErrOrderNotFound) {
			return nil, err
		}
		return m.deps.Exchange.PlaceMarketOrder(ctx, req)
	})
}

func (m *monitor) query(ctx context.Context, exchangeID *int64, clientID string) (*domain.ExchangeOrder, error) {
	var id int64
	if exchangeID != nil {
		id = *exchangeID
	}
	return retry.Value(ctx, m.cfg.Retry, func(ctx context.Context) (*domain.ExchangeOrder, error) {
		return m.deps.Exchange.GetOrder(ctx, m.symbol, id, clientID)
	})
}

// sync polls the exchange and folds its view into the local order.
func (m *monitor) sync(ctx context.Context, o *domain.Order) (*domain.Order, error) {
	if o.State == domain.OrderConverted {
		return m.syncConversion(ctx, o)
	}
	ex, err := m.query(ctx, o.ExchangeID, o.ID)
	if errors.Is(err, ports.ErrOrderNotFound) && o.ExchangeID == nil {
		return m.finish(ctx, o, domain.OrderCancelled, "not acknowledged by exchange")
	}
	if err != nil {
		return o, err
	}
	o, err = m.applyFills(ctx, o, ex)
	if err != nil || o.State.IsTerminal() {
		return o, err
	}
	// A timed out order that is already closed still needs its timeout action.
	if ex.IsClosed() && o.State != domain.OrderTimedOut && m.resolving == "" {
		return m.finish(ctx, o, domain.OrderCancelled, "closed by exchange: "+ex.Status)
	}
	return o, nil
}

func (m *monitor) syncConversion(ctx context.Context, o *domain.Order) (*domain.Order, error) {
	leg, err := retry.Value(ctx, m.cfg.Retry, func(ctx context.Context) (*domain.ExchangeOrder, error) {
		return m.deps.Exchange.GetOrder(ctx, o.Symbol, 0, o.ID+ConversionSuffix)
	})
	if errors.Is(err, ports.ErrOrderNotFound) {
		if m.halted {
			return o, nil
		}
		m.deps.Logger.Warn(ctx, "Conversion leg missing, placing it", m.fields(o))
		if !m.convKnown {
			m.markConversionBase(o)
		}
		leg, err = m.placeConversion(ctx, o)
	}
	if err != nil {
		return o, err
	}
	return m.applyLeg(ctx, o, leg)
}

func (m *monitor) markConversionBase(o *domain.Order) {
	m.convBase, m.convNotional, m.convKnown = o.FilledQty, o.AvgFillPrice*o.FilledQty, true
}

// applyLeg folds the market leg's execution into the order. Each increment
// is priced from the leg's cumulative VWAP, net of what was already applied.
func (m *monitor) applyLeg(ctx context.Context, o *domain.Order, leg *domain.ExchangeOrder) (*domain.Order, error) {
	if !m.convKnown {
		// Restarted mid-conversion: the limit leg is what the market leg did not cover.
		base := o.OrigQty - leg.OrigQty
		if o.FilledQty-base < domain.FillEpsilon {
			m.convBase, m.convNotional, m.convKnown = base, o.AvgFillPrice*o.FilledQty, true
		} else {
			m.convBase, m.convNotional = base, o.Price*base
		}
	}
	base, baseNotional := m.convBase, m.convNotional
	var delta domain.FillDelta
	o, err := m.mark(ctx, o, func(cur *domain.Order) (ports.Transition, bool) {
		total := base + leg.ExecutedQty
		avg := leg.AvgPrice
		if total > 0 {
			avg = (baseNotional + leg.AvgPrice*leg.ExecutedQty) / total
		}
		delta = cur.DeltaFromCumulative(total, avg)
		if delta.Qty < domain.FillEpsilon {
			delta = domain.FillDelta{}
		}
		if delta.Qty > cur.RemainingQty {
			delta.Qty = cur.RemainingQty
		}
		to := cur.State
		switch {
		case cur.RemainingQty-delta.Qty < domain.FillEpsilon:
			to = domain.OrderFilled
		case leg.IsClosed():
			to = domain.OrderCancelled
		}
		if delta.Qty == 0 && to == cur.State {
			return ports.Transition{}, false
		}
		tr := ports.Transition{ID: cur.ID, ExpectedVersion: cur.Version, To: to}
		if delta.Qty > 0 {
			tr.Fill = &delta
		}
		if to == domain.OrderCancelled {
			tr.Reason = "conversion leg " + leg.Status
		}
		return tr, true
	})
	if err != nil {
		return o, err
	}
	m.afterFill(ctx, o, delta)
	if o.State == domain.OrderCancelled {
		m.emit(ctx, o, domain.EventOrderCancelled, domain.FillDelta{Qty: o.RemainingQty}, o.Reason)
	}
	return o, nil
}

// applyFills folds the exchange's cumulative execution into the order.
func (m *monitor) applyFills(ctx context.Context, o *domain.Order, ex *domain.ExchangeOrder) (*domain.Order, error) {
	var delta domain.FillDelta
	o, err := m.mark(ctx, o, func(cur *domain.Order) (ports.Transition, bool) {
		delta = cur.DeltaFromCumulative(ex.ExecutedQty, ex.AvgPrice)
		if delta.Qty > cur.RemainingQty {
			delta.Qty = cur.RemainingQty
		}
		to := cur.State
		switch {
		case delta.Qty > 0 && cur.RemainingQty-delta.Qty < domain.FillEpsilon:
			to = domain.OrderFilled
		case delta.Qty > 0 && cur.State == domain.OrderPlaced:
			to = domain.OrderPartiallyFilled
		}
		needID := cur.ExchangeID == nil && ex.ExchangeID != 0
		if delta.Qty == 0 && !needID {
			return ports.Transition{}, false
		}
		tr := ports.Transition{ID: cur.ID, ExpectedVersion: cur.Version, To: to}
		if delta.Qty > 0 {
			tr.Fill = &delta
		}
		if needID {
			id := ex.ExchangeID
			tr.ExchangeID = &id
		}
		return tr, true
	})
	if err != nil {
		return o, err
	}
	m.afterFill(ctx, o, delta)
	return o, nil
}

func (m *monitor) afterFill(ctx context.Context, o *domain.Order, delta domain.FillDelta) {
	if delta.Qty <= 0 {
		return
	}
	typ := domain.EventOrderPartiallyFilled
	if o.State == domain.OrderFilled {
		typ = domain.EventOrderFilled
	}
	fields := m.fields(o)
	fields["fillQty"] = delta.Qty
	fields["fillPrice"] = delta.Price
	fields["avgFillPrice"] = o.AvgFillPrice
	m.deps.Logger.Info(ctx, "Order fill applied", fields)
	m.emit(ctx, o, typ, delta, "")
	if m.deps.OnFill != nil {
		m.deps.OnFill(ctx, o.Clone(), delta)
	}
}

func (m *monitor) finish(ctx context.Context, o *domain.Order, to domain.OrderState, reason string) (*domain.Order, error) {
	o, err := m.mark(ctx, o, func(cur *domain.Order) (ports.Transition, bool) {
		return ports.Transition{ID: cur.ID, ExpectedVersion: cur.Version, To: to, Reason: reason}, true
	})
	if err != nil {
		return o, err
	}
	if o.State == domain.OrderCancelled {
		m.deps.Logger.Info(ctx, "Order cancelled", map[string]interface{}{"orderID": m.id, "symbol": m.symbol, "reason": reason, "filledQty": o.FilledQty})
		m.emit(ctx, o, domain.EventOrderCancelled, domain.FillDelta{Qty: o.RemainingQty}, reason)
	}
	return o, nil
}

// mark applies the transition built from the current order, re-reading and
// rebuilding on ErrStaleWrite. build returning false skips the write. A
// concurrent writer that already made the order terminal wins.
func (m *monitor) mark(ctx context.Context, o *domain.Order, build func(cur *domain.Order) (ports.Transition, bool)) (*domain.Order, error) {
	for attempt := 0; attempt < maxStaleRetries; attempt++ {
		if o.State.IsTerminal() {
			return o, nil
		}
		tr, ok := build(o)
		if !ok {
			return o, nil
		}
		updated, err := m.deps.Orders.MarkState(ctx, tr)
		if err == nil {
			return updated, nil
		}
		if !errors.Is(err, ports.ErrStaleWrite) {
			return o, err
		}
		m.deps.Logger.Debug(ctx, "Stale order write, re-reading", m.fields(o))
		fresh, gerr := m.deps.Orders.Get(ctx, m.id)
		if gerr != nil {
			return o, gerr
		}
		o = fresh
	}
	return o, fmt.Errorf("mark order %s: gave up after %d conflicts: %w", m.id, maxStaleRetries, ports.ErrStaleWrite)
}

// escalate flags the order for review and stops automated actions on it.
// Fill tracking continues. The intervention is reported once per monitor.
func (m *monitor) escalate(ctx context.Context, o *domain.Order, op string, err error) {
	if ctx.Err() != nil {
		return
	}
	m.halted = true
	m.resolving = ""
	fields := m.fields(o)
	fields["op"] = op
	m.deps.Logger.Error(ctx, err, "Order requires manual intervention", fields)

	if o != nil && !o.State.IsTerminal() && !o.NeedsReview {
		updated, merr := m.mark(ctx, o, func(cur *domain.Order) (ports.Transition, bool) {
			if cur.NeedsReview {
				return ports.Transition{}, false
			}
			return ports.Transition{ID: cur.ID, ExpectedVersion: cur.Version, To: cur.State, NeedsReview: true, Reason: op + ": " + err.Error()}, true
		})
		if merr != nil {
			m.deps.Logger.Error(ctx, merr, "Failed to flag order for review", fields)
		} else {
			o = updated
		}
	}

	if m.escalated {
		return
	}
	m.escalated = true

	var state string
	if o != nil {
		state = string(o.State)
	}
	m.deps.Notifier.Notify(ctx, domain.Event{
		Type:    domain.EventManualInterventionRequired,
		Symbol:  m.symbol,
		OrderID: m.id,
		State:   state,
		Reason:  err.Error(),
		Time:    m.deps.Now(),
		Details: map[string]interface{}{"op": op},
	})
	if m.deps.OnManual != nil {
		m.deps.OnManual(ctx, o, fmt.Errorf("%s: %w: %w", op, ports.ErrManualIntervention, err))
	}
}

func (m *monitor) emit(ctx context.Context, o *domain.Order, typ domain.EventType, d domain.FillDelta, reason string) {
	e := domain.Event{
		Type:     typ,
		Symbol:   o.Symbol,
		OrderID:  o.ID,
		State:    string(o.State),
		Price:    d.Price,
		Quantity: d.Qty,
		Reason:   reason,
		Time:     m.deps.Now(),
		Details: map[string]interface{}{
			"side": string(o.Side()), "intent": string(o.Intent),
			"filledQty": o.FilledQty, "origQty": o.OrigQty,
		},
	}
	if o.PositionID != nil {
		e.PositionID = *o.PositionID
	}
	m.deps.Notifier.Notify(ctx, e)
}
