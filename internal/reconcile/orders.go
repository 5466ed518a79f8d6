package reconcile

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"futuresExecBot/internal/domain"
	"futuresExecBot/internal/ports"
	"futuresExecBot/internal/retry"
)

const conversionSuffix = "-m"

func (c *Controller) reconcileOrders(ctx context.Context, snap *domain.ExchangeSnapshot, rep *Report) error {
	pending, err := c.deps.Orders.ListPending(ctx, snap.Symbol)
	if err != nil {
		return fmt.Errorf("list pending orders: %w", err)
	}

	byExchangeID := make(map[int64]*domain.ExchangeOrder, len(snap.OpenOrders))
	byClientID := make(map[string]*domain.ExchangeOrder, len(snap.OpenOrders))
	for _, ex := range snap.OpenOrders {
		byExchangeID[ex.ExchangeID] = ex
		if ex.ClientOrderID != "" {
			byClientID[ex.ClientOrderID] = ex
		}
	}
	matched := make(map[int64]bool, len(snap.OpenOrders))

	for _, o := range pending {
		var ex *domain.ExchangeOrder
		if o.ExchangeID != nil {
			ex = byExchangeID[*o.ExchangeID]
		}
		if ex == nil {
			ex = byClientID[o.ID]
		}
		if leg, ok := byClientID[o.ID+conversionSuffix]; ok {
			matched[leg.ExchangeID] = true
		}
		if o.State == domain.OrderConverted {
			// The conversion leg belongs to the order monitor.
			if ex != nil {
				matched[ex.ExchangeID] = true
			}
			continue
		}
		if ex != nil {
			matched[ex.ExchangeID] = true
			if err := c.syncOpen(ctx, o, ex, rep); err != nil {
				rep.Errors = append(rep.Errors, err)
			}
			continue
		}
		if err := c.resolveMissing(ctx, o, snap, rep); err != nil {
			rep.Errors = append(rep.Errors, err)
		}
	}

	for _, ex := range snap.OpenOrders {
		if matched[ex.ExchangeID] {
			continue
		}
		if err := c.adoptOrder(ctx, ex, snap, rep); err != nil {
			rep.Errors = append(rep.Errors, err)
		}
	}
	return nil
}

// syncOpen brings a local order that is still open on the exchange up to the
// exchange's fill progress and id.
func (c *Controller) syncOpen(ctx context.Context, o *domain.Order, ex *domain.ExchangeOrder, rep *Report) error {
	before := o.Version
	updated, delta, err := c.applyExchange(ctx, o, ex, func(cur *domain.Order, filled bool) domain.OrderState {
		switch {
		case filled:
			return domain.OrderFilled
		case cur.FilledQty > 0 && cur.State == domain.OrderPlaced:
			return domain.OrderPartiallyFilled
		}
		return cur.State
	}, "")
	if err != nil {
		return fmt.Errorf("sync order %s: %w", o.ID, err)
	}
	if updated.Version != before {
		rep.Synced = append(rep.Synced, o.ID)
	}
	c.handOff(ctx, updated, delta)
	return nil
}

// resolveMissing settles a local working order the exchange no longer lists
// as open.
func (c *Controller) resolveMissing(ctx context.Context, o *domain.Order, snap *domain.ExchangeSnapshot, rep *Report) error {
	var exID int64
	if o.ExchangeID != nil {
		exID = *o.ExchangeID
	}
	ex, err := retry.Value(ctx, c.cfg.Retry, func(ctx context.Context) (*domain.ExchangeOrder, error) {
		return c.deps.Exchange.GetOrder(ctx, o.Symbol, exID, o.ID)
	})
	fields := map[string]interface{}{"orderID": o.ID, "symbol": o.Symbol, "state": string(o.State)}

	if errors.Is(err, ports.ErrOrderNotFound) {
		if o.ExchangeID == nil {
			if o.Age(c.deps.Now()) < c.cfg.PlacementGrace {
				c.deps.Logger.Debug(ctx, "Order placement may still be in flight, leaving it", fields)
				return nil
			}
			c.deps.Logger.Info(ctx, "Order never reached the exchange, cancelling", fields)
			if _, err := c.finish(ctx, o, domain.OrderCancelled, "never acknowledged by exchange", false); err != nil {
				return err
			}
			rep.Resolved = append(rep.Resolved, o.ID)
			return nil
		}
		return c.markUnknown(ctx, o, "exchange has no record of order", rep)
	}
	if err != nil {
		return fmt.Errorf("query order %s: %w", o.ID, err)
	}

	switch ex.Status {
	case domain.ExchangeStatusFilled:
		updated, delta, err := c.applyExchange(ctx, o, ex, func(cur *domain.Order, filled bool) domain.OrderState {
			if filled {
				return domain.OrderFilled
			}
			return cur.State
		}, "filled while unmonitored")
		if err != nil {
			return fmt.Errorf("apply exchange fill %s: %w", o.ID, err)
		}
		c.handOff(ctx, updated, delta)
		if !updated.State.IsTerminal() {
			// The exchange says filled but reports less than we ordered.
			return c.markUnknown(ctx, updated, fmt.Sprintf("exchange reports FILLED with %.8f of %.8f executed", ex.ExecutedQty, o.OrigQty), rep)
		}
		rep.Resolved = append(rep.Resolved, o.ID)
	case domain.ExchangeStatusCanceled, domain.ExchangeStatusExpired, domain.ExchangeStatusRejected:
		updated, delta, err := c.applyExchange(ctx, o, ex, func(cur *domain.Order, filled bool) domain.OrderState {
			if filled {
				return domain.OrderFilled
			}
			return domain.OrderCancelled
		}, "exchange status "+ex.Status)
		if err != nil {
			return fmt.Errorf("apply exchange cancel %s: %w", o.ID, err)
		}
		c.handOff(ctx, updated, delta)
		if updated.State == domain.OrderCancelled {
			c.deps.Notifier.Notify(ctx, domain.Event{
				Type: domain.EventOrderCancelled, Symbol: o.Symbol, OrderID: o.ID, State: string(updated.State),
				Quantity: updated.RemainingQty, Reason: updated.Reason, Time: c.deps.Now(),
				Details: map[string]interface{}{"side": string(o.Side()), "intent": string(o.Intent), "filledQty": updated.FilledQty, "origQty": updated.OrigQty},
			})
		}
		rep.Resolved = append(rep.Resolved, o.ID)
	default:
		// Still working but missing from the open list; the list lagged.
		return c.syncOpen(ctx, o, ex, rep)
	}
	return nil
}

// applyExchange folds ex's cumulative execution into o and moves it to the
// state chosen by next. Fills come only from the exchange's report.
func (c *Controller) applyExchange(ctx context.Context, o *domain.Order, ex *domain.ExchangeOrder,
	next func(cur *domain.Order, filled bool) domain.OrderState, reason string) (*domain.Order, domain.FillDelta, error) {
	var delta domain.FillDelta
	updated, err := c.mark(ctx, o, func(cur *domain.Order) (ports.Transition, bool) {
		delta = cur.DeltaFromCumulative(ex.ExecutedQty, ex.AvgPrice)
		if delta.Qty > cur.RemainingQty {
			delta.Qty = cur.RemainingQty
		}
		filled := cur.RemainingQty-delta.Qty < domain.FillEpsilon
		after := cur.Clone()
		after.FilledQty += delta.Qty
		to := next(after, filled)
		needID := cur.ExchangeID == nil && ex.ExchangeID != 0
		if delta.Qty == 0 && to == cur.State && !needID {
			return ports.Transition{}, false
		}
		tr := ports.Transition{ID: cur.ID, ExpectedVersion: cur.Version, To: to, Reason: reason}
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
		return o, domain.FillDelta{}, err
	}
	return updated, delta, nil
}

func (c *Controller) handOff(ctx context.Context, o *domain.Order, delta domain.FillDelta) {
	if delta.Qty <= 0 {
		return
	}
	typ := domain.EventOrderPartiallyFilled
	if o.State == domain.OrderFilled {
		typ = domain.EventOrderFilled
	}
	c.deps.Notifier.Notify(ctx, domain.Event{
		Type: typ, Symbol: o.Symbol, OrderID: o.ID, State: string(o.State),
		Price: delta.Price, Quantity: delta.Qty, Time: c.deps.Now(),
		Details: map[string]interface{}{"side": string(o.Side()), "source": "reconcile"},
	})
	if c.deps.OnFill != nil {
		c.deps.OnFill(ctx, o.Clone(), delta)
	}
}

func (c *Controller) markUnknown(ctx context.Context, o *domain.Order, reason string, rep *Report) error {
	updated, err := c.finish(ctx, o, domain.OrderUnknown, reason, true)
	if err != nil {
		return err
	}
	c.deps.Logger.Error(ctx, ports.ErrManualIntervention, "Order state unknown after reconciliation",
		map[string]interface{}{"orderID": o.ID, "symbol": o.Symbol, "reason": reason})
	c.notifyManual(ctx, updated, reason)
	if updated.PositionID != nil {
		c.haltPosition(ctx, *updated.PositionID, reason)
	}
	rep.Unknown = append(rep.Unknown, o.ID)
	return nil
}

func (c *Controller) finish(ctx context.Context, o *domain.Order, to domain.OrderState, reason string, review bool) (*domain.Order, error) {
	updated, err := c.mark(ctx, o, func(cur *domain.Order) (ports.Transition, bool) {
		return ports.Transition{ID: cur.ID, ExpectedVersion: cur.Version, To: to, Reason: reason, NeedsReview: review}, true
	})
	if err != nil {
		return o, fmt.Errorf("mark order %s %s: %w", o.ID, to, err)
	}
	return updated, nil
}

// mark retries build against a fresh read on ErrStaleWrite; a concurrent
// monitor may be writing the same order.
func (c *Controller) mark(ctx context.Context, o *domain.Order, build func(cur *domain.Order) (ports.Transition, bool)) (*domain.Order, error) {
	const attempts = 5
	for i := 0; i < attempts; i++ {
		if o.State.IsTerminal() {
			return o, nil
		}
		tr, ok := build(o)
		if !ok {
			return o, nil
		}
		updated, err := c.deps.Orders.MarkState(ctx, tr)
		if err == nil {
			return updated, nil
		}
		if !errors.Is(err, ports.ErrStaleWrite) {
			return o, err
		}
		if o, err = c.deps.Orders.Get(ctx, o.ID); err != nil {
			return nil, err
		}
	}
	return o, fmt.Errorf("order %s kept changing: %w", o.ID, ports.ErrStaleWrite)
}

// adoptOrder records an exchange order the engine has no working record of.
func (c *Controller) adoptOrder(ctx context.Context, ex *domain.ExchangeOrder, snap *domain.ExchangeSnapshot, rep *Report) error {
	if strings.HasSuffix(ex.ClientOrderID, conversionSuffix) {
		parent := strings.TrimSuffix(ex.ClientOrderID, conversionSuffix)
		if _, err := c.deps.Orders.Get(ctx, parent); err == nil {
			return nil
		}
	}

	id := newOrderID()
	if engineIDPattern.MatchString(ex.ClientOrderID) {
		if _, err := c.deps.Orders.Get(ctx, ex.ClientOrderID); errors.Is(err, ports.ErrNotFound) {
			id = ex.ClientOrderID
		}
	}

	intent := domain.IntentEnterLong
	var exitSide domain.PositionSide
	switch {
	case ex.ReduceOnly && ex.Side == domain.Sell:
		intent, exitSide = domain.IntentExit, domain.Long
	case ex.ReduceOnly:
		intent, exitSide = domain.IntentExit, domain.Short
	case ex.Side == domain.Sell:
		intent = domain.IntentEnterShort
	}
	tier := domain.FeeMaker
	if ex.Type != "" && ex.Type != "LIMIT" {
		tier = domain.FeeTaker
	}
	created := ex.UpdateTime
	if created.IsZero() {
		created = c.deps.Now()
	}

	o := domain.NewOrder(id, ex.Symbol, intent, tier, ex.Price, ex.OrigQty, created)
	o.ExitSide = exitSide
	exID := ex.ExchangeID
	o.ExchangeID = &exID
	o.Reason = "adopted from exchange"
	if ex.ExecutedQty > 0 {
		if err := o.ApplyFill(domain.FillDelta{Qty: ex.ExecutedQty, Price: ex.AvgPrice}, domain.FillEpsilon); err != nil {
			return fmt.Errorf("adopt order %d: %w: %w", ex.ExchangeID, ports.ErrInvariantViolation, err)
		}
		o.State = domain.OrderPartiallyFilled
		o.StateTimes[domain.OrderPartiallyFilled] = created
	}
	if o.IsEntry() {
		o.StopLossPrice = c.stopFor(o.PositionSide(), snap, ex.Price)
	}

	if err := c.deps.Orders.Put(ctx, o); err != nil {
		return fmt.Errorf("adopt order %d: %w", ex.ExchangeID, err)
	}
	c.deps.Logger.Warn(ctx, "Adopted exchange order", map[string]interface{}{
		"orderID": o.ID, "exchangeID": ex.ExchangeID, "symbol": o.Symbol, "intent": string(o.Intent),
		"price": o.Price, "qty": o.OrigQty, "filledQty": o.FilledQty, "stopLoss": o.StopLossPrice,
	})
	c.deps.Notifier.Notify(ctx, domain.Event{
		Type: domain.EventOrderPlaced, Symbol: o.Symbol, OrderID: o.ID, State: string(o.State),
		Price: o.Price, Quantity: o.OrigQty, Reason: o.Reason, Time: c.deps.Now(),
		Details: map[string]interface{}{"side": string(o.Side()), "intent": string(o.Intent)},
	})
	rep.AdoptedOrders = append(rep.AdoptedOrders, o.ID)
	if c.deps.OnAdoptOrder != nil {
		c.deps.OnAdoptOrder(ctx, o.Clone())
	}
	return nil
}
