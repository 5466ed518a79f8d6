package app

import (
	"context"
	"errors"
	"fmt"

	"futuresExecBot/internal/domain"
	"futuresExecBot/internal/monitor"
	"futuresExecBot/internal/ports"
	"futuresExecBot/internal/priority"
	"futuresExecBot/internal/risk"
)

// HandleSignal turns an actionable signal into a working maker entry. A
// rejection returns a validation error and leaves no order behind.
func (s *TradingService) HandleSignal(ctx context.Context, sig domain.Signal) (*domain.Order, error) {
	if !sig.IsActionable() {
		return nil, nil
	}
	symbol := sig.Symbol
	side := sig.Side()
	fields := map[string]interface{}{"symbol": symbol, "direction": sig.Direction, "strength": sig.Strength}
	s.deps.Logger.Info(ctx, "Handling entry signal", fields)

	l := s.entryLock(symbol)
	l.Lock()
	defer l.Unlock()

	o, err := s.admitEntry(ctx, sig)
	if err != nil {
		if ports.ReasonOf(err) != "" || errors.Is(err, ports.ErrPendingLimitReached) {
			s.reject(ctx, symbol, side, err)
		} else {
			s.deps.Logger.Error(ctx, err, "Entry failed", fields)
		}
		return nil, err
	}
	return s.placeEntry(ctx, o)
}

func (s *TradingService) admitEntry(ctx context.Context, sig domain.Signal) (*domain.Order, error) {
	symbol := sig.Symbol
	side := sig.Side()

	s.cancelOpposing(ctx, symbol, side)

	pos, err := s.deps.Positions.FindOpenBySymbol(ctx, symbol)
	if err != nil {
		return nil, fmt.Errorf("failed to look up open position: %w", err)
	}
	if pos != nil {
		return nil, ports.Reject(ports.ReasonPositionOpen, "position %d already open on %s (%s)", pos.ID, symbol, pos.Side)
	}

	price, err := s.currentPrice(ctx, symbol)
	if err != nil {
		return nil, fmt.Errorf("failed to get current price: %w", err)
	}
	balance, err := s.deps.Exchange.GetAvailableBalance(ctx, s.cfg.Asset)
	if err != nil {
		return nil, fmt.Errorf("failed to get available balance: %w", err)
	}
	s.mu.Lock()
	s.lastBalance = balance
	s.mu.Unlock()
	if err := s.guard.CheckRiskLimits(balance); err != nil {
		return nil, err
	}

	filters, err := s.filtersFor(ctx, symbol)
	if err != nil {
		return nil, fmt.Errorf("failed to get symbol filters: %w", err)
	}
	limit, stop := entryPrices(side, price, s.cfg.EntryPriceOffset, sig.StopLossDistance, filters.TickSize)

	sizing, err := risk.PositionSize(risk.SizingInput{
		Balance:          balance,
		Leverage:         s.cfg.Leverage,
		Price:            limit,
		MaxLossFraction:  s.cfg.MaxLossFraction,
		StopLossDistance: sig.StopLossDistance,
		Strength:         sig.Strength,
		FeeRate:          s.cfg.FeeRate,
		SafetyMargin:     s.cfg.SafetyMargin,
		Filters:          *filters,
	})
	if err != nil {
		return nil, err
	}

	depth := -1.0
	if s.cfg.OrderRisk.MinDepthNotional > 0 {
		bids, asks, err := s.deps.Exchange.GetDepthNotional(ctx, symbol, s.cfg.OrderRisk.MaxPriceDeviation)
		if err != nil {
			s.deps.Logger.Warn(ctx, "Order book depth unavailable, skipping depth check", map[string]interface{}{"symbol": symbol, "error": err.Error()})
		} else if side == domain.Long {
			depth = asks
		} else {
			depth = bids
		}
	}
	if err := risk.CheckOrderRisk(s.cfg.OrderRisk, risk.OrderRiskInput{
		Side:          side,
		OrderPrice:    limit,
		CurrentPrice:  price,
		StopLossPrice: stop,
		Klines:        s.hub.Klines(symbol),
		DepthNotional: depth,
	}); err != nil {
		return nil, err
	}

	intent := domain.IntentEnterLong
	if side == domain.Short {
		intent = domain.IntentEnterShort
	}

	evicted := map[string]bool{}
	for attempt := 0; attempt < s.cfg.AdmissionRetries; attempt++ {
		pending, version, err := s.deps.Orders.PendingSnapshot(ctx, symbol)
		if err != nil {
			return nil, fmt.Errorf("failed to read pending orders: %w", err)
		}
		entries := pendingEntries(pending)
		if len(entries) >= s.cfg.MaxPendingPerSymbol {
			victim := priority.SelectEviction(s.cfg.Priority, entries, price, s.deps.Now())
			if victim == nil || evicted[victim.ID] {
				return nil, fmt.Errorf("%d pending entries on %s: %w", len(entries), symbol, ports.ErrPendingLimitReached)
			}
			evicted[victim.ID] = true
			if !s.evict(ctx, victim) {
				return nil, fmt.Errorf("eviction of order %s did not finish: %w", victim.ID, ports.ErrPendingLimitReached)
			}
			attempt--
			continue
		}

		var reserved float64
		for _, p := range entries {
			// Orders the exchange has not acknowledged are not in its free balance yet.
			if p.ExchangeID == nil {
				reserved += risk.RequiredMargin(p.RemainingQty, p.Price, s.cfg.Leverage)
			}
		}
		decision, err := risk.CheckMargin(risk.MarginRequest{
			Quantity:          sizing.Quantity,
			Price:             limit,
			Leverage:          s.cfg.Leverage,
			Available:         balance,
			Reserved:          reserved,
			MaxShrinkFraction: s.cfg.MaxShrinkFraction,
			Filters:           *filters,
		})
		if err != nil {
			return nil, err
		}
		if decision.Shrunk {
			s.deps.Logger.Info(ctx, "Entry quantity reduced to fit free margin", map[string]interface{}{
				"symbol": symbol, "sized": sizing.Quantity, "accepted": decision.Quantity,
			})
		}

		o := domain.NewOrder(newOrderID(), symbol, intent, domain.FeeMaker, limit, decision.Quantity, s.deps.Now())
		o.Strength = sig.Strength
		o.StopLossPrice = stop
		err = s.deps.Orders.Admit(ctx, o, version)
		if err == nil {
			return o, nil
		}
		if !errors.Is(err, ports.ErrStaleWrite) {
			return nil, fmt.Errorf("failed to admit order: %w", err)
		}
		s.deps.Logger.Debug(ctx, "Admission raced, retrying", map[string]interface{}{"symbol": symbol, "attempt": attempt + 1})
	}
	return nil, fmt.Errorf("admission for %s kept racing: %w", symbol, ports.ErrRetriesExhausted)
}

// entryPrices returns the maker limit, offset from price away from the
// market, and the stop derived from it.
func entryPrices(side domain.PositionSide, price, offset, stopDistance, tick float64) (limit, stop float64) {
	if side == domain.Long {
		limit = risk.RoundToTick(price*(1-offset), tick)
		stop = risk.RoundToTick(limit*(1-stopDistance), tick)
	} else {
		limit = risk.RoundToTick(price*(1+offset), tick)
		stop = risk.RoundToTick(limit*(1+stopDistance), tick)
	}
	return limit, stop
}

func pendingEntries(orders []*domain.Order) []*domain.Order {
	out := make([]*domain.Order, 0, len(orders))
	for _, o := range orders {
		if o.IsEntry() {
			out = append(out, o)
		}
	}
	return out
}

// evict asks the monitor of victim to take it off the book and waits for
// the monitor to finish. It reports whether the slot was freed.
func (s *TradingService) evict(ctx context.Context, victim *domain.Order) bool {
	fields := map[string]interface{}{"orderID": victim.ID, "symbol": victim.Symbol, "action": s.cfg.EvictionAction}
	s.deps.Logger.Info(ctx, "Pending limit reached, evicting lowest priority order", fields)

	s.supervisor.Spawn(victim.ID, victim.Symbol)
	d := monitor.Directive{Action: s.cfg.EvictionAction, Reason: "evicted for a newer entry"}
	if !s.supervisor.Signal(victim.ID, d) {
		s.deps.Logger.Warn(ctx, "Could not deliver eviction directive", fields)
		return false
	}
	if !s.supervisor.Wait(victim.ID, s.cfg.EvictionWait) {
		s.deps.Logger.Warn(ctx, "Evicted order still being resolved", fields)
		return false
	}
	return true
}

// cancelOpposing asks monitors of pending entries on the other side to
// cancel them. It does not wait.
func (s *TradingService) cancelOpposing(ctx context.Context, symbol string, side domain.PositionSide) {
	pending, err := s.deps.Orders.ListPending(ctx, symbol)
	if err != nil {
		s.deps.Logger.Warn(ctx, "Could not list pending orders for opposite-side cancellation", map[string]interface{}{"symbol": symbol, "error": err.Error()})
		return
	}
	for _, o := range pending {
		if !o.IsEntry() || o.PositionSide() == side {
			continue
		}
		s.supervisor.Spawn(o.ID, o.Symbol)
		s.supervisor.Signal(o.ID, monitor.Directive{Action: monitor.ActionCancel, Reason: "opposite signal"})
		s.deps.Logger.Info(ctx, "Cancelling opposite-side entry", map[string]interface{}{"orderID": o.ID, "symbol": symbol})
	}
}

// placeEntry submits an admitted order once. Permanent failures cancel it;
// anything else leaves it PLACED for its monitor to look up by client id.
func (s *TradingService) placeEntry(ctx context.Context, o *domain.Order) (*domain.Order, error) {
	fields := map[string]interface{}{"orderID": o.ID, "symbol": o.Symbol, "price": o.Price, "quantity": o.OrigQty}
	req := ports.OrderRequest{
		Symbol:        o.Symbol,
		Side:          o.Side(),
		Quantity:      o.OrigQty,
		Price:         o.Price,
		ClientOrderID: o.ID,
	}
	ex, err := s.deps.Exchange.PlaceLimitOrder(ctx, req)
	if err != nil {
		if ports.IsPermanent(err) {
			s.deps.Logger.Error(ctx, err, "Entry order rejected by exchange", fields)
			cur, markErr := s.deps.Orders.MarkState(ctx, ports.Transition{
				ID: o.ID, ExpectedVersion: o.Version, To: domain.OrderCancelled, Reason: err.Error(),
			})
			if markErr != nil {
				s.deps.Logger.Error(ctx, markErr, "Failed to cancel rejected order", fields)
				s.supervisor.Spawn(o.ID, o.Symbol)
				return o, err
			}
			s.notify(ctx, domain.Event{
				Type: domain.EventOrderRejected, Symbol: o.Symbol, OrderID: o.ID, State: string(cur.State),
				Price: o.Price, Quantity: o.OrigQty, Reason: err.Error(),
			})
			return cur, err
		}
		// Outcome unknown: the order may exist on the exchange.
		s.deps.Logger.Warn(ctx, "Entry placement outcome unknown, monitor will resolve it", fields, map[string]interface{}{"error": err.Error()})
		s.supervisor.Spawn(o.ID, o.Symbol)
		return o, nil
	}

	exID := ex.ExchangeID
	cur, err := s.deps.Orders.MarkState(ctx, ports.Transition{
		ID: o.ID, ExpectedVersion: o.Version, To: domain.OrderPlaced, ExchangeID: &exID,
	})
	if err != nil {
		// The monitor re-reads the order and finds the exchange id by client
		// id. If the record was finished meanwhile, only reconciliation can
		// pick up the live exchange order.
		s.deps.Logger.Warn(ctx, "Failed to record exchange id, requesting reconciliation", fields, map[string]interface{}{"error": err.Error()})
		cur = o
		s.reconciler.Trigger()
	}
	s.deps.Logger.Info(ctx, "Entry order placed", fields, map[string]interface{}{"exchangeID": exID})
	s.notify(ctx, domain.Event{
		Type: domain.EventOrderPlaced, Symbol: o.Symbol, OrderID: o.ID, State: string(domain.OrderPlaced),
		Price: o.Price, Quantity: o.OrigQty,
		Details: map[string]interface{}{"side": string(o.Side()), "intent": string(o.Intent), "strength": string(o.Strength), "stopLoss": o.StopLossPrice},
	})
	s.supervisor.Spawn(o.ID, o.Symbol)
	return cur, nil
}

func (s *TradingService) reject(ctx context.Context, symbol string, side domain.PositionSide, err error) {
	reason := string(ports.ReasonOf(err))
	if reason == "" {
		reason = err.Error()
	}
	s.deps.Logger.Info(ctx, "Entry rejected", map[string]interface{}{"symbol": symbol, "side": side, "reason": reason})
	s.notify(ctx, domain.Event{
		Type:    domain.EventOrderRejected,
		Symbol:  symbol,
		Reason:  reason,
		Details: map[string]interface{}{"side": string(side), "error": err.Error()},
	})
}
