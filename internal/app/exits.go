package app

import (
	"context"
	"fmt"
	"time"

	"futuresExecBot/internal/domain"
	"futuresExecBot/internal/ports"
	"futuresExecBot/internal/risk"
	"futuresExecBot/internal/stopexit"
)

// handlePriceTick is the mark price stream handler.
func (s *TradingService) handlePriceTick(tick domain.PriceTick) {
	if tick.Price <= 0 {
		return
	}
	if tick.Time.IsZero() {
		tick.Time = s.deps.Now()
	}
	s.hub.Publish(tick)
	s.evaluatePosition(context.Background(), tick.Symbol, tick.Price, tick.Time)
}

// handleKline is the kline stream handler. Final candles feed the signal
// source; an actionable signal becomes an entry.
func (s *TradingService) handleKline(k *domain.Kline) {
	if k == nil || !k.IsFinal {
		return
	}
	ctx := context.Background()
	s.hub.AddKline(k)
	klines := s.hub.Klines(k.Symbol)
	if len(klines) < s.deps.Signals.RequiredDataPoints() {
		s.deps.Logger.Debug(ctx, "Not enough klines for signal evaluation", map[string]interface{}{"symbol": k.Symbol, "have": len(klines)})
		return
	}
	price := k.Close
	if latest, _, ok := s.hub.Latest(k.Symbol); ok && latest > 0 {
		price = latest
	}
	sig, err := s.deps.Signals.Evaluate(ctx, k.Symbol, klines, price)
	if err != nil {
		s.deps.Logger.Error(ctx, err, "Signal evaluation failed", map[string]interface{}{"symbol": k.Symbol})
		return
	}
	if !sig.IsActionable() {
		return
	}
	if sig.Symbol == "" {
		sig.Symbol = k.Symbol
	}
	if _, err := s.HandleSignal(ctx, sig); err != nil {
		s.deps.Logger.Debug(ctx, "Signal not acted on", map[string]interface{}{"symbol": k.Symbol, "error": err.Error()})
	}
}

// evaluatePosition runs the exit policy for the symbol's open position at
// price: it persists stop tightening and submits at most one exit.
func (s *TradingService) evaluatePosition(ctx context.Context, symbol string, price float64, at time.Time) {
	l := s.positionLock(symbol)
	l.Lock()
	defer l.Unlock()

	pos, err := s.deps.Positions.FindOpenBySymbol(ctx, symbol)
	if err != nil {
		s.deps.Logger.Warn(ctx, "Failed to load open position", map[string]interface{}{"symbol": symbol, "error": err.Error()})
		return
	}
	if pos == nil || pos.Halted {
		return
	}
	if s.exitInFlight(ctx, pos.ID) {
		return
	}

	klines := s.hub.Klines(symbol)
	var atr float64
	if src, ok := s.deps.Signals.(atrSource); ok {
		if v, err := src.ATR(klines); err == nil {
			atr = v
		}
	}
	d := s.evaluator.Evaluate(stopexit.Input{Position: pos, Price: price, Time: at, ATR: atr, Klines: klines})

	if pos, err = s.persistTrailing(ctx, pos, d); err != nil {
		s.deps.Logger.Error(ctx, err, "Failed to persist trailing stop", map[string]interface{}{"positionID": pos.ID, "symbol": symbol})
		return
	}
	if d.Exit() {
		s.executeExit(ctx, pos, d, price)
	}
}

// exitInFlight reports whether the position already has a working exit.
func (s *TradingService) exitInFlight(ctx context.Context, positionID int64) bool {
	s.mu.Lock()
	id, ok := s.exitPending[positionID]
	s.mu.Unlock()
	if !ok {
		return false
	}
	o, err := s.deps.Orders.Get(ctx, id)
	if err == nil && !o.State.IsTerminal() {
		return true
	}
	s.mu.Lock()
	if s.exitPending[positionID] == id {
		delete(s.exitPending, positionID)
	}
	s.mu.Unlock()
	return false
}

func (s *TradingService) persistTrailing(ctx context.Context, pos *domain.Position, d stopexit.Decision) (*domain.Position, error) {
	oldStop := pos.StopLoss
	var stopMoved bool
	updated, err := s.updatePosition(ctx, pos.ID, func(p *domain.Position) bool {
		stopMoved = p.TightenStop(d.NewStop)
		extMoved := d.Extremum > 0 && d.Extremum != p.TrailingExtremum &&
			(p.TrailingExtremum <= 0 ||
				(p.Side == domain.Long && d.Extremum > p.TrailingExtremum) ||
				(p.Side == domain.Short && d.Extremum < p.TrailingExtremum))
		if extMoved {
			p.TrailingExtremum = d.Extremum
		}
		return stopMoved || extMoved
	})
	if err != nil {
		return pos, err
	}
	if stopMoved {
		s.deps.Logger.Info(ctx, "Stop loss tightened", map[string]interface{}{
			"positionID": updated.ID, "symbol": updated.Symbol, "oldStop": oldStop, "newStop": updated.StopLoss,
		})
		s.notify(ctx, domain.Event{
			Type: domain.EventStopLossUpdated, Symbol: updated.Symbol, PositionID: updated.ID, Price: updated.StopLoss,
			Details: map[string]interface{}{"oldStop": oldStop, "extremum": updated.TrailingExtremum},
		})
	}
	return updated, nil
}

// executeExit submits a reduce-only market order for the decision. Take
// profit tiers are written to the ledger before submission so they fire once.
func (s *TradingService) executeExit(ctx context.Context, pos *domain.Position, d stopexit.Decision, price float64) {
	fields := map[string]interface{}{"positionID": pos.ID, "symbol": pos.Symbol, "rule": d.Rule, "reason": d.Reason}

	filters, err := s.filtersFor(ctx, pos.Symbol)
	if err != nil {
		s.deps.Logger.Error(ctx, err, "Failed to get symbol filters for exit", fields)
		return
	}
	qty := pos.Quantity
	if d.Kind == stopexit.ClosePartial {
		qty = risk.RoundDownToStep(d.Quantity, filters.StepSize)
		if risk.CheckQuantity(qty, *filters) != nil {
			// Too small to trade: record the tier so it does not fire every tick.
			s.deps.Logger.Warn(ctx, "Partial exit below minimum quantity, skipping tier", fields, map[string]interface{}{"quantity": qty})
			s.recordTier(ctx, pos.ID, d, 0, price)
			return
		}
	}
	fields["quantity"] = qty

	now := s.deps.Now()
	o := domain.NewOrder(newOrderID(), pos.Symbol, domain.IntentExit, domain.FeeTaker, 0, qty, now)
	o.ExitSide = pos.Side
	posID := pos.ID
	o.PositionID = &posID
	o.Reason = string(d.Reason)
	fields["orderID"] = o.ID

	if d.Rule == stopexit.RuleTakeProfit {
		if !s.recordTier(ctx, pos.ID, d, qty, price) {
			return
		}
	}
	if err := s.deps.Orders.Put(ctx, o); err != nil {
		s.deps.Logger.Error(ctx, err, "Failed to store exit order", fields)
		s.rollbackTier(ctx, pos.ID, d)
		return
	}
	s.mu.Lock()
	s.exitPending[pos.ID] = o.ID
	s.exitReasons[o.ID] = d.Reason
	s.mu.Unlock()

	s.deps.Logger.Info(ctx, "Submitting exit order", fields)
	ex, err := s.deps.Exchange.PlaceMarketOrder(ctx, ports.OrderRequest{
		Symbol:        o.Symbol,
		Side:          o.Side(),
		Quantity:      qty,
		ClientOrderID: o.ID,
		ReduceOnly:    true,
	})
	if err != nil {
		if !ports.IsPermanent(err) {
			s.deps.Logger.Warn(ctx, "Exit placement outcome unknown, monitor will resolve it", fields, map[string]interface{}{"error": err.Error()})
			s.supervisor.Spawn(o.ID, o.Symbol)
			return
		}
		s.deps.Logger.Error(ctx, err, "Exit order rejected by exchange", fields)
		if _, merr := s.deps.Orders.MarkState(ctx, ports.Transition{
			ID: o.ID, ExpectedVersion: o.Version, To: domain.OrderCancelled, Reason: err.Error(),
		}); merr != nil {
			s.deps.Logger.Error(ctx, merr, "Failed to cancel rejected exit order", fields)
		}
		s.mu.Lock()
		delete(s.exitPending, pos.ID)
		delete(s.exitReasons, o.ID)
		s.mu.Unlock()
		s.rollbackTier(ctx, pos.ID, d)
		s.notify(ctx, domain.Event{
			Type: domain.EventOrderRejected, Symbol: o.Symbol, OrderID: o.ID, PositionID: pos.ID,
			Quantity: qty, Reason: err.Error(), Details: map[string]interface{}{"intent": string(o.Intent)},
		})
		// A reduce-only rejection usually means the exchange position differs from ours.
		s.reconciler.Trigger()
		return
	}

	exID := ex.ExchangeID
	if _, err := s.deps.Orders.MarkState(ctx, ports.Transition{
		ID: o.ID, ExpectedVersion: o.Version, To: domain.OrderPlaced, ExchangeID: &exID,
	}); err != nil {
		s.deps.Logger.Warn(ctx, "Failed to record exit exchange id", fields, map[string]interface{}{"error": err.Error()})
	}
	s.notify(ctx, domain.Event{
		Type: domain.EventOrderPlaced, Symbol: o.Symbol, OrderID: o.ID, PositionID: pos.ID,
		State: string(domain.OrderPlaced), Price: price, Quantity: qty, Reason: string(d.Reason),
		Details: map[string]interface{}{"side": string(o.Side()), "intent": string(o.Intent), "rule": string(d.Rule)},
	})
	s.supervisor.Spawn(o.ID, o.Symbol)
}

// recordTier appends the take-profit tier to the position's ledger. It
// reports false if the tier was already there or the write failed.
func (s *TradingService) recordTier(ctx context.Context, positionID int64, d stopexit.Decision, qty, price float64) bool {
	written := false
	_, err := s.updatePosition(ctx, positionID, func(p *domain.Position) bool {
		if p.TierFired(d.Tier) {
			return false
		}
		p.PartialExits = append(p.PartialExits, domain.PartialExit{
			Tier: d.Tier, Fraction: d.Fraction, Quantity: qty, Price: price, Time: s.deps.Now(),
		})
		written = true
		return true
	})
	if err != nil {
		s.deps.Logger.Error(ctx, err, "Failed to record take profit tier", map[string]interface{}{"positionID": positionID, "tier": d.Tier})
		return false
	}
	return written
}

func (s *TradingService) rollbackTier(ctx context.Context, positionID int64, d stopexit.Decision) {
	if d.Rule != stopexit.RuleTakeProfit {
		return
	}
	_, err := s.updatePosition(ctx, positionID, func(p *domain.Position) bool {
		kept := p.PartialExits[:0]
		for _, e := range p.PartialExits {
			if e.Tier != d.Tier {
				kept = append(kept, e)
			}
		}
		changed := len(kept) != len(p.PartialExits)
		p.PartialExits = kept
		return changed
	})
	if err != nil {
		s.deps.Logger.Error(ctx, fmt.Errorf("rollback tier %d: %w", d.Tier, err), "Failed to roll back take profit tier",
			map[string]interface{}{"positionID": positionID})
	}
}
