package app

import (
	"context"
	"errors"
	"fmt"

	"futuresExecBot/internal/domain"
	"futuresExecBot/internal/monitor"
	"futuresExecBot/internal/ports"
	"futuresExecBot/internal/reconcile"
)

// onOrderFill folds a fill increment into the symbol's position. It is the
// only writer of position quantities.
func (s *TradingService) onOrderFill(ctx context.Context, o *domain.Order, delta domain.FillDelta) {
	if delta.Qty <= 0 {
		return
	}
	l := s.positionLock(o.Symbol)
	l.Lock()
	defer l.Unlock()

	if o.IsEntry() {
		s.applyEntryFill(ctx, o, delta)
		return
	}
	s.applyExitFill(ctx, o, delta)
}

func (s *TradingService) applyEntryFill(ctx context.Context, o *domain.Order, delta domain.FillDelta) {
	side := o.PositionSide()
	fields := map[string]interface{}{"orderID": o.ID, "symbol": o.Symbol, "side": side, "fillQty": delta.Qty, "fillPrice": delta.Price}

	pos, err := s.deps.Positions.FindOpenBySymbol(ctx, o.Symbol)
	if err != nil {
		s.deps.Logger.Error(ctx, err, "Failed to look up position for entry fill", fields)
		s.reconciler.Trigger()
		return
	}

	if pos == nil {
		stop := o.StopLossPrice
		if stop <= 0 {
			stop = reconcile.ConservativeStop(side, delta.Price, s.hub.Klines(o.Symbol),
				s.cfg.Reconcile.StopRangeMultiplier, s.cfg.Reconcile.StopMinDistance)
		}
		now := s.deps.Now()
		pos = &domain.Position{
			Symbol:           o.Symbol,
			Side:             side,
			EntryPrice:       delta.Price,
			Quantity:         delta.Qty,
			Leverage:         s.cfg.Leverage,
			EntryTime:        now,
			Status:           domain.StatusOpen,
			StopLoss:         stop,
			InitialStopLoss:  stop,
			TrailingExtremum: delta.Price,
		}
		id, err := s.deps.Positions.Create(ctx, pos)
		if err != nil {
			s.deps.Logger.Error(ctx, err, "Failed to record new position", fields)
			s.reconciler.Trigger()
			return
		}
		fields["positionID"] = id
		fields["stopLoss"] = stop
		s.deps.Logger.Info(ctx, "Position opened", fields)
		s.notify(ctx, domain.Event{
			Type: domain.EventPositionOpened, Symbol: o.Symbol, OrderID: o.ID, PositionID: id,
			Price: delta.Price, Quantity: delta.Qty,
			Details: map[string]interface{}{"side": string(side), "stopLoss": stop, "strength": string(o.Strength)},
		})
		return
	}

	if pos.Side != side {
		err := fmt.Errorf("entry fill on %s against open %s position %d: %w", side, pos.Side, pos.ID, ports.ErrManualIntervention)
		s.deps.Logger.Error(ctx, err, "Entry fill conflicts with open position", fields)
		s.notify(ctx, domain.Event{
			Type: domain.EventManualInterventionRequired, Symbol: o.Symbol, OrderID: o.ID, PositionID: pos.ID,
			State: string(o.State), Reason: err.Error(), Details: map[string]interface{}{"op": "entry fill"},
		})
		s.reconciler.Trigger()
		return
	}

	updated, err := s.updatePosition(ctx, pos.ID, func(p *domain.Position) bool {
		p.AddEntry(delta.Qty, delta.Price)
		return true
	})
	if err != nil {
		s.deps.Logger.Error(ctx, err, "Failed to add entry fill to position", fields)
		s.reconciler.Trigger()
		return
	}
	fields["positionID"] = updated.ID
	fields["quantity"] = updated.Quantity
	fields["entryPrice"] = updated.EntryPrice
	s.deps.Logger.Info(ctx, "Position increased", fields)
}

func (s *TradingService) applyExitFill(ctx context.Context, o *domain.Order, delta domain.FillDelta) {
	fields := map[string]interface{}{"orderID": o.ID, "symbol": o.Symbol, "fillQty": delta.Qty, "fillPrice": delta.Price}

	var pos *domain.Position
	var err error
	if o.PositionID != nil {
		pos, err = s.deps.Positions.FindByID(ctx, *o.PositionID)
	} else {
		pos, err = s.deps.Positions.FindOpenBySymbol(ctx, o.Symbol)
	}
	if err != nil {
		s.deps.Logger.Error(ctx, err, "Failed to look up position for exit fill", fields)
		s.reconciler.Trigger()
		return
	}
	if pos == nil || !pos.IsOpen() {
		s.deps.Logger.Warn(ctx, "Exit fill without an open position, requesting reconciliation", fields)
		s.reconciler.Trigger()
		return
	}

	reason := s.exitReason(o)
	var pnl float64
	closed := false
	updated, err := s.updatePosition(ctx, pos.ID, func(p *domain.Position) bool {
		pnl = p.Reduce(delta.Qty, delta.Price)
		closed = p.Quantity < domain.FillEpsilon
		if closed {
			p.Close(reason, s.deps.Now())
		}
		return true
	})
	if err != nil {
		s.deps.Logger.Error(ctx, err, "Failed to apply exit fill to position", fields)
		s.reconciler.Trigger()
		return
	}
	fields["positionID"] = updated.ID
	fields["realizedPnL"] = pnl
	if !closed {
		fields["remaining"] = updated.Quantity
		s.deps.Logger.Info(ctx, "Position reduced", fields)
		return
	}
	s.finishPosition(ctx, updated, o.ID)
}

// finishPosition records the round trip once a position is flat.
func (s *TradingService) finishPosition(ctx context.Context, pos *domain.Position, exitOrderID string) {
	fields := map[string]interface{}{"positionID": pos.ID, "symbol": pos.Symbol, "pnl": pos.PNL, "reason": pos.CloseReason}

	s.evaluator.Forget(pos.ID)
	s.mu.Lock()
	delete(s.exitPending, pos.ID)
	delete(s.exitReasons, exitOrderID)
	balance := s.lastBalance
	s.mu.Unlock()

	trade := &domain.Trade{
		PositionID:  pos.ID,
		Symbol:      pos.Symbol,
		Side:        pos.Side,
		EntryPrice:  pos.EntryPrice,
		ExitPrice:   pos.ExitPrice,
		Quantity:    pos.ClosedQty,
		Leverage:    pos.Leverage,
		PNL:         pos.PNL,
		EntryTime:   pos.EntryTime,
		ExitTime:    pos.ExitTime,
		CloseReason: pos.CloseReason,
	}
	if _, err := s.deps.Trades.CreateTrade(ctx, trade); err != nil && !errors.Is(err, ports.ErrDuplicateEntry) {
		s.deps.Logger.Error(ctx, err, "Failed to record trade", fields)
	}
	s.guard.UpdateStats(trade, balance)
	s.mu.Lock()
	s.sessionTrades = append(s.sessionTrades, trade)
	s.mu.Unlock()

	s.deps.Logger.Info(ctx, "Position closed", fields)
	s.cancelEntryRemainders(ctx, pos)
	s.notify(ctx, domain.Event{
		Type: domain.EventPositionClosed, Symbol: pos.Symbol, OrderID: exitOrderID, PositionID: pos.ID,
		Price: pos.ExitPrice, Quantity: pos.ClosedQty, Reason: string(pos.CloseReason),
		Details: map[string]interface{}{"side": string(pos.Side), "pnl": pos.PNL, "entryPrice": pos.EntryPrice},
	})
}

// cancelEntryRemainders takes partially filled entries of a closed position
// off the book, so a late fill cannot reopen it without a signal.
func (s *TradingService) cancelEntryRemainders(ctx context.Context, pos *domain.Position) {
	pending, err := s.deps.Orders.ListPending(ctx, pos.Symbol)
	if err != nil {
		s.deps.Logger.Warn(ctx, "Could not list entries of closed position", map[string]interface{}{"positionID": pos.ID, "symbol": pos.Symbol, "error": err.Error()})
		return
	}
	for _, o := range pending {
		if !o.IsEntry() || o.PositionSide() != pos.Side || o.FilledQty < domain.FillEpsilon {
			continue
		}
		fields := map[string]interface{}{"orderID": o.ID, "positionID": pos.ID, "symbol": pos.Symbol, "remainingQty": o.RemainingQty}
		s.supervisor.Spawn(o.ID, o.Symbol)
		if !s.supervisor.Signal(o.ID, monitor.Directive{Action: monitor.ActionCancel, Reason: "position closed"}) {
			s.deps.Logger.Warn(ctx, "Could not deliver cancel to entry remainder", fields)
			continue
		}
		s.deps.Logger.Info(ctx, "Cancelling entry remainder of closed position", fields)
	}
}

func (s *TradingService) exitReason(o *domain.Order) domain.CloseReason {
	s.mu.Lock()
	r, ok := s.exitReasons[o.ID]
	s.mu.Unlock()
	if ok {
		return r
	}
	if o.Reason != "" {
		switch r := domain.CloseReason(o.Reason); r {
		case domain.CloseReasonStopLoss, domain.CloseReasonTrailingStop, domain.CloseReasonTakeProfit,
			domain.CloseReasonReversal, domain.CloseReasonManual, domain.CloseReasonLiquidation, domain.CloseReasonReconciled:
			return r
		}
	}
	return domain.CloseReasonUnknown
}
