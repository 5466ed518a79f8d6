package reconcile

import (
	"context"
	"errors"
	"fmt"
	"math"

	"futuresExecBot/internal/domain"
	"futuresExecBot/internal/ports"
)

const entryPriceTolerance = 1e-9

func (c *Controller) reconcilePosition(ctx context.Context, snap *domain.ExchangeSnapshot, rep *Report) error {
	local, err := c.deps.Positions.FindOpenBySymbol(ctx, snap.Symbol)
	if err != nil {
		return fmt.Errorf("find open position: %w", err)
	}
	remote := snap.Position
	if remote != nil && remote.Quantity() < domain.FillEpsilon {
		remote = nil
	}

	switch {
	case local == nil && remote == nil:
		return nil
	case local == nil:
		return c.adoptPosition(ctx, remote, snap, rep)
	case remote == nil:
		return c.closeReconciled(ctx, local, "no exchange position", rep)
	case local.Side != remote.Side():
		if err := c.closeReconciled(ctx, local, "exchange position has opposite side", rep); err != nil {
			return err
		}
		return c.adoptPosition(ctx, remote, snap, rep)
	}

	if math.Abs(local.Quantity-remote.Quantity()) < domain.FillEpsilon &&
		math.Abs(local.EntryPrice-remote.EntryPrice) <= entryPriceTolerance*remote.EntryPrice {
		return nil
	}
	before := map[string]interface{}{"positionID": local.ID, "symbol": local.Symbol, "localQty": local.Quantity, "localEntry": local.EntryPrice,
		"exchangeQty": remote.Quantity(), "exchangeEntry": remote.EntryPrice}
	err = c.updatePosition(ctx, local.ID, func(p *domain.Position) bool {
		p.Quantity = remote.Quantity()
		p.EntryPrice = remote.EntryPrice
		return true
	})
	if err != nil {
		return err
	}
	c.deps.Logger.Warn(ctx, "Position drifted from exchange, took exchange values", before)
	rep.UpdatedPositions = append(rep.UpdatedPositions, local.ID)
	return nil
}

func (c *Controller) adoptPosition(ctx context.Context, remote *domain.ExchangePosition, snap *domain.ExchangeSnapshot, rep *Report) error {
	side := remote.Side()
	stop := c.stopFor(side, snap, remote.EntryPrice)
	leverage := remote.Leverage
	if leverage <= 0 {
		leverage = c.cfg.DefaultLeverage
	}
	extremum := snap.MarkPrice
	if extremum <= 0 {
		extremum = remote.EntryPrice
	}
	pos := &domain.Position{
		Symbol:           snap.Symbol,
		Side:             side,
		EntryPrice:       remote.EntryPrice,
		Quantity:         remote.Quantity(),
		Leverage:         leverage,
		EntryTime:        c.deps.Now(),
		Status:           domain.StatusOpen,
		StopLoss:         stop,
		InitialStopLoss:  stop,
		TrailingExtremum: extremum,
		Adopted:          true,
	}
	id, err := c.deps.Positions.Create(ctx, pos)
	if err != nil {
		return fmt.Errorf("adopt position %s: %w", snap.Symbol, err)
	}
	c.deps.Logger.Warn(ctx, "Adopted exchange position with conservative stop", map[string]interface{}{
		"positionID": id, "symbol": snap.Symbol, "side": string(side), "qty": pos.Quantity,
		"entryPrice": pos.EntryPrice, "markPrice": snap.MarkPrice, "stopLoss": stop,
	})
	c.deps.Notifier.Notify(ctx, domain.Event{
		Type: domain.EventPositionOpened, Symbol: snap.Symbol, PositionID: id, Price: pos.EntryPrice,
		Quantity: pos.Quantity, Reason: "adopted from exchange", Time: c.deps.Now(),
		Details: map[string]interface{}{"side": string(side), "stopLoss": stop},
	})
	rep.AdoptedPositions = append(rep.AdoptedPositions, id)
	return nil
}

// closeReconciled closes a local position the exchange no longer holds. The
// exit price is left as recorded; the exchange gave none.
func (c *Controller) closeReconciled(ctx context.Context, local *domain.Position, why string, rep *Report) error {
	var closed *domain.Position
	err := c.updatePosition(ctx, local.ID, func(p *domain.Position) bool {
		if !p.IsOpen() {
			return false
		}
		p.Close(domain.CloseReasonReconciled, c.deps.Now())
		closed = p
		return true
	})
	if err != nil {
		return err
	}
	if closed == nil {
		return nil
	}
	c.deps.Logger.Warn(ctx, "Closed local position missing on exchange", map[string]interface{}{
		"positionID": local.ID, "symbol": local.Symbol, "reason": why,
	})
	c.deps.Notifier.Notify(ctx, domain.Event{
		Type: domain.EventPositionClosed, Symbol: local.Symbol, PositionID: local.ID,
		Reason: string(domain.CloseReasonReconciled), Time: c.deps.Now(),
		Details: map[string]interface{}{"side": string(local.Side), "detail": why},
	})
	rep.ClosedPositions = append(rep.ClosedPositions, local.ID)
	return nil
}

func (c *Controller) haltPosition(ctx context.Context, id int64, reason string) {
	err := c.updatePosition(ctx, id, func(p *domain.Position) bool {
		if p.Halted || !p.IsOpen() {
			return false
		}
		p.Halted = true
		return true
	})
	if err != nil {
		c.deps.Logger.Error(ctx, err, "Failed to halt position", map[string]interface{}{"positionID": id, "reason": reason})
		return
	}
	c.deps.Logger.Warn(ctx, "Position halted pending manual intervention", map[string]interface{}{"positionID": id, "reason": reason})
}

// updatePosition applies fn to a fresh copy until the versioned write succeeds.
// fn returning false skips the write.
func (c *Controller) updatePosition(ctx context.Context, id int64, fn func(p *domain.Position) bool) error {
	const attempts = 5
	for i := 0; i < attempts; i++ {
		p, err := c.deps.Positions.FindByID(ctx, id)
		if err != nil {
			return fmt.Errorf("load position %d: %w", id, err)
		}
		if p == nil {
			return fmt.Errorf("load position %d: %w", id, ports.ErrNotFound)
		}
		if !fn(p) {
			return nil
		}
		err = c.deps.Positions.Update(ctx, p)
		if err == nil {
			return nil
		}
		if !errors.Is(err, ports.ErrStaleWrite) {
			return fmt.Errorf("update position %d: %w", id, err)
		}
	}
	return fmt.Errorf("position %d kept changing: %w", id, ports.ErrStaleWrite)
}
