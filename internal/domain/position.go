package domain

import "time"

// PartialExit is one entry of a position's take-profit ledger.
type PartialExit struct {
	Tier     int       `json:"tier"`
	Fraction float64   `json:"fraction"`
	Quantity float64   `json:"quantity"`
	Price    float64   `json:"price"`
	Time     time.Time `json:"time"`
}

// Position represents the engine's exposure in one symbol.
type Position struct {
	ID         int64
	Symbol     string
	Side       PositionSide
	EntryPrice float64 // VWAP over entry fills
	ExitPrice  float64 // VWAP over exit fills (0 if open or unknown)
	Quantity   float64 // remaining open quantity
	ClosedQty  float64
	Leverage   int
	EntryTime  time.Time
	ExitTime   time.Time
	Status     PositionStatus
	PNL        float64

	StopLoss         float64
	InitialStopLoss  float64
	TrailingExtremum float64
	PartialExits     []PartialExit
	CloseReason      CloseReason

	Adopted bool // created from exchange state rather than an engine order
	Halted  bool // automated actions suspended pending manual intervention
	Version int64
}

// IsOpen checks if the position status is open.
func (p *Position) IsOpen() bool {
	return p.Status == StatusOpen
}

// StopBreached reports whether price is at or through the stop loss.
func (p *Position) StopBreached(price float64) bool {
	if p.StopLoss <= 0 {
		return false
	}
	if p.Side == Long {
		return price <= p.StopLoss
	}
	return price >= p.StopLoss
}

// TightenStop moves the stop loss to candidate only if that reduces risk.
// It reports whether the stop changed.
func (p *Position) TightenStop(candidate float64) bool {
	if candidate <= 0 {
		return false
	}
	if p.StopLoss <= 0 {
		p.StopLoss = candidate
		return true
	}
	if p.Side == Long && candidate > p.StopLoss {
		p.StopLoss = candidate
		return true
	}
	if p.Side == Short && candidate < p.StopLoss {
		p.StopLoss = candidate
		return true
	}
	return false
}

// ProfitFraction is the unrealised return relative to the entry price.
func (p *Position) ProfitFraction(price float64) float64 {
	if p.EntryPrice == 0 {
		return 0
	}
	if p.Side == Long {
		return (price - p.EntryPrice) / p.EntryPrice
	}
	return (p.EntryPrice - price) / p.EntryPrice
}

// AddEntry folds an entry fill into the position (VWAP entry price).
func (p *Position) AddEntry(qty, price float64) {
	if qty <= 0 {
		return
	}
	total := p.Quantity + qty
	p.EntryPrice = (p.EntryPrice*p.Quantity + price*qty) / total
	p.Quantity = total
}

// Reduce removes qty from the position at price and returns the realised PnL
// of that slice.
func (p *Position) Reduce(qty, price float64) float64 {
	if qty > p.Quantity {
		qty = p.Quantity
	}
	var pnl float64
	if p.Side == Long {
		pnl = (price - p.EntryPrice) * qty
	} else {
		pnl = (p.EntryPrice - price) * qty
	}
	if p.ClosedQty+qty > 0 {
		p.ExitPrice = (p.ExitPrice*p.ClosedQty + price*qty) / (p.ClosedQty + qty)
	}
	p.ClosedQty += qty
	p.Quantity -= qty
	p.PNL += pnl
	return pnl
}

// TierFired reports whether take-profit tier i is already in the ledger.
func (p *Position) TierFired(i int) bool {
	for _, e := range p.PartialExits {
		if e.Tier == i {
			return true
		}
	}
	return false
}

// Close marks the position closed.
func (p *Position) Close(reason CloseReason, at time.Time) {
	p.Status = StatusClosed
	p.CloseReason = reason
	p.ExitTime = at
	p.Quantity = 0
}

// Clone returns a deep copy.
func (p *Position) Clone() *Position {
	c := *p
	c.PartialExits = append([]PartialExit(nil), p.PartialExits...)
	return &c
}
