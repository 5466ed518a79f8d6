package domain

import (
	"fmt"
	"math"
	"time"
)

// OrderState is a node in the order lifecycle state machine.
type OrderState string

const (
	OrderPlaced          OrderState = "PLACED"
	OrderPartiallyFilled OrderState = "PARTIALLY_FILLED"
	OrderFilled          OrderState = "FILLED"
	OrderCancelled       OrderState = "CANCELLED"
	OrderConverted       OrderState = "CONVERTED"
	OrderTimedOut        OrderState = "TIMED_OUT"
	OrderUnknown         OrderState = "UNKNOWN"
)

var orderTransitions = map[OrderState][]OrderState{
	OrderPlaced:          {OrderPartiallyFilled, OrderFilled, OrderCancelled, OrderConverted, OrderTimedOut, OrderUnknown},
	OrderPartiallyFilled: {OrderPartiallyFilled, OrderFilled, OrderCancelled, OrderConverted, OrderTimedOut, OrderUnknown},
	OrderTimedOut:        {OrderPartiallyFilled, OrderFilled, OrderCancelled, OrderConverted, OrderUnknown},
	OrderConverted:       {OrderConverted, OrderFilled, OrderCancelled, OrderUnknown},
}

// IsTerminal reports whether no further transition is allowed out of s.
func (s OrderState) IsTerminal() bool {
	return s == OrderFilled || s == OrderCancelled || s == OrderUnknown
}

// CanTransition reports whether from -> to is an edge of the lifecycle graph.
func CanTransition(from, to OrderState) bool {
	for _, next := range orderTransitions[from] {
		if next == to {
			return true
		}
	}
	return false
}

// OrderIntent is what the order does to the position.
type OrderIntent string

const (
	IntentEnterLong  OrderIntent = "ENTER_LONG"
	IntentEnterShort OrderIntent = "ENTER_SHORT"
	IntentExit       OrderIntent = "EXIT"
)

// FeeTier records whether the order was meant to rest on the book or take liquidity.
type FeeTier string

const (
	FeeMaker FeeTier = "MAKER"
	FeeTaker FeeTier = "TAKER"
)

// Order is a working or historical order owned by the engine.
type Order struct {
	ID         string // engine-local id, also sent as the exchange client order id
	ExchangeID *int64 // nil until the exchange acknowledged the order
	Symbol     string
	Intent     OrderIntent
	ExitSide   PositionSide // side of the position being reduced, exits only
	FeeTier    FeeTier

	Price        float64 // limit price, 0 for market orders
	OrigQty      float64
	FilledQty    float64
	RemainingQty float64
	AvgFillPrice float64

	State       OrderState
	StateTimes  map[OrderState]time.Time
	Reason      string
	NeedsReview bool
	Version     int64

	Strength      SignalStrength
	StopLossPrice float64
	PositionID    *int64

	CreatedAt time.Time
	UpdatedAt time.Time
}

// FillDelta is an increment of executed quantity at a price.
type FillDelta struct {
	Qty   float64
	Price float64
}

// NewOrder builds a PLACED order with an untouched remainder.
func NewOrder(id, symbol string, intent OrderIntent, tier FeeTier, price, qty float64, now time.Time) *Order {
	return &Order{
		ID:           id,
		Symbol:       symbol,
		Intent:       intent,
		FeeTier:      tier,
		Price:        price,
		OrigQty:      qty,
		RemainingQty: qty,
		State:        OrderPlaced,
		StateTimes:   map[OrderState]time.Time{OrderPlaced: now},
		CreatedAt:    now,
		UpdatedAt:    now,
	}
}

// Side returns the exchange side for the order.
func (o *Order) Side() OrderSide {
	switch o.Intent {
	case IntentEnterLong:
		return Buy
	case IntentEnterShort:
		return Sell
	default:
		return o.ExitSide.ExitSide()
	}
}

// PositionSide returns the position direction an entry order opens.
func (o *Order) PositionSide() PositionSide {
	if o.Intent == IntentEnterShort {
		return Short
	}
	if o.Intent == IntentExit {
		return o.ExitSide
	}
	return Long
}

// IsEntry reports whether the order opens or adds to a position.
func (o *Order) IsEntry() bool {
	return o.Intent == IntentEnterLong || o.Intent == IntentEnterShort
}

// ApplyFill folds a fill delta into the order, keeping AvgFillPrice a VWAP
// over all fills. It refuses deltas that would overfill the order.
func (o *Order) ApplyFill(d FillDelta, eps float64) error {
	if d.Qty <= 0 {
		return nil
	}
	if d.Qty > o.RemainingQty+eps {
		return fmt.Errorf("fill %.8f exceeds remaining %.8f on order %s", d.Qty, o.RemainingQty, o.ID)
	}
	notional := o.AvgFillPrice*o.FilledQty + d.Price*d.Qty
	o.FilledQty += d.Qty
	o.AvgFillPrice = notional / o.FilledQty
	o.RemainingQty = o.OrigQty - o.FilledQty
	if o.RemainingQty < eps {
		o.FilledQty = o.OrigQty
		o.RemainingQty = 0
	}
	return nil
}

// FullyFilled reports whether the remainder is below eps.
func (o *Order) FullyFilled(eps float64) bool {
	return o.RemainingQty < eps
}

// CheckQuantities validates filled + remaining == original and remaining >= 0.
func (o *Order) CheckQuantities(eps float64) error {
	if o.RemainingQty < -eps {
		return fmt.Errorf("order %s remaining quantity %.8f is negative", o.ID, o.RemainingQty)
	}
	if math.Abs(o.FilledQty+o.RemainingQty-o.OrigQty) > eps {
		return fmt.Errorf("order %s quantities out of balance: filled %.8f + remaining %.8f != original %.8f",
			o.ID, o.FilledQty, o.RemainingQty, o.OrigQty)
	}
	return nil
}

// DeltaFromCumulative converts an exchange-reported cumulative execution
// (quantity and average price) into the increment not yet applied locally.
func (o *Order) DeltaFromCumulative(executedQty, avgPrice float64) FillDelta {
	qty := executedQty - o.FilledQty
	if qty <= 0 {
		return FillDelta{}
	}
	price := avgPrice
	if o.FilledQty > 0 {
		price = (avgPrice*executedQty - o.AvgFillPrice*o.FilledQty) / qty
	}
	if price <= 0 {
		price = avgPrice
	}
	return FillDelta{Qty: qty, Price: price}
}

// Age is the time since the order was placed.
func (o *Order) Age(now time.Time) time.Duration {
	return now.Sub(o.CreatedAt)
}

// Clone returns a deep copy.
func (o *Order) Clone() *Order {
	c := *o
	if o.ExchangeID != nil {
		id := *o.ExchangeID
		c.ExchangeID = &id
	}
	if o.PositionID != nil {
		id := *o.PositionID
		c.PositionID = &id
	}
	c.StateTimes = make(map[OrderState]time.Time, len(o.StateTimes))
	for k, v := range o.StateTimes {
		c.StateTimes[k] = v
	}
	return &c
}
