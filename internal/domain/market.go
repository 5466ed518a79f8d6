package domain

import "time"

// Kline represents a single candlestick data point.
type Kline struct {
	OpenTime  time.Time
	CloseTime time.Time
	Symbol    string
	Interval  string
	Open      float64
	High      float64
	Low       float64
	Close     float64
	Volume    float64
	IsFinal   bool
}

// Body is the absolute open-to-close distance.
func (k *Kline) Body() float64 {
	if k.Close > k.Open {
		return k.Close - k.Open
	}
	return k.Open - k.Close
}

// Range is the high-to-low distance.
func (k *Kline) Range() float64 {
	return k.High - k.Low
}

// Bullish reports whether the candle closed above its open.
func (k *Kline) Bullish() bool {
	return k.Close > k.Open
}

// Bearish reports whether the candle closed below its open.
func (k *Kline) Bearish() bool {
	return k.Close < k.Open
}

// PriceTick is one observation from the price stream.
type PriceTick struct {
	Symbol string
	Price  float64
	Time   time.Time
}

// SymbolFilters carries the exchange's quantity and price granularity.
type SymbolFilters struct {
	Symbol   string
	StepSize float64
	MinQty   float64
	MaxQty   float64
	TickSize float64
}

// ExchangeOrder is the exchange's view of an order.
type ExchangeOrder struct {
	ExchangeID    int64
	ClientOrderID string
	Symbol        string
	Side          OrderSide
	Type          string
	Status        string
	Price         float64
	AvgPrice      float64
	OrigQty       float64
	ExecutedQty   float64
	ReduceOnly    bool
	UpdateTime    time.Time
}

// ExchangePosition is the exchange's view of a position.
type ExchangePosition struct {
	Symbol      string
	PositionAmt float64 // signed: positive long, negative short
	EntryPrice  float64
	MarkPrice   float64
	Leverage    int
}

// Side derives the direction from the sign of the amount.
func (p *ExchangePosition) Side() PositionSide {
	if p.PositionAmt < 0 {
		return Short
	}
	return Long
}

// Quantity is the absolute position size.
func (p *ExchangePosition) Quantity() float64 {
	if p.PositionAmt < 0 {
		return -p.PositionAmt
	}
	return p.PositionAmt
}

// ExchangeSnapshot is the transient view of one symbol captured at the start
// of a reconciliation pass.
type ExchangeSnapshot struct {
	Symbol     string
	OpenOrders []*ExchangeOrder
	Position   *ExchangePosition // nil when flat
	MarkPrice  float64
	Klines     []*Kline
	TakenAt    time.Time
}

// Exchange order statuses as reported by the transport.
const (
	ExchangeStatusNew             = "NEW"
	ExchangeStatusPartiallyFilled = "PARTIALLY_FILLED"
	ExchangeStatusFilled          = "FILLED"
	ExchangeStatusCanceled        = "CANCELED"
	ExchangeStatusExpired         = "EXPIRED"
	ExchangeStatusRejected        = "REJECTED"
)

// IsClosed reports whether the exchange will never fill more of the order.
func (o *ExchangeOrder) IsClosed() bool {
	switch o.Status {
	case ExchangeStatusFilled, ExchangeStatusCanceled, ExchangeStatusExpired, ExchangeStatusRejected:
		return true
	}
	return false
}

// UserDataKind tells which account push a UserDataEvent carries.
type UserDataKind string

const (
	UserDataOrderUpdate   UserDataKind = "ORDER_TRADE_UPDATE"
	UserDataAccountUpdate UserDataKind = "ACCOUNT_UPDATE"
)

// UserDataEvent is one push from the account's user data stream.
type UserDataEvent struct {
	Kind UserDataKind
	// Order is the order's cumulative state after the update (order updates).
	Order *ExchangeOrder
	// Reason is the account update cause, e.g. ORDER, FUNDING_FEE, ADL.
	Reason string
	// Symbols lists the symbols whose position changed (account updates).
	Symbols []string
	Time    time.Time
}
