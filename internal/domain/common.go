package domain

// OrderSide is the exchange-facing side of an order (BUY or SELL).
type OrderSide string

const (
	Buy  OrderSide = "BUY"
	Sell OrderSide = "SELL"
)

// PositionSide is the direction of an open position.
type PositionSide string

const (
	Long  PositionSide = "LONG"
	Short PositionSide = "SHORT"
)

// Opposite returns the other side.
func (s PositionSide) Opposite() PositionSide {
	if s == Long {
		return Short
	}
	return Long
}

// EntrySide is the exchange side that opens a position of this direction.
func (s PositionSide) EntrySide() OrderSide {
	if s == Long {
		return Buy
	}
	return Sell
}

// ExitSide is the exchange side that reduces a position of this direction.
func (s PositionSide) ExitSide() OrderSide {
	if s == Long {
		return Sell
	}
	return Buy
}

// PositionStatus represents the status of a trading position.
type PositionStatus string

const (
	StatusOpen   PositionStatus = "open"
	StatusClosed PositionStatus = "closed"
)

// CloseReason indicates why a position (or part of it) was closed.
type CloseReason string

const (
	CloseReasonStopLoss     CloseReason = "SL"
	CloseReasonTrailingStop CloseReason = "TRAILING_SL"
	CloseReasonTakeProfit   CloseReason = "TP"
	CloseReasonReversal     CloseReason = "TREND_REVERSAL"
	CloseReasonManual       CloseReason = "MANUAL"
	CloseReasonLiquidation  CloseReason = "Liquidation"
	CloseReasonReconciled   CloseReason = "RECONCILED"
	CloseReasonUnknown      CloseReason = "Unknown"
)

// FillEpsilon is the default quantity below which a remainder counts as filled.
const FillEpsilon = 1e-9
