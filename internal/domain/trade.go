package domain

import "time"

// Trade is the record of a closed position kept for daily accounting.
type Trade struct {
	ID          int64
	PositionID  int64
	Symbol      string
	Side        PositionSide
	EntryPrice  float64
	ExitPrice   float64
	Quantity    float64
	Leverage    int
	PNL         float64
	EntryTime   time.Time
	ExitTime    time.Time
	CloseReason CloseReason
}
