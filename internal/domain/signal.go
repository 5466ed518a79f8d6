package domain

import "time"

// Direction is the trade direction suggested by a signal.
type Direction string

const (
	DirectionLong  Direction = "LONG"
	DirectionShort Direction = "SHORT"
	DirectionNone  Direction = "NONE"
)

// SignalStrength grades how much conviction a signal carries.
type SignalStrength string

const (
	StrengthStrong SignalStrength = "STRONG"
	StrengthMedium SignalStrength = "MEDIUM"
	StrengthWeak   SignalStrength = "WEAK"
)

// Signal is the classifier's verdict for one symbol at one point in time.
type Signal struct {
	Symbol           string
	Direction        Direction
	Strength         SignalStrength
	StopLossDistance float64 // fraction of price, e.g. 0.01 = 1%
	Price            float64
	Time             time.Time
	Metadata         map[string]interface{}
}

// IsActionable reports whether the signal asks for an entry.
func (s Signal) IsActionable() bool {
	return s.Direction == DirectionLong || s.Direction == DirectionShort
}

// Side maps the direction to a position side.
func (s Signal) Side() PositionSide {
	if s.Direction == DirectionShort {
		return Short
	}
	return Long
}
