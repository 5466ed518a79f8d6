// Package risk decides whether and how large an order may be. Every function
// here is pure: a rejection leaves no trace anywhere.
package risk

import (
	"math"

	"github.com/shopspring/decimal"

	"futuresExecBot/internal/domain"
	"futuresExecBot/internal/ports"
)

// StrengthRatio scales position value by signal conviction.
func StrengthRatio(s domain.SignalStrength) float64 {
	switch s {
	case domain.StrengthStrong:
		return 1.0
	case domain.StrengthMedium:
		return 0.75
	case domain.StrengthWeak:
		return 0.5
	default:
		return 0
	}
}

// SizingInput carries everything needed to size one entry.
type SizingInput struct {
	Balance          float64
	Leverage         int
	Price            float64
	MaxLossFraction  float64 // e.g. 0.01 = risk 1% of balance
	StopLossDistance float64 // fraction of price
	Strength         domain.SignalStrength
	FeeRate          float64 // deducted from position value, 0 disables
	SafetyMargin     float64 // deducted from position value, 0 disables
	Filters          domain.SymbolFilters
}

// Sizing is the result of PositionSize.
type Sizing struct {
	RiskBasedValue     float64
	LeverageBasedValue float64
	PositionValue      float64
	Quantity           float64
}

// PositionSize computes the entry quantity: the smaller of the risk-based and
// leverage-based values, scaled by strength, converted to quantity and rounded
// down to the lot step.
func PositionSize(in SizingInput) (Sizing, error) {
	switch {
	case in.Balance <= 0:
		return Sizing{}, ports.Reject(ports.ReasonInvalidInput, "balance %.8f must be positive", in.Balance)
	case in.Price <= 0:
		return Sizing{}, ports.Reject(ports.ReasonInvalidInput, "price %.8f must be positive", in.Price)
	case in.Leverage <= 0:
		return Sizing{}, ports.Reject(ports.ReasonInvalidInput, "leverage %d must be positive", in.Leverage)
	case in.StopLossDistance <= 0:
		return Sizing{}, ports.Reject(ports.ReasonStopLossDistance, "stop loss distance %.6f must be positive", in.StopLossDistance)
	case in.MaxLossFraction <= 0:
		return Sizing{}, ports.Reject(ports.ReasonInvalidInput, "max loss fraction %.6f must be positive", in.MaxLossFraction)
	}
	ratio := StrengthRatio(in.Strength)
	if ratio == 0 {
		return Sizing{}, ports.Reject(ports.ReasonInvalidInput, "unknown signal strength %q", in.Strength)
	}

	s := Sizing{
		RiskBasedValue:     in.Balance * in.MaxLossFraction / in.StopLossDistance,
		LeverageBasedValue: in.Balance * float64(in.Leverage),
	}
	s.PositionValue = math.Min(s.RiskBasedValue, s.LeverageBasedValue) * ratio
	if deduct := in.FeeRate + in.SafetyMargin; deduct > 0 {
		s.PositionValue *= 1 - deduct
	}

	s.Quantity = RoundDownToStep(s.PositionValue/in.Price, in.Filters.StepSize)
	if err := CheckQuantity(s.Quantity, in.Filters); err != nil {
		return s, err
	}
	return s, nil
}

// CheckQuantity validates qty against the symbol's min and max.
func CheckQuantity(qty float64, f domain.SymbolFilters) error {
	if qty <= 0 || (f.MinQty > 0 && qty < f.MinQty) {
		return ports.Reject(ports.ReasonQuantityBelowMin, "quantity %.8f below minimum %.8f", qty, f.MinQty)
	}
	if f.MaxQty > 0 && qty > f.MaxQty {
		return ports.Reject(ports.ReasonQuantityAboveMax, "quantity %.8f above maximum %.8f", qty, f.MaxQty)
	}
	return nil
}

// RoundDownToStep truncates v to a multiple of step. A non-positive step
// leaves v unchanged.
func RoundDownToStep(v, step float64) float64 {
	if step <= 0 {
		return v
	}
	d := decimal.NewFromFloat(v)
	st := decimal.NewFromFloat(step)
	f, _ := d.Div(st).Floor().Mul(st).Float64()
	return f
}

// RoundToTick rounds a price to the nearest multiple of tick.
func RoundToTick(price, tick float64) float64 {
	if tick <= 0 {
		return price
	}
	d := decimal.NewFromFloat(price)
	t := decimal.NewFromFloat(tick)
	f, _ := d.Div(t).Round(0).Mul(t).Float64()
	return f
}
