package indicators

import (
	"fmt"

	"futuresExecBot/internal/domain"
)

// RSI is the Relative Strength Index with Wilder smoothing.
type RSI struct {
	Period int
}

func NewRSI(period int) *RSI { return &RSI{Period: period} }

func (r *RSI) Name() string { return fmt.Sprintf("RSI(%d)", r.Period) }

// RequiredDataPoints is Period+1: Period changes need one extra close.
func (r *RSI) RequiredDataPoints() int { return r.Period + 1 }

// Calculate returns a value in [0, 100]; a flat window reads 50.
func (r *RSI) Calculate(klines []*domain.Kline) (float64, error) {
	if r.Period <= 0 {
		return 0, fmt.Errorf("RSI period must be positive")
	}
	if err := need(r.Name(), len(klines), r.RequiredDataPoints()); err != nil {
		return 0, err
	}
	values := closes(klines)
	gains := make([]float64, len(values)-1)
	losses := make([]float64, len(values)-1)
	for i := 1; i < len(values); i++ {
		if d := values[i] - values[i-1]; d > 0 {
			gains[i-1] = d
		} else {
			losses[i-1] = -d
		}
	}
	avgGain, avgLoss := wilder(gains, r.Period), wilder(losses, r.Period)
	switch {
	case avgLoss == 0 && avgGain == 0:
		return 50, nil
	case avgLoss == 0:
		return 100, nil
	}
	return 100 - 100/(1+avgGain/avgLoss), nil
}
