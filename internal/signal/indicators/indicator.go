// Package indicators computes the technical indicators the reference
// signal classifier reads from closed candles.
package indicators

import (
	"fmt"

	"futuresExecBot/internal/domain"
)

// Indicator is a single-value indicator over a kline window, oldest first.
type Indicator interface {
	Calculate(klines []*domain.Kline) (float64, error)
	// RequiredDataPoints is the minimum window length Calculate accepts.
	RequiredDataPoints() int
	Name() string
}

func closes(klines []*domain.Kline) []float64 {
	out := make([]float64, len(klines))
	for i, k := range klines {
		out[i] = k.Close
	}
	return out
}

func need(name string, have, want int) error {
	if have < want {
		return fmt.Errorf("%s needs %d data points, have %d", name, want, have)
	}
	return nil
}

// wilder folds values into a running mean seeded with the simple mean of the
// first period values: avg = (avg*(period-1) + v) / period.
func wilder(values []float64, period int) float64 {
	var avg float64
	for _, v := range values[:period] {
		avg += v
	}
	avg /= float64(period)
	for _, v := range values[period:] {
		avg = (avg*float64(period-1) + v) / float64(period)
	}
	return avg
}
