package indicators

import (
	"fmt"

	"futuresExecBot/internal/domain"
)

// MAType selects simple or exponential averaging.
type MAType string

const (
	SMA MAType = "SMA"
	EMA MAType = "EMA"
)

// MovingAverage averages closing prices over Period candles.
type MovingAverage struct {
	Type   MAType
	Period int
}

// NewMovingAverage creates a moving average of the given type.
func NewMovingAverage(t MAType, period int) *MovingAverage {
	return &MovingAverage{Type: t, Period: period}
}

func (m *MovingAverage) Name() string { return fmt.Sprintf("%s(%d)", m.Type, m.Period) }

func (m *MovingAverage) RequiredDataPoints() int { return m.Period }

// Calculate returns the average at the newest candle. EMA is seeded with the
// SMA of the oldest Period closes and smoothed with 2/(Period+1).
func (m *MovingAverage) Calculate(klines []*domain.Kline) (float64, error) {
	if m.Period <= 0 {
		return 0, fmt.Errorf("%s period must be positive", m.Type)
	}
	if err := need(m.Name(), len(klines), m.Period); err != nil {
		return 0, err
	}
	values := closes(klines)
	switch m.Type {
	case SMA:
		return mean(values[len(values)-m.Period:]), nil
	case EMA:
		k := 2.0 / float64(m.Period+1)
		ema := mean(values[:m.Period])
		for _, v := range values[m.Period:] {
			ema += (v - ema) * k
		}
		return ema, nil
	default:
		return 0, fmt.Errorf("unsupported moving average type %q", m.Type)
	}
}

func mean(values []float64) float64 {
	var sum float64
	for _, v := range values {
		sum += v
	}
	return sum / float64(len(values))
}
