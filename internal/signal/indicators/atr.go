package indicators

import (
	"fmt"
	"math"

	"futuresExecBot/internal/domain"
)

// ATR is the Average True Range with Wilder smoothing.
type ATR struct {
	Period int
}

func NewATR(period int) *ATR { return &ATR{Period: period} }

func (a *ATR) Name() string { return fmt.Sprintf("ATR(%d)", a.Period) }

func (a *ATR) RequiredDataPoints() int { return a.Period + 1 }

// Calculate returns the ATR at the newest candle in price units.
func (a *ATR) Calculate(klines []*domain.Kline) (float64, error) {
	if a.Period <= 0 {
		return 0, fmt.Errorf("ATR period must be positive")
	}
	if err := need(a.Name(), len(klines), a.RequiredDataPoints()); err != nil {
		return 0, err
	}
	tr := make([]float64, len(klines))
	tr[0] = klines[0].Range()
	for i := 1; i < len(klines); i++ {
		prev := klines[i-1].Close
		k := klines[i]
		tr[i] = math.Max(k.Range(), math.Max(math.Abs(k.High-prev), math.Abs(k.Low-prev)))
	}
	return wilder(tr, a.Period), nil
}
