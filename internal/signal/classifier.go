// Package signal is the reference entry classifier: a moving-average trend
// filter confirmed by EMA and RSI, with an ATR-derived stop distance.
package signal

import (
	"context"
	"fmt"
	"math"
	"time"

	"futuresExecBot/internal/domain"
	"futuresExecBot/internal/ports"
	"futuresExecBot/internal/signal/indicators"
)

// Config holds the classifier parameters.
type Config struct {
	FastMAPeriod  int
	SlowMAPeriod  int
	EMAPeriod     int
	RSIPeriod     int
	RSIOverbought float64
	RSIOversold   float64

	ATRPeriod         int
	ATRStopMultiplier float64
	MinStopDistance   float64 // fraction of price
	MaxStopDistance   float64

	// MA spread (|fast-slow|/slow) needed for each strength grade.
	StrongSpread float64
	MediumSpread float64
}

// DefaultConfig returns the production defaults.
func DefaultConfig() Config {
	return Config{
		FastMAPeriod:      20,
		SlowMAPeriod:      50,
		EMAPeriod:         20,
		RSIPeriod:         14,
		RSIOverbought:     70,
		RSIOversold:       30,
		ATRPeriod:         14,
		ATRStopMultiplier: 2,
		MinStopDistance:   0.005,
		MaxStopDistance:   0.02,
		StrongSpread:      0.01,
		MediumSpread:      0.004,
	}
}

// Classifier implements ports.SignalSource.
type Classifier struct {
	cfg    Config
	logger ports.Logger

	fast, slow, ema *indicators.MovingAverage
	rsi             *indicators.RSI
	atr             *indicators.ATR
}

var _ ports.SignalSource = (*Classifier)(nil)

// New validates cfg and builds the indicators.
func New(cfg Config, logger ports.Logger) (*Classifier, error) {
	if logger == nil {
		return nil, fmt.Errorf("logger is required for signal classifier")
	}
	if cfg.FastMAPeriod <= 0 || cfg.SlowMAPeriod <= 0 || cfg.EMAPeriod <= 0 || cfg.RSIPeriod <= 0 || cfg.ATRPeriod <= 0 {
		return nil, fmt.Errorf("classifier periods must be positive: %w", ports.ErrConfigurationError)
	}
	if cfg.FastMAPeriod >= cfg.SlowMAPeriod {
		return nil, fmt.Errorf("fast MA period must be less than slow MA period: %w", ports.ErrConfigurationError)
	}
	if cfg.MinStopDistance <= 0 || cfg.MaxStopDistance < cfg.MinStopDistance {
		return nil, fmt.Errorf("stop distance bounds %.4f..%.4f invalid: %w", cfg.MinStopDistance, cfg.MaxStopDistance, ports.ErrConfigurationError)
	}
	return &Classifier{
		cfg:    cfg,
		logger: logger,
		fast:   indicators.NewMovingAverage(indicators.SMA, cfg.FastMAPeriod),
		slow:   indicators.NewMovingAverage(indicators.SMA, cfg.SlowMAPeriod),
		ema:    indicators.NewMovingAverage(indicators.EMA, cfg.EMAPeriod),
		rsi:    indicators.NewRSI(cfg.RSIPeriod),
		atr:    indicators.NewATR(cfg.ATRPeriod),
	}, nil
}

// RequiredDataPoints is the longest window any indicator needs.
func (c *Classifier) RequiredDataPoints() int {
	n := 0
	for _, ind := range []indicators.Indicator{c.fast, c.slow, c.ema, c.rsi, c.atr} {
		if r := ind.RequiredDataPoints(); r > n {
			n = r
		}
	}
	return n
}

// ATR exposes the classifier's ATR for trailing-stop distance.
func (c *Classifier) ATR(klines []*domain.Kline) (float64, error) {
	return c.atr.Calculate(klines)
}

type readings struct {
	fast, slow, ema, rsi, atr float64
}

func (c *Classifier) read(klines []*domain.Kline) (readings, error) {
	var r readings
	var err error
	for _, step := range []struct {
		ind indicators.Indicator
		dst *float64
	}{
		{c.fast, &r.fast}, {c.slow, &r.slow}, {c.ema, &r.ema}, {c.rsi, &r.rsi}, {c.atr, &r.atr},
	} {
		if *step.dst, err = step.ind.Calculate(klines); err != nil {
			return r, fmt.Errorf("%s: %w", step.ind.Name(), err)
		}
	}
	return r, nil
}

// Evaluate classifies the newest state of symbol. Too little data yields a
// NONE signal rather than an error.
func (c *Classifier) Evaluate(ctx context.Context, symbol string, klines []*domain.Kline, price float64) (domain.Signal, error) {
	sig := domain.Signal{Symbol: symbol, Direction: domain.DirectionNone, Price: price, Time: time.Now()}
	if len(klines) > 0 {
		sig.Time = klines[len(klines)-1].CloseTime
	}
	if required := c.RequiredDataPoints(); len(klines) < required {
		c.logger.Debug(ctx, "Not enough kline data for signal evaluation",
			map[string]interface{}{"symbol": symbol, "available": len(klines), "required": required})
		return sig, nil
	}
	if price <= 0 {
		return sig, fmt.Errorf("classify %s: price %.8f: %w", symbol, price, ports.ErrInvalidRequest)
	}

	r, err := c.read(klines)
	if err != nil {
		return sig, fmt.Errorf("classify %s: %w", symbol, err)
	}
	sig.Metadata = map[string]interface{}{
		"fastMA": r.fast, "slowMA": r.slow, "ema": r.ema, "rsi": r.rsi, "atr": r.atr,
	}

	uptrend := price > r.fast && r.fast > r.slow && price > r.ema && r.rsi < c.cfg.RSIOverbought
	downtrend := price < r.fast && r.fast < r.slow && price < r.ema && r.rsi > c.cfg.RSIOversold
	switch {
	case uptrend:
		sig.Direction = domain.DirectionLong
	case downtrend:
		sig.Direction = domain.DirectionShort
	default:
		c.logger.Debug(ctx, "Signal conditions not met", map[string]interface{}{
			"symbol": symbol, "price": price, "fastMA": r.fast, "slowMA": r.slow, "ema": r.ema, "rsi": r.rsi,
		})
		return sig, nil
	}

	sig.StopLossDistance = c.stopDistance(r.atr, price)
	sig.Strength = c.strength(r)
	c.logger.Info(ctx, "Entry signal", map[string]interface{}{
		"symbol": symbol, "direction": sig.Direction, "strength": sig.Strength,
		"stopDistance": sig.StopLossDistance, "rsi": r.rsi,
	})
	return sig, nil
}

func (c *Classifier) stopDistance(atr, price float64) float64 {
	d := atr * c.cfg.ATRStopMultiplier / price
	return math.Min(math.Max(d, c.cfg.MinStopDistance), c.cfg.MaxStopDistance)
}

// strength grades by MA spread; an RSI near either extreme caps the grade at MEDIUM.
func (c *Classifier) strength(r readings) domain.SignalStrength {
	spread := math.Abs(r.fast-r.slow) / r.slow
	stretched := r.rsi >= c.cfg.RSIOverbought-10 || r.rsi <= c.cfg.RSIOversold+10
	switch {
	case spread >= c.cfg.StrongSpread && !stretched:
		return domain.StrengthStrong
	case spread >= c.cfg.MediumSpread:
		return domain.StrengthMedium
	default:
		return domain.StrengthWeak
	}
}
