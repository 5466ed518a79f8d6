package risk

import (
	"math"

	"futuresExecBot/internal/domain"
	"futuresExecBot/internal/ports"
)

// OrderRiskConfig holds acceptance thresholds for a proposed entry.
type OrderRiskConfig struct {
	MaxPriceDeviation         float64 // limit price vs market, fraction
	MinStopLossDistance       float64
	MaxStopLossDistance       float64
	VolatilityThreshold       float64 // stdev of close-to-close returns
	VolatilityLookback        int
	VolumeThresholdMultiplier float64 // latest volume vs mean
	VolumeLookback            int
	MinDepthNotional          float64 // 0 disables the depth check
}

// DefaultOrderRiskConfig mirrors the production defaults.
func DefaultOrderRiskConfig() OrderRiskConfig {
	return OrderRiskConfig{
		MaxPriceDeviation:         0.005,
		MinStopLossDistance:       0.005,
		MaxStopLossDistance:       0.02,
		VolatilityThreshold:       0.02,
		VolatilityLookback:        20,
		VolumeThresholdMultiplier: 0.5,
		VolumeLookback:            20,
	}
}

// OrderRiskInput describes a proposed entry against the current market.
type OrderRiskInput struct {
	Side          domain.PositionSide
	OrderPrice    float64
	CurrentPrice  float64
	StopLossPrice float64
	Klines        []*domain.Kline
	// DepthNotional is the resting notional on the side that would fill the
	// order, within MaxPriceDeviation of mid. Negative means unknown.
	DepthNotional float64
}

// CheckOrderRisk applies the entry acceptance rules in order and returns the
// first rejection.
func CheckOrderRisk(cfg OrderRiskConfig, in OrderRiskInput) error {
	if in.CurrentPrice <= 0 || in.OrderPrice <= 0 {
		return ports.Reject(ports.ReasonInvalidInput, "prices must be positive")
	}
	if err := checkPriceDeviation(cfg, in); err != nil {
		return err
	}
	if err := checkStopLoss(cfg, in); err != nil {
		return err
	}
	if err := CheckMarketCondition(cfg, in.Klines); err != nil {
		return err
	}
	if cfg.MinDepthNotional > 0 && in.DepthNotional >= 0 && in.DepthNotional < cfg.MinDepthNotional {
		return ports.Reject(ports.ReasonThinOrderBook, "book depth %.2f below %.2f", in.DepthNotional, cfg.MinDepthNotional)
	}
	return nil
}

// A maker entry must rest on its own side of the market: a long limit above
// the market (or a short below it) would cross and take liquidity.
func checkPriceDeviation(cfg OrderRiskConfig, in OrderRiskInput) error {
	dev := (in.OrderPrice - in.CurrentPrice) / in.CurrentPrice
	if in.Side == domain.Long && dev > 0 {
		return ports.Reject(ports.ReasonPriceDeviation, "long limit %.4f above market %.4f", in.OrderPrice, in.CurrentPrice)
	}
	if in.Side == domain.Short && dev < 0 {
		return ports.Reject(ports.ReasonPriceDeviation, "short limit %.4f below market %.4f", in.OrderPrice, in.CurrentPrice)
	}
	if math.Abs(dev) > cfg.MaxPriceDeviation {
		return ports.Reject(ports.ReasonPriceDeviation, "deviation %.4f%% exceeds %.4f%%", math.Abs(dev)*100, cfg.MaxPriceDeviation*100)
	}
	return nil
}

func checkStopLoss(cfg OrderRiskConfig, in OrderRiskInput) error {
	if in.StopLossPrice <= 0 {
		return ports.Reject(ports.ReasonStopLossDistance, "stop loss price missing")
	}
	if in.Side == domain.Long && in.StopLossPrice >= in.OrderPrice {
		return ports.Reject(ports.ReasonStopLossDistance, "long stop %.4f not below entry %.4f", in.StopLossPrice, in.OrderPrice)
	}
	if in.Side == domain.Short && in.StopLossPrice <= in.OrderPrice {
		return ports.Reject(ports.ReasonStopLossDistance, "short stop %.4f not above entry %.4f", in.StopLossPrice, in.OrderPrice)
	}
	dist := math.Abs(in.OrderPrice-in.StopLossPrice) / in.OrderPrice
	if dist < cfg.MinStopLossDistance || dist > cfg.MaxStopLossDistance {
		return ports.Reject(ports.ReasonStopLossDistance, "distance %.4f%% outside [%.4f%%, %.4f%%]",
			dist*100, cfg.MinStopLossDistance*100, cfg.MaxStopLossDistance*100)
	}
	return nil
}

// CheckMarketCondition rejects entries into volatile or illiquid markets.
// With fewer klines than the lookback the check passes.
func CheckMarketCondition(cfg OrderRiskConfig, klines []*domain.Kline) error {
	if cfg.VolatilityLookback > 1 && len(klines) >= cfg.VolatilityLookback {
		vol := Volatility(klines[len(klines)-cfg.VolatilityLookback:])
		if cfg.VolatilityThreshold > 0 && vol > cfg.VolatilityThreshold {
			return ports.Reject(ports.ReasonHighVolatility, "volatility %.4f%% above %.4f%%", vol*100, cfg.VolatilityThreshold*100)
		}
	}
	if cfg.VolumeLookback > 0 && len(klines) >= cfg.VolumeLookback {
		window := klines[len(klines)-cfg.VolumeLookback:]
		var sum float64
		for _, k := range window {
			sum += k.Volume
		}
		mean := sum / float64(len(window))
		last := window[len(window)-1].Volume
		if mean > 0 && last/mean < cfg.VolumeThresholdMultiplier {
			return ports.Reject(ports.ReasonLowVolume, "volume ratio %.2f below %.2f", last/mean, cfg.VolumeThresholdMultiplier)
		}
	}
	return nil
}

// Volatility is the population standard deviation of close-to-close returns.
func Volatility(klines []*domain.Kline) float64 {
	if len(klines) < 2 {
		return 0
	}
	returns := make([]float64, 0, len(klines)-1)
	for i := 1; i < len(klines); i++ {
		if klines[i-1].Close == 0 {
			continue
		}
		returns = append(returns, (klines[i].Close-klines[i-1].Close)/klines[i-1].Close)
	}
	if len(returns) == 0 {
		return 0
	}
	var mean float64
	for _, r := range returns {
		mean += r
	}
	mean /= float64(len(returns))
	var variance float64
	for _, r := range returns {
		variance += (r - mean) * (r - mean)
	}
	return math.Sqrt(variance / float64(len(returns)))
}
