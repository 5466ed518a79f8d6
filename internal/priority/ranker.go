// Package priority scores pending entry orders so that, when a symbol's
// pending slots are full, the least promising one is evicted.
package priority

import (
	"math"
	"sort"
	"time"

	"futuresExecBot/internal/domain"
)

// Score weights. They sum to 100.
const (
	strengthWeight        = 30.0
	recencyWeight         = 20.0
	priceAdvantageWeight  = 30.0
	fillProbabilityWeight = 20.0
)

// Config tunes the decay and distance scales.
type Config struct {
	// RecencyHorizon is the age at which the recency component reaches zero.
	RecencyHorizon time.Duration
	// PriceScale is the relative distance at which the price components saturate.
	PriceScale float64
}

// DefaultConfig matches the monitor's default timeout and price-away threshold.
func DefaultConfig() Config {
	return Config{RecencyHorizon: 30 * time.Second, PriceScale: 0.005}
}

// Scored is an order with its score breakdown.
type Scored struct {
	Order           *domain.Order
	Score           float64
	Strength        float64
	Recency         float64
	PriceAdvantage  float64
	FillProbability float64
}

// Score evaluates one order.
func Score(cfg Config, o *domain.Order, currentPrice float64, now time.Time) Scored {
	s := Scored{Order: o}
	switch o.Strength {
	case domain.StrengthStrong:
		s.Strength = strengthWeight
	case domain.StrengthMedium:
		s.Strength = strengthWeight * 2 / 3
	case domain.StrengthWeak:
		s.Strength = strengthWeight / 3
	}

	if cfg.RecencyHorizon > 0 {
		age := o.Age(now)
		if age < 0 {
			age = 0
		}
		s.Recency = recencyWeight * math.Max(0, 1-float64(age)/float64(cfg.RecencyHorizon))
	}

	if currentPrice > 0 && o.Price > 0 && cfg.PriceScale > 0 {
		// positive when the order would buy below (or sell above) the market
		favourable := (currentPrice - o.Price) / currentPrice
		if o.Side() == domain.Sell {
			favourable = -favourable
		}
		s.PriceAdvantage = priceAdvantageWeight * clamp(favourable/cfg.PriceScale)
		s.FillProbability = fillProbabilityWeight * clamp(1-math.Abs(favourable)/cfg.PriceScale)
	}

	s.Score = s.Strength + s.Recency + s.PriceAdvantage + s.FillProbability
	return s
}

// Rank scores orders and sorts them from most to least evictable: lowest
// score first, then earliest creation, then id.
func Rank(cfg Config, orders []*domain.Order, currentPrice float64, now time.Time) []Scored {
	out := make([]Scored, 0, len(orders))
	for _, o := range orders {
		out = append(out, Score(cfg, o, currentPrice, now))
	}
	sort.SliceStable(out, func(i, j int) bool {
		a, b := out[i], out[j]
		if math.Abs(a.Score-b.Score) > 1e-9 {
			return a.Score < b.Score
		}
		if !a.Order.CreatedAt.Equal(b.Order.CreatedAt) {
			return a.Order.CreatedAt.Before(b.Order.CreatedAt)
		}
		return a.Order.ID < b.Order.ID
	})
	return out
}

// SelectEviction returns the order to evict, or nil for an empty slice.
func SelectEviction(cfg Config, orders []*domain.Order, currentPrice float64, now time.Time) *domain.Order {
	ranked := Rank(cfg, orders, currentPrice, now)
	if len(ranked) == 0 {
		return nil
	}
	return ranked[0].Order
}

func clamp(v float64) float64 {
	return math.Max(0, math.Min(1, v))
}
