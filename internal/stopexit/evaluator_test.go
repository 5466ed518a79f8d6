package stopexit

import (
	"math/rand"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"futuresExecBot/internal/domain"
	"futuresExecBot/internal/ports"
)

var t0 = time.Date(2024, 3, 1, 12, 0, 0, 0, time.UTC)

func position(side domain.PositionSide, entry, stop float64) *domain.Position {
	return &domain.Position{
		ID:               7,
		Symbol:           "BTCUSDT",
		Side:             side,
		EntryPrice:       entry,
		Quantity:         1,
		Leverage:         5,
		EntryTime:        t0,
		Status:           domain.StatusOpen,
		StopLoss:         stop,
		InitialStopLoss:  stop,
		TrailingExtremum: entry,
	}
}

func noTrailing() Config {
	cfg := DefaultConfig()
	cfg.TrailingDistance = 0
	return cfg
}

func TestEvaluate_HardStop(t *testing.T) {
	tests := []struct {
		name   string
		side   domain.PositionSide
		stop   float64
		price  float64
		expect Kind
	}{
		{name: "long at stop", side: domain.Long, stop: 95, price: 95, expect: CloseAll},
		{name: "long below stop", side: domain.Long, stop: 95, price: 90, expect: CloseAll},
		{name: "long above stop", side: domain.Long, stop: 95, price: 95.01, expect: None},
		{name: "short at stop", side: domain.Short, stop: 105, price: 105, expect: CloseAll},
		{name: "short below stop", side: domain.Short, stop: 105, price: 104.99, expect: None},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			e := NewEvaluator(noTrailing())
			d := e.Evaluate(Input{Position: position(tt.side, 100, tt.stop), Price: tt.price, Time: t0})
			assert.Equal(t, tt.expect, d.Kind)
			if tt.expect == CloseAll {
				assert.Equal(t, domain.CloseReasonStopLoss, d.Reason)
				assert.Equal(t, RuleHardStop, d.Rule)
				assert.Equal(t, 1.0, d.Quantity)
			}
		})
	}
}

func TestEvaluate_Debounce(t *testing.T) {
	cfg := noTrailing()
	cfg.StopBuffer = 0.01
	cfg.StopConfirmWindow = time.Second
	e := NewEvaluator(cfg)
	p := position(domain.Long, 100, 95)

	// Shallow breach must persist.
	assert.False(t, e.Evaluate(Input{Position: p, Price: 94.9, Time: t0}).Exit())
	assert.False(t, e.Evaluate(Input{Position: p, Price: 94.9, Time: t0.Add(500 * time.Millisecond)}).Exit())
	assert.True(t, e.Evaluate(Input{Position: p, Price: 94.9, Time: t0.Add(time.Second)}).Exit())

	// Recovery resets the window.
	e.Forget(p.ID)
	assert.False(t, e.Evaluate(Input{Position: p, Price: 94.9, Time: t0}).Exit())
	assert.False(t, e.Evaluate(Input{Position: p, Price: 96, Time: t0.Add(600 * time.Millisecond)}).Exit())
	assert.False(t, e.Evaluate(Input{Position: p, Price: 94.9, Time: t0.Add(1200 * time.Millisecond)}).Exit())

	// A breach beyond the buffer is never delayed.
	d := e.Evaluate(Input{Position: p, Price: 94, Time: t0.Add(1300 * time.Millisecond)})
	assert.Equal(t, CloseAll, d.Kind)
}

func TestEvaluate_TrailingTightensThenExits(t *testing.T) {
	cfg := DefaultConfig()
	cfg.TrailingActivation = 0.005
	cfg.TrailingDistance = 0.01
	e := NewEvaluator(cfg)
	p := position(domain.Long, 100, 95)

	d := e.Evaluate(Input{Position: p, Price: 110, Time: t0})
	assert.False(t, d.Exit())
	assert.Equal(t, 110.0, d.Extremum)
	assert.InDelta(t, 108.9, d.NewStop, 1e-9)

	require.True(t, p.TightenStop(d.NewStop))
	p.TrailingExtremum = d.Extremum

	d = e.Evaluate(Input{Position: p, Price: 109.5, Time: t0.Add(time.Second)})
	assert.False(t, d.Exit())
	assert.Zero(t, d.NewStop, "a lower price never loosens the stop")

	d = e.Evaluate(Input{Position: p, Price: 108.5, Time: t0.Add(2 * time.Second)})
	assert.Equal(t, CloseAll, d.Kind)
	assert.Equal(t, domain.CloseReasonTrailingStop, d.Reason)
	assert.Equal(t, RuleTrailing, d.Rule)
}

func TestEvaluate_TrailingUsesATR(t *testing.T) {
	cfg := DefaultConfig()
	cfg.TrailingATRMultiplier = 2
	e := NewEvaluator(cfg)
	p := position(domain.Short, 100, 105)

	d := e.Evaluate(Input{Position: p, Price: 90, Time: t0, ATR: 1.5})
	assert.InDelta(t, 93.0, d.NewStop, 1e-9)
	assert.Equal(t, 90.0, d.Extremum)
}

func TestEvaluate_TrailingWaitsForActivation(t *testing.T) {
	cfg := DefaultConfig()
	cfg.TrailingActivation = 0.02
	e := NewEvaluator(cfg)
	d := e.Evaluate(Input{Position: position(domain.Long, 100, 95), Price: 101, Time: t0})
	assert.Zero(t, d.NewStop)
}

func TestEvaluate_StopMonotonicUnderRandomWalk(t *testing.T) {
	for _, side := range []domain.PositionSide{domain.Long, domain.Short} {
		t.Run(string(side), func(t *testing.T) {
			cfg := DefaultConfig()
			cfg.TrailingActivation = 0.001
			cfg.TrailingDistance = 0.005
			e := NewEvaluator(cfg)
			rng := rand.New(rand.NewSource(42))

			stop := 98.0
			if side == domain.Short {
				stop = 102
			}
			p := position(side, 100, stop)
			price := 100.0
			for i := 0; i < 5000; i++ {
				price *= 1 + (rng.Float64()-0.5)*0.004
				atr := 0.0
				if i%3 == 0 {
					atr = rng.Float64() * 2
					e.cfg.TrailingATRMultiplier = 1
				} else {
					e.cfg.TrailingATRMultiplier = 0
				}
				before := p.StopLoss
				d := e.Evaluate(Input{Position: p, Price: price, Time: t0.Add(time.Duration(i) * time.Second), ATR: atr})
				if d.NewStop > 0 {
					p.TightenStop(d.NewStop)
				}
				p.TrailingExtremum = d.Extremum
				if side == domain.Long {
					require.GreaterOrEqual(t, p.StopLoss, before, "step %d", i)
				} else {
					require.LessOrEqual(t, p.StopLoss, before, "step %d", i)
				}
			}
		})
	}
}

func TestEvaluate_TakeProfitTiers(t *testing.T) {
	cfg := noTrailing()
	cfg.TakeProfitTiers = []Tier{{Profit: 0.02, Fraction: 1}, {Profit: 0.01, Fraction: 0.5}}
	e := NewEvaluator(cfg)
	p := position(domain.Long, 100, 95)

	assert.False(t, e.Evaluate(Input{Position: p, Price: 100.5, Time: t0}).Exit())

	d := e.Evaluate(Input{Position: p, Price: 101.5, Time: t0})
	assert.Equal(t, ClosePartial, d.Kind)
	assert.Equal(t, 0, d.Tier)
	assert.InDelta(t, 0.5, d.Quantity, 1e-12)
	assert.Equal(t, domain.CloseReasonTakeProfit, d.Reason)

	p.PartialExits = append(p.PartialExits, domain.PartialExit{Tier: 0, Fraction: 0.5, Quantity: 0.5, Price: 101.5, Time: t0})
	p.Quantity = 0.5
	assert.False(t, e.Evaluate(Input{Position: p, Price: 101.6, Time: t0}).Exit(), "tier fires once")

	d = e.Evaluate(Input{Position: p, Price: 102.5, Time: t0})
	assert.Equal(t, CloseAll, d.Kind)
	assert.Equal(t, 1, d.Tier)
	assert.InDelta(t, 0.5, d.Quantity, 1e-12)
}

func TestEvaluate_Reversal(t *testing.T) {
	klines := func(prevOpen, prevClose, open, close float64) []*domain.Kline {
		return []*domain.Kline{
			{OpenTime: t0.Add(time.Minute), Open: prevOpen, Close: prevClose, High: maxf(prevOpen, prevClose) + 1, Low: minf(prevOpen, prevClose) - 1, IsFinal: true},
			{OpenTime: t0.Add(2 * time.Minute), Open: open, Close: close, High: maxf(open, close) + 1, Low: minf(open, close) - 1, IsFinal: true},
		}
	}
	tests := []struct {
		name    string
		side    domain.PositionSide
		enabled bool
		klines  []*domain.Kline
		expect  Kind
	}{
		{name: "bearish engulf on long", side: domain.Long, enabled: true, klines: klines(100, 105, 105, 95), expect: CloseAll},
		{name: "bullish engulf on short", side: domain.Short, enabled: true, klines: klines(100, 95, 95, 105), expect: CloseAll},
		{name: "disabled", side: domain.Long, enabled: false, klines: klines(100, 105, 105, 95), expect: None},
		{name: "weak body", side: domain.Long, enabled: true, klines: klines(100, 105, 105, 102), expect: None},
		{name: "prior candle against position", side: domain.Long, enabled: true, klines: klines(105, 100, 100, 90), expect: None},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := noTrailing()
			cfg.ReversalEnabled = tt.enabled
			e := NewEvaluator(cfg)
			stop := 80.0
			if tt.side == domain.Short {
				stop = 120
			}
			d := e.Evaluate(Input{Position: position(tt.side, 100, stop), Price: 100, Time: t0.Add(3 * time.Minute), Klines: tt.klines})
			assert.Equal(t, tt.expect, d.Kind)
			if tt.expect == CloseAll {
				assert.Equal(t, domain.CloseReasonReversal, d.Reason)
			}
		})
	}
}

func TestEvaluate_Precedence(t *testing.T) {
	// The stop was trailed to 104 and the price sits both through it and
	// above the first take-profit tier.
	p := position(domain.Long, 100, 95)
	p.StopLoss = 104
	p.TrailingExtremum = 110
	in := Input{Position: p, Price: 103.9, Time: t0}

	cfg := noTrailing()
	cfg.TakeProfitTiers = []Tier{{Profit: 0.03, Fraction: 0.5}}
	d := NewEvaluator(cfg).Evaluate(in)
	assert.Equal(t, RuleTrailing, d.Rule)
	assert.Equal(t, CloseAll, d.Kind)

	cfg.Precedence = []Rule{RuleTakeProfit, RuleHardStop, RuleTrailing, RuleReversal}
	d = NewEvaluator(cfg).Evaluate(in)
	assert.Equal(t, RuleTakeProfit, d.Rule)
	assert.Equal(t, ClosePartial, d.Kind)
}

func TestEvaluate_SkipsHaltedAndClosed(t *testing.T) {
	e := NewEvaluator(noTrailing())
	p := position(domain.Long, 100, 95)
	p.Halted = true
	assert.Equal(t, Decision{}, e.Evaluate(Input{Position: p, Price: 50, Time: t0}))

	p = position(domain.Long, 100, 95)
	p.Status = domain.StatusClosed
	assert.Equal(t, Decision{}, e.Evaluate(Input{Position: p, Price: 50, Time: t0}))
}

func TestParsePrecedence(t *testing.T) {
	rules, err := ParsePrecedence(nil)
	require.NoError(t, err)
	assert.Equal(t, DefaultPrecedence, rules)

	rules, err = ParsePrecedence([]string{"reversal", "hard_stop", "trailing", "take_profit"})
	require.NoError(t, err)
	assert.Equal(t, RuleReversal, rules[0])

	for _, bad := range [][]string{
		{"hard_stop", "trailing"},
		{"hard_stop", "hard_stop", "trailing", "take_profit"},
		{"hard_stop", "trailing", "take_profit", "moon"},
	} {
		_, err := ParsePrecedence(bad)
		assert.ErrorIs(t, err, ports.ErrConfigurationError, "%v", bad)
	}
}

func TestConfig_Validate(t *testing.T) {
	cfg := DefaultConfig()
	require.NoError(t, cfg.Validate())

	cfg.TakeProfitTiers = []Tier{{Profit: 0.02, Fraction: 0.5}, {Profit: 0.01, Fraction: 0.5}}
	assert.ErrorIs(t, cfg.Validate(), ports.ErrConfigurationError)

	cfg.TakeProfitTiers = []Tier{{Profit: 0.02, Fraction: 1.5}}
	assert.ErrorIs(t, cfg.Validate(), ports.ErrConfigurationError)
}

func maxf(a, b float64) float64 {
	if a > b {
		return a
	}
	return b
}

func minf(a, b float64) float64 {
	if a < b {
		return a
	}
	return b
}
