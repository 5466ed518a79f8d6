// Package stopexit decides, tick by tick, whether an open position must be
// reduced or closed and how far its stop loss may be tightened.
package stopexit

import (
	"fmt"
	"math"
	"sort"
	"sync"
	"time"

	"futuresExecBot/internal/domain"
	"futuresExecBot/internal/ports"
)

// Rule names one exit check.
type Rule string

const (
	RuleHardStop   Rule = "hard_stop"
	RuleTrailing   Rule = "trailing"
	RuleTakeProfit Rule = "take_profit"
	RuleReversal   Rule = "reversal"
)

// DefaultPrecedence is the order in which rules are checked.
var DefaultPrecedence = []Rule{RuleHardStop, RuleTrailing, RuleTakeProfit, RuleReversal}

// ParsePrecedence validates a rule list. Every rule must appear exactly once.
func ParsePrecedence(names []string) ([]Rule, error) {
	if len(names) == 0 {
		return append([]Rule(nil), DefaultPrecedence...), nil
	}
	seen := make(map[Rule]bool, len(names))
	out := make([]Rule, 0, len(names))
	for _, n := range names {
		r := Rule(n)
		switch r {
		case RuleHardStop, RuleTrailing, RuleTakeProfit, RuleReversal:
		default:
			return nil, fmt.Errorf("unknown exit rule %q: %w", n, ports.ErrConfigurationError)
		}
		if seen[r] {
			return nil, fmt.Errorf("exit rule %q listed twice: %w", n, ports.ErrConfigurationError)
		}
		seen[r] = true
		out = append(out, r)
	}
	if len(out) != len(DefaultPrecedence) {
		return nil, fmt.Errorf("exit precedence must list all of %v: %w", DefaultPrecedence, ports.ErrConfigurationError)
	}
	return out, nil
}

// Tier is one take-profit step: at Profit (fraction of entry) close Fraction
// of the remaining quantity.
type Tier struct {
	Profit   float64 `yaml:"profit"`
	Fraction float64 `yaml:"fraction"`
}

// Config holds the exit policy.
type Config struct {
	Precedence []Rule

	// A breach shallower than StopBuffer (fraction of the stop) must last
	// StopConfirmWindow before acting. Zero values act immediately.
	StopBuffer        float64
	StopConfirmWindow time.Duration

	TrailingActivation    float64 // profit fraction before trailing starts
	TrailingDistance      float64 // fraction of the extremum
	TrailingATRMultiplier float64 // used instead of TrailingDistance when ATR is known

	TakeProfitTiers []Tier

	ReversalEnabled      bool
	ReversalMinBodyRatio float64
	ReversalBodyMultiple float64
}

// DefaultConfig returns the production defaults.
func DefaultConfig() Config {
	return Config{
		Precedence:           append([]Rule(nil), DefaultPrecedence...),
		TrailingActivation:   0.005,
		TrailingDistance:     0.01,
		ReversalMinBodyRatio: 0.6,
		ReversalBodyMultiple: 1.5,
	}
}

// Validate checks the policy for contradictions.
func (c Config) Validate() error {
	if _, err := ParsePrecedence(rulesToStrings(c.Precedence)); err != nil {
		return err
	}
	if c.StopBuffer < 0 || c.TrailingDistance < 0 || c.TrailingActivation < 0 || c.TrailingATRMultiplier < 0 {
		return fmt.Errorf("exit policy values must not be negative: %w", ports.ErrConfigurationError)
	}
	for i, t := range c.TakeProfitTiers {
		if t.Profit <= 0 || t.Fraction <= 0 || t.Fraction > 1 {
			return fmt.Errorf("take profit tier %d (%+v) out of range: %w", i, t, ports.ErrConfigurationError)
		}
		if i > 0 && t.Profit <= c.TakeProfitTiers[i-1].Profit {
			return fmt.Errorf("take profit tiers must have increasing profit: %w", ports.ErrConfigurationError)
		}
	}
	return nil
}

func rulesToStrings(rules []Rule) []string {
	out := make([]string, len(rules))
	for i, r := range rules {
		out[i] = string(r)
	}
	return out
}

// Kind is the action a Decision asks for.
type Kind string

const (
	None         Kind = ""
	ClosePartial Kind = "CLOSE_PARTIAL"
	CloseAll     Kind = "CLOSE_ALL"
)

// Decision is the evaluator's verdict for one tick. Besides at most one exit,
// it carries the trailing state the caller should persist.
type Decision struct {
	Kind     Kind
	Rule     Rule
	Reason   domain.CloseReason
	Quantity float64
	Tier     int
	Fraction float64

	NewStop  float64 // > 0 when the stop tightens
	Extremum float64 // most favourable price seen, including this tick
}

// Exit reports whether the decision closes any quantity.
func (d Decision) Exit() bool {
	return d.Kind != None
}

// Input is everything the evaluator looks at for one tick.
type Input struct {
	Position *domain.Position
	Price    float64
	Time     time.Time
	ATR      float64         // 0 if unknown
	Klines   []*domain.Kline // final candles, oldest first
}

// Evaluator holds per-position debounce state; the decision itself is a pure
// function of Input and that state.
type Evaluator struct {
	cfg Config

	mu       sync.Mutex
	breaches map[int64]time.Time
}

// NewEvaluator creates an evaluator. Tiers are sorted by profit.
func NewEvaluator(cfg Config) *Evaluator {
	if len(cfg.Precedence) == 0 {
		cfg.Precedence = append([]Rule(nil), DefaultPrecedence...)
	}
	tiers := append([]Tier(nil), cfg.TakeProfitTiers...)
	sort.SliceStable(tiers, func(i, j int) bool { return tiers[i].Profit < tiers[j].Profit })
	cfg.TakeProfitTiers = tiers
	return &Evaluator{cfg: cfg, breaches: make(map[int64]time.Time)}
}

// Forget drops the debounce state of a closed position.
func (e *Evaluator) Forget(positionID int64) {
	e.mu.Lock()
	defer e.mu.Unlock()
	delete(e.breaches, positionID)
}

// Evaluate checks the rules in precedence order and returns the first exit
// that applies, plus any stop tightening. Halted or closed positions get an
// empty decision.
func (e *Evaluator) Evaluate(in Input) Decision {
	p := in.Position
	if p == nil || !p.IsOpen() || p.Halted || in.Price <= 0 || p.Quantity < domain.FillEpsilon {
		return Decision{}
	}

	d := Decision{Extremum: extremum(p, in.Price)}
	stop := p.StopLoss
	if candidate := e.trailingCandidate(p, d.Extremum, in.ATR); candidate > 0 && tightens(p.Side, stop, candidate) {
		d.NewStop = candidate
		stop = candidate
	}

	for _, rule := range e.cfg.Precedence {
		var hit bool
		switch rule {
		case RuleHardStop:
			hit = !trailed(p, stop) && e.stopHit(p, stop, in)
			if hit {
				d.Kind, d.Reason, d.Quantity = CloseAll, domain.CloseReasonStopLoss, p.Quantity
			}
		case RuleTrailing:
			hit = trailed(p, stop) && e.stopHit(p, stop, in)
			if hit {
				d.Kind, d.Reason, d.Quantity = CloseAll, domain.CloseReasonTrailingStop, p.Quantity
			}
		case RuleTakeProfit:
			hit = e.takeProfit(p, in.Price, &d)
		case RuleReversal:
			hit = e.reversal(p, in.Klines)
			if hit {
				d.Kind, d.Reason, d.Quantity = CloseAll, domain.CloseReasonReversal, p.Quantity
			}
		}
		if hit {
			d.Rule = rule
			if d.Kind == CloseAll {
				e.Forget(p.ID)
			}
			return d
		}
	}
	return d
}

func extremum(p *domain.Position, price float64) float64 {
	ext := p.TrailingExtremum
	if ext <= 0 {
		ext = p.EntryPrice
	}
	if p.Side == domain.Long {
		return math.Max(ext, price)
	}
	if ext <= 0 {
		return price
	}
	return math.Min(ext, price)
}

func tightens(side domain.PositionSide, current, candidate float64) bool {
	if current <= 0 {
		return true
	}
	if side == domain.Long {
		return candidate > current
	}
	return candidate < current
}

// trailed reports whether stop has moved past the initial stop.
func trailed(p *domain.Position, stop float64) bool {
	if p.InitialStopLoss <= 0 {
		return false
	}
	return tightens(p.Side, p.InitialStopLoss, stop)
}

func (e *Evaluator) trailingCandidate(p *domain.Position, ext, atr float64) float64 {
	if p.EntryPrice <= 0 {
		return 0
	}
	var gain float64
	if p.Side == domain.Long {
		gain = (ext - p.EntryPrice) / p.EntryPrice
	} else {
		gain = (p.EntryPrice - ext) / p.EntryPrice
	}
	if gain < e.cfg.TrailingActivation || gain <= 0 {
		return 0
	}
	var dist float64
	switch {
	case atr > 0 && e.cfg.TrailingATRMultiplier > 0:
		dist = atr * e.cfg.TrailingATRMultiplier
	case e.cfg.TrailingDistance > 0:
		dist = ext * e.cfg.TrailingDistance
	default:
		return 0
	}
	if p.Side == domain.Long {
		return ext - dist
	}
	return ext + dist
}

// stopHit applies the debounce: a breach at least StopBuffer deep acts at
// once, a shallower one must persist for StopConfirmWindow.
func (e *Evaluator) stopHit(p *domain.Position, stop float64, in Input) bool {
	if stop <= 0 {
		return false
	}
	var depth float64
	if p.Side == domain.Long {
		depth = (stop - in.Price) / stop
	} else {
		depth = (in.Price - stop) / stop
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	if depth < 0 {
		delete(e.breaches, p.ID)
		return false
	}
	if e.cfg.StopBuffer <= 0 || e.cfg.StopConfirmWindow <= 0 || depth >= e.cfg.StopBuffer {
		return true
	}
	first, ok := e.breaches[p.ID]
	if !ok {
		e.breaches[p.ID] = in.Time
		return false
	}
	return in.Time.Sub(first) >= e.cfg.StopConfirmWindow
}

func (e *Evaluator) takeProfit(p *domain.Position, price float64, d *Decision) bool {
	profit := p.ProfitFraction(price)
	for i, tier := range e.cfg.TakeProfitTiers {
		if p.TierFired(i) || profit < tier.Profit {
			continue
		}
		qty := p.Quantity * tier.Fraction
		d.Tier, d.Fraction, d.Rule = i, tier.Fraction, RuleTakeProfit
		d.Reason = domain.CloseReasonTakeProfit
		if p.Quantity-qty < domain.FillEpsilon {
			d.Kind, d.Quantity = CloseAll, p.Quantity
		} else {
			d.Kind, d.Quantity = ClosePartial, qty
		}
		return true
	}
	return false
}

// reversal looks for a strong candle against the position right after a
// candle in the position's favour.
func (e *Evaluator) reversal(p *domain.Position, klines []*domain.Kline) bool {
	if !e.cfg.ReversalEnabled || len(klines) < 2 {
		return false
	}
	last, prev := klines[len(klines)-1], klines[len(klines)-2]
	if last.Range() <= 0 || last.OpenTime.Before(p.EntryTime) {
		return false
	}
	var opposing, priorWith bool
	if p.Side == domain.Long {
		opposing, priorWith = last.Bearish(), prev.Bullish()
	} else {
		opposing, priorWith = last.Bullish(), prev.Bearish()
	}
	if !opposing || !priorWith {
		return false
	}
	return last.Body()/last.Range() >= e.cfg.ReversalMinBodyRatio &&
		last.Body() >= e.cfg.ReversalBodyMultiple*prev.Body()
}
