package analytics

import (
	"math"
	"sort"
	"time"

	"futuresExecBot/internal/domain"
)

// Performance summarizes a set of closed trades.
type Performance struct {
	TotalTrades   int
	WinningTrades int
	LosingTrades  int
	WinRate       float64
	TotalProfit   float64
	GrossProfit   float64
	GrossLoss     float64 // positive
	ProfitFactor  float64 // 0 when there are no losses
	AverageWin    float64
	AverageLoss   float64 // negative
	Expectancy    float64

	InitialBalance     float64
	FinalBalance       float64
	ReturnOnInvestment float64
	MaxDrawdown        float64 // fraction of the running peak

	MaxConsecutiveWins   int
	MaxConsecutiveLosses int
	AverageHoldTime      time.Duration

	ByReason    map[domain.CloseReason]ReasonStats
	EquityCurve []EquityPoint
}

// ReasonStats groups trades by what closed them.
type ReasonStats struct {
	Count int
	PNL   float64
}

// EquityPoint is the balance after a trade closed.
type EquityPoint struct {
	Time     time.Time
	Value    float64
	Drawdown float64
}

// AnalyzePerformance calculates performance metrics from trades in exit order.
// The input slice is not modified.
func AnalyzePerformance(trades []*domain.Trade, initialBalance float64) *Performance {
	p := &Performance{
		InitialBalance: initialBalance,
		FinalBalance:   initialBalance,
		ByReason:       make(map[domain.CloseReason]ReasonStats),
	}
	if len(trades) == 0 {
		return p
	}

	sorted := append([]*domain.Trade(nil), trades...)
	sort.SliceStable(sorted, func(i, j int) bool {
		return sorted[i].ExitTime.Before(sorted[j].ExitTime)
	})

	balance := initialBalance
	peak := initialBalance
	var wins, losses int
	var held time.Duration

	for _, t := range sorted {
		p.TotalTrades++
		if t.PNL > 0 {
			p.WinningTrades++
			p.GrossProfit += t.PNL
			wins++
			losses = 0
		} else {
			p.LosingTrades++
			p.GrossLoss -= t.PNL
			losses++
			wins = 0
		}
		if wins > p.MaxConsecutiveWins {
			p.MaxConsecutiveWins = wins
		}
		if losses > p.MaxConsecutiveLosses {
			p.MaxConsecutiveLosses = losses
		}

		rs := p.ByReason[t.CloseReason]
		rs.Count++
		rs.PNL += t.PNL
		p.ByReason[t.CloseReason] = rs

		if !t.EntryTime.IsZero() && t.ExitTime.After(t.EntryTime) {
			held += t.ExitTime.Sub(t.EntryTime)
		}

		balance += t.PNL
		peak = math.Max(peak, balance)
		var dd float64
		if peak > 0 {
			dd = (peak - balance) / peak
		}
		p.MaxDrawdown = math.Max(p.MaxDrawdown, dd)
		p.EquityCurve = append(p.EquityCurve, EquityPoint{Time: t.ExitTime, Value: balance, Drawdown: dd})
	}

	p.TotalProfit = p.GrossProfit - p.GrossLoss
	p.FinalBalance = balance
	p.WinRate = float64(p.WinningTrades) / float64(p.TotalTrades)
	if p.WinningTrades > 0 {
		p.AverageWin = p.GrossProfit / float64(p.WinningTrades)
	}
	if p.LosingTrades > 0 {
		p.AverageLoss = -p.GrossLoss / float64(p.LosingTrades)
	}
	if p.GrossLoss > 0 {
		p.ProfitFactor = p.GrossProfit / p.GrossLoss
	}
	p.Expectancy = p.TotalProfit / float64(p.TotalTrades)
	if initialBalance > 0 {
		p.ReturnOnInvestment = (balance - initialBalance) / initialBalance
	}
	p.AverageHoldTime = held / time.Duration(p.TotalTrades)
	return p
}

// Fields flattens the headline figures for structured logging.
func (p *Performance) Fields() map[string]interface{} {
	f := map[string]interface{}{
		"trades":       p.TotalTrades,
		"winRate":      p.WinRate,
		"totalPnL":     p.TotalProfit,
		"profitFactor": p.ProfitFactor,
		"maxDrawdown":  p.MaxDrawdown,
		"finalBalance": p.FinalBalance,
		"avgHold":      p.AverageHoldTime.String(),
	}
	for reason, rs := range p.ByReason {
		f["closed_"+string(reason)] = rs.Count
	}
	return f
}
