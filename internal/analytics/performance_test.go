package analytics

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"futuresExecBot/internal/domain"
)

func TestAnalyzePerformance(t *testing.T) {
	start := time.Date(2025, 3, 1, 0, 0, 0, 0, time.UTC)
	trade := func(pnl float64, reason domain.CloseReason, exitAfter time.Duration) *domain.Trade {
		return &domain.Trade{
			Symbol: "BTCUSDT", Side: domain.Long, PNL: pnl, CloseReason: reason,
			EntryTime: start.Add(exitAfter - time.Hour), ExitTime: start.Add(exitAfter),
		}
	}
	// Deliberately out of exit order.
	trades := []*domain.Trade{
		trade(-50, domain.CloseReasonStopLoss, 3*time.Hour),
		trade(100, domain.CloseReasonTakeProfit, 1*time.Hour),
		trade(-30, domain.CloseReasonStopLoss, 4*time.Hour),
		trade(80, domain.CloseReasonTrailingStop, 2*time.Hour),
	}

	p := AnalyzePerformance(trades, 1000)

	assert.Equal(t, 4, p.TotalTrades)
	assert.Equal(t, 2, p.WinningTrades)
	assert.Equal(t, 2, p.LosingTrades)
	assert.InDelta(t, 0.5, p.WinRate, 1e-9)
	assert.InDelta(t, 100, p.TotalProfit, 1e-9)
	assert.InDelta(t, 180.0/80.0, p.ProfitFactor, 1e-9)
	assert.InDelta(t, 90, p.AverageWin, 1e-9)
	assert.InDelta(t, -40, p.AverageLoss, 1e-9)
	assert.InDelta(t, 25, p.Expectancy, 1e-9)
	assert.InDelta(t, 1100, p.FinalBalance, 1e-9)
	assert.InDelta(t, 0.1, p.ReturnOnInvestment, 1e-9)
	assert.Equal(t, 2, p.MaxConsecutiveWins)
	assert.Equal(t, 2, p.MaxConsecutiveLosses)
	assert.Equal(t, time.Hour, p.AverageHoldTime)

	// Peak 1180 after the two wins, trough 1100.
	assert.InDelta(t, 80.0/1180.0, p.MaxDrawdown, 1e-9)
	require.Len(t, p.EquityCurve, 4)
	assert.InDelta(t, 1100, p.EquityCurve[3].Value, 1e-9)

	assert.Equal(t, ReasonStats{Count: 2, PNL: -80}, p.ByReason[domain.CloseReasonStopLoss])
	assert.Equal(t, 1, p.ByReason[domain.CloseReasonTakeProfit].Count)

	// Input order is preserved.
	assert.InDelta(t, -50, trades[0].PNL, 1e-9)
	assert.Equal(t, 2, p.Fields()["closed_SL"])
}

func TestAnalyzePerformance_NoTrades(t *testing.T) {
	p := AnalyzePerformance(nil, 500)
	assert.Zero(t, p.TotalTrades)
	assert.Equal(t, 500.0, p.FinalBalance)
	assert.Zero(t, p.ProfitFactor)
}
