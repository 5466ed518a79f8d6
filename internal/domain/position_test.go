package domain

import (
	"math/rand"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestPosition_TightenStopIsMonotonic(t *testing.T) {
	rng := rand.New(rand.NewSource(42))
	for _, side := range []PositionSide{Long, Short} {
		p := &Position{Side: side, EntryPrice: 100, StopLoss: 99}
		if side == Short {
			p.StopLoss = 101
		}
		prev := p.StopLoss
		for i := 0; i < 1000; i++ {
			p.TightenStop(90 + rng.Float64()*20)
			if side == Long {
				assert.GreaterOrEqual(t, p.StopLoss, prev)
			} else {
				assert.LessOrEqual(t, p.StopLoss, prev)
			}
			prev = p.StopLoss
		}
	}
}

func TestPosition_StopBreached(t *testing.T) {
	long := &Position{Side: Long, StopLoss: 95}
	assert.True(t, long.StopBreached(95))
	assert.True(t, long.StopBreached(94))
	assert.False(t, long.StopBreached(96))

	short := &Position{Side: Short, StopLoss: 105}
	assert.True(t, short.StopBreached(105))
	assert.False(t, short.StopBreached(104))
}

func TestPosition_AddEntryAndReduce(t *testing.T) {
	p := &Position{Side: Long, Status: StatusOpen}
	p.AddEntry(0.1, 50000)
	p.AddEntry(0.1, 50100)
	assert.InDelta(t, 50050, p.EntryPrice, 1e-6)
	assert.InDelta(t, 0.2, p.Quantity, 1e-12)

	pnl := p.Reduce(0.1, 51050)
	assert.InDelta(t, 100, pnl, 1e-6)
	assert.InDelta(t, 0.1, p.Quantity, 1e-12)

	p.Reduce(0.1, 50050)
	assert.InDelta(t, 100, p.PNL, 1e-6)
	assert.InDelta(t, 50550, p.ExitPrice, 1e-6)

	p.Close(CloseReasonTakeProfit, time.Now())
	assert.False(t, p.IsOpen())
}

func TestPosition_ProfitFraction(t *testing.T) {
	assert.InDelta(t, 0.01, (&Position{Side: Long, EntryPrice: 100}).ProfitFraction(101), 1e-12)
	assert.InDelta(t, 0.01, (&Position{Side: Short, EntryPrice: 100}).ProfitFraction(99), 1e-12)
}
