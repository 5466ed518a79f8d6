package priority

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"futuresExecBot/internal/domain"
)

var t0 = time.Date(2024, 5, 1, 12, 0, 0, 0, time.UTC)

func order(id string, intent domain.OrderIntent, price float64, strength domain.SignalStrength, created time.Time) *domain.Order {
	o := domain.NewOrder(id, "BTCUSDT", intent, domain.FeeMaker, price, 0.1, created)
	o.Strength = strength
	return o
}

func TestScore_Components(t *testing.T) {
	cfg := DefaultConfig()
	o := order("a", domain.IntentEnterLong, 49875, domain.StrengthStrong, t0)

	s := Score(cfg, o, 50000, t0)
	assert.InDelta(t, 30, s.Strength, 1e-9)
	assert.InDelta(t, 20, s.Recency, 1e-9)
	assert.InDelta(t, 15, s.PriceAdvantage, 1e-6)
	assert.InDelta(t, 10, s.FillProbability, 1e-6)
	assert.InDelta(t, 75, s.Score, 1e-6)

	s = Score(cfg, o, 50000, t0.Add(cfg.RecencyHorizon))
	assert.InDelta(t, 0, s.Recency, 1e-9)
}

func TestScore_ShortSideAdvantage(t *testing.T) {
	cfg := DefaultConfig()
	above := order("s1", domain.IntentEnterShort, 50125, domain.StrengthMedium, t0)
	below := order("s2", domain.IntentEnterShort, 49875, domain.StrengthMedium, t0)
	assert.Greater(t, Score(cfg, above, 50000, t0).PriceAdvantage, 0.0)
	assert.Equal(t, 0.0, Score(cfg, below, 50000, t0).PriceAdvantage)
}

func TestSelectEviction_LowestScore(t *testing.T) {
	cfg := DefaultConfig()
	strong := order("strong", domain.IntentEnterLong, 49900, domain.StrengthStrong, t0)
	weak := order("weak", domain.IntentEnterLong, 49900, domain.StrengthWeak, t0)
	got := SelectEviction(cfg, []*domain.Order{strong, weak}, 50000, t0)
	require.NotNil(t, got)
	assert.Equal(t, "weak", got.ID)
}

func TestSelectEviction_DeterministicTieBreak(t *testing.T) {
	cfg := DefaultConfig()
	cfg.RecencyHorizon = 0
	older := order("b", domain.IntentEnterLong, 49900, domain.StrengthMedium, t0)
	newer := order("a", domain.IntentEnterLong, 49900, domain.StrengthMedium, t0.Add(time.Second))
	for i := 0; i < 20; i++ {
		orders := []*domain.Order{newer, older}
		if i%2 == 0 {
			orders = []*domain.Order{older, newer}
		}
		assert.Equal(t, "b", SelectEviction(cfg, orders, 50000, t0.Add(2*time.Second)).ID)
	}

	same1 := order("x1", domain.IntentEnterLong, 49900, domain.StrengthMedium, t0)
	same2 := order("x2", domain.IntentEnterLong, 49900, domain.StrengthMedium, t0)
	assert.Equal(t, "x1", SelectEviction(cfg, []*domain.Order{same2, same1}, 50000, t0).ID)
}

func TestSelectEviction_Empty(t *testing.T) {
	assert.Nil(t, SelectEviction(DefaultConfig(), nil, 50000, t0))
}
