package risk

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"futuresExecBot/internal/domain"
	"futuresExecBot/internal/ports"
)

func btcFilters() domain.SymbolFilters {
	return domain.SymbolFilters{Symbol: "BTCUSDT", StepSize: 0.001, MinQty: 0.001, MaxQty: 1000, TickSize: 0.1}
}

func TestPositionSize(t *testing.T) {
	tests := []struct {
		name         string
		in           SizingInput
		wantRisk     float64
		wantLeverage float64
		wantQty      float64
		wantReason   ports.RejectReason
	}{
		{
			name: "leverage bound",
			in: SizingInput{Balance: 1000, Leverage: 10, Price: 50000, MaxLossFraction: 0.05,
				StopLossDistance: 0.001, Strength: domain.StrengthStrong, Filters: btcFilters()},
			wantRisk: 50000, wantLeverage: 10000, wantQty: 0.2,
		},
		{
			name: "risk bound",
			in: SizingInput{Balance: 1000, Leverage: 10, Price: 50000, MaxLossFraction: 0.05,
				StopLossDistance: 0.01, Strength: domain.StrengthStrong, Filters: btcFilters()},
			wantRisk: 5000, wantLeverage: 10000, wantQty: 0.1,
		},
		{
			name: "medium strength scales down",
			in: SizingInput{Balance: 1000, Leverage: 10, Price: 50000, MaxLossFraction: 0.05,
				StopLossDistance: 0.001, Strength: domain.StrengthMedium, Filters: btcFilters()},
			wantRisk: 50000, wantLeverage: 10000, wantQty: 0.15,
		},
		{
			name: "rounded down to step",
			in: SizingInput{Balance: 1000, Leverage: 10, Price: 30000, MaxLossFraction: 0.05,
				StopLossDistance: 0.001, Strength: domain.StrengthStrong, Filters: btcFilters()},
			wantRisk: 50000, wantLeverage: 10000, wantQty: 0.333,
		},
		{
			name: "below minimum",
			in: SizingInput{Balance: 10, Leverage: 1, Price: 50000, MaxLossFraction: 0.01,
				StopLossDistance: 0.01, Strength: domain.StrengthWeak, Filters: btcFilters()},
			wantReason: ports.ReasonQuantityBelowMin,
		},
		{
			name:       "zero stop distance",
			in:         SizingInput{Balance: 1000, Leverage: 10, Price: 50000, MaxLossFraction: 0.05, Strength: domain.StrengthStrong},
			wantReason: ports.ReasonStopLossDistance,
		},
		{
			name:       "zero balance",
			in:         SizingInput{Leverage: 10, Price: 50000, MaxLossFraction: 0.05, StopLossDistance: 0.01, Strength: domain.StrengthStrong},
			wantReason: ports.ReasonInvalidInput,
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			s, err := PositionSize(tt.in)
			if tt.wantReason != "" {
				require.Error(t, err)
				assert.ErrorIs(t, err, ports.ErrValidation)
				assert.Equal(t, tt.wantReason, ports.ReasonOf(err))
				return
			}
			require.NoError(t, err)
			assert.InDelta(t, tt.wantRisk, s.RiskBasedValue, 1e-6)
			assert.InDelta(t, tt.wantLeverage, s.LeverageBasedValue, 1e-6)
			assert.InDelta(t, tt.wantQty, s.Quantity, 1e-9)
		})
	}
}

func TestPositionSize_FeeAndSafetyMargin(t *testing.T) {
	s, err := PositionSize(SizingInput{Balance: 1000, Leverage: 10, Price: 50000, MaxLossFraction: 0.05,
		StopLossDistance: 0.001, Strength: domain.StrengthStrong, FeeRate: 0.05, SafetyMargin: 0.05,
		Filters: btcFilters()})
	require.NoError(t, err)
	assert.InDelta(t, 9000, s.PositionValue, 1e-6)
	assert.InDelta(t, 0.18, s.Quantity, 1e-9)
}

func TestRoundDownToStep(t *testing.T) {
	assert.Equal(t, 0.123, RoundDownToStep(0.1239, 0.001))
	assert.Equal(t, 0.3, RoundDownToStep(0.3, 0.1))
	assert.Equal(t, 12.0, RoundDownToStep(12.9, 1))
	assert.Equal(t, 0.1239, RoundDownToStep(0.1239, 0))
	assert.Equal(t, 50000.1, RoundToTick(50000.06, 0.1))
}
