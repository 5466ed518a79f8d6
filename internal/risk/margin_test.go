package risk

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"futuresExecBot/internal/ports"
)

func TestCheckMargin(t *testing.T) {
	tests := []struct {
		name       string
		req        MarginRequest
		wantQty    float64
		wantShrunk bool
		wantErr    bool
	}{
		{
			name:    "fits",
			req:     MarginRequest{Quantity: 0.2, Price: 50000, Leverage: 10, Available: 1000, MaxShrinkFraction: 0.5, Filters: btcFilters()},
			wantQty: 0.2,
		},
		{
			name:       "shrinks to fit",
			req:        MarginRequest{Quantity: 0.2, Price: 50000, Leverage: 10, Available: 900, MaxShrinkFraction: 0.5, Filters: btcFilters()},
			wantQty:    0.18,
			wantShrunk: true,
		},
		{
			name:    "reserved margin counts",
			req:     MarginRequest{Quantity: 0.2, Price: 50000, Leverage: 10, Available: 1000, Reserved: 800, MaxShrinkFraction: 0.5, Filters: btcFilters()},
			wantErr: true,
		},
		{
			name:    "shrink not allowed",
			req:     MarginRequest{Quantity: 0.2, Price: 50000, Leverage: 10, Available: 900, Filters: btcFilters()},
			wantErr: true,
		},
		{
			name:    "nothing free",
			req:     MarginRequest{Quantity: 0.2, Price: 50000, Leverage: 10, Available: 500, Reserved: 500, MaxShrinkFraction: 1, Filters: btcFilters()},
			wantErr: true,
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			d, err := CheckMargin(tt.req)
			if tt.wantErr {
				require.Error(t, err)
				assert.ErrorIs(t, err, ports.ErrInsufficientMargin)
				assert.Equal(t, MarginDecision{}, d)
				return
			}
			require.NoError(t, err)
			assert.InDelta(t, tt.wantQty, d.Quantity, 1e-9)
			assert.Equal(t, tt.wantShrunk, d.Shrunk)
			assert.LessOrEqual(t, d.Quantity, tt.req.Quantity)
		})
	}
}
