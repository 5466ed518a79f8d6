package ports

import (
	"errors"
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestClassification(t *testing.T) {
	tests := []struct {
		name      string
		err       error
		transient bool
		permanent bool
	}{
		{"nil", nil, false, false},
		{"rate limited", fmt.Errorf("PlaceLimitOrder failed: %w: %w", ErrRateLimited, errors.New("-1003")), true, false},
		{"network", fmt.Errorf("GetOrder failed: %w", ErrNetwork), true, false},
		{"timeout", ErrTimeout, true, false},
		{"rejected", fmt.Errorf("PlaceLimitOrder failed: %w: %w", ErrRejectedByExchange, ErrInsufficientFunds), false, true},
		{"validation", Reject(ReasonPriceDeviation, "too far"), false, true},
		{"stale write", ErrStaleWrite, false, false},
		{"unknown", errors.New("boom"), false, false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.transient, IsTransient(tt.err))
			assert.Equal(t, tt.permanent, IsPermanent(tt.err))
		})
	}
}

func TestValidationError(t *testing.T) {
	err := fmt.Errorf("admission: %w", Reject(ReasonInsufficientMargin, "need %.2f", 12.5))
	assert.ErrorIs(t, err, ErrValidation)
	assert.ErrorIs(t, err, ErrInsufficientMargin)
	assert.Equal(t, ReasonInsufficientMargin, ReasonOf(err))
	assert.Contains(t, err.Error(), "need 12.50")

	other := Reject(ReasonLowVolume, "")
	assert.NotErrorIs(t, other, ErrInsufficientMargin)
	assert.Equal(t, "validation failed: LOW_VOLUME", other.Error())
	assert.Equal(t, RejectReason(""), ReasonOf(errors.New("x")))
}
