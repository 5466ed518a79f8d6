package retry

import (
	"context"
	"errors"
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"futuresExecBot/internal/ports"
)

func fastPolicy(attempts int) Policy {
	return Policy{MaxAttempts: attempts, BaseDelay: time.Millisecond, MaxDelay: 2 * time.Millisecond, Factor: 2}
}

func TestDo(t *testing.T) {
	transient := fmt.Errorf("GetOrder failed: %w", ports.ErrRateLimited)
	permanent := fmt.Errorf("PlaceLimitOrder failed: %w: %w", ports.ErrRejectedByExchange, ports.ErrInsufficientFunds)

	tests := []struct {
		name      string
		failures  []error
		attempts  int
		wantCalls int
		wantErr   error
	}{
		{name: "first try", attempts: 3, wantCalls: 1},
		{name: "transient then success", failures: []error{transient, transient}, attempts: 3, wantCalls: 3},
		{name: "exhausted", failures: []error{transient, transient, transient}, attempts: 3, wantCalls: 3, wantErr: ports.ErrRetriesExhausted},
		{name: "permanent stops at once", failures: []error{permanent}, attempts: 3, wantCalls: 1, wantErr: ports.ErrInsufficientFunds},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			calls := 0
			err := Do(context.Background(), fastPolicy(tt.attempts), func(ctx context.Context) error {
				calls++
				if calls <= len(tt.failures) {
					return tt.failures[calls-1]
				}
				return nil
			})
			assert.Equal(t, tt.wantCalls, calls)
			if tt.wantErr == nil {
				assert.NoError(t, err)
			} else {
				assert.ErrorIs(t, err, tt.wantErr)
			}
		})
	}
}

func TestValue(t *testing.T) {
	calls := 0
	v, err := Value(context.Background(), fastPolicy(2), func(ctx context.Context) (int, error) {
		calls++
		if calls == 1 {
			return 0, ports.ErrTimeout
		}
		return 7, nil
	})
	require.NoError(t, err)
	assert.Equal(t, 7, v)
}

func TestDo_ContextCanceled(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	p := Policy{MaxAttempts: 5, BaseDelay: time.Hour, MaxDelay: time.Hour}
	go func() {
		time.Sleep(10 * time.Millisecond)
		cancel()
	}()
	err := Do(ctx, p, func(ctx context.Context) error { return ports.ErrNetwork })
	assert.ErrorIs(t, err, ports.ErrContextCanceled)
	assert.ErrorIs(t, err, ports.ErrNetwork)
}

func TestDo_CustomClassifier(t *testing.T) {
	custom := errors.New("retry me")
	calls := 0
	p := fastPolicy(3)
	p.Retryable = func(err error) bool { return errors.Is(err, custom) }
	_ = Do(context.Background(), p, func(ctx context.Context) error {
		calls++
		return custom
	})
	assert.Equal(t, 3, calls)
}
