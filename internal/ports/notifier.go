package ports

import (
	"context"

	"futuresExecBot/internal/domain"
)

// Notifier receives lifecycle events. Implementations must not block the caller for long.
type Notifier interface {
	Notify(ctx context.Context, event domain.Event)
}

// SignalSource classifies market data into entry signals.
type SignalSource interface {
	// RequiredDataPoints is the number of klines Evaluate needs.
	RequiredDataPoints() int
	Evaluate(ctx context.Context, symbol string, klines []*domain.Kline, price float64) (domain.Signal, error)
}
