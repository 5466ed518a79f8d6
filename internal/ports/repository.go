package ports

import (
	"context"
	"fmt"
	"time"

	"futuresExecBot/internal/domain"
)

// Transition is a guarded state change on one order.
type Transition struct {
	ID              string
	ExpectedVersion int64
	To              domain.OrderState
	Fill            *domain.FillDelta
	ExchangeID      *int64
	Reason          string
	NeedsReview     bool
}

// OrderStore owns every order record. Writes are serialized per order by an
// optimistic version; a writer holding an old version gets ErrStaleWrite and
// must re-read.
type OrderStore interface {
	// Put inserts a new order, or replaces an existing one whose stored
	// version equals order.Version. The order's Version is bumped on success.
	Put(ctx context.Context, order *domain.Order) error
	// Get returns ErrNotFound for an unknown id.
	Get(ctx context.Context, id string) (*domain.Order, error)
	// ListPending returns the non-terminal orders of symbol, oldest first.
	ListPending(ctx context.Context, symbol string) ([]*domain.Order, error)
	// MarkState applies a transition atomically and returns the updated order.
	MarkState(ctx context.Context, tr Transition) (*domain.Order, error)
	All(ctx context.Context) ([]*domain.Order, error)

	// PendingSnapshot returns the pending orders of symbol with the symbol's
	// admission version.
	PendingSnapshot(ctx context.Context, symbol string) ([]*domain.Order, int64, error)
	// Admit inserts order if the symbol's admission version is still expected.
	Admit(ctx context.Context, order *domain.Order, expectedSymbolVersion int64) error
}

// PositionStore persists positions. At most one open position per symbol.
type PositionStore interface {
	// Create saves a new position and returns its assigned ID.
	Create(ctx context.Context, pos *domain.Position) (int64, error)
	// Update writes pos if its version is current, bumping the version.
	Update(ctx context.Context, pos *domain.Position) error
	// FindOpenBySymbol returns nil, nil if no open position is found.
	FindOpenBySymbol(ctx context.Context, symbol string) (*domain.Position, error)
	// FindByID returns nil, nil if not found.
	FindByID(ctx context.Context, id int64) (*domain.Position, error)
	FindOpen(ctx context.Context) ([]*domain.Position, error)
	// FindAll retrieves all positions, ordered by entry time descending.
	FindAll(ctx context.Context) ([]*domain.Position, error)
	// GetTotalProfit calculates the sum of PNL for all closed positions.
	GetTotalProfit(ctx context.Context) (float64, error)
}

// TradeRepository stores completed round trips.
type TradeRepository interface {
	CreateTrade(ctx context.Context, trade *domain.Trade) (int64, error)
	FindBySymbol(ctx context.Context, symbol string, limit int) ([]*domain.Trade, error)
	CountTodayBySymbol(ctx context.Context, symbol string) (int, error)
	// SumTodayPNL is today's realised PnL across all symbols.
	SumTodayPNL(ctx context.Context) (float64, error)
}

// ApplyTransition checks tr against o and applies it in place: version,
// lifecycle edge, fill and quantity invariant. On error o may be partly
// modified and must be discarded. Stores call it inside their write section.
func ApplyTransition(o *domain.Order, tr Transition, now time.Time) error {
	if o.Version != tr.ExpectedVersion {
		return fmt.Errorf("mark order %s: have version %d, stored %d: %w", tr.ID, tr.ExpectedVersion, o.Version, ErrStaleWrite)
	}
	from := o.State
	if from.IsTerminal() || (tr.To != from && !domain.CanTransition(from, tr.To)) {
		return fmt.Errorf("mark order %s: %s -> %s: %w", tr.ID, from, tr.To, ErrInvalidTransition)
	}
	if tr.Fill != nil {
		if err := o.ApplyFill(*tr.Fill, domain.FillEpsilon); err != nil {
			return fmt.Errorf("mark order %s: %w: %w", tr.ID, ErrInvariantViolation, err)
		}
	}
	if err := o.CheckQuantities(domain.FillEpsilon); err != nil {
		return fmt.Errorf("mark order %s: %w: %w", tr.ID, ErrInvariantViolation, err)
	}
	if tr.To == domain.OrderFilled && o.RemainingQty > domain.FillEpsilon {
		return fmt.Errorf("mark order %s filled with %.8f remaining: %w", tr.ID, o.RemainingQty, ErrInvariantViolation)
	}
	if tr.ExchangeID != nil {
		id := *tr.ExchangeID
		o.ExchangeID = &id
	}
	if tr.Reason != "" {
		o.Reason = tr.Reason
	}
	o.NeedsReview = o.NeedsReview || tr.NeedsReview
	if o.StateTimes == nil {
		o.StateTimes = map[domain.OrderState]time.Time{}
	}
	if tr.To != from {
		o.StateTimes[tr.To] = now
	}
	o.State = tr.To
	o.UpdatedAt = now
	return nil
}
