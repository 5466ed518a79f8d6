// Package memory keeps orders, positions and trades in process memory with
// the same versioning rules as the SQLite adapter. It backs paper sessions
// and tests; nothing survives a restart.
package memory

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"futuresExecBot/internal/domain"
	"futuresExecBot/internal/ports"
)

// Store implements ports.OrderStore, ports.PositionStore and ports.TradeRepository.
type Store struct {
	mu        sync.Mutex
	orders    map[string]*domain.Order
	admission map[string]int64
	positions map[int64]*domain.Position
	trades    []*domain.Trade
	nextPosID int64
	nextTrade int64
	now       func() time.Time
}

// NewStore creates an empty store.
func NewStore() *Store {
	return &Store{
		orders:    make(map[string]*domain.Order),
		admission: make(map[string]int64),
		positions: make(map[int64]*domain.Position),
		now:       func() time.Time { return time.Now().UTC() },
	}
}

// --- OrderStore ---

func (s *Store) Put(ctx context.Context, o *domain.Order) error {
	if err := o.CheckQuantities(domain.FillEpsilon); err != nil {
		return fmt.Errorf("put order %s: %w: %w", o.ID, ports.ErrInvariantViolation, err)
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	prev, exists := s.orders[o.ID]
	if o.Version == 0 {
		if exists {
			return fmt.Errorf("put order %s at version 0: %w", o.ID, ports.ErrStaleWrite)
		}
		o.Version = 1
		s.orders[o.ID] = o.Clone()
		return nil
	}
	if !exists {
		return fmt.Errorf("order %s not found for update: %w", o.ID, ports.ErrNotFound)
	}
	if prev.Version != o.Version {
		return fmt.Errorf("update order %s at version %d: %w", o.ID, o.Version, ports.ErrStaleWrite)
	}
	if !prev.State.IsTerminal() && o.State.IsTerminal() {
		s.admission[o.Symbol]++
	}
	o.Version++
	s.orders[o.ID] = o.Clone()
	return nil
}

func (s *Store) Get(ctx context.Context, id string) (*domain.Order, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	o, ok := s.orders[id]
	if !ok {
		return nil, fmt.Errorf("order %s: %w", id, ports.ErrNotFound)
	}
	return o.Clone(), nil
}

func (s *Store) ListPending(ctx context.Context, symbol string) ([]*domain.Order, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.pendingLocked(symbol), nil
}

func (s *Store) pendingLocked(symbol string) []*domain.Order {
	out := make([]*domain.Order, 0)
	for _, o := range s.orders {
		if o.Symbol == symbol && !o.State.IsTerminal() {
			out = append(out, o.Clone())
		}
	}
	sortOrders(out)
	return out
}

func (s *Store) All(ctx context.Context) ([]*domain.Order, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]*domain.Order, 0, len(s.orders))
	for _, o := range s.orders {
		out = append(out, o.Clone())
	}
	sortOrders(out)
	return out, nil
}

func (s *Store) MarkState(ctx context.Context, tr ports.Transition) (*domain.Order, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	stored, ok := s.orders[tr.ID]
	if !ok {
		return nil, fmt.Errorf("order %s: %w", tr.ID, ports.ErrNotFound)
	}
	o := stored.Clone()
	if err := ports.ApplyTransition(o, tr, s.now()); err != nil {
		return nil, err
	}
	if tr.To.IsTerminal() {
		s.admission[o.Symbol]++
	}
	o.Version++
	s.orders[o.ID] = o
	return o.Clone(), nil
}

func (s *Store) PendingSnapshot(ctx context.Context, symbol string) ([]*domain.Order, int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.pendingLocked(symbol), s.admission[symbol], nil
}

func (s *Store) Admit(ctx context.Context, o *domain.Order, expectedSymbolVersion int64) error {
	if err := o.CheckQuantities(domain.FillEpsilon); err != nil {
		return fmt.Errorf("admit order %s: %w: %w", o.ID, ports.ErrInvariantViolation, err)
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if v := s.admission[o.Symbol]; v != expectedSymbolVersion {
		return fmt.Errorf("admit order %s: symbol %s version %d, expected %d: %w",
			o.ID, o.Symbol, v, expectedSymbolVersion, ports.ErrStaleWrite)
	}
	if _, exists := s.orders[o.ID]; exists {
		return fmt.Errorf("insert order %s: %w", o.ID, ports.ErrDuplicateEntry)
	}
	s.admission[o.Symbol]++
	o.Version = 1
	s.orders[o.ID] = o.Clone()
	return nil
}

func sortOrders(orders []*domain.Order) {
	sort.SliceStable(orders, func(i, j int) bool {
		if !orders[i].CreatedAt.Equal(orders[j].CreatedAt) {
			return orders[i].CreatedAt.Before(orders[j].CreatedAt)
		}
		return orders[i].ID < orders[j].ID
	})
}

// --- PositionStore ---

func (s *Store) Create(ctx context.Context, pos *domain.Position) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if pos.IsOpen() {
		for _, p := range s.positions {
			if p.Symbol == pos.Symbol && p.IsOpen() {
				return 0, fmt.Errorf("failed to insert position for symbol %s: %w", pos.Symbol, ports.ErrDuplicateEntry)
			}
		}
	}
	s.nextPosID++
	pos.ID = s.nextPosID
	pos.Version = 1
	s.positions[pos.ID] = pos.Clone()
	return pos.ID, nil
}

func (s *Store) Update(ctx context.Context, pos *domain.Position) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	stored, ok := s.positions[pos.ID]
	if !ok {
		return fmt.Errorf("position ID %d not found for update: %w", pos.ID, ports.ErrNotFound)
	}
	if stored.Version != pos.Version {
		return fmt.Errorf("position ID %d at version %d, stored %d: %w", pos.ID, pos.Version, stored.Version, ports.ErrStaleWrite)
	}
	pos.Version++
	s.positions[pos.ID] = pos.Clone()
	return nil
}

func (s *Store) FindOpenBySymbol(ctx context.Context, symbol string) (*domain.Position, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, p := range s.positions {
		if p.Symbol == symbol && p.IsOpen() {
			return p.Clone(), nil
		}
	}
	return nil, nil
}

func (s *Store) FindByID(ctx context.Context, id int64) (*domain.Position, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if p, ok := s.positions[id]; ok {
		return p.Clone(), nil
	}
	return nil, nil
}

func (s *Store) FindOpen(ctx context.Context) ([]*domain.Position, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]*domain.Position, 0)
	for _, p := range s.positions {
		if p.IsOpen() {
			out = append(out, p.Clone())
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Symbol < out[j].Symbol })
	return out, nil
}

func (s *Store) FindAll(ctx context.Context) ([]*domain.Position, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]*domain.Position, 0, len(s.positions))
	for _, p := range s.positions {
		out = append(out, p.Clone())
	}
	sort.Slice(out, func(i, j int) bool {
		if !out[i].EntryTime.Equal(out[j].EntryTime) {
			return out[i].EntryTime.After(out[j].EntryTime)
		}
		return out[i].ID > out[j].ID
	})
	return out, nil
}

func (s *Store) GetTotalProfit(ctx context.Context) (float64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var total float64
	for _, p := range s.positions {
		if p.Status == domain.StatusClosed {
			total += p.PNL
		}
	}
	return total, nil
}

// --- TradeRepository ---

func (s *Store) CreateTrade(ctx context.Context, trade *domain.Trade) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.nextTrade++
	trade.ID = s.nextTrade
	c := *trade
	s.trades = append(s.trades, &c)
	return trade.ID, nil
}

func (s *Store) FindBySymbol(ctx context.Context, symbol string, limit int) ([]*domain.Trade, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]*domain.Trade, 0)
	for i := len(s.trades) - 1; i >= 0 && len(out) < limit; i-- {
		if s.trades[i].Symbol == symbol {
			c := *s.trades[i]
			out = append(out, &c)
		}
	}
	return out, nil
}

func (s *Store) CountTodayBySymbol(ctx context.Context, symbol string) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	n := 0
	for _, t := range s.trades {
		if t.Symbol == symbol && sameDay(t.ExitTime, s.now()) {
			n++
		}
	}
	return n, nil
}

func (s *Store) SumTodayPNL(ctx context.Context) (float64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var pnl float64
	for _, t := range s.trades {
		if sameDay(t.ExitTime, s.now()) {
			pnl += t.PNL
		}
	}
	return pnl, nil
}

func sameDay(a, b time.Time) bool {
	y1, m1, d1 := a.UTC().Date()
	y2, m2, d2 := b.UTC().Date()
	return y1 == y2 && m1 == m2 && d1 == d2
}
