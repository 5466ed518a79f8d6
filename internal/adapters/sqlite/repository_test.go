package sqlite

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"futuresExecBot/internal/domain"
	"futuresExecBot/internal/ports"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// mockLogger implements ports.Logger for testing
type mockLogger struct{}

func (m *mockLogger) Debug(ctx context.Context, msg string, fields ...map[string]interface{}) {}
func (m *mockLogger) Info(ctx context.Context, msg string, fields ...map[string]interface{})  {}
func (m *mockLogger) Warn(ctx context.Context, msg string, fields ...map[string]interface{})  {}
func (m *mockLogger) Error(ctx context.Context, err error, msg string, fields ...map[string]interface{}) {
}

// setupTestDB creates a temporary database for testing
func setupTestDB(t *testing.T) (*Repository, func()) {
	t.Helper()

	tmpDir, err := os.MkdirTemp("", "exec-engine-test-*")
	require.NoError(t, err)

	dbPath := filepath.Join(tmpDir, "test.db")
	repo, err := NewRepository(Config{
		DBPath: dbPath,
		Logger: &mockLogger{},
	})
	require.NoError(t, err)

	cleanup := func() {
		repo.Close()
		os.RemoveAll(tmpDir)
	}
	return repo, cleanup
}

func newTestOrder(id string, qty float64) *domain.Order {
	now := time.Now().UTC().Truncate(time.Second)
	return domain.NewOrder(id, "BTCUSDT", domain.IntentEnterLong, domain.FeeMaker, 50000, qty, now)
}

func TestRepository_PutAndGetOrder(t *testing.T) {
	repo, cleanup := setupTestDB(t)
	defer cleanup()
	ctx := context.Background()

	o := newTestOrder("a1", 1.0)
	o.StopLossPrice = 49500
	o.Strength = domain.StrengthStrong
	require.NoError(t, repo.Put(ctx, o))
	assert.Equal(t, int64(1), o.Version)

	got, err := repo.Get(ctx, "a1")
	require.NoError(t, err)
	assert.Equal(t, domain.OrderPlaced, got.State)
	assert.Equal(t, 1.0, got.RemainingQty)
	assert.Equal(t, 49500.0, got.StopLossPrice)
	assert.Equal(t, domain.StrengthStrong, got.Strength)
	assert.Nil(t, got.ExchangeID)
	assert.Contains(t, got.StateTimes, domain.OrderPlaced)

	// A fresh copy of an id that is already stored lost the race to write it.
	err = repo.Put(ctx, newTestOrder("a1", 1.0))
	assert.ErrorIs(t, err, ports.ErrStaleWrite)
	assert.NotErrorIs(t, err, ports.ErrDuplicateEntry)
	got, err = repo.Get(ctx, "a1")
	require.NoError(t, err)
	assert.Equal(t, int64(1), got.Version)

	_, err = repo.Get(ctx, "missing")
	assert.ErrorIs(t, err, ports.ErrNotFound)
}

func TestRepository_PutRejectsBrokenQuantities(t *testing.T) {
	repo, cleanup := setupTestDB(t)
	defer cleanup()

	o := newTestOrder("bad", 1.0)
	o.FilledQty = 0.5
	err := repo.Put(context.Background(), o)
	assert.ErrorIs(t, err, ports.ErrInvariantViolation)
}

func TestRepository_MarkStatePartialFills(t *testing.T) {
	repo, cleanup := setupTestDB(t)
	defer cleanup()
	ctx := context.Background()

	o := newTestOrder("vwap", 1.0)
	require.NoError(t, repo.Put(ctx, o))

	exID := int64(777)
	o, err := repo.MarkState(ctx, ports.Transition{
		ID: o.ID, ExpectedVersion: o.Version, To: domain.OrderPartiallyFilled,
		Fill: &domain.FillDelta{Qty: 0.5, Price: 50000}, ExchangeID: &exID,
	})
	require.NoError(t, err)
	assert.Equal(t, int64(2), o.Version)

	o, err = repo.MarkState(ctx, ports.Transition{
		ID: o.ID, ExpectedVersion: o.Version, To: domain.OrderFilled,
		Fill: &domain.FillDelta{Qty: 0.5, Price: 50100},
	})
	require.NoError(t, err)

	got, err := repo.Get(ctx, "vwap")
	require.NoError(t, err)
	assert.Equal(t, domain.OrderFilled, got.State)
	assert.InDelta(t, 50050.0, got.AvgFillPrice, 1e-9)
	assert.InDelta(t, 1.0, got.FilledQty, 1e-12)
	assert.Equal(t, 0.0, got.RemainingQty)
	require.NotNil(t, got.ExchangeID)
	assert.Equal(t, exID, *got.ExchangeID)
	assert.NoError(t, got.CheckQuantities(domain.FillEpsilon))
	assert.Contains(t, got.StateTimes, domain.OrderPartiallyFilled)
	assert.Contains(t, got.StateTimes, domain.OrderFilled)
}

func TestRepository_MarkStateGuards(t *testing.T) {
	tests := []struct {
		name    string
		prepare func(ctx context.Context, r *Repository, o *domain.Order) *domain.Order
		tr      func(o *domain.Order) ports.Transition
		wantErr error
	}{
		{
			name: "stale version",
			tr: func(o *domain.Order) ports.Transition {
				return ports.Transition{ID: o.ID, ExpectedVersion: o.Version + 1, To: domain.OrderCancelled}
			},
			wantErr: ports.ErrStaleWrite,
		},
		{
			name: "terminal state cannot move",
			prepare: func(ctx context.Context, r *Repository, o *domain.Order) *domain.Order {
				o, _ = r.MarkState(ctx, ports.Transition{ID: o.ID, ExpectedVersion: o.Version, To: domain.OrderCancelled})
				return o
			},
			tr: func(o *domain.Order) ports.Transition {
				return ports.Transition{ID: o.ID, ExpectedVersion: o.Version, To: domain.OrderFilled}
			},
			wantErr: ports.ErrInvalidTransition,
		},
		{
			name: "converted cannot go back to placed",
			prepare: func(ctx context.Context, r *Repository, o *domain.Order) *domain.Order {
				o, _ = r.MarkState(ctx, ports.Transition{ID: o.ID, ExpectedVersion: o.Version, To: domain.OrderConverted})
				return o
			},
			tr: func(o *domain.Order) ports.Transition {
				return ports.Transition{ID: o.ID, ExpectedVersion: o.Version, To: domain.OrderPlaced}
			},
			wantErr: ports.ErrInvalidTransition,
		},
		{
			name: "overfill",
			tr: func(o *domain.Order) ports.Transition {
				return ports.Transition{ID: o.ID, ExpectedVersion: o.Version, To: domain.OrderFilled,
					Fill: &domain.FillDelta{Qty: 1.5, Price: 50000}}
			},
			wantErr: ports.ErrInvariantViolation,
		},
		{
			name: "unknown order",
			tr: func(o *domain.Order) ports.Transition {
				return ports.Transition{ID: "nope", ExpectedVersion: 1, To: domain.OrderCancelled}
			},
			wantErr: ports.ErrNotFound,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			repo, cleanup := setupTestDB(t)
			defer cleanup()
			ctx := context.Background()

			o := newTestOrder("g1", 1.0)
			require.NoError(t, repo.Put(ctx, o))
			if tt.prepare != nil {
				o = tt.prepare(ctx, repo, o)
				require.NotNil(t, o)
			}
			before, err := repo.Get(ctx, "g1")
			require.NoError(t, err)

			_, err = repo.MarkState(ctx, tt.tr(o))
			assert.ErrorIs(t, err, tt.wantErr)

			after, err := repo.Get(ctx, "g1")
			require.NoError(t, err)
			assert.Equal(t, before.Version, after.Version, "failed transition must not write")
			assert.Equal(t, before.State, after.State)
		})
	}
}

func TestRepository_PutVersioned(t *testing.T) {
	repo, cleanup := setupTestDB(t)
	defer cleanup()
	ctx := context.Background()

	o := newTestOrder("p1", 1.0)
	require.NoError(t, repo.Put(ctx, o))

	stale := o.Clone()
	o.Reason = "first"
	require.NoError(t, repo.Put(ctx, o))
	assert.Equal(t, int64(2), o.Version)

	stale.Reason = "second"
	err := repo.Put(ctx, stale)
	assert.ErrorIs(t, err, ports.ErrStaleWrite)

	got, err := repo.Get(ctx, "p1")
	require.NoError(t, err)
	assert.Equal(t, "first", got.Reason)
}

func TestRepository_AdmissionConflict(t *testing.T) {
	repo, cleanup := setupTestDB(t)
	defer cleanup()
	ctx := context.Background()

	pending, v, err := repo.PendingSnapshot(ctx, "BTCUSDT")
	require.NoError(t, err)
	assert.Empty(t, pending)
	assert.Equal(t, int64(0), v)

	// Two admitters read the same snapshot; only the first may insert.
	first := newTestOrder("adm1", 1.0)
	second := newTestOrder("adm2", 1.0)
	require.NoError(t, repo.Admit(ctx, first, v))
	err = repo.Admit(ctx, second, v)
	assert.ErrorIs(t, err, ports.ErrStaleWrite)
	assert.Equal(t, int64(0), second.Version)

	pending, v2, err := repo.PendingSnapshot(ctx, "BTCUSDT")
	require.NoError(t, err)
	require.Len(t, pending, 1)
	assert.Equal(t, "adm1", pending[0].ID)
	assert.Equal(t, v+1, v2)

	// Retiring an order moves the symbol version as well.
	_, err = repo.MarkState(ctx, ports.Transition{ID: first.ID, ExpectedVersion: first.Version, To: domain.OrderCancelled})
	require.NoError(t, err)
	_, v3, err := repo.PendingSnapshot(ctx, "BTCUSDT")
	require.NoError(t, err)
	assert.Equal(t, v2+1, v3)

	require.NoError(t, repo.Admit(ctx, second, v3))
	pending, err = repo.ListPending(ctx, "BTCUSDT")
	require.NoError(t, err)
	require.Len(t, pending, 1)
	assert.Equal(t, "adm2", pending[0].ID)

	// Other symbols are unaffected.
	_, other, err := repo.PendingSnapshot(ctx, "ETHUSDT")
	require.NoError(t, err)
	assert.Equal(t, int64(0), other)
}

func TestRepository_QuantityInvariantHoldsAfterEveryWrite(t *testing.T) {
	repo, cleanup := setupTestDB(t)
	defer cleanup()
	ctx := context.Background()

	o := newTestOrder("inv", 0.9)
	require.NoError(t, repo.Put(ctx, o))
	fills := []float64{0.1, 0.2, 0.3}
	var err error
	for _, q := range fills {
		o, err = repo.MarkState(ctx, ports.Transition{
			ID: o.ID, ExpectedVersion: o.Version, To: domain.OrderPartiallyFilled,
			Fill: &domain.FillDelta{Qty: q, Price: 100},
		})
		require.NoError(t, err)
		stored, err := repo.Get(ctx, o.ID)
		require.NoError(t, err)
		assert.NoError(t, stored.CheckQuantities(domain.FillEpsilon))
		assert.GreaterOrEqual(t, stored.RemainingQty, 0.0)
	}
	o, err = repo.MarkState(ctx, ports.Transition{
		ID: o.ID, ExpectedVersion: o.Version, To: domain.OrderFilled,
		Fill: &domain.FillDelta{Qty: o.RemainingQty, Price: 100},
	})
	require.NoError(t, err)
	assert.Equal(t, 0.0, o.RemainingQty)

	all, err := repo.All(ctx)
	require.NoError(t, err)
	assert.Len(t, all, 1)
}

func testPosition(symbol string) *domain.Position {
	return &domain.Position{
		Symbol:          symbol,
		Side:            domain.Long,
		EntryPrice:      2000.0,
		Quantity:        1.0,
		Leverage:        4,
		StopLoss:        1900.0,
		InitialStopLoss: 1900.0,
		EntryTime:       time.Now().UTC().Truncate(time.Second),
		Status:          domain.StatusOpen,
	}
}

func TestRepository_CreateAndFindPosition(t *testing.T) {
	tests := []struct {
		name    string
		setup   func(*Repository) error
		pos     *domain.Position
		wantErr error
	}{
		{
			name: "valid position",
			pos:  testPosition("ETHUSDT"),
		},
		{
			name: "second open position for symbol",
			setup: func(r *Repository) error {
				_, err := r.Create(context.Background(), testPosition("ETHUSDT"))
				return err
			},
			pos:     testPosition("ETHUSDT"),
			wantErr: ports.ErrDuplicateEntry,
		},
		{
			name: "open position after closed one",
			setup: func(r *Repository) error {
				p := testPosition("ETHUSDT")
				p.Status = domain.StatusClosed
				_, err := r.Create(context.Background(), p)
				return err
			},
			pos: testPosition("ETHUSDT"),
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			repo, cleanup := setupTestDB(t)
			defer cleanup()
			ctx := context.Background()

			if tt.setup != nil {
				require.NoError(t, tt.setup(repo))
			}

			id, err := repo.Create(ctx, tt.pos)
			if tt.wantErr != nil {
				assert.ErrorIs(t, err, tt.wantErr)
				return
			}
			require.NoError(t, err)
			assert.Greater(t, id, int64(0))

			found, err := repo.FindByID(ctx, id)
			require.NoError(t, err)
			require.NotNil(t, found)
			assert.Equal(t, tt.pos.Symbol, found.Symbol)
			assert.Equal(t, tt.pos.Side, found.Side)
			assert.Equal(t, tt.pos.EntryPrice, found.EntryPrice)
			assert.Equal(t, tt.pos.StopLoss, found.StopLoss)
			assert.Equal(t, int64(1), found.Version)
			assert.Empty(t, found.PartialExits)

			open, err := repo.FindOpenBySymbol(ctx, tt.pos.Symbol)
			require.NoError(t, err)
			require.NotNil(t, open)
			assert.Equal(t, id, open.ID)
		})
	}
}

func TestRepository_UpdatePosition(t *testing.T) {
	repo, cleanup := setupTestDB(t)
	defer cleanup()
	ctx := context.Background()

	pos := testPosition("ETHUSDT")
	_, err := repo.Create(ctx, pos)
	require.NoError(t, err)
	stale := pos.Clone()

	pos.TightenStop(1950)
	pos.PartialExits = append(pos.PartialExits, domain.PartialExit{Tier: 0, Fraction: 0.3, Quantity: 0.3, Price: 2100, Time: time.Now().UTC()})
	pos.Reduce(0.3, 2100)
	require.NoError(t, repo.Update(ctx, pos))
	assert.Equal(t, int64(2), pos.Version)

	stale.StopLoss = 1800
	err = repo.Update(ctx, stale)
	assert.ErrorIs(t, err, ports.ErrStaleWrite)

	got, err := repo.FindByID(ctx, pos.ID)
	require.NoError(t, err)
	assert.Equal(t, 1950.0, got.StopLoss)
	assert.InDelta(t, 0.7, got.Quantity, 1e-12)
	require.Len(t, got.PartialExits, 1)
	assert.True(t, got.TierFired(0))

	pos.Reduce(pos.Quantity, 2050)
	pos.Close(domain.CloseReasonTakeProfit, time.Now().UTC())
	require.NoError(t, repo.Update(ctx, pos))

	open, err := repo.FindOpenBySymbol(ctx, "ETHUSDT")
	require.NoError(t, err)
	assert.Nil(t, open)

	total, err := repo.GetTotalProfit(ctx)
	require.NoError(t, err)
	assert.InDelta(t, 0.3*100+0.7*50, total, 1e-9)

	missing := testPosition("XRPUSDT")
	missing.ID = 999
	missing.Version = 1
	assert.ErrorIs(t, repo.Update(ctx, missing), ports.ErrNotFound)
}

func TestRepository_Trades(t *testing.T) {
	repo, cleanup := setupTestDB(t)
	defer cleanup()
	ctx := context.Background()

	now := time.Now().UTC().Truncate(time.Second)
	for i, pnl := range []float64{10, -4} {
		_, err := repo.CreateTrade(ctx, &domain.Trade{
			PositionID:  int64(i + 1),
			Symbol:      "BTCUSDT",
			Side:        domain.Long,
			EntryPrice:  50000,
			ExitPrice:   50100,
			Quantity:    0.1,
			Leverage:    5,
			PNL:         pnl,
			EntryTime:   now.Add(-time.Minute),
			ExitTime:    now,
			CloseReason: domain.CloseReasonStopLoss,
		})
		require.NoError(t, err)
	}

	trades, err := repo.FindBySymbol(ctx, "BTCUSDT", 10)
	require.NoError(t, err)
	require.Len(t, trades, 2)
	assert.Equal(t, domain.Long, trades[0].Side)
	assert.Equal(t, domain.CloseReasonStopLoss, trades[0].CloseReason)

	count, err := repo.CountTodayBySymbol(ctx, "BTCUSDT")
	require.NoError(t, err)
	assert.Equal(t, 2, count)

	pnl, err := repo.SumTodayPNL(ctx)
	require.NoError(t, err)
	assert.InDelta(t, 6.0, pnl, 1e-9)
}
