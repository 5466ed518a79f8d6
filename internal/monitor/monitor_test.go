package monitor

import (
	"context"
	"errors"
	"io"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"futuresExecBot/internal/adapters/logger"
	"futuresExecBot/internal/adapters/memory"
	"futuresExecBot/internal/adapters/notify"
	"futuresExecBot/internal/adapters/paper"
	"futuresExecBot/internal/domain"
	"futuresExecBot/internal/market"
	"futuresExecBot/internal/ports"
	"futuresExecBot/internal/retry"
)

const symbol = "BTCUSDT"

type harness struct {
	store  *memory.Store
	ex     *paper.Exchange
	hub    *market.Hub
	events *notify.ChannelNotifier
	sup    *Supervisor

	mu     sync.Mutex
	fills  []domain.FillDelta
	manual []error
	active []int
}

func testConfig() Config {
	return Config{
		CheckInterval: 5 * time.Millisecond,
		TimeoutAction: ActionCancel,
		Retry:         retry.Policy{MaxAttempts: 2, BaseDelay: time.Millisecond, MaxDelay: 2 * time.Millisecond},
	}
}

func newHarness(t *testing.T, cfg Config) *harness {
	t.Helper()
	h := &harness{
		store:  memory.NewStore(),
		ex:     paper.New(paper.Config{Balance: 100000}),
		hub:    market.NewHub(),
		events: notify.NewChannelNotifier(256),
	}
	h.sup = NewSupervisor(cfg, Deps{
		Orders:   h.store,
		Exchange: h.ex,
		Prices:   h.hub,
		Notifier: h.events,
		Logger:   logger.NewWriterLogger(io.Discard, logger.LevelDebug),
		OnFill: func(ctx context.Context, o *domain.Order, d domain.FillDelta) {
			h.mu.Lock()
			h.fills = append(h.fills, d)
			h.mu.Unlock()
		},
		OnManual: func(ctx context.Context, o *domain.Order, err error) {
			h.mu.Lock()
			h.manual = append(h.manual, err)
			h.mu.Unlock()
		},
		OnActiveChange: func(n int) {
			h.mu.Lock()
			h.active = append(h.active, n)
			h.mu.Unlock()
		},
	})
	t.Cleanup(func() { _ = h.sup.Shutdown(time.Second) })
	return h
}

// placeBuy rests a limit buy on the paper exchange and stores it, created age ago.
func (h *harness) placeBuy(t *testing.T, price, qty float64, age time.Duration) *domain.Order {
	t.Helper()
	ctx := context.Background()
	o := domain.NewOrder(uuid.NewString()[:8], symbol, domain.IntentEnterLong, domain.FeeMaker, price, qty, time.Now().Add(-age))
	o.Strength = domain.StrengthStrong
	exo, err := h.ex.PlaceLimitOrder(ctx, ports.OrderRequest{Symbol: symbol, Side: domain.Buy, Quantity: qty, Price: price, ClientOrderID: o.ID})
	require.NoError(t, err)
	id := exo.ExchangeID
	o.ExchangeID = &id
	require.NoError(t, h.store.Put(ctx, o))
	return o
}

func (h *harness) waitState(t *testing.T, id string, want domain.OrderState) *domain.Order {
	t.Helper()
	var got *domain.Order
	require.Eventually(t, func() bool {
		o, err := h.store.Get(context.Background(), id)
		if err != nil {
			return false
		}
		got = o
		return o.State == want
	}, 2*time.Second, 2*time.Millisecond, "order %s never reached %s", id, want)
	return got
}

func (h *harness) filledTotal() float64 {
	h.mu.Lock()
	defer h.mu.Unlock()
	var total float64
	for _, f := range h.fills {
		total += f.Qty
	}
	return total
}

func (h *harness) drainEvents() []domain.EventType {
	var types []domain.EventType
	for {
		select {
		case e := <-h.events.Events():
			types = append(types, e.Type)
		default:
			return types
		}
	}
}

func TestMonitor_TimeoutConvertToMarket(t *testing.T) {
	cfg := testConfig()
	cfg.Timeout = 50 * time.Millisecond
	cfg.TimeoutAction = ActionConvert
	h := newHarness(t, cfg)
	h.ex.SetPrice(symbol, 50100)

	o := h.placeBuy(t, 50000, 0.2, time.Second)
	require.NoError(t, h.ex.Fill(*o.ExchangeID, 0.05, 50000))

	require.True(t, h.sup.Spawn(o.ID, symbol))
	got := h.waitState(t, o.ID, domain.OrderFilled)
	assert.True(t, h.sup.Wait(o.ID, time.Second))

	assert.InDelta(t, 0.2, got.FilledQty, 1e-12)
	assert.InDelta(t, 0.0, got.RemainingQty, 1e-12)
	assert.InDelta(t, (0.05*50000+0.15*50100)/0.2, got.AvgFillPrice, 1e-6)
	assert.Contains(t, got.StateTimes, domain.OrderTimedOut)
	assert.Contains(t, got.StateTimes, domain.OrderConverted)
	assert.Equal(t, 1, h.ex.Calls("CancelOrder"))

	leg, ok := h.ex.Order(o.ID + ConversionSuffix)
	require.True(t, ok)
	assert.InDelta(t, 0.15, leg.OrigQty, 1e-12)
	assert.Equal(t, domain.ExchangeStatusFilled, leg.Status)

	limit, ok := h.ex.Order(o.ID)
	require.True(t, ok)
	assert.Equal(t, domain.ExchangeStatusCanceled, limit.Status)

	assert.InDelta(t, 0.2, h.filledTotal(), 1e-12)
	events := h.drainEvents()
	assert.Contains(t, events, domain.EventOrderConverted)
	assert.Contains(t, events, domain.EventOrderFilled)
	assert.NotContains(t, events, domain.EventOrderCancelled)
}

func TestMonitor_ConversionLegFillsAcrossPolls(t *testing.T) {
	h := newHarness(t, testConfig())
	ctx := context.Background()

	// Converted after 0.05 filled at the limit; the market leg fills slowly.
	o := domain.NewOrder(uuid.NewString()[:8], symbol, domain.IntentEnterLong, domain.FeeMaker, 50000, 0.2, time.Now())
	require.NoError(t, o.ApplyFill(domain.FillDelta{Qty: 0.05, Price: 50000}, domain.FillEpsilon))
	o.State = domain.OrderConverted
	require.NoError(t, h.store.Put(ctx, o))
	leg := h.ex.AddOpenOrder(domain.ExchangeOrder{
		Symbol: symbol, ClientOrderID: o.ID + ConversionSuffix, Side: domain.Buy, Type: "MARKET", OrigQty: 0.15,
	})

	require.True(t, h.sup.Spawn(o.ID, symbol))
	require.NoError(t, h.ex.Fill(leg.ExchangeID, 0.05, 50100))
	require.Eventually(t, func() bool { return h.filledTotal() > 0.04 }, 2*time.Second, 2*time.Millisecond)
	require.NoError(t, h.ex.Fill(leg.ExchangeID, 0.1, 50400))
	got := h.waitState(t, o.ID, domain.OrderFilled)

	h.mu.Lock()
	fills := append([]domain.FillDelta(nil), h.fills...)
	h.mu.Unlock()
	require.Len(t, fills, 2)
	assert.InDelta(t, 0.05, fills[0].Qty, 1e-12)
	assert.InDelta(t, 50100.0, fills[0].Price, 1e-6)
	assert.InDelta(t, 0.1, fills[1].Qty, 1e-12)
	assert.InDelta(t, 50400.0, fills[1].Price, 1e-6)
	assert.InDelta(t, (0.05*50000+0.05*50100+0.1*50400)/0.2, got.AvgFillPrice, 1e-6)
}

func TestMonitor_TimeoutCancelKeepsPartialFill(t *testing.T) {
	cfg := testConfig()
	cfg.Timeout = 50 * time.Millisecond
	h := newHarness(t, cfg)

	o := h.placeBuy(t, 50000, 0.2, time.Second)
	require.NoError(t, h.ex.Fill(*o.ExchangeID, 0.05, 50000))

	require.True(t, h.sup.Spawn(o.ID, symbol))
	got := h.waitState(t, o.ID, domain.OrderCancelled)

	assert.InDelta(t, 0.05, got.FilledQty, 1e-12)
	assert.InDelta(t, 0.15, got.RemainingQty, 1e-12)
	assert.Equal(t, reasonTimeout, got.Reason)
	_, converted := h.ex.Order(o.ID + ConversionSuffix)
	assert.False(t, converted)
}

func TestMonitor_PartialFillsVWAP(t *testing.T) {
	h := newHarness(t, testConfig())
	o := h.placeBuy(t, 50100, 0.2, 0)
	require.True(t, h.sup.Spawn(o.ID, symbol))

	require.NoError(t, h.ex.Fill(*o.ExchangeID, 0.1, 50000))
	partial := h.waitState(t, o.ID, domain.OrderPartiallyFilled)
	assert.InDelta(t, 0.1, partial.FilledQty, 1e-12)

	require.NoError(t, h.ex.Fill(*o.ExchangeID, 0.1, 50100))
	got := h.waitState(t, o.ID, domain.OrderFilled)

	assert.InDelta(t, 50050.0, got.AvgFillPrice, 1e-6)
	assert.InDelta(t, 0.2, got.FilledQty, 1e-12)
	assert.InDelta(t, 0.2, h.filledTotal(), 1e-12)
	assert.True(t, h.sup.Wait(o.ID, time.Second))
}

func TestMonitor_PriceAway(t *testing.T) {
	tests := []struct {
		name      string
		cancel    bool
		wantState domain.OrderState
	}{
		{name: "cancel", cancel: true, wantState: domain.OrderCancelled},
		{name: "convert", cancel: false, wantState: domain.OrderFilled},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := testConfig()
			cfg.PriceAwayThreshold = 0.001
			cfg.PriceAwayGrace = 20 * time.Millisecond
			cfg.CancelOnPriceAway = tt.cancel
			h := newHarness(t, cfg)
			h.ex.SetPrice(symbol, 50200)

			o := h.placeBuy(t, 50000, 0.1, 0)
			h.hub.Publish(domain.PriceTick{Symbol: symbol, Price: 50200, Time: time.Now()})
			require.True(t, h.sup.Spawn(o.ID, symbol))

			got := h.waitState(t, o.ID, tt.wantState)
			if tt.cancel {
				assert.Equal(t, reasonPriceAway, got.Reason)
				assert.Zero(t, got.FilledQty)
			} else {
				assert.InDelta(t, 50200.0, got.AvgFillPrice, 1e-9)
			}
		})
	}
}

func TestMonitor_PriceAwayWithinGraceDoesNothing(t *testing.T) {
	cfg := testConfig()
	cfg.PriceAwayThreshold = 0.001
	cfg.PriceAwayGrace = time.Hour
	h := newHarness(t, cfg)

	o := h.placeBuy(t, 50000, 0.1, 0)
	h.hub.Publish(domain.PriceTick{Symbol: symbol, Price: 50200, Time: time.Now()})
	require.True(t, h.sup.Spawn(o.ID, symbol))

	time.Sleep(50 * time.Millisecond)
	got, err := h.store.Get(context.Background(), o.ID)
	require.NoError(t, err)
	assert.Equal(t, domain.OrderPlaced, got.State)
	assert.Zero(t, h.ex.Calls("CancelOrder"))
}

func TestMonitor_RapidChange(t *testing.T) {
	cfg := testConfig()
	cfg.RapidChangeThreshold = 0.003
	cfg.RapidChangeWindow = time.Second
	cfg.CancelOnPriceAway = true
	h := newHarness(t, cfg)

	o := h.placeBuy(t, 49000, 0.1, 0)
	require.True(t, h.sup.Spawn(o.ID, symbol))
	now := time.Now()
	h.hub.Publish(domain.PriceTick{Symbol: symbol, Price: 50000, Time: now})
	time.Sleep(10 * time.Millisecond)
	h.hub.Publish(domain.PriceTick{Symbol: symbol, Price: 49800, Time: now.Add(10 * time.Millisecond)})

	got := h.waitState(t, o.ID, domain.OrderCancelled)
	assert.Equal(t, reasonRapidChange, got.Reason)
}

func TestMonitor_DirectiveRacingFill(t *testing.T) {
	h := newHarness(t, testConfig())
	o := h.placeBuy(t, 50000, 0.1, 0)

	// The order fills on the exchange while the cancel is in flight.
	h.ex.OnCancel(func(c *domain.ExchangeOrder) {
		_ = h.ex.Fill(c.ExchangeID, c.OrigQty-c.ExecutedQty, 50000)
	})
	require.True(t, h.sup.Spawn(o.ID, symbol))
	require.True(t, h.sup.Signal(o.ID, Directive{Action: ActionCancel, Reason: "opposing signal"}))

	got := h.waitState(t, o.ID, domain.OrderFilled)
	assert.InDelta(t, 0.1, got.FilledQty, 1e-12)
	assert.NotContains(t, h.drainEvents(), domain.EventOrderCancelled)
}

func TestMonitor_DirectiveCancel(t *testing.T) {
	h := newHarness(t, testConfig())
	o := h.placeBuy(t, 50000, 0.1, 0)
	require.True(t, h.sup.Spawn(o.ID, symbol))
	require.True(t, h.sup.Signal(o.ID, Directive{Action: ActionCancel, Reason: "evicted"}))

	got := h.waitState(t, o.ID, domain.OrderCancelled)
	assert.Equal(t, "evicted", got.Reason)
	assert.False(t, h.sup.Signal("missing", Directive{Action: ActionCancel}))
}

func TestMonitor_ExhaustedRetriesRequireIntervention(t *testing.T) {
	h := newHarness(t, testConfig())
	o := h.placeBuy(t, 50000, 0.1, 0)
	h.ex.FailNext("CancelOrder", ports.ErrNetwork, ports.ErrNetwork)

	require.True(t, h.sup.Spawn(o.ID, symbol))
	require.True(t, h.sup.Signal(o.ID, Directive{Action: ActionCancel, Reason: "opposing signal"}))

	require.Eventually(t, func() bool {
		got, err := h.store.Get(context.Background(), o.ID)
		return err == nil && got.NeedsReview
	}, 2*time.Second, 2*time.Millisecond)

	h.mu.Lock()
	require.Len(t, h.manual, 1)
	assert.ErrorIs(t, h.manual[0], ports.ErrManualIntervention)
	assert.ErrorIs(t, h.manual[0], ports.ErrRetriesExhausted)
	h.mu.Unlock()
	assert.Contains(t, h.drainEvents(), domain.EventManualInterventionRequired)

	// Halted monitors take no further action but still track fills.
	require.NoError(t, h.ex.Fill(*o.ExchangeID, 0.1, 49990))
	got := h.waitState(t, o.ID, domain.OrderFilled)
	assert.True(t, got.NeedsReview)
	assert.Equal(t, 2, h.ex.Calls("CancelOrder"))
}

func TestMonitor_SyncTerminalOutcomes(t *testing.T) {
	t.Run("not acknowledged", func(t *testing.T) {
		h := newHarness(t, testConfig())
		o := domain.NewOrder("never-sent", symbol, domain.IntentEnterShort, domain.FeeMaker, 51000, 0.1, time.Now())
		require.NoError(t, h.store.Put(context.Background(), o))
		require.True(t, h.sup.Spawn(o.ID, symbol))

		got := h.waitState(t, o.ID, domain.OrderCancelled)
		assert.Equal(t, "not acknowledged by exchange", got.Reason)
	})

	t.Run("cancelled on exchange", func(t *testing.T) {
		h := newHarness(t, testConfig())
		o := h.placeBuy(t, 50000, 0.1, 0)
		_, err := h.ex.CancelOrder(context.Background(), symbol, *o.ExchangeID)
		require.NoError(t, err)
		require.True(t, h.sup.Spawn(o.ID, symbol))

		got := h.waitState(t, o.ID, domain.OrderCancelled)
		assert.Equal(t, "closed by exchange: CANCELED", got.Reason)
	})

	t.Run("acknowledged late", func(t *testing.T) {
		h := newHarness(t, testConfig())
		o := h.placeBuy(t, 50000, 0.1, 0)
		stored, err := h.store.Get(context.Background(), o.ID)
		require.NoError(t, err)
		stored.ExchangeID = nil
		require.NoError(t, h.store.Put(context.Background(), stored))

		require.True(t, h.sup.Spawn(o.ID, symbol))
		require.Eventually(t, func() bool {
			got, err := h.store.Get(context.Background(), o.ID)
			return err == nil && got.ExchangeID != nil && *got.ExchangeID == *o.ExchangeID
		}, 2*time.Second, 2*time.Millisecond)
	})
}

func TestMonitor_MarkRereadsOnStaleWrite(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t, testConfig())
	o := h.placeBuy(t, 50000, 0.2, 0)
	stale, err := h.store.Get(ctx, o.ID)
	require.NoError(t, err)

	// Another writer applies a fill first.
	_, err = h.store.MarkState(ctx, ports.Transition{ID: o.ID, ExpectedVersion: stale.Version, To: domain.OrderPartiallyFilled, Fill: &domain.FillDelta{Qty: 0.1, Price: 50000}})
	require.NoError(t, err)

	m := &monitor{id: o.ID, symbol: symbol, cfg: h.sup.cfg, deps: &h.sup.deps}
	calls := 0
	got, err := m.mark(ctx, stale, func(cur *domain.Order) (ports.Transition, bool) {
		calls++
		return ports.Transition{ID: cur.ID, ExpectedVersion: cur.Version, To: domain.OrderCancelled, Reason: "test"}, true
	})
	require.NoError(t, err)
	assert.Equal(t, 2, calls)
	assert.Equal(t, domain.OrderCancelled, got.State)
	assert.InDelta(t, 0.1, got.FilledQty, 1e-12)
}

type panickingStore struct {
	*memory.Store
}

func (p panickingStore) Get(ctx context.Context, id string) (*domain.Order, error) {
	panic("storage corrupted")
}

func TestSupervisor_Lifecycle(t *testing.T) {
	h := newHarness(t, testConfig())
	o := h.placeBuy(t, 50000, 0.1, 0)

	require.True(t, h.sup.Spawn(o.ID, symbol))
	assert.False(t, h.sup.Spawn(o.ID, symbol), "one monitor per order")
	assert.True(t, h.sup.IsMonitoring(o.ID))
	assert.Equal(t, []string{o.ID}, h.sup.Active())

	require.NoError(t, h.sup.Shutdown(time.Second))
	assert.Empty(t, h.sup.Active())
	assert.False(t, h.sup.Spawn("other", symbol))

	got, err := h.store.Get(context.Background(), o.ID)
	require.NoError(t, err)
	assert.Equal(t, domain.OrderPlaced, got.State, "shutdown leaves orders for reconciliation")

	h.mu.Lock()
	defer h.mu.Unlock()
	require.NotEmpty(t, h.active)
	assert.Equal(t, 0, h.active[len(h.active)-1])
}

func TestSupervisor_SyncPollsImmediately(t *testing.T) {
	cfg := testConfig()
	cfg.CheckInterval = time.Hour
	h := newHarness(t, cfg)
	o := h.placeBuy(t, 50000, 0.2, 0)
	require.True(t, h.sup.Spawn(o.ID, symbol))
	require.Eventually(t, func() bool { return h.ex.Calls("GetOrder") >= 1 }, time.Second, time.Millisecond)

	require.NoError(t, h.ex.Fill(*o.ExchangeID, 0.2, 50000))
	assert.True(t, h.sup.Sync(o.ID))
	got := h.waitState(t, o.ID, domain.OrderFilled)
	assert.InDelta(t, 0.2, got.FilledQty, 1e-12)
	assert.True(t, h.sup.Wait(o.ID, time.Second))

	assert.False(t, h.sup.Sync(o.ID), "no monitor left")
}

func TestSupervisor_RecoversPanics(t *testing.T) {
	events := notify.NewChannelNotifier(8)
	var manual error
	var mu sync.Mutex
	sup := NewSupervisor(testConfig(), Deps{
		Orders:   panickingStore{memory.NewStore()},
		Exchange: paper.New(paper.Config{}),
		Prices:   market.NewHub(),
		Notifier: events,
		Logger:   logger.NewWriterLogger(io.Discard, logger.LevelError),
		OnManual: func(ctx context.Context, o *domain.Order, err error) {
			mu.Lock()
			manual = err
			mu.Unlock()
		},
	})
	defer sup.Shutdown(time.Second)

	require.True(t, sup.Spawn("boom", symbol))
	assert.True(t, sup.Wait("boom", time.Second))

	e := <-events.Events()
	assert.Equal(t, domain.EventManualInterventionRequired, e.Type)
	mu.Lock()
	assert.True(t, errors.Is(manual, ports.ErrManualIntervention))
	mu.Unlock()
}
