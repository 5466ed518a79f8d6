package paper

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"futuresExecBot/internal/domain"
	"futuresExecBot/internal/ports"
)

func TestExchange_LimitFillsWhenPriceCrosses(t *testing.T) {
	ctx := context.Background()
	ex := New(Config{Balance: 1000})
	ex.SetPrice("BTCUSDT", 50100)

	o, err := ex.PlaceLimitOrder(ctx, ports.OrderRequest{Symbol: "BTCUSDT", Side: domain.Buy, Quantity: 0.2, Price: 50000, ClientOrderID: "abc"})
	require.NoError(t, err)
	assert.Equal(t, domain.ExchangeStatusNew, o.Status)

	ex.SetPrice("BTCUSDT", 49990)

	got, err := ex.GetOrder(ctx, "BTCUSDT", 0, "abc")
	require.NoError(t, err)
	assert.Equal(t, domain.ExchangeStatusFilled, got.Status)
	assert.InDelta(t, 0.2, got.ExecutedQty, 1e-12)
	assert.InDelta(t, 50000.0, got.AvgPrice, 1e-9)

	pos, err := ex.GetPosition(ctx, "BTCUSDT")
	require.NoError(t, err)
	require.NotNil(t, pos)
	assert.Equal(t, domain.Long, pos.Side())
	assert.InDelta(t, 0.2, pos.Quantity(), 1e-12)
}

func TestExchange_PartialFillsVWAP(t *testing.T) {
	ctx := context.Background()
	ex := New(Config{Balance: 1000})
	o, err := ex.PlaceLimitOrder(ctx, ports.OrderRequest{Symbol: "BTCUSDT", Side: domain.Buy, Quantity: 0.2, Price: 50100})
	require.NoError(t, err)

	require.NoError(t, ex.Fill(o.ExchangeID, 0.1, 50000))
	require.NoError(t, ex.Fill(o.ExchangeID, 0.1, 50100))

	got, err := ex.GetOrder(ctx, "BTCUSDT", o.ExchangeID, "")
	require.NoError(t, err)
	assert.Equal(t, domain.ExchangeStatusFilled, got.Status)
	assert.InDelta(t, 50050.0, got.AvgPrice, 1e-9)
}

func TestExchange_CancelClosedOrderFails(t *testing.T) {
	ctx := context.Background()
	ex := New(Config{Balance: 1000})
	o, err := ex.PlaceLimitOrder(ctx, ports.OrderRequest{Symbol: "BTCUSDT", Side: domain.Sell, Quantity: 1, Price: 100})
	require.NoError(t, err)

	ex.OnCancel(func(c *domain.ExchangeOrder) {
		require.NoError(t, ex.Fill(c.ExchangeID, 1, 100))
	})
	_, err = ex.CancelOrder(ctx, "BTCUSDT", o.ExchangeID)
	assert.ErrorIs(t, err, ports.ErrOrderCancelFailed)

	_, err = ex.CancelOrder(ctx, "BTCUSDT", 424242)
	assert.ErrorIs(t, err, ports.ErrOrderNotFound)
}

func TestExchange_FailNextAndReduceOnly(t *testing.T) {
	ctx := context.Background()
	ex := New(Config{Balance: 1000})
	ex.SetPrice("ETHUSDT", 2000)
	ex.FailNext("PlaceMarketOrder", ports.ErrNetwork)

	req := ports.OrderRequest{Symbol: "ETHUSDT", Side: domain.Sell, Quantity: 1, ReduceOnly: true}
	_, err := ex.PlaceMarketOrder(ctx, req)
	assert.True(t, errors.Is(err, ports.ErrNetwork))

	// Flat account: reduce-only is refused.
	_, err = ex.PlaceMarketOrder(ctx, req)
	assert.ErrorIs(t, err, ports.ErrOrderPlacementFailed)
	assert.Equal(t, 2, ex.Calls("PlaceMarketOrder"))

	ex.SetPosition(domain.ExchangePosition{Symbol: "ETHUSDT", PositionAmt: 0.5, EntryPrice: 1900, Leverage: 5})
	o, err := ex.PlaceMarketOrder(ctx, req)
	require.NoError(t, err)
	assert.InDelta(t, 0.5, o.ExecutedQty, 1e-12)

	pos, err := ex.GetPosition(ctx, "ETHUSDT")
	require.NoError(t, err)
	assert.Nil(t, pos)
}

func TestExchange_DuplicateClientID(t *testing.T) {
	ctx := context.Background()
	ex := New(Config{Balance: 1000})
	req := ports.OrderRequest{Symbol: "BTCUSDT", Side: domain.Buy, Quantity: 0.1, Price: 100, ClientOrderID: "dup"}
	_, err := ex.PlaceLimitOrder(ctx, req)
	require.NoError(t, err)
	_, err = ex.PlaceLimitOrder(ctx, req)
	assert.True(t, ports.IsPermanent(err))
}

func TestExchange_AvailableBalanceReservesOpenOrders(t *testing.T) {
	ctx := context.Background()
	ex := New(Config{Balance: 1000})
	require.NoError(t, ex.SetLeverage(ctx, "BTCUSDT", 10))
	_, err := ex.PlaceLimitOrder(ctx, ports.OrderRequest{Symbol: "BTCUSDT", Side: domain.Buy, Quantity: 0.1, Price: 50000})
	require.NoError(t, err)

	avail, err := ex.GetAvailableBalance(ctx, "USDT")
	require.NoError(t, err)
	assert.InDelta(t, 500.0, avail, 1e-9)
}

func TestExchange_MarkPriceStream(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	ex := New(Config{Balance: 1000})
	ticks := make(chan domain.PriceTick, 4)
	done, stop, err := ex.StreamMarkPrice(ctx, "BTCUSDT", func(t domain.PriceTick) { ticks <- t }, nil)
	require.NoError(t, err)

	ex.SetPrice("BTCUSDT", 123)
	tick := <-ticks
	assert.Equal(t, 123.0, tick.Price)

	close(stop)
	<-done
	cancel()
	ex.SetPrice("BTCUSDT", 124)
	assert.Len(t, ticks, 0)
}

func TestExchange_UserDataStream(t *testing.T) {
	ctx := context.Background()
	ex := New(Config{Balance: 10000})
	ex.SetPrice("BTCUSDT", 50000)
	events := make(chan domain.UserDataEvent, 8)
	done, stop, err := ex.StreamUserData(ctx, func(ev domain.UserDataEvent) { events <- ev }, nil)
	require.NoError(t, err)

	o, err := ex.PlaceLimitOrder(ctx, ports.OrderRequest{Symbol: "BTCUSDT", Side: domain.Buy, Quantity: 0.1, Price: 49900, ClientOrderID: "e1"})
	require.NoError(t, err)
	require.NoError(t, ex.Fill(o.ExchangeID, 0.04, 49900))
	_, err = ex.CancelOrder(ctx, "BTCUSDT", o.ExchangeID)
	require.NoError(t, err)

	var statuses []string
	for i := 0; i < 3; i++ {
		ev := <-events
		assert.Equal(t, domain.UserDataOrderUpdate, ev.Kind)
		assert.Equal(t, "e1", ev.Order.ClientOrderID)
		statuses = append(statuses, ev.Order.Status)
	}
	assert.Equal(t, []string{domain.ExchangeStatusNew, domain.ExchangeStatusPartiallyFilled, domain.ExchangeStatusCanceled}, statuses)

	close(stop)
	<-done
	_, err = ex.PlaceLimitOrder(ctx, ports.OrderRequest{Symbol: "BTCUSDT", Side: domain.Buy, Quantity: 0.1, Price: 49000, ClientOrderID: "e2"})
	require.NoError(t, err)
	assert.Len(t, events, 0)
}
