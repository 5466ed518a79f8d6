package market

import (
	"sync"
	"testing"
	"time"

	"futuresExecBot/internal/domain"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestHub_LatestAndOrdering(t *testing.T) {
	h := NewHub()
	now := time.Now()
	_, _, ok := h.Latest("BTCUSDT")
	assert.False(t, ok)

	h.Publish(domain.PriceTick{Symbol: "BTCUSDT", Price: 100, Time: now})
	h.Publish(domain.PriceTick{Symbol: "BTCUSDT", Price: 90, Time: now.Add(-time.Second)})
	h.Publish(domain.PriceTick{Symbol: "BTCUSDT", Price: 0, Time: now.Add(time.Second)})

	price, at, ok := h.Latest("BTCUSDT")
	require.True(t, ok)
	assert.Equal(t, 100.0, price)
	assert.True(t, at.Equal(now))
}

func TestHub_SlowSubscriberSeesNewest(t *testing.T) {
	h := NewHub()
	ch, cancel := h.Subscribe("BTCUSDT")
	defer cancel()

	now := time.Now()
	for i := 1; i <= 5; i++ {
		h.Publish(domain.PriceTick{Symbol: "BTCUSDT", Price: float64(i), Time: now.Add(time.Duration(i) * time.Millisecond)})
	}
	tick := <-ch
	assert.Equal(t, 5.0, tick.Price)

	h.Publish(domain.PriceTick{Symbol: "ETHUSDT", Price: 1, Time: now})
	select {
	case <-ch:
		t.Fatal("received tick for another symbol")
	default:
	}
}

func TestHub_UnsubscribeClosesChannel(t *testing.T) {
	h := NewHub()
	ch, cancel := h.Subscribe("BTCUSDT")
	assert.Equal(t, 1, h.Subscribers("BTCUSDT"))
	cancel()
	cancel()
	_, open := <-ch
	assert.False(t, open)
	assert.Equal(t, 0, h.Subscribers("BTCUSDT"))
	h.Publish(domain.PriceTick{Symbol: "BTCUSDT", Price: 1, Time: time.Now()})
}

func TestHub_ConcurrentPublish(t *testing.T) {
	h := NewHub()
	ch, cancel := h.Subscribe("BTCUSDT")
	defer cancel()
	var wg sync.WaitGroup
	base := time.Now()
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			for j := 0; j < 100; j++ {
				h.Publish(domain.PriceTick{Symbol: "BTCUSDT", Price: 100, Time: base.Add(time.Duration(i*100+j) * time.Microsecond)})
			}
		}(i)
	}
	wg.Wait()
	assert.Len(t, ch, 1)
}

func TestHub_Klines(t *testing.T) {
	h := NewHub()
	t0 := time.Unix(0, 0)
	assert.True(t, h.AddKline(&domain.Kline{Symbol: "BTCUSDT", OpenTime: t0, Close: 1}))
	assert.False(t, h.AddKline(&domain.Kline{Symbol: "BTCUSDT", OpenTime: t0, Close: 2}))
	assert.True(t, h.AddKline(&domain.Kline{Symbol: "BTCUSDT", OpenTime: t0.Add(time.Minute), Close: 3}))

	ks := h.Klines("BTCUSDT")
	require.Len(t, ks, 2)
	assert.Equal(t, 2.0, ks[0].Close)

	many := make([]*domain.Kline, maxKlineCacheSize+10)
	for i := range many {
		many[i] = &domain.Kline{Symbol: "ETHUSDT", OpenTime: t0.Add(time.Duration(i) * time.Minute)}
	}
	h.SetKlines("ETHUSDT", many)
	assert.Len(t, h.Klines("ETHUSDT"), maxKlineCacheSize)
}
