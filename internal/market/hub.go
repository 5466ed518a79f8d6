package market

import (
	"sync"
	"time"

	"futuresExecBot/internal/domain"
)

const maxKlineCacheSize = 500

// Hub holds the latest price and recent klines per symbol and fans price
// ticks out to subscribers. Publishing never blocks: a slow subscriber only
// ever sees the newest tick.
type Hub struct {
	mu     sync.RWMutex
	latest map[string]domain.PriceTick
	klines map[string][]*domain.Kline
	subs   map[string]map[int]chan domain.PriceTick
	nextID int
}

// NewHub creates an empty hub.
func NewHub() *Hub {
	return &Hub{
		latest: make(map[string]domain.PriceTick),
		klines: make(map[string][]*domain.Kline),
		subs:   make(map[string]map[int]chan domain.PriceTick),
	}
}

// Publish records tick as the latest price and delivers it to subscribers.
// Ticks older than the current latest are ignored.
func (h *Hub) Publish(tick domain.PriceTick) {
	if tick.Price <= 0 {
		return
	}
	h.mu.Lock()
	defer h.mu.Unlock()
	if prev, ok := h.latest[tick.Symbol]; ok && tick.Time.Before(prev.Time) {
		return
	}
	h.latest[tick.Symbol] = tick
	for _, ch := range h.subs[tick.Symbol] {
		select {
		case ch <- tick:
		default:
			// Replace the stale tick.
			select {
			case <-ch:
			default:
			}
			select {
			case ch <- tick:
			default:
			}
		}
	}
}

// Latest returns the newest price of symbol.
func (h *Hub) Latest(symbol string) (float64, time.Time, bool) {
	h.mu.RLock()
	defer h.mu.RUnlock()
	t, ok := h.latest[symbol]
	return t.Price, t.Time, ok
}

// Subscribe returns a channel of ticks for symbol and a function that ends
// the subscription and closes the channel.
func (h *Hub) Subscribe(symbol string) (<-chan domain.PriceTick, func()) {
	h.mu.Lock()
	defer h.mu.Unlock()
	ch := make(chan domain.PriceTick, 1)
	id := h.nextID
	h.nextID++
	if h.subs[symbol] == nil {
		h.subs[symbol] = make(map[int]chan domain.PriceTick)
	}
	h.subs[symbol][id] = ch
	var once sync.Once
	return ch, func() {
		once.Do(func() {
			h.mu.Lock()
			defer h.mu.Unlock()
			delete(h.subs[symbol], id)
			close(ch)
		})
	}
}

// Subscribers returns the number of live subscriptions for symbol.
func (h *Hub) Subscribers(symbol string) int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.subs[symbol])
}

// SetKlines replaces the kline history of symbol.
func (h *Hub) SetKlines(symbol string, klines []*domain.Kline) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if len(klines) > maxKlineCacheSize {
		klines = klines[len(klines)-maxKlineCacheSize:]
	}
	h.klines[symbol] = append([]*domain.Kline(nil), klines...)
}

// AddKline appends a final kline, or replaces the last one when it has the
// same open time. It reports whether k started a new candle.
func (h *Hub) AddKline(k *domain.Kline) bool {
	h.mu.Lock()
	defer h.mu.Unlock()
	cache := h.klines[k.Symbol]
	if n := len(cache); n > 0 && cache[n-1].OpenTime.Equal(k.OpenTime) {
		cache[n-1] = k
		return false
	}
	cache = append(cache, k)
	if len(cache) > maxKlineCacheSize {
		cache = cache[len(cache)-maxKlineCacheSize:]
	}
	h.klines[k.Symbol] = cache
	return true
}

// Klines returns a copy of the kline history of symbol, oldest first.
func (h *Hub) Klines(symbol string) []*domain.Kline {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return append([]*domain.Kline(nil), h.klines[symbol]...)
}
