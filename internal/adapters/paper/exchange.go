// Package paper simulates a futures account against real or scripted market
// data. Limit orders rest until the mark price crosses them, market orders
// fill at the mark price. It is used for paper trading and in tests.
package paper

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"futuresExecBot/internal/domain"
	"futuresExecBot/internal/ports"
)

// Exchange implements ports.ExchangeClient in memory.
type Exchange struct {
	mu sync.Mutex

	source ports.ExchangeClient // optional market data source
	logger ports.Logger
	now    func() time.Time

	balance   float64
	leverage  map[string]int
	filters   map[string]*domain.SymbolFilters
	prices    map[string]float64
	depth     map[string][2]float64
	klines    map[string][]*domain.Kline
	orders    map[int64]*domain.ExchangeOrder
	byClient  map[string]int64
	positions map[string]*domain.ExchangePosition
	nextID    int64

	failures   map[string][]error
	calls      map[string]int
	onCancel   func(o *domain.ExchangeOrder)
	priceSubs  map[string]map[int]func(domain.PriceTick)
	klineSubs  map[string]map[int]func(*domain.Kline)
	userSubs   map[int]chan domain.UserDataEvent
	nextSubID  int
	autoFillOn bool
}

// Config holds the simulated account's starting state.
type Config struct {
	Balance float64
	Logger  ports.Logger
	// Source, when set, supplies prices, klines, filters and depth.
	Source ports.ExchangeClient
}

// New creates a simulated exchange.
func New(cfg Config) *Exchange {
	return &Exchange{
		source:     cfg.Source,
		logger:     cfg.Logger,
		now:        time.Now,
		balance:    cfg.Balance,
		leverage:   make(map[string]int),
		filters:    make(map[string]*domain.SymbolFilters),
		prices:     make(map[string]float64),
		depth:      make(map[string][2]float64),
		klines:     make(map[string][]*domain.Kline),
		orders:     make(map[int64]*domain.ExchangeOrder),
		byClient:   make(map[string]int64),
		positions:  make(map[string]*domain.ExchangePosition),
		failures:   make(map[string][]error),
		calls:      make(map[string]int),
		priceSubs:  make(map[string]map[int]func(domain.PriceTick)),
		klineSubs:  make(map[string]map[int]func(*domain.Kline)),
		userSubs:   make(map[int]chan domain.UserDataEvent),
		nextID:     1000,
		autoFillOn: true,
	}
}

// --- scripting ---

// SetFilters sets the symbol's quantity and price rules.
func (e *Exchange) SetFilters(f domain.SymbolFilters) {
	e.mu.Lock()
	defer e.mu.Unlock()
	c := f
	e.filters[f.Symbol] = &c
}

// SetDepth sets the bid and ask notional reported near the mid price.
func (e *Exchange) SetDepth(symbol string, bids, asks float64) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.depth[symbol] = [2]float64{bids, asks}
}

// SetKlines sets the history GetKlines returns.
func (e *Exchange) SetKlines(symbol string, klines []*domain.Kline) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.klines[symbol] = append([]*domain.Kline(nil), klines...)
}

// SetBalance sets the wallet balance.
func (e *Exchange) SetBalance(b float64) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.balance = b
}

// SetAutoFill controls whether a crossing price fills resting limit orders.
func (e *Exchange) SetAutoFill(on bool) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.autoFillOn = on
}

// FailNext queues errors returned by the next calls of op (method name).
func (e *Exchange) FailNext(op string, errs ...error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.failures[op] = append(e.failures[op], errs...)
}

// Calls reports how many times op was invoked.
func (e *Exchange) Calls(op string) int {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.calls[op]
}

// OnCancel installs a hook run inside CancelOrder before the order is
// cancelled, e.g. to simulate a fill racing the cancel.
func (e *Exchange) OnCancel(fn func(o *domain.ExchangeOrder)) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.onCancel = fn
}

// SetPosition forces the account position (e.g. opened outside the engine).
func (e *Exchange) SetPosition(p domain.ExchangePosition) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if p.PositionAmt == 0 {
		delete(e.positions, p.Symbol)
		return
	}
	c := p
	e.positions[p.Symbol] = &c
}

// AddOpenOrder places a resting order as if submitted by another client.
func (e *Exchange) AddOpenOrder(o domain.ExchangeOrder) *domain.ExchangeOrder {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.nextID++
	c := o
	c.ExchangeID = e.nextID
	if c.Status == "" {
		c.Status = domain.ExchangeStatusNew
	}
	if c.Type == "" {
		c.Type = "LIMIT"
	}
	c.UpdateTime = e.now()
	e.orders[c.ExchangeID] = &c
	if c.ClientOrderID != "" {
		e.byClient[c.ClientOrderID] = c.ExchangeID
	}
	e.pushOrderLocked(&c)
	out := c
	return &out
}

// SetPrice moves the mark price, fills crossing limit orders and notifies
// mark price subscribers.
func (e *Exchange) SetPrice(symbol string, price float64) {
	e.mu.Lock()
	e.prices[symbol] = price
	if e.autoFillOn {
		ids := make([]int64, 0)
		for id, o := range e.orders {
			if o.Symbol == symbol && !o.IsClosed() && o.Type == "LIMIT" && crosses(o, price) {
				ids = append(ids, id)
			}
		}
		sort.Slice(ids, func(i, j int) bool { return ids[i] < ids[j] })
		for _, id := range ids {
			o := e.orders[id]
			e.fillLocked(o, o.OrigQty-o.ExecutedQty, o.Price)
		}
	}
	tick := domain.PriceTick{Symbol: symbol, Price: price, Time: e.now()}
	handlers := make([]func(domain.PriceTick), 0, len(e.priceSubs[symbol]))
	for _, h := range e.priceSubs[symbol] {
		handlers = append(handlers, h)
	}
	e.mu.Unlock()
	for _, h := range handlers {
		h(tick)
	}
}

// PushKline delivers k to kline subscribers and appends it to history when final.
func (e *Exchange) PushKline(k *domain.Kline) {
	e.mu.Lock()
	if k.IsFinal {
		e.klines[k.Symbol] = append(e.klines[k.Symbol], k)
	}
	handlers := make([]func(*domain.Kline), 0, len(e.klineSubs[k.Symbol]))
	for _, h := range e.klineSubs[k.Symbol] {
		handlers = append(handlers, h)
	}
	e.mu.Unlock()
	for _, h := range handlers {
		h(k)
	}
}

// Fill executes qty of an order at price, as a partial or full fill.
func (e *Exchange) Fill(exchangeID int64, qty, price float64) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	o, ok := e.orders[exchangeID]
	if !ok {
		return fmt.Errorf("paper: order %d: %w", exchangeID, ports.ErrOrderNotFound)
	}
	if o.IsClosed() {
		return fmt.Errorf("paper: order %d is %s", exchangeID, o.Status)
	}
	e.fillLocked(o, qty, price)
	return nil
}

// Order returns a copy of the order with the given client id.
func (e *Exchange) Order(clientOrderID string) (*domain.ExchangeOrder, bool) {
	e.mu.Lock()
	defer e.mu.Unlock()
	id, ok := e.byClient[clientOrderID]
	if !ok {
		return nil, false
	}
	c := *e.orders[id]
	return &c, true
}

func crosses(o *domain.ExchangeOrder, price float64) bool {
	if o.Side == domain.Buy {
		return price <= o.Price
	}
	return price >= o.Price
}

func (e *Exchange) fillLocked(o *domain.ExchangeOrder, qty, price float64) {
	if rem := o.OrigQty - o.ExecutedQty; qty > rem {
		qty = rem
	}
	if qty <= 0 {
		return
	}
	notional := o.AvgPrice*o.ExecutedQty + price*qty
	o.ExecutedQty += qty
	o.AvgPrice = notional / o.ExecutedQty
	if o.OrigQty-o.ExecutedQty < domain.FillEpsilon {
		o.ExecutedQty = o.OrigQty
		o.Status = domain.ExchangeStatusFilled
	} else {
		o.Status = domain.ExchangeStatusPartiallyFilled
	}
	o.UpdateTime = e.now()
	e.applyPositionLocked(o.Symbol, o.Side, qty, price)
	e.pushOrderLocked(o)
}

// userDataBuffer bounds undelivered pushes per subscriber; overflow drops,
// as a lossy stream would.
const userDataBuffer = 256

func (e *Exchange) pushOrderLocked(o *domain.ExchangeOrder) {
	if len(e.userSubs) == 0 {
		return
	}
	c := *o
	ev := domain.UserDataEvent{Kind: domain.UserDataOrderUpdate, Order: &c, Time: e.now()}
	for _, ch := range e.userSubs {
		select {
		case ch <- ev:
		default:
		}
	}
}

func (e *Exchange) applyPositionLocked(symbol string, side domain.OrderSide, qty, price float64) {
	signed := qty
	if side == domain.Sell {
		signed = -qty
	}
	p, ok := e.positions[symbol]
	if !ok {
		lev := e.leverage[symbol]
		if lev == 0 {
			lev = 1
		}
		e.positions[symbol] = &domain.ExchangePosition{Symbol: symbol, PositionAmt: signed, EntryPrice: price, MarkPrice: price, Leverage: lev}
		return
	}
	prev := p.PositionAmt
	next := prev + signed
	switch {
	case next > -domain.FillEpsilon && next < domain.FillEpsilon:
		delete(e.positions, symbol)
		return
	case prev*signed > 0:
		// Adding to the position.
		p.EntryPrice = (p.EntryPrice*abs(prev) + price*qty) / abs(next)
	case prev*next < 0:
		// Flipped through zero.
		p.EntryPrice = price
	}
	p.PositionAmt = next
	p.MarkPrice = price
}

func abs(v float64) float64 {
	if v < 0 {
		return -v
	}
	return v
}

func (e *Exchange) enter(op string) error {
	e.calls[op]++
	if q := e.failures[op]; len(q) > 0 {
		err := q[0]
		e.failures[op] = q[1:]
		if err != nil {
			return fmt.Errorf("%s failed: %w", op, err)
		}
	}
	return nil
}

// --- ports.ExchangeClient ---

func (e *Exchange) SetServerTime(ctx context.Context) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.enter("SetServerTime")
}

func (e *Exchange) Ping(ctx context.Context) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.enter("Ping")
}

func (e *Exchange) GetServerTime(ctx context.Context) (time.Time, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if err := e.enter("GetServerTime"); err != nil {
		return time.Time{}, err
	}
	return e.now(), nil
}

func (e *Exchange) GetMarkPrice(ctx context.Context, symbol string) (float64, error) {
	e.mu.Lock()
	if err := e.enter("GetMarkPrice"); err != nil {
		e.mu.Unlock()
		return 0, err
	}
	p, ok := e.prices[symbol]
	e.mu.Unlock()
	if !ok && e.source != nil {
		price, err := e.source.GetMarkPrice(ctx, symbol)
		if err != nil {
			return 0, err
		}
		e.SetPrice(symbol, price)
		return price, nil
	}
	if !ok {
		return 0, fmt.Errorf("GetMarkPrice failed: no price for %s: %w", symbol, ports.ErrNotFound)
	}
	return p, nil
}

func (e *Exchange) GetAvailableBalance(ctx context.Context, asset string) (float64, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if err := e.enter("GetAvailableBalance"); err != nil {
		return 0, err
	}
	used := 0.0
	for _, p := range e.positions {
		lev := p.Leverage
		if lev <= 0 {
			lev = 1
		}
		mark := e.prices[p.Symbol]
		if mark == 0 {
			mark = p.EntryPrice
		}
		used += abs(p.PositionAmt) * mark / float64(lev)
	}
	for _, o := range e.orders {
		if o.IsClosed() || o.ReduceOnly {
			continue
		}
		lev := e.leverage[o.Symbol]
		if lev <= 0 {
			lev = 1
		}
		used += (o.OrigQty - o.ExecutedQty) * o.Price / float64(lev)
	}
	avail := e.balance - used
	if avail < 0 {
		avail = 0
	}
	return avail, nil
}

func (e *Exchange) SetLeverage(ctx context.Context, symbol string, leverage int) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	if err := e.enter("SetLeverage"); err != nil {
		return err
	}
	e.leverage[symbol] = leverage
	if p, ok := e.positions[symbol]; ok {
		p.Leverage = leverage
	}
	return nil
}

func (e *Exchange) GetSymbolFilters(ctx context.Context, symbol string) (*domain.SymbolFilters, error) {
	e.mu.Lock()
	if err := e.enter("GetSymbolFilters"); err != nil {
		e.mu.Unlock()
		return nil, err
	}
	f, ok := e.filters[symbol]
	e.mu.Unlock()
	if ok {
		c := *f
		return &c, nil
	}
	if e.source != nil {
		return e.source.GetSymbolFilters(ctx, symbol)
	}
	return &domain.SymbolFilters{Symbol: symbol, StepSize: 0.001, MinQty: 0.001, MaxQty: 1000, TickSize: 0.1}, nil
}

func (e *Exchange) GetDepthNotional(ctx context.Context, symbol string, band float64) (float64, float64, error) {
	e.mu.Lock()
	if err := e.enter("GetDepthNotional"); err != nil {
		e.mu.Unlock()
		return 0, 0, err
	}
	d, ok := e.depth[symbol]
	e.mu.Unlock()
	if ok {
		return d[0], d[1], nil
	}
	if e.source != nil {
		return e.source.GetDepthNotional(ctx, symbol, band)
	}
	return -1, -1, nil
}

func (e *Exchange) GetKlines(ctx context.Context, symbol, interval string, limit int) ([]*domain.Kline, error) {
	e.mu.Lock()
	if err := e.enter("GetKlines"); err != nil {
		e.mu.Unlock()
		return nil, err
	}
	ks := e.klines[symbol]
	e.mu.Unlock()
	if len(ks) == 0 && e.source != nil {
		return e.source.GetKlines(ctx, symbol, interval, limit)
	}
	if limit > 0 && len(ks) > limit {
		ks = ks[len(ks)-limit:]
	}
	return append([]*domain.Kline(nil), ks...), nil
}

func (e *Exchange) place(op string, req ports.OrderRequest, typ string) (*domain.ExchangeOrder, error) {
	if err := e.enter(op); err != nil {
		return nil, err
	}
	if req.Quantity <= 0 {
		return nil, fmt.Errorf("%s failed: quantity %v: %w", op, req.Quantity, ports.ErrInvalidRequest)
	}
	if req.ClientOrderID != "" {
		if _, dup := e.byClient[req.ClientOrderID]; dup {
			return nil, fmt.Errorf("%s failed: client order id %s duplicated: %w", op, req.ClientOrderID, ports.ErrInvalidRequest)
		}
	}
	if req.ReduceOnly {
		p, ok := e.positions[req.Symbol]
		if !ok || p.Side().ExitSide() != req.Side {
			return nil, fmt.Errorf("%s failed: reduce-only order would increase position: %w", op, ports.ErrOrderPlacementFailed)
		}
		if req.Quantity > abs(p.PositionAmt) {
			req.Quantity = abs(p.PositionAmt)
		}
	}
	e.nextID++
	o := &domain.ExchangeOrder{
		ExchangeID:    e.nextID,
		ClientOrderID: req.ClientOrderID,
		Symbol:        req.Symbol,
		Side:          req.Side,
		Type:          typ,
		Status:        domain.ExchangeStatusNew,
		Price:         req.Price,
		OrigQty:       req.Quantity,
		ReduceOnly:    req.ReduceOnly,
		UpdateTime:    e.now(),
	}
	e.orders[o.ExchangeID] = o
	if o.ClientOrderID != "" {
		e.byClient[o.ClientOrderID] = o.ExchangeID
	}
	e.pushOrderLocked(o)
	return o, nil
}

func (e *Exchange) PlaceLimitOrder(ctx context.Context, req ports.OrderRequest) (*domain.ExchangeOrder, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	o, err := e.place("PlaceLimitOrder", req, "LIMIT")
	if err != nil {
		return nil, err
	}
	if price, ok := e.prices[req.Symbol]; ok && e.autoFillOn && crosses(o, price) {
		e.fillLocked(o, o.OrigQty, o.Price)
	}
	c := *o
	return &c, nil
}

func (e *Exchange) PlaceMarketOrder(ctx context.Context, req ports.OrderRequest) (*domain.ExchangeOrder, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	price, ok := e.prices[req.Symbol]
	if !ok {
		e.calls["PlaceMarketOrder"]++
		return nil, fmt.Errorf("PlaceMarketOrder failed: no price for %s: %w", req.Symbol, ports.ErrExchangeUnavailable)
	}
	o, err := e.place("PlaceMarketOrder", req, "MARKET")
	if err != nil {
		return nil, err
	}
	e.fillLocked(o, o.OrigQty, price)
	c := *o
	return &c, nil
}

func (e *Exchange) CancelOrder(ctx context.Context, symbol string, exchangeID int64) (*domain.ExchangeOrder, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if err := e.enter("CancelOrder"); err != nil {
		return nil, err
	}
	o, ok := e.orders[exchangeID]
	if !ok || o.Symbol != symbol {
		return nil, fmt.Errorf("CancelOrder failed: %w", ports.ErrOrderNotFound)
	}
	if e.onCancel != nil {
		c := *o
		hook := e.onCancel
		e.mu.Unlock()
		hook(&c)
		e.mu.Lock()
	}
	if o.IsClosed() {
		return nil, fmt.Errorf("CancelOrder failed: order %d is %s: %w", exchangeID, o.Status, ports.ErrOrderCancelFailed)
	}
	o.Status = domain.ExchangeStatusCanceled
	o.UpdateTime = e.now()
	e.pushOrderLocked(o)
	c := *o
	return &c, nil
}

func (e *Exchange) GetOrder(ctx context.Context, symbol string, exchangeID int64, clientOrderID string) (*domain.ExchangeOrder, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if err := e.enter("GetOrder"); err != nil {
		return nil, err
	}
	id := exchangeID
	if id == 0 {
		var ok bool
		if id, ok = e.byClient[clientOrderID]; !ok {
			return nil, fmt.Errorf("GetOrder failed: client id %s: %w", clientOrderID, ports.ErrOrderNotFound)
		}
	}
	o, ok := e.orders[id]
	if !ok || o.Symbol != symbol {
		return nil, fmt.Errorf("GetOrder failed: order %d: %w", id, ports.ErrOrderNotFound)
	}
	c := *o
	return &c, nil
}

func (e *Exchange) ListOpenOrders(ctx context.Context, symbol string) ([]*domain.ExchangeOrder, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if err := e.enter("ListOpenOrders"); err != nil {
		return nil, err
	}
	out := make([]*domain.ExchangeOrder, 0)
	for _, o := range e.orders {
		if o.Symbol == symbol && !o.IsClosed() {
			c := *o
			out = append(out, &c)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ExchangeID < out[j].ExchangeID })
	return out, nil
}

func (e *Exchange) GetPosition(ctx context.Context, symbol string) (*domain.ExchangePosition, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if err := e.enter("GetPosition"); err != nil {
		return nil, err
	}
	p, ok := e.positions[symbol]
	if !ok {
		return nil, nil
	}
	c := *p
	if mark, ok := e.prices[symbol]; ok {
		c.MarkPrice = mark
	}
	return &c, nil
}

func (e *Exchange) StreamKlines(ctx context.Context, symbol, interval string, handler func(*domain.Kline), errHandler func(error)) (chan struct{}, chan struct{}, error) {
	if e.source != nil {
		return e.source.StreamKlines(ctx, symbol, interval, func(k *domain.Kline) {
			if k.IsFinal {
				e.mu.Lock()
				e.klines[symbol] = append(e.klines[symbol], k)
				e.mu.Unlock()
			}
			handler(k)
		}, errHandler)
	}
	e.mu.Lock()
	id := e.nextSubID
	e.nextSubID++
	if e.klineSubs[symbol] == nil {
		e.klineSubs[symbol] = make(map[int]func(*domain.Kline))
	}
	e.klineSubs[symbol][id] = handler
	e.mu.Unlock()
	return e.subscription(ctx, func() {
		e.mu.Lock()
		delete(e.klineSubs[symbol], id)
		e.mu.Unlock()
	})
}

func (e *Exchange) StreamMarkPrice(ctx context.Context, symbol string, handler func(domain.PriceTick), errHandler func(error)) (chan struct{}, chan struct{}, error) {
	if e.source != nil {
		return e.source.StreamMarkPrice(ctx, symbol, func(t domain.PriceTick) {
			e.SetPrice(t.Symbol, t.Price)
			handler(t)
		}, errHandler)
	}
	e.mu.Lock()
	id := e.nextSubID
	e.nextSubID++
	if e.priceSubs[symbol] == nil {
		e.priceSubs[symbol] = make(map[int]func(domain.PriceTick))
	}
	e.priceSubs[symbol][id] = handler
	e.mu.Unlock()
	return e.subscription(ctx, func() {
		e.mu.Lock()
		delete(e.priceSubs[symbol], id)
		e.mu.Unlock()
	})
}

// StreamUserData delivers order updates for every order on the simulated
// account, in order, from its own goroutine.
func (e *Exchange) StreamUserData(ctx context.Context, handler func(domain.UserDataEvent), errHandler func(error)) (chan struct{}, chan struct{}, error) {
	e.mu.Lock()
	if err := e.enter("StreamUserData"); err != nil {
		e.mu.Unlock()
		return nil, nil, err
	}
	id := e.nextSubID
	e.nextSubID++
	ch := make(chan domain.UserDataEvent, userDataBuffer)
	e.userSubs[id] = ch
	e.mu.Unlock()

	doneCh := make(chan struct{})
	stopCh := make(chan struct{})
	go func() {
		defer close(doneCh)
		defer func() {
			e.mu.Lock()
			delete(e.userSubs, id)
			e.mu.Unlock()
		}()
		for {
			select {
			case ev := <-ch:
				handler(ev)
			case <-stopCh:
				return
			case <-ctx.Done():
				return
			}
		}
	}()
	return doneCh, stopCh, nil
}

func (e *Exchange) subscription(ctx context.Context, remove func()) (chan struct{}, chan struct{}, error) {
	doneCh := make(chan struct{})
	stopCh := make(chan struct{})
	go func() {
		defer close(doneCh)
		select {
		case <-stopCh:
		case <-ctx.Done():
		}
		remove()
	}()
	return doneCh, stopCh, nil
}
