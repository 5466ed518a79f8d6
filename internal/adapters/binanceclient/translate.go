package binanceclient

import (
	"errors"
	"fmt"
	"strconv"
	"time"

	"futuresExecBot/internal/domain"

	"github.com/adshao/go-binance/v2/futures"
)

func translateOrderResponse(order *futures.CreateOrderResponse) *domain.ExchangeOrder {
	if order == nil {
		return nil
	}
	price, _ := strconv.ParseFloat(order.Price, 64)
	avgPrice, _ := strconv.ParseFloat(order.AvgPrice, 64)
	origQty, _ := strconv.ParseFloat(order.OrigQuantity, 64)
	execQty, _ := strconv.ParseFloat(order.ExecutedQuantity, 64)

	return &domain.ExchangeOrder{
		ExchangeID:    order.OrderID,
		ClientOrderID: order.ClientOrderID,
		Symbol:        order.Symbol,
		Side:          domain.OrderSide(order.Side),
		Type:          string(order.Type),
		Status:        string(order.Status),
		Price:         price,
		AvgPrice:      avgPrice,
		OrigQty:       origQty,
		ExecutedQty:   execQty,
		ReduceOnly:    order.ReduceOnly,
		UpdateTime:    time.UnixMilli(order.UpdateTime),
	}
}

func translateOrder(order *futures.Order) *domain.ExchangeOrder {
	if order == nil {
		return nil
	}
	price, _ := strconv.ParseFloat(order.Price, 64)
	avgPrice, _ := strconv.ParseFloat(order.AvgPrice, 64)
	origQty, _ := strconv.ParseFloat(order.OrigQuantity, 64)
	execQty, _ := strconv.ParseFloat(order.ExecutedQuantity, 64)

	return &domain.ExchangeOrder{
		ExchangeID:    order.OrderID,
		ClientOrderID: order.ClientOrderID,
		Symbol:        order.Symbol,
		Side:          domain.OrderSide(order.Side),
		Type:          string(order.Type),
		Status:        string(order.Status),
		Price:         price,
		AvgPrice:      avgPrice,
		OrigQty:       origQty,
		ExecutedQty:   execQty,
		ReduceOnly:    order.ReduceOnly,
		UpdateTime:    time.UnixMilli(order.UpdateTime),
	}
}

func translatePositionRisk(pos *futures.PositionRisk) *domain.ExchangePosition {
	if pos == nil {
		return nil
	}
	posAmt, _ := strconv.ParseFloat(pos.PositionAmt, 64)
	entryPrice, _ := strconv.ParseFloat(pos.EntryPrice, 64)
	markPrice, _ := strconv.ParseFloat(pos.MarkPrice, 64)
	leverage, _ := strconv.Atoi(pos.Leverage)

	return &domain.ExchangePosition{
		Symbol:      pos.Symbol,
		PositionAmt: posAmt,
		EntryPrice:  entryPrice,
		MarkPrice:   markPrice,
		Leverage:    leverage,
	}
}

// translateFilters reads LOT_SIZE and PRICE_FILTER out of the raw exchange filter list.
func translateFilters(symbol string, raw []map[string]interface{}) (*domain.SymbolFilters, error) {
	f := &domain.SymbolFilters{Symbol: symbol}
	var haveLot bool
	for _, m := range raw {
		switch m["filterType"] {
		case "LOT_SIZE":
			var err error
			if f.StepSize, err = filterFloat(m, "stepSize"); err != nil {
				return nil, err
			}
			if f.MinQty, err = filterFloat(m, "minQty"); err != nil {
				return nil, err
			}
			if f.MaxQty, err = filterFloat(m, "maxQty"); err != nil {
				return nil, err
			}
			haveLot = true
		case "PRICE_FILTER":
			var err error
			if f.TickSize, err = filterFloat(m, "tickSize"); err != nil {
				return nil, err
			}
		}
	}
	if !haveLot {
		return nil, fmt.Errorf("symbol %s has no LOT_SIZE filter", symbol)
	}
	return f, nil
}

func filterFloat(m map[string]interface{}, key string) (float64, error) {
	s, ok := m[key].(string)
	if !ok {
		return 0, fmt.Errorf("filter %v: field %s missing", m["filterType"], key)
	}
	v, err := strconv.ParseFloat(s, 64)
	if err != nil {
		return 0, fmt.Errorf("filter %v: parsing %s '%s': %w", m["filterType"], key, s, err)
	}
	return v, nil
}

// depthNotional sums price*qty of the levels within band of the mid price.
// Levels are [price, quantity] pairs, best first.
func depthNotional(bids, asks [][2]string, band float64) (float64, float64, error) {
	if len(bids) == 0 || len(asks) == 0 {
		return 0, 0, nil
	}
	bestBid, err := strconv.ParseFloat(bids[0][0], 64)
	if err != nil {
		return 0, 0, fmt.Errorf("parsing bid price '%s': %w", bids[0][0], err)
	}
	bestAsk, err := strconv.ParseFloat(asks[0][0], 64)
	if err != nil {
		return 0, 0, fmt.Errorf("parsing ask price '%s': %w", asks[0][0], err)
	}
	mid := (bestBid + bestAsk) / 2
	low, high := mid*(1-band), mid*(1+band)

	sum := func(levels [][2]string, inBand func(float64) bool) (float64, error) {
		var total float64
		for _, l := range levels {
			p, err := strconv.ParseFloat(l[0], 64)
			if err != nil {
				return 0, fmt.Errorf("parsing level price '%s': %w", l[0], err)
			}
			if !inBand(p) {
				break
			}
			q, err := strconv.ParseFloat(l[1], 64)
			if err != nil {
				return 0, fmt.Errorf("parsing level quantity '%s': %w", l[1], err)
			}
			total += p * q
		}
		return total, nil
	}
	bidNotional, err := sum(bids, func(p float64) bool { return p >= low })
	if err != nil {
		return 0, 0, err
	}
	askNotional, err := sum(asks, func(p float64) bool { return p <= high })
	if err != nil {
		return 0, 0, err
	}
	return bidNotional, askNotional, nil
}

func translateWsMarkPrice(event *futures.WsMarkPriceEvent) (domain.PriceTick, error) {
	if event == nil {
		return domain.PriceTick{}, errors.New("received nil mark price event")
	}
	price, err := strconv.ParseFloat(event.MarkPrice, 64)
	if err != nil {
		return domain.PriceTick{}, fmt.Errorf("parsing mark price '%s': %w", event.MarkPrice, err)
	}
	return domain.PriceTick{Symbol: event.Symbol, Price: price, Time: time.UnixMilli(event.Time)}, nil
}

func translateWsKline(event *futures.WsKlineEvent) (*domain.Kline, error) {
	if event == nil {
		return nil, errors.New("received nil kline event")
	}
	k := event.Kline
	open, err := strconv.ParseFloat(k.Open, 64)
	if err != nil {
		return nil, fmt.Errorf("parsing open price '%s': %w", k.Open, err)
	}
	high, err := strconv.ParseFloat(k.High, 64)
	if err != nil {
		return nil, fmt.Errorf("parsing high price '%s': %w", k.High, err)
	}
	low, err := strconv.ParseFloat(k.Low, 64)
	if err != nil {
		return nil, fmt.Errorf("parsing low price '%s': %w", k.Low, err)
	}
	cls, err := strconv.ParseFloat(k.Close, 64)
	if err != nil {
		return nil, fmt.Errorf("parsing close price '%s': %w", k.Close, err)
	}
	vol, err := strconv.ParseFloat(k.Volume, 64)
	if err != nil {
		return nil, fmt.Errorf("parsing volume '%s': %w", k.Volume, err)
	}

	return &domain.Kline{
		OpenTime:  time.UnixMilli(k.StartTime),
		CloseTime: time.UnixMilli(k.EndTime),
		Symbol:    k.Symbol,
		Interval:  k.Interval,
		Open:      open,
		High:      high,
		Low:       low,
		Close:     cls,
		Volume:    vol,
		IsFinal:   k.IsFinal,
	}, nil
}

func translateBinanceKline(bk *futures.Kline, symbol, interval string) (*domain.Kline, error) {
	if bk == nil {
		return nil, errors.New("received nil historical kline")
	}
	open, err := strconv.ParseFloat(bk.Open, 64)
	if err != nil {
		return nil, fmt.Errorf("parsing open price '%s': %w", bk.Open, err)
	}
	high, err := strconv.ParseFloat(bk.High, 64)
	if err != nil {
		return nil, fmt.Errorf("parsing high price '%s': %w", bk.High, err)
	}
	low, err := strconv.ParseFloat(bk.Low, 64)
	if err != nil {
		return nil, fmt.Errorf("parsing low price '%s': %w", bk.Low, err)
	}
	cls, err := strconv.ParseFloat(bk.Close, 64)
	if err != nil {
		return nil, fmt.Errorf("parsing close price '%s': %w", bk.Close, err)
	}
	vol, err := strconv.ParseFloat(bk.Volume, 64)
	if err != nil {
		return nil, fmt.Errorf("parsing volume '%s': %w", bk.Volume, err)
	}

	return &domain.Kline{
		OpenTime:  time.UnixMilli(bk.OpenTime),
		CloseTime: time.UnixMilli(bk.CloseTime),
		Symbol:    symbol,
		Interval:  interval,
		Open:      open,
		High:      high,
		Low:       low,
		Close:     cls,
		Volume:    vol,
		IsFinal:   true, // Historical klines are always final
	}, nil
}

// translateWsUserData maps order and account pushes. Other event types are
// reported as not ok.
func translateWsUserData(event *futures.WsUserDataEvent) (domain.UserDataEvent, bool, error) {
	at := time.UnixMilli(event.Time)
	switch event.Event {
	case futures.UserDataEventTypeOrderTradeUpdate:
		u := event.OrderTradeUpdate
		price, err := strconv.ParseFloat(u.OriginalPrice, 64)
		if err != nil {
			return domain.UserDataEvent{}, false, fmt.Errorf("parsing order price '%s': %w", u.OriginalPrice, err)
		}
		avgPrice, err := strconv.ParseFloat(u.AveragePrice, 64)
		if err != nil {
			return domain.UserDataEvent{}, false, fmt.Errorf("parsing average price '%s': %w", u.AveragePrice, err)
		}
		origQty, err := strconv.ParseFloat(u.OriginalQty, 64)
		if err != nil {
			return domain.UserDataEvent{}, false, fmt.Errorf("parsing order quantity '%s': %w", u.OriginalQty, err)
		}
		execQty, err := strconv.ParseFloat(u.AccumulatedFilledQty, 64)
		if err != nil {
			return domain.UserDataEvent{}, false, fmt.Errorf("parsing filled quantity '%s': %w", u.AccumulatedFilledQty, err)
		}
		return domain.UserDataEvent{
			Kind: domain.UserDataOrderUpdate,
			Order: &domain.ExchangeOrder{
				ExchangeID:    u.ID,
				ClientOrderID: u.ClientOrderID,
				Symbol:        u.Symbol,
				Side:          domain.OrderSide(u.Side),
				Type:          string(u.Type),
				Status:        string(u.Status),
				Price:         price,
				AvgPrice:      avgPrice,
				OrigQty:       origQty,
				ExecutedQty:   execQty,
				ReduceOnly:    u.IsReduceOnly,
				UpdateTime:    time.UnixMilli(u.TradeTime),
			},
			Time: at,
		}, true, nil
	case futures.UserDataEventTypeAccountUpdate:
		a := event.AccountUpdate
		symbols := make([]string, 0, len(a.Positions))
		for _, p := range a.Positions {
			symbols = append(symbols, p.Symbol)
		}
		return domain.UserDataEvent{
			Kind:    domain.UserDataAccountUpdate,
			Reason:  string(a.Reason),
			Symbols: symbols,
			Time:    at,
		}, true, nil
	}
	return domain.UserDataEvent{}, false, nil
}
