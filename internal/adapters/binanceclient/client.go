package binanceclient

import (
	"context"
	"errors"
	"fmt"
	"net"
	"strconv"
	"strings"
	"time"

	"futuresExecBot/internal/domain"
	"futuresExecBot/internal/ports"

	"github.com/adshao/go-binance/v2/common"
	"github.com/adshao/go-binance/v2/futures"
	"github.com/shopspring/decimal"
)

const (
	// Base URLs
	baseURLProduction = "https://fapi.binance.com"
	baseURLTestnet    = "https://testnet.binancefuture.com"
)

// Client implements the ports.ExchangeClient interface using the go-binance library.
type Client struct {
	futuresClient        *futures.Client
	logger               ports.Logger
	reconnectDelay       time.Duration
	maxReconnectDelay    time.Duration
	maxReconnectAttempts int
}

// Config holds configuration specific to the Binance client adapter.
type Config struct {
	APIKey               string
	SecretKey            string
	UseTestnet           bool
	Logger               ports.Logger
	ReconnectDelay       time.Duration // initial reconnect delay (e.g., 1 * time.Second)
	MaxReconnectDelay    time.Duration
	MaxReconnectAttempts int // consecutive failures before giving up
}

// New creates a new Binance client adapter.
func New(cfg Config) (*Client, error) {
	if cfg.Logger == nil {
		return nil, fmt.Errorf("logger is required for Binance client")
	}
	if cfg.APIKey == "" || cfg.SecretKey == "" {
		cfg.Logger.Warn(context.Background(), "APIKey or SecretKey is empty. Client will only work for public endpoints.")
	}

	client := futures.NewClient(cfg.APIKey, cfg.SecretKey)

	// Set BaseURL directly instead of using global futures.UseTestnet
	if cfg.UseTestnet {
		client.BaseURL = baseURLTestnet
		cfg.Logger.Info(context.Background(), "Binance client configured for Testnet", map[string]interface{}{"baseURL": client.BaseURL})
	} else {
		client.BaseURL = baseURLProduction
		cfg.Logger.Info(context.Background(), "Binance client configured for Production", map[string]interface{}{"baseURL": client.BaseURL})
	}

	reconnectDelay := cfg.ReconnectDelay
	if reconnectDelay <= 0 {
		reconnectDelay = 1 * time.Second
	}
	maxDelay := cfg.MaxReconnectDelay
	if maxDelay <= 0 {
		maxDelay = 60 * time.Second
	}
	maxAttempts := cfg.MaxReconnectAttempts
	if maxAttempts <= 0 {
		maxAttempts = 10
	}

	return &Client{
		futuresClient:        client,
		logger:               cfg.Logger,
		reconnectDelay:       reconnectDelay,
		maxReconnectDelay:    maxDelay,
		maxReconnectAttempts: maxAttempts,
	}, nil
}

// classifyAPIError maps a Binance error code onto a ports sentinel.
func classifyAPIError(code int64) error {
	switch code {
	case -1001, -1008: // Disconnected / server overloaded
		return ports.ErrExchangeUnavailable
	case -1003: // Too many requests
		return ports.ErrRateLimited
	case -1007, -1021: // Backend timeout / timestamp outside recvWindow
		return ports.ErrTimeout
	case -1022: // Signature for this request is not valid
		return ports.ErrAuthenticationFailed
	case -1101, -1102, -1103, -1104, -1105, -1106, -1111, -1115, -1116, -1117, -1120, -1121, -1125, -1127, -1128, -1130:
		return ports.ErrInvalidRequest
	case -2010, -2022: // New order rejected / ReduceOnly order rejected
		return ports.ErrOrderPlacementFailed
	case -2011: // Cancel order rejected
		return ports.ErrOrderCancelFailed
	case -2013: // Order does not exist
		return ports.ErrOrderNotFound
	case -2014, -2015: // API-key format invalid / permissions
		return ports.ErrInvalidAPIKeys
	case -2019, -3005, -3041, -4047: // Margin, balance or position limits
		return ports.ErrInsufficientFunds
	case -4003, -4014, -4015: // Quantity, price or leverage out of range
		return ports.ErrInvalidRequest
	case -4044:
		return ports.ErrNotFound
	}
	return ports.ErrUnknown
}

// classifyTransportError maps a non-API error onto a ports sentinel.
func classifyTransportError(err error) error {
	var netErr net.Error
	switch {
	case errors.Is(err, context.DeadlineExceeded):
		return ports.ErrTimeout
	case errors.Is(err, context.Canceled):
		return ports.ErrContextCanceled
	case errors.As(err, &netErr):
		if netErr.Timeout() {
			return ports.ErrTimeout
		}
		return ports.ErrNetwork
	case strings.Contains(err.Error(), "use of closed network connection"),
		strings.Contains(err.Error(), "connection refused"),
		strings.Contains(err.Error(), "connection reset by peer"),
		strings.Contains(err.Error(), "EOF"):
		return ports.ErrConnectionFailed
	}
	return ports.ErrUnknown
}

// handleError translates common Binance API errors into standardized ports errors.
func (c *Client) handleError(ctx context.Context, err error, operation string) error {
	if err == nil {
		return nil
	}

	fields := map[string]interface{}{"operation": operation, "originalError": err.Error()}

	var apiErr *common.APIError
	if errors.As(err, &apiErr) {
		fields["apiErrorCode"] = apiErr.Code
		fields["apiErrorMessage"] = apiErr.Message
		mappedErr := classifyAPIError(apiErr.Code)
		if mappedErr == ports.ErrOrderNotFound {
			// Expected during reconciliation and cancel races.
			c.logger.Debug(ctx, fmt.Sprintf("%s: order not found", operation), fields)
		} else {
			c.logger.Error(ctx, err, fmt.Sprintf("%s failed with API error", operation), fields)
		}
		return fmt.Errorf("%s failed: %w: %w", operation, mappedErr, err)
	}

	mappedErr := classifyTransportError(err)
	c.logger.Error(ctx, err, fmt.Sprintf("%s failed", operation), fields)
	if mappedErr == ports.ErrContextCanceled {
		return fmt.Errorf("%s operation canceled: %w: %w", operation, mappedErr, err)
	}
	return fmt.Errorf("%s failed: %w: %w", operation, mappedErr, err)
}

// SetServerTime synchronizes the client's time with the server's time.
func (c *Client) SetServerTime(ctx context.Context) error {
	op := "SetServerTime"
	_, err := c.futuresClient.NewSetServerTimeService().Do(ctx)
	if err != nil {
		return c.handleError(ctx, err, op)
	}
	c.logger.Debug(ctx, op+" successful")
	return nil
}

// Ping checks the connectivity to the exchange API.
func (c *Client) Ping(ctx context.Context) error {
	op := "Ping"
	err := c.futuresClient.NewPingService().Do(ctx)
	if err != nil {
		return c.handleError(ctx, fmt.Errorf("ping failed: %w", err), op)
	}
	c.logger.Debug(ctx, op+" successful")
	return nil
}

// GetServerTime retrieves the current server time from the exchange.
func (c *Client) GetServerTime(ctx context.Context) (time.Time, error) {
	op := "GetServerTime"
	serverTimeMs, err := c.futuresClient.NewServerTimeService().Do(ctx)
	if err != nil {
		return time.Time{}, c.handleError(ctx, err, op)
	}
	return time.UnixMilli(serverTimeMs), nil
}

// GetMarkPrice retrieves the current mark price for a given symbol.
func (c *Client) GetMarkPrice(ctx context.Context, symbol string) (float64, error) {
	op := "GetMarkPrice"
	tickers, err := c.futuresClient.NewPremiumIndexService().Symbol(symbol).Do(ctx)
	if err != nil {
		return 0, c.handleError(ctx, err, op)
	}
	if len(tickers) == 0 {
		err := fmt.Errorf("no price data returned for symbol %s", symbol)
		return 0, c.handleError(ctx, err, op)
	}

	price, err := strconv.ParseFloat(tickers[0].MarkPrice, 64)
	if err != nil {
		parseErr := fmt.Errorf("could not parse price '%s': %w", tickers[0].MarkPrice, err)
		return 0, c.handleError(ctx, parseErr, op)
	}
	return price, nil
}

// GetAvailableBalance retrieves the balance of asset that is free for new margin.
func (c *Client) GetAvailableBalance(ctx context.Context, asset string) (float64, error) {
	op := "GetAvailableBalance"
	account, err := c.futuresClient.NewGetAccountService().Do(ctx)
	if err != nil {
		return 0, c.handleError(ctx, err, op)
	}

	for _, bal := range account.Assets {
		if bal.Asset == asset {
			balance, err := strconv.ParseFloat(bal.AvailableBalance, 64)
			if err != nil {
				parseErr := fmt.Errorf("could not parse balance '%s' for asset %s: %w", bal.AvailableBalance, asset, err)
				return 0, c.handleError(ctx, parseErr, op)
			}
			return balance, nil
		}
	}

	err = fmt.Errorf("asset %s not found in account balance: %w", asset, ports.ErrNotFound)
	return 0, c.handleError(ctx, err, op)
}

// SetLeverage sets the leverage for a specific symbol.
func (c *Client) SetLeverage(ctx context.Context, symbol string, leverage int) error {
	op := "SetLeverage"
	_, err := c.futuresClient.NewChangeLeverageService().
		Symbol(symbol).
		Leverage(leverage).
		Do(ctx)
	if err != nil {
		return c.handleError(ctx, err, op)
	}
	c.logger.Info(ctx, op+" successful", map[string]interface{}{"symbol": symbol, "leverage": leverage})
	return nil
}

// GetSymbolFilters reads the LOT_SIZE and PRICE_FILTER rules of symbol.
func (c *Client) GetSymbolFilters(ctx context.Context, symbol string) (*domain.SymbolFilters, error) {
	op := "GetSymbolFilters"
	info, err := c.futuresClient.NewExchangeInfoService().Do(ctx)
	if err != nil {
		return nil, c.handleError(ctx, err, op)
	}
	for _, s := range info.Symbols {
		if s.Symbol != symbol {
			continue
		}
		filters, err := translateFilters(symbol, s.Filters)
		if err != nil {
			return nil, c.handleError(ctx, err, op)
		}
		return filters, nil
	}
	err = fmt.Errorf("symbol %s not listed: %w", symbol, ports.ErrNotFound)
	return nil, c.handleError(ctx, err, op)
}

// GetDepthNotional sums the bid and ask notional resting within band of the mid price.
func (c *Client) GetDepthNotional(ctx context.Context, symbol string, band float64) (float64, float64, error) {
	op := "GetDepthNotional"
	depth, err := c.futuresClient.NewDepthService().Symbol(symbol).Limit(100).Do(ctx)
	if err != nil {
		return 0, 0, c.handleError(ctx, err, op)
	}
	bids := make([][2]string, 0, len(depth.Bids))
	for _, b := range depth.Bids {
		bids = append(bids, [2]string{b.Price, b.Quantity})
	}
	asks := make([][2]string, 0, len(depth.Asks))
	for _, a := range depth.Asks {
		asks = append(asks, [2]string{a.Price, a.Quantity})
	}
	bidNotional, askNotional, err := depthNotional(bids, asks, band)
	if err != nil {
		return 0, 0, c.handleError(ctx, err, op)
	}
	return bidNotional, askNotional, nil
}

// GetKlines retrieves historical klines/candlestick data for the given symbol.
func (c *Client) GetKlines(ctx context.Context, symbol string, interval string, limit int) ([]*domain.Kline, error) {
	op := "GetKlines"
	binanceKlines, err := c.futuresClient.NewKlinesService().Symbol(symbol).Interval(interval).Limit(limit).Do(ctx)
	if err != nil {
		return nil, c.handleError(ctx, err, op)
	}

	domainKlines := make([]*domain.Kline, 0, len(binanceKlines))
	for _, bk := range binanceKlines {
		dk, err := translateBinanceKline(bk, symbol, interval)
		if err != nil {
			return nil, c.handleError(ctx, fmt.Errorf("failed to translate historical kline: %w", err), op)
		}
		domainKlines = append(domainKlines, dk)
	}
	return domainKlines, nil
}

// GetKlinesRange pages through all klines for a symbol/interval between start and end.
// A candle that is still open at end is dropped.
func (c *Client) GetKlinesRange(ctx context.Context, symbol, interval string, start, end time.Time) ([]*domain.Kline, error) {
	op := "GetKlinesRange"
	const maxLimit = 1500
	var all []*domain.Kline
	from := start

	for {
		batch, err := c.futuresClient.NewKlinesService().
			Symbol(symbol).
			Interval(interval).
			StartTime(from.UnixMilli()).
			EndTime(end.UnixMilli()).
			Limit(maxLimit).
			Do(ctx)
		if err != nil {
			return nil, c.handleError(ctx, err, op)
		}
		if len(batch) == 0 {
			break
		}
		for _, bk := range batch {
			dk, err := translateBinanceKline(bk, symbol, interval)
			if err != nil {
				return nil, c.handleError(ctx, fmt.Errorf("failed to translate historical kline range: %w", err), op)
			}
			if dk.CloseTime.After(end) {
				continue
			}
			all = append(all, dk)
		}
		from = time.UnixMilli(batch[len(batch)-1].CloseTime + 1)
		if from.After(end) || len(batch) < maxLimit {
			break
		}
	}
	return all, nil
}

// PlaceLimitOrder submits a GTC limit order carrying the engine's client order id.
func (c *Client) PlaceLimitOrder(ctx context.Context, req ports.OrderRequest) (*domain.ExchangeOrder, error) {
	op := "PlaceLimitOrder"
	svc := c.futuresClient.NewCreateOrderService().
		Symbol(req.Symbol).
		Side(futures.SideType(req.Side)).
		Type(futures.OrderTypeLimit).
		TimeInForce(futures.TimeInForceTypeGTC).
		Quantity(formatDecimal(req.Quantity)).
		Price(formatDecimal(req.Price))
	if req.ClientOrderID != "" {
		svc = svc.NewClientOrderID(req.ClientOrderID)
	}
	if req.ReduceOnly {
		svc = svc.ReduceOnly(true)
	}
	order, err := svc.Do(ctx)
	if err != nil {
		return nil, c.handleError(ctx, err, op)
	}

	resp := translateOrderResponse(order)
	c.logger.Info(ctx, op+" successful", map[string]interface{}{
		"symbol": req.Symbol, "side": req.Side, "quantity": req.Quantity, "price": req.Price,
		"clientOrderID": req.ClientOrderID, "orderID": resp.ExchangeID, "status": resp.Status,
	})
	return resp, nil
}

// PlaceMarketOrder places a market order.
func (c *Client) PlaceMarketOrder(ctx context.Context, req ports.OrderRequest) (*domain.ExchangeOrder, error) {
	op := "PlaceMarketOrder"
	svc := c.futuresClient.NewCreateOrderService().
		Symbol(req.Symbol).
		Side(futures.SideType(req.Side)).
		Type(futures.OrderTypeMarket).
		Quantity(formatDecimal(req.Quantity))
	if req.ClientOrderID != "" {
		svc = svc.NewClientOrderID(req.ClientOrderID)
	}
	if req.ReduceOnly {
		svc = svc.ReduceOnly(true)
	}
	order, err := svc.Do(ctx)
	if err != nil {
		return nil, c.handleError(ctx, err, op)
	}

	resp := translateOrderResponse(order)
	c.logger.Info(ctx, op+" successful", map[string]interface{}{
		"symbol": req.Symbol, "side": req.Side, "quantity": req.Quantity, "clientOrderID": req.ClientOrderID,
		"orderID": resp.ExchangeID, "avgPrice": resp.AvgPrice,
	})
	return resp, nil
}

// CancelOrder cancels an open order on Binance.
func (c *Client) CancelOrder(ctx context.Context, symbol string, exchangeID int64) (*domain.ExchangeOrder, error) {
	op := "CancelOrder"
	c.logger.Debug(ctx, "Attempting to cancel order", map[string]interface{}{"symbol": symbol, "orderID": exchangeID})

	res, err := c.futuresClient.NewCancelOrderService().
		Symbol(symbol).
		OrderID(exchangeID).
		Do(ctx)
	if err != nil {
		return nil, c.handleError(ctx, err, op)
	}

	// The cancel response carries no execution figures; callers re-read the order.
	createOrderResp := &futures.CreateOrderResponse{
		OrderID:       res.OrderID,
		Symbol:        res.Symbol,
		ClientOrderID: res.ClientOrderID,
		Price:         res.Price,
		OrigQuantity:  res.OrigQuantity,
		Status:        res.Status,
		TimeInForce:   res.TimeInForce,
		Type:          res.Type,
		Side:          res.Side,
	}

	resp := translateOrderResponse(createOrderResp)
	c.logger.Info(ctx, op+" successful", map[string]interface{}{"symbol": symbol, "orderID": exchangeID, "status": resp.Status})
	return resp, nil
}

// GetOrder queries an order by exchange id, falling back to the client id.
func (c *Client) GetOrder(ctx context.Context, symbol string, exchangeID int64, clientOrderID string) (*domain.ExchangeOrder, error) {
	op := "GetOrder"
	svc := c.futuresClient.NewGetOrderService().Symbol(symbol)
	if exchangeID > 0 {
		svc = svc.OrderID(exchangeID)
	} else if clientOrderID != "" {
		svc = svc.OrigClientOrderID(clientOrderID)
	} else {
		err := fmt.Errorf("order lookup needs an exchange or client id: %w", ports.ErrInvalidRequest)
		return nil, c.handleError(ctx, err, op)
	}
	order, err := svc.Do(ctx)
	if err != nil {
		return nil, c.handleError(ctx, err, op)
	}
	return translateOrder(order), nil
}

// ListOpenOrders returns the working orders of symbol.
func (c *Client) ListOpenOrders(ctx context.Context, symbol string) ([]*domain.ExchangeOrder, error) {
	op := "ListOpenOrders"
	orders, err := c.futuresClient.NewListOpenOrdersService().Symbol(symbol).Do(ctx)
	if err != nil {
		return nil, c.handleError(ctx, err, op)
	}
	out := make([]*domain.ExchangeOrder, 0, len(orders))
	for _, o := range orders {
		out = append(out, translateOrder(o))
	}
	return out, nil
}

// GetPosition retrieves the position of symbol, or nil when flat.
func (c *Client) GetPosition(ctx context.Context, symbol string) (*domain.ExchangePosition, error) {
	op := "GetPosition"
	positions, err := c.futuresClient.NewGetPositionRiskService().Symbol(symbol).Do(ctx)
	if err != nil {
		return nil, c.handleError(ctx, err, op)
	}
	for _, p := range positions {
		pos := translatePositionRisk(p)
		if pos != nil && pos.PositionAmt != 0 {
			return pos, nil
		}
	}
	c.logger.Debug(ctx, op+": No position found for symbol", map[string]interface{}{"symbol": symbol})
	return nil, nil
}

func formatDecimal(v float64) string {
	return decimal.NewFromFloat(v).String()
}
