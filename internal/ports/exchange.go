package ports

import (
	"context"
	"time"

	"futuresExecBot/internal/domain"
)

// OrderRequest describes an order to submit.
type OrderRequest struct {
	Symbol        string
	Side          domain.OrderSide
	Quantity      float64
	Price         float64 // limit orders only
	ClientOrderID string
	ReduceOnly    bool
}

// ExchangeClient is the thin transport to the futures exchange. Errors are
// wrapped with the sentinels in errors.go so callers can classify them.
type ExchangeClient interface {
	// SetServerTime synchronizes the client's time with the server's time.
	SetServerTime(ctx context.Context) error
	// Ping checks the connectivity to the exchange API.
	Ping(ctx context.Context) error

	GetMarkPrice(ctx context.Context, symbol string) (float64, error)
	// GetAvailableBalance returns the balance of asset usable as new margin.
	GetAvailableBalance(ctx context.Context, asset string) (float64, error)
	SetLeverage(ctx context.Context, symbol string, leverage int) error
	GetSymbolFilters(ctx context.Context, symbol string) (*domain.SymbolFilters, error)
	// GetDepthNotional sums bid and ask notional within band (fraction of mid) of the mid price.
	GetDepthNotional(ctx context.Context, symbol string, band float64) (bids, asks float64, err error)
	GetKlines(ctx context.Context, symbol, interval string, limit int) ([]*domain.Kline, error)

	// PlaceLimitOrder submits a GTC limit order.
	PlaceLimitOrder(ctx context.Context, req OrderRequest) (*domain.ExchangeOrder, error)
	// PlaceMarketOrder submits an immediate-execution order.
	PlaceMarketOrder(ctx context.Context, req OrderRequest) (*domain.ExchangeOrder, error)
	// CancelOrder cancels an open order by exchange id.
	CancelOrder(ctx context.Context, symbol string, exchangeID int64) (*domain.ExchangeOrder, error)
	// GetOrder queries an order by exchange id, or by client id when exchangeID is 0.
	// Returns an error wrapping ErrOrderNotFound if the exchange has no such order.
	GetOrder(ctx context.Context, symbol string, exchangeID int64, clientOrderID string) (*domain.ExchangeOrder, error)
	ListOpenOrders(ctx context.Context, symbol string) ([]*domain.ExchangeOrder, error)
	// GetPosition returns nil, nil when the account is flat in symbol.
	GetPosition(ctx context.Context, symbol string) (*domain.ExchangePosition, error)

	// StreamKlines starts a reconnecting kline stream. Closing stopCh stops it;
	// doneCh closes when the stream has given up or was stopped.
	StreamKlines(ctx context.Context, symbol, interval string, handler func(*domain.Kline), errHandler func(error)) (doneCh, stopCh chan struct{}, err error)
	// StreamMarkPrice starts a reconnecting mark price stream with the same contract.
	StreamMarkPrice(ctx context.Context, symbol string, handler func(domain.PriceTick), errHandler func(error)) (doneCh, stopCh chan struct{}, err error)
	// StreamUserData starts a reconnecting stream of the account's order and
	// balance pushes. errHandler is also called after every reconnect, since
	// pushes sent while disconnected are lost.
	StreamUserData(ctx context.Context, handler func(domain.UserDataEvent), errHandler func(error)) (doneCh, stopCh chan struct{}, err error)

	GetServerTime(ctx context.Context) (time.Time, error)
}
