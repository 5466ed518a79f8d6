package binanceclient

import (
	"context"
	"fmt"
	"sync"
	"time"

	"futuresExecBot/internal/domain"
	"futuresExecBot/internal/ports"

	"github.com/adshao/go-binance/v2/futures"
	"github.com/jpillora/backoff"
)

type serveFunc func() (doneC, stopC chan struct{}, err error)

// StreamKlines starts a WebSocket stream for K-line/candlestick data.
func (c *Client) StreamKlines(ctx context.Context, symbol, interval string, handler func(kline *domain.Kline), errHandler func(err error)) (doneCh chan struct{}, stopCh chan struct{}, err error) {
	op := "StreamKlines"
	fields := map[string]interface{}{"symbol": symbol, "interval": interval}

	serve := func(wsCtx context.Context) serveFunc {
		binanceHandler := func(event *futures.WsKlineEvent) {
			domainKline, err := translateWsKline(event)
			if err != nil {
				c.logger.Error(wsCtx, err, op+": Failed to translate WebSocket kline event")
				return
			}
			handler(domainKline)
		}
		return func() (chan struct{}, chan struct{}, error) {
			return futures.WsKlineServe(symbol, interval, binanceHandler, c.wsErrHandler(wsCtx, op, errHandler))
		}
	}
	doneCh, stopCh = c.superviseStream(ctx, op, fields, serve)
	return doneCh, stopCh, nil
}

// StreamMarkPrice starts a WebSocket stream of mark price updates.
func (c *Client) StreamMarkPrice(ctx context.Context, symbol string, handler func(tick domain.PriceTick), errHandler func(err error)) (doneCh chan struct{}, stopCh chan struct{}, err error) {
	op := "StreamMarkPrice"
	fields := map[string]interface{}{"symbol": symbol}

	serve := func(wsCtx context.Context) serveFunc {
		binanceHandler := func(event *futures.WsMarkPriceEvent) {
			tick, err := translateWsMarkPrice(event)
			if err != nil {
				c.logger.Error(wsCtx, err, op+": Failed to translate WebSocket mark price event")
				return
			}
			handler(tick)
		}
		return func() (chan struct{}, chan struct{}, error) {
			return futures.WsMarkPriceServe(symbol, binanceHandler, c.wsErrHandler(wsCtx, op, errHandler))
		}
	}
	doneCh, stopCh = c.superviseStream(ctx, op, fields, serve)
	return doneCh, stopCh, nil
}

// listenKeyKeepalive is well inside the exchange's 60 minute listen key expiry.
const listenKeyKeepalive = 30 * time.Minute

// StreamUserData starts the account's user data stream. Every connection
// opens a fresh listen key and keeps it alive until the connection ends; an
// expired key forces a reconnect.
func (c *Client) StreamUserData(ctx context.Context, handler func(event domain.UserDataEvent), errHandler func(err error)) (doneCh chan struct{}, stopCh chan struct{}, err error) {
	op := "StreamUserData"
	fields := map[string]interface{}{}

	serve := func(wsCtx context.Context) serveFunc {
		var connects int
		return func() (chan struct{}, chan struct{}, error) {
			listenKey, err := c.futuresClient.NewStartUserStreamService().Do(wsCtx)
			if err != nil {
				return nil, nil, c.handleError(wsCtx, err, op+" listen key")
			}
			expired := make(chan struct{})
			var expireOnce sync.Once
			binanceHandler := func(event *futures.WsUserDataEvent) {
				if event == nil {
					return
				}
				if event.Event == futures.UserDataEventTypeListenKeyExpired {
					c.logger.Warn(wsCtx, op+": Listen key expired, reconnecting", fields)
					expireOnce.Do(func() { close(expired) })
					return
				}
				ev, ok, err := translateWsUserData(event)
				if err != nil {
					c.logger.Error(wsCtx, err, op+": Failed to translate user data event")
					return
				}
				if ok {
					handler(ev)
				}
			}
			innerDone, innerStop, err := futures.WsUserDataServe(listenKey, binanceHandler, c.wsErrHandler(wsCtx, op, errHandler))
			if err != nil {
				c.closeListenKey(listenKey)
				return nil, nil, err
			}

			connects++
			if connects > 1 && errHandler != nil {
				// Pushes sent while disconnected are gone.
				errHandler(fmt.Errorf("%s reconnected: %w", op, ports.ErrConnectionFailed))
			}

			stop := make(chan struct{})
			go c.keepListenKey(wsCtx, listenKey, innerDone)
			go func() {
				select {
				case <-stop:
				case <-expired:
				case <-innerDone:
					return
				}
				close(innerStop)
			}()
			return innerDone, stop, nil
		}
	}
	doneCh, stopCh = c.superviseStream(ctx, op, fields, serve)
	return doneCh, stopCh, nil
}

// keepListenKey pings the listen key until the connection using it ends,
// then closes the key.
func (c *Client) keepListenKey(ctx context.Context, listenKey string, done <-chan struct{}) {
	ticker := time.NewTicker(listenKeyKeepalive)
	defer ticker.Stop()
	defer c.closeListenKey(listenKey)
	for {
		select {
		case <-done:
			return
		case <-ticker.C:
			if err := c.futuresClient.NewKeepaliveUserStreamService().ListenKey(listenKey).Do(ctx); err != nil {
				c.handleError(ctx, err, "StreamUserData keepalive")
			}
		}
	}
}

func (c *Client) closeListenKey(listenKey string) {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := c.futuresClient.NewCloseUserStreamService().ListenKey(listenKey).Do(ctx); err != nil {
		c.logger.Debug(ctx, "StreamUserData: failed to close listen key", map[string]interface{}{"error": err.Error()})
	}
}

func (c *Client) wsErrHandler(ctx context.Context, op string, errHandler func(error)) func(error) {
	return func(err error) {
		translatedErr := c.handleError(ctx, err, op+" WebSocket")
		c.logger.Warn(ctx, op+": WebSocket error reported", map[string]interface{}{"error": translatedErr})
		if errHandler != nil {
			errHandler(translatedErr)
		}
	}
}

// superviseStream keeps a WebSocket connected, reconnecting with exponential
// backoff until ctx ends, stopCh is closed, or maxReconnectAttempts
// consecutive connects fail. doneCh closes when it gives up or is stopped.
func (c *Client) superviseStream(ctx context.Context, op string, fields map[string]interface{}, serve func(context.Context) serveFunc) (doneCh, stopCh chan struct{}) {
	wsCtx, cancelWs := context.WithCancel(ctx)
	connect := serve(wsCtx)
	doneCh = make(chan struct{})
	stopCh = make(chan struct{})

	b := &backoff.Backoff{Min: c.reconnectDelay, Max: c.maxReconnectDelay, Factor: 2, Jitter: true}

	go func() {
		defer close(doneCh)
		defer cancelWs()

		for {
			if wsCtx.Err() != nil {
				c.logger.Info(wsCtx, op+": Context cancelled, stopping connection attempts.", fields)
				return
			}
			c.logger.Info(wsCtx, op+": Attempting WebSocket connection...", withField(fields, "attempt", int(b.Attempt())+1))
			innerDoneCh, innerStopCh, connectErr := connect()
			if connectErr != nil {
				c.handleError(wsCtx, connectErr, op+" connection attempt")
				if int(b.Attempt())+1 >= c.maxReconnectAttempts {
					c.logger.Error(wsCtx, connectErr, op+": Max reconnection attempts exceeded, giving up.", withField(fields, "maxAttempts", c.maxReconnectAttempts))
					return
				}
				delay := b.Duration()
				c.logger.Info(wsCtx, op+": Connection failed, retrying...", withField(fields, "delay", delay.String()))
				select {
				case <-time.After(delay):
					continue
				case <-wsCtx.Done():
					c.logger.Info(wsCtx, op+": Context cancelled during backoff.", fields)
					return
				}
			}

			c.logger.Info(wsCtx, op+": WebSocket connection established.", fields)
			b.Reset()

			select {
			case <-innerDoneCh:
				c.logger.Warn(wsCtx, op+": WebSocket connection closed unexpectedly. Reconnecting...", fields)
			case <-wsCtx.Done():
				c.logger.Info(wsCtx, op+": Context cancelled, stopping WebSocket.", fields)
				close(innerStopCh)
				return
			}
		}
	}()

	go func() {
		select {
		case <-stopCh:
			c.logger.Info(ctx, op+": Received external stop signal, cancelling WebSocket context.", fields)
			cancelWs()
		case <-wsCtx.Done():
		}
	}()

	return doneCh, stopCh
}

func withField(fields map[string]interface{}, k string, v interface{}) map[string]interface{} {
	out := make(map[string]interface{}, len(fields)+1)
	for fk, fv := range fields {
		out[fk] = fv
	}
	out[k] = v
	return out
}
