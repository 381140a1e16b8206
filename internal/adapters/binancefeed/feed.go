// Package binancefeed implements ports.MarketFeed on the Binance futures
// API. Binance reports open-anchored klines with an explicit final flag, so
// bars map directly without the close-to-open conversion the bridge feed
// needs. Order endpoints are deliberately absent: execution is outside this
// engine's boundary.
package binancefeed

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"time"

	"openrange/internal/domain"
	"openrange/internal/ports"

	"github.com/adshao/go-binance/v2/common"
	"github.com/adshao/go-binance/v2/futures"
)

const (
	baseURLProduction = "https://fapi.binance.com"
	baseURLTestnet    = "https://testnet.binancefuture.com"

	// Binance caps klines per request.
	maxKlinesPerRequest = 1500
)

// Feed implements the ports.MarketFeed interface using the go-binance library.
type Feed struct {
	client               *futures.Client
	logger               ports.Logger
	reconnectDelay       time.Duration
	maxReconnectAttempts int
}

// Config holds configuration specific to the Binance feed adapter.
type Config struct {
	APIKey               string
	SecretKey            string
	UseTestnet           bool
	Logger               ports.Logger
	ReconnectDelay       time.Duration
	MaxReconnectAttempts int
}

// New creates a new Binance feed adapter. Keys may be empty: kline
// endpoints are public.
func New(cfg Config) (*Feed, error) {
	if cfg.Logger == nil {
		return nil, fmt.Errorf("logger is required for Binance feed")
	}
	client := futures.NewClient(cfg.APIKey, cfg.SecretKey)
	if cfg.UseTestnet {
		client.BaseURL = baseURLTestnet
	} else {
		client.BaseURL = baseURLProduction
	}
	cfg.Logger.Info(context.Background(), "Binance feed configured", map[string]interface{}{
		"baseURL": client.BaseURL,
	})

	reconnectDelay := cfg.ReconnectDelay
	if reconnectDelay <= 0 {
		reconnectDelay = time.Second
	}
	maxAttempts := cfg.MaxReconnectAttempts
	if maxAttempts <= 0 {
		maxAttempts = 10
	}
	return &Feed{
		client:               client,
		logger:               cfg.Logger,
		reconnectDelay:       reconnectDelay,
		maxReconnectAttempts: maxAttempts,
	}, nil
}

// intervalString converts a bar interval to Binance's interval notation.
func intervalString(interval time.Duration) (string, error) {
	switch interval {
	case time.Minute:
		return "1m", nil
	case 5 * time.Minute:
		return "5m", nil
	case 15 * time.Minute:
		return "15m", nil
	case 30 * time.Minute:
		return "30m", nil
	case time.Hour:
		return "1h", nil
	default:
		return "", fmt.Errorf("unsupported bar interval %s: %w", interval, ports.ErrInvalidRequest)
	}
}

// handleError translates Binance API errors into standardized ports errors.
func (f *Feed) handleError(ctx context.Context, err error, operation string) error {
	if err == nil {
		return nil
	}
	var apiErr *common.APIError
	if errors.As(err, &apiErr) {
		var mapped error
		switch apiErr.Code {
		case -1003:
			mapped = ports.ErrRateLimited
		case -1121:
			mapped = ports.ErrInvalidRequest
		default:
			mapped = ports.ErrFeedUnavailable
		}
		f.logger.Error(ctx, err, operation+" failed with API error", map[string]interface{}{
			"apiErrorCode": apiErr.Code,
		})
		return fmt.Errorf("%s failed: %w: %w", operation, mapped, err)
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return fmt.Errorf("%s failed: %w: %w", operation, ports.ErrTimeout, err)
	}
	if errors.Is(err, context.Canceled) {
		return fmt.Errorf("%s canceled: %w: %w", operation, ports.ErrContextCanceled, err)
	}
	return fmt.Errorf("%s failed: %w: %w", operation, ports.ErrConnectionFailed, err)
}

// GetHistoricalBars retrieves closed klines for [start, end), paging through
// Binance's per-request cap, ordered by open time ascending.
func (f *Feed) GetHistoricalBars(ctx context.Context, instrument string, interval time.Duration, start, end time.Time) ([]*domain.Bar, error) {
	op := "GetHistoricalBars"
	intervalStr, err := intervalString(interval)
	if err != nil {
		return nil, err
	}

	var bars []*domain.Bar
	from := start
	for from.Before(end) {
		klines, err := f.client.NewKlinesService().
			Symbol(instrument).
			Interval(intervalStr).
			StartTime(from.UnixMilli()).
			EndTime(end.UnixMilli() - 1).
			Limit(maxKlinesPerRequest).
			Do(ctx)
		if err != nil {
			return nil, f.handleError(ctx, err, op)
		}
		if len(klines) == 0 {
			break
		}
		for _, k := range klines {
			bar, err := translateKline(k, instrument, interval)
			if err != nil {
				return nil, fmt.Errorf("%s: failed to translate kline: %w", op, err)
			}
			if bar.OpenTime.Before(end) {
				bars = append(bars, bar)
			}
		}
		last := klines[len(klines)-1]
		from = time.UnixMilli(last.CloseTime).Add(time.Millisecond)
		if len(klines) < maxKlinesPerRequest {
			break
		}
	}
	f.logger.Debug(ctx, op+": historical bars fetched", map[string]interface{}{
		"instrument": instrument,
		"start":      start,
		"end":        end,
		"count":      len(bars),
	})
	return bars, nil
}

// StreamBars starts a websocket kline stream with reconnection.
func (f *Feed) StreamBars(ctx context.Context, instrument string, interval time.Duration, handler func(bar *domain.Bar), errHandler func(err error)) (doneCh chan struct{}, stopCh chan struct{}, err error) {
	op := "StreamBars"
	intervalStr, err := intervalString(interval)
	if err != nil {
		return nil, nil, err
	}

	wsCtx, cancelWs := context.WithCancel(ctx)

	wsHandler := func(event *futures.WsKlineEvent) {
		bar, err := translateWsKline(event, interval)
		if err != nil {
			f.logger.Error(wsCtx, err, op+": failed to translate kline event")
			return
		}
		handler(bar)
	}
	wsErrHandler := func(err error) {
		errHandler(f.handleError(wsCtx, err, op+" websocket"))
	}

	go func() {
		defer cancelWs()
		attempt := 0
		for {
			select {
			case <-wsCtx.Done():
				return
			default:
			}

			innerDoneCh, innerStopCh, connectErr := futures.WsKlineServe(instrument, intervalStr, wsHandler, wsErrHandler)
			if connectErr != nil {
				attempt++
				if attempt >= f.maxReconnectAttempts {
					f.logger.Error(wsCtx, connectErr, op+": max reconnection attempts exceeded, giving up", map[string]interface{}{
						"instrument":  instrument,
						"maxAttempts": f.maxReconnectAttempts,
					})
					return
				}
				delay := f.reconnectDelay * time.Duration(1<<uint(attempt-1))
				f.logger.Warn(wsCtx, op+": connection failed, retrying", map[string]interface{}{
					"instrument": instrument,
					"attempt":    attempt,
					"delay":      delay.String(),
				})
				select {
				case <-time.After(delay):
					continue
				case <-wsCtx.Done():
					return
				}
			}

			f.logger.Info(wsCtx, op+": websocket connected", map[string]interface{}{
				"instrument": instrument,
				"interval":   intervalStr,
			})
			attempt = 0

			select {
			case <-innerDoneCh:
				f.logger.Warn(wsCtx, op+": websocket closed unexpectedly, reconnecting", map[string]interface{}{
					"instrument": instrument,
				})
			case <-wsCtx.Done():
				select {
				case innerStopCh <- struct{}{}:
				default:
				}
				return
			}
		}
	}()

	doneCh = make(chan struct{})
	stopCh = make(chan struct{})
	go func() {
		select {
		case <-stopCh:
			cancelWs()
		case <-wsCtx.Done():
		}
	}()
	go func() {
		<-wsCtx.Done()
		close(doneCh)
	}()
	return doneCh, stopCh, nil
}

func translateKline(k *futures.Kline, instrument string, interval time.Duration) (*domain.Bar, error) {
	open, err := strconv.ParseFloat(k.Open, 64)
	if err != nil {
		return nil, fmt.Errorf("invalid open price %q: %w", k.Open, err)
	}
	high, err := strconv.ParseFloat(k.High, 64)
	if err != nil {
		return nil, fmt.Errorf("invalid high price %q: %w", k.High, err)
	}
	low, err := strconv.ParseFloat(k.Low, 64)
	if err != nil {
		return nil, fmt.Errorf("invalid low price %q: %w", k.Low, err)
	}
	closePx, err := strconv.ParseFloat(k.Close, 64)
	if err != nil {
		return nil, fmt.Errorf("invalid close price %q: %w", k.Close, err)
	}
	return &domain.Bar{
		Instrument: instrument,
		OpenTime:   time.UnixMilli(k.OpenTime).UTC(),
		CloseTime:  time.UnixMilli(k.CloseTime).UTC(),
		Interval:   interval,
		Open:       open,
		High:       high,
		Low:        low,
		Close:      closePx,
		Source:     domain.SourceHistorical,
		IsFinal:    true,
	}, nil
}

func translateWsKline(event *futures.WsKlineEvent, interval time.Duration) (*domain.Bar, error) {
	k := event.Kline
	open, err := strconv.ParseFloat(k.Open, 64)
	if err != nil {
		return nil, fmt.Errorf("invalid open price %q: %w", k.Open, err)
	}
	high, err := strconv.ParseFloat(k.High, 64)
	if err != nil {
		return nil, fmt.Errorf("invalid high price %q: %w", k.High, err)
	}
	low, err := strconv.ParseFloat(k.Low, 64)
	if err != nil {
		return nil, fmt.Errorf("invalid low price %q: %w", k.Low, err)
	}
	closePx, err := strconv.ParseFloat(k.Close, 64)
	if err != nil {
		return nil, fmt.Errorf("invalid close price %q: %w", k.Close, err)
	}
	return &domain.Bar{
		Instrument: event.Symbol,
		OpenTime:   time.UnixMilli(k.StartTime).UTC(),
		CloseTime:  time.UnixMilli(k.EndTime).UTC(),
		Interval:   interval,
		Open:       open,
		High:       high,
		Low:        low,
		Close:      closePx,
		Source:     domain.SourceLive,
		IsFinal:    k.IsFinal,
	}, nil
}
