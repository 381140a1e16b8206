// Package ninjafeed implements ports.MarketFeed against a NinjaTrader-style
// bridge: live bars arrive as JSON over a websocket, historical bars via an
// HTTP endpoint on the same bridge. The bridge reports each bar's *close*
// instant as its timestamp; this adapter is the only place that conversion
// to open-anchored semantics happens, through domain.CloseTime.
package ninjafeed

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"time"

	"github.com/gorilla/websocket"
	"github.com/jpillora/backoff"

	"openrange/internal/domain"
	"openrange/internal/ports"
)

// barMessage is the bridge's wire format for one bar. Timestamp is the
// close-anchored instant.
type barMessage struct {
	Instrument string    `json:"instrument"`
	Timestamp  time.Time `json:"timestamp"`
	Open       float64   `json:"open"`
	High       float64   `json:"high"`
	Low        float64   `json:"low"`
	Close      float64   `json:"close"`
	Final      bool      `json:"final"`
}

// subscribeMessage is sent after connecting to select the instrument stream.
type subscribeMessage struct {
	Op              string `json:"op"`
	Instrument      string `json:"instrument"`
	IntervalSeconds int    `json:"intervalSeconds"`
}

// Feed implements the ports.MarketFeed interface against the bridge.
type Feed struct {
	wsURL      string
	httpURL    string
	logger     ports.Logger
	httpClient *http.Client

	reconnectMin time.Duration
	reconnectMax time.Duration
	maxAttempts  int
}

// Config holds configuration for the bridge feed adapter.
type Config struct {
	WebsocketURL         string // e.g. "ws://127.0.0.1:8077/stream"
	HTTPURL              string // e.g. "http://127.0.0.1:8077"
	Logger               ports.Logger
	ReconnectDelay       time.Duration
	MaxReconnectAttempts int
	RequestTimeout       time.Duration
}

// New creates a bridge feed adapter.
func New(cfg Config) (*Feed, error) {
	if cfg.Logger == nil {
		return nil, fmt.Errorf("logger is required for bridge feed")
	}
	if cfg.WebsocketURL == "" || cfg.HTTPURL == "" {
		return nil, fmt.Errorf("bridge websocket and http URLs are required: %w", ports.ErrConfigurationError)
	}
	reconnectMin := cfg.ReconnectDelay
	if reconnectMin <= 0 {
		reconnectMin = time.Second
	}
	maxAttempts := cfg.MaxReconnectAttempts
	if maxAttempts <= 0 {
		maxAttempts = 10
	}
	requestTimeout := cfg.RequestTimeout
	if requestTimeout <= 0 {
		requestTimeout = 30 * time.Second
	}
	return &Feed{
		wsURL:        cfg.WebsocketURL,
		httpURL:      cfg.HTTPURL,
		logger:       cfg.Logger,
		httpClient:   &http.Client{Timeout: requestTimeout},
		reconnectMin: reconnectMin,
		reconnectMax: 30 * time.Second,
		maxAttempts:  maxAttempts,
	}, nil
}

// toBar converts a wire message into an open-anchored domain bar.
func toBar(msg barMessage, interval time.Duration, source domain.BarSource) *domain.Bar {
	return domain.NewBarFromClose(msg.Instrument, domain.CloseTime(msg.Timestamp), interval,
		msg.Open, msg.High, msg.Low, msg.Close, source, msg.Final)
}

// GetHistoricalBars fetches closed bars for [start, end) from the bridge.
func (f *Feed) GetHistoricalBars(ctx context.Context, instrument string, interval time.Duration, start, end time.Time) ([]*domain.Bar, error) {
	op := "GetHistoricalBars"
	q := url.Values{}
	q.Set("instrument", instrument)
	q.Set("start", start.UTC().Format(time.RFC3339))
	q.Set("end", end.UTC().Format(time.RFC3339))
	q.Set("intervalSeconds", fmt.Sprintf("%d", int(interval.Seconds())))

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, f.httpURL+"/bars?"+q.Encode(), nil)
	if err != nil {
		return nil, fmt.Errorf("%s: failed to build request: %w", op, err)
	}
	resp, err := f.httpClient.Do(req)
	if err != nil {
		if ctx.Err() != nil {
			return nil, fmt.Errorf("%s: %w: %w", op, ports.ErrTimeout, err)
		}
		return nil, fmt.Errorf("%s: %w: %w", op, ports.ErrFeedUnavailable, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return nil, fmt.Errorf("%s: bridge returned %d: %s: %w", op, resp.StatusCode, string(body), ports.ErrFeedUnavailable)
	}

	var msgs []barMessage
	if err := json.NewDecoder(resp.Body).Decode(&msgs); err != nil {
		return nil, fmt.Errorf("%s: failed to decode response: %w", op, err)
	}

	bars := make([]*domain.Bar, 0, len(msgs))
	for _, msg := range msgs {
		bars = append(bars, toBar(msg, interval, domain.SourceHistorical))
	}
	f.logger.Debug(ctx, op+": historical bars fetched", map[string]interface{}{
		"instrument": instrument,
		"start":      start,
		"end":        end,
		"count":      len(bars),
	})
	return bars, nil
}

// StreamBars connects to the bridge websocket and delivers live bars,
// reconnecting with exponential backoff until the context is cancelled or
// the attempt budget is exhausted.
func (f *Feed) StreamBars(ctx context.Context, instrument string, interval time.Duration, handler func(bar *domain.Bar), errHandler func(err error)) (doneCh chan struct{}, stopCh chan struct{}, err error) {
	op := "StreamBars"
	wsCtx, cancelWs := context.WithCancel(ctx)

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
		defer close(doneCh)
		defer cancelWs()

		b := &backoff.Backoff{
			Min:    f.reconnectMin,
			Max:    f.reconnectMax,
			Jitter: true,
		}

		for {
			select {
			case <-wsCtx.Done():
				return
			default:
			}

			conn, _, connectErr := websocket.DefaultDialer.DialContext(wsCtx, f.wsURL, nil)
			if connectErr != nil {
				if int(b.Attempt()) >= f.maxAttempts {
					f.logger.Error(wsCtx, connectErr, op+": max reconnection attempts exceeded, giving up", map[string]interface{}{
						"instrument":  instrument,
						"maxAttempts": f.maxAttempts,
					})
					errHandler(fmt.Errorf("%s: %w: %w", op, ports.ErrConnectionFailed, connectErr))
					return
				}
				delay := b.Duration()
				f.logger.Warn(wsCtx, op+": connection failed, retrying", map[string]interface{}{
					"instrument": instrument,
					"attempt":    int(b.Attempt()),
					"delay":      delay.String(),
				})
				select {
				case <-time.After(delay):
					continue
				case <-wsCtx.Done():
					return
				}
			}

			sub := subscribeMessage{Op: "subscribe", Instrument: instrument, IntervalSeconds: int(interval.Seconds())}
			if err := conn.WriteJSON(sub); err != nil {
				f.logger.Warn(wsCtx, op+": subscribe failed, reconnecting", map[string]interface{}{
					"instrument": instrument,
					"error":      err.Error(),
				})
				conn.Close()
				continue
			}

			f.logger.Info(wsCtx, op+": websocket connected", map[string]interface{}{
				"instrument": instrument,
				"url":        f.wsURL,
			})
			b.Reset()

			// Close the connection when the context ends so ReadJSON unblocks.
			connCtx, cancelConn := context.WithCancel(wsCtx)
			go func() {
				<-connCtx.Done()
				conn.Close()
			}()

			for {
				var msg barMessage
				if err := conn.ReadJSON(&msg); err != nil {
					cancelConn()
					if wsCtx.Err() != nil {
						return
					}
					f.logger.Warn(wsCtx, op+": read failed, reconnecting", map[string]interface{}{
						"instrument": instrument,
						"error":      err.Error(),
					})
					errHandler(fmt.Errorf("%s: %w: %w", op, ports.ErrFeedUnavailable, err))
					break
				}
				handler(toBar(msg, interval, domain.SourceLive))
			}
		}
	}()

	return doneCh, stopCh, nil
}
