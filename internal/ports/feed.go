package ports

import (
	"context"
	"time"

	"openrange/internal/domain"
)

// MarketFeed defines the interface for a market data source delivering OHLC
// bars. This abstraction decouples the engine from specific feed adapters
// (broker bridge, exchange API, replay file).
type MarketFeed interface {
	// StreamBars starts a live bar stream for an instrument. Bars are
	// delivered through handler; transport errors through errHandler.
	// Returns channels to control the stream (doneCh closes when the stream
	// ends, stopCh stops it) or an error if the connection fails.
	StreamBars(ctx context.Context, instrument string, interval time.Duration, handler func(bar *domain.Bar), errHandler func(err error)) (doneCh chan struct{}, stopCh chan struct{}, err error)

	// GetHistoricalBars retrieves closed bars for [start, end), ordered by
	// open time ascending, marked with SourceHistorical.
	GetHistoricalBars(ctx context.Context, instrument string, interval time.Duration, start, end time.Time) ([]*domain.Bar, error)
}
