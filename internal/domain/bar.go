package domain

import "time"

// BarSource indicates how a bar reached the engine.
type BarSource string

const (
	SourceHistorical BarSource = "historical"
	SourceLive       BarSource = "live"
)

// CloseTime is a close-anchored bar timestamp, the convention used by
// NinjaTrader-style feeds: the reported instant is when the bar interval
// ended, not when it began. It is a distinct type so that a close-anchored
// value cannot be compared against the engine's open-anchored windows
// without going through OpenTime.
type CloseTime time.Time

// OpenTime converts a close-anchored timestamp to the open-anchored instant
// the engine works with by subtracting one bar interval.
func (c CloseTime) OpenTime(interval time.Duration) time.Time {
	return time.Time(c).Add(-interval)
}

// Time returns the raw close instant.
func (c CloseTime) Time() time.Time {
	return time.Time(c)
}

// Bar represents a single OHLC price bar for one instrument.
// OpenTime is always open-anchored and in UTC; a bar built from a
// close-anchored feed must be constructed through NewBarFromClose.
// Bars are immutable once admitted into a stream buffer.
type Bar struct {
	Instrument string        // Canonical instrument symbol (e.g., "NQ")
	OpenTime   time.Time     // Open-anchored start of the interval, UTC
	CloseTime  time.Time     // End of the interval, UTC
	Interval   time.Duration // Bar interval (e.g., time.Minute)
	Open       float64       // Opening price
	High       float64       // Highest price
	Low        float64       // Lowest price
	Close      float64       // Closing price
	Source     BarSource     // historical or live
	IsFinal    bool          // Whether the bar is closed/settled (live feeds may report partials)
}

// NewBarFromClose builds a Bar from a close-anchored feed timestamp,
// normalizing it to open-anchored semantics.
func NewBarFromClose(instrument string, closeAt CloseTime, interval time.Duration, open, high, low, closePx float64, source BarSource, isFinal bool) *Bar {
	return &Bar{
		Instrument: instrument,
		OpenTime:   closeAt.OpenTime(interval).UTC(),
		CloseTime:  closeAt.Time().UTC(),
		Interval:   interval,
		Open:       open,
		High:       high,
		Low:        low,
		Close:      closePx,
		Source:     source,
		IsFinal:    isFinal,
	}
}
