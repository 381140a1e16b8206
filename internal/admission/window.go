// Package admission decides whether an incoming bar belongs in a stream's
// range-building window. Decisions are deterministic: given the same window
// state and bar, Admit always returns the same outcome, and every outcome is
// logged with its inputs so a decision can be replayed after the fact.
package admission

import (
	"context"
	"time"

	"openrange/internal/domain"
	"openrange/internal/ports"
)

// Window is one stream's range-building window and bar buffer for the
// current trading date. It is owned by exactly one stream and must only be
// mutated by the goroutine ticking that stream.
type Window struct {
	streamID string
	logger   ports.Logger

	date     domain.TradingDate
	start    time.Time // inclusive lower bound, UTC
	end      time.Time // exclusive upper bound (slot deadline), UTC
	interval time.Duration

	bars    []*domain.Bar // ordered by open time ascending
	byOpen  map[int64]int // unix open time -> index into bars
	lastOpen time.Time

	totalGapMinutes   int
	largestGapMinutes int
}

// NewWindow creates an empty window over [start, end) for one trading date.
func NewWindow(streamID string, date domain.TradingDate, start, end time.Time, interval time.Duration, logger ports.Logger) *Window {
	return &Window{
		streamID: streamID,
		logger:   logger,
		date:     date,
		start:    start,
		end:      end,
		interval: interval,
		bars:     make([]*domain.Bar, 0, 64),
		byOpen:   make(map[int64]int, 64),
	}
}

// Admit runs the ordered admission checks for one bar, short-circuiting on
// the first failure. barDate is the trading date derived from the bar's
// timestamp; lockedDate is the engine's locked date.
func (w *Window) Admit(ctx context.Context, bar *domain.Bar, barDate, lockedDate domain.TradingDate) domain.AdmissionDecision {
	// 1. Bar must belong to the locked trading date.
	if !barDate.Equal(lockedDate) {
		return w.reject(ctx, bar, domain.RejectDateMismatch, map[string]interface{}{
			"barDate":    barDate.String(),
			"lockedDate": lockedDate.String(),
		})
	}

	// 2. Open time must lie in [start, end).
	if bar.OpenTime.Before(w.start) || !bar.OpenTime.Before(w.end) {
		return w.reject(ctx, bar, domain.RejectOutsideWindow, map[string]interface{}{
			"windowStart": w.start,
			"windowEnd":   w.end,
		})
	}

	// 3. Monotonic order and deduplication. A live bar supersedes a buffered
	// historical bar at the same open time; any other same-timestamp bar is
	// a duplicate.
	supersedeIdx := -1
	if idx, ok := w.byOpen[bar.OpenTime.Unix()]; ok {
		buffered := w.bars[idx]
		if buffered.Source == domain.SourceHistorical && bar.Source == domain.SourceLive {
			supersedeIdx = idx
		} else {
			return w.reject(ctx, bar, domain.RejectDuplicate, map[string]interface{}{
				"bufferedSource": buffered.Source,
				"barSource":      bar.Source,
			})
		}
	} else if !w.lastOpen.IsZero() && !bar.OpenTime.After(w.lastOpen) {
		return w.reject(ctx, bar, domain.RejectOutOfOrder, map[string]interface{}{
			"lastOpenTime": w.lastOpen,
		})
	}

	// 4. A live bar still accumulating cannot be admitted as settled.
	if bar.Source == domain.SourceLive && !bar.IsFinal {
		return w.reject(ctx, bar, domain.RejectPartial, nil)
	}

	if supersedeIdx >= 0 {
		// Replacement in place: no gap charged, buffer size unchanged.
		w.bars[supersedeIdx] = bar
		w.logger.Debug(ctx, "Bar admitted, superseding historical bar", map[string]interface{}{
			"streamID": w.streamID,
			"openTime": bar.OpenTime,
		})
		return domain.AdmissionDecision{Accepted: true, Superseded: true}
	}

	gap := w.gapMinutesFor(bar.OpenTime)
	w.bars = append(w.bars, bar)
	w.byOpen[bar.OpenTime.Unix()] = len(w.bars) - 1
	w.lastOpen = bar.OpenTime
	if gap > 0 {
		w.totalGapMinutes += gap
		if gap > w.largestGapMinutes {
			w.largestGapMinutes = gap
		}
	}

	w.logger.Debug(ctx, "Bar admitted", map[string]interface{}{
		"streamID":   w.streamID,
		"openTime":   bar.OpenTime,
		"source":     bar.Source,
		"gapMinutes": gap,
		"bufferSize": len(w.bars),
	})
	return domain.AdmissionDecision{Accepted: true, GapMinutes: gap}
}

// gapMinutesFor returns the missing-bar minutes a bar at openTime implies.
// The first admitted bar measures its leading gap against the window start.
func (w *Window) gapMinutesFor(openTime time.Time) int {
	var missing time.Duration
	if w.lastOpen.IsZero() {
		missing = openTime.Sub(w.start)
	} else {
		missing = openTime.Sub(w.lastOpen) - w.interval
	}
	gap := int(missing.Minutes())
	if gap < 0 {
		return 0
	}
	return gap
}

func (w *Window) reject(ctx context.Context, bar *domain.Bar, reason domain.RejectReason, extra map[string]interface{}) domain.AdmissionDecision {
	fields := map[string]interface{}{
		"streamID": w.streamID,
		"openTime": bar.OpenTime,
		"source":   bar.Source,
		"reason":   reason,
	}
	for k, v := range extra {
		fields[k] = v
	}
	w.logger.Debug(ctx, "Bar rejected", fields)
	return domain.AdmissionDecision{Accepted: false, Reason: reason}
}

// Bars returns the admitted bars in open-time order. The slice is shared;
// callers must treat it as read-only.
func (w *Window) Bars() []*domain.Bar { return w.bars }

// Size returns the number of buffered bars.
func (w *Window) Size() int { return len(w.bars) }

// Bounds returns the half-open window interval.
func (w *Window) Bounds() (start, end time.Time) { return w.start, w.end }

// Date returns the trading date this window was built for.
func (w *Window) Date() domain.TradingDate { return w.date }

// Interval returns the expected bar interval.
func (w *Window) Interval() time.Duration { return w.interval }

// TotalGapMinutes returns the accumulated missing-bar minutes.
func (w *Window) TotalGapMinutes() int { return w.totalGapMinutes }

// LargestGapMinutes returns the largest single missing-bar run in minutes.
func (w *Window) LargestGapMinutes() int { return w.largestGapMinutes }

// LastOpenTime returns the open time of the most recently admitted bar, or
// the zero time when the buffer is empty.
func (w *Window) LastOpenTime() time.Time { return w.lastOpen }

// Reset clears the buffer and gap counters and re-targets the window at a
// new trading date. Called synchronously on rollover before any bar under
// the new date is admitted.
func (w *Window) Reset(date domain.TradingDate, start, end time.Time) {
	w.date = date
	w.start = start
	w.end = end
	w.bars = w.bars[:0]
	w.byOpen = make(map[int64]int, 64)
	w.lastOpen = time.Time{}
	w.totalGapMinutes = 0
	w.largestGapMinutes = 0
}

// RestoreCounters reinstates journaled gap counters after a restart. The bar
// buffer itself is rebuilt through hydration, not restored.
func (w *Window) RestoreCounters(totalGap, largestGap int, lastOpen time.Time) {
	w.totalGapMinutes = totalGap
	w.largestGapMinutes = largestGap
	w.lastOpen = lastOpen
}
