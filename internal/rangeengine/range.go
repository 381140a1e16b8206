// Package rangeengine accumulates admitted bars into a running high/low and
// freezes the result at the stream's slot deadline, refusing to produce a
// range when the data-completeness gap tolerance was exceeded.
package rangeengine

import (
	"context"
	"time"

	"github.com/shopspring/decimal"

	"openrange/internal/admission"
	"openrange/internal/domain"
	"openrange/internal/ports"
)

// Tolerance holds the instrument/session-scoped gap limits.
type Tolerance struct {
	TotalGapMinutes  int // maximum accumulated missing-bar minutes
	SingleGapMinutes int // maximum single missing-bar run in minutes
}

// LockedRange is the frozen opening range plus the breakout trigger prices
// derived from it. Immutable for the remainder of the trading date.
type LockedRange struct {
	High         float64
	Low          float64
	LongTrigger  decimal.Decimal // High + one tick
	ShortTrigger decimal.Decimal // Low - one tick
	LockedAt     time.Time       // the slot deadline
	BarCount     int
}

// Result is the outcome of a lock attempt.
type Result struct {
	Valid  bool
	Range  *LockedRange             // nil when invalid
	Reason domain.TransitionReason // why the lock was refused, when invalid
}

// Engine computes and locks ranges for one stream.
type Engine struct {
	tolerance Tolerance
	tickSize  decimal.Decimal
	logger    ports.Logger
}

// New creates a range engine with the given gap tolerance and tick size.
func New(tolerance Tolerance, tickSize decimal.Decimal, logger ports.Logger) (*Engine, error) {
	if logger == nil {
		return nil, ports.ErrConfigurationError
	}
	if tolerance.TotalGapMinutes < 0 || tolerance.SingleGapMinutes < 0 {
		return nil, ports.ErrConfigurationError
	}
	if tickSize.Sign() <= 0 {
		return nil, ports.ErrConfigurationError
	}
	return &Engine{tolerance: tolerance, tickSize: tickSize, logger: logger}, nil
}

// Update recomputes the running high/low over the window's admitted bars.
// Returns ok=false while the buffer is empty.
func (e *Engine) Update(w *admission.Window) (high, low float64, ok bool) {
	bars := w.Bars()
	if len(bars) == 0 {
		return 0, 0, false
	}
	high = bars[0].High
	low = bars[0].Low
	for _, b := range bars[1:] {
		if b.High > high {
			high = b.High
		}
		if b.Low < low {
			low = b.Low
		}
	}
	return high, low, true
}

// Lock freezes the range at the slot deadline. It invalidates the range when
// either gap tolerance is exceeded or no bar was admitted; otherwise it
// returns the immutable high/low plus breakout trigger prices one tick
// beyond each bound.
func (e *Engine) Lock(ctx context.Context, w *admission.Window, streamID string, slotTime time.Time) Result {
	if w.TotalGapMinutes() > e.tolerance.TotalGapMinutes || w.LargestGapMinutes() > e.tolerance.SingleGapMinutes {
		e.logger.Warn(ctx, "Range invalidated: gap tolerance exceeded", map[string]interface{}{
			"streamID":          streamID,
			"totalGapMinutes":   w.TotalGapMinutes(),
			"largestGapMinutes": w.LargestGapMinutes(),
			"totalTolerance":    e.tolerance.TotalGapMinutes,
			"singleTolerance":   e.tolerance.SingleGapMinutes,
		})
		return Result{Valid: false, Reason: domain.ReasonGapInvalidated}
	}

	high, low, ok := e.Update(w)
	if !ok {
		e.logger.Warn(ctx, "Range invalidated: no bars admitted in window", map[string]interface{}{
			"streamID": streamID,
		})
		return Result{Valid: false, Reason: domain.ReasonEmptyRange}
	}

	locked := &LockedRange{
		High:         high,
		Low:          low,
		LongTrigger:  decimal.NewFromFloat(high).Add(e.tickSize),
		ShortTrigger: decimal.NewFromFloat(low).Sub(e.tickSize),
		LockedAt:     slotTime,
		BarCount:     w.Size(),
	}
	e.logger.Info(ctx, "Range locked", map[string]interface{}{
		"streamID":     streamID,
		"rangeHigh":    high,
		"rangeLow":     low,
		"longTrigger":  locked.LongTrigger.String(),
		"shortTrigger": locked.ShortTrigger.String(),
		"barCount":     locked.BarCount,
	})
	return Result{Valid: true, Range: locked}
}

// Tolerance returns the configured gap limits.
func (e *Engine) Tolerance() Tolerance { return e.tolerance }
