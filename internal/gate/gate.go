// Package gate implements the execution gate: a pure boolean-AND predicate
// over stream state, consulted by the order-submission path. It reads, never
// mutates, and is safe to evaluate repeatedly; every false gate produces a
// named violation.
package gate

import (
	"context"
	"time"

	"openrange/internal/clock"
	"openrange/internal/domain"
	"openrange/internal/ports"
	"openrange/internal/stream"
)

// Violation names a single failed gate condition.
type Violation string

const (
	ViolationEngineNotLive   Violation = "ENGINE_NOT_LIVE"
	ViolationDateMismatch    Violation = "TRADING_DATE_MISMATCH"
	ViolationSessionInactive Violation = "SESSION_WINDOW_INACTIVE"
	ViolationSlotNotReached  Violation = "SLOT_DEADLINE_NOT_REACHED"
	ViolationStreamDisabled  Violation = "STREAM_DISABLED"
	ViolationStateNotLocked  Violation = "STATE_NOT_RANGE_LOCKED"
	ViolationRangeInvalid    Violation = "RANGE_INVALIDATED"
)

// Result is the outcome of one gate evaluation. Allowed is true only when
// Violations is empty.
type Result struct {
	Allowed    bool
	Violations []Violation
}

// Gate evaluates whether order execution is permitted for a stream.
type Gate struct {
	cal      *clock.Calendar
	logger   ports.Logger
	liveMode bool // false during replay/backtest runs
}

// New creates an execution gate. liveMode must be true for the engine's
// real-time mode; replay tooling passes false so no evaluation ever allows
// execution.
func New(cal *clock.Calendar, logger ports.Logger, liveMode bool) (*Gate, error) {
	if cal == nil || logger == nil {
		return nil, ports.ErrConfigurationError
	}
	return &Gate{cal: cal, logger: logger, liveMode: liveMode}, nil
}

// CanExecute evaluates every gate condition and collects all violations
// rather than stopping at the first, so operators see the full picture.
func (g *Gate) CanExecute(ctx context.Context, s *stream.Stream, lockedDate domain.TradingDate, now time.Time) Result {
	var violations []Violation

	if !g.liveMode {
		violations = append(violations, ViolationEngineNotLive)
	}
	if !s.TradingDate().Equal(lockedDate) {
		violations = append(violations, ViolationDateMismatch)
	}

	windowStart, windowEnd := s.Window().Bounds()
	sessionEnd := g.cal.Instant(s.TradingDate(), s.Spec().SessionEnd)
	if now.Before(windowStart) || !now.Before(sessionEnd) {
		violations = append(violations, ViolationSessionInactive)
	}
	if now.Before(windowEnd) {
		violations = append(violations, ViolationSlotNotReached)
	}
	if !s.Spec().Enabled {
		violations = append(violations, ViolationStreamDisabled)
	}
	if s.State() != domain.StateRangeLocked {
		violations = append(violations, ViolationStateNotLocked)
	}
	if s.LockedRange() == nil {
		violations = append(violations, ViolationRangeInvalid)
	}

	result := Result{Allowed: len(violations) == 0, Violations: violations}
	if result.Allowed {
		g.logger.Debug(ctx, "Execution gate passed", map[string]interface{}{
			"streamID":    s.ID(),
			"tradingDate": s.TradingDate().String(),
		})
	} else {
		names := make([]string, len(violations))
		for i, v := range violations {
			names[i] = string(v)
		}
		g.logger.Info(ctx, "Execution gate denied", map[string]interface{}{
			"streamID":    s.ID(),
			"tradingDate": s.TradingDate().String(),
			"state":       s.State(),
			"violations":  names,
		})
	}
	return result
}
