// Package tradingdate owns the single current trading date for an engine
// instance. The date is locked from the first observed bar and only ever
// advances; backward observations are surfaced loudly and never move the
// lock. Readers detect changes cheaply through a generation counter instead
// of locking on every bar.
package tradingdate

import (
	"context"
	"sync"

	"openrange/internal/clock"
	"openrange/internal/domain"
	"openrange/internal/ports"
)

// Observation classifies what a bar implied about the locked trading date.
type Observation string

const (
	ObservationUnchanged      Observation = "unchanged"
	ObservationRolledForward  Observation = "rolled_forward"
	ObservationRolledBackward Observation = "rolled_backward"
)

// Authority is the single writer of the engine's trading date.
type Authority struct {
	cal    *clock.Calendar
	logger ports.Logger

	mu         sync.RWMutex
	locked     domain.TradingDate
	lockedSet  bool
	generation uint64
}

// New creates a trading date authority.
func New(cal *clock.Calendar, logger ports.Logger) (*Authority, error) {
	if cal == nil || logger == nil {
		return nil, ports.ErrConfigurationError
	}
	return &Authority{cal: cal, logger: logger}, nil
}

// LockInitial derives and locks the trading date from the first bar seen
// after start, applying the cutover rule. Calling it when a date is already
// locked is an invariant violation; the existing lock is kept.
func (a *Authority) LockInitial(ctx context.Context, bar *domain.Bar) domain.TradingDate {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.lockedSet {
		a.logger.Error(ctx, ports.ErrInvariant, "LockInitial called with trading date already locked", map[string]interface{}{
			"locked": a.locked.String(),
		})
		return a.locked
	}
	a.locked = a.cal.TradingDateOf(bar.OpenTime)
	a.lockedSet = true
	a.generation++
	a.logger.Info(ctx, "Trading date locked from first bar", map[string]interface{}{
		"tradingDate": a.locked.String(),
		"barOpenTime": bar.OpenTime,
		"generation":  a.generation,
	})
	return a.locked
}

// Observe compares a bar against the locked date. A forward date re-locks
// and bumps the generation so every stream resets before admitting bars
// under the new date. A backward date never moves the lock; the caller must
// reject the bar. Equal dates always yield ObservationUnchanged.
func (a *Authority) Observe(ctx context.Context, bar *domain.Bar) Observation {
	barDate := a.cal.TradingDateOf(bar.OpenTime)

	a.mu.Lock()
	defer a.mu.Unlock()

	if !a.lockedSet {
		a.locked = barDate
		a.lockedSet = true
		a.generation++
		a.logger.Info(ctx, "Trading date locked from first bar", map[string]interface{}{
			"tradingDate": a.locked.String(),
			"generation":  a.generation,
		})
		return ObservationUnchanged
	}

	switch barDate.Compare(a.locked) {
	case 0:
		return ObservationUnchanged
	case 1:
		prev := a.locked
		a.locked = barDate
		a.generation++
		fields := map[string]interface{}{
			"previousDate": prev.String(),
			"tradingDate":  barDate.String(),
			"generation":   a.generation,
			"barOpenTime":  bar.OpenTime,
		}
		if !prev.Next().Equal(barDate) {
			a.logger.Warn(ctx, "Trading date rolled forward by more than one day", fields)
		} else {
			a.logger.Info(ctx, "Trading date rolled forward", fields)
		}
		return ObservationRolledForward
	default:
		// Upstream feed defect: a bar dated before the locked day. Loud,
		// and the lock stays where it is.
		a.logger.Error(ctx, ports.ErrInvariant, "Backward trading date observed; bar rejected, lock unchanged", map[string]interface{}{
			"lockedDate":  a.locked.String(),
			"barDate":     barDate.String(),
			"barOpenTime": bar.OpenTime,
			"instrument":  bar.Instrument,
		})
		return ObservationRolledBackward
	}
}

// Current returns the locked trading date; ok is false before the first lock.
func (a *Authority) Current() (date domain.TradingDate, ok bool) {
	a.mu.RLock()
	defer a.mu.RUnlock()
	return a.locked, a.lockedSet
}

// Generation returns the lock generation. It increments on the initial lock
// and on every forward roll, letting readers detect "date changed since my
// last tick" without holding the lock.
func (a *Authority) Generation() uint64 {
	a.mu.RLock()
	defer a.mu.RUnlock()
	return a.generation
}

// Snapshot returns the locked date and its generation atomically.
func (a *Authority) Snapshot() (domain.TradingDate, uint64, bool) {
	a.mu.RLock()
	defer a.mu.RUnlock()
	return a.locked, a.generation, a.lockedSet
}

// DateOf exposes the calendar's derivation for callers that hold a bar but
// not the calendar.
func (a *Authority) DateOf(bar *domain.Bar) domain.TradingDate {
	return a.cal.TradingDateOf(bar.OpenTime)
}
