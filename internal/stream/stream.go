// Package stream implements the per-stream lifecycle controller:
// PRE_HYDRATION -> ARMED -> RANGE_BUILDING -> RANGE_LOCKED -> DONE.
// A stream owns its admission window and range engine output, persists a
// journal record on every transition (fail-closed: a failed write aborts the
// transition), and once committed can never be re-armed for the same trading
// date except through the explicit administrative override path.
package stream

import (
	"context"
	"fmt"
	"time"

	"github.com/shopspring/decimal"

	"openrange/internal/admission"
	"openrange/internal/clock"
	"openrange/internal/domain"
	"openrange/internal/ports"
	"openrange/internal/rangeengine"
)

// journalAttempts bounds the persist retries inside one transition.
const journalAttempts = 3

// Spec identifies one (instrument, session, slot-time) stream and carries
// its timetable-scoped parameters.
type Spec struct {
	ID                  string // short id, e.g. "NQ2"
	CanonicalInstrument string // data instrument, e.g. "NQ"
	ExecutionInstrument string // routed instrument, e.g. "MNQ"
	Session             string // session name from the timetable
	RangeStart          clock.TimeOfDay
	SlotTime            clock.TimeOfDay
	SessionEnd          clock.TimeOfDay
	Interval            time.Duration
	Tolerance           rangeengine.Tolerance
	TickSize            decimal.Decimal
	Enabled             bool
	HydrationTimeout    time.Duration
}

// Validate checks the spec for internal consistency.
func (sp Spec) Validate() error {
	if sp.ID == "" || sp.CanonicalInstrument == "" {
		return fmt.Errorf("stream id and canonical instrument are required: %w", ports.ErrConfigurationError)
	}
	if !sp.RangeStart.Before(sp.SlotTime) {
		return fmt.Errorf("stream %s: range start %s must precede slot time %s: %w", sp.ID, sp.RangeStart, sp.SlotTime, ports.ErrConfigurationError)
	}
	if sp.Interval <= 0 {
		return fmt.Errorf("stream %s: bar interval must be positive: %w", sp.ID, ports.ErrConfigurationError)
	}
	if sp.HydrationTimeout <= 0 {
		return fmt.Errorf("stream %s: hydration timeout must be positive: %w", sp.ID, ports.ErrConfigurationError)
	}
	return nil
}

// Stream is the state machine for one opening-range unit on one trading
// date. It is not safe for concurrent use: the engine's tick loop is the
// only mutator.
type Stream struct {
	spec    Spec
	cal     *clock.Calendar
	logger  ports.Logger
	journal ports.JournalRepository
	ranges  *rangeengine.Engine
	window  *admission.Window

	date       domain.TradingDate
	generation uint64
	state      domain.StreamState
	committed  bool
	locked     *rangeengine.LockedRange

	hydrated          bool
	hydrationReason   domain.TransitionReason
	hydrationDeadline time.Time

	// onTransition, when set, receives every committed state change.
	onTransition func(domain.TransitionEvent)
}

// New creates a stream in PRE_HYDRATION for a trading date. now anchors the
// hydration deadline.
func New(spec Spec, cal *clock.Calendar, journal ports.JournalRepository, logger ports.Logger, date domain.TradingDate, generation uint64, now time.Time) (*Stream, error) {
	if err := spec.Validate(); err != nil {
		return nil, err
	}
	if cal == nil || journal == nil || logger == nil {
		return nil, fmt.Errorf("missing required dependencies for stream %s", spec.ID)
	}
	ranges, err := rangeengine.New(spec.Tolerance, spec.TickSize, logger)
	if err != nil {
		return nil, fmt.Errorf("stream %s: %w", spec.ID, err)
	}
	start := cal.Instant(date, spec.RangeStart)
	end := cal.Instant(date, spec.SlotTime)
	s := &Stream{
		spec:              spec,
		cal:               cal,
		logger:            logger,
		journal:           journal,
		ranges:            ranges,
		window:            admission.NewWindow(spec.ID, date, start, end, spec.Interval, logger),
		date:              date,
		generation:        generation,
		state:             domain.StatePreHydration,
		hydrationDeadline: now.Add(spec.HydrationTimeout),
	}
	return s, nil
}

// SetTransitionSink installs an observer for state changes.
func (s *Stream) SetTransitionSink(sink func(domain.TransitionEvent)) { s.onTransition = sink }

// Restore reinstates journaled state after a restart. A committed record
// pins the stream in DONE; it will not be reconstructed or re-armed for the
// remainder of the trading date. A non-committed record restores the gap
// counters so re-hydration does not double count.
func (s *Stream) Restore(ctx context.Context, rec *domain.JournalRecord) error {
	if rec == nil {
		return nil
	}
	if !rec.TradingDate.Equal(s.date) {
		return fmt.Errorf("journal record for %s is dated %s, stream is on %s: %w",
			rec.StreamID, rec.TradingDate, s.date, ports.ErrInvariant)
	}
	if rec.Committed {
		s.state = domain.StateDone
		s.committed = true
		s.logger.Info(ctx, "Stream already committed for trading date, skipping reconstruction", map[string]interface{}{
			"streamID":    s.spec.ID,
			"tradingDate": s.date.String(),
			"state":       rec.State,
		})
		return nil
	}
	s.window.RestoreCounters(rec.TotalGapMinutes, rec.LargestGapMinutes, rec.LastOpenTime)
	s.logger.Info(ctx, "Stream state restored from journal", map[string]interface{}{
		"streamID":          s.spec.ID,
		"tradingDate":       s.date.String(),
		"journaledState":    rec.State,
		"totalGapMinutes":   rec.TotalGapMinutes,
		"largestGapMinutes": rec.LargestGapMinutes,
	})
	return nil
}

// OnBar runs the admission pipeline for one bar. barDate is the trading
// date derived from the bar, lockedDate the engine's current lock.
func (s *Stream) OnBar(ctx context.Context, bar *domain.Bar, barDate, lockedDate domain.TradingDate) domain.AdmissionDecision {
	if s.committed || s.state == domain.StateRangeLocked || s.state == domain.StateDone {
		// A locked range is immutable; refuse rather than risk mutating it.
		s.logger.Debug(ctx, "Bar refused: stream no longer accepting bars", map[string]interface{}{
			"streamID": s.spec.ID,
			"state":    s.state,
			"openTime": bar.OpenTime,
		})
		return domain.AdmissionDecision{Accepted: false, Reason: domain.RejectStreamClosed}
	}
	return s.window.Admit(ctx, bar, barDate, lockedDate)
}

// MarkHydrated records that historical backfill fully covered the window up
// to now; the next tick leaves PRE_HYDRATION.
func (s *Stream) MarkHydrated() {
	s.hydrated = true
	s.hydrationReason = domain.ReasonHydrated
}

// Tick drives the time-based transitions. It is called by the engine's
// serialized loop; failures leave the stream in its prior state.
func (s *Stream) Tick(ctx context.Context, now time.Time) error {
	start, end := s.window.Bounds()

	if s.state == domain.StatePreHydration {
		reason := s.hydrationReason
		switch {
		case s.hydrated:
		case !now.Before(s.hydrationDeadline):
			// Bounded hydration: force forward progress with a recorded
			// reason, surfaced loudly since it indicates a feed problem.
			reason = domain.ReasonHydrationTimeout
			s.logger.Warn(ctx, "Hydration timed out, forcing stream forward", map[string]interface{}{
				"streamID": s.spec.ID,
				"deadline": s.hydrationDeadline,
			})
		default:
			return nil
		}
		if err := s.transition(ctx, domain.StateArmed, reason, now, false); err != nil {
			return err
		}
	}

	if s.state == domain.StateArmed && !now.Before(start) {
		if err := s.transition(ctx, domain.StateRangeBuilding, domain.ReasonRangeStart, now, false); err != nil {
			return err
		}
	}

	if s.state == domain.StateRangeBuilding && !now.Before(end) {
		result := s.ranges.Lock(ctx, s.window, s.spec.ID, end)
		if !result.Valid {
			// Gap-tolerance invalidation is terminal: commit to DONE, no retry.
			return s.commitDone(ctx, result.Reason, now)
		}
		s.locked = result.Range
		if err := s.transition(ctx, domain.StateRangeLocked, domain.ReasonSlotDeadline, now, false); err != nil {
			s.locked = nil
			return err
		}
	}

	return nil
}

// CompleteEntry commits the stream after a breakout entry sequence finished
// (filled, stopped, or target hit).
func (s *Stream) CompleteEntry(ctx context.Context, now time.Time) error {
	if s.state != domain.StateRangeLocked {
		return fmt.Errorf("stream %s: entry completion in state %s: %w", s.spec.ID, s.state, ports.ErrInvariant)
	}
	return s.commitDone(ctx, domain.ReasonEntryComplete, now)
}

// DecideNoTrade commits the stream with an explicit no-trade decision.
func (s *Stream) DecideNoTrade(ctx context.Context, now time.Time) error {
	if s.state == domain.StateDone {
		return fmt.Errorf("stream %s: already done: %w", s.spec.ID, ports.ErrStreamCommitted)
	}
	return s.commitDone(ctx, domain.ReasonNoTrade, now)
}

// AdminReopen is the separately-authorized override path that unwraps a
// committed stream back to RANGE_LOCKED. It refuses unless a valid locked
// range exists; it is never taken implicitly.
func (s *Stream) AdminReopen(ctx context.Context, now time.Time) error {
	if !s.committed {
		return fmt.Errorf("stream %s: not committed, nothing to reopen: %w", s.spec.ID, ports.ErrInvalidRequest)
	}
	if s.locked == nil {
		return fmt.Errorf("stream %s: no valid locked range to reopen into: %w", s.spec.ID, ports.ErrInvalidRequest)
	}
	s.logger.Warn(ctx, "ADMIN OVERRIDE: reopening committed stream", map[string]interface{}{
		"streamID":    s.spec.ID,
		"tradingDate": s.date.String(),
	})
	return s.transition(ctx, domain.StateRangeLocked, domain.ReasonAdminOverride, now, false)
}

// ResetForDate discards all window-tracking state and re-targets the stream
// at a new trading date. Called synchronously on rollover, before any bar
// under the new date is admitted.
func (s *Stream) ResetForDate(ctx context.Context, date domain.TradingDate, generation uint64, now time.Time) {
	s.date = date
	s.generation = generation
	s.state = domain.StatePreHydration
	s.committed = false
	s.locked = nil
	s.hydrated = false
	s.hydrationReason = ""
	s.hydrationDeadline = now.Add(s.spec.HydrationTimeout)
	start := s.cal.Instant(date, s.spec.RangeStart)
	end := s.cal.Instant(date, s.spec.SlotTime)
	s.window.Reset(date, start, end)
	s.logger.Info(ctx, "Stream reset for new trading date", map[string]interface{}{
		"streamID":    s.spec.ID,
		"tradingDate": date.String(),
		"generation":  generation,
		"windowStart": start,
		"windowEnd":   end,
	})
}

// commitDone performs the terminal transition: the journal record is written
// with committed=true before the in-memory state advances.
func (s *Stream) commitDone(ctx context.Context, reason domain.TransitionReason, now time.Time) error {
	if s.committed {
		return fmt.Errorf("stream %s: double commit attempt: %w", s.spec.ID, ports.ErrInvariant)
	}
	return s.transition(ctx, domain.StateDone, reason, now, true)
}

// transition persists the journal record for the target state and only then
// mutates in-memory state. Persistence failure aborts the transition; the
// stream stays in its prior state.
func (s *Stream) transition(ctx context.Context, to domain.StreamState, reason domain.TransitionReason, now time.Time, commit bool) error {
	from := s.state
	rec := s.journalRecord(to, commit, now)

	var err error
	for attempt := 1; attempt <= journalAttempts; attempt++ {
		if err = s.journal.Save(ctx, rec); err == nil {
			break
		}
		s.logger.Warn(ctx, "Journal write failed, retrying", map[string]interface{}{
			"streamID": s.spec.ID,
			"attempt":  attempt,
			"error":    err.Error(),
		})
	}
	if err != nil {
		s.logger.Error(ctx, err, "Journal write exhausted retries, transition aborted", map[string]interface{}{
			"streamID": s.spec.ID,
			"from":     from,
			"to":       to,
			"reason":   reason,
		})
		return fmt.Errorf("stream %s: transition %s -> %s aborted: %w: %w", s.spec.ID, from, to, ports.ErrJournalWrite, err)
	}

	s.state = to
	s.committed = rec.Committed
	event := domain.TransitionEvent{
		StreamID:    s.spec.ID,
		TradingDate: s.date,
		From:        from,
		To:          to,
		Reason:      reason,
		At:          now,
	}
	s.logger.Info(ctx, "Stream transitioned", map[string]interface{}{
		"streamID":    s.spec.ID,
		"tradingDate": s.date.String(),
		"from":        from,
		"to":          to,
		"reason":      reason,
		"committed":   s.committed,
	})
	if s.onTransition != nil {
		s.onTransition(event)
	}
	return nil
}

// journalRecord snapshots the stream for persistence.
func (s *Stream) journalRecord(state domain.StreamState, committed bool, now time.Time) *domain.JournalRecord {
	rec := &domain.JournalRecord{
		StreamID:          s.spec.ID,
		TradingDate:       s.date,
		State:             state,
		Committed:         committed,
		TotalGapMinutes:   s.window.TotalGapMinutes(),
		LargestGapMinutes: s.window.LargestGapMinutes(),
		LastOpenTime:      s.window.LastOpenTime(),
		UpdatedAt:         now,
	}
	if s.locked != nil {
		rec.HasRange = true
		rec.RangeHigh = s.locked.High
		rec.RangeLow = s.locked.Low
	}
	return rec
}

// HydrationRange returns the backfill interval still needed: it starts one
// interval past the last admitted bar (so restored counters are not double
// counted) and ends at the earlier of now and the slot deadline.
func (s *Stream) HydrationRange(now time.Time) (start, end time.Time, needed bool) {
	wStart, wEnd := s.window.Bounds()
	start = wStart
	if last := s.window.LastOpenTime(); !last.IsZero() {
		start = last.Add(s.spec.Interval)
	}
	end = now
	if wEnd.Before(end) {
		end = wEnd
	}
	if !start.Before(end) {
		return time.Time{}, time.Time{}, false
	}
	return start, end, true
}

// --- Read-only accessors (used by the execution gate and the engine) ---

// ID returns the short stream id.
func (s *Stream) ID() string { return s.spec.ID }

// Spec returns the stream's timetable parameters.
func (s *Stream) Spec() Spec { return s.spec }

// State returns the current lifecycle state.
func (s *Stream) State() domain.StreamState { return s.state }

// Committed reports whether the stream is terminally committed.
func (s *Stream) Committed() bool { return s.committed }

// TradingDate returns the date the stream is tracking.
func (s *Stream) TradingDate() domain.TradingDate { return s.date }

// Generation returns the trading date generation last observed.
func (s *Stream) Generation() uint64 { return s.generation }

// LockedRange returns the frozen range, or nil before lock / after
// invalidation.
func (s *Stream) LockedRange() *rangeengine.LockedRange { return s.locked }

// Window exposes the admission window for inspection.
func (s *Stream) Window() *admission.Window { return s.window }
