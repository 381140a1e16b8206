package stream

import (
	"context"
	"errors"
	"fmt"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"openrange/internal/clock"
	"openrange/internal/domain"
	"openrange/internal/ports"
	"openrange/internal/rangeengine"
)

// mockLogger implements ports.Logger for testing
type mockLogger struct{}

func (m *mockLogger) Debug(ctx context.Context, msg string, fields ...map[string]interface{}) {}
func (m *mockLogger) Info(ctx context.Context, msg string, fields ...map[string]interface{})  {}
func (m *mockLogger) Warn(ctx context.Context, msg string, fields ...map[string]interface{})  {}
func (m *mockLogger) Error(ctx context.Context, err error, msg string, fields ...map[string]interface{}) {
}

// mockJournal records saves and can be made to fail.
type mockJournal struct {
	saved    []*domain.JournalRecord
	failWith error
}

func (m *mockJournal) Save(ctx context.Context, rec *domain.JournalRecord) error {
	if m.failWith != nil {
		return m.failWith
	}
	cp := *rec
	m.saved = append(m.saved, &cp)
	return nil
}

func (m *mockJournal) Find(ctx context.Context, streamID string, date domain.TradingDate) (*domain.JournalRecord, error) {
	for i := len(m.saved) - 1; i >= 0; i-- {
		if m.saved[i].StreamID == streamID && m.saved[i].TradingDate.Equal(date) {
			return m.saved[i], nil
		}
	}
	return nil, nil
}

func (m *mockJournal) FindByDate(ctx context.Context, date domain.TradingDate) ([]*domain.JournalRecord, error) {
	var out []*domain.JournalRecord
	for _, rec := range m.saved {
		if rec.TradingDate.Equal(date) {
			out = append(out, rec)
		}
	}
	return out, nil
}

var (
	testDate = domain.NewTradingDate(2024, time.March, 5)
	// 08:30-09:00 CT on March 5, 2024 (CST): 14:30-15:00 UTC.
	rangeStartUTC = time.Date(2024, 3, 5, 14, 30, 0, 0, time.UTC)
	slotUTC       = time.Date(2024, 3, 5, 15, 0, 0, 0, time.UTC)
	bootUTC       = time.Date(2024, 3, 5, 13, 30, 0, 0, time.UTC)
)

func testSpec() Spec {
	return Spec{
		ID:                  "nq-rth-0900",
		CanonicalInstrument: "NQ",
		ExecutionInstrument: "MNQ",
		Session:             "rth",
		RangeStart:          clock.TimeOfDay{Hour: 8, Minute: 30},
		SlotTime:            clock.TimeOfDay{Hour: 9, Minute: 0},
		SessionEnd:          clock.TimeOfDay{Hour: 15, Minute: 0},
		Interval:            time.Minute,
		Tolerance:           rangeengine.Tolerance{TotalGapMinutes: 5, SingleGapMinutes: 3},
		TickSize:            decimal.RequireFromString("0.25"),
		Enabled:             true,
		HydrationTimeout:    2 * time.Minute,
	}
}

func newTestStream(t *testing.T, journal ports.JournalRepository) *Stream {
	t.Helper()
	cal, err := clock.NewCalendar("America/Chicago", clock.DefaultCutoverHour)
	require.NoError(t, err)
	s, err := New(testSpec(), cal, journal, &mockLogger{}, testDate, 1, bootUTC)
	require.NoError(t, err)
	return s
}

func rangeBar(offset time.Duration, high, low float64) *domain.Bar {
	open := rangeStartUTC.Add(offset)
	return &domain.Bar{
		Instrument: "NQ",
		OpenTime:   open,
		CloseTime:  open.Add(time.Minute),
		Interval:   time.Minute,
		Open:       low,
		High:       high,
		Low:        low,
		Close:      high,
		Source:     domain.SourceLive,
		IsFinal:    true,
	}
}

// driveToLocked walks a stream through the happy path to RANGE_LOCKED.
func driveToLocked(t *testing.T, s *Stream) {
	t.Helper()
	ctx := context.Background()
	s.MarkHydrated()
	require.NoError(t, s.Tick(ctx, bootUTC))
	require.Equal(t, domain.StateArmed, s.State())

	require.NoError(t, s.Tick(ctx, rangeStartUTC))
	require.Equal(t, domain.StateRangeBuilding, s.State())

	for i, hl := range [][2]float64{{10, 8}, {12, 7}, {9, 8.5}} {
		d := s.OnBar(ctx, rangeBar(time.Duration(i)*time.Minute, hl[0], hl[1]), testDate, testDate)
		require.True(t, d.Accepted)
	}

	require.NoError(t, s.Tick(ctx, slotUTC))
	require.Equal(t, domain.StateRangeLocked, s.State())
}

func TestSpec_Validate(t *testing.T) {
	tests := []struct {
		name    string
		mutate  func(*Spec)
		wantErr bool
	}{
		{name: "valid", mutate: func(sp *Spec) {}},
		{name: "missing id", mutate: func(sp *Spec) { sp.ID = "" }, wantErr: true},
		{name: "range start after slot", mutate: func(sp *Spec) { sp.RangeStart = clock.TimeOfDay{Hour: 10} }, wantErr: true},
		{name: "zero interval", mutate: func(sp *Spec) { sp.Interval = 0 }, wantErr: true},
		{name: "zero hydration timeout", mutate: func(sp *Spec) { sp.HydrationTimeout = 0 }, wantErr: true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			sp := testSpec()
			tt.mutate(&sp)
			err := sp.Validate()
			if tt.wantErr {
				assert.Error(t, err)
			} else {
				assert.NoError(t, err)
			}
		})
	}
}

func TestStream_HappyPath(t *testing.T) {
	journal := &mockJournal{}
	s := newTestStream(t, journal)

	var events []domain.TransitionEvent
	s.SetTransitionSink(func(ev domain.TransitionEvent) { events = append(events, ev) })

	assert.Equal(t, domain.StatePreHydration, s.State())
	driveToLocked(t, s)

	locked := s.LockedRange()
	require.NotNil(t, locked)
	assert.Equal(t, 12.0, locked.High)
	assert.Equal(t, 7.0, locked.Low)
	assert.Equal(t, "12.25", locked.LongTrigger.String())
	assert.Equal(t, "6.75", locked.ShortTrigger.String())

	// Every transition was journaled before it took effect.
	require.Len(t, journal.saved, 3)
	assert.Equal(t, domain.StateArmed, journal.saved[0].State)
	assert.Equal(t, domain.StateRangeBuilding, journal.saved[1].State)
	assert.Equal(t, domain.StateRangeLocked, journal.saved[2].State)
	assert.False(t, journal.saved[2].Committed)
	assert.True(t, journal.saved[2].HasRange)
	assert.Equal(t, 12.0, journal.saved[2].RangeHigh)
	assert.Equal(t, 7.0, journal.saved[2].RangeLow)

	require.Len(t, events, 3)
	assert.Equal(t, domain.ReasonHydrated, events[0].Reason)
	assert.Equal(t, domain.ReasonRangeStart, events[1].Reason)
	assert.Equal(t, domain.ReasonSlotDeadline, events[2].Reason)
}

func TestStream_TickIsIdempotentWithinState(t *testing.T) {
	journal := &mockJournal{}
	s := newTestStream(t, journal)
	ctx := context.Background()

	// Before hydration and deadline nothing moves.
	require.NoError(t, s.Tick(ctx, bootUTC))
	require.NoError(t, s.Tick(ctx, bootUTC.Add(time.Second)))
	assert.Equal(t, domain.StatePreHydration, s.State())
	assert.Empty(t, journal.saved)

	driveToLocked(t, s)
	saves := len(journal.saved)

	// Repeated ticks after lock write nothing further.
	require.NoError(t, s.Tick(ctx, slotUTC.Add(time.Minute)))
	require.NoError(t, s.Tick(ctx, slotUTC.Add(time.Hour)))
	assert.Len(t, journal.saved, saves)
}

func TestStream_HydrationTimeout(t *testing.T) {
	journal := &mockJournal{}
	s := newTestStream(t, journal)
	ctx := context.Background()

	var events []domain.TransitionEvent
	s.SetTransitionSink(func(ev domain.TransitionEvent) { events = append(events, ev) })

	// Never hydrated; the deadline forces the stream forward.
	require.NoError(t, s.Tick(ctx, bootUTC.Add(time.Minute)))
	assert.Equal(t, domain.StatePreHydration, s.State())

	require.NoError(t, s.Tick(ctx, bootUTC.Add(3*time.Minute)))
	assert.Equal(t, domain.StateArmed, s.State())
	require.Len(t, events, 1)
	assert.Equal(t, domain.ReasonHydrationTimeout, events[0].Reason)
}

func TestStream_FailClosedJournal(t *testing.T) {
	journal := &mockJournal{failWith: fmt.Errorf("disk full")}
	s := newTestStream(t, journal)
	ctx := context.Background()

	s.MarkHydrated()
	err := s.Tick(ctx, bootUTC)
	require.Error(t, err)
	assert.True(t, errors.Is(err, ports.ErrJournalWrite))
	// The transition was aborted: state unchanged.
	assert.Equal(t, domain.StatePreHydration, s.State())

	// Once the journal recovers the same tick succeeds.
	journal.failWith = nil
	require.NoError(t, s.Tick(ctx, bootUTC))
	assert.Equal(t, domain.StateArmed, s.State())
}

func TestStream_FailClosedLockRollsBackRange(t *testing.T) {
	journal := &mockJournal{}
	s := newTestStream(t, journal)
	ctx := context.Background()

	s.MarkHydrated()
	require.NoError(t, s.Tick(ctx, rangeStartUTC))
	require.Equal(t, domain.StateRangeBuilding, s.State())
	require.True(t, s.OnBar(ctx, rangeBar(0, 10, 8), testDate, testDate).Accepted)

	journal.failWith = fmt.Errorf("disk full")
	err := s.Tick(ctx, slotUTC)
	require.Error(t, err)
	assert.Equal(t, domain.StateRangeBuilding, s.State())
	assert.Nil(t, s.LockedRange(), "failed lock must not leave a visible range")

	journal.failWith = nil
	require.NoError(t, s.Tick(ctx, slotUTC))
	assert.Equal(t, domain.StateRangeLocked, s.State())
	assert.NotNil(t, s.LockedRange())
}

func TestStream_GapInvalidationCommits(t *testing.T) {
	journal := &mockJournal{}
	s := newTestStream(t, journal)
	ctx := context.Background()

	s.MarkHydrated()
	require.NoError(t, s.Tick(ctx, rangeStartUTC))
	// Single bar far into the window: leading gap 10 > tolerance 5.
	require.True(t, s.OnBar(ctx, rangeBar(10*time.Minute, 10, 8), testDate, testDate).Accepted)

	var events []domain.TransitionEvent
	s.SetTransitionSink(func(ev domain.TransitionEvent) { events = append(events, ev) })

	require.NoError(t, s.Tick(ctx, slotUTC))
	assert.Equal(t, domain.StateDone, s.State())
	assert.True(t, s.Committed())
	assert.Nil(t, s.LockedRange())
	require.Len(t, events, 1)
	assert.Equal(t, domain.ReasonGapInvalidated, events[0].Reason)

	last := journal.saved[len(journal.saved)-1]
	assert.True(t, last.Committed)
	assert.Equal(t, domain.StateDone, last.State)
}

func TestStream_EmptyWindowCommits(t *testing.T) {
	journal := &mockJournal{}
	s := newTestStream(t, journal)
	ctx := context.Background()

	s.MarkHydrated()
	require.NoError(t, s.Tick(ctx, slotUTC))
	assert.Equal(t, domain.StateDone, s.State())
	assert.True(t, s.Committed())
}

func TestStream_TerminalCommit(t *testing.T) {
	journal := &mockJournal{}
	s := newTestStream(t, journal)
	ctx := context.Background()
	driveToLocked(t, s)

	require.NoError(t, s.CompleteEntry(ctx, slotUTC.Add(time.Minute)))
	assert.Equal(t, domain.StateDone, s.State())
	assert.True(t, s.Committed())

	// No path re-arms a committed stream for the same date.
	err := s.CompleteEntry(ctx, slotUTC.Add(2*time.Minute))
	assert.Error(t, err)

	err = s.DecideNoTrade(ctx, slotUTC.Add(2*time.Minute))
	assert.True(t, errors.Is(err, ports.ErrStreamCommitted))

	d := s.OnBar(ctx, rangeBar(5*time.Minute, 10, 8), testDate, testDate)
	assert.False(t, d.Accepted)
	assert.Equal(t, domain.RejectStreamClosed, d.Reason)

	require.NoError(t, s.Tick(ctx, slotUTC.Add(time.Hour)))
	assert.Equal(t, domain.StateDone, s.State())
}

func TestStream_BarsRefusedAfterLock(t *testing.T) {
	journal := &mockJournal{}
	s := newTestStream(t, journal)
	driveToLocked(t, s)

	d := s.OnBar(context.Background(), rangeBar(5*time.Minute, 99, 1), testDate, testDate)
	assert.False(t, d.Accepted)
	assert.Equal(t, domain.RejectStreamClosed, d.Reason)
	// The locked range is untouched.
	assert.Equal(t, 12.0, s.LockedRange().High)
}

func TestStream_DecideNoTrade(t *testing.T) {
	journal := &mockJournal{}
	s := newTestStream(t, journal)
	driveToLocked(t, s)

	require.NoError(t, s.DecideNoTrade(context.Background(), slotUTC.Add(time.Minute)))
	assert.Equal(t, domain.StateDone, s.State())
	assert.True(t, s.Committed())
}

func TestStream_AdminReopen(t *testing.T) {
	journal := &mockJournal{}
	s := newTestStream(t, journal)
	ctx := context.Background()

	// Not committed yet: nothing to reopen.
	err := s.AdminReopen(ctx, slotUTC)
	assert.True(t, errors.Is(err, ports.ErrInvalidRequest))

	driveToLocked(t, s)
	require.NoError(t, s.CompleteEntry(ctx, slotUTC.Add(time.Minute)))

	require.NoError(t, s.AdminReopen(ctx, slotUTC.Add(2*time.Minute)))
	assert.Equal(t, domain.StateRangeLocked, s.State())
	assert.False(t, s.Committed())
	assert.NotNil(t, s.LockedRange())

	last := journal.saved[len(journal.saved)-1]
	assert.False(t, last.Committed)
	assert.Equal(t, domain.StateRangeLocked, last.State)
}

func TestStream_AdminReopen_RefusedWithoutRange(t *testing.T) {
	journal := &mockJournal{}
	s := newTestStream(t, journal)
	ctx := context.Background()

	// Committed through gap invalidation: no valid range exists.
	s.MarkHydrated()
	require.NoError(t, s.Tick(ctx, slotUTC))
	require.True(t, s.Committed())

	err := s.AdminReopen(ctx, slotUTC.Add(time.Minute))
	assert.True(t, errors.Is(err, ports.ErrInvalidRequest))
	assert.Equal(t, domain.StateDone, s.State())
}

func TestStream_Restore(t *testing.T) {
	ctx := context.Background()

	t.Run("nil record is a no-op", func(t *testing.T) {
		s := newTestStream(t, &mockJournal{})
		require.NoError(t, s.Restore(ctx, nil))
		assert.Equal(t, domain.StatePreHydration, s.State())
	})

	t.Run("committed record pins DONE", func(t *testing.T) {
		s := newTestStream(t, &mockJournal{})
		rec := &domain.JournalRecord{
			StreamID:    s.ID(),
			TradingDate: testDate,
			State:       domain.StateDone,
			Committed:   true,
		}
		require.NoError(t, s.Restore(ctx, rec))
		assert.Equal(t, domain.StateDone, s.State())
		assert.True(t, s.Committed())

		// Restart must not re-arm it: ticks and bars are inert.
		require.NoError(t, s.Tick(ctx, rangeStartUTC))
		assert.Equal(t, domain.StateDone, s.State())
		d := s.OnBar(ctx, rangeBar(0, 10, 8), testDate, testDate)
		assert.Equal(t, domain.RejectStreamClosed, d.Reason)
	})

	t.Run("non-committed record restores counters", func(t *testing.T) {
		s := newTestStream(t, &mockJournal{})
		lastOpen := rangeStartUTC.Add(5 * time.Minute)
		rec := &domain.JournalRecord{
			StreamID:          s.ID(),
			TradingDate:       testDate,
			State:             domain.StateRangeBuilding,
			TotalGapMinutes:   4,
			LargestGapMinutes: 3,
			LastOpenTime:      lastOpen,
		}
		require.NoError(t, s.Restore(ctx, rec))
		assert.Equal(t, 4, s.Window().TotalGapMinutes())
		assert.Equal(t, lastOpen, s.Window().LastOpenTime())

		// Hydration resumes past the restored position.
		start, end, needed := s.HydrationRange(rangeStartUTC.Add(10 * time.Minute))
		require.True(t, needed)
		assert.Equal(t, lastOpen.Add(time.Minute), start)
		assert.Equal(t, rangeStartUTC.Add(10*time.Minute), end)
	})

	t.Run("record for wrong date is an invariant error", func(t *testing.T) {
		s := newTestStream(t, &mockJournal{})
		rec := &domain.JournalRecord{
			StreamID:    s.ID(),
			TradingDate: testDate.Next(),
			State:       domain.StateArmed,
		}
		err := s.Restore(ctx, rec)
		assert.True(t, errors.Is(err, ports.ErrInvariant))
	})
}

func TestStream_HydrationRange(t *testing.T) {
	s := newTestStream(t, &mockJournal{})

	// Before the window opens there is nothing to hydrate.
	_, _, needed := s.HydrationRange(bootUTC)
	assert.False(t, needed)

	// Mid-window: from the window start up to now.
	start, end, needed := s.HydrationRange(rangeStartUTC.Add(10 * time.Minute))
	require.True(t, needed)
	assert.Equal(t, rangeStartUTC, start)
	assert.Equal(t, rangeStartUTC.Add(10*time.Minute), end)

	// After the slot deadline the range is capped at the deadline.
	start, end, needed = s.HydrationRange(slotUTC.Add(time.Hour))
	require.True(t, needed)
	assert.Equal(t, rangeStartUTC, start)
	assert.Equal(t, slotUTC, end)
}

func TestStream_ResetForDate(t *testing.T) {
	journal := &mockJournal{}
	s := newTestStream(t, journal)
	ctx := context.Background()
	driveToLocked(t, s)
	require.NoError(t, s.CompleteEntry(ctx, slotUTC.Add(time.Minute)))

	nextDate := testDate.Next()
	resetAt := slotUTC.Add(9 * time.Hour)
	s.ResetForDate(ctx, nextDate, 2, resetAt)

	assert.Equal(t, domain.StatePreHydration, s.State())
	assert.False(t, s.Committed())
	assert.Nil(t, s.LockedRange())
	assert.Equal(t, nextDate, s.TradingDate())
	assert.Equal(t, uint64(2), s.Generation())
	assert.Equal(t, 0, s.Window().Size())

	// The new window covers the next trading date's session.
	start, end := s.Window().Bounds()
	assert.Equal(t, rangeStartUTC.AddDate(0, 0, 1), start)
	assert.Equal(t, slotUTC.AddDate(0, 0, 1), end)

	// The stream runs a full lifecycle again under the new date.
	s.MarkHydrated()
	require.NoError(t, s.Tick(ctx, start))
	assert.Equal(t, domain.StateRangeBuilding, s.State())
}
