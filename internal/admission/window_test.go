package admission

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"

	"openrange/internal/domain"
)

// mockLogger implements ports.Logger for testing
type mockLogger struct{}

func (m *mockLogger) Debug(ctx context.Context, msg string, fields ...map[string]interface{}) {}
func (m *mockLogger) Info(ctx context.Context, msg string, fields ...map[string]interface{})  {}
func (m *mockLogger) Warn(ctx context.Context, msg string, fields ...map[string]interface{})  {}
func (m *mockLogger) Error(ctx context.Context, err error, msg string, fields ...map[string]interface{}) {
}

var (
	testDate    = domain.NewTradingDate(2024, time.March, 5)
	windowStart = time.Date(2024, 3, 5, 14, 30, 0, 0, time.UTC) // 08:30 CT
	windowEnd   = time.Date(2024, 3, 5, 15, 0, 0, 0, time.UTC)  // 09:00 CT
)

func newTestWindow() *Window {
	return NewWindow("nq-test", testDate, windowStart, windowEnd, time.Minute, &mockLogger{})
}

func mkBar(openTime time.Time, source domain.BarSource, final bool) *domain.Bar {
	return &domain.Bar{
		Instrument: "NQ",
		OpenTime:   openTime,
		CloseTime:  openTime.Add(time.Minute),
		Interval:   time.Minute,
		Open:       18000,
		High:       18010,
		Low:        17990,
		Close:      18005,
		Source:     source,
		IsFinal:    final,
	}
}

func TestWindow_Admit_Accepts(t *testing.T) {
	w := newTestWindow()
	ctx := context.Background()

	d := w.Admit(ctx, mkBar(windowStart, domain.SourceLive, true), testDate, testDate)
	assert.True(t, d.Accepted)
	assert.Equal(t, 0, d.GapMinutes)
	assert.Equal(t, 1, w.Size())

	d = w.Admit(ctx, mkBar(windowStart.Add(time.Minute), domain.SourceLive, true), testDate, testDate)
	assert.True(t, d.Accepted)
	assert.Equal(t, 0, d.GapMinutes)
	assert.Equal(t, 2, w.Size())
	assert.Equal(t, 0, w.TotalGapMinutes())
}

func TestWindow_Admit_RejectReasons(t *testing.T) {
	ctx := context.Background()

	tests := []struct {
		name       string
		setup      func(w *Window)
		bar        *domain.Bar
		barDate    domain.TradingDate
		wantReason domain.RejectReason
	}{
		{
			name:       "date mismatch checked first",
			bar:        mkBar(windowStart, domain.SourceLive, true),
			barDate:    testDate.Next(),
			wantReason: domain.RejectDateMismatch,
		},
		{
			name:       "before window start",
			bar:        mkBar(windowStart.Add(-time.Minute), domain.SourceLive, true),
			barDate:    testDate,
			wantReason: domain.RejectOutsideWindow,
		},
		{
			name:       "at window end is outside",
			bar:        mkBar(windowEnd, domain.SourceLive, true),
			barDate:    testDate,
			wantReason: domain.RejectOutsideWindow,
		},
		{
			name: "duplicate live bar",
			setup: func(w *Window) {
				w.Admit(ctx, mkBar(windowStart, domain.SourceLive, true), testDate, testDate)
			},
			bar:        mkBar(windowStart, domain.SourceLive, true),
			barDate:    testDate,
			wantReason: domain.RejectDuplicate,
		},
		{
			name: "historical cannot replace live",
			setup: func(w *Window) {
				w.Admit(ctx, mkBar(windowStart, domain.SourceLive, true), testDate, testDate)
			},
			bar:        mkBar(windowStart, domain.SourceHistorical, true),
			barDate:    testDate,
			wantReason: domain.RejectDuplicate,
		},
		{
			name: "older bar out of order",
			setup: func(w *Window) {
				w.Admit(ctx, mkBar(windowStart.Add(2*time.Minute), domain.SourceLive, true), testDate, testDate)
			},
			bar:        mkBar(windowStart.Add(time.Minute), domain.SourceLive, true),
			barDate:    testDate,
			wantReason: domain.RejectOutOfOrder,
		},
		{
			name:       "partial live bar",
			bar:        mkBar(windowStart, domain.SourceLive, false),
			barDate:    testDate,
			wantReason: domain.RejectPartial,
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			w := newTestWindow()
			if tt.setup != nil {
				tt.setup(w)
			}
			sizeBefore := w.Size()
			d := w.Admit(ctx, tt.bar, tt.barDate, testDate)
			assert.False(t, d.Accepted)
			assert.Equal(t, tt.wantReason, d.Reason)
			assert.Equal(t, sizeBefore, w.Size(), "rejected bar must not change the buffer")
		})
	}
}

func TestWindow_Admit_DuplicateIsIdempotent(t *testing.T) {
	w := newTestWindow()
	ctx := context.Background()
	bar := mkBar(windowStart, domain.SourceLive, true)

	first := w.Admit(ctx, bar, testDate, testDate)
	assert.True(t, first.Accepted)

	for i := 0; i < 3; i++ {
		d := w.Admit(ctx, bar, testDate, testDate)
		assert.False(t, d.Accepted)
		assert.Equal(t, domain.RejectDuplicate, d.Reason)
	}
	assert.Equal(t, 1, w.Size())
	assert.Equal(t, 0, w.TotalGapMinutes())
}

func TestWindow_Admit_LiveSupersedesHistorical(t *testing.T) {
	w := newTestWindow()
	ctx := context.Background()

	hist := mkBar(windowStart, domain.SourceHistorical, true)
	w.Admit(ctx, hist, testDate, testDate)

	live := mkBar(windowStart, domain.SourceLive, true)
	live.High = 18050 // revised print

	d := w.Admit(ctx, live, testDate, testDate)
	assert.True(t, d.Accepted)
	assert.True(t, d.Superseded)
	assert.Equal(t, 0, d.GapMinutes, "supersede charges no gap")
	assert.Equal(t, 1, w.Size(), "supersede does not grow the buffer")
	assert.Equal(t, 18050.0, w.Bars()[0].High)
	assert.Equal(t, domain.SourceLive, w.Bars()[0].Source)
}

func TestWindow_GapAccounting(t *testing.T) {
	w := newTestWindow()
	ctx := context.Background()

	// First bar three minutes after the window start: leading gap of 3.
	d := w.Admit(ctx, mkBar(windowStart.Add(3*time.Minute), domain.SourceLive, true), testDate, testDate)
	assert.True(t, d.Accepted)
	assert.Equal(t, 3, d.GapMinutes)
	assert.Equal(t, 3, w.TotalGapMinutes())
	assert.Equal(t, 3, w.LargestGapMinutes())

	// Consecutive bar: no gap.
	d = w.Admit(ctx, mkBar(windowStart.Add(4*time.Minute), domain.SourceLive, true), testDate, testDate)
	assert.True(t, d.Accepted)
	assert.Equal(t, 0, d.GapMinutes)

	// Skip five minutes: next bar at +10 implies 5 missing.
	d = w.Admit(ctx, mkBar(windowStart.Add(10*time.Minute), domain.SourceLive, true), testDate, testDate)
	assert.True(t, d.Accepted)
	assert.Equal(t, 5, d.GapMinutes)
	assert.Equal(t, 8, w.TotalGapMinutes())
	assert.Equal(t, 5, w.LargestGapMinutes())
}

func TestWindow_Reset(t *testing.T) {
	w := newTestWindow()
	ctx := context.Background()
	w.Admit(ctx, mkBar(windowStart.Add(2*time.Minute), domain.SourceLive, true), testDate, testDate)
	assert.NotZero(t, w.Size())
	assert.NotZero(t, w.TotalGapMinutes())

	nextDate := testDate.Next()
	nextStart := windowStart.AddDate(0, 0, 1)
	nextEnd := windowEnd.AddDate(0, 0, 1)
	w.Reset(nextDate, nextStart, nextEnd)

	assert.Equal(t, 0, w.Size())
	assert.Equal(t, 0, w.TotalGapMinutes())
	assert.Equal(t, 0, w.LargestGapMinutes())
	assert.True(t, w.LastOpenTime().IsZero())
	assert.Equal(t, nextDate, w.Date())

	// The old date's bars no longer admit; the new date's do.
	d := w.Admit(ctx, mkBar(windowStart, domain.SourceLive, true), testDate, nextDate)
	assert.False(t, d.Accepted)
	d = w.Admit(ctx, mkBar(nextStart, domain.SourceLive, true), nextDate, nextDate)
	assert.True(t, d.Accepted)
}

func TestWindow_RestoreCounters(t *testing.T) {
	w := newTestWindow()
	ctx := context.Background()
	lastOpen := windowStart.Add(5 * time.Minute)
	w.RestoreCounters(4, 3, lastOpen)

	assert.Equal(t, 4, w.TotalGapMinutes())
	assert.Equal(t, 3, w.LargestGapMinutes())
	assert.Equal(t, lastOpen, w.LastOpenTime())

	// Hydration resumes after the restored last bar: a re-sent older bar is
	// out of order, the next expected bar admits with no extra gap.
	d := w.Admit(ctx, mkBar(windowStart, domain.SourceHistorical, true), testDate, testDate)
	assert.False(t, d.Accepted)
	assert.Equal(t, domain.RejectOutOfOrder, d.Reason)

	d = w.Admit(ctx, mkBar(lastOpen.Add(time.Minute), domain.SourceHistorical, true), testDate, testDate)
	assert.True(t, d.Accepted)
	assert.Equal(t, 0, d.GapMinutes)
	assert.Equal(t, 4, w.TotalGapMinutes())
}
