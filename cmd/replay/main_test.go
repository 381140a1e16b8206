package main

import (
	"context"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"openrange/internal/adapters/logger"
	"openrange/internal/clock"
	"openrange/internal/domain"
	"openrange/internal/rangeengine"
	"openrange/internal/stream"
)

var replayTestDate = domain.NewTradingDate(2024, time.March, 5)

// 08:30-09:00 CT on March 5, 2024 (CST): 14:30-15:00 UTC.
var replayRangeStart = time.Date(2024, 3, 5, 14, 30, 0, 0, time.UTC)

func replayBar(offset time.Duration, high, low float64) *domain.Bar {
	open := replayRangeStart.Add(offset)
	return &domain.Bar{
		Instrument: "NQ",
		OpenTime:   open,
		CloseTime:  open.Add(time.Minute),
		Interval:   time.Minute,
		Open:       low,
		High:       high,
		Low:        low,
		Close:      high,
		Source:     domain.SourceHistorical,
		IsFinal:    true,
	}
}

// lockedReplayStream drives one stream through the replay pipeline to
// RANGE_LOCKED against the in-memory journal.
func lockedReplayStream(t *testing.T) *stream.Stream {
	t.Helper()
	cal, err := clock.NewCalendar("America/Chicago", clock.DefaultCutoverHour)
	require.NoError(t, err)

	spec := stream.Spec{
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
		HydrationTimeout:    time.Second,
	}
	appLogger := logger.NewStdLogger(logger.LevelError)
	s, err := stream.New(spec, cal, newMemJournal(), appLogger, replayTestDate, 1, replayRangeStart)
	require.NoError(t, err)

	ctx := context.Background()
	s.MarkHydrated()
	require.NoError(t, s.Tick(ctx, replayRangeStart))
	for i, hl := range [][2]float64{{18010, 17995.5}, {18025.5, 17990}, {18001, 17998}} {
		d := s.OnBar(ctx, replayBar(time.Duration(i)*time.Minute, hl[0], hl[1]), replayTestDate, replayTestDate)
		require.True(t, d.Accepted)
	}
	require.NoError(t, s.Tick(ctx, replayRangeStart.Add(30*time.Minute)))
	require.Equal(t, domain.StateRangeLocked, s.State())
	return s
}

func TestSummaryEvent_LockedRange(t *testing.T) {
	s := lockedReplayStream(t)

	ev := summaryEvent(s, replayTestDate)
	assert.Equal(t, "summary", ev.Kind)
	assert.Equal(t, "nq-rth-0900", ev.StreamID)
	assert.Equal(t, "2024-03-05", ev.TradingDate)
	assert.Equal(t, string(domain.StateRangeLocked), ev.State)
	assert.Equal(t, "18025.5", ev.RangeHigh)
	assert.Equal(t, "17990", ev.RangeLow)
	assert.Equal(t, "18025.75", ev.LongTrigger)
	assert.Equal(t, "17989.75", ev.ShortTrigger)
	assert.Equal(t, 3, ev.BarCount)
}

func TestSummaryEvent_NoRange(t *testing.T) {
	cal, err := clock.NewCalendar("America/Chicago", clock.DefaultCutoverHour)
	require.NoError(t, err)
	spec := stream.Spec{
		ID:                  "nq-rth-0900",
		CanonicalInstrument: "NQ",
		RangeStart:          clock.TimeOfDay{Hour: 8, Minute: 30},
		SlotTime:            clock.TimeOfDay{Hour: 9, Minute: 0},
		SessionEnd:          clock.TimeOfDay{Hour: 15, Minute: 0},
		Interval:            time.Minute,
		TickSize:            decimal.RequireFromString("0.25"),
		HydrationTimeout:    time.Second,
	}
	s, err := stream.New(spec, cal, newMemJournal(), logger.NewStdLogger(logger.LevelError), replayTestDate, 1, replayRangeStart)
	require.NoError(t, err)

	ev := summaryEvent(s, replayTestDate)
	assert.Equal(t, string(domain.StatePreHydration), ev.State)
	assert.Empty(t, ev.RangeHigh)
	assert.Empty(t, ev.RangeLow)
	assert.Zero(t, ev.BarCount)
}
