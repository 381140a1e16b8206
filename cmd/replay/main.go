// replay drives recorded bars through the admission and range pipeline and
// prints every decision and state transition as JSON lines. The execution
// gate stays closed throughout: replay never runs in live mode.
package main

import (
	"context"
	"encoding/json"
	"flag"
	"log"
	"os"
	"sort"
	"strconv"
	"sync"
	"time"

	"openrange/config"
	"openrange/internal/adapters/logger"
	"openrange/internal/clock"
	"openrange/internal/domain"
	"openrange/internal/rangeengine"
	"openrange/internal/stream"
	"openrange/internal/tradingdate"
	"openrange/internal/utils"
)

// memJournal is an in-process journal for replay runs; nothing a replay
// writes should survive the process.
type memJournal struct {
	mu   sync.Mutex
	recs map[string]domain.JournalRecord
}

func newMemJournal() *memJournal {
	return &memJournal{recs: make(map[string]domain.JournalRecord)}
}

func (m *memJournal) key(streamID string, date domain.TradingDate) string {
	return streamID + "|" + date.String()
}

func (m *memJournal) Save(ctx context.Context, rec *domain.JournalRecord) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.recs[m.key(rec.StreamID, rec.TradingDate)] = *rec
	return nil
}

func (m *memJournal) Find(ctx context.Context, streamID string, date domain.TradingDate) (*domain.JournalRecord, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if rec, ok := m.recs[m.key(streamID, date)]; ok {
		return &rec, nil
	}
	return nil, nil
}

func (m *memJournal) FindByDate(ctx context.Context, date domain.TradingDate) ([]*domain.JournalRecord, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []*domain.JournalRecord
	for _, rec := range m.recs {
		if rec.TradingDate.Equal(date) {
			r := rec
			out = append(out, &r)
		}
	}
	return out, nil
}

// replayEvent is one JSON line of replay output.
type replayEvent struct {
	Kind        string `json:"kind"` // "admission", "transition", "summary"
	StreamID    string `json:"streamId"`
	TradingDate string `json:"tradingDate,omitempty"`

	// admission
	BarOpenTime string `json:"barOpenTime,omitempty"`
	Accepted    *bool  `json:"accepted,omitempty"`
	Reason      string `json:"reason,omitempty"`
	Superseded  bool   `json:"superseded,omitempty"`
	GapMinutes  int    `json:"gapMinutes,omitempty"`

	// transition
	From string `json:"from,omitempty"`
	To   string `json:"to,omitempty"`
	At   string `json:"at,omitempty"`

	// summary
	State        string `json:"state,omitempty"`
	RangeHigh    string `json:"rangeHigh,omitempty"`
	RangeLow     string `json:"rangeLow,omitempty"`
	LongTrigger  string `json:"longTrigger,omitempty"`
	ShortTrigger string `json:"shortTrigger,omitempty"`
	BarCount     int    `json:"barCount,omitempty"`
}

func main() {
	csvPath := flag.String("bars", "", "CSV file of recorded bars (required)")
	timetablePath := flag.String("timetable", "./timetable.yaml", "timetable YAML path")
	logLevel := flag.String("log-level", "ERROR", "replay log verbosity")
	flag.Parse()

	if *csvPath == "" {
		flag.Usage()
		log.Fatal("FATAL: -bars is required")
	}

	appLogger := logger.NewStdLogger(logger.ParseLevel(*logLevel))
	ctx := context.Background()
	enc := json.NewEncoder(os.Stdout)

	tt, err := config.LoadTimetable(*timetablePath)
	if err != nil {
		log.Fatalf("FATAL: Failed to load timetable: %v", err)
	}
	cal, err := clock.NewCalendar(tt.Exchange.Timezone, tt.Exchange.CutoverHour)
	if err != nil {
		log.Fatalf("FATAL: Failed to build exchange calendar: %v", err)
	}

	bars, err := utils.ReadBarsFromCSV(*csvPath)
	if err != nil {
		log.Fatalf("FATAL: Failed to load bars: %v", err)
	}
	if len(bars) == 0 {
		log.Fatal("FATAL: no bars in input")
	}
	sort.Slice(bars, func(i, j int) bool { return bars[i].OpenTime.Before(bars[j].OpenTime) })

	authority, err := tradingdate.New(cal, appLogger)
	if err != nil {
		log.Fatalf("FATAL: %v", err)
	}
	date := authority.LockInitial(ctx, bars[0])
	gen := authority.Generation()
	journal := newMemJournal()

	// Build one stream per timetable entry whose instrument appears in the
	// recording.
	present := make(map[string]bool)
	for _, b := range bars {
		present[b.Instrument] = true
	}

	var streams []*stream.Stream
	byInstrument := make(map[string][]*stream.Stream)
	startAt := bars[0].OpenTime
	for _, sc := range tt.Streams {
		if !present[sc.Instrument] {
			continue
		}
		sess := tt.Sessions[sc.Session]
		ic := tt.Instruments[sc.Instrument]
		spec := stream.Spec{
			ID:                  sc.ID,
			CanonicalInstrument: sc.Instrument,
			ExecutionInstrument: tt.ExecutionFor(sc.Instrument),
			Session:             sc.Session,
			RangeStart:          sess.RangeStart,
			SlotTime:            sc.Slot,
			SessionEnd:          sess.SessionEnd,
			Interval:            bars[0].Interval,
			Tolerance: rangeengine.Tolerance{
				TotalGapMinutes:  sc.Tolerance.TotalGapMinutes,
				SingleGapMinutes: sc.Tolerance.SingleGapMinutes,
			},
			TickSize:         ic.TickSize,
			Enabled:          sc.Enabled,
			HydrationTimeout: time.Second,
		}
		s, err := stream.New(spec, cal, journal, appLogger, date, gen, startAt)
		if err != nil {
			log.Fatalf("FATAL: Failed to build stream %s: %v", sc.ID, err)
		}
		s.SetTransitionSink(func(ev domain.TransitionEvent) {
			enc.Encode(replayEvent{
				Kind:        "transition",
				StreamID:    ev.StreamID,
				TradingDate: ev.TradingDate.String(),
				From:        string(ev.From),
				To:          string(ev.To),
				Reason:      string(ev.Reason),
				At:          ev.At.UTC().Format(time.RFC3339),
			})
		})
		s.MarkHydrated() // recorded input, no backfill phase
		streams = append(streams, s)
		byInstrument[sc.Instrument] = append(byInstrument[sc.Instrument], s)
	}

	// Replay: each bar is admitted, then time advances to its close.
	for _, bar := range bars {
		barDate := authority.DateOf(bar)
		for _, s := range byInstrument[bar.Instrument] {
			decision := s.OnBar(ctx, bar, barDate, date)
			accepted := decision.Accepted
			enc.Encode(replayEvent{
				Kind:        "admission",
				StreamID:    s.ID(),
				TradingDate: date.String(),
				BarOpenTime: bar.OpenTime.UTC().Format(time.RFC3339),
				Accepted:    &accepted,
				Reason:      string(decision.Reason),
				Superseded:  decision.Superseded,
				GapMinutes:  decision.GapMinutes,
			})
		}
		for _, s := range streams {
			if err := s.Tick(ctx, bar.CloseTime); err != nil {
				log.Fatalf("FATAL: tick failed for %s: %v", s.ID(), err)
			}
		}
	}

	// Advance past every slot deadline so pending locks resolve.
	last := bars[len(bars)-1].CloseTime.Add(24 * time.Hour)
	for _, s := range streams {
		if err := s.Tick(ctx, last); err != nil {
			log.Fatalf("FATAL: final tick failed for %s: %v", s.ID(), err)
		}
	}

	for _, s := range streams {
		enc.Encode(summaryEvent(s, date))
	}
}

// summaryEvent snapshots the final state of one stream as the closing JSON
// line of a replay run.
func summaryEvent(s *stream.Stream, date domain.TradingDate) replayEvent {
	ev := replayEvent{
		Kind:        "summary",
		StreamID:    s.ID(),
		TradingDate: date.String(),
		State:       string(s.State()),
		BarCount:    s.Window().Size(),
	}
	if locked := s.LockedRange(); locked != nil {
		ev.RangeHigh = strconv.FormatFloat(locked.High, 'f', -1, 64)
		ev.RangeLow = strconv.FormatFloat(locked.Low, 'f', -1, 64)
		ev.LongTrigger = locked.LongTrigger.String()
		ev.ShortTrigger = locked.ShortTrigger.String()
		ev.BarCount = locked.BarCount
	}
	return ev
}
