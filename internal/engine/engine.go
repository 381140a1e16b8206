// Package engine hosts the tick driver: bar events and periodic timer
// events are serialized into one processing loop, so no two bars for the
// same stream are ever processed concurrently. The engine owns stream
// construction at date lock, hydration, rollover resets, and the execution
// path entry points.
package engine

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"openrange/config"
	"openrange/internal/clock"
	"openrange/internal/domain"
	"openrange/internal/gate"
	"openrange/internal/metrics"
	"openrange/internal/ports"
	"openrange/internal/rangeengine"
	"openrange/internal/stream"
	"openrange/internal/tradingdate"
)

const (
	// eventBuffer bounds the serialized event queue. Bars arrive once per
	// interval per instrument; hydration batches are chunky but rare.
	eventBuffer = 256
	// tickPeriod drives time-based transitions between bars.
	tickPeriod = time.Second
)

// event is one unit of work for the serialized loop.
type event struct {
	bar       *domain.Bar
	hydration *hydrationResult
	tick      bool
	now       time.Time
}

// hydrationResult carries a finished backfill fetch back into the loop.
type hydrationResult struct {
	streamID string
	bars     []*domain.Bar
	err      error
}

// Options configures an Engine.
type Options struct {
	Timetable        *config.Timetable
	Calendar         *clock.Calendar
	Feed             ports.MarketFeed
	Journal          ports.JournalRepository
	Logger           ports.Logger
	Metrics          *metrics.Metrics
	BarInterval      time.Duration
	HydrationTimeout time.Duration
	LiveMode         bool
	AdminToken       string
}

// Engine orchestrates all streams for one process.
type Engine struct {
	tt               *config.Timetable
	cal              *clock.Calendar
	feed             ports.MarketFeed
	journal          ports.JournalRepository
	logger           ports.Logger
	metrics          *metrics.Metrics
	authority        *tradingdate.Authority
	gate             *gate.Gate
	barInterval      time.Duration
	hydrationTimeout time.Duration
	liveMode         bool
	adminToken       string

	// now is swappable for tests.
	now func() time.Time

	events chan event

	// mu guards the stream maps and all stream mutation. The loop goroutine
	// is the only writer during Run; the execution-path methods take the
	// same lock so gate evaluation sees consistent state.
	mu           sync.Mutex
	streams      map[string]*stream.Stream   // by stream id
	byInstrument map[string][]*stream.Stream // by canonical instrument
	generation   uint64                      // trading date generation last applied
}

// New creates an engine instance.
func New(opts Options) (*Engine, error) {
	if opts.Timetable == nil || opts.Calendar == nil || opts.Feed == nil ||
		opts.Journal == nil || opts.Logger == nil || opts.Metrics == nil {
		return nil, fmt.Errorf("missing required dependencies for engine")
	}
	if opts.BarInterval <= 0 {
		return nil, fmt.Errorf("engine bar interval must be positive")
	}
	if opts.HydrationTimeout <= 0 {
		return nil, fmt.Errorf("engine hydration timeout must be positive")
	}
	authority, err := tradingdate.New(opts.Calendar, opts.Logger)
	if err != nil {
		return nil, err
	}
	g, err := gate.New(opts.Calendar, opts.Logger, opts.LiveMode)
	if err != nil {
		return nil, err
	}
	return &Engine{
		tt:               opts.Timetable,
		cal:              opts.Calendar,
		feed:             opts.Feed,
		journal:          opts.Journal,
		logger:           opts.Logger,
		metrics:          opts.Metrics,
		authority:        authority,
		gate:             g,
		barInterval:      opts.BarInterval,
		hydrationTimeout: opts.HydrationTimeout,
		liveMode:         opts.LiveMode,
		adminToken:       opts.AdminToken,
		now:              time.Now,
		events:           make(chan event, eventBuffer),
		streams:          make(map[string]*stream.Stream),
		byInstrument:     make(map[string][]*stream.Stream),
	}, nil
}

// instruments returns the distinct canonical instruments in the timetable.
func (e *Engine) instruments() []string {
	seen := make(map[string]bool)
	var out []string
	for _, sc := range e.tt.Streams {
		if !seen[sc.Instrument] {
			seen[sc.Instrument] = true
			out = append(out, sc.Instrument)
		}
	}
	return out
}

// Run starts the feed streams and the serialized processing loop, blocking
// until the context is cancelled or the feed dies.
func (e *Engine) Run(ctx context.Context) error {
	e.logger.Info(ctx, "Starting opening-range engine", map[string]interface{}{
		"streams":  len(e.tt.Streams),
		"liveMode": e.liveMode,
	})

	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	defer signal.Stop(sigCh)
	go func() {
		select {
		case sig := <-sigCh:
			e.logger.Info(ctx, "Received shutdown signal", map[string]interface{}{"signal": sig.String()})
			cancel()
		case <-ctx.Done():
		}
	}()

	// One live stream per canonical instrument; all funnel into the loop.
	var doneChs []chan struct{}
	var stopChs []chan struct{}
	for _, instrument := range e.instruments() {
		doneCh, stopCh, err := e.feed.StreamBars(ctx, instrument, e.barInterval,
			func(bar *domain.Bar) {
				select {
				case e.events <- event{bar: bar, now: e.now()}:
				case <-ctx.Done():
				}
			},
			func(err error) {
				e.logger.Error(ctx, err, "Feed stream error reported")
			})
		if err != nil {
			return fmt.Errorf("failed to start bar stream for %s: %w", instrument, err)
		}
		doneChs = append(doneChs, doneCh)
		stopChs = append(stopChs, stopCh)
	}
	defer func() {
		for _, stopCh := range stopChs {
			select {
			case stopCh <- struct{}{}:
			default:
			}
		}
	}()

	feedDown := make(chan struct{})
	go func() {
		for _, doneCh := range doneChs {
			<-doneCh
		}
		close(feedDown)
	}()

	ticker := time.NewTicker(tickPeriod)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			e.logger.Info(ctx, "Engine context cancelled, shutting down")
			return nil
		case <-feedDown:
			return fmt.Errorf("all feed streams stopped unexpectedly: %w", ports.ErrFeedUnavailable)
		case now := <-ticker.C:
			e.handleTick(ctx, now)
		case ev := <-e.events:
			switch {
			case ev.bar != nil:
				e.handleBar(ctx, ev.bar, ev.now)
			case ev.hydration != nil:
				e.handleHydration(ctx, ev.hydration)
			case ev.tick:
				e.handleTick(ctx, ev.now)
			}
		}
	}
}

// handleBar runs one bar through the date authority and every stream of its
// instrument, then drives time-based transitions with the bar in place.
func (e *Engine) handleBar(ctx context.Context, bar *domain.Bar, now time.Time) {
	_, lockedOK := e.authority.Current()
	obs := e.authority.Observe(ctx, bar)

	switch obs {
	case tradingdate.ObservationRolledBackward:
		// The authority already logged loudly; the bar is dropped.
		e.metrics.Rollovers.WithLabelValues("backward").Inc()
		return
	case tradingdate.ObservationRolledForward:
		e.metrics.Rollovers.WithLabelValues("forward").Inc()
	}

	date, gen, _ := e.authority.Snapshot()

	e.mu.Lock()
	defer e.mu.Unlock()

	if !lockedOK {
		// First bar after start: the date just locked, build the stream set.
		e.buildStreams(ctx, date, gen, now)
	} else if gen != e.generation {
		// Rollover: every stream resets synchronously before any bar under
		// the new date is admitted.
		e.resetStreams(ctx, date, gen, now)
	}

	barDate := e.authority.DateOf(bar)
	for _, s := range e.byInstrument[bar.Instrument] {
		decision := s.OnBar(ctx, bar, barDate, date)
		outcome := "accepted"
		if !decision.Accepted {
			outcome = string(decision.Reason)
		}
		e.metrics.Admissions.WithLabelValues(s.ID(), outcome).Inc()
		if err := s.Tick(ctx, now); err != nil {
			e.metrics.JournalWriteFailures.Inc()
			e.logger.Error(ctx, err, "Stream tick failed after bar", map[string]interface{}{
				"streamID": s.ID(),
			})
		}
	}
}

// handleTick drives time-based transitions for every stream.
func (e *Engine) handleTick(ctx context.Context, now time.Time) {
	e.mu.Lock()
	defer e.mu.Unlock()
	for _, s := range e.streams {
		if err := s.Tick(ctx, now); err != nil {
			e.metrics.JournalWriteFailures.Inc()
			e.logger.Error(ctx, err, "Stream tick failed", map[string]interface{}{
				"streamID": s.ID(),
			})
		}
	}
}

// buildStreams constructs the stream set for the freshly locked trading
// date, restoring journaled state and skipping committed streams.
// Caller holds e.mu.
func (e *Engine) buildStreams(ctx context.Context, date domain.TradingDate, gen uint64, now time.Time) {
	e.generation = gen
	for _, sc := range e.tt.Streams {
		spec, err := e.specFor(sc)
		if err != nil {
			e.logger.Error(ctx, err, "Skipping invalid stream config", map[string]interface{}{"streamID": sc.ID})
			continue
		}
		s, err := stream.New(spec, e.cal, e.journal, e.logger, date, gen, now)
		if err != nil {
			e.logger.Error(ctx, err, "Failed to build stream", map[string]interface{}{"streamID": sc.ID})
			continue
		}
		s.SetTransitionSink(e.observeTransition)

		rec, err := e.journal.Find(ctx, sc.ID, date)
		if err != nil {
			// Journal must be readable at startup; refuse to run the stream
			// blind rather than risk double-arming a committed one.
			e.logger.Error(ctx, err, "Failed to read journal at startup, stream not armed", map[string]interface{}{
				"streamID":    sc.ID,
				"tradingDate": date.String(),
			})
			continue
		}
		if err := s.Restore(ctx, rec); err != nil {
			e.logger.Error(ctx, err, "Failed to restore stream from journal", map[string]interface{}{
				"streamID": sc.ID,
			})
			continue
		}

		e.streams[s.ID()] = s
		e.byInstrument[spec.CanonicalInstrument] = append(e.byInstrument[spec.CanonicalInstrument], s)
		if !s.Committed() {
			e.startHydration(ctx, s, now)
		}
	}
	e.logger.Info(ctx, "Stream set built for trading date", map[string]interface{}{
		"tradingDate": date.String(),
		"streams":     len(e.streams),
	})
}

// resetStreams applies a forward rollover to every stream. Caller holds e.mu.
func (e *Engine) resetStreams(ctx context.Context, date domain.TradingDate, gen uint64, now time.Time) {
	e.generation = gen
	for _, s := range e.streams {
		s.ResetForDate(ctx, date, gen, now)
		e.startHydration(ctx, s, now)
	}
	e.logger.Info(ctx, "All streams reset for new trading date", map[string]interface{}{
		"tradingDate": date.String(),
		"generation":  gen,
	})
}

// specFor maps a timetable stream entry onto a stream.Spec.
func (e *Engine) specFor(sc config.StreamConfig) (stream.Spec, error) {
	sess, ok := e.tt.Sessions[sc.Session]
	if !ok {
		return stream.Spec{}, fmt.Errorf("unknown session %q: %w", sc.Session, ports.ErrConfigurationError)
	}
	ic, ok := e.tt.Instruments[sc.Instrument]
	if !ok {
		return stream.Spec{}, fmt.Errorf("unknown instrument %q: %w", sc.Instrument, ports.ErrConfigurationError)
	}
	return stream.Spec{
		ID:                  sc.ID,
		CanonicalInstrument: sc.Instrument,
		ExecutionInstrument: e.tt.ExecutionFor(sc.Instrument),
		Session:             sc.Session,
		RangeStart:          sess.RangeStart,
		SlotTime:            sc.Slot,
		SessionEnd:          sess.SessionEnd,
		Interval:            e.barInterval,
		Tolerance: rangeengine.Tolerance{
			TotalGapMinutes:  sc.Tolerance.TotalGapMinutes,
			SingleGapMinutes: sc.Tolerance.SingleGapMinutes,
		},
		TickSize:         ic.TickSize,
		Enabled:          sc.Enabled,
		HydrationTimeout: e.hydrationTimeout,
	}, nil
}

// startHydration launches the bounded historical backfill for one stream.
// The fetch runs under its own deadline so a stalled bridge cannot block
// other streams; the result re-enters the serialized loop as an event.
// Caller holds e.mu.
func (e *Engine) startHydration(ctx context.Context, s *stream.Stream, now time.Time) {
	start, end, needed := s.HydrationRange(now)
	if !needed {
		s.MarkHydrated()
		return
	}
	streamID := s.ID()
	instrument := s.Spec().CanonicalInstrument
	interval := s.Spec().Interval

	go func() {
		fetchCtx, cancel := context.WithTimeout(ctx, e.hydrationTimeout)
		defer cancel()
		bars, err := e.feed.GetHistoricalBars(fetchCtx, instrument, interval, start, end)
		select {
		case e.events <- event{hydration: &hydrationResult{streamID: streamID, bars: bars, err: err}}:
		case <-ctx.Done():
		}
	}()
}

// handleHydration feeds a finished backfill through the owning stream's
// admission pipeline and marks it hydrated on success. Errors are surfaced
// but not retried here: the stream's hydration deadline forces progress.
func (e *Engine) handleHydration(ctx context.Context, res *hydrationResult) {
	e.mu.Lock()
	defer e.mu.Unlock()

	s, ok := e.streams[res.streamID]
	if !ok {
		return
	}
	if res.err != nil {
		e.logger.Warn(ctx, "Hydration fetch failed; stream will arm at deadline", map[string]interface{}{
			"streamID": res.streamID,
			"error":    res.err.Error(),
		})
		return
	}

	date, _, lockedOK := e.authority.Snapshot()
	if !lockedOK {
		return
	}
	for _, bar := range res.bars {
		barDate := e.authority.DateOf(bar)
		decision := s.OnBar(ctx, bar, barDate, date)
		outcome := "accepted"
		if !decision.Accepted {
			outcome = string(decision.Reason)
		}
		e.metrics.Admissions.WithLabelValues(s.ID(), outcome).Inc()
	}
	s.MarkHydrated()
	e.logger.Info(ctx, "Stream hydrated", map[string]interface{}{
		"streamID": res.streamID,
		"bars":     len(res.bars),
	})
}

// observeTransition is the transition sink shared by all streams.
func (e *Engine) observeTransition(ev domain.TransitionEvent) {
	e.metrics.Transitions.WithLabelValues(string(ev.To)).Inc()
	if ev.Reason == domain.ReasonHydrationTimeout {
		e.metrics.HydrationTimeouts.Inc()
	}
}

// --- Execution path (never called inside the tick loop) ---

// CanExecute evaluates the execution gate for one stream. Read-only and
// safe to call repeatedly from the order-submission path.
func (e *Engine) CanExecute(ctx context.Context, streamID string) (gate.Result, error) {
	e.mu.Lock()
	defer e.mu.Unlock()

	s, ok := e.streams[streamID]
	if !ok {
		return gate.Result{}, fmt.Errorf("stream %q: %w", streamID, ports.ErrNotFound)
	}
	date, _, lockedOK := e.authority.Snapshot()
	if !lockedOK {
		return gate.Result{}, ports.ErrDateNotLocked
	}
	result := e.gate.CanExecute(ctx, s, date, e.now())
	for _, v := range result.Violations {
		e.metrics.GateDenials.WithLabelValues(string(v)).Inc()
	}
	return result, nil
}

// LockedRange returns the frozen breakout levels for a stream, or an error
// while no valid locked range exists.
func (e *Engine) LockedRange(streamID string) (*rangeengine.LockedRange, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	s, ok := e.streams[streamID]
	if !ok {
		return nil, fmt.Errorf("stream %q: %w", streamID, ports.ErrNotFound)
	}
	locked := s.LockedRange()
	if locked == nil {
		return nil, fmt.Errorf("stream %q has no locked range: %w", streamID, ports.ErrNotFound)
	}
	return locked, nil
}

// CompleteEntry commits a stream after its breakout entry sequence finished.
func (e *Engine) CompleteEntry(ctx context.Context, streamID string) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	s, ok := e.streams[streamID]
	if !ok {
		return fmt.Errorf("stream %q: %w", streamID, ports.ErrNotFound)
	}
	return s.CompleteEntry(ctx, e.now())
}

// DecideNoTrade commits a stream with an explicit no-trade decision.
func (e *Engine) DecideNoTrade(ctx context.Context, streamID string) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	s, ok := e.streams[streamID]
	if !ok {
		return fmt.Errorf("stream %q: %w", streamID, ports.ErrNotFound)
	}
	return s.DecideNoTrade(ctx, e.now())
}

// AdminReopen is the separately-authorized override that unwraps a
// committed stream. It refuses without a matching override token.
func (e *Engine) AdminReopen(ctx context.Context, streamID, token string) error {
	if e.adminToken == "" || token != e.adminToken {
		e.logger.Warn(ctx, "Admin reopen refused: invalid override token", map[string]interface{}{
			"streamID": streamID,
		})
		return fmt.Errorf("admin reopen for %q: %w", streamID, ports.ErrInvalidRequest)
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	s, ok := e.streams[streamID]
	if !ok {
		return fmt.Errorf("stream %q: %w", streamID, ports.ErrNotFound)
	}
	return s.AdminReopen(ctx, e.now())
}
