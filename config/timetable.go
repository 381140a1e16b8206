package config

import (
	"fmt"
	"os"
	"strings"

	"github.com/shopspring/decimal"
	"gopkg.in/yaml.v3"

	"openrange/internal/clock"
)

// Timetable is the YAML-configured trading schedule: exchange calendar
// rules, named sessions, the enumerated legal slot times, per-instrument
// parameters, and the stream list.
type Timetable struct {
	Exchange    ExchangeConfig              `yaml:"exchange"`
	Sessions    map[string]SessionConfig    `yaml:"sessions"`
	Slots       []clock.TimeOfDay           `yaml:"slots"`
	Instruments map[string]InstrumentConfig `yaml:"instruments"`
	Streams     []StreamConfig              `yaml:"streams"`
}

// ExchangeConfig holds the calendar rules.
type ExchangeConfig struct {
	Timezone    string `yaml:"timezone"`
	CutoverHour int    `yaml:"cutover_hour"`
}

// SessionConfig holds one named session's boundaries (exchange-local).
type SessionConfig struct {
	RangeStart clock.TimeOfDay `yaml:"range_start"`
	SessionEnd clock.TimeOfDay `yaml:"session_end"`
}

// InstrumentConfig holds per-instrument parameters.
type InstrumentConfig struct {
	TickSize  decimal.Decimal `yaml:"tick_size"`
	Execution string          `yaml:"execution"` // executed contract, e.g. micro; defaults to the canonical symbol
}

// ToleranceConfig holds the gap-tolerance thresholds for one stream.
type ToleranceConfig struct {
	TotalGapMinutes  int `yaml:"total_gap_minutes"`
	SingleGapMinutes int `yaml:"single_gap_minutes"`
}

// StreamConfig defines one (instrument, session, slot) stream.
type StreamConfig struct {
	ID         string          `yaml:"id"`
	Instrument string          `yaml:"instrument"`
	Session    string          `yaml:"session"`
	Slot       clock.TimeOfDay `yaml:"slot"`
	Enabled    bool            `yaml:"enabled"`
	Tolerance  ToleranceConfig `yaml:"tolerance"`
}

// LoadTimetable reads and validates the timetable YAML file.
func LoadTimetable(path string) (*Timetable, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read timetable %q: %w", path, err)
	}
	tt := &Timetable{}
	if err := yaml.Unmarshal(data, tt); err != nil {
		return nil, fmt.Errorf("failed to parse timetable %q: %w", path, err)
	}
	if err := tt.Validate(); err != nil {
		return nil, fmt.Errorf("timetable %q: %w", path, err)
	}
	return tt, nil
}

// Validate checks cross-references and value ranges.
func (tt *Timetable) Validate() error {
	var errs []string

	if tt.Exchange.Timezone == "" {
		errs = append(errs, "exchange.timezone must be set")
	}
	if tt.Exchange.CutoverHour < 0 || tt.Exchange.CutoverHour > 23 {
		errs = append(errs, fmt.Sprintf("exchange.cutover_hour %d out of range [0,23]", tt.Exchange.CutoverHour))
	}
	if len(tt.Sessions) == 0 {
		errs = append(errs, "at least one session must be defined")
	}
	if len(tt.Slots) == 0 {
		errs = append(errs, "at least one slot time must be enumerated")
	}
	if len(tt.Streams) == 0 {
		errs = append(errs, "at least one stream must be defined")
	}

	legalSlot := make(map[string]bool, len(tt.Slots))
	for _, s := range tt.Slots {
		legalSlot[s.String()] = true
	}

	seen := make(map[string]bool, len(tt.Streams))
	for _, sc := range tt.Streams {
		if sc.ID == "" {
			errs = append(errs, "stream with empty id")
			continue
		}
		if seen[sc.ID] {
			errs = append(errs, fmt.Sprintf("duplicate stream id %q", sc.ID))
		}
		seen[sc.ID] = true

		sess, ok := tt.Sessions[sc.Session]
		if !ok {
			errs = append(errs, fmt.Sprintf("stream %s references unknown session %q", sc.ID, sc.Session))
			continue
		}
		if _, ok := tt.Instruments[sc.Instrument]; !ok {
			errs = append(errs, fmt.Sprintf("stream %s references unknown instrument %q", sc.ID, sc.Instrument))
		}
		if !legalSlot[sc.Slot.String()] {
			errs = append(errs, fmt.Sprintf("stream %s slot %s is not in the enumerated slot list", sc.ID, sc.Slot))
		}
		if !sess.RangeStart.Before(sc.Slot) {
			errs = append(errs, fmt.Sprintf("stream %s: session %s range start %s must precede slot %s", sc.ID, sc.Session, sess.RangeStart, sc.Slot))
		}
		if sc.Tolerance.TotalGapMinutes < 0 || sc.Tolerance.SingleGapMinutes < 0 {
			errs = append(errs, fmt.Sprintf("stream %s: gap tolerances cannot be negative", sc.ID))
		}
	}

	for name, ic := range tt.Instruments {
		if ic.TickSize.Sign() <= 0 {
			errs = append(errs, fmt.Sprintf("instrument %s: tick_size must be positive", name))
		}
	}

	if len(errs) > 0 {
		return fmt.Errorf("validation failed: %s", strings.Join(errs, "; "))
	}
	return nil
}

// ExecutionFor returns the executed contract for a canonical instrument,
// falling back to the canonical symbol itself.
func (tt *Timetable) ExecutionFor(instrument string) string {
	if ic, ok := tt.Instruments[instrument]; ok && ic.Execution != "" {
		return ic.Execution
	}
	return instrument
}
