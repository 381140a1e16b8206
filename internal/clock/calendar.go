// Package clock owns the exchange-local time rules: timezone conversion,
// the trading-day cutover boundary, and resolution of session wall times
// into UTC instants for a given trading date.
package clock

import (
	"fmt"
	"time"

	"openrange/internal/domain"
)

// DefaultCutoverHour is the CME-style exchange-day rollover boundary:
// bars at or after 17:00 exchange-local belong to the next trading date.
const DefaultCutoverHour = 17

// Calendar converts between UTC and exchange-local time and applies the
// trading-day boundary rule.
type Calendar struct {
	loc         *time.Location
	cutoverHour int
}

// NewCalendar builds a Calendar for an IANA timezone name.
func NewCalendar(tzName string, cutoverHour int) (*Calendar, error) {
	if tzName == "" {
		return nil, fmt.Errorf("exchange timezone is required")
	}
	if cutoverHour < 0 || cutoverHour > 23 {
		return nil, fmt.Errorf("cutover hour %d out of range [0,23]", cutoverHour)
	}
	loc, err := time.LoadLocation(tzName)
	if err != nil {
		return nil, fmt.Errorf("failed to load exchange timezone %q: %w", tzName, err)
	}
	return &Calendar{loc: loc, cutoverHour: cutoverHour}, nil
}

// Location returns the exchange timezone.
func (c *Calendar) Location() *time.Location { return c.loc }

// CutoverHour returns the exchange-local rollover hour.
func (c *Calendar) CutoverHour() int { return c.cutoverHour }

// ToExchange converts an instant to exchange-local time.
func (c *Calendar) ToExchange(t time.Time) time.Time { return t.In(c.loc) }

// TradingDateOf derives the trading date owning an instant: an exchange-local
// hour at or past the cutover belongs to the next calendar date.
func (c *Calendar) TradingDateOf(t time.Time) domain.TradingDate {
	local := t.In(c.loc)
	date := domain.TradingDateFromTime(local)
	if local.Hour() >= c.cutoverHour {
		date = date.Next()
	}
	return date
}

// Instant resolves an exchange-local wall time on a trading date to a UTC
// instant. A wall time at or past the cutover hour belongs to the evening
// before, i.e. the previous calendar day of that trading date.
func (c *Calendar) Instant(date domain.TradingDate, tod TimeOfDay) time.Time {
	y, m, d := date.Year, date.Month, date.Day
	if tod.Hour >= c.cutoverHour {
		prev := time.Date(y, m, d, 0, 0, 0, 0, c.loc).AddDate(0, 0, -1)
		y, m, d = prev.Date()
	}
	return time.Date(y, m, d, tod.Hour, tod.Minute, 0, 0, c.loc).UTC()
}
