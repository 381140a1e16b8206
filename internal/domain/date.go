package domain

import (
	"fmt"
	"time"
)

// TradingDate is an exchange-calendar date. It is deliberately not a
// time.Time: a trading date has no clock component and its boundary is the
// exchange cutover hour, not midnight.
type TradingDate struct {
	Year  int
	Month time.Month
	Day   int
}

// NewTradingDate builds a TradingDate from calendar components.
func NewTradingDate(year int, month time.Month, day int) TradingDate {
	return TradingDate{Year: year, Month: month, Day: day}
}

// TradingDateFromTime takes the calendar date of t in its own location.
// Callers that need cutover-aware derivation should go through the clock
// package instead.
func TradingDateFromTime(t time.Time) TradingDate {
	y, m, d := t.Date()
	return TradingDate{Year: y, Month: m, Day: d}
}

// ParseTradingDate parses a date in "2006-01-02" form.
func ParseTradingDate(s string) (TradingDate, error) {
	t, err := time.Parse("2006-01-02", s)
	if err != nil {
		return TradingDate{}, fmt.Errorf("invalid trading date %q: %w", s, err)
	}
	return TradingDateFromTime(t), nil
}

// String renders the date as "2006-01-02".
func (d TradingDate) String() string {
	return fmt.Sprintf("%04d-%02d-%02d", d.Year, int(d.Month), d.Day)
}

// IsZero reports whether the date is the zero value.
func (d TradingDate) IsZero() bool {
	return d.Year == 0 && d.Month == 0 && d.Day == 0
}

// Next returns the following calendar date.
func (d TradingDate) Next() TradingDate {
	t := time.Date(d.Year, d.Month, d.Day, 0, 0, 0, 0, time.UTC).AddDate(0, 0, 1)
	return TradingDateFromTime(t)
}

// Compare returns -1, 0 or +1 depending on whether d is before, equal to or
// after other.
func (d TradingDate) Compare(other TradingDate) int {
	a := d.ordinal()
	b := other.ordinal()
	switch {
	case a < b:
		return -1
	case a > b:
		return 1
	default:
		return 0
	}
}

// Equal reports calendar equality.
func (d TradingDate) Equal(other TradingDate) bool { return d.Compare(other) == 0 }

// Before reports whether d is strictly earlier than other.
func (d TradingDate) Before(other TradingDate) bool { return d.Compare(other) < 0 }

// After reports whether d is strictly later than other.
func (d TradingDate) After(other TradingDate) bool { return d.Compare(other) > 0 }

func (d TradingDate) ordinal() int {
	return d.Year*10000 + int(d.Month)*100 + d.Day
}
