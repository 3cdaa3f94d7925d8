package archive

import (
	"fmt"
	"strings"
	"time"
)

// DateLayout is the archive's canonical date rendering.
const DateLayout = "2006-01-02"

// Date is a calendar date without clock or zone.
type Date struct {
	Year  int
	Month time.Month
	Day   int
}

// NewDate normalizes the components through time.Date, so 2024-02-30 becomes 2024-03-01.
func NewDate(year int, month time.Month, day int) Date {
	return DateOf(time.Date(year, month, day, 0, 0, 0, 0, time.UTC))
}

// DateOf truncates t to its calendar date in t's location.
func DateOf(t time.Time) Date {
	y, m, d := t.Date()
	return Date{Year: y, Month: m, Day: d}
}

// ParseDate parses a YYYY-MM-DD string.
func ParseDate(raw string) (Date, error) {
	trimmed := strings.TrimSpace(raw)
	t, err := time.Parse(DateLayout, trimmed)
	if err != nil {
		return Date{}, fmt.Errorf("%w: date %q: %v", ErrInvalidTarget, raw, err)
	}
	return DateOf(t), nil
}

// String renders the date as YYYY-MM-DD.
func (d Date) String() string {
	return fmt.Sprintf("%04d-%02d-%02d", d.Year, int(d.Month), d.Day)
}

// Time returns midnight UTC on d.
func (d Date) Time() time.Time {
	return time.Date(d.Year, d.Month, d.Day, 0, 0, 0, 0, time.UTC)
}

// AddDays returns the date n days after d (n may be negative).
func (d Date) AddDays(n int) Date {
	return DateOf(d.Time().AddDate(0, 0, n))
}

// Before reports whether d is strictly earlier than other.
func (d Date) Before(other Date) bool {
	return d.Time().Before(other.Time())
}

// IsZero reports whether d is the zero Date.
func (d Date) IsZero() bool {
	return d == Date{}
}
