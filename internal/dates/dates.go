// Package dates produces the target dates for a crawl: inclusive calendar
// ranges and the missing-date files written by the gap checker.
package dates

import (
	"encoding/csv"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"

	"github.com/JakeFAU/sensor-archive-crawler/internal/archive"
)

// ErrEmptyRange is returned when end precedes start.
var ErrEmptyRange = errors.New("end date precedes start date")

// Range returns every date from start through end inclusive.
func Range(start, end archive.Date) ([]archive.Date, error) {
	if start.IsZero() || end.IsZero() {
		return nil, fmt.Errorf("%w: range needs both start and end", archive.ErrInvalidTarget)
	}
	if end.Before(start) {
		return nil, fmt.Errorf("%w: %s..%s", ErrEmptyRange, start, end)
	}
	var out []archive.Date
	for d := start; !end.Before(d); d = d.AddDays(1) {
		out = append(out, d)
	}
	return out, nil
}

// ParseRange is Range for YYYY-MM-DD strings.
func ParseRange(start, end string) ([]archive.Date, error) {
	s, err := archive.ParseDate(start)
	if err != nil {
		return nil, fmt.Errorf("start: %w", err)
	}
	e, err := archive.ParseDate(end)
	if err != nil {
		return nil, fmt.Errorf("end: %w", err)
	}
	return Range(s, e)
}

// FromCSV reads the first column of every row after the header. Values are
// returned verbatim (trimmed) so that malformed dates surface as invalid
// targets instead of being dropped here. Blank rows are skipped.
func FromCSV(r io.Reader) ([]string, error) {
	reader := csv.NewReader(r)
	reader.FieldsPerRecord = -1
	reader.TrimLeadingSpace = true

	if _, err := reader.Read(); err != nil {
		if errors.Is(err, io.EOF) {
			return nil, nil
		}
		return nil, fmt.Errorf("read header: %w", err)
	}
	var out []string
	for {
		row, err := reader.Read()
		if errors.Is(err, io.EOF) {
			return out, nil
		}
		if err != nil {
			return nil, fmt.Errorf("read dates: %w", err)
		}
		if len(row) == 0 {
			continue
		}
		if v := strings.TrimSpace(row[0]); v != "" {
			out = append(out, v)
		}
	}
}

// FromFile opens path and reads it with FromCSV.
func FromFile(path string) ([]string, error) {
	f, err := os.Open(path) // #nosec G304 -- path is operator supplied
	if err != nil {
		return nil, fmt.Errorf("open dates file: %w", err)
	}
	defer func() { _ = f.Close() }()
	return FromCSV(f)
}

// MissingDatesPath is where the gap checker writes missing dates for sensor.
func MissingDatesPath(dir string, sensor archive.SensorID) string {
	return filepath.Join(dir, string(sensor)+"_missing_dates.csv")
}
