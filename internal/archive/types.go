package archive

import (
	"fmt"
	"strings"
)

// SensorID identifies one sensor. It is opaque and used verbatim.
type SensorID string

// Validate rejects identifiers that cannot name an output directory.
func (s SensorID) Validate() error {
	raw := string(s)
	if strings.TrimSpace(raw) == "" {
		return fmt.Errorf("%w: empty sensor id", ErrInvalidTarget)
	}
	if strings.ContainsAny(raw, `/\`) || raw == "." || raw == ".." {
		return fmt.Errorf("%w: sensor id %q is not a valid directory name", ErrInvalidTarget, raw)
	}
	return nil
}

// SensorIDs converts raw strings, trimming whitespace and dropping blanks.
func SensorIDs(raw []string) []SensorID {
	out := make([]SensorID, 0, len(raw))
	for _, r := range raw {
		r = strings.TrimSpace(r)
		if r == "" {
			continue
		}
		out = append(out, SensorID(r))
	}
	return out
}

// Target is the unit of work for one listing fetch: a date and the sensors
// whose files are wanted from that date's listing.
type Target struct {
	Date    Date
	Sensors []SensorID
	// Raw is the date as supplied by the caller.
	Raw string
	// Err is set when the target was rejected while being built.
	Err error
}

// NewTargets builds one target per raw date, each carrying every sensor.
// Unparseable dates yield targets with Err set instead of being dropped.
func NewTargets(rawDates []string, sensors []SensorID) []Target {
	targets := make([]Target, 0, len(rawDates))
	for _, raw := range rawDates {
		t := Target{Raw: raw, Sensors: sensors}
		date, err := ParseDate(raw)
		if err != nil {
			t.Err = err
		} else {
			t.Date = date
		}
		targets = append(targets, t)
	}
	return targets
}

// TargetsForDates is NewTargets for already parsed dates.
func TargetsForDates(dates []Date, sensors []SensorID) []Target {
	targets := make([]Target, 0, len(dates))
	for _, d := range dates {
		targets = append(targets, Target{Date: d, Sensors: sensors, Raw: d.String()})
	}
	return targets
}

// Validate returns the reason the target cannot be crawled, if any.
func (t Target) Validate() error {
	if t.Err != nil {
		return t.Err
	}
	if t.Date.IsZero() {
		return fmt.Errorf("%w: missing date", ErrInvalidTarget)
	}
	if len(t.Sensors) == 0 {
		return fmt.Errorf("%w: no sensors for %s", ErrInvalidTarget, t.Date)
	}
	for _, s := range t.Sensors {
		if err := s.Validate(); err != nil {
			return err
		}
	}
	return nil
}

// String identifies the target in logs.
func (t Target) String() string {
	if t.Date.IsZero() {
		return t.Raw
	}
	return t.Date.String()
}

// Link is one hyperlink extracted from a listing page.
type Link struct {
	// Href is the anchor's target attribute, verbatim.
	Href string
	// URL is Href resolved against the listing URL.
	URL string
}

// Entry is a remote file believed to belong to one sensor on one date.
type Entry struct {
	Date       Date
	Sensor     SensorID
	Name       string
	URL        string
	LocalPath  string
	Compressed bool
}

// FinalPath is where the materialized, decompressed file ends up.
func (e Entry) FinalPath() string {
	if e.Compressed {
		return StripCompression(e.LocalPath)
	}
	return e.LocalPath
}
