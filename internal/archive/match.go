package archive

import (
	"fmt"
	"net/url"
	"path"
	"regexp"
	"strings"
	"sync"
)

var patternCache sync.Map // map[string]*regexp.Regexp keyed by date|sensor

// namePattern matches "{date}_<anything>_sensor_{sensor}.csv" with an optional ".gz".
func namePattern(date Date, sensor SensorID) *regexp.Regexp {
	key := date.String() + "|" + string(sensor)
	if cached, ok := patternCache.Load(key); ok {
		if re, isRe := cached.(*regexp.Regexp); isRe {
			return re
		}
	}
	expr := fmt.Sprintf(`^%s_.*_sensor_%s%s(%s)?$`,
		regexp.QuoteMeta(date.String()),
		regexp.QuoteMeta(string(sensor)),
		regexp.QuoteMeta(DataSuffix),
		regexp.QuoteMeta(CompressionSuffix),
	)
	re := regexp.MustCompile(expr)
	actual, _ := patternCache.LoadOrStore(key, re)
	if stored, ok := actual.(*regexp.Regexp); ok {
		return stored
	}
	return re
}

// MatchName reports whether name is a data file for sensor on date.
func MatchName(date Date, sensor SensorID, name string) bool {
	if name == "" {
		return false
	}
	return namePattern(date, sensor).MatchString(name)
}

// FileName extracts the remote filename from an href, dropping any directory,
// query or fragment. Unparseable hrefs are returned trimmed.
func FileName(href string) string {
	href = strings.TrimSpace(href)
	u, err := url.Parse(href)
	if err != nil {
		return href
	}
	if u.Path == "" || strings.HasSuffix(u.Path, "/") {
		return ""
	}
	return path.Base(u.Path)
}

// Match filters links down to entries for the given date and sensors.
// Entries are ordered by sensor (input order), then link (document order),
// so identical listings always yield identical entries. Links matching no
// sensor are discarded.
func Match(links []Link, date Date, sensors []SensorID, outputRoot string) []Entry {
	var entries []Entry
	for _, sensor := range sensors {
		for _, link := range links {
			name := FileName(link.Href)
			if !MatchName(date, sensor, name) {
				continue
			}
			entries = append(entries, Entry{
				Date:       date,
				Sensor:     sensor,
				Name:       name,
				URL:        link.URL,
				LocalPath:  LocalPath(outputRoot, sensor, name),
				Compressed: strings.HasSuffix(name, CompressionSuffix),
			})
		}
	}
	return entries
}
