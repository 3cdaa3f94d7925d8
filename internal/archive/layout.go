package archive

import (
	"fmt"
	"path/filepath"
	"strings"
)

const (
	// DefaultBaseURL is the public sensor.community archive.
	DefaultBaseURL = "https://archive.sensor.community"
	// DefaultThresholdYear is the first year whose listings live at the archive root.
	DefaultThresholdYear = 2023
	// CompressionSuffix marks gzip-compressed archive files.
	CompressionSuffix = ".gz"
	// DataSuffix is the extension of the measurement files.
	DataSuffix = ".csv"
)

// Layout describes where the archive publishes listings for each date.
// Dates before ThresholdYear are nested under a year directory; later dates
// sit directly under the base URL.
type Layout struct {
	BaseURL       string
	ThresholdYear int
}

// NewLayout returns a Layout with defaults applied for empty fields.
func NewLayout(baseURL string, thresholdYear int) Layout {
	if strings.TrimSpace(baseURL) == "" {
		baseURL = DefaultBaseURL
	}
	if thresholdYear <= 0 {
		thresholdYear = DefaultThresholdYear
	}
	return Layout{BaseURL: baseURL, ThresholdYear: thresholdYear}
}

// ListingURL returns the directory listing URL for date, always with a trailing slash.
func (l Layout) ListingURL(date Date) string {
	base := strings.TrimRight(l.BaseURL, "/")
	if date.Year < l.ThresholdYear {
		return fmt.Sprintf("%s/%d/%s/", base, date.Year, date)
	}
	return fmt.Sprintf("%s/%s/", base, date)
}

// LocalPath is where a remote file for sensor is written under root. It
// depends only on its inputs, so repeated crawls overwrite instead of duplicating.
func LocalPath(root string, sensor SensorID, name string) string {
	return filepath.Join(root, string(sensor), name)
}

// StripCompression removes the compression suffix from name, if present.
func StripCompression(name string) string {
	return strings.TrimSuffix(name, CompressionSuffix)
}
