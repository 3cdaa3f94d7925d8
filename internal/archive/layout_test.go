package archive

import (
	"path/filepath"
	"strconv"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestListingURLYearSegment(t *testing.T) {
	t.Parallel()

	layout := NewLayout("https://archive.example.org/", 2023)
	for year := 2015; year <= 2026; year++ {
		d := NewDate(year, time.June, 15)
		got := layout.ListingURL(d)
		yearSegment := "/" + strconv.Itoa(year) + "/"
		if year < 2023 {
			require.Equal(t, "https://archive.example.org/"+strconv.Itoa(year)+"/"+d.String()+"/", got)
			require.Contains(t, got, yearSegment)
		} else {
			require.Equal(t, "https://archive.example.org/"+d.String()+"/", got)
			require.False(t, strings.Contains(got, yearSegment), got)
		}
	}
}

func TestNewLayoutDefaults(t *testing.T) {
	t.Parallel()

	layout := NewLayout("", 0)
	require.Equal(t, DefaultBaseURL, layout.BaseURL)
	require.Equal(t, DefaultThresholdYear, layout.ThresholdYear)
	require.Equal(t, "https://archive.sensor.community/2022/2022-12-31/", layout.ListingURL(NewDate(2022, time.December, 31)))
	require.Equal(t, "https://archive.sensor.community/2023-01-01/", layout.ListingURL(NewDate(2023, time.January, 1)))
}

func TestLocalPathIsDeterministic(t *testing.T) {
	t.Parallel()

	a := LocalPath("out", "12345", "2023-05-01_sds011_sensor_12345.csv.gz")
	b := LocalPath("out", "12345", "2023-05-01_sds011_sensor_12345.csv.gz")
	require.Equal(t, a, b)
	require.Equal(t, filepath.Join("out", "12345", "2023-05-01_sds011_sensor_12345.csv.gz"), a)
	require.Equal(t, "x.csv", StripCompression("x.csv.gz"))
	require.Equal(t, "x.csv", StripCompression("x.csv"))
}
