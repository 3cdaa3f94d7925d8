package archive

import (
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestMatchName(t *testing.T) {
	t.Parallel()

	date := NewDate(2023, time.May, 1)
	cases := []struct {
		name   string
		sensor SensorID
		want   bool
	}{
		{"2023-05-01_sds011_sensor_12345.csv", "12345", true},
		{"2023-05-01_sds011_sensor_12345.csv.gz", "12345", true},
		{"2023-05-01_bme280_sensor_12345.csv", "12345", true},
		{"2023-05-01_sds011_sensor_123456.csv", "12345", false},
		{"2023-05-01_sds011_sensor_112345.csv", "12345", false},
		{"2023-05-02_sds011_sensor_12345.csv", "12345", false},
		{"2023-05-01_sds011_sensor_12345.csv.zip", "12345", false},
		{"2023-05-01_sds011_sensor_12345.txt", "12345", false},
		{"x2023-05-01_sds011_sensor_12345.csv", "12345", false},
		{"2023-05-01_sds011_sensor_1.5.csv", "1.5", true},
		{"2023-05-01_sds011_sensor_1x5.csv", "1.5", false},
		{"", "12345", false},
	}
	for _, tc := range cases {
		require.Equal(t, tc.want, MatchName(date, tc.sensor, tc.name), "%s / %s", tc.name, tc.sensor)
	}
}

func TestFileName(t *testing.T) {
	t.Parallel()

	require.Equal(t, "a.csv", FileName("a.csv"))
	require.Equal(t, "a.csv.gz", FileName("/2023-05-01/a.csv.gz"))
	require.Equal(t, "a.csv", FileName("https://host/2023-05-01/a.csv?x=1#frag"))
	require.Equal(t, "", FileName("../"))
	require.Equal(t, "", FileName(""))
}

func sampleLinks() []Link {
	base := "https://archive.example.org/2023-05-01/"
	hrefs := []string{
		"../",
		"2023-05-01_sds011_sensor_12345.csv.gz",
		"2023-05-01_sds011_sensor_777.csv",
		"2023-05-01_bme280_sensor_12345.csv",
		"2023-05-01_sds011_sensor_99.csv",
		"README.txt",
	}
	links := make([]Link, 0, len(hrefs))
	for _, h := range hrefs {
		links = append(links, Link{Href: h, URL: base + h})
	}
	return links
}

func TestMatchOrdersBySensorThenDocument(t *testing.T) {
	t.Parallel()

	date := NewDate(2023, time.May, 1)
	entries := Match(sampleLinks(), date, []SensorID{"777", "12345"}, "out")
	require.Len(t, entries, 3)

	require.Equal(t, SensorID("777"), entries[0].Sensor)
	require.Equal(t, "2023-05-01_sds011_sensor_777.csv", entries[0].Name)
	require.False(t, entries[0].Compressed)

	require.Equal(t, SensorID("12345"), entries[1].Sensor)
	require.Equal(t, "2023-05-01_sds011_sensor_12345.csv.gz", entries[1].Name)
	require.True(t, entries[1].Compressed)
	require.Equal(t, "https://archive.example.org/2023-05-01/2023-05-01_sds011_sensor_12345.csv.gz", entries[1].URL)
	require.Equal(t, filepath.Join("out", "12345", "2023-05-01_sds011_sensor_12345.csv.gz"), entries[1].LocalPath)
	require.Equal(t, filepath.Join("out", "12345", "2023-05-01_sds011_sensor_12345.csv"), entries[1].FinalPath())

	require.Equal(t, "2023-05-01_bme280_sensor_12345.csv", entries[2].Name)
}

func TestMatchIsIdempotent(t *testing.T) {
	t.Parallel()

	date := NewDate(2023, time.May, 1)
	sensors := []SensorID{"12345", "99", "777"}
	first := Match(sampleLinks(), date, sensors, "out")
	second := Match(sampleLinks(), date, sensors, "out")
	require.Equal(t, first, second)
}

func TestMatchNoSensorsMatched(t *testing.T) {
	t.Parallel()

	entries := Match(sampleLinks(), NewDate(2023, time.May, 2), []SensorID{"12345"}, "out")
	require.Empty(t, entries)
}
