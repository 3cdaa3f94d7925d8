package archive

import (
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestNewTargetsKeepsInvalidDates(t *testing.T) {
	t.Parallel()

	sensors := SensorIDs([]string{" 12345 ", "", "777"})
	require.Equal(t, []SensorID{"12345", "777"}, sensors)

	targets := NewTargets([]string{"2023-05-01", "not-a-date"}, sensors)
	require.Len(t, targets, 2)
	require.NoError(t, targets[0].Validate())
	require.Equal(t, NewDate(2023, time.May, 1), targets[0].Date)
	require.ErrorIs(t, targets[1].Validate(), ErrInvalidTarget)
	require.Equal(t, "not-a-date", targets[1].String())
}

func TestTargetValidateSensors(t *testing.T) {
	t.Parallel()

	d := NewDate(2023, time.May, 1)
	require.ErrorIs(t, Target{Date: d}.Validate(), ErrInvalidTarget)
	require.ErrorIs(t, Target{Date: d, Sensors: []SensorID{"../etc"}}.Validate(), ErrInvalidTarget)
	require.ErrorIs(t, Target{Sensors: []SensorID{"1"}}.Validate(), ErrInvalidTarget)
	require.NoError(t, Target{Date: d, Sensors: []SensorID{"1"}}.Validate())
}

func TestDateOutcomeFailed(t *testing.T) {
	t.Parallel()

	require.False(t, DateOutcome{Kind: DateSkipped}.Failed())
	require.False(t, DateOutcome{Kind: DateNoEntriesMatched}.Failed())
	require.False(t, DateOutcome{Kind: DateNoListing, ListingNotFound: true}.Failed())
	require.True(t, DateOutcome{Kind: DateNoListing}.Failed())
	require.True(t, DateOutcome{Kind: DateIncomplete}.Failed())
	require.True(t, DateOutcome{Kind: DateInvalidTarget}.Failed())
	require.True(t, DateOutcome{Kind: DateDownloaded, Counts: Counts{Failed: 2}}.Failed())
	require.False(t, DateOutcome{Kind: DateDownloaded, Counts: Counts{Failed: 1, Succeeded: 1}}.Failed())
	require.False(t, DateOutcome{Kind: DateDownloaded, Counts: Counts{NotFound: 1}}.Failed())
}

func TestTally(t *testing.T) {
	t.Parallel()

	c := Tally([]DownloadOutcome{
		{Kind: DownloadSuccess},
		{Kind: DownloadSuccess},
		{Kind: DownloadNotFound},
		{Kind: DownloadTransientFailure},
		{Kind: DownloadDecompressionFailure},
		{Kind: DownloadCanceled},
	})
	require.Equal(t, Counts{Succeeded: 2, NotFound: 1, Failed: 1, DecompressionFailed: 1, Canceled: 1}, c)

	var total Counts
	total.Add(c)
	total.Add(c)
	require.Equal(t, 4, total.Succeeded)
}
