package archive

import "time"

// DownloadKind classifies the result of materializing one entry.
type DownloadKind string

// Download outcome kinds.
const (
	DownloadSuccess              DownloadKind = "success"
	DownloadNotFound             DownloadKind = "not_found"
	DownloadTransientFailure     DownloadKind = "transient_failure"
	DownloadDecompressionFailure DownloadKind = "decompression_failure"
	DownloadCanceled             DownloadKind = "canceled"
)

// DownloadOutcome is the tagged result for one Entry.
type DownloadOutcome struct {
	Entry Entry
	Kind  DownloadKind
	// Path is the final local file on success, or the preserved compressed
	// artifact on decompression failure.
	Path     string
	Bytes    int64
	Hash     string
	Attempts int
	Err      error
}

// DateKind classifies the result for one Target.
type DateKind string

// Date outcome kinds.
const (
	DateSkipped          DateKind = "skipped"
	DateNoListing        DateKind = "no_listing"
	DateNoEntriesMatched DateKind = "no_entries_matched"
	DateDownloaded       DateKind = "downloaded"
	DateInvalidTarget    DateKind = "invalid_target"
	DateIncomplete       DateKind = "incomplete"
)

// Counts tallies download outcomes for a target or a run.
type Counts struct {
	Succeeded           int `json:"succeeded"`
	NotFound            int `json:"not_found"`
	Failed              int `json:"failed"`
	DecompressionFailed int `json:"decompression_failed"`
	Canceled            int `json:"canceled"`
}

// Add accumulates other into c.
func (c *Counts) Add(other Counts) {
	c.Succeeded += other.Succeeded
	c.NotFound += other.NotFound
	c.Failed += other.Failed
	c.DecompressionFailed += other.DecompressionFailed
	c.Canceled += other.Canceled
}

// Tally counts outcomes by kind.
func Tally(downloads []DownloadOutcome) Counts {
	var c Counts
	for _, d := range downloads {
		switch d.Kind {
		case DownloadSuccess:
			c.Succeeded++
		case DownloadNotFound:
			c.NotFound++
		case DownloadTransientFailure:
			c.Failed++
		case DownloadDecompressionFailure:
			c.DecompressionFailed++
		case DownloadCanceled:
			c.Canceled++
		}
	}
	return c
}

// DateOutcome aggregates everything that happened to one Target.
type DateOutcome struct {
	Target     Target
	Kind       DateKind
	ListingURL string
	// ListingNotFound is set when the listing itself did not exist remotely.
	ListingNotFound bool
	Err             error
	Downloads       []DownloadOutcome
	Counts          Counts
	Duration        time.Duration
}

// Failed reports whether the target counts against the run's success.
// Skips, absent listings and dates without matching files are expected in a
// sparse archive and are not failures.
func (o DateOutcome) Failed() bool {
	switch o.Kind {
	case DateInvalidTarget, DateIncomplete:
		return true
	case DateNoListing:
		return !o.ListingNotFound
	case DateDownloaded:
		problems := o.Counts.Failed + o.Counts.DecompressionFailed + o.Counts.Canceled
		return o.Counts.Succeeded == 0 && problems > 0
	default:
		return false
	}
}
