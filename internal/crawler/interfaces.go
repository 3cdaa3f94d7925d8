package crawler

import (
	"context"
	"time"

	"github.com/JakeFAU/sensor-archive-crawler/internal/archive"
	"github.com/JakeFAU/sensor-archive-crawler/internal/listing"
	"github.com/JakeFAU/sensor-archive-crawler/internal/retry"
)

// Policy decides whether a listing URL may be fetched. *robots.Policy
// satisfies it.
type Policy interface {
	IsAllowed(rawURL string) bool
}

// Lister fetches and parses one listing page.
type Lister interface {
	List(ctx context.Context, listingURL string) retry.Result[listing.Listing]
}

// Materializer downloads one entry to local storage.
type Materializer interface {
	Materialize(ctx context.Context, entry archive.Entry) archive.DownloadOutcome
}

// Clock returns the current time (useful for testing).
type Clock interface {
	Now() time.Time
	Since(t time.Time) time.Duration
}
