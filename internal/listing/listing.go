// Package listing retrieves a date's archive index page and extracts its links.
package listing

import (
	"bytes"
	"context"
	"fmt"
	"net/url"
	"strings"
	"time"

	"github.com/PuerkitoBio/goquery"
	"go.uber.org/zap"

	"github.com/JakeFAU/sensor-archive-crawler/internal/archive"
	"github.com/JakeFAU/sensor-archive-crawler/internal/fetcher"
	"github.com/JakeFAU/sensor-archive-crawler/internal/metrics"
	"github.com/JakeFAU/sensor-archive-crawler/internal/retry"
)

// Listing is a parsed index page.
type Listing struct {
	URL   string
	Links []archive.Link
}

// Fetcher performs retrying GETs of listing pages.
type Fetcher struct {
	getter fetcher.Getter
	retry  retry.Config
	logger *zap.Logger
}

// New builds a Fetcher.
func New(getter fetcher.Getter, retryCfg retry.Config, logger *zap.Logger) *Fetcher {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Fetcher{getter: getter, retry: retryCfg, logger: logger}
}

// List fetches and parses the listing at listingURL. A missing page yields a
// result of kind retry.KindNotFound; a page that cannot be parsed is permanent.
func (f *Fetcher) List(ctx context.Context, listingURL string) retry.Result[Listing] {
	cfg := f.retry
	cfg.OnRetry = func(attempt int, err error, wait time.Duration) {
		metrics.ObserveRetry("listing")
		f.logger.Info("retrying listing fetch",
			zap.String("url", listingURL),
			zap.Int("attempt", attempt),
			zap.Duration("backoff", wait),
			zap.Error(err),
		)
	}
	return retry.Do(ctx, cfg, func(ctx context.Context) (Listing, error) {
		resp, err := f.getter.Get(ctx, listingURL)
		if err != nil {
			return Listing{}, err
		}
		base := resp.URL
		if base == "" {
			base = listingURL
		}
		links, err := ParseLinks(resp.Body, base)
		if err != nil {
			return Listing{}, retry.Permanent(err)
		}
		return Listing{URL: listingURL, Links: links}, nil
	})
}

// ParseLinks extracts every anchor href from an HTML document in document
// order, resolving relative references against base. Empty and
// fragment-only hrefs are dropped; duplicates are kept.
func ParseLinks(body []byte, base string) ([]archive.Link, error) {
	baseURL, err := url.Parse(base)
	if err != nil {
		return nil, fmt.Errorf("parse listing url: %w", err)
	}
	doc, err := goquery.NewDocumentFromReader(bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("parse listing html: %w", err)
	}

	var links []archive.Link
	doc.Find("a[href]").Each(func(_ int, s *goquery.Selection) {
		href, _ := s.Attr("href")
		trimmed := strings.TrimSpace(href)
		if trimmed == "" || strings.HasPrefix(trimmed, "#") {
			return
		}
		ref, err := url.Parse(trimmed)
		if err != nil {
			return
		}
		links = append(links, archive.Link{Href: href, URL: baseURL.ResolveReference(ref).String()})
	})
	return links, nil
}
