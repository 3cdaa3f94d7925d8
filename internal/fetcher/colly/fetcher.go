// Package collyfetcher implements fetcher.Getter using gocolly.
package collyfetcher

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"strings"
	"time"

	"github.com/gocolly/colly/v2"
	"go.uber.org/zap"

	"github.com/JakeFAU/sensor-archive-crawler/internal/fetcher"
	"github.com/JakeFAU/sensor-archive-crawler/internal/metrics"
)

// DefaultTimeout bounds a single request when Config.Timeout is zero.
const DefaultTimeout = 30 * time.Second

// Config controls collector behavior.
type Config struct {
	UserAgent string
	Timeout   time.Duration
	// MaxBodyBytes caps a response body; zero means unlimited.
	MaxBodyBytes int
}

// RateLimiter paces requests per host.
type RateLimiter interface {
	Wait(ctx context.Context, rawURL string) error
}

// Fetcher implements fetcher.Getter using the Colly collector.
type Fetcher struct {
	cfg           Config
	limiter       RateLimiter
	logger        *zap.Logger
	baseCollector *colly.Collector
}

type collectorHooks interface {
	OnResponse(colly.ResponseCallback)
	OnError(colly.ErrorCallback)
}

// New builds a Fetcher. limiter may be nil.
func New(cfg Config, limiter RateLimiter, logger *zap.Logger) *Fetcher {
	if cfg.Timeout <= 0 {
		cfg.Timeout = DefaultTimeout
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	c := colly.NewCollector(
		colly.Async(false),
		colly.AllowURLRevisit(),
		colly.IgnoreRobotsTxt(),
		colly.ParseHTTPErrorResponse(),
		colly.MaxBodySize(cfg.MaxBodyBytes),
	)
	if cfg.UserAgent != "" {
		c.UserAgent = cfg.UserAgent
	}
	c.WithTransport(rawPayloadTransport{next: newHTTPTransport()})
	c.SetRequestTimeout(cfg.Timeout)

	return &Fetcher{
		cfg:           cfg,
		limiter:       limiter,
		logger:        logger,
		baseCollector: c,
	}
}

// Get executes a single HTTP GET. Every completed exchange returns the
// buffered response; a non-2xx status additionally yields a *fetcher.StatusError.
func (f *Fetcher) Get(ctx context.Context, rawURL string) (fetcher.Response, error) {
	if f.limiter != nil {
		if err := f.limiter.Wait(ctx, rawURL); err != nil {
			return fetcher.Response{}, fmt.Errorf("get %s: %w", rawURL, err)
		}
	}

	var (
		result   fetcher.Response
		fetchErr error
	)
	start := time.Now()
	collector := f.baseCollector.Clone()
	collector.Context = ctx
	f.configureCollectorHooks(collector, start, &result, &fetchErr)

	if err := f.runCollector(ctx, collector, rawURL, &fetchErr); err != nil {
		metrics.ObserveFetch(rawURL, 0, 0, time.Since(start))
		f.logger.Debug("fetch failed", zap.String("url", rawURL), zap.Error(err))
		return fetcher.Response{}, err
	}
	metrics.ObserveFetch(rawURL, result.StatusCode, len(result.Body), result.Duration)
	f.logger.Debug("fetched",
		zap.String("url", rawURL),
		zap.Int("status", result.StatusCode),
		zap.Int("bytes", len(result.Body)),
		zap.Duration("duration", result.Duration),
	)
	if result.URL == "" {
		result.URL = rawURL
	}
	return result, fetcher.CheckStatus(result)
}

func (f *Fetcher) configureCollectorHooks(
	hooks collectorHooks,
	start time.Time,
	result *fetcher.Response,
	fetchErr *error,
) {
	hooks.OnResponse(func(r *colly.Response) {
		var header http.Header
		if r.Headers != nil {
			header = r.Headers.Clone()
		}
		*result = fetcher.Response{
			URL:        r.Request.URL.String(),
			StatusCode: r.StatusCode,
			Header:     header,
			Body:       append([]byte(nil), r.Body...),
			Duration:   time.Since(start),
		}
	})

	hooks.OnError(func(_ *colly.Response, err error) {
		*fetchErr = err
	})
}

func (f *Fetcher) runCollector(ctx context.Context, collector *colly.Collector, rawURL string, fetchErr *error) error {
	done := make(chan error, 1)
	go func() {
		done <- collector.Visit(rawURL)
	}()

	select {
	case <-ctx.Done():
		return fmt.Errorf("colly fetch canceled: %w", ctx.Err())
	case err := <-done:
		if err != nil {
			if ctxErr := ctx.Err(); ctxErr != nil && !errors.Is(err, ctxErr) {
				return fmt.Errorf("colly visit failed: %w: %w", ctxErr, err)
			}
			return fmt.Errorf("colly visit failed: %w", err)
		}
		if *fetchErr != nil {
			return fmt.Errorf("colly response failed: %w", *fetchErr)
		}
		return nil
	}
}

func newHTTPTransport() *http.Transport {
	return &http.Transport{
		Proxy: http.ProxyFromEnvironment,
		DialContext: (&net.Dialer{
			Timeout:   10 * time.Second,
			KeepAlive: 30 * time.Second,
		}).DialContext,
		TLSHandshakeTimeout:   15 * time.Second,
		ExpectContinueTimeout: 1 * time.Second,
		MaxIdleConns:          100,
		MaxIdleConnsPerHost:   16,
		IdleConnTimeout:       90 * time.Second,
	}
}

// rawPayloadTransport marks responses without a Content-Encoding as already
// decoded, so the collector hands gzip-typed files (application/gzip) back
// byte for byte instead of inflating them itself.
type rawPayloadTransport struct {
	next http.RoundTripper
}

func (t rawPayloadTransport) RoundTrip(req *http.Request) (*http.Response, error) {
	res, err := t.next.RoundTrip(req)
	if err == nil && strings.TrimSpace(res.Header.Get("Content-Encoding")) == "" {
		res.Uncompressed = true
	}
	return res, err
}
