// Package fetcher defines the HTTP GET contract shared by the listing
// fetcher, the file materializer and the robots loader.
package fetcher

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"time"
)

// Getter performs a single HTTP GET. Implementations return a *StatusError
// (alongside the response) for any non-2xx status.
type Getter interface {
	Get(ctx context.Context, rawURL string) (Response, error)
}

// Response is the fully buffered result of a GET.
type Response struct {
	URL        string
	StatusCode int
	Header     http.Header
	Body       []byte
	Duration   time.Duration
}

// StatusError reports a completed request with an unsuccessful status code.
type StatusError struct {
	URL        string
	StatusCode int
}

func (e *StatusError) Error() string {
	return fmt.Sprintf("GET %s: status %d %s", e.URL, e.StatusCode, http.StatusText(e.StatusCode))
}

// NotFound reports whether the remote resource is absent.
func (e *StatusError) NotFound() bool {
	return e.StatusCode == http.StatusNotFound || e.StatusCode == http.StatusGone
}

// Temporary reports whether the status is worth retrying.
func (e *StatusError) Temporary() bool {
	switch e.StatusCode {
	case http.StatusRequestTimeout, http.StatusTooManyRequests:
		return true
	}
	return e.StatusCode >= http.StatusInternalServerError
}

// CheckStatus returns a *StatusError for non-2xx responses.
func CheckStatus(resp Response) error {
	if resp.StatusCode >= 200 && resp.StatusCode < 300 {
		return nil
	}
	return &StatusError{URL: resp.URL, StatusCode: resp.StatusCode}
}

// IsNotFound reports whether err wraps a 404/410 StatusError.
func IsNotFound(err error) bool {
	var se *StatusError
	return errors.As(err, &se) && se.NotFound()
}

// GetterFunc adapts a function to Getter.
type GetterFunc func(ctx context.Context, rawURL string) (Response, error)

// Get calls f.
func (f GetterFunc) Get(ctx context.Context, rawURL string) (Response, error) {
	return f(ctx, rawURL)
}
