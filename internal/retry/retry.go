// Package retry wraps network operations with classified, bounded,
// exponentially backed-off retries.
package retry

import (
	"compress/gzip"
	"context"
	"crypto/rand"
	"errors"
	"math/big"
	"time"

	"github.com/JakeFAU/sensor-archive-crawler/internal/fetcher"
)

// Defaults applied by Config.withDefaults.
const (
	DefaultMaxAttempts = 4
	DefaultBaseDelay   = 500 * time.Millisecond
	DefaultMaxDelay    = 10 * time.Second
)

// Kind classifies the final result of a retried operation.
type Kind int

// Result kinds.
const (
	KindOK Kind = iota
	KindNotFound
	KindTransient
	KindPermanent
	KindCanceled
)

func (k Kind) String() string {
	switch k {
	case KindOK:
		return "ok"
	case KindNotFound:
		return "not_found"
	case KindTransient:
		return "transient"
	case KindPermanent:
		return "permanent"
	case KindCanceled:
		return "canceled"
	default:
		return "unknown"
	}
}

// Config bounds a retry loop. Zero fields take the package defaults.
type Config struct {
	MaxAttempts int
	BaseDelay   time.Duration
	MaxDelay    time.Duration
	Jitter      bool
	// OnRetry, when set, is called before each backoff sleep.
	OnRetry func(attempt int, err error, wait time.Duration)
}

func (c Config) withDefaults() Config {
	if c.MaxAttempts <= 0 {
		c.MaxAttempts = DefaultMaxAttempts
	}
	if c.BaseDelay <= 0 {
		c.BaseDelay = DefaultBaseDelay
	}
	if c.MaxDelay <= 0 {
		c.MaxDelay = DefaultMaxDelay
	}
	if c.MaxDelay < c.BaseDelay {
		c.MaxDelay = c.BaseDelay
	}
	return c
}

// Result is the outcome of Do.
type Result[T any] struct {
	Value    T
	Err      error
	Attempts int
	Kind     Kind
}

// OK reports whether the operation eventually succeeded.
func (r Result[T]) OK() bool { return r.Kind == KindOK }

// Do runs op until it succeeds, fails with a non-transient error, exhausts
// MaxAttempts, or ctx ends.
func Do[T any](ctx context.Context, cfg Config, op func(ctx context.Context) (T, error)) Result[T] {
	cfg = cfg.withDefaults()
	var res Result[T]
	for attempt := 1; ; attempt++ {
		if err := ctx.Err(); err != nil {
			if res.Err == nil {
				res.Err = err
			}
			res.Kind = KindCanceled
			return res
		}

		res.Attempts = attempt
		value, err := op(ctx)
		if err == nil {
			res.Value = value
			res.Err = nil
			res.Kind = KindOK
			return res
		}
		res.Value = value
		res.Err = err

		if ctx.Err() != nil {
			res.Kind = KindCanceled
			return res
		}
		res.Kind = Classify(err)
		if res.Kind != KindTransient || attempt >= cfg.MaxAttempts {
			return res
		}

		wait := cfg.Backoff(attempt)
		if cfg.OnRetry != nil {
			cfg.OnRetry(attempt, err, wait)
		}
		if !sleep(ctx, wait) {
			res.Kind = KindCanceled
			return res
		}
	}
}

// Classify maps an operation error onto a retry Kind. Errors that are not
// recognised as permanent are treated as transient transport failures.
func Classify(err error) Kind {
	if err == nil {
		return KindOK
	}
	if errors.Is(err, context.Canceled) {
		return KindCanceled
	}
	var pe *permanentError
	if errors.As(err, &pe) {
		return KindPermanent
	}
	// A body that fails gzip decoding in transit fails the same way again.
	if errors.Is(err, gzip.ErrHeader) || errors.Is(err, gzip.ErrChecksum) {
		return KindPermanent
	}
	var se *fetcher.StatusError
	if errors.As(err, &se) {
		switch {
		case se.NotFound():
			return KindNotFound
		case se.Temporary():
			return KindTransient
		default:
			return KindPermanent
		}
	}
	// Per-request deadlines, net.Error, io.EOF and connection resets all land here.
	return KindTransient
}

// Backoff returns the wait after the given failed attempt (1-based):
// BaseDelay * 2^(attempt-1), capped at MaxDelay. With Jitter the wait is
// drawn from [d/2, d).
func (c Config) Backoff(attempt int) time.Duration {
	c = c.withDefaults()
	if attempt < 1 {
		attempt = 1
	}
	delay := c.BaseDelay
	for i := 1; i < attempt && delay < c.MaxDelay; i++ {
		delay *= 2
	}
	if delay > c.MaxDelay {
		delay = c.MaxDelay
	}
	if !c.Jitter {
		return delay
	}
	half := delay / 2
	return half + randomJitter(delay-half)
}

func randomJitter(limit time.Duration) time.Duration {
	if limit <= 0 {
		return 0
	}
	n, err := rand.Int(rand.Reader, big.NewInt(int64(limit)))
	if err != nil {
		return limit / 2
	}
	return time.Duration(n.Int64())
}

func sleep(ctx context.Context, d time.Duration) bool {
	if d <= 0 {
		return ctx.Err() == nil
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return false
	case <-t.C:
		return true
	}
}

type permanentError struct{ err error }

func (e *permanentError) Error() string { return e.err.Error() }
func (e *permanentError) Unwrap() error { return e.err }

// Permanent marks err as not worth retrying.
func Permanent(err error) error {
	if err == nil {
		return nil
	}
	return &permanentError{err: err}
}
