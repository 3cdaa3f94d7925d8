package retry

import (
	"compress/gzip"
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/JakeFAU/sensor-archive-crawler/internal/fetcher"
)

func fastConfig(attempts int) Config {
	return Config{MaxAttempts: attempts, BaseDelay: time.Millisecond, MaxDelay: 2 * time.Millisecond}
}

func statusErr(code int) error {
	return &fetcher.StatusError{URL: "https://archive.example/x", StatusCode: code}
}

func TestDoSucceedsFirstTry(t *testing.T) {
	t.Parallel()

	res := Do(context.Background(), fastConfig(4), func(context.Context) (string, error) {
		return "body", nil
	})
	assert.Equal(t, KindOK, res.Kind)
	assert.True(t, res.OK())
	assert.Equal(t, "body", res.Value)
	assert.Equal(t, 1, res.Attempts)
	assert.NoError(t, res.Err)
}

func TestDoNotFoundIsNeverRetried(t *testing.T) {
	t.Parallel()

	for _, code := range []int{http.StatusNotFound, http.StatusGone} {
		var calls atomic.Int32
		res := Do(context.Background(), fastConfig(4), func(context.Context) (int, error) {
			calls.Add(1)
			return 0, fmt.Errorf("wrapped: %w", statusErr(code))
		})
		assert.Equal(t, KindNotFound, res.Kind)
		assert.Equal(t, 1, res.Attempts)
		assert.Equal(t, int32(1), calls.Load())
	}
}

func TestDoTransportErrorExhaustsAttempts(t *testing.T) {
	t.Parallel()

	var calls atomic.Int32
	res := Do(context.Background(), fastConfig(4), func(context.Context) (int, error) {
		calls.Add(1)
		return 0, io.ErrUnexpectedEOF
	})
	assert.Equal(t, KindTransient, res.Kind)
	assert.Equal(t, 4, res.Attempts)
	assert.Equal(t, int32(4), calls.Load())
	assert.ErrorIs(t, res.Err, io.ErrUnexpectedEOF)
}

func TestDoRecoversAfterTransient(t *testing.T) {
	t.Parallel()

	var calls atomic.Int32
	var retried []int
	cfg := fastConfig(4)
	cfg.OnRetry = func(attempt int, _ error, _ time.Duration) { retried = append(retried, attempt) }
	res := Do(context.Background(), cfg, func(context.Context) (string, error) {
		if calls.Add(1) < 3 {
			return "", statusErr(http.StatusServiceUnavailable)
		}
		return "ok", nil
	})
	assert.Equal(t, KindOK, res.Kind)
	assert.Equal(t, 3, res.Attempts)
	assert.Equal(t, []int{1, 2}, retried)
}

func TestDoPermanentStopsImmediately(t *testing.T) {
	t.Parallel()

	res := Do(context.Background(), fastConfig(4), func(context.Context) (int, error) {
		return 0, statusErr(http.StatusForbidden)
	})
	assert.Equal(t, KindPermanent, res.Kind)
	assert.Equal(t, 1, res.Attempts)

	res = Do(context.Background(), fastConfig(4), func(context.Context) (int, error) {
		return 0, Permanent(errors.New("disk full"))
	})
	assert.Equal(t, KindPermanent, res.Kind)
	assert.Equal(t, 1, res.Attempts)
}

func TestDoCanceledDuringBackoff(t *testing.T) {
	t.Parallel()

	ctx, cancel := context.WithCancel(context.Background())
	cfg := Config{MaxAttempts: 10, BaseDelay: time.Hour, MaxDelay: time.Hour}
	cfg.OnRetry = func(int, error, time.Duration) { cancel() }

	start := time.Now()
	res := Do(ctx, cfg, func(context.Context) (int, error) {
		return 0, io.EOF
	})
	assert.Equal(t, KindCanceled, res.Kind)
	assert.Equal(t, 1, res.Attempts)
	assert.Less(t, time.Since(start), time.Second)
}

func TestDoCanceledBeforeStart(t *testing.T) {
	t.Parallel()

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	var calls atomic.Int32
	res := Do(ctx, fastConfig(4), func(context.Context) (int, error) {
		calls.Add(1)
		return 0, nil
	})
	assert.Equal(t, KindCanceled, res.Kind)
	assert.Zero(t, calls.Load())
	require.ErrorIs(t, res.Err, context.Canceled)
}

func TestClassify(t *testing.T) {
	t.Parallel()

	cases := []struct {
		name string
		err  error
		want Kind
	}{
		{"nil", nil, KindOK},
		{"404", statusErr(404), KindNotFound},
		{"410", statusErr(410), KindNotFound},
		{"408", statusErr(408), KindTransient},
		{"429", statusErr(429), KindTransient},
		{"500", statusErr(500), KindTransient},
		{"503", statusErr(503), KindTransient},
		{"400", statusErr(400), KindPermanent},
		{"403", statusErr(403), KindPermanent},
		{"eof", io.EOF, KindTransient},
		{"request deadline", context.DeadlineExceeded, KindTransient},
		{"canceled", fmt.Errorf("get: %w", context.Canceled), KindCanceled},
		{"permanent", Permanent(io.EOF), KindPermanent},
		{"gzip header", fmt.Errorf("colly visit failed: %w", gzip.ErrHeader), KindPermanent},
		{"gzip checksum", gzip.ErrChecksum, KindPermanent},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			assert.Equal(t, tc.want, Classify(tc.err))
		})
	}
}

func TestBackoff(t *testing.T) {
	t.Parallel()

	cfg := Config{BaseDelay: 100 * time.Millisecond, MaxDelay: time.Second}
	assert.Equal(t, 100*time.Millisecond, cfg.Backoff(1))
	assert.Equal(t, 200*time.Millisecond, cfg.Backoff(2))
	assert.Equal(t, 400*time.Millisecond, cfg.Backoff(3))
	assert.Equal(t, 800*time.Millisecond, cfg.Backoff(4))
	assert.Equal(t, time.Second, cfg.Backoff(5))
	assert.Equal(t, time.Second, cfg.Backoff(60))

	cfg.Jitter = true
	for attempt := 1; attempt <= 6; attempt++ {
		d := cfg.Backoff(attempt)
		cfg.Jitter = false
		full := cfg.Backoff(attempt)
		cfg.Jitter = true
		assert.GreaterOrEqual(t, d, full/2)
		assert.Less(t, d, full)
	}
}

func TestKindString(t *testing.T) {
	t.Parallel()

	assert.Equal(t, "not_found", KindNotFound.String())
	assert.Equal(t, "unknown", Kind(99).String())
}
