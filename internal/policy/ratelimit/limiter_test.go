package ratelimit

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLimiter_Wait(t *testing.T) {
	t.Parallel()

	// 10 RPS with burst 1 means one token every 100ms.
	l := New(Config{RequestsPerSecond: 10, Burst: 1})
	ctx := context.Background()

	require.NoError(t, l.Wait(ctx, "https://archive.example/2023-05-01/"))

	start := time.Now()
	require.NoError(t, l.Wait(ctx, "https://archive.example/2023-05-02/"))
	assert.GreaterOrEqual(t, time.Since(start), 80*time.Millisecond)
}

func TestLimiter_DifferentHosts(t *testing.T) {
	t.Parallel()

	l := New(Config{RequestsPerSecond: 1, Burst: 1})
	ctx := context.Background()

	require.NoError(t, l.Wait(ctx, "https://a.example/1"))

	start := time.Now()
	require.NoError(t, l.Wait(ctx, "https://b.example/1"))
	assert.Less(t, time.Since(start), 50*time.Millisecond, "host b blocked by host a")
}

func TestLimiter_Unlimited(t *testing.T) {
	t.Parallel()

	l := New(Config{})
	ctx := context.Background()
	start := time.Now()
	for range 50 {
		require.NoError(t, l.Wait(ctx, "https://archive.example/"))
	}
	assert.Less(t, time.Since(start), 100*time.Millisecond)
}

func TestLimiter_CanceledContext(t *testing.T) {
	t.Parallel()

	l := New(Config{RequestsPerSecond: 0.1, Burst: 1})
	require.NoError(t, l.Wait(context.Background(), "https://archive.example/"))

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	require.Error(t, l.Wait(ctx, "https://archive.example/"))
}

func TestLimiter_SetMinInterval(t *testing.T) {
	t.Parallel()

	l := New(Config{})
	l.SetMinInterval("https://archive.example/robots.txt", 150*time.Millisecond)
	ctx := context.Background()

	require.NoError(t, l.Wait(ctx, "https://archive.example/a"))
	start := time.Now()
	require.NoError(t, l.Wait(ctx, "https://archive.example/b"))
	assert.GreaterOrEqual(t, time.Since(start), 100*time.Millisecond)

	// Other hosts keep the default.
	start = time.Now()
	require.NoError(t, l.Wait(ctx, "https://other.example/a"))
	require.NoError(t, l.Wait(ctx, "https://other.example/b"))
	assert.Less(t, time.Since(start), 50*time.Millisecond)
}

func TestLimiter_NilIsNoop(t *testing.T) {
	t.Parallel()

	var l *Limiter
	require.NoError(t, l.Wait(context.Background(), "https://archive.example/"))
	l.SetMinInterval("https://archive.example/", time.Second)
}
