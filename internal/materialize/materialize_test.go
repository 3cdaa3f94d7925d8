package materialize

import (
	"bytes"
	"compress/gzip"
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/JakeFAU/sensor-archive-crawler/internal/archive"
	"github.com/JakeFAU/sensor-archive-crawler/internal/fetcher"
	collyfetcher "github.com/JakeFAU/sensor-archive-crawler/internal/fetcher/colly"
	"github.com/JakeFAU/sensor-archive-crawler/internal/hash/sha256"
	"github.com/JakeFAU/sensor-archive-crawler/internal/retry"
	"github.com/JakeFAU/sensor-archive-crawler/internal/storage/local"
	"github.com/JakeFAU/sensor-archive-crawler/internal/storage/memory"
)

const csvBody = "sensor_id;sensor_type;location;lat;lon;timestamp;P1;P2\n" +
	"26656;SDS011;13463;48.1;11.5;2023-05-01T00:01:39;3.2;1.9\n"

var fastRetry = retry.Config{MaxAttempts: 3, BaseDelay: time.Millisecond, MaxDelay: time.Millisecond}

func gzipBytes(t *testing.T, s string) []byte {
	t.Helper()
	var buf bytes.Buffer
	zw := gzip.NewWriter(&buf)
	_, err := zw.Write([]byte(s))
	require.NoError(t, err)
	require.NoError(t, zw.Close())
	return buf.Bytes()
}

func entryFor(root, baseURL, name string) archive.Entry {
	return archive.Entry{
		Date:       archive.NewDate(2023, time.May, 1),
		Sensor:     "26656",
		Name:       name,
		URL:        baseURL + "/2023-05-01/" + name,
		LocalPath:  archive.LocalPath(root, "26656", name),
		Compressed: filepath.Ext(name) == archive.CompressionSuffix,
	}
}

func archiveServer(t *testing.T, files map[string][]byte) (*httptest.Server, *atomic.Int32) {
	t.Helper()
	var hits atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		hits.Add(1)
		body, ok := files[filepath.Base(r.URL.Path)]
		if !ok {
			http.NotFound(w, r)
			return
		}
		w.Header().Set("Content-Type", "application/octet-stream")
		_, _ = w.Write(body)
	}))
	t.Cleanup(srv.Close)
	return srv, &hits
}

func dirNames(t *testing.T, dir string) []string {
	t.Helper()
	entries, err := os.ReadDir(dir)
	require.NoError(t, err)
	names := make([]string, 0, len(entries))
	for _, e := range entries {
		names = append(names, e.Name())
	}
	return names
}

func newGetter() fetcher.Getter {
	return collyfetcher.New(collyfetcher.Config{Timeout: time.Second}, nil, nil)
}

func TestMaterializePlainCSV(t *testing.T) {
	t.Parallel()

	name := "2023-05-01_sds011_sensor_26656.csv"
	srv, _ := archiveServer(t, map[string][]byte{name: []byte(csvBody)})
	root := t.TempDir()

	out := New(newGetter(), Config{Retry: fastRetry}, nil, nil).
		Materialize(context.Background(), entryFor(root, srv.URL, name))

	require.Equal(t, archive.DownloadSuccess, out.Kind, "err: %v", out.Err)
	assert.Equal(t, filepath.Join(root, "26656", name), out.Path)
	assert.Equal(t, 1, out.Attempts)
	assert.Equal(t, int64(len(csvBody)), out.Bytes)
	want, err := sha256.New().Hash([]byte(csvBody))
	require.NoError(t, err)
	assert.Equal(t, want, out.Hash)
	assert.Equal(t, []string{name}, dirNames(t, filepath.Join(root, "26656")))
}

func TestMaterializeGzipLeavesOnlyDecompressedFile(t *testing.T) {
	t.Parallel()

	name := "2023-05-01_sds011_sensor_26656.csv.gz"
	srv, _ := archiveServer(t, map[string][]byte{name: gzipBytes(t, csvBody)})
	root := t.TempDir()

	out := New(newGetter(), Config{Retry: fastRetry}, nil, nil).
		Materialize(context.Background(), entryFor(root, srv.URL, name))

	require.Equal(t, archive.DownloadSuccess, out.Kind, "err: %v", out.Err)
	final := filepath.Join(root, "26656", "2023-05-01_sds011_sensor_26656.csv")
	assert.Equal(t, final, out.Path)
	assert.Equal(t, []string{"2023-05-01_sds011_sensor_26656.csv"}, dirNames(t, filepath.Join(root, "26656")))

	// #nosec G304 -- test reads from the controlled temp directory.
	got, err := os.ReadFile(final)
	require.NoError(t, err)
	assert.Equal(t, csvBody, string(got))
}

func TestMaterializeGzipContentType(t *testing.T) {
	t.Parallel()

	name := "2023-05-01_sds011_sensor_26656.csv.gz"
	payload := gzipBytes(t, csvBody)
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.Header().Set("Content-Type", "application/gzip")
		_, _ = w.Write(payload)
	}))
	t.Cleanup(srv.Close)
	root := t.TempDir()

	out := New(newGetter(), Config{Retry: fastRetry}, nil, nil).
		Materialize(context.Background(), entryFor(root, srv.URL, name))

	require.Equal(t, archive.DownloadSuccess, out.Kind, "err: %v", out.Err)
	assert.Equal(t, []string{"2023-05-01_sds011_sensor_26656.csv"}, dirNames(t, filepath.Join(root, "26656")))
	// #nosec G304 -- test reads from the controlled temp directory.
	got, err := os.ReadFile(out.Path)
	require.NoError(t, err)
	assert.Equal(t, csvBody, string(got))
}

func TestDecodedInTransit(t *testing.T) {
	t.Parallel()

	plain := []byte("a;b\n")
	assert.True(t, decodedInTransit(fetcher.Response{Body: plain, Header: http.Header{"Content-Encoding": {"gzip"}}}))
	assert.False(t, decodedInTransit(fetcher.Response{Body: gzipBytes(t, "x"), Header: http.Header{"Content-Encoding": {"gzip"}}}))
	assert.False(t, decodedInTransit(fetcher.Response{Body: plain, Header: http.Header{"Content-Type": {"application/x-gzip"}}}))
	assert.False(t, decodedInTransit(fetcher.Response{Body: plain, Header: http.Header{"Content-Type": {"application/octet-stream"}}}))
	assert.False(t, decodedInTransit(fetcher.Response{Body: plain}))
}

func TestMaterializeCorruptGzipContentType(t *testing.T) {
	t.Parallel()

	name := "2023-05-01_sds011_sensor_26656.csv.gz"
	payload := []byte{0x1f, 0x8b, 0x08, 0x00, 0xde, 0xad, 0xbe, 0xef, 0x00, 0x01}
	var hits atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		hits.Add(1)
		w.Header().Set("Content-Type", "application/gzip")
		_, _ = w.Write(payload)
	}))
	t.Cleanup(srv.Close)
	root := t.TempDir()

	out := New(newGetter(), Config{Retry: fastRetry}, nil, nil).
		Materialize(context.Background(), entryFor(root, srv.URL, name))

	require.Equal(t, archive.DownloadDecompressionFailure, out.Kind, "err: %v", out.Err)
	require.ErrorIs(t, out.Err, ErrDecompression)
	assert.Equal(t, int32(1), hits.Load())
	assert.Equal(t, 1, out.Attempts)
	assert.Equal(t, filepath.Join(root, "26656", name), out.Path)
	assert.Equal(t, []string{name}, dirNames(t, filepath.Join(root, "26656")))
	// #nosec G304 -- test reads from the controlled temp directory.
	kept, err := os.ReadFile(out.Path)
	require.NoError(t, err)
	assert.Equal(t, payload, kept)
}

func TestMaterializeEncodedBodyFailsDecoding(t *testing.T) {
	t.Parallel()

	var calls atomic.Int32
	getter := fetcher.GetterFunc(func(context.Context, string) (fetcher.Response, error) {
		calls.Add(1)
		return fetcher.Response{}, fmt.Errorf("colly visit failed: %w", gzip.ErrHeader)
	})
	root := t.TempDir()

	out := New(getter, Config{Retry: fastRetry}, nil, nil).
		Materialize(context.Background(), entryFor(root, "https://archive.example", "2023-05-01_sds011_sensor_26656.csv.gz"))

	assert.Equal(t, archive.DownloadDecompressionFailure, out.Kind)
	require.ErrorIs(t, out.Err, ErrDecompression)
	assert.Equal(t, int32(1), calls.Load())
	assert.Empty(t, out.Path)
	assert.NoDirExists(t, filepath.Join(root, "26656"))
}

func TestMaterializeLocalWriteFailureIsTransient(t *testing.T) {
	t.Parallel()

	name := "2023-05-01_sds011_sensor_26656.csv.gz"
	srv, _ := archiveServer(t, map[string][]byte{name: gzipBytes(t, csvBody)})
	root := t.TempDir()
	entry := entryFor(root, srv.URL, name)
	// A directory squatting on the final path makes the rename fail.
	require.NoError(t, os.MkdirAll(filepath.Join(entry.FinalPath(), "blocker"), 0o750))

	out := New(newGetter(), Config{Retry: fastRetry}, nil, nil).Materialize(context.Background(), entry)

	assert.Equal(t, archive.DownloadTransientFailure, out.Kind)
	require.Error(t, out.Err)
	assert.NotErrorIs(t, out.Err, ErrDecompression)
	assert.FileExists(t, entry.LocalPath)
}

func TestGunzipFileErrorKinds(t *testing.T) {
	t.Parallel()

	dir := t.TempDir()
	good := filepath.Join(dir, "good.csv.gz")
	require.NoError(t, os.WriteFile(good, gzipBytes(t, csvBody), 0o600))
	bad := filepath.Join(dir, "bad.csv.gz")
	require.NoError(t, os.WriteFile(bad, []byte("plain text"), 0o600))

	err := gunzipFile(filepath.Join(dir, "missing.csv.gz"), filepath.Join(dir, "missing.csv"))
	require.ErrorIs(t, err, os.ErrNotExist)
	assert.NotErrorIs(t, err, ErrDecompression)

	err = gunzipFile(bad, filepath.Join(dir, "bad.csv"))
	require.ErrorIs(t, err, ErrDecompression)
	assert.FileExists(t, bad)
	assert.NoFileExists(t, filepath.Join(dir, "bad.csv"))

	blocked := filepath.Join(dir, "good.csv")
	require.NoError(t, os.MkdirAll(filepath.Join(blocked, "blocker"), 0o750))
	err = gunzipFile(good, blocked)
	require.Error(t, err)
	assert.NotErrorIs(t, err, ErrDecompression)
	assert.FileExists(t, good)

	require.NoError(t, os.RemoveAll(blocked))
	require.NoError(t, gunzipFile(good, blocked))
	assert.NoFileExists(t, good)
}

func TestMaterializeCorruptGzipKeepsArtifact(t *testing.T) {
	t.Parallel()

	name := "2023-05-01_sds011_sensor_26656.csv.gz"
	truncated := gzipBytes(t, csvBody)
	truncated = truncated[:len(truncated)-12]
	for label, payload := range map[string][]byte{
		"not gzip":  []byte("definitely not gzip"),
		"truncated": truncated,
	} {
		t.Run(label, func(t *testing.T) {
			t.Parallel()

			srv, hits := archiveServer(t, map[string][]byte{name: payload})
			root := t.TempDir()

			out := New(newGetter(), Config{Retry: fastRetry}, nil, nil).
				Materialize(context.Background(), entryFor(root, srv.URL, name))

			require.Equal(t, archive.DownloadDecompressionFailure, out.Kind)
			require.ErrorIs(t, out.Err, ErrDecompression)
			assert.Equal(t, int32(1), hits.Load(), "decompression failures are not retried")
			assert.Equal(t, filepath.Join(root, "26656", name), out.Path)
			assert.Equal(t, []string{name}, dirNames(t, filepath.Join(root, "26656")))
		})
	}
}

func TestMaterializeNotFound(t *testing.T) {
	t.Parallel()

	srv, hits := archiveServer(t, nil)
	root := t.TempDir()

	out := New(newGetter(), Config{Retry: fastRetry}, nil, nil).
		Materialize(context.Background(), entryFor(root, srv.URL, "2023-05-01_sds011_sensor_26656.csv"))

	assert.Equal(t, archive.DownloadNotFound, out.Kind)
	assert.Equal(t, 1, out.Attempts)
	assert.Equal(t, int32(1), hits.Load())
	assert.NoDirExists(t, filepath.Join(root, "26656"))
}

func TestMaterializeTransportErrorExhaustsRetries(t *testing.T) {
	t.Parallel()

	var calls atomic.Int32
	getter := fetcher.GetterFunc(func(context.Context, string) (fetcher.Response, error) {
		calls.Add(1)
		return fetcher.Response{}, io.ErrUnexpectedEOF
	})
	root := t.TempDir()

	out := New(getter, Config{Retry: fastRetry}, nil, nil).
		Materialize(context.Background(), entryFor(root, "https://archive.example", "2023-05-01_sds011_sensor_26656.csv"))

	assert.Equal(t, archive.DownloadTransientFailure, out.Kind)
	assert.Equal(t, 3, out.Attempts)
	assert.Equal(t, int32(3), calls.Load())
	require.ErrorIs(t, out.Err, io.ErrUnexpectedEOF)
}

func TestMaterializeCanceled(t *testing.T) {
	t.Parallel()

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	getter := fetcher.GetterFunc(func(ctx context.Context, _ string) (fetcher.Response, error) {
		return fetcher.Response{}, ctx.Err()
	})

	out := New(getter, Config{Retry: fastRetry}, nil, nil).
		Materialize(ctx, entryFor(t.TempDir(), "https://archive.example", "x.csv"))
	assert.Equal(t, archive.DownloadCanceled, out.Kind)
}

func TestMaterializeOverwritesExistingFile(t *testing.T) {
	t.Parallel()

	name := "2023-05-01_sds011_sensor_26656.csv"
	srv, _ := archiveServer(t, map[string][]byte{name: []byte(csvBody)})
	root := t.TempDir()
	entry := entryFor(root, srv.URL, name)
	require.NoError(t, os.MkdirAll(filepath.Dir(entry.LocalPath), 0o750))
	require.NoError(t, os.WriteFile(entry.LocalPath, []byte("stale"), 0o600))

	m := New(newGetter(), Config{Retry: fastRetry}, nil, nil)
	out := m.Materialize(context.Background(), entry)
	require.Equal(t, archive.DownloadSuccess, out.Kind)
	again := m.Materialize(context.Background(), entry)
	require.Equal(t, archive.DownloadSuccess, again.Kind)
	assert.Equal(t, out.Hash, again.Hash)

	// #nosec G304 -- test reads from the controlled temp directory.
	got, err := os.ReadFile(entry.LocalPath)
	require.NoError(t, err)
	assert.Equal(t, csvBody, string(got))
	assert.Len(t, dirNames(t, filepath.Dir(entry.LocalPath)), 1)
}

func TestMaterializeMirrors(t *testing.T) {
	t.Parallel()

	name := "2023-05-01_sds011_sensor_26656.csv.gz"
	srv, _ := archiveServer(t, map[string][]byte{name: gzipBytes(t, csvBody)})
	mirrorDir := t.TempDir()
	store, err := local.New(local.Config{BaseDir: mirrorDir})
	require.NoError(t, err)

	out := New(newGetter(), Config{Retry: fastRetry, MirrorPrefix: "sensor-archive"}, store, nil).
		Materialize(context.Background(), entryFor(t.TempDir(), srv.URL, name))
	require.Equal(t, archive.DownloadSuccess, out.Kind)

	// #nosec G304 -- test reads from the controlled temp directory.
	got, err := os.ReadFile(filepath.Join(mirrorDir, "sensor-archive", "26656", "2023-05-01_sds011_sensor_26656.csv"))
	require.NoError(t, err)
	assert.Equal(t, csvBody, string(got))
}

func TestMaterializeMirrorFailureKeepsSuccess(t *testing.T) {
	t.Parallel()

	name := "2023-05-01_sds011_sensor_26656.csv"
	srv, _ := archiveServer(t, map[string][]byte{name: []byte(csvBody)})

	store := memory.NewBlobStore()
	store.FailWith(errors.New("bucket unavailable"))

	out := New(newGetter(), Config{Retry: fastRetry}, store, nil).
		Materialize(context.Background(), entryFor(t.TempDir(), srv.URL, name))
	assert.Equal(t, archive.DownloadSuccess, out.Kind)
	assert.NoError(t, out.Err)
	assert.Empty(t, store.Keys())
}
