// Package materialize downloads archive entries to the local filesystem,
// decompressing gzip payloads, and optionally mirrors them to object storage.
package materialize

import (
	"bytes"
	"compress/gzip"
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"path"
	"path/filepath"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/JakeFAU/sensor-archive-crawler/internal/archive"
	"github.com/JakeFAU/sensor-archive-crawler/internal/fetcher"
	"github.com/JakeFAU/sensor-archive-crawler/internal/hash/sha256"
	"github.com/JakeFAU/sensor-archive-crawler/internal/metrics"
	"github.com/JakeFAU/sensor-archive-crawler/internal/retry"
)

// ErrDecompression reports a gzip payload that could not be decompressed.
var ErrDecompression = errors.New("decompression failed")

var gzipMagic = []byte{0x1f, 0x8b}

const (
	dirPerm  = 0o750
	filePerm = 0o640
)

// ObjectStore receives copies of materialized files.
type ObjectStore interface {
	PutObject(ctx context.Context, key string, contentType string, r io.Reader) (string, error)
}

// Config controls retries and the mirror key prefix.
type Config struct {
	Retry        retry.Config
	MirrorPrefix string
}

// Materializer turns archive entries into local files.
type Materializer struct {
	getter fetcher.Getter
	cfg    Config
	mirror ObjectStore
	hasher *sha256.Hasher
	logger *zap.Logger
}

// New builds a Materializer. mirror may be nil.
func New(getter fetcher.Getter, cfg Config, mirror ObjectStore, logger *zap.Logger) *Materializer {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Materializer{
		getter: getter,
		cfg:    cfg,
		mirror: mirror,
		hasher: sha256.New(),
		logger: logger,
	}
}

// Materialize downloads entry with retries, writes it atomically to its local
// path, and decompresses it when compressed. Existing files are overwritten.
func (m *Materializer) Materialize(ctx context.Context, entry archive.Entry) archive.DownloadOutcome {
	out := archive.DownloadOutcome{Entry: entry}
	logger := m.logger.With(
		zap.String("date", entry.Date.String()),
		zap.String("sensor", string(entry.Sensor)),
		zap.String("url", entry.URL),
	)

	cfg := m.cfg.Retry
	cfg.OnRetry = func(attempt int, err error, wait time.Duration) {
		metrics.ObserveRetry("download")
		logger.Info("retrying download", zap.Int("attempt", attempt), zap.Duration("backoff", wait), zap.Error(err))
	}
	res := retry.Do(ctx, cfg, func(ctx context.Context) (fetcher.Response, error) {
		return m.getter.Get(ctx, entry.URL)
	})
	out.Attempts = res.Attempts

	switch {
	case res.Kind == retry.KindOK:
	case res.Kind == retry.KindNotFound:
		out.Kind = archive.DownloadNotFound
		out.Err = res.Err
		return out
	case res.Kind == retry.KindCanceled:
		out.Kind = archive.DownloadCanceled
		out.Err = res.Err
		return out
	case errors.Is(res.Err, gzip.ErrHeader) || errors.Is(res.Err, gzip.ErrChecksum):
		// Content-Encoding promised gzip and the body did not inflate; nothing
		// reached disk.
		metrics.ObserveDecompressionFailure()
		out.Kind = archive.DownloadDecompressionFailure
		out.Err = fmt.Errorf("%w: %w", ErrDecompression, res.Err)
		return out
	default:
		out.Kind = archive.DownloadTransientFailure
		out.Err = fmt.Errorf("download after %d attempts: %w", res.Attempts, res.Err)
		return out
	}

	final := entry.FinalPath()
	body := res.Value.Body
	compressed := entry.Compressed
	if compressed && decodedInTransit(res.Value) {
		compressed = false
		logger.Debug("payload already decoded by transport", zap.String("path", final))
	}
	dst := entry.LocalPath
	if !compressed {
		dst = final
	}
	if err := writeAtomic(dst, bytes.NewReader(body)); err != nil {
		out.Kind = archive.DownloadTransientFailure
		out.Err = err
		return out
	}

	if entry.Compressed && !compressed {
		if err := os.Remove(entry.LocalPath); err != nil && !errors.Is(err, os.ErrNotExist) {
			logger.Warn("stale compressed artifact not removed", zap.String("path", entry.LocalPath), zap.Error(err))
		}
	}

	if compressed {
		err := gunzipFile(entry.LocalPath, final)
		switch {
		case err == nil:
		case errors.Is(err, errArtifactNotRemoved):
			logger.Warn("compressed artifact left beside decompressed file",
				zap.String("path", entry.LocalPath), zap.Error(err))
		case !errors.Is(err, ErrDecompression):
			out.Kind = archive.DownloadTransientFailure
			out.Err = err
			return out
		default:
			metrics.ObserveDecompressionFailure()
			logger.Warn("decompression failed; keeping compressed artifact",
				zap.String("path", entry.LocalPath), zap.Error(err))
			out.Kind = archive.DownloadDecompressionFailure
			out.Path = entry.LocalPath
			out.Err = err
			return out
		}
	}

	sum, size, err := m.hasher.HashFile(final)
	if err != nil {
		out.Kind = archive.DownloadTransientFailure
		out.Err = err
		return out
	}
	out.Kind = archive.DownloadSuccess
	out.Path = final
	out.Bytes = size
	out.Hash = sum

	m.mirrorFile(ctx, entry, final, logger)
	return out
}

// decodedInTransit reports a gzip Content-Encoding whose body no longer
// carries the gzip magic number, meaning the transport already inflated it.
// Content-Type alone never counts: application/gzip describes the file itself.
func decodedInTransit(resp fetcher.Response) bool {
	if bytes.HasPrefix(resp.Body, gzipMagic) {
		return false
	}
	return strings.Contains(strings.ToLower(resp.Header.Get("Content-Encoding")), "gzip")
}

// mirrorFile uploads the final file; failures are logged and counted only.
func (m *Materializer) mirrorFile(ctx context.Context, entry archive.Entry, final string, logger *zap.Logger) {
	if m.mirror == nil {
		return
	}
	key := path.Join(m.cfg.MirrorPrefix, string(entry.Sensor), filepath.Base(final))
	f, err := os.Open(final) // #nosec G304 -- final is derived from the output root
	if err != nil {
		metrics.ObserveMirrorUpload("error")
		logger.Warn("mirror open failed", zap.String("path", final), zap.Error(err))
		return
	}
	defer func() { _ = f.Close() }()

	uri, err := m.mirror.PutObject(ctx, key, "text/csv", f)
	if err != nil {
		metrics.ObserveMirrorUpload("error")
		logger.Warn("mirror upload failed", zap.String("key", key), zap.Error(err))
		return
	}
	metrics.ObserveMirrorUpload("ok")
	logger.Debug("mirrored", zap.String("uri", uri))
}

// writeAtomic writes r to a temp file beside dst, syncs it and renames it over dst.
func writeAtomic(dst string, r io.Reader) error {
	dir := filepath.Dir(dst)
	if err := os.MkdirAll(dir, dirPerm); err != nil {
		return fmt.Errorf("create %s: %w", dir, err)
	}
	tmp, err := os.CreateTemp(dir, "."+filepath.Base(dst)+".*.part")
	if err != nil {
		return fmt.Errorf("create temp file: %w", err)
	}
	tmpName := tmp.Name()
	cleanup := func() { _ = os.Remove(tmpName) }

	if _, err := io.Copy(tmp, r); err != nil {
		_ = tmp.Close()
		cleanup()
		return fmt.Errorf("write %s: %w", tmpName, err)
	}
	if err := tmp.Sync(); err != nil {
		_ = tmp.Close()
		cleanup()
		return fmt.Errorf("sync %s: %w", tmpName, err)
	}
	if err := tmp.Close(); err != nil {
		cleanup()
		return fmt.Errorf("close %s: %w", tmpName, err)
	}
	if err := os.Chmod(tmpName, filePerm); err != nil {
		cleanup()
		return fmt.Errorf("chmod %s: %w", tmpName, err)
	}
	if err := os.Rename(tmpName, dst); err != nil {
		cleanup()
		return fmt.Errorf("rename into %s: %w", dst, err)
	}
	return nil
}

// gunzipFile decompresses src into dst and removes src. On failure src is
// left untouched and no partial dst is written. Only errors from the gzip
// stream itself carry ErrDecompression; local file errors are returned plain.
func gunzipFile(src, dst string) error {
	f, err := os.Open(src) // #nosec G304 -- src is derived from the output root
	if err != nil {
		return fmt.Errorf("open %s: %w", src, err)
	}
	defer func() { _ = f.Close() }()

	zr, err := gzip.NewReader(sourceReader{r: f})
	if err != nil {
		return tagStreamError(src, err)
	}
	defer func() { _ = zr.Close() }()

	if err := writeAtomic(dst, inflateReader{zr: zr, src: src}); err != nil {
		return err
	}
	if err := os.Remove(src); err != nil {
		return fmt.Errorf("%w: %w", errArtifactNotRemoved, err)
	}
	return nil
}

var errArtifactNotRemoved = errors.New("remove compressed artifact")

// localReadError marks a failure reading the compressed file from disk.
type localReadError struct{ err error }

func (e *localReadError) Error() string { return e.err.Error() }
func (e *localReadError) Unwrap() error { return e.err }

type sourceReader struct{ r io.Reader }

func (s sourceReader) Read(p []byte) (int, error) {
	n, err := s.r.Read(p)
	if err != nil && !errors.Is(err, io.EOF) {
		err = &localReadError{err: err}
	}
	return n, err
}

// inflateReader tags gzip stream failures with ErrDecompression so writeAtomic
// callers can tell them apart from write errors on the destination.
type inflateReader struct {
	zr  *gzip.Reader
	src string
}

func (r inflateReader) Read(p []byte) (int, error) {
	n, err := r.zr.Read(p)
	if err != nil && !errors.Is(err, io.EOF) {
		err = tagStreamError(r.src, err)
	}
	return n, err
}

func tagStreamError(src string, err error) error {
	var lr *localReadError
	if errors.As(err, &lr) {
		return fmt.Errorf("read %s: %w", src, lr.err)
	}
	return fmt.Errorf("%w: %s: %w", ErrDecompression, src, err)
}
