// Package sha256 provides SHA-256 digests of materialized archive files.
package sha256

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"io"
	"os"
)

// Hasher produces lowercase hex SHA-256 digests.
type Hasher struct{}

// New returns a SHA-256 hasher.
func New() *Hasher {
	return &Hasher{}
}

// Hash hashes the input and returns a hex digest.
func (h *Hasher) Hash(data []byte) (string, error) {
	sum := sha256.Sum256(data)
	return hex.EncodeToString(sum[:]), nil
}

// HashReader streams r through the digest and reports the bytes consumed.
func (h *Hasher) HashReader(r io.Reader) (string, int64, error) {
	d := sha256.New()
	n, err := io.Copy(d, r)
	if err != nil {
		return "", n, fmt.Errorf("hash stream: %w", err)
	}
	return hex.EncodeToString(d.Sum(nil)), n, nil
}

// HashFile digests the file at path and reports its size.
func (h *Hasher) HashFile(path string) (string, int64, error) {
	f, err := os.Open(path) // #nosec G304 -- path is built by the crawler under its output root
	if err != nil {
		return "", 0, fmt.Errorf("open for hash: %w", err)
	}
	defer func() { _ = f.Close() }()
	return h.HashReader(f)
}
