// Package fingerprint computes content fingerprints (SHA-256) for files.
package fingerprint

import (
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"io"
	"strings"

	"github.com/spf13/afero"
)

// ErrMismatch is returned by Verify when content does not match the
// expected fingerprint.
var ErrMismatch = errors.New("fingerprint mismatch")

// Sum is a content fingerprint together with the number of bytes hashed.
type Sum struct {
	Hex  string
	Size int64
}

// Reader hashes everything read from r.
func Reader(r io.Reader) (Sum, error) {
	h := sha256.New()
	n, err := io.Copy(h, r)
	if err != nil {
		return Sum{}, err
	}
	return Sum{Hex: hex.EncodeToString(h.Sum(nil)), Size: n}, nil
}

// File hashes the file at path.
func File(fs afero.Fs, path string) (Sum, error) {
	f, err := fs.Open(path)
	if err != nil {
		return Sum{}, err
	}
	defer func() {
		_ = f.Close()
	}()

	return Reader(f)
}

// Equal compares two hex fingerprints ignoring case. Empty values never match.
func Equal(a, b string) bool {
	a = strings.TrimSpace(a)
	b = strings.TrimSpace(b)
	if a == "" || b == "" {
		return false
	}
	return strings.EqualFold(a, b)
}

// Verify checks the file at path against expected. An empty expected value
// means the server did not declare a fingerprint and always passes.
func Verify(fs afero.Fs, path, expected string) (Sum, error) {
	sum, err := File(fs, path)
	if err != nil {
		return Sum{}, fmt.Errorf("failed to hash %s: %w", path, err)
	}
	if strings.TrimSpace(expected) == "" {
		return sum, nil
	}
	if !Equal(sum.Hex, expected) {
		return sum, fmt.Errorf("%w: expected %s, got %s", ErrMismatch, expected, sum.Hex)
	}
	return sum, nil
}
