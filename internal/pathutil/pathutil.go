package pathutil

import (
	"errors"
	"fmt"
	"path"
	"path/filepath"
	"runtime"
	"strings"
)

// ErrUnsafePath is returned when a relative path would resolve outside the
// game directory.
var ErrUnsafePath = errors.New("path escapes root")

// Well-known include roots that carry special policy.
const (
	ModsRoot   = "mods"
	ConfigRoot = "config"
)

// Normalize converts a relative path to forward slashes and strips a
// leading "./".
func Normalize(p string) string {
	n := strings.ReplaceAll(p, "\\", "/")
	for strings.HasPrefix(n, "./") {
		n = n[2:]
	}
	return n
}

// Keyer builds comparison keys for relative paths. Fold enables
// case-insensitive comparison, as used on Windows file systems.
type Keyer struct {
	Fold bool
}

// DefaultKeyer returns the keyer for the current platform.
func DefaultKeyer() Keyer {
	return Keyer{Fold: runtime.GOOS == "windows"}
}

// Key returns the comparison key for p.
func (k Keyer) Key(p string) string {
	n := Normalize(p)
	if k.Fold {
		return strings.ToLower(n)
	}
	return n
}

// IsIncluded reports whether rel equals one of the include roots or lies
// beneath one.
func IsIncluded(rel string, includes []string) bool {
	n := Normalize(rel)
	for _, inc := range includes {
		inc = strings.TrimSuffix(Normalize(strings.TrimSpace(inc)), "/")
		if inc == "" {
			continue
		}
		if n == inc || strings.HasPrefix(n, inc+"/") {
			return true
		}
	}
	return false
}

// IsUnder reports whether rel is the folder itself or lies beneath it,
// ignoring case.
func IsUnder(rel, folder string) bool {
	n := Normalize(rel)
	folder = strings.TrimSuffix(Normalize(folder), "/")
	if strings.EqualFold(n, folder) {
		return true
	}
	prefix := folder + "/"
	return len(n) >= len(prefix) && strings.EqualFold(n[:len(prefix)], prefix)
}

// HasRoot reports whether name is one of the include roots, ignoring case.
func HasRoot(includes []string, name string) bool {
	for _, inc := range includes {
		if strings.EqualFold(strings.TrimSuffix(Normalize(strings.TrimSpace(inc)), "/"), name) {
			return true
		}
	}
	return false
}

// SafeJoin resolves rel against root and returns the OS path. It refuses
// absolute paths, paths that climb out of root, and the root itself.
func SafeJoin(root, rel string) (string, error) {
	n := Normalize(rel)
	if n == "" || path.IsAbs(n) || filepath.IsAbs(rel) || filepath.VolumeName(rel) != "" {
		return "", fmt.Errorf("%w: %q", ErrUnsafePath, rel)
	}
	cleaned := path.Clean(n)
	if cleaned == "." || cleaned == ".." || strings.HasPrefix(cleaned, "../") {
		return "", fmt.Errorf("%w: %q", ErrUnsafePath, rel)
	}
	target := filepath.Join(root, filepath.FromSlash(cleaned))
	if !Within(root, target) {
		return "", fmt.Errorf("%w: %q", ErrUnsafePath, rel)
	}
	return target, nil
}

// Within reports whether target is a strict descendant of root.
func Within(root, target string) bool {
	r, err := filepath.Rel(filepath.Clean(root), filepath.Clean(target))
	if err != nil {
		return false
	}
	if r == "." || r == ".." || strings.HasPrefix(r, ".."+string(filepath.Separator)) || filepath.IsAbs(r) {
		return false
	}
	return true
}

// Rel returns target relative to root using forward slashes.
func Rel(root, target string) (string, error) {
	r, err := filepath.Rel(root, target)
	if err != nil {
		return "", err
	}
	return filepath.ToSlash(r), nil
}

// FileName returns the last element of a slash-separated relative path.
func FileName(rel string) string {
	return path.Base(Normalize(rel))
}
