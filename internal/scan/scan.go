// Package scan walks the configured include roots of a game directory and
// fingerprints every regular file it finds.
//
// The scanner is resilient to individual file failures: a file that cannot
// be hashed is logged and skipped, never fatal to the scan.
package scan

import (
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"

	"github.com/spf13/afero"

	"github.com/schaermu/packsyncd/internal/fingerprint"
	"github.com/schaermu/packsyncd/internal/pathutil"
)

// Entry is the locally observed state of one file.
type Entry struct {
	Path        string `json:"path"`
	Fingerprint string `json:"sha256"`
	Size        int64  `json:"size"`
}

// Scanner produces Entries for all files under the include roots.
type Scanner struct {
	fs       afero.Fs
	root     string
	includes []string
	exclude  []string
	keyer    pathutil.Keyer
	logger   *slog.Logger
}

// Option configures a Scanner.
type Option func(*Scanner)

// WithExclude skips the given relative paths (files or whole directories).
// Used for files the engine owns itself.
func WithExclude(rels ...string) Option {
	return func(s *Scanner) {
		for _, r := range rels {
			if r = strings.TrimSuffix(pathutil.Normalize(r), "/"); r != "" {
				s.exclude = append(s.exclude, r)
			}
		}
	}
}

// WithKeyer sets the comparison keyer used to match excluded paths.
func WithKeyer(k pathutil.Keyer) Option {
	return func(s *Scanner) {
		s.keyer = k
	}
}

// New creates a Scanner rooted at root.
func New(fs afero.Fs, root string, includes []string, logger *slog.Logger, opts ...Option) *Scanner {
	s := &Scanner{
		fs:       fs,
		root:     filepath.Clean(root),
		includes: includes,
		keyer:    pathutil.DefaultKeyer(),
		logger:   logger,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Scan walks every include root and returns the entries found.
func (s *Scanner) Scan() ([]Entry, error) {
	var entries []Entry
	seen := make(map[string]bool)

	for _, inc := range s.includes {
		inc = strings.TrimSuffix(pathutil.Normalize(strings.TrimSpace(inc)), "/")
		if inc == "" {
			continue
		}
		dir, ok := s.resolveRoot(inc)
		if !ok || seen[dir] {
			continue
		}
		seen[dir] = true

		err := afero.Walk(s.fs, dir, func(path string, info os.FileInfo, err error) error {
			if err != nil {
				s.logger.Warn("failed to walk path", "path", path, "error", err)
				if info != nil && info.IsDir() {
					return filepath.SkipDir
				}
				return nil
			}

			sub, relErr := pathutil.Rel(dir, path)
			if relErr != nil {
				return nil
			}
			rel := inc
			if sub != "." {
				rel = inc + "/" + sub
			}

			if s.excluded(rel) {
				if info.IsDir() {
					return filepath.SkipDir
				}
				return nil
			}
			if !info.Mode().IsRegular() {
				return nil
			}

			sum, err := fingerprint.File(s.fs, path)
			if err != nil {
				s.logger.Warn("failed to hash file", "path", rel, "error", err)
				return nil
			}
			entries = append(entries, Entry{Path: rel, Fingerprint: sum.Hex, Size: sum.Size})
			return nil
		})
		if err != nil {
			return nil, fmt.Errorf("failed to scan %s: %w", inc, err)
		}
	}

	return entries, nil
}

func (s *Scanner) excluded(rel string) bool {
	key := s.keyer.Key(rel)
	for _, ex := range s.exclude {
		ek := s.keyer.Key(ex)
		if key == ek || strings.HasPrefix(key, ek+"/") {
			return true
		}
	}
	return false
}

// resolveRoot maps an include name to the directory to walk. The directory
// must exist and stay strictly inside the game root, also after following a
// symlinked include root.
func (s *Scanner) resolveRoot(inc string) (string, bool) {
	dir, err := pathutil.SafeJoin(s.root, inc)
	if err != nil {
		s.logger.Warn("refusing include path outside root", "include", inc, "policy", "unsafe_path")
		return "", false
	}

	if lst, ok := s.fs.(afero.Lstater); ok {
		info, _, err := lst.LstatIfPossible(dir)
		if err != nil {
			return "", false
		}
		if info.Mode()&os.ModeSymlink != 0 {
			target, ok := s.readLink(dir)
			if !ok || !pathutil.Within(s.root, target) {
				s.logger.Warn("refusing symlinked include path outside root", "include", inc, "policy", "unsafe_path")
				return "", false
			}
			dir = target
		}
	}

	info, err := s.fs.Stat(dir)
	if err != nil || !info.IsDir() {
		return "", false
	}
	return dir, true
}

func (s *Scanner) readLink(link string) (string, bool) {
	lr, ok := s.fs.(afero.LinkReader)
	if !ok {
		return "", false
	}
	target, err := lr.ReadlinkIfPossible(link)
	if err != nil {
		return "", false
	}
	if !filepath.IsAbs(target) {
		target = filepath.Join(filepath.Dir(link), target)
	}
	target = filepath.Clean(target)

	// On the host file system resolve the whole chain, so a link pointing at
	// another link cannot leave the root.
	if resolved, err := filepath.EvalSymlinks(target); err == nil {
		if root, err := filepath.EvalSymlinks(s.root); err == nil {
			rel, err := filepath.Rel(root, resolved)
			if err != nil || rel == "." || strings.HasPrefix(rel, "..") {
				return "", false
			}
			return filepath.Join(s.root, rel), true
		}
	}
	return target, true
}
