// Package state persists the installed index and the pending operations
// journal. Both documents live in the engine's state directory and are
// written atomically.
package state

import (
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"
	"log/slog"
	"path/filepath"
	"sync"

	"github.com/spf13/afero"

	"github.com/schaermu/packsyncd/internal/manifest"
	"github.com/schaermu/packsyncd/internal/pathutil"
)

const (
	IndexFile   = "installed.json"
	PendingFile = "pending.json"

	// CorruptSuffix is appended to an unreadable journal before a fresh one
	// is written.
	CorruptSuffix = ".corrupt"
)

// Store owns the state documents. One mutex serializes every index and
// journal mutation, because download workers and the pass itself both
// append to the journal.
type Store struct {
	fs     afero.Fs
	root   string
	dir    string
	keyer  pathutil.Keyer
	logger *slog.Logger

	mu      sync.Mutex
	pending *Pending
}

// NewStore creates a store for the game directory root whose documents
// live in dir.
func NewStore(fsys afero.Fs, root, dir string, k pathutil.Keyer, logger *slog.Logger) *Store {
	return &Store{
		fs:     fsys,
		root:   filepath.Clean(root),
		dir:    filepath.Clean(dir),
		keyer:  k,
		logger: logger,
	}
}

// Dir returns the state directory.
func (s *Store) Dir() string {
	return s.dir
}

// LoadIndex reads the installed index. A missing or unreadable document
// yields an empty index.
func (s *Store) LoadIndex() *Index {
	s.mu.Lock()
	defer s.mu.Unlock()

	idx := NewIndex(s.keyer)
	found, err := s.readJSON(IndexFile, idx)
	if err != nil {
		s.logger.Warn("failed to read installed index, starting empty", "error", err)
		return NewIndex(s.keyer)
	}
	if !found {
		return idx
	}
	if idx.Files == nil {
		idx.Files = []string{}
	}
	if idx.SHAs == nil {
		idx.SHAs = map[string]string{}
	}
	idx.keyer = s.keyer
	idx.reindex()
	return idx
}

// RebuildIndex replaces the installed index with the manifest entries below
// the include roots and persists it. The returned index is valid even when
// persisting failed.
func (s *Store) RebuildIndex(packID, version string, files []manifest.FileEntry, includes []string) (*Index, error) {
	idx := buildIndex(s.keyer, packID, version, files, includes)

	s.mu.Lock()
	defer s.mu.Unlock()

	if err := s.writeJSON(IndexFile, idx); err != nil {
		return idx, fmt.Errorf("failed to save installed index: %w", err)
	}
	return idx, nil
}

// Pending returns a snapshot of the journal.
func (s *Store) Pending() Pending {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.loadPending().clone()
}

// EnqueueDelete records a deferred delete of rel. A path already queued is
// not added twice.
func (s *Store) EnqueueDelete(rel string) error {
	rel = pathutil.Normalize(rel)

	s.mu.Lock()
	defer s.mu.Unlock()

	p := s.loadPending()
	key := s.keyer.Key(rel)
	for _, d := range p.Delete {
		if s.keyer.Key(d) == key {
			return nil
		}
	}
	p.Delete = append(p.Delete, rel)
	return s.savePending()
}

// EnqueueReplace records a deferred move of the staged file from onto to.
// There is at most one entry per target: a newer staged file supersedes the
// older one, which is removed from disk.
func (s *Store) EnqueueReplace(from, to string) error {
	from = pathutil.Normalize(from)
	to = pathutil.Normalize(to)

	s.mu.Lock()
	defer s.mu.Unlock()

	p := s.loadPending()
	key := s.keyer.Key(to)
	for i, r := range p.Replace {
		if s.keyer.Key(r.To) != key {
			continue
		}
		if s.keyer.Key(r.From) == s.keyer.Key(from) {
			return nil
		}
		if old, err := pathutil.SafeJoin(s.root, r.From); err == nil {
			if err := s.fs.Remove(old); err != nil && !errors.Is(err, fs.ErrNotExist) {
				s.logger.Warn("failed to remove superseded staged file", "path", r.From, "error", err)
			}
		}
		p.Replace[i].From = from
		return s.savePending()
	}
	p.Replace = append(p.Replace, Replace{From: from, To: to})
	return s.savePending()
}

// ApplyPending drains the journal: deletes first, then replaces. Entries
// stay queued until their filesystem action succeeded; entries pointing
// outside the game directory are dropped. The journal is persisted after
// the batch whatever the outcome.
func (s *Store) ApplyPending() (ApplyResult, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var res ApplyResult
	p := s.loadPending()
	if p.Empty() {
		return res, nil
	}

	var keepDeletes []string
	for _, rel := range p.Delete {
		target, err := pathutil.SafeJoin(s.root, rel)
		if err != nil {
			s.logger.Warn("dropping unsafe pending delete", "path", rel, "policy", "unsafe_path")
			res.Dropped++
			continue
		}
		if err := s.fs.Remove(target); err != nil && !errors.Is(err, fs.ErrNotExist) {
			s.logger.Debug("pending delete still blocked", "path", rel, "error", err)
			keepDeletes = append(keepDeletes, rel)
			res.Failed++
			continue
		}
		res.Deleted++
	}

	var keepReplaces []Replace
	for _, r := range p.Replace {
		from, errFrom := pathutil.SafeJoin(s.root, r.From)
		to, errTo := pathutil.SafeJoin(s.root, r.To)
		if errFrom != nil || errTo != nil {
			s.logger.Warn("dropping unsafe pending replace", "from", r.From, "to", r.To, "policy", "unsafe_path")
			res.Dropped++
			continue
		}
		if err := s.move(from, to); err != nil {
			s.logger.Debug("pending replace still blocked", "from", r.From, "to", r.To, "error", err)
			keepReplaces = append(keepReplaces, r)
			res.Failed++
			continue
		}
		res.Replaced++
	}

	p.Delete = keepDeletes
	p.Replace = keepReplaces
	res.Remaining = p.Len()

	if res.Deleted+res.Replaced > 0 {
		s.logger.Info("applied pending operations",
			"deleted", res.Deleted,
			"replaced", res.Replaced,
			"failed", res.Failed,
			"dropped", res.Dropped)
	}

	if err := s.savePending(); err != nil {
		return res, fmt.Errorf("failed to save pending operations: %w", err)
	}
	return res, nil
}

func (s *Store) move(from, to string) error {
	if _, err := s.fs.Stat(from); err != nil {
		return err
	}
	if err := s.fs.MkdirAll(filepath.Dir(to), 0755); err != nil {
		return err
	}
	return s.fs.Rename(from, to)
}

// loadPending returns the in-memory journal, reading it from disk on first
// use. Callers hold s.mu.
func (s *Store) loadPending() *Pending {
	if s.pending != nil {
		return s.pending
	}
	p := &Pending{}
	if _, err := s.readJSON(PendingFile, p); err != nil {
		p = &Pending{}
		aside := filepath.Join(s.dir, PendingFile+CorruptSuffix)
		if rerr := s.fs.Rename(filepath.Join(s.dir, PendingFile), aside); rerr != nil {
			s.logger.Error("failed to set unreadable pending operations aside", "error", err, "rename_error", rerr)
		} else {
			s.logger.Warn("unreadable pending operations set aside, starting empty", "error", err, "path", aside)
		}
	}
	s.pending = p
	return p
}

func (s *Store) savePending() error {
	p := s.pending
	if p.Delete == nil {
		p.Delete = []string{}
	}
	if p.Replace == nil {
		p.Replace = []Replace{}
	}
	return s.writeJSON(PendingFile, p)
}

func (s *Store) readJSON(name string, v any) (bool, error) {
	data, err := afero.ReadFile(s.fs, filepath.Join(s.dir, name))
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return false, nil
		}
		return false, err
	}
	if err := json.Unmarshal(data, v); err != nil {
		return false, fmt.Errorf("failed to parse %s: %w", name, err)
	}
	return true, nil
}

// writeJSON replaces the named document atomically: the content goes to a
// temp file in the state directory which is then renamed over the target.
func (s *Store) writeJSON(name string, v any) error {
	data, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return err
	}

	if err := s.fs.MkdirAll(s.dir, 0755); err != nil {
		return err
	}

	tmp, err := afero.TempFile(s.fs, s.dir, "."+name+"-*")
	if err != nil {
		return err
	}
	tmpPath := tmp.Name()
	defer func() {
		_ = s.fs.Remove(tmpPath)
	}() // cleanup on error

	if _, err := tmp.Write(data); err != nil {
		_ = tmp.Close()
		return err
	}
	if err := tmp.Close(); err != nil {
		return err
	}
	return s.fs.Rename(tmpPath, filepath.Join(s.dir, name))
}
