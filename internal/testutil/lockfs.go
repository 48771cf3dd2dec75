package testutil

import (
	"errors"
	"io/fs"
	"path/filepath"
	"sync"

	"github.com/spf13/afero"
)

// ErrLocked is returned for operations on a locked path.
var ErrLocked = errors.New("file is locked by another process")

// LockFs wraps a file system and refuses to remove, rename onto, or rename
// away any locked path, the way Windows treats files held open by a game.
type LockFs struct {
	afero.Fs

	mu     sync.Mutex
	locked map[string]bool
}

// NewLockFs wraps base.
func NewLockFs(base afero.Fs) *LockFs {
	return &LockFs{Fs: base, locked: make(map[string]bool)}
}

// Lock marks path (an OS path) as locked.
func (l *LockFs) Lock(path string) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.locked[filepath.Clean(path)] = true
}

// Unlock releases path.
func (l *LockFs) Unlock(path string) {
	l.mu.Lock()
	defer l.mu.Unlock()
	delete(l.locked, filepath.Clean(path))
}

func (l *LockFs) isLocked(path string) bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.locked[filepath.Clean(path)]
}

func (l *LockFs) Remove(name string) error {
	if l.isLocked(name) {
		return &fs.PathError{Op: "remove", Path: name, Err: ErrLocked}
	}
	return l.Fs.Remove(name)
}

func (l *LockFs) RemoveAll(name string) error {
	if l.isLocked(name) {
		return &fs.PathError{Op: "removeall", Path: name, Err: ErrLocked}
	}
	return l.Fs.RemoveAll(name)
}

func (l *LockFs) Rename(oldname, newname string) error {
	if l.isLocked(oldname) || l.isLocked(newname) {
		return &fs.PathError{Op: "rename", Path: newname, Err: ErrLocked}
	}
	return l.Fs.Rename(oldname, newname)
}
