package state

import (
	"github.com/schaermu/packsyncd/internal/manifest"
	"github.com/schaermu/packsyncd/internal/pathutil"
)

// Index records which relative paths the engine manages and the server
// fingerprint each had when it was last installed. Every path in SHAs is
// also listed in Files.
type Index struct {
	PackID  string            `json:"packId"`
	Version string            `json:"version"`
	Files   []string          `json:"files"`
	SHAs    map[string]string `json:"shas"`

	keyer pathutil.Keyer
	keys  map[string]string
}

// NewIndex returns an empty index.
func NewIndex(k pathutil.Keyer) *Index {
	idx := &Index{Files: []string{}, SHAs: map[string]string{}, keyer: k}
	idx.reindex()
	return idx
}

// buildIndex sets the index content from manifest entries below the include
// roots. Paths are deduplicated by comparison key.
func buildIndex(k pathutil.Keyer, packID, version string, files []manifest.FileEntry, includes []string) *Index {
	idx := NewIndex(k)
	idx.PackID = packID
	idx.Version = version

	seen := make(map[string]bool)
	for _, f := range files {
		p := pathutil.Normalize(f.Path)
		if p == "" || !pathutil.IsIncluded(p, includes) {
			continue
		}
		key := k.Key(p)
		if seen[key] {
			continue
		}
		seen[key] = true
		idx.Files = append(idx.Files, p)
		if f.SHA256 != "" {
			idx.SHAs[p] = f.SHA256
		}
	}
	idx.reindex()
	return idx
}

func (i *Index) reindex() {
	i.keys = make(map[string]string, len(i.Files))
	for _, f := range i.Files {
		i.keys[i.keyer.Key(f)] = ""
	}
	for p, sha := range i.SHAs {
		key := i.keyer.Key(p)
		// Drop fingerprints for paths not listed as managed.
		if _, ok := i.keys[key]; !ok {
			delete(i.SHAs, p)
			continue
		}
		i.keys[key] = sha
	}
}

// Managed reports whether rel is a managed path.
func (i *Index) Managed(rel string) bool {
	if i == nil {
		return false
	}
	_, ok := i.keys[i.keyer.Key(rel)]
	return ok
}

// Fingerprint returns the last recorded server fingerprint for rel.
func (i *Index) Fingerprint(rel string) (string, bool) {
	if i == nil {
		return "", false
	}
	sha, ok := i.keys[i.keyer.Key(rel)]
	if !ok || sha == "" {
		return "", false
	}
	return sha, true
}

// Len returns the number of managed paths.
func (i *Index) Len() int {
	if i == nil {
		return 0
	}
	return len(i.Files)
}
