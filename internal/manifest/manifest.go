// Package manifest defines the pack manifest document served by the pack
// server and the client that fetches manifests and files.
package manifest

import (
	"context"
	"errors"
	"fmt"
	"io"

	"github.com/schaermu/packsyncd/internal/pathutil"
)

// ErrManifestUnavailable is returned when no usable manifest could be
// fetched. It is fatal for the pass that requested it.
var ErrManifestUnavailable = errors.New("manifest unavailable")

// StatusError reports a non-200 answer to a file request.
type StatusError struct {
	Path string
	Code int
}

func (e *StatusError) Error() string {
	return fmt.Sprintf("file download failed: HTTP %d for %s", e.Code, e.Path)
}

// Manifest is the server's declaration of a pack version.
type Manifest struct {
	PackID    string      `json:"packId"`
	Version   string      `json:"version"`
	MCVersion string      `json:"mcVersion,omitempty"`
	Loader    *Loader     `json:"loader,omitempty"`
	Files     []FileEntry `json:"files"`
	Mods      []ModEntry  `json:"mods,omitempty"`
}

// Loader names the mod loader a pack targets.
type Loader struct {
	Name    string `json:"name"`
	Version string `json:"version"`
}

// FileEntry is one file of the pack.
type FileEntry struct {
	Path   string `json:"path"`
	SHA256 string `json:"sha256"`
	Size   int64  `json:"size"`
}

// ModEntry is the server-side identity of a mod file.
type ModEntry struct {
	Path    string `json:"path"`
	ID      string `json:"id,omitempty"`
	Version string `json:"version,omitempty"`
	Name    string `json:"name,omitempty"`
	Loader  string `json:"loader,omitempty"`
}

// Client fetches manifests and pack files.
type Client interface {
	FetchManifest(ctx context.Context) (*Manifest, error)
	// Download writes the file at the relative path to w and returns the
	// number of bytes written.
	Download(ctx context.Context, relPath string, w io.Writer) (int64, error)
}

// Included returns the file entries below one of the include roots, with
// normalized paths.
func (m *Manifest) Included(includes []string) []FileEntry {
	var out []FileEntry
	for _, f := range m.Files {
		p := pathutil.Normalize(f.Path)
		if p == "" || !pathutil.IsIncluded(p, includes) {
			continue
		}
		f.Path = p
		out = append(out, f)
	}
	return out
}

// ModsByPath indexes the mod identities by comparison key.
func (m *Manifest) ModsByPath(k pathutil.Keyer) map[string]ModEntry {
	out := make(map[string]ModEntry, len(m.Mods))
	for _, mod := range m.Mods {
		if mod.Path == "" {
			continue
		}
		mod.Path = pathutil.Normalize(mod.Path)
		out[k.Key(mod.Path)] = mod
	}
	return out
}

// TotalSize sums the declared sizes of files.
func TotalSize(files []FileEntry) int64 {
	var n int64
	for _, f := range files {
		n += f.Size
	}
	return n
}
