// Package modmeta extracts mod identities (id, display name, version) from
// mod jars. Extraction is best effort: anything unreadable yields no
// identity rather than an error.
package modmeta

import (
	"archive/zip"
	"bufio"
	"encoding/json"
	"io"
	"log/slog"
	"path/filepath"
	"strings"
	"sync"

	"github.com/BurntSushi/toml"
	"github.com/spf13/afero"
)

// Identity describes a mod. Empty fields are unknown.
type Identity struct {
	Path    string `json:"path"`
	ID      string `json:"id,omitempty"`
	Name    string `json:"name,omitempty"`
	Version string `json:"version,omitempty"`
	Loader  string `json:"loader,omitempty"`
}

// Complete reports whether both id and version are known.
func (i Identity) Complete() bool {
	return i.ID != "" && i.Version != ""
}

func (i Identity) empty() bool {
	return i.ID == "" && i.Name == "" && i.Version == ""
}

// Label is a human-readable name for change descriptions.
func (i Identity) Label() string {
	name := i.Name
	if name == "" {
		name = i.ID
	}
	if name == "" {
		name = filepath.Base(i.Path)
	}
	if i.Version != "" {
		return name + " " + i.Version
	}
	return name
}

// Reader reads identities from jars on a file system.
type Reader struct {
	fs     afero.Fs
	logger *slog.Logger
}

// NewReader creates a Reader.
func NewReader(fs afero.Fs, logger *slog.Logger) *Reader {
	return &Reader{fs: fs, logger: logger}
}

type probe struct {
	loader string
	parse  func(*zip.Reader) Identity
}

var probes = []probe{
	{"fabric", readFabric},
	{"quilt", readQuilt},
	{"neoforge", readNeoForgeJSON},
	{"neoforge", func(zr *zip.Reader) Identity { return readModsToml(zr, "META-INF/neoforge.mods.toml") }},
	{"forge", func(zr *zip.Reader) Identity { return readModsToml(zr, "META-INF/mods.toml") }},
}

// Read returns the identity of the jar at path (an OS path on the reader's
// file system). The identity's Path is left for the caller to fill.
func (r *Reader) Read(path string) (Identity, bool) {
	f, err := r.fs.Open(path)
	if err != nil {
		return Identity{}, false
	}
	defer func() {
		_ = f.Close()
	}()

	info, err := f.Stat()
	if err != nil {
		return Identity{}, false
	}
	zr, err := zip.NewReader(f, info.Size())
	if err != nil {
		r.logger.Debug("not a readable mod archive", "path", path, "error", err)
		return Identity{}, false
	}

	var partial *Identity
	for _, p := range probes {
		id := p.parse(zr)
		if id.empty() {
			continue
		}
		id.Loader = p.loader
		if id.Version == "" || isPlaceholder(id.Version) {
			id.Version = manifestVersion(zr)
		}
		if id.Complete() {
			return id, true
		}
		if partial == nil {
			cp := id
			partial = &cp
		}
	}
	if partial != nil {
		return *partial, true
	}
	return Identity{}, false
}

func openEntry(zr *zip.Reader, name string) (io.ReadCloser, bool) {
	f, err := zr.Open(name)
	if err != nil {
		return nil, false
	}
	return f, true
}

func decodeJSON(zr *zip.Reader, name string, v any) bool {
	rc, ok := openEntry(zr, name)
	if !ok {
		return false
	}
	defer func() {
		_ = rc.Close()
	}()
	return json.NewDecoder(rc).Decode(v) == nil
}

// asString keeps only JSON string primitives.
func asString(raw json.RawMessage) string {
	var s string
	if json.Unmarshal(raw, &s) != nil {
		return ""
	}
	return strings.TrimSpace(s)
}

func readFabric(zr *zip.Reader) Identity {
	var doc map[string]json.RawMessage
	if !decodeJSON(zr, "fabric.mod.json", &doc) {
		return Identity{}
	}
	return Identity{
		ID:      asString(doc["id"]),
		Name:    asString(doc["name"]),
		Version: asString(doc["version"]),
	}
}

func readQuilt(zr *zip.Reader) Identity {
	var doc struct {
		ID          json.RawMessage `json:"id"`
		Name        json.RawMessage `json:"name"`
		Version     json.RawMessage `json:"version"`
		QuiltLoader struct {
			ID       json.RawMessage `json:"id"`
			Name     json.RawMessage `json:"name"`
			Version  json.RawMessage `json:"version"`
			Metadata struct {
				Name json.RawMessage `json:"name"`
			} `json:"metadata"`
		} `json:"quilt_loader"`
	}
	if !decodeJSON(zr, "quilt.mod.json", &doc) {
		return Identity{}
	}
	id := Identity{
		ID:      asString(doc.QuiltLoader.ID),
		Name:    asString(doc.QuiltLoader.Metadata.Name),
		Version: asString(doc.QuiltLoader.Version),
	}
	if id.ID == "" {
		id.ID = asString(doc.ID)
	}
	if id.Name == "" {
		id.Name = firstNonEmpty(asString(doc.QuiltLoader.Name), asString(doc.Name))
	}
	if id.Version == "" {
		id.Version = asString(doc.Version)
	}
	return id
}

func readNeoForgeJSON(zr *zip.Reader) Identity {
	var doc struct {
		Version json.RawMessage              `json:"version"`
		Mods    []map[string]json.RawMessage `json:"mods"`
	}
	if !decodeJSON(zr, "neoforge.mods.json", &doc) {
		return Identity{}
	}
	var id Identity
	if len(doc.Mods) > 0 {
		m := doc.Mods[0]
		id.ID = firstNonEmpty(asString(m["modId"]), asString(m["id"]))
		id.Name = firstNonEmpty(asString(m["displayName"]), asString(m["name"]))
		id.Version = asString(m["version"])
	}
	if id.Version == "" {
		id.Version = asString(doc.Version)
	}
	return id
}

// readModsToml reads the first mods table of a Forge style mods.toml. Both
// [[mods]] arrays and a single [mods] table are accepted.
func readModsToml(zr *zip.Reader, name string) Identity {
	rc, ok := openEntry(zr, name)
	if !ok {
		return Identity{}
	}
	defer func() {
		_ = rc.Close()
	}()

	var doc map[string]any
	if _, err := toml.NewDecoder(rc).Decode(&doc); err != nil {
		return Identity{}
	}

	var first map[string]any
	switch mods := doc["mods"].(type) {
	case []map[string]any:
		if len(mods) > 0 {
			first = mods[0]
		}
	case []any:
		if len(mods) > 0 {
			first, _ = mods[0].(map[string]any)
		}
	case map[string]any:
		first = mods
	}
	if first == nil {
		return Identity{}
	}

	str := func(key string) string {
		s, _ := first[key].(string)
		return strings.TrimSpace(s)
	}
	return Identity{ID: str("modId"), Name: str("displayName"), Version: str("version")}
}

// manifestVersion reads Implementation-Version from the jar manifest, which
// Forge substitutes for ${file.jarVersion}.
func manifestVersion(zr *zip.Reader) string {
	rc, ok := openEntry(zr, "META-INF/MANIFEST.MF")
	if !ok {
		return ""
	}
	defer func() {
		_ = rc.Close()
	}()

	sc := bufio.NewScanner(rc)
	for sc.Scan() {
		key, value, found := strings.Cut(sc.Text(), ":")
		if found && strings.EqualFold(strings.TrimSpace(key), "Implementation-Version") {
			return strings.TrimSpace(value)
		}
	}
	return ""
}

func isPlaceholder(v string) bool {
	return strings.HasPrefix(v, "${")
}

func firstNonEmpty(vals ...string) string {
	for _, v := range vals {
		if v != "" {
			return v
		}
	}
	return ""
}

// LooseVersionEqual compares version strings ignoring case, surrounding
// whitespace and a single leading "v". It is not semantic version ordering.
func LooseVersionEqual(a, b string) bool {
	return strings.EqualFold(stripV(a), stripV(b))
}

func stripV(v string) string {
	v = strings.TrimSpace(v)
	if strings.HasPrefix(v, "v") || strings.HasPrefix(v, "V") {
		v = v[1:]
	}
	return v
}

// Cache memoizes identities by relative path for one pass.
type Cache struct {
	reader *Reader
	root   string

	mu    sync.Mutex
	known map[string]cached
}

type cached struct {
	id Identity
	ok bool
}

// NewCache creates a cache that resolves relative paths against root.
func NewCache(reader *Reader, root string) *Cache {
	return &Cache{reader: reader, root: root, known: make(map[string]cached)}
}

// Identity returns the identity of the jar at the slash-separated relative
// path rel. Non-jar files have no identity.
func (c *Cache) Identity(rel string) (Identity, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if hit, ok := c.known[rel]; ok {
		return hit.id, hit.ok
	}
	var res cached
	if strings.EqualFold(filepath.Ext(rel), ".jar") {
		res.id, res.ok = c.reader.Read(filepath.Join(c.root, filepath.FromSlash(rel)))
		res.id.Path = rel
	}
	c.known[rel] = res
	return res.id, res.ok
}
