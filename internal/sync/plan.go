package sync

import (
	"fmt"
	"io"
	"log/slog"
	"sort"
	"strings"

	"github.com/schaermu/packsyncd/internal/config"
	"github.com/schaermu/packsyncd/internal/fingerprint"
	"github.com/schaermu/packsyncd/internal/manifest"
	"github.com/schaermu/packsyncd/internal/modmeta"
	"github.com/schaermu/packsyncd/internal/pathutil"
	"github.com/schaermu/packsyncd/internal/scan"
	"github.com/schaermu/packsyncd/internal/state"
)

// Action is the classification of one path in a plan.
type Action string

const (
	ActionAdd    Action = "add"
	ActionUpdate Action = "update"
	ActionKeep   Action = "keep"
	ActionDelete Action = "delete"
)

// Reason explains a decision.
type Reason string

const (
	ReasonMissing         Reason = "missing"
	ReasonRenamed         Reason = "renamed"
	ReasonChanged         Reason = "changed"
	ReasonUnchanged       Reason = "unchanged"
	ReasonUnmanagedConfig Reason = "unmanaged_config"
	ReasonModifiedConfig  Reason = "modified_config"
	ReasonPlayerModified  Reason = "player_modified"
	ReasonRemoved         Reason = "removed_from_pack"
	ReasonExtraConfig     Reason = "extra_config"
	ReasonUserFile        Reason = "user_file"
)

// Decision records what the plan does with one path and why.
type Decision struct {
	Path   string `json:"path" yaml:"path"`
	Action Action `json:"action" yaml:"action"`
	Reason Reason `json:"reason" yaml:"reason"`
	// From is the original path of a renamed mod.
	From  string `json:"from,omitempty" yaml:"from,omitempty"`
	Label string `json:"label,omitempty" yaml:"label,omitempty"`
}

// FetchOp downloads one manifest entry.
type FetchOp struct {
	Path   string
	SHA256 string
	Size   int64
	// Add is set when no file existed at Path.
	Add bool
}

// MoveOp relocates a renamed mod whose content already matches.
type MoveOp struct {
	From     string
	To       string
	Expected string
	Size     int64
}

// Rename is a detected mod rename.
type Rename struct {
	From string `json:"from" yaml:"from"`
	To   string `json:"to" yaml:"to"`
	// ContentChanged is set when the new path must be downloaded.
	ContentChanged bool   `json:"contentChanged" yaml:"content_changed"`
	Label          string `json:"label,omitempty" yaml:"label,omitempty"`
}

// Plan is the classified change set of one pass.
type Plan struct {
	PackID  string
	Version string

	Fetch  []FetchOp
	Delete []string
	Moves  []MoveOp

	Adds    []Decision
	Updates []Decision
	Keeps   []Decision
	Deletes []Decision
	// Skipped lists local paths absent from the manifest that are kept.
	Skipped []Decision
	Renames []Rename
}

// Empty reports whether applying the plan would change nothing on disk.
func (p *Plan) Empty() bool {
	return len(p.Fetch) == 0 && len(p.Delete) == 0 && len(p.Moves) == 0
}

// Summary is a one-line description of the plan.
func (p *Plan) Summary() string {
	return fmt.Sprintf("add=%d update=%d delete=%d keep=%d rename=%d",
		len(p.Adds), len(p.Updates), len(p.Deletes), len(p.Keeps), len(p.Renames))
}

// DownloadSize sums the declared sizes of the files to fetch.
func (p *Plan) DownloadSize() int64 {
	var n int64
	for _, f := range p.Fetch {
		n += f.Size
	}
	return n
}

// IdentitySource resolves the mod identity of a local file by relative path.
type IdentitySource interface {
	Identity(rel string) (modmeta.Identity, bool)
}

// Policy holds the configuration consumed by the diff.
type Policy struct {
	Includes                  []string
	OverwriteModifiedConfigs  bool
	OverwriteUnmanagedConfigs bool
	DeleteExtraConfigs        bool
}

// PolicyFromConfig extracts the diff policy from cfg.
func PolicyFromConfig(cfg *config.Config) Policy {
	return Policy{
		Includes:                  cfg.Sync.IncludePaths,
		OverwriteModifiedConfigs:  cfg.Sync.OverwriteModifiedConfigs,
		OverwriteUnmanagedConfigs: cfg.Sync.OverwriteUnmanagedConfigs,
		DeleteExtraConfigs:        cfg.Sync.DeleteExtraConfigs,
	}
}

// DiffInput is everything Diff compares.
type DiffInput struct {
	Manifest *manifest.Manifest
	Local    []scan.Entry
	Index    *state.Index
	// Identities enables mod rename detection. May be nil.
	Identities IdentitySource
	Policy     Policy
	Keyer      pathutil.Keyer
	Logger     *slog.Logger
}

// differ carries the lookup tables of one Diff call.
type differ struct {
	in     DiffInput
	logger *slog.Logger
	plan   *Plan

	server  map[string]manifest.FileEntry
	local   map[string]scan.Entry
	mods    map[string]manifest.ModEntry
	configs bool

	// candidates are local mods absent from the manifest. Only managed
	// ones may be claimed by a rename.
	candidates []candidate
	claimed    map[string]bool
}

type candidate struct {
	entry   scan.Entry
	id      modmeta.Identity
	managed bool
}

// Diff compares the manifest with the local scan and the installed index
// and classifies every path. It performs no filesystem changes.
func Diff(in DiffInput) *Plan {
	logger := in.Logger
	if logger == nil {
		logger = slog.New(slog.NewTextHandler(io.Discard, nil))
	}

	d := &differ{
		in:      in,
		logger:  logger,
		plan:    &Plan{PackID: in.Manifest.PackID, Version: in.Manifest.Version},
		server:  make(map[string]manifest.FileEntry),
		local:   make(map[string]scan.Entry),
		mods:    in.Manifest.ModsByPath(in.Keyer),
		configs: pathutil.HasRoot(in.Policy.Includes, pathutil.ConfigRoot),
		claimed: make(map[string]bool),
	}

	files := in.Manifest.Included(in.Policy.Includes)
	sort.SliceStable(files, func(i, j int) bool { return files[i].Path < files[j].Path })
	var ordered []manifest.FileEntry
	for _, f := range files {
		key := in.Keyer.Key(f.Path)
		if _, dup := d.server[key]; dup {
			logger.Warn("duplicate manifest entry ignored", "path", f.Path)
			continue
		}
		d.server[key] = f
		ordered = append(ordered, f)
	}

	local := append([]scan.Entry(nil), in.Local...)
	sort.Slice(local, func(i, j int) bool { return local[i].Path < local[j].Path })
	for _, l := range local {
		l.Path = pathutil.Normalize(l.Path)
		d.local[in.Keyer.Key(l.Path)] = l
	}
	d.collectCandidates(local)

	for _, s := range ordered {
		d.classify(s)
	}
	d.detectDeletes(local)

	return d.plan
}

// collectCandidates reads identities of local mods that the manifest does
// not list.
func (d *differ) collectCandidates(local []scan.Entry) {
	if d.in.Identities == nil {
		return
	}
	for _, l := range local {
		key := d.in.Keyer.Key(l.Path)
		if _, inManifest := d.server[key]; inManifest {
			continue
		}
		if !pathutil.IsUnder(l.Path, pathutil.ModsRoot) {
			continue
		}
		id, ok := d.in.Identities.Identity(l.Path)
		if !ok || (id.ID == "" && id.Name == "") {
			continue
		}
		d.candidates = append(d.candidates, candidate{entry: l, id: id, managed: d.in.Index.Managed(l.Path)})
	}
}

// findRename returns the managed local mod matching the server identity by
// id, or by display name when no id matches.
func (d *differ) findRename(mod manifest.ModEntry) (scan.Entry, bool) {
	return d.matchMod(mod, true)
}

// matchMod searches the unclaimed candidates with the given managed state.
func (d *differ) matchMod(mod manifest.ModEntry, managed bool) (scan.Entry, bool) {
	match := func(same func(modmeta.Identity) bool) (scan.Entry, bool) {
		for _, c := range d.candidates {
			if c.managed != managed || d.claimed[d.in.Keyer.Key(c.entry.Path)] {
				continue
			}
			if same(c.id) {
				return c.entry, true
			}
		}
		return scan.Entry{}, false
	}

	if id := strings.TrimSpace(mod.ID); id != "" {
		if e, ok := match(func(c modmeta.Identity) bool { return strings.EqualFold(c.ID, id) }); ok {
			return e, true
		}
	}
	if name := strings.TrimSpace(mod.Name); name != "" {
		return match(func(c modmeta.Identity) bool { return strings.EqualFold(c.Name, name) })
	}
	return scan.Entry{}, false
}

func (d *differ) classify(s manifest.FileEntry) {
	key := d.in.Keyer.Key(s.Path)
	mod, hasMod := d.mods[key]
	isMod := pathutil.IsUnder(s.Path, pathutil.ModsRoot)
	label := d.label(s.Path, mod, hasMod)

	l, found := d.local[key]
	renamedFrom := ""
	if !found && isMod && hasMod && d.in.Identities != nil {
		if c, ok := d.findRename(mod); ok {
			l, found = c, true
			renamedFrom = c.Path
			d.claimed[d.in.Keyer.Key(c.Path)] = true
		}
	}

	if !found {
		if isMod && hasMod && d.in.Identities != nil {
			if dup, ok := d.matchMod(mod, false); ok {
				d.logger.Info("duplicate of pack mod kept", "path", dup.Path, "pack_path", s.Path)
			}
		}
		d.fetch(s, true, Decision{Path: s.Path, Action: ActionAdd, Reason: ReasonMissing, Label: label})
		return
	}

	renamed := renamedFrom != ""
	sameContent := contentMatches(l, s)
	mismatch := !sameContent

	if isMod && hasMod && strings.TrimSpace(mod.Version) != "" && d.in.Identities != nil {
		if id, ok := d.in.Identities.Identity(l.Path); ok && id.Version != "" {
			mismatch = !modmeta.LooseVersionEqual(mod.Version, id.Version) || (renamed && !sameContent)
		}
	}

	managedBefore := d.in.Index.Managed(s.Path)
	prevSHA, hasPrev := d.in.Index.Fingerprint(s.Path)
	modifiedLocally := hasPrev && !fingerprint.Equal(l.Fingerprint, prevSHA)

	switch {
	case !mismatch && !renamed:
		d.plan.Keeps = append(d.plan.Keeps, Decision{Path: s.Path, Action: ActionKeep, Reason: ReasonUnchanged, Label: label})

	case !mismatch && renamed:
		d.plan.Moves = append(d.plan.Moves, MoveOp{From: renamedFrom, To: s.Path, Expected: s.SHA256, Size: s.Size})
		d.plan.Adds = append(d.plan.Adds, Decision{Path: s.Path, Action: ActionAdd, Reason: ReasonRenamed, From: renamedFrom, Label: label})
		d.plan.Renames = append(d.plan.Renames, Rename{From: renamedFrom, To: s.Path, Label: label})
		d.logger.Info("mod renamed, content unchanged", "from", renamedFrom, "to", s.Path)

	case d.configs && pathutil.IsUnder(s.Path, pathutil.ConfigRoot):
		switch {
		case !managedBefore && !d.in.Policy.OverwriteUnmanagedConfigs:
			d.keep(s.Path, ReasonUnmanagedConfig, "kept unmanaged local config")
		case modifiedLocally && !d.in.Policy.OverwriteModifiedConfigs:
			d.keep(s.Path, ReasonModifiedConfig, "kept modified local config")
		default:
			d.fetch(s, false, Decision{Path: s.Path, Action: ActionUpdate, Reason: ReasonChanged, Label: label})
		}

	case renamed:
		d.fetch(s, false, Decision{Path: s.Path, Action: ActionUpdate, Reason: ReasonRenamed, From: renamedFrom, Label: label})
		d.plan.Delete = append(d.plan.Delete, renamedFrom)
		d.plan.Deletes = append(d.plan.Deletes, Decision{Path: renamedFrom, Action: ActionDelete, Reason: ReasonRenamed, Label: label})
		d.plan.Renames = append(d.plan.Renames, Rename{From: renamedFrom, To: s.Path, ContentChanged: true, Label: label})
		d.logger.Info("mod renamed with new content", "from", renamedFrom, "to", s.Path)

	case modifiedLocally:
		d.keep(s.Path, ReasonPlayerModified, "skipped update of locally modified file")

	default:
		d.fetch(s, false, Decision{Path: s.Path, Action: ActionUpdate, Reason: ReasonChanged, Label: label})
	}
}

// contentMatches compares a local file with a manifest entry. Without a
// declared fingerprint only a declared size can reveal a change.
func contentMatches(l scan.Entry, s manifest.FileEntry) bool {
	if strings.TrimSpace(s.SHA256) == "" {
		return s.Size <= 0 || l.Size == s.Size
	}
	return fingerprint.Equal(l.Fingerprint, s.SHA256)
}

func (d *differ) fetch(s manifest.FileEntry, add bool, dec Decision) {
	d.plan.Fetch = append(d.plan.Fetch, FetchOp{Path: s.Path, SHA256: s.SHA256, Size: s.Size, Add: add})
	if add {
		d.plan.Adds = append(d.plan.Adds, dec)
	} else {
		d.plan.Updates = append(d.plan.Updates, dec)
	}
}

func (d *differ) keep(path string, reason Reason, msg string) {
	d.plan.Keeps = append(d.plan.Keeps, Decision{Path: path, Action: ActionKeep, Reason: reason})
	d.logger.Info(msg, "path", path)
}

// detectDeletes handles local files the manifest does not list. Outside
// the config folder only managed paths are ever deleted.
func (d *differ) detectDeletes(local []scan.Entry) {
	for _, l := range local {
		key := d.in.Keyer.Key(l.Path)
		if _, ok := d.server[key]; ok || d.claimed[key] {
			continue
		}
		if !pathutil.IsIncluded(l.Path, d.in.Policy.Includes) {
			continue
		}

		switch {
		case pathutil.IsUnder(l.Path, pathutil.ConfigRoot):
			if !d.in.Policy.DeleteExtraConfigs {
				d.skip(l.Path, ReasonExtraConfig, "kept extra config")
				continue
			}
			d.remove(l.Path, ReasonExtraConfig)
		case d.in.Index.Managed(l.Path):
			d.remove(l.Path, ReasonRemoved)
		default:
			d.skip(l.Path, ReasonUserFile, "kept user file")
		}
	}
}

func (d *differ) remove(path string, reason Reason) {
	d.plan.Delete = append(d.plan.Delete, path)
	d.plan.Deletes = append(d.plan.Deletes, Decision{Path: path, Action: ActionDelete, Reason: reason})
}

func (d *differ) skip(path string, reason Reason, msg string) {
	d.plan.Skipped = append(d.plan.Skipped, Decision{Path: path, Action: ActionKeep, Reason: reason})
	d.logger.Debug(msg, "path", path)
}

func (d *differ) label(path string, mod manifest.ModEntry, hasMod bool) string {
	if !hasMod {
		return ""
	}
	return modmeta.Identity{Path: path, ID: mod.ID, Name: mod.Name, Version: mod.Version}.Label()
}
