// Package sync runs synchronization passes: apply pending operations,
// fetch the manifest, scan the game directory, diff, download, delete and
// rebuild the installed index.
package sync

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"log/slog"
	"path"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/dustin/go-humanize"
	"github.com/google/uuid"
	"github.com/spf13/afero"

	"github.com/schaermu/packsyncd/internal/config"
	"github.com/schaermu/packsyncd/internal/fingerprint"
	"github.com/schaermu/packsyncd/internal/manifest"
	"github.com/schaermu/packsyncd/internal/modmeta"
	"github.com/schaermu/packsyncd/internal/pathutil"
	"github.com/schaermu/packsyncd/internal/scan"
	"github.com/schaermu/packsyncd/internal/state"
)

var (
	// ErrSessionLatched is returned by automatic passes once a pass in this
	// process changed files.
	ErrSessionLatched = errors.New("updates already applied this session")

	// ErrPassRunning is returned when a pass is requested while another
	// one is in progress.
	ErrPassRunning = errors.New("a sync pass is already running")
)

// State is the stage a pass is in.
type State string

const (
	StateIdle             State = "idle"
	StateApplyingPending  State = "applying_pending"
	StateFetchingManifest State = "fetching_manifest"
	StateScanning         State = "scanning"
	StateDiffing          State = "diffing"
	StateDownloading      State = "downloading"
	StateDeleting         State = "deleting"
	StateFinalizing       State = "finalizing"
	StateDone             State = "done"
	StateFailed           State = "failed"
)

// Reporter receives human-readable progress messages. The runner never
// calls Report from two goroutines at once.
type Reporter interface {
	Report(status string)
}

// Prompter asks whether a checked plan should be applied.
type Prompter interface {
	Confirm(ctx context.Context, plan *Plan) (bool, error)
}

// FailedFile is a per-file failure of a pass.
type FailedFile struct {
	Path   string `json:"path" yaml:"path"`
	Error  string `json:"error" yaml:"error"`
	Staged bool   `json:"staged,omitempty" yaml:"staged,omitempty"`
}

// Outcome is the result of one pass.
type Outcome struct {
	PassID    string             `json:"passId" yaml:"pass_id"`
	State     State              `json:"state" yaml:"state"`
	CheckOnly bool               `json:"checkOnly" yaml:"check_only"`
	Plan      *Plan              `json:"-" yaml:"-"`
	Manifest  *manifest.Manifest `json:"-" yaml:"-"`
	Added     []string           `json:"added,omitempty" yaml:"added,omitempty"`
	Updated   []string           `json:"updated,omitempty" yaml:"updated,omitempty"`
	Moved     []string           `json:"moved,omitempty" yaml:"moved,omitempty"`
	Deleted   []string           `json:"deleted,omitempty" yaml:"deleted,omitempty"`
	Failed    []FailedFile       `json:"failed,omitempty" yaml:"failed,omitempty"`
	Warnings  []string           `json:"warnings,omitempty" yaml:"warnings,omitempty"`
	Success   bool               `json:"success" yaml:"success"`
	Changed   bool               `json:"changed" yaml:"changed"`
	Duration  time.Duration      `json:"duration" yaml:"duration"`
}

func (o *Outcome) warn(logger *slog.Logger, msg string, err error) {
	o.Warnings = append(o.Warnings, fmt.Sprintf("%s: %v", msg, err))
	logger.Warn(msg, "error", err)
}

// Options configures a Runner.
type Options struct {
	Client  manifest.Client
	Fs      afero.Fs
	GameDir string
	Config  *config.Config
	Logger  *slog.Logger

	// Reporter and Prompter are optional.
	Reporter Reporter
	Prompter Prompter
	// Headless applies automatic passes without asking.
	Headless bool

	// Sleep overrides the retry backoff wait.
	Sleep SleepFunc
}

// RunOptions selects the kind of pass.
type RunOptions struct {
	// CheckOnly stops after the diff and returns the plan.
	CheckOnly bool
}

// Status is a snapshot of the runner.
type Status struct {
	State       State    `json:"state"`
	Message     string   `json:"status"`
	Latched     bool     `json:"latched"`
	LastOutcome *Outcome `json:"lastOutcome,omitempty"`
}

// Runner executes passes. One Runner lives for the whole process and owns
// the session latch.
type Runner struct {
	client   manifest.Client
	fs       afero.Fs
	root     string
	cfg      *config.Config
	logger   *slog.Logger
	reporter Reporter
	prompter Prompter
	headless bool
	sleep    SleepFunc
	keyer    pathutil.Keyer
	store    *state.Store

	mu      sync.Mutex
	state   State
	status  string
	running bool
	latched bool
	last    *Outcome

	// reportMu serializes reporter calls from download workers.
	reportMu sync.Mutex
}

// NewRunner creates a Runner.
func NewRunner(opts Options) *Runner {
	fsys := opts.Fs
	if fsys == nil {
		fsys = afero.NewOsFs()
	}
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}
	root := filepath.Clean(opts.GameDir)
	keyer := opts.Config.Keyer()

	return &Runner{
		client:   opts.Client,
		fs:       fsys,
		root:     root,
		cfg:      opts.Config,
		logger:   logger,
		reporter: opts.Reporter,
		prompter: opts.Prompter,
		headless: opts.Headless,
		sleep:    opts.Sleep,
		keyer:    keyer,
		store:    state.NewStore(fsys, root, config.StateDir(root), keyer, logger),
		state:    StateIdle,
	}
}

// Store exposes the state documents, for the CLI's pending command.
func (r *Runner) Store() *state.Store {
	return r.store
}

// State returns the current stage.
func (r *Runner) State() State {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.state
}

// Latched reports whether automatic passes are disabled for this session.
func (r *Runner) Latched() bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.latched
}

// Status returns a snapshot for display.
func (r *Runner) Status() Status {
	r.mu.Lock()
	defer r.mu.Unlock()
	return Status{State: r.state, Message: r.status, Latched: r.latched, LastOutcome: r.last}
}

func (r *Runner) setState(s State, msg string) {
	r.mu.Lock()
	r.state = s
	r.status = msg
	r.mu.Unlock()

	r.emit(msg)
}

func (r *Runner) emit(msg string) {
	if r.reporter == nil {
		return
	}
	r.reportMu.Lock()
	defer r.reportMu.Unlock()
	r.reporter.Report(msg)
}

func (r *Runner) report(msg string) {
	r.mu.Lock()
	r.status = msg
	r.mu.Unlock()

	r.emit(msg)
}

// Run executes one pass. Only a manifest failure is fatal; per-file
// failures are collected in the outcome. Once started the pass runs to the
// end even if ctx is cancelled.
func (r *Runner) Run(ctx context.Context, opts RunOptions) (*Outcome, error) {
	r.mu.Lock()
	if r.running {
		r.mu.Unlock()
		return nil, ErrPassRunning
	}
	r.running = true
	r.mu.Unlock()

	defer func() {
		r.mu.Lock()
		r.running = false
		r.mu.Unlock()
	}()

	out, err := r.pass(context.WithoutCancel(ctx), opts)

	r.mu.Lock()
	r.last = out
	if out.Changed {
		r.latched = true
	}
	r.mu.Unlock()

	return out, err
}

// Trigger runs an automatic pass: applied directly when headless, checked
// and confirmed through the Prompter otherwise.
func (r *Runner) Trigger(ctx context.Context) (*Outcome, error) {
	if r.Latched() {
		return nil, ErrSessionLatched
	}
	return r.auto(ctx)
}

// Bootstrap is the process start entry point. Pending operations are
// applied first; an automatic pass follows when auto_update is enabled.
func (r *Runner) Bootstrap(ctx context.Context) (*Outcome, error) {
	r.setState(StateApplyingPending, "Applying pending operations")
	if _, err := r.store.ApplyPending(); err != nil {
		r.logger.Warn("failed to persist pending operations", "error", err)
	}
	r.setState(StateIdle, "")

	if !r.cfg.Sync.AutoUpdate {
		r.logger.Info("automatic updates disabled")
		return nil, nil
	}
	if r.Latched() {
		r.logger.Info("updates already applied this session, skipping automatic check")
		return nil, ErrSessionLatched
	}
	r.logger.Info("starting startup check", "pack", r.cfg.Server.PackID, "headless", r.headless)
	return r.auto(ctx)
}

func (r *Runner) auto(ctx context.Context) (*Outcome, error) {
	if r.headless {
		return r.Run(ctx, RunOptions{})
	}

	checked, err := r.Run(ctx, RunOptions{CheckOnly: true})
	if err != nil || checked.Plan == nil || checked.Plan.Empty() {
		return checked, err
	}

	if r.prompter == nil {
		r.logger.Info("updates available, run sync to apply", "changes", checked.Plan.Summary())
		return checked, nil
	}

	ok, err := r.prompter.Confirm(ctx, checked.Plan)
	if err != nil {
		return checked, fmt.Errorf("failed to confirm update: %w", err)
	}
	if !ok {
		r.logger.Info("update declined", "changes", checked.Plan.Summary())
		return checked, nil
	}
	return r.Run(ctx, RunOptions{})
}

func (r *Runner) pass(ctx context.Context, opts RunOptions) (out *Outcome, err error) {
	start := time.Now()
	out = &Outcome{PassID: uuid.NewString(), CheckOnly: opts.CheckOnly}
	logger := r.logger.With("pass", out.PassID)

	defer func() {
		if p := recover(); p != nil {
			logger.Error("sync pass panicked", "panic", p)
			out.State = StateFailed
			out.Success = false
			err = fmt.Errorf("sync pass aborted: %v", p)
			r.setState(StateFailed, "Update failed")
		}
		out.Duration = time.Since(start)
	}()

	logger.Info("starting sync pass", "pack", r.cfg.Server.PackID, "check_only", opts.CheckOnly)

	r.setState(StateApplyingPending, "Applying pending operations")
	if _, err := r.store.ApplyPending(); err != nil {
		out.warn(logger, "failed to persist pending operations", err)
	}

	r.setState(StateFetchingManifest, "Fetching manifest")
	m, err := r.client.FetchManifest(ctx)
	if err != nil {
		if !errors.Is(err, manifest.ErrManifestUnavailable) {
			err = fmt.Errorf("%w: %v", manifest.ErrManifestUnavailable, err)
		}
		logger.Error("failed to fetch manifest", "error", err)
		out.State = StateFailed
		r.setState(StateFailed, "Failed to fetch manifest")
		return out, err
	}

	out.Manifest = m

	r.setState(StateScanning, "Scanning local files")
	local := r.scan(logger, out)
	index := r.store.LoadIndex()

	r.setState(StateDiffing, "Comparing with server")
	identities := modmeta.NewCache(modmeta.NewReader(r.fs, logger), r.root)
	plan := Diff(DiffInput{
		Manifest:   m,
		Local:      local,
		Index:      index,
		Identities: identities,
		Policy:     PolicyFromConfig(r.cfg),
		Keyer:      r.keyer,
		Logger:     logger,
	})
	out.Plan = plan

	if plan.Empty() {
		logger.Info("up to date", "keep", len(plan.Keeps))
	} else {
		logger.Info("changes",
			"add", len(plan.Adds),
			"update", len(plan.Updates),
			"delete", len(plan.Deletes),
			"keep", len(plan.Keeps),
			"rename", len(plan.Renames),
			"download", humanize.Bytes(uint64(plan.DownloadSize())))
	}

	if opts.CheckOnly {
		out.State = StateDone
		out.Success = true
		r.setState(StateDone, "Check complete: "+plan.Summary())
		return out, nil
	}

	r.setState(StateDownloading, "Downloading")
	fetch, deletes := r.applyMoves(logger, plan, out)
	r.download(ctx, logger, fetch, out)

	r.setState(StateDeleting, "Removing files")
	r.deleteFiles(logger, deletes, out)

	r.setState(StateFinalizing, "Updating installed index")
	packID := m.PackID
	if packID == "" {
		packID = r.cfg.Server.PackID
	}
	entries := r.indexEntries(logger, m.Files, index, out.Failed)
	if _, err := r.store.RebuildIndex(packID, m.Version, entries, r.cfg.Sync.IncludePaths); err != nil {
		out.warn(logger, "failed to persist installed index", err)
	}

	out.Success = len(out.Failed) == 0
	out.Changed = len(out.Added)+len(out.Updated)+len(out.Moved)+len(out.Deleted) > 0
	out.State = StateDone
	r.logSummary(logger, out)

	msg := fmt.Sprintf("Update done: %d added, %d updated, %d deleted, %d failed",
		len(out.Added)+len(out.Moved), len(out.Updated), len(out.Deleted), len(out.Failed))
	r.setState(StateDone, msg)
	return out, nil
}

// indexEntries returns the manifest entries to record as installed. A
// recorded fingerprint describes content that is on disk, or will be once
// the journal runs: a download that failed without staging keeps the
// previous fingerprint (none when there was none), and a target with a
// staged replace records the staged file's fingerprint.
func (r *Runner) indexEntries(logger *slog.Logger, files []manifest.FileEntry, previous *state.Index, failed []FailedFile) []manifest.FileEntry {
	overrides := make(map[string]string)
	for _, f := range failed {
		if f.Staged {
			continue
		}
		sha, _ := previous.Fingerprint(f.Path)
		overrides[r.keyer.Key(f.Path)] = sha
	}
	for _, rep := range r.store.Pending().Replace {
		sha := ""
		if staged, err := pathutil.SafeJoin(r.root, rep.From); err == nil {
			if sum, err := fingerprint.File(r.fs, staged); err == nil {
				sha = sum.Hex
			} else {
				logger.Debug("failed to hash staged file", "path", rep.From, "error", err)
			}
		}
		overrides[r.keyer.Key(rep.To)] = sha
	}
	if len(overrides) == 0 {
		return files
	}

	entries := make([]manifest.FileEntry, len(files))
	for i, f := range files {
		entries[i] = f
		if sha, ok := overrides[r.keyer.Key(pathutil.Normalize(f.Path))]; ok {
			entries[i].SHA256 = sha
		}
	}
	return entries
}

func (r *Runner) scan(logger *slog.Logger, out *Outcome) []scan.Entry {
	cfgRel, err := pathutil.Rel(r.root, config.DefaultPath(r.root))
	if err != nil {
		cfgRel = path.Join(pathutil.ConfigRoot, config.FileName)
	}
	scanner := scan.New(r.fs, r.root, r.cfg.Sync.IncludePaths, logger,
		scan.WithKeyer(r.keyer),
		scan.WithExclude(cfgRel, config.StateDirName))

	local, err := scanner.Scan()
	if err != nil {
		out.warn(logger, "local scan incomplete", err)
	}
	return local
}

// applyMoves relocates renamed mods with unchanged content. A move that
// fails falls back to downloading the new path and deleting the old one.
func (r *Runner) applyMoves(logger *slog.Logger, plan *Plan, out *Outcome) ([]FetchOp, []string) {
	fetch := append([]FetchOp(nil), plan.Fetch...)
	deletes := append([]string(nil), plan.Delete...)

	for _, mv := range plan.Moves {
		if err := r.move(mv); err != nil {
			logger.Warn("rename move failed, falling back to download", "from", mv.From, "to", mv.To, "error", err)
			fetch = append(fetch, FetchOp{Path: mv.To, SHA256: mv.Expected, Size: mv.Size, Add: true})
			deletes = append(deletes, mv.From)
			continue
		}
		logger.Info("moved renamed mod", "from", mv.From, "to", mv.To)
		out.Moved = append(out.Moved, mv.To)
	}
	return fetch, deletes
}

func (r *Runner) move(mv MoveOp) error {
	from, err := pathutil.SafeJoin(r.root, mv.From)
	if err != nil {
		return err
	}
	to, err := pathutil.SafeJoin(r.root, mv.To)
	if err != nil {
		return err
	}
	if mv.Expected != "" {
		if _, err := fingerprint.Verify(r.fs, from, mv.Expected); err != nil {
			return err
		}
	}
	if err := r.fs.MkdirAll(filepath.Dir(to), 0755); err != nil {
		return err
	}
	return r.fs.Rename(from, to)
}

func (r *Runner) download(ctx context.Context, logger *slog.Logger, ops []FetchOp, out *Outcome) {
	if len(ops) == 0 {
		return
	}

	d := NewDownloader(DownloaderOptions{
		Client:      r.client,
		Fs:          r.fs,
		Root:        r.root,
		WorkDir:     r.store.Dir(),
		Store:       r.store,
		Parallelism: r.cfg.Sync.Parallelism,
		Sleep:       r.sleep,
		Report:      r.report,
		Logger:      logger,
	})

	for _, res := range d.Fetch(ctx, ops) {
		switch {
		case res.OK() && res.Op.Add:
			out.Added = append(out.Added, res.Op.Path)
		case res.OK():
			out.Updated = append(out.Updated, res.Op.Path)
		default:
			out.Failed = append(out.Failed, FailedFile{Path: res.Op.Path, Error: res.Err.Error(), Staged: res.Staged})
			if res.JournalErr != nil {
				out.warn(logger, "failed to persist pending replace for "+res.Op.Path, res.JournalErr)
			}
		}
	}
}

// deleteFiles removes files the plan no longer wants. Failures are queued
// in the pending journal.
func (r *Runner) deleteFiles(logger *slog.Logger, rels []string, out *Outcome) {
	for _, rel := range rels {
		if !pathutil.IsIncluded(rel, r.cfg.Sync.IncludePaths) {
			continue
		}
		target, err := pathutil.SafeJoin(r.root, rel)
		if err != nil {
			logger.Warn("refusing delete outside game directory", "path", rel, "policy", "unsafe_path")
			continue
		}
		if err := r.fs.Remove(target); err != nil {
			if errors.Is(err, fs.ErrNotExist) {
				continue
			}
			logger.Warn("failed to delete file, deferring", "path", rel, "error", err)
			if jerr := r.store.EnqueueDelete(rel); jerr != nil {
				out.warn(logger, "failed to persist pending delete for "+rel, jerr)
			}
			continue
		}
		out.Deleted = append(out.Deleted, rel)
	}
}

func (r *Runner) logSummary(logger *slog.Logger, out *Outcome) {
	var modsAdded, modsDeleted []string
	for _, p := range append(append([]string(nil), out.Added...), out.Moved...) {
		if pathutil.IsUnder(p, pathutil.ModsRoot) {
			modsAdded = append(modsAdded, pathutil.FileName(p))
		}
	}
	for _, p := range out.Deleted {
		if pathutil.IsUnder(p, pathutil.ModsRoot) {
			modsDeleted = append(modsDeleted, pathutil.FileName(p))
		}
	}

	if len(modsAdded) > 0 {
		logger.Info("mods added", "mods", strings.Join(modsAdded, ", "))
	}
	if len(modsDeleted) > 0 {
		logger.Info("mods deleted", "mods", strings.Join(modsDeleted, ", "))
	}
	if len(out.Added) > 0 {
		logger.Info("files added", "files", strings.Join(out.Added, ", "))
	}
	if len(out.Updated) > 0 {
		logger.Info("files updated", "files", strings.Join(out.Updated, ", "))
	}
	if len(out.Deleted) > 0 {
		logger.Info("files deleted", "files", strings.Join(out.Deleted, ", "))
	}

	logger.Info("update done",
		"ok", len(out.Added)+len(out.Updated)+len(out.Moved),
		"failed", len(out.Failed),
		"deleted", len(out.Deleted),
		"warnings", len(out.Warnings))
}
