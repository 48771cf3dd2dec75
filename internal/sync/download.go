package sync

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"log/slog"
	"path/filepath"
	"sync/atomic"
	"time"

	"github.com/dustin/go-humanize"
	"github.com/spf13/afero"
	"golang.org/x/sync/errgroup"

	"github.com/schaermu/packsyncd/internal/fingerprint"
	"github.com/schaermu/packsyncd/internal/manifest"
	"github.com/schaermu/packsyncd/internal/pathutil"
	"github.com/schaermu/packsyncd/internal/state"
)

const (
	defaultParallelism = 4
	defaultAttempts    = 3
	defaultBaseDelay   = 250 * time.Millisecond

	tmpDirName    = "tmp"
	stagedDirName = "staged"
)

// FetchResult is the outcome of one FetchOp.
type FetchResult struct {
	Op       FetchOp
	Bytes    int64
	Attempts int
	Err      error
	// Refused is set when the path would escape the game directory.
	Refused bool
	// Staged is set when a verified file could not be installed and a
	// deferred replace was journaled instead.
	Staged bool
	// JournalErr reports a failure to persist the deferred replace.
	JournalErr error
}

// OK reports whether the file was installed.
func (r FetchResult) OK() bool {
	return r.Err == nil
}

// SleepFunc waits for d or until ctx is done.
type SleepFunc func(ctx context.Context, d time.Duration) error

func sleepContext(ctx context.Context, d time.Duration) error {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}

// Downloader fetches files concurrently, verifies them and installs them
// with a rename. Files that cannot be installed are staged for the pending
// journal.
type Downloader struct {
	client      manifest.Client
	fs          afero.Fs
	root        string
	workDir     string
	store       *state.Store
	parallelism int
	attempts    int
	baseDelay   time.Duration
	sleep       SleepFunc
	report      func(string)
	logger      *slog.Logger
}

// DownloaderOptions configures a Downloader. Zero values select defaults.
type DownloaderOptions struct {
	Client      manifest.Client
	Fs          afero.Fs
	Root        string
	WorkDir     string
	Store       *state.Store
	Parallelism int
	Attempts    int
	BaseDelay   time.Duration
	Sleep       SleepFunc
	Report      func(string)
	Logger      *slog.Logger
}

// NewDownloader creates a Downloader.
func NewDownloader(opts DownloaderOptions) *Downloader {
	d := &Downloader{
		client:      opts.Client,
		fs:          opts.Fs,
		root:        filepath.Clean(opts.Root),
		workDir:     filepath.Clean(opts.WorkDir),
		store:       opts.Store,
		parallelism: opts.Parallelism,
		attempts:    opts.Attempts,
		baseDelay:   opts.BaseDelay,
		sleep:       opts.Sleep,
		report:      opts.Report,
		logger:      opts.Logger,
	}
	if d.parallelism <= 0 {
		d.parallelism = defaultParallelism
	}
	if d.attempts <= 0 {
		d.attempts = defaultAttempts
	}
	if d.baseDelay <= 0 {
		d.baseDelay = defaultBaseDelay
	}
	if d.sleep == nil {
		d.sleep = sleepContext
	}
	if d.report == nil {
		d.report = func(string) {}
	}
	return d
}

// Fetch runs all ops on a bounded worker pool. Results are in op order.
func (d *Downloader) Fetch(ctx context.Context, ops []FetchOp) []FetchResult {
	results := make([]FetchResult, len(ops))
	if len(ops) == 0 {
		return results
	}

	var done atomic.Int32
	total := len(ops)

	var g errgroup.Group
	g.SetLimit(d.parallelism)
	for i, op := range ops {
		i, op := i, op
		g.Go(func() error {
			results[i] = d.fetchOne(ctx, op)
			n := done.Add(1)
			d.report(fmt.Sprintf("Downloaded %d/%d: %s", n, total, op.Path))
			return nil
		})
	}
	_ = g.Wait()

	return results
}

func (d *Downloader) fetchOne(ctx context.Context, op FetchOp) FetchResult {
	res := FetchResult{Op: op}

	dest, err := pathutil.SafeJoin(d.root, op.Path)
	if err != nil {
		d.logger.Warn("refusing download outside game directory", "path", op.Path, "policy", "unsafe_path")
		res.Err = err
		res.Refused = true
		return res
	}
	rel := filepath.FromSlash(pathutil.Normalize(op.Path))
	tmp := filepath.Join(d.workDir, tmpDirName, rel+".part")

	var verified bool
	for attempt := 1; attempt <= d.attempts; attempt++ {
		res.Attempts = attempt
		var n int64
		n, verified, err = d.attempt(ctx, op, tmp, dest)
		if err == nil {
			res.Bytes = n
			res.Err = nil
			d.logger.Debug("installed file", "path", op.Path, "size", humanize.Bytes(uint64(n)), "attempt", attempt)
			return res
		}
		res.Err = err
		if attempt == d.attempts {
			break
		}
		delay := d.baseDelay << (attempt - 1)
		d.logger.Warn("download attempt failed",
			"path", op.Path,
			"attempt", attempt,
			"of", d.attempts,
			"retry_in", delay,
			"error", err)
		if serr := d.sleep(ctx, delay); serr != nil {
			break
		}
	}

	d.logger.Warn("download failed", "path", op.Path, "attempts", res.Attempts, "error", res.Err)

	if !verified {
		d.discard(tmp)
		return res
	}

	staged, err := d.stage(tmp, rel)
	if err != nil {
		d.logger.Warn("failed to stage verified file", "path", op.Path, "error", err)
		d.discard(tmp)
		return res
	}
	res.Staged = true
	if err := d.store.EnqueueReplace(staged, op.Path); err != nil {
		res.JournalErr = err
		d.logger.Warn("failed to record pending replace", "path", op.Path, "error", err)
	}
	d.logger.Info("staged file for replacement on next run", "path", op.Path, "staged", staged)
	return res
}

// attempt downloads op into tmp, verifies it and renames it onto dest.
// verified reports whether tmp held verified content when an error
// occurred, i.e. the failure happened while installing.
func (d *Downloader) attempt(ctx context.Context, op FetchOp, tmp, dest string) (n int64, verified bool, err error) {
	if err := d.fs.MkdirAll(filepath.Dir(tmp), 0755); err != nil {
		return 0, false, err
	}
	f, err := d.fs.Create(tmp)
	if err != nil {
		return 0, false, err
	}
	n, err = d.client.Download(ctx, op.Path, f)
	if cerr := f.Close(); err == nil {
		err = cerr
	}
	if err != nil {
		return n, false, err
	}

	if _, err := fingerprint.Verify(d.fs, tmp, op.SHA256); err != nil {
		return n, false, err
	}

	if err := d.fs.MkdirAll(filepath.Dir(dest), 0755); err != nil {
		return n, true, fmt.Errorf("failed to create directory for %s: %w", op.Path, err)
	}
	if err := d.fs.Rename(tmp, dest); err != nil {
		return n, true, fmt.Errorf("failed to install %s: %w", op.Path, err)
	}
	return n, false, nil
}

// stage moves a verified temp file into the staging area and returns its
// path relative to the game root.
func (d *Downloader) stage(tmp, rel string) (string, error) {
	staged := filepath.Join(d.workDir, stagedDirName, rel)
	if err := d.fs.MkdirAll(filepath.Dir(staged), 0755); err != nil {
		return "", err
	}
	if err := d.fs.Rename(tmp, staged); err != nil {
		return "", err
	}
	return pathutil.Rel(d.root, staged)
}

func (d *Downloader) discard(tmp string) {
	if err := d.fs.Remove(tmp); err != nil && !errors.Is(err, fs.ErrNotExist) {
		d.logger.Debug("failed to remove temp file", "path", tmp, "error", err)
	}
}
