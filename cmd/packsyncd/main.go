package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"syscall"

	"github.com/spf13/afero"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"github.com/schaermu/packsyncd/internal/activation"
	"github.com/schaermu/packsyncd/internal/config"
	"github.com/schaermu/packsyncd/internal/logging"
	"github.com/schaermu/packsyncd/internal/manifest"
	"github.com/schaermu/packsyncd/internal/state"
	"github.com/schaermu/packsyncd/internal/sync"
	"github.com/schaermu/packsyncd/internal/webhook"
)

var (
	// Set by goreleaser
	version = "dev"
	commit  = "none"
	date    = "unknown"

	// v layers PACKSYNCD_* environment variables over the persistent flags.
	v *viper.Viper

	syncCheck    bool
	syncYes      bool
	checkOutput  string
	checkEnv     manifest.Env
	pendingApply bool
)

func main() {
	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}

var rootCmd = &cobra.Command{
	Use:   "packsyncd",
	Short: "Keep a game directory in sync with a modpack server",
	Long: `packsyncd keeps the mods, configs and resource packs of a game directory
synchronized with the manifest published by a pack server.

Files the player added or changed are left alone, renamed mods are moved
instead of downloaded again, and operations that fail because the game holds
a file open are finished on the next run.`,
	SilenceUsage: true,
}

var syncCmd = &cobra.Command{
	Use:   "sync",
	Short: "Bring the game directory up to date",
	Long: `Sync applies pending operations, fetches the pack manifest, compares it with
the game directory and the installed index, then downloads, moves and removes
files accordingly.

When run from a terminal the planned changes are shown and confirmed first,
unless --yes is given.`,
	RunE: runSync,
}

var checkCmd = &cobra.Command{
	Use:   "check",
	Short: "Show what a sync would change",
	RunE:  runCheck,
}

var pendingCmd = &cobra.Command{
	Use:   "pending",
	Short: "Show operations deferred to the next run",
	Long: `Pending prints the deletes and replaces that could not be completed because
a file was locked. With --apply they are retried immediately.`,
	RunE: runPending,
}

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Run the startup check and wait for pack update notifications",
	Long: `Serve runs the startup check, then starts an HTTP server that triggers a sync
when the pack server announces a new version. The server accepts systemd
socket activation.`,
	RunE: runServe,
}

var versionCmd = &cobra.Command{
	Use:   "version",
	Short: "Print version information",
	Run: func(cmd *cobra.Command, args []string) {
		out := cmd.OutOrStdout()
		_, _ = fmt.Fprintf(out, "packsyncd %s\n", version)
		_, _ = fmt.Fprintf(out, "  commit: %s\n", commit)
		_, _ = fmt.Fprintf(out, "  built:  %s\n", date)
	},
}

func init() {
	flags := rootCmd.PersistentFlags()
	flags.String("game-dir", ".", "game directory to synchronize")
	flags.String("config", "", "config file (default is <game-dir>/config/packsyncd.yaml)")
	flags.String("log-level", "", "log level (debug, info, warn, error)")
	flags.String("log-format", "", "log format (text, json)")
	flags.String("base-url", "", "pack server base URL")
	flags.String("pack-id", "", "pack identifier")
	v = newViper()

	syncCmd.Flags().BoolVar(&syncCheck, "check", false, "only show what would change")
	syncCmd.Flags().BoolVarP(&syncYes, "yes", "y", false, "apply without asking")

	checkCmd.Flags().StringVarP(&checkOutput, "output", "o", "text", "output format (text, json, yaml)")
	checkCmd.Flags().StringVar(&checkEnv.MCVersion, "mc-version", "", "local game version to check against the pack")
	checkCmd.Flags().StringVar(&checkEnv.Loader, "loader", "", "local mod loader to check against the pack")
	checkCmd.Flags().StringVar(&checkEnv.LoaderVersion, "loader-version", "", "local mod loader version")

	pendingCmd.Flags().BoolVar(&pendingApply, "apply", false, "retry pending operations now")

	rootCmd.AddCommand(syncCmd)
	rootCmd.AddCommand(checkCmd)
	rootCmd.AddCommand(pendingCmd)
	rootCmd.AddCommand(serveCmd)
	rootCmd.AddCommand(versionCmd)
}

func newViper() *viper.Viper {
	nv := viper.New()
	flags := rootCmd.PersistentFlags()
	for _, name := range []string{"game-dir", "config", "log-level", "log-format", "base-url", "pack-id"} {
		_ = nv.BindPFlag(name, flags.Lookup(name))
	}
	nv.SetEnvPrefix("PACKSYNCD")
	nv.SetEnvKeyReplacer(strings.NewReplacer("-", "_"))
	nv.AutomaticEnv()
	return nv
}

// settings is the resolved configuration of one invocation.
type settings struct {
	gameDir string
	cfgPath string
	cfg     *config.Config
	created bool
}

func loadSettings() (*settings, error) {
	gameDir, err := filepath.Abs(v.GetString("game-dir"))
	if err != nil {
		return nil, fmt.Errorf("failed to resolve game directory: %w", err)
	}
	if info, err := os.Stat(gameDir); err != nil || !info.IsDir() {
		return nil, fmt.Errorf("game directory %s does not exist", gameDir)
	}

	cfgPath := v.GetString("config")
	if cfgPath == "" {
		cfgPath = config.DefaultPath(gameDir)
	}

	cfg, created, err := config.LoadOrCreate(cfgPath)
	if err != nil {
		return nil, fmt.Errorf("failed to load config: %w", err)
	}

	if s := v.GetString("base-url"); s != "" {
		cfg.Server.BaseURL = s
	}
	if s := v.GetString("pack-id"); s != "" {
		cfg.Server.PackID = s
	}
	if s := v.GetString("log-level"); s != "" {
		cfg.Logging.Level = s
	}
	if s := v.GetString("log-format"); s != "" {
		cfg.Logging.Format = s
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	return &settings{gameDir: gameDir, cfgPath: cfgPath, cfg: cfg, created: created}, nil
}

// setup resolves settings and the logger. Logs go to stderr so that
// command output on stdout stays machine-readable.
func setup(cmd *cobra.Command) (*settings, *slog.Logger, io.Closer, error) {
	s, err := loadSettings()
	if err != nil {
		return nil, nil, nil, err
	}

	logger, closer, err := logging.Setup(logging.Options{
		Level:  s.cfg.Logging.Level,
		Format: s.cfg.Logging.Format,
		File:   s.cfg.Logging.File,
		Writer: cmd.ErrOrStderr(),
	})
	if err != nil {
		return nil, nil, nil, fmt.Errorf("failed to set up logging: %w", err)
	}

	if s.created {
		logger.Info("wrote default configuration", "path", s.cfgPath)
	}
	logger.Debug("configuration loaded",
		"path", s.cfgPath,
		"game_dir", s.gameDir,
		"base_url", s.cfg.Server.BaseURL,
		"pack", s.cfg.Server.PackID,
		"includes", s.cfg.Sync.IncludePaths)

	return s, logger, closer, nil
}

func newRunner(s *settings, logger *slog.Logger, opts sync.Options) *sync.Runner {
	opts.Client = manifest.NewHTTPClient(s.cfg, logger)
	opts.Fs = afero.NewOsFs()
	opts.GameDir = s.gameDir
	opts.Config = s.cfg
	opts.Logger = logger
	return sync.NewRunner(opts)
}

func runSync(cmd *cobra.Command, args []string) error {
	if syncCheck {
		return runCheck(cmd, args)
	}

	ctx, cancel := setupSignalHandler()
	defer cancel()

	s, logger, closer, err := setup(cmd)
	if err != nil {
		return err
	}
	defer func() { _ = closer.Close() }()

	interactive := !syncYes && isTerminal(os.Stdin)
	opts := sync.Options{Headless: !interactive}
	if interactive {
		opts.Prompter = newLinePrompter(os.Stdin, cmd.OutOrStdout())
		opts.Reporter = &lineReporter{w: cmd.ErrOrStderr()}
	}
	runner := newRunner(s, logger, opts)

	out, err := runner.Trigger(ctx)
	if err != nil {
		return err
	}
	if out == nil {
		return nil
	}
	if out.CheckOnly {
		if out.Plan != nil && out.Plan.Empty() {
			_, _ = fmt.Fprintln(cmd.OutOrStdout(), "Up to date.")
		}
		return nil
	}
	printOutcome(cmd.OutOrStdout(), out)
	if !out.Success {
		return fmt.Errorf("%d file(s) failed to update", len(out.Failed))
	}
	return nil
}

func runCheck(cmd *cobra.Command, args []string) error {
	format := strings.ToLower(checkOutput)
	if format != "text" && format != "json" && format != "yaml" {
		return fmt.Errorf("unknown output format %q", checkOutput)
	}

	ctx, cancel := setupSignalHandler()
	defer cancel()

	s, logger, closer, err := setup(cmd)
	if err != nil {
		return err
	}
	defer func() { _ = closer.Close() }()

	out, err := newRunner(s, logger, sync.Options{}).Run(ctx, sync.RunOptions{CheckOnly: true})
	if err != nil {
		return err
	}

	var problems []string
	if checkEnv != (manifest.Env{}) && out.Manifest != nil {
		problems = out.Manifest.Compatibility(checkEnv)
	}
	return writeReport(cmd.OutOrStdout(), format, newReport(out.Plan, problems))
}

func runPending(cmd *cobra.Command, args []string) error {
	s, logger, closer, err := setup(cmd)
	if err != nil {
		return err
	}
	defer func() { _ = closer.Close() }()

	store := state.NewStore(afero.NewOsFs(), s.gameDir, config.StateDir(s.gameDir), s.cfg.Keyer(), logger)
	w := cmd.OutOrStdout()

	if pendingApply {
		res, err := store.ApplyPending()
		if err != nil {
			logger.Warn("failed to persist pending operations", "error", err)
		}
		_, _ = fmt.Fprintf(w, "Applied: %d deleted, %d replaced, %d failed, %d dropped\n",
			res.Deleted, res.Replaced, res.Failed, res.Dropped)
	}

	printPending(w, store.Pending())
	return nil
}

func runServe(cmd *cobra.Command, args []string) error {
	ctx, cancel := setupSignalHandler()
	defer cancel()

	s, logger, closer, err := setup(cmd)
	if err != nil {
		return err
	}
	defer func() { _ = closer.Close() }()

	if !s.cfg.Serve.Enabled {
		return errors.New("serve is disabled; set serve.enabled in the config file")
	}

	runner := newRunner(s, logger, sync.Options{Headless: true})
	server, err := webhook.NewServer(s.cfg, runner, logger)
	if err != nil {
		return err
	}

	listeners, err := activation.Listeners("packsyncd")
	if err != nil {
		return fmt.Errorf("failed to get activated sockets: %w", err)
	}
	return server.Start(ctx, listeners)
}

func isTerminal(f *os.File) bool {
	info, err := f.Stat()
	if err != nil {
		return false
	}
	return info.Mode()&os.ModeCharDevice != 0
}

func setupSignalHandler() (context.Context, context.CancelFunc) {
	ctx, cancel := context.WithCancel(context.Background())

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, os.Interrupt, syscall.SIGTERM)

	go func() {
		<-sigCh
		cancel()
	}()

	return ctx, cancel
}
