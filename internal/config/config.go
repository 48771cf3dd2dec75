package config

import (
	"errors"
	"fmt"
	"io/fs"
	"net/url"
	"os"
	"path"
	"path/filepath"
	"runtime"
	"strings"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/schaermu/packsyncd/internal/pathutil"
)

const (
	// FileName is the config document name inside the game's config folder.
	FileName = "packsyncd.yaml"
	// StateDirName is the directory below the game root holding the
	// installed index, the pending journal and staged downloads.
	StateDirName = "packsyncd"

	minTimeoutSeconds = 5
	maxParallelism    = 32
)

// Config represents the complete packsyncd configuration
type Config struct {
	Server  ServerConfig  `yaml:"server"`
	Sync    SyncConfig    `yaml:"sync"`
	Serve   ServeConfig   `yaml:"serve"`
	Logging LoggingConfig `yaml:"logging"`
}

// ServerConfig configures the pack server
type ServerConfig struct {
	BaseURL        string `yaml:"base_url"`
	PackID         string `yaml:"pack_id"`
	TimeoutSeconds int    `yaml:"timeout_seconds"`
}

// SyncConfig configures which files are synchronized and how local changes
// are treated
type SyncConfig struct {
	IncludePaths              []string `yaml:"include_paths"`
	AutoUpdate                bool     `yaml:"auto_update"`
	OverwriteModifiedConfigs  bool     `yaml:"overwrite_modified_configs"`
	OverwriteUnmanagedConfigs bool     `yaml:"overwrite_unmanaged_configs"`
	DeleteExtraConfigs        bool     `yaml:"delete_extra_configs"`
	Parallelism               int      `yaml:"parallelism"`
	MaxBytesPerSecond         int64    `yaml:"max_bytes_per_second"`
	CaseInsensitivePaths      bool     `yaml:"case_insensitive_paths"`
}

// ServeConfig configures the trigger server
type ServeConfig struct {
	Enabled    bool   `yaml:"enabled"`
	ListenAddr string `yaml:"listen_addr"`
	SecretFile string `yaml:"secret_file"`
}

// LoggingConfig configures log output
type LoggingConfig struct {
	Level  string `yaml:"level"`
	Format string `yaml:"format"`
	File   string `yaml:"file"`
}

// Default returns the configuration written on first run.
func Default() *Config {
	return &Config{
		Server: ServerConfig{
			BaseURL:        "http://localhost:8080",
			PackID:         "example-pack",
			TimeoutSeconds: 30,
		},
		Sync: SyncConfig{
			IncludePaths:         []string{"mods", "config", "resourcepacks"},
			AutoUpdate:           true,
			DeleteExtraConfigs:   true,
			Parallelism:          4,
			CaseInsensitivePaths: runtime.GOOS == "windows",
		},
		Logging: LoggingConfig{
			Level:  "info",
			Format: "text",
		},
	}
}

// DefaultPath returns the config document location for a game directory.
func DefaultPath(gameDir string) string {
	return filepath.Join(gameDir, pathutil.ConfigRoot, FileName)
}

// StateDir returns the engine's state directory for a game directory.
func StateDir(gameDir string) string {
	return filepath.Join(gameDir, StateDirName)
}

// Load reads and parses the configuration file. Keys missing from the
// document keep their default values.
func Load(path string) (*Config, error) {
	// Expand environment variables in path
	path = os.ExpandEnv(path)

	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}

	cfg := Default()
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config file: %w", err)
	}

	cfg.expandEnv()
	cfg.applyDefaults()

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}

	return cfg, nil
}

// LoadOrCreate loads the document at path, writing the defaults there first
// when it does not exist yet. created reports whether the file was written.
func LoadOrCreate(path string) (cfg *Config, created bool, err error) {
	path = os.ExpandEnv(path)

	if _, err := os.Stat(path); errors.Is(err, fs.ErrNotExist) {
		if err := Default().Save(path); err != nil {
			return nil, false, err
		}
		created = true
	}

	cfg, err = Load(path)
	if err != nil {
		return nil, created, err
	}
	return cfg, created, nil
}

// Save writes the configuration to path atomically.
func (c *Config) Save(path string) error {
	data, err := yaml.Marshal(c)
	if err != nil {
		return fmt.Errorf("failed to encode config: %w", err)
	}

	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return fmt.Errorf("failed to create config directory: %w", err)
	}

	tmp, err := os.CreateTemp(dir, ".packsyncd-*.tmp")
	if err != nil {
		return fmt.Errorf("failed to create temp file: %w", err)
	}
	tmpPath := tmp.Name()
	defer func() {
		_ = os.Remove(tmpPath)
	}()

	if _, err := tmp.Write(data); err != nil {
		_ = tmp.Close()
		return fmt.Errorf("failed to write config: %w", err)
	}
	if err := tmp.Close(); err != nil {
		return fmt.Errorf("failed to close temp file: %w", err)
	}
	if err := os.Rename(tmpPath, path); err != nil {
		return fmt.Errorf("failed to replace config file: %w", err)
	}
	return nil
}

// expandEnv expands environment variables in all string fields
func (c *Config) expandEnv() {
	c.Server.BaseURL = os.ExpandEnv(c.Server.BaseURL)
	c.Server.PackID = os.ExpandEnv(c.Server.PackID)
	c.Serve.ListenAddr = os.ExpandEnv(c.Serve.ListenAddr)
	c.Serve.SecretFile = os.ExpandEnv(c.Serve.SecretFile)
	c.Logging.File = os.ExpandEnv(c.Logging.File)
}

// applyDefaults fills in zero-value fields with sensible defaults.
func (c *Config) applyDefaults() {
	def := Default()

	if c.Server.TimeoutSeconds <= 0 {
		c.Server.TimeoutSeconds = def.Server.TimeoutSeconds
	}
	if c.Sync.Parallelism <= 0 {
		c.Sync.Parallelism = def.Sync.Parallelism
	}
	if c.Sync.MaxBytesPerSecond < 0 {
		c.Sync.MaxBytesPerSecond = 0
	}

	var includes []string
	for _, inc := range c.Sync.IncludePaths {
		inc = strings.TrimSuffix(pathutil.Normalize(strings.TrimSpace(inc)), "/")
		if inc != "" {
			includes = append(includes, inc)
		}
	}
	if len(includes) == 0 {
		includes = def.Sync.IncludePaths
	}
	c.Sync.IncludePaths = includes

	if c.Logging.Level == "" {
		c.Logging.Level = def.Logging.Level
	}
	if c.Logging.Format == "" {
		c.Logging.Format = def.Logging.Format
	}
}

// Validate checks the configuration for errors
func (c *Config) Validate() error {
	if c.Server.BaseURL == "" {
		return fmt.Errorf("server.base_url is required")
	}
	u, err := url.Parse(c.Server.BaseURL)
	if err != nil || (u.Scheme != "http" && u.Scheme != "https") || u.Host == "" {
		return fmt.Errorf("server.base_url must be an http or https URL: %s", c.Server.BaseURL)
	}
	if strings.TrimSpace(c.Server.PackID) == "" {
		return fmt.Errorf("server.pack_id is required")
	}

	if len(c.Sync.IncludePaths) == 0 {
		return fmt.Errorf("sync.include_paths must not be empty")
	}
	for _, inc := range c.Sync.IncludePaths {
		n := pathutil.Normalize(inc)
		if path.IsAbs(n) || filepath.IsAbs(inc) || filepath.VolumeName(inc) != "" {
			return fmt.Errorf("sync.include_paths must be relative: %s", inc)
		}
		if path.Clean(n) == "." || containsDotDot(n) {
			return fmt.Errorf("sync.include_paths must stay inside the game directory: %s", inc)
		}
	}

	if c.Sync.Parallelism < 1 || c.Sync.Parallelism > maxParallelism {
		return fmt.Errorf("sync.parallelism must be between 1 and %d: %d", maxParallelism, c.Sync.Parallelism)
	}

	switch strings.ToLower(c.Logging.Format) {
	case "text", "json":
		// valid
	default:
		return fmt.Errorf("invalid logging.format: %s (must be text or json)", c.Logging.Format)
	}

	if c.Serve.Enabled {
		if c.Serve.ListenAddr == "" {
			return fmt.Errorf("serve.listen_addr is required when serve is enabled")
		}
		if c.Serve.SecretFile == "" {
			return fmt.Errorf("serve.secret_file is required when serve is enabled")
		}
	}

	return nil
}

// Timeout returns the connect timeout, never below five seconds.
func (c *Config) Timeout() time.Duration {
	secs := c.Server.TimeoutSeconds
	if secs < minTimeoutSeconds {
		secs = minTimeoutSeconds
	}
	return time.Duration(secs) * time.Second
}

// Keyer returns the path comparison keyer for this configuration.
func (c *Config) Keyer() pathutil.Keyer {
	return pathutil.Keyer{Fold: c.Sync.CaseInsensitivePaths}
}

// ManagesConfigs reports whether the config folder is synchronized.
func (c *Config) ManagesConfigs() bool {
	return pathutil.HasRoot(c.Sync.IncludePaths, pathutil.ConfigRoot)
}

func containsDotDot(p string) bool {
	for _, seg := range strings.Split(p, "/") {
		if seg == ".." {
			return true
		}
	}
	return false
}
