//go:build integration

package tier1

import (
	"bytes"
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"os"
	"os/exec"
	"path/filepath"
	"runtime"
	"sort"
	"strings"
	"sync"
	"testing"
	"time"
)

const (
	binaryName     = "packsyncd"
	defaultTimeout = 5 * time.Minute
)

// Harness builds the binary once and runs it against a local pack server
// and a temporary game directory.
type Harness struct {
	t       *testing.T
	binary  string
	GameDir string
	Pack    *PackServer
	keep    bool
}

// NewHarness creates a new test harness
func NewHarness(t *testing.T) *Harness {
	t.Helper()
	return &Harness{
		t:       t,
		GameDir: t.TempDir(),
		keep:    os.Getenv("INTEGRATION_KEEP_GAMEDIR") == "1",
	}
}

// BuildBinary compiles the command into a temporary directory.
func (h *Harness) BuildBinary(ctx context.Context) error {
	h.t.Helper()

	projectRoot, err := findProjectRoot()
	if err != nil {
		return fmt.Errorf("get project root: %w", err)
	}

	h.binary = filepath.Join(h.t.TempDir(), binaryName)
	h.t.Logf("Building %s", h.binary)

	cmd := exec.CommandContext(ctx, "go", "build", "-o", h.binary, "./cmd/packsyncd")
	cmd.Dir = projectRoot
	cmd.Stdout = &testWriter{t: h.t, prefix: "[build] "}
	cmd.Stderr = &testWriter{t: h.t, prefix: "[build] "}

	if err := cmd.Run(); err != nil {
		return fmt.Errorf("go build: %w", err)
	}
	return nil
}

// StartPackServer serves packID from an in-memory file set.
func (h *Harness) StartPackServer(packID string) {
	h.t.Helper()
	h.Pack = newPackServer(packID)
	srv := httptest.NewServer(h.Pack)
	h.Pack.URL = srv.URL
	h.t.Cleanup(srv.Close)
}

// Cleanup reports the game directory when it should be kept for inspection.
func (h *Harness) Cleanup() {
	if h.keep && h.t.Failed() {
		h.t.Logf("Test failed and INTEGRATION_KEEP_GAMEDIR=1, game directory: %s", h.GameDir)
	}
}

// Exec runs the binary against the game directory and pack server.
func (h *Harness) Exec(ctx context.Context, args ...string) (string, string, int, error) {
	h.t.Helper()
	if h.binary == "" {
		return "", "", 0, fmt.Errorf("binary not built")
	}

	execCmd := exec.CommandContext(ctx, h.binary, args...)
	execCmd.Env = append(os.Environ(),
		"PACKSYNCD_GAME_DIR="+h.GameDir,
		"PACKSYNCD_BASE_URL="+h.Pack.URL,
		"PACKSYNCD_PACK_ID="+h.Pack.ID,
	)

	var stdout, stderr bytes.Buffer
	execCmd.Stdout = &stdout
	execCmd.Stderr = &stderr

	err := execCmd.Run()
	exitCode := 0
	if err != nil {
		if exitErr, ok := err.(*exec.ExitError); ok {
			exitCode = exitErr.ExitCode()
		} else {
			return "", "", 0, fmt.Errorf("exec failed: %w", err)
		}
	}

	return stdout.String(), stderr.String(), exitCode, nil
}

// MustExec executes a command and fails the test if it returns non-zero
func (h *Harness) MustExec(ctx context.Context, args ...string) (string, string) {
	h.t.Helper()
	stdout, stderr, exitCode, err := h.Exec(ctx, args...)
	if err != nil {
		h.t.Fatalf("exec failed: %v", err)
	}
	if exitCode != 0 {
		h.t.Fatalf("command failed with exit code %d\nstdout: %s\nstderr: %s\nargs: %v",
			exitCode, stdout, stderr, args)
	}
	return stdout, stderr
}

// WriteFile writes a file below the game directory.
func (h *Harness) WriteFile(rel, content string) {
	h.t.Helper()
	path := filepath.Join(h.GameDir, filepath.FromSlash(rel))
	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		h.t.Fatalf("mkdir parent: %v", err)
	}
	if err := os.WriteFile(path, []byte(content), 0644); err != nil {
		h.t.Fatalf("write file: %v", err)
	}
}

// ReadFile reads a file below the game directory.
func (h *Harness) ReadFile(rel string) (string, error) {
	data, err := os.ReadFile(filepath.Join(h.GameDir, filepath.FromSlash(rel)))
	return string(data), err
}

// FileExists checks if a file exists below the game directory.
func (h *Harness) FileExists(rel string) bool {
	info, err := os.Stat(filepath.Join(h.GameDir, filepath.FromSlash(rel)))
	return err == nil && !info.IsDir()
}

// PackServer is a minimal pack server holding one pack.
type PackServer struct {
	ID  string
	URL string

	mu      sync.Mutex
	version string
	files   map[string]string
	fetches []string
}

func newPackServer(id string) *PackServer {
	return &PackServer{ID: id, version: "1", files: map[string]string{}}
}

// Publish replaces the pack content and version.
func (p *PackServer) Publish(version string, files map[string]string) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.version = version
	p.files = files
	p.fetches = nil
}

// Fetches returns the paths downloaded since the last Publish.
func (p *PackServer) Fetches() []string {
	p.mu.Lock()
	defer p.mu.Unlock()
	return append([]string(nil), p.fetches...)
}

func (p *PackServer) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	prefix := "/packs/" + p.ID + "/"
	if !strings.HasPrefix(r.URL.Path, prefix) {
		http.NotFound(w, r)
		return
	}

	p.mu.Lock()
	defer p.mu.Unlock()

	switch strings.TrimPrefix(r.URL.Path, prefix) {
	case "manifest":
		type entry struct {
			Path   string `json:"path"`
			SHA256 string `json:"sha256"`
			Size   int    `json:"size"`
		}
		doc := struct {
			PackID  string  `json:"packId"`
			Version string  `json:"version"`
			Files   []entry `json:"files"`
		}{PackID: p.ID, Version: p.version}
		for rel, content := range p.files {
			sum := sha256.Sum256([]byte(content))
			doc.Files = append(doc.Files, entry{Path: rel, SHA256: hex.EncodeToString(sum[:]), Size: len(content)})
		}
		sort.Slice(doc.Files, func(i, j int) bool { return doc.Files[i].Path < doc.Files[j].Path })
		w.Header().Set("Content-Type", "application/json")
		_ = json.NewEncoder(w).Encode(doc)
	case "file":
		rel := r.URL.Query().Get("path")
		content, ok := p.files[rel]
		if !ok {
			http.NotFound(w, r)
			return
		}
		p.fetches = append(p.fetches, rel)
		_, _ = io.WriteString(w, content)
	default:
		http.NotFound(w, r)
	}
}

// testWriter wraps test logging for command output
type testWriter struct {
	t      *testing.T
	prefix string
}

func (w *testWriter) Write(p []byte) (n int, err error) {
	lines := strings.Split(string(p), "\n")
	for _, line := range lines {
		if line != "" {
			w.t.Log(w.prefix + line)
		}
	}
	return len(p), nil
}

var _ io.Writer = (*testWriter)(nil)

// findProjectRoot walks up the directory tree from the current file to find go.mod
func findProjectRoot() (string, error) {
	_, filename, _, ok := runtime.Caller(0)
	if !ok {
		return "", fmt.Errorf("failed to get caller information")
	}

	dir := filepath.Dir(filename)
	for {
		if _, err := os.Stat(filepath.Join(dir, "go.mod")); err == nil {
			return dir, nil
		}

		parent := filepath.Dir(dir)
		if parent == dir {
			return "", fmt.Errorf("go.mod not found in any parent directory")
		}
		dir = parent
	}
}
