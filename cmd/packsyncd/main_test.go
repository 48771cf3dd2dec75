package main

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/spf13/afero"
	"gopkg.in/yaml.v3"

	"github.com/schaermu/packsyncd/internal/config"
	"github.com/schaermu/packsyncd/internal/state"
	"github.com/schaermu/packsyncd/internal/sync"
	"github.com/schaermu/packsyncd/internal/testutil"
)

// useSettings sets viper overrides for one test and resets them afterwards.
func useSettings(t *testing.T, values map[string]string) {
	t.Helper()
	for k, val := range values {
		v.Set(k, val)
	}
	t.Cleanup(func() { v = newViper() })
}

// packServer serves one pack with the given files.
func packServer(t *testing.T, packID string, files map[string]string) *httptest.Server {
	t.Helper()

	type entry struct {
		Path   string `json:"path"`
		SHA256 string `json:"sha256"`
		Size   int    `json:"size"`
	}
	doc := struct {
		PackID  string  `json:"packId"`
		Version string  `json:"version"`
		Files   []entry `json:"files"`
	}{PackID: packID, Version: "1.0.0"}
	for rel, content := range files {
		doc.Files = append(doc.Files, entry{Path: rel, SHA256: testutil.SHA256(content), Size: len(content)})
	}

	mux := http.NewServeMux()
	mux.HandleFunc("/packs/"+packID+"/manifest", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		_ = json.NewEncoder(w).Encode(doc)
	})
	mux.HandleFunc("/packs/"+packID+"/file", func(w http.ResponseWriter, r *http.Request) {
		content, ok := files[r.URL.Query().Get("path")]
		if !ok {
			http.NotFound(w, r)
			return
		}
		_, _ = io.WriteString(w, content)
	})

	srv := httptest.NewServer(mux)
	t.Cleanup(srv.Close)
	return srv
}

func TestLoadSettings_CreatesDefaultConfig(t *testing.T) {
	game := t.TempDir()
	useSettings(t, map[string]string{"game-dir": game})

	s, err := loadSettings()
	if err != nil {
		t.Fatalf("loadSettings failed: %v", err)
	}
	if !s.created {
		t.Error("expected default config to be written")
	}
	if s.cfgPath != config.DefaultPath(game) {
		t.Errorf("config path = %s, want %s", s.cfgPath, config.DefaultPath(game))
	}
	if _, err := os.Stat(s.cfgPath); err != nil {
		t.Errorf("config file missing: %v", err)
	}
}

func TestLoadSettings_Overrides(t *testing.T) {
	game := t.TempDir()
	useSettings(t, map[string]string{"game-dir": game, "base-url": "https://packs.example.com"})
	t.Setenv("PACKSYNCD_PACK_ID", "from-env")

	s, err := loadSettings()
	if err != nil {
		t.Fatalf("loadSettings failed: %v", err)
	}
	if s.cfg.Server.BaseURL != "https://packs.example.com" {
		t.Errorf("base URL = %s", s.cfg.Server.BaseURL)
	}
	if s.cfg.Server.PackID != "from-env" {
		t.Errorf("pack id = %s, want from-env", s.cfg.Server.PackID)
	}
}

func TestLoadSettings_Errors(t *testing.T) {
	useSettings(t, map[string]string{"game-dir": filepath.Join(t.TempDir(), "missing")})
	if _, err := loadSettings(); err == nil {
		t.Error("expected error for missing game directory")
	}

	useSettings(t, map[string]string{"game-dir": t.TempDir(), "base-url": "ftp://nope"})
	if _, err := loadSettings(); err == nil {
		t.Error("expected validation error for override")
	}
}

func TestSetupSignalHandler(t *testing.T) {
	ctx, cancel := setupSignalHandler()
	defer cancel()

	if ctx.Err() != nil {
		t.Error("context should not be cancelled initially")
	}
	cancel()
	if ctx.Err() == nil {
		t.Error("context should be cancelled after cancel()")
	}
}

func TestVersionCmd(t *testing.T) {
	var buf bytes.Buffer
	versionCmd.SetOut(&buf)
	defer versionCmd.SetOut(nil)

	versionCmd.Run(versionCmd, nil)

	if !strings.HasPrefix(buf.String(), "packsyncd dev") {
		t.Errorf("unexpected version output %q", buf.String())
	}
}

func TestRunSync(t *testing.T) {
	game := t.TempDir()
	testutil.WriteTree(t, game, map[string]string{"mods/mine.jar": "mine"})
	srv := packServer(t, "survival", map[string]string{"mods/a.jar": "a", "config/a.toml": "x=1"})
	useSettings(t, map[string]string{"game-dir": game, "base-url": srv.URL, "pack-id": "survival", "log-level": "error"})
	syncYes = true
	defer func() { syncYes = false }()

	var out bytes.Buffer
	syncCmd.SetOut(&out)
	syncCmd.SetErr(io.Discard)
	defer func() {
		syncCmd.SetOut(nil)
		syncCmd.SetErr(nil)
	}()

	if err := runSync(syncCmd, nil); err != nil {
		t.Fatalf("runSync failed: %v", err)
	}

	if !strings.Contains(out.String(), "2 added") {
		t.Errorf("unexpected output %q", out.String())
	}
	data, err := os.ReadFile(filepath.Join(game, "mods", "a.jar"))
	if err != nil || string(data) != "a" {
		t.Errorf("mods/a.jar = %q, %v", data, err)
	}
	if _, err := os.Stat(filepath.Join(game, "mods", "mine.jar")); err != nil {
		t.Error("user mod removed")
	}
	if _, err := os.Stat(filepath.Join(config.StateDir(game), state.IndexFile)); err != nil {
		t.Errorf("installed index not written: %v", err)
	}
}

func TestRunCheck_Formats(t *testing.T) {
	srv := packServer(t, "survival", map[string]string{"mods/a.jar": "a"})

	tests := []struct {
		format string
		verify func(t *testing.T, out []byte)
	}{
		{
			format: "text",
			verify: func(t *testing.T, out []byte) {
				if !bytes.Contains(out, []byte("add    mods/a.jar (missing)")) {
					t.Errorf("unexpected text output %q", out)
				}
			},
		},
		{
			format: "json",
			verify: func(t *testing.T, out []byte) {
				var r report
				if err := json.Unmarshal(out, &r); err != nil {
					t.Fatalf("invalid JSON: %v", err)
				}
				if r.UpToDate || len(r.Adds) != 1 || r.Adds[0].Path != "mods/a.jar" || r.DownloadBytes != 1 {
					t.Errorf("unexpected report %+v", r)
				}
			},
		},
		{
			format: "yaml",
			verify: func(t *testing.T, out []byte) {
				var r report
				if err := yaml.Unmarshal(out, &r); err != nil {
					t.Fatalf("invalid YAML: %v", err)
				}
				if r.PackID != "survival" || len(r.Adds) != 1 {
					t.Errorf("unexpected report %+v", r)
				}
			},
		},
	}

	for _, tt := range tests {
		t.Run(tt.format, func(t *testing.T) {
			game := t.TempDir()
			useSettings(t, map[string]string{"game-dir": game, "base-url": srv.URL, "pack-id": "survival", "log-level": "error"})
			checkOutput = tt.format
			defer func() { checkOutput = "text" }()

			var out bytes.Buffer
			checkCmd.SetOut(&out)
			checkCmd.SetErr(io.Discard)
			defer func() {
				checkCmd.SetOut(nil)
				checkCmd.SetErr(nil)
			}()

			if err := runCheck(checkCmd, nil); err != nil {
				t.Fatalf("runCheck failed: %v", err)
			}
			tt.verify(t, out.Bytes())

			if _, err := os.Stat(filepath.Join(game, "mods", "a.jar")); err == nil {
				t.Error("check must not download")
			}
		})
	}
}

func TestRunCheck_UnknownFormat(t *testing.T) {
	checkOutput = "xml"
	defer func() { checkOutput = "text" }()

	if err := runCheck(checkCmd, nil); err == nil {
		t.Error("expected error for unknown format")
	}
}

func TestRunPending(t *testing.T) {
	game := t.TempDir()
	testutil.WriteTree(t, game, map[string]string{"mods/old.jar": "x"})
	useSettings(t, map[string]string{"game-dir": game, "log-level": "error"})

	s, err := loadSettings()
	if err != nil {
		t.Fatal(err)
	}
	store := state.NewStore(afero.NewOsFs(), game, config.StateDir(game), s.cfg.Keyer(), slog.New(slog.NewTextHandler(io.Discard, nil)))
	if err := store.EnqueueDelete("mods/old.jar"); err != nil {
		t.Fatal(err)
	}

	var out bytes.Buffer
	pendingCmd.SetOut(&out)
	pendingCmd.SetErr(io.Discard)
	defer func() {
		pendingCmd.SetOut(nil)
		pendingCmd.SetErr(nil)
	}()

	if err := runPending(pendingCmd, nil); err != nil {
		t.Fatal(err)
	}
	if !strings.Contains(out.String(), "delete  mods/old.jar") {
		t.Errorf("unexpected listing %q", out.String())
	}

	out.Reset()
	pendingApply = true
	defer func() { pendingApply = false }()
	if err := runPending(pendingCmd, nil); err != nil {
		t.Fatal(err)
	}
	if !strings.Contains(out.String(), "1 deleted") || !strings.Contains(out.String(), "No pending operations.") {
		t.Errorf("unexpected apply output %q", out.String())
	}
	if _, err := os.Stat(filepath.Join(game, "mods", "old.jar")); err == nil {
		t.Error("pending delete not applied")
	}
}

func TestLinePrompter(t *testing.T) {
	tests := []struct {
		input string
		want  bool
	}{
		{"y\n", true},
		{"YES\n", true},
		{"n\n", false},
		{"\n", false},
		{"", false},
		{"yes", true},
	}

	plan := &sync.Plan{PackID: "p", Version: "2", Fetch: []sync.FetchOp{{Path: "mods/a.jar"}}}
	for _, tt := range tests {
		var out bytes.Buffer
		p := newLinePrompter(strings.NewReader(tt.input), &out)

		got, err := p.Confirm(context.Background(), plan)
		if err != nil {
			t.Fatalf("Confirm(%q) error: %v", tt.input, err)
		}
		if got != tt.want {
			t.Errorf("Confirm(%q) = %v, want %v", tt.input, got, tt.want)
		}
		if !strings.Contains(out.String(), "Apply these changes?") {
			t.Errorf("prompt missing from %q", out.String())
		}
	}
}

func TestPrintOutcome(t *testing.T) {
	var buf bytes.Buffer
	printOutcome(&buf, &sync.Outcome{
		Changed: true,
		Added:   []string{"mods/a.jar"},
		Failed:  []sync.FailedFile{{Path: "mods/b.jar", Error: "locked", Staged: true}},
	})

	for _, want := range []string{"1 added", "failed mods/b.jar: locked", "next start"} {
		if !strings.Contains(buf.String(), want) {
			t.Errorf("output %q missing %q", buf.String(), want)
		}
	}
}
