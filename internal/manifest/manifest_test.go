package manifest

import (
	"bytes"
	"context"
	"errors"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"os"
	"strings"
	"testing"
	"time"

	"github.com/schaermu/packsyncd/internal/config"
	"github.com/schaermu/packsyncd/internal/pathutil"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelError}))
}

func testConfig(baseURL string) *config.Config {
	cfg := config.Default()
	cfg.Server.BaseURL = baseURL
	cfg.Server.PackID = "my pack"
	return cfg
}

const manifestJSON = `{
  "packId": "my pack",
  "version": "1.2.0",
  "mcVersion": "1.21.1",
  "loader": {"name": "fabric", "version": "0.16.5"},
  "files": [
    {"path": "mods/a.jar", "sha256": "aa", "size": 10},
    {"path": "config\\a.toml", "sha256": "bb", "size": 5},
    {"path": "saves/x.dat", "sha256": "cc", "size": 1}
  ],
  "mods": [{"path": "mods/a.jar", "id": "a", "version": "1.0"}]
}`

func TestFetchManifest(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.EscapedPath() != "/packs/my%20pack/manifest" {
			http.NotFound(w, r)
			return
		}
		if r.Header.Get("Accept") != "application/json" {
			t.Errorf("Accept = %q", r.Header.Get("Accept"))
		}
		_, _ = w.Write([]byte(manifestJSON))
	}))
	defer srv.Close()

	m, err := NewHTTPClient(testConfig(srv.URL+"/"), testLogger()).FetchManifest(context.Background())
	if err != nil {
		t.Fatalf("FetchManifest failed: %v", err)
	}
	if m.PackID != "my pack" || m.Version != "1.2.0" || m.MCVersion != "1.21.1" {
		t.Errorf("unexpected manifest header: %+v", m)
	}
	if m.Loader == nil || m.Loader.Name != "fabric" {
		t.Errorf("loader = %+v", m.Loader)
	}
	if len(m.Files) != 3 || len(m.Mods) != 1 {
		t.Fatalf("files=%d mods=%d", len(m.Files), len(m.Mods))
	}
}

func TestFetchManifest_Unavailable(t *testing.T) {
	tests := []struct {
		name    string
		handler http.HandlerFunc
	}{
		{
			name: "server error",
			handler: func(w http.ResponseWriter, r *http.Request) {
				http.Error(w, "boom", http.StatusInternalServerError)
			},
		},
		{
			name: "not found",
			handler: func(w http.ResponseWriter, r *http.Request) {
				http.NotFound(w, r)
			},
		},
		{
			name: "malformed body",
			handler: func(w http.ResponseWriter, r *http.Request) {
				_, _ = w.Write([]byte(`{"files": [`))
			},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			srv := httptest.NewServer(tt.handler)
			defer srv.Close()

			_, err := NewHTTPClient(testConfig(srv.URL), testLogger()).FetchManifest(context.Background())
			if !errors.Is(err, ErrManifestUnavailable) {
				t.Errorf("err = %v, want ErrManifestUnavailable", err)
			}
		})
	}
}

func TestFetchManifest_Unreachable(t *testing.T) {
	srv := httptest.NewServer(http.NotFoundHandler())
	addr := srv.URL
	srv.Close()

	_, err := NewHTTPClient(testConfig(addr), testLogger()).FetchManifest(context.Background())
	if !errors.Is(err, ErrManifestUnavailable) {
		t.Errorf("err = %v, want ErrManifestUnavailable", err)
	}
}

func TestDownload(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/packs/my pack/file" {
			http.NotFound(w, r)
			return
		}
		switch r.URL.Query().Get("path") {
		case "mods/a b.jar":
			_, _ = w.Write([]byte("jar bytes"))
		default:
			http.Error(w, "gone", http.StatusGone)
		}
	}))
	defer srv.Close()

	client := NewHTTPClient(testConfig(srv.URL), testLogger())

	var buf bytes.Buffer
	n, err := client.Download(context.Background(), "mods/a b.jar", &buf)
	if err != nil {
		t.Fatalf("Download failed: %v", err)
	}
	if n != 9 || buf.String() != "jar bytes" {
		t.Errorf("got %d bytes %q", n, buf.String())
	}

	_, err = client.Download(context.Background(), "mods/missing.jar", &bytes.Buffer{})
	var se *StatusError
	if !errors.As(err, &se) {
		t.Fatalf("err = %v, want *StatusError", err)
	}
	if se.Code != http.StatusGone || se.Path != "mods/missing.jar" {
		t.Errorf("StatusError = %+v", se)
	}
}

func TestDownload_Throttled(t *testing.T) {
	payload := strings.Repeat("x", 3000)
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write([]byte(payload))
	}))
	defer srv.Close()

	cfg := testConfig(srv.URL)
	cfg.Sync.MaxBytesPerSecond = 2000

	start := time.Now()
	var buf bytes.Buffer
	n, err := NewHTTPClient(cfg, testLogger()).Download(context.Background(), "mods/big.jar", &buf)
	if err != nil {
		t.Fatalf("Download failed: %v", err)
	}
	if n != int64(len(payload)) {
		t.Errorf("n = %d, want %d", n, len(payload))
	}
	// The first 2000 bytes are the burst, the remaining 1000 take ~0.5s.
	if elapsed := time.Since(start); elapsed < 300*time.Millisecond {
		t.Errorf("download finished in %v, expected throttling", elapsed)
	}
}

func TestIncluded(t *testing.T) {
	m := &Manifest{Files: []FileEntry{
		{Path: "mods/a.jar"},
		{Path: "config\\a.toml"},
		{Path: "./resourcepacks/r.zip"},
		{Path: "saves/x.dat"},
		{Path: "modsextra/x.jar"},
		{Path: ""},
	}}

	got := m.Included([]string{"mods", "config", "resourcepacks"})
	var paths []string
	for _, f := range got {
		paths = append(paths, f.Path)
	}
	if strings.Join(paths, ",") != "mods/a.jar,config/a.toml,resourcepacks/r.zip" {
		t.Errorf("Included = %v", paths)
	}
}

func TestModsByPath(t *testing.T) {
	m := &Manifest{Mods: []ModEntry{
		{Path: "mods\\Sodium.jar", ID: "sodium"},
		{ID: "no-path"},
	}}

	folded := m.ModsByPath(pathutil.Keyer{Fold: true})
	if len(folded) != 1 || folded["mods/sodium.jar"].ID != "sodium" {
		t.Errorf("folded = %v", folded)
	}
	exact := m.ModsByPath(pathutil.Keyer{})
	if exact["mods/Sodium.jar"].Path != "mods/Sodium.jar" {
		t.Errorf("exact = %v", exact)
	}
}

func TestCompatibility(t *testing.T) {
	m := &Manifest{MCVersion: "1.21", Loader: &Loader{Name: "NeoForge", Version: "v21.1.77"}}

	tests := []struct {
		name     string
		env      Env
		problems int
	}{
		{"exact", Env{MCVersion: "1.21", Loader: "neoforge", LoaderVersion: "21.1.77"}, 0},
		{"minor prefix", Env{MCVersion: "1.21.1", Loader: "neoforge", LoaderVersion: "21.1.77"}, 0},
		{"mc mismatch", Env{MCVersion: "1.20.4", Loader: "neoforge", LoaderVersion: "21.1.77"}, 1},
		{"loader mismatch hides version", Env{MCVersion: "1.21", Loader: "fabric", LoaderVersion: "0.16"}, 1},
		{"loader version mismatch", Env{MCVersion: "1.21", Loader: "neoforge", LoaderVersion: "21.0.1"}, 1},
		{"both", Env{MCVersion: "1.19", Loader: "forge"}, 2},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := m.Compatibility(tt.env); len(got) != tt.problems {
				t.Errorf("Compatibility = %v, want %d problems", got, tt.problems)
			}
		})
	}

	if got := (&Manifest{}).Compatibility(Env{}); len(got) != 0 {
		t.Errorf("manifest without targets reported %v", got)
	}
}
