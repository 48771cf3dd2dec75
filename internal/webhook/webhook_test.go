package webhook

import (
	"bytes"
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"log/slog"
	"net"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/schaermu/packsyncd/internal/config"
	packsync "github.com/schaermu/packsyncd/internal/sync"
)

// mockRunner is a mock implementation of Runner
type mockRunner struct {
	mu             sync.Mutex
	bootstrapCalls int
	triggerCalls   int
	triggerErr     error
	status         packsync.Status

	// started and proceed block the first Trigger call when set.
	started chan struct{}
	proceed chan struct{}
	once    sync.Once
}

func (m *mockRunner) Bootstrap(context.Context) (*packsync.Outcome, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.bootstrapCalls++
	return nil, nil
}

func (m *mockRunner) Trigger(context.Context) (*packsync.Outcome, error) {
	if m.started != nil {
		m.once.Do(func() { close(m.started) })
		<-m.proceed
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	m.triggerCalls++
	return &packsync.Outcome{Success: true}, m.triggerErr
}

func (m *mockRunner) Status() packsync.Status {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.status
}

func (m *mockRunner) triggers() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.triggerCalls
}

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelError}))
}

func setupTestConfig(t *testing.T) (*config.Config, string) {
	t.Helper()

	secretPath := filepath.Join(t.TempDir(), "webhook_secret")
	secret := "test-secret-key"
	if err := os.WriteFile(secretPath, []byte(secret+"\n"), 0600); err != nil {
		t.Fatalf("failed to write secret file: %v", err)
	}

	cfg := config.Default()
	cfg.Server.PackID = "survival"
	cfg.Serve = config.ServeConfig{
		Enabled:    true,
		ListenAddr: "127.0.0.1:0",
		SecretFile: secretPath,
	}
	return cfg, secret
}

func newTestServer(t *testing.T, runner Runner) (*Server, string) {
	t.Helper()
	cfg, secret := setupTestConfig(t)
	server, err := NewServer(cfg, runner, testLogger())
	if err != nil {
		t.Fatalf("NewServer() failed: %v", err)
	}
	server.debounce.delay = 10 * time.Millisecond
	return server, secret
}

func computeSignature(body []byte, secret string) string {
	mac := hmac.New(sha256.New, []byte(secret))
	mac.Write(body)
	return "sha256=" + hex.EncodeToString(mac.Sum(nil))
}

func packRequest(t *testing.T, body []byte, signature string) *http.Request {
	t.Helper()
	req := httptest.NewRequest(http.MethodPost, hookPath, bytes.NewReader(body))
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set(SignatureHeader, signature)
	return req
}

func TestNewServer(t *testing.T) {
	server, _ := newTestServer(t, &mockRunner{})

	if string(server.secret) != "test-secret-key" {
		t.Errorf("expected trimmed secret 'test-secret-key', got %q", string(server.secret))
	}
}

func TestNewServer_SecretErrors(t *testing.T) {
	cfg, _ := setupTestConfig(t)
	cfg.Serve.SecretFile = "/nonexistent/secret"
	if _, err := NewServer(cfg, &mockRunner{}, testLogger()); err == nil {
		t.Error("expected error for missing secret file")
	}

	empty := filepath.Join(t.TempDir(), "empty")
	if err := os.WriteFile(empty, []byte("  \n"), 0600); err != nil {
		t.Fatal(err)
	}
	cfg.Serve.SecretFile = empty
	if _, err := NewServer(cfg, &mockRunner{}, testLogger()); err == nil {
		t.Error("expected error for empty secret")
	}
}

func TestStart_BootstrapsRunner(t *testing.T) {
	runner := &mockRunner{}
	server, _ := newTestServer(t, runner)

	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatal(err)
	}
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	_ = server.Start(ctx, []net.Listener{ln})

	if runner.bootstrapCalls != 1 {
		t.Errorf("expected one bootstrap call, got %d", runner.bootstrapCalls)
	}
}

func TestVerifySignature(t *testing.T) {
	server, secret := newTestServer(t, &mockRunner{})
	body := []byte(`{"packId":"survival"}`)

	tests := []struct {
		name      string
		signature string
		want      bool
	}{
		{"valid signature", computeSignature(body, secret), true},
		{"wrong secret", computeSignature(body, "other"), false},
		{"invalid signature", "sha256=invalid", false},
		{"missing prefix", computeSignature(body, secret)[len("sha256="):], false},
		{"empty", "", false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := server.verifySignature(body, tt.signature); got != tt.want {
				t.Errorf("verifySignature() = %v, want %v", got, tt.want)
			}
		})
	}
}

func TestHandlePackEvent_ValidRequest(t *testing.T) {
	runner := &mockRunner{}
	server, secret := newTestServer(t, runner)
	body := []byte(`{"packId":"survival","version":"1.4.0"}`)

	rec := httptest.NewRecorder()
	server.Handler().ServeHTTP(rec, packRequest(t, body, computeSignature(body, secret)))

	if rec.Code != http.StatusOK {
		t.Fatalf("expected status 200, got %d", rec.Code)
	}
	if !bytes.Contains(rec.Body.Bytes(), []byte("Sync triggered")) {
		t.Errorf("unexpected body %q", rec.Body.String())
	}

	deadline := time.Now().Add(2 * time.Second)
	for runner.triggers() == 0 && time.Now().Before(deadline) {
		time.Sleep(5 * time.Millisecond)
	}
	if runner.triggers() != 1 {
		t.Errorf("expected one trigger, got %d", runner.triggers())
	}
}

func TestHandlePackEvent_Rejections(t *testing.T) {
	body := []byte(`{"packId":"survival"}`)

	tests := []struct {
		name     string
		request  func(secret string) *http.Request
		wantCode int
	}{
		{
			name: "invalid method",
			request: func(string) *http.Request {
				return httptest.NewRequest(http.MethodGet, hookPath, nil)
			},
			wantCode: http.StatusMethodNotAllowed,
		},
		{
			name: "invalid content type",
			request: func(secret string) *http.Request {
				req := packRequest(t, body, computeSignature(body, secret))
				req.Header.Set("Content-Type", "text/plain")
				return req
			},
			wantCode: http.StatusBadRequest,
		},
		{
			name: "invalid signature",
			request: func(string) *http.Request {
				return packRequest(t, body, "sha256=deadbeef")
			},
			wantCode: http.StatusForbidden,
		},
		{
			name: "invalid payload",
			request: func(secret string) *http.Request {
				bad := []byte(`{not json`)
				return packRequest(t, bad, computeSignature(bad, secret))
			},
			wantCode: http.StatusBadRequest,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			runner := &mockRunner{}
			server, secret := newTestServer(t, runner)

			rec := httptest.NewRecorder()
			server.Handler().ServeHTTP(rec, tt.request(secret))

			if rec.Code != tt.wantCode {
				t.Errorf("expected status %d, got %d", tt.wantCode, rec.Code)
			}
			time.Sleep(30 * time.Millisecond)
			if runner.triggers() != 0 {
				t.Error("rejected request triggered a sync")
			}
		})
	}
}

func TestHandlePackEvent_OtherPack(t *testing.T) {
	runner := &mockRunner{}
	server, secret := newTestServer(t, runner)
	body := []byte(`{"packId":"creative","version":"2"}`)

	rec := httptest.NewRecorder()
	server.Handler().ServeHTTP(rec, packRequest(t, body, computeSignature(body, secret)))

	if rec.Code != http.StatusOK {
		t.Errorf("expected status 200, got %d", rec.Code)
	}
	if !bytes.Contains(rec.Body.Bytes(), []byte("Pack not configured")) {
		t.Errorf("expected 'Pack not configured' message, got: %s", rec.Body.String())
	}
	time.Sleep(30 * time.Millisecond)
	if runner.triggers() != 0 {
		t.Error("notification for another pack triggered a sync")
	}
}

func TestHandleStatus(t *testing.T) {
	runner := &mockRunner{status: packsync.Status{
		State:       packsync.StateDone,
		Message:     "Update done",
		Latched:     true,
		LastOutcome: &packsync.Outcome{PassID: "p1", Success: true, Changed: true},
	}}
	server, _ := newTestServer(t, runner)

	rec := httptest.NewRecorder()
	server.Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, statusPath, nil))

	if rec.Code != http.StatusOK {
		t.Fatalf("expected status 200, got %d", rec.Code)
	}
	var got struct {
		State       string `json:"state"`
		Status      string `json:"status"`
		Latched     bool   `json:"latched"`
		LastOutcome struct {
			PassID string `json:"passId"`
		} `json:"lastOutcome"`
	}
	if err := json.Unmarshal(rec.Body.Bytes(), &got); err != nil {
		t.Fatalf("invalid status JSON: %v", err)
	}
	if got.State != "done" || got.Status != "Update done" || !got.Latched || got.LastOutcome.PassID != "p1" {
		t.Errorf("unexpected status %+v", got)
	}

	rec = httptest.NewRecorder()
	server.Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodPost, statusPath, nil))
	if rec.Code != http.StatusMethodNotAllowed {
		t.Errorf("expected status 405 for POST, got %d", rec.Code)
	}
}

func TestDebouncer(t *testing.T) {
	var callCount int
	var mu sync.Mutex
	d := &debouncer{delay: 50 * time.Millisecond}

	for i := 0; i < 5; i++ {
		d.trigger(func() {
			mu.Lock()
			callCount++
			mu.Unlock()
		})
		time.Sleep(10 * time.Millisecond)
	}

	time.Sleep(100 * time.Millisecond)

	mu.Lock()
	count := callCount
	mu.Unlock()

	if count != 1 {
		t.Errorf("expected callback to be called once, got %d", count)
	}
}

// TestPerformSync_SingleFlight verifies that at most one sync runs at a
// time and at most one additional run is queued.
func TestPerformSync_SingleFlight(t *testing.T) {
	runner := &mockRunner{
		started: make(chan struct{}),
		proceed: make(chan struct{}),
	}
	server, _ := newTestServer(t, runner)
	ctx := context.Background()

	done := make(chan struct{})
	go func() {
		defer close(done)
		server.performSync(ctx)
	}()
	<-runner.started

	var wg sync.WaitGroup
	for i := 0; i < 3; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			server.performSync(ctx)
		}()
	}
	wg.Wait()

	server.syncMu.Lock()
	pending := server.syncPending
	server.syncMu.Unlock()
	if !pending {
		t.Error("expected syncPending to be true after concurrent performSync calls")
	}

	close(runner.proceed)
	<-done

	server.syncMu.Lock()
	stillRunning := server.syncRunning
	stillPending := server.syncPending
	server.syncMu.Unlock()

	if stillRunning || stillPending {
		t.Errorf("expected idle server, running=%v pending=%v", stillRunning, stillPending)
	}
	if got := runner.triggers(); got != 2 {
		t.Errorf("expected 2 triggers (run plus one re-run), got %d", got)
	}
}

func TestPerformSync_LatchedIsNotAnError(t *testing.T) {
	runner := &mockRunner{triggerErr: packsync.ErrSessionLatched}
	server, _ := newTestServer(t, runner)

	server.performSync(context.Background())

	if runner.triggers() != 1 {
		t.Errorf("expected one trigger, got %d", runner.triggers())
	}
	server.syncMu.Lock()
	defer server.syncMu.Unlock()
	if server.syncRunning {
		t.Error("server still marked running")
	}
}
