// Package webhook serves the pack update notification endpoint and the
// runner status.
package webhook

import (
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"net/http"
	"os"
	"strings"
	"sync"
	"time"

	"github.com/schaermu/packsyncd/internal/config"
	packsync "github.com/schaermu/packsyncd/internal/sync"
)

const (
	// SignatureHeader carries the HMAC of the request body.
	SignatureHeader = "X-Packsync-Signature-256"

	hookPath   = "/hooks/pack"
	statusPath = "/status"

	defaultDebounce = 2 * time.Second
)

// PackEvent is the body of a pack update notification.
type PackEvent struct {
	PackID  string `json:"packId"`
	Version string `json:"version"`
}

// Runner is the part of the sync runner the server drives.
type Runner interface {
	Bootstrap(ctx context.Context) (*packsync.Outcome, error)
	Trigger(ctx context.Context) (*packsync.Outcome, error)
	Status() packsync.Status
}

// Server implements the notification HTTP server
type Server struct {
	cfg         *config.Config
	runner      Runner
	logger      *slog.Logger
	secret      []byte
	syncMu      sync.Mutex // guards syncRunning and syncPending
	syncRunning bool
	syncPending bool
	debounce    *debouncer
}

// debouncer implements debouncing for notifications
type debouncer struct {
	mu       sync.Mutex
	timer    *time.Timer
	delay    time.Duration
	callback func()
}

// NewServer creates a new notification server
func NewServer(cfg *config.Config, runner Runner, logger *slog.Logger) (*Server, error) {
	secret, err := os.ReadFile(cfg.Serve.SecretFile)
	if err != nil {
		return nil, fmt.Errorf("failed to read webhook secret: %w", err)
	}
	secret = []byte(strings.TrimSpace(string(secret)))
	if len(secret) == 0 {
		return nil, fmt.Errorf("webhook secret file %s is empty", cfg.Serve.SecretFile)
	}

	return &Server{
		cfg:      cfg,
		runner:   runner,
		logger:   logger,
		secret:   secret,
		debounce: &debouncer{delay: defaultDebounce},
	}, nil
}

// Handler returns the HTTP routes of the server.
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc(hookPath, s.handlePackEvent)
	mux.HandleFunc(statusPath, s.handleStatus)
	return mux
}

// Start bootstraps the runner, then serves until ctx is cancelled. The
// first socket-activated listener is used when one is given, otherwise the
// configured listen address.
func (s *Server) Start(ctx context.Context, listeners []net.Listener) error {
	s.logger.Info("performing startup check before starting webhook server")
	if _, err := s.runner.Bootstrap(ctx); err != nil && !errors.Is(err, packsync.ErrSessionLatched) {
		s.logger.Error("startup check failed", "error", err)
	}

	server := &http.Server{
		Addr:              s.cfg.Serve.ListenAddr,
		Handler:           s.Handler(),
		ReadTimeout:       10 * time.Second,
		ReadHeaderTimeout: 5 * time.Second,
		WriteTimeout:      10 * time.Second,
		IdleTimeout:       60 * time.Second,
		MaxHeaderBytes:    1 << 20,
	}

	errCh := make(chan error, 1)
	go func() {
		var err error
		if len(listeners) > 0 {
			s.logger.Info("webhook server starting", "addr", listeners[0].Addr().String(), "socket_activated", true)
			for _, extra := range listeners[1:] {
				_ = extra.Close()
			}
			err = server.Serve(listeners[0])
		} else {
			s.logger.Info("webhook server starting", "addr", s.cfg.Serve.ListenAddr)
			err = server.ListenAndServe()
		}
		if err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
	}()

	select {
	case <-ctx.Done():
		s.logger.Info("shutting down webhook server")
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		return server.Shutdown(shutdownCtx)
	case err := <-errCh:
		return err
	}
}

func (s *Server) handlePackEvent(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		s.logger.Warn("rejecting non-POST request", "method", r.Method)
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}

	contentType := r.Header.Get("Content-Type")
	if !strings.HasPrefix(contentType, "application/json") {
		s.logger.Warn("rejecting request with invalid content type", "content_type", contentType)
		http.Error(w, "Invalid content type", http.StatusBadRequest)
		return
	}

	body, err := io.ReadAll(io.LimitReader(r.Body, 1<<20))
	if err != nil {
		s.logger.Error("failed to read request body", "error", err)
		http.Error(w, "Failed to read body", http.StatusInternalServerError)
		return
	}
	defer func() {
		_ = r.Body.Close()
	}()

	if !s.verifySignature(body, r.Header.Get(SignatureHeader)) {
		s.logger.Warn("rejecting request with invalid signature")
		http.Error(w, "Invalid signature", http.StatusForbidden)
		return
	}

	var event PackEvent
	if err := json.Unmarshal(body, &event); err != nil {
		s.logger.Error("failed to parse notification payload", "error", err)
		http.Error(w, "Invalid payload", http.StatusBadRequest)
		return
	}

	if !strings.EqualFold(strings.TrimSpace(event.PackID), s.cfg.Server.PackID) {
		s.logger.Info("ignoring notification for other pack", "pack", event.PackID)
		w.WriteHeader(http.StatusOK)
		_, _ = fmt.Fprintf(w, "Pack not configured for sync\n")
		return
	}

	s.logger.Info("pack update notification accepted", "pack", event.PackID, "version", event.Version)

	s.debounce.trigger(func() {
		s.performSync(context.Background())
	})

	w.WriteHeader(http.StatusOK)
	_, _ = fmt.Fprintf(w, "Sync triggered\n")
}

func (s *Server) handleStatus(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}
	w.Header().Set("Content-Type", "application/json")
	if err := json.NewEncoder(w).Encode(s.runner.Status()); err != nil {
		s.logger.Error("failed to encode status", "error", err)
	}
}

// verifySignature checks a "sha256=<hex>" HMAC of body.
func (s *Server) verifySignature(body []byte, signature string) bool {
	if !strings.HasPrefix(signature, "sha256=") {
		return false
	}
	signature = strings.TrimPrefix(signature, "sha256=")

	mac := hmac.New(sha256.New, s.secret)
	mac.Write(body)
	expected := hex.EncodeToString(mac.Sum(nil))

	return hmac.Equal([]byte(signature), []byte(expected))
}

// performSync runs an automatic pass with single-flight semantics. While a
// pass is running at most one re-run is queued; further requests are
// dropped.
func (s *Server) performSync(ctx context.Context) {
	s.syncMu.Lock()
	if s.syncRunning {
		s.syncPending = true
		s.syncMu.Unlock()
		s.logger.Info("sync already in progress, queuing pending re-run")
		return
	}
	s.syncRunning = true
	s.syncMu.Unlock()

	for {
		out, err := s.runner.Trigger(ctx)
		switch {
		case errors.Is(err, packsync.ErrSessionLatched):
			s.logger.Info("updates already applied this session, restart the game to pick up new changes")
		case err != nil:
			s.logger.Error("sync failed", "error", err)
		case out != nil && !out.Success:
			s.logger.Warn("sync completed with failures", "failed", len(out.Failed))
		default:
			s.logger.Info("sync completed successfully")
		}

		s.syncMu.Lock()
		if !s.syncPending {
			s.syncRunning = false
			s.syncMu.Unlock()
			break
		}
		s.syncPending = false
		s.syncMu.Unlock()

		s.logger.Info("re-running sync due to pending request")
	}
}

// trigger schedules the callback to run after the debounce delay
func (d *debouncer) trigger(callback func()) {
	d.mu.Lock()
	defer d.mu.Unlock()

	d.callback = callback

	if d.timer != nil {
		d.timer.Stop()
	}

	d.timer = time.AfterFunc(d.delay, func() {
		d.mu.Lock()
		cb := d.callback
		d.mu.Unlock()

		if cb != nil {
			cb()
		}
	})
}
