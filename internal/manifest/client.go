package manifest

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/dustin/go-humanize"
	"golang.org/x/time/rate"

	"github.com/schaermu/packsyncd/internal/config"
)

const (
	// requestTimeout bounds a whole request, body included. The connect
	// timeout comes from configuration.
	requestTimeout = 120 * time.Second
	userAgent      = "packsyncd/1.0"

	maxErrorBody = 4 << 10
)

// HTTPClient talks to a pack server over HTTP.
type HTTPClient struct {
	baseURL    string
	packID     string
	httpClient *http.Client
	limiter    *rate.Limiter
	logger     *slog.Logger
}

// NewHTTPClient creates a client for the pack configured in cfg. A positive
// sync.max_bytes_per_second caps the combined download rate of all
// concurrent downloads.
func NewHTTPClient(cfg *config.Config, logger *slog.Logger) *HTTPClient {
	if logger == nil {
		logger = slog.Default()
	}

	dialer := &net.Dialer{Timeout: cfg.Timeout()}
	transport := &http.Transport{
		Proxy:               http.ProxyFromEnvironment,
		DialContext:         dialer.DialContext,
		TLSHandshakeTimeout: cfg.Timeout(),
		MaxIdleConnsPerHost: cfg.Sync.Parallelism,
	}

	c := &HTTPClient{
		baseURL: strings.TrimRight(cfg.Server.BaseURL, "/"),
		packID:  cfg.Server.PackID,
		httpClient: &http.Client{
			Timeout:   requestTimeout,
			Transport: transport,
		},
		logger: logger,
	}
	if bps := cfg.Sync.MaxBytesPerSecond; bps > 0 {
		c.limiter = rate.NewLimiter(rate.Limit(bps), int(bps))
	}
	return c
}

func (c *HTTPClient) packPath(suffix string) string {
	return "/packs/" + url.PathEscape(c.packID) + suffix
}

func (c *HTTPClient) newRequest(ctx context.Context, path string, query url.Values, accept string) (*http.Request, error) {
	reqURL := c.baseURL + path
	if query != nil {
		reqURL = fmt.Sprintf("%s?%s", reqURL, query.Encode())
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, reqURL, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to create request: %w", err)
	}
	req.Header.Set("Accept", accept)
	req.Header.Set("User-Agent", userAgent)
	return req, nil
}

// FetchManifest retrieves the current manifest. Every failure wraps
// ErrManifestUnavailable.
func (c *HTTPClient) FetchManifest(ctx context.Context) (*Manifest, error) {
	path := c.packPath("/manifest")
	req, err := c.newRequest(ctx, path, nil, "application/json")
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrManifestUnavailable, err)
	}

	c.logger.Debug("fetching manifest", "url", req.URL.String())
	start := time.Now()

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrManifestUnavailable, err)
	}
	defer func() {
		_ = resp.Body.Close()
	}()

	c.logger.Info("manifest response", "status", resp.StatusCode, "took", time.Since(start).Round(time.Millisecond))

	if resp.StatusCode != http.StatusOK {
		body, _ := io.ReadAll(io.LimitReader(resp.Body, maxErrorBody))
		return nil, fmt.Errorf("%w: HTTP %d: %s", ErrManifestUnavailable, resp.StatusCode, strings.TrimSpace(string(body)))
	}

	var m Manifest
	if err := json.NewDecoder(resp.Body).Decode(&m); err != nil {
		return nil, fmt.Errorf("%w: malformed manifest: %v", ErrManifestUnavailable, err)
	}

	c.logger.Debug("manifest decoded",
		"pack", m.PackID,
		"version", m.Version,
		"files", len(m.Files),
		"mods", len(m.Mods),
		"size", humanize.Bytes(uint64(TotalSize(m.Files))))
	return &m, nil
}

// Download streams one pack file into w.
func (c *HTTPClient) Download(ctx context.Context, relPath string, w io.Writer) (int64, error) {
	query := url.Values{}
	query.Set("path", relPath)
	req, err := c.newRequest(ctx, c.packPath("/file"), query, "application/octet-stream")
	if err != nil {
		return 0, err
	}

	start := time.Now()
	resp, err := c.httpClient.Do(req)
	if err != nil {
		return 0, fmt.Errorf("file download failed for %s: %w", relPath, err)
	}
	defer func() {
		_ = resp.Body.Close()
	}()

	if resp.StatusCode != http.StatusOK {
		c.logger.Warn("file download rejected", "path", relPath, "status", resp.StatusCode)
		return 0, &StatusError{Path: relPath, Code: resp.StatusCode}
	}

	var body io.Reader = resp.Body
	if c.limiter != nil {
		body = &throttledReader{ctx: ctx, r: resp.Body, lim: c.limiter}
	}

	n, err := io.Copy(w, body)
	if err != nil {
		return n, fmt.Errorf("file download interrupted for %s: %w", relPath, err)
	}

	took := time.Since(start)
	c.logger.Debug("downloaded file",
		"path", relPath,
		"size", humanize.Bytes(uint64(n)),
		"took", took.Round(time.Millisecond),
		"rate", humanize.Bytes(uint64(float64(n)/max(took.Seconds(), 0.001)))+"/s")
	return n, nil
}

// throttledReader waits on a shared limiter for every chunk it reads.
type throttledReader struct {
	ctx context.Context
	r   io.Reader
	lim *rate.Limiter
}

func (t *throttledReader) Read(p []byte) (int, error) {
	// WaitN rejects requests larger than the burst.
	if burst := t.lim.Burst(); len(p) > burst {
		p = p[:burst]
	}
	n, err := t.r.Read(p)
	if n > 0 {
		if werr := t.lim.WaitN(t.ctx, n); werr != nil {
			return n, werr
		}
	}
	return n, err
}
