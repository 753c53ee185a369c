/**
 * Multilingual OCR server client
 *
 * Talks to the optional self-hosted multilingual engine. The server is probed
 * with GET /healthz under a short timeout; the probe result is cached so an
 * absent server costs at most one probe per cache window.
 */

package clients

import (
	"bytes"
	"context"
	"encoding/base64"
	"encoding/json"
	stderrors "errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"sync"
	"time"

	ocrerrors "github.com/adverant/nexus/ocr-orchestrator/internal/errors"
	"github.com/adverant/nexus/ocr-orchestrator/internal/logging"
)

// MultilingualRequest is a recognition request to the server
type MultilingualRequest struct {
	Image        string   `json:"image"` // Base64 encoded image
	Languages    []string `json:"languages,omitempty"`
	DetectLayout bool     `json:"detect_layout"`
	Model        string   `json:"model,omitempty"`
}

// MultilingualLine is one line reported by the server
type MultilingualLine struct {
	Text       string   `json:"text"`
	Confidence float64  `json:"confidence"` // 0-1
	Polygon    [][2]int `json:"polygon,omitempty"`
	BBox       [4]int   `json:"bbox"` // x1, y1, x2, y2
}

// MultilingualResponse is the server's recognition result
type MultilingualResponse struct {
	Text       string             `json:"text"`
	Confidence float64            `json:"confidence"` // 0-1
	Model      string             `json:"model"`
	Language   string             `json:"language"`
	Lines      []MultilingualLine `json:"lines"`
}

// MultilingualClient handles communication with the multilingual server
type MultilingualClient struct {
	baseURL      string
	httpClient   *http.Client
	probeTimeout time.Duration
	cacheTTL     time.Duration
	logger       *logging.Logger

	mu        sync.Mutex
	healthy   bool
	checkedAt time.Time
	now       func() time.Time
}

// NewMultilingualClient creates a client. An empty baseURL means "not deployed".
func NewMultilingualClient(baseURL string, requestTimeout, probeTimeout, cacheTTL time.Duration) *MultilingualClient {
	return &MultilingualClient{
		baseURL: strings.TrimRight(baseURL, "/"),
		httpClient: &http.Client{
			Timeout: requestTimeout,
		},
		probeTimeout: probeTimeout,
		cacheTTL:     cacheTTL,
		logger:       logging.NewLogger("MultilingualClient"),
		now:          time.Now,
	}
}

// Configured reports whether a server URL is set
func (c *MultilingualClient) Configured() bool {
	return c.baseURL != ""
}

// Healthy probes /healthz, reusing a cached result inside the cache window.
// Any non-2xx or timeout counts as offline.
func (c *MultilingualClient) Healthy(ctx context.Context) bool {
	if !c.Configured() {
		return false
	}

	c.mu.Lock()
	if !c.checkedAt.IsZero() && c.now().Sub(c.checkedAt) < c.cacheTTL {
		healthy := c.healthy
		c.mu.Unlock()
		return healthy
	}
	c.mu.Unlock()

	healthy := c.probe(ctx)
	if ctx.Err() != nil {
		// the caller gave up; the probe says nothing about the server
		return healthy
	}

	c.mu.Lock()
	c.healthy = healthy
	c.checkedAt = c.now()
	c.mu.Unlock()

	if !healthy {
		c.logger.Warn("Multilingual server offline", "baseUrl", c.baseURL)
	}
	return healthy
}

// MarkOffline forces the next Healthy call inside the window to report offline
func (c *MultilingualClient) MarkOffline() {
	c.mu.Lock()
	c.healthy = false
	c.checkedAt = c.now()
	c.mu.Unlock()
}

func (c *MultilingualClient) probe(ctx context.Context) bool {
	ctx, cancel := context.WithTimeout(ctx, c.probeTimeout)
	defer cancel()

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL+"/healthz", nil)
	if err != nil {
		return false
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return false
	}
	defer resp.Body.Close()
	io.Copy(io.Discard, resp.Body)

	return resp.StatusCode >= 200 && resp.StatusCode < 300
}

// Recognize sends one image to the server
func (c *MultilingualClient) Recognize(ctx context.Context, provider string, image []byte, languages []string, model string) (*MultilingualResponse, error) {
	payload, err := json.Marshal(&MultilingualRequest{
		Image:        base64.StdEncoding.EncodeToString(image),
		Languages:    languages,
		DetectLayout: true,
		Model:        model,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to marshal request: %w", err)
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+"/ocr", bytes.NewReader(payload))
	if err != nil {
		return nil, fmt.Errorf("failed to create request: %w", err)
	}
	httpReq.Header.Set("Content-Type", "application/json")

	start := time.Now()
	resp, err := c.httpClient.Do(httpReq)
	if err != nil {
		if stderrors.Is(ctx.Err(), context.Canceled) {
			return nil, fmt.Errorf("multilingual call abandoned: %w", ctx.Err())
		}
		if stderrors.Is(err, context.DeadlineExceeded) || stderrors.Is(ctx.Err(), context.DeadlineExceeded) {
			return nil, ocrerrors.NewNetworkTimeoutError(provider, time.Since(start), err)
		}
		return nil, ocrerrors.NewServerUnreachableError(provider, c.baseURL, err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("failed to read response: %w", err)
	}

	switch {
	case resp.StatusCode == http.StatusUnprocessableEntity:
		return nil, ocrerrors.NewUnsupportedLanguageError(provider, strings.Join(languages, "+"))
	case resp.StatusCode == http.StatusTooManyRequests:
		return nil, ocrerrors.NewRateLimitedError(provider, "server")
	case resp.StatusCode == http.StatusBadGateway || resp.StatusCode == http.StatusServiceUnavailable:
		return nil, ocrerrors.NewServerUnreachableError(provider, c.baseURL, fmt.Errorf("status %d", resp.StatusCode))
	case resp.StatusCode < 200 || resp.StatusCode >= 300:
		return nil, ocrerrors.NewProviderFailedError(provider, fmt.Errorf("multilingual server returned status %d: %s", resp.StatusCode, truncate(string(body), 256)))
	}

	var result MultilingualResponse
	if err := json.Unmarshal(body, &result); err != nil {
		return nil, ocrerrors.NewProviderFailedError(provider, fmt.Errorf("failed to parse response: %w", err))
	}

	return &result, nil
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n]
}
