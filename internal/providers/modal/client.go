package modal

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"mime"
	"mime/multipart"
	"net/http"
	"net/textproto"
	"net/url"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"

	"github.com/rs/zerolog"

	"r2v/internal/infra"
)

// ErrNotConfigured is returned by every call when no base URL is set.
var ErrNotConfigured = errors.New("model API URL is not configured")

// Fallback prompt paths tried, in order, after the configured one 404s.
var promptFallbackPaths = []string{"generate-from-text", "text-to-3d"}

const (
	defaultFetchAttempts = 5
	defaultFetchBackoff  = 2 * time.Second
	maxArtifactBytes     = 1 << 30
	maxErrorBody         = 512
)

// Options configures the 3D compute client.
type Options struct {
	BaseURL         string
	ImageTo3DPath   string
	PromptTo3DPath  string
	ReconstructPath string
	HTTPClient      *http.Client
	Logger          *infra.Logger
	RequestTimeout  time.Duration
	// FetchAttempts bounds retries of a referenced artifact URL that answers
	// 404 while the upstream is still producing it.
	FetchAttempts int
	FetchBackoff  time.Duration
	// MaxResponseBytes caps a response body. Larger answers fail instead of
	// being truncated. Defaults to 1 GiB.
	MaxResponseBytes int64
	// Sleep waits between fetch attempts; tests replace it.
	Sleep func(ctx context.Context, d time.Duration) error
}

// Client calls the external image-to-3D, prompt-to-3D and reconstruction
// endpoints and normalizes their heterogeneous responses to GLB bytes.
type Client struct {
	baseURL         string
	imageTo3DPath   string
	promptTo3DPath  string
	reconstructPath string
	httpClient      *http.Client
	logger          *infra.Logger
	fetchAttempts   int
	fetchBackoff    time.Duration
	maxBytes        int64
	sleep           func(ctx context.Context, d time.Duration) error
}

// StatusError is a non-2xx answer from the compute service.
type StatusError struct {
	URL        string
	StatusCode int
	Body       string
}

func (e *StatusError) Error() string {
	if e.Body == "" {
		return fmt.Sprintf("modal: status %d from %s", e.StatusCode, e.URL)
	}
	return fmt.Sprintf("modal: status %d from %s: %s", e.StatusCode, e.URL, e.Body)
}

// NotFound reports a 404 answer.
func (e *StatusError) NotFound() bool {
	return e.StatusCode == http.StatusNotFound
}

// NewClient constructs a client with sane defaults and injected dependencies.
func NewClient(opts Options) *Client {
	httpClient := opts.HTTPClient
	if httpClient == nil {
		timeout := opts.RequestTimeout
		if timeout <= 0 {
			timeout = 10 * time.Minute
		}
		httpClient = &http.Client{Timeout: timeout}
	}
	var logger *infra.Logger
	if opts.Logger != nil {
		logger = opts.Logger
	} else {
		discard := zerolog.New(io.Discard)
		logger = &discard
	}
	attempts := opts.FetchAttempts
	if attempts <= 0 {
		attempts = defaultFetchAttempts
	}
	backoff := opts.FetchBackoff
	if backoff < 0 {
		backoff = 0
	} else if backoff == 0 {
		backoff = defaultFetchBackoff
	}
	maxBytes := opts.MaxResponseBytes
	if maxBytes <= 0 {
		maxBytes = maxArtifactBytes
	}
	sleep := opts.Sleep
	if sleep == nil {
		sleep = sleepContext
	}
	return &Client{
		baseURL:         strings.TrimRight(strings.TrimSpace(opts.BaseURL), "/"),
		imageTo3DPath:   orDefault(opts.ImageTo3DPath, "image-to-3d"),
		promptTo3DPath:  strings.TrimSpace(opts.PromptTo3DPath),
		reconstructPath: orDefault(opts.ReconstructPath, "reconstruct"),
		httpClient:      httpClient,
		logger:          logger,
		fetchAttempts:   attempts,
		fetchBackoff:    backoff,
		maxBytes:        maxBytes,
		sleep:           sleep,
	}
}

// Configured reports whether a base URL was provided.
func (c *Client) Configured() bool {
	return c.baseURL != ""
}

// ImageTo3D uploads the image as multipart field "file" and returns GLB bytes.
func (c *Client) ImageTo3D(ctx context.Context, imagePath string) ([]byte, error) {
	if !c.Configured() {
		return nil, ErrNotConfigured
	}
	body, contentType, err := multipartFiles("file", []string{imagePath})
	if err != nil {
		return nil, err
	}
	resp, err := c.post(ctx, c.endpoint(c.imageTo3DPath), contentType, body)
	if err != nil {
		return nil, err
	}
	return c.resolve(ctx, resp)
}

// PromptTo3D posts {"prompt": ...} to the configured path, falling back to
// the well-known alternates while the service answers 404.
func (c *Client) PromptTo3D(ctx context.Context, prompt string) ([]byte, error) {
	if !c.Configured() {
		return nil, ErrNotConfigured
	}
	payload, err := json.Marshal(map[string]string{"prompt": prompt})
	if err != nil {
		return nil, fmt.Errorf("modal: encode prompt: %w", err)
	}
	var lastErr error
	for _, endpoint := range c.promptEndpoints() {
		resp, err := c.post(ctx, endpoint, "application/json", payload)
		if err != nil {
			var statusErr *StatusError
			if errors.As(err, &statusErr) && statusErr.NotFound() {
				c.logger.Debug().Str("endpoint", endpoint).Msg("modal: prompt endpoint not found, trying next")
				lastErr = fmt.Errorf("prompt endpoint not found: %s: %w", endpoint, err)
				continue
			}
			return nil, err
		}
		return c.resolve(ctx, resp)
	}
	if lastErr == nil {
		lastErr = errors.New("modal: no prompt endpoint configured")
	}
	return nil, lastErr
}

// Reconstruct uploads every regular file of inputsDir as multipart field
// "files" and returns the reconstructed GLB.
func (c *Client) Reconstruct(ctx context.Context, inputsDir string) ([]byte, error) {
	if !c.Configured() {
		return nil, ErrNotConfigured
	}
	entries, err := os.ReadDir(inputsDir)
	if err != nil {
		return nil, fmt.Errorf("modal: read inputs: %w", err)
	}
	var paths []string
	for _, entry := range entries {
		if entry.Type().IsRegular() {
			paths = append(paths, filepath.Join(inputsDir, entry.Name()))
		}
	}
	if len(paths) == 0 {
		return nil, errors.New("no input images to reconstruct")
	}
	sort.Strings(paths)
	body, contentType, err := multipartFiles("files", paths)
	if err != nil {
		return nil, err
	}
	resp, err := c.post(ctx, c.endpoint(c.reconstructPath), contentType, body)
	if err != nil {
		return nil, err
	}
	return c.resolve(ctx, resp)
}

func (c *Client) promptEndpoints() []string {
	candidates := append([]string{c.promptTo3DPath}, promptFallbackPaths...)
	seen := make(map[string]struct{}, len(candidates))
	endpoints := make([]string, 0, len(candidates))
	for _, p := range candidates {
		p = strings.TrimLeft(strings.TrimSpace(p), "/")
		if p == "" {
			continue
		}
		if _, ok := seen[p]; ok {
			continue
		}
		seen[p] = struct{}{}
		endpoints = append(endpoints, c.endpoint(p))
	}
	return endpoints
}

func (c *Client) endpoint(path string) string {
	return c.baseURL + "/" + strings.TrimLeft(path, "/")
}

// upstreamResponse is a successful answer, kept in memory for the parsing
// strategies.
type upstreamResponse struct {
	requestURL  *url.URL
	contentType string
	body        []byte

	decoded bool
	payload map[string]any
}

// JSON lazily decodes the body; non-object bodies yield nil.
func (r *upstreamResponse) JSON() map[string]any {
	if !r.decoded {
		r.decoded = true
		_ = json.Unmarshal(r.body, &r.payload)
	}
	return r.payload
}

func (r *upstreamResponse) isJSON() bool {
	return strings.Contains(r.contentType, "application/json")
}

func (c *Client) post(ctx context.Context, endpoint, contentType string, body []byte) (*upstreamResponse, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, endpoint, bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("modal: build request: %w", err)
	}
	req.Header.Set("Content-Type", contentType)
	req.Header.Set("Accept", "application/json, model/gltf-binary, application/octet-stream")
	return c.do(req)
}

func (c *Client) get(ctx context.Context, rawURL string) (*upstreamResponse, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, rawURL, nil)
	if err != nil {
		return nil, fmt.Errorf("modal: build request: %w", err)
	}
	return c.do(req)
}

func (c *Client) do(req *http.Request) (*upstreamResponse, error) {
	start := time.Now()
	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("modal: http request: %w", err)
	}
	defer resp.Body.Close()

	raw, err := io.ReadAll(io.LimitReader(resp.Body, c.maxBytes+1))
	if err != nil {
		return nil, fmt.Errorf("modal: read response: %w", err)
	}
	if int64(len(raw)) > c.maxBytes {
		return nil, fmt.Errorf("modal: response from %s exceeds %d bytes", req.URL.String(), c.maxBytes)
	}
	c.logger.Debug().
		Str("method", req.Method).
		Str("url", req.URL.String()).
		Int("status", resp.StatusCode).
		Dur("took", time.Since(start)).
		Msg("modal: call")

	if resp.StatusCode >= 300 {
		snippet := strings.TrimSpace(string(raw))
		if len(snippet) > maxErrorBody {
			snippet = snippet[:maxErrorBody]
		}
		return nil, &StatusError{URL: req.URL.String(), StatusCode: resp.StatusCode, Body: snippet}
	}
	return &upstreamResponse{
		requestURL:  req.URL,
		contentType: strings.ToLower(resp.Header.Get("Content-Type")),
		body:        raw,
	}, nil
}

func multipartFiles(field string, paths []string) ([]byte, string, error) {
	var buf bytes.Buffer
	writer := multipart.NewWriter(&buf)
	for _, p := range paths {
		data, err := os.ReadFile(p)
		if err != nil {
			return nil, "", fmt.Errorf("modal: read %s: %w", filepath.Base(p), err)
		}
		header := make(textproto.MIMEHeader)
		header.Set("Content-Disposition", fmt.Sprintf(`form-data; name=%q; filename=%q`, field, filepath.Base(p)))
		header.Set("Content-Type", contentTypeFor(p))
		part, err := writer.CreatePart(header)
		if err != nil {
			return nil, "", fmt.Errorf("modal: build multipart: %w", err)
		}
		if _, err := part.Write(data); err != nil {
			return nil, "", fmt.Errorf("modal: build multipart: %w", err)
		}
	}
	if err := writer.Close(); err != nil {
		return nil, "", fmt.Errorf("modal: build multipart: %w", err)
	}
	return buf.Bytes(), writer.FormDataContentType(), nil
}

func contentTypeFor(p string) string {
	if ct := mime.TypeByExtension(strings.ToLower(filepath.Ext(p))); ct != "" {
		return ct
	}
	return "image/png"
}

func orDefault(v, fallback string) string {
	if v = strings.TrimSpace(v); v != "" {
		return v
	}
	return fallback
}

func sleepContext(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}
