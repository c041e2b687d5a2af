package imagesynth

import (
	"bytes"
	"context"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/rs/zerolog"

	"r2v/internal/infra"
)

// ErrNotConfigured is returned when no image API URL is set.
var ErrNotConfigured = errors.New("image API URL is not configured")

const maxImageBytes = 64 << 20

// Options configures the text-to-image client.
type Options struct {
	BaseURL        string
	HTTPClient     *http.Client
	Logger         *infra.Logger
	RequestTimeout time.Duration
}

// Client turns a prompt into a reference image.
type Client struct {
	baseURL    string
	httpClient *http.Client
	logger     *infra.Logger
}

type synthResponse struct {
	ImageBase64 string `json:"image_base64"`
	ImageURL    string `json:"image_url"`
	MIME        string `json:"mime"`
}

// NewClient constructs a client with sane defaults and injected dependencies.
func NewClient(opts Options) *Client {
	httpClient := opts.HTTPClient
	if httpClient == nil {
		timeout := opts.RequestTimeout
		if timeout <= 0 {
			timeout = 120 * time.Second
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
	return &Client{
		baseURL:    strings.TrimSpace(opts.BaseURL),
		httpClient: httpClient,
		logger:     logger,
	}
}

// Synthesize posts {"prompt": ...} and accepts either raw image bytes or a
// JSON body carrying image_base64 or image_url.
func (c *Client) Synthesize(ctx context.Context, prompt string) ([]byte, string, error) {
	if c.baseURL == "" {
		return nil, "", ErrNotConfigured
	}
	payload, err := json.Marshal(map[string]string{"prompt": prompt})
	if err != nil {
		return nil, "", fmt.Errorf("imagesynth: encode prompt: %w", err)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL, bytes.NewReader(payload))
	if err != nil {
		return nil, "", fmt.Errorf("imagesynth: build request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Accept", "image/*, application/json")

	start := time.Now()
	body, contentType, err := c.do(req)
	if err != nil {
		return nil, "", err
	}
	c.logger.Debug().Str("content_type", contentType).Dur("took", time.Since(start)).Msg("imagesynth: response")

	if strings.HasPrefix(contentType, "image/") {
		return body, contentType, nil
	}
	if !strings.Contains(contentType, "application/json") {
		return nil, "", fmt.Errorf("imagesynth: unexpected response type: %s", contentType)
	}
	var decoded synthResponse
	if err := json.Unmarshal(body, &decoded); err != nil {
		return nil, "", fmt.Errorf("imagesynth: decode response: %w", err)
	}
	mimeType := strings.TrimSpace(decoded.MIME)
	if mimeType == "" {
		mimeType = "image/png"
	}
	switch {
	case decoded.ImageBase64 != "":
		data, err := base64.StdEncoding.DecodeString(decoded.ImageBase64)
		if err != nil {
			return nil, "", fmt.Errorf("imagesynth: decode image_base64: %w", err)
		}
		return data, mimeType, nil
	case decoded.ImageURL != "":
		return c.fetch(ctx, req.URL, decoded.ImageURL, mimeType)
	default:
		return nil, "", errors.New("imagesynth: response JSON missing image payload")
	}
}

func (c *Client) fetch(ctx context.Context, base *url.URL, ref, fallbackMIME string) ([]byte, string, error) {
	parsed, err := url.Parse(ref)
	if err != nil {
		return nil, "", fmt.Errorf("imagesynth: invalid image url %q: %w", ref, err)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, base.ResolveReference(parsed).String(), nil)
	if err != nil {
		return nil, "", fmt.Errorf("imagesynth: build request: %w", err)
	}
	body, contentType, err := c.do(req)
	if err != nil {
		return nil, "", err
	}
	if !strings.HasPrefix(contentType, "image/") {
		contentType = fallbackMIME
	}
	return body, contentType, nil
}

func (c *Client) do(req *http.Request) ([]byte, string, error) {
	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, "", fmt.Errorf("imagesynth: http request: %w", err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(io.LimitReader(resp.Body, maxImageBytes))
	if err != nil {
		return nil, "", fmt.Errorf("imagesynth: read response: %w", err)
	}
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		snippet := strings.TrimSpace(string(body))
		if len(snippet) > 512 {
			snippet = snippet[:512]
		}
		return nil, "", fmt.Errorf("imagesynth: status %d: %s", resp.StatusCode, snippet)
	}
	contentType := strings.ToLower(strings.TrimSpace(resp.Header.Get("Content-Type")))
	if i := strings.Index(contentType, ";"); i >= 0 {
		contentType = strings.TrimSpace(contentType[:i])
	}
	return body, contentType, nil
}
