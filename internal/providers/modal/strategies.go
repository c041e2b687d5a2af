package modal

import (
	"context"
	"encoding/base64"
	"errors"
	"fmt"
	"net/url"
	"strings"
)

// artifact is what a strategy extracts: inline bytes or a URL to fetch.
type artifact struct {
	data []byte
	url  string
}

// responseStrategy recognizes one response shape. ok=false means the shape
// does not apply and the next strategy is tried.
type responseStrategy struct {
	name  string
	apply func(resp *upstreamResponse) (artifact, bool, error)
}

// responseStrategies is evaluated top to bottom; the first match wins.
var responseStrategies = []responseStrategy{
	{name: "nested_artifact_url", apply: nestedArtifactURL},
	{name: "flat_url", apply: flatURL},
	{name: "inline_base64", apply: inlineBase64},
	{name: "binary_body", apply: binaryBody},
}

var (
	nestedURLFields = []string{"glb_url", "model_url"}
	flatURLFields   = []string{"glb_url", "url", "output_url", "model_url"}
	base64Fields    = []string{"glb_base64", "model_base64", "data"}
	binaryTypes     = []string{"model/gltf-binary", "application/octet-stream"}
)

var errMissingPayload = errors.New("response JSON missing GLB payload")

func nestedArtifactURL(resp *upstreamResponse) (artifact, bool, error) {
	if !resp.isJSON() {
		return artifact{}, false, nil
	}
	nested, _ := resp.JSON()["artifacts"].(map[string]any)
	if v := firstString(nested, nestedURLFields); v != "" {
		return artifact{url: v}, true, nil
	}
	return artifact{}, false, nil
}

func flatURL(resp *upstreamResponse) (artifact, bool, error) {
	if !resp.isJSON() {
		return artifact{}, false, nil
	}
	if v := firstString(resp.JSON(), flatURLFields); v != "" {
		return artifact{url: v}, true, nil
	}
	return artifact{}, false, nil
}

func inlineBase64(resp *upstreamResponse) (artifact, bool, error) {
	if !resp.isJSON() {
		return artifact{}, false, nil
	}
	v := firstString(resp.JSON(), base64Fields)
	if v == "" {
		return artifact{}, false, nil
	}
	data, err := decodeBase64(v)
	if err != nil {
		return artifact{}, true, fmt.Errorf("modal: decode base64 payload: %w", err)
	}
	return artifact{data: data}, true, nil
}

func binaryBody(resp *upstreamResponse) (artifact, bool, error) {
	for _, t := range binaryTypes {
		if strings.Contains(resp.contentType, t) {
			return artifact{data: resp.body}, true, nil
		}
	}
	return artifact{}, false, nil
}

// resolve runs the strategy list against resp and fetches referenced URLs.
func (c *Client) resolve(ctx context.Context, resp *upstreamResponse) ([]byte, error) {
	for _, s := range responseStrategies {
		found, ok, err := s.apply(resp)
		if err != nil {
			return nil, err
		}
		if !ok {
			continue
		}
		c.logger.Debug().Str("strategy", s.name).Msg("modal: response matched")
		if found.url == "" {
			return found.data, nil
		}
		target, err := resolveURL(resp.requestURL, found.url)
		if err != nil {
			return nil, err
		}
		return c.fetchArtifact(ctx, target)
	}
	if resp.isJSON() {
		return nil, errMissingPayload
	}
	return nil, fmt.Errorf("unexpected response type: %s", resp.contentType)
}

// fetchArtifact downloads a referenced artifact. Only 404 answers are
// retried, at a fixed interval; anything else fails immediately.
func (c *Client) fetchArtifact(ctx context.Context, target string) ([]byte, error) {
	var lastErr error
	for attempt := 1; attempt <= c.fetchAttempts; attempt++ {
		resp, err := c.get(ctx, target)
		if err == nil {
			return resp.body, nil
		}
		var statusErr *StatusError
		if !errors.As(err, &statusErr) || !statusErr.NotFound() {
			return nil, err
		}
		lastErr = err
		if attempt == c.fetchAttempts {
			break
		}
		c.logger.Debug().Str("url", target).Int("attempt", attempt).Msg("modal: artifact not ready")
		if err := c.sleep(ctx, c.fetchBackoff); err != nil {
			return nil, err
		}
	}
	return nil, fmt.Errorf("modal: artifact not available after %d attempts: %w", c.fetchAttempts, lastErr)
}

func resolveURL(base *url.URL, ref string) (string, error) {
	parsed, err := url.Parse(ref)
	if err != nil {
		return "", fmt.Errorf("modal: invalid artifact url %q: %w", ref, err)
	}
	if base == nil {
		return parsed.String(), nil
	}
	return base.ResolveReference(parsed).String(), nil
}

func firstString(m map[string]any, keys []string) string {
	for _, k := range keys {
		if v, ok := m[k].(string); ok && strings.TrimSpace(v) != "" {
			return strings.TrimSpace(v)
		}
	}
	return ""
}

func decodeBase64(v string) ([]byte, error) {
	if data, err := base64.StdEncoding.DecodeString(v); err == nil {
		return data, nil
	}
	return base64.RawStdEncoding.DecodeString(strings.TrimRight(v, "="))
}
