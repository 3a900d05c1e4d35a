package detect

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"

	"github.com/audiolibrelab/clapcount/internal/audio"
)

// Health is the detection service's self-report
type Health struct {
	Status      string `json:"status"`
	Method      string `json:"method"`
	Description string `json:"description"`
}

// Analysis is the feature breakdown returned by the service's features endpoint
type Analysis struct {
	Features map[string]float64 `json:"features"`
	Analysis map[string]string  `json:"analysis"`
}

// siblingURL swaps the path of the detection endpoint for another /api route
func (c *Client) siblingURL(path string) (string, error) {
	u, err := url.Parse(c.endpoint)
	if err != nil {
		return "", fmt.Errorf("invalid detection endpoint %q: %w", c.endpoint, err)
	}
	u.Path = path
	u.RawQuery = ""
	return u.String(), nil
}

// Health probes GET /api/health on the detection host
func (c *Client) Health(ctx context.Context) (Health, error) {
	healthURL, err := c.siblingURL("/api/health")
	if err != nil {
		return Health{}, err
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, healthURL, nil)
	if err != nil {
		return Health{}, fmt.Errorf("failed to create health request: %w", err)
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return Health{}, &TransportError{Err: err}
	}
	defer resp.Body.Close()

	raw, err := io.ReadAll(io.LimitReader(resp.Body, 64<<10))
	if err != nil {
		return Health{}, &TransportError{StatusCode: resp.StatusCode, Err: err}
	}
	if resp.StatusCode != http.StatusOK {
		return Health{}, &TransportError{StatusCode: resp.StatusCode, Message: errorMessage(raw)}
	}

	var health Health
	if err := json.Unmarshal(raw, &health); err != nil {
		return Health{}, &MalformedResponseError{Body: truncate(raw), Err: err}
	}
	return health, nil
}

// Analyze posts a chunk to POST /api/features without asking for a verdict
func (c *Client) Analyze(ctx context.Context, chunk audio.Chunk) (Analysis, error) {
	featuresURL, err := c.siblingURL("/api/features")
	if err != nil {
		return Analysis{}, err
	}

	body, contentType, err := c.multipartBody(chunk)
	if err != nil {
		return Analysis{}, err
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, featuresURL, body)
	if err != nil {
		return Analysis{}, fmt.Errorf("failed to create features request: %w", err)
	}
	req.Header.Set("Content-Type", contentType)

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return Analysis{}, &TransportError{Err: err}
	}
	defer resp.Body.Close()

	raw, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return Analysis{}, &TransportError{StatusCode: resp.StatusCode, Err: err}
	}
	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return Analysis{}, &TransportError{StatusCode: resp.StatusCode, Message: errorMessage(raw)}
	}

	var analysis Analysis
	if err := json.Unmarshal(raw, &analysis); err != nil {
		return Analysis{}, &MalformedResponseError{Body: truncate(raw), Err: err}
	}
	if analysis.Features == nil {
		return Analysis{}, &MalformedResponseError{Body: truncate(raw), Err: fmt.Errorf("missing field features")}
	}
	return analysis, nil
}
