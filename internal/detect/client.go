package detect

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"mime/multipart"
	"net/http"
	"net/textproto"
	"strings"
	"sync/atomic"
	"time"

	"github.com/audiolibrelab/clapcount/internal/audio"
	"github.com/audiolibrelab/clapcount/internal/config"
)

// ErrInFlight is returned by TrySubmit while a previous chunk is still being scored
var ErrInFlight = errors.New("detection request already in flight")

// Result is the scoring service's verdict for one chunk
type Result struct {
	ClapDetected bool               `json:"clapDetected"`
	Score        float64            `json:"score"`
	Method       string             `json:"method,omitempty"`
	Features     map[string]float64 `json:"features,omitempty"`
}

// IsCandidate reports whether a result counts as a clap at the given threshold
func IsCandidate(r Result, threshold float64) bool {
	return r.ClapDetected && r.Score > threshold
}

// TransportError covers network failures and non-2xx responses
type TransportError struct {
	StatusCode int
	Message    string
	Err        error
}

func (e *TransportError) Error() string {
	if e.StatusCode != 0 {
		if e.Message != "" {
			return fmt.Sprintf("detection service returned HTTP %d: %s", e.StatusCode, e.Message)
		}
		return fmt.Sprintf("detection service returned HTTP %d", e.StatusCode)
	}
	return fmt.Sprintf("detection request failed: %v", e.Err)
}

func (e *TransportError) Unwrap() error { return e.Err }

// MalformedResponseError is returned when a 2xx body lacks the expected fields
type MalformedResponseError struct {
	Body string
	Err  error
}

func (e *MalformedResponseError) Error() string {
	return fmt.Sprintf("malformed detection response: %v", e.Err)
}

func (e *MalformedResponseError) Unwrap() error { return e.Err }

// Options configures a Client
type Options struct {
	Endpoint   string
	FieldName  string
	Timeout    time.Duration
	HTTPClient *http.Client
}

// Client submits audio chunks to the clap scoring service
type Client struct {
	endpoint   string
	fieldName  string
	httpClient *http.Client

	inFlight atomic.Bool
}

// NewClient creates a client for the detection section of a resolved profile
func NewClient(cfg *config.Config) *Client {
	return NewClientWithOptions(Options{
		Endpoint:  cfg.Detection.Endpoint,
		FieldName: cfg.Detection.FieldName,
		Timeout:   cfg.DetectionTimeout(),
	})
}

// NewClientWithOptions creates a client with explicit options
func NewClientWithOptions(opts Options) *Client {
	if opts.FieldName == "" {
		opts.FieldName = config.DefaultFieldName
	}
	if opts.Timeout <= 0 {
		opts.Timeout = 5 * time.Second
	}
	httpClient := opts.HTTPClient
	if httpClient == nil {
		httpClient = &http.Client{Timeout: opts.Timeout}
	}
	return &Client{
		endpoint:   opts.Endpoint,
		fieldName:  opts.FieldName,
		httpClient: httpClient,
	}
}

// Endpoint returns the detection URL
func (c *Client) Endpoint() string {
	return c.endpoint
}

// InFlight reports whether a TrySubmit submission is pending
func (c *Client) InFlight() bool {
	return c.inFlight.Load()
}

// TrySubmit scores chunk in the background and hands the outcome to deliver.
// While a submission is pending new chunks are rejected with ErrInFlight. The
// flag is cleared after deliver returns, whatever the outcome, so results are
// delivered in submission order.
func (c *Client) TrySubmit(ctx context.Context, chunk audio.Chunk, deliver func(Result, error)) error {
	if !c.inFlight.CompareAndSwap(false, true) {
		return ErrInFlight
	}

	go func() {
		defer c.inFlight.Store(false)
		result, err := c.Submit(ctx, chunk)
		deliver(result, err)
	}()
	return nil
}

// Submit posts one chunk and decodes the verdict. There is no retry.
func (c *Client) Submit(ctx context.Context, chunk audio.Chunk) (Result, error) {
	body, contentType, err := c.multipartBody(chunk)
	if err != nil {
		return Result{}, err
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.endpoint, body)
	if err != nil {
		return Result{}, fmt.Errorf("failed to create detection request: %w", err)
	}
	req.Header.Set("Content-Type", contentType)
	req.Header.Set("Accept", "application/json")

	start := time.Now()
	resp, err := c.httpClient.Do(req)
	if err != nil {
		return Result{}, &TransportError{Err: err}
	}
	defer resp.Body.Close()

	raw, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return Result{}, &TransportError{StatusCode: resp.StatusCode, Err: err}
	}

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return Result{}, &TransportError{StatusCode: resp.StatusCode, Message: errorMessage(raw)}
	}

	result, err := decodeResult(raw)
	if err != nil {
		return Result{}, err
	}

	slog.Debug("Chunk scored",
		"session", chunk.SessionID,
		"seq", chunk.Seq,
		"clap", result.ClapDetected,
		"score", result.Score,
		"took", time.Since(start))
	return result, nil
}

func (c *Client) multipartBody(chunk audio.Chunk) (io.Reader, string, error) {
	var buf bytes.Buffer
	writer := multipart.NewWriter(&buf)

	filename := chunk.Filename
	if filename == "" {
		filename = "audio.webm"
	}
	contentType := chunk.ContentType
	if contentType == "" {
		contentType = "application/octet-stream"
	}

	header := make(textproto.MIMEHeader)
	header.Set("Content-Disposition", fmt.Sprintf(`form-data; name=%q; filename=%q`, c.fieldName, filename))
	header.Set("Content-Type", contentType)

	part, err := writer.CreatePart(header)
	if err != nil {
		return nil, "", fmt.Errorf("failed to create multipart part: %w", err)
	}
	if _, err := part.Write(chunk.Data); err != nil {
		return nil, "", fmt.Errorf("failed to write audio part: %w", err)
	}
	if err := writer.Close(); err != nil {
		return nil, "", fmt.Errorf("failed to finish multipart body: %w", err)
	}
	return &buf, writer.FormDataContentType(), nil
}

// wireResult uses pointers so missing fields can be told apart from zero values
type wireResult struct {
	ClapDetected *bool              `json:"clapDetected"`
	Score        *float64           `json:"score"`
	Method       string             `json:"method"`
	Features     map[string]float64 `json:"features"`
}

func decodeResult(raw []byte) (Result, error) {
	var wire wireResult
	if err := json.Unmarshal(raw, &wire); err != nil {
		return Result{}, &MalformedResponseError{Body: truncate(raw), Err: err}
	}

	var missing []string
	if wire.ClapDetected == nil {
		missing = append(missing, "clapDetected")
	}
	if wire.Score == nil {
		missing = append(missing, "score")
	}
	if len(missing) > 0 {
		return Result{}, &MalformedResponseError{
			Body: truncate(raw),
			Err:  fmt.Errorf("missing field(s) %s", strings.Join(missing, ", ")),
		}
	}

	return Result{
		ClapDetected: *wire.ClapDetected,
		Score:        *wire.Score,
		Method:       wire.Method,
		Features:     wire.Features,
	}, nil
}

// errorMessage extracts {"error": "..."} from a failed response
func errorMessage(raw []byte) string {
	var body struct {
		Error string `json:"error"`
	}
	if err := json.Unmarshal(raw, &body); err == nil && body.Error != "" {
		return body.Error
	}
	return truncate(raw)
}

func truncate(raw []byte) string {
	s := strings.TrimSpace(string(raw))
	if len(s) > 200 {
		return s[:200] + "..."
	}
	return s
}
