// Package embedding calls an OpenAI-compatible embeddings API.
//
// The client makes exactly one HTTP request per Embed call. Retries belong to
// the job queue and the circuit breaker, so failures are classified instead of
// retried: rate limiting and server errors are transient, other client errors
// are permanent.
package embedding

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"time"
)

const (
	defaultBaseURL  = "https://api.openai.com/v1"
	defaultModel    = "text-embedding-3-small"
	defaultMaxBatch = 2048
	maxErrorBody    = 4 << 10
)

// ErrNoInput is returned when Embed is called without texts.
var ErrNoInput = errors.New("embedding: no texts provided")

// APIError is a non-200 response from the service.
type APIError struct {
	StatusCode int
	Message    string
	// RetryAfter is the server's Retry-After hint, if any.
	RetryAfter time.Duration
}

func (e *APIError) Error() string {
	return fmt.Sprintf("embedding API error (%d): %s", e.StatusCode, e.Message)
}

// Temporary reports whether the request may succeed if retried later.
func (e *APIError) Temporary() bool {
	return e.StatusCode == http.StatusTooManyRequests || e.StatusCode >= 500
}

// IsPermanent reports whether err is an API error that retrying will not fix.
func IsPermanent(err error) bool {
	var apiErr *APIError
	return errors.As(err, &apiErr) && !apiErr.Temporary()
}

// Config configures a Client.
type Config struct {
	// BaseURL is the API root; "/embeddings" is appended.
	// Defaults to "https://api.openai.com/v1".
	BaseURL string `mapstructure:"base_url"`

	APIKey string `mapstructure:"api_key"`

	// Model defaults to "text-embedding-3-small".
	Model string `mapstructure:"model"`

	// Dimensions requests shortened vectors when non-zero.
	Dimensions int `mapstructure:"dimensions"`

	// MaxBatch is the largest number of inputs per request. Defaults to 2048.
	MaxBatch int `mapstructure:"max_batch"`

	// Timeout bounds one request. Defaults to 30s.
	Timeout time.Duration `mapstructure:"timeout"`

	// HTTPClient defaults to a client with Timeout.
	HTTPClient *http.Client `mapstructure:"-"`
}

// Client is safe for concurrent use.
type Client struct {
	cfg    Config
	url    string
	client *http.Client
}

type request struct {
	Input      []string `json:"input"`
	Model      string   `json:"model"`
	Dimensions int      `json:"dimensions,omitempty"`
}

type response struct {
	Data []struct {
		Embedding []float32 `json:"embedding"`
		Index     int       `json:"index"`
	} `json:"data"`
	Usage struct {
		TotalTokens int `json:"total_tokens"`
	} `json:"usage"`
}

type errorBody struct {
	Error struct {
		Message string `json:"message"`
		Type    string `json:"type"`
		Code    string `json:"code"`
	} `json:"error"`
}

// New creates a Client.
func New(cfg Config) *Client {
	if cfg.BaseURL == "" {
		cfg.BaseURL = defaultBaseURL
	}
	if cfg.Model == "" {
		cfg.Model = defaultModel
	}
	if cfg.MaxBatch <= 0 {
		cfg.MaxBatch = defaultMaxBatch
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = 30 * time.Second
	}
	hc := cfg.HTTPClient
	if hc == nil {
		hc = &http.Client{Timeout: cfg.Timeout}
	}
	return &Client{cfg: cfg, url: cfg.BaseURL + "/embeddings", client: hc}
}

// Model returns the configured model name.
func (c *Client) Model() string {
	return c.cfg.Model
}

// Embed returns one vector per text, in input order.
func (c *Client) Embed(ctx context.Context, texts []string) ([][]float32, error) {
	if len(texts) == 0 {
		return nil, ErrNoInput
	}
	if len(texts) > c.cfg.MaxBatch {
		return nil, &APIError{
			StatusCode: http.StatusRequestEntityTooLarge,
			Message:    fmt.Sprintf("batch size %d exceeds limit of %d", len(texts), c.cfg.MaxBatch),
		}
	}

	body, err := json.Marshal(request{Input: texts, Model: c.cfg.Model, Dimensions: c.cfg.Dimensions})
	if err != nil {
		return nil, fmt.Errorf("embedding: marshal request: %w", err)
	}

	ctx, cancel := context.WithTimeout(ctx, c.cfg.Timeout)
	defer cancel()
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.url, bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("embedding: create request: %w", err)
	}
	if c.cfg.APIKey != "" {
		req.Header.Set("Authorization", "Bearer "+c.cfg.APIKey)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("embedding: request failed: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, readAPIError(resp)
	}

	var out response
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		return nil, fmt.Errorf("embedding: decode response: %w", err)
	}
	if len(out.Data) != len(texts) {
		return nil, fmt.Errorf("embedding: expected %d embeddings, got %d", len(texts), len(out.Data))
	}
	vecs := make([][]float32, len(texts))
	for _, d := range out.Data {
		if d.Index < 0 || d.Index >= len(vecs) || vecs[d.Index] != nil {
			return nil, fmt.Errorf("embedding: invalid embedding index %d", d.Index)
		}
		vecs[d.Index] = d.Embedding
	}
	return vecs, nil
}

func readAPIError(resp *http.Response) error {
	raw, _ := io.ReadAll(io.LimitReader(resp.Body, maxErrorBody))
	apiErr := &APIError{StatusCode: resp.StatusCode, Message: string(raw)}
	var eb errorBody
	if json.Unmarshal(raw, &eb) == nil && eb.Error.Message != "" {
		apiErr.Message = eb.Error.Message
	}
	if s := resp.Header.Get("Retry-After"); s != "" {
		if secs, err := strconv.Atoi(s); err == nil && secs > 0 {
			apiErr.RetryAfter = time.Duration(secs) * time.Second
		} else if at, err := http.ParseTime(s); err == nil {
			apiErr.RetryAfter = max(time.Until(at), 0)
		}
	}
	return apiErr
}
