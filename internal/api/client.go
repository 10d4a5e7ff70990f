// Package api is the request/response client for the chat service REST API.
// Every call carries the session bearer token when one is set. Non-2xx
// responses are returned as *Error with the server's message.
package api

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"mime/multipart"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"time"

	"github.com/whisper/rooms-client/internal/metrics"
)

// ErrUnauthorized matches any *Error with status 401.
var ErrUnauthorized = errors.New("api: unauthorized")

// Error is a non-2xx response from the service.
type Error struct {
	Endpoint string
	Status   int
	Message  string
}

func (e *Error) Error() string {
	if e.Message != "" {
		return fmt.Sprintf("api: %s: %d %s", e.Endpoint, e.Status, e.Message)
	}
	return fmt.Sprintf("api: %s: %d %s", e.Endpoint, e.Status, http.StatusText(e.Status))
}

// Is lets errors.Is(err, ErrUnauthorized) match 401 responses.
func (e *Error) Is(target error) bool {
	return target == ErrUnauthorized && e.Status == http.StatusUnauthorized
}

// Config holds API client settings.
type Config struct {
	BaseURL string        // http://localhost:4000/api
	Timeout time.Duration // per request
}

// DefaultConfig returns sensible defaults.
func DefaultConfig() Config {
	return Config{
		BaseURL: "http://localhost:4000/api",
		Timeout: 15 * time.Second,
	}
}

// BaseFromRoot derives the API base from a server root such as
// "http://localhost:4000/", trimming trailing slashes and appending /api.
func BaseFromRoot(root string) string {
	return strings.TrimRight(root, "/") + "/api"
}

// Client is safe for concurrent use.
type Client struct {
	base string
	http *http.Client

	mu    sync.RWMutex
	token string
}

// New creates a Client for config.
func New(config Config) *Client {
	return &Client{
		base: strings.TrimRight(config.BaseURL, "/"),
		http: &http.Client{Timeout: config.Timeout},
	}
}

// SetToken sets the bearer token sent with every request. An empty token
// disables the Authorization header.
func (c *Client) SetToken(token string) {
	c.mu.Lock()
	c.token = token
	c.mu.Unlock()
}

// Token returns the current bearer token.
func (c *Client) Token() string {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.token
}

// do performs one request. endpoint is the metrics label; body, if non-nil,
// is JSON encoded unless it is already an io.Reader with contentType set.
func (c *Client) do(ctx context.Context, method, endpoint, path string, body io.Reader, contentType string, out interface{}) error {
	start := time.Now()
	err := c.roundTrip(ctx, method, endpoint, path, body, contentType, out)
	metrics.RequestLatency.WithLabelValues(endpoint).Observe(time.Since(start).Seconds())
	if err != nil {
		metrics.RequestErrors.WithLabelValues(endpoint).Inc()
	}
	return err
}

func (c *Client) roundTrip(ctx context.Context, method, endpoint, path string, body io.Reader, contentType string, out interface{}) error {
	req, err := http.NewRequestWithContext(ctx, method, c.base+path, body)
	if err != nil {
		return fmt.Errorf("api: %s: build request: %w", endpoint, err)
	}
	if contentType != "" {
		req.Header.Set("Content-Type", contentType)
	}
	req.Header.Set("Accept", "application/json")
	if tok := c.Token(); tok != "" {
		req.Header.Set("Authorization", "Bearer "+tok)
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return fmt.Errorf("api: %s: %w", endpoint, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return decodeError(endpoint, resp)
	}
	if out == nil {
		_, _ = io.Copy(io.Discard, resp.Body)
		return nil
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("api: %s: decode response: %w", endpoint, err)
	}
	return nil
}

func (c *Client) doJSON(ctx context.Context, method, endpoint, path string, in, out interface{}) error {
	if in == nil {
		return c.do(ctx, method, endpoint, path, nil, "", out)
	}
	data, err := json.Marshal(in)
	if err != nil {
		return fmt.Errorf("api: %s: encode request: %w", endpoint, err)
	}
	return c.do(ctx, method, endpoint, path, bytes.NewReader(data), "application/json", out)
}

// doMultipart uploads one file part plus plain fields.
func (c *Client) doMultipart(ctx context.Context, endpoint, path, fileField, filename string, file io.Reader, fields map[string]string, out interface{}) error {
	var buf bytes.Buffer
	w := multipart.NewWriter(&buf)
	for k, v := range fields {
		if err := w.WriteField(k, v); err != nil {
			return fmt.Errorf("api: %s: write field %s: %w", endpoint, k, err)
		}
	}
	part, err := w.CreateFormFile(fileField, filename)
	if err != nil {
		return fmt.Errorf("api: %s: create form file: %w", endpoint, err)
	}
	if _, err := io.Copy(part, file); err != nil {
		return fmt.Errorf("api: %s: copy file: %w", endpoint, err)
	}
	if err := w.Close(); err != nil {
		return fmt.Errorf("api: %s: close multipart: %w", endpoint, err)
	}
	return c.do(ctx, http.MethodPost, endpoint, path, &buf, w.FormDataContentType(), out)
}

func decodeError(endpoint string, resp *http.Response) error {
	apiErr := &Error{Endpoint: endpoint, Status: resp.StatusCode}
	data, _ := io.ReadAll(io.LimitReader(resp.Body, 64<<10))
	var body struct {
		Message string `json:"message"`
		Error   string `json:"error"`
	}
	if json.Unmarshal(data, &body) == nil {
		apiErr.Message = body.Message
		if apiErr.Message == "" {
			apiErr.Message = body.Error
		}
	}
	return apiErr
}

func escape(id string) string {
	return url.PathEscape(id)
}
