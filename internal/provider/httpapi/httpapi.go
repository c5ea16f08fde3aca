// Package httpapi implements a provider backed by a JSON mail sending API.
package httpapi

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/foxzi/outreach/internal/provider"
)

// Config contains HTTP API provider settings
type Config struct {
	Name    string        `yaml:"name"`
	BaseURL string        `yaml:"base_url"`
	APIKey  string        `yaml:"api_key"`
	Timeout time.Duration `yaml:"timeout"`
}

// SendRequest represents send request
type SendRequest struct {
	From    string            `json:"from"`
	To      []string          `json:"to"`
	Subject string            `json:"subject"`
	Body    string            `json:"body,omitempty"`
	HTML    string            `json:"html,omitempty"`
	Headers map[string]string `json:"headers,omitempty"`
}

// SendResponse represents send response
type SendResponse struct {
	ID     string `json:"id"`
	Status string `json:"status"`
}

// HealthResponse represents health check response
type HealthResponse struct {
	Status  string `json:"status"`
	Version string `json:"version,omitempty"`
}

// ErrorResponse represents an API error
type ErrorResponse struct {
	Error string `json:"error"`
}

// Client is a mail API client implementing provider.Provider
type Client struct {
	name       string
	baseURL    string
	apiKey     string
	httpClient *http.Client
	logger     *slog.Logger
}

// New creates a new API client
func New(cfg *Config, logger *slog.Logger) (*Client, error) {
	if cfg.BaseURL == "" {
		return nil, errors.New("http provider: base_url is required")
	}
	if cfg.Name == "" {
		cfg.Name = "http"
	}
	if cfg.Timeout == 0 {
		cfg.Timeout = 30 * time.Second
	}
	if logger == nil {
		logger = slog.Default()
	}

	return &Client{
		name:    cfg.Name,
		baseURL: strings.TrimRight(cfg.BaseURL, "/"),
		apiKey:  cfg.APIKey,
		httpClient: &http.Client{
			Timeout: cfg.Timeout,
		},
		logger: logger.With("component", "provider", "provider", cfg.Name),
	}, nil
}

// statusError is a non-2xx API answer
type statusError struct {
	Code    int
	Message string
}

func (e *statusError) Error() string {
	if e.Message == "" {
		return fmt.Sprintf("HTTP %d", e.Code)
	}
	return fmt.Sprintf("API error: %s", e.Message)
}

// request performs an HTTP request to the API
func (c *Client) request(ctx context.Context, method, path string, body any, result any) error {
	var reqBody io.Reader
	if body != nil {
		data, err := json.Marshal(body)
		if err != nil {
			return fmt.Errorf("marshal request: %w", err)
		}
		reqBody = bytes.NewReader(data)
	}

	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, reqBody)
	if err != nil {
		return fmt.Errorf("create request: %w", err)
	}

	if c.apiKey != "" {
		req.Header.Set("Authorization", "Bearer "+c.apiKey)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Accept", "application/json")

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("do request: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 400 {
		var errResp ErrorResponse
		json.NewDecoder(resp.Body).Decode(&errResp)
		return &statusError{Code: resp.StatusCode, Message: errResp.Error}
	}

	if result != nil && resp.StatusCode != http.StatusNoContent {
		if err := json.NewDecoder(resp.Body).Decode(result); err != nil {
			return fmt.Errorf("decode response: %w", err)
		}
	}

	return nil
}

func (c *Client) Name() string {
	return c.name
}

// Send posts one message. Client errors other than throttling are rejections;
// server errors, throttling and transport failures are returned as errors.
func (c *Client) Send(ctx context.Context, msg *provider.Message) (*provider.Result, error) {
	req := &SendRequest{
		From:    formatFrom(msg),
		To:      []string{msg.To},
		Subject: msg.Subject,
		Headers: msg.Headers,
	}
	if msg.IsHTML {
		req.HTML = msg.Body
		req.Body = msg.Text
	} else {
		req.Body = msg.Body
	}

	var resp SendResponse
	if err := c.request(ctx, http.MethodPost, "/api/v1/send", req, &resp); err != nil {
		var se *statusError
		if errors.As(err, &se) && se.Code < 500 && se.Code != http.StatusTooManyRequests && se.Code != http.StatusRequestTimeout {
			return &provider.Result{ErrorMessage: se.Error()}, nil
		}
		return nil, &provider.Error{Temporary: true, Message: err.Error()}
	}

	if resp.ID == "" {
		return nil, &provider.Error{Temporary: true, Message: "API response without message id"}
	}

	c.logger.Debug("message accepted", "to", msg.To, "id", resp.ID, "status", resp.Status)
	return &provider.Result{Accepted: true, ProviderMessageID: resp.ID}, nil
}

func (c *Client) BulkSend(ctx context.Context, msgs []*provider.Message) *provider.BulkResult {
	return provider.SendEach(ctx, c, msgs)
}

// Health checks server health
func (c *Client) Health(ctx context.Context) (*HealthResponse, error) {
	var resp HealthResponse
	if err := c.request(ctx, http.MethodGet, "/health", nil, &resp); err != nil {
		return nil, err
	}
	return &resp, nil
}

func (c *Client) IsHealthy(ctx context.Context) bool {
	resp, err := c.Health(ctx)
	if err != nil {
		c.logger.Debug("health check failed", "error", err)
		return false
	}
	return resp.Status == "ok" || resp.Status == "healthy"
}

func formatFrom(msg *provider.Message) string {
	if msg.FromName == "" {
		return msg.From
	}
	return fmt.Sprintf("%s <%s>", msg.FromName, msg.From)
}
