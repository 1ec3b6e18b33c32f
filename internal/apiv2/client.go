// Package apiv2 is a client for the dmdata REST API v2 control plane.
//
// The streaming subsystem consumes exactly one capability from it: obtaining
// a WebSocket session-start ticket for a given endpoint (TicketSource). The
// rest of the surface (socket list/close) is for operational tooling.
package apiv2

import (
	"bytes"
	"context"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"time"

	"go.uber.org/zap"
)

// DefaultBaseURL is the production control-plane endpoint.
const DefaultBaseURL = "https://api.dmdata.jp/v2"

// TicketSource is the one capability the streaming core needs from the
// control plane: turn connection parameters into a dialable WebSocket URL.
type TicketSource interface {
	SocketStart(ctx context.Context, endpoint string, p *SocketStartParameter) (*SocketStartResponse, error)
}

// Client talks to the dmdata REST API v2 using API-key authentication.
type Client struct {
	httpClient *http.Client
	baseURL    string
	apiKey     string
	userAgent  string
	logger     *zap.Logger
}

var _ TicketSource = (*Client)(nil)

// Option customizes a Client.
type Option func(*Client)

// WithHTTPClient replaces the underlying HTTP client.
func WithHTTPClient(hc *http.Client) Option {
	return func(c *Client) { c.httpClient = hc }
}

// WithBaseURL points the client at a non-production control plane.
func WithBaseURL(u string) Option {
	return func(c *Client) { c.baseURL = u }
}

// WithUserAgent sets the User-Agent header on every request.
func WithUserAgent(ua string) Option {
	return func(c *Client) { c.userAgent = ua }
}

// WithLogger attaches a logger. Requests log at Debug, failures at Warn.
func WithLogger(l *zap.Logger) Option {
	return func(c *Client) { c.logger = l.Named("apiv2") }
}

// NewClient creates an API v2 client authenticated with the given API key.
func NewClient(apiKey string, opts ...Option) *Client {
	c := &Client{
		httpClient: &http.Client{Timeout: 30 * time.Second},
		baseURL:    DefaultBaseURL,
		apiKey:     apiKey,
		userAgent:  "dmdata-go",
		logger:     zap.NewNop(),
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// SocketStart requests a WebSocket session-start ticket. The control plane
// hands back a globally routed URL; when endpoint is non-empty the URL host
// is pinned to that endpoint so redundant sessions land on distinct regions.
func (c *Client) SocketStart(ctx context.Context, endpoint string, p *SocketStartParameter) (*SocketStartResponse, error) {
	var resp SocketStartResponse
	if err := c.do(ctx, http.MethodPost, "/socket", p, &resp); err != nil {
		return nil, fmt.Errorf("socket.start: %w", err)
	}
	if endpoint != "" {
		u, err := url.Parse(resp.WebSocket.URL)
		if err != nil {
			return nil, fmt.Errorf("socket.start: parse websocket url: %w", err)
		}
		u.Host = endpoint
		resp.WebSocket.URL = u.String()
	}
	return &resp, nil
}

// SocketList returns the caller's currently open WebSocket sessions.
func (c *Client) SocketList(ctx context.Context) (*SocketListResponse, error) {
	var resp SocketListResponse
	if err := c.do(ctx, http.MethodGet, "/socket", nil, &resp); err != nil {
		return nil, fmt.Errorf("socket.list: %w", err)
	}
	return &resp, nil
}

// SocketClose terminates an open WebSocket session server-side.
func (c *Client) SocketClose(ctx context.Context, id int) error {
	if err := c.do(ctx, http.MethodDelete, fmt.Sprintf("/socket/%d", id), nil, nil); err != nil {
		return fmt.Errorf("socket.close: %w", err)
	}
	return nil
}

func (c *Client) do(ctx context.Context, method, path string, body, out any) error {
	var reqBody io.Reader
	if body != nil {
		b, err := json.Marshal(body)
		if err != nil {
			return fmt.Errorf("encode request: %w", err)
		}
		reqBody = bytes.NewReader(b)
	}

	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, reqBody)
	if err != nil {
		return fmt.Errorf("build request: %w", err)
	}
	req.Header.Set("Authorization", "Basic "+base64.StdEncoding.EncodeToString([]byte(c.apiKey+":")))
	req.Header.Set("User-Agent", c.userAgent)
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	c.logger.Debug("request", zap.String("method", method), zap.String("path", path))

	res, err := c.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("request %s %s: %w", method, path, err)
	}
	defer res.Body.Close()

	data, err := io.ReadAll(io.LimitReader(res.Body, 1<<20))
	if err != nil {
		return fmt.Errorf("read response: %w", err)
	}

	if res.StatusCode < 200 || res.StatusCode > 299 {
		apiErr := newAPIError(res.StatusCode, data)
		c.logger.Warn("request failed",
			zap.String("method", method),
			zap.String("path", path),
			zap.Int("status", res.StatusCode),
			zap.String("error", apiErr.Message))
		return apiErr
	}

	if out == nil {
		return nil
	}
	if err := json.Unmarshal(data, out); err != nil {
		return fmt.Errorf("decode response: %w", err)
	}
	return nil
}
