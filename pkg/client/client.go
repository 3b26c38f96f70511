package client

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"
)

// Client talks to the control API of a running hostagent.
type Client struct {
	baseURL string
	client  *http.Client
	logger  *slog.Logger
}

// Config holds client configuration
type Config struct {
	BaseURL string
	Timeout time.Duration
	Logger  *slog.Logger // Optional logger for client operations
}

// DefaultConfig returns default client configuration
func DefaultConfig() Config {
	return Config{
		BaseURL: "http://localhost:8080",
		Timeout: 15 * time.Second,
	}
}

// New creates a new control API client.
func New(config Config) *Client {
	def := DefaultConfig()
	if config.BaseURL == "" {
		config.BaseURL = def.BaseURL
	}
	if config.Timeout == 0 {
		config.Timeout = def.Timeout
	}
	if config.Logger == nil {
		config.Logger = slog.Default()
	}
	return &Client{
		baseURL: strings.TrimRight(config.BaseURL, "/"),
		logger:  config.Logger,
		client:  &http.Client{Timeout: config.Timeout},
	}
}

// APIError is a non-200 answer carrying the server's error message.
type APIError struct {
	StatusCode int
	Message    string
}

func (e *APIError) Error() string {
	if e.Message == "" {
		return fmt.Sprintf("HTTP %d", e.StatusCode)
	}
	return fmt.Sprintf("HTTP %d: %s", e.StatusCode, e.Message)
}

// IsReachable checks if the agent answers on its control API.
func (c *Client) IsReachable(ctx context.Context) bool {
	var out statusResult
	err := c.get(ctx, "/server-status", url.Values{"port": {"0"}}, &out)
	if err != nil {
		c.logger.Debug("Agent unreachable", "error", err)
		return false
	}
	return true
}

func (c *Client) DNSQuery(ctx context.Context, domain string) (DNSResult, error) {
	var out DNSResult
	err := c.get(ctx, "/dns-query", url.Values{"domain": {domain}}, &out)
	return out, err
}

// HTTPGet asks the agent to GET http://ip:port/uri. An empty uri means "/".
func (c *Client) HTTPGet(ctx context.Context, ip string, port int, uri string) (HTTPGetResult, error) {
	q := url.Values{"ip": {ip}, "port": {strconv.Itoa(port)}}
	if uri != "" {
		q.Set("uri", uri)
	}
	var out HTTPGetResult
	err := c.get(ctx, "/http-get", q, &out)
	return out, err
}

// ServerStatus returns the recorded status of port, or nil when none exists.
func (c *Client) ServerStatus(ctx context.Context, port int) (*string, error) {
	var out statusResult
	err := c.get(ctx, "/server-status", portQuery(port), &out)
	return out.Status, err
}

// StartServer returns the id of the new listener, or nil when the agent refused.
func (c *Client) StartServer(ctx context.Context, port int) (*string, error) {
	var out startResult
	err := c.get(ctx, "/start-http-server", portQuery(port), &out)
	return out.UniqueID, err
}

// StopServer stops the listener on port and returns its recorded status afterwards.
func (c *Client) StopServer(ctx context.Context, port int) (*string, error) {
	var out statusResult
	err := c.get(ctx, "/stop-http-server", portQuery(port), &out)
	return out.Status, err
}

// KillAgent asks the agent to terminate and returns the exit code it reported.
func (c *Client) KillAgent(ctx context.Context) (int, error) {
	var out killResult
	err := c.get(ctx, "/kill-agent", nil, &out)
	return out.StatusKill, err
}

func portQuery(port int) url.Values {
	return url.Values{"port": {strconv.Itoa(port)}}
}

func (c *Client) get(ctx context.Context, path string, q url.Values, out any) error {
	u := c.baseURL + path
	if len(q) > 0 {
		u += "?" + q.Encode()
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, u, nil)
	if err != nil {
		return fmt.Errorf("build request: %w", err)
	}
	resp, err := c.client.Do(req)
	if err != nil {
		c.logger.Debug("request failed", "url", u, "error", err)
		return err
	}
	defer func() { _ = resp.Body.Close() }()
	if err := c.handleErrorResponse(resp); err != nil {
		return err
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("decode response: %w", err)
	}
	return nil
}

func (c *Client) handleErrorResponse(resp *http.Response) error {
	if resp.StatusCode == http.StatusOK {
		return nil
	}
	var er errorResult
	if err := json.NewDecoder(resp.Body).Decode(&er); err != nil {
		c.logger.Error("Failed to decode error response", "status", resp.StatusCode)
		return &APIError{StatusCode: resp.StatusCode}
	}
	c.logger.Error("API request failed", "error", er.Error, "status", resp.StatusCode)
	return &APIError{StatusCode: resp.StatusCode, Message: er.Error}
}

// AsAPIError unwraps err into an *APIError.
func AsAPIError(err error) (*APIError, bool) {
	var ae *APIError
	ok := errors.As(err, &ae)
	return ae, ok
}
