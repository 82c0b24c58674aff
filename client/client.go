// Package client is a Go client for the interlock lease server.
package client

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"
)

type Client struct {
	BaseURL string
	HTTP    *http.Client
	APIKey  string
	Project string
	Agent   string
}

type Option func(*Client)

func WithAPIKey(key string) Option {
	return func(c *Client) {
		c.APIKey = strings.TrimSpace(key)
	}
}

func WithProject(project string) Option {
	return func(c *Client) {
		c.Project = strings.TrimSpace(project)
	}
}

// WithAgent sets the agent name used by calls that act on behalf of an
// agent.
func WithAgent(name string) Option {
	return func(c *Client) {
		c.Agent = strings.TrimSpace(name)
	}
}

func WithHTTPClient(httpClient *http.Client) Option {
	return func(c *Client) {
		if httpClient != nil {
			c.HTTP = httpClient
		}
	}
}

type Agent struct {
	ID           int64     `json:"id,omitempty"`
	Project      string    `json:"project,omitempty"`
	Name         string    `json:"name"`
	Capabilities []string  `json:"capabilities,omitempty"`
	CreatedAt    time.Time `json:"created_at,omitempty"`
}

type Lease struct {
	ID            string     `json:"id"`
	Project       string     `json:"project"`
	Kind          string     `json:"kind"`
	Key           string     `json:"key"`
	Mode          string     `json:"mode"`
	Holder        int64      `json:"holder"`
	Reason        string     `json:"reason,omitempty"`
	CreatedAt     time.Time  `json:"created_at"`
	ExpiresAt     time.Time  `json:"expires_at"`
	RenewedCount  int        `json:"renewed_count"`
	Status        string     `json:"status"`
	ReleasedAt    *time.Time `json:"released_at,omitempty"`
	ReleasedBy    int64      `json:"released_by,omitempty"`
	Justification string     `json:"justification,omitempty"`
}

type HistoryEvent struct {
	Seq    int64     `json:"seq"`
	Type   string    `json:"type"`
	Actor  int64     `json:"actor"`
	Detail string    `json:"detail,omitempty"`
	At     time.Time `json:"at"`
}

type Pool struct {
	Project  string `json:"project"`
	Name     string `json:"name"`
	Capacity int    `json:"capacity"`
	Active   int    `json:"active"`
}

// APIError is a non-2xx response. Blocking is set for conflicts; Capacity
// and Active for exhausted pools.
type APIError struct {
	StatusCode int     `json:"-"`
	Code       string  `json:"error"`
	Message    string  `json:"message"`
	Field      string  `json:"field,omitempty"`
	Blocking   []Lease `json:"blocking,omitempty"`
	Capacity   int     `json:"capacity,omitempty"`
	Active     int     `json:"active,omitempty"`
}

func (e *APIError) Error() string {
	if e.Message == "" {
		return fmt.Sprintf("interlock: status %d", e.StatusCode)
	}
	return fmt.Sprintf("interlock: %s (%d): %s", e.Code, e.StatusCode, e.Message)
}

// ErrorCode returns the server's error code for err, or "" when err is not
// an API error.
func ErrorCode(err error) string {
	var apiErr *APIError
	if errors.As(err, &apiErr) {
		return apiErr.Code
	}
	return ""
}

func New(baseURL string, opts ...Option) *Client {
	c := &Client{
		BaseURL: strings.TrimRight(baseURL, "/"),
		HTTP:    &http.Client{Timeout: 10 * time.Second},
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// RegisterAgent registers name (or a generated name when empty) in the
// client's project.
func (c *Client) RegisterAgent(ctx context.Context, name string) (Agent, error) {
	var out Agent
	err := c.do(ctx, http.MethodPost, "/api/agents", map[string]string{"project": c.Project, "name": name}, &out)
	return out, err
}

func (c *Client) ListAgents(ctx context.Context) ([]Agent, error) {
	var out struct {
		Agents []Agent `json:"agents"`
	}
	err := c.do(ctx, http.MethodGet, "/api/agents"+c.query(nil), nil, &out)
	return out.Agents, err
}

func (c *Client) do(ctx context.Context, method, path string, payload, out any) error {
	var body io.Reader
	if payload != nil {
		buf, err := json.Marshal(payload)
		if err != nil {
			return err
		}
		body = bytes.NewReader(buf)
	}
	req, err := http.NewRequestWithContext(ctx, method, c.BaseURL+path, body)
	if err != nil {
		return err
	}
	c.applyHeaders(req)
	if payload != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	resp, err := c.HTTP.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode >= 300 {
		apiErr := &APIError{StatusCode: resp.StatusCode}
		_ = json.NewDecoder(resp.Body).Decode(apiErr)
		return apiErr
	}
	if out == nil {
		return nil
	}
	return json.NewDecoder(resp.Body).Decode(out)
}

func (c *Client) applyHeaders(req *http.Request) {
	if c.APIKey != "" {
		req.Header.Set("Authorization", "Bearer "+c.APIKey)
	}
}
