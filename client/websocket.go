package client

import (
	"context"
	"errors"
	"fmt"
	"math/rand/v2"
	"net/http"
	"net/url"
	"slices"
	"strconv"
	"time"

	"nhooyr.io/websocket"
	"nhooyr.io/websocket/wsjson"
)

// Event is a committed lease transition pushed by the server.
type Event struct {
	Type    string    `json:"type"`
	Project string    `json:"project"`
	Lease   Lease     `json:"lease"`
	At      time.Time `json:"at"`
}

// Lease event types.
const (
	EventAcquired      = "lease.acquired"
	EventRenewed       = "lease.renewed"
	EventReleased      = "lease.released"
	EventExpired       = "lease.expired"
	EventForceReleased = "lease.force_released"
)

type EventHandler func(event Event)

// WSClient follows a project's lease events over a websocket. The feed is
// informational: events dropped while disconnected are not replayed.
type WSClient struct {
	baseURL    string
	apiKey     string
	project    string
	holder     int64
	reconnect  bool
	minBackoff time.Duration
	maxBackoff time.Duration
}

type WSOption func(*WSClient)

func WithWSAPIKey(key string) WSOption {
	return func(c *WSClient) { c.apiKey = key }
}

func WithWSProject(project string) WSOption {
	return func(c *WSClient) { c.project = project }
}

// WithWSHolder limits delivery to leases held by one agent id.
func WithWSHolder(id int64) WSOption {
	return func(c *WSClient) { c.holder = id }
}

// WithReconnect controls redialing after a dropped connection. floor and
// ceiling bound the backoff between attempts; zero values keep the defaults.
func WithReconnect(enabled bool, floor, ceiling time.Duration) WSOption {
	return func(c *WSClient) {
		c.reconnect = enabled
		if floor > 0 {
			c.minBackoff = floor
		}
		if ceiling > 0 {
			c.maxBackoff = ceiling
		}
	}
}

func NewWSClient(baseURL string, opts ...WSOption) *WSClient {
	c := &WSClient{
		baseURL:    baseURL,
		reconnect:  true,
		minBackoff: time.Second,
		maxBackoff: 30 * time.Second,
	}
	for _, opt := range opts {
		opt(c)
	}
	if c.maxBackoff < c.minBackoff {
		c.maxBackoff = c.minBackoff
	}
	return c
}

// Run streams events to handle until ctx is done, then returns ctx.Err().
// Without reconnect the first dial or read error is returned instead.
func (c *WSClient) Run(ctx context.Context, handle EventHandler) error {
	backoff := c.minBackoff
	for {
		conn, err := c.dial(ctx)
		if err == nil {
			backoff = c.minBackoff
			err = consume(ctx, conn, handle)
		}
		if ctx.Err() != nil {
			return ctx.Err()
		}
		if !c.reconnect {
			return err
		}
		wait := backoff/2 + rand.N(backoff/2+1)
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(wait):
		}
		backoff = min(backoff*2, c.maxBackoff)
	}
}

func consume(ctx context.Context, conn *websocket.Conn, handle EventHandler) error {
	defer conn.Close(websocket.StatusNormalClosure, "")
	for {
		var ev Event
		if err := wsjson.Read(ctx, conn, &ev); err != nil {
			var ce websocket.CloseError
			if errors.As(err, &ce) && ce.Code == websocket.StatusNormalClosure {
				return fmt.Errorf("feed closed by server: %w", err)
			}
			return fmt.Errorf("read event: %w", err)
		}
		handle(ev)
	}
}

func (c *WSClient) dial(ctx context.Context) (*websocket.Conn, error) {
	wsURL, err := c.buildWSURL()
	if err != nil {
		return nil, fmt.Errorf("build websocket url: %w", err)
	}
	opts := &websocket.DialOptions{}
	if c.apiKey != "" {
		opts.HTTPHeader = http.Header{"Authorization": []string{"Bearer " + c.apiKey}}
	}
	conn, _, err := websocket.Dial(ctx, wsURL, opts)
	if err != nil {
		return nil, fmt.Errorf("websocket dial: %w", err)
	}
	return conn, nil
}

func (c *WSClient) buildWSURL() (string, error) {
	u, err := url.Parse(c.baseURL)
	if err != nil {
		return "", err
	}
	switch u.Scheme {
	case "http":
		u.Scheme = "ws"
	case "https":
		u.Scheme = "wss"
	}
	u.Path = "/ws/leases"

	q := u.Query()
	if c.project != "" {
		q.Set("project", c.project)
	}
	if c.holder != 0 {
		q.Set("holder", strconv.FormatInt(c.holder, 10))
	}
	u.RawQuery = q.Encode()
	return u.String(), nil
}

// EventFilter narrows which events a handler sees. Zero fields match
// everything.
type EventFilter struct {
	Types   []string
	LeaseID string
	Kind    string
}

func (f EventFilter) match(ev Event) bool {
	if len(f.Types) > 0 && !slices.Contains(f.Types, ev.Type) {
		return false
	}
	if f.LeaseID != "" && ev.Lease.ID != f.LeaseID {
		return false
	}
	return f.Kind == "" || ev.Lease.Kind == f.Kind
}

func FilteredEventHandler(filter EventFilter, handler EventHandler) EventHandler {
	return func(ev Event) {
		if filter.match(ev) {
			handler(ev)
		}
	}
}
