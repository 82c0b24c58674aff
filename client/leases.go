package client

import (
	"context"
	"net/http"
	"net/url"
	"time"
)

// AcquireRequest asks for a lease. Empty Kind means file_pattern, empty
// Mode means exclusive and a zero TTL uses the server default.
type AcquireRequest struct {
	Kind   string
	Key    string
	Mode   string
	TTL    time.Duration
	Reason string
}

// ListOptions narrows ListLeases.
type ListOptions struct {
	Agent  string
	Kind   string
	Prefix string
}

func (c *Client) Acquire(ctx context.Context, req AcquireRequest) (Lease, error) {
	var out Lease
	err := c.do(ctx, http.MethodPost, "/api/leases", map[string]any{
		"project":     c.Project,
		"agent":       c.Agent,
		"kind":        req.Kind,
		"key":         req.Key,
		"mode":        req.Mode,
		"ttl_seconds": seconds(req.TTL),
		"reason":      req.Reason,
	}, &out)
	return out, err
}

// Renew extends a lease the client's agent holds. A zero extend uses the
// server's default TTL.
func (c *Client) Renew(ctx context.Context, id string, extend time.Duration) (Lease, error) {
	body := map[string]any{"agent": c.Agent}
	if extend > 0 {
		body["extend_seconds"] = seconds(extend)
	}
	var out Lease
	err := c.do(ctx, http.MethodPost, leasePath(id, "renew"), body, &out)
	return out, err
}

func (c *Client) Release(ctx context.Context, id string) (Lease, error) {
	var out Lease
	err := c.do(ctx, http.MethodPost, leasePath(id, "release"), map[string]any{"agent": c.Agent}, &out)
	return out, err
}

// ForceRelease ends another agent's lease. The client's agent needs the
// force-release capability.
func (c *Client) ForceRelease(ctx context.Context, id, justification string) (Lease, error) {
	var out Lease
	err := c.do(ctx, http.MethodPost, leasePath(id, "force-release"), map[string]any{
		"agent":         c.Agent,
		"justification": justification,
	}, &out)
	return out, err
}

func (c *Client) GetLease(ctx context.Context, id string) (Lease, error) {
	var out Lease
	err := c.do(ctx, http.MethodGet, leasePath(id, ""), nil, &out)
	return out, err
}

func (c *Client) History(ctx context.Context, id string) ([]HistoryEvent, error) {
	var out struct {
		Events []HistoryEvent `json:"events"`
	}
	err := c.do(ctx, http.MethodGet, leasePath(id, "history"), nil, &out)
	return out.Events, err
}

func (c *Client) ListLeases(ctx context.Context, opts ListOptions) ([]Lease, error) {
	values := url.Values{}
	if opts.Agent != "" {
		values.Set("agent", opts.Agent)
	}
	if opts.Kind != "" {
		values.Set("kind", opts.Kind)
	}
	if opts.Prefix != "" {
		values.Set("prefix", opts.Prefix)
	}
	var out struct {
		Leases []Lease `json:"leases"`
	}
	err := c.do(ctx, http.MethodGet, "/api/leases"+c.query(values), nil, &out)
	return out.Leases, err
}

// ReservePaths takes file leases on every pattern or on none of them.
func (c *Client) ReservePaths(ctx context.Context, patterns []string, exclusive bool, ttl time.Duration, reason string) ([]Lease, error) {
	var out struct {
		Leases []Lease `json:"leases"`
	}
	err := c.do(ctx, http.MethodPost, "/api/reservations", map[string]any{
		"project":     c.Project,
		"agent":       c.Agent,
		"patterns":    patterns,
		"exclusive":   exclusive,
		"ttl_seconds": seconds(ttl),
		"reason":      reason,
	}, &out)
	return out.Leases, err
}

func (c *Client) RenewPaths(ctx context.Context, patterns []string, extend time.Duration) ([]Lease, error) {
	return c.paths(ctx, "renew", patterns, extend)
}

func (c *Client) ReleasePaths(ctx context.Context, patterns []string) ([]Lease, error) {
	return c.paths(ctx, "release", patterns, 0)
}

func (c *Client) paths(ctx context.Context, action string, patterns []string, extend time.Duration) ([]Lease, error) {
	body := map[string]any{"project": c.Project, "agent": c.Agent, "patterns": patterns}
	if extend > 0 {
		body["extend_seconds"] = seconds(extend)
	}
	var out struct {
		Leases []Lease `json:"leases"`
	}
	err := c.do(ctx, http.MethodPost, "/api/reservations/"+action, body, &out)
	return out.Leases, err
}

// Conflicts lists the active leases that would block acquiring key in
// mode. The client's own identical lease is not reported.
func (c *Client) Conflicts(ctx context.Context, kind, key, mode string) ([]Lease, error) {
	values := url.Values{}
	values.Set("key", key)
	if kind != "" {
		values.Set("kind", kind)
	}
	if mode != "" {
		values.Set("mode", mode)
	}
	if c.Agent != "" {
		values.Set("agent", c.Agent)
	}
	var out struct {
		Blocking []Lease `json:"blocking"`
	}
	err := c.do(ctx, http.MethodGet, "/api/conflicts"+c.query(values), nil, &out)
	return out.Blocking, err
}

func (c *Client) DefinePool(ctx context.Context, name string, capacity int) (Pool, error) {
	var out Pool
	err := c.do(ctx, http.MethodPost, "/api/pools", map[string]any{
		"project": c.Project, "name": name, "capacity": capacity,
	}, &out)
	return out, err
}

func (c *Client) GetPool(ctx context.Context, name string) (Pool, error) {
	var out Pool
	err := c.do(ctx, http.MethodGet, "/api/pools/"+url.PathEscape(name)+c.query(nil), nil, &out)
	return out, err
}

func (c *Client) ListPools(ctx context.Context) ([]Pool, error) {
	var out struct {
		Pools []Pool `json:"pools"`
	}
	err := c.do(ctx, http.MethodGet, "/api/pools"+c.query(nil), nil, &out)
	return out.Pools, err
}

func (c *Client) AcquireSlot(ctx context.Context, pool string, ttl time.Duration, reason string) (Lease, error) {
	var out Lease
	err := c.do(ctx, http.MethodPost, "/api/pools/"+url.PathEscape(pool)+"/acquire", map[string]any{
		"project":     c.Project,
		"agent":       c.Agent,
		"ttl_seconds": seconds(ttl),
		"reason":      reason,
	}, &out)
	return out, err
}

func leasePath(id, action string) string {
	p := "/api/leases/" + url.PathEscape(id)
	if action != "" {
		p += "/" + action
	}
	return p
}

func (c *Client) query(values url.Values) string {
	if values == nil {
		values = url.Values{}
	}
	if c.Project != "" {
		values.Set("project", c.Project)
	}
	if len(values) == 0 {
		return ""
	}
	return "?" + values.Encode()
}

func seconds(d time.Duration) int64 {
	return int64(d / time.Second)
}
