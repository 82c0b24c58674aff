package httpapi

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/mistakeknot/interlock/internal/auth"
	"github.com/mistakeknot/interlock/internal/clock"
	"github.com/mistakeknot/interlock/internal/core"
	"github.com/mistakeknot/interlock/internal/identity"
	"github.com/mistakeknot/interlock/internal/lease"
	"github.com/mistakeknot/interlock/internal/storage"
	"github.com/mistakeknot/interlock/internal/storage/sqlite"
)

var epoch = time.Date(2026, 4, 1, 8, 0, 0, 0, time.UTC)

// testEnv bundles the lease service and an httptest.Server for handler
// tests. Requests come from localhost, so no API key is needed.
type testEnv struct {
	srv    *httptest.Server
	clock  *clock.Manual
	leases *lease.Service
	agents *identity.Registry
	svc    *Service
}

func newTestEnv(t *testing.T) *testEnv {
	t.Helper()
	st := storage.NewResilient(sqlite.NewSQLiteTest(t))
	reg, err := identity.NewRegistry(st, 0)
	if err != nil {
		t.Fatalf("registry: %v", err)
	}
	clk := clock.NewManual(epoch)
	leases := lease.NewService(st, identity.NewStoreGate(reg), lease.WithClock(clk))
	svc := NewService(leases, reg)
	srv := httptest.NewServer(NewRouter(svc, nil, auth.Middleware(nil)))
	t.Cleanup(srv.Close)
	return &testEnv{srv: srv, clock: clk, leases: leases, agents: reg, svc: svc}
}

// grant registers name in project with the given capabilities, the way a
// keys-file reload would.
func (e *testEnv) grant(t *testing.T, project, name string, caps ...string) core.AgentID {
	t.Helper()
	a, err := e.agents.Register(context.Background(), project, name, caps)
	if err != nil {
		t.Fatalf("register %s: %v", name, err)
	}
	return a.ID
}

func (e *testEnv) post(t *testing.T, path string, body any) *http.Response {
	t.Helper()
	buf, err := json.Marshal(body)
	if err != nil {
		t.Fatalf("marshal: %v", err)
	}
	resp, err := http.Post(e.srv.URL+path, "application/json", bytes.NewReader(buf))
	if err != nil {
		t.Fatalf("POST %s: %v", path, err)
	}
	return resp
}

func (e *testEnv) get(t *testing.T, path string) *http.Response {
	t.Helper()
	resp, err := http.Get(e.srv.URL + path)
	if err != nil {
		t.Fatalf("GET %s: %v", path, err)
	}
	return resp
}

func (e *testEnv) delete(t *testing.T, path string) *http.Response {
	t.Helper()
	req, err := http.NewRequest(http.MethodDelete, e.srv.URL+path, nil)
	if err != nil {
		t.Fatalf("new request: %v", err)
	}
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatalf("DELETE %s: %v", path, err)
	}
	return resp
}

func decodeJSON[T any](t *testing.T, resp *http.Response) T {
	t.Helper()
	defer resp.Body.Close()
	var v T
	if err := json.NewDecoder(resp.Body).Decode(&v); err != nil {
		t.Fatalf("decode: %v", err)
	}
	return v
}

func requireStatus(t *testing.T, resp *http.Response, want int) {
	t.Helper()
	if resp.StatusCode != want {
		var body errorBody
		_ = json.NewDecoder(resp.Body).Decode(&body)
		resp.Body.Close()
		t.Fatalf("expected status %d, got %d (%s: %s)", want, resp.StatusCode, body.Error, body.Message)
	}
}

// acquire takes an exclusive file lease and returns it.
func (e *testEnv) acquire(t *testing.T, project, agent, key string, ttlSeconds int64) Lease {
	t.Helper()
	resp := e.post(t, "/api/leases", map[string]any{
		"project": project, "agent": agent, "key": key, "ttl_seconds": ttlSeconds,
	})
	requireStatus(t, resp, http.StatusCreated)
	return decodeJSON[Lease](t, resp)
}
