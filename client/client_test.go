package client

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"nhooyr.io/websocket"
	"nhooyr.io/websocket/wsjson"
)

func TestClientFailsWithoutServer(t *testing.T) {
	c := New("http://127.0.0.1:1", WithProject("p"), WithAgent("a"))
	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	if _, err := c.Acquire(ctx, AcquireRequest{Key: "a/*"}); err == nil {
		t.Fatalf("expected failure without server")
	}
}

func TestClientAcquireSendsRequest(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/api/leases" || r.Method != http.MethodPost {
			w.WriteHeader(http.StatusNotFound)
			return
		}
		if r.Header.Get("Authorization") != "Bearer k" {
			w.WriteHeader(http.StatusUnauthorized)
			return
		}
		var body map[string]any
		if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
			w.WriteHeader(http.StatusBadRequest)
			return
		}
		if body["project"] != "proj-a" || body["agent"] != "alice" || body["ttl_seconds"] != float64(90) {
			w.WriteHeader(http.StatusBadRequest)
			return
		}
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusCreated)
		json.NewEncoder(w).Encode(Lease{ID: "l-1", Project: "proj-a", Key: body["key"].(string), Status: "active"})
	}))
	defer srv.Close()

	c := New(srv.URL, WithProject("proj-a"), WithAgent("alice"), WithAPIKey("k"))
	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()

	l, err := c.Acquire(ctx, AcquireRequest{Key: "src/*.go", TTL: 90 * time.Second})
	if err != nil {
		t.Fatalf("acquire: %v", err)
	}
	if l.ID != "l-1" || l.Key != "src/*.go" {
		t.Fatalf("unexpected lease: %+v", l)
	}
}

func TestClientDecodesConflict(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusConflict)
		json.NewEncoder(w).Encode(map[string]any{
			"error":    "conflict",
			"message":  "file_pattern:a/* conflicts with l-9",
			"blocking": []Lease{{ID: "l-9", Key: "a/*"}},
		})
	}))
	defer srv.Close()

	c := New(srv.URL, WithProject("p"), WithAgent("bob"))
	_, err := c.Acquire(context.Background(), AcquireRequest{Key: "a/b"})
	if ErrorCode(err) != "conflict" {
		t.Fatalf("expected conflict code, got %v", err)
	}
	apiErr := err.(*APIError)
	if apiErr.StatusCode != http.StatusConflict || len(apiErr.Blocking) != 1 || apiErr.Blocking[0].ID != "l-9" {
		t.Fatalf("unexpected error: %+v", apiErr)
	}
}

func TestClientListLeasesQuery(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		q := r.URL.Query()
		if r.URL.Path != "/api/leases" || q.Get("project") != "p" || q.Get("agent") != "alice" || q.Get("prefix") != "src/" {
			w.WriteHeader(http.StatusBadRequest)
			return
		}
		json.NewEncoder(w).Encode(map[string]any{"leases": []Lease{{ID: "1"}, {ID: "2"}}})
	}))
	defer srv.Close()

	c := New(srv.URL, WithProject("p"))
	leases, err := c.ListLeases(context.Background(), ListOptions{Agent: "alice", Prefix: "src/"})
	if err != nil {
		t.Fatalf("list: %v", err)
	}
	if len(leases) != 2 {
		t.Fatalf("expected 2 leases, got %d", len(leases))
	}
}

func TestBuildWSURL(t *testing.T) {
	c := NewWSClient("https://locks.example.com", WithWSProject("proj"), WithWSHolder(7))
	got, err := c.buildWSURL()
	if err != nil {
		t.Fatalf("build: %v", err)
	}
	if got != "wss://locks.example.com/ws/leases?holder=7&project=proj" {
		t.Fatalf("unexpected url %s", got)
	}
}

func TestFilteredEventHandler(t *testing.T) {
	var seen []string
	h := FilteredEventHandler(EventFilter{Types: []string{EventReleased, EventExpired}, Kind: "file_pattern"}, func(e Event) {
		seen = append(seen, e.Lease.ID)
	})
	h(Event{Type: EventAcquired, Lease: Lease{ID: "a", Kind: "file_pattern"}})
	h(Event{Type: EventReleased, Lease: Lease{ID: "b", Kind: "slot_pool"}})
	h(Event{Type: EventExpired, Lease: Lease{ID: "c", Kind: "file_pattern"}})
	if len(seen) != 1 || seen[0] != "c" {
		t.Fatalf("unexpected events: %v", seen)
	}
}

func TestWSClientRunDeliversUntilCancel(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/ws/leases" || r.URL.Query().Get("project") != "proj" {
			http.Error(w, "bad request", http.StatusBadRequest)
			return
		}
		conn, err := websocket.Accept(w, r, nil)
		if err != nil {
			return
		}
		defer conn.Close(websocket.StatusInternalError, "")
		for _, id := range []string{"l1", "l2"} {
			ev := Event{Type: EventAcquired, Project: "proj", Lease: Lease{ID: id, Kind: "file_pattern"}}
			if err := wsjson.Write(r.Context(), conn, ev); err != nil {
				return
			}
		}
		_, _, _ = conn.Read(r.Context())
	}))
	defer srv.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	got := make(chan string, 2)
	c := NewWSClient(srv.URL, WithWSProject("proj"))
	errc := make(chan error, 1)
	go func() {
		errc <- c.Run(ctx, func(e Event) { got <- e.Lease.ID })
	}()
	for _, want := range []string{"l1", "l2"} {
		select {
		case id := <-got:
			if id != want {
				t.Fatalf("expected %s, got %s", want, id)
			}
		case <-ctx.Done():
			t.Fatalf("timed out waiting for %s", want)
		}
	}
	cancel()
	if err := <-errc; !errors.Is(err, context.Canceled) {
		t.Fatalf("expected context.Canceled, got %v", err)
	}
}

func TestWSClientRunWithoutReconnectReturnsDialError(t *testing.T) {
	c := NewWSClient("http://127.0.0.1:1", WithReconnect(false, 0, 0))
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	if err := c.Run(ctx, func(Event) {}); err == nil || errors.Is(err, context.DeadlineExceeded) {
		t.Fatalf("expected dial error, got %v", err)
	}
}
