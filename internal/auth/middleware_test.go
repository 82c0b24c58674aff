package auth

import (
	"net/http"
	"net/http/httptest"
	"net/netip"
	"sync/atomic"
	"testing"
)

func TestLocalhostBypass(t *testing.T) {
	ring := &Keyring{AllowLocalhostWithoutAuth: true, keyToProject: map[string]string{}}
	mw := Middleware(ring)

	h := mw(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		info, ok := FromContext(r.Context())
		if !ok || info.Mode != ModeLocalhost {
			t.Fatalf("expected localhost auth mode")
		}
		w.WriteHeader(http.StatusOK)
	}))

	req := httptest.NewRequest(http.MethodGet, "/api/leases", nil)
	req.RemoteAddr = "127.0.0.1:1234"
	rr := httptest.NewRecorder()
	h.ServeHTTP(rr, req)

	if rr.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", rr.Code)
	}
}

func TestNonLocalhostRequiresBearer(t *testing.T) {
	ring := &Keyring{AllowLocalhostWithoutAuth: true, keyToProject: map[string]string{"secret": "proj-a"}}
	mw := Middleware(ring)

	h := mw(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		info, ok := FromContext(r.Context())
		if !ok || info.Project != "proj-a" || info.Mode != ModeAPIKey {
			t.Fatalf("expected apikey auth info")
		}
		w.WriteHeader(http.StatusOK)
	}))

	req := httptest.NewRequest(http.MethodGet, "/api/leases", nil)
	req.RemoteAddr = "203.0.113.10:9999"
	rr := httptest.NewRecorder()
	h.ServeHTTP(rr, req)
	if rr.Code != http.StatusUnauthorized {
		t.Fatalf("expected 401 without bearer, got %d", rr.Code)
	}

	req = httptest.NewRequest(http.MethodGet, "/api/leases", nil)
	req.RemoteAddr = "203.0.113.10:9999"
	req.Header.Set("Authorization", "Bearer wrong")
	rr = httptest.NewRecorder()
	h.ServeHTTP(rr, req)
	if rr.Code != http.StatusUnauthorized {
		t.Fatalf("expected 401 with wrong bearer, got %d", rr.Code)
	}

	req = httptest.NewRequest(http.MethodGet, "/api/leases", nil)
	req.RemoteAddr = "203.0.113.10:9999"
	req.Header.Set("Authorization", "Bearer secret")
	rr = httptest.NewRecorder()
	h.ServeHTTP(rr, req)
	if rr.Code != http.StatusOK {
		t.Fatalf("expected 200 with bearer, got %d", rr.Code)
	}
}

func TestMiddlewareFollowsSource(t *testing.T) {
	src := &swapSource{}
	src.ring.Store(NewKeyring(false, map[string]string{"k1": "p1"}))
	h := Middleware(src)(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		info, _ := FromContext(r.Context())
		w.Header().Set("X-Project", info.Project)
		w.WriteHeader(http.StatusOK)
	}))

	call := func(key string) int {
		req := httptest.NewRequest(http.MethodGet, "/api/leases", nil)
		req.RemoteAddr = "127.0.0.1:1234"
		req.Header.Set("Authorization", "Bearer "+key)
		rr := httptest.NewRecorder()
		h.ServeHTTP(rr, req)
		return rr.Code
	}
	if code := call("k1"); code != http.StatusOK {
		t.Fatalf("expected 200, got %d", code)
	}
	src.ring.Store(NewKeyring(false, map[string]string{"k2": "p1"}))
	if code := call("k1"); code != http.StatusUnauthorized {
		t.Fatalf("expected revoked key to fail, got %d", code)
	}
	if code := call("k2"); code != http.StatusOK {
		t.Fatalf("expected new key to pass, got %d", code)
	}
}

type swapSource struct {
	ring atomic.Pointer[Keyring]
}

func (s *swapSource) Keyring() *Keyring { return s.ring.Load() }

func TestBearerToken(t *testing.T) {
	tests := []struct {
		header string
		key    string
		bad    bool
	}{
		{"Bearer abc", "abc", false},
		{"bearer   abc  ", "abc", false},
		{"", "", true},
		{"Basic abc", "", true},
		{"Bearer", "", true},
		{"Bearer    ", "", true},
	}
	for _, tt := range tests {
		key, reason := bearerToken(tt.header)
		if tt.bad != (reason != "") {
			t.Fatalf("%q: reason=%q", tt.header, reason)
		}
		if key != tt.key {
			t.Fatalf("%q: expected key %q, got %q", tt.header, tt.key, key)
		}
	}
}

func TestForwardedForDecidesLocality(t *testing.T) {
	ring := NewKeyring(true, map[string]string{"secret": "proj-a"})
	h := Middleware(ring)(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		info, _ := FromContext(r.Context())
		w.Header().Set("X-Mode", string(info.Mode))
		w.WriteHeader(http.StatusOK)
	}))

	req := httptest.NewRequest(http.MethodGet, "/api/leases", nil)
	req.RemoteAddr = "127.0.0.1:1234"
	req.Header.Set("X-Forwarded-For", "198.51.100.7, 127.0.0.1")
	rr := httptest.NewRecorder()
	h.ServeHTTP(rr, req)
	if rr.Code != http.StatusUnauthorized {
		t.Fatalf("expected forwarded remote client to need a key, got %d", rr.Code)
	}
	if rr.Header().Get("WWW-Authenticate") == "" {
		t.Fatalf("expected WWW-Authenticate challenge")
	}

	req = httptest.NewRequest(http.MethodGet, "/api/leases", nil)
	req.RemoteAddr = "127.0.0.1:1234"
	req.Header.Set("X-Forwarded-For", "127.0.0.1, 198.51.100.7")
	rr = httptest.NewRecorder()
	h.ServeHTTP(rr, req)
	if rr.Code != http.StatusUnauthorized {
		t.Fatalf("expected hop appended by the proxy to win, got %d", rr.Code)
	}

	req = httptest.NewRequest(http.MethodGet, "/api/leases", nil)
	req.RemoteAddr = "[::1]:5000"
	rr = httptest.NewRecorder()
	h.ServeHTTP(rr, req)
	if rr.Code != http.StatusOK {
		t.Fatalf("expected ipv6 loopback bypass, got %d", rr.Code)
	}
}

func TestForwardedForIgnoredFromUntrustedPeer(t *testing.T) {
	ring := NewKeyring(true, map[string]string{"secret": "proj-a"})
	handler := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		info, _ := FromContext(r.Context())
		w.Header().Set("X-Mode", string(info.Mode))
		w.WriteHeader(http.StatusOK)
	})

	for _, fwd := range []string{"127.0.0.1", "localhost", "::1"} {
		req := httptest.NewRequest(http.MethodGet, "/api/leases", nil)
		req.RemoteAddr = "203.0.113.9:5555"
		req.Header.Set("X-Forwarded-For", fwd)
		rr := httptest.NewRecorder()
		Middleware(ring)(handler).ServeHTTP(rr, req)
		if rr.Code != http.StatusUnauthorized {
			t.Fatalf("X-Forwarded-For %q from a remote peer: expected 401, got %d (mode %q)", fwd, rr.Code, rr.Header().Get("X-Mode"))
		}
	}

	proxied := Middleware(ring, WithTrustedProxies(netip.MustParsePrefix("203.0.113.0/24")))(handler)
	req := httptest.NewRequest(http.MethodGet, "/api/leases", nil)
	req.RemoteAddr = "203.0.113.9:5555"
	req.Header.Set("X-Forwarded-For", "localhost")
	rr := httptest.NewRecorder()
	proxied.ServeHTTP(rr, req)
	if rr.Code != http.StatusOK || rr.Header().Get("X-Mode") != string(ModeLocalhost) {
		t.Fatalf("expected trusted proxy to vouch for localhost, got %d %q", rr.Code, rr.Header().Get("X-Mode"))
	}
}
