package auth

import (
	"context"
	"encoding/json"
	"log/slog"
	"net"
	"net/http"
	"net/netip"
	"strings"
)

type Mode string

const (
	ModeLocalhost Mode = "localhost"
	ModeAPIKey    Mode = "api_key"
)

// Info describes how a request was authenticated. Project is empty for
// localhost requests, which name their project explicitly.
type Info struct {
	Mode    Mode
	Project string
	Client  netip.Addr
}

type contextKey struct{}

func FromContext(ctx context.Context) (Info, bool) {
	v, ok := ctx.Value(contextKey{}).(Info)
	return v, ok
}

func withInfo(r *http.Request, info Info) *http.Request {
	return r.WithContext(context.WithValue(r.Context(), contextKey{}, info))
}

type MiddlewareOption func(*middleware)

// WithTrustedProxies lists the peers, besides loopback, whose
// X-Forwarded-For header is believed.
func WithTrustedProxies(prefixes ...netip.Prefix) MiddlewareOption {
	return func(m *middleware) { m.trusted = append(m.trusted, prefixes...) }
}

// WithRejectLogger logs every rejected request at debug level.
func WithRejectLogger(l *slog.Logger) MiddlewareOption {
	return func(m *middleware) { m.logger = l }
}

type middleware struct {
	src     Source
	trusted []netip.Prefix
	logger  *slog.Logger
}

// Middleware authenticates each request against the keyring src holds at
// that moment.
func Middleware(src Source, opts ...MiddlewareOption) func(http.Handler) http.Handler {
	m := &middleware{src: src}
	if m.src == nil {
		m.src = defaultKeyring()
	}
	for _, opt := range opts {
		opt(m)
	}
	return m.wrap
}

func (m *middleware) wrap(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ring := m.src.Keyring()
		if ring == nil {
			ring = defaultKeyring()
		}
		client := m.clientAddr(r)
		if ring.AllowLocalhostWithoutAuth && client.IsLoopback() {
			next.ServeHTTP(w, withInfo(r, Info{Mode: ModeLocalhost, Client: client}))
			return
		}
		key, reason := bearerToken(r.Header.Get("Authorization"))
		project := ""
		if reason == "" {
			var ok bool
			if project, ok = ring.ProjectForKey(key); !ok {
				reason = "unknown key"
			}
		}
		if reason != "" {
			if m.logger != nil {
				m.logger.Debug("request rejected", "path", r.URL.Path, "client", client.String(), "reason", reason)
			}
			w.Header().Set("Content-Type", "application/json")
			w.Header().Set("WWW-Authenticate", `Bearer realm="interlock"`)
			w.WriteHeader(http.StatusUnauthorized)
			_ = json.NewEncoder(w).Encode(map[string]string{"error": "unauthorized", "message": reason})
			return
		}
		next.ServeHTTP(w, withInfo(r, Info{Mode: ModeAPIKey, Project: project, Client: client}))
	})
}

// bearerToken extracts the key from an Authorization header. A non-empty
// reason means the header is unusable.
func bearerToken(header string) (key, reason string) {
	header = strings.TrimSpace(header)
	if header == "" {
		return "", "missing bearer token"
	}
	scheme, rest, found := strings.Cut(header, " ")
	if !found || !strings.EqualFold(scheme, "Bearer") {
		return "", "malformed authorization header"
	}
	if key = strings.TrimSpace(rest); key == "" {
		return "", "missing bearer token"
	}
	return key, ""
}

// clientAddr resolves the originating address. X-Forwarded-For is only
// consulted when the direct peer is a trusted proxy; hops are read right to
// left and the first one that is not itself a trusted proxy is the client.
// "localhost" maps to the IPv4 loopback. The zero Addr is returned when
// nothing parses.
func (m *middleware) clientAddr(r *http.Request) netip.Addr {
	host := r.RemoteAddr
	if h, _, err := net.SplitHostPort(host); err == nil {
		host = h
	}
	peer, ok := parseHost(host)
	if !ok || !m.isTrusted(peer) {
		return peer
	}
	hops := strings.Split(r.Header.Get("X-Forwarded-For"), ",")
	client := peer
	for i := len(hops) - 1; i >= 0; i-- {
		addr, ok := parseHost(hops[i])
		if !ok {
			break
		}
		client = addr
		if !m.isTrusted(addr) {
			break
		}
	}
	return client
}

func (m *middleware) isTrusted(addr netip.Addr) bool {
	if addr.IsLoopback() {
		return true
	}
	for _, p := range m.trusted {
		if p.Contains(addr) {
			return true
		}
	}
	return false
}

func parseHost(s string) (netip.Addr, bool) {
	s = strings.TrimSpace(s)
	if strings.EqualFold(s, "localhost") {
		return netip.AddrFrom4([4]byte{127, 0, 0, 1}), true
	}
	addr, err := netip.ParseAddr(s)
	if err != nil {
		return netip.Addr{}, false
	}
	return addr.Unmap(), true
}
