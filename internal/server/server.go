// Package server implements the relay: tunnel registration over a websocket
// control channel, host-based routing of public HTTP requests, the websocket
// upgrade bridge and raw TCP forwards.
package server

import (
	"encoding/json"
	"fmt"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/matst80/burrow/internal/obs"
	"github.com/matst80/burrow/internal/ratelimit"
	"github.com/matst80/burrow/internal/registry"
	"github.com/matst80/burrow/internal/web"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Options configures a Server. Zero values get sensible defaults from New.
type Options struct {
	// Domain is the base wildcard domain advertised in tunnel URLs
	// (e.g. "example.com" -> abc123.example.com).
	Domain string
	// Scheme for advertised URLs; the edge proxy terminates TLS so this is
	// about what the public sees, not what this process serves.
	Scheme string
	// FallbackFirst routes unmatched hosts to the oldest open tunnel.
	FallbackFirst bool
	// RequestTimeout bounds a routed HTTP request (504 on expiry).
	RequestTimeout time.Duration
	// UpgradeTimeout bounds a websocket upgrade handshake (400 on expiry).
	UpgradeTimeout time.Duration
	// MaxBodyBytes caps forwarded request bodies.
	MaxBodyBytes int64
	// Limiter is optional request/registration rate limiting.
	Limiter *ratelimit.Limiter
}

// Server owns the registry and the pending-correlation map. It is constructed
// fresh per test; nothing here is process-global.
type Server struct {
	reg     *registry.Registry
	pending *pendingMap
	opts    Options
	mirror  *registry.RedisMirror

	mu      sync.Mutex
	ready   bool
	closing bool
	conns   map[*controlConn]struct{}
}

func New(reg *registry.Registry, opts Options) *Server {
	if opts.Scheme == "" {
		opts.Scheme = "http"
	}
	if opts.RequestTimeout <= 0 {
		opts.RequestTimeout = 30 * time.Second
	}
	if opts.UpgradeTimeout <= 0 {
		opts.UpgradeTimeout = 10 * time.Second
	}
	if opts.MaxBodyBytes <= 0 {
		opts.MaxBodyBytes = 10 << 20
	}
	return &Server{
		reg:     reg,
		pending: newPendingMap(),
		opts:    opts,
		conns:   make(map[*controlConn]struct{}),
	}
}

// SetMirror installs the optional Redis mirror used by the ops dashboard for
// fleet-wide tunnel listings.
func (s *Server) SetMirror(m *registry.RedisMirror) { s.mirror = m }

func (s *Server) SetReady(v bool) {
	s.mu.Lock()
	s.ready = v
	s.mu.Unlock()
}

// Close marks the server closing and tears down every control channel, which
// in turn fails all pending correlations and bridged sockets.
func (s *Server) Close() {
	s.mu.Lock()
	s.closing = true
	conns := make([]*controlConn, 0, len(s.conns))
	for c := range s.conns {
		conns = append(conns, c)
	}
	s.mu.Unlock()
	for _, c := range conns {
		_ = c.Close()
	}
}

func (s *Server) trackConn(c *controlConn) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closing {
		return false
	}
	s.conns[c] = struct{}{}
	return true
}

func (s *Server) untrackConn(c *controlConn) {
	s.mu.Lock()
	delete(s.conns, c)
	s.mu.Unlock()
}

// PublicHandler is the catch-all public surface: health and dashboard
// endpoints, websocket upgrades, and routed HTTP requests.
func (s *Server) PublicHandler() http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Method == http.MethodGet && r.URL.Path == "/health" {
			s.serveHealth(w)
			return
		}
		if r.Method == http.MethodGet && r.URL.Path == "/dashboard" {
			s.serveDashboard(w)
			return
		}
		if isUpgradeRequest(r) {
			s.bridgeUpgrade(w, r)
			return
		}
		s.routeRequest(w, r)
	})
}

func isUpgradeRequest(r *http.Request) bool {
	return strings.EqualFold(r.Header.Get("Upgrade"), "websocket") &&
		strings.Contains(strings.ToLower(r.Header.Get("Connection")), "upgrade")
}

type healthTunnel struct {
	ID           string    `json:"id"`
	LocalPort    int       `json:"localPort"`
	ConnectedAt  time.Time `json:"connectedAt"`
	RequestCount int64     `json:"requestCount"`
}

func (s *Server) serveHealth(w http.ResponseWriter) {
	snaps := s.reg.List()
	tunnels := make([]healthTunnel, 0, len(snaps))
	for _, t := range snaps {
		tunnels = append(tunnels, healthTunnel{ID: t.ID, LocalPort: t.LocalPort, ConnectedAt: t.ConnectedAt, RequestCount: t.RequestCount})
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"status":        "ok",
		"activeTunnels": len(tunnels),
		"tunnels":       tunnels,
		"timestamp":     time.Now().UTC().Format(time.RFC3339),
	})
}

type dashboardTunnel struct {
	ID           string    `json:"id"`
	URL          string    `json:"url"`
	LocalPort    int       `json:"localPort"`
	ConnectedAt  time.Time `json:"connectedAt"`
	RequestCount int64     `json:"requestCount"`
}

func (s *Server) serveDashboard(w http.ResponseWriter) {
	snaps := s.reg.List()
	tunnels := make([]dashboardTunnel, 0, len(snaps))
	for _, t := range snaps {
		name := t.ID
		if t.Alias != "" {
			name = t.Alias
		}
		tunnels = append(tunnels, dashboardTunnel{ID: t.ID, URL: s.publicURL(name), LocalPort: t.LocalPort, ConnectedAt: t.ConnectedAt, RequestCount: t.RequestCount})
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"server":        "burrow",
		"status":        "ok",
		"activeTunnels": len(tunnels),
		"tunnels":       tunnels,
	})
}

func (s *Server) publicURL(name string) string {
	domain := s.opts.Domain
	if domain == "" {
		domain = "localhost"
	}
	return fmt.Sprintf("%s://%s.%s", s.opts.Scheme, name, domain)
}

// OpsHandler serves prometheus metrics, liveness/readiness probes and the
// HTML dashboard on the internal listener.
func (s *Server) OpsHandler() http.Handler {
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.Handler())
	mux.HandleFunc("/healthz", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("ok"))
	})
	mux.HandleFunc("/readyz", func(w http.ResponseWriter, r *http.Request) {
		s.mu.Lock()
		ready, closing := s.ready, s.closing
		s.mu.Unlock()
		if closing || !ready {
			w.WriteHeader(http.StatusServiceUnavailable)
			return
		}
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("ready"))
	})
	mux.HandleFunc("/dashboard", func(w http.ResponseWriter, r *http.Request) {
		snaps := s.reg.List()
		if s.mirror != nil {
			if fleet, err := s.mirror.FleetTunnels(r.Context()); err == nil {
				snaps = fleet
			}
		}
		w.Header().Set("Content-Type", "text/html; charset=utf-8")
		if err := web.Render(w, "dashboard", map[string]any{
			"ActiveTunnels": len(snaps),
			"Pending":       s.pending.len(),
			"Tunnels":       snaps,
		}); err != nil {
			obs.Error("ops.dashboard.render", obs.Fields{"err": err.Error()})
		}
	})
	return mux
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}
