// Package registry is the server's single source of truth for routing: a
// mutex-guarded map from tunnel id (and optional subdomain alias) to the
// owning control channel plus metadata.
package registry

import (
	"crypto/rand"
	"fmt"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/matst80/burrow/internal/obs"
)

// Channel is the control-channel handle a Tunnel owns. The server's control
// connection implements it; tests stub it.
type Channel interface {
	Send(msg any) error
	Close() error
}

// Tunnel is one registered client. LocalHost/LocalPort are set once at
// registration and immutable for the channel's lifetime.
type Tunnel struct {
	ID          string
	Alias       string
	Channel     Channel
	LocalHost   string
	LocalPort   int
	ConnectedAt time.Time

	requestCount atomic.Int64
}

// IncRequests bumps the observability-only request counter.
func (t *Tunnel) IncRequests() { t.requestCount.Add(1) }

// Requests returns the current request count.
func (t *Tunnel) Requests() int64 { return t.requestCount.Load() }

// Snapshot is the read-only view exposed on health/dashboard endpoints and
// published to the optional mirror.
type Snapshot struct {
	ID           string    `json:"id"`
	Alias        string    `json:"alias,omitempty"`
	LocalHost    string    `json:"localHost"`
	LocalPort    int       `json:"localPort"`
	ConnectedAt  time.Time `json:"connectedAt"`
	RequestCount int64     `json:"requestCount"`
}

// Mirror receives registry changes, e.g. to publish them to Redis for
// fleet-wide dashboards. Calls are made outside the registry lock.
type Mirror interface {
	Publish(s Snapshot)
	Remove(id string)
}

// Registry maps ids and aliases to live tunnels. All mutation is serialized
// behind one mutex; a Tunnel is never read mid-mutation.
type Registry struct {
	mu      sync.Mutex
	tunnels map[string]*Tunnel // id or alias -> tunnel
	order   []string           // primary ids in registration order
	mirror  Mirror
}

func New() *Registry {
	return &Registry{tunnels: make(map[string]*Tunnel)}
}

// SetMirror installs an optional mirror. Must be called before the server
// starts accepting control connections.
func (r *Registry) SetMirror(m Mirror) { r.mirror = m }

// Register creates a tunnel under id. It fails when id is already owned by a
// different live channel; a re-register over the same channel returns the
// existing tunnel.
func (r *Registry) Register(id string, ch Channel, localHost string, localPort int) (*Tunnel, error) {
	r.mu.Lock()
	if existing, ok := r.tunnels[id]; ok {
		r.mu.Unlock()
		if existing.Channel == ch {
			return existing, nil
		}
		return nil, fmt.Errorf("tunnel id already registered: %s", id)
	}
	t := &Tunnel{ID: id, Channel: ch, LocalHost: localHost, LocalPort: localPort, ConnectedAt: time.Now()}
	r.tunnels[id] = t
	r.order = append(r.order, id)
	count := r.uniqueCountLocked()
	r.mu.Unlock()
	obs.ActiveTunnels.Set(float64(count))
	if r.mirror != nil {
		r.mirror.Publish(snapshotOf(t))
	}
	return t, nil
}

// RegisterAlias points alias at the same tunnel as existingID. Taken aliases
// are a logged no-op; the first claimant keeps the name.
func (r *Registry) RegisterAlias(existingID, alias string) bool {
	r.mu.Lock()
	t, ok := r.tunnels[existingID]
	if !ok {
		r.mu.Unlock()
		return false
	}
	if other, taken := r.tunnels[alias]; taken {
		sameTunnel := other == t
		r.mu.Unlock()
		if !sameTunnel {
			obs.Error("registry.alias.taken", obs.Fields{"alias": alias, "wanted_by": existingID, "owned_by": other.ID})
		}
		return sameTunnel
	}
	t.Alias = alias
	r.tunnels[alias] = t
	r.mu.Unlock()
	if r.mirror != nil {
		r.mirror.Publish(snapshotOf(t))
	}
	return true
}

// Lookup returns the tunnel registered under id or alias, or nil.
func (r *Registry) Lookup(id string) *Tunnel {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.tunnels[id]
}

// FirstLabel extracts the first hostname label from a Host header value,
// dropping any port suffix.
func FirstLabel(host string) string {
	if i := strings.IndexByte(host, ':'); i != -1 {
		host = host[:i]
	}
	label, _, _ := strings.Cut(host, ".")
	return label
}

// LookupByHost derives the candidate id from the first hostname label. When
// fallbackFirst is set and no label matches, the oldest open tunnel is used
// instead (demo convenience, off by default).
func (r *Registry) LookupByHost(hostHeader string, fallbackFirst bool) *Tunnel {
	label := FirstLabel(hostHeader)
	r.mu.Lock()
	defer r.mu.Unlock()
	if t, ok := r.tunnels[label]; ok {
		return t
	}
	if fallbackFirst && len(r.order) > 0 {
		return r.tunnels[r.order[0]]
	}
	return nil
}

// Remove drops id and any aliases pointing at the same tunnel. Idempotent.
func (r *Registry) Remove(id string) {
	r.mu.Lock()
	t, ok := r.tunnels[id]
	if !ok {
		r.mu.Unlock()
		return
	}
	for key, other := range r.tunnels {
		if other == t {
			delete(r.tunnels, key)
		}
	}
	for i, oid := range r.order {
		if oid == t.ID {
			r.order = append(r.order[:i], r.order[i+1:]...)
			break
		}
	}
	count := r.uniqueCountLocked()
	r.mu.Unlock()
	obs.ActiveTunnels.Set(float64(count))
	if r.mirror != nil {
		r.mirror.Remove(t.ID)
	}
}

// List returns snapshots of all live tunnels in registration order.
func (r *Registry) List() []Snapshot {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]Snapshot, 0, len(r.order))
	for _, id := range r.order {
		if t, ok := r.tunnels[id]; ok {
			out = append(out, snapshotOf(t))
		}
	}
	return out
}

// IDs returns the primary ids of all live tunnels, for 404 diagnostics.
func (r *Registry) IDs() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]string{}, r.order...)
}

// Len counts live tunnels (aliases excluded).
func (r *Registry) Len() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.uniqueCountLocked()
}

func (r *Registry) uniqueCountLocked() int { return len(r.order) }

func snapshotOf(t *Tunnel) Snapshot {
	return Snapshot{
		ID:           t.ID,
		Alias:        t.Alias,
		LocalHost:    t.LocalHost,
		LocalPort:    t.LocalPort,
		ConnectedAt:  t.ConnectedAt,
		RequestCount: t.Requests(),
	}
}

const idAlphabet = "abcdefghijklmnopqrstuvwxyz0123456789"

// NewID returns a random 8-char lowercase alphanumeric tunnel id.
func NewID() string {
	b := make([]byte, 8)
	if _, err := rand.Read(b); err != nil {
		panic(err) // crypto/rand never fails on supported platforms
	}
	for i := range b {
		b[i] = idAlphabet[int(b[i])%len(idAlphabet)]
	}
	return string(b)
}

// SanitizeSubdomain lowercases s and drops everything outside [a-z0-9-].
func SanitizeSubdomain(s string) string {
	s = strings.ToLower(s)
	var out strings.Builder
	for _, r := range s {
		if (r >= 'a' && r <= 'z') || (r >= '0' && r <= '9') || r == '-' {
			out.WriteRune(r)
		}
	}
	return out.String()
}
