package server

import (
	"crypto/rand"
	"encoding/hex"
	"sync"

	"github.com/matst80/burrow/internal/obs"
)

type pendingKind int

const (
	kindHTTPRequest pendingKind = iota
	kindWSUpgrade
)

// pendingEntry is one in-flight correlation. Exactly one resolver wins: the
// entry is popped from the map first, and only the popper may touch result.
type pendingEntry struct {
	kind     pendingKind
	tunnelID string
	result   chan any // buffered 1; closed on failure, sent on success
}

func newPendingEntry(kind pendingKind, tunnelID string) *pendingEntry {
	return &pendingEntry{kind: kind, tunnelID: tunnelID, result: make(chan any, 1)}
}

// pendingMap tracks correlations awaiting a client reply. All mutation is
// behind one mutex.
type pendingMap struct {
	mu      sync.Mutex
	entries map[string]*pendingEntry
}

func newPendingMap() *pendingMap {
	return &pendingMap{entries: make(map[string]*pendingEntry)}
}

func (p *pendingMap) add(id string, e *pendingEntry) {
	p.mu.Lock()
	p.entries[id] = e
	n := len(p.entries)
	p.mu.Unlock()
	obs.PendingCorrelations.Set(float64(n))
}

// pop removes and returns the entry, or nil when it was already resolved.
func (p *pendingMap) pop(id string) *pendingEntry {
	p.mu.Lock()
	e := p.entries[id]
	delete(p.entries, id)
	n := len(p.entries)
	p.mu.Unlock()
	obs.PendingCorrelations.Set(float64(n))
	return e
}

// resolve delivers a client reply to the waiting correlation. Returns false
// when the correlation was already resolved (timed out or failed).
func (p *pendingMap) resolve(id string, result any) bool {
	e := p.pop(id)
	if e == nil {
		return false
	}
	e.result <- result
	return true
}

// failAllForTunnel fails every correlation owned by tunnelID, synchronously,
// so a closing control channel never leaves a waiter hanging. Returns the
// number of correlations failed.
func (p *pendingMap) failAllForTunnel(tunnelID string) int {
	p.mu.Lock()
	var failed []*pendingEntry
	for id, e := range p.entries {
		if e.tunnelID == tunnelID {
			failed = append(failed, e)
			delete(p.entries, id)
		}
	}
	n := len(p.entries)
	p.mu.Unlock()
	obs.PendingCorrelations.Set(float64(n))
	for _, e := range failed {
		close(e.result)
	}
	return len(failed)
}

func (p *pendingMap) len() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.entries)
}

// newCorrelationID returns a random id, unique within a channel's lifetime.
func newCorrelationID() string {
	b := make([]byte, 10)
	if _, err := rand.Read(b); err != nil {
		panic(err)
	}
	return hex.EncodeToString(b)
}
