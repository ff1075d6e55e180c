// Package registry tracks the live duplex channel bound to each session.
package registry

import (
	"errors"
	"sync"
)

// ErrAlreadyBound is returned when a session already has a live channel.
var ErrAlreadyBound = errors.New("session already has a live connection")

// Channel is the minimal surface the registry needs from a duplex
// connection: identity comparison happens on the interface value, and
// Close enables out-of-band teardown.
type Channel interface {
	Close() error
}

// Registry maps session ids to their live channel. At most one channel per
// session id at any time.
type Registry struct {
	mu    sync.RWMutex
	conns map[string]Channel
}

func New() *Registry {
	return &Registry{conns: make(map[string]Channel)}
}

// Bind atomically inserts the channel if the session is unbound. A second
// attempt for a bound session fails without disturbing the existing
// channel.
func (r *Registry) Bind(sessionID string, ch Channel) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.conns[sessionID]; ok {
		return ErrAlreadyBound
	}
	r.conns[sessionID] = ch
	return nil
}

// Unbind removes the entry only when it still holds ch, so a stale unbind
// cannot race a newer bind for the same session id.
func (r *Registry) Unbind(sessionID string, ch Channel) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if cur, ok := r.conns[sessionID]; ok && cur == ch {
		delete(r.conns, sessionID)
	}
}

// Lookup returns the live channel for sessionID, if any.
func (r *Registry) Lookup(sessionID string) (Channel, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	ch, ok := r.conns[sessionID]
	return ch, ok
}

// Len returns the number of live connections.
func (r *Registry) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.conns)
}
