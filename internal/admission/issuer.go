// Package admission issues single-use tokens that bind a session id to one
// connection attempt.
package admission

import (
	"context"
	"crypto/rand"
	"encoding/base64"
	"fmt"
	"sync"
	"time"
)

const tokenBytes = 24

type binding struct {
	sessionID string
	createdAt time.Time
}

// Issuer hands out opaque single-use tokens. A token is valid for exactly
// one successful Consume, after which it is deleted.
type Issuer struct {
	mu       sync.Mutex
	bindings map[string]binding
	ttl      time.Duration
}

// NewIssuer creates an issuer. Tokens older than ttl are rejected and
// swept; zero or negative ttl disables expiry.
func NewIssuer(ttl time.Duration) *Issuer {
	return &Issuer{
		bindings: make(map[string]binding),
		ttl:      ttl,
	}
}

// Issue generates a token bound to sessionID.
func (i *Issuer) Issue(sessionID string) (string, error) {
	buf := make([]byte, tokenBytes)
	if _, err := rand.Read(buf); err != nil {
		return "", fmt.Errorf("generate token: %w", err)
	}
	token := base64.RawURLEncoding.EncodeToString(buf)

	i.mu.Lock()
	defer i.mu.Unlock()
	i.bindings[token] = binding{sessionID: sessionID, createdAt: time.Now().UTC()}
	return token, nil
}

// Consume atomically checks that token is bound to sessionID and deletes
// the binding. Only the first caller succeeds; reuse, mismatched session
// ids and expired tokens all fail.
func (i *Issuer) Consume(token, sessionID string) bool {
	i.mu.Lock()
	defer i.mu.Unlock()
	b, ok := i.bindings[token]
	if !ok {
		return false
	}
	if i.ttl > 0 && time.Since(b.createdAt) > i.ttl {
		delete(i.bindings, token)
		return false
	}
	if b.sessionID != sessionID {
		return false
	}
	delete(i.bindings, token)
	return true
}

// Pending returns the number of unconsumed tokens.
func (i *Issuer) Pending() int {
	i.mu.Lock()
	defer i.mu.Unlock()
	return len(i.bindings)
}

// StartJanitor sweeps expired tokens so unused ones do not accumulate.
func (i *Issuer) StartJanitor(ctx context.Context, interval time.Duration) {
	if i.ttl <= 0 {
		return
	}
	if interval <= 0 {
		interval = time.Minute
	}
	ticker := time.NewTicker(interval)
	go func() {
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				i.sweep()
			}
		}
	}()
}

func (i *Issuer) sweep() {
	now := time.Now().UTC()
	i.mu.Lock()
	defer i.mu.Unlock()
	for token, b := range i.bindings {
		if now.Sub(b.createdAt) > i.ttl {
			delete(i.bindings, token)
		}
	}
}
