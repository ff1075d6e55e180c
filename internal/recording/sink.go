// Package recording persists per-session audio payloads. Payloads are
// written exactly as received from the wire (typically base64 text); no
// decoding or re-encoding happens here.
package recording

import (
	"bufio"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"
)

// Sink hands out one scoped file per session under a base directory.
type Sink struct {
	mu   sync.Mutex
	dir  string
	open map[string]*Handle
}

func NewSink(dir string) *Sink {
	return &Sink{dir: dir, open: make(map[string]*Handle)}
}

// Open acquires the session's output resource. Open is idempotent per
// session: a second call returns the already-open handle.
func (s *Sink) Open(sessionID string) (*Handle, error) {
	s.mu.Lock()
	if h, ok := s.open[sessionID]; ok {
		s.mu.Unlock()
		return h, nil
	}
	s.mu.Unlock()

	// File creation happens outside the sink lock so one session's slow
	// filesystem never stalls another session's open.
	if err := os.MkdirAll(s.dir, 0o755); err != nil {
		return nil, fmt.Errorf("create recording dir: %w", err)
	}
	path := filepath.Join(s.dir, safeName(sessionID)+".raw")
	f, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
	if err != nil {
		return nil, fmt.Errorf("open recording %s: %w", path, err)
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if h, ok := s.open[sessionID]; ok {
		// Lost a concurrent open for the same session.
		_ = f.Close()
		return h, nil
	}
	h := &Handle{sink: s, sessionID: sessionID, f: f, w: bufio.NewWriter(f)}
	s.open[sessionID] = h
	return h, nil
}

// OpenCount returns the number of sessions with a live handle.
func (s *Sink) OpenCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.open)
}

func (s *Sink) release(sessionID string, h *Handle) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if cur, ok := s.open[sessionID]; ok && cur == h {
		delete(s.open, sessionID)
	}
}

// Handle is one session's open recording.
type Handle struct {
	sink      *Sink
	sessionID string

	mu     sync.Mutex
	f      *os.File
	w      *bufio.Writer
	closed bool
}

// Write appends an opaque payload as provided by the carrier.
func (h *Handle) Write(payload []byte) error {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.closed {
		return fmt.Errorf("recording for %s already closed", h.sessionID)
	}
	if _, err := h.w.Write(payload); err != nil {
		return fmt.Errorf("write recording for %s: %w", h.sessionID, err)
	}
	return nil
}

// Close flushes and releases the resource. Close is idempotent and must be
// invoked on every termination path; an unclosed handle leaks the file
// indefinitely.
func (h *Handle) Close() error {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.closed {
		return nil
	}
	h.closed = true
	h.sink.release(h.sessionID, h)

	flushErr := h.w.Flush()
	closeErr := h.f.Close()
	if flushErr != nil {
		return fmt.Errorf("flush recording for %s: %w", h.sessionID, flushErr)
	}
	if closeErr != nil {
		return fmt.Errorf("close recording for %s: %w", h.sessionID, closeErr)
	}
	return nil
}

// safeName keeps externally supplied session ids from escaping the
// recording directory.
func safeName(id string) string {
	return strings.Map(func(r rune) rune {
		switch {
		case r >= 'a' && r <= 'z', r >= 'A' && r <= 'Z', r >= '0' && r <= '9':
			return r
		case r == '-' || r == '_' || r == '.':
			return r
		default:
			return '_'
		}
	}, id)
}
