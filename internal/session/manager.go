package session

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"sync"
	"time"

	"github.com/looplab/fsm"

	"github.com/ent0n29/streamgate/internal/protocol"
)

var (
	ErrNotFound          = errors.New("session not found")
	ErrTerminal          = errors.New("session already terminal")
	ErrInvalidTransition = errors.New("invalid status transition")
)

// Record is one call session. The manager is the sole writer; readers get
// clones. Once EndedAt is set the record is immutable except for reads.
type Record struct {
	ID          string
	From        string
	To          string
	Status      Status
	StartedAt   time.Time
	ConnectedAt time.Time
	EndedAt     time.Time

	CallSID     string
	AccountSID  string
	StreamSID   string
	MediaFormat *protocol.MediaFormat

	Events     []EventEntry
	Chunks     []ChunkMeta
	ChunkCount int

	Reason          string
	DurationSeconds int64
}

// View renders the record for the query endpoint: audio payloads are
// reduced to a count string, the event log is returned in full.
func (r *Record) View() View {
	return View{
		SessionID:       r.ID,
		CallSID:         r.CallSID,
		AccountSID:      r.AccountSID,
		StreamSID:       r.StreamSID,
		From:            r.From,
		To:              r.To,
		Status:          r.Status,
		StartedAt:       r.StartedAt,
		ConnectedAt:     r.ConnectedAt,
		EndedAt:         r.EndedAt,
		MediaFormat:     r.MediaFormat,
		Reason:          r.Reason,
		DurationSeconds: r.DurationSeconds,
		Audio:           strconv.Itoa(r.ChunkCount) + " audio chunks",
		Chunks:          r.Chunks,
		Events:          r.Events,
	}
}

type record struct {
	Record
	machine *fsm.FSM
}

// Manager owns all live session records.
type Manager struct {
	mu        sync.RWMutex
	records   map[string]*record
	retention time.Duration
	onEvict   func(*Record)
}

// NewManager creates a session store. retention controls how long terminal
// records stay queryable before the janitor evicts them; zero or negative
// keeps them forever.
func NewManager(retention time.Duration) *Manager {
	return &Manager{
		records:   make(map[string]*record),
		retention: retention,
	}
}

// SetEvictHook registers a callback invoked after a terminal record is
// evicted by the janitor.
func (m *Manager) SetEvictHook(hook func(*Record)) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.onEvict = hook
}

// Create registers a session, or returns the existing record when the id
// is already known. The second return reports whether a record was created.
func (m *Manager) Create(id, from, to string) (*Record, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if r, ok := m.records[id]; ok {
		return cloneRecord(r), false
	}
	r := &record{
		Record: Record{
			ID:        id,
			From:      from,
			To:        to,
			Status:    StatusInitiated,
			StartedAt: time.Now().UTC(),
		},
		machine: newStatusMachine(),
	}
	m.records[id] = r
	return cloneRecord(r), true
}

func (m *Manager) Get(id string) (*Record, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	r, ok := m.records[id]
	if !ok {
		return nil, ErrNotFound
	}
	return cloneRecord(r), nil
}

// Connect marks the duplex channel as bound.
func (m *Manager) Connect(id string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	r, ok := m.records[id]
	if !ok {
		return ErrNotFound
	}
	if err := r.apply(evConnect); err != nil {
		return err
	}
	r.ConnectedAt = time.Now().UTC()
	return nil
}

// Start applies a validated start event: records the call identifiers and
// the negotiated media format. The format is set once and never mutated by
// later events.
func (m *Manager) Start(id, streamSID, callSID, accountSID string, format protocol.MediaFormat) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	r, ok := m.records[id]
	if !ok {
		return ErrNotFound
	}
	if err := r.apply(evStart); err != nil {
		return err
	}
	r.StreamSID = streamSID
	r.CallSID = callSID
	r.AccountSID = accountSID
	if r.MediaFormat == nil {
		f := format
		r.MediaFormat = &f
	}
	return nil
}

// RecordEvent appends one inbound envelope to the session's event log.
// Every inbound frame is logged, including ones that later fail
// validation; only terminal records refuse appends.
func (m *Manager) RecordEvent(id string, entry EventEntry) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	r, ok := m.records[id]
	if !ok {
		return ErrNotFound
	}
	if r.Status.Terminal() {
		return ErrTerminal
	}
	r.Events = append(r.Events, entry)
	return nil
}

// RecordChunk validates that media is acceptable in the current status and
// appends the chunk metadata. Chunk indices are caller-assigned; out of
// order or non-contiguous indices are recorded as received.
func (m *Manager) RecordChunk(id string, index int64, size int) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	r, ok := m.records[id]
	if !ok {
		return ErrNotFound
	}
	if !r.machine.Can(evMedia) {
		return fmt.Errorf("%w: media while %s", ErrInvalidTransition, r.Status)
	}
	r.Chunks = append(r.Chunks, ChunkMeta{Index: index, Size: size, ReceivedAt: time.Now().UTC()})
	r.ChunkCount++
	return nil
}

// Terminate moves the session to the given terminal status, stamps the end
// time and computes the whole-second duration. Terminating an already
// terminal session returns ErrTerminal and changes nothing.
func (m *Manager) Terminate(id string, status Status, reason string) (*Record, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	r, ok := m.records[id]
	if !ok {
		return nil, ErrNotFound
	}
	if r.Status.Terminal() {
		return nil, ErrTerminal
	}
	if err := r.apply(terminalEvent(status)); err != nil {
		return nil, err
	}
	now := time.Now().UTC()
	r.EndedAt = now
	r.Reason = reason
	r.DurationSeconds = int64(now.Sub(r.StartedAt) / time.Second)
	return cloneRecord(r), nil
}

// TotalCount returns the number of known sessions, live and terminal.
func (m *Manager) TotalCount() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.records)
}

// StartJanitor evicts terminal records once they age past the retention
// window.
func (m *Manager) StartJanitor(ctx context.Context, interval time.Duration) {
	if m.retention <= 0 {
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
				m.evictExpired()
			}
		}
	}()
}

func (m *Manager) evictExpired() {
	now := time.Now().UTC()
	var evicted []*Record

	m.mu.Lock()
	for id, r := range m.records {
		if !r.Status.Terminal() || r.EndedAt.IsZero() {
			continue
		}
		if now.Sub(r.EndedAt) < m.retention {
			continue
		}
		evicted = append(evicted, cloneRecord(r))
		delete(m.records, id)
	}
	hook := m.onEvict
	m.mu.Unlock()

	if hook != nil {
		for _, r := range evicted {
			hook(r)
		}
	}
}

func (r *record) apply(event string) error {
	err := r.machine.Event(context.Background(), event)
	if err != nil {
		var invalid fsm.InvalidEventError
		if errors.As(err, &invalid) {
			return fmt.Errorf("%w: %s while %s", ErrInvalidTransition, event, r.Status)
		}
		var none fsm.NoTransitionError
		if !errors.As(err, &none) {
			return err
		}
	}
	r.Status = Status(r.machine.Current())
	return nil
}

func cloneRecord(r *record) *Record {
	c := r.Record
	c.Events = append([]EventEntry(nil), r.Events...)
	c.Chunks = append([]ChunkMeta(nil), r.Chunks...)
	if r.MediaFormat != nil {
		f := *r.MediaFormat
		c.MediaFormat = &f
	}
	return &c
}
