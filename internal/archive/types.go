package archive

import (
	"context"
	"time"
)

// CallRecord is the durable summary of a finished call session.
type CallRecord struct {
	ID              string    `json:"id"`
	SessionID       string    `json:"session_id"`
	CallSID         string    `json:"call_sid"`
	AccountSID      string    `json:"account_sid"`
	StreamSID       string    `json:"stream_sid"`
	From            string    `json:"from"`
	To              string    `json:"to"`
	Status          string    `json:"status"`
	Reason          string    `json:"reason"`
	StartedAt       time.Time `json:"started_at"`
	EndedAt         time.Time `json:"ended_at"`
	DurationSeconds int64     `json:"duration_seconds"`
	ChunkCount      int       `json:"chunk_count"`
	EventCount      int       `json:"event_count"`
}

// Store persists summaries of terminal sessions.
type Store interface {
	SaveCall(ctx context.Context, record CallRecord) error
	Close() error
}
