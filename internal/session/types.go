package session

import (
	"encoding/json"
	"time"

	"github.com/ent0n29/streamgate/internal/protocol"
)

// SetupRequest defines the payload for registering a call.
type SetupRequest struct {
	CallSID string `json:"call_sid"`
	From    string `json:"from"`
	To      string `json:"to"`
}

// SetupResponse returns the connection address for the carrier, with a
// single-use admission token embedded.
type SetupResponse struct {
	CallSID string `json:"call_sid"`
	WSURL   string `json:"ws_url"`
}

// EventEntry is one appended wire event. Payload keeps the inbound frame
// verbatim, so arbitrary carrier fields survive in the log.
type EventEntry struct {
	Kind       string          `json:"event"`
	Seq        int64           `json:"sequence_number"`
	StreamSID  string          `json:"stream_sid"`
	ReceivedAt time.Time       `json:"received_at"`
	Payload    json.RawMessage `json:"payload"`
}

// ChunkMeta describes one received audio chunk. The audio bytes themselves
// are forwarded to the recording sink, never retained here.
type ChunkMeta struct {
	Index      int64     `json:"chunk"`
	Size       int       `json:"size"`
	ReceivedAt time.Time `json:"received_at"`
}

// View is the query shape of a record: chunk payloads are reduced to a
// count string, the event log is returned in full.
type View struct {
	SessionID       string                `json:"session_id"`
	CallSID         string                `json:"call_sid,omitempty"`
	AccountSID      string                `json:"account_sid,omitempty"`
	StreamSID       string                `json:"stream_sid,omitempty"`
	From            string                `json:"from"`
	To              string                `json:"to"`
	Status          Status                `json:"status"`
	StartedAt       time.Time             `json:"started_at"`
	ConnectedAt     time.Time             `json:"connected_at,omitzero"`
	EndedAt         time.Time             `json:"ended_at,omitzero"`
	MediaFormat     *protocol.MediaFormat `json:"media_format,omitempty"`
	Reason          string                `json:"reason,omitempty"`
	DurationSeconds int64                 `json:"duration_seconds"`
	Audio           string                `json:"audio"`
	Chunks          []ChunkMeta           `json:"chunks,omitempty"`
	Events          []EventEntry          `json:"events"`
}
