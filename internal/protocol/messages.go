package protocol

import (
	"encoding/json"
	"fmt"
	"strconv"
	"strings"
	"time"
)

// Kind identifies carrier event payload variants.
type Kind string

const (
	KindStart    Kind = "start"
	KindMedia    Kind = "media"
	KindStop     Kind = "stop"
	KindTransfer Kind = "transfer"
	KindError    Kind = "error"
)

// Sequence numbering bands. Control acknowledgements (start/stop/transfer)
// answer at input+1; media acknowledgements answer at input+1000. Both
// offsets are part of the wire contract with the carrier.
const (
	ControlAckOffset int64 = 1
	MediaAckOffset   int64 = 1000
)

// MediaFormat is negotiated once by the first valid start event.
type MediaFormat struct {
	Encoding   string `json:"encoding"`
	SampleRate int    `json:"sample_rate"`
	BitRate    int    `json:"bit_rate"`
}

// StartPayload carries the call identity and negotiated format.
type StartPayload struct {
	StreamSID        string         `json:"stream_sid"`
	CallSID          string         `json:"call_sid"`
	AccountSID       string         `json:"account_sid"`
	From             string         `json:"from"`
	To               string         `json:"to"`
	CustomParameters map[string]any `json:"custom_parameters,omitempty"`
	MediaFormat      *MediaFormat   `json:"media_format"`
}

// MediaPayload carries one opaque audio chunk. Chunk indices are
// caller-assigned and are not required to be contiguous.
type MediaPayload struct {
	Chunk     *int64 `json:"chunk"`
	Payload   string `json:"payload"`
	Timestamp string `json:"timestamp"`
}

// TerminalPayload is shared by stop and transfer events.
type TerminalPayload struct {
	CallSID    string `json:"call_sid"`
	AccountSID string `json:"account_sid"`
	Reason     string `json:"reason"`
}

// Frame is a decoded inbound envelope. Decode fills the header fields even
// when kind-specific validation fails, so error replies and the event log
// can still reference the sequence number and stream id.
type Frame struct {
	Kind      Kind
	Seq       int64
	HasSeq    bool
	StreamSID string

	Start    *StartPayload
	Media    *MediaPayload
	Stop     *TerminalPayload
	Transfer *TerminalPayload

	// Raw is the inbound frame verbatim, retained for the event log so
	// arbitrary caller fields survive without a fixed schema.
	Raw json.RawMessage
}

// AckSeq returns the sequence number an error reply to this frame should
// carry: input+1 when the input carried one, 0 otherwise.
func (f *Frame) AckSeq() int64 {
	if f != nil && f.HasSeq {
		return f.Seq + ControlAckOffset
	}
	return 0
}

type envelope struct {
	Event          string           `json:"event"`
	SequenceNumber *int64           `json:"sequence_number"`
	StreamSID      string           `json:"stream_sid"`
	Start          *StartPayload    `json:"start"`
	Media          *MediaPayload    `json:"media"`
	Stop           *TerminalPayload `json:"stop"`
	Xfer           *TerminalPayload `json:"xfer"`
}

// InvalidFormatError reports a frame that is not valid JSON.
type InvalidFormatError struct {
	Err error
}

func (e *InvalidFormatError) Error() string {
	return fmt.Sprintf("invalid frame: %v", e.Err)
}

func (e *InvalidFormatError) Unwrap() error { return e.Err }

// MissingFieldsError reports a well-formed envelope whose kind-specific
// required fields are absent.
type MissingFieldsError struct {
	Kind   Kind
	Fields []string
}

func (e *MissingFieldsError) Error() string {
	return fmt.Sprintf("%s event missing required fields: %s", e.Kind, strings.Join(e.Fields, ", "))
}

// UnknownKindError reports an envelope whose event kind is not part of the
// protocol.
type UnknownKindError struct {
	Kind string
}

func (e *UnknownKindError) Error() string {
	return fmt.Sprintf("unknown event kind %q", e.Kind)
}

// Decode parses a raw inbound frame. It is a pure function of the frame: it
// never touches session state. On MissingFieldsError and UnknownKindError
// the returned frame still carries the decoded header, so the caller can
// log the event and address an error reply.
func Decode(raw []byte) (*Frame, error) {
	var env envelope
	if err := json.Unmarshal(raw, &env); err != nil {
		return nil, &InvalidFormatError{Err: err}
	}

	f := &Frame{
		Kind:      Kind(env.Event),
		StreamSID: env.StreamSID,
		Raw:       append(json.RawMessage(nil), raw...),
	}
	if env.SequenceNumber != nil {
		f.Seq = *env.SequenceNumber
		f.HasSeq = true
	}

	switch Kind(env.Event) {
	case KindStart:
		f.Start = env.Start
		if missing := missingStartFields(env.Start); len(missing) > 0 {
			return f, &MissingFieldsError{Kind: KindStart, Fields: missing}
		}
	case KindMedia:
		f.Media = env.Media
		if missing := missingMediaFields(env.Media); len(missing) > 0 {
			return f, &MissingFieldsError{Kind: KindMedia, Fields: missing}
		}
	case KindStop:
		f.Stop = env.Stop
		if missing := missingTerminalFields("stop", env.Stop); len(missing) > 0 {
			return f, &MissingFieldsError{Kind: KindStop, Fields: missing}
		}
	case KindTransfer:
		f.Transfer = env.Xfer
		if missing := missingTerminalFields("xfer", env.Xfer); len(missing) > 0 {
			return f, &MissingFieldsError{Kind: KindTransfer, Fields: missing}
		}
	default:
		return f, &UnknownKindError{Kind: env.Event}
	}

	return f, nil
}

func missingStartFields(p *StartPayload) []string {
	if p == nil {
		return []string{
			"start.stream_sid", "start.call_sid", "start.account_sid",
			"start.from", "start.to",
			"start.media_format.encoding", "start.media_format.sample_rate", "start.media_format.bit_rate",
		}
	}
	var missing []string
	if p.StreamSID == "" {
		missing = append(missing, "start.stream_sid")
	}
	if p.CallSID == "" {
		missing = append(missing, "start.call_sid")
	}
	if p.AccountSID == "" {
		missing = append(missing, "start.account_sid")
	}
	if p.From == "" {
		missing = append(missing, "start.from")
	}
	if p.To == "" {
		missing = append(missing, "start.to")
	}
	if p.MediaFormat == nil {
		missing = append(missing,
			"start.media_format.encoding", "start.media_format.sample_rate", "start.media_format.bit_rate")
		return missing
	}
	if p.MediaFormat.Encoding == "" {
		missing = append(missing, "start.media_format.encoding")
	}
	if p.MediaFormat.SampleRate <= 0 {
		missing = append(missing, "start.media_format.sample_rate")
	}
	if p.MediaFormat.BitRate <= 0 {
		missing = append(missing, "start.media_format.bit_rate")
	}
	return missing
}

func missingMediaFields(p *MediaPayload) []string {
	if p == nil {
		return []string{"media.chunk", "media.payload", "media.timestamp"}
	}
	var missing []string
	if p.Chunk == nil {
		missing = append(missing, "media.chunk")
	}
	if p.Payload == "" {
		missing = append(missing, "media.payload")
	}
	if p.Timestamp == "" {
		missing = append(missing, "media.timestamp")
	}
	return missing
}

func missingTerminalFields(key string, p *TerminalPayload) []string {
	if p == nil {
		return []string{key + ".call_sid", key + ".account_sid", key + ".reason"}
	}
	var missing []string
	if p.CallSID == "" {
		missing = append(missing, key+".call_sid")
	}
	if p.AccountSID == "" {
		missing = append(missing, key+".account_sid")
	}
	if p.Reason == "" {
		missing = append(missing, key+".reason")
	}
	return missing
}

// StartAck echoes the validated start fields back to the carrier.
type StartAck struct {
	Event          Kind            `json:"event"`
	SequenceNumber int64           `json:"sequence_number"`
	StreamSID      string          `json:"stream_sid"`
	Start          StartAckPayload `json:"start"`
}

type StartAckPayload struct {
	StreamSID        string         `json:"stream_sid"`
	CallSID          string         `json:"call_sid"`
	AccountSID       string         `json:"account_sid"`
	From             string         `json:"from"`
	To               string         `json:"to"`
	CustomParameters map[string]any `json:"custom_parameters"`
	MediaFormat      MediaFormat    `json:"media_format"`
}

// MediaAck echoes a received chunk with a fresh timestamp.
type MediaAck struct {
	Event          Kind            `json:"event"`
	SequenceNumber int64           `json:"sequence_number"`
	StreamSID      string          `json:"stream_sid"`
	Media          MediaAckPayload `json:"media"`
}

type MediaAckPayload struct {
	Chunk     int64  `json:"chunk"`
	Timestamp string `json:"timestamp"`
	Payload   string `json:"payload"`
}

// TerminalAck acknowledges a stop or transfer event.
type TerminalAck struct {
	Event          Kind             `json:"event"`
	SequenceNumber int64            `json:"sequence_number"`
	StreamSID      string           `json:"stream_sid"`
	Stop           *TerminalPayload `json:"stop,omitempty"`
	Xfer           *TerminalPayload `json:"xfer,omitempty"`
}

// ErrorEvent reports a rejected frame back to the carrier.
type ErrorEvent struct {
	Event          Kind   `json:"event"`
	SequenceNumber int64  `json:"sequence_number"`
	StreamSID      string `json:"stream_sid"`
	Error          string `json:"error"`
}

// NewStartAck builds the acknowledgement for a validated start frame.
// custom_parameters defaults to an empty object when the carrier sent none.
func NewStartAck(f *Frame) StartAck {
	params := f.Start.CustomParameters
	if params == nil {
		params = map[string]any{}
	}
	return StartAck{
		Event:          KindStart,
		SequenceNumber: f.Seq + ControlAckOffset,
		StreamSID:      f.StreamSID,
		Start: StartAckPayload{
			StreamSID:        f.Start.StreamSID,
			CallSID:          f.Start.CallSID,
			AccountSID:       f.Start.AccountSID,
			From:             f.Start.From,
			To:               f.Start.To,
			CustomParameters: params,
			MediaFormat:      *f.Start.MediaFormat,
		},
	}
}

// NewMediaAck builds the acknowledgement for a validated media frame,
// echoing the payload and stamping a fresh timestamp.
func NewMediaAck(f *Frame, now time.Time) MediaAck {
	return MediaAck{
		Event:          KindMedia,
		SequenceNumber: f.Seq + MediaAckOffset,
		StreamSID:      f.StreamSID,
		Media: MediaAckPayload{
			Chunk:     *f.Media.Chunk,
			Timestamp: strconv.FormatInt(now.UnixMilli(), 10),
			Payload:   f.Media.Payload,
		},
	}
}

// NewTerminalAck builds the acknowledgement for a validated stop or
// transfer frame.
func NewTerminalAck(f *Frame) TerminalAck {
	ack := TerminalAck{
		Event:          f.Kind,
		SequenceNumber: f.Seq + ControlAckOffset,
		StreamSID:      f.StreamSID,
	}
	switch f.Kind {
	case KindStop:
		ack.Stop = f.Stop
	case KindTransfer:
		ack.Xfer = f.Transfer
	}
	return ack
}

// NewErrorEvent builds an error reply. seq follows Frame.AckSeq semantics:
// input+1 when the offending frame carried a sequence number, 0 otherwise.
func NewErrorEvent(seq int64, streamSID, message string) ErrorEvent {
	return ErrorEvent{
		Event:          KindError,
		SequenceNumber: seq,
		StreamSID:      streamSID,
		Error:          message,
	}
}
