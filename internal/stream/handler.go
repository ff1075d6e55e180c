// Package stream drives the call-session protocol: it validates each
// inbound frame against the session's current status, keeps the event log
// and chunk metadata, forwards audio to the recording sink and produces
// the reply envelopes the carrier expects.
package stream

import (
	"context"
	"errors"
	"log"
	"sync"
	"time"

	"github.com/ent0n29/streamgate/internal/archive"
	"github.com/ent0n29/streamgate/internal/observability"
	"github.com/ent0n29/streamgate/internal/protocol"
	"github.com/ent0n29/streamgate/internal/recording"
	"github.com/ent0n29/streamgate/internal/session"
)

const archiveTimeout = 5 * time.Second

// Handler wires the protocol core to its collaborators. One Handler serves
// all sessions; per-connection state lives in Stream.
type Handler struct {
	sessions *session.Manager
	sink     *recording.Sink
	archive  archive.Store
	metrics  *observability.Metrics
}

func NewHandler(sessions *session.Manager, sink *recording.Sink, store archive.Store, metrics *observability.Metrics) *Handler {
	return &Handler{
		sessions: sessions,
		sink:     sink,
		archive:  store,
		metrics:  metrics,
	}
}

// NewStream creates the per-connection protocol driver for a session.
// Frames of one stream are handled strictly sequentially by the caller.
func (h *Handler) NewStream(sessionID string) *Stream {
	return &Stream{h: h, sessionID: sessionID}
}

// Result is the outcome of one inbound frame.
type Result struct {
	// Replies are sent on the duplex channel in order.
	Replies []any
	// Terminal is set when a stop or transfer was accepted: the caller
	// acknowledges, then closes the channel after the grace delay.
	Terminal bool
}

// Stream is the per-connection driver. Not safe for concurrent use; the
// connection's read loop is the only caller.
type Stream struct {
	h         *Handler
	sessionID string

	handle    *recording.Handle
	closeOnce sync.Once
}

// HandleFrame processes one raw inbound frame and returns the replies to
// send. Every well-formed envelope is appended to the event log before
// validation; malformed (non-JSON) frames produce an error reply only.
func (s *Stream) HandleFrame(raw []byte) Result {
	frame, err := protocol.Decode(raw)
	if err != nil {
		return s.rejectFrame(frame, err)
	}

	if err := s.logEvent(frame); err != nil {
		return s.errorReply(frame, "session already ended")
	}

	switch frame.Kind {
	case protocol.KindStart:
		return s.handleStart(frame)
	case protocol.KindMedia:
		return s.handleMedia(frame)
	case protocol.KindStop:
		return s.handleTerminal(frame, session.StatusStopped, frame.Stop.Reason)
	case protocol.KindTransfer:
		return s.handleTerminal(frame, session.StatusTransferred, frame.Transfer.Reason)
	default:
		// Decode rejects unknown kinds before we get here.
		return s.errorReply(frame, "unsupported event kind")
	}
}

func (s *Stream) handleStart(frame *protocol.Frame) Result {
	err := s.h.sessions.Start(s.sessionID, frame.Start.StreamSID, frame.Start.CallSID, frame.Start.AccountSID, *frame.Start.MediaFormat)
	if err != nil {
		s.h.metrics.StreamEvents.WithLabelValues(string(protocol.KindStart), "rejected").Inc()
		return s.errorReply(frame, err.Error())
	}
	s.h.metrics.StreamEvents.WithLabelValues(string(protocol.KindStart), "ok").Inc()
	return Result{Replies: []any{protocol.NewStartAck(frame)}}
}

func (s *Stream) handleMedia(frame *protocol.Frame) Result {
	err := s.h.sessions.RecordChunk(s.sessionID, *frame.Media.Chunk, len(frame.Media.Payload))
	if err != nil {
		s.h.metrics.StreamEvents.WithLabelValues(string(protocol.KindMedia), "rejected").Inc()
		return s.errorReply(frame, err.Error())
	}

	if err := s.writeChunk([]byte(frame.Media.Payload)); err != nil {
		// A sink failure is reported but never tears the session down;
		// the carrier may keep sending subsequent chunks.
		log.Printf("session %s: sink write failed: %v", s.sessionID, err)
		s.h.metrics.SinkWriteErrors.Inc()
		s.h.metrics.StreamEvents.WithLabelValues(string(protocol.KindMedia), "sink_error").Inc()
		return s.errorReply(frame, "audio forwarding failed")
	}

	s.h.metrics.StreamEvents.WithLabelValues(string(protocol.KindMedia), "ok").Inc()
	s.h.metrics.MediaChunkBytes.Observe(float64(len(frame.Media.Payload)))
	return Result{Replies: []any{protocol.NewMediaAck(frame, time.Now().UTC())}}
}

func (s *Stream) handleTerminal(frame *protocol.Frame, status session.Status, reason string) Result {
	rec, err := s.h.sessions.Terminate(s.sessionID, status, reason)
	if err != nil {
		s.h.metrics.StreamEvents.WithLabelValues(string(frame.Kind), "rejected").Inc()
		return s.errorReply(frame, err.Error())
	}
	s.h.metrics.StreamEvents.WithLabelValues(string(frame.Kind), "ok").Inc()
	s.finalize(rec)
	return Result{Replies: []any{protocol.NewTerminalAck(frame)}, Terminal: true}
}

// HandleDisconnect runs on channel close from any cause. If the session is
// not yet terminal it becomes disconnected; either way the sink resource
// is released exactly once.
func (s *Stream) HandleDisconnect() {
	rec, err := s.h.sessions.Terminate(s.sessionID, session.StatusDisconnected, "")
	switch {
	case err == nil:
		s.h.metrics.StreamEvents.WithLabelValues("disconnect", "ok").Inc()
		s.finalize(rec)
	case errors.Is(err, session.ErrTerminal):
		s.finalize(nil)
	default:
		log.Printf("session %s: disconnect: %v", s.sessionID, err)
		s.finalize(nil)
	}
}

func (s *Stream) rejectFrame(frame *protocol.Frame, err error) Result {
	var invalid *protocol.InvalidFormatError
	if errors.As(err, &invalid) {
		// Nothing parseable to append to the event log or to address a
		// sequence number from.
		log.Printf("session %s: %v", s.sessionID, invalid)
		s.h.metrics.StreamEvents.WithLabelValues("invalid", "rejected").Inc()
		return Result{Replies: []any{protocol.NewErrorEvent(0, "", invalid.Error())}}
	}

	// Missing fields or unknown kind: the envelope header decoded, so the
	// event still lands in the log before rejection.
	_ = s.logEvent(frame)
	s.h.metrics.StreamEvents.WithLabelValues(string(frame.Kind), "rejected").Inc()
	return s.errorReply(frame, err.Error())
}

func (s *Stream) errorReply(frame *protocol.Frame, message string) Result {
	return Result{Replies: []any{protocol.NewErrorEvent(frame.AckSeq(), frame.StreamSID, message)}}
}

func (s *Stream) logEvent(frame *protocol.Frame) error {
	return s.h.sessions.RecordEvent(s.sessionID, session.EventEntry{
		Kind:       string(frame.Kind),
		Seq:        frame.Seq,
		StreamSID:  frame.StreamSID,
		ReceivedAt: time.Now().UTC(),
		Payload:    frame.Raw,
	})
}

func (s *Stream) writeChunk(payload []byte) error {
	if s.handle == nil {
		h, err := s.h.sink.Open(s.sessionID)
		if err != nil {
			return err
		}
		s.handle = h
	}
	return s.handle.Write(payload)
}

// finalize releases the sink and archives the terminal record. Runs once
// no matter how many termination paths fire.
func (s *Stream) finalize(rec *session.Record) {
	s.closeOnce.Do(func() {
		if s.handle != nil {
			if err := s.handle.Close(); err != nil {
				log.Printf("session %s: close recording: %v", s.sessionID, err)
			}
		}
		if rec == nil || s.h.archive == nil {
			return
		}
		ctx, cancel := context.WithTimeout(context.Background(), archiveTimeout)
		defer cancel()
		if err := s.h.archive.SaveCall(ctx, archive.CallRecord{
			SessionID:       rec.ID,
			CallSID:         rec.CallSID,
			AccountSID:      rec.AccountSID,
			StreamSID:       rec.StreamSID,
			From:            rec.From,
			To:              rec.To,
			Status:          string(rec.Status),
			Reason:          rec.Reason,
			StartedAt:       rec.StartedAt,
			EndedAt:         rec.EndedAt,
			DurationSeconds: rec.DurationSeconds,
			ChunkCount:      rec.ChunkCount,
			EventCount:      len(rec.Events),
		}); err != nil {
			log.Printf("session %s: archive call: %v", s.sessionID, err)
		}
	})
}
