package stream

import (
	"fmt"
	"os"
	"path/filepath"
	"sync/atomic"
	"testing"
	"time"

	"github.com/ent0n29/streamgate/internal/archive"
	"github.com/ent0n29/streamgate/internal/observability"
	"github.com/ent0n29/streamgate/internal/protocol"
	"github.com/ent0n29/streamgate/internal/recording"
	"github.com/ent0n29/streamgate/internal/session"
)

var metricsSeq atomic.Int64

func newTestMetrics() *observability.Metrics {
	return observability.NewMetrics(fmt.Sprintf("test_stream_%d", metricsSeq.Add(1)))
}

type fixture struct {
	sessions *session.Manager
	sink     *recording.Sink
	archive  *archive.InMemoryStore
	handler  *Handler
	dir      string
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	dir := t.TempDir()
	f := &fixture{
		sessions: session.NewManager(0),
		sink:     recording.NewSink(dir),
		archive:  archive.NewInMemoryStore(),
		dir:      dir,
	}
	f.handler = NewHandler(f.sessions, f.sink, f.archive, newTestMetrics())
	return f
}

func (f *fixture) connectedStream(t *testing.T, id string) *Stream {
	t.Helper()
	f.sessions.Create(id, "+1", "+2")
	if err := f.sessions.Connect(id); err != nil {
		t.Fatalf("Connect() error = %v", err)
	}
	return f.handler.NewStream(id)
}

const startFrame = `{"event":"start","sequence_number":0,"stream_sid":"MZ1","start":{"stream_sid":"MZ1","call_sid":"C1","account_sid":"AC1","from":"+1","to":"+2","media_format":{"encoding":"pcmu","sample_rate":8000,"bit_rate":64000}}}`

func TestStartMediaStopScenario(t *testing.T) {
	f := newFixture(t)
	st := f.connectedStream(t, "C1")

	res := st.HandleFrame([]byte(startFrame))
	if len(res.Replies) != 1 || res.Terminal {
		t.Fatalf("start result = %+v", res)
	}
	ack, ok := res.Replies[0].(protocol.StartAck)
	if !ok {
		t.Fatalf("start reply type = %T", res.Replies[0])
	}
	if ack.SequenceNumber != 1 {
		t.Fatalf("start ack seq = %d, want 1", ack.SequenceNumber)
	}
	rec, _ := f.sessions.Get("C1")
	if rec.Status != session.StatusStarted {
		t.Fatalf("status = %q, want started", rec.Status)
	}

	res = st.HandleFrame([]byte(`{"event":"media","sequence_number":1,"stream_sid":"MZ1","media":{"chunk":1,"payload":"QQ==","timestamp":"1"}}`))
	mediaAck, ok := res.Replies[0].(protocol.MediaAck)
	if !ok {
		t.Fatalf("media reply type = %T", res.Replies[0])
	}
	if mediaAck.SequenceNumber != 1001 {
		t.Fatalf("media ack seq = %d, want 1001", mediaAck.SequenceNumber)
	}
	if mediaAck.Media.Payload != "QQ==" {
		t.Fatalf("media ack payload = %q, want echo", mediaAck.Media.Payload)
	}

	res = st.HandleFrame([]byte(`{"event":"stop","sequence_number":2,"stream_sid":"MZ1","stop":{"call_sid":"C1","account_sid":"AC1","reason":"completed"}}`))
	if !res.Terminal {
		t.Fatalf("stop should be terminal")
	}
	stopAck, ok := res.Replies[0].(protocol.TerminalAck)
	if !ok {
		t.Fatalf("stop reply type = %T", res.Replies[0])
	}
	if stopAck.SequenceNumber != 3 {
		t.Fatalf("stop ack seq = %d, want 3", stopAck.SequenceNumber)
	}

	rec, _ = f.sessions.Get("C1")
	if rec.Status != session.StatusStopped || rec.Reason != "completed" {
		t.Fatalf("terminal record: %+v", rec)
	}
	if rec.ChunkCount != 1 || len(rec.Events) != 3 {
		t.Fatalf("chunks = %d, events = %d; want 1 and 3", rec.ChunkCount, len(rec.Events))
	}
	want := int64(rec.EndedAt.Sub(rec.StartedAt) / time.Second)
	if rec.DurationSeconds != want {
		t.Fatalf("duration = %d, want %d", rec.DurationSeconds, want)
	}

	// The sink was flushed and released, with the payload passed through.
	if f.sink.OpenCount() != 0 {
		t.Fatalf("sink handles still open: %d", f.sink.OpenCount())
	}
	data, err := os.ReadFile(filepath.Join(f.dir, "C1.raw"))
	if err != nil {
		t.Fatalf("read recording: %v", err)
	}
	if string(data) != "QQ==" {
		t.Fatalf("recording = %q, want QQ==", data)
	}

	// Exactly one archived call.
	calls := f.archive.Calls()
	if len(calls) != 1 || calls[0].Status != "stopped" || calls[0].ChunkCount != 1 {
		t.Fatalf("archive calls = %+v", calls)
	}

	// A late disconnect (grace-close firing) changes nothing.
	st.HandleDisconnect()
	if got := f.archive.Calls(); len(got) != 1 {
		t.Fatalf("disconnect after stop archived again: %d records", len(got))
	}
}

func TestTransferTerminal(t *testing.T) {
	f := newFixture(t)
	st := f.connectedStream(t, "C1")
	st.HandleFrame([]byte(startFrame))

	res := st.HandleFrame([]byte(`{"event":"transfer","sequence_number":4,"stream_sid":"MZ1","xfer":{"call_sid":"C1","account_sid":"AC1","reason":"agent"}}`))
	if !res.Terminal {
		t.Fatalf("transfer should be terminal")
	}
	ack := res.Replies[0].(protocol.TerminalAck)
	if ack.SequenceNumber != 5 || ack.Xfer == nil || ack.Xfer.Reason != "agent" {
		t.Fatalf("transfer ack = %+v", ack)
	}
	rec, _ := f.sessions.Get("C1")
	if rec.Status != session.StatusTransferred {
		t.Fatalf("status = %q, want transferred", rec.Status)
	}
}

func TestMalformedFrameLeavesStateUnchanged(t *testing.T) {
	f := newFixture(t)
	st := f.connectedStream(t, "C1")

	res := st.HandleFrame([]byte("{broken"))
	if len(res.Replies) != 1 || res.Terminal {
		t.Fatalf("malformed frame result = %+v", res)
	}
	ev, ok := res.Replies[0].(protocol.ErrorEvent)
	if !ok {
		t.Fatalf("reply type = %T", res.Replies[0])
	}
	if ev.SequenceNumber != 0 {
		t.Fatalf("error seq = %d, want 0", ev.SequenceNumber)
	}

	rec, _ := f.sessions.Get("C1")
	if rec.Status != session.StatusConnected {
		t.Fatalf("status = %q, want connected", rec.Status)
	}
	if len(rec.Events) != 0 {
		t.Fatalf("unparseable frame should not be logged, got %d events", len(rec.Events))
	}
}

func TestStartMissingFieldsStillLogged(t *testing.T) {
	f := newFixture(t)
	st := f.connectedStream(t, "C1")

	res := st.HandleFrame([]byte(`{"event":"start","sequence_number":0,"stream_sid":"MZ1","start":{"stream_sid":"MZ1"}}`))
	ev, ok := res.Replies[0].(protocol.ErrorEvent)
	if !ok {
		t.Fatalf("reply type = %T", res.Replies[0])
	}
	if ev.SequenceNumber != 1 {
		t.Fatalf("error seq = %d, want 1", ev.SequenceNumber)
	}

	rec, _ := f.sessions.Get("C1")
	if rec.Status != session.StatusConnected {
		t.Fatalf("status = %q, want connected", rec.Status)
	}
	if len(rec.Events) != 1 {
		t.Fatalf("rejected event should still be logged, got %d", len(rec.Events))
	}
}

func TestUnknownKindLoggedAndRejected(t *testing.T) {
	f := newFixture(t)
	st := f.connectedStream(t, "C1")

	res := st.HandleFrame([]byte(`{"event":"mark","sequence_number":9,"stream_sid":"MZ1"}`))
	ev := res.Replies[0].(protocol.ErrorEvent)
	if ev.SequenceNumber != 10 {
		t.Fatalf("error seq = %d, want 10", ev.SequenceNumber)
	}
	rec, _ := f.sessions.Get("C1")
	if len(rec.Events) != 1 || rec.Events[0].Kind != "mark" {
		t.Fatalf("unknown event not logged: %+v", rec.Events)
	}
	if rec.Status != session.StatusConnected {
		t.Fatalf("status = %q, want connected", rec.Status)
	}
}

func TestMediaBeforeStartRejected(t *testing.T) {
	f := newFixture(t)
	st := f.connectedStream(t, "C1")

	res := st.HandleFrame([]byte(`{"event":"media","sequence_number":1,"stream_sid":"MZ1","media":{"chunk":1,"payload":"QQ==","timestamp":"1"}}`))
	if _, ok := res.Replies[0].(protocol.ErrorEvent); !ok {
		t.Fatalf("reply type = %T, want ErrorEvent", res.Replies[0])
	}
	rec, _ := f.sessions.Get("C1")
	if rec.Status != session.StatusConnected || rec.ChunkCount != 0 {
		t.Fatalf("media before start mutated state: %+v", rec)
	}
}

func TestAbruptDisconnectBeforeStart(t *testing.T) {
	f := newFixture(t)
	st := f.connectedStream(t, "C1")

	st.HandleDisconnect()

	rec, _ := f.sessions.Get("C1")
	if rec.Status != session.StatusDisconnected {
		t.Fatalf("status = %q, want disconnected", rec.Status)
	}
	if rec.EndedAt.IsZero() {
		t.Fatalf("EndedAt not stamped on disconnect")
	}
	if f.sink.OpenCount() != 0 {
		t.Fatalf("sink handle leaked on disconnect")
	}
	if len(f.archive.Calls()) != 1 {
		t.Fatalf("disconnect should archive the call")
	}
}

func TestSinkFailureDoesNotTerminateSession(t *testing.T) {
	dir := t.TempDir()
	blocked := filepath.Join(dir, "blocked")
	if err := os.WriteFile(blocked, []byte("file, not a directory"), 0o644); err != nil {
		t.Fatalf("setup: %v", err)
	}

	f := &fixture{
		sessions: session.NewManager(0),
		sink:     recording.NewSink(blocked),
		archive:  archive.NewInMemoryStore(),
	}
	f.handler = NewHandler(f.sessions, f.sink, f.archive, newTestMetrics())
	st := f.connectedStream(t, "C1")
	st.HandleFrame([]byte(startFrame))

	res := st.HandleFrame([]byte(`{"event":"media","sequence_number":1,"stream_sid":"MZ1","media":{"chunk":1,"payload":"QQ==","timestamp":"1"}}`))
	if _, ok := res.Replies[0].(protocol.ErrorEvent); !ok {
		t.Fatalf("reply type = %T, want ErrorEvent", res.Replies[0])
	}

	rec, _ := f.sessions.Get("C1")
	if rec.Status != session.StatusStarted {
		t.Fatalf("sink failure terminated the session: %q", rec.Status)
	}

	// The carrier can still stop cleanly afterwards.
	res = st.HandleFrame([]byte(`{"event":"stop","sequence_number":2,"stream_sid":"MZ1","stop":{"call_sid":"C1","account_sid":"AC1","reason":"completed"}}`))
	if !res.Terminal {
		t.Fatalf("stop after sink failure should still be terminal")
	}
}
