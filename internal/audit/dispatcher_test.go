package audit

import (
	"bytes"
	"context"
	"encoding/json"
	"testing"
	"time"
)

// blockingSink parks the dispatcher goroutine until released, so tests can
// fill the queue deterministically.
type blockingSink struct {
	entered chan struct{}
	release chan struct{}
}

func (s *blockingSink) Emit(context.Context, Event) {
	s.entered <- struct{}{}
	<-s.release
}

func TestDispatcherDeliversEvents(t *testing.T) {
	sink := NewChannelSink(8)
	d := NewDispatcher(Config{Enabled: true, BufferSize: 8}, sink)

	for i := 0; i < 3; i++ {
		d.Emit(context.Background(), Event{EventType: TypeSessionIssued, UserID: "user-1"})
	}
	d.Close()

	for i := 0; i < 3; i++ {
		select {
		case event := <-sink.Events():
			if event.EventType != TypeSessionIssued || event.UserID != "user-1" {
				t.Errorf("event #%d = %+v", i+1, event)
			}
		case <-time.After(time.Second):
			t.Fatalf("event #%d not delivered", i+1)
		}
	}
	if d.Dropped() != 0 {
		t.Errorf("Dropped = %d, want 0", d.Dropped())
	}
}

func TestDispatcherDropsWhenFull(t *testing.T) {
	sink := &blockingSink{
		entered: make(chan struct{}),
		release: make(chan struct{}),
	}
	d := NewDispatcher(Config{Enabled: true, BufferSize: 1, DropIfFull: true}, sink)

	// First event is in the sink, second fills the buffer, third must drop.
	d.Emit(context.Background(), Event{EventType: TypeSessionIssued})
	<-sink.entered
	d.Emit(context.Background(), Event{EventType: TypeSessionIssued})
	d.Emit(context.Background(), Event{EventType: TypeSessionIssued})

	if d.Dropped() != 1 {
		t.Errorf("Dropped = %d, want 1", d.Dropped())
	}

	close(sink.release)
	<-sink.entered
	d.Close()
}

func TestDispatcherCloseDrains(t *testing.T) {
	sink := NewChannelSink(16)
	d := NewDispatcher(Config{Enabled: true, BufferSize: 16}, sink)

	const queued = 10
	for i := 0; i < queued; i++ {
		d.Emit(context.Background(), Event{EventType: TypeSessionRevoked})
	}
	d.Close()

	for i := 0; i < queued; i++ {
		select {
		case <-sink.Events():
		default:
			t.Fatalf("only %d of %d events drained on close", i, queued)
		}
	}
}

func TestDispatcherNilSafe(t *testing.T) {
	var d *Dispatcher

	d.Emit(context.Background(), Event{})
	d.Close()
	if d.Dropped() != 0 {
		t.Error("nil dispatcher reported drops")
	}

	if NewDispatcher(Config{Enabled: false}, NoOpSink{}) != nil {
		t.Error("disabled dispatcher should be nil")
	}
}

func TestDispatcherCloseIdempotent(t *testing.T) {
	d := NewDispatcher(Config{Enabled: true, BufferSize: 1}, NoOpSink{})
	d.Close()
	d.Close()
	d.Emit(context.Background(), Event{}) // ignored after close
}

func TestJSONWriterSink(t *testing.T) {
	var buf bytes.Buffer
	sink := NewJSONWriterSink(&buf)

	sink.Emit(context.Background(), Event{
		EventType: TypeReuseDetected,
		UserID:    "user-1",
		SessionID: "sess-1",
		Reason:    "reuse-detected",
		Metadata:  map[string]string{"old_ip": "203.0.113.7"},
	})
	sink.Emit(context.Background(), Event{EventType: TypeSessionIssued, Success: true})

	lines := bytes.Split(bytes.TrimSpace(buf.Bytes()), []byte("\n"))
	if len(lines) != 2 {
		t.Fatalf("wrote %d lines, want 2", len(lines))
	}

	var first Event
	if err := json.Unmarshal(lines[0], &first); err != nil {
		t.Fatalf("unmarshal first line: %v", err)
	}
	if first.EventType != TypeReuseDetected || first.UserID != "user-1" {
		t.Errorf("first event = %+v", first)
	}
	if first.Metadata["old_ip"] != "203.0.113.7" {
		t.Errorf("metadata = %v", first.Metadata)
	}
}
