package audit

import (
	"bytes"
	"context"
	"encoding/json"
	"strings"
	"testing"
	"time"
)

func TestDispatcherDeliversToSink(t *testing.T) {
	sink := NewChannelSink(8)
	d := NewDispatcher(Config{Enabled: true, BufferSize: 8}, sink)
	defer d.Close()

	d.Emit(context.Background(), Event{
		TenantID:  "t1",
		EventType: "login_success",
		Success:   true,
	})

	select {
	case got := <-sink.Events():
		if got.TenantID != "t1" || got.EventType != "login_success" {
			t.Fatalf("unexpected event: %+v", got)
		}
		if got.ID == "" {
			t.Fatal("event ID not stamped")
		}
		if got.Timestamp.IsZero() {
			t.Fatal("timestamp not stamped")
		}
	case <-time.After(2 * time.Second):
		t.Fatal("event not delivered")
	}
}

func TestDisabledDispatcherIsNil(t *testing.T) {
	d := NewDispatcher(Config{Enabled: false}, NoOpSink{})
	if d != nil {
		t.Fatal("disabled dispatcher should be nil")
	}

	// nil receiver methods must be safe
	d.Emit(context.Background(), Event{EventType: "noop"})
	d.Close()
	if d.Dropped() != 0 {
		t.Fatal("nil dispatcher reported drops")
	}
}

func TestDropIfFullCountsDrops(t *testing.T) {
	block := make(chan struct{})
	sink := sinkFunc(func(ctx context.Context, e Event) { <-block })

	d := NewDispatcher(Config{Enabled: true, BufferSize: 1, DropIfFull: true}, sink)

	// First event occupies the worker, second fills the buffer, the rest drop.
	for i := 0; i < 10; i++ {
		d.Emit(context.Background(), Event{EventType: "burst"})
	}

	if d.Dropped() == 0 {
		t.Fatal("expected drops with saturated buffer")
	}
	close(block)
	d.Close()
}

func TestCloseDrainsBuffer(t *testing.T) {
	sink := NewChannelSink(16)
	d := NewDispatcher(Config{Enabled: true, BufferSize: 16}, sink)

	for i := 0; i < 5; i++ {
		d.Emit(context.Background(), Event{EventType: "drain"})
	}
	d.Close()

	received := 0
	for {
		select {
		case <-sink.Events():
			received++
		default:
			if received != 5 {
				t.Fatalf("received %d events after Close, want 5", received)
			}
			return
		}
	}
}

func TestJSONWriterSinkOneObjectPerLine(t *testing.T) {
	var buf bytes.Buffer
	sink := NewJSONWriterSink(&buf)

	sink.Emit(context.Background(), Event{ID: "a", TenantID: "t1", EventType: "x", Success: true})
	sink.Emit(context.Background(), Event{ID: "b", TenantID: "t1", EventType: "y"})

	lines := strings.Split(strings.TrimSpace(buf.String()), "\n")
	if len(lines) != 2 {
		t.Fatalf("got %d lines, want 2", len(lines))
	}
	for _, line := range lines {
		var e Event
		if err := json.Unmarshal([]byte(line), &e); err != nil {
			t.Fatalf("line not valid JSON: %v", err)
		}
	}
}

func TestEventIDsSortable(t *testing.T) {
	now := time.Now()
	first := NewEventID(now)
	second := NewEventID(now.Add(time.Second))

	if !(first < second) {
		t.Fatalf("ULIDs not time-ordered: %s >= %s", first, second)
	}
}

type sinkFunc func(ctx context.Context, e Event)

func (f sinkFunc) Emit(ctx context.Context, e Event) { f(ctx, e) }
