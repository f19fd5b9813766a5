// Package audit carries the tenant-scoped audit event model and its
// asynchronous dispatcher. Emission is best-effort: a full buffer or a
// failing sink never propagates into the authentication path.
package audit

import (
	"context"
	"crypto/rand"
	"encoding/json"
	"io"
	"sync"
	"time"

	"github.com/oklog/ulid/v2"
)

// Event is one append-only audit record. Events are scoped to a single
// tenant; there is no cross-tenant read path.
type Event struct {
	ID          string            `json:"id"`
	Timestamp   time.Time         `json:"timestamp"`
	TenantID    string            `json:"tenant_id"`
	EventType   string            `json:"event_type"`
	Description string            `json:"description,omitempty"`
	Success     bool              `json:"success"`
	UserID      string            `json:"user_id,omitempty"`
	UserEmail   string            `json:"user_email,omitempty"`
	SessionID   string            `json:"session_id,omitempty"`
	IP          string            `json:"ip,omitempty"`
	Error       string            `json:"error,omitempty"`
	Metadata    map[string]string `json:"metadata,omitempty"`
}

var (
	entropyMu sync.Mutex
	entropy   = ulid.Monotonic(rand.Reader, 0)
)

// NewEventID returns a sortable ULID for an event at ts.
func NewEventID(ts time.Time) string {
	entropyMu.Lock()
	defer entropyMu.Unlock()

	id, err := ulid.New(ulid.Timestamp(ts), entropy)
	if err != nil {
		return ulid.Make().String()
	}
	return id.String()
}

// Sink receives dispatched audit events.
type Sink interface {
	Emit(ctx context.Context, event Event)
}

// NoOpSink drops audit events.
type NoOpSink struct{}

// Emit implements Sink.
func (NoOpSink) Emit(context.Context, Event) {}

// ChannelSink forwards audit events into a buffered channel, typically
// consumed by an application-side shipper.
type ChannelSink struct {
	events chan Event
}

// NewChannelSink returns a ChannelSink with the given buffer.
func NewChannelSink(buffer int) *ChannelSink {
	if buffer <= 0 {
		buffer = 1
	}
	return &ChannelSink{
		events: make(chan Event, buffer),
	}
}

// Emit implements Sink.
func (s *ChannelSink) Emit(ctx context.Context, event Event) {
	select {
	case s.events <- event:
	case <-ctx.Done():
	}
}

// Events exposes the receive side of the sink.
func (s *ChannelSink) Events() <-chan Event {
	return s.events
}

// JSONWriterSink writes one JSON object per line.
type JSONWriterSink struct {
	writer io.Writer
	mu     sync.Mutex
}

// NewJSONWriterSink wraps w. The writer does not need to be safe for
// concurrent use; the sink serializes writes.
func NewJSONWriterSink(w io.Writer) *JSONWriterSink {
	return &JSONWriterSink{
		writer: w,
	}
}

// Emit implements Sink. Marshal and write failures are swallowed.
func (s *JSONWriterSink) Emit(ctx context.Context, event Event) {
	if s == nil || s.writer == nil {
		return
	}
	data, err := json.Marshal(event)
	if err != nil {
		return
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	_, _ = s.writer.Write(data)
	_, _ = s.writer.Write([]byte("\n"))
}
