// Package events provides the event infrastructure for annotation lifecycle
// notifications. It defines the Envelope type that wraps every event with
// routing and idempotency metadata and the EventSink interface that receives
// them.
package events

import (
	"context"
	"encoding/json"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/cespare/xxhash/v2"
)

// Envelope wraps an event payload with consistent metadata.
type Envelope struct {
	// ID uniquely identifies this event instance.
	ID string `json:"id"`

	// Type identifies the event for routing, e.g. "annotation.unit_processed".
	Type string `json:"type"`

	// Source identifies the emitting component, e.g. "annotation-activity".
	Source string `json:"source"`

	// Version of the payload schema.
	Version string `json:"version"`

	Timestamp time.Time `json:"timestamp"`

	// IdempotencyKey is derived from the workflow and the unit so that an
	// activity retry re-emits the same key. Sinks drop duplicates.
	IdempotencyKey string `json:"idempotency_key"`

	WorkflowID string `json:"workflow_id"`
	RunID      string `json:"run_id"`

	// Payload contains the event data as JSON. Schema varies by Type.
	Payload json.RawMessage `json:"payload"`
}

// IdempotencyKey fingerprints parts into a 16-hex-digit key. Parts are joined
// with a separator that cannot occur in worker keys or sample ids.
func IdempotencyKey(parts ...string) string {
	s := strconv.FormatUint(xxhash.Sum64String(strings.Join(parts, "\x1f")), 16)
	if len(s) < 16 {
		s = strings.Repeat("0", 16-len(s)) + s
	}
	return s
}

// EventSink receives events. Append should return quickly; callers never fail
// their primary operation because an event could not be delivered.
type EventSink interface {
	// Append adds an event. Appending an envelope whose IdempotencyKey was
	// already accepted is a no-op.
	Append(ctx context.Context, envelope Envelope) error
}

// NoOpEventSink discards every event.
type NoOpEventSink struct{}

// Append implements EventSink.Append with no-op behavior.
func (n *NoOpEventSink) Append(_ context.Context, _ Envelope) error {
	return nil
}

// NewNoOpEventSink creates a new no-op event sink.
func NewNoOpEventSink() EventSink {
	return &NoOpEventSink{}
}

// MemorySink keeps accepted events in memory, deduplicated by idempotency key.
type MemorySink struct {
	mu     sync.Mutex
	seen   map[string]struct{}
	events []Envelope
}

// NewMemorySink returns an empty MemorySink.
func NewMemorySink() *MemorySink {
	return &MemorySink{seen: make(map[string]struct{})}
}

// Append implements EventSink.
func (m *MemorySink) Append(_ context.Context, envelope Envelope) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if envelope.IdempotencyKey != "" {
		if _, dup := m.seen[envelope.IdempotencyKey]; dup {
			return nil
		}
		m.seen[envelope.IdempotencyKey] = struct{}{}
	}
	m.events = append(m.events, envelope)
	return nil
}

// Events returns a copy of the accepted events in order.
func (m *MemorySink) Events() []Envelope {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]Envelope(nil), m.events...)
}
