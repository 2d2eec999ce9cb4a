// ABOUTME: Event types produced by an agent run and consumed by stream watchers
// ABOUTME: Defines the tagged-union Event shape and its kind constants

package stream

import "time"

// Kind identifies the type of a run event.
type Kind string

// Event kinds emitted during an agent run. Ordering within one stream is
// the only delivery guarantee; there is no ordering across streams.
const (
	KindStarted       Kind = "started"
	KindTurnStart     Kind = "turn_start"
	KindAssistantText Kind = "assistant_text"
	KindToolCall      Kind = "tool_call"
	KindToolResult    Kind = "tool_result"
	KindFile          Kind = "file"
	KindQuestion      Kind = "question"
	KindCompleted     Kind = "completed"
	KindError         Kind = "error"
	KindSteeringAck   Kind = "steering_ack"
	KindHeartbeat     Kind = "heartbeat"
)

// Event is a single progress event from an agent run. Events are immutable
// once created.
type Event struct {
	Kind      Kind           `json:"kind"`
	Turn      int            `json:"turn,omitempty"`
	Payload   map[string]any `json:"payload,omitempty"`
	Timestamp time.Time      `json:"timestamp"`
}

// NewEvent creates an event stamped with the current time.
func NewEvent(kind Kind, turn int, payload map[string]any) Event {
	return Event{
		Kind:      kind,
		Turn:      turn,
		Payload:   payload,
		Timestamp: time.Now().UTC(),
	}
}

// Heartbeat returns a synthetic keepalive event. It is emitted by Consume
// when no real event arrives within the heartbeat interval, so that idle
// proxies do not drop the watching connection.
func Heartbeat() Event {
	return NewEvent(KindHeartbeat, 0, nil)
}
