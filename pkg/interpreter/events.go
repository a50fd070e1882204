package interpreter

import (
	"sync"
	"time"
)

// EventKind names one entry of the progress event vocabulary.
type EventKind string

const (
	EventStartStep           EventKind = "start-step"
	EventTextStart           EventKind = "text-start"
	EventTextDelta           EventKind = "text-delta"
	EventReasoningStart      EventKind = "reasoning-start"
	EventReasoningDelta      EventKind = "reasoning-delta"
	EventReasoningEnd        EventKind = "reasoning-end"
	EventToolInputStart      EventKind = "tool-input-start"
	EventToolInputDelta      EventKind = "tool-input-delta"
	EventToolInputEnd        EventKind = "tool-input-end"
	EventToolOutputAvailable EventKind = "tool-output-available"
	EventToolOutputError     EventKind = "tool-output-error"
	EventMessageMetadata     EventKind = "message-metadata"
	EventFinishStep          EventKind = "finish-step"
	EventFinish              EventKind = "finish"
	EventError               EventKind = "error"
)

// Event is one entry of the progress stream a run emits alongside its
// FlowMessage pipeline. Within a step, order follows the grammar
// start-step, reasoning, text, tool activity, finish-step. Delta carries
// text and reasoning fragments; Data carries kind-specific payloads such as
// tool arguments or token usage.
type Event struct {
	ID         string         `json:"id"`
	Kind       EventKind      `json:"kind"`
	FlowID     string         `json:"flow_id"`
	RunID      string         `json:"run_id"`
	SessionID  string         `json:"session_id"`
	StepID     string         `json:"step_id,omitempty"`
	Delta      string         `json:"delta,omitempty"`
	ToolCallID string         `json:"tool_call_id,omitempty"`
	ToolName   string         `json:"tool_name,omitempty"`
	Data       map[string]any `json:"data,omitempty"`
	Error      string         `json:"error,omitempty"`
	Timestamp  time.Time      `json:"timestamp"`
}

// EventSink receives progress events. Emit must be safe for concurrent use;
// the pipeline calls it from many executor goroutines.
type EventSink interface {
	Emit(ev Event)
}

// SinkFunc adapts a function to the EventSink interface.
type SinkFunc func(Event)

func (f SinkFunc) Emit(ev Event) { f(ev) }

type discardSink struct{}

func (discardSink) Emit(Event) {}

// BufferSink accumulates events in memory, mainly for CLI runs and tests.
type BufferSink struct {
	mu     sync.Mutex
	events []Event
}

func (b *BufferSink) Emit(ev Event) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.events = append(b.events, ev)
}

// Events returns a snapshot of everything emitted so far.
func (b *BufferSink) Events() []Event {
	b.mu.Lock()
	defer b.mu.Unlock()
	out := make([]Event, len(b.events))
	copy(out, b.events)
	return out
}

// Kinds returns the emitted event kinds in order.
func (b *BufferSink) Kinds() []EventKind {
	b.mu.Lock()
	defer b.mu.Unlock()
	out := make([]EventKind, len(b.events))
	for i, ev := range b.events {
		out[i] = ev.Kind
	}
	return out
}
