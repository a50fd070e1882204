package interpreter

import "maps"

// Metadata is the auxiliary, non-variable state a message carries: which run
// produced it, the step that touched it last, and a short status line when
// something went wrong.
type Metadata struct {
	RunID  string
	StepID string
	Status string
}

// FlowMessage is the capsule the pipeline moves between executors. It is
// immutable: producers derive new messages through the With* methods, so a
// capsule can be shared across worker goroutines without locking. Variables
// accumulate as steps run; a message never drops one.
type FlowMessage struct {
	sessionID string
	vars      map[string]any
	err       error
	meta      Metadata
}

// NewMessage builds a fresh capsule. The variable map is copied.
func NewMessage(sessionID string, vars map[string]any) *FlowMessage {
	m := &FlowMessage{sessionID: sessionID, vars: make(map[string]any, len(vars))}
	maps.Copy(m.vars, vars)
	return m
}

// SessionID returns the conversational session or batch invocation id.
func (m *FlowMessage) SessionID() string { return m.sessionID }

// Var returns the value bound to a variable id.
func (m *FlowMessage) Var(id string) (any, bool) {
	v, ok := m.vars[id]
	return v, ok
}

// Vars returns a copy of the variable bindings.
func (m *FlowMessage) Vars() map[string]any {
	return maps.Clone(m.vars)
}

// Failed reports whether an error is recorded on the message. Failed
// messages pass through every downstream step untouched.
func (m *FlowMessage) Failed() bool { return m.err != nil }

// Err returns the recorded error, if any.
func (m *FlowMessage) Err() error { return m.err }

// Meta returns the message metadata.
func (m *FlowMessage) Meta() Metadata { return m.meta }

func (m *FlowMessage) clone() *FlowMessage {
	return &FlowMessage{
		sessionID: m.sessionID,
		vars:      maps.Clone(m.vars),
		err:       m.err,
		meta:      m.meta,
	}
}

// WithVar derives a message with one additional binding.
func (m *FlowMessage) WithVar(id string, v any) *FlowMessage {
	out := m.clone()
	out.vars[id] = v
	return out
}

// WithVars derives a message with several additional bindings.
func (m *FlowMessage) WithVars(vars map[string]any) *FlowMessage {
	out := m.clone()
	maps.Copy(out.vars, vars)
	return out
}

// WithError derives a failed message carrying err.
func (m *FlowMessage) WithError(err error) *FlowMessage {
	out := m.clone()
	out.err = err
	if err != nil {
		out.meta.Status = err.Error()
	}
	return out
}

// WithStep derives a message stamped with the step that produced it.
func (m *FlowMessage) WithStep(stepID string) *FlowMessage {
	if m.meta.StepID == stepID {
		return m
	}
	out := m.clone()
	out.meta.StepID = stepID
	return out
}
