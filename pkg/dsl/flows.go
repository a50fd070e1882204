package dsl

import (
	"fmt"
	"slices"
)

// FlowInterface is a flow's hosting contract.
type FlowInterface string

const (
	// FlowComplete runs stateless request/response invocations.
	FlowComplete FlowInterface = "complete"
	// FlowConversational runs chat turns grouped by a session.
	FlowConversational FlowInterface = "conversational"
)

// Flow is an ordered set of steps with declared variables, inputs, and
// outputs. A flow is itself a composite step, so InvokeFlow can embed or
// reference one.
type Flow struct {
	StepMeta

	Description   string        `yaml:"description,omitempty" json:"description,omitempty"`
	Interface     FlowInterface `yaml:"interface,omitempty" json:"interface,omitempty"`
	SessionInputs []string      `yaml:"session_inputs,omitempty" json:"session_inputs,omitempty"`
	Variables     []*Variable   `yaml:"variables,omitempty" json:"variables,omitempty"`
	Steps         []Step        `yaml:"steps" json:"steps"`
}

func (f *Flow) Type() string             { return "Flow" }
func (f *Flow) Cardinality() Cardinality { return CardinalityOneToOne }

// Variable finds a declared flow variable by id.
func (f *Flow) Variable(id string) (*Variable, bool) {
	for _, v := range f.Variables {
		if v.ID == id {
			return v, true
		}
	}
	return nil, false
}

// Step finds a step declared directly in the flow by id.
func (f *Flow) Step(id string) (Step, bool) {
	for _, s := range f.Steps {
		if s.Meta().ID == id {
			return s, true
		}
	}
	return nil, false
}

// SetDefaults fills the flow's derived shape: default outputs for steps that
// synthesize one, inferred flow inputs (variables consumed before any step
// produces them), and inferred flow outputs (the last step's outputs).
func (f *Flow) SetDefaults() {
	f.StepMeta.SetDefaults()
	if f.Interface == "" {
		f.Interface = FlowComplete
	}

	for _, v := range f.Variables {
		v.SetDefaults()
	}
	for _, s := range f.Steps {
		s.SetDefaults()
		f.AdoptInlineStep(s)
	}

	if len(f.Inputs) == 0 {
		f.Inputs = f.inferInputs()
	}
	if len(f.Outputs) == 0 && len(f.Steps) > 0 {
		last := f.Steps[len(f.Steps)-1]
		f.Outputs = slices.Clone(last.Meta().Outputs)
	}
}

// AdoptInlineStep applies a step's default output and declares the backing
// variable on the flow. The parser runs it for every declared step; the
// linker runs it again for steps materialized from inline branch
// definitions.
func (f *Flow) AdoptInlineStep(s Step) {
	auto, ok := s.(autoOutput)
	if !ok || len(s.Meta().Outputs) > 0 {
		return
	}
	v := auto.defaultOutput()
	s.Meta().Outputs = []string{v.ID}
	if _, exists := f.Variable(v.ID); !exists {
		f.Variables = append(f.Variables, v)
	}
}

func (f *Flow) inferInputs() []string {
	produced := make(map[string]bool)
	consumed := make(map[string]bool)
	var inputs []string

	for _, s := range f.Steps {
		needs := slices.Clone(s.Meta().Inputs)
		if cond, ok := s.(*Condition); ok {
			needs = append(needs, cond.Equals)
		}
		for _, id := range needs {
			if !produced[id] && !consumed[id] {
				consumed[id] = true
				inputs = append(inputs, id)
			}
		}
		for _, id := range s.Meta().Outputs {
			produced[id] = true
		}
	}
	return inputs
}

func (f *Flow) Validate() error {
	if err := f.StepMeta.Validate(); err != nil {
		return err
	}
	if f.Interface != FlowComplete && f.Interface != FlowConversational {
		return fmt.Errorf("flow '%s': interface must be complete or conversational", f.ID)
	}
	if len(f.SessionInputs) > 0 && f.Interface != FlowConversational {
		return fmt.Errorf("flow '%s': session_inputs require the conversational interface", f.ID)
	}
	if len(f.Steps) == 0 {
		return fmt.Errorf("flow '%s' declares no steps", f.ID)
	}

	seen := make(map[string]bool, len(f.Variables))
	for _, v := range f.Variables {
		if err := v.Validate(); err != nil {
			return fmt.Errorf("flow '%s': %w", f.ID, err)
		}
		if seen[v.ID] {
			return fmt.Errorf("flow '%s' declares variable '%s' twice", f.ID, v.ID)
		}
		seen[v.ID] = true
	}
	return nil
}
