// Package ir holds the semantic intermediate representation the checker
// produces and the interpreter executes. Everything here is immutable after
// construction: fields are unexported, constructors copy their inputs, and
// accessors return values or views that must not be mutated. The dsl entities
// an IR node points at are the canonical linked instances; one document
// entity appears exactly once no matter how many slots reference it.
package ir

import (
	"time"

	"github.com/qtype-ai/qtype/pkg/dsl"
)

// App is a fully checked application: every reference resolved, every flow
// ordered, every type known.
type App struct {
	id        string
	types     dsl.TypeTable
	models    map[string]*dsl.Model
	embedders map[string]*dsl.EmbeddingModel
	memories  map[string]*dsl.Memory
	auths     map[string]dsl.AuthDef
	tools     map[string]dsl.ToolDef
	indexes   map[string]dsl.IndexDef
	telemetry *dsl.TelemetrySink
	flows     map[string]*Flow
	flowOrder []string
}

// AppSpec carries the checker's results into NewApp.
type AppSpec struct {
	ID        string
	Types     dsl.TypeTable
	Models    []*dsl.Model
	Embedders []*dsl.EmbeddingModel
	Memories  []*dsl.Memory
	Auths     []dsl.AuthDef
	Tools     []dsl.ToolDef
	Indexes   []dsl.IndexDef
	Telemetry *dsl.TelemetrySink
	Flows     []*Flow
}

func NewApp(spec AppSpec) *App {
	app := &App{
		id:        spec.ID,
		types:     spec.Types,
		models:    make(map[string]*dsl.Model, len(spec.Models)),
		embedders: make(map[string]*dsl.EmbeddingModel, len(spec.Embedders)),
		memories:  make(map[string]*dsl.Memory, len(spec.Memories)),
		auths:     make(map[string]dsl.AuthDef, len(spec.Auths)),
		tools:     make(map[string]dsl.ToolDef, len(spec.Tools)),
		indexes:   make(map[string]dsl.IndexDef, len(spec.Indexes)),
		telemetry: spec.Telemetry,
		flows:     make(map[string]*Flow, len(spec.Flows)),
	}
	for _, m := range spec.Models {
		app.models[m.ID] = m
	}
	for _, m := range spec.Embedders {
		app.embedders[m.ID] = m
	}
	for _, m := range spec.Memories {
		app.memories[m.ID] = m
	}
	for _, a := range spec.Auths {
		app.auths[a.EntityID()] = a
	}
	for _, t := range spec.Tools {
		app.tools[t.EntityID()] = t
	}
	for _, i := range spec.Indexes {
		app.indexes[i.EntityID()] = i
	}
	for _, f := range spec.Flows {
		app.flows[f.ID()] = f
		app.flowOrder = append(app.flowOrder, f.ID())
	}
	return app
}

func (a *App) ID() string           { return a.id }
func (a *App) Types() dsl.TypeTable { return a.types }

// Telemetry returns the document's telemetry sink, or nil.
func (a *App) Telemetry() *dsl.TelemetrySink { return a.telemetry }

func (a *App) Model(id string) (*dsl.Model, bool) {
	m, ok := a.models[id]
	return m, ok
}

func (a *App) EmbeddingModel(id string) (*dsl.EmbeddingModel, bool) {
	m, ok := a.embedders[id]
	return m, ok
}

func (a *App) Memory(id string) (*dsl.Memory, bool) {
	m, ok := a.memories[id]
	return m, ok
}

func (a *App) Auth(id string) (dsl.AuthDef, bool) {
	d, ok := a.auths[id]
	return d, ok
}

func (a *App) Tool(id string) (dsl.ToolDef, bool) {
	t, ok := a.tools[id]
	return t, ok
}

func (a *App) Index(id string) (dsl.IndexDef, bool) {
	i, ok := a.indexes[id]
	return i, ok
}

func (a *App) Flow(id string) (*Flow, bool) {
	f, ok := a.flows[id]
	return f, ok
}

// Flows returns the flows in document order.
func (a *App) Flows() []*Flow {
	out := make([]*Flow, 0, len(a.flowOrder))
	for _, id := range a.flowOrder {
		out = append(out, a.flows[id])
	}
	return out
}

// Flow is a checked flow: variables bound, steps in topological order. Steps
// owned by a Condition branch are reachable through the Condition node only,
// never through Steps.
type Flow struct {
	def     *dsl.Flow
	inputs  []*Variable
	outputs []*Variable
	vars    map[string]*Variable
	steps   []*Step
}

// FlowSpec carries a checked flow into NewFlow. Steps must already be in
// execution order.
type FlowSpec struct {
	Def       *dsl.Flow
	Inputs    []*Variable
	Outputs   []*Variable
	Variables []*Variable
	Steps     []*Step
}

func NewFlow(spec FlowSpec) *Flow {
	f := &Flow{
		def:     spec.Def,
		inputs:  append([]*Variable(nil), spec.Inputs...),
		outputs: append([]*Variable(nil), spec.Outputs...),
		vars:    make(map[string]*Variable, len(spec.Variables)),
		steps:   append([]*Step(nil), spec.Steps...),
	}
	for _, v := range spec.Variables {
		f.vars[v.ID()] = v
	}
	for _, s := range f.steps {
		s.bind(f)
	}
	return f
}

func (f *Flow) ID() string                   { return f.def.ID }
func (f *Flow) Def() *dsl.Flow               { return f.def }
func (f *Flow) Interface() dsl.FlowInterface { return f.def.Interface }
func (f *Flow) SessionInputs() []string      { return f.def.SessionInputs }
func (f *Flow) Inputs() []*Variable          { return f.inputs }
func (f *Flow) Outputs() []*Variable         { return f.outputs }
func (f *Flow) Steps() []*Step               { return f.steps }

// Conversational reports whether runs of this flow group into sessions.
func (f *Flow) Conversational() bool { return f.def.Interface == dsl.FlowConversational }

func (f *Flow) Variable(id string) (*Variable, bool) {
	v, ok := f.vars[id]
	return v, ok
}

// Variables returns the flow's variable table keyed by id. Callers must not
// mutate the returned map.
func (f *Flow) Variables() map[string]*Variable { return f.vars }

// Variable is a typed slot in a flow's message payloads. Producer is the step
// that writes it, or nil for flow inputs.
type Variable struct {
	def      *dsl.Variable
	producer *Step
}

func NewVariable(def *dsl.Variable) *Variable { return &Variable{def: def} }

func (v *Variable) ID() string         { return v.def.ID }
func (v *Variable) Type() dsl.TypeRef  { return v.def.Type }
func (v *Variable) Optional() bool     { return v.def.Type.IsOptional() }
func (v *Variable) Def() *dsl.Variable { return v.def }
func (v *Variable) Producer() *Step    { return v.producer }

// Step is a checked step with its variables bound. The dsl definition stays
// the source of variant-specific settings; Def's concrete type drives
// executor dispatch.
type Step struct {
	def      dsl.Step
	flow     *Flow
	inputs   []*Variable
	outputs  []*Variable
	equals   *Variable
	then     *Step
	els      *Step
	subflow  *Flow
	fanDepth int
}

// StepSpec carries a checked step into NewStep. Then/Else are set for
// Condition steps, Equals for the comparison variable, Subflow for
// InvokeFlow targets. FanDepth is the stream nesting depth of the step's
// output edge: fan-out steps raise it, fan-in steps lower it.
type StepSpec struct {
	Def      dsl.Step
	Inputs   []*Variable
	Outputs  []*Variable
	Equals   *Variable
	Then     *Step
	Else     *Step
	Subflow  *Flow
	FanDepth int
}

func NewStep(spec StepSpec) *Step {
	return &Step{
		def:      spec.Def,
		inputs:   append([]*Variable(nil), spec.Inputs...),
		outputs:  append([]*Variable(nil), spec.Outputs...),
		equals:   spec.Equals,
		then:     spec.Then,
		els:      spec.Else,
		subflow:  spec.Subflow,
		fanDepth: spec.FanDepth,
	}
}

// bind wires the flow back-pointer and variable producers. NewFlow calls it
// once per step; the branch steps of a Condition bind through their owner.
func (s *Step) bind(f *Flow) {
	s.flow = f
	for _, v := range s.outputs {
		if v.producer == nil {
			v.producer = s
		}
	}
	if s.then != nil && s.then.flow == nil {
		s.then.bind(f)
	}
	if s.els != nil && s.els.flow == nil {
		s.els.bind(f)
	}
}

func (s *Step) ID() string                   { return s.def.Meta().ID }
func (s *Step) Type() string                 { return s.def.Type() }
func (s *Step) Def() dsl.Step                { return s.def }
func (s *Step) Flow() *Flow                  { return s.flow }
func (s *Step) Cardinality() dsl.Cardinality { return s.def.Cardinality() }
func (s *Step) Inputs() []*Variable          { return s.inputs }
func (s *Step) Outputs() []*Variable         { return s.outputs }
func (s *Step) Equals() *Variable            { return s.equals }
func (s *Step) Then() *Step                  { return s.then }
func (s *Step) Else() *Step                  { return s.els }
func (s *Step) Subflow() *Flow               { return s.subflow }
func (s *Step) FanDepth() int                { return s.fanDepth }
func (s *Step) Concurrency() int             { return s.def.Meta().Concurrency }
func (s *Step) Timeout() time.Duration       { return s.def.Meta().Timeout }
