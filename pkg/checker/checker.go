// Package checker enforces the semantic invariants a linked document must
// satisfy before it can run: flow graphs stay acyclic, every consumed
// variable has a producer, producer and consumer types line up, interface
// constraints hold, embedding widths agree. A clean pass lowers the document
// into the immutable ir.App the interpreter executes.
package checker

import (
	"fmt"
	"strings"

	"github.com/qtype-ai/qtype/pkg/dsl"
	"github.com/qtype-ai/qtype/pkg/errdefs"
	"github.com/qtype-ai/qtype/pkg/ir"
)

// Check validates the linked application and lowers it to IR. Errors
// aggregate across the whole document; warnings (StepUnreachable) never fail
// the pass and are returned alongside the IR.
func Check(app *dsl.Application) (*ir.App, []*errdefs.Error, error) {
	c := &checker{
		flows:   make(map[string]*dsl.Flow),
		irFlows: make(map[string]*ir.Flow),
	}

	ent := collectEntities(app)
	table, err := dsl.BuildTypeTable(ent.types)
	if err != nil {
		c.diags.Add(errdefs.Checkerf("%v", err).WithReason(errdefs.ReasonDuplicateID).WithPos(app.Pos()))
		return nil, nil, c.diags.Err()
	}
	c.table = table
	for _, f := range ent.flows {
		c.flows[f.ID] = f
	}

	order, cycleErr := c.flowOrder(ent.flows)
	if cycleErr != nil {
		c.diags.Add(cycleErr)
		return nil, c.warns, c.diags.Err()
	}

	for _, f := range order {
		c.checkFlow(f)
	}

	if err := c.diags.Err(); err != nil {
		return nil, c.warns, err
	}

	spec := ir.AppSpec{
		ID:        app.ID,
		Types:     table,
		Models:    ent.models,
		Embedders: ent.embedders,
		Memories:  ent.memories,
		Auths:     ent.auths,
		Tools:     ent.tools,
		Indexes:   ent.indexes,
		Telemetry: app.Telemetry,
	}
	// Document order for the root application's flows, callees included.
	for _, f := range app.Flows {
		spec.Flows = append(spec.Flows, c.irFlows[f.ID])
	}
	for _, f := range ent.flows {
		if _, declared := app.Flow(f.ID); !declared {
			spec.Flows = append(spec.Flows, c.irFlows[f.ID])
		}
	}
	return ir.NewApp(spec), c.warns, nil
}

type checker struct {
	table   dsl.TypeTable
	diags   errdefs.Diagnostics
	warns   []*errdefs.Error
	flows   map[string]*dsl.Flow
	irFlows map[string]*ir.Flow
}

type entities struct {
	types     []*dsl.TypeDef
	models    []*dsl.Model
	embedders []*dsl.EmbeddingModel
	memories  []*dsl.Memory
	auths     []dsl.AuthDef
	tools     []dsl.ToolDef
	indexes   []dsl.IndexDef
	flows     []*dsl.Flow
}

// collectEntities flattens the application and its referenced documents into
// one entity set. The linker already guaranteed id uniqueness across the
// whole set.
func collectEntities(app *dsl.Application) *entities {
	ent := &entities{}
	seen := make(map[*dsl.Application]bool)

	var walk func(*dsl.Application)
	walk = func(a *dsl.Application) {
		if a == nil || seen[a] {
			return
		}
		seen[a] = true
		ent.types = append(ent.types, a.Types...)
		ent.memories = append(ent.memories, a.Memories...)
		ent.auths = append(ent.auths, a.Auths...)
		ent.tools = append(ent.tools, a.Tools...)
		ent.indexes = append(ent.indexes, a.Indexes...)
		ent.flows = append(ent.flows, a.Flows...)
		for _, m := range a.Models {
			switch model := m.(type) {
			case *dsl.EmbeddingModel:
				ent.embedders = append(ent.embedders, model)
			case *dsl.Model:
				ent.models = append(ent.models, model)
			}
		}
		for _, ref := range a.References {
			walk(ref)
		}
	}
	walk(app)
	return ent
}

// flowOrder sorts flows so InvokeFlow callees come before their callers, and
// rejects recursion. Entity-level reference cycles are fine; a flow that can
// reach itself through step invocations is not.
func (c *checker) flowOrder(flows []*dsl.Flow) ([]*dsl.Flow, *errdefs.Error) {
	const (
		unvisited = 0
		visiting  = 1
		done      = 2
	)
	state := make(map[string]int, len(flows))
	var order []*dsl.Flow
	var stack []string

	var visit func(f *dsl.Flow) *errdefs.Error
	visit = func(f *dsl.Flow) *errdefs.Error {
		switch state[f.ID] {
		case done:
			return nil
		case visiting:
			chain := append(stack[indexOf(stack, f.ID):], f.ID)
			return errdefs.Checkerf("flows invoke each other in a cycle: %s", strings.Join(chain, " -> ")).
				WithReason(errdefs.ReasonFlowCyclic).
				WithPos(f.Pos())
		}
		state[f.ID] = visiting
		stack = append(stack, f.ID)
		for _, s := range f.Steps {
			inv, ok := s.(*dsl.InvokeFlow)
			if !ok {
				continue
			}
			callee, err := dsl.TargetAs[*dsl.Flow](inv.Flow)
			if err != nil {
				continue
			}
			if err := visit(callee); err != nil {
				return err
			}
		}
		stack = stack[:len(stack)-1]
		state[f.ID] = done
		order = append(order, f)
		return nil
	}

	for _, f := range flows {
		if err := visit(f); err != nil {
			return nil, err
		}
	}
	return order, nil
}

func indexOf(list []string, v string) int {
	for i, s := range list {
		if s == v {
			return i
		}
	}
	return 0
}

// checkFlow runs every per-flow invariant and, when the flow stays clean,
// lowers it into an ir.Flow.
func (c *checker) checkFlow(flow *dsl.Flow) {
	before := c.diags.Len()
	fc := &flowCheck{c: c, flow: flow, vars: make(map[string]*ir.Variable, len(flow.Variables))}

	for _, v := range flow.Variables {
		if err := c.typeKnown(v.Type); err != nil {
			fc.errorf(v.Pos(), errdefs.ReasonTypeMismatch, "flow '%s' variable '%s': %v", flow.ID, v.ID, err)
			continue
		}
		fc.vars[v.ID] = ir.NewVariable(v)
	}
	for _, id := range flow.Inputs {
		if _, ok := fc.vars[id]; !ok {
			fc.errorf(flow.Pos(), errdefs.ReasonRefUnresolved, "flow '%s' input '%s' is not a declared variable", flow.ID, id)
		}
	}
	for _, id := range flow.Outputs {
		if _, ok := fc.vars[id]; !ok {
			fc.errorf(flow.Pos(), errdefs.ReasonRefUnresolved, "flow '%s' output '%s' is not a declared variable", flow.ID, id)
		}
	}
	for _, id := range flow.SessionInputs {
		if _, ok := fc.vars[id]; !ok {
			fc.errorf(flow.Pos(), errdefs.ReasonRefUnresolved, "flow '%s' session input '%s' is not a declared variable", flow.ID, id)
		}
	}

	fc.splitBranchTargets()
	fc.checkVariableUse()
	fc.checkOrder()
	fc.checkCardinality()
	fc.checkReachability()
	fc.checkInterface()
	for _, s := range fc.main {
		fc.checkSignature(s)
	}

	if c.diags.Len() != before {
		return
	}
	c.irFlows[flow.ID] = fc.lower()
}

// flowCheck carries the per-flow analysis state: the variable table, the
// main step chain with condition branch targets split out, and the
// declaration-order writer index used for dependency checks.
type flowCheck struct {
	c    *checker
	flow *dsl.Flow
	vars map[string]*ir.Variable

	main          []dsl.Step
	branchOwned   map[string]dsl.Step // step id -> owning condition's branch step
	writersBefore map[string][]int    // variable id -> main indexes that write it, ascending
	fanDepth      []int               // output stream depth per main index
}

func (fc *flowCheck) errorf(pos errdefs.Position, reason, format string, args ...any) {
	fc.c.diags.Add(errdefs.Checkerf(format, args...).WithReason(reason).WithPos(pos))
}

func (fc *flowCheck) warnf(pos errdefs.Position, reason, format string, args ...any) {
	fc.c.warns = append(fc.c.warns, errdefs.Checkerf(format, args...).WithReason(reason).WithPos(pos))
}

// splitBranchTargets removes steps owned by a Condition branch from the main
// chain; they execute through their Condition, not as pipeline stages.
func (fc *flowCheck) splitBranchTargets() {
	fc.branchOwned = make(map[string]dsl.Step)
	for _, s := range fc.flow.Steps {
		cond, ok := s.(*dsl.Condition)
		if !ok {
			continue
		}
		for _, ref := range []dsl.Ref{cond.Then, cond.Else} {
			if target, ok := ref.Target().(dsl.Step); ok {
				fc.branchOwned[target.Meta().ID] = target
			}
		}
	}
	for _, s := range fc.flow.Steps {
		if _, owned := fc.branchOwned[s.Meta().ID]; owned {
			continue
		}
		fc.main = append(fc.main, s)
	}
}

// checkVariableUse verifies every step io id names a declared variable.
func (fc *flowCheck) checkVariableUse() {
	check := func(s dsl.Step, ids []string, what string) {
		for _, id := range ids {
			if _, ok := fc.vars[id]; !ok {
				fc.errorf(s.Pos(), errdefs.ReasonRefUnresolved,
					"flow '%s' step '%s' %s '%s' is not a declared variable",
					fc.flow.ID, s.Meta().ID, what, id)
			}
		}
	}
	for _, s := range fc.flow.Steps {
		check(s, s.Meta().Inputs, "input")
		check(s, s.Meta().Outputs, "output")
		if cond, ok := s.(*dsl.Condition); ok {
			check(s, []string{cond.Equals}, "equals variable")
			for _, branch := range fc.branchSteps(cond) {
				check(branch, branch.Meta().Inputs, "input")
				check(branch, branch.Meta().Outputs, "output")
			}
		}
	}
}

func (fc *flowCheck) branchSteps(cond *dsl.Condition) []dsl.Step {
	var out []dsl.Step
	for _, ref := range []dsl.Ref{cond.Then, cond.Else} {
		if target, ok := ref.Target().(dsl.Step); ok {
			out = append(out, target)
		}
	}
	return out
}

// produces returns the variables a main-chain step writes. A Condition
// produces the union of its branches' outputs.
func produces(s dsl.Step) []string {
	cond, ok := s.(*dsl.Condition)
	if !ok {
		return s.Meta().Outputs
	}
	var out []string
	seen := make(map[string]bool)
	for _, ref := range []dsl.Ref{cond.Then, cond.Else} {
		if target, ok := ref.Target().(dsl.Step); ok {
			for _, id := range target.Meta().Outputs {
				if !seen[id] {
					seen[id] = true
					out = append(out, id)
				}
			}
		}
	}
	return out
}

// consumes returns the variables a main-chain step reads, including a
// Condition's comparison variable and its branches' inputs.
func consumes(s dsl.Step) []string {
	ids := append([]string(nil), s.Meta().Inputs...)
	if cond, ok := s.(*dsl.Condition); ok {
		ids = append(ids, cond.Equals)
		for _, ref := range []dsl.Ref{cond.Then, cond.Else} {
			if target, ok := ref.Target().(dsl.Step); ok {
				ids = append(ids, target.Meta().Inputs...)
			}
		}
	}
	return ids
}

// checkOrder verifies the declared step order is a valid topological order of
// the data-dependency graph: every read has a preceding writer or comes from
// the flow's inputs. A read satisfied only by a later writer means the graph
// has no valid order at all and is reported as a cycle.
func (fc *flowCheck) checkOrder() {
	available := make(map[string]bool, len(fc.flow.Inputs))
	for _, id := range fc.flow.Inputs {
		available[id] = true
	}
	for _, id := range fc.flow.SessionInputs {
		available[id] = true
	}

	writers := make(map[string][]int)
	for i, s := range fc.main {
		for _, id := range produces(s) {
			writers[id] = append(writers[id], i)
		}
	}
	fc.writersBefore = writers

	for i, s := range fc.main {
		for _, id := range consumes(s) {
			if _, declared := fc.vars[id]; !declared {
				continue // already reported
			}
			if available[id] {
				continue
			}
			if writtenAtOrAfter(writers[id], i) {
				fc.errorf(s.Pos(), errdefs.ReasonFlowCyclic,
					"flow '%s' step '%s' consumes '%s' before any step produces it; the step graph has no valid order",
					fc.flow.ID, s.Meta().ID, id)
			} else {
				fc.errorf(s.Pos(), errdefs.ReasonRefUnresolved,
					"flow '%s' step '%s' consumes '%s', which no step produces and which is not a flow input",
					fc.flow.ID, s.Meta().ID, id)
			}
		}
		for _, id := range produces(s) {
			available[id] = true
		}
	}

	for _, id := range fc.flow.Outputs {
		if _, declared := fc.vars[id]; !declared {
			continue // already reported
		}
		if !available[id] {
			fc.errorf(fc.flow.Pos(), errdefs.ReasonRefUnresolved,
				"flow '%s' output '%s' is never produced", fc.flow.ID, id)
		}
	}
}

func writtenAtOrAfter(writes []int, i int) bool {
	for _, w := range writes {
		if w >= i {
			return true
		}
	}
	return false
}

// lastWriterBefore finds the main index of the latest write to id before
// position i, or -1 when the value comes from the flow inputs.
func (fc *flowCheck) lastWriterBefore(i int, id string) int {
	last := -1
	for _, w := range fc.writersBefore[id] {
		if w >= i {
			break
		}
		last = w
	}
	return last
}

// checkCardinality walks the main chain propagating effective stream depth:
// sources and fan-out steps raise it, fan-in steps lower it. Source steps
// generate the stream, so one is allowed at most and only as the first step.
func (fc *flowCheck) checkCardinality() {
	fc.fanDepth = make([]int, len(fc.main))
	depth := 0
	for i, s := range fc.main {
		switch s.Cardinality() {
		case dsl.CardinalitySource:
			if i != 0 {
				fc.errorf(s.Pos(), errdefs.ReasonInterfaceViolation,
					"flow '%s' step '%s': a source step must be the flow's first step",
					fc.flow.ID, s.Meta().ID)
			}
			depth = 1
		case dsl.CardinalityOneToMany:
			depth++
		case dsl.CardinalityManyToOne:
			if depth > 0 {
				depth--
			}
		}
		fc.fanDepth[i] = depth

		if cond, ok := s.(*dsl.Condition); ok {
			for _, branch := range fc.branchSteps(cond) {
				if branch.Cardinality() != dsl.CardinalityOneToOne {
					fc.errorf(cond.Pos(), errdefs.ReasonInterfaceViolation,
						"flow '%s' step '%s': branch step '%s' must be one-to-one, %s steps cannot route",
						fc.flow.ID, cond.ID, branch.Meta().ID, branch.Cardinality())
				}
			}
		}
	}
}

// checkReachability warns about steps whose consumed data never derives from
// the flow's inputs. Such a step still executes; the warning flags a likely
// authoring mistake. Constant generators (steps with no inputs) are exempt
// but do not make their consumers input-derived.
func (fc *flowCheck) checkReachability() {
	derived := make(map[string]bool, len(fc.flow.Inputs))
	for _, id := range fc.flow.Inputs {
		derived[id] = true
	}
	for _, id := range fc.flow.SessionInputs {
		derived[id] = true
	}

	for _, s := range fc.main {
		reached := s.Cardinality() == dsl.CardinalitySource
		for _, id := range consumes(s) {
			if derived[id] {
				reached = true
				break
			}
		}
		if !reached {
			if len(consumes(s)) > 0 {
				fc.warnf(s.Pos(), errdefs.ReasonStepUnreachable,
					"flow '%s' step '%s' is unreachable from the flow's inputs",
					fc.flow.ID, s.Meta().ID)
			}
			continue
		}
		for _, id := range produces(s) {
			derived[id] = true
		}
	}
}

// checkInterface enforces the conversational contract: at least one
// ChatMessage input and exactly one ChatMessage output.
func (fc *flowCheck) checkInterface() {
	if fc.flow.Interface != dsl.FlowConversational {
		return
	}
	chatIn := 0
	for _, id := range fc.flow.Inputs {
		if v, ok := fc.vars[id]; ok && isChatMessage(v.Type()) {
			chatIn++
		}
	}
	chatOut := 0
	for _, id := range fc.flow.Outputs {
		if v, ok := fc.vars[id]; ok && isChatMessage(v.Type()) {
			chatOut++
		}
	}
	if chatIn == 0 {
		fc.errorf(fc.flow.Pos(), errdefs.ReasonInterfaceViolation,
			"conversational flow '%s' needs at least one ChatMessage input", fc.flow.ID)
	}
	if chatOut != 1 {
		fc.errorf(fc.flow.Pos(), errdefs.ReasonInterfaceViolation,
			"conversational flow '%s' needs exactly one ChatMessage output, found %d", fc.flow.ID, chatOut)
	}
}

func isChatMessage(t dsl.TypeRef) bool {
	return t.Required().IsCustom() && t.CustomID() == "ChatMessage"
}

// typeKnown verifies every custom id a type reference mentions exists in the
// type table.
func (c *checker) typeKnown(t dsl.TypeRef) error {
	switch {
	case t.IsList():
		return c.typeKnown(*t.Elem())
	case t.IsCustom():
		if _, ok := c.table.Lookup(t.CustomID()); !ok {
			return fmt.Errorf("unknown type '%s'", t.CustomID())
		}
	}
	return nil
}

// lower builds the ir.Flow once the flow checked clean.
func (fc *flowCheck) lower() *ir.Flow {
	irSteps := make([]*ir.Step, 0, len(fc.main))
	for i, s := range fc.main {
		irSteps = append(irSteps, fc.lowerStep(s, fc.fanDepth[i]))
	}

	vars := make([]*ir.Variable, 0, len(fc.vars))
	for _, v := range fc.flow.Variables {
		if iv, ok := fc.vars[v.ID]; ok {
			vars = append(vars, iv)
		}
	}

	return ir.NewFlow(ir.FlowSpec{
		Def:       fc.flow,
		Inputs:    fc.varList(fc.flow.Inputs),
		Outputs:   fc.varList(fc.flow.Outputs),
		Variables: vars,
		Steps:     irSteps,
	})
}

func (fc *flowCheck) lowerStep(s dsl.Step, depth int) *ir.Step {
	spec := ir.StepSpec{
		Def:      s,
		Inputs:   fc.varList(s.Meta().Inputs),
		Outputs:  fc.varList(s.Meta().Outputs),
		FanDepth: depth,
	}

	switch step := s.(type) {
	case *dsl.Condition:
		spec.Equals = fc.vars[step.Equals]
		if target, ok := step.Then.Target().(dsl.Step); ok {
			spec.Then = fc.lowerStep(target, depth)
		}
		if target, ok := step.Else.Target().(dsl.Step); ok {
			spec.Else = fc.lowerStep(target, depth)
		}
		spec.Outputs = fc.varList(produces(s))
	case *dsl.InvokeFlow:
		if callee, err := dsl.TargetAs[*dsl.Flow](step.Flow); err == nil {
			spec.Subflow = fc.c.irFlows[callee.ID]
		}
	}
	return ir.NewStep(spec)
}

func (fc *flowCheck) varList(ids []string) []*ir.Variable {
	out := make([]*ir.Variable, 0, len(ids))
	for _, id := range ids {
		if v, ok := fc.vars[id]; ok {
			out = append(out, v)
		}
	}
	return out
}
