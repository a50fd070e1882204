package interpreter

import (
	"context"

	"github.com/qtype-ai/qtype/pkg/dsl"
	"github.com/qtype-ai/qtype/pkg/errdefs"
	"github.com/qtype-ai/qtype/pkg/ir"
)

// invokeFlowExec runs a subflow to completion for each message. Only the
// bound variables cross the boundary in either direction; the subflow gets
// a fresh capsule and its pipeline is driven inside the caller's dispatch,
// so the caller's concurrency and timeout bound the whole inner run.
type invokeFlowExec struct {
	r   *flowRun
	s   *ir.Step
	def *dsl.InvokeFlow
	sub *ir.Flow
}

func buildInvokeFlow(ctx context.Context, r *flowRun, step *ir.Step) (stage, error) {
	def := step.Def().(*dsl.InvokeFlow)
	sub := step.Subflow()
	if sub == nil {
		return nil, errdefs.Fatalf("step '%s': subflow '%s' is not linked", step.ID(), def.Flow.LinkedID())
	}
	x := &invokeFlowExec{r: r, s: step, def: def, sub: sub}
	return newMapStage(r, step, nil, x.call), nil
}

func (x *invokeFlowExec) call(ctx context.Context, msg *FlowMessage) ([]*FlowMessage, error) {
	subVars := make(map[string]any, len(x.sub.Inputs()))
	for _, in := range x.sub.Inputs() {
		varID := in.ID()
		if bound, ok := x.def.InputBindings[in.ID()]; ok {
			varID = bound
		}
		v, ok := msg.Var(varID)
		if !ok {
			if in.Optional() {
				continue
			}
			return nil, errdefs.Failuref("step '%s': no value for subflow input '%s'", x.s.ID(), in.ID())
		}
		subVars[in.ID()] = v
	}

	subRun := &flowRun{it: x.r.it, flow: x.sub, runID: x.r.runID, session: msg.SessionID(), events: x.r.events}
	seed := &FlowMessage{sessionID: msg.SessionID(), vars: subVars, meta: Metadata{RunID: x.r.runID}}
	results, err := subRun.execute(ctx, seed)
	if err != nil {
		return nil, err
	}
	if len(results) != 1 {
		return nil, errdefs.Fatalf("step '%s': subflow '%s' produced %d terminal messages, want exactly 1",
			x.s.ID(), x.sub.ID(), len(results))
	}
	final := results[0]
	if final.Failed() {
		return nil, errdefs.Wrapf(errdefs.CodeMessageFailure, final.Err(),
			"step '%s': subflow '%s' failed", x.s.ID(), x.sub.ID())
	}

	out := msg
	for _, o := range x.sub.Outputs() {
		target := o.ID()
		if bound, ok := x.def.OutputBindings[o.ID()]; ok {
			target = bound
		}
		v, ok := final.Var(o.ID())
		if !ok {
			if o.Optional() {
				continue
			}
			return nil, errdefs.Failuref("step '%s': subflow '%s' produced no '%s'", x.s.ID(), x.sub.ID(), o.ID())
		}
		out = out.WithVar(target, v)
	}
	return []*FlowMessage{out}, nil
}

// conditionExec compares the input value against the equals variable and
// routes each message through the matching branch. Branches are ordinary
// one-to-one stages applied inline, so they keep their own events, retry
// policy, and timeout.
type conditionExec struct {
	r    *flowRun
	s    *ir.Step
	in   *ir.Variable
	eq   *ir.Variable
	then *mapStage
	els  *mapStage
}

func buildCondition(ctx context.Context, r *flowRun, step *ir.Step) (stage, error) {
	x := &conditionExec{r: r, s: step, in: step.Inputs()[0], eq: step.Equals()}
	var err error
	if x.then, err = buildBranch(ctx, r, step, step.Then()); err != nil {
		return nil, err
	}
	if x.els, err = buildBranch(ctx, r, step, step.Else()); err != nil {
		return nil, err
	}
	return newMapStage(r, step, nil, x.route), nil
}

func buildBranch(ctx context.Context, r *flowRun, cond, branch *ir.Step) (*mapStage, error) {
	if branch == nil {
		return nil, nil
	}
	st, err := r.buildStage(ctx, branch)
	if err != nil {
		return nil, err
	}
	ms, ok := st.(*mapStage)
	if !ok {
		return nil, errdefs.Fatalf("step '%s': branch '%s' is not a one-to-one step", cond.ID(), branch.ID())
	}
	return ms, nil
}

func (x *conditionExec) route(ctx context.Context, msg *FlowMessage) ([]*FlowMessage, error) {
	left, ok := msg.Var(x.in.ID())
	if !ok {
		return nil, errdefs.Failuref("step '%s': variable '%s' missing from message", x.s.ID(), x.in.ID())
	}
	right, ok := msg.Var(x.eq.ID())
	if !ok {
		return nil, errdefs.Failuref("step '%s': variable '%s' missing from message", x.s.ID(), x.eq.ID())
	}
	branch := x.els
	if equalValues(left, right) {
		branch = x.then
	}
	if branch == nil {
		return []*FlowMessage{msg}, nil
	}
	return branch.apply(ctx, msg)
}
