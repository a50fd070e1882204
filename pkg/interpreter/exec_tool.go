package interpreter

import (
	"context"

	"github.com/google/uuid"

	"github.com/qtype-ai/qtype/pkg/dsl"
	"github.com/qtype-ai/qtype/pkg/errdefs"
	"github.com/qtype-ai/qtype/pkg/ir"
	"github.com/qtype-ai/qtype/pkg/tool"
)

// invokeToolExec calls one declared tool per message. Parameters bind from
// the message by the declared binding or by name; outputs bind back the
// same way. A tool handing back a value outside its declared output type is
// an invariant break and aborts the flow.
type invokeToolExec struct {
	r        *flowRun
	s        *ir.Step
	def      *dsl.InvokeTool
	meta     *dsl.ToolMeta
	tool     tool.Tool
	declared map[string]bool
}

func buildInvokeTool(ctx context.Context, r *flowRun, step *ir.Step) (stage, error) {
	def := step.Def().(*dsl.InvokeTool)
	toolID := def.Tool.LinkedID()
	toolDef, ok := r.it.app.Tool(toolID)
	if !ok {
		return nil, errdefs.Fatalf("step '%s': unknown tool '%s'", step.ID(), toolID)
	}
	t, err := r.it.clients.Tool(ctx, toolID)
	if err != nil {
		return nil, err
	}
	x := &invokeToolExec{r: r, s: step, def: def, meta: toolDef.Meta(), tool: t,
		declared: make(map[string]bool, len(step.Outputs()))}
	for _, o := range step.Outputs() {
		x.declared[o.ID()] = true
	}
	return newMapStage(r, step, nil, x.invoke), nil
}

func (x *invokeToolExec) invoke(ctx context.Context, msg *FlowMessage) ([]*FlowMessage, error) {
	args := make(map[string]any, len(x.meta.Inputs))
	for _, p := range x.meta.Inputs {
		varID := p.ID
		if bound, ok := x.def.InputBindings[p.ID]; ok {
			varID = bound
		}
		v, ok := msg.Var(varID)
		if !ok {
			if p.Type.IsOptional() {
				continue
			}
			return nil, errdefs.Failuref("step '%s': no value for tool parameter '%s'", x.s.ID(), p.ID)
		}
		args[p.ID] = v
	}

	callID := uuid.NewString()
	x.r.emit(Event{Kind: EventToolInputStart, StepID: x.s.ID(), ToolCallID: callID, ToolName: x.tool.Name()})
	x.r.emit(Event{Kind: EventToolInputEnd, StepID: x.s.ID(), ToolCallID: callID, ToolName: x.tool.Name(), Data: args})

	result, err := x.tool.Invoke(ctx, args)
	if err != nil {
		x.r.emit(Event{Kind: EventToolOutputError, StepID: x.s.ID(), ToolCallID: callID, ToolName: x.tool.Name(), Error: err.Error()})
		return nil, err
	}
	x.r.emit(Event{Kind: EventToolOutputAvailable, StepID: x.s.ID(), ToolCallID: callID, ToolName: x.tool.Name(),
		Data: map[string]any{"content": formatValue(result)}})

	return x.bindOutputs(msg, result)
}

func (x *invokeToolExec) bindOutputs(msg *FlowMessage, result any) ([]*FlowMessage, error) {
	fields, isMap := result.(map[string]any)
	if !isMap && len(x.meta.Outputs) > 1 {
		return nil, errdefs.Fatalf("tool '%s' returned a single value for %d declared outputs",
			x.tool.Name(), len(x.meta.Outputs))
	}
	out := msg
	for _, o := range x.meta.Outputs {
		target := o.ID
		if bound, ok := x.def.OutputBindings[o.ID]; ok {
			target = bound
		}
		if !x.declared[target] {
			continue
		}
		v := result
		if isMap {
			got, ok := fields[o.ID]
			if !ok {
				if o.Type.IsOptional() {
					continue
				}
				return nil, errdefs.Fatalf("tool '%s' returned no value for output '%s'", x.tool.Name(), o.ID)
			}
			v = got
		}
		v = coerceToType(v, o.Type, x.r.it.app.Types())
		if err := dsl.ValidateValue(v, o.Type, x.r.it.app.Types()); err != nil {
			return nil, errdefs.Wrapf(errdefs.CodeFatal, err, "tool '%s': output '%s' has the wrong type",
				x.tool.Name(), o.ID)
		}
		out = out.WithVar(target, v)
	}
	return []*FlowMessage{out}, nil
}
