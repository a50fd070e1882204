package interpreter

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/qtype-ai/qtype/pkg/dsl"
	"github.com/qtype-ai/qtype/pkg/errdefs"
	"github.com/qtype-ai/qtype/pkg/ir"
	"github.com/qtype-ai/qtype/pkg/model"
	"github.com/qtype-ai/qtype/pkg/tool"
)

// llmExec drives a generative model for both inference and agent steps. The
// conversation is assembled per message from the session history and the
// step's inputs; deltas mirror onto the event stream while the response
// collects.
type llmExec struct {
	r      *flowRun
	s      *ir.Step
	def    *dsl.LLMInference
	model  *dsl.Model
	gen    model.Generator
	memDef *dsl.Memory

	tools         []toolBinding
	maxIterations int
}

type toolBinding struct {
	tool tool.Tool
	def  model.ToolDef
}

func buildLLMInference(ctx context.Context, r *flowRun, step *ir.Step) (stage, error) {
	def := step.Def().(*dsl.LLMInference)
	x, err := newLLMExec(ctx, r, step, def)
	if err != nil {
		return nil, err
	}
	return newMapStage(r, step, x.model.Retry, x.infer), nil
}

func buildAgent(ctx context.Context, r *flowRun, step *ir.Step) (stage, error) {
	def := step.Def().(*dsl.Agent)
	x, err := newLLMExec(ctx, r, step, &def.LLMInference)
	if err != nil {
		return nil, err
	}
	x.maxIterations = def.MaxIterations
	for _, ref := range def.Tools {
		t, err := r.it.clients.Tool(ctx, ref.LinkedID())
		if err != nil {
			return nil, err
		}
		x.tools = append(x.tools, toolBinding{
			tool: t,
			def:  model.ToolDef{Name: t.Name(), Description: t.Description(), Parameters: t.Schema()},
		})
	}
	return newMapStage(r, step, x.model.Retry, x.agent), nil
}

func newLLMExec(ctx context.Context, r *flowRun, step *ir.Step, def *dsl.LLMInference) (*llmExec, error) {
	modelID := def.Model.LinkedID()
	m, ok := r.it.app.Model(modelID)
	if !ok {
		return nil, errdefs.Fatalf("step '%s': '%s' is not a generative model", step.ID(), modelID)
	}
	gen, err := r.it.clients.Generator(ctx, modelID)
	if err != nil {
		return nil, err
	}
	x := &llmExec{r: r, s: step, def: def, model: m, gen: gen}
	if !def.Memory.IsZero() {
		memID := def.Memory.LinkedID()
		memDef, ok := r.it.app.Memory(memID)
		if !ok {
			return nil, errdefs.Fatalf("step '%s': unknown memory '%s'", step.ID(), memID)
		}
		x.memDef = memDef
	}
	return x, nil
}

func (x *llmExec) infer(ctx context.Context, msg *FlowMessage) ([]*FlowMessage, error) {
	turns, userTurns, err := x.compose(ctx, msg)
	if err != nil {
		return nil, err
	}
	req := &model.Request{Messages: turns, System: x.def.SystemMessage, Params: x.model.InferenceParams}
	res, err := x.complete(ctx, req)
	if err != nil {
		return nil, err
	}
	out := x.writeOutputs(msg, res)
	if err := x.remember(ctx, msg, userTurns, res); err != nil {
		return nil, err
	}
	return []*FlowMessage{out}, nil
}

func (x *llmExec) agent(ctx context.Context, msg *FlowMessage) ([]*FlowMessage, error) {
	turns, userTurns, err := x.compose(ctx, msg)
	if err != nil {
		return nil, err
	}
	defs := make([]model.ToolDef, len(x.tools))
	byName := make(map[string]tool.Tool, len(x.tools))
	for i, b := range x.tools {
		defs[i] = b.def
		byName[b.def.Name] = b.tool
	}

	for iteration := 0; iteration < x.maxIterations; iteration++ {
		req := &model.Request{Messages: turns, System: x.def.SystemMessage, Tools: defs, Params: x.model.InferenceParams}
		res, err := x.complete(ctx, req)
		if err != nil {
			return nil, err
		}
		if len(res.ToolCalls) == 0 {
			out := x.writeOutputs(msg, res)
			if err := x.remember(ctx, msg, userTurns, res); err != nil {
				return nil, err
			}
			return []*FlowMessage{out}, nil
		}

		turns = append(turns, model.Message{
			Role:      dsl.RoleAssistant,
			Blocks:    res.Message().Blocks,
			ToolCalls: res.ToolCalls,
		})
		results := make([]model.ToolResult, 0, len(res.ToolCalls))
		for _, call := range res.ToolCalls {
			results = append(results, x.dispatchTool(ctx, byName, call))
			if ctx.Err() != nil {
				return nil, errdefs.Cancelledf("agent interrupted: %v", ctx.Err())
			}
		}
		turns = append(turns, model.Message{Role: dsl.RoleTool, ToolResults: results})
	}
	return nil, errdefs.Failuref("step '%s': no final answer after %d iterations",
		x.s.ID(), x.maxIterations).WithReason(errdefs.ReasonAgentLoopExhausted)
}

// compose builds the conversation: session history first when a memory is
// attached, then the step inputs in declaration order. The user turns are
// returned separately so a success can commit them.
func (x *llmExec) compose(ctx context.Context, msg *FlowMessage) ([]model.Message, []dsl.ChatMessage, error) {
	var turns []model.Message
	if x.memDef != nil {
		history, err := x.r.it.mem.History(ctx, msg.SessionID(), x.memDef)
		if err != nil {
			return nil, nil, err
		}
		turns = model.FromChat(history)
	}
	var userTurns []dsl.ChatMessage
	for _, in := range x.s.Inputs() {
		v, ok, err := requireVar(msg, x.s.ID(), in)
		if err != nil {
			return nil, nil, err
		}
		if !ok {
			continue
		}
		for _, turn := range inputTurns(v) {
			turns = append(turns, turn)
			if turn.Role == dsl.RoleUser {
				userTurns = append(userTurns, dsl.ChatMessage{Role: turn.Role, Blocks: turn.Blocks})
			}
		}
	}
	return turns, userTurns, nil
}

// inputTurns renders one variable value as conversation turns. Chat values
// keep their role; everything else arrives as user content.
func inputTurns(v any) []model.Message {
	switch t := v.(type) {
	case dsl.ChatMessage:
		return []model.Message{model.Chat(t)}
	case *dsl.ChatMessage:
		return []model.Message{model.Chat(*t)}
	case []dsl.ChatMessage:
		return model.FromChat(t)
	}
	return []model.Message{{
		Role:   dsl.RoleUser,
		Blocks: []dsl.ChatContent{{Type: dsl.KindText, Content: formatValue(v)}},
	}}
}

// complete issues one model call and collects the stream, mirroring deltas
// onto the event stream. A transient break after deltas have reached
// subscribers is downgraded to a message failure: replaying the call would
// duplicate the output already shown.
func (x *llmExec) complete(ctx context.Context, req *model.Request) (*model.Result, error) {
	stream, err := x.gen.Complete(ctx, req)
	if err != nil {
		return nil, err
	}
	start := time.Now()
	res, emitted, err := x.r.collectStream(ctx, x.s.ID(), stream)
	var in, out int
	if res != nil {
		in, out = res.Usage.PromptTokens, res.Usage.CompletionTokens
	}
	x.r.it.metrics.RecordModelCall(ctx, x.gen.Name(), time.Since(start), in, out, err)
	if err != nil {
		if emitted && errdefs.IsTransient(err) {
			err = errdefs.Wrapf(errdefs.CodeMessageFailure, err,
				"model '%s' stream broke mid-response", x.gen.Name())
		}
		return nil, err
	}
	x.r.emit(Event{Kind: EventMessageMetadata, StepID: x.s.ID(), Data: map[string]any{
		"model":             x.gen.Name(),
		"prompt_tokens":     res.Usage.PromptTokens,
		"completion_tokens": res.Usage.CompletionTokens,
		"total_tokens":      res.Usage.TotalTokens,
	}})
	return res, nil
}

func (x *llmExec) writeOutputs(msg *FlowMessage, res *model.Result) *FlowMessage {
	out := msg
	for _, v := range x.s.Outputs() {
		if isChatMessageType(v.Type()) {
			out = out.WithVar(v.ID(), res.Message())
		} else {
			out = out.WithVar(v.ID(), res.Text)
		}
	}
	return out
}

// remember commits the exchange after a successful call: the user turns
// composed from this message's inputs, then the assistant response. Nothing
// is written on failure, so a retried or failed call never pollutes the
// session.
func (x *llmExec) remember(ctx context.Context, msg *FlowMessage, userTurns []dsl.ChatMessage, res *model.Result) error {
	if x.memDef == nil {
		return nil
	}
	records := make([]dsl.ChatMessage, 0, len(userTurns)+1)
	records = append(records, userTurns...)
	records = append(records, res.Message())
	return x.r.it.mem.Append(ctx, msg.SessionID(), x.memDef, records...)
}

func (x *llmExec) dispatchTool(ctx context.Context, byName map[string]tool.Tool, call model.ToolCall) model.ToolResult {
	x.r.emit(Event{Kind: EventToolInputStart, StepID: x.s.ID(), ToolCallID: call.ID, ToolName: call.Name})
	x.r.emit(Event{Kind: EventToolInputEnd, StepID: x.s.ID(), ToolCallID: call.ID, ToolName: call.Name, Data: call.Args})

	t, ok := byName[call.Name]
	if !ok {
		msg := fmt.Sprintf("tool '%s' is not available", call.Name)
		x.r.emit(Event{Kind: EventToolOutputError, StepID: x.s.ID(), ToolCallID: call.ID, ToolName: call.Name, Error: msg})
		return model.ToolResult{CallID: call.ID, Name: call.Name, Content: msg, IsError: true}
	}
	out, err := retryTransient(ctx, nil, func(c context.Context) (any, error) {
		return t.Invoke(c, call.Args)
	})
	if err != nil {
		// The model sees the failure and decides what to do with it.
		x.r.emit(Event{Kind: EventToolOutputError, StepID: x.s.ID(), ToolCallID: call.ID, ToolName: call.Name, Error: err.Error()})
		return model.ToolResult{CallID: call.ID, Name: call.Name, Content: err.Error(), IsError: true}
	}
	content := formatValue(out)
	x.r.emit(Event{Kind: EventToolOutputAvailable, StepID: x.s.ID(), ToolCallID: call.ID, ToolName: call.Name,
		Data: map[string]any{"content": content}})
	return model.ToolResult{CallID: call.ID, Name: call.Name, Content: content}
}

// collectStream drains a generation stream into a Result, emitting the
// delta events as chunks arrive. It reports whether anything reached the
// sink so callers know when a retry would duplicate visible output.
func (r *flowRun) collectStream(ctx context.Context, stepID string, stream model.Stream) (*model.Result, bool, error) {
	res := &model.Result{}
	var text, thinking strings.Builder
	var textOpen, thinkingOpen, emitted bool

	closeThinking := func() {
		if thinkingOpen {
			r.emit(Event{Kind: EventReasoningEnd, StepID: stepID})
			thinkingOpen = false
		}
	}
	for chunk, err := range stream {
		if err != nil {
			return nil, emitted, err
		}
		if ctx.Err() != nil {
			return nil, emitted, errdefs.Cancelledf("generation interrupted: %v", ctx.Err())
		}
		switch chunk.Kind {
		case model.ChunkThinking:
			if !thinkingOpen {
				r.emit(Event{Kind: EventReasoningStart, StepID: stepID})
				thinkingOpen = true
			}
			r.emit(Event{Kind: EventReasoningDelta, StepID: stepID, Delta: chunk.Text})
			emitted = true
			thinking.WriteString(chunk.Text)
		case model.ChunkText:
			closeThinking()
			if !textOpen {
				r.emit(Event{Kind: EventTextStart, StepID: stepID})
				textOpen = true
			}
			r.emit(Event{Kind: EventTextDelta, StepID: stepID, Delta: chunk.Text})
			emitted = true
			text.WriteString(chunk.Text)
		case model.ChunkToolCall:
			closeThinking()
			if chunk.ToolCall != nil {
				res.ToolCalls = append(res.ToolCalls, *chunk.ToolCall)
			}
		case model.ChunkDone:
			closeThinking()
			if chunk.Usage != nil {
				res.Usage = *chunk.Usage
			}
		}
	}
	closeThinking()
	res.Text = text.String()
	res.Thinking = thinking.String()
	return res, emitted, nil
}
