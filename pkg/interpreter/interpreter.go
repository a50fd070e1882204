// Package interpreter executes checked applications. Each flow run is a
// pipeline of channel-connected step executors moving immutable FlowMessage
// capsules; a secondary event stream reports progress as it happens. Failures
// stay scoped to the message that hit them unless an invariant breaks, in
// which case the whole run aborts.
package interpreter

import (
	"context"
	"errors"
	"log/slog"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel/attribute"
	"golang.org/x/sync/errgroup"

	"github.com/qtype-ai/qtype/pkg/dsl"
	"github.com/qtype-ai/qtype/pkg/errdefs"
	"github.com/qtype-ai/qtype/pkg/index"
	"github.com/qtype-ai/qtype/pkg/ir"
	"github.com/qtype-ai/qtype/pkg/logger"
	"github.com/qtype-ai/qtype/pkg/memory"
	"github.com/qtype-ai/qtype/pkg/model"
	"github.com/qtype-ai/qtype/pkg/telemetry"
	"github.com/qtype-ai/qtype/pkg/tool"
)

// Clients hands out the live backends a run needs. Implementations may pool
// and reuse them across runs; executors resolve everything they need at
// build time, before any message moves.
type Clients interface {
	Generator(ctx context.Context, modelID string) (model.Generator, error)
	Embedder(ctx context.Context, modelID string) (model.Embedder, error)
	Tool(ctx context.Context, toolID string) (tool.Tool, error)
	VectorIndex(ctx context.Context, indexID string) (index.VectorIndex, error)
	DocumentIndex(ctx context.Context, indexID string) (index.DocumentIndex, error)
}

// Options configures an Interpreter beyond its application and clients.
// Every field has a working zero value.
type Options struct {
	// Memory stores conversation history. Defaults to an in-process store.
	Memory memory.Store

	// Events receives the progress stream of every run that does not bring
	// its own sink.
	Events EventSink

	// Logger, Telemetry, and Metrics default to the process logger, disabled
	// tracing, and no metrics.
	Logger    *slog.Logger
	Telemetry *telemetry.Telemetry
	Metrics   *telemetry.Metrics
}

// Interpreter runs the flows of one checked application.
type Interpreter struct {
	app     *ir.App
	clients Clients
	mem     memory.Store
	events  EventSink
	log     *slog.Logger
	tel     *telemetry.Telemetry
	metrics *telemetry.Metrics
}

func New(app *ir.App, clients Clients, opts Options) *Interpreter {
	it := &Interpreter{
		app:     app,
		clients: clients,
		mem:     opts.Memory,
		events:  opts.Events,
		log:     opts.Logger,
		tel:     opts.Telemetry,
		metrics: opts.Metrics,
	}
	if it.mem == nil {
		it.mem = memory.NewLocalStore(nil)
	}
	if it.events == nil {
		it.events = discardSink{}
	}
	if it.log == nil {
		it.log = logger.GetLogger()
	}
	if it.tel == nil {
		it.tel = telemetry.Disabled()
	}
	return it
}

// App returns the application this interpreter runs.
func (it *Interpreter) App() *ir.App { return it.app }

// RunOptions adjusts one invocation.
type RunOptions struct {
	// SessionID scopes conversation memory. Empty starts a fresh session.
	SessionID string

	// Events overrides the interpreter's sink for this run.
	Events EventSink

	// Timeout bounds the whole run. Zero means no bound beyond ctx.
	Timeout time.Duration
}

// RunResult is the terminal state of one flow run.
type RunResult struct {
	RunID     string
	SessionID string

	// Messages holds every terminal capsule, failed ones included.
	Messages []*FlowMessage

	// Outputs binds the flow's declared outputs when the run settled into
	// exactly one live terminal message.
	Outputs map[string]any
}

// Failures returns the errors of the failed terminal messages.
func (r *RunResult) Failures() []error {
	var errs []error
	for _, m := range r.Messages {
		if m.Failed() {
			errs = append(errs, m.Err())
		}
	}
	return errs
}

// Run executes one flow to completion. Inputs are validated against the
// flow's declared interface before the pipeline starts; a bad input never
// spins up a backend client.
func (it *Interpreter) Run(ctx context.Context, flowID string, inputs map[string]any, opts RunOptions) (*RunResult, error) {
	flow, ok := it.app.Flow(flowID)
	if !ok {
		return nil, errdefs.Failuref("unknown flow '%s'", flowID)
	}
	vars, err := it.validateInputs(flow, inputs)
	if err != nil {
		return nil, err
	}

	session := opts.SessionID
	if session == "" {
		session = uuid.NewString()
	}
	events := opts.Events
	if events == nil {
		events = it.events
	}

	if opts.Timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, opts.Timeout)
		defer cancel()
	}

	r := &flowRun{
		it:      it,
		flow:    flow,
		runID:   uuid.NewString(),
		session: session,
		events:  events,
	}
	seed := &FlowMessage{sessionID: session, vars: vars, meta: Metadata{RunID: r.runID}}

	ctx, span := it.tel.StartSpan(ctx, "flow.run",
		attribute.String("flow", flowID),
		attribute.String("run", r.runID),
	)
	start := time.Now()
	it.log.InfoContext(ctx, "flow run started", "flow", flowID, "run", r.runID, "session", session)

	messages, err := r.execute(ctx, seed)

	it.metrics.RecordFlowRun(ctx, flowID, time.Since(start), err)
	span.End(err)
	if err != nil {
		r.emit(Event{Kind: EventError, Error: err.Error()})
		it.log.ErrorContext(ctx, "flow run aborted", "flow", flowID, "run", r.runID, "error", err)
		return nil, err
	}

	res := &RunResult{RunID: r.runID, SessionID: session, Messages: messages}
	if len(messages) == 1 && !messages[0].Failed() {
		res.Outputs = make(map[string]any, len(flow.Outputs()))
		for _, o := range flow.Outputs() {
			if v, found := messages[0].Var(o.ID()); found {
				res.Outputs[o.ID()] = v
			}
		}
	}
	r.emit(Event{Kind: EventFinish, Data: map[string]any{
		"messages": len(messages),
		"failed":   len(res.Failures()),
	}})
	it.log.InfoContext(ctx, "flow run finished", "flow", flowID, "run", r.runID,
		"messages", len(messages), "failed", len(res.Failures()), "elapsed", time.Since(start))
	return res, nil
}

// validateInputs checks presence and type of every declared flow input and
// returns the seed variable bindings.
func (it *Interpreter) validateInputs(flow *ir.Flow, inputs map[string]any) (map[string]any, error) {
	declared := make(map[string]bool, len(flow.Inputs()))
	for _, in := range flow.Inputs() {
		declared[in.ID()] = true
	}
	vars := make(map[string]any, len(inputs))
	for _, in := range flow.Inputs() {
		v, ok := inputs[in.ID()]
		if !ok {
			if in.Optional() {
				continue
			}
			return nil, errdefs.Failuref("flow '%s': input '%s' is required", flow.ID(), in.ID())
		}
		v = coerceToType(v, in.Type(), it.app.Types())
		if err := dsl.ValidateValue(v, in.Type(), it.app.Types()); err != nil {
			return nil, errdefs.Wrapf(errdefs.CodeMessageFailure, err, "flow '%s': input '%s'", flow.ID(), in.ID())
		}
		vars[in.ID()] = v
	}
	for id := range inputs {
		if !declared[id] {
			return nil, errdefs.Failuref("flow '%s': unknown input '%s'", flow.ID(), id)
		}
	}
	return vars, nil
}

// execute assembles the step pipeline and drives the seed through it. Every
// stage runs on its own goroutine; bounded channels between them give
// backpressure, sized off the consumer's concurrency so a fast producer
// cannot pile up unread messages.
func (r *flowRun) execute(ctx context.Context, seed *FlowMessage) ([]*FlowMessage, error) {
	steps := r.flow.Steps()
	if len(steps) == 0 {
		return []*FlowMessage{seed}, nil
	}
	stages := make([]stage, len(steps))
	for i, s := range steps {
		st, err := r.buildStage(ctx, s)
		if err != nil {
			return nil, err
		}
		stages[i] = st
	}

	g, gctx := errgroup.WithContext(ctx)

	head := make(chan *FlowMessage, 1)
	head <- seed
	close(head)

	in := (<-chan *FlowMessage)(head)
	for _, st := range stages {
		width := st.step().Concurrency()
		if width < 1 {
			width = 1
		}
		out := make(chan *FlowMessage, 2*width)
		stageIn, cur := in, st
		g.Go(func() error {
			defer close(out)
			return cur.run(gctx, stageIn, out)
		})
		in = out
	}

	var terminal []*FlowMessage
	g.Go(func() error {
		for m := range in {
			terminal = append(terminal, m)
		}
		return nil
	})

	if err := g.Wait(); err != nil {
		if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
			return nil, errdefs.Cancelledf("flow '%s' interrupted: %v", r.flow.ID(), err)
		}
		return nil, err
	}
	return terminal, nil
}
