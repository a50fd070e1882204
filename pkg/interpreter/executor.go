package interpreter

import (
	"context"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel/attribute"

	"github.com/qtype-ai/qtype/pkg/dsl"
	"github.com/qtype-ai/qtype/pkg/errdefs"
	"github.com/qtype-ai/qtype/pkg/ir"
)

// stage is one executor in a flow pipeline. run consumes the inbound stream
// and writes results downstream until the input closes. It returns only
// abort-class errors; per-message failures travel inside the messages.
type stage interface {
	step() *ir.Step
	run(ctx context.Context, in <-chan *FlowMessage, out chan<- *FlowMessage) error
}

// builder constructs the executor for one lowered step. Builders resolve
// their clients up front so a missing model or index aborts the run before
// any message moves.
type builder func(ctx context.Context, r *flowRun, step *ir.Step) (stage, error)

// executors maps the step discriminator to its constructor. Adding a step
// type means adding an IR variant and an entry here. Populated in init
// because buildInvokeFlow re-enters the table through buildStage, which a
// package-level literal would turn into an initialization cycle.
var executors map[string]builder

func init() {
	executors = map[string]builder{
		"PromptTemplate":   buildPromptTemplate,
		"LLMInference":     buildLLMInference,
		"Agent":            buildAgent,
		"InvokeTool":       buildInvokeTool,
		"InvokeFlow":       buildInvokeFlow,
		"Condition":        buildCondition,
		"Echo":             buildEcho,
		"FieldExtractor":   buildFieldExtractor,
		"Construct":        buildConstruct,
		"Decoder":          buildDecoder,
		"Explode":          buildExplode,
		"Collect":          buildCollect,
		"Aggregate":        buildAggregate,
		"FileSource":       buildFileSource,
		"SQLSource":        buildSQLSource,
		"DocumentSource":   buildDocumentSource,
		"DocumentSplitter": buildDocumentSplitter,
		"DocumentEmbedder": buildDocumentEmbedder,
		"IndexUpsert":      buildIndexUpsert,
		"VectorSearch":     buildVectorSearch,
		"DocumentSearch":   buildDocumentSearch,
		"Reranker":         buildReranker,
	}
}

// flowRun carries the per-run collaborators every executor shares.
type flowRun struct {
	it      *Interpreter
	flow    *ir.Flow
	runID   string
	session string
	events  EventSink
}

func (r *flowRun) buildStage(ctx context.Context, step *ir.Step) (stage, error) {
	build, ok := executors[step.Type()]
	if !ok {
		return nil, errdefs.Fatalf("no executor registered for step type '%s'", step.Type())
	}
	return build(ctx, r, step)
}

// emit fills the common envelope fields and hands the event to the sink.
func (r *flowRun) emit(ev Event) {
	ev.ID = uuid.NewString()
	ev.FlowID = r.flow.ID()
	ev.RunID = r.runID
	ev.SessionID = r.session
	ev.Timestamp = time.Now()
	r.events.Emit(ev)
}

// transform turns one live message into its replacements. Fan-out
// transforms return several messages; filters may return none.
type transform func(ctx context.Context, msg *FlowMessage) ([]*FlowMessage, error)

// mapStage runs a transform under the ordered worker pool. It owns the
// whole per-message protocol: skipping failed inputs, the step timeout, the
// retry policy, events, metrics, and the failure disposition.
type mapStage struct {
	r     *flowRun
	s     *ir.Step
	retry *dsl.RetryConfig
	fn    transform
}

func newMapStage(r *flowRun, s *ir.Step, retry *dsl.RetryConfig, fn transform) *mapStage {
	return &mapStage{r: r, s: s, retry: retry, fn: fn}
}

func (m *mapStage) step() *ir.Step { return m.s }

func (m *mapStage) run(ctx context.Context, in <-chan *FlowMessage, out chan<- *FlowMessage) error {
	ctx, span := m.r.it.tel.StartSpan(ctx, "flow.step",
		attribute.String("step", m.s.ID()),
		attribute.String("type", m.s.Type()),
	)
	err := orderedMap(ctx, m.s.Concurrency(), in, out, m.apply)
	span.End(err)
	return err
}

// apply settles one message. Failed inputs pass through untouched.
// Transient errors retry per the policy; what remains is classified:
// fatal and flow-level cancellation abort the stage, everything else is
// recorded on the message and the stream keeps moving. A step timeout only
// fails the message that hit it.
func (m *mapStage) apply(ctx context.Context, msg *FlowMessage) ([]*FlowMessage, error) {
	if msg.Failed() {
		return []*FlowMessage{msg}, nil
	}
	m.r.emit(Event{Kind: EventStartStep, StepID: m.s.ID()})
	start := time.Now()

	stepCtx, cancel := ctx, context.CancelFunc(func() {})
	if t := m.s.Timeout(); t > 0 {
		stepCtx, cancel = context.WithTimeout(ctx, t)
	}
	msgs, err := retryTransient(stepCtx, m.retry, func(c context.Context) ([]*FlowMessage, error) {
		return m.fn(c, msg)
	})
	cancel()

	m.r.it.metrics.RecordStep(ctx, m.s.ID(), m.s.Type(), time.Since(start), err)

	switch {
	case err == nil:
		for i, produced := range msgs {
			msgs[i] = produced.WithStep(m.s.ID())
		}
	case errdefs.IsFatal(err):
		m.r.emit(Event{Kind: EventError, StepID: m.s.ID(), Error: err.Error()})
		return nil, err
	case errdefs.IsCancelled(err) && ctx.Err() != nil:
		return nil, err
	default:
		if errdefs.IsCancelled(err) {
			// Only the step deadline expired; the flow keeps going.
			err = errdefs.Wrapf(errdefs.CodeMessageFailure, err, "step '%s' timed out", m.s.ID())
		}
		m.r.emit(Event{Kind: EventError, StepID: m.s.ID(), Error: err.Error()})
		msgs = []*FlowMessage{msg.WithError(err).WithStep(m.s.ID())}
	}
	m.r.emit(Event{Kind: EventFinishStep, StepID: m.s.ID()})
	return msgs, nil
}
