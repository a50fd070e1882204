package interpreter

import (
	"context"
	"reflect"
	"time"

	"go.opentelemetry.io/otel/attribute"

	"github.com/qtype-ai/qtype/pkg/dsl"
	"github.com/qtype-ai/qtype/pkg/errdefs"
	"github.com/qtype-ai/qtype/pkg/ir"
)

// explodeExec emits one message per element of a list input. Elements keep
// the surrounding variables, so downstream steps still see the flow inputs.
type explodeExec struct {
	r *flowRun
	s *ir.Step
}

func buildExplode(_ context.Context, r *flowRun, step *ir.Step) (stage, error) {
	x := &explodeExec{r: r, s: step}
	return newMapStage(r, step, nil, x.explode), nil
}

func (x *explodeExec) explode(_ context.Context, msg *FlowMessage) ([]*FlowMessage, error) {
	in := x.s.Inputs()[0]
	out := x.s.Outputs()[0]
	raw, ok, err := requireVar(msg, x.s.ID(), in)
	if err != nil {
		return nil, err
	}
	if !ok {
		return nil, nil
	}
	items, err := listElements(raw)
	if err != nil {
		return nil, errdefs.Failuref("step '%s': variable '%s': %v", x.s.ID(), in.ID(), err)
	}
	msgs := make([]*FlowMessage, len(items))
	for i, item := range items {
		msgs[i] = msg.WithVar(out.ID(), item)
	}
	return msgs, nil
}

// listElements unpacks any slice value into its elements. Bytes are a
// scalar, not a sequence.
func listElements(v any) ([]any, error) {
	if items, ok := v.([]any); ok {
		return items, nil
	}
	rv := reflect.ValueOf(v)
	if rv.Kind() != reflect.Slice || rv.Type().Elem().Kind() == reflect.Uint8 {
		return nil, errdefs.Failuref("expected a list, got %T", v)
	}
	items := make([]any, rv.Len())
	for i := range items {
		items[i] = rv.Index(i).Interface()
	}
	return items, nil
}

// collectStage gathers live messages into batches and emits one message per
// batch carrying the collected values as a list. Size zero collects until
// the upstream completes. Failed messages pass through without joining a
// batch.
type collectStage struct {
	r    *flowRun
	s    *ir.Step
	size int
}

func buildCollect(_ context.Context, r *flowRun, step *ir.Step) (stage, error) {
	def := step.Def().(*dsl.Collect)
	return &collectStage{r: r, s: step, size: def.Size}, nil
}

func (c *collectStage) step() *ir.Step { return c.s }

func (c *collectStage) run(ctx context.Context, in <-chan *FlowMessage, out chan<- *FlowMessage) error {
	ctx, span := c.r.it.tel.StartSpan(ctx, "flow.step",
		attribute.String("step", c.s.ID()),
		attribute.String("type", c.s.Type()),
	)
	err := c.gather(ctx, in, out)
	span.End(err)
	return err
}

func (c *collectStage) gather(ctx context.Context, in <-chan *FlowMessage, out chan<- *FlowMessage) error {
	inVar := c.s.Inputs()[0]
	outVar := c.s.Outputs()[0]

	var values []any
	var last *FlowMessage
	var started time.Time

	flush := func() error {
		if last == nil {
			return nil
		}
		msg := last.WithVar(outVar.ID(), values).WithStep(c.s.ID())
		c.r.it.metrics.RecordStep(ctx, c.s.ID(), c.s.Type(), time.Since(started), nil)
		c.r.emit(Event{Kind: EventFinishStep, StepID: c.s.ID()})
		values, last = nil, nil
		select {
		case out <- msg:
			return nil
		case <-ctx.Done():
			return ctx.Err()
		}
	}

	for {
		var msg *FlowMessage
		select {
		case <-ctx.Done():
			return ctx.Err()
		case m, ok := <-in:
			if !ok {
				return flush()
			}
			msg = m
		}
		if msg.Failed() {
			select {
			case out <- msg:
				continue
			case <-ctx.Done():
				return ctx.Err()
			}
		}
		v, ok := msg.Var(inVar.ID())
		if !ok {
			if !inVar.Optional() {
				err := errdefs.Failuref("step '%s': variable '%s' missing from message", c.s.ID(), inVar.ID())
				c.r.emit(Event{Kind: EventError, StepID: c.s.ID(), Error: err.Error()})
				select {
				case out <- msg.WithError(err).WithStep(c.s.ID()):
					continue
				case <-ctx.Done():
					return ctx.Err()
				}
			}
			continue
		}
		if last == nil {
			started = time.Now()
			c.r.emit(Event{Kind: EventStartStep, StepID: c.s.ID()})
		}
		values = append(values, v)
		last = msg
		if c.size > 0 && len(values) >= c.size {
			if err := flush(); err != nil {
				return err
			}
		}
	}
}

// aggregateStage drains the whole stream and emits exactly one message with
// the run statistics. Failed messages end here: they count as failures and
// do not travel past the aggregation.
type aggregateStage struct {
	r *flowRun
	s *ir.Step
}

func buildAggregate(_ context.Context, r *flowRun, step *ir.Step) (stage, error) {
	return &aggregateStage{r: r, s: step}, nil
}

func (a *aggregateStage) step() *ir.Step { return a.s }

func (a *aggregateStage) run(ctx context.Context, in <-chan *FlowMessage, out chan<- *FlowMessage) error {
	ctx, span := a.r.it.tel.StartSpan(ctx, "flow.step",
		attribute.String("step", a.s.ID()),
		attribute.String("type", a.s.Type()),
	)
	err := a.drain(ctx, in, out)
	span.End(err)
	return err
}

func (a *aggregateStage) drain(ctx context.Context, in <-chan *FlowMessage, out chan<- *FlowMessage) error {
	a.r.emit(Event{Kind: EventStartStep, StepID: a.s.ID()})
	start := time.Now()

	stats := dsl.AggregateStats{}
	var last *FlowMessage
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case msg, ok := <-in:
			if !ok {
				return a.emit(ctx, out, last, stats, start)
			}
			stats.NumTotal++
			if msg.Failed() {
				stats.NumFailed++
			} else {
				stats.NumSuccessful++
				last = msg
			}
		}
	}
}

func (a *aggregateStage) emit(ctx context.Context, out chan<- *FlowMessage, last *FlowMessage, stats dsl.AggregateStats, start time.Time) error {
	// An empty stream still yields its zero statistics.
	if last == nil {
		last = &FlowMessage{sessionID: a.r.session, vars: map[string]any{}, meta: Metadata{RunID: a.r.runID}}
	}
	outVar := a.s.Outputs()[0]
	msg := last.WithVar(outVar.ID(), stats).WithStep(a.s.ID())
	a.r.it.metrics.RecordStep(ctx, a.s.ID(), a.s.Type(), time.Since(start), nil)
	a.r.emit(Event{Kind: EventFinishStep, StepID: a.s.ID()})
	select {
	case out <- msg:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
