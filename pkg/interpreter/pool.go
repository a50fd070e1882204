package interpreter

import (
	"context"

	"golang.org/x/sync/errgroup"
)

type slotResult struct {
	msgs []*FlowMessage
	err  error
}

// orderedMap dispatches inbound messages to at most width concurrent
// workers and re-emits their results in input order. Each worker owns a
// one-slot result channel queued in dispatch order; the emitter drains the
// queue front to back, so a slow message holds back later ones at the
// output without stalling their processing. An error from apply aborts the
// stage; worker sends never block, so late workers finish cleanly after a
// cancellation.
func orderedMap(ctx context.Context, width int, in <-chan *FlowMessage, out chan<- *FlowMessage, apply func(context.Context, *FlowMessage) ([]*FlowMessage, error)) error {
	if width < 1 {
		width = 1
	}
	slots := make(chan chan slotResult, width)
	sem := make(chan struct{}, width)

	g, gctx := errgroup.WithContext(ctx)

	g.Go(func() error {
		defer close(slots)
		for {
			var msg *FlowMessage
			select {
			case <-gctx.Done():
				return gctx.Err()
			case m, ok := <-in:
				if !ok {
					return nil
				}
				msg = m
			}
			select {
			case sem <- struct{}{}:
			case <-gctx.Done():
				return gctx.Err()
			}
			slot := make(chan slotResult, 1)
			select {
			case slots <- slot:
			case <-gctx.Done():
				<-sem
				return gctx.Err()
			}
			go func(msg *FlowMessage, slot chan slotResult) {
				defer func() { <-sem }()
				msgs, err := apply(gctx, msg)
				slot <- slotResult{msgs: msgs, err: err}
			}(msg, slot)
		}
	})

	g.Go(func() error {
		for slot := range slots {
			var res slotResult
			select {
			case res = <-slot:
			case <-gctx.Done():
				return gctx.Err()
			}
			if res.err != nil {
				return res.err
			}
			for _, m := range res.msgs {
				select {
				case out <- m:
				case <-gctx.Done():
					return gctx.Err()
				}
			}
		}
		return nil
	})

	return g.Wait()
}
