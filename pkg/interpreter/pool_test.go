package interpreter

import (
	"context"
	"errors"
	"fmt"
	"math/rand/v2"
	"testing"
	"time"

	"github.com/leanovate/gopter"
	"github.com/leanovate/gopter/gen"
	"github.com/leanovate/gopter/prop"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func runPool(t *testing.T, width int, msgs []*FlowMessage, apply func(context.Context, *FlowMessage) ([]*FlowMessage, error)) ([]*FlowMessage, error) {
	t.Helper()
	in := make(chan *FlowMessage, len(msgs))
	for _, m := range msgs {
		in <- m
	}
	close(in)
	out := make(chan *FlowMessage, len(msgs)*2)

	err := orderedMap(context.Background(), width, in, out, apply)
	close(out)
	var results []*FlowMessage
	for m := range out {
		results = append(results, m)
	}
	return results, err
}

func numbered(n int) []*FlowMessage {
	msgs := make([]*FlowMessage, n)
	for i := range msgs {
		msgs[i] = NewMessage("s", map[string]any{"n": i})
	}
	return msgs
}

// TestOrderedMapProperty: whatever the width and per-message delays, results
// come out in input order.
func TestOrderedMapProperty(t *testing.T) {
	parameters := gopter.DefaultTestParameters()
	parameters.MinSuccessfulTests = 50
	properties := gopter.NewProperties(parameters)

	properties.Property("output preserves input order", prop.ForAll(
		func(n, width int) bool {
			results, err := runPool(t, width, numbered(n), func(_ context.Context, m *FlowMessage) ([]*FlowMessage, error) {
				time.Sleep(time.Duration(rand.N(300)) * time.Microsecond)
				return []*FlowMessage{m}, nil
			})
			if err != nil || len(results) != n {
				return false
			}
			for i, m := range results {
				v, _ := m.Var("n")
				if v != i {
					return false
				}
			}
			return true
		},
		gen.IntRange(0, 60),
		gen.IntRange(1, 8),
	))

	properties.TestingRun(t)
}

func TestOrderedMapFanOutAndFilter(t *testing.T) {
	results, err := runPool(t, 4, numbered(6), func(_ context.Context, m *FlowMessage) ([]*FlowMessage, error) {
		n, _ := m.Var("n")
		switch n.(int) % 3 {
		case 0:
			return nil, nil
		case 1:
			return []*FlowMessage{m}, nil
		default:
			return []*FlowMessage{m, m}, nil
		}
	})
	require.NoError(t, err)
	// 0,3 filtered; 1,4 kept; 2,5 doubled.
	var got []int
	for _, m := range results {
		n, _ := m.Var("n")
		got = append(got, n.(int))
	}
	assert.Equal(t, []int{1, 2, 2, 4, 5, 5}, got)
}

func TestOrderedMapAbortsOnError(t *testing.T) {
	boom := errors.New("boom")
	_, err := runPool(t, 2, numbered(10), func(_ context.Context, m *FlowMessage) ([]*FlowMessage, error) {
		n, _ := m.Var("n")
		if n.(int) == 3 {
			return nil, fmt.Errorf("message 3: %w", boom)
		}
		return []*FlowMessage{m}, nil
	})
	require.ErrorIs(t, err, boom)
}

func TestOrderedMapStopsOnCancel(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	in := make(chan *FlowMessage)
	out := make(chan *FlowMessage)

	done := make(chan error, 1)
	go func() {
		done <- orderedMap(ctx, 2, in, out, func(ctx context.Context, m *FlowMessage) ([]*FlowMessage, error) {
			<-ctx.Done()
			return nil, ctx.Err()
		})
	}()
	in <- NewMessage("s", nil)
	cancel()

	select {
	case err := <-done:
		require.ErrorIs(t, err, context.Canceled)
	case <-time.After(2 * time.Second):
		t.Fatal("pool did not stop after cancellation")
	}
}
