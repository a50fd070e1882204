package memory

import (
	"context"
	"slices"
	"strings"
	"testing"

	"github.com/leanovate/gopter"
	"github.com/leanovate/gopter/gen"
	"github.com/leanovate/gopter/prop"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/qtype-ai/qtype/pkg/dsl"
)

// charCounter makes token math deterministic: one token per text byte.
type charCounter struct{}

func (charCounter) CountMessage(msg dsl.ChatMessage) int { return len(msg.Text()) }

func testMemory(limit int, ratio float64, flush int) *dsl.Memory {
	return &dsl.Memory{
		ID:                    "chat",
		TokenLimit:            limit,
		ChatHistoryTokenRatio: ratio,
		TokenFlushSize:        flush,
	}
}

func texts(msgs []dsl.ChatMessage) []string {
	out := make([]string, len(msgs))
	for i, m := range msgs {
		out[i] = m.Text()
	}
	return out
}

func TestLocalStoreHistoryOrder(t *testing.T) {
	store := NewLocalStore(charCounter{})
	def := testMemory(1000, 0.7, 100)
	ctx := context.Background()

	require.NoError(t, store.Append(ctx, "s1", def,
		dsl.NewTextMessage(dsl.RoleUser, "hello"),
		dsl.NewTextMessage(dsl.RoleAssistant, "hi there"),
		dsl.NewTextMessage(dsl.RoleUser, "tell me more"),
	))

	history, err := store.History(ctx, "s1", def)
	require.NoError(t, err)
	assert.Equal(t, []string{"hello", "hi there", "tell me more"}, texts(history))
	assert.Equal(t, dsl.RoleAssistant, history[1].Role)
}

func TestLocalStoreHistoryBudget(t *testing.T) {
	store := NewLocalStore(charCounter{})
	// Budget is 5 tokens; each message is 3.
	def := testMemory(10, 0.5, 2)
	ctx := context.Background()

	require.NoError(t, store.Append(ctx, "s1", def,
		dsl.NewTextMessage(dsl.RoleUser, "aaa"),
		dsl.NewTextMessage(dsl.RoleUser, "bbb"),
		dsl.NewTextMessage(dsl.RoleUser, "ccc"),
	))

	history, err := store.History(ctx, "s1", def)
	require.NoError(t, err)
	assert.Equal(t, []string{"ccc"}, texts(history), "only the newest message fits the budget")
}

func TestLocalStoreEviction(t *testing.T) {
	store := NewLocalStore(charCounter{})
	def := testMemory(10, 1.0, 4)
	ctx := context.Background()

	for _, text := range []string{"aaa", "bbb", "ccc", "ddd"} {
		require.NoError(t, store.Append(ctx, "s1", def, dsl.NewTextMessage(dsl.RoleUser, text)))
	}

	// 12 tokens total; one flush batch drops the two oldest whole records.
	history, err := store.History(ctx, "s1", def)
	require.NoError(t, err)
	assert.Equal(t, []string{"ccc", "ddd"}, texts(history))
}

func TestLocalStoreOversizeMessage(t *testing.T) {
	store := NewLocalStore(charCounter{})
	def := testMemory(10, 1.0, 4)
	ctx := context.Background()

	require.NoError(t, store.Append(ctx, "s1", def,
		dsl.NewTextMessage(dsl.RoleUser, strings.Repeat("x", 25))))

	history, err := store.History(ctx, "s1", def)
	require.NoError(t, err)
	assert.Empty(t, history, "a record larger than the limit evicts itself")
}

func TestLocalStoreSessionsIsolated(t *testing.T) {
	store := NewLocalStore(charCounter{})
	def := testMemory(100, 1.0, 10)
	other := &dsl.Memory{ID: "scratch", TokenLimit: 100, ChatHistoryTokenRatio: 1.0, TokenFlushSize: 10}
	ctx := context.Background()

	require.NoError(t, store.Append(ctx, "s1", def, dsl.NewTextMessage(dsl.RoleUser, "one")))
	require.NoError(t, store.Append(ctx, "s2", def, dsl.NewTextMessage(dsl.RoleUser, "two")))
	require.NoError(t, store.Append(ctx, "s1", other, dsl.NewTextMessage(dsl.RoleUser, "three")))

	history, err := store.History(ctx, "s1", def)
	require.NoError(t, err)
	assert.Equal(t, []string{"one"}, texts(history))

	require.NoError(t, store.Forget(ctx, "s1", def))
	history, err = store.History(ctx, "s1", def)
	require.NoError(t, err)
	assert.Empty(t, history)

	history, err = store.History(ctx, "s1", other)
	require.NoError(t, err)
	assert.Equal(t, []string{"three"}, texts(history), "forgetting one memory leaves the other")
}

func TestSQLStore(t *testing.T) {
	store, err := OpenSQLite(":memory:", charCounter{})
	require.NoError(t, err)
	t.Cleanup(func() { store.Close() })

	ctx := context.Background()

	t.Run("round trip", func(t *testing.T) {
		def := testMemory(1000, 1.0, 100)
		require.NoError(t, store.Append(ctx, "s1", def,
			dsl.NewTextMessage(dsl.RoleUser, "question"),
			dsl.NewTextMessage(dsl.RoleAssistant, "answer"),
		))

		history, err := store.History(ctx, "s1", def)
		require.NoError(t, err)
		assert.Equal(t, []string{"question", "answer"}, texts(history))
		assert.Equal(t, dsl.RoleUser, history[0].Role)
		assert.Equal(t, dsl.RoleAssistant, history[1].Role)
	})

	t.Run("eviction", func(t *testing.T) {
		def := testMemory(10, 1.0, 4)
		for _, text := range []string{"aaa", "bbb", "ccc", "ddd"} {
			require.NoError(t, store.Append(ctx, "s2", def, dsl.NewTextMessage(dsl.RoleUser, text)))
		}

		history, err := store.History(ctx, "s2", def)
		require.NoError(t, err)
		assert.Equal(t, []string{"ccc", "ddd"}, texts(history))
	})

	t.Run("forget", func(t *testing.T) {
		def := testMemory(1000, 1.0, 100)
		require.NoError(t, store.Append(ctx, "s3", def, dsl.NewTextMessage(dsl.RoleUser, "gone")))
		require.NoError(t, store.Forget(ctx, "s3", def))

		history, err := store.History(ctx, "s3", def)
		require.NoError(t, err)
		assert.Empty(t, history)
	})
}

// TestBudgetProperty: whatever gets appended, the records kept never exceed
// the token limit, and they are always a suffix of what was written.
func TestBudgetProperty(t *testing.T) {
	parameters := gopter.DefaultTestParameters()
	parameters.MinSuccessfulTests = 200
	properties := gopter.NewProperties(parameters)

	properties.Property("retained tokens fit the limit", prop.ForAll(
		func(sizes []int) bool {
			def := testMemory(100, 1.0, 10)
			store := NewLocalStore(charCounter{})
			ctx := context.Background()

			var appended []string
			for _, n := range sizes {
				text := strings.Repeat("a", n)
				appended = append(appended, text)
				if err := store.Append(ctx, "s", def, dsl.NewTextMessage(dsl.RoleUser, text)); err != nil {
					return false
				}

				sess := store.sessions[sessionKey{"s", def.ID}]
				total := 0
				kept := make([]string, 0, len(sess.records))
				for _, r := range sess.records {
					total += r.tokens
					kept = append(kept, r.msg.Text())
				}
				if total > def.TokenLimit || total != sess.total {
					return false
				}
				if !slices.Equal(kept, appended[len(appended)-len(kept):]) {
					return false
				}
			}
			return true
		},
		gen.SliceOf(gen.IntRange(0, 60)),
	))

	properties.TestingRun(t)
}
