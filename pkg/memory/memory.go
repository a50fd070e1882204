// Package memory persists conversation history shared across flows. Records
// are keyed by (session id, memory id), appended with their token counts,
// and evicted oldest-first in whole-record batches once the memory's token
// limit is exceeded.
package memory

import (
	"context"

	"github.com/qtype-ai/qtype/pkg/dsl"
)

// Store is the contract both the in-process and the SQL-backed
// implementations satisfy. Implementations serialize mutation per session;
// different sessions proceed concurrently.
type Store interface {
	// Append records the messages under the session's memory and evicts the
	// oldest whole records in token_flush_size batches until the total fits
	// the memory's token limit again.
	Append(ctx context.Context, sessionID string, def *dsl.Memory, msgs ...dsl.ChatMessage) error

	// History returns the newest records that fit the chat-history budget
	// (chat_history_token_ratio x token_limit), oldest first.
	History(ctx context.Context, sessionID string, def *dsl.Memory) ([]dsl.ChatMessage, error)

	// Forget drops every record the session holds under the memory.
	Forget(ctx context.Context, sessionID string, def *dsl.Memory) error
}

type sessionKey struct {
	session string
	memory  string
}

func historyBudget(def *dsl.Memory) int {
	return int(def.ChatHistoryTokenRatio * float64(def.TokenLimit))
}

// evictionPlan walks the oldest records and reports how many must go: freed
// tokens accumulate in flush-size batches until the remainder fits the
// limit. Returns the number of records to drop and the tokens they carry.
func evictionPlan(tokens []int, total int, def *dsl.Memory) (drop, freed int) {
	for total-freed > def.TokenLimit && drop < len(tokens) {
		batch := 0
		for batch < def.TokenFlushSize && drop < len(tokens) {
			batch += tokens[drop]
			drop++
		}
		freed += batch
	}
	return drop, freed
}
