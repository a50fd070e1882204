package memory

import (
	"fmt"
	"log/slog"
	"sync"

	"github.com/pkoukk/tiktoken-go"

	"github.com/qtype-ai/qtype/pkg/dsl"
)

// TokenCounter sizes a message for budget accounting. The store treats the
// count as opaque; it only sums and compares.
type TokenCounter interface {
	CountMessage(msg dsl.ChatMessage) int
}

// Counter counts tokens with tiktoken. Encodings are cached per name because
// loading one is expensive.
type Counter struct {
	enc *tiktoken.Tiktoken
}

// perMessageOverhead approximates the chat framing tokens
// (<|start|>role ... <|end|>) OpenAI charges per message.
const perMessageOverhead = 3

var (
	encCache   = make(map[string]*tiktoken.Tiktoken)
	encCacheMu sync.Mutex
)

// NewCounter builds a counter for the model's encoding, falling back to
// cl100k_base for models tiktoken does not know.
func NewCounter(model string) (*Counter, error) {
	encCacheMu.Lock()
	defer encCacheMu.Unlock()

	if enc, ok := encCache[model]; ok {
		return &Counter{enc: enc}, nil
	}
	enc, err := tiktoken.EncodingForModel(model)
	if err != nil {
		enc, err = tiktoken.GetEncoding("cl100k_base")
		if err != nil {
			return nil, fmt.Errorf("memory: load encoding: %w", err)
		}
	}
	encCache[model] = enc
	return &Counter{enc: enc}, nil
}

var (
	defaultCounter     TokenCounter
	defaultCounterOnce sync.Once
)

// DefaultCounter returns the shared cl100k_base counter, or a four-chars-per-
// token estimator when no encoding can be loaded (tiktoken fetches its BPE
// data on first use).
func DefaultCounter() TokenCounter {
	defaultCounterOnce.Do(func() {
		c, err := NewCounter("gpt-4")
		if err != nil {
			slog.Warn("Token encoding unavailable, estimating counts", "error", err)
			defaultCounter = EstimatingCounter{}
			return
		}
		defaultCounter = c
	})
	return defaultCounter
}

// EstimatingCounter approximates four characters per token. It exists so the
// store keeps working when tiktoken's encoding data cannot be fetched.
type EstimatingCounter struct{}

func (EstimatingCounter) CountMessage(msg dsl.ChatMessage) int {
	n := perMessageOverhead + len(msg.Role)/4
	for _, block := range msg.Blocks {
		if s, ok := block.Content.(string); ok {
			n += len(s) / 4
		}
	}
	return n
}

// Count returns the token count of raw text.
func (c *Counter) Count(text string) int {
	return len(c.enc.Encode(text, nil, nil))
}

// CountMessage counts a chat message: framing overhead plus role plus the
// string content of every block. Non-text payloads (media bytes, citation
// maps) do not enter the context verbatim and are not counted.
func (c *Counter) CountMessage(msg dsl.ChatMessage) int {
	n := perMessageOverhead
	n += len(c.enc.Encode(string(msg.Role), nil, nil))
	for _, block := range msg.Blocks {
		if s, ok := block.Content.(string); ok {
			n += len(c.enc.Encode(s, nil, nil))
		}
	}
	return n
}

var (
	_ TokenCounter = (*Counter)(nil)
	_ TokenCounter = EstimatingCounter{}
)
