package memory

import (
	"context"
	"log/slog"
	"sync"

	"github.com/qtype-ai/qtype/pkg/dsl"
)

// LocalStore keeps records in process memory. Suitable for single-instance
// deployments and tests; history is lost on restart.
type LocalStore struct {
	counter TokenCounter

	mu       sync.Mutex
	sessions map[sessionKey]*localSession
}

type localSession struct {
	mu      sync.Mutex
	records []record
	total   int
}

type record struct {
	msg    dsl.ChatMessage
	tokens int
}

// NewLocalStore builds an in-process store. A nil counter selects the shared
// tiktoken default.
func NewLocalStore(counter TokenCounter) *LocalStore {
	if counter == nil {
		counter = DefaultCounter()
	}
	return &LocalStore{
		counter:  counter,
		sessions: make(map[sessionKey]*localSession),
	}
}

func (s *LocalStore) session(key sessionKey) *localSession {
	s.mu.Lock()
	defer s.mu.Unlock()
	sess, ok := s.sessions[key]
	if !ok {
		sess = &localSession{}
		s.sessions[key] = sess
	}
	return sess
}

func (s *LocalStore) Append(_ context.Context, sessionID string, def *dsl.Memory, msgs ...dsl.ChatMessage) error {
	sess := s.session(sessionKey{sessionID, def.ID})
	sess.mu.Lock()
	defer sess.mu.Unlock()

	for _, msg := range msgs {
		t := s.counter.CountMessage(msg)
		sess.records = append(sess.records, record{msg: msg, tokens: t})
		sess.total += t
	}

	counts := make([]int, len(sess.records))
	for i, r := range sess.records {
		counts[i] = r.tokens
	}
	drop, freed := evictionPlan(counts, sess.total, def)
	if drop > 0 {
		sess.records = append([]record(nil), sess.records[drop:]...)
		sess.total -= freed
		slog.Debug("Evicted memory records",
			"memory", def.ID, "session", sessionID, "records", drop, "tokens", freed)
	}
	return nil
}

func (s *LocalStore) History(_ context.Context, sessionID string, def *dsl.Memory) ([]dsl.ChatMessage, error) {
	s.mu.Lock()
	sess, ok := s.sessions[sessionKey{sessionID, def.ID}]
	s.mu.Unlock()
	if !ok {
		return nil, nil
	}

	sess.mu.Lock()
	defer sess.mu.Unlock()

	budget := historyBudget(def)
	used := 0
	start := len(sess.records)
	for start > 0 {
		t := sess.records[start-1].tokens
		if used+t > budget {
			break
		}
		used += t
		start--
	}

	out := make([]dsl.ChatMessage, 0, len(sess.records)-start)
	for _, r := range sess.records[start:] {
		out = append(out, r.msg)
	}
	return out, nil
}

func (s *LocalStore) Forget(_ context.Context, sessionID string, def *dsl.Memory) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.sessions, sessionKey{sessionID, def.ID})
	return nil
}

var _ Store = (*LocalStore)(nil)
