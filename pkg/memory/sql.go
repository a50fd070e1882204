package memory

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	_ "github.com/mattn/go-sqlite3"

	"github.com/qtype-ai/qtype/pkg/dsl"
)

// SQLStore persists records in a relational database so history survives
// restarts and can be shared between instances. The schema uses the sqlite
// dialect.
type SQLStore struct {
	db      *sql.DB
	counter TokenCounter

	mu    sync.Mutex
	locks map[sessionKey]*sync.Mutex
}

const createRecordsTableSQL = `
CREATE TABLE IF NOT EXISTS memory_records (
    id INTEGER PRIMARY KEY AUTOINCREMENT,
    session_id TEXT NOT NULL,
    memory_id TEXT NOT NULL,
    role TEXT NOT NULL,
    blocks TEXT NOT NULL,
    tokens INTEGER NOT NULL,
    created_at TIMESTAMP NOT NULL
);

CREATE INDEX IF NOT EXISTS idx_memory_records_key
    ON memory_records(session_id, memory_id, id);
`

// NewSQLStore wraps an open database. A nil counter selects the shared
// tiktoken default.
func NewSQLStore(db *sql.DB, counter TokenCounter) (*SQLStore, error) {
	if db == nil {
		return nil, fmt.Errorf("memory: database connection is required")
	}
	if counter == nil {
		counter = DefaultCounter()
	}
	s := &SQLStore{
		db:      db,
		counter: counter,
		locks:   make(map[sessionKey]*sync.Mutex),
	}

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	if _, err := s.db.ExecContext(ctx, createRecordsTableSQL); err != nil {
		return nil, fmt.Errorf("memory: initialize schema: %w", err)
	}
	return s, nil
}

// OpenSQLite opens (or creates) a sqlite database at path and wraps it in a
// store. Use ":memory:" for an ephemeral database.
func OpenSQLite(path string, counter TokenCounter) (*SQLStore, error) {
	db, err := sql.Open("sqlite3", path)
	if err != nil {
		return nil, fmt.Errorf("memory: open sqlite database: %w", err)
	}
	// sqlite allows a single writer; a second connection would only produce
	// SQLITE_BUSY under concurrent appends.
	db.SetMaxOpenConns(1)
	if err := db.Ping(); err != nil {
		db.Close()
		return nil, fmt.Errorf("memory: open sqlite database '%s': %w", path, err)
	}
	return NewSQLStore(db, counter)
}

// Close releases the underlying database.
func (s *SQLStore) Close() error { return s.db.Close() }

func (s *SQLStore) lock(key sessionKey) *sync.Mutex {
	s.mu.Lock()
	defer s.mu.Unlock()
	l, ok := s.locks[key]
	if !ok {
		l = &sync.Mutex{}
		s.locks[key] = l
	}
	return l
}

func (s *SQLStore) Append(ctx context.Context, sessionID string, def *dsl.Memory, msgs ...dsl.ChatMessage) error {
	key := sessionKey{sessionID, def.ID}
	l := s.lock(key)
	l.Lock()
	defer l.Unlock()

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("memory: begin append: %w", err)
	}
	defer tx.Rollback()

	now := time.Now().UTC()
	for _, msg := range msgs {
		blocks, err := json.Marshal(msg.Blocks)
		if err != nil {
			return fmt.Errorf("memory: encode message blocks: %w", err)
		}
		_, err = tx.ExecContext(ctx,
			`INSERT INTO memory_records (session_id, memory_id, role, blocks, tokens, created_at)
			 VALUES (?, ?, ?, ?, ?, ?)`,
			sessionID, def.ID, string(msg.Role), string(blocks), s.counter.CountMessage(msg), now)
		if err != nil {
			return fmt.Errorf("memory: insert record: %w", err)
		}
	}

	if err := s.evict(ctx, tx, key, def); err != nil {
		return err
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("memory: commit append: %w", err)
	}
	return nil
}

func (s *SQLStore) evict(ctx context.Context, tx *sql.Tx, key sessionKey, def *dsl.Memory) error {
	rows, err := tx.QueryContext(ctx,
		`SELECT id, tokens FROM memory_records
		 WHERE session_id = ? AND memory_id = ? ORDER BY id`,
		key.session, key.memory)
	if err != nil {
		return fmt.Errorf("memory: load record sizes: %w", err)
	}
	defer rows.Close()

	var ids []int64
	var counts []int
	total := 0
	for rows.Next() {
		var id int64
		var tokens int
		if err := rows.Scan(&id, &tokens); err != nil {
			return fmt.Errorf("memory: scan record size: %w", err)
		}
		ids = append(ids, id)
		counts = append(counts, tokens)
		total += tokens
	}
	if err := rows.Err(); err != nil {
		return fmt.Errorf("memory: load record sizes: %w", err)
	}

	drop, _ := evictionPlan(counts, total, def)
	if drop == 0 {
		return nil
	}
	_, err = tx.ExecContext(ctx,
		`DELETE FROM memory_records
		 WHERE session_id = ? AND memory_id = ? AND id <= ?`,
		key.session, key.memory, ids[drop-1])
	if err != nil {
		return fmt.Errorf("memory: evict records: %w", err)
	}
	return nil
}

func (s *SQLStore) History(ctx context.Context, sessionID string, def *dsl.Memory) ([]dsl.ChatMessage, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT role, blocks, tokens FROM memory_records
		 WHERE session_id = ? AND memory_id = ? ORDER BY id DESC`,
		sessionID, def.ID)
	if err != nil {
		return nil, fmt.Errorf("memory: load history: %w", err)
	}
	defer rows.Close()

	budget := historyBudget(def)
	used := 0
	var newestFirst []dsl.ChatMessage
	for rows.Next() {
		var role, blocks string
		var tokens int
		if err := rows.Scan(&role, &blocks, &tokens); err != nil {
			return nil, fmt.Errorf("memory: scan record: %w", err)
		}
		if used+tokens > budget {
			break
		}
		used += tokens

		var msg dsl.ChatMessage
		msg.Role = dsl.MessageRole(role)
		if err := json.Unmarshal([]byte(blocks), &msg.Blocks); err != nil {
			return nil, fmt.Errorf("memory: decode message blocks: %w", err)
		}
		newestFirst = append(newestFirst, msg)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("memory: load history: %w", err)
	}

	out := make([]dsl.ChatMessage, len(newestFirst))
	for i, msg := range newestFirst {
		out[len(out)-1-i] = msg
	}
	return out, nil
}

func (s *SQLStore) Forget(ctx context.Context, sessionID string, def *dsl.Memory) error {
	_, err := s.db.ExecContext(ctx,
		`DELETE FROM memory_records WHERE session_id = ? AND memory_id = ?`,
		sessionID, def.ID)
	if err != nil {
		return fmt.Errorf("memory: forget session: %w", err)
	}
	return nil
}

var _ Store = (*SQLStore)(nil)
