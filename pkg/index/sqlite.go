package index

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"strings"

	_ "github.com/mattn/go-sqlite3"

	"github.com/qtype-ai/qtype/pkg/dsl"
)

// sqliteIndex is the persistent document index. SQLite narrows the
// candidate set; the term-frequency scorer ranks what it returns.
type sqliteIndex struct {
	name string
	args sqliteArgs
	db   *sql.DB
}

type sqliteArgs struct {
	Path         string             `yaml:"path"`
	SearchFields []string           `yaml:"search_fields"`
	Boost        map[string]float64 `yaml:"boost"`
}

func newSQLite(def *dsl.DocumentIndex) (*sqliteIndex, error) {
	var args sqliteArgs
	if err := decodeArgs(def.Args, &args); err != nil {
		return nil, err
	}
	if args.Path == "" {
		args.Path = ":memory:"
	}

	db, err := sql.Open("sqlite3", args.Path)
	if err != nil {
		return nil, fmt.Errorf("index: open sqlite index '%s': %w", def.ID, err)
	}
	if args.Path == ":memory:" {
		// A second pool connection would see its own empty database.
		db.SetMaxOpenConns(1)
	}

	if _, err := db.Exec(`
		CREATE TABLE IF NOT EXISTS documents (
			id TEXT PRIMARY KEY,
			content TEXT NOT NULL,
			metadata TEXT NOT NULL DEFAULT '{}'
		)
	`); err != nil {
		db.Close()
		return nil, fmt.Errorf("index: create documents table for '%s': %w", def.ID, err)
	}

	return &sqliteIndex{name: def.ID, args: args, db: db}, nil
}

func (i *sqliteIndex) Name() string { return i.name }
func (i *sqliteIndex) Close() error { return i.db.Close() }

func (i *sqliteIndex) Upsert(ctx context.Context, items []Item) error {
	if len(items) == 0 {
		return nil
	}
	tx, err := i.db.BeginTx(ctx, nil)
	if err != nil {
		return localError(i.name, err)
	}
	defer tx.Rollback()

	stmt, err := tx.PrepareContext(ctx, `
		INSERT OR REPLACE INTO documents (id, content, metadata) VALUES (?, ?, ?)
	`)
	if err != nil {
		return localError(i.name, err)
	}
	defer stmt.Close()

	for _, item := range items {
		metadata, err := json.Marshal(item.Metadata)
		if err != nil {
			return localError(i.name, fmt.Errorf("marshal metadata for item '%s': %w", item.ID, err))
		}
		if _, err := stmt.ExecContext(ctx, item.ID, item.Content, string(metadata)); err != nil {
			return localError(i.name, err)
		}
	}
	if err := tx.Commit(); err != nil {
		return localError(i.name, err)
	}
	return nil
}

func (i *sqliteIndex) Query(ctx context.Context, q TextQuery) ([]dsl.RAGSearchResult, error) {
	terms := tokenize(q.Query)
	if len(terms) == 0 {
		return nil, nil
	}
	if len(q.SearchFields) == 0 {
		q.SearchFields = i.args.SearchFields
	}
	if len(q.Boost) == 0 {
		q.Boost = i.args.Boost
	}

	// Any term may hit the content or a metadata field, so the candidate
	// match is a LIKE over both columns. The scorer settles exact hits.
	clauses := make([]string, 0, len(terms))
	binds := make([]any, 0, 2*len(terms))
	for _, term := range terms {
		clauses = append(clauses, "(lower(content) LIKE ? OR lower(metadata) LIKE ?)")
		pattern := "%" + term + "%"
		binds = append(binds, pattern, pattern)
	}
	query := "SELECT id, content, metadata FROM documents WHERE " +
		strings.Join(clauses, " OR ") + " ORDER BY rowid"

	rows, err := i.db.QueryContext(ctx, query, binds...)
	if err != nil {
		return nil, localError(i.name, err)
	}
	defer rows.Close()

	var items []Item
	for rows.Next() {
		var item Item
		var metadata string
		if err := rows.Scan(&item.ID, &item.Content, &metadata); err != nil {
			return nil, localError(i.name, err)
		}
		if err := json.Unmarshal([]byte(metadata), &item.Metadata); err != nil {
			return nil, localError(i.name, fmt.Errorf("decode metadata for item '%s': %w", item.ID, err))
		}
		items = append(items, item)
	}
	if err := rows.Err(); err != nil {
		return nil, localError(i.name, err)
	}

	return rankItems(items, q), nil
}

var _ DocumentIndex = (*sqliteIndex)(nil)
