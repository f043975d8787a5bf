// Package memory is a keyword-searchable store of manuscript passages backed
// by SQLite FTS5. It is the retrieval backend for deployments without a
// vector database.
package memory

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/oklog/ulid/v2"
	_ "modernc.org/sqlite"
)

// Common errors for store operations
var (
	ErrNotFound     = errors.New("memory not found")
	ErrEmptyContent = errors.New("memory content is empty")
)

// Memory is one stored passage.
type Memory struct {
	ID        string         `json:"id"`
	Content   string         `json:"content"`
	Source    string         `json:"source,omitempty"`
	Chapter   string         `json:"chapter,omitempty"`
	Position  int            `json:"position"`
	Meta      map[string]any `json:"meta,omitempty"`
	CreatedAt time.Time      `json:"created_at"`
}

// Hit is a search result. Score is the negated bm25 rank, so higher is better.
type Hit struct {
	Memory
	Score float64 `json:"score"`
}

// Store implements keyword search over memories with SQLite FTS5.
type Store struct {
	db *sql.DB
}

// Open opens or creates the database at path. ":memory:" gives a private
// in-memory database.
func Open(path string) (*Store, error) {
	dsn := ":memory:"
	if path != ":memory:" {
		if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
			return nil, fmt.Errorf("create db dir: %w", err)
		}
		dsn = path + "?_pragma=journal_mode(wal)&_pragma=busy_timeout(5000)"
	}

	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("open db: %w", err)
	}
	if path == ":memory:" {
		// Every connection would otherwise see its own empty database.
		db.SetMaxOpenConns(1)
	}

	s := &Store{db: db}
	if err := s.migrate(); err != nil {
		db.Close()
		return nil, fmt.Errorf("migrate: %w", err)
	}
	return s, nil
}

// Close closes the underlying database connection.
func (s *Store) Close() error {
	return s.db.Close()
}

func (s *Store) migrate() error {
	schema := `
	CREATE TABLE IF NOT EXISTS memories (
		id         TEXT PRIMARY KEY,
		content    TEXT NOT NULL,
		source     TEXT NOT NULL DEFAULT '',
		chapter    TEXT NOT NULL DEFAULT '',
		position   INTEGER NOT NULL DEFAULT 0,
		meta       TEXT,
		created_at TEXT NOT NULL
	);
	CREATE INDEX IF NOT EXISTS idx_memories_source ON memories(source, position);

	CREATE VIRTUAL TABLE IF NOT EXISTS memories_fts USING fts5(
		content,
		chapter,
		content=memories,
		content_rowid=rowid
	);

	CREATE TRIGGER IF NOT EXISTS memories_ai AFTER INSERT ON memories BEGIN
		INSERT INTO memories_fts(rowid, content, chapter) VALUES (new.rowid, new.content, new.chapter);
	END;
	CREATE TRIGGER IF NOT EXISTS memories_ad AFTER DELETE ON memories BEGIN
		INSERT INTO memories_fts(memories_fts, rowid, content, chapter) VALUES ('delete', old.rowid, old.content, old.chapter);
	END;
	CREATE TRIGGER IF NOT EXISTS memories_au AFTER UPDATE ON memories BEGIN
		INSERT INTO memories_fts(memories_fts, rowid, content, chapter) VALUES ('delete', old.rowid, old.content, old.chapter);
		INSERT INTO memories_fts(rowid, content, chapter) VALUES (new.rowid, new.content, new.chapter);
	END;
	`
	_, err := s.db.Exec(schema)
	return err
}

// NewID returns a new lexically sortable memory ID.
func NewID() string {
	return ulid.Make().String()
}

// Put inserts or replaces memories by ID in one transaction. Memories
// without an ID get a new ULID. The stored memories are returned.
func (s *Store) Put(ctx context.Context, memories ...Memory) ([]Memory, error) {
	if len(memories) == 0 {
		return nil, nil
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("begin: %w", err)
	}
	defer tx.Rollback()

	stmt, err := tx.PrepareContext(ctx, `
		INSERT INTO memories (id, content, source, chapter, position, meta, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET
			content = excluded.content,
			source = excluded.source,
			chapter = excluded.chapter,
			position = excluded.position,
			meta = excluded.meta`)
	if err != nil {
		return nil, fmt.Errorf("prepare: %w", err)
	}
	defer stmt.Close()

	now := time.Now().UTC()
	stored := make([]Memory, len(memories))
	for i, m := range memories {
		if strings.TrimSpace(m.Content) == "" {
			return nil, fmt.Errorf("%w: memory %d", ErrEmptyContent, i)
		}
		if m.ID == "" {
			m.ID = NewID()
		}
		if m.CreatedAt.IsZero() {
			m.CreatedAt = now
		}
		meta, err := encodeMeta(m.Meta)
		if err != nil {
			return nil, fmt.Errorf("encode meta for %s: %w", m.ID, err)
		}
		if _, err := stmt.ExecContext(ctx, m.ID, m.Content, m.Source, m.Chapter, m.Position, meta,
			m.CreatedAt.Format(time.RFC3339Nano)); err != nil {
			return nil, fmt.Errorf("insert %s: %w", m.ID, err)
		}
		stored[i] = m
	}

	if err := tx.Commit(); err != nil {
		return nil, fmt.Errorf("commit: %w", err)
	}
	return stored, nil
}

// Get returns one memory by ID.
func (s *Store) Get(ctx context.Context, id string) (Memory, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT id, content, source, chapter, position, meta, created_at
		FROM memories WHERE id = ?`, id)
	m, err := scanMemory(row)
	if errors.Is(err, sql.ErrNoRows) {
		return Memory{}, fmt.Errorf("%w: %s", ErrNotFound, id)
	}
	return m, err
}

// Delete removes memories by ID. Unknown IDs are ignored.
func (s *Store) Delete(ctx context.Context, ids ...string) error {
	for _, id := range ids {
		if _, err := s.db.ExecContext(ctx, `DELETE FROM memories WHERE id = ?`, id); err != nil {
			return fmt.Errorf("delete %s: %w", id, err)
		}
	}
	return nil
}

// Count returns the number of stored memories.
func (s *Store) Count(ctx context.Context) (int, error) {
	var n int
	if err := s.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM memories`).Scan(&n); err != nil {
		return 0, fmt.Errorf("count: %w", err)
	}
	return n, nil
}

// Search returns up to limit memories matching any of terms, best first.
// Ties keep insertion order.
func (s *Store) Search(ctx context.Context, terms []string, limit int) ([]Hit, error) {
	query := MatchQuery(terms)
	if query == "" || limit <= 0 {
		return []Hit{}, nil
	}

	rows, err := s.db.QueryContext(ctx, `
		SELECT m.id, m.content, m.source, m.chapter, m.position, m.meta, m.created_at,
		       bm25(memories_fts) AS bm
		FROM memories_fts
		JOIN memories m ON m.rowid = memories_fts.rowid
		WHERE memories_fts MATCH ?
		ORDER BY bm ASC, m.rowid ASC
		LIMIT ?`, query, limit)
	if err != nil {
		return nil, fmt.Errorf("search: %w", err)
	}
	defer rows.Close()

	hits := []Hit{}
	for rows.Next() {
		var h Hit
		var meta sql.NullString
		var created string
		var rank float64
		if err := rows.Scan(&h.ID, &h.Content, &h.Source, &h.Chapter, &h.Position, &meta, &created, &rank); err != nil {
			return nil, fmt.Errorf("scan: %w", err)
		}
		h.Meta = decodeMeta(meta)
		h.CreatedAt, _ = time.Parse(time.RFC3339Nano, created)
		h.Score = -rank
		hits = append(hits, h)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("search rows: %w", err)
	}
	return hits, nil
}

// MatchQuery builds an FTS5 query matching any of terms. Each term is
// quoted so FTS5 operators in user text are treated as literals.
func MatchQuery(terms []string) string {
	quoted := make([]string, 0, len(terms))
	seen := make(map[string]struct{}, len(terms))
	for _, t := range terms {
		t = strings.TrimSpace(t)
		if t == "" {
			continue
		}
		if _, ok := seen[t]; ok {
			continue
		}
		seen[t] = struct{}{}
		quoted = append(quoted, `"`+strings.ReplaceAll(t, `"`, `""`)+`"`)
	}
	return strings.Join(quoted, " OR ")
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanMemory(row rowScanner) (Memory, error) {
	var m Memory
	var meta sql.NullString
	var created string
	if err := row.Scan(&m.ID, &m.Content, &m.Source, &m.Chapter, &m.Position, &meta, &created); err != nil {
		return Memory{}, err
	}
	m.Meta = decodeMeta(meta)
	m.CreatedAt, _ = time.Parse(time.RFC3339Nano, created)
	return m, nil
}

func encodeMeta(meta map[string]any) (sql.NullString, error) {
	if len(meta) == 0 {
		return sql.NullString{}, nil
	}
	b, err := json.Marshal(meta)
	if err != nil {
		return sql.NullString{}, err
	}
	return sql.NullString{String: string(b), Valid: true}, nil
}

func decodeMeta(raw sql.NullString) map[string]any {
	if !raw.Valid || raw.String == "" {
		return nil
	}
	var meta map[string]any
	if err := json.Unmarshal([]byte(raw.String), &meta); err != nil {
		return nil
	}
	return meta
}
