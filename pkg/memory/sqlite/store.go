// Package sqlite provides a single-file SQLite implementation of
// [memory.Store], the default persistence backend for local story sessions.
//
// Embedding vectors are stored as JSON arrays; similarity search happens in
// the in-memory [memory.VectorIndex], not in SQL, so no vector extension is
// required. The pure-Go modernc.org/sqlite driver keeps the binary cgo-free.
package sqlite

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"time"

	_ "modernc.org/sqlite"

	"github.com/fableloom/fableloom/pkg/memory"
)

// Ensure Store implements memory.Store at compile time.
var _ memory.Store = (*Store)(nil)

// deleteBatchSize caps how many IDs a single DELETE statement carries.
// Large sessions can accumulate thousands of consumed entries per compaction.
const deleteBatchSize = 256

// Store is a SQLite-backed implementation of memory.Store.
// All methods are safe for concurrent use.
type Store struct {
	db *sql.DB
}

// New opens (or creates) the SQLite database at path and applies the schema.
func New(path string) (*Store, error) {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, fmt.Errorf("sqlite store: create db dir: %w", err)
	}

	db, err := sql.Open("sqlite", path+"?_pragma=journal_mode(wal)&_pragma=foreign_keys(on)")
	if err != nil {
		return nil, fmt.Errorf("sqlite store: open %q: %w", path, err)
	}

	s := &Store{db: db}
	if err := s.migrate(); err != nil {
		db.Close()
		return nil, fmt.Errorf("sqlite store: migrate: %w", err)
	}
	return s, nil
}

// Close releases the underlying database handle.
func (s *Store) Close() error {
	return s.db.Close()
}

func (s *Store) migrate() error {
	const schema = `
	CREATE TABLE IF NOT EXISTS turn_records (
		id          TEXT PRIMARY KEY,
		session_id  TEXT NOT NULL,
		sender      TEXT NOT NULL,
		text        TEXT NOT NULL,
		summarized  INTEGER NOT NULL DEFAULT 0,
		created_at  TEXT NOT NULL
	);
	CREATE INDEX IF NOT EXISTS idx_turn_records_session ON turn_records(session_id, id);

	CREATE TABLE IF NOT EXISTS index_entries (
		id          TEXT NOT NULL,
		session_id  TEXT NOT NULL,
		namespace   TEXT NOT NULL,
		text        TEXT NOT NULL,
		level       INTEGER NOT NULL DEFAULT 0,
		source_ids  TEXT NOT NULL DEFAULT '[]',
		vector      TEXT NOT NULL DEFAULT '[]',
		PRIMARY KEY (session_id, namespace, id)
	);
	CREATE INDEX IF NOT EXISTS idx_index_entries_level
		ON index_entries(session_id, namespace, level, id);

	CREATE TABLE IF NOT EXISTS checkpoints (
		session_id  TEXT PRIMARY KEY,
		snapshot    TEXT NOT NULL,
		updated_at  TEXT NOT NULL
	);

	CREATE TABLE IF NOT EXISTS titles (
		session_id  TEXT PRIMARY KEY,
		title       TEXT NOT NULL
	);`
	_, err := s.db.Exec(schema)
	return err
}

// AppendMessage implements memory.Store.
func (s *Store) AppendMessage(ctx context.Context, sessionID string, rec memory.TurnRecord) error {
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO turn_records (id, session_id, sender, text, summarized, created_at)
		 VALUES (?, ?, ?, ?, ?, ?)`,
		rec.ID, sessionID, string(rec.Sender), rec.Text, boolInt(rec.Summarized),
		rec.Timestamp.UTC().Format(time.RFC3339Nano),
	)
	if err != nil {
		return fmt.Errorf("sqlite store: append message: %w", err)
	}
	return nil
}

// DeleteMessage implements memory.Store.
func (s *Store) DeleteMessage(ctx context.Context, sessionID, recordID string) error {
	_, err := s.db.ExecContext(ctx,
		`DELETE FROM turn_records WHERE session_id = ? AND id = ?`, sessionID, recordID)
	if err != nil {
		return fmt.Errorf("sqlite store: delete message: %w", err)
	}
	return nil
}

// ListMessages implements memory.Store.
func (s *Store) ListMessages(ctx context.Context, sessionID string) ([]memory.TurnRecord, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, sender, text, summarized, created_at
		 FROM turn_records WHERE session_id = ? ORDER BY id ASC`, sessionID)
	if err != nil {
		return nil, fmt.Errorf("sqlite store: list messages: %w", err)
	}
	defer rows.Close()

	out := []memory.TurnRecord{}
	for rows.Next() {
		var (
			rec        memory.TurnRecord
			sender     string
			summarized int
			created    string
		)
		if err := rows.Scan(&rec.ID, &sender, &rec.Text, &summarized, &created); err != nil {
			return nil, fmt.Errorf("sqlite store: scan message: %w", err)
		}
		rec.Sender = memory.Sender(sender)
		rec.Summarized = summarized != 0
		if ts, err := time.Parse(time.RFC3339Nano, created); err == nil {
			rec.Timestamp = ts
		}
		out = append(out, rec)
	}
	return out, rows.Err()
}

// MarkSummarized implements memory.Store. Unknown IDs are skipped silently.
func (s *Store) MarkSummarized(ctx context.Context, sessionID string, recordIDs []string) error {
	for _, batch := range chunkIDs(recordIDs, deleteBatchSize) {
		args := make([]any, 0, len(batch)+1)
		args = append(args, sessionID)
		for _, id := range batch {
			args = append(args, id)
		}
		q := `UPDATE turn_records SET summarized = 1
		      WHERE session_id = ? AND id IN (` + placeholders(len(batch)) + `)`
		if _, err := s.db.ExecContext(ctx, q, args...); err != nil {
			return fmt.Errorf("sqlite store: mark summarized: %w", err)
		}
	}
	return nil
}

// UpsertIndexEntry implements memory.Store.
func (s *Store) UpsertIndexEntry(ctx context.Context, sessionID string, ns memory.Namespace, entry memory.Entry) error {
	sourceIDs, err := json.Marshal(entry.SourceIDs)
	if err != nil {
		return fmt.Errorf("sqlite store: marshal source ids: %w", err)
	}
	vector, err := json.Marshal(entry.Vector)
	if err != nil {
		return fmt.Errorf("sqlite store: marshal vector: %w", err)
	}

	_, err = s.db.ExecContext(ctx,
		`INSERT INTO index_entries (id, session_id, namespace, text, level, source_ids, vector)
		 VALUES (?, ?, ?, ?, ?, ?, ?)
		 ON CONFLICT (session_id, namespace, id) DO UPDATE SET
		     text = excluded.text,
		     level = excluded.level,
		     source_ids = excluded.source_ids,
		     vector = excluded.vector`,
		entry.ID, sessionID, string(ns), entry.Text, entry.Level, string(sourceIDs), string(vector),
	)
	if err != nil {
		return fmt.Errorf("sqlite store: upsert index entry: %w", err)
	}
	return nil
}

// DeleteIndexEntries implements memory.Store. Deletion is paged so a large
// batch never exceeds SQLite's bound-parameter limit.
func (s *Store) DeleteIndexEntries(ctx context.Context, sessionID string, ns memory.Namespace, ids []string) error {
	for _, batch := range chunkIDs(ids, deleteBatchSize) {
		args := make([]any, 0, len(batch)+2)
		args = append(args, sessionID, string(ns))
		for _, id := range batch {
			args = append(args, id)
		}
		q := `DELETE FROM index_entries
		      WHERE session_id = ? AND namespace = ? AND id IN (` + placeholders(len(batch)) + `)`
		if _, err := s.db.ExecContext(ctx, q, args...); err != nil {
			return fmt.Errorf("sqlite store: delete index entries: %w", err)
		}
	}
	return nil
}

// LoadIndexNamespace implements memory.Store.
func (s *Store) LoadIndexNamespace(ctx context.Context, sessionID string, ns memory.Namespace) ([]memory.Entry, error) {
	return s.queryEntries(ctx,
		`SELECT id, text, level, source_ids, vector FROM index_entries
		 WHERE session_id = ? AND namespace = ? ORDER BY id ASC`,
		sessionID, string(ns))
}

// EntriesAtLevel implements memory.Store.
func (s *Store) EntriesAtLevel(ctx context.Context, sessionID string, ns memory.Namespace, level, limit int) ([]memory.Entry, error) {
	q := `SELECT id, text, level, source_ids, vector FROM index_entries
	      WHERE session_id = ? AND namespace = ? AND level = ? ORDER BY id ASC`
	args := []any{sessionID, string(ns), level}
	if limit > 0 {
		q += ` LIMIT ?`
		args = append(args, limit)
	}
	return s.queryEntries(ctx, q, args...)
}

func (s *Store) queryEntries(ctx context.Context, query string, args ...any) ([]memory.Entry, error) {
	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("sqlite store: query entries: %w", err)
	}
	defer rows.Close()

	out := []memory.Entry{}
	for rows.Next() {
		var (
			e         memory.Entry
			sourceIDs string
			vector    string
		)
		if err := rows.Scan(&e.ID, &e.Text, &e.Level, &sourceIDs, &vector); err != nil {
			return nil, fmt.Errorf("sqlite store: scan entry: %w", err)
		}
		if err := json.Unmarshal([]byte(sourceIDs), &e.SourceIDs); err != nil {
			return nil, fmt.Errorf("sqlite store: decode source ids for %q: %w", e.ID, err)
		}
		if err := json.Unmarshal([]byte(vector), &e.Vector); err != nil {
			return nil, fmt.Errorf("sqlite store: decode vector for %q: %w", e.ID, err)
		}
		out = append(out, e)
	}
	return out, rows.Err()
}

// SaveCheckpoint implements memory.Store.
func (s *Store) SaveCheckpoint(ctx context.Context, sessionID string, cp memory.Checkpoint) error {
	snapshot, err := json.Marshal(cp)
	if err != nil {
		return fmt.Errorf("sqlite store: marshal checkpoint: %w", err)
	}
	_, err = s.db.ExecContext(ctx,
		`INSERT INTO checkpoints (session_id, snapshot, updated_at) VALUES (?, ?, ?)
		 ON CONFLICT (session_id) DO UPDATE SET
		     snapshot = excluded.snapshot, updated_at = excluded.updated_at`,
		sessionID, string(snapshot), time.Now().UTC().Format(time.RFC3339Nano))
	if err != nil {
		return fmt.Errorf("sqlite store: save checkpoint: %w", err)
	}
	return nil
}

// LoadCheckpoint implements memory.Store.
func (s *Store) LoadCheckpoint(ctx context.Context, sessionID string) (*memory.Checkpoint, error) {
	var snapshot string
	err := s.db.QueryRowContext(ctx,
		`SELECT snapshot FROM checkpoints WHERE session_id = ?`, sessionID).Scan(&snapshot)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("sqlite store: load checkpoint: %w", err)
	}
	cp := &memory.Checkpoint{}
	if err := json.Unmarshal([]byte(snapshot), cp); err != nil {
		return nil, fmt.Errorf("sqlite store: decode checkpoint: %w", err)
	}
	return cp, nil
}

// SaveTitle implements memory.Store.
func (s *Store) SaveTitle(ctx context.Context, sessionID, title string) error {
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO titles (session_id, title) VALUES (?, ?)
		 ON CONFLICT (session_id) DO UPDATE SET title = excluded.title`,
		sessionID, title)
	if err != nil {
		return fmt.Errorf("sqlite store: save title: %w", err)
	}
	return nil
}

// LoadTitle implements memory.Store.
func (s *Store) LoadTitle(ctx context.Context, sessionID string) (string, error) {
	var title string
	err := s.db.QueryRowContext(ctx,
		`SELECT title FROM titles WHERE session_id = ?`, sessionID).Scan(&title)
	if err == sql.ErrNoRows {
		return "", nil
	}
	if err != nil {
		return "", fmt.Errorf("sqlite store: load title: %w", err)
	}
	return title, nil
}

func boolInt(b bool) int {
	if b {
		return 1
	}
	return 0
}

// placeholders returns "?, ?, …" with n markers.
func placeholders(n int) string {
	switch n {
	case 0:
		return ""
	case 1:
		return "?"
	}
	buf := make([]byte, 0, n*3-2)
	buf = append(buf, '?')
	for i := 1; i < n; i++ {
		buf = append(buf, ',', ' ', '?')
	}
	return string(buf)
}

// chunkIDs splits ids into slices of at most size elements.
func chunkIDs(ids []string, size int) [][]string {
	if len(ids) == 0 {
		return nil
	}
	var out [][]string
	for len(ids) > size {
		out = append(out, ids[:size])
		ids = ids[size:]
	}
	return append(out, ids)
}
