// Package postgres provides a PostgreSQL implementation of [memory.Store]
// for durable multi-session deployments.
//
// Embedding vectors are stored in a pgvector column so that the database can
// also serve ad hoc similarity queries (psql debugging, offline analysis);
// the engine's own retrieval still runs against the in-memory
// [memory.VectorIndex] after rehydration. The pgvector extension is installed
// automatically on first connect.
//
// Usage:
//
//	store, err := postgres.New(ctx, dsn, 768)
//	if err != nil { … }
//	defer store.Close()
package postgres

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	pgvector "github.com/pgvector/pgvector-go"

	"github.com/fableloom/fableloom/pkg/memory"
)

// Ensure Store implements memory.Store at compile time.
var _ memory.Store = (*Store)(nil)

// deleteBatchSize caps how many IDs a single DELETE statement carries, so
// batch deletes over large sessions stay paged.
const deleteBatchSize = 500

// Store is a PostgreSQL/pgvector-backed implementation of memory.Store.
// All methods are safe for concurrent use; the pgxpool handles pooling.
type Store struct {
	pool *pgxpool.Pool
}

// New connects to the database at dsn, runs migrations, and returns a Store.
// dimensions is the embedding vector length and must match the configured
// embeddings provider.
func New(ctx context.Context, dsn string, dimensions int) (*Store, error) {
	if dimensions <= 0 {
		return nil, fmt.Errorf("postgres store: dimensions must be positive, got %d", dimensions)
	}
	pool, err := pgxpool.New(ctx, dsn)
	if err != nil {
		return nil, fmt.Errorf("postgres store: connect: %w", err)
	}
	if err := migrate(ctx, pool, dimensions); err != nil {
		pool.Close()
		return nil, fmt.Errorf("postgres store: migrate: %w", err)
	}
	return &Store{pool: pool}, nil
}

// Close releases the connection pool.
func (s *Store) Close() {
	s.pool.Close()
}

// AppendMessage implements memory.Store.
func (s *Store) AppendMessage(ctx context.Context, sessionID string, rec memory.TurnRecord) error {
	_, err := s.pool.Exec(ctx,
		`INSERT INTO turn_records (id, session_id, sender, text, summarized, created_at)
		 VALUES ($1, $2, $3, $4, $5, $6)`,
		rec.ID, sessionID, string(rec.Sender), rec.Text, rec.Summarized, rec.Timestamp)
	if err != nil {
		return fmt.Errorf("postgres store: append message: %w", err)
	}
	return nil
}

// DeleteMessage implements memory.Store.
func (s *Store) DeleteMessage(ctx context.Context, sessionID, recordID string) error {
	_, err := s.pool.Exec(ctx,
		`DELETE FROM turn_records WHERE session_id = $1 AND id = $2`, sessionID, recordID)
	if err != nil {
		return fmt.Errorf("postgres store: delete message: %w", err)
	}
	return nil
}

// ListMessages implements memory.Store.
func (s *Store) ListMessages(ctx context.Context, sessionID string) ([]memory.TurnRecord, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT id, sender, text, summarized, created_at
		 FROM turn_records WHERE session_id = $1 ORDER BY id ASC`, sessionID)
	if err != nil {
		return nil, fmt.Errorf("postgres store: list messages: %w", err)
	}

	records, err := pgx.CollectRows(rows, func(row pgx.CollectableRow) (memory.TurnRecord, error) {
		var (
			rec    memory.TurnRecord
			sender string
		)
		err := row.Scan(&rec.ID, &sender, &rec.Text, &rec.Summarized, &rec.Timestamp)
		rec.Sender = memory.Sender(sender)
		return rec, err
	})
	if err != nil {
		return nil, fmt.Errorf("postgres store: scan messages: %w", err)
	}
	if records == nil {
		records = []memory.TurnRecord{}
	}
	return records, nil
}

// MarkSummarized implements memory.Store.
func (s *Store) MarkSummarized(ctx context.Context, sessionID string, recordIDs []string) error {
	for _, batch := range chunkIDs(recordIDs, deleteBatchSize) {
		_, err := s.pool.Exec(ctx,
			`UPDATE turn_records SET summarized = TRUE
			 WHERE session_id = $1 AND id = ANY($2)`, sessionID, batch)
		if err != nil {
			return fmt.Errorf("postgres store: mark summarized: %w", err)
		}
	}
	return nil
}

// UpsertIndexEntry implements memory.Store.
func (s *Store) UpsertIndexEntry(ctx context.Context, sessionID string, ns memory.Namespace, entry memory.Entry) error {
	sourceIDs, err := json.Marshal(entry.SourceIDs)
	if err != nil {
		return fmt.Errorf("postgres store: marshal source ids: %w", err)
	}
	_, err = s.pool.Exec(ctx,
		`INSERT INTO index_entries (id, session_id, namespace, text, level, source_ids, vector)
		 VALUES ($1, $2, $3, $4, $5, $6, $7)
		 ON CONFLICT (session_id, namespace, id) DO UPDATE SET
		     text       = EXCLUDED.text,
		     level      = EXCLUDED.level,
		     source_ids = EXCLUDED.source_ids,
		     vector     = EXCLUDED.vector`,
		entry.ID, sessionID, string(ns), entry.Text, entry.Level,
		sourceIDs, pgvector.NewVector(entry.Vector))
	if err != nil {
		return fmt.Errorf("postgres store: upsert index entry: %w", err)
	}
	return nil
}

// DeleteIndexEntries implements memory.Store. Deletion is paged.
func (s *Store) DeleteIndexEntries(ctx context.Context, sessionID string, ns memory.Namespace, ids []string) error {
	for _, batch := range chunkIDs(ids, deleteBatchSize) {
		_, err := s.pool.Exec(ctx,
			`DELETE FROM index_entries
			 WHERE session_id = $1 AND namespace = $2 AND id = ANY($3)`,
			sessionID, string(ns), batch)
		if err != nil {
			return fmt.Errorf("postgres store: delete index entries: %w", err)
		}
	}
	return nil
}

// LoadIndexNamespace implements memory.Store.
func (s *Store) LoadIndexNamespace(ctx context.Context, sessionID string, ns memory.Namespace) ([]memory.Entry, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT id, text, level, source_ids, vector FROM index_entries
		 WHERE session_id = $1 AND namespace = $2 ORDER BY id ASC`,
		sessionID, string(ns))
	if err != nil {
		return nil, fmt.Errorf("postgres store: load namespace: %w", err)
	}
	return collectEntries(rows)
}

// EntriesAtLevel implements memory.Store.
func (s *Store) EntriesAtLevel(ctx context.Context, sessionID string, ns memory.Namespace, level, limit int) ([]memory.Entry, error) {
	q := `SELECT id, text, level, source_ids, vector FROM index_entries
	      WHERE session_id = $1 AND namespace = $2 AND level = $3 ORDER BY id ASC`
	args := []any{sessionID, string(ns), level}
	if limit > 0 {
		q += ` LIMIT $4`
		args = append(args, limit)
	}
	rows, err := s.pool.Query(ctx, q, args...)
	if err != nil {
		return nil, fmt.Errorf("postgres store: entries at level: %w", err)
	}
	return collectEntries(rows)
}

func collectEntries(rows pgx.Rows) ([]memory.Entry, error) {
	entries, err := pgx.CollectRows(rows, func(row pgx.CollectableRow) (memory.Entry, error) {
		var (
			e         memory.Entry
			sourceIDs []byte
			vec       pgvector.Vector
		)
		if err := row.Scan(&e.ID, &e.Text, &e.Level, &sourceIDs, &vec); err != nil {
			return memory.Entry{}, err
		}
		if err := json.Unmarshal(sourceIDs, &e.SourceIDs); err != nil {
			return memory.Entry{}, err
		}
		e.Vector = vec.Slice()
		return e, nil
	})
	if err != nil {
		return nil, fmt.Errorf("postgres store: scan entries: %w", err)
	}
	if entries == nil {
		entries = []memory.Entry{}
	}
	return entries, nil
}

// SaveCheckpoint implements memory.Store.
func (s *Store) SaveCheckpoint(ctx context.Context, sessionID string, cp memory.Checkpoint) error {
	snapshot, err := json.Marshal(cp)
	if err != nil {
		return fmt.Errorf("postgres store: marshal checkpoint: %w", err)
	}
	_, err = s.pool.Exec(ctx,
		`INSERT INTO checkpoints (session_id, snapshot, updated_at) VALUES ($1, $2, now())
		 ON CONFLICT (session_id) DO UPDATE SET
		     snapshot = EXCLUDED.snapshot, updated_at = now()`,
		sessionID, snapshot)
	if err != nil {
		return fmt.Errorf("postgres store: save checkpoint: %w", err)
	}
	return nil
}

// LoadCheckpoint implements memory.Store.
func (s *Store) LoadCheckpoint(ctx context.Context, sessionID string) (*memory.Checkpoint, error) {
	var snapshot []byte
	err := s.pool.QueryRow(ctx,
		`SELECT snapshot FROM checkpoints WHERE session_id = $1`, sessionID).Scan(&snapshot)
	if err == pgx.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("postgres store: load checkpoint: %w", err)
	}
	cp := &memory.Checkpoint{}
	if err := json.Unmarshal(snapshot, cp); err != nil {
		return nil, fmt.Errorf("postgres store: decode checkpoint: %w", err)
	}
	return cp, nil
}

// SaveTitle implements memory.Store.
func (s *Store) SaveTitle(ctx context.Context, sessionID, title string) error {
	_, err := s.pool.Exec(ctx,
		`INSERT INTO titles (session_id, title) VALUES ($1, $2)
		 ON CONFLICT (session_id) DO UPDATE SET title = EXCLUDED.title`,
		sessionID, title)
	if err != nil {
		return fmt.Errorf("postgres store: save title: %w", err)
	}
	return nil
}

// LoadTitle implements memory.Store.
func (s *Store) LoadTitle(ctx context.Context, sessionID string) (string, error) {
	var title string
	err := s.pool.QueryRow(ctx,
		`SELECT title FROM titles WHERE session_id = $1`, sessionID).Scan(&title)
	if err == pgx.ErrNoRows {
		return "", nil
	}
	if err != nil {
		return "", fmt.Errorf("postgres store: load title: %w", err)
	}
	return title, nil
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
