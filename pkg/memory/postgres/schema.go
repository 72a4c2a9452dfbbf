package postgres

import (
	"context"
	"fmt"

	"github.com/jackc/pgx/v5/pgxpool"
)

const ddlTurnRecords = `
CREATE TABLE IF NOT EXISTS turn_records (
    id          TEXT         NOT NULL,
    session_id  TEXT         NOT NULL,
    sender      TEXT         NOT NULL,
    text        TEXT         NOT NULL,
    summarized  BOOLEAN      NOT NULL DEFAULT FALSE,
    created_at  TIMESTAMPTZ  NOT NULL DEFAULT now(),
    PRIMARY KEY (session_id, id)
);

CREATE INDEX IF NOT EXISTS idx_turn_records_session
    ON turn_records (session_id, id);
`

const ddlCheckpoints = `
CREATE TABLE IF NOT EXISTS checkpoints (
    session_id  TEXT         PRIMARY KEY,
    snapshot    JSONB        NOT NULL,
    updated_at  TIMESTAMPTZ  NOT NULL DEFAULT now()
);

CREATE TABLE IF NOT EXISTS titles (
    session_id  TEXT  PRIMARY KEY,
    title       TEXT  NOT NULL
);
`

// ddlIndexEntries depends on the configured embedding dimension, so it is a
// format string rather than a constant.
const ddlIndexEntries = `
CREATE TABLE IF NOT EXISTS index_entries (
    id          TEXT         NOT NULL,
    session_id  TEXT         NOT NULL,
    namespace   TEXT         NOT NULL,
    text        TEXT         NOT NULL,
    level       INTEGER      NOT NULL DEFAULT 0,
    source_ids  JSONB        NOT NULL DEFAULT '[]',
    vector      vector(%d),
    PRIMARY KEY (session_id, namespace, id)
);

CREATE INDEX IF NOT EXISTS idx_index_entries_level
    ON index_entries (session_id, namespace, level, id);
`

// migrate installs the pgvector extension and creates all tables.
func migrate(ctx context.Context, pool *pgxpool.Pool, dimensions int) error {
	statements := []string{
		`CREATE EXTENSION IF NOT EXISTS vector`,
		ddlTurnRecords,
		fmt.Sprintf(ddlIndexEntries, dimensions),
		ddlCheckpoints,
	}
	for _, stmt := range statements {
		if _, err := pool.Exec(ctx, stmt); err != nil {
			return fmt.Errorf("exec migration: %w", err)
		}
	}
	return nil
}
