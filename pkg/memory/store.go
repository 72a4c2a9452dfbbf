// Package memory defines the data model and retrieval layer of the Fableloom
// story engine: the persistent [Store] contract, the in-memory [VectorIndex]
// with cosine-similarity search over the three pooled namespaces, and the
// record types shared by the compaction engine and the turn orchestrator.
//
// All exported types are safe for concurrent use unless noted otherwise.
package memory

import "context"

// Store is the durable key/collection storage a story session runs against.
//
// The conversation log is append-only and ordered: records read back in the
// same ascending-ID order they were appended in, for every consumer. Batch
// deletes must tolerate large collections (paged deletion). Deleting or
// flagging an absent record is not an error.
//
// Implementations must be safe for concurrent use.
type Store interface {
	// AppendMessage appends rec to the session's conversation log.
	AppendMessage(ctx context.Context, sessionID string, rec TurnRecord) error

	// DeleteMessage removes a single record by ID. Used by reroll to discard
	// the agent response being regenerated.
	DeleteMessage(ctx context.Context, sessionID, recordID string) error

	// ListMessages returns the full conversation log in ascending ID order.
	// Returns an empty (non-nil) slice for an unknown session.
	ListMessages(ctx context.Context, sessionID string) ([]TurnRecord, error)

	// MarkSummarized sets Summarized on the given records. Idempotent;
	// unknown IDs are skipped silently.
	MarkSummarized(ctx context.Context, sessionID string, recordIDs []string) error

	// UpsertIndexEntry writes entry keyed by entry.ID, replacing any existing
	// entry with the same ID in the namespace.
	UpsertIndexEntry(ctx context.Context, sessionID string, ns Namespace, entry Entry) error

	// DeleteIndexEntries removes entries by ID from the namespace. Absent IDs
	// are not an error.
	DeleteIndexEntries(ctx context.Context, sessionID string, ns Namespace, ids []string) error

	// LoadIndexNamespace returns every entry of the namespace in ascending ID
	// order. Returns an empty (non-nil) slice for an empty namespace.
	LoadIndexNamespace(ctx context.Context, sessionID string, ns Namespace) ([]Entry, error)

	// EntriesAtLevel returns up to limit entries of the namespace at the given
	// hierarchy level, in ascending ID order (oldest first). limit <= 0 means
	// no limit.
	EntriesAtLevel(ctx context.Context, sessionID string, ns Namespace, level, limit int) ([]Entry, error)

	// SaveCheckpoint persists the mutable session snapshot (personas, world
	// state, plot notes), replacing any previous checkpoint.
	SaveCheckpoint(ctx context.Context, sessionID string, cp Checkpoint) error

	// LoadCheckpoint returns the last saved checkpoint, or (nil, nil) when no
	// checkpoint exists for the session.
	LoadCheckpoint(ctx context.Context, sessionID string) (*Checkpoint, error)

	// SaveTitle persists the story title produced by a new_story turn.
	SaveTitle(ctx context.Context, sessionID, title string) error

	// LoadTitle returns the saved story title, or "" when none was saved.
	LoadTitle(ctx context.Context, sessionID string) (string, error)
}
