// Package mock provides an in-memory test double for the memory.Store
// interface.
//
// Store behaves like a real store (ordered log, namespace collections,
// checkpoints) so component tests can run full flows against it, and records
// enough call metadata to let tests assert on interactions. Error injection
// fields force failures for specific operations.
//
// Example:
//
//	s := mock.NewStore()
//	_ = s.AppendMessage(ctx, "sess", rec)
//	msgs, _ := s.ListMessages(ctx, "sess")
package mock

import (
	"context"
	"sort"
	"sync"

	"github.com/fableloom/fableloom/pkg/memory"
)

// Ensure Store implements memory.Store at compile time.
var _ memory.Store = (*Store)(nil)

// Store is an in-memory implementation of memory.Store.
type Store struct {
	mu sync.Mutex

	// --- Error injection ---

	// AppendErr, if non-nil, is returned by AppendMessage.
	AppendErr error

	// UpsertErr, if non-nil, is returned by UpsertIndexEntry.
	UpsertErr error

	// DeleteEntriesErr, if non-nil, is returned by DeleteIndexEntries.
	DeleteEntriesErr error

	// LoadErr, if non-nil, is returned by LoadIndexNamespace.
	LoadErr error

	// MarkErr, if non-nil, is returned by MarkSummarized.
	MarkErr error

	// CheckpointErr, if non-nil, is returned by SaveCheckpoint.
	CheckpointErr error

	// --- State ---

	messages    map[string][]memory.TurnRecord
	index       map[string]map[memory.Namespace]map[string]memory.Entry
	checkpoints map[string]memory.Checkpoint
	titles      map[string]string

	// --- Call records (read after test) ---

	// MarkSummarizedCalls records the ID batches passed to MarkSummarized.
	MarkSummarizedCalls [][]string

	// SaveCheckpointCalls counts SaveCheckpoint invocations.
	SaveCheckpointCalls int

	// DeletedMessageIDs records every ID passed to DeleteMessage.
	DeletedMessageIDs []string
}

// NewStore creates an empty mock store.
func NewStore() *Store {
	return &Store{
		messages:    make(map[string][]memory.TurnRecord),
		index:       make(map[string]map[memory.Namespace]map[string]memory.Entry),
		checkpoints: make(map[string]memory.Checkpoint),
		titles:      make(map[string]string),
	}
}

// AppendMessage implements memory.Store.
func (s *Store) AppendMessage(_ context.Context, sessionID string, rec memory.TurnRecord) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.AppendErr != nil {
		return s.AppendErr
	}
	s.messages[sessionID] = append(s.messages[sessionID], rec)
	return nil
}

// DeleteMessage implements memory.Store.
func (s *Store) DeleteMessage(_ context.Context, sessionID, recordID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.DeletedMessageIDs = append(s.DeletedMessageIDs, recordID)
	msgs := s.messages[sessionID]
	for i, m := range msgs {
		if m.ID == recordID {
			s.messages[sessionID] = append(msgs[:i:i], msgs[i+1:]...)
			return nil
		}
	}
	return nil
}

// ListMessages implements memory.Store.
func (s *Store) ListMessages(_ context.Context, sessionID string) ([]memory.TurnRecord, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]memory.TurnRecord, len(s.messages[sessionID]))
	copy(out, s.messages[sessionID])
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

// MarkSummarized implements memory.Store.
func (s *Store) MarkSummarized(_ context.Context, sessionID string, recordIDs []string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	ids := make([]string, len(recordIDs))
	copy(ids, recordIDs)
	s.MarkSummarizedCalls = append(s.MarkSummarizedCalls, ids)
	if s.MarkErr != nil {
		return s.MarkErr
	}
	flag := make(map[string]bool, len(recordIDs))
	for _, id := range recordIDs {
		flag[id] = true
	}
	msgs := s.messages[sessionID]
	for i := range msgs {
		if flag[msgs[i].ID] {
			msgs[i].Summarized = true
		}
	}
	return nil
}

// UpsertIndexEntry implements memory.Store.
func (s *Store) UpsertIndexEntry(_ context.Context, sessionID string, ns memory.Namespace, entry memory.Entry) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.UpsertErr != nil {
		return s.UpsertErr
	}
	s.namespace(sessionID, ns)[entry.ID] = entry
	return nil
}

// DeleteIndexEntries implements memory.Store.
func (s *Store) DeleteIndexEntries(_ context.Context, sessionID string, ns memory.Namespace, ids []string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.DeleteEntriesErr != nil {
		return s.DeleteEntriesErr
	}
	coll := s.namespace(sessionID, ns)
	for _, id := range ids {
		delete(coll, id)
	}
	return nil
}

// LoadIndexNamespace implements memory.Store.
func (s *Store) LoadIndexNamespace(_ context.Context, sessionID string, ns memory.Namespace) ([]memory.Entry, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.LoadErr != nil {
		return nil, s.LoadErr
	}
	coll := s.namespace(sessionID, ns)
	out := make([]memory.Entry, 0, len(coll))
	for _, e := range coll {
		out = append(out, e)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

// EntriesAtLevel implements memory.Store.
func (s *Store) EntriesAtLevel(ctx context.Context, sessionID string, ns memory.Namespace, level, limit int) ([]memory.Entry, error) {
	all, err := s.LoadIndexNamespace(ctx, sessionID, ns)
	if err != nil {
		return nil, err
	}
	out := make([]memory.Entry, 0, len(all))
	for _, e := range all {
		if e.Level == level {
			out = append(out, e)
		}
		if limit > 0 && len(out) == limit {
			break
		}
	}
	return out, nil
}

// SaveCheckpoint implements memory.Store.
func (s *Store) SaveCheckpoint(_ context.Context, sessionID string, cp memory.Checkpoint) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.SaveCheckpointCalls++
	if s.CheckpointErr != nil {
		return s.CheckpointErr
	}
	s.checkpoints[sessionID] = cp
	return nil
}

// LoadCheckpoint implements memory.Store.
func (s *Store) LoadCheckpoint(_ context.Context, sessionID string) (*memory.Checkpoint, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	cp, ok := s.checkpoints[sessionID]
	if !ok {
		return nil, nil
	}
	return &cp, nil
}

// SaveTitle implements memory.Store.
func (s *Store) SaveTitle(_ context.Context, sessionID, title string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.titles[sessionID] = title
	return nil
}

// LoadTitle implements memory.Store.
func (s *Store) LoadTitle(_ context.Context, sessionID string) (string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.titles[sessionID], nil
}

// Title returns the saved title for a session, for test assertions.
func (s *Store) Title(sessionID string) string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.titles[sessionID]
}

// namespace returns the live entry map for (sessionID, ns), creating it on
// first use. Must be called with s.mu held.
func (s *Store) namespace(sessionID string, ns memory.Namespace) map[string]memory.Entry {
	sess, ok := s.index[sessionID]
	if !ok {
		sess = make(map[memory.Namespace]map[string]memory.Entry)
		s.index[sessionID] = sess
	}
	coll, ok := sess[ns]
	if !ok {
		coll = make(map[string]memory.Entry)
		sess[ns] = coll
	}
	return coll
}
