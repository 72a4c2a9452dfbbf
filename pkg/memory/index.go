package memory

import (
	"context"
	"errors"
	"fmt"
	"math"
	"sort"
	"sync"
)

// ErrNotLoaded is returned by [VectorIndex.Search] before the index has been
// rehydrated from the store via [VectorIndex.Load].
var ErrNotLoaded = errors.New("vector index not loaded")

// VectorIndex is the in-memory, store-backed collection of [Entry] records for
// one story session. It holds the three namespaces (scene, lore, character)
// and answers top-K cosine-similarity searches over all of them pooled
// together.
//
// Mutations write through to the backing [Store]. The index must be fully
// rehydrated via [VectorIndex.Load] before the first search.
//
// All methods are safe for concurrent use.
type VectorIndex struct {
	store     Store
	sessionID string

	mu         sync.RWMutex
	loaded     bool
	namespaces map[Namespace]*nsBucket
}

// nsBucket holds one namespace's entries in insertion order, with an ID index
// for O(1) upsert/delete. Insertion order is what breaks score ties in Search.
type nsBucket struct {
	entries []Entry
	byID    map[string]int
}

func newBucket() *nsBucket {
	return &nsBucket{byID: make(map[string]int)}
}

// NewVectorIndex creates an empty index for the given session. Call
// [VectorIndex.Load] before searching.
func NewVectorIndex(store Store, sessionID string) *VectorIndex {
	buckets := make(map[Namespace]*nsBucket, len(Namespaces))
	for _, ns := range Namespaces {
		buckets[ns] = newBucket()
	}
	return &VectorIndex{
		store:      store,
		sessionID:  sessionID,
		namespaces: buckets,
	}
}

// Load rehydrates all three namespaces from the store, replacing any entries
// already in memory. Loading twice in a row yields identical contents.
func (v *VectorIndex) Load(ctx context.Context) error {
	fresh := make(map[Namespace]*nsBucket, len(Namespaces))
	for _, ns := range Namespaces {
		entries, err := v.store.LoadIndexNamespace(ctx, v.sessionID, ns)
		if err != nil {
			return fmt.Errorf("vector index: load namespace %q: %w", ns, err)
		}
		b := newBucket()
		for _, e := range entries {
			b.byID[e.ID] = len(b.entries)
			b.entries = append(b.entries, e)
		}
		fresh[ns] = b
	}

	v.mu.Lock()
	v.namespaces = fresh
	v.loaded = true
	v.mu.Unlock()
	return nil
}

// Upsert writes entry into the namespace, replacing any existing entry with
// the same ID, and persists it to the store. The entry's vector must already
// have been produced by an embeddings provider — the index computes nothing.
func (v *VectorIndex) Upsert(ctx context.Context, ns Namespace, entry Entry) error {
	if !ns.IsValid() {
		return fmt.Errorf("vector index: unknown namespace %q", ns)
	}
	if entry.ID == "" {
		return fmt.Errorf("vector index: entry has empty ID")
	}

	if err := v.store.UpsertIndexEntry(ctx, v.sessionID, ns, entry); err != nil {
		return fmt.Errorf("vector index: persist entry %q: %w", entry.ID, err)
	}

	v.mu.Lock()
	defer v.mu.Unlock()
	b := v.namespaces[ns]
	if pos, ok := b.byID[entry.ID]; ok {
		// Full replacement keeps the original insertion position.
		b.entries[pos] = entry
		return nil
	}
	b.byID[entry.ID] = len(b.entries)
	b.entries = append(b.entries, entry)
	return nil
}

// Delete removes the given IDs from the namespace and requests a batch delete
// from the store. Absent IDs are skipped without error.
func (v *VectorIndex) Delete(ctx context.Context, ns Namespace, ids []string) error {
	if !ns.IsValid() {
		return fmt.Errorf("vector index: unknown namespace %q", ns)
	}
	if len(ids) == 0 {
		return nil
	}

	if err := v.store.DeleteIndexEntries(ctx, v.sessionID, ns, ids); err != nil {
		return fmt.Errorf("vector index: delete entries: %w", err)
	}

	drop := make(map[string]bool, len(ids))
	for _, id := range ids {
		drop[id] = true
	}

	v.mu.Lock()
	defer v.mu.Unlock()
	b := v.namespaces[ns]
	kept := b.entries[:0]
	for _, e := range b.entries {
		if !drop[e.ID] {
			kept = append(kept, e)
		}
	}
	b.entries = kept
	b.byID = make(map[string]int, len(kept))
	for i, e := range kept {
		b.byID[e.ID] = i
	}
	return nil
}

// Search returns the topK entries across all three namespaces pooled
// together, scored by cosine similarity to queryVector and sorted descending
// by score. Ties are broken by original insertion order (stable sort).
//
// Returns an empty slice when the pool is empty or topK <= 0, and
// [ErrNotLoaded] if the index was never rehydrated from the store.
func (v *VectorIndex) Search(queryVector []float32, topK int) ([]ScoredEntry, error) {
	v.mu.RLock()
	defer v.mu.RUnlock()

	if !v.loaded {
		return nil, ErrNotLoaded
	}
	if topK <= 0 {
		return []ScoredEntry{}, nil
	}

	var scored []ScoredEntry
	for _, ns := range Namespaces {
		for _, e := range v.namespaces[ns].entries {
			scored = append(scored, ScoredEntry{
				Entry:     e,
				Namespace: ns,
				Score:     Cosine(queryVector, e.Vector),
			})
		}
	}
	if len(scored) == 0 {
		return []ScoredEntry{}, nil
	}

	sort.SliceStable(scored, func(i, j int) bool {
		return scored[i].Score > scored[j].Score
	})
	if len(scored) > topK {
		scored = scored[:topK]
	}
	return scored, nil
}

// Size returns the number of entries currently held in the namespace.
func (v *VectorIndex) Size(ns Namespace) int {
	v.mu.RLock()
	defer v.mu.RUnlock()
	b, ok := v.namespaces[ns]
	if !ok {
		return 0
	}
	return len(b.entries)
}

// Loaded reports whether the index has been rehydrated from the store.
func (v *VectorIndex) Loaded() bool {
	v.mu.RLock()
	defer v.mu.RUnlock()
	return v.loaded
}

// Cosine returns the cosine similarity dot(a,b) / (|a|·|b|) between two
// vectors. When either vector has zero norm (including mismatched or empty
// inputs) the similarity is defined as 0 — never NaN and never an error.
func Cosine(a, b []float32) float64 {
	n := len(a)
	if len(b) < n {
		n = len(b)
	}
	var dot, normA, normB float64
	for i := 0; i < n; i++ {
		dot += float64(a[i]) * float64(b[i])
		normA += float64(a[i]) * float64(a[i])
		normB += float64(b[i]) * float64(b[i])
	}
	if normA == 0 || normB == 0 {
		return 0
	}
	return dot / (math.Sqrt(normA) * math.Sqrt(normB))
}
