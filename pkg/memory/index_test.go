package memory_test

import (
	"context"
	"math"
	"testing"

	"github.com/fableloom/fableloom/pkg/memory"
	"github.com/fableloom/fableloom/pkg/memory/mock"
)

func TestCosine(t *testing.T) {
	tests := []struct {
		name string
		a, b []float32
		want float64
	}{
		{"identical unit vectors", []float32{1, 0}, []float32{1, 0}, 1},
		{"orthogonal", []float32{1, 0}, []float32{0, 1}, 0},
		{"opposite", []float32{1, 0}, []float32{-1, 0}, -1},
		{"zero left", []float32{0, 0}, []float32{1, 2}, 0},
		{"zero right", []float32{3, 4}, []float32{0, 0}, 0},
		{"both zero", []float32{0, 0}, []float32{0, 0}, 0},
		{"empty", nil, nil, 0},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := memory.Cosine(tt.a, tt.b)
			if math.Abs(got-tt.want) > 1e-9 {
				t.Errorf("Cosine(%v, %v) = %v, want %v", tt.a, tt.b, got, tt.want)
			}
			if math.IsNaN(got) {
				t.Errorf("Cosine returned NaN")
			}
		})
	}
}

func TestCosineSymmetric(t *testing.T) {
	pairs := [][2][]float32{
		{{1, 2, 3}, {4, 5, 6}},
		{{-1, 0.5}, {0.25, -3}},
		{{0, 0}, {1, 1}},
	}
	for _, p := range pairs {
		ab := memory.Cosine(p[0], p[1])
		ba := memory.Cosine(p[1], p[0])
		if math.Abs(ab-ba) > 1e-12 {
			t.Errorf("Cosine not symmetric: sim(a,b)=%v sim(b,a)=%v", ab, ba)
		}
	}
}

func TestCosineSelfSimilarity(t *testing.T) {
	a := []float32{0.3, -0.7, 2.5}
	if got := memory.Cosine(a, a); math.Abs(got-1) > 1e-9 {
		t.Errorf("sim(a,a) = %v, want 1", got)
	}
}

// loadedIndex returns an index rehydrated from an empty mock store.
func loadedIndex(t *testing.T) (*memory.VectorIndex, *mock.Store) {
	t.Helper()
	store := mock.NewStore()
	idx := memory.NewVectorIndex(store, "sess-1")
	if err := idx.Load(context.Background()); err != nil {
		t.Fatalf("Load: %v", err)
	}
	return idx, store
}

func TestVectorIndexSearchBeforeLoad(t *testing.T) {
	idx := memory.NewVectorIndex(mock.NewStore(), "sess-1")
	if _, err := idx.Search([]float32{1}, 5); err != memory.ErrNotLoaded {
		t.Errorf("expected ErrNotLoaded, got %v", err)
	}
}

func TestVectorIndexSearchEmptyPool(t *testing.T) {
	idx, _ := loadedIndex(t)
	for _, k := range []int{-1, 0, 1, 100} {
		got, err := idx.Search([]float32{1, 0}, k)
		if err != nil {
			t.Fatalf("Search(k=%d): %v", k, err)
		}
		if len(got) != 0 {
			t.Errorf("Search(k=%d) over empty pool returned %d entries", k, len(got))
		}
	}
}

func TestVectorIndexSearchPoolsAllNamespaces(t *testing.T) {
	idx, _ := loadedIndex(t)
	ctx := context.Background()

	entries := map[memory.Namespace]memory.Entry{
		memory.NamespaceScene:     {ID: "01A", Text: "scene", Vector: []float32{1, 0}},
		memory.NamespaceLore:      {ID: "01B", Text: "lore", Vector: []float32{0.9, 0.1}},
		memory.NamespaceCharacter: {ID: "01C", Text: "char", Vector: []float32{0, 1}},
	}
	for ns, e := range entries {
		if err := idx.Upsert(ctx, ns, e); err != nil {
			t.Fatalf("Upsert(%s): %v", ns, err)
		}
	}

	got, err := idx.Search([]float32{1, 0}, 10)
	if err != nil {
		t.Fatalf("Search: %v", err)
	}
	if len(got) != 3 {
		t.Fatalf("expected 3 pooled results, got %d", len(got))
	}
	// Descending by score: scene (1.0), lore (~0.99), character (0.0).
	if got[0].ID != "01A" || got[1].ID != "01B" || got[2].ID != "01C" {
		t.Errorf("unexpected order: %s, %s, %s", got[0].ID, got[1].ID, got[2].ID)
	}
	for i := 1; i < len(got); i++ {
		if got[i].Score > got[i-1].Score {
			t.Errorf("scores not descending at %d: %v > %v", i, got[i].Score, got[i-1].Score)
		}
	}
}

func TestVectorIndexSearchTopKAndTies(t *testing.T) {
	idx, _ := loadedIndex(t)
	ctx := context.Background()

	// Same vector → identical scores; insertion order must break the tie.
	for _, id := range []string{"01AAA", "01AAB", "01AAC", "01AAD"} {
		err := idx.Upsert(ctx, memory.NamespaceScene, memory.Entry{
			ID: id, Vector: []float32{1, 1},
		})
		if err != nil {
			t.Fatalf("Upsert: %v", err)
		}
	}

	got, err := idx.Search([]float32{1, 1}, 2)
	if err != nil {
		t.Fatalf("Search: %v", err)
	}
	if len(got) != 2 {
		t.Fatalf("expected topK=2 results, got %d", len(got))
	}
	if got[0].ID != "01AAA" || got[1].ID != "01AAB" {
		t.Errorf("tie-break by insertion order violated: %s, %s", got[0].ID, got[1].ID)
	}
}

func TestVectorIndexUpsertReplacesByID(t *testing.T) {
	idx, _ := loadedIndex(t)
	ctx := context.Background()

	first := memory.Entry{ID: "01X", Text: "v1", Vector: []float32{1, 0}}
	second := memory.Entry{ID: "01X", Text: "v2", Vector: []float32{0, 1}}
	if err := idx.Upsert(ctx, memory.NamespaceLore, first); err != nil {
		t.Fatalf("Upsert: %v", err)
	}
	if err := idx.Upsert(ctx, memory.NamespaceLore, second); err != nil {
		t.Fatalf("Upsert: %v", err)
	}

	if n := idx.Size(memory.NamespaceLore); n != 1 {
		t.Fatalf("expected namespace size 1 after replacement, got %d", n)
	}
	got, err := idx.Search([]float32{0, 1}, 1)
	if err != nil {
		t.Fatalf("Search: %v", err)
	}
	if got[0].Text != "v2" {
		t.Errorf("expected replaced entry text v2, got %q", got[0].Text)
	}
}

func TestVectorIndexDelete(t *testing.T) {
	idx, _ := loadedIndex(t)
	ctx := context.Background()

	for _, id := range []string{"01A", "01B", "01C"} {
		if err := idx.Upsert(ctx, memory.NamespaceScene, memory.Entry{ID: id, Vector: []float32{1}}); err != nil {
			t.Fatalf("Upsert: %v", err)
		}
	}

	// Absent IDs mixed in must not error.
	if err := idx.Delete(ctx, memory.NamespaceScene, []string{"01B", "nope"}); err != nil {
		t.Fatalf("Delete: %v", err)
	}
	if n := idx.Size(memory.NamespaceScene); n != 2 {
		t.Errorf("expected size 2 after delete, got %d", n)
	}

	got, err := idx.Search([]float32{1}, 10)
	if err != nil {
		t.Fatalf("Search: %v", err)
	}
	for _, se := range got {
		if se.ID == "01B" {
			t.Errorf("deleted entry still retrievable")
		}
	}
}

func TestVectorIndexReloadIdempotent(t *testing.T) {
	store := mock.NewStore()
	ctx := context.Background()

	idx := memory.NewVectorIndex(store, "sess-1")
	if err := idx.Load(ctx); err != nil {
		t.Fatalf("Load: %v", err)
	}
	for i, ns := range memory.Namespaces {
		err := idx.Upsert(ctx, ns, memory.Entry{ID: string(rune('A' + i)), Text: string(ns), Vector: []float32{1, float32(i)}})
		if err != nil {
			t.Fatalf("Upsert: %v", err)
		}
	}

	snapshot := func(v *memory.VectorIndex) []memory.ScoredEntry {
		got, err := v.Search([]float32{1, 0}, 100)
		if err != nil {
			t.Fatalf("Search: %v", err)
		}
		return got
	}

	if err := idx.Load(ctx); err != nil {
		t.Fatalf("first reload: %v", err)
	}
	first := snapshot(idx)
	if err := idx.Load(ctx); err != nil {
		t.Fatalf("second reload: %v", err)
	}
	second := snapshot(idx)

	if len(first) != 3 || len(second) != 3 {
		t.Fatalf("expected 3 entries after reloads, got %d and %d", len(first), len(second))
	}
	for i := range first {
		if first[i].ID != second[i].ID || first[i].Text != second[i].Text || first[i].Score != second[i].Score {
			t.Errorf("reload not idempotent at %d: %+v vs %+v", i, first[i], second[i])
		}
	}
}
