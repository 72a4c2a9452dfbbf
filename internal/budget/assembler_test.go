package budget

import (
	"context"
	"errors"
	"strings"
	"testing"

	"github.com/fableloom/fableloom/pkg/memory"
	memmock "github.com/fableloom/fableloom/pkg/memory/mock"
	embmock "github.com/fableloom/fableloom/pkg/provider/embeddings/mock"
	llmmock "github.com/fableloom/fableloom/pkg/provider/llm/mock"
)

const testSession = "sess-budget"

func newTestIndex(t *testing.T) *memory.VectorIndex {
	t.Helper()
	store := memmock.NewStore()
	index := memory.NewVectorIndex(store, testSession)
	if err := index.Load(context.Background()); err != nil {
		t.Fatalf("index load: %v", err)
	}
	return index
}

func seedEntry(t *testing.T, index *memory.VectorIndex, ns memory.Namespace, text string, vec []float32) {
	t.Helper()
	err := index.Upsert(context.Background(), ns, memory.Entry{
		ID: memory.NewID(), Text: text, Vector: vec,
	})
	if err != nil {
		t.Fatalf("seed: %v", err)
	}
}

func testInput() Input {
	return Input{
		Plot: "a storm approaches Greywick",
		Personas: []memory.Persona{
			{Name: "Elara", Personality: "weathered keeper", PrimaryGoal: "keep the light burning"},
			{Name: "Tam", Personality: "curious newcomer", Player: true},
		},
		World: memory.WorldState{Day: 2, Hour: 21, Minute: 5, Weather: "storm"},
		Records: []memory.TurnRecord{
			{ID: "1", Sender: memory.SenderUser, Text: "I climb the stairs."},
			{ID: "2", Sender: memory.SenderAgent, Text: "The lamp room smells of oil."},
			{ID: "3", Sender: memory.SenderUser, Text: "I light the wick."},
		},
		Query: "the lighthouse lamp",
	}
}

func TestAssembleTotalIsExactSum(t *testing.T) {
	counter := &llmmock.Provider{TokensPerCall: 7}
	a := New(Config{
		Counter:    counter,
		Embeddings: &embmock.Provider{EmbedResult: []float32{1, 0}},
		Index:      newTestIndex(t),
		Window:     12,
		TopK:       4,
	})

	res, err := a.Assemble(context.Background(), testInput())
	if err != nil {
		t.Fatalf("Assemble: %v", err)
	}
	b := res.Budget
	if got := b.System + b.World + b.Lore + b.Memory + b.Chat; b.Total != got {
		t.Errorf("Total = %d, sum of segments = %d", b.Total, got)
	}
	if b.Total != 35 {
		t.Errorf("Total = %d, want 35 (5 segments x 7)", b.Total)
	}
	if len(counter.CountTokensTexts) != 5 {
		t.Errorf("CountTokens called %d times, want 5", len(counter.CountTokensTexts))
	}
}

func TestAssembleSplitsRetrievalByNamespace(t *testing.T) {
	index := newTestIndex(t)
	seedEntry(t, index, memory.NamespaceScene, "the wick was lit at dusk", []float32{1, 0})
	seedEntry(t, index, memory.NamespaceLore, "the lighthouse predates the village", []float32{1, 0})
	seedEntry(t, index, memory.NamespaceCharacter, "Elara distrusts the harbour master", []float32{0.9, 0.1})

	a := New(Config{
		Counter:    &llmmock.Provider{TokensPerCall: 1},
		Embeddings: &embmock.Provider{EmbedResult: []float32{1, 0}},
		Index:      index,
		Window:     12,
		TopK:       8,
	})

	res, err := a.Assemble(context.Background(), testInput())
	if err != nil {
		t.Fatalf("Assemble: %v", err)
	}
	if len(res.Retrieved) != 3 {
		t.Fatalf("retrieved %d entries, want 3", len(res.Retrieved))
	}
	if !strings.Contains(res.Segments.Memory, "wick was lit") {
		t.Errorf("memory segment missing scene hit: %q", res.Segments.Memory)
	}
	if strings.Contains(res.Segments.Memory, "predates the village") {
		t.Errorf("memory segment contains lore hit: %q", res.Segments.Memory)
	}
	if !strings.Contains(res.Segments.Lore, "predates the village") ||
		!strings.Contains(res.Segments.Lore, "harbour master") {
		t.Errorf("lore segment = %q", res.Segments.Lore)
	}
}

func TestAssembleEmptyQuerySkipsRetrieval(t *testing.T) {
	embed := &embmock.Provider{EmbedResult: []float32{1, 0}}
	a := New(Config{
		Counter:    &llmmock.Provider{TokensPerCall: 1},
		Embeddings: embed,
		Index:      newTestIndex(t),
		Window:     12,
		TopK:       8,
	})

	in := testInput()
	in.Query = ""
	res, err := a.Assemble(context.Background(), in)
	if err != nil {
		t.Fatalf("Assemble: %v", err)
	}
	if len(embed.EmbedCalls) != 0 {
		t.Error("embedding provider should not be called for empty query")
	}
	if len(res.Retrieved) != 0 {
		t.Errorf("retrieved = %d entries", len(res.Retrieved))
	}
}

func TestAssembleSystemRendersInnerStream(t *testing.T) {
	// The cast block carries each NPC's current subconscious stream so the
	// stage that refreshes it actually feeds generation.
	a := New(Config{
		Counter:    &llmmock.Provider{TokensPerCall: 1},
		Embeddings: &embmock.Provider{},
		Index:      newTestIndex(t),
		Window:     12,
	})

	in := testInput()
	in.Query = ""
	in.Personas[0].Subconscious = "the sea never forgives"
	res, err := a.Assemble(context.Background(), in)
	if err != nil {
		t.Fatalf("Assemble: %v", err)
	}
	if !strings.Contains(res.Segments.System, "the sea never forgives") {
		t.Errorf("system segment missing inner stream: %q", res.Segments.System)
	}
}

func TestAssembleChatWindowTruncates(t *testing.T) {
	a := New(Config{
		Counter:    &llmmock.Provider{TokensPerCall: 1},
		Embeddings: &embmock.Provider{},
		Index:      newTestIndex(t),
		Window:     2,
		TopK:       0,
	})

	in := testInput()
	in.Query = ""
	res, err := a.Assemble(context.Background(), in)
	if err != nil {
		t.Fatalf("Assemble: %v", err)
	}
	chat := res.Segments.Chat
	if strings.Contains(chat, "I climb the stairs") {
		t.Errorf("chat segment includes record outside window: %q", chat)
	}
	if !strings.Contains(chat, "I light the wick") || !strings.Contains(chat, "lamp room") {
		t.Errorf("chat segment missing recent records: %q", chat)
	}
}

func TestAssembleCountError(t *testing.T) {
	boom := errors.New("tokenizer down")
	a := New(Config{
		Counter:    &llmmock.Provider{CountTokensErr: boom},
		Embeddings: &embmock.Provider{},
		Index:      newTestIndex(t),
		Window:     12,
	})

	in := testInput()
	in.Query = ""
	if _, err := a.Assemble(context.Background(), in); !errors.Is(err, boom) {
		t.Errorf("expected tokenizer error, got %v", err)
	}
}

func TestAssembleNeverTruncatesSegments(t *testing.T) {
	// Over-budget input still comes back whole; the default enforcer only
	// reports.
	long := strings.Repeat("the storm rages on and on. ", 200)
	a := New(Config{
		Counter:          &llmmock.Provider{TokensPerCall: 5000},
		Embeddings:       &embmock.Provider{},
		Index:            newTestIndex(t),
		Window:           12,
		MaxContextTokens: 100,
	})

	in := testInput()
	in.Query = ""
	in.Plot = long
	res, err := a.Assemble(context.Background(), in)
	if err != nil {
		t.Fatalf("Assemble: %v", err)
	}
	if !strings.Contains(res.Segments.System, long) {
		t.Error("system segment was truncated")
	}
	if res.Budget.Total != 25000 {
		t.Errorf("Total = %d", res.Budget.Total)
	}
}
