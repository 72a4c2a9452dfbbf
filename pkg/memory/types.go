package memory

import (
	"crypto/rand"
	"sync"
	"time"

	"github.com/oklog/ulid/v2"
)

// Namespace identifies one of the three logically separate memory collections
// of a story session.
type Namespace string

const (
	// NamespaceScene holds narrative events: raw level-0 scene fragments and
	// the level-1/level-2 summaries that compaction produces from them.
	NamespaceScene Namespace = "scene"

	// NamespaceLore holds world-building facts.
	NamespaceLore Namespace = "lore"

	// NamespaceCharacter holds persona profile summaries.
	NamespaceCharacter Namespace = "character"
)

// Namespaces lists every namespace in the fixed pooling order used by
// [VectorIndex.Search].
var Namespaces = []Namespace{NamespaceScene, NamespaceLore, NamespaceCharacter}

// IsValid reports whether ns is a recognised namespace.
func (ns Namespace) IsValid() bool {
	switch ns {
	case NamespaceScene, NamespaceLore, NamespaceCharacter:
		return true
	}
	return false
}

// Entry is a semantically-embedded memory fragment owned by exactly one
// namespace. Entries are immutable once written, except for full
// replacement-on-update by ID.
type Entry struct {
	// ID is a ULID. IDs are monotonic creation timestamps, so lexical order
	// equals creation order — the compaction engine depends on this.
	ID string

	// Text is the fragment content.
	Text string

	// Level is the hierarchy depth: 0 for raw facts, N>0 for a summary that
	// replaced the level-(N-1) entries listed in SourceIDs.
	Level int

	// SourceIDs lists, in order, the IDs of the entries this summary
	// replaced. For level-1 scene summaries these are TurnRecord IDs carried
	// forward from the consumed level-0 entries. Empty for level 0.
	SourceIDs []string

	// Vector is the embedding of Text, produced by an embeddings provider
	// before the entry reaches the index.
	Vector []float32
}

// ScoredEntry pairs an [Entry] with its cosine similarity to a query vector
// at retrieval time. Transient; never persisted.
type ScoredEntry struct {
	Entry

	// Namespace is the collection the entry was retrieved from.
	Namespace Namespace

	// Score is the cosine similarity to the query vector, in [-1, 1].
	Score float64
}

// Sender identifies who produced a [TurnRecord].
type Sender string

const (
	SenderUser  Sender = "user"
	SenderAgent Sender = "agent"
)

// TurnRecord is one message in the ordered conversation log. Records are
// append-only; the single permitted mutation is the idempotent Summarized
// flag flip performed after level-1 compaction consumes the record.
type TurnRecord struct {
	// ID is a ULID assigned at append time; the log reads back in ID order.
	ID string

	// Sender is who produced the message.
	Sender Sender

	// Text is the message payload.
	Text string

	// Summarized is set once a level-1 compaction has consumed this record.
	Summarized bool

	// Timestamp is when the record was appended.
	Timestamp time.Time
}

// WorldState is the in-fiction clock and weather. It is mutated once per turn
// by the time-deduction stage and read-only otherwise.
type WorldState struct {
	Day     int    `yaml:"day" json:"day"`
	Hour    int    `yaml:"hour" json:"hour"`
	Minute  int    `yaml:"minute" json:"minute"`
	Weather string `yaml:"weather" json:"weather"`
}

// NewWorldState returns the initial world state: day 1, 08:00, clear sky.
func NewWorldState() WorldState {
	return WorldState{Day: 1, Hour: 8, Minute: 0, Weather: "clear"}
}

// Advance moves the clock forward by the given number of minutes, carrying
// minute→hour→day with modulo-60/24 arithmetic. Negative values are ignored.
func (w *WorldState) Advance(minutes int) {
	if minutes <= 0 {
		return
	}
	total := w.Minute + minutes
	w.Minute = total % 60
	hours := w.Hour + total/60
	w.Hour = hours % 24
	w.Day += hours / 24
}

// Persona is a non-player (or the player's) character profile. The
// subconscious stream and goals are refreshed by the orchestrator; failures
// during refresh keep the previous values.
type Persona struct {
	Name            string `yaml:"name" json:"name"`
	Personality     string `yaml:"personality" json:"personality"`
	Appearance      string `yaml:"appearance" json:"appearance"`
	Subconscious    string `yaml:"-" json:"subconscious"`
	PrimaryGoal     string `yaml:"-" json:"primary_goal"`
	AlternativeGoal string `yaml:"-" json:"alternative_goal"`
	Player          bool   `yaml:"player" json:"player"`
}

// Checkpoint is the durable per-turn snapshot of mutable session state.
type Checkpoint struct {
	World    WorldState `json:"world"`
	Personas []Persona  `json:"personas"`
	Plot     string     `json:"plot"`
}

// entropy is the shared monotonic ULID entropy source. Guarded by entropyMu
// because ulid.MonotonicEntropy is not safe for concurrent use.
var (
	entropyMu sync.Mutex
	entropy   = ulid.Monotonic(rand.Reader, 0)
)

// NewID returns a fresh ULID string. IDs generated by the same process are
// strictly monotonic, so sorting by ID yields creation order.
func NewID() string {
	entropyMu.Lock()
	defer entropyMu.Unlock()
	return ulid.MustNew(ulid.Timestamp(time.Now()), entropy).String()
}
