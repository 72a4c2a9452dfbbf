// Package budget assembles the generation context for a turn and accounts
// for its token cost.
//
// The context is built from five segments: the system prompt (premise and
// cast), the world state, retrieved lore, retrieved scene memory, and the
// recent chat window. Accounting is reporting-only: assembly never truncates
// a segment, it only measures and flags overruns. An [Enforcer] can be
// plugged in where trimming behaviour is wanted.
package budget

import (
	"context"
	"fmt"
	"log/slog"
	"strings"

	"golang.org/x/sync/errgroup"

	"github.com/fableloom/fableloom/internal/observe"
	"github.com/fableloom/fableloom/pkg/memory"
	"github.com/fableloom/fableloom/pkg/provider/embeddings"
	"github.com/fableloom/fableloom/pkg/provider/llm"
)

// Segments holds the five context segments as prompt-ready text.
type Segments struct {
	System string
	World  string
	Lore   string
	Memory string
	Chat   string
}

// ContextBudget reports the token cost of each segment. Total is always the
// exact sum of the five segment counts.
type ContextBudget struct {
	System int
	World  int
	Lore   int
	Memory int
	Chat   int
	Total  int
}

// Result is the output of one assembly pass.
type Result struct {
	Segments  Segments
	Budget    ContextBudget
	Retrieved []memory.ScoredEntry
}

// Enforcer reacts to an assembled budget. The default [ReportOnly] logs
// overruns and changes nothing; alternative implementations may trim
// segments before generation.
type Enforcer interface {
	Enforce(ctx context.Context, res *Result, maxTokens int) error
}

// ReportOnly is the default Enforcer: it logs when the total exceeds the
// configured maximum and leaves the segments untouched.
type ReportOnly struct{}

// Enforce implements Enforcer.
func (ReportOnly) Enforce(ctx context.Context, res *Result, maxTokens int) error {
	if maxTokens > 0 && res.Budget.Total > maxTokens {
		observe.Logger(ctx).Warn("assembled context exceeds budget",
			"total_tokens", res.Budget.Total,
			"max_tokens", maxTokens,
			"system", res.Budget.System,
			"world", res.Budget.World,
			"lore", res.Budget.Lore,
			"memory", res.Budget.Memory,
			"chat", res.Budget.Chat,
		)
	}
	return nil
}

// Input carries the session state an assembly pass works from.
type Input struct {
	// Plot is the story premise.
	Plot string

	// Personas is the full cast.
	Personas []memory.Persona

	// World is the current world state.
	World memory.WorldState

	// Records is the full conversation log in ascending order; only the
	// last Window records enter the chat segment.
	Records []memory.TurnRecord

	// Query is the retrieval query text. Empty skips retrieval.
	Query string
}

// Config configures an [Assembler].
type Config struct {
	// Counter provides token counting; typically the generation provider.
	Counter llm.Provider

	// Embeddings vectorises the retrieval query.
	Embeddings embeddings.Provider

	// Index is the session's vector index.
	Index *memory.VectorIndex

	// Window is the number of recent records in the chat segment.
	Window int

	// TopK is the number of entries retrieved per search. Zero or negative
	// skips retrieval.
	TopK int

	// MaxContextTokens is the reporting threshold passed to the Enforcer.
	MaxContextTokens int

	// Enforcer handles overruns. Nil means [ReportOnly].
	Enforcer Enforcer

	// Metrics records assembly telemetry. Nil means [observe.DefaultMetrics].
	Metrics *observe.Metrics
}

// Assembler builds generation contexts. Safe for concurrent use.
type Assembler struct {
	counter   llm.Provider
	embed     embeddings.Provider
	index     *memory.VectorIndex
	window    int
	topK      int
	maxTokens int
	enforcer  Enforcer
	metrics   *observe.Metrics
}

// New creates an Assembler from cfg.
func New(cfg Config) *Assembler {
	if cfg.Enforcer == nil {
		cfg.Enforcer = ReportOnly{}
	}
	if cfg.Metrics == nil {
		cfg.Metrics = observe.DefaultMetrics()
	}
	return &Assembler{
		counter:   cfg.Counter,
		embed:     cfg.Embeddings,
		index:     cfg.Index,
		window:    cfg.Window,
		topK:      cfg.TopK,
		maxTokens: cfg.MaxContextTokens,
		enforcer:  cfg.Enforcer,
		metrics:   cfg.Metrics,
	}
}

// Assemble builds the five segments from in, retrieves semantic memory for
// the query, and counts every segment's tokens in parallel.
func (a *Assembler) Assemble(ctx context.Context, in Input) (*Result, error) {
	res := &Result{}

	if in.Query != "" && a.topK > 0 {
		retrieved, err := a.retrieve(ctx, in.Query)
		if err != nil {
			return nil, err
		}
		res.Retrieved = retrieved
		a.metrics.RetrievedEntries.Record(ctx, int64(len(retrieved)))
	}

	res.Segments = Segments{
		System: formatSystem(in.Plot, in.Personas),
		World:  formatWorld(in.World),
		Lore:   formatLore(res.Retrieved),
		Memory: formatMemory(res.Retrieved),
		Chat:   formatChat(in.Records, a.window),
	}

	budget, err := a.count(ctx, res.Segments)
	if err != nil {
		return nil, err
	}
	res.Budget = budget
	a.metrics.ContextTokens.Record(ctx, int64(budget.Total))

	if err := a.enforcer.Enforce(ctx, res, a.maxTokens); err != nil {
		return nil, fmt.Errorf("budget: enforce: %w", err)
	}
	return res, nil
}

// retrieve embeds the query and searches the index across all namespaces.
func (a *Assembler) retrieve(ctx context.Context, query string) ([]memory.ScoredEntry, error) {
	vec, err := a.embed.Embed(ctx, query)
	if err != nil {
		return nil, fmt.Errorf("budget: embed query: %w", err)
	}
	hits, err := a.index.Search(vec, a.topK)
	if err != nil {
		return nil, fmt.Errorf("budget: search index: %w", err)
	}
	return hits, nil
}

// count measures all five segments concurrently. Token counting may hit a
// remote tokenizer, so the five calls fan out.
func (a *Assembler) count(ctx context.Context, s Segments) (ContextBudget, error) {
	var b ContextBudget
	g, gctx := errgroup.WithContext(ctx)

	counts := []struct {
		text string
		dst  *int
	}{
		{s.System, &b.System},
		{s.World, &b.World},
		{s.Lore, &b.Lore},
		{s.Memory, &b.Memory},
		{s.Chat, &b.Chat},
	}
	for _, c := range counts {
		g.Go(func() error {
			n, err := a.counter.CountTokens(gctx, c.text)
			if err != nil {
				return err
			}
			*c.dst = n
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return ContextBudget{}, fmt.Errorf("budget: count tokens: %w", err)
	}
	b.Total = b.System + b.World + b.Lore + b.Memory + b.Chat
	return b, nil
}

// formatSystem renders the premise and cast into the system segment.
func formatSystem(plot string, personas []memory.Persona) string {
	var sb strings.Builder
	sb.WriteString("You are the narrator of an interactive story.\n")
	if plot != "" {
		sb.WriteString("\nPremise:\n")
		sb.WriteString(plot)
		sb.WriteString("\n")
	}
	if len(personas) > 0 {
		sb.WriteString("\nCast:\n")
		for _, p := range personas {
			role := "character"
			if p.Player {
				role = "player character"
			}
			fmt.Fprintf(&sb, "- %s (%s): %s", p.Name, role, p.Personality)
			if p.Appearance != "" {
				fmt.Fprintf(&sb, " Appearance: %s", p.Appearance)
			}
			if p.Subconscious != "" {
				fmt.Fprintf(&sb, " Inner voice: %s", p.Subconscious)
			}
			if p.PrimaryGoal != "" {
				fmt.Fprintf(&sb, " Goal: %s", p.PrimaryGoal)
			}
			sb.WriteString("\n")
		}
	}
	return sb.String()
}

// formatWorld renders the world clock and weather.
func formatWorld(w memory.WorldState) string {
	return fmt.Sprintf("Day %d, %02d:%02d, weather: %s", w.Day, w.Hour, w.Minute, w.Weather)
}

// formatLore renders the lore and character hits of a retrieval.
func formatLore(hits []memory.ScoredEntry) string {
	var sb strings.Builder
	for _, h := range hits {
		if h.Namespace != memory.NamespaceLore && h.Namespace != memory.NamespaceCharacter {
			continue
		}
		fmt.Fprintf(&sb, "- %s\n", h.Text)
	}
	return sb.String()
}

// formatMemory renders the scene-memory hits of a retrieval.
func formatMemory(hits []memory.ScoredEntry) string {
	var sb strings.Builder
	for _, h := range hits {
		if h.Namespace != memory.NamespaceScene {
			continue
		}
		fmt.Fprintf(&sb, "- %s\n", h.Text)
	}
	return sb.String()
}

// formatChat renders the last window records as a transcript.
func formatChat(records []memory.TurnRecord, window int) string {
	if window > 0 && len(records) > window {
		records = records[len(records)-window:]
	}
	var sb strings.Builder
	for _, r := range records {
		speaker := "Player"
		if r.Sender == memory.SenderAgent {
			speaker = "Narrator"
		}
		fmt.Fprintf(&sb, "[%s]: %s\n", speaker, r.Text)
	}
	return sb.String()
}

// Log writes a debug line with the per-segment breakdown.
func (b ContextBudget) Log(ctx context.Context) {
	slog.DebugContext(ctx, "context assembled",
		"system", b.System,
		"world", b.World,
		"lore", b.Lore,
		"memory", b.Memory,
		"chat", b.Chat,
		"total", b.Total,
	)
}
