// Package compact implements hierarchical compaction of scene memory.
//
// Raw scene entries enter the index at level 0. When enough level-0 entries
// have accumulated, a level-1 compaction merges the oldest batch into a
// single summarised entry; level-1 entries merge into level-2 the same way.
// Each summary replaces its sources in the index, keeping retrieval over a
// long story bounded while preserving the gist of earlier events.
package compact

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/fableloom/fableloom/internal/observe"
	"github.com/fableloom/fableloom/internal/resilience"
	"github.com/fableloom/fableloom/pkg/memory"
	"github.com/fableloom/fableloom/pkg/provider/embeddings"
	"github.com/fableloom/fableloom/pkg/provider/llm"
)

// Default minimum source-entry counts per target level.
const (
	DefaultL1Threshold = 20
	DefaultL2Threshold = 10
)

// summaryPrompt is the system prompt for merging scene entries. The summary
// replaces its sources in retrieval, so it has to stand alone.
const summaryPrompt = `Merge the following story scene notes into one condensed summary.
Preserve: who did what, decisions made, information revealed, emotional shifts,
changes to relationships, and any objects or places that gained significance.
Write flowing prose, not a list. The summary must make sense without the original notes.`

// ErrUnsupportedLevel is returned when the target level is not 1 or 2.
var ErrUnsupportedLevel = errors.New("compact: target level must be 1 or 2")

// ErrEmptySummary is returned when the model produces an empty or blank
// summary. The sources are left untouched.
var ErrEmptySummary = errors.New("compact: model returned empty summary")

// InsufficientEntriesError reports that a compaction did not run because the
// source level holds fewer entries than the threshold. It is a normal
// outcome, not a failure.
type InsufficientEntriesError struct {
	Level     int // target level that was requested
	Count     int // entries currently at the source level
	Threshold int // minimum required to compact
}

func (e *InsufficientEntriesError) Error() string {
	return fmt.Sprintf("compact: level %d needs %d source entries, have %d", e.Level, e.Threshold, e.Count)
}

// Result describes a completed compaction.
type Result struct {
	// EntryID is the ID of the newly created summary entry.
	EntryID string

	// SourceCount is how many entries were merged and removed.
	SourceCount int

	// Level is the level of the new entry.
	Level int
}

// Config configures an [Engine].
type Config struct {
	// SessionID identifies the story session being compacted.
	SessionID string

	// Store is the persistent backing store.
	Store memory.Store

	// Index is the session's vector index; summaries are written through it
	// so search sees them immediately.
	Index *memory.VectorIndex

	// Generation produces the summaries.
	Generation llm.Provider

	// Embeddings vectorises the summaries for retrieval.
	Embeddings embeddings.Provider

	// Retry is the retry policy for provider calls. Zero value means a
	// single attempt.
	Retry resilience.RetryConfig

	// L1Threshold and L2Threshold are the minimum source-entry counts.
	// Zero means the defaults (20 and 10).
	L1Threshold int
	L2Threshold int

	// Metrics records compaction telemetry. Nil means [observe.DefaultMetrics].
	Metrics *observe.Metrics
}

// Engine merges batches of scene entries into higher-level summaries.
// Safe for concurrent use, though the orchestrator runs at most one
// compaction per session at a time.
type Engine struct {
	sessionID   string
	store       memory.Store
	index       *memory.VectorIndex
	gen         llm.Provider
	embed       embeddings.Provider
	retry       resilience.RetryConfig
	l1Threshold int
	l2Threshold int
	metrics     *observe.Metrics
}

// New creates an Engine from cfg.
func New(cfg Config) *Engine {
	if cfg.L1Threshold <= 0 {
		cfg.L1Threshold = DefaultL1Threshold
	}
	if cfg.L2Threshold <= 0 {
		cfg.L2Threshold = DefaultL2Threshold
	}
	if cfg.Metrics == nil {
		cfg.Metrics = observe.DefaultMetrics()
	}
	return &Engine{
		sessionID:   cfg.SessionID,
		store:       cfg.Store,
		index:       cfg.Index,
		gen:         cfg.Generation,
		embed:       cfg.Embeddings,
		retry:       cfg.Retry,
		l1Threshold: cfg.L1Threshold,
		l2Threshold: cfg.L2Threshold,
		metrics:     cfg.Metrics,
	}
}

// Compact merges the oldest batch of entries at level targetLevel-1 into a
// single entry at targetLevel. Returns [InsufficientEntriesError] when the
// source level has not reached its threshold, which callers should treat as
// "nothing to do".
func (e *Engine) Compact(ctx context.Context, targetLevel int) (*Result, error) {
	if targetLevel != 1 && targetLevel != 2 {
		return nil, ErrUnsupportedLevel
	}
	threshold := e.l1Threshold
	if targetLevel == 2 {
		threshold = e.l2Threshold
	}

	ctx, span := observe.StartCompactionSpan(ctx, targetLevel)
	defer span.End()

	start := time.Now()
	result, err := e.compact(ctx, targetLevel, threshold)
	outcome := "compacted"
	var insufficient *InsufficientEntriesError
	switch {
	case errors.As(err, &insufficient):
		outcome = "insufficient"
	case err != nil:
		outcome = "error"
	}
	e.metrics.RecordCompactionRun(ctx, targetLevel, outcome)
	if err == nil {
		e.metrics.CompactionDuration.Record(ctx, time.Since(start).Seconds())
	}
	return result, err
}

func (e *Engine) compact(ctx context.Context, targetLevel, threshold int) (*Result, error) {
	sourceLevel := targetLevel - 1

	// Check the full source count first so the threshold reflects pressure,
	// then fetch only the batch that will be merged.
	all, err := e.store.EntriesAtLevel(ctx, e.sessionID, memory.NamespaceScene, sourceLevel, 0)
	if err != nil {
		return nil, fmt.Errorf("compact: list level %d entries: %w", sourceLevel, err)
	}
	if len(all) < threshold {
		return nil, &InsufficientEntriesError{Level: targetLevel, Count: len(all), Threshold: threshold}
	}
	sources := all[:threshold]

	summary, err := e.summarize(ctx, sources)
	if err != nil {
		return nil, err
	}

	vec, err := resilience.DoWithResult(ctx, e.retryNamed("embed_summary"), func(ctx context.Context) ([]float32, error) {
		return e.embed.Embed(ctx, summary)
	})
	if err != nil {
		return nil, fmt.Errorf("compact: embed summary: %w", err)
	}

	sourceIDs := make([]string, len(sources))
	for i, s := range sources {
		sourceIDs[i] = s.ID
	}
	entry := memory.Entry{
		ID:        memory.NewID(),
		Text:      summary,
		Level:     targetLevel,
		SourceIDs: sourceIDs,
		Vector:    vec,
	}

	// Insert the summary before deleting its sources. A crash between the
	// two writes leaves duplicated content, never lost content; the next
	// compaction folds the stale sources away.
	if err := e.index.Upsert(ctx, memory.NamespaceScene, entry); err != nil {
		return nil, fmt.Errorf("compact: store summary: %w", err)
	}
	if err := e.index.Delete(ctx, memory.NamespaceScene, sourceIDs); err != nil {
		return nil, fmt.Errorf("compact: delete sources: %w", err)
	}
	// One summary in, len(sourceIDs) raw entries out.
	e.metrics.IndexEntries.Add(ctx, int64(1-len(sourceIDs)))

	if targetLevel == 1 {
		e.flagSummarizedRecords(ctx, sources)
	}

	slog.Info("memory compacted",
		"session_id", e.sessionID,
		"level", targetLevel,
		"sources", len(sourceIDs),
		"entry_id", entry.ID,
	)
	return &Result{EntryID: entry.ID, SourceCount: len(sourceIDs), Level: targetLevel}, nil
}

// summarize merges the source texts through the generation provider.
func (e *Engine) summarize(ctx context.Context, sources []memory.Entry) (string, error) {
	var sb strings.Builder
	for i, s := range sources {
		fmt.Fprintf(&sb, "Note %d: %s\n", i+1, s.Text)
	}

	resp, err := resilience.DoWithResult(ctx, e.retryNamed("summarize"), func(ctx context.Context) (*llm.CompletionResponse, error) {
		return e.gen.Complete(ctx, llm.CompletionRequest{
			SystemPrompt: summaryPrompt,
			Messages: []llm.Message{
				{Role: "user", Content: sb.String()},
			},
			Temperature: 0.3,
		})
	})
	if err != nil {
		return "", fmt.Errorf("compact: summarize: %w", err)
	}
	summary := strings.TrimSpace(resp.Content)
	if summary == "" {
		return "", ErrEmptySummary
	}
	return summary, nil
}

// flagSummarizedRecords marks the turn records behind freshly compacted
// level-0 entries. Best-effort: the flag is cosmetic for transcript display,
// so a failure only logs. Runs detached from the caller's deadline.
func (e *Engine) flagSummarizedRecords(ctx context.Context, sources []memory.Entry) {
	var recordIDs []string
	for _, s := range sources {
		recordIDs = append(recordIDs, s.SourceIDs...)
	}
	if len(recordIDs) == 0 {
		return
	}
	go func(ctx context.Context) {
		if err := e.store.MarkSummarized(ctx, e.sessionID, recordIDs); err != nil {
			slog.Warn("failed to flag summarized turn records",
				"session_id", e.sessionID,
				"records", len(recordIDs),
				"error", err,
			)
		}
	}(context.WithoutCancel(ctx))
}

// retryNamed returns the engine's retry policy with the operation name set.
func (e *Engine) retryNamed(name string) resilience.RetryConfig {
	cfg := e.retry
	cfg.Name = name
	return cfg
}
