// Package orchestrator runs the turn pipeline: one user action in, one
// narrated response out, with memory, world state, and cast kept current
// along the way.
//
// A turn moves through nine stages in order; which stages run depends on the
// action. Generation failure aborts the turn, while the softer stages
// (subconscious refresh, world-time deduction, goal refresh) degrade
// gracefully and keep the previous values. At most one turn runs per session;
// concurrent requests are rejected outright, never queued.
package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/fableloom/fableloom/internal/budget"
	"github.com/fableloom/fableloom/internal/observe"
	"github.com/fableloom/fableloom/internal/resilience"
	"github.com/fableloom/fableloom/internal/story"
	"github.com/fableloom/fableloom/pkg/memory"
	"github.com/fableloom/fableloom/pkg/provider/embeddings"
	"github.com/fableloom/fableloom/pkg/provider/llm"
)

// Action names a turn type.
type Action string

const (
	// ActionSend submits in-character player input.
	ActionSend Action = "send"

	// ActionReroll discards the last agent response and regenerates it from
	// the same player input.
	ActionReroll Action = "reroll"

	// ActionContinue asks the narrator to carry on without player input.
	ActionContinue Action = "continue"

	// ActionIntervene submits an out-of-character directive to steer the
	// story.
	ActionIntervene Action = "intervene"

	// ActionNewStory opens the story from the configured premise.
	ActionNewStory Action = "new_story"
)

// IsValid reports whether a is a recognised action.
func (a Action) IsValid() bool {
	switch a {
	case ActionSend, ActionReroll, ActionContinue, ActionIntervene, ActionNewStory:
		return true
	}
	return false
}

// ErrUnknownAction is returned for an unrecognised action value.
var ErrUnknownAction = errors.New("orchestrator: unknown action")

// ErrEmptyResponse is returned when the model's structured response carries
// no usable items. Fatal for the turn; no partial message is surfaced.
var ErrEmptyResponse = errors.New("orchestrator: model returned no response items")

// ErrNoUserMessage is returned when a reroll or continue finds no prior
// message of the required kind to work from.
var ErrNoUserMessage = errors.New("orchestrator: no prior message for this action")

// Item is one element of a generated response.
type Item struct {
	// Speaker is the persona name for dialogue, empty for narration.
	Speaker string `json:"speaker"`

	// Type is "narration" or "dialogue".
	Type string `json:"type"`

	// Text is the rendered content.
	Text string `json:"text"`
}

// structuredResponse is the JSON shape requested from the model in stage 4.
type structuredResponse struct {
	Title string `json:"title,omitempty"`
	Items []Item `json:"items"`
}

// worldDeduction is the JSON shape requested in stage 6.
type worldDeduction struct {
	ElapsedMinutes int    `json:"elapsed_minutes"`
	Weather        string `json:"weather"`
}

// goalUpdate is the JSON shape requested per persona in stage 7.
type goalUpdate struct {
	PrimaryGoal     string `json:"primary_goal"`
	AlternativeGoal string `json:"alternative_goal"`
}

// Turn is one pipeline invocation.
type Turn struct {
	// Action selects the pipeline variant.
	Action Action

	// Input is the player's text; used by send and intervene, ignored
	// otherwise.
	Input string
}

// Result is a completed turn.
type Result struct {
	// Items is the generated response.
	Items []Item

	// Title is set on the first new_story turn.
	Title string

	// Record is the persisted agent turn record.
	Record memory.TurnRecord

	// Budget is the context accounting for this turn.
	Budget budget.ContextBudget
}

// Config configures an [Orchestrator].
type Config struct {
	// Session is the story session this orchestrator drives.
	Session *story.Session

	// Generation produces narrative text and structured deductions.
	Generation llm.Provider

	// Embeddings vectorises scene entries for the index.
	Embeddings embeddings.Provider

	// Assembler builds the generation context.
	Assembler *budget.Assembler

	// Retry is the retry policy for provider calls. Zero value means a
	// single attempt.
	Retry resilience.RetryConfig

	// Metrics records turn telemetry. Nil means [observe.DefaultMetrics].
	Metrics *observe.Metrics

	// Calls receives provider call metadata for the UI boundary. Nil
	// creates a private log with the default capacity.
	Calls *observe.CallLog
}

// Orchestrator drives the turn pipeline for a single session.
type Orchestrator struct {
	session   *story.Session
	gen       llm.Provider
	embed     embeddings.Provider
	assembler *budget.Assembler
	retry     resilience.RetryConfig
	metrics   *observe.Metrics
	calls     *observe.CallLog

	mu            sync.RWMutex
	lastBudget    *budget.ContextBudget
	lastRetrieved []memory.ScoredEntry
}

// New creates an Orchestrator from cfg.
func New(cfg Config) *Orchestrator {
	if cfg.Metrics == nil {
		cfg.Metrics = observe.DefaultMetrics()
	}
	if cfg.Calls == nil {
		cfg.Calls = observe.NewCallLog(0)
	}
	return &Orchestrator{
		session:   cfg.Session,
		gen:       cfg.Generation,
		embed:     cfg.Embeddings,
		assembler: cfg.Assembler,
		retry:     cfg.Retry,
		metrics:   cfg.Metrics,
		calls:     cfg.Calls,
	}
}

// LastBudget returns the context accounting of the most recent turn, or
// false when no turn has completed stage 3 yet.
func (o *Orchestrator) LastBudget() (budget.ContextBudget, bool) {
	o.mu.RLock()
	defer o.mu.RUnlock()
	if o.lastBudget == nil {
		return budget.ContextBudget{}, false
	}
	return *o.lastBudget, true
}

// LastRetrieved returns the entries retrieved for the most recent turn.
func (o *Orchestrator) LastRetrieved() []memory.ScoredEntry {
	o.mu.RLock()
	defer o.mu.RUnlock()
	return append([]memory.ScoredEntry(nil), o.lastRetrieved...)
}

// Calls returns the rolling provider call log.
func (o *Orchestrator) Calls() *observe.CallLog {
	return o.calls
}

// Run executes one turn. It returns [story.ErrSessionBusy] without touching
// any state when another turn is in flight.
func (o *Orchestrator) Run(ctx context.Context, turn Turn) (*Result, error) {
	if !turn.Action.IsValid() {
		return nil, fmt.Errorf("%w: %q", ErrUnknownAction, turn.Action)
	}
	if !o.session.TryBegin() {
		o.metrics.TurnRejections.Add(ctx, 1)
		return nil, story.ErrSessionBusy
	}
	defer o.session.End()

	ctx, span := observe.StartTurnSpan(ctx, string(turn.Action))
	defer span.End()

	start := time.Now()
	result, err := o.run(ctx, turn)
	if err != nil {
		span.RecordError(err)
		observe.Logger(ctx).Error("turn failed",
			"session_id", o.session.ID,
			"action", string(turn.Action),
			"error", err,
		)
		return nil, err
	}
	o.metrics.RecordTurn(ctx, string(turn.Action), time.Since(start).Seconds())
	return result, nil
}

// run is the pipeline body; the busy flag is already held.
func (o *Orchestrator) run(ctx context.Context, turn Turn) (*Result, error) {
	store := o.session.Store()
	records, err := store.ListMessages(ctx, o.session.ID)
	if err != nil {
		return nil, fmt.Errorf("orchestrator: list messages: %w", err)
	}

	// Stage 1: persist input. Continue and new_story carry no player text;
	// reroll reuses the existing last player record and instead removes the
	// agent response it replaces.
	var queryText string
	switch turn.Action {
	case ActionSend, ActionIntervene:
		rec := memory.TurnRecord{
			ID:        memory.NewID(),
			Sender:    memory.SenderUser,
			Text:      turn.Input,
			Timestamp: time.Now(),
		}
		if err := store.AppendMessage(ctx, o.session.ID, rec); err != nil {
			return nil, fmt.Errorf("orchestrator: persist input: %w", err)
		}
		records = append(records, rec)
		queryText = turn.Input

	case ActionReroll:
		idx := lastIndex(records, memory.SenderAgent)
		if idx < 0 {
			return nil, fmt.Errorf("%w: reroll needs a previous response", ErrNoUserMessage)
		}
		if err := store.DeleteMessage(ctx, o.session.ID, records[idx].ID); err != nil {
			return nil, fmt.Errorf("orchestrator: discard previous response: %w", err)
		}
		records = append(records[:idx:idx], records[idx+1:]...)
		userIdx := lastIndex(records, memory.SenderUser)
		if userIdx < 0 {
			return nil, fmt.Errorf("%w: reroll needs a player message", ErrNoUserMessage)
		}
		queryText = records[userIdx].Text

	case ActionContinue:
		idx := lastIndex(records, memory.SenderAgent)
		if idx < 0 {
			return nil, fmt.Errorf("%w: continue needs a previous response", ErrNoUserMessage)
		}
		queryText = records[idx].Text

	case ActionNewStory:
		queryText = o.session.Plot()
	}

	// Stage 2: refresh each NPC's subconscious stream, concurrently and
	// isolated. A failed persona keeps its previous stream.
	o.refreshSubconscious(ctx)

	// Stage 3: assemble the context.
	assembled, err := o.assembler.Assemble(ctx, budget.Input{
		Plot:     o.session.Plot(),
		Personas: o.session.Personas(),
		World:    o.session.World(),
		Records:  records,
		Query:    queryText,
	})
	if err != nil {
		return nil, fmt.Errorf("orchestrator: assemble context: %w", err)
	}
	o.mu.Lock()
	b := assembled.Budget
	o.lastBudget = &b
	o.lastRetrieved = append([]memory.ScoredEntry(nil), assembled.Retrieved...)
	o.mu.Unlock()

	// Stage 4: generate the structured response. Fatal on any failure.
	resp, err := o.generate(ctx, turn.Action, assembled.Segments)
	if err != nil {
		return nil, err
	}

	// Stage 5: persist the agent record, and the title on new_story.
	agentRec := memory.TurnRecord{
		ID:        memory.NewID(),
		Sender:    memory.SenderAgent,
		Text:      renderItems(resp.Items),
		Timestamp: time.Now(),
	}
	if err := store.AppendMessage(ctx, o.session.ID, agentRec); err != nil {
		return nil, fmt.Errorf("orchestrator: persist response: %w", err)
	}
	title := ""
	if turn.Action == ActionNewStory {
		title = strings.TrimSpace(resp.Title)
		if title == "" {
			title = "Untitled Story"
		}
		if err := o.session.SetTitle(ctx, title); err != nil {
			return nil, fmt.Errorf("orchestrator: persist title: %w", err)
		}
	}

	// Stage 6: deduce elapsed world time. Non-fatal; skipped when there is
	// no player action to measure.
	if turn.Action != ActionNewStory && turn.Action != ActionContinue {
		o.deduceWorldTime(ctx, queryText)
	}

	// Stage 7: refresh goals for personas who spoke in the response.
	o.refreshGoals(ctx, resp.Items)

	// Stage 8: index the response as a fresh scene memory.
	if err := o.indexResponse(ctx, agentRec, queryRecordIDs(turn.Action, records, agentRec)); err != nil {
		return nil, err
	}

	// Stage 9: checkpoint the session.
	if err := o.session.SaveCheckpoint(ctx); err != nil {
		return nil, fmt.Errorf("orchestrator: checkpoint: %w", err)
	}

	return &Result{
		Items:  resp.Items,
		Title:  title,
		Record: agentRec,
		Budget: assembled.Budget,
	}, nil
}

// refreshSubconscious fans out one generation request per NPC. Failures are
// logged and the persona keeps its previous stream.
func (o *Orchestrator) refreshSubconscious(ctx context.Context) {
	npcs := o.session.NPCs()
	if len(npcs) == 0 {
		return
	}

	var wg sync.WaitGroup
	for _, p := range npcs {
		wg.Add(1)
		go func(p memory.Persona) {
			defer wg.Done()
			resp, err := resilience.DoWithResult(ctx, o.retryNamed("subconscious"), func(ctx context.Context) (*llm.CompletionResponse, error) {
				return o.gen.Complete(ctx, llm.CompletionRequest{
					SystemPrompt: subconsciousPrompt,
					Messages: []llm.Message{
						{Role: "user", Content: describePersona(p)},
					},
					Temperature: 0.9,
					MaxTokens:   200,
				})
			})
			if err != nil {
				o.metrics.RecordProviderError(ctx, o.gen.ModelID(), "subconscious")
				observe.Logger(ctx).Warn("subconscious refresh failed, keeping previous",
					"persona", p.Name, "error", err)
				return
			}
			o.recordCall("subconscious", resp.Usage)
			stream := strings.TrimSpace(resp.Content)
			if stream == "" {
				return
			}
			p.Subconscious = stream
			o.session.UpdatePersona(p)
		}(p)
	}
	wg.Wait()
}

// generate runs stage 4 and validates the structured response.
func (o *Orchestrator) generate(ctx context.Context, action Action, seg budget.Segments) (*structuredResponse, error) {
	req := buildGenerationRequest(action, seg)

	start := time.Now()
	var resp structuredResponse
	usage, err := resilience.DoWithResult(ctx, o.retryNamed("generate"), func(ctx context.Context) (llm.Usage, error) {
		resp = structuredResponse{}
		return o.gen.CompleteJSON(ctx, req, &resp)
	})
	if err != nil {
		o.metrics.RecordProviderError(ctx, o.gen.ModelID(), "generation")
		return nil, fmt.Errorf("orchestrator: generate: %w", err)
	}
	o.metrics.GenerationDuration.Record(ctx, time.Since(start).Seconds())
	o.metrics.RecordProviderRequest(ctx, o.gen.ModelID(), "generation", "ok")
	o.recordCall("generate", usage)

	resp.Items = pruneItems(resp.Items)
	if len(resp.Items) == 0 {
		return nil, ErrEmptyResponse
	}
	return &resp, nil
}

// deduceWorldTime runs stage 6. Any failure leaves the world untouched.
func (o *Orchestrator) deduceWorldTime(ctx context.Context, actionText string) {
	world := o.session.World()
	prompt := fmt.Sprintf(
		"Current in-story time: day %d, %02d:%02d, weather %s.\nPlayer action: %s",
		world.Day, world.Hour, world.Minute, world.Weather, actionText,
	)

	var deduced worldDeduction
	usage, err := resilience.DoWithResult(ctx, o.retryNamed("deduce_world"), func(ctx context.Context) (llm.Usage, error) {
		deduced = worldDeduction{}
		return o.gen.CompleteJSON(ctx, llm.CompletionRequest{
			SystemPrompt: worldDeductionPrompt,
			Messages:     []llm.Message{{Role: "user", Content: prompt}},
			MaxTokens:    100,
		}, &deduced)
	})
	if err != nil {
		o.metrics.RecordProviderError(ctx, o.gen.ModelID(), "world_deduction")
		observe.Logger(ctx).Warn("world-time deduction failed, keeping world state", "error", err)
		return
	}
	o.recordCall("deduce_world", usage)

	if deduced.ElapsedMinutes > 0 {
		world.Advance(deduced.ElapsedMinutes)
	}
	if deduced.Weather != "" {
		world.Weather = deduced.Weather
	}
	o.session.SetWorld(world)
}

// refreshGoals runs stage 7 for every NPC that spoke in items. Failures are
// isolated per persona.
func (o *Orchestrator) refreshGoals(ctx context.Context, items []Item) {
	speakers := make(map[string]bool)
	for _, it := range items {
		if it.Speaker != "" {
			speakers[it.Speaker] = true
		}
	}
	if len(speakers) == 0 {
		return
	}

	var wg sync.WaitGroup
	for _, p := range o.session.NPCs() {
		if !speakers[p.Name] {
			continue
		}
		wg.Add(1)
		go func(p memory.Persona) {
			defer wg.Done()
			var update goalUpdate
			usage, err := resilience.DoWithResult(ctx, o.retryNamed("refresh_goal"), func(ctx context.Context) (llm.Usage, error) {
				update = goalUpdate{}
				return o.gen.CompleteJSON(ctx, llm.CompletionRequest{
					SystemPrompt: goalRefreshPrompt,
					Messages: []llm.Message{
						{Role: "user", Content: describePersona(p)},
					},
					MaxTokens: 150,
				}, &update)
			})
			if err != nil {
				o.metrics.RecordProviderError(ctx, o.gen.ModelID(), "goal_refresh")
				observe.Logger(ctx).Warn("goal refresh failed, keeping previous goals",
					"persona", p.Name, "error", err)
				return
			}
			o.recordCall("refresh_goal", usage)
			if update.PrimaryGoal != "" {
				p.PrimaryGoal = update.PrimaryGoal
			}
			if update.AlternativeGoal != "" {
				p.AlternativeGoal = update.AlternativeGoal
			}
			o.session.UpdatePersona(p)
		}(p)
	}
	wg.Wait()
}

// indexResponse runs stage 8: embed the response and upsert it as a level-0
// scene entry.
func (o *Orchestrator) indexResponse(ctx context.Context, agentRec memory.TurnRecord, sourceIDs []string) error {
	vec, err := resilience.DoWithResult(ctx, o.retryNamed("embed_scene"), func(ctx context.Context) ([]float32, error) {
		return o.embed.Embed(ctx, agentRec.Text)
	})
	if err != nil {
		o.metrics.RecordProviderError(ctx, o.embed.ModelID(), "embedding")
		return fmt.Errorf("orchestrator: embed scene: %w", err)
	}

	entry := memory.Entry{
		ID:        memory.NewID(),
		Text:      agentRec.Text,
		Level:     0,
		SourceIDs: sourceIDs,
		Vector:    vec,
	}
	if err := o.session.Index().Upsert(ctx, memory.NamespaceScene, entry); err != nil {
		return fmt.Errorf("orchestrator: index scene: %w", err)
	}
	o.metrics.IndexEntries.Add(ctx, 1)
	return nil
}

// recordCall appends a provider call to the UI-facing rolling log.
func (o *Orchestrator) recordCall(fn string, usage llm.Usage) {
	o.calls.Record(observe.CallMeta{
		Fn:               fn,
		Model:            o.gen.ModelID(),
		PromptTokens:     usage.PromptTokens,
		CompletionTokens: usage.CompletionTokens,
	})
}

// retryNamed returns the orchestrator's retry policy with the operation
// name set.
func (o *Orchestrator) retryNamed(name string) resilience.RetryConfig {
	cfg := o.retry
	cfg.Name = name
	return cfg
}

// lastIndex returns the index of the newest record from sender, or -1.
func lastIndex(records []memory.TurnRecord, sender memory.Sender) int {
	for i := len(records) - 1; i >= 0; i-- {
		if records[i].Sender == sender {
			return i
		}
	}
	return -1
}

// pruneItems drops items with blank text.
func pruneItems(items []Item) []Item {
	out := items[:0]
	for _, it := range items {
		if strings.TrimSpace(it.Text) != "" {
			out = append(out, it)
		}
	}
	return out
}

// renderItems flattens a structured response into the persisted transcript
// text.
func renderItems(items []Item) string {
	var sb strings.Builder
	for i, it := range items {
		if i > 0 {
			sb.WriteString("\n")
		}
		if it.Speaker != "" {
			fmt.Fprintf(&sb, "%s: %s", it.Speaker, it.Text)
		} else {
			sb.WriteString(it.Text)
		}
	}
	return sb.String()
}

// queryRecordIDs lists the turn records a scene entry derives from: the
// agent record plus, for player-driven actions, the input record.
func queryRecordIDs(action Action, records []memory.TurnRecord, agentRec memory.TurnRecord) []string {
	ids := []string{agentRec.ID}
	if action == ActionSend || action == ActionIntervene || action == ActionReroll {
		if idx := lastIndex(records, memory.SenderUser); idx >= 0 {
			ids = append([]string{records[idx].ID}, ids...)
		}
	}
	return ids
}

// describePersona renders a persona for the refresh prompts.
func describePersona(p memory.Persona) string {
	var sb strings.Builder
	fmt.Fprintf(&sb, "Name: %s\nPersonality: %s\n", p.Name, p.Personality)
	if p.Subconscious != "" {
		fmt.Fprintf(&sb, "Current inner stream: %s\n", p.Subconscious)
	}
	if p.PrimaryGoal != "" {
		fmt.Fprintf(&sb, "Primary goal: %s\n", p.PrimaryGoal)
	}
	if p.AlternativeGoal != "" {
		fmt.Fprintf(&sb, "Alternative goal: %s\n", p.AlternativeGoal)
	}
	return sb.String()
}
