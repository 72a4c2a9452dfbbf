package orchestrator

import (
	"context"
	"errors"
	"strings"
	"testing"

	"github.com/fableloom/fableloom/internal/budget"
	"github.com/fableloom/fableloom/internal/story"
	"github.com/fableloom/fableloom/pkg/memory"
	memmock "github.com/fableloom/fableloom/pkg/memory/mock"
	embmock "github.com/fableloom/fableloom/pkg/provider/embeddings/mock"
	"github.com/fableloom/fableloom/pkg/provider/llm"
	llmmock "github.com/fableloom/fableloom/pkg/provider/llm/mock"
)

const testSession = "sess-orch"

const narrationJSON = `{"items":[{"speaker":"","type":"narration","text":"The lamp sputters and catches."}]}`

const worldJSON = `{"elapsed_minutes":90,"weather":"rain"}`

type fixture struct {
	orc     *Orchestrator
	session *story.Session
	store   *memmock.Store
	index   *memory.VectorIndex
	gen     *llmmock.Provider
	embed   *embmock.Provider
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	store := memmock.NewStore()
	index := memory.NewVectorIndex(store, testSession)
	if err := index.Load(context.Background()); err != nil {
		t.Fatalf("index load: %v", err)
	}

	personas := []memory.Persona{
		{Name: "Elara", Personality: "weathered keeper", Subconscious: "the sea never forgives", PrimaryGoal: "keep the light burning"},
		{Name: "Brund", Personality: "taciturn fisher", PrimaryGoal: "mend the nets"},
		{Name: "Tam", Personality: "curious newcomer", Player: true},
	}
	session := story.NewSession(testSession, store, index, "a storm approaches Greywick", personas)

	gen := &llmmock.Provider{
		CompleteResponse: &llm.CompletionResponse{Content: "the wind is wrong tonight"},
		ModelIDValue:     "test-gen",
		TokensPerCall:    3,
	}
	embed := &embmock.Provider{EmbedResult: []float32{1, 0}, DimensionsValue: 2}

	assembler := budget.New(budget.Config{
		Counter:    gen,
		Embeddings: embed,
		Index:      index,
		Window:     12,
		TopK:       4,
	})

	orc := New(Config{
		Session:    session,
		Generation: gen,
		Embeddings: embed,
		Assembler:  assembler,
	})
	return &fixture{orc: orc, session: session, store: store, index: index, gen: gen, embed: embed}
}

// seedExchange writes one user and one agent record with fixed IDs that sort
// before any ULID the turn will mint.
func (f *fixture) seedExchange(t *testing.T) (userID, agentID string) {
	t.Helper()
	ctx := context.Background()
	userID, agentID = "0000000000000000000000001", "0000000000000000000000002"
	recs := []memory.TurnRecord{
		{ID: userID, Sender: memory.SenderUser, Text: "I climb the lighthouse stairs."},
		{ID: agentID, Sender: memory.SenderAgent, Text: "The lamp room smells of oil."},
	}
	for _, r := range recs {
		if err := f.store.AppendMessage(ctx, testSession, r); err != nil {
			t.Fatalf("seed: %v", err)
		}
	}
	return userID, agentID
}

func (f *fixture) messages(t *testing.T) []memory.TurnRecord {
	t.Helper()
	msgs, err := f.store.ListMessages(context.Background(), testSession)
	if err != nil {
		t.Fatalf("ListMessages: %v", err)
	}
	return msgs
}

func TestRunRejectsUnknownAction(t *testing.T) {
	f := newFixture(t)
	if _, err := f.orc.Run(context.Background(), Turn{Action: "teleport"}); !errors.Is(err, ErrUnknownAction) {
		t.Errorf("expected ErrUnknownAction, got %v", err)
	}
}

func TestRunRejectsWhenBusy(t *testing.T) {
	f := newFixture(t)
	if !f.session.TryBegin() {
		t.Fatal("could not claim session")
	}
	defer f.session.End()

	_, err := f.orc.Run(context.Background(), Turn{Action: ActionSend, Input: "hello"})
	if !errors.Is(err, story.ErrSessionBusy) {
		t.Errorf("expected ErrSessionBusy, got %v", err)
	}
	if len(f.messages(t)) != 0 {
		t.Error("a rejected turn must not touch the log")
	}
}

func TestNewStoryFirstTurn(t *testing.T) {
	f := newFixture(t)
	f.gen.JSONResponses = []string{`{"title":"The Keeper of Greywick","items":[{"speaker":"","type":"narration","text":"Rain hammers the village."}]}`}

	res, err := f.orc.Run(context.Background(), Turn{Action: ActionNewStory})
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if res.Title != "The Keeper of Greywick" {
		t.Errorf("title = %q", res.Title)
	}
	if got := f.store.Title(testSession); got != "The Keeper of Greywick" {
		t.Errorf("persisted title = %q", got)
	}

	// Exactly one record: the agent's opening. No input stage ran.
	msgs := f.messages(t)
	if len(msgs) != 1 || msgs[0].Sender != memory.SenderAgent {
		t.Fatalf("messages = %+v", msgs)
	}

	// No player action yet, so the clock must still read its initial value.
	if got := f.session.World(); got != memory.NewWorldState() {
		t.Errorf("world = %+v, want initial", got)
	}
	if f.store.SaveCheckpointCalls != 1 {
		t.Errorf("checkpoints = %d, want 1", f.store.SaveCheckpointCalls)
	}
}

func TestSendFullPipeline(t *testing.T) {
	f := newFixture(t)
	f.gen.JSONResponses = []string{narrationJSON, worldJSON}

	res, err := f.orc.Run(context.Background(), Turn{Action: ActionSend, Input: "I light the wick."})
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if len(res.Items) != 1 || !strings.Contains(res.Items[0].Text, "sputters") {
		t.Errorf("items = %+v", res.Items)
	}

	msgs := f.messages(t)
	if len(msgs) != 2 {
		t.Fatalf("messages = %d, want 2", len(msgs))
	}
	if msgs[0].Sender != memory.SenderUser || msgs[0].Text != "I light the wick." {
		t.Errorf("first record = %+v", msgs[0])
	}
	if msgs[1].Sender != memory.SenderAgent {
		t.Errorf("second record = %+v", msgs[1])
	}

	// Stage 8 left one level-0 scene entry tracing back to both records.
	entries, err := f.store.EntriesAtLevel(context.Background(), testSession, memory.NamespaceScene, 0, 0)
	if err != nil {
		t.Fatalf("EntriesAtLevel: %v", err)
	}
	if len(entries) != 1 {
		t.Fatalf("scene entries = %d, want 1", len(entries))
	}
	if len(entries[0].SourceIDs) != 2 || entries[0].SourceIDs[0] != msgs[0].ID || entries[0].SourceIDs[1] != msgs[1].ID {
		t.Errorf("scene sources = %v, records %q %q", entries[0].SourceIDs, msgs[0].ID, msgs[1].ID)
	}

	// Stage 6 applied the deduced 90 minutes and the weather change.
	world := f.session.World()
	if world.Hour != 9 || world.Minute != 30 || world.Weather != "rain" {
		t.Errorf("world = %+v", world)
	}

	// The retrieval query was the player's input.
	if len(f.embed.EmbedCalls) == 0 || f.embed.EmbedCalls[0].Text != "I light the wick." {
		t.Errorf("embed calls = %+v", f.embed.EmbedCalls)
	}

	// The streams refreshed in stage 2 reach the generation prompt: the
	// cast block assembled in stage 3 carries each NPC's current stream.
	if len(f.gen.CompleteJSONCalls) == 0 {
		t.Fatal("no generation call recorded")
	}
	if sys := f.gen.CompleteJSONCalls[0].Req.SystemPrompt; !strings.Contains(sys, "the wind is wrong tonight") {
		t.Errorf("generation prompt lacks the refreshed inner stream: %q", sys)
	}

	if f.store.SaveCheckpointCalls != 1 {
		t.Errorf("checkpoints = %d, want 1", f.store.SaveCheckpointCalls)
	}
	if b, ok := f.orc.LastBudget(); !ok || b.Total != 15 {
		t.Errorf("LastBudget = %+v, %v", b, ok)
	}
	if f.session.Busy() {
		t.Error("busy flag still set after turn")
	}
}

func TestSendRefreshesSubconscious(t *testing.T) {
	f := newFixture(t)
	f.gen.JSONResponses = []string{narrationJSON, worldJSON}

	if _, err := f.orc.Run(context.Background(), Turn{Action: ActionSend, Input: "I wave at Brund."}); err != nil {
		t.Fatalf("Run: %v", err)
	}
	for _, p := range f.session.NPCs() {
		if p.Subconscious != "the wind is wrong tonight" {
			t.Errorf("%s subconscious = %q", p.Name, p.Subconscious)
		}
	}
}

func TestSubconsciousFailureKeepsPrevious(t *testing.T) {
	f := newFixture(t)
	f.gen.CompleteErr = errors.New("model offline")
	f.gen.JSONResponses = []string{narrationJSON, worldJSON}

	if _, err := f.orc.Run(context.Background(), Turn{Action: ActionSend, Input: "I shout into the wind."}); err != nil {
		t.Fatalf("refresh failure must not fail the turn: %v", err)
	}
	for _, p := range f.session.NPCs() {
		if p.Name == "Elara" && p.Subconscious != "the sea never forgives" {
			t.Errorf("Elara subconscious = %q, want previous value", p.Subconscious)
		}
	}
}

func TestRerollReplacesPreviousResponse(t *testing.T) {
	f := newFixture(t)
	userID, agentID := f.seedExchange(t)
	f.gen.JSONResponses = []string{narrationJSON, worldJSON}

	if _, err := f.orc.Run(context.Background(), Turn{Action: ActionReroll}); err != nil {
		t.Fatalf("Run: %v", err)
	}
	if len(f.store.DeletedMessageIDs) != 1 || f.store.DeletedMessageIDs[0] != agentID {
		t.Errorf("deleted = %v, want [%s]", f.store.DeletedMessageIDs, agentID)
	}

	msgs := f.messages(t)
	if len(msgs) != 2 {
		t.Fatalf("messages = %d, want 2 (original input + new response)", len(msgs))
	}
	if msgs[0].ID != userID || msgs[1].Sender != memory.SenderAgent {
		t.Errorf("messages = %+v", msgs)
	}

	// The retrieval query is the player message being re-answered.
	if len(f.embed.EmbedCalls) == 0 || f.embed.EmbedCalls[0].Text != "I climb the lighthouse stairs." {
		t.Errorf("embed calls = %+v", f.embed.EmbedCalls)
	}
}

func TestRerollWithoutPriorResponse(t *testing.T) {
	f := newFixture(t)
	if _, err := f.orc.Run(context.Background(), Turn{Action: ActionReroll}); !errors.Is(err, ErrNoUserMessage) {
		t.Errorf("expected ErrNoUserMessage, got %v", err)
	}
}

func TestContinueSkipsInputAndWorldStages(t *testing.T) {
	f := newFixture(t)
	f.seedExchange(t)
	f.gen.JSONResponses = []string{narrationJSON}

	if _, err := f.orc.Run(context.Background(), Turn{Action: ActionContinue}); err != nil {
		t.Fatalf("Run: %v", err)
	}

	msgs := f.messages(t)
	if len(msgs) != 3 {
		t.Fatalf("messages = %d, want 3 (no new input record)", len(msgs))
	}
	if msgs[2].Sender != memory.SenderAgent {
		t.Errorf("appended record = %+v", msgs[2])
	}
	// Only the generation call hit CompleteJSON; time deduction was skipped.
	if len(f.gen.CompleteJSONCalls) != 1 {
		t.Errorf("CompleteJSON calls = %d, want 1", len(f.gen.CompleteJSONCalls))
	}
	if got := f.session.World(); got != memory.NewWorldState() {
		t.Errorf("world = %+v, want untouched", got)
	}
}

func TestGenerationFailureIsFatal(t *testing.T) {
	f := newFixture(t)
	f.gen.JSONErr = errors.New("backend down")

	_, err := f.orc.Run(context.Background(), Turn{Action: ActionSend, Input: "I open the door."})
	if err == nil {
		t.Fatal("expected error")
	}

	// The input record stays; completed stages are not rolled back.
	msgs := f.messages(t)
	if len(msgs) != 1 || msgs[0].Sender != memory.SenderUser {
		t.Errorf("messages = %+v", msgs)
	}
	if f.store.SaveCheckpointCalls != 0 {
		t.Error("failed turn must not checkpoint")
	}
	if f.session.Busy() {
		t.Error("busy flag must be released after a fatal failure")
	}
}

func TestEmptyResponseIsFatal(t *testing.T) {
	f := newFixture(t)
	f.gen.JSONResponses = []string{`{"items":[{"speaker":"","type":"narration","text":"   "}]}`}

	_, err := f.orc.Run(context.Background(), Turn{Action: ActionSend, Input: "I wait."})
	if !errors.Is(err, ErrEmptyResponse) {
		t.Errorf("expected ErrEmptyResponse, got %v", err)
	}
}

func TestWorldDeductionFailureIsNonFatal(t *testing.T) {
	f := newFixture(t)
	// Second JSON document does not match the deduction shape.
	f.gen.JSONResponses = []string{narrationJSON, `{"elapsed_minutes":"a while"}`}

	if _, err := f.orc.Run(context.Background(), Turn{Action: ActionSend, Input: "I sleep."}); err != nil {
		t.Fatalf("deduction failure must not fail the turn: %v", err)
	}
	if got := f.session.World(); got != memory.NewWorldState() {
		t.Errorf("world = %+v, want unchanged on failed deduction", got)
	}
}

func TestGoalRefreshOnlyForSpeakers(t *testing.T) {
	f := newFixture(t)
	f.gen.JSONResponses = []string{
		`{"items":[
			{"speaker":"","type":"narration","text":"Elara turns from the window."},
			{"speaker":"Elara","type":"dialogue","text":"The light stays lit, storm or not."}]}`,
		worldJSON,
		`{"primary_goal":"guard the lamp through the storm","alternative_goal":"signal the harbour"}`,
	}

	if _, err := f.orc.Run(context.Background(), Turn{Action: ActionSend, Input: "I ask Elara about the storm."}); err != nil {
		t.Fatalf("Run: %v", err)
	}

	for _, p := range f.session.NPCs() {
		switch p.Name {
		case "Elara":
			if p.PrimaryGoal != "guard the lamp through the storm" {
				t.Errorf("Elara goal = %q", p.PrimaryGoal)
			}
		case "Brund":
			if p.PrimaryGoal != "mend the nets" {
				t.Errorf("Brund goal = %q, want unchanged (did not speak)", p.PrimaryGoal)
			}
		}
	}
}

func TestIndexUpdateFailureIsFatal(t *testing.T) {
	f := newFixture(t)
	f.seedExchange(t)
	f.gen.JSONResponses = []string{narrationJSON}
	f.store.UpsertErr = errors.New("disk full")

	if _, err := f.orc.Run(context.Background(), Turn{Action: ActionContinue}); err == nil {
		t.Fatal("expected error from scene indexing")
	}
	// The agent record from stage 5 stays; completed stages do not roll back.
	if msgs := f.messages(t); len(msgs) != 3 {
		t.Errorf("messages = %d, want 3", len(msgs))
	}
	if f.store.SaveCheckpointCalls != 0 {
		t.Error("failed turn must not checkpoint")
	}
}

func TestRenderItems(t *testing.T) {
	got := renderItems([]Item{
		{Speaker: "", Type: "narration", Text: "The door creaks."},
		{Speaker: "Elara", Type: "dialogue", Text: "Who goes there?"},
	})
	want := "The door creaks.\nElara: Who goes there?"
	if got != want {
		t.Errorf("renderItems = %q, want %q", got, want)
	}
}
