package orchestrator

import (
	"strings"

	"github.com/fableloom/fableloom/internal/budget"
	"github.com/fableloom/fableloom/pkg/provider/llm"
)

// responseSchema describes the JSON shape requested in stage 4. Narrow enough
// that a model drifting off-script fails parsing instead of leaking prose
// into the transcript.
const responseSchema = `Respond with a single JSON object:
{"title": "short story title, only when asked to open a new story",
 "items": [{"speaker": "persona name, empty for narration",
            "type": "narration" or "dialogue",
            "text": "the content"}]}
Every item's text must be non-empty. Do not wrap the JSON in markdown.`

// subconsciousPrompt drives the per-persona inner-stream refresh.
const subconsciousPrompt = `You maintain the private inner monologue of a story character.
Given the character sheet below, write one or two sentences of their current
unspoken thoughts and feelings. First person, present tense. Output only the
monologue text.`

// worldDeductionPrompt drives the elapsed-time estimate.
const worldDeductionPrompt = `Estimate how much in-story time the player's action takes and whether the
weather shifts. Respond with a single JSON object:
{"elapsed_minutes": <integer, 0 for instantaneous>, "weather": "<new weather, or empty to keep current>"}
Do not wrap the JSON in markdown.`

// goalRefreshPrompt drives the per-persona goal update after a turn in which
// the persona spoke.
const goalRefreshPrompt = `You track what a story character wants. Given the character sheet below,
restate their goals in light of recent events. Respond with a single JSON object:
{"primary_goal": "<what they actively pursue>", "alternative_goal": "<their fallback>"}
Keep each goal to one sentence. Do not wrap the JSON in markdown.`

// actionInstructions maps each action to the final directive appended to the
// conversation.
var actionInstructions = map[Action]string{
	ActionSend:      "Continue the story in response to the player's latest action.",
	ActionReroll:    "Rewrite your previous response to the player's last action. Take a noticeably different direction.",
	ActionContinue:  "Continue the story from where it left off. The player takes no action.",
	ActionIntervene: "The player has given an out-of-story directive above. Bend the story to honour it without acknowledging the player.",
	ActionNewStory:  "Open the story from the premise. Set the scene, introduce the cast naturally, and provide a short title.",
}

// buildGenerationRequest composes the stage-4 request from the assembled
// segments. Segment text goes in verbatim; assembly already did the
// formatting and accounting.
func buildGenerationRequest(action Action, seg budget.Segments) llm.CompletionRequest {
	var sys strings.Builder
	sys.WriteString(seg.System)
	sys.WriteString("\nCurrent moment: ")
	sys.WriteString(seg.World)
	sys.WriteString("\n")
	if seg.Lore != "" {
		sys.WriteString("\nEstablished lore:\n")
		sys.WriteString(seg.Lore)
	}
	if seg.Memory != "" {
		sys.WriteString("\nEarlier events worth remembering:\n")
		sys.WriteString(seg.Memory)
	}
	sys.WriteString("\n")
	sys.WriteString(responseSchema)

	var user strings.Builder
	if seg.Chat != "" {
		user.WriteString("Recent transcript:\n")
		user.WriteString(seg.Chat)
		user.WriteString("\n")
	}
	user.WriteString(actionInstructions[action])

	return llm.CompletionRequest{
		SystemPrompt: sys.String(),
		Messages: []llm.Message{
			{Role: "user", Content: user.String()},
		},
		Temperature: 0.8,
	}
}
