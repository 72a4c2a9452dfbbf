// Package llm defines the Provider interface for Large Language Model
// backends.
//
// A provider wraps a remote or local model API (OpenAI, Anthropic, Ollama, …)
// and exposes a uniform interface for the turn orchestrator and the compaction
// engine: plain completions, structured (JSON) completions, and token
// counting, without coupling to any specific SDK.
//
// Implementations must be safe for concurrent use.
package llm

import "context"

// Message represents a single message in a conversation history.
type Message struct {
	// Role is one of "system", "user", or "assistant".
	Role string

	// Content is the text content of the message.
	Content string

	// Name is an optional participant name (for multi-speaker contexts).
	Name string
}

// Usage holds token accounting information returned by the backend. Counts
// are in the model's native token unit and may differ between providers for
// the same textual content.
type Usage struct {
	// PromptTokens is the number of tokens consumed by the input.
	PromptTokens int

	// CompletionTokens is the number of tokens generated in the response.
	CompletionTokens int

	// TotalTokens is PromptTokens + CompletionTokens.
	TotalTokens int
}

// CompletionRequest carries everything the model needs to produce a response.
// At minimum Messages must be non-empty.
type CompletionRequest struct {
	// Messages is the ordered conversation history. The last message is
	// typically from the "user" role and drives the response.
	Messages []Message

	// SystemPrompt is an optional high-priority instruction injected before
	// the conversation history.
	SystemPrompt string

	// Temperature controls output randomness in [0.0, 2.0]. Zero requests the
	// provider default.
	Temperature float64

	// MaxTokens caps the number of completion tokens. Zero means the provider
	// default.
	MaxTokens int
}

// CompletionResponse is returned by Complete.
type CompletionResponse struct {
	// Content is the full text of the model's reply.
	Content string

	// Usage contains token accounting for this request/response pair.
	Usage Usage
}

// Provider is the abstraction over any LLM backend.
//
// Implementations must be safe for concurrent use and must propagate context
// cancellation promptly.
type Provider interface {
	// Complete sends req to the model and waits for the full text response.
	// Transport and API failures are reported as a [*ProviderError].
	Complete(ctx context.Context, req CompletionRequest) (*CompletionResponse, error)

	// CompleteJSON sends req to the model, instructing it to reply with a
	// single JSON document, and unmarshals the reply into out. A reply that
	// cannot be parsed against out's shape fails with an error matching
	// [ErrSchemaViolation]; transport failures are a [*ProviderError].
	// The returned Usage covers the underlying completion.
	CompleteJSON(ctx context.Context, req CompletionRequest, out any) (Usage, error)

	// CountTokens estimates how many tokens text would consume in the model's
	// context window. The result need not be exact but should not undercount
	// grossly — the budget assembler reports it, it does not enforce it.
	CountTokens(ctx context.Context, text string) (int, error)

	// ModelID returns the provider-specific model identifier, used for the
	// observability call log.
	ModelID() string
}
