// Package mock provides a test double for the llm.Provider interface.
//
// Use Provider in unit tests to verify that callers send correct requests and
// to feed controlled responses without a live model backend.
//
// Example:
//
//	p := &mock.Provider{
//	    CompleteResponse: &llm.CompletionResponse{Content: "Hello!"},
//	}
//	resp, err := p.Complete(ctx, req)
package mock

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"

	"github.com/fableloom/fableloom/pkg/provider/llm"
)

// Ensure Provider implements llm.Provider at compile time.
var _ llm.Provider = (*Provider)(nil)

// CompleteCall records a single invocation of Complete.
type CompleteCall struct {
	// Ctx is the context passed to Complete.
	Ctx context.Context
	// Req is the CompletionRequest passed to Complete.
	Req llm.CompletionRequest
}

// CompleteJSONCall records a single invocation of CompleteJSON.
type CompleteJSONCall struct {
	// Ctx is the context passed to CompleteJSON.
	Ctx context.Context
	// Req is the CompletionRequest passed to CompleteJSON.
	Req llm.CompletionRequest
}

// Provider is a mock implementation of llm.Provider.
// Zero values cause methods to return zero values and nil errors; set the Err
// fields to inject failures.
type Provider struct {
	mu sync.Mutex

	// --- Configurable responses ---

	// CompleteResponse is returned by Complete. May be nil (returns nil, nil).
	CompleteResponse *llm.CompletionResponse

	// CompleteResponses, when non-empty, is consumed one element per Complete
	// call before falling back to CompleteResponse. Useful for multi-stage
	// orchestrator tests.
	CompleteResponses []*llm.CompletionResponse

	// CompleteErr, if non-nil, is returned as the error from Complete.
	CompleteErr error

	// JSONResponse is the raw JSON document unmarshalled into out by
	// CompleteJSON. Empty means an empty object.
	JSONResponse string

	// JSONResponses, when non-empty, is consumed one element per CompleteJSON
	// call before falling back to JSONResponse.
	JSONResponses []string

	// JSONErr, if non-nil, is returned as the error from CompleteJSON.
	JSONErr error

	// JSONUsage is the Usage returned by CompleteJSON.
	JSONUsage llm.Usage

	// TokensPerCall is returned by CountTokens when TokensByText has no match.
	TokensPerCall int

	// TokensByText maps exact input text to a token count.
	TokensByText map[string]int

	// CountTokensErr, if non-nil, is returned as the error from CountTokens.
	CountTokensErr error

	// ModelIDValue is returned by ModelID.
	ModelIDValue string

	// --- Call records (read after test) ---

	// CompleteCalls records every invocation of Complete in order.
	CompleteCalls []CompleteCall

	// CompleteJSONCalls records every invocation of CompleteJSON in order.
	CompleteJSONCalls []CompleteJSONCall

	// CountTokensTexts records every text passed to CountTokens in order.
	CountTokensTexts []string
}

// Complete records the call and returns the configured response.
func (p *Provider) Complete(ctx context.Context, req llm.CompletionRequest) (*llm.CompletionResponse, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.CompleteCalls = append(p.CompleteCalls, CompleteCall{Ctx: ctx, Req: req})
	if p.CompleteErr != nil {
		return nil, p.CompleteErr
	}
	if len(p.CompleteResponses) > 0 {
		resp := p.CompleteResponses[0]
		p.CompleteResponses = p.CompleteResponses[1:]
		return resp, nil
	}
	return p.CompleteResponse, nil
}

// CompleteJSON records the call and unmarshals the configured JSON into out.
func (p *Provider) CompleteJSON(ctx context.Context, req llm.CompletionRequest, out any) (llm.Usage, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.CompleteJSONCalls = append(p.CompleteJSONCalls, CompleteJSONCall{Ctx: ctx, Req: req})
	if p.JSONErr != nil {
		return llm.Usage{}, p.JSONErr
	}
	doc := p.JSONResponse
	if len(p.JSONResponses) > 0 {
		doc = p.JSONResponses[0]
		p.JSONResponses = p.JSONResponses[1:]
	}
	if doc == "" {
		doc = "{}"
	}
	if err := json.Unmarshal([]byte(doc), out); err != nil {
		return llm.Usage{}, fmt.Errorf("%w: %v", llm.ErrSchemaViolation, err)
	}
	return p.JSONUsage, nil
}

// CountTokens records the call and returns the configured count.
func (p *Provider) CountTokens(_ context.Context, text string) (int, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.CountTokensTexts = append(p.CountTokensTexts, text)
	if p.CountTokensErr != nil {
		return 0, p.CountTokensErr
	}
	if n, ok := p.TokensByText[text]; ok {
		return n, nil
	}
	return p.TokensPerCall, nil
}

// ModelID returns ModelIDValue.
func (p *Provider) ModelID() string {
	return p.ModelIDValue
}

// Reset clears all recorded calls. Thread-safe.
func (p *Provider) Reset() {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.CompleteCalls = nil
	p.CompleteJSONCalls = nil
	p.CountTokensTexts = nil
}
