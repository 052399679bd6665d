// Package llm defines the completion capability the memory engine consumes.
//
// Concrete adapters (Anthropic, OpenAI-compatible) live in internal/llm;
// everything in pkg/ depends only on the Provider interface declared here.
package llm

import (
	"context"
	"errors"
)

// Message represents a chat message.
type Message struct {
	Role    string `json:"role"` // system, user, assistant
	Content string `json:"content"`
}

// CompletionRequest holds parameters for a completion.
type CompletionRequest struct {
	Messages    []Message `json:"messages"`
	Model       string    `json:"model,omitempty"`
	MaxTokens   int       `json:"max_tokens,omitempty"`
	Temperature float64   `json:"temperature,omitempty"`
	System      string    `json:"system,omitempty"`
}

// Usage is token accounting for one call.
type Usage struct {
	InputTokens  int `json:"input_tokens"`
	OutputTokens int `json:"output_tokens"`
}

// CompletionResponse holds the model's response.
type CompletionResponse struct {
	Content    string `json:"content"`
	Model      string `json:"model"`
	StopReason string `json:"stop_reason"`
	Usage      Usage  `json:"usage"`
}

// Provider completes a prompt.
type Provider interface {
	// Name returns the provider identifier (e.g., "anthropic", "openai").
	Name() string

	// Complete sends a completion request and returns the response.
	Complete(ctx context.Context, req CompletionRequest) (*CompletionResponse, error)
}

// Prompt is a convenience for the common single-turn case.
func Prompt(system, user string, maxTokens int) CompletionRequest {
	return CompletionRequest{
		System:    system,
		Messages:  []Message{{Role: "user", Content: user}},
		MaxTokens: maxTokens,
	}
}

// Tier represents the quality/cost tier for model selection.
type Tier int

const (
	TierFast Tier = iota // cheap calls: reranking, classification
	TierDeep             // summaries, fusion, proactive messages
)

// Router selects a provider by tier.
type Router struct {
	providers map[Tier]Provider
}

// NewRouter creates a provider router with the given tier mappings. Nil
// providers are ignored.
func NewRouter(providers map[Tier]Provider) *Router {
	r := &Router{providers: make(map[Tier]Provider)}
	for t, p := range providers {
		if p != nil {
			r.providers[t] = p
		}
	}
	return r
}

// Empty reports whether no provider is configured at all.
func (r *Router) Empty() bool {
	return len(r.providers) == 0
}

// Complete routes a request to the provider for tier.
// Fallback chain: requested tier, then deep, then fast.
func (r *Router) Complete(ctx context.Context, tier Tier, req CompletionRequest) (*CompletionResponse, error) {
	p := r.resolveProvider(tier)
	if p == nil {
		return nil, ErrNoProvider
	}
	return p.Complete(ctx, req)
}

// ForTier returns a Provider bound to tier, or nil when the router has
// no provider at all.
func (r *Router) ForTier(tier Tier) Provider {
	if r == nil || r.resolveProvider(tier) == nil {
		return nil
	}
	return tierProvider{router: r, tier: tier}
}

func (r *Router) resolveProvider(tier Tier) Provider {
	if p, ok := r.providers[tier]; ok {
		return p
	}
	for _, fallback := range []Tier{TierDeep, TierFast} {
		if p, ok := r.providers[fallback]; ok {
			return p
		}
	}
	return nil
}

type tierProvider struct {
	router *Router
	tier   Tier
}

func (t tierProvider) Name() string {
	if p := t.router.resolveProvider(t.tier); p != nil {
		return p.Name()
	}
	return "none"
}

func (t tierProvider) Complete(ctx context.Context, req CompletionRequest) (*CompletionResponse, error) {
	return t.router.Complete(ctx, t.tier, req)
}

// ErrNoProvider is returned when no provider is configured for the requested tier.
var ErrNoProvider = &ProviderError{Message: "no provider configured for requested tier"}

// ErrEmptyResponse is returned when a provider answers with no text.
var ErrEmptyResponse = errors.New("empty completion")

// ProviderError represents a completion provider error.
type ProviderError struct {
	Message    string
	StatusCode int
	Provider   string
}

func (e *ProviderError) Error() string {
	if e.Provider != "" {
		return e.Provider + ": " + e.Message
	}
	return e.Message
}
