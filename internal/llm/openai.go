package llm

import (
	"context"
	"errors"
	"time"

	"github.com/openai/openai-go"
	"github.com/openai/openai-go/option"

	"github.com/nous-labs/mneme/pkg/llm"
)

// DefaultOpenAIModel is used when no model is configured.
const DefaultOpenAIModel = "gpt-4o-mini"

// OpenAIProvider implements llm.Provider for OpenAI and any
// OpenAI-compatible chat completions API (Ollama, vLLM, Kimi, ...).
type OpenAIProvider struct {
	client openai.Client
	model  string
	name   string
}

// NewOpenAI creates a provider. Empty baseURL uses the public API (or
// OPENAI_BASE_URL); empty apiKey falls back to OPENAI_API_KEY.
func NewOpenAI(name, baseURL, apiKey, model string) *OpenAIProvider {
	opts := []option.RequestOption{option.WithRequestTimeout(2 * time.Minute)}
	if baseURL != "" {
		opts = append(opts, option.WithBaseURL(baseURL))
	}
	if apiKey != "" {
		opts = append(opts, option.WithAPIKey(apiKey))
	}
	if model == "" {
		model = DefaultOpenAIModel
	}
	if name == "" {
		name = "openai"
	}
	return &OpenAIProvider{client: openai.NewClient(opts...), model: model, name: name}
}

func (p *OpenAIProvider) Name() string { return p.name }

// Complete implements llm.Provider.
func (p *OpenAIProvider) Complete(ctx context.Context, req llm.CompletionRequest) (*llm.CompletionResponse, error) {
	var messages []openai.ChatCompletionMessageParamUnion
	if req.System != "" {
		messages = append(messages, openai.SystemMessage(req.System))
	}
	for _, m := range req.Messages {
		switch m.Role {
		case "system":
			messages = append(messages, openai.SystemMessage(m.Content))
		case "assistant":
			messages = append(messages, openai.AssistantMessage(m.Content))
		default:
			messages = append(messages, openai.UserMessage(m.Content))
		}
	}

	model := req.Model
	if model == "" {
		model = p.model
	}
	params := openai.ChatCompletionNewParams{
		Model:    openai.ChatModel(model),
		Messages: messages,
	}
	if req.MaxTokens > 0 {
		params.MaxTokens = openai.Int(int64(req.MaxTokens))
	}
	if req.Temperature > 0 {
		params.Temperature = openai.Float(req.Temperature)
	}

	resp, err := p.client.Chat.Completions.New(ctx, params)
	if err != nil {
		var apiErr *openai.Error
		if errors.As(err, &apiErr) {
			return nil, &llm.ProviderError{Message: apiErr.Error(), StatusCode: apiErr.StatusCode, Provider: p.name}
		}
		return nil, &llm.ProviderError{Message: err.Error(), Provider: p.name}
	}
	if len(resp.Choices) == 0 {
		return nil, &llm.ProviderError{Message: "no choices in response", Provider: p.name}
	}

	choice := resp.Choices[0]
	return &llm.CompletionResponse{
		Content:    choice.Message.Content,
		Model:      resp.Model,
		StopReason: string(choice.FinishReason),
		Usage: llm.Usage{
			InputTokens:  int(resp.Usage.PromptTokens),
			OutputTokens: int(resp.Usage.CompletionTokens),
		},
	}, nil
}
