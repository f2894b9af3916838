package provider

import (
	"context"
	"fmt"

	"github.com/tmc/langchaingo/llms"
	"github.com/tmc/langchaingo/llms/openai"

	loomerrors "github.com/caselens/loom/pkg/errors"
	"github.com/caselens/loom/pkg/pipeline"
)

// stopReasonLength is the finish reason a provider reports when it cut the
// output at its own length limit. Retrying cannot fix that.
const stopReasonLength = "length"

// LangChainProvider adapts a langchaingo model to the Provider interface.
type LangChainProvider struct {
	model        llms.Model
	defaultModel string
}

// OpenAIConfig configures the OpenAI-compatible completion client. BaseURL
// may point at an Azure OpenAI deployment or any compatible endpoint.
type OpenAIConfig struct {
	APIKey  string
	BaseURL string
	Model   string
}

// NewOpenAI creates a provider over an OpenAI-compatible API.
func NewOpenAI(cfg OpenAIConfig) (*LangChainProvider, error) {
	if cfg.APIKey == "" {
		return nil, fmt.Errorf("provider API key is required")
	}
	opts := []openai.Option{openai.WithToken(cfg.APIKey)}
	if cfg.BaseURL != "" {
		opts = append(opts, openai.WithBaseURL(cfg.BaseURL))
	}
	if cfg.Model != "" {
		opts = append(opts, openai.WithModel(cfg.Model))
	}
	model, err := openai.New(opts...)
	if err != nil {
		return nil, fmt.Errorf("failed to create completion client: %w", err)
	}
	return &LangChainProvider{model: model, defaultModel: cfg.Model}, nil
}

// NewLangChain wraps an already constructed langchaingo model.
func NewLangChain(model llms.Model, defaultModel string) *LangChainProvider {
	return &LangChainProvider{model: model, defaultModel: defaultModel}
}

// Complete implements Provider.
func (p *LangChainProvider) Complete(ctx context.Context, req Request) (*Response, error) {
	messages := make([]llms.MessageContent, 0, 2)
	if req.System != "" {
		messages = append(messages, llms.TextParts(llms.ChatMessageTypeSystem, req.System))
	}
	messages = append(messages, llms.TextParts(llms.ChatMessageTypeHuman, req.Prompt))

	var opts []llms.CallOption
	if req.Model != "" {
		opts = append(opts, llms.WithModel(req.Model))
	}
	if req.MaxTokens > 0 {
		opts = append(opts, llms.WithMaxTokens(req.MaxTokens))
	}
	if req.Temperature > 0 {
		opts = append(opts, llms.WithTemperature(req.Temperature))
	}
	if req.JSONMode {
		opts = append(opts, llms.WithJSONMode())
	}

	resp, err := p.model.GenerateContent(ctx, messages, opts...)
	if err != nil {
		return nil, fmt.Errorf("completion call failed: %w", err)
	}
	if len(resp.Choices) == 0 {
		return nil, fmt.Errorf("completion returned no choices")
	}

	choice := resp.Choices[0]
	out := &Response{
		Content:    choice.Content,
		StopReason: choice.StopReason,
		Usage:      usageFromGenerationInfo(choice.GenerationInfo),
	}

	if choice.StopReason == stopReasonLength {
		return out, loomerrors.NewError("OUTPUT_TRUNCATED",
			"provider stopped at its output length limit", loomerrors.ErrTruncatedOutput)
	}
	return out, nil
}

func usageFromGenerationInfo(info map[string]any) pipeline.TokenUsage {
	usage := pipeline.TokenUsage{
		PromptTokens:     intFromInfo(info, "PromptTokens"),
		CompletionTokens: intFromInfo(info, "CompletionTokens"),
		TotalTokens:      intFromInfo(info, "TotalTokens"),
	}
	if usage.TotalTokens == 0 {
		usage.TotalTokens = usage.PromptTokens + usage.CompletionTokens
	}
	return usage
}

func intFromInfo(info map[string]any, key string) int {
	if info == nil {
		return 0
	}
	switch v := info[key].(type) {
	case int:
		return v
	case int64:
		return int(v)
	case float64:
		return int(v)
	}
	return 0
}
