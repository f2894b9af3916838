// Package provider abstracts the LLM completion boundary. The engine only
// sees this interface; the specific wire shape of any one provider stays
// behind it.
package provider

import (
	"context"

	"github.com/caselens/loom/pkg/pipeline"
)

// Request is one completion call.
type Request struct {
	// System is an optional system prompt.
	System string

	// Prompt is the rendered user prompt.
	Prompt string

	// Model overrides the provider's default model when non-empty.
	Model string

	MaxTokens   int
	Temperature float64

	// JSONMode asks the provider for a JSON object response when supported.
	JSONMode bool
}

// Response is the outcome of one completion call.
type Response struct {
	Content    string
	StopReason string
	Usage      pipeline.TokenUsage
}

// Provider executes completion calls.
type Provider interface {
	Complete(ctx context.Context, req Request) (*Response, error)
}
