// Package batch runs a job through a provider's asynchronous batch API
// instead of the synchronous engine: render every item into a JSONL request
// file, upload it, create the batch, poll until terminal, then download and
// persist the output through the same result writer the synchronous path
// uses.
package batch

import (
	"context"
	"encoding/json"

	"github.com/caselens/loom/pkg/pipeline"
	"github.com/caselens/loom/pkg/status"
)

// Batch mirrors the provider-side view of one submitted batch.
type Batch struct {
	ID            string
	State         status.BatchState
	InputFileID   string
	OutputFileID  string
	ErrorFileID   string
	RequestCounts status.RequestCounts
}

// Client is the wire contract to a batch-capable provider. Implementations
// translate these calls to the provider's file and batch endpoints.
type Client interface {
	// UploadFile stores a request file with the provider and returns its
	// provider-side file id.
	UploadFile(ctx context.Context, name string, data []byte) (string, error)

	// CreateBatch submits a batch over an uploaded input file.
	CreateBatch(ctx context.Context, inputFileID string) (*Batch, error)

	// GetStatus fetches the current provider-side state of a batch.
	GetStatus(ctx context.Context, batchID string) (*Batch, error)

	// DownloadFile fetches a provider-side file's contents.
	DownloadFile(ctx context.Context, fileID string) ([]byte, error)

	// CancelBatch asks the provider to cancel a running batch.
	CancelBatch(ctx context.Context, batchID string) error
}

// Request is one line of the batch input file, in the OpenAI batch wire
// shape. CustomID carries the item's composite key so output lines map back
// to items.
type Request struct {
	CustomID string      `json:"custom_id"`
	Method   string      `json:"method"`
	URL      string      `json:"url"`
	Body     RequestBody `json:"body"`
}

// RequestBody is the chat-completion payload of one batch request.
type RequestBody struct {
	Model          string            `json:"model"`
	Messages       []Message         `json:"messages"`
	MaxTokens      int               `json:"max_tokens,omitempty"`
	Temperature    float64           `json:"temperature,omitempty"`
	ResponseFormat map[string]string `json:"response_format,omitempty"`
}

// Message is one chat message of a batch request body.
type Message struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

// RequestBuilderFunc renders one work item into its batch request body. The
// processor fills in CustomID, Method and URL.
type RequestBuilderFunc func(ctx context.Context, item *pipeline.WorkItem) (RequestBody, error)

// resultLine is one line of the batch output file.
type resultLine struct {
	CustomID string `json:"custom_id"`
	Response *struct {
		StatusCode int             `json:"status_code"`
		Body       json.RawMessage `json:"body"`
	} `json:"response"`
	Error *struct {
		Code    string `json:"code"`
		Message string `json:"message"`
	} `json:"error"`
}

// completionBody is the subset of a chat-completion response a batch result
// line carries that the processor consumes.
type completionBody struct {
	Choices []struct {
		FinishReason string `json:"finish_reason"`
		Message      struct {
			Content string `json:"content"`
		} `json:"message"`
	} `json:"choices"`
	Usage struct {
		PromptTokens     int `json:"prompt_tokens"`
		CompletionTokens int `json:"completion_tokens"`
		TotalTokens      int `json:"total_tokens"`
	} `json:"usage"`
}
