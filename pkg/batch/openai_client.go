package batch

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"mime/multipart"
	"net/http"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/caselens/loom/pkg/status"
)

// chatCompletionsPath is the endpoint every batch request line targets.
const chatCompletionsPath = "/v1/chat/completions"

// completionWindow is the turnaround the provider is asked for; the only
// window the batch API currently accepts.
const completionWindow = "24h"

// OpenAIClient implements Client against an OpenAI-compatible batch API.
type OpenAIClient struct {
	baseURL string
	apiKey  string
	http    *http.Client
	logger  *zap.Logger
}

// NewOpenAIClient creates a batch client. baseURL defaults to the public
// OpenAI endpoint; point it at a compatible gateway for other deployments.
func NewOpenAIClient(baseURL, apiKey string, logger *zap.Logger) (*OpenAIClient, error) {
	if apiKey == "" {
		return nil, fmt.Errorf("batch API key is required")
	}
	if baseURL == "" {
		baseURL = "https://api.openai.com"
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &OpenAIClient{
		baseURL: strings.TrimRight(baseURL, "/"),
		apiKey:  apiKey,
		http:    &http.Client{Timeout: 5 * time.Minute},
		logger:  logger,
	}, nil
}

type fileResponse struct {
	ID string `json:"id"`
}

type batchResponse struct {
	ID            string `json:"id"`
	Status        string `json:"status"`
	InputFileID   string `json:"input_file_id"`
	OutputFileID  string `json:"output_file_id"`
	ErrorFileID   string `json:"error_file_id"`
	RequestCounts struct {
		Total     int `json:"total"`
		Completed int `json:"completed"`
		Failed    int `json:"failed"`
	} `json:"request_counts"`
}

// UploadFile uploads a JSONL request file with purpose "batch".
func (c *OpenAIClient) UploadFile(ctx context.Context, name string, data []byte) (string, error) {
	var body bytes.Buffer
	form := multipart.NewWriter(&body)
	if err := form.WriteField("purpose", "batch"); err != nil {
		return "", fmt.Errorf("failed to build upload form: %w", err)
	}
	part, err := form.CreateFormFile("file", name)
	if err != nil {
		return "", fmt.Errorf("failed to build upload form: %w", err)
	}
	if _, err := part.Write(data); err != nil {
		return "", fmt.Errorf("failed to build upload form: %w", err)
	}
	if err := form.Close(); err != nil {
		return "", fmt.Errorf("failed to build upload form: %w", err)
	}

	var resp fileResponse
	if err := c.do(ctx, http.MethodPost, "/v1/files", form.FormDataContentType(), &body, &resp); err != nil {
		return "", fmt.Errorf("file upload failed: %w", err)
	}

	c.logger.Info("Uploaded batch input file",
		zap.String("file_id", resp.ID),
		zap.String("name", name),
		zap.Int("size_bytes", len(data)))
	return resp.ID, nil
}

// CreateBatch submits a batch over the uploaded input file.
func (c *OpenAIClient) CreateBatch(ctx context.Context, inputFileID string) (*Batch, error) {
	payload, err := json.Marshal(map[string]string{
		"input_file_id":     inputFileID,
		"endpoint":          chatCompletionsPath,
		"completion_window": completionWindow,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to marshal batch request: %w", err)
	}

	var resp batchResponse
	if err := c.do(ctx, http.MethodPost, "/v1/batches", "application/json", bytes.NewReader(payload), &resp); err != nil {
		return nil, fmt.Errorf("batch creation failed: %w", err)
	}

	c.logger.Info("Created batch",
		zap.String("batch_id", resp.ID),
		zap.String("input_file_id", inputFileID),
		zap.String("status", resp.Status))
	return toBatch(&resp), nil
}

// GetStatus fetches the batch's current state.
func (c *OpenAIClient) GetStatus(ctx context.Context, batchID string) (*Batch, error) {
	var resp batchResponse
	if err := c.do(ctx, http.MethodGet, "/v1/batches/"+batchID, "", nil, &resp); err != nil {
		return nil, fmt.Errorf("batch status fetch failed: %w", err)
	}
	return toBatch(&resp), nil
}

// DownloadFile fetches a file's raw contents.
func (c *OpenAIClient) DownloadFile(ctx context.Context, fileID string) ([]byte, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL+"/v1/files/"+fileID+"/content", nil)
	if err != nil {
		return nil, fmt.Errorf("failed to build download request: %w", err)
	}
	req.Header.Set("Authorization", "Bearer "+c.apiKey)

	resp, err := c.http.Do(req)
	if err != nil {
		return nil, fmt.Errorf("file download failed: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		snippet, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return nil, fmt.Errorf("file download failed: status code: %d: %s", resp.StatusCode, snippet)
	}
	return io.ReadAll(resp.Body)
}

// CancelBatch asks the provider to cancel the batch.
func (c *OpenAIClient) CancelBatch(ctx context.Context, batchID string) error {
	var resp batchResponse
	if err := c.do(ctx, http.MethodPost, "/v1/batches/"+batchID+"/cancel", "application/json", nil, &resp); err != nil {
		return fmt.Errorf("batch cancel failed: %w", err)
	}
	return nil
}

func (c *OpenAIClient) do(ctx context.Context, method, path, contentType string, body io.Reader, out any) error {
	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, body)
	if err != nil {
		return fmt.Errorf("failed to build request: %w", err)
	}
	req.Header.Set("Authorization", "Bearer "+c.apiKey)
	if contentType != "" {
		req.Header.Set("Content-Type", contentType)
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return fmt.Errorf("failed to read response: %w", err)
	}
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return fmt.Errorf("status code: %d: %s", resp.StatusCode, truncateBody(data))
	}
	if out != nil {
		if err := json.Unmarshal(data, out); err != nil {
			return fmt.Errorf("failed to parse response: %w", err)
		}
	}
	return nil
}

// toBatch maps provider status strings onto the tracked state machine.
// Unknown strings conservatively map to in_progress so polling continues.
func toBatch(resp *batchResponse) *Batch {
	state := status.BatchState(resp.Status)
	switch state {
	case status.StateValidating, status.StateInProgress, status.StateFinalizing,
		status.StateCompleted, status.StateFailed, status.StateExpired,
		status.StateCancelling, status.StateCancelled:
	default:
		state = status.StateInProgress
	}
	return &Batch{
		ID:           resp.ID,
		State:        state,
		InputFileID:  resp.InputFileID,
		OutputFileID: resp.OutputFileID,
		ErrorFileID:  resp.ErrorFileID,
		RequestCounts: status.RequestCounts{
			Total:     resp.RequestCounts.Total,
			Completed: resp.RequestCounts.Completed,
			Failed:    resp.RequestCounts.Failed,
		},
	}
}

func truncateBody(data []byte) string {
	const max = 512
	if len(data) > max {
		return string(data[:max]) + "..."
	}
	return string(data)
}
