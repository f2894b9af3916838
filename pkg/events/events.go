// Package events publishes run lifecycle notifications over NATS so
// downstream consumers (dashboards, alerting) can watch long batch runs
// without polling the filesystem. Publishing is best-effort: a failed
// publish is logged and never fails the run.
package events

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/nats-io/nats.go"
	"go.uber.org/zap"

	"github.com/caselens/loom/pkg/pipeline"
)

// Subjects for the lifecycle events.
const (
	SubjectRunStarted   = "loom.run.started"
	SubjectRunProgress  = "loom.run.progress"
	SubjectRunCompleted = "loom.run.completed"
)

// Config holds connection parameters for the event publisher.
type Config struct {
	// URL is the NATS server URL (e.g., "nats://localhost:4222").
	URL string

	// Name identifies this connection on the server.
	Name string

	MaxReconnects int
	ReconnectWait time.Duration
	Timeout       time.Duration
}

// DefaultConfig returns a configuration with sensible defaults.
func DefaultConfig(url string) Config {
	return Config{
		URL:           url,
		Name:          "loom-events",
		MaxReconnects: 10,
		ReconnectWait: 2 * time.Second,
		Timeout:       5 * time.Second,
	}
}

// Publisher sends lifecycle events. Safe for concurrent use.
type Publisher struct {
	conn   *nats.Conn
	logger *zap.Logger
}

// Connect establishes the NATS connection for publishing.
func Connect(cfg Config, logger *zap.Logger) (*Publisher, error) {
	if cfg.URL == "" {
		return nil, fmt.Errorf("NATS URL cannot be empty")
	}
	if logger == nil {
		logger = zap.NewNop()
	}

	opts := []nats.Option{
		nats.Name(cfg.Name),
		nats.MaxReconnects(cfg.MaxReconnects),
		nats.ReconnectWait(cfg.ReconnectWait),
		nats.Timeout(cfg.Timeout),
		nats.DisconnectErrHandler(func(_ *nats.Conn, err error) {
			if err != nil {
				logger.Warn("NATS disconnected", zap.Error(err))
			}
		}),
		nats.ReconnectHandler(func(nc *nats.Conn) {
			logger.Info("NATS reconnected", zap.String("url", nc.ConnectedUrl()))
		}),
	}

	conn, err := nats.Connect(cfg.URL, opts...)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to NATS: %w", err)
	}
	return &Publisher{conn: conn, logger: logger}, nil
}

// Close drains the connection so in-flight publishes complete.
func (p *Publisher) Close() error {
	if p == nil || p.conn == nil {
		return nil
	}
	if err := p.conn.Drain(); err != nil {
		p.conn.Close()
		return fmt.Errorf("error draining NATS connection: %w", err)
	}
	return nil
}

// runStartedEvent is the payload of SubjectRunStarted.
type runStartedEvent struct {
	JobID      string `json:"jobId"`
	Timestamp  string `json:"timestamp"`
	TotalItems int    `json:"totalItems"`
	EmittedAt  string `json:"emittedAt"`
}

// runProgressEvent is the payload of SubjectRunProgress.
type runProgressEvent struct {
	JobID     string `json:"jobId"`
	Timestamp string `json:"timestamp"`
	Processed int64  `json:"processed"`
	Success   int64  `json:"success"`
	Failure   int64  `json:"failure"`
	EmittedAt string `json:"emittedAt"`
}

// runCompletedEvent is the payload of SubjectRunCompleted.
type runCompletedEvent struct {
	JobID     string              `json:"jobId"`
	Timestamp string              `json:"timestamp"`
	Summary   pipeline.RunSummary `json:"summary"`
	EmittedAt string              `json:"emittedAt"`
}

// RunStarted publishes a run-started event.
func (p *Publisher) RunStarted(_ context.Context, jobID, timestamp string, totalItems int) {
	p.publish(SubjectRunStarted, runStartedEvent{
		JobID:      jobID,
		Timestamp:  timestamp,
		TotalItems: totalItems,
		EmittedAt:  now(),
	})
}

// Progress publishes a progress event.
func (p *Publisher) Progress(_ context.Context, jobID, timestamp string, processed, success, failure int64) {
	p.publish(SubjectRunProgress, runProgressEvent{
		JobID:     jobID,
		Timestamp: timestamp,
		Processed: processed,
		Success:   success,
		Failure:   failure,
		EmittedAt: now(),
	})
}

// RunCompleted publishes a run-completed event.
func (p *Publisher) RunCompleted(_ context.Context, jobID, timestamp string, summary pipeline.RunSummary) {
	p.publish(SubjectRunCompleted, runCompletedEvent{
		JobID:     jobID,
		Timestamp: timestamp,
		Summary:   summary,
		EmittedAt: now(),
	})
}

func (p *Publisher) publish(subject string, payload any) {
	data, err := json.Marshal(payload)
	if err != nil {
		p.logger.Warn("Failed to marshal lifecycle event",
			zap.String("subject", subject), zap.Error(err))
		return
	}
	if err := p.conn.Publish(subject, data); err != nil {
		p.logger.Warn("Failed to publish lifecycle event",
			zap.String("subject", subject), zap.Error(err))
	}
}

func now() string {
	return time.Now().UTC().Format(time.RFC3339)
}
