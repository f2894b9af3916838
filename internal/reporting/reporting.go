// Package reporting wires Sentry error capture for fatal run failures.
// Reporting is optional: with no DSN configured every call is a no-op.
package reporting

import (
	"fmt"
	"time"

	"github.com/getsentry/sentry-go"
	"go.uber.org/zap"
)

// Config holds Sentry initialization parameters.
type Config struct {
	// DSN enables reporting when non-empty.
	DSN string

	Environment string
	Release     string
}

// Reporter captures fatal errors. The zero value is a disabled reporter.
type Reporter struct {
	enabled bool
	logger  *zap.Logger
}

// Init initializes Sentry when a DSN is configured.
func Init(cfg Config, logger *zap.Logger) (*Reporter, error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	if cfg.DSN == "" {
		return &Reporter{logger: logger}, nil
	}

	err := sentry.Init(sentry.ClientOptions{
		Dsn:         cfg.DSN,
		Environment: cfg.Environment,
		Release:     cfg.Release,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to initialize error reporting: %w", err)
	}
	return &Reporter{enabled: true, logger: logger}, nil
}

// CaptureFatal reports a fatal run error with job context.
func (r *Reporter) CaptureFatal(err error, jobID, timestamp string) {
	if r == nil || !r.enabled || err == nil {
		return
	}
	sentry.WithScope(func(scope *sentry.Scope) {
		scope.SetTag("job_id", jobID)
		scope.SetTag("run_timestamp", timestamp)
		scope.SetLevel(sentry.LevelFatal)
		sentry.CaptureException(err)
	})
}

// Flush drains pending events before process exit.
func (r *Reporter) Flush() {
	if r == nil || !r.enabled {
		return
	}
	if !sentry.Flush(2 * time.Second) {
		r.logger.Warn("Error reporting flush timed out")
	}
}
