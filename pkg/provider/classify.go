package provider

import (
	"context"
	"errors"
	"net"
	"strings"

	loomerrors "github.com/caselens/loom/pkg/errors"
	"github.com/caselens/loom/pkg/pipeline"
)

// transientMarkers are substrings that identify a retryable provider error
// when no typed error is available from the client.
var transientMarkers = []string{
	"timeout",
	"timed out",
	"rate limit",
	"too many requests",
	"status code: 429",
	"status code: 500",
	"status code: 502",
	"status code: 503",
	"status code: 504",
	"connection reset",
	"connection refused",
	"unexpected eof",
}

// IsTransient reports whether a provider error is worth retrying: timeouts,
// rate limits and server-side failures. Truncation is never transient.
func IsTransient(err error) bool {
	if err == nil {
		return false
	}
	if loomerrors.IsTruncated(err) {
		return false
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return true
	}
	var netErr net.Error
	if errors.As(err, &netErr) && netErr.Timeout() {
		return true
	}
	msg := strings.ToLower(err.Error())
	for _, marker := range transientMarkers {
		if strings.Contains(msg, marker) {
			return true
		}
	}
	return false
}

// Classify maps a provider error to an item error code.
func Classify(err error) pipeline.ErrorCode {
	if loomerrors.IsTruncated(err) {
		return pipeline.ErrorCodeProviderTruncated
	}
	return pipeline.ErrorCodeProviderTransient
}
