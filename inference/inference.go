// Package inference defines the external completion collaborator: given
// a system context, bounded history, and the new user message, it returns
// the assistant's reply. The subsystem treats it as a black box with an
// explicit timeout; failures surface as retryable upstream errors.
package inference

import (
	"context"
	"errors"
	"fmt"

	"github.com/talekeeper/mnemo/core"
)

// Completer is the inference collaborator interface.
// Implementations: AnthropicCompleter (production), MockCompleter (tests).
type Completer interface {
	// Complete generates a reply to userText given the system context and
	// the bounded conversation history (chronological). The caller bounds
	// the call with a context deadline.
	Complete(ctx context.Context, systemContext string, history []core.Message, userText string) (string, error)
}

// UpstreamError wraps an inference failure. Timeout distinguishes a
// deadline expiry from other upstream faults; both are retryable from
// the caller's perspective.
type UpstreamError struct {
	Timeout bool
	Err     error
}

func (e *UpstreamError) Error() string {
	if e.Timeout {
		return fmt.Sprintf("inference timed out: %v", e.Err)
	}
	return fmt.Sprintf("inference failed: %v", e.Err)
}

func (e *UpstreamError) Unwrap() error { return e.Err }

// IsTimeout reports whether err is an upstream timeout.
func IsTimeout(err error) bool {
	var ue *UpstreamError
	return errors.As(err, &ue) && ue.Timeout
}

// wrap classifies an error from a completion call.
func wrap(ctx context.Context, err error) error {
	timeout := errors.Is(err, context.DeadlineExceeded) ||
		errors.Is(ctx.Err(), context.DeadlineExceeded)
	return &UpstreamError{Timeout: timeout, Err: err}
}
