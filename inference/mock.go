package inference

import (
	"context"
	"fmt"
	"time"

	"github.com/talekeeper/mnemo/core"
)

// MockCompleter is a scriptable completer for tests and offline runs.
type MockCompleter struct {
	// Reply, when set, computes the response. The default echoes the
	// user's message.
	Reply func(systemContext string, history []core.Message, userText string) (string, error)

	// Delay is applied before answering; combined with a short context
	// deadline it simulates an upstream timeout.
	Delay time.Duration
}

// Complete answers from the script, honoring context cancellation during
// the configured delay.
func (m *MockCompleter) Complete(ctx context.Context, systemContext string, history []core.Message, userText string) (string, error) {
	if m.Delay > 0 {
		select {
		case <-time.After(m.Delay):
		case <-ctx.Done():
			return "", wrap(ctx, ctx.Err())
		}
	}
	if err := ctx.Err(); err != nil {
		return "", wrap(ctx, err)
	}
	if m.Reply != nil {
		text, err := m.Reply(systemContext, history, userText)
		if err != nil {
			return "", wrap(ctx, err)
		}
		return text, nil
	}
	return fmt.Sprintf("echo: %s", userText), nil
}
