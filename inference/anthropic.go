package inference

import (
	"context"
	"fmt"
	"strings"

	"github.com/anthropics/anthropic-sdk-go"

	"github.com/talekeeper/mnemo/core"
)

// AnthropicCompleter calls the Anthropic Messages API.
type AnthropicCompleter struct {
	client    *anthropic.Client
	model     string
	maxTokens int64
}

// AnthropicConfig configures the completer.
type AnthropicConfig struct {
	// Model is the model name. Default: claude-sonnet-4-20250514.
	Model string

	// MaxTokens caps the response. Default: 4096.
	MaxTokens int64
}

// NewAnthropicCompleter creates a completer over an existing client.
func NewAnthropicCompleter(client *anthropic.Client, cfg AnthropicConfig) *AnthropicCompleter {
	if cfg.Model == "" {
		cfg.Model = "claude-sonnet-4-20250514"
	}
	if cfg.MaxTokens == 0 {
		cfg.MaxTokens = 4096
	}
	return &AnthropicCompleter{
		client:    client,
		model:     cfg.Model,
		maxTokens: cfg.MaxTokens,
	}
}

// Complete sends the history and new message to the Messages API.
// System-role history entries fold into the system prompt; user and
// assistant turns map to API messages in order.
func (a *AnthropicCompleter) Complete(ctx context.Context, systemContext string, history []core.Message, userText string) (string, error) {
	systemParts := []string{systemContext}
	var messages []anthropic.MessageParam

	for _, m := range history {
		switch m.Role {
		case core.RoleUser:
			messages = append(messages, anthropic.NewUserMessage(anthropic.NewTextBlock(m.Content)))
		case core.RoleAssistant:
			messages = append(messages, anthropic.NewAssistantMessage(anthropic.NewTextBlock(m.Content)))
		case core.RoleSystem:
			systemParts = append(systemParts, m.Content)
		}
	}
	messages = append(messages, anthropic.NewUserMessage(anthropic.NewTextBlock(userText)))

	params := anthropic.MessageNewParams{
		Model:     anthropic.Model(a.model),
		MaxTokens: a.maxTokens,
		Messages:  messages,
		System: []anthropic.TextBlockParam{
			{Text: strings.Join(systemParts, "\n\n")},
		},
	}

	resp, err := a.client.Messages.New(ctx, params)
	if err != nil {
		return "", wrap(ctx, err)
	}

	var text string
	for _, block := range resp.Content {
		if block.Type == "text" {
			text += block.Text
		}
	}
	if text == "" {
		return "", &UpstreamError{Err: fmt.Errorf("empty completion")}
	}
	return text, nil
}
