// Package anthropic adapts the Anthropic Messages API directly to
// capability.Conversational: unlike internal/llmadapter/openai, Claude's API
// is natively turn-based, so no SingleTurn-to-Conversational wrapping is
// needed here.
package anthropic

import (
	"context"
	"errors"
	"fmt"
	"io"

	"github.com/anthropics/anthropic-sdk-go"
	"github.com/anthropics/anthropic-sdk-go/option"

	"github.com/agent-handwerk/callcore/internal/capability"
)

// defaultModel is used when no model is configured.
const defaultModel = anthropic.ModelClaude3_5SonnetLatest

// defaultMaxTokens applies when GenerateOptions.MaxTokens is unset.
const defaultMaxTokens = 1024

// Adapter is a capability.Conversational backed by the Anthropic Messages
// API.
type Adapter struct {
	client anthropic.Client
	model  anthropic.Model
}

// New constructs an Adapter. apiKey must be non-empty.
func New(apiKey string, model string) (*Adapter, error) {
	if apiKey == "" {
		return nil, fmt.Errorf("llmadapter/anthropic: API key is required")
	}
	m := anthropic.Model(model)
	if model == "" {
		m = defaultModel
	}
	return &Adapter{
		client: anthropic.NewClient(option.WithAPIKey(apiKey)),
		model:  m,
	}, nil
}

func (a *Adapter) buildParams(history []capability.Turn, opts capability.GenerateOptions) anthropic.MessageNewParams {
	maxTokens := int64(opts.MaxTokens)
	if maxTokens <= 0 {
		maxTokens = defaultMaxTokens
	}

	var system string
	var messages []anthropic.MessageParam
	for _, t := range history {
		switch t.Role {
		case capability.RoleSystem:
			system = t.Content
		case capability.RoleAssistant:
			messages = append(messages, anthropic.NewAssistantMessage(anthropic.NewTextBlock(t.Content)))
		default:
			messages = append(messages, anthropic.NewUserMessage(anthropic.NewTextBlock(t.Content)))
		}
	}

	params := anthropic.MessageNewParams{
		Model:     a.model,
		MaxTokens: maxTokens,
		Messages:  messages,
	}
	if system != "" {
		params.System = []anthropic.TextBlockParam{{Text: system}}
	}
	return params
}

// Generate implements capability.Conversational.
func (a *Adapter) Generate(ctx context.Context, history []capability.Turn, opts capability.GenerateOptions) (string, error) {
	resp, err := a.client.Messages.New(ctx, a.buildParams(history, opts))
	if err != nil {
		return "", fmt.Errorf("llmadapter/anthropic: message: %w", err)
	}

	var text string
	for _, block := range resp.Content {
		if tb, ok := block.AsAny().(anthropic.TextBlock); ok {
			text += tb.Text
		}
	}
	return text, nil
}

// GenerateStream implements capability.Conversational.
func (a *Adapter) GenerateStream(ctx context.Context, history []capability.Turn, opts capability.GenerateOptions) (<-chan capability.TokenFragment, error) {
	stream := a.client.Messages.NewStreaming(ctx, a.buildParams(history, opts))

	ch := make(chan capability.TokenFragment)
	go func() {
		defer close(ch)
		for stream.Next() {
			event := stream.Current()
			delta, ok := event.AsAny().(anthropic.ContentBlockDeltaEvent)
			if !ok {
				continue
			}
			text, ok := delta.Delta.AsAny().(anthropic.TextDelta)
			if !ok || text.Text == "" {
				continue
			}
			select {
			case ch <- capability.TokenFragment{Text: text.Text}:
			case <-ctx.Done():
				return
			}
		}
		if err := stream.Err(); err != nil && !errors.Is(err, io.EOF) {
			select {
			case ch <- capability.TokenFragment{Done: true}:
			default:
			}
			return
		}
		select {
		case ch <- capability.TokenFragment{Done: true}:
		case <-ctx.Done():
		}
	}()
	return ch, nil
}
