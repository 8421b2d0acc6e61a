// Package openai adapts the OpenAI chat completions API to
// capability.SingleTurn, and wraps that into capability.Conversational by
// prepending the system turn and concatenating history into a single
// prompt.
package openai

import (
	"context"
	"fmt"
	"strings"

	openai "github.com/sashabaranov/go-openai"

	"github.com/agent-handwerk/callcore/internal/capability"
)

// defaultModel is used when no model is configured.
const defaultModel = openai.GPT4oMini

// Adapter is a capability.SingleTurn backed by OpenAI chat completions.
type Adapter struct {
	client *openai.Client
	model  string
}

// New constructs an Adapter. apiKey must be non-empty.
func New(apiKey string, model string) (*Adapter, error) {
	if apiKey == "" {
		return nil, fmt.Errorf("llmadapter/openai: API key is required")
	}
	if model == "" {
		model = defaultModel
	}
	return &Adapter{client: openai.NewClient(apiKey), model: model}, nil
}

// Complete implements capability.SingleTurn.
func (a *Adapter) Complete(ctx context.Context, prompt string, opts capability.GenerateOptions) (string, error) {
	req := openai.ChatCompletionRequest{
		Model:       a.model,
		MaxTokens:   opts.MaxTokens,
		Temperature: float32(opts.Temperature),
		Messages: []openai.ChatCompletionMessage{
			{Role: openai.ChatMessageRoleUser, Content: prompt},
		},
	}
	resp, err := a.client.CreateChatCompletion(ctx, req)
	if err != nil {
		return "", fmt.Errorf("llmadapter/openai: completion: %w", err)
	}
	if len(resp.Choices) == 0 {
		return "", fmt.Errorf("llmadapter/openai: empty response")
	}
	return resp.Choices[0].Message.Content, nil
}

// Conversational wraps an Adapter (or any capability.SingleTurn) into
// capability.Conversational by flattening turn history into one prompt.
// Streaming is emulated: the full completion is split into word-sized
// fragments and delivered as if tokenized, since the underlying SingleTurn
// call has no streaming primitive of its own.
type Conversational struct {
	turn capability.SingleTurn
}

// WrapConversational adapts a capability.SingleTurn into
// capability.Conversational.
func WrapConversational(turn capability.SingleTurn) *Conversational {
	return &Conversational{turn: turn}
}

// Generate implements capability.Conversational.
func (c *Conversational) Generate(ctx context.Context, history []capability.Turn, opts capability.GenerateOptions) (string, error) {
	return c.turn.Complete(ctx, flattenHistory(history), opts)
}

// GenerateStream implements capability.Conversational by completing in full
// and re-chunking the result, since SingleTurn backends expose no
// token-level streaming.
func (c *Conversational) GenerateStream(ctx context.Context, history []capability.Turn, opts capability.GenerateOptions) (<-chan capability.TokenFragment, error) {
	text, err := c.turn.Complete(ctx, flattenHistory(history), opts)
	if err != nil {
		return nil, err
	}

	ch := make(chan capability.TokenFragment)
	go func() {
		defer close(ch)
		words := strings.Fields(text)
		for i, w := range words {
			frag := w
			if i < len(words)-1 {
				frag += " "
			}
			select {
			case ch <- capability.TokenFragment{Text: frag}:
			case <-ctx.Done():
				return
			}
		}
		select {
		case ch <- capability.TokenFragment{Done: true}:
		case <-ctx.Done():
		}
	}()
	return ch, nil
}

// flattenHistory renders a turn history as a single prompt, system turn
// first, since the wrapped SingleTurn capability has no notion of roles.
func flattenHistory(history []capability.Turn) string {
	var b strings.Builder
	for _, t := range history {
		switch t.Role {
		case capability.RoleSystem:
			b.WriteString("Instructions: ")
		case capability.RoleAssistant:
			b.WriteString("Assistant: ")
		default:
			b.WriteString("User: ")
		}
		b.WriteString(t.Content)
		b.WriteString("\n")
	}
	return b.String()
}
