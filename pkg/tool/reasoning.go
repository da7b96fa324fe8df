package tool

import (
	"context"
	"errors"
	"fmt"

	sdk "github.com/anthropics/anthropic-sdk-go"
	"github.com/anthropics/anthropic-sdk-go/option"
)

// messagesClient captures the subset of the Anthropic SDK used here, so
// tests can substitute a fake without touching the network.
type messagesClient interface {
	New(ctx context.Context, body sdk.MessageNewParams, opts ...option.RequestOption) (*sdk.Message, error)
}

// ReasoningTool is the in-process LLM tool instruments reach for via the
// "reasoning" capability — spec §4.2's Note/Research/Vision/Synthesis
// instruments all resolve this capability to turn accumulated findings into
// prose, or to decide what to look at next.
type ReasoningTool struct {
	msg       messagesClient
	model     string
	maxTokens int
}

// ReasoningOptions configures a ReasoningTool.
type ReasoningOptions struct {
	Model     string
	MaxTokens int
}

// NewReasoningTool constructs a ReasoningTool from an Anthropic API key.
func NewReasoningTool(apiKey string, opts ReasoningOptions) (*ReasoningTool, error) {
	if apiKey == "" {
		return nil, errors.New("tool: anthropic api key is required")
	}
	if opts.Model == "" {
		opts.Model = string(sdk.ModelClaudeSonnet4_5)
	}
	if opts.MaxTokens <= 0 {
		opts.MaxTokens = 2048
	}
	client := sdk.NewClient(option.WithAPIKey(apiKey))
	return &ReasoningTool{msg: &client.Messages, model: opts.Model, maxTokens: opts.MaxTokens}, nil
}

func (t *ReasoningTool) Name() string           { return "reasoning" }
func (t *ReasoningTool) Capabilities() []string { return []string{"reasoning", "synthesis", "vision"} }
func (t *ReasoningTool) Version() string        { return t.model }

// HealthCheck issues a minimal completion to confirm the API key and model
// are reachable.
func (t *ReasoningTool) HealthCheck(ctx context.Context) error {
	_, err := t.Complete(ctx, "ping")
	return err
}

// Complete sends a single-turn prompt and returns the assistant's text.
// Instruments use this for both "what should I look at next" planning
// turns and final-summary synthesis turns.
func (t *ReasoningTool) Complete(ctx context.Context, prompt string) (string, error) {
	msg, err := t.msg.New(ctx, sdk.MessageNewParams{
		Model:     sdk.Model(t.model),
		MaxTokens: int64(t.maxTokens),
		Messages: []sdk.MessageParam{
			sdk.NewUserMessage(sdk.NewTextBlock(prompt)),
		},
	})
	if err != nil {
		return "", fmt.Errorf("reasoning tool: %w", err)
	}
	var out string
	for _, block := range msg.Content {
		if block.Type == "text" {
			out += block.Text
		}
	}
	return out, nil
}

// AnalyzeImage asks the model to describe or answer a question about a
// base64-encoded image, for the Vision instrument's "vision" capability.
func (t *ReasoningTool) AnalyzeImage(ctx context.Context, prompt, mediaType, base64Data string) (string, error) {
	msg, err := t.msg.New(ctx, sdk.MessageNewParams{
		Model:     sdk.Model(t.model),
		MaxTokens: int64(t.maxTokens),
		Messages: []sdk.MessageParam{
			sdk.NewUserMessage(
				sdk.NewImageBlockBase64(mediaType, base64Data),
				sdk.NewTextBlock(prompt),
			),
		},
	})
	if err != nil {
		return "", fmt.Errorf("reasoning tool: analyze image: %w", err)
	}
	var out string
	for _, block := range msg.Content {
		if block.Type == "text" {
			out += block.Text
		}
	}
	return out, nil
}
