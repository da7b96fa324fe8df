package tool

import (
	"context"
	"errors"
	"testing"

	sdk "github.com/anthropics/anthropic-sdk-go"
	"github.com/anthropics/anthropic-sdk-go/option"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type stubMessagesClient struct {
	resp *sdk.Message
	err  error
}

func (s *stubMessagesClient) New(_ context.Context, _ sdk.MessageNewParams, _ ...option.RequestOption) (*sdk.Message, error) {
	return s.resp, s.err
}

func TestReasoningTool_Complete(t *testing.T) {
	stub := &stubMessagesClient{
		resp: &sdk.Message{
			Content: []sdk.ContentBlockUnion{{Type: "text", Text: "the sky is blue"}},
		},
	}
	rt := &ReasoningTool{msg: stub, model: "claude-3.5-sonnet", maxTokens: 128}

	out, err := rt.Complete(context.Background(), "what color is the sky")
	require.NoError(t, err)
	assert.Equal(t, "the sky is blue", out)
	assert.Equal(t, "reasoning", rt.Name())
	assert.Contains(t, rt.Capabilities(), "synthesis")
}

func TestReasoningTool_Complete_PropagatesError(t *testing.T) {
	stub := &stubMessagesClient{err: errors.New("rate limited")}
	rt := &ReasoningTool{msg: stub, model: "claude-3.5-sonnet", maxTokens: 128}

	_, err := rt.Complete(context.Background(), "hello")
	assert.Error(t, err)
}

func TestReasoningTool_HealthCheck(t *testing.T) {
	stub := &stubMessagesClient{resp: &sdk.Message{}}
	rt := &ReasoningTool{msg: stub, model: "claude-3.5-sonnet", maxTokens: 128}
	assert.NoError(t, rt.HealthCheck(context.Background()))
}

func TestNewReasoningTool_RequiresAPIKey(t *testing.T) {
	_, err := NewReasoningTool("", ReasoningOptions{})
	assert.Error(t, err)
}

func TestReasoningTool_AnalyzeImage(t *testing.T) {
	stub := &stubMessagesClient{
		resp: &sdk.Message{
			Content: []sdk.ContentBlockUnion{{Type: "text", Text: "a trail map"}},
		},
	}
	rt := &ReasoningTool{msg: stub, model: "claude-3.5-sonnet", maxTokens: 128}

	out, err := rt.AnalyzeImage(context.Background(), "what is this", "image/png", "base64data")
	require.NoError(t, err)
	assert.Equal(t, "a trail map", out)
}
