package instrument

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mattdarbro/loop-symphony/pkg/models"
)

type fakeImageAnalyzer struct {
	answer string
	err    error
}

func (f *fakeImageAnalyzer) AnalyzeImage(context.Context, string, string, string) (string, error) {
	return f.answer, f.err
}

func TestVision_Execute_NoAttachmentIsBoundedWithNoToolCalls(t *testing.T) {
	calls := 0
	v := &Vision{vision: &countingAnalyzer{calls: &calls, answer: "x"}}

	res, err := v.Execute(context.Background(), "what is in this image", ExecutionContext{
		Request: &models.RequestContext{},
	})
	require.NoError(t, err)
	assert.Equal(t, models.OutcomeBounded, res.Outcome)
	assert.Equal(t, 0, calls)
}

type countingAnalyzer struct {
	calls  *int
	answer string
	err    error
}

func (c *countingAnalyzer) AnalyzeImage(context.Context, string, string, string) (string, error) {
	*c.calls++
	return c.answer, c.err
}

func TestVision_Execute_WithBase64AttachmentCompletes(t *testing.T) {
	v := &Vision{vision: &fakeImageAnalyzer{answer: "this is a detailed trail map showing three loops"}, maxIter: 3, confidenceThreshold: 0.7}

	res, err := v.Execute(context.Background(), "describe this", ExecutionContext{
		Request: &models.RequestContext{
			Attachments: []models.Attachment{{Base64: "aGVsbG8=", Kind: "image/png"}},
		},
	})
	require.NoError(t, err)
	assert.Equal(t, models.OutcomeComplete, res.Outcome)
	require.Len(t, res.Findings, 1)
}

func TestVision_Execute_URLAttachmentIsBounded(t *testing.T) {
	v := &Vision{vision: &fakeImageAnalyzer{answer: "should not be called"}}

	res, err := v.Execute(context.Background(), "describe this", ExecutionContext{
		Request: &models.RequestContext{
			Attachments: []models.Attachment{{URL: "https://example.com/trail.jpg"}},
		},
	})
	require.NoError(t, err)
	assert.Equal(t, models.OutcomeBounded, res.Outcome)
}
