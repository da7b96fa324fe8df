package instrument

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mattdarbro/loop-symphony/pkg/models"
)

func TestSynthesis_Execute_NoInputsIsBounded(t *testing.T) {
	s := &Synthesis{reasoning: &fakeReasoner{}, maxIter: 2, confidenceThreshold: 0.6}
	res, err := s.Execute(context.Background(), "q", ExecutionContext{})
	require.NoError(t, err)
	assert.Equal(t, models.OutcomeBounded, res.Outcome)
}

func TestSynthesis_Execute_MergesHighConfidenceInputs(t *testing.T) {
	s := &Synthesis{reasoning: &fakeReasoner{answer: "combined answer"}, maxIter: 2, confidenceThreshold: 0.6}
	ec := ExecutionContext{
		Request: &models.RequestContext{
			InputResults: []models.InstrumentResult{
				{Findings: []models.Finding{{Content: "a"}}, Confidence: 0.9, Outcome: models.OutcomeComplete},
				{Findings: []models.Finding{{Content: "b"}}, Confidence: 0.85, Outcome: models.OutcomeComplete},
			},
		},
	}
	res, err := s.Execute(context.Background(), "q", ec)
	require.NoError(t, err)
	assert.Equal(t, models.OutcomeComplete, res.Outcome)
	assert.Empty(t, res.Discrepancy)
	assert.Len(t, res.Findings, 2)
}

func TestSynthesis_Execute_FlagsFailedBranch(t *testing.T) {
	s := &Synthesis{reasoning: &fakeReasoner{answer: "combined"}, maxIter: 2, confidenceThreshold: 0.6}
	ec := ExecutionContext{
		Request: &models.RequestContext{
			InputResults: []models.InstrumentResult{
				{Findings: []models.Finding{{Content: "a"}}, Confidence: 0.9, Outcome: models.OutcomeComplete},
				{Summary: "branch timed out", Confidence: 0, Outcome: models.OutcomeInconclusive},
			},
		},
	}
	res, err := s.Execute(context.Background(), "q", ec)
	require.NoError(t, err)
	assert.Equal(t, models.OutcomeInconclusive, res.Outcome)
	assert.Contains(t, res.Discrepancy, "branch timed out")
}

func TestSynthesis_Execute_RerunsOnLowConfidence(t *testing.T) {
	s := &Synthesis{reasoning: &fakeReasoner{answer: "weak merge"}, maxIter: 2, confidenceThreshold: 0.6}
	ec := ExecutionContext{
		Request: &models.RequestContext{
			InputResults: []models.InstrumentResult{
				{Findings: []models.Finding{{Content: "a"}}, Confidence: 0.3, Outcome: models.OutcomeComplete},
			},
		},
	}
	var checkpoints int
	ec.Checkpoint = func(context.Context, int, string, string, string, int64) { checkpoints++ }

	res, err := s.Execute(context.Background(), "q", ec)
	require.NoError(t, err)
	assert.Equal(t, 2, checkpoints)
	assert.Equal(t, models.OutcomeBounded, res.Outcome)
}
