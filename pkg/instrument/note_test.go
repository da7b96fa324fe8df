package instrument

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mattdarbro/loop-symphony/pkg/models"
)

type fakeReasoner struct {
	answer string
	err    error
}

func (f *fakeReasoner) Complete(context.Context, string) (string, error) {
	return f.answer, f.err
}

func TestNote_Execute_HighConfidenceCompletes(t *testing.T) {
	n := &Note{reasoning: &fakeReasoner{answer: "the best hiking trail near Portland is Forest Park's Wildwood Trail"}, confidenceThreshold: 0.7}

	var checkpoints int
	ec := ExecutionContext{Checkpoint: func(context.Context, int, string, string, string, int64) { checkpoints++ }}

	res, err := n.Execute(context.Background(), "best trail?", ec)
	require.NoError(t, err)
	assert.Equal(t, models.OutcomeComplete, res.Outcome)
	assert.Equal(t, 1, checkpoints)
	require.Len(t, res.Findings, 1)
}

func TestNote_Execute_ShortAnswerBounded(t *testing.T) {
	n := &Note{reasoning: &fakeReasoner{answer: "maybe"}, confidenceThreshold: 0.7}
	res, err := n.Execute(context.Background(), "q", ExecutionContext{})
	require.NoError(t, err)
	assert.Equal(t, models.OutcomeBounded, res.Outcome)
}

func TestNote_MaxIterationsIsOne(t *testing.T) {
	n := &Note{reasoning: &fakeReasoner{}}
	assert.Equal(t, 1, n.MaxIterations())
	assert.Equal(t, models.ProcessAutonomic, n.ProcessType())
}
