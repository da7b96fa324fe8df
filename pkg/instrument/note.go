package instrument

import (
	"context"
	"time"

	"github.com/mattdarbro/loop-symphony/pkg/models"
	"github.com/mattdarbro/loop-symphony/pkg/tool"
)

// reasoner is the narrow interface Note, Research, and Synthesis need from
// the reasoning tool, so tests can substitute a fake without the Anthropic
// SDK.
type reasoner interface {
	Complete(ctx context.Context, prompt string) (string, error)
}

// Note is the single-iteration, AUTONOMIC instrument: a direct answer
// from the reasoning tool with no further investigation.
type Note struct {
	reasoning           reasoner
	confidenceThreshold float64
}

// NewNote resolves the "reasoning" capability from the registry.
func NewNote(registry *tool.Registry, opts ...Option) (*Note, error) {
	resolved, err := registry.Resolve([]string{"reasoning"}, nil)
	if err != nil {
		return nil, err
	}
	r, ok := resolved["reasoning"].(reasoner)
	if !ok {
		return nil, &tool.CapabilityError{Capability: "reasoning", Err: errNotAReasoner}
	}
	o := resolveOptions(opts)
	return &Note{reasoning: r, confidenceThreshold: o.confidenceThresholdOr(0.7)}, nil
}

var errNotAReasoner = errorString("resolved reasoning tool does not implement Complete")

type errorString string

func (e errorString) Error() string { return string(e) }

func (n *Note) Name() string                    { return "note" }
func (n *Note) RequiredCapabilities() []string   { return []string{"reasoning"} }
func (n *Note) OptionalCapabilities() []string   { return nil }
func (n *Note) MaxIterations() int               { return 1 }
func (n *Note) ProcessType() models.ProcessType  { return models.ProcessAutonomic }

// Execute asks the reasoning tool for a direct answer and classifies the
// outcome by a fixed confidence heuristic: a response is "complete" if it
// is non-trivially long, else "bounded" — this package has no ground
// truth to score confidence against, so length is the only signal
// available without a second LLM call.
func (n *Note) Execute(ctx context.Context, query string, ec ExecutionContext) (models.InstrumentResult, error) {
	start := time.Now()
	checkpoint := EnsureCheckpoint(ec)

	answer, err := n.reasoning.Complete(ctx, query)
	duration := time.Since(start).Milliseconds()
	checkpoint(ctx, 1, "answer", query, answer, duration)

	if err != nil {
		return models.InstrumentResult{}, err
	}

	confidence := confidenceFromAnswer(answer)
	outcome := models.OutcomeBounded
	if confidence >= n.confidenceThreshold {
		outcome = models.OutcomeComplete
	}

	return models.InstrumentResult{
		Findings: []models.Finding{{
			Content:    answer,
			Source:     "reasoning",
			Confidence: confidence,
			Timestamp:  time.Now(),
		}},
		Summary:    answer,
		Confidence: confidence,
		Outcome:    outcome,
	}, nil
}

// confidenceFromAnswer is a cheap heuristic: short or empty answers read
// as low confidence, substantive ones as high.
func confidenceFromAnswer(answer string) float64 {
	switch {
	case len(answer) == 0:
		return 0
	case len(answer) < 40:
		return 0.5
	default:
		return 0.85
	}
}
