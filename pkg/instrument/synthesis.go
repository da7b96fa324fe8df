package instrument

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/mattdarbro/loop-symphony/pkg/models"
	"github.com/mattdarbro/loop-symphony/pkg/tool"
)

// Synthesis merges a set of InstrumentResult (supplied via
// context.input_results) with a confidence-weighted average, flags
// contradictions it cannot reconcile, and runs one re-synthesis pass when
// the merged confidence is weak. It is the default merge instrument for
// Parallel and Cross-Room compositions.
type Synthesis struct {
	reasoning           reasoner
	maxIter             int
	confidenceThreshold float64
}

// NewSynthesis resolves the "reasoning" capability from the registry.
func NewSynthesis(registry *tool.Registry, opts ...Option) (*Synthesis, error) {
	resolved, err := registry.Resolve([]string{"reasoning"}, nil)
	if err != nil {
		return nil, err
	}
	r, ok := resolved["reasoning"].(reasoner)
	if !ok {
		return nil, &tool.CapabilityError{Capability: "reasoning", Err: errNotAReasoner}
	}
	o := resolveOptions(opts)
	return &Synthesis{
		reasoning:           r,
		maxIter:             o.maxIterationsOr(2),
		confidenceThreshold: o.confidenceThresholdOr(0.6),
	}, nil
}

func (s *Synthesis) Name() string                   { return "synthesis" }
func (s *Synthesis) RequiredCapabilities() []string  { return []string{"reasoning"} }
func (s *Synthesis) OptionalCapabilities() []string  { return nil }
func (s *Synthesis) MaxIterations() int              { return s.maxIter }
func (s *Synthesis) ProcessType() models.ProcessType { return models.ProcessSemiAutonomic }

func (s *Synthesis) Execute(ctx context.Context, query string, ec ExecutionContext) (models.InstrumentResult, error) {
	checkpoint := EnsureCheckpoint(ec)

	var inputs []models.InstrumentResult
	if ec.Request != nil {
		inputs = ec.Request.InputResults
	}
	if len(inputs) == 0 {
		return models.InstrumentResult{
			Summary:    "no input results to synthesize",
			Confidence: 0,
			Outcome:    models.OutcomeBounded,
		}, nil
	}

	merged, confidence := weightedMerge(inputs)
	discrepancy := detectContradictions(inputs)

	start := time.Now()
	summary, err := s.reasoning.Complete(ctx, fmt.Sprintf(
		"Combine these findings into one coherent answer to %q: %v", query, merged))
	duration := time.Since(start).Milliseconds()
	checkpoint(ctx, 1, "merge", query, summary, duration)
	if err != nil {
		return models.InstrumentResult{}, err
	}

	if confidence < s.confidenceThreshold && s.maxIter >= 2 {
		start = time.Now()
		refined, err := s.reasoning.Complete(ctx, fmt.Sprintf(
			"Your merged answer %q was low confidence. Reconcile remaining gaps in: %v", summary, merged))
		duration = time.Since(start).Milliseconds()
		checkpoint(ctx, 2, "re-synthesize", summary, refined, duration)
		if err == nil {
			summary = refined
			confidence = confidence + 0.1
		}
	}

	outcome := models.OutcomeComplete
	if discrepancy != "" {
		outcome = models.OutcomeInconclusive
	} else if confidence < 0.7 {
		outcome = models.OutcomeBounded
	}

	return models.InstrumentResult{
		Findings:    merged,
		Summary:     summary,
		Confidence:  confidence,
		Outcome:     outcome,
		Discrepancy: discrepancy,
	}, nil
}

// weightedMerge flattens every input result's findings and its own
// top-level confidence into one list, then returns the overall
// confidence-weighted average confidence.
func weightedMerge(inputs []models.InstrumentResult) ([]models.Finding, float64) {
	var all []models.Finding
	var totalWeight, weighted float64
	for _, r := range inputs {
		all = append(all, r.Findings...)
		totalWeight += r.Confidence
		weighted += r.Confidence * r.Confidence
	}
	if totalWeight == 0 {
		return all, 0
	}
	return all, weighted / totalWeight
}

// detectContradictions flags every input whose outcome is inconclusive or
// bounded as an unreconciled discrepancy, naming each by its summary (or
// its index when the summary is empty).
func detectContradictions(inputs []models.InstrumentResult) string {
	var failed []string
	for i, r := range inputs {
		if r.Outcome == models.OutcomeInconclusive || r.Outcome == models.OutcomeBounded {
			label := r.Summary
			if label == "" {
				label = fmt.Sprintf("branch %d", i)
			}
			failed = append(failed, label)
		}
	}
	if len(failed) == 0 {
		return ""
	}
	sort.Strings(failed)
	return fmt.Sprintf("unreconciled branch(es): %s", strings.Join(failed, "; "))
}
