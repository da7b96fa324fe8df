// Package termination decides, once per iteration, whether an instrument
// loop should stop and what terminal Outcome to record. The evaluator is
// pure — it looks only at the findings history and iteration count handed
// to it, never at wall-clock time or external state.
package termination

import (
	"fmt"

	"github.com/mattdarbro/loop-symphony/pkg/models"
)

// Config tunes the evaluator's thresholds. Zero values are replaced with
// the spec's defaults by NewEvaluator.
type Config struct {
	// ConfidenceThreshold is the confidence level that alone ends a loop
	// as complete. Default 0.85.
	ConfidenceThreshold float64
	// DeltaThreshold is the confidence-delta-per-iteration below which
	// a run is considered to have stopped improving. Default 0.02.
	DeltaThreshold float64
	// SaturationWindow is how many trailing iterations' delta are
	// checked against DeltaThreshold. Default 3.
	SaturationWindow int
	// MaxIterations bounds how long a loop may run before it is forced
	// to stop as bounded. Default 10.
	MaxIterations int
	// ContradictionSeverityThreshold is the minimum severity an
	// unresolved contradiction must reach to stop the loop as
	// inconclusive. Default 0.7.
	ContradictionSeverityThreshold float64
}

// DefaultConfig returns the spec's default thresholds.
func DefaultConfig() Config {
	return Config{
		ConfidenceThreshold:            0.85,
		DeltaThreshold:                 0.02,
		SaturationWindow:               3,
		MaxIterations:                  10,
		ContradictionSeverityThreshold: 0.7,
	}
}

func (c Config) withDefaults() Config {
	d := DefaultConfig()
	if c.ConfidenceThreshold == 0 {
		c.ConfidenceThreshold = d.ConfidenceThreshold
	}
	if c.DeltaThreshold == 0 {
		c.DeltaThreshold = d.DeltaThreshold
	}
	if c.SaturationWindow == 0 {
		c.SaturationWindow = d.SaturationWindow
	}
	if c.MaxIterations == 0 {
		c.MaxIterations = d.MaxIterations
	}
	if c.ContradictionSeverityThreshold == 0 {
		c.ContradictionSeverityThreshold = d.ContradictionSeverityThreshold
	}
	return c
}

// Contradiction is a flagged inconsistency between two findings, surfaced
// by an instrument's own synthesis step (the evaluator does not detect
// these itself — it only reacts to ones already identified).
type Contradiction struct {
	Description string
	Severity    float64
}

// IterationState is everything the evaluator needs to judge one iteration.
type IterationState struct {
	IterationNum int
	// ConfidenceHistory holds one confidence value per completed
	// iteration so far, in order, with the current iteration's value
	// last.
	ConfidenceHistory []float64
	// NewSourcesThisIteration reports whether this iteration consulted
	// any source not seen in a prior iteration.
	NewSourcesThisIteration bool
	Contradictions          []Contradiction
}

// Decision is the evaluator's verdict for one iteration.
type Decision struct {
	Stop       bool
	Outcome    models.Outcome
	Discrepancy string
}

// Evaluator applies the spec's five ordered stop rules.
type Evaluator struct {
	cfg Config
}

// NewEvaluator builds an Evaluator, filling any zero-valued Config field
// with its spec default.
func NewEvaluator(cfg Config) *Evaluator {
	return &Evaluator{cfg: cfg.withDefaults()}
}

// Evaluate applies the rules in order and returns the first one that
// fires. Rule 1 (confidence threshold) is checked before rule 2
// (saturation) so that on the same iteration a confidence spike always
// wins over a saturation reading — the spec's explicit tie-break.
func (e *Evaluator) Evaluate(state IterationState) Decision {
	if len(state.ConfidenceHistory) == 0 {
		return Decision{Stop: false}
	}
	current := state.ConfidenceHistory[len(state.ConfidenceHistory)-1]

	// Rule 1: confidence threshold.
	if current >= e.cfg.ConfidenceThreshold {
		return Decision{Stop: true, Outcome: models.OutcomeComplete}
	}

	// Rule 2: saturation — last K iterations barely moved and nothing
	// new was consulted.
	if e.saturated(state.ConfidenceHistory) && !state.NewSourcesThisIteration {
		return Decision{Stop: true, Outcome: models.OutcomeSaturated}
	}

	// Rule 3: iteration budget exhausted.
	if state.IterationNum >= e.cfg.MaxIterations {
		return Decision{Stop: true, Outcome: models.OutcomeBounded}
	}

	// Rule 4: an unresolved contradiction above the severity threshold.
	if c, ok := worstContradiction(state.Contradictions); ok && c.Severity >= e.cfg.ContradictionSeverityThreshold {
		return Decision{
			Stop:        true,
			Outcome:     models.OutcomeInconclusive,
			Discrepancy: c.Description,
		}
	}

	// Rule 5: continue.
	return Decision{Stop: false}
}

// saturated reports whether every consecutive delta within the trailing
// SaturationWindow falls below DeltaThreshold. It requires at least
// SaturationWindow+1 samples to have a full window of deltas to judge.
func (e *Evaluator) saturated(history []float64) bool {
	window := e.cfg.SaturationWindow
	if len(history) < window+1 {
		return false
	}
	tail := history[len(history)-(window+1):]
	for i := 1; i < len(tail); i++ {
		delta := tail[i] - tail[i-1]
		if delta < 0 {
			delta = -delta
		}
		if delta >= e.cfg.DeltaThreshold {
			return false
		}
	}
	return true
}

func worstContradiction(cs []Contradiction) (Contradiction, bool) {
	if len(cs) == 0 {
		return Contradiction{}, false
	}
	worst := cs[0]
	for _, c := range cs[1:] {
		if c.Severity > worst.Severity {
			worst = c
		}
	}
	return worst, true
}

// FormatDiscrepancy renders a human-readable discrepancy string for a
// bounded outcome caused by hitting max_iterations, naming the limit per
// spec §7's DepthExceededError convention of "naming the limit".
func FormatDiscrepancy(limitName string, limit int) string {
	return fmt.Sprintf("%s limit of %d reached", limitName, limit)
}
