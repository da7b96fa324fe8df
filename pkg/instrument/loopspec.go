package instrument

import (
	"context"
	"strings"
	"time"

	"github.com/mattdarbro/loop-symphony/pkg/config"
	"github.com/mattdarbro/loop-symphony/pkg/models"
	"github.com/mattdarbro/loop-symphony/pkg/termination"
	"github.com/mattdarbro/loop-symphony/pkg/tool"
)

// LoopPhase is one resolved step of a LoopSpec: a capability bound to a
// concrete reasoner and the prompt template that turns the running query
// and prior findings into a single Complete call.
type LoopPhase struct {
	Name           string
	Capability     string
	reasoning      reasoner
	PromptTemplate string
}

// LoopSpec is a dynamically registered instrument (spec §9): its phase
// sequence is data loaded from symphony.yaml rather than compiled in,
// grounded on the teacher's ChainConfig/StageConfig (pkg/config/chain.go)
// pattern of data-driven multi-stage execution. Every iteration runs the
// full phase sequence once, in order, and the evaluator decides whether to
// run another pass.
type LoopSpec struct {
	name                string
	phases              []LoopPhase
	evaluator           *termination.Evaluator
	maxIter             int
	processType         models.ProcessType
	confidenceThreshold float64
}

// NewLoopSpecInstrument resolves each phase's declared capability from the
// registry and wires it into a runnable instrument. A phase's capability
// must resolve to a reasoner (Complete(ctx, prompt)) — LoopSpec phases are
// text-in/text-out steps, not arbitrary tool calls.
func NewLoopSpecInstrument(name string, phaseSeeds []config.LoopPhaseSeed, registry *tool.Registry, evaluator *termination.Evaluator, processType models.ProcessType, opts ...Option) (*LoopSpec, error) {
	phases := make([]LoopPhase, 0, len(phaseSeeds))
	for _, seed := range phaseSeeds {
		resolved, err := registry.Resolve([]string{seed.Capability}, nil)
		if err != nil {
			return nil, err
		}
		r, ok := resolved[seed.Capability].(reasoner)
		if !ok {
			return nil, &tool.CapabilityError{Capability: seed.Capability, Err: errNotAReasoner}
		}
		phases = append(phases, LoopPhase{
			Name:           seed.Name,
			Capability:     seed.Capability,
			reasoning:      r,
			PromptTemplate: seed.PromptTemplate,
		})
	}

	o := resolveOptions(opts)
	if evaluator == nil {
		cfg := termination.DefaultConfig()
		cfg.ConfidenceThreshold = o.confidenceThresholdOr(cfg.ConfidenceThreshold)
		evaluator = termination.NewEvaluator(cfg)
	}
	if processType == "" {
		processType = models.ProcessSemiAutonomic
	}

	return &LoopSpec{
		name:                name,
		phases:              phases,
		evaluator:           evaluator,
		maxIter:             o.maxIterationsOr(5),
		processType:         processType,
		confidenceThreshold: o.confidenceThresholdOr(0.85),
	}, nil
}

func (l *LoopSpec) Name() string { return l.name }

func (l *LoopSpec) RequiredCapabilities() []string {
	caps := make([]string, len(l.phases))
	for i, p := range l.phases {
		caps[i] = p.Capability
	}
	return caps
}

func (l *LoopSpec) OptionalCapabilities() []string  { return nil }
func (l *LoopSpec) MaxIterations() int              { return l.maxIter }
func (l *LoopSpec) ProcessType() models.ProcessType { return l.processType }

// Execute runs every phase once per iteration, substituting {{query}} and
// {{last_output}} in each phase's prompt template, and stops once the
// evaluator says so or max_iterations is exhausted.
func (l *LoopSpec) Execute(ctx context.Context, query string, ec ExecutionContext) (models.InstrumentResult, error) {
	checkpoint := EnsureCheckpoint(ec)
	reportToolError := EnsureReportToolError(ec)

	var (
		findings       []models.Finding
		confidenceHist []float64
		lastOutput     string
	)

	for iter := 1; iter <= l.maxIter; iter++ {
		select {
		case <-ctx.Done():
			return partialResult(findings, lastOutput, confidenceHist, models.OutcomeBounded, "cancelled"), ctx.Err()
		default:
		}

		for _, phase := range l.phases {
			start := time.Now()
			prompt := renderPhasePrompt(phase.PromptTemplate, query, lastOutput)
			output, err := phase.reasoning.Complete(ctx, prompt)
			duration := time.Since(start).Milliseconds()
			if err != nil {
				reportToolError(ctx, phase.Capability, err)
				findings = append(findings, lowConfidenceFinding(phase.Capability, err))
				checkpoint(ctx, iter, phase.Name, prompt, "", duration)
				continue
			}
			lastOutput = output
			findings = append(findings, models.Finding{
				Content:    output,
				Source:     phase.Name,
				Confidence: confidenceFromAnswer(output),
				Timestamp:  time.Now(),
			})
			checkpoint(ctx, iter, phase.Name, prompt, output, duration)
		}

		confidence := confidenceFromFindings(findings)
		confidenceHist = append(confidenceHist, confidence)

		decision := l.evaluator.Evaluate(termination.IterationState{
			IterationNum:      iter,
			ConfidenceHistory: confidenceHist,
		})
		if decision.Stop {
			return models.InstrumentResult{
				Findings:    findings,
				Summary:     lastOutput,
				Confidence:  confidence,
				Outcome:     decision.Outcome,
				Discrepancy: decision.Discrepancy,
			}, nil
		}
	}

	return models.InstrumentResult{
		Findings:    findings,
		Summary:     lastOutput,
		Confidence:  confidenceFromFindings(findings),
		Outcome:     models.OutcomeBounded,
		Discrepancy: termination.FormatDiscrepancy("max_iterations", l.maxIter),
	}, nil
}

// renderPhasePrompt substitutes the two placeholders a LoopSpec phase
// template may reference. Anything else in the template passes through
// unchanged, so operators can write plain instructional text around them.
func renderPhasePrompt(template, query, lastOutput string) string {
	replacer := strings.NewReplacer("{{query}}", query, "{{last_output}}", lastOutput)
	return replacer.Replace(template)
}
