package instrument

import (
	"context"
	"fmt"
	"time"

	"github.com/mattdarbro/loop-symphony/pkg/models"
	"github.com/mattdarbro/loop-symphony/pkg/termination"
	"github.com/mattdarbro/loop-symphony/pkg/tool"
)

// searcher is the narrow interface Research needs from the web-search
// tool.
type searcher interface {
	Search(ctx context.Context, query string, maxResults int) ([]tool.SearchResult, error)
}

// Research is the SEMI_AUTONOMIC, up-to-5-iteration instrument: each
// iteration hypothesizes, gathers via web search, analyzes, and reflects,
// emitting a checkpoint and an accumulated Finding every pass.
type Research struct {
	reasoning reasoner
	search    searcher
	evaluator *termination.Evaluator
	maxIter   int
}

// NewResearch resolves "reasoning" (required) and "web_search"
// (required) from the registry. A nil evaluator gets termination's
// default config, further adjusted by WithConfidenceThreshold.
func NewResearch(registry *tool.Registry, evaluator *termination.Evaluator, opts ...Option) (*Research, error) {
	resolved, err := registry.Resolve([]string{"reasoning", "web_search"}, nil)
	if err != nil {
		return nil, err
	}
	r, ok := resolved["reasoning"].(reasoner)
	if !ok {
		return nil, &tool.CapabilityError{Capability: "reasoning", Err: errNotAReasoner}
	}
	s, ok := resolved["web_search"].(searcher)
	if !ok {
		return nil, &tool.CapabilityError{Capability: "web_search", Err: errorString("resolved web_search tool does not implement Search")}
	}
	o := resolveOptions(opts)
	if evaluator == nil {
		cfg := termination.DefaultConfig()
		cfg.ConfidenceThreshold = o.confidenceThresholdOr(cfg.ConfidenceThreshold)
		evaluator = termination.NewEvaluator(cfg)
	}
	return &Research{reasoning: r, search: s, evaluator: evaluator, maxIter: o.maxIterationsOr(5)}, nil
}

func (r *Research) Name() string                   { return "research" }
func (r *Research) RequiredCapabilities() []string  { return []string{"reasoning", "web_search"} }
func (r *Research) OptionalCapabilities() []string  { return nil }
func (r *Research) MaxIterations() int              { return r.maxIter }
func (r *Research) ProcessType() models.ProcessType { return models.ProcessSemiAutonomic }

func (r *Research) Execute(ctx context.Context, query string, ec ExecutionContext) (models.InstrumentResult, error) {
	checkpoint := EnsureCheckpoint(ec)
	reportToolError := EnsureReportToolError(ec)

	var (
		findings         []models.Finding
		confidenceHist   []float64
		sourcesConsulted = map[string]struct{}{}
		lastSummary      string
	)

	for iter := 1; iter <= r.maxIter; iter++ {
		select {
		case <-ctx.Done():
			return partialResult(findings, lastSummary, confidenceHist, models.OutcomeBounded, "cancelled"), ctx.Err()
		default:
		}

		start := time.Now()

		hypothesis, err := r.reasoning.Complete(ctx, fmt.Sprintf(
			"Given the question %q and findings so far: %v, what is the next most useful thing to investigate?",
			query, findings))
		if err != nil {
			// Per spec §7's propagation policy, a tool failure is recorded
			// and absorbed rather than aborting the whole run: the loop
			// keeps going on what it has, with this iteration's gap noted
			// as a low-confidence finding instead of a fatal outcome.
			reportToolError(ctx, "reasoning", err)
			findings = append(findings, lowConfidenceFinding("reasoning", err))
			confidenceHist = append(confidenceHist, confidenceFromFindings(findings))
			checkpoint(ctx, iter, "research", query, "", time.Since(start).Milliseconds())
			continue
		}

		results, err := r.search.Search(ctx, hypothesis, 5)
		newSource := false
		if err != nil {
			reportToolError(ctx, "web_search", err)
		}
		if err == nil {
			for _, res := range results {
				if _, seen := sourcesConsulted[res.URL]; !seen {
					sourcesConsulted[res.URL] = struct{}{}
					newSource = true
				}
				findings = append(findings, models.Finding{
					Content:    res.Content,
					Source:     res.URL,
					Confidence: res.Score,
					Timestamp:  time.Now(),
				})
			}
		}

		analysis, err := r.reasoning.Complete(ctx, fmt.Sprintf(
			"Synthesize a confident answer to %q from: %v", query, findings))
		if err != nil {
			reportToolError(ctx, "reasoning", err)
			findings = append(findings, lowConfidenceFinding("reasoning", err))
			confidenceHist = append(confidenceHist, confidenceFromFindings(findings))
			checkpoint(ctx, iter, "research", hypothesis, "", time.Since(start).Milliseconds())
			continue
		}
		lastSummary = analysis

		confidence := confidenceFromFindings(findings)
		confidenceHist = append(confidenceHist, confidence)
		duration := time.Since(start).Milliseconds()
		checkpoint(ctx, iter, "research", hypothesis, analysis, duration)

		decision := r.evaluator.Evaluate(termination.IterationState{
			IterationNum:            iter,
			ConfidenceHistory:       confidenceHist,
			NewSourcesThisIteration: newSource,
		})
		if decision.Stop {
			return models.InstrumentResult{
				Findings:    findings,
				Summary:     lastSummary,
				Confidence:  confidence,
				Outcome:     decision.Outcome,
				Discrepancy: decision.Discrepancy,
			}, nil
		}

		if ec.Spawn != nil && shouldSpawnFollowup(confidence, iter, r.maxIter) {
			sub, err := ec.Spawn(ctx, hypothesis, ec.Request)
			var depthErr *DepthExceededError
			if err != nil && !isDepthExceeded(err, &depthErr) {
				continue
			}
			if err == nil {
				findings = append(findings, sub.Findings...)
			}
		}
	}

	return models.InstrumentResult{
		Findings:    findings,
		Summary:     lastSummary,
		Confidence:  confidenceFromFindings(findings),
		Outcome:     models.OutcomeBounded,
		Discrepancy: termination.FormatDiscrepancy("max_iterations", r.maxIter),
	}, nil
}

// shouldSpawnFollowup decides, on a low-confidence mid-run iteration,
// whether to spawn a nested sub-task to chase a promising lead. Spawning
// is deliberately rare: only once, at iteration maxIter/2 (integer
// division), when confidence is still below 0.5.
func shouldSpawnFollowup(confidence float64, iter, maxIter int) bool {
	return confidence < 0.5 && iter == maxIter/2
}

func isDepthExceeded(err error, target **DepthExceededError) bool {
	de, ok := err.(*DepthExceededError)
	if ok {
		*target = de
	}
	return ok
}

func confidenceFromFindings(findings []models.Finding) float64 {
	if len(findings) == 0 {
		return 0
	}
	var sum float64
	for _, f := range findings {
		sum += f.Confidence
	}
	avg := sum / float64(len(findings))
	// More corroborating findings raise confidence modestly, capped at 0.95.
	boost := float64(len(findings)) * 0.02
	conf := avg + boost
	if conf > 0.95 {
		conf = 0.95
	}
	return conf
}

// lowConfidenceFinding stands in for an iteration's missing output when a
// tool call fails: it keeps the loop's finding count (and therefore its
// confidence trend) honest about the gap instead of silently skipping it.
func lowConfidenceFinding(toolName string, err error) models.Finding {
	return models.Finding{
		Content:    fmt.Sprintf("%s unavailable: %v", toolName, err),
		Source:     toolName,
		Confidence: 0.05,
		Timestamp:  time.Now(),
	}
}

func partialResult(findings []models.Finding, summary string, hist []float64, outcome models.Outcome, discrepancy string) models.InstrumentResult {
	var confidence float64
	if len(hist) > 0 {
		confidence = hist[len(hist)-1]
	}
	return models.InstrumentResult{
		Findings:    findings,
		Summary:     summary,
		Confidence:  confidence,
		Outcome:     outcome,
		Discrepancy: discrepancy,
	}
}
