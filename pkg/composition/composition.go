// Package composition implements the Sequential, Parallel, and Cross-Room
// arrangements that chain or fan out instrument runs. Every composition
// is duck-typed over the same Execute signature as an instrument, so the
// Conductor can route to one exactly as it would to a baseline
// instrument (spec §4.4).
package composition

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/mattdarbro/loop-symphony/pkg/instrument"
	"github.com/mattdarbro/loop-symphony/pkg/models"
)

// InstrumentRunner is the narrow slice of Conductor behavior a
// composition needs: the ability to run one named instrument to
// completion. Defined here (the consumer) rather than in pkg/conductor
// so neither package imports the other's concrete type.
type InstrumentRunner interface {
	// RunInstrument runs the named instrument. cfg, when non-nil,
	// overrides that instrument's max_iterations/confidence_threshold
	// for this call only — the Conductor applies it before construction
	// and restores the instrument's default afterward, so a Sequential
	// step's override is never visible to sibling steps.
	RunInstrument(ctx context.Context, name string, query string, ec instrument.ExecutionContext, cfg *InstrumentConfig) (models.InstrumentResult, error)
}

// RoomDelegator is the narrow slice of Room Client behavior Cross-Room
// compositions need.
type RoomDelegator interface {
	Delegate(ctx context.Context, roomID, subQuery string, reqCtx *models.RequestContext) (models.InstrumentResult, error)
}

// InstrumentConfig overrides a step's defaults for the duration of that
// step only; the Conductor is responsible for restoring prior values
// afterward since this package has no notion of "the instrument's
// current config" beyond what it is handed per call.
type InstrumentConfig struct {
	MaxIterations       *int
	ConfidenceThreshold *float64
}

// Step is one stage of a Sequential composition.
type Step struct {
	Instrument string
	Config     *InstrumentConfig
}

// Sequential runs steps in order, piping each step's result into the
// next step's context.input_results. An inconclusive step halts the
// pipeline early.
type Sequential struct {
	Steps []Step
}

func (s *Sequential) Name() string                   { return "sequential" }
func (s *Sequential) ProcessType() models.ProcessType { return models.ProcessConscious }

// Execute runs every step, aggregating iterations/duration/sources as it
// goes, and returns early with the discrepancy of the first inconclusive
// step.
func (s *Sequential) Execute(ctx context.Context, query string, ec instrument.ExecutionContext, runner InstrumentRunner) (models.InstrumentResult, models.ExecutionMetadata, error) {
	var (
		meta       models.ExecutionMetadata
		sources    = map[string]struct{}{}
		lastResult models.InstrumentResult
	)
	meta.ProcessType = models.ProcessConscious

	stepCtx := ec
	for i, step := range s.Steps {
		stepEC := stepCtx
		var inputs []models.InstrumentResult
		if i > 0 {
			inputs = []models.InstrumentResult{lastResult}
		}
		stepEC.Request = cloneWithInputResults(stepCtx.Request, inputs)

		start := time.Now()
		result, err := runner.RunInstrument(ctx, step.Instrument, query, stepEC, step.Config)
		if err != nil {
			return models.InstrumentResult{}, meta, fmt.Errorf("sequential step %q: %w", step.Instrument, err)
		}
		meta.Iterations++
		meta.DurationMS += time.Since(start).Milliseconds()
		for _, f := range result.Findings {
			if f.Source != "" {
				sources[f.Source] = struct{}{}
			}
		}
		lastResult = result

		if result.Outcome == models.OutcomeInconclusive {
			meta.SourcesConsulted = sortedKeys(sources)
			return result, meta, nil
		}
	}
	meta.SourcesConsulted = sortedKeys(sources)
	return lastResult, meta, nil
}

// cloneWithInputResults returns a shallow copy of rc with InputResults
// replaced, without mutating the caller's RequestContext (sibling steps
// must not see a step's override).
func cloneWithInputResults(rc *models.RequestContext, inputs []models.InstrumentResult) *models.RequestContext {
	var out models.RequestContext
	if rc != nil {
		out = *rc
	}
	out.InputResults = inputs
	return &out
}

// Parallel launches every branch instrument concurrently with a shared
// per-branch timeout, then merges successful branches via mergeInstrument
// (defaulting to "synthesis").
type Parallel struct {
	Branches         []string
	BranchTimeout    time.Duration
	MergeInstrument  string
}

func (p *Parallel) Name() string                   { return "parallel" }
func (p *Parallel) ProcessType() models.ProcessType { return models.ProcessConscious }

type branchOutcome struct {
	instrument string
	result     models.InstrumentResult
	err        error
}

func (p *Parallel) Execute(ctx context.Context, query string, ec instrument.ExecutionContext, runner InstrumentRunner) (models.InstrumentResult, models.ExecutionMetadata, error) {
	timeout := p.BranchTimeout
	if timeout <= 0 {
		timeout = 60 * time.Second
	}
	merge := p.MergeInstrument
	if merge == "" {
		merge = "synthesis"
	}

	outcomes := make([]branchOutcome, len(p.Branches))
	var wg sync.WaitGroup
	for i, name := range p.Branches {
		wg.Add(1)
		go func(i int, name string) {
			defer wg.Done()
			branchCtx, cancel := context.WithTimeout(ctx, timeout)
			defer cancel()
			result, err := runner.RunInstrument(branchCtx, name, query, ec, nil)
			outcomes[i] = branchOutcome{instrument: name, result: result, err: err}
		}(i, name)
	}
	wg.Wait()

	var (
		succeeded []models.InstrumentResult
		failed    []string
		meta      models.ExecutionMetadata
		sources   = map[string]struct{}{}
	)
	meta.ProcessType = models.ProcessConscious
	for _, o := range outcomes {
		meta.Iterations++
		if o.err != nil {
			failed = append(failed, fmt.Sprintf("%s: %v", o.instrument, o.err))
			continue
		}
		succeeded = append(succeeded, o.result)
		meta.DurationMS += int64(0) // per-branch duration not separately tracked at this layer
		for _, f := range o.result.Findings {
			if f.Source != "" {
				sources[f.Source] = struct{}{}
			}
		}
	}
	meta.SourcesConsulted = sortedKeys(sources)

	if len(succeeded) == 0 {
		sort.Strings(failed)
		return models.InstrumentResult{
			Outcome:     models.OutcomeInconclusive,
			Discrepancy: strings.Join(failed, "; "),
		}, meta, nil
	}

	mergeEC := ec
	mergeEC.Request = cloneWithInputResults(ec.Request, succeeded)
	merged, err := runner.RunInstrument(ctx, merge, query, mergeEC, nil)
	if err != nil {
		return models.InstrumentResult{}, meta, fmt.Errorf("parallel merge via %q: %w", merge, err)
	}
	if len(failed) > 0 {
		sort.Strings(failed)
		if merged.Discrepancy != "" {
			merged.Discrepancy += "; "
		}
		merged.Discrepancy += strings.Join(failed, "; ")
	}
	return merged, meta, nil
}

// RoomBranch is one branch of a Cross-Room composition.
type RoomBranch struct {
	RoomID   string
	SubQuery string
}

// CrossRoom delegates each branch to the room its RoomID names in the
// registry and merges the successful branches via Synthesis. This process
// does not register itself as a room, so a branch cannot resolve back to
// it; a branch whose room is unknown or unreachable is recorded as failed.
type CrossRoom struct {
	Branches        []RoomBranch
	MergeInstrument string
}

func (c *CrossRoom) Name() string                   { return "cross_room" }
func (c *CrossRoom) ProcessType() models.ProcessType { return models.ProcessConscious }

func (c *CrossRoom) Execute(ctx context.Context, query string, ec instrument.ExecutionContext, runner InstrumentRunner, rooms RoomDelegator) (models.InstrumentResult, models.ExecutionMetadata, error) {
	merge := c.MergeInstrument
	if merge == "" {
		merge = "synthesis"
	}

	var (
		succeeded []models.InstrumentResult
		failed    []string
		meta      models.ExecutionMetadata
		sources   = map[string]struct{}{}
	)
	meta.ProcessType = models.ProcessConscious

	for _, b := range c.Branches {
		meta.Iterations++
		result, err := rooms.Delegate(ctx, b.RoomID, b.SubQuery, ec.Request)
		if err != nil {
			failed = append(failed, fmt.Sprintf("%s: %v", b.RoomID, err))
			continue
		}
		succeeded = append(succeeded, result)
		for _, f := range result.Findings {
			if f.Source != "" {
				sources[f.Source] = struct{}{}
			}
		}
	}
	meta.SourcesConsulted = sortedKeys(sources)

	if len(succeeded) == 0 {
		sort.Strings(failed)
		return models.InstrumentResult{
			Outcome:     models.OutcomeInconclusive,
			Discrepancy: strings.Join(failed, "; "),
		}, meta, nil
	}

	mergeEC := ec
	mergeEC.Request = cloneWithInputResults(ec.Request, succeeded)
	merged, err := runner.RunInstrument(ctx, merge, query, mergeEC, nil)
	if err != nil {
		return models.InstrumentResult{}, meta, fmt.Errorf("cross-room merge via %q: %w", merge, err)
	}
	if len(failed) > 0 {
		sort.Strings(failed)
		if merged.Discrepancy != "" {
			merged.Discrepancy += "; "
		}
		merged.Discrepancy += strings.Join(failed, "; ")
	}
	return merged, meta, nil
}

func sortedKeys(m map[string]struct{}) []string {
	out := make([]string, 0, len(m))
	for k := range m {
		out = append(out, k)
	}
	sort.Strings(out)
	return out
}
