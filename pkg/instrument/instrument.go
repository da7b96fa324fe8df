// Package instrument implements the cognitive loops the Conductor routes
// tasks to: Note, Research, Vision, and Synthesis. Every instrument
// declares its capability needs up front and is resolved against the tool
// registry at construction time, per spec §4.1/§4.2.
package instrument

import (
	"context"
	"errors"
	"fmt"

	"github.com/mattdarbro/loop-symphony/pkg/models"
)

// ErrDepthExceeded is raised by a SpawnFn when a nested spawn would cross
// max_depth. Spec §7: "Fatal at construction" does not apply here — this
// is raised per spawn attempt, not at instrument construction.
var ErrDepthExceeded = errors.New("instrument: max spawn depth exceeded")

// DepthExceededError names the limit that was hit, for the calling
// iteration's discrepancy text.
type DepthExceededError struct {
	MaxDepth int
}

func (e *DepthExceededError) Error() string {
	return fmt.Sprintf("%v: max_depth=%d", ErrDepthExceeded, e.MaxDepth)
}

func (e *DepthExceededError) Unwrap() error { return ErrDepthExceeded }

// CheckpointFn persists one iteration's observability record and emits
// the corresponding "iteration" event. The Conductor injects this before
// calling Execute.
type CheckpointFn func(ctx context.Context, iterationNum int, phase, input, output string, durationMS int64)

// SpawnFn re-enters the Conductor with a nested sub-request. The
// Conductor's implementation increments depth and enforces max_depth
// before routing; instruments never check depth themselves.
type SpawnFn func(ctx context.Context, subQuery string, subContext *models.RequestContext) (models.InstrumentResult, error)

// ReportToolErrorFn classifies and persists a tool failure to the
// error-learning store (spec §7). The Conductor injects this the same way
// it injects Checkpoint; instruments that call it never abort their loop
// on the failure itself, only record it and carry on.
type ReportToolErrorFn func(ctx context.Context, toolName string, err error)

// ExecutionContext carries everything an instrument needs beyond the raw
// query: the caller's structured context, trust/thoroughness
// preferences, and the callbacks the Conductor injected.
type ExecutionContext struct {
	Request         *models.RequestContext
	Preferences     models.Preferences
	Checkpoint      CheckpointFn
	Spawn           SpawnFn
	ReportToolError ReportToolErrorFn
}

// noopReportToolError is used when the Conductor does not inject one, e.g.
// in unit tests that exercise an instrument directly.
func noopReportToolError(context.Context, string, error) {}

// EnsureReportToolError returns ec.ReportToolError, or a no-op if unset.
func EnsureReportToolError(ec ExecutionContext) ReportToolErrorFn {
	if ec.ReportToolError != nil {
		return ec.ReportToolError
	}
	return noopReportToolError
}

// Instrument is a single cognitive loop: note, research, vision,
// synthesis, or a dynamically registered loop specification.
type Instrument interface {
	Name() string
	RequiredCapabilities() []string
	OptionalCapabilities() []string
	MaxIterations() int
	ProcessType() models.ProcessType
	Execute(ctx context.Context, query string, ec ExecutionContext) (models.InstrumentResult, error)
}

// noopCheckpoint is used when the Conductor does not inject one, e.g. in
// unit tests that exercise an instrument directly.
func noopCheckpoint(context.Context, int, string, string, string, int64) {}

// EnsureCheckpoint returns ec.Checkpoint, or a no-op if unset.
func EnsureCheckpoint(ec ExecutionContext) CheckpointFn {
	if ec.Checkpoint != nil {
		return ec.Checkpoint
	}
	return noopCheckpoint
}
