// Package conductor is the execution engine of spec §4.5: it routes a
// TaskRequest to an instrument or composition, applies the trust gate,
// injects checkpoint/spawn callbacks, runs the work under the Task
// Manager's supervision, and records the terminal outcome. It implements
// composition.InstrumentRunner so Sequential/Parallel/CrossRoom
// compositions recurse back through it rather than through a separate
// execution path.
package conductor

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/mattdarbro/loop-symphony/pkg/approval"
	"github.com/mattdarbro/loop-symphony/pkg/composition"
	"github.com/mattdarbro/loop-symphony/pkg/events"
	"github.com/mattdarbro/loop-symphony/pkg/instrument"
	"github.com/mattdarbro/loop-symphony/pkg/models"
	"github.com/mattdarbro/loop-symphony/pkg/room"
	"github.com/mattdarbro/loop-symphony/pkg/store"
	"github.com/mattdarbro/loop-symphony/pkg/taskmanager"
	"github.com/mattdarbro/loop-symphony/pkg/tool"
	"github.com/mattdarbro/loop-symphony/pkg/trust"
)

// researchQueryLengthThreshold is the query-length routing cutoff of
// spec §4.5 rule 2.
const researchQueryLengthThreshold = 200

// defaultMaxSpawnDepth bounds recursive spawn_fn calls when a request
// does not override preferences.max_spawn_depth.
const defaultMaxSpawnDepth = 3

// instrumentFactory builds a fresh baseline instrument instance, applying
// per-call option overrides. A fresh instance per call (rather than a
// shared, mutable one) is what keeps concurrent Parallel branches safe:
// there is no single "current config" to race on.
type instrumentFactory func(opts ...instrument.Option) (instrument.Instrument, error)

// sequentialExecutor and crossRoomExecutor narrow the composition
// package's concrete types down to the Execute signature the Conductor
// actually calls, so the sequential map can hold Sequential and Parallel
// values and the crossRoom map CrossRoom values.
type sequentialExecutor interface {
	Execute(ctx context.Context, query string, ec instrument.ExecutionContext, runner composition.InstrumentRunner) (models.InstrumentResult, models.ExecutionMetadata, error)
}

type crossRoomExecutor interface {
	Execute(ctx context.Context, query string, ec instrument.ExecutionContext, runner composition.InstrumentRunner, rooms composition.RoomDelegator) (models.InstrumentResult, models.ExecutionMetadata, error)
}

// PrivacyClassifier decides whether a request's data may leave the local
// room. It is an external collaborator per spec §1 ("the privacy
// classifier" is named as a black-box dependency); NoopClassifier is the
// zero-configuration default that never requires locality.
type PrivacyClassifier interface {
	RequiresLocality(req *models.TaskRequest) bool
}

// NoopClassifier never requires locality, so room selection is free to
// pick any online capable room.
type NoopClassifier struct{}

func (NoopClassifier) RequiresLocality(*models.TaskRequest) bool { return false }

// RoomLister is the narrow slice of Room Registry behavior room selection
// needs.
type RoomLister interface {
	List(ctx context.Context) ([]*models.Room, error)
}

// Conductor wires together routing, the trust gate, callback injection,
// and optional room delegation.
type Conductor struct {
	store  store.Store
	bus    *events.Bus
	trust  *trust.Tracker
	approvals *approval.Store
	tasks  *taskmanager.Manager

	instrumentFactories map[string]instrumentFactory
	requiredCaps        map[string][]string
	sequential          map[string]sequentialExecutor
	crossRoom           map[string]crossRoomExecutor

	rooms      RoomLister
	roomClient composition.RoomDelegator
	selfRoomID string
	privacy    PrivacyClassifier

	maxSpawnDepth int
}

// Deps bundles the Conductor's required and optional collaborators.
type Deps struct {
	Store     store.Store
	Bus       *events.Bus
	Trust     *trust.Tracker
	Approvals *approval.Store
	Tasks     *taskmanager.Manager

	// Rooms and RoomClient are both optional. When either is nil, the
	// Conductor never attempts delegation and always executes locally,
	// matching spec §4.5 ("If a room registry is configured ...").
	Rooms      RoomLister
	RoomClient composition.RoomDelegator
	SelfRoomID string
	Privacy    PrivacyClassifier

	MaxSpawnDepth int
}

// New builds a Conductor with no instruments or compositions registered
// yet; call RegisterInstrument/RegisterSequential/RegisterCrossRoom to
// populate it (cmd/symphony does this from config at startup).
func New(d Deps) *Conductor {
	if d.Privacy == nil {
		d.Privacy = NoopClassifier{}
	}
	if d.MaxSpawnDepth <= 0 {
		d.MaxSpawnDepth = defaultMaxSpawnDepth
	}
	return &Conductor{
		store:               d.Store,
		bus:                 d.Bus,
		trust:               d.Trust,
		approvals:           d.Approvals,
		tasks:               d.Tasks,
		instrumentFactories: make(map[string]instrumentFactory),
		requiredCaps:        make(map[string][]string),
		sequential:          make(map[string]sequentialExecutor),
		crossRoom:           make(map[string]crossRoomExecutor),
		rooms:               d.Rooms,
		roomClient:          d.RoomClient,
		selfRoomID:          d.SelfRoomID,
		privacy:             d.Privacy,
		maxSpawnDepth:       d.MaxSpawnDepth,
	}
}

// RegisterInstrument adds a baseline instrument factory under name, along
// with the capability set it requires (used for room-scoring).
func (c *Conductor) RegisterInstrument(name string, requiredCaps []string, factory instrumentFactory) {
	c.instrumentFactories[name] = factory
	c.requiredCaps[name] = requiredCaps
}

// RegisterSequential adds a named Sequential/Parallel composition (both
// satisfy sequentialExecutor).
func (c *Conductor) RegisterSequential(name string, exec sequentialExecutor) {
	c.sequential[name] = exec
}

// RegisterCrossRoom adds a named CrossRoom composition.
func (c *Conductor) RegisterCrossRoom(name string, exec crossRoomExecutor) {
	c.crossRoom[name] = exec
}

// Route implements spec §4.5's routing rules: first match wins.
func Route(req *models.TaskRequest) (name string, processType models.ProcessType) {
	if req.Context != nil {
		for _, a := range req.Context.Attachments {
			if a.Kind == "image" || a.URL != "" || a.Base64 != "" {
				return "vision", models.ProcessAutonomic
			}
		}
	}
	if req.Intent != nil && req.Intent.Type == models.IntentResearch {
		return "research", models.ProcessSemiAutonomic
	}
	if len(req.Query) > researchQueryLengthThreshold {
		return "research", models.ProcessSemiAutonomic
	}
	return "note", models.ProcessAutonomic
}

func toOptions(cfg *composition.InstrumentConfig) []instrument.Option {
	if cfg == nil {
		return nil
	}
	var opts []instrument.Option
	if cfg.MaxIterations != nil {
		opts = append(opts, instrument.WithMaxIterations(*cfg.MaxIterations))
	}
	if cfg.ConfidenceThreshold != nil {
		opts = append(opts, instrument.WithConfidenceThreshold(*cfg.ConfidenceThreshold))
	}
	return opts
}

// RunInstrument implements composition.InstrumentRunner: it dispatches to
// a baseline instrument, a Sequential/Parallel composition, or a
// CrossRoom composition by name, so nested spawns and composition steps
// all funnel through the identical lookup the top-level Submit uses.
func (c *Conductor) RunInstrument(ctx context.Context, name string, query string, ec instrument.ExecutionContext, cfg *composition.InstrumentConfig) (models.InstrumentResult, error) {
	if factory, ok := c.instrumentFactories[name]; ok {
		inst, err := factory(toOptions(cfg)...)
		if err != nil {
			return models.InstrumentResult{}, fmt.Errorf("conductor: build instrument %q: %w", name, err)
		}
		return inst.Execute(ctx, query, ec)
	}
	if exec, ok := c.sequential[name]; ok {
		result, _, err := exec.Execute(ctx, query, ec, c)
		return result, err
	}
	if exec, ok := c.crossRoom[name]; ok {
		if c.roomClient == nil {
			return models.InstrumentResult{}, fmt.Errorf("conductor: composition %q needs a room client, none configured", name)
		}
		result, _, err := exec.Execute(ctx, query, ec, c, c.roomClient)
		return result, err
	}
	return models.InstrumentResult{}, fmt.Errorf("conductor: unknown instrument or composition %q", name)
}

// estimatedIterations returns a baseline instrument's configured
// MaxIterations as the plan's estimate, or a conservative guess for a
// composition (which has no single MaxIterations).
func (c *Conductor) estimatedIterations(name string) int {
	if factory, ok := c.instrumentFactories[name]; ok {
		if inst, err := factory(); err == nil {
			return inst.MaxIterations()
		}
	}
	return 1
}

// checkpointFn returns the instrument.CheckpointFn the Conductor injects
// for taskID: persist the checkpoint, then emit the iteration event.
func (c *Conductor) checkpointFn(appID, taskID string) instrument.CheckpointFn {
	return func(ctx context.Context, iterationNum int, phase, input, output string, durationMS int64) {
		cp := &models.IterationCheckpoint{
			TaskID:       taskID,
			IterationNum: iterationNum,
			Phase:        phase,
			Input:        input,
			Output:       output,
			DurationMS:   durationMS,
			CreatedAt:    time.Now(),
		}
		_ = c.store.AppendCheckpoint(ctx, cp)
		c.bus.Emit(taskID, events.Event{
			Type:         events.TypeIteration,
			IterationNum: iterationNum,
			Phase:        phase,
			DurationMS:   durationMS,
		})
	}
}

// reportToolErrorFn returns the instrument.ReportToolErrorFn the Conductor
// injects for appID/taskID: classify the failure and write it to the
// error-learning store (spec §7). Persistence failures here are logged
// nowhere further up — recording the error is itself best-effort and must
// never become a second reason for the instrument's loop to abort.
func (c *Conductor) reportToolErrorFn(appID, taskID string) instrument.ReportToolErrorFn {
	return func(ctx context.Context, toolName string, err error) {
		classified := tool.ClassifyError(toolName, err)
		rec := &models.ErrorRecord{
			ID:        uuid.New().String(),
			AppID:     appID,
			TaskID:    taskID,
			ToolName:  classified.ToolName,
			Kind:      string(classified.Kind),
			Message:   classified.Error(),
			CreatedAt: time.Now(),
		}
		_ = c.store.RecordToolError(ctx, rec)
	}
}

// spawnFn returns the instrument.SpawnFn the Conductor injects, enforcing
// max_spawn_depth and re-entering RunInstrument with the sub-request's
// own routed instrument — never the parent's.
func (c *Conductor) spawnFn(appID, taskID string, depth, maxDepth int, checkpoint instrument.CheckpointFn, prefs models.Preferences) instrument.SpawnFn {
	var self instrument.SpawnFn
	self = func(ctx context.Context, subQuery string, subContext *models.RequestContext) (models.InstrumentResult, error) {
		if depth+1 > maxDepth {
			return models.InstrumentResult{}, &instrument.DepthExceededError{MaxDepth: maxDepth}
		}
		subReq := &models.TaskRequest{Query: subQuery, Context: subContext, Preferences: prefs}
		name, _ := Route(subReq)
		subEC := instrument.ExecutionContext{
			Request:         subContext,
			Preferences:     prefs,
			Checkpoint:      checkpoint,
			ReportToolError: c.reportToolErrorFn(appID, taskID),
		}
		subEC.Spawn = c.spawnFn(appID, taskID, depth+1, maxDepth, checkpoint, prefs)
		return c.RunInstrument(ctx, name, subQuery, subEC, nil)
	}
	return self
}

func maxSpawnDepthFor(prefs models.Preferences, fallback int) int {
	if prefs.MaxSpawnDepth != nil && *prefs.MaxSpawnDepth > 0 {
		return *prefs.MaxSpawnDepth
	}
	return fallback
}

// Submit applies the trust gate (spec §4.5) to a freshly-received
// request: level 0 produces a plan awaiting approval; level 1/2 execute
// immediately under Task Manager supervision.
func (c *Conductor) Submit(ctx context.Context, appID, userID string, req models.TaskRequest) (*models.Task, *models.TaskPlan, error) {
	if req.ID == "" {
		req.ID = uuid.New().String()
	}
	name, processType := Route(&req)

	task := &models.Task{
		ID:        req.ID,
		Request:   req,
		AppID:     appID,
		UserID:    userID,
		CreatedAt: time.Now(),
		UpdatedAt: time.Now(),
	}

	if req.Preferences.TrustLevel == models.TrustLevelPlanApproval {
		task.Status = models.StatusAwaitingApproval
		if err := c.store.CreateTask(ctx, task); err != nil {
			return nil, nil, fmt.Errorf("conductor: create task: %w", err)
		}
		plan := &models.TaskPlan{
			TaskID:              task.ID,
			Query:                req.Query,
			Instrument:          name,
			ProcessType:         processType,
			EstimatedIterations: c.estimatedIterations(name),
			Description:         fmt.Sprintf("run %q via %s", req.Query, name),
			RequiresApproval:    true,
		}
		c.approvals.Put(plan)
		return task, plan, nil
	}

	task.Status = models.StatusPending
	if err := c.store.CreateTask(ctx, task); err != nil {
		return nil, nil, fmt.Errorf("conductor: create task: %w", err)
	}
	c.run(appID, task.ID, name, processType, req)
	return task, nil, nil
}

// Approve executes a previously-held trust-0 plan after
// POST /task/{id}/approve. The plan's own routed instrument name is
// reused rather than re-routing, so approval always runs what the caller
// was shown.
func (c *Conductor) Approve(ctx context.Context, appID, taskID string) (approval.Status, error) {
	plan, status := c.approvals.Approve(taskID)
	if status != approval.StatusApproved {
		return status, nil
	}
	task, err := c.store.GetTask(ctx, appID, taskID)
	if err != nil {
		return status, fmt.Errorf("conductor: load approved task: %w", err)
	}
	c.run(appID, taskID, plan.Instrument, plan.ProcessType, task.Request)
	return status, nil
}

// run submits the actual execution to the Task Manager. Errors from
// Execute propagate to taskmanager's own failTask fallback only if run
// itself panics or returns — the happy path and cooperative-cancel path
// write their own terminal status before returning nil.
func (c *Conductor) run(appID, taskID, name string, processType models.ProcessType, req models.TaskRequest) {
	c.tasks.Submit(appID, taskID, func(ctx context.Context) error {
		return c.execute(ctx, appID, taskID, name, processType, req)
	})
}

func (c *Conductor) execute(ctx context.Context, appID, taskID, name string, processType models.ProcessType, req models.TaskRequest) error {
	if err := c.store.UpdateTaskStatus(ctx, appID, taskID, models.StatusRunning); err != nil {
		return err
	}
	c.bus.Emit(taskID, events.Event{Type: events.TypeStarted})

	start := time.Now()
	rawCheckpoint := c.checkpointFn(appID, taskID)
	var iterationsSeen int
	checkpoint := func(ctx context.Context, iterationNum int, phase, input, output string, durationMS int64) {
		if iterationNum > iterationsSeen {
			iterationsSeen = iterationNum
		}
		rawCheckpoint(ctx, iterationNum, phase, input, output, durationMS)
	}
	maxDepth := maxSpawnDepthFor(req.Preferences, c.maxSpawnDepth)
	ec := instrument.ExecutionContext{
		Request:         req.Context,
		Preferences:     req.Preferences,
		Checkpoint:      checkpoint,
		ReportToolError: c.reportToolErrorFn(appID, taskID),
	}
	ec.Spawn = c.spawnFn(appID, taskID, 0, maxDepth, checkpoint, req.Preferences)

	result, meta, err := c.executeWithRoomSelection(ctx, name, processType, req, ec)
	meta.DurationMS = time.Since(start).Milliseconds()
	meta.InstrumentUsed = name
	meta.ProcessType = processType
	// Route only selects baseline instruments and RunInstrument drops a
	// composition's own ExecutionMetadata, so meta.Iterations comes from
	// the iteration count observed via checkpoints — every baseline
	// instrument's loop calls Checkpoint once per iteration with a
	// 1-based iterationNum.
	if meta.Iterations == 0 {
		meta.Iterations = iterationsSeen
	}

	select {
	case <-ctx.Done():
		// ctx is already cancelled here, so the terminal write must run
		// detached from it (ExecContext aborts immediately against a
		// cancelled context) while still carrying the request-scoped
		// values ctx may hold.
		if cancelErr := c.store.CancelTask(context.WithoutCancel(ctx), appID, taskID); cancelErr != nil {
			return cancelErr
		}
		c.bus.Emit(taskID, events.Event{Type: events.TypeCancelled})
		return nil
	default:
	}

	if err != nil {
		return err // taskmanager's failTask fallback records this as failed.
	}

	if req.Preferences.TrustLevel == models.TrustLevelAutoMinimal {
		result = minimalResult(result)
	}

	resp := &models.TaskResponse{
		RequestID:        req.ID,
		InstrumentResult: result,
		Metadata:         meta,
	}
	// Same reasoning as the cancel branch above: a task cancelled in the
	// narrow window between the select check and this write must still
	// be able to persist its completion.
	if err := c.store.CompleteTask(context.WithoutCancel(ctx), appID, taskID, result.Outcome, resp, ""); err != nil {
		return err
	}
	if c.trust != nil {
		if _, err := c.trust.RecordOutcome(ctx, appID, userIDFor(req), result.Outcome); err != nil {
			// Trust bookkeeping failure must not fail an otherwise
			// successful task.
			_ = err
		}
	}
	c.bus.Emit(taskID, events.Event{
		Type:       events.TypeComplete,
		Outcome:    string(result.Outcome),
		Summary:    result.Summary,
		Confidence: result.Confidence,
	})
	return nil
}

// userIDFor exists only because Preferences does not itself carry
// user_id — the caller's user id lives in Request.Context. A request with
// no context still has its outcome recorded, under an empty user id,
// which the store treats as its own bucket.
func userIDFor(req models.TaskRequest) string {
	if req.Context != nil {
		return req.Context.UserID
	}
	return ""
}

// minimalResult elides findings and metadata for trust-level-2 callers
// per spec §4.5 ("minimal result: summary + outcome; findings/metadata
// elided from default polling response").
func minimalResult(r models.InstrumentResult) models.InstrumentResult {
	return models.InstrumentResult{
		Summary:    r.Summary,
		Outcome:    r.Outcome,
		Confidence: r.Confidence,
	}
}

// executeWithRoomSelection wraps RunInstrument with spec §4.5's room
// selection: when a registry and client are configured, it scores online
// rooms for the routed instrument's capabilities and delegates to the
// winner, falling back to local execution (with a recorded failover
// event) on any delegation error.
func (c *Conductor) executeWithRoomSelection(ctx context.Context, name string, processType models.ProcessType, req models.TaskRequest, ec instrument.ExecutionContext) (models.InstrumentResult, models.ExecutionMetadata, error) {
	meta := models.ExecutionMetadata{RoomID: c.selfRoomID}

	if c.rooms == nil || c.roomClient == nil {
		result, err := c.RunInstrument(ctx, name, req.Query, ec, nil)
		return result, meta, err
	}

	caps := c.requiredCaps[name]
	localityRequired := c.privacy.RequiresLocality(&req)
	allRooms, err := c.rooms.List(ctx)
	if err != nil {
		result, runErr := c.RunInstrument(ctx, name, req.Query, ec, nil)
		return result, meta, runErr
	}

	best, ok := room.SelectBest(allRooms, caps, localityRequired)
	if !ok || best.RoomID == c.selfRoomID {
		result, runErr := c.RunInstrument(ctx, name, req.Query, ec, nil)
		return result, meta, runErr
	}

	result, delegateErr := c.roomClient.Delegate(ctx, best.RoomID, req.Query, req.Context)
	if delegateErr == nil {
		meta.RoomID = best.RoomID
		return result, meta, nil
	}

	meta.FailoverEvents = append(meta.FailoverEvents, models.FailoverEvent{
		RoomID:    best.RoomID,
		Reason:    delegateErr.Error(),
		Timestamp: time.Now(),
	})
	result, runErr := c.RunInstrument(ctx, name, req.Query, ec, nil)
	meta.RoomID = c.selfRoomID
	return result, meta, runErr
}
