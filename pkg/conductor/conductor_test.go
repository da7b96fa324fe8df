package conductor

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mattdarbro/loop-symphony/pkg/approval"
	"github.com/mattdarbro/loop-symphony/pkg/events"
	"github.com/mattdarbro/loop-symphony/pkg/instrument"
	"github.com/mattdarbro/loop-symphony/pkg/models"
	"github.com/mattdarbro/loop-symphony/pkg/store"
	"github.com/mattdarbro/loop-symphony/pkg/taskmanager"
	"github.com/mattdarbro/loop-symphony/pkg/tool"
	"github.com/mattdarbro/loop-symphony/pkg/trust"
)

type fakeReasoningTool struct {
	answer string
}

func (f *fakeReasoningTool) Name() string                            { return "fake-reasoner" }
func (f *fakeReasoningTool) Capabilities() []string                  { return []string{"reasoning"} }
func (f *fakeReasoningTool) Version() string                         { return "test" }
func (f *fakeReasoningTool) HealthCheck(context.Context) error       { return nil }
func (f *fakeReasoningTool) Complete(context.Context, string) (string, error) {
	return f.answer, nil
}

// slowReasoningTool blocks until its ctx is cancelled, so a test can
// deterministically land the worker in execute's ctx.Done() branch.
type slowReasoningTool struct{}

func (s *slowReasoningTool) Name() string                      { return "slow-reasoner" }
func (s *slowReasoningTool) Capabilities() []string             { return []string{"reasoning"} }
func (s *slowReasoningTool) Version() string                    { return "test" }
func (s *slowReasoningTool) HealthCheck(context.Context) error { return nil }
func (s *slowReasoningTool) Complete(ctx context.Context, _ string) (string, error) {
	<-ctx.Done()
	return "", ctx.Err()
}

type fakeStore struct {
	mu           sync.Mutex
	tasks        map[string]*models.Task
	checkpoints  []*models.IterationCheckpoint
	trustMetrics map[string]*models.TrustMetrics
}

func newFakeStore() *fakeStore {
	return &fakeStore{
		tasks:        make(map[string]*models.Task),
		trustMetrics: make(map[string]*models.TrustMetrics),
	}
}

func (f *fakeStore) GetAppByAPIKey(context.Context, string) (*store.App, error) { panic("unused") }
func (f *fakeStore) EnsureUserProfile(context.Context, string, string) (*store.UserProfile, error) {
	panic("unused")
}

func (f *fakeStore) CreateTask(_ context.Context, task *models.Task) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	cp := *task
	f.tasks[task.ID] = &cp
	return nil
}

func (f *fakeStore) GetTask(_ context.Context, appID, taskID string) (*models.Task, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	t, ok := f.tasks[taskID]
	if !ok || t.AppID != appID {
		return nil, store.ErrNotFound
	}
	cp := *t
	return &cp, nil
}

func (f *fakeStore) UpdateTaskStatus(_ context.Context, appID, taskID string, status models.Status) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	t, ok := f.tasks[taskID]
	if !ok || t.AppID != appID {
		return store.ErrNotFound
	}
	t.Status = status
	return nil
}

func (f *fakeStore) CompleteTask(ctx context.Context, appID, taskID string, outcome models.Outcome, resp *models.TaskResponse, taskErr string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	t, ok := f.tasks[taskID]
	if !ok || t.AppID != appID {
		return store.ErrNotFound
	}
	now := time.Now()
	t.CompletedAt = &now
	t.Response = resp
	t.Error = taskErr
	if resp == nil {
		t.Status = models.StatusFailed
	} else {
		t.Status = models.StatusComplete
		o := outcome
		t.Outcome = &o
	}
	return nil
}

func (f *fakeStore) CancelTask(ctx context.Context, appID, taskID string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	t, ok := f.tasks[taskID]
	if !ok || t.AppID != appID {
		return store.ErrNotFound
	}
	now := time.Now()
	t.Status = models.StatusCancelled
	t.CompletedAt = &now
	return nil
}

func (f *fakeStore) ListTasks(context.Context, store.TaskFilter) ([]*models.Task, error) {
	panic("unused")
}
func (f *fakeStore) CountTasksByStatus(context.Context, string) (map[models.Status]int, error) {
	panic("unused")
}

func (f *fakeStore) AppendCheckpoint(_ context.Context, cp *models.IterationCheckpoint) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.checkpoints = append(f.checkpoints, cp)
	return nil
}
func (f *fakeStore) ListCheckpoints(context.Context, string) ([]*models.IterationCheckpoint, error) {
	panic("unused")
}

func (f *fakeStore) key(appID, userID string) string { return appID + ":" + userID }

func (f *fakeStore) GetTrustMetrics(_ context.Context, appID, userID string) (*models.TrustMetrics, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if m, ok := f.trustMetrics[f.key(appID, userID)]; ok {
		cp := *m
		return &cp, nil
	}
	return &models.TrustMetrics{AppID: appID, UserID: userID}, nil
}

func (f *fakeStore) RecordTaskOutcome(_ context.Context, appID, userID string, success bool) (*models.TrustMetrics, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	k := f.key(appID, userID)
	m, ok := f.trustMetrics[k]
	if !ok {
		m = &models.TrustMetrics{AppID: appID, UserID: userID}
		f.trustMetrics[k] = m
	}
	m.TotalTasks++
	if success {
		m.SuccessfulTasks++
		m.ConsecutiveSuccesses++
	} else {
		m.FailedTasks++
		m.ConsecutiveSuccesses = 0
	}
	cp := *m
	return &cp, nil
}

func (f *fakeStore) SetTrustLevel(context.Context, string, string, models.TrustLevel) (*models.TrustMetrics, error) {
	panic("unused")
}

func (f *fakeStore) CreateHeartbeat(context.Context, *models.Heartbeat) error       { panic("unused") }
func (f *fakeStore) GetHeartbeat(context.Context, string, string) (*models.Heartbeat, error) {
	panic("unused")
}
func (f *fakeStore) ListActiveHeartbeats(context.Context) ([]*models.Heartbeat, error) {
	panic("unused")
}
func (f *fakeStore) ListHeartbeats(context.Context, string) ([]*models.Heartbeat, error) {
	panic("unused")
}
func (f *fakeStore) DeleteHeartbeat(context.Context, string, string) error { panic("unused") }
func (f *fakeStore) CreateHeartbeatRun(context.Context, *models.HeartbeatRun) error {
	panic("unused")
}
func (f *fakeStore) UpdateHeartbeatRunStatus(context.Context, string, models.HeartbeatRunStatus) error {
	panic("unused")
}
func (f *fakeStore) PutKnowledgeEntry(context.Context, *models.KnowledgeEntry) error { panic("unused") }
func (f *fakeStore) KnowledgeEntriesSince(context.Context, string, int64) ([]*models.KnowledgeEntry, error) {
	panic("unused")
}
func (f *fakeStore) LatestKnowledgeVersion(context.Context, string) (int64, error) { panic("unused") }
func (f *fakeStore) RecordKnowledgeSync(context.Context, string, int64) error      { panic("unused") }
func (f *fakeStore) RecordToolError(context.Context, *models.ErrorRecord) error    { panic("unused") }
func (f *fakeStore) ListErrorPatterns(context.Context) ([]*models.ErrorPattern, error) {
	panic("unused")
}
func (f *fakeStore) CreateArrangement(context.Context, *models.SavedArrangement) error { panic("unused") }
func (f *fakeStore) ListArrangements(context.Context, string) ([]*models.SavedArrangement, error) {
	panic("unused")
}
func (f *fakeStore) GetArrangement(context.Context, string, string) (*models.SavedArrangement, error) {
	panic("unused")
}

func (f *fakeStore) Close() error { return nil }

func newTestConductor(t *testing.T) (*Conductor, *fakeStore, *events.Bus) {
	t.Helper()
	reg := tool.NewRegistry()
	reg.Register(&fakeReasoningTool{answer: "a confident, well-sourced answer to the question asked"})

	fs := newFakeStore()
	bus := events.NewBus()
	tasks := taskmanager.NewManager(fs, bus)
	c := New(Deps{
		Store:     fs,
		Bus:       bus,
		Trust:     trust.NewTracker(fs),
		Approvals: approval.NewStore(),
		Tasks:     tasks,
	})
	c.RegisterInstrument("note", []string{"reasoning"}, func(opts ...instrument.Option) (instrument.Instrument, error) {
		return instrument.NewNote(reg, opts...)
	})
	return c, fs, bus
}

// waitForTerminal drains sub's channel until a terminal event type or the
// deadline passes.
func waitForTerminal(t *testing.T, sub *events.Subscription) events.Event {
	t.Helper()
	for _, e := range sub.History {
		switch e.Type {
		case events.TypeComplete, events.TypeError, events.TypeCancelled:
			return e
		}
	}
	for {
		select {
		case e, ok := <-sub.Events:
			if !ok {
				t.Fatal("subscription closed with no terminal event")
			}
			switch e.Type {
			case events.TypeComplete, events.TypeError, events.TypeCancelled:
				return e
			}
		case <-time.After(2 * time.Second):
			t.Fatal("timed out waiting for terminal event")
		}
	}
}

func TestRoute_ImageAttachmentRoutesToVision(t *testing.T) {
	req := &models.TaskRequest{Query: "what is this?", Context: &models.RequestContext{
		Attachments: []models.Attachment{{Kind: "image", URL: "http://x/y.png"}},
	}}
	name, pt := Route(req)
	assert.Equal(t, "vision", name)
	assert.Equal(t, models.ProcessAutonomic, pt)
}

func TestRoute_ResearchIntentRoutesToResearch(t *testing.T) {
	req := &models.TaskRequest{Query: "q", Intent: &models.Intent{Type: models.IntentResearch}}
	name, pt := Route(req)
	assert.Equal(t, "research", name)
	assert.Equal(t, models.ProcessSemiAutonomic, pt)
}

func TestRoute_LongQueryRoutesToResearch(t *testing.T) {
	long := make([]byte, researchQueryLengthThreshold+1)
	for i := range long {
		long[i] = 'a'
	}
	req := &models.TaskRequest{Query: string(long)}
	name, _ := Route(req)
	assert.Equal(t, "research", name)
}

func TestRoute_DefaultRoutesToNote(t *testing.T) {
	req := &models.TaskRequest{Query: "short question"}
	name, pt := Route(req)
	assert.Equal(t, "note", name)
	assert.Equal(t, models.ProcessAutonomic, pt)
}

func TestConductor_Submit_TrustLevel0CreatesAwaitingApprovalPlan(t *testing.T) {
	c, fs, _ := newTestConductor(t)
	req := models.TaskRequest{Query: "short", Preferences: models.Preferences{TrustLevel: models.TrustLevelPlanApproval}}

	task, plan, err := c.Submit(context.Background(), "app-1", "user-1", req)
	require.NoError(t, err)
	require.NotNil(t, plan)
	assert.Equal(t, models.StatusAwaitingApproval, task.Status)
	assert.Equal(t, "note", plan.Instrument)

	stored, err := fs.GetTask(context.Background(), "app-1", task.ID)
	require.NoError(t, err)
	assert.Equal(t, models.StatusAwaitingApproval, stored.Status)
}

func TestConductor_Submit_TrustLevel1ExecutesImmediately(t *testing.T) {
	c, fs, bus := newTestConductor(t)
	req := models.TaskRequest{Query: "short", Preferences: models.Preferences{TrustLevel: models.TrustLevelAutoFull}}

	task, plan, err := c.Submit(context.Background(), "app-1", "user-1", req)
	require.NoError(t, err)
	assert.Nil(t, plan)

	sub := bus.Subscribe(task.ID)
	terminal := waitForTerminal(t, sub)
	assert.Equal(t, events.TypeComplete, terminal.Type)

	stored, err := fs.GetTask(context.Background(), "app-1", task.ID)
	require.NoError(t, err)
	assert.Equal(t, models.StatusComplete, stored.Status)
	require.NotNil(t, stored.Response)
	assert.NotEmpty(t, stored.Response.InstrumentResult.Findings)
	assert.GreaterOrEqual(t, stored.Response.Metadata.Iterations, 1)
}

func TestConductor_Submit_TrustLevel2ElidesFindings(t *testing.T) {
	c, fs, bus := newTestConductor(t)
	req := models.TaskRequest{Query: "short", Preferences: models.Preferences{TrustLevel: models.TrustLevelAutoMinimal}}

	task, _, err := c.Submit(context.Background(), "app-1", "user-1", req)
	require.NoError(t, err)

	waitForTerminal(t, bus.Subscribe(task.ID))

	stored, err := fs.GetTask(context.Background(), "app-1", task.ID)
	require.NoError(t, err)
	require.NotNil(t, stored.Response)
	assert.Empty(t, stored.Response.InstrumentResult.Findings)
	assert.NotEmpty(t, stored.Response.InstrumentResult.Summary)
}

func TestConductor_Approve_RunsHeldPlan(t *testing.T) {
	c, fs, bus := newTestConductor(t)
	req := models.TaskRequest{Query: "short", Preferences: models.Preferences{TrustLevel: models.TrustLevelPlanApproval}}

	task, _, err := c.Submit(context.Background(), "app-1", "user-1", req)
	require.NoError(t, err)

	status, err := c.Approve(context.Background(), "app-1", task.ID)
	require.NoError(t, err)
	assert.Equal(t, approval.StatusApproved, status)

	waitForTerminal(t, bus.Subscribe(task.ID))
	stored, err := fs.GetTask(context.Background(), "app-1", task.ID)
	require.NoError(t, err)
	assert.Equal(t, models.StatusComplete, stored.Status)
}

func TestConductor_Approve_UnknownTaskIsNotFound(t *testing.T) {
	c, _, _ := newTestConductor(t)
	status, err := c.Approve(context.Background(), "app-1", "ghost")
	require.NoError(t, err)
	assert.Equal(t, approval.StatusNotFound, status)
}

func TestConductor_RunInstrument_UnknownNameErrors(t *testing.T) {
	c, _, _ := newTestConductor(t)
	_, err := c.RunInstrument(context.Background(), "does-not-exist", "q", instrument.ExecutionContext{}, nil)
	assert.Error(t, err)
}

// TestConductor_Cancel_PersistsDespiteCancelledContext pins down the fix for
// the terminal-write bug: execute's worker ctx is already cancelled by the
// time it reaches store.CancelTask, so fakeStore.CancelTask (which now
// checks ctx.Err() itself) would reject the write if execute passed the
// cancelled ctx straight through instead of detaching it first.
func TestConductor_Cancel_PersistsDespiteCancelledContext(t *testing.T) {
	reg := tool.NewRegistry()
	reg.Register(&slowReasoningTool{})

	fs := newFakeStore()
	bus := events.NewBus()
	tasks := taskmanager.NewManager(fs, bus)
	c := New(Deps{
		Store:     fs,
		Bus:       bus,
		Trust:     trust.NewTracker(fs),
		Approvals: approval.NewStore(),
		Tasks:     tasks,
	})
	c.RegisterInstrument("note", []string{"reasoning"}, func(opts ...instrument.Option) (instrument.Instrument, error) {
		return instrument.NewNote(reg, opts...)
	})

	req := models.TaskRequest{Query: "short", Preferences: models.Preferences{TrustLevel: models.TrustLevelAutoFull}}
	task, _, err := c.Submit(context.Background(), "app-1", "user-1", req)
	require.NoError(t, err)

	sub := bus.Subscribe(task.ID)
	require.True(t, tasks.Cancel(task.ID))
	terminal := waitForTerminal(t, sub)
	assert.Equal(t, events.TypeCancelled, terminal.Type)

	stored, err := fs.GetTask(context.Background(), "app-1", task.ID)
	require.NoError(t, err)
	assert.Equal(t, models.StatusCancelled, stored.Status)
}

func TestConductor_SpawnFn_EnforcesMaxDepth(t *testing.T) {
	c, _, _ := newTestConductor(t)
	spawn := c.spawnFn("app-1", "task-1", 2, 2, func(context.Context, int, string, string, string, int64) {}, models.Preferences{})
	_, err := spawn(context.Background(), "nested query", nil)
	require.Error(t, err)
	var depthErr *instrument.DepthExceededError
	require.ErrorAs(t, err, &depthErr)
	assert.Equal(t, 2, depthErr.MaxDepth)
}
