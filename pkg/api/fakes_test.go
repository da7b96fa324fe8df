package api

import (
	"context"

	"github.com/mattdarbro/loop-symphony/pkg/models"
	"github.com/mattdarbro/loop-symphony/pkg/store"
)

// fakeStore implements store.Store, exercising only the subset each
// handler test needs; every other method panics if reached.
type fakeStore struct {
	apps map[string]*store.App

	tasks map[string]*models.Task

	trust map[string]*models.TrustMetrics

	heartbeats map[string]*models.Heartbeat

	checkpoints []*models.IterationCheckpoint

	knowledge     []*models.KnowledgeEntry
	knowledgeSync map[string]int64

	errorPatterns map[string]*models.ErrorPattern

	arrangements map[string]*models.SavedArrangement

	getTaskErr error
}

func newFakeStore() *fakeStore {
	return &fakeStore{
		apps:          make(map[string]*store.App),
		tasks:         make(map[string]*models.Task),
		trust:         make(map[string]*models.TrustMetrics),
		heartbeats:    make(map[string]*models.Heartbeat),
		knowledgeSync: make(map[string]int64),
		errorPatterns: make(map[string]*models.ErrorPattern),
		arrangements:  make(map[string]*models.SavedArrangement),
	}
}

func (f *fakeStore) GetAppByAPIKey(_ context.Context, apiKey string) (*store.App, error) {
	app, ok := f.apps[apiKey]
	if !ok {
		return nil, store.ErrNotFound
	}
	return app, nil
}

func (f *fakeStore) EnsureUserProfile(_ context.Context, appID, externalUserID string) (*store.UserProfile, error) {
	return &store.UserProfile{AppID: appID, ExternalUserID: externalUserID}, nil
}

func (f *fakeStore) CreateTask(_ context.Context, task *models.Task) error {
	f.tasks[task.ID] = task
	return nil
}

func (f *fakeStore) GetTask(_ context.Context, appID, taskID string) (*models.Task, error) {
	if f.getTaskErr != nil {
		return nil, f.getTaskErr
	}
	task, ok := f.tasks[taskID]
	if !ok || task.AppID != appID {
		return nil, store.ErrNotFound
	}
	return task, nil
}

func (f *fakeStore) UpdateTaskStatus(_ context.Context, _, taskID string, status models.Status) error {
	if t, ok := f.tasks[taskID]; ok {
		t.Status = status
	}
	return nil
}

func (f *fakeStore) CompleteTask(context.Context, string, string, models.Outcome, *models.TaskResponse, string) error {
	panic("unused")
}
func (f *fakeStore) CancelTask(context.Context, string, string) error { panic("unused") }

func (f *fakeStore) ListTasks(_ context.Context, filter store.TaskFilter) ([]*models.Task, error) {
	var out []*models.Task
	for _, t := range f.tasks {
		if t.AppID == filter.AppID {
			out = append(out, t)
		}
	}
	return out, nil
}

func (f *fakeStore) CountTasksByStatus(context.Context, string) (map[models.Status]int, error) {
	return map[models.Status]int{}, nil
}

func (f *fakeStore) AppendCheckpoint(context.Context, *models.IterationCheckpoint) error {
	panic("unused")
}

func (f *fakeStore) ListCheckpoints(_ context.Context, _ string) ([]*models.IterationCheckpoint, error) {
	return f.checkpoints, nil
}

func (f *fakeStore) GetTrustMetrics(_ context.Context, appID, userID string) (*models.TrustMetrics, error) {
	m, ok := f.trust[appID+":"+userID]
	if !ok {
		return &models.TrustMetrics{AppID: appID, UserID: userID}, nil
	}
	return m, nil
}

func (f *fakeStore) RecordTaskOutcome(context.Context, string, string, bool) (*models.TrustMetrics, error) {
	panic("unused")
}

func (f *fakeStore) SetTrustLevel(_ context.Context, appID, userID string, level models.TrustLevel) (*models.TrustMetrics, error) {
	m := &models.TrustMetrics{AppID: appID, UserID: userID, CurrentTrustLevel: level}
	f.trust[appID+":"+userID] = m
	return m, nil
}

func (f *fakeStore) CreateHeartbeat(_ context.Context, hb *models.Heartbeat) error {
	f.heartbeats[hb.ID] = hb
	return nil
}

func (f *fakeStore) GetHeartbeat(_ context.Context, appID, id string) (*models.Heartbeat, error) {
	hb, ok := f.heartbeats[id]
	if !ok || hb.AppID != appID {
		return nil, store.ErrNotFound
	}
	return hb, nil
}

func (f *fakeStore) ListHeartbeats(_ context.Context, appID string) ([]*models.Heartbeat, error) {
	var out []*models.Heartbeat
	for _, hb := range f.heartbeats {
		if hb.AppID == appID {
			out = append(out, hb)
		}
	}
	return out, nil
}

func (f *fakeStore) ListActiveHeartbeats(context.Context) ([]*models.Heartbeat, error) {
	panic("unused")
}

func (f *fakeStore) DeleteHeartbeat(_ context.Context, appID, id string) error {
	hb, ok := f.heartbeats[id]
	if !ok || hb.AppID != appID {
		return store.ErrNotFound
	}
	delete(f.heartbeats, id)
	return nil
}

func (f *fakeStore) CreateHeartbeatRun(context.Context, *models.HeartbeatRun) error {
	panic("unused")
}
func (f *fakeStore) UpdateHeartbeatRunStatus(context.Context, string, models.HeartbeatRunStatus) error {
	panic("unused")
}

func (f *fakeStore) PutKnowledgeEntry(_ context.Context, entry *models.KnowledgeEntry) error {
	var max int64
	for _, e := range f.knowledge {
		if e.AppID == entry.AppID && e.Version > max {
			max = e.Version
		}
	}
	entry.Version = max + 1
	f.knowledge = append(f.knowledge, entry)
	return nil
}

func (f *fakeStore) KnowledgeEntriesSince(_ context.Context, appID string, sinceVersion int64) ([]*models.KnowledgeEntry, error) {
	var out []*models.KnowledgeEntry
	for _, e := range f.knowledge {
		if e.AppID == appID && e.Version > sinceVersion {
			out = append(out, e)
		}
	}
	return out, nil
}

func (f *fakeStore) LatestKnowledgeVersion(_ context.Context, appID string) (int64, error) {
	var max int64
	for _, e := range f.knowledge {
		if e.AppID == appID && e.Version > max {
			max = e.Version
		}
	}
	return max, nil
}

func (f *fakeStore) RecordKnowledgeSync(_ context.Context, roomID string, version int64) error {
	f.knowledgeSync[roomID] = version
	return nil
}

func (f *fakeStore) RecordToolError(_ context.Context, rec *models.ErrorRecord) error {
	key := rec.ToolName + "|" + rec.Kind
	p, ok := f.errorPatterns[key]
	if !ok {
		p = &models.ErrorPattern{ID: rec.ID, ToolName: rec.ToolName, Kind: rec.Kind}
		f.errorPatterns[key] = p
	}
	p.Occurrences++
	p.LastSeenAt = rec.CreatedAt
	return nil
}

func (f *fakeStore) ListErrorPatterns(context.Context) ([]*models.ErrorPattern, error) {
	out := make([]*models.ErrorPattern, 0, len(f.errorPatterns))
	for _, p := range f.errorPatterns {
		out = append(out, p)
	}
	return out, nil
}

func (f *fakeStore) CreateArrangement(_ context.Context, a *models.SavedArrangement) error {
	f.arrangements[a.ID] = a
	return nil
}

func (f *fakeStore) ListArrangements(_ context.Context, appID string) ([]*models.SavedArrangement, error) {
	var out []*models.SavedArrangement
	for _, a := range f.arrangements {
		if a.AppID == appID {
			out = append(out, a)
		}
	}
	return out, nil
}

func (f *fakeStore) GetArrangement(_ context.Context, appID, id string) (*models.SavedArrangement, error) {
	a, ok := f.arrangements[id]
	if !ok || a.AppID != appID {
		return nil, store.ErrNotFound
	}
	return a, nil
}

func (f *fakeStore) Close() error { panic("unused") }
