// Package trust wraps the store's TrustMetrics persistence with the
// level-upgrade suggestion logic of spec §4.8. It never raises a trust
// level itself — only `PUT /trust/level` (the HTTP layer, via SetLevel)
// does that — but it computes what the next level *should* be so the
// API can surface it from `GET /trust/suggestion`.
package trust

import (
	"context"
	"sync"

	"github.com/mattdarbro/loop-symphony/pkg/models"
)

// Tracker serializes TrustMetrics updates per (app_id, user_id) so two
// tasks finishing concurrently for the same user never lose an update
// (spec §5: "TrustMetrics updates are serialized per (app_id, user_id)").
type Tracker struct {
	store store

	mu    sync.Mutex
	locks map[string]*sync.Mutex
}

// store is the narrow slice of store.Store Tracker needs.
type store interface {
	GetTrustMetrics(ctx context.Context, appID, userID string) (*models.TrustMetrics, error)
	RecordTaskOutcome(ctx context.Context, appID, userID string, success bool) (*models.TrustMetrics, error)
	SetTrustLevel(ctx context.Context, appID, userID string, level models.TrustLevel) (*models.TrustMetrics, error)
}

// NewTracker wraps st.
func NewTracker(st store) *Tracker {
	return &Tracker{store: st, locks: make(map[string]*sync.Mutex)}
}

func (t *Tracker) lockFor(key string) *sync.Mutex {
	t.mu.Lock()
	defer t.mu.Unlock()
	l, ok := t.locks[key]
	if !ok {
		l = &sync.Mutex{}
		t.locks[key] = l
	}
	return l
}

// RecordOutcome updates totals and consecutive_successes for a task's
// terminal outcome, per spec §4.8's success predicate
// (outcome.IsSuccess()), serialized per (appID, userID).
func (t *Tracker) RecordOutcome(ctx context.Context, appID, userID string, outcome models.Outcome) (*models.TrustMetrics, error) {
	l := t.lockFor(appID + ":" + userID)
	l.Lock()
	defer l.Unlock()
	return t.store.RecordTaskOutcome(ctx, appID, userID, outcome.IsSuccess())
}

// Level returns the current trust level, defaulting to TrustLevelPlanApproval
// for a (appID, userID) with no recorded history.
func (t *Tracker) Level(ctx context.Context, appID, userID string) (models.TrustLevel, error) {
	m, err := t.store.GetTrustMetrics(ctx, appID, userID)
	if err != nil {
		return models.TrustLevelPlanApproval, err
	}
	return m.CurrentTrustLevel, nil
}

// SetLevel is the only path that raises or lowers current_trust_level,
// per spec §3's invariant that it "changes only via PUT /trust/level".
func (t *Tracker) SetLevel(ctx context.Context, appID, userID string, level models.TrustLevel) (*models.TrustMetrics, error) {
	l := t.lockFor(appID + ":" + userID)
	l.Lock()
	defer l.Unlock()
	return t.store.SetTrustLevel(ctx, appID, userID, level)
}

// Suggestion returns the trust level Metrics qualifies for next, or nil
// if no upgrade is warranted — downgrades are never suggested, per spec
// §4.8 ("Downgrade never automatic").
func Suggestion(m *models.TrustMetrics) *models.TrustLevel {
	rate := m.SuccessRate()
	switch m.CurrentTrustLevel {
	case models.TrustLevelPlanApproval:
		if m.ConsecutiveSuccesses >= 5 && rate >= 0.80 {
			lvl := models.TrustLevelAutoFull
			return &lvl
		}
	case models.TrustLevelAutoFull:
		if m.ConsecutiveSuccesses >= 10 && rate >= 0.90 {
			lvl := models.TrustLevelAutoMinimal
			return &lvl
		}
	}
	return nil
}

// GetSuggestion fetches the current metrics and evaluates Suggestion
// against them.
func (t *Tracker) GetSuggestion(ctx context.Context, appID, userID string) (*models.TrustLevel, error) {
	m, err := t.store.GetTrustMetrics(ctx, appID, userID)
	if err != nil {
		return nil, err
	}
	return Suggestion(m), nil
}
