// Package store defines the narrow persistence contract the conductor,
// task manager, trust tracker, and scheduler depend on, plus a concrete
// PostgreSQL implementation.
//
// Spec §1 treats persistence as an external collaborator ("a CRUD store
// with a fixed schema"); this package IS that contract. Every method that
// reads or writes an app-scoped table takes an appID and filters by it —
// this is the single boundary spec §5 requires for per-app isolation
// ("a helper MUST enforce this at the database-client boundary").
package store

import (
	"context"
	"errors"
	"time"

	"github.com/mattdarbro/loop-symphony/pkg/models"
)

// ErrNotFound is returned when a lookup by ID finds no row.
var ErrNotFound = errors.New("store: not found")

// ErrAlreadyExists is returned by inserts that collide on a unique key —
// used by heartbeat-run duplicate-fire suppression (spec §4.9).
var ErrAlreadyExists = errors.New("store: already exists")

// ErrAppInactive names a deactivated app. No PostgresStore method returns
// it: GetAppByAPIKey returns a deactivated app with IsActive false, and the
// auth middleware rejects it.
var ErrAppInactive = errors.New("store: app deactivated")

// App is a row in the `apps` table (spec §6).
type App struct {
	ID       string
	APIKey   string
	Name     string
	IsActive bool
}

// UserProfile is a row in `user_profiles`, keyed by (app_id, external_user_id).
type UserProfile struct {
	AppID          string
	ExternalUserID string
	CreatedAt      time.Time
}

// TaskFilter narrows a recent/active task listing; AppID is mandatory on
// every call site to preserve spec §3's per-app isolation invariant.
type TaskFilter struct {
	AppID  string
	Limit  int
	Status *models.Status
}

// Store is the full persistence contract. It is intentionally flat rather
// than split per aggregate (Task, Heartbeat, Trust, ...) because the
// conductor, task manager, and scheduler each need a handful of methods
// spanning more than one aggregate and a single interface keeps call
// sites simple to mock in tests.
type Store interface {
	// Auth (spec §6).
	GetAppByAPIKey(ctx context.Context, apiKey string) (*App, error)
	EnsureUserProfile(ctx context.Context, appID, externalUserID string) (*UserProfile, error)

	// Tasks.
	CreateTask(ctx context.Context, task *models.Task) error
	GetTask(ctx context.Context, appID, taskID string) (*models.Task, error)
	UpdateTaskStatus(ctx context.Context, appID, taskID string, status models.Status) error
	CompleteTask(ctx context.Context, appID, taskID string, outcome models.Outcome, resp *models.TaskResponse, taskErr string) error
	CancelTask(ctx context.Context, appID, taskID string) error
	ListTasks(ctx context.Context, filter TaskFilter) ([]*models.Task, error)
	CountTasksByStatus(ctx context.Context, appID string) (map[models.Status]int, error)

	// Checkpoints. iteration_num strictly increases with no gaps per spec §3 —
	// enforced by AppendCheckpoint rejecting out-of-order sequence numbers.
	AppendCheckpoint(ctx context.Context, cp *models.IterationCheckpoint) error
	ListCheckpoints(ctx context.Context, taskID string) ([]*models.IterationCheckpoint, error)

	// Trust.
	GetTrustMetrics(ctx context.Context, appID, userID string) (*models.TrustMetrics, error)
	RecordTaskOutcome(ctx context.Context, appID, userID string, success bool) (*models.TrustMetrics, error)
	SetTrustLevel(ctx context.Context, appID, userID string, level models.TrustLevel) (*models.TrustMetrics, error)

	// Heartbeats.
	CreateHeartbeat(ctx context.Context, hb *models.Heartbeat) error
	GetHeartbeat(ctx context.Context, appID, id string) (*models.Heartbeat, error)
	ListHeartbeats(ctx context.Context, appID string) ([]*models.Heartbeat, error)
	ListActiveHeartbeats(ctx context.Context) ([]*models.Heartbeat, error)
	DeleteHeartbeat(ctx context.Context, appID, id string) error
	// CreateHeartbeatRun enforces the duplicate-fire protection of spec §4.9
	// via a unique (heartbeat_id, fire_minute) constraint; returns
	// ErrAlreadyExists on a duplicate fire within the same cron minute.
	CreateHeartbeatRun(ctx context.Context, run *models.HeartbeatRun) error
	UpdateHeartbeatRunStatus(ctx context.Context, runID string, status models.HeartbeatRunStatus) error

	// Knowledge sync (spec §4.10): rooms piggyback a delta of knowledge
	// entries since their last_knowledge_version on every heartbeat call.
	PutKnowledgeEntry(ctx context.Context, entry *models.KnowledgeEntry) error
	KnowledgeEntriesSince(ctx context.Context, appID string, sinceVersion int64) ([]*models.KnowledgeEntry, error)
	LatestKnowledgeVersion(ctx context.Context, appID string) (int64, error)
	RecordKnowledgeSync(ctx context.Context, roomID string, version int64) error

	// Error learning (spec §7): classified tool failures and the patterns
	// aggregated from them.
	RecordToolError(ctx context.Context, rec *models.ErrorRecord) error
	ListErrorPatterns(ctx context.Context) ([]*models.ErrorPattern, error)

	// Saved arrangements: named instrument/composition specs a caller can
	// persist once and resubmit by name.
	CreateArrangement(ctx context.Context, a *models.SavedArrangement) error
	ListArrangements(ctx context.Context, appID string) ([]*models.SavedArrangement, error)
	GetArrangement(ctx context.Context, appID, id string) (*models.SavedArrangement, error)

	Close() error
}
