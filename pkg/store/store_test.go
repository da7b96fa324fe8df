package store

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/testcontainers/testcontainers-go"
	"github.com/testcontainers/testcontainers-go/modules/postgres"
	"github.com/testcontainers/testcontainers-go/wait"

	"github.com/mattdarbro/loop-symphony/pkg/models"
)

// newTestStore spins up a disposable Postgres container, applies the
// embedded migrations through NewPostgresStore, and registers cleanup.
func newTestStore(t *testing.T) *PostgresStore {
	ctx := context.Background()

	pgContainer, err := postgres.Run(ctx,
		"postgres:16-alpine",
		postgres.WithDatabase("symphony_test"),
		postgres.WithUsername("symphony"),
		postgres.WithPassword("symphony"),
		testcontainers.WithWaitStrategy(
			wait.ForLog("database system is ready to accept connections").
				WithOccurrence(2).
				WithStartupTimeout(30*time.Second)),
	)
	require.NoError(t, err)
	t.Cleanup(func() {
		if err := testcontainers.TerminateContainer(pgContainer); err != nil {
			t.Logf("failed to terminate container: %v", err)
		}
	})

	host, err := pgContainer.Host(ctx)
	require.NoError(t, err)
	port, err := pgContainer.MappedPort(ctx, "5432/tcp")
	require.NoError(t, err)

	cfg := Config{
		Host:            host,
		Port:            port.Int(),
		User:            "symphony",
		Password:        "symphony",
		Database:        "symphony_test",
		SSLMode:         "disable",
		MaxOpenConns:    10,
		MaxIdleConns:    5,
		ConnMaxLifetime: time.Hour,
		ConnMaxIdleTime: 15 * time.Minute,
	}

	s, err := NewPostgresStore(ctx, cfg)
	require.NoError(t, err)
	t.Cleanup(func() { _ = s.Close() })
	return s
}

func seedApp(t *testing.T, s *PostgresStore, id, apiKey string) {
	t.Helper()
	_, err := s.DB().Exec(`INSERT INTO apps (id, api_key, name, is_active) VALUES ($1, $2, $3, true)`,
		id, apiKey, "test-app-"+id)
	require.NoError(t, err)
}

func TestPostgresStore_ConnectionPool(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	require.NoError(t, s.DB().PingContext(ctx))

	health, err := Health(ctx, s.DB())
	require.NoError(t, err)
	assert.Equal(t, "healthy", health.Status)
	assert.Greater(t, health.MaxOpenConns, 0)
}

func TestPostgresStore_GetAppByAPIKey(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	seedApp(t, s, "app-1", "key-abc")

	app, err := s.GetAppByAPIKey(ctx, "key-abc")
	require.NoError(t, err)
	assert.Equal(t, "app-1", app.ID)
	assert.True(t, app.IsActive)

	_, err = s.GetAppByAPIKey(ctx, "no-such-key")
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestPostgresStore_EnsureUserProfile_Idempotent(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	seedApp(t, s, "app-1", "key-abc")

	p1, err := s.EnsureUserProfile(ctx, "app-1", "user-1")
	require.NoError(t, err)
	p2, err := s.EnsureUserProfile(ctx, "app-1", "user-1")
	require.NoError(t, err)
	assert.Equal(t, p1.CreatedAt, p2.CreatedAt)
}

func TestPostgresStore_TaskLifecycle(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	seedApp(t, s, "app-1", "key-abc")

	task := &models.Task{
		ID:        "task-1",
		AppID:     "app-1",
		UserID:    "user-1",
		Status:    models.StatusPending,
		Request:   models.TaskRequest{Query: "what is the weather"},
		CreatedAt: time.Now(),
		UpdatedAt: time.Now(),
	}
	require.NoError(t, s.CreateTask(ctx, task))

	// Duplicate ID is rejected.
	err := s.CreateTask(ctx, task)
	assert.ErrorIs(t, err, ErrAlreadyExists)

	got, err := s.GetTask(ctx, "app-1", "task-1")
	require.NoError(t, err)
	assert.Equal(t, models.StatusPending, got.Status)
	assert.Equal(t, "what is the weather", got.Request.Query)

	// A different app_id must never see this task (spec's isolation invariant).
	_, err = s.GetTask(ctx, "app-2", "task-1")
	assert.ErrorIs(t, err, ErrNotFound)

	require.NoError(t, s.UpdateTaskStatus(ctx, "app-1", "task-1", models.StatusRunning))
	got, err = s.GetTask(ctx, "app-1", "task-1")
	require.NoError(t, err)
	assert.Equal(t, models.StatusRunning, got.Status)

	resp := &models.TaskResponse{
		RequestID: "task-1",
		InstrumentResult: models.InstrumentResult{
			Summary: "it is sunny", Outcome: models.OutcomeComplete,
		},
		Metadata: models.ExecutionMetadata{InstrumentUsed: "research", Iterations: 2},
	}
	require.NoError(t, s.CompleteTask(ctx, "app-1", "task-1", models.OutcomeComplete, resp, ""))

	got, err = s.GetTask(ctx, "app-1", "task-1")
	require.NoError(t, err)
	assert.Equal(t, models.StatusComplete, got.Status)
	require.NotNil(t, got.Outcome)
	assert.Equal(t, models.OutcomeComplete, *got.Outcome)
	require.NotNil(t, got.Response)
	assert.Equal(t, "it is sunny", got.Response.InstrumentResult.Summary)
	require.NotNil(t, got.CompletedAt)

	// A second completion attempt on an already-terminal task is a no-op
	// failure, per the terminal-status-reached-at-most-once invariant.
	err = s.CompleteTask(ctx, "app-1", "task-1", models.OutcomeComplete, resp, "")
	assert.ErrorIs(t, err, ErrNotFound)

	// Cancelling an already-terminal task is likewise rejected.
	err = s.CancelTask(ctx, "app-1", "task-1")
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestPostgresStore_CancelTask(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	seedApp(t, s, "app-1", "key-abc")

	task := &models.Task{
		ID: "task-cancel", AppID: "app-1", UserID: "user-1",
		Status: models.StatusRunning, Request: models.TaskRequest{Query: "q"},
		CreatedAt: time.Now(), UpdatedAt: time.Now(),
	}
	require.NoError(t, s.CreateTask(ctx, task))

	require.NoError(t, s.CancelTask(ctx, "app-1", "task-cancel"))
	got, err := s.GetTask(ctx, "app-1", "task-cancel")
	require.NoError(t, err)
	assert.Equal(t, models.StatusCancelled, got.Status)
	require.NotNil(t, got.CompletedAt)

	assert.ErrorIs(t, s.CancelTask(ctx, "app-1", "task-cancel"), ErrNotFound)
}

func TestPostgresStore_ListTasks_FiltersByAppAndStatus(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	seedApp(t, s, "app-1", "key-1")
	seedApp(t, s, "app-2", "key-2")

	mk := func(id, appID string, status models.Status) *models.Task {
		return &models.Task{
			ID: id, AppID: appID, Status: status,
			Request:   models.TaskRequest{Query: "q"},
			CreatedAt: time.Now(), UpdatedAt: time.Now(),
		}
	}
	require.NoError(t, s.CreateTask(ctx, mk("t1", "app-1", models.StatusPending)))
	require.NoError(t, s.CreateTask(ctx, mk("t2", "app-1", models.StatusRunning)))
	require.NoError(t, s.CreateTask(ctx, mk("t3", "app-2", models.StatusPending)))

	all, err := s.ListTasks(ctx, TaskFilter{AppID: "app-1"})
	require.NoError(t, err)
	assert.Len(t, all, 2)

	running := models.StatusRunning
	filtered, err := s.ListTasks(ctx, TaskFilter{AppID: "app-1", Status: &running})
	require.NoError(t, err)
	require.Len(t, filtered, 1)
	assert.Equal(t, "t2", filtered[0].ID)

	counts, err := s.CountTasksByStatus(ctx, "app-1")
	require.NoError(t, err)
	assert.Equal(t, 1, counts[models.StatusPending])
	assert.Equal(t, 1, counts[models.StatusRunning])
}

func TestPostgresStore_Checkpoints_RejectOutOfOrder(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	seedApp(t, s, "app-1", "key-1")
	require.NoError(t, s.CreateTask(ctx, &models.Task{
		ID: "task-1", AppID: "app-1", Status: models.StatusRunning,
		Request: models.TaskRequest{Query: "q"}, CreatedAt: time.Now(), UpdatedAt: time.Now(),
	}))

	require.NoError(t, s.AppendCheckpoint(ctx, &models.IterationCheckpoint{
		TaskID: "task-1", IterationNum: 1, Phase: "gather", CreatedAt: time.Now(),
	}))

	// Skipping straight to 3 is rejected; no gaps allowed.
	err := s.AppendCheckpoint(ctx, &models.IterationCheckpoint{
		TaskID: "task-1", IterationNum: 3, Phase: "gather", CreatedAt: time.Now(),
	})
	assert.Error(t, err)

	require.NoError(t, s.AppendCheckpoint(ctx, &models.IterationCheckpoint{
		TaskID: "task-1", IterationNum: 2, Phase: "synthesize", CreatedAt: time.Now(),
	}))

	list, err := s.ListCheckpoints(ctx, "task-1")
	require.NoError(t, err)
	require.Len(t, list, 2)
	assert.Equal(t, 1, list[0].IterationNum)
	assert.Equal(t, 2, list[1].IterationNum)
}

func TestPostgresStore_TrustMetrics_DefaultsAndAccumulates(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	seedApp(t, s, "app-1", "key-1")

	m, err := s.GetTrustMetrics(ctx, "app-1", "user-1")
	require.NoError(t, err)
	assert.Equal(t, models.TrustLevelPlanApproval, m.CurrentTrustLevel)
	assert.Equal(t, 0, m.TotalTasks)

	m, err = s.RecordTaskOutcome(ctx, "app-1", "user-1", true)
	require.NoError(t, err)
	assert.Equal(t, 1, m.TotalTasks)
	assert.Equal(t, 1, m.SuccessfulTasks)
	assert.Equal(t, 1, m.ConsecutiveSuccesses)

	m, err = s.RecordTaskOutcome(ctx, "app-1", "user-1", false)
	require.NoError(t, err)
	assert.Equal(t, 2, m.TotalTasks)
	assert.Equal(t, 1, m.FailedTasks)
	assert.Equal(t, 0, m.ConsecutiveSuccesses)

	m, err = s.SetTrustLevel(ctx, "app-1", "user-1", models.TrustLevelAutoFull)
	require.NoError(t, err)
	assert.Equal(t, models.TrustLevelAutoFull, m.CurrentTrustLevel)
}

func TestPostgresStore_Heartbeats_AndDuplicateFireSuppression(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	seedApp(t, s, "app-1", "key-1")

	hb := &models.Heartbeat{
		ID: "hb-1", AppID: "app-1", Name: "morning digest",
		QueryTemplate: "summarize overnight alerts", CronExpression: "0 8 * * *",
		Timezone: "UTC", IsActive: true,
	}
	require.NoError(t, s.CreateHeartbeat(ctx, hb))

	got, err := s.GetHeartbeat(ctx, "app-1", "hb-1")
	require.NoError(t, err)
	assert.Equal(t, "morning digest", got.Name)

	active, err := s.ListActiveHeartbeats(ctx)
	require.NoError(t, err)
	assert.Len(t, active, 1)

	fireMinute := time.Now().Truncate(time.Minute)
	run := &models.HeartbeatRun{
		ID: "run-1", HeartbeatID: "hb-1", FireMinute: fireMinute,
		Status: models.HeartbeatRunPending, CreatedAt: time.Now(),
	}
	require.NoError(t, s.CreateHeartbeatRun(ctx, run))

	// A second run for the same (heartbeat_id, fire_minute) is a duplicate fire.
	dup := &models.HeartbeatRun{
		ID: "run-2", HeartbeatID: "hb-1", FireMinute: fireMinute,
		Status: models.HeartbeatRunPending, CreatedAt: time.Now(),
	}
	err = s.CreateHeartbeatRun(ctx, dup)
	assert.ErrorIs(t, err, ErrAlreadyExists)

	require.NoError(t, s.UpdateHeartbeatRunStatus(ctx, "run-1", models.HeartbeatRunDone))

	require.NoError(t, s.DeleteHeartbeat(ctx, "app-1", "hb-1"))
	_, err = s.GetHeartbeat(ctx, "app-1", "hb-1")
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestConfig_Validate(t *testing.T) {
	tests := []struct {
		name    string
		cfg     Config
		wantErr bool
	}{
		{
			name: "valid config",
			cfg: Config{
				Host: "localhost", Port: 5432, User: "symphony", Password: "secret",
				Database: "symphony", SSLMode: "disable", MaxOpenConns: 10, MaxIdleConns: 5,
			},
			wantErr: false,
		},
		{
			name: "missing password",
			cfg: Config{
				Host: "localhost", Port: 5432, User: "symphony", Database: "symphony",
				MaxOpenConns: 10, MaxIdleConns: 5,
			},
			wantErr: true,
		},
		{
			name: "idle conns exceed max conns",
			cfg: Config{
				Host: "localhost", Port: 5432, User: "symphony", Password: "secret",
				Database: "symphony", MaxOpenConns: 5, MaxIdleConns: 10,
			},
			wantErr: true,
		},
		{
			name: "zero max open conns",
			cfg: Config{
				Host: "localhost", Port: 5432, User: "symphony", Password: "secret",
				Database: "symphony", MaxOpenConns: 0, MaxIdleConns: 0,
			},
			wantErr: true,
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := tt.cfg.Validate()
			if tt.wantErr {
				assert.Error(t, err)
			} else {
				assert.NoError(t, err)
			}
		})
	}
}
