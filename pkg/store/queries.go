package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/mattdarbro/loop-symphony/pkg/models"
)

// GetAppByAPIKey resolves the api_key header to an app row. Spec §6: the
// server validates the key against the apps table (active=true) on every
// authenticated request.
func (s *PostgresStore) GetAppByAPIKey(ctx context.Context, apiKey string) (*App, error) {
	var a App
	err := s.db.QueryRowContext(ctx,
		`SELECT id, api_key, name, is_active FROM apps WHERE api_key = $1`, apiKey,
	).Scan(&a.ID, &a.APIKey, &a.Name, &a.IsActive)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get app by api key: %w", err)
	}
	return &a, nil
}

// EnsureUserProfile creates the (app_id, external_user_id) row on first use
// and is a no-op thereafter, per spec §6.
func (s *PostgresStore) EnsureUserProfile(ctx context.Context, appID, externalUserID string) (*UserProfile, error) {
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO user_profiles (app_id, external_user_id) VALUES ($1, $2)
		 ON CONFLICT (app_id, external_user_id) DO NOTHING`,
		appID, externalUserID)
	if err != nil {
		return nil, fmt.Errorf("ensure user profile: %w", err)
	}
	var p UserProfile
	err = s.db.QueryRowContext(ctx,
		`SELECT app_id, external_user_id, created_at FROM user_profiles WHERE app_id = $1 AND external_user_id = $2`,
		appID, externalUserID,
	).Scan(&p.AppID, &p.ExternalUserID, &p.CreatedAt)
	if err != nil {
		return nil, fmt.Errorf("load user profile: %w", err)
	}
	return &p, nil
}

// CreateTask inserts a new task row. appID isolation is implicit: the row
// is stamped with task.AppID and every later read filters on it.
func (s *PostgresStore) CreateTask(ctx context.Context, task *models.Task) error {
	reqJSON, err := json.Marshal(task.Request)
	if err != nil {
		return fmt.Errorf("marshal request: %w", err)
	}
	_, err = s.db.ExecContext(ctx,
		`INSERT INTO tasks (id, app_id, user_id, request, status, created_at, updated_at)
		 VALUES ($1, $2, $3, $4, $5, $6, $7)`,
		task.ID, task.AppID, task.UserID, reqJSON, task.Status, task.CreatedAt, task.UpdatedAt)
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) && pgErr.Code == "23505" {
		return ErrAlreadyExists
	}
	if err != nil {
		return fmt.Errorf("create task: %w", err)
	}
	return nil
}

// GetTask returns a task scoped to appID — spec §3's per-app isolation
// invariant: "every DB row carrying an app_id filters by it".
func (s *PostgresStore) GetTask(ctx context.Context, appID, taskID string) (*models.Task, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT id, app_id, user_id, request, status, outcome, response, error_message,
		        created_at, updated_at, completed_at
		 FROM tasks WHERE id = $1 AND app_id = $2`, taskID, appID)
	return scanTask(row)
}

func scanTask(row *sql.Row) (*models.Task, error) {
	var (
		t            models.Task
		reqJSON      []byte
		respJSON     []byte
		outcome      sql.NullString
		errorMessage sql.NullString
		completedAt  sql.NullTime
	)
	err := row.Scan(&t.ID, &t.AppID, &t.UserID, &reqJSON, &t.Status, &outcome, &respJSON,
		&errorMessage, &t.CreatedAt, &t.UpdatedAt, &completedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("scan task: %w", err)
	}
	if err := json.Unmarshal(reqJSON, &t.Request); err != nil {
		return nil, fmt.Errorf("unmarshal request: %w", err)
	}
	if outcome.Valid {
		o := models.Outcome(outcome.String)
		t.Outcome = &o
	}
	if respJSON != nil {
		var resp models.TaskResponse
		if err := json.Unmarshal(respJSON, &resp); err != nil {
			return nil, fmt.Errorf("unmarshal response: %w", err)
		}
		t.Response = &resp
	}
	t.Error = errorMessage.String
	if completedAt.Valid {
		t.CompletedAt = &completedAt.Time
	}
	return &t, nil
}

// UpdateTaskStatus transitions a non-terminal task to a new status.
func (s *PostgresStore) UpdateTaskStatus(ctx context.Context, appID, taskID string, status models.Status) error {
	res, err := s.db.ExecContext(ctx,
		`UPDATE tasks SET status = $1, updated_at = $2 WHERE id = $3 AND app_id = $4`,
		status, time.Now(), taskID, appID)
	if err != nil {
		return fmt.Errorf("update task status: %w", err)
	}
	return requireRowsAffected(res)
}

// CancelTask marks a task cancelled, the third terminal status alongside
// complete/failed. Guarded by the same not-already-terminal WHERE clause
// as CompleteTask so a race between a worker's natural completion and an
// operator's cancel request can only win once.
func (s *PostgresStore) CancelTask(ctx context.Context, appID, taskID string) error {
	now := time.Now()
	res, err := s.db.ExecContext(ctx,
		`UPDATE tasks SET status = $1, updated_at = $2, completed_at = $2
		 WHERE id = $3 AND app_id = $4
		   AND status NOT IN ('complete', 'failed', 'cancelled')`,
		models.StatusCancelled, now, taskID, appID)
	if err != nil {
		return fmt.Errorf("cancel task: %w", err)
	}
	return requireRowsAffected(res)
}

// CompleteTask writes the terminal state of a task. Spec §3's invariant —
// "a Task has exactly one terminal status reached at most once" — is
// enforced by the WHERE clause excluding rows already terminal.
func (s *PostgresStore) CompleteTask(ctx context.Context, appID, taskID string, outcome models.Outcome, resp *models.TaskResponse, taskErr string) error {
	var respJSON []byte
	if resp != nil {
		var err error
		respJSON, err = json.Marshal(resp)
		if err != nil {
			return fmt.Errorf("marshal response: %w", err)
		}
	}
	status := models.StatusComplete
	if taskErr != "" && resp == nil {
		status = models.StatusFailed
	}
	now := time.Now()
	res, err := s.db.ExecContext(ctx,
		`UPDATE tasks SET status = $1, outcome = $2, response = $3, error_message = $4,
		        updated_at = $5, completed_at = $5
		 WHERE id = $6 AND app_id = $7
		   AND status NOT IN ('complete', 'failed', 'cancelled')`,
		status, string(outcome), respJSON, nullableString(taskErr), now, taskID, appID)
	if err != nil {
		return fmt.Errorf("complete task: %w", err)
	}
	return requireRowsAffected(res)
}

// ListTasks returns tasks for one app, optionally filtered by status, newest
// first. Never returns rows from a different app_id (spec §8's cross-app
// isolation testable property).
func (s *PostgresStore) ListTasks(ctx context.Context, filter TaskFilter) ([]*models.Task, error) {
	limit := filter.Limit
	if limit <= 0 {
		limit = 50
	}
	query := `SELECT id, app_id, user_id, request, status, outcome, response, error_message,
	                  created_at, updated_at, completed_at
	           FROM tasks WHERE app_id = $1`
	args := []any{filter.AppID}
	if filter.Status != nil {
		query += fmt.Sprintf(" AND status = $%d", len(args)+1)
		args = append(args, *filter.Status)
	}
	query += fmt.Sprintf(" ORDER BY created_at DESC LIMIT $%d", len(args)+1)
	args = append(args, limit)

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("list tasks: %w", err)
	}
	defer rows.Close()

	var out []*models.Task
	for rows.Next() {
		t, err := scanTaskRows(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, t)
	}
	return out, rows.Err()
}

func scanTaskRows(rows *sql.Rows) (*models.Task, error) {
	var (
		t            models.Task
		reqJSON      []byte
		respJSON     []byte
		outcome      sql.NullString
		errorMessage sql.NullString
		completedAt  sql.NullTime
	)
	if err := rows.Scan(&t.ID, &t.AppID, &t.UserID, &reqJSON, &t.Status, &outcome, &respJSON,
		&errorMessage, &t.CreatedAt, &t.UpdatedAt, &completedAt); err != nil {
		return nil, fmt.Errorf("scan task: %w", err)
	}
	if err := json.Unmarshal(reqJSON, &t.Request); err != nil {
		return nil, fmt.Errorf("unmarshal request: %w", err)
	}
	if outcome.Valid {
		o := models.Outcome(outcome.String)
		t.Outcome = &o
	}
	if respJSON != nil {
		var resp models.TaskResponse
		if err := json.Unmarshal(respJSON, &resp); err != nil {
			return nil, fmt.Errorf("unmarshal response: %w", err)
		}
		t.Response = &resp
	}
	t.Error = errorMessage.String
	if completedAt.Valid {
		t.CompletedAt = &completedAt.Time
	}
	return &t, nil
}

// CountTasksByStatus powers GET /tasks/stats.
func (s *PostgresStore) CountTasksByStatus(ctx context.Context, appID string) (map[models.Status]int, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT status, count(*) FROM tasks WHERE app_id = $1 GROUP BY status`, appID)
	if err != nil {
		return nil, fmt.Errorf("count tasks by status: %w", err)
	}
	defer rows.Close()
	out := make(map[models.Status]int)
	for rows.Next() {
		var status models.Status
		var n int
		if err := rows.Scan(&status, &n); err != nil {
			return nil, err
		}
		out[status] = n
	}
	return out, rows.Err()
}

// AppendCheckpoint inserts the next checkpoint for a task. Spec §3:
// "iteration_num strictly increases per task; no gaps across persisted
// checkpoints" — enforced by requiring iteration_num = max+1.
func (s *PostgresStore) AppendCheckpoint(ctx context.Context, cp *models.IterationCheckpoint) error {
	var maxIter sql.NullInt64
	if err := s.db.QueryRowContext(ctx,
		`SELECT max(iteration_num) FROM task_iterations WHERE task_id = $1`, cp.TaskID,
	).Scan(&maxIter); err != nil {
		return fmt.Errorf("load max iteration: %w", err)
	}
	expected := 1
	if maxIter.Valid {
		expected = int(maxIter.Int64) + 1
	}
	if cp.IterationNum != expected {
		return fmt.Errorf("checkpoint out of order: task %s expected iteration %d, got %d",
			cp.TaskID, expected, cp.IterationNum)
	}
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO task_iterations (task_id, iteration_num, phase, input, output, duration_ms, created_at)
		 VALUES ($1, $2, $3, $4, $5, $6, $7)`,
		cp.TaskID, cp.IterationNum, cp.Phase, cp.Input, cp.Output, cp.DurationMS, cp.CreatedAt)
	if err != nil {
		return fmt.Errorf("append checkpoint: %w", err)
	}
	return nil
}

// ListCheckpoints returns a task's checkpoints in iteration order.
func (s *PostgresStore) ListCheckpoints(ctx context.Context, taskID string) ([]*models.IterationCheckpoint, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT task_id, iteration_num, phase, input, output, duration_ms, created_at
		 FROM task_iterations WHERE task_id = $1 ORDER BY iteration_num ASC`, taskID)
	if err != nil {
		return nil, fmt.Errorf("list checkpoints: %w", err)
	}
	defer rows.Close()
	var out []*models.IterationCheckpoint
	for rows.Next() {
		var cp models.IterationCheckpoint
		if err := rows.Scan(&cp.TaskID, &cp.IterationNum, &cp.Phase, &cp.Input, &cp.Output,
			&cp.DurationMS, &cp.CreatedAt); err != nil {
			return nil, err
		}
		out = append(out, &cp)
	}
	return out, rows.Err()
}

// GetTrustMetrics returns metrics for (appID, userID), defaulting to a
// zero-valued trust-0 record when no row exists yet.
func (s *PostgresStore) GetTrustMetrics(ctx context.Context, appID, userID string) (*models.TrustMetrics, error) {
	var m models.TrustMetrics
	var lastTaskAt sql.NullTime
	var level int
	err := s.db.QueryRowContext(ctx,
		`SELECT app_id, user_id, total_tasks, successful_tasks, failed_tasks,
		        consecutive_successes, current_trust_level, last_task_at
		 FROM trust_metrics WHERE app_id = $1 AND user_id = $2`, appID, userID,
	).Scan(&m.AppID, &m.UserID, &m.TotalTasks, &m.SuccessfulTasks, &m.FailedTasks,
		&m.ConsecutiveSuccesses, &level, &lastTaskAt)
	if errors.Is(err, sql.ErrNoRows) {
		return &models.TrustMetrics{AppID: appID, UserID: userID, CurrentTrustLevel: models.TrustLevelPlanApproval}, nil
	}
	if err != nil {
		return nil, fmt.Errorf("get trust metrics: %w", err)
	}
	m.CurrentTrustLevel = models.TrustLevel(level)
	if lastTaskAt.Valid {
		m.LastTaskAt = &lastTaskAt.Time
	}
	return &m, nil
}

// RecordTaskOutcome applies spec §4.8's terminal-update rule atomically:
// increments totals, bumps or resets consecutive_successes, and upserts the
// row if this is the (app_id,user_id) pair's first task.
func (s *PostgresStore) RecordTaskOutcome(ctx context.Context, appID, userID string, success bool) (*models.TrustMetrics, error) {
	successInc, failInc, consecutiveSQL := 0, 0, "0"
	if success {
		successInc = 1
		consecutiveSQL = "trust_metrics.consecutive_successes + 1"
	} else {
		failInc = 1
	}
	_, err := s.db.ExecContext(ctx,
		fmt.Sprintf(`INSERT INTO trust_metrics (app_id, user_id, total_tasks, successful_tasks,
		                failed_tasks, consecutive_successes, current_trust_level, last_task_at)
		 VALUES ($1, $2, 1, $3, $4, $5, 0, now())
		 ON CONFLICT (app_id, user_id) DO UPDATE SET
		   total_tasks = trust_metrics.total_tasks + 1,
		   successful_tasks = trust_metrics.successful_tasks + $3,
		   failed_tasks = trust_metrics.failed_tasks + $4,
		   consecutive_successes = %s,
		   last_task_at = now()`, consecutiveSQL),
		appID, userID, successInc, failInc, boolToInt(success))
	if err != nil {
		return nil, fmt.Errorf("record task outcome: %w", err)
	}
	return s.GetTrustMetrics(ctx, appID, userID)
}

func boolToInt(b bool) int {
	if b {
		return 1
	}
	return 0
}

// SetTrustLevel is the ONLY path that may change current_trust_level, per
// spec §3's invariant and the PUT /trust/level endpoint of spec §6.
func (s *PostgresStore) SetTrustLevel(ctx context.Context, appID, userID string, level models.TrustLevel) (*models.TrustMetrics, error) {
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO trust_metrics (app_id, user_id, current_trust_level)
		 VALUES ($1, $2, $3)
		 ON CONFLICT (app_id, user_id) DO UPDATE SET current_trust_level = $3`,
		appID, userID, int(level))
	if err != nil {
		return nil, fmt.Errorf("set trust level: %w", err)
	}
	return s.GetTrustMetrics(ctx, appID, userID)
}

// CreateHeartbeat inserts a new heartbeat definition.
func (s *PostgresStore) CreateHeartbeat(ctx context.Context, hb *models.Heartbeat) error {
	ctxJSON, err := json.Marshal(hb.ContextTemplate)
	if err != nil {
		return fmt.Errorf("marshal context template: %w", err)
	}
	_, err = s.db.ExecContext(ctx,
		`INSERT INTO heartbeats (id, app_id, user_id, name, query_template, cron_expression,
		                         timezone, context_template, webhook_url, is_active)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10)`,
		hb.ID, hb.AppID, nullableString(hb.UserID), hb.Name, hb.QueryTemplate, hb.CronExpression,
		hb.Timezone, ctxJSON, nullableString(hb.WebhookURL), hb.IsActive)
	if err != nil {
		return fmt.Errorf("create heartbeat: %w", err)
	}
	return nil
}

// GetHeartbeat returns a heartbeat scoped to appID.
func (s *PostgresStore) GetHeartbeat(ctx context.Context, appID, id string) (*models.Heartbeat, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT id, app_id, user_id, name, query_template, cron_expression, timezone,
		        context_template, webhook_url, is_active
		 FROM heartbeats WHERE id = $1 AND app_id = $2`, id, appID)
	return scanHeartbeat(row)
}

func scanHeartbeat(row *sql.Row) (*models.Heartbeat, error) {
	var (
		hb         models.Heartbeat
		userID     sql.NullString
		ctxJSON    []byte
		webhookURL sql.NullString
	)
	err := row.Scan(&hb.ID, &hb.AppID, &userID, &hb.Name, &hb.QueryTemplate, &hb.CronExpression,
		&hb.Timezone, &ctxJSON, &webhookURL, &hb.IsActive)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("scan heartbeat: %w", err)
	}
	hb.UserID = userID.String
	hb.WebhookURL = webhookURL.String
	if len(ctxJSON) > 0 {
		_ = json.Unmarshal(ctxJSON, &hb.ContextTemplate)
	}
	return &hb, nil
}

// ListHeartbeats returns every heartbeat (active or not) owned by appID,
// for GET /heartbeats.
func (s *PostgresStore) ListHeartbeats(ctx context.Context, appID string) ([]*models.Heartbeat, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, app_id, user_id, name, query_template, cron_expression, timezone,
		        context_template, webhook_url, is_active
		 FROM heartbeats WHERE app_id = $1 ORDER BY name`, appID)
	if err != nil {
		return nil, fmt.Errorf("list heartbeats: %w", err)
	}
	defer rows.Close()
	var out []*models.Heartbeat
	for rows.Next() {
		var (
			hb         models.Heartbeat
			userID     sql.NullString
			ctxJSON    []byte
			webhookURL sql.NullString
		)
		if err := rows.Scan(&hb.ID, &hb.AppID, &userID, &hb.Name, &hb.QueryTemplate, &hb.CronExpression,
			&hb.Timezone, &ctxJSON, &webhookURL, &hb.IsActive); err != nil {
			return nil, err
		}
		hb.UserID = userID.String
		hb.WebhookURL = webhookURL.String
		if len(ctxJSON) > 0 {
			_ = json.Unmarshal(ctxJSON, &hb.ContextTemplate)
		}
		out = append(out, &hb)
	}
	return out, rows.Err()
}

// ListActiveHeartbeats returns every active heartbeat across all apps —
// the scheduler evaluates each one's cron expression per tick.
func (s *PostgresStore) ListActiveHeartbeats(ctx context.Context) ([]*models.Heartbeat, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, app_id, user_id, name, query_template, cron_expression, timezone,
		        context_template, webhook_url, is_active
		 FROM heartbeats WHERE is_active = true`)
	if err != nil {
		return nil, fmt.Errorf("list active heartbeats: %w", err)
	}
	defer rows.Close()
	var out []*models.Heartbeat
	for rows.Next() {
		var (
			hb         models.Heartbeat
			userID     sql.NullString
			ctxJSON    []byte
			webhookURL sql.NullString
		)
		if err := rows.Scan(&hb.ID, &hb.AppID, &userID, &hb.Name, &hb.QueryTemplate, &hb.CronExpression,
			&hb.Timezone, &ctxJSON, &webhookURL, &hb.IsActive); err != nil {
			return nil, err
		}
		hb.UserID = userID.String
		hb.WebhookURL = webhookURL.String
		if len(ctxJSON) > 0 {
			_ = json.Unmarshal(ctxJSON, &hb.ContextTemplate)
		}
		out = append(out, &hb)
	}
	return out, rows.Err()
}

// DeleteHeartbeat removes a heartbeat definition scoped to appID.
func (s *PostgresStore) DeleteHeartbeat(ctx context.Context, appID, id string) error {
	res, err := s.db.ExecContext(ctx, `DELETE FROM heartbeats WHERE id = $1 AND app_id = $2`, id, appID)
	if err != nil {
		return fmt.Errorf("delete heartbeat: %w", err)
	}
	return requireRowsAffected(res)
}

// CreateHeartbeatRun inserts a run record, relying on the unique
// (heartbeat_id, fire_minute) constraint for spec §4.9's duplicate-fire
// protection.
func (s *PostgresStore) CreateHeartbeatRun(ctx context.Context, run *models.HeartbeatRun) error {
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO heartbeat_runs (id, heartbeat_id, task_id, fire_minute, status, created_at)
		 VALUES ($1, $2, $3, $4, $5, $6)`,
		run.ID, run.HeartbeatID, nullableString(run.TaskID), run.FireMinute, run.Status, run.CreatedAt)
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) && pgErr.Code == "23505" {
		return ErrAlreadyExists
	}
	if err != nil {
		return fmt.Errorf("create heartbeat run: %w", err)
	}
	return nil
}

// UpdateHeartbeatRunStatus sets a run's status (running, done or failed).
func (s *PostgresStore) UpdateHeartbeatRunStatus(ctx context.Context, runID string, status models.HeartbeatRunStatus) error {
	_, err := s.db.ExecContext(ctx, `UPDATE heartbeat_runs SET status = $1 WHERE id = $2`, status, runID)
	if err != nil {
		return fmt.Errorf("update heartbeat run status: %w", err)
	}
	return nil
}

// PutKnowledgeEntry inserts a new knowledge entry, stamping it with the next
// version for appID so KnowledgeEntriesSince can hand out a gap-free delta.
func (s *PostgresStore) PutKnowledgeEntry(ctx context.Context, entry *models.KnowledgeEntry) error {
	var maxVersion sql.NullInt64
	if err := s.db.QueryRowContext(ctx,
		`SELECT max(version) FROM knowledge_entries WHERE app_id = $1`, entry.AppID,
	).Scan(&maxVersion); err != nil {
		return fmt.Errorf("load max knowledge version: %w", err)
	}
	entry.Version = maxVersion.Int64 + 1
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO knowledge_entries (id, app_id, content, version, created_at)
		 VALUES ($1, $2, $3, $4, $5)`,
		entry.ID, entry.AppID, entry.Content, entry.Version, entry.CreatedAt)
	if err != nil {
		return fmt.Errorf("put knowledge entry: %w", err)
	}
	return nil
}

// KnowledgeEntriesSince returns every entry for appID with version strictly
// greater than sinceVersion, oldest first — the delta a heartbeat caller's
// last_knowledge_version entitles it to.
func (s *PostgresStore) KnowledgeEntriesSince(ctx context.Context, appID string, sinceVersion int64) ([]*models.KnowledgeEntry, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, app_id, content, version, created_at
		 FROM knowledge_entries WHERE app_id = $1 AND version > $2 ORDER BY version ASC`,
		appID, sinceVersion)
	if err != nil {
		return nil, fmt.Errorf("list knowledge entries: %w", err)
	}
	defer rows.Close()
	var out []*models.KnowledgeEntry
	for rows.Next() {
		var e models.KnowledgeEntry
		if err := rows.Scan(&e.ID, &e.AppID, &e.Content, &e.Version, &e.CreatedAt); err != nil {
			return nil, err
		}
		out = append(out, &e)
	}
	return out, rows.Err()
}

// LatestKnowledgeVersion returns the highest knowledge_entries version for
// appID, or 0 when the app has published nothing yet.
func (s *PostgresStore) LatestKnowledgeVersion(ctx context.Context, appID string) (int64, error) {
	var maxVersion sql.NullInt64
	if err := s.db.QueryRowContext(ctx,
		`SELECT max(version) FROM knowledge_entries WHERE app_id = $1`, appID,
	).Scan(&maxVersion); err != nil {
		return 0, fmt.Errorf("load latest knowledge version: %w", err)
	}
	return maxVersion.Int64, nil
}

// RecordKnowledgeSync upserts the caller room's last_knowledge_version, so a
// later out-of-band consumer of knowledge_sync_state (an operator query, a
// future push-based sync) can see which rooms are caught up.
func (s *PostgresStore) RecordKnowledgeSync(ctx context.Context, roomID string, version int64) error {
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO knowledge_sync_state (room_id, last_knowledge_version, updated_at)
		 VALUES ($1, $2, now())
		 ON CONFLICT (room_id) DO UPDATE SET last_knowledge_version = $2, updated_at = now()`,
		roomID, version)
	if err != nil {
		return fmt.Errorf("record knowledge sync: %w", err)
	}
	return nil
}

// RecordToolError persists one classified tool failure and bumps its
// (tool_name, kind) aggregate in error_patterns, per spec §7.
func (s *PostgresStore) RecordToolError(ctx context.Context, rec *models.ErrorRecord) error {
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO error_records (id, app_id, task_id, tool_name, kind, message, created_at)
		 VALUES ($1, $2, $3, $4, $5, $6, $7)`,
		rec.ID, rec.AppID, nullableString(rec.TaskID), rec.ToolName, rec.Kind, rec.Message, rec.CreatedAt)
	if err != nil {
		return fmt.Errorf("record tool error: %w", err)
	}
	_, err = s.db.ExecContext(ctx,
		`INSERT INTO error_patterns (id, tool_name, kind, occurrences, last_seen_at)
		 VALUES ($1, $2, $3, 1, $4)
		 ON CONFLICT (tool_name, kind) DO UPDATE SET
		   occurrences = error_patterns.occurrences + 1,
		   last_seen_at = $4`,
		uuid.New().String(), rec.ToolName, rec.Kind, rec.CreatedAt)
	if err != nil {
		return fmt.Errorf("record error pattern: %w", err)
	}
	return nil
}

// ListErrorPatterns returns every aggregated (tool_name, kind) pattern,
// most-recently-seen first, for GET /errors/patterns.
func (s *PostgresStore) ListErrorPatterns(ctx context.Context) ([]*models.ErrorPattern, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, tool_name, kind, occurrences, last_seen_at
		 FROM error_patterns ORDER BY last_seen_at DESC`)
	if err != nil {
		return nil, fmt.Errorf("list error patterns: %w", err)
	}
	defer rows.Close()
	var out []*models.ErrorPattern
	for rows.Next() {
		var p models.ErrorPattern
		if err := rows.Scan(&p.ID, &p.ToolName, &p.Kind, &p.Occurrences, &p.LastSeenAt); err != nil {
			return nil, err
		}
		out = append(out, &p)
	}
	return out, rows.Err()
}

// CreateArrangement inserts a new saved instrument/composition arrangement.
func (s *PostgresStore) CreateArrangement(ctx context.Context, a *models.SavedArrangement) error {
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO saved_arrangements (id, app_id, name, spec, created_at)
		 VALUES ($1, $2, $3, $4, $5)`,
		a.ID, a.AppID, a.Name, []byte(a.Spec), a.CreatedAt)
	if err != nil {
		return fmt.Errorf("create arrangement: %w", err)
	}
	return nil
}

// ListArrangements returns every arrangement saved by appID, newest first.
func (s *PostgresStore) ListArrangements(ctx context.Context, appID string) ([]*models.SavedArrangement, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, app_id, name, spec, created_at
		 FROM saved_arrangements WHERE app_id = $1 ORDER BY created_at DESC`, appID)
	if err != nil {
		return nil, fmt.Errorf("list arrangements: %w", err)
	}
	defer rows.Close()
	var out []*models.SavedArrangement
	for rows.Next() {
		var a models.SavedArrangement
		var spec []byte
		if err := rows.Scan(&a.ID, &a.AppID, &a.Name, &spec, &a.CreatedAt); err != nil {
			return nil, err
		}
		a.Spec = spec
		out = append(out, &a)
	}
	return out, rows.Err()
}

// GetArrangement returns one arrangement scoped to appID.
func (s *PostgresStore) GetArrangement(ctx context.Context, appID, id string) (*models.SavedArrangement, error) {
	var a models.SavedArrangement
	var spec []byte
	err := s.db.QueryRowContext(ctx,
		`SELECT id, app_id, name, spec, created_at FROM saved_arrangements WHERE id = $1 AND app_id = $2`,
		id, appID,
	).Scan(&a.ID, &a.AppID, &a.Name, &spec, &a.CreatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get arrangement: %w", err)
	}
	a.Spec = spec
	return &a, nil
}

func nullableString(s string) sql.NullString {
	return sql.NullString{String: s, Valid: s != ""}
}

func requireRowsAffected(res sql.Result) error {
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return ErrNotFound
	}
	return nil
}
