// Package scheduler fires cron-scheduled Heartbeats (spec §4.9) into the
// Conductor and notifies a heartbeat's webhook once its task is submitted.
package scheduler

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/mattdarbro/loop-symphony/pkg/models"
	"github.com/mattdarbro/loop-symphony/pkg/store"
)

const (
	tickInterval   = time.Minute
	webhookTimeout = 10 * time.Second
)

// submitter is the narrow slice of *conductor.Conductor the scheduler needs.
// A heartbeat always fires at TrustLevelAutoFull, so there is never a plan
// to approve; Scheduler only cares that the task was accepted.
type submitter interface {
	Submit(ctx context.Context, appID, userID string, req models.TaskRequest) (*models.Task, *models.TaskPlan, error)
}

// Scheduler polls the registered heartbeats once a minute and submits the
// ones due to fire. It owns no database connection beyond the store
// contract and holds no in-memory copy of task state; restart safety comes
// entirely from store.ListActiveHeartbeats and the unique constraint behind
// CreateHeartbeatRun.
type Scheduler struct {
	store      store.Store
	conductor  submitter
	httpClient *http.Client

	mu     sync.Mutex
	parsed map[string]*cronExpr // heartbeat ID -> parsed expression, cached across ticks

	stopCh   chan struct{}
	stopOnce sync.Once
	wg       sync.WaitGroup
}

// New builds a Scheduler. conductor is typically *conductor.Conductor.
func New(st store.Store, conductor submitter) *Scheduler {
	return &Scheduler{
		store:      st,
		conductor:  conductor,
		httpClient: &http.Client{Timeout: webhookTimeout},
		parsed:     make(map[string]*cronExpr),
		stopCh:     make(chan struct{}),
	}
}

// Start begins the polling loop in a goroutine.
func (s *Scheduler) Start(ctx context.Context) {
	s.wg.Add(1)
	go s.run(ctx)
}

// Stop signals the loop to exit and waits for it. Safe to call multiple times.
func (s *Scheduler) Stop() {
	s.stopOnce.Do(func() { close(s.stopCh) })
	s.wg.Wait()
}

func (s *Scheduler) run(ctx context.Context) {
	defer s.wg.Done()

	ticker := time.NewTicker(tickInterval)
	defer ticker.Stop()

	log := slog.With("component", "scheduler")
	log.Info("scheduler started")

	for {
		select {
		case <-s.stopCh:
			log.Info("scheduler shutting down")
			return
		case <-ctx.Done():
			log.Info("context cancelled, scheduler shutting down")
			return
		case tick := <-ticker.C:
			if err := s.Tick(ctx, tick); err != nil {
				log.Error("tick failed", "error", err)
			}
		}
	}
}

// Tick evaluates every active heartbeat against the current minute and
// fires the ones that match. Exported so POST /heartbeats/tick can force
// an out-of-band evaluation without waiting for the ticker.
func (s *Scheduler) Tick(ctx context.Context, now time.Time) error {
	heartbeats, err := s.store.ListActiveHeartbeats(ctx)
	if err != nil {
		return fmt.Errorf("listing active heartbeats: %w", err)
	}

	for _, hb := range heartbeats {
		expr, err := s.exprFor(hb)
		if err != nil {
			slog.Error("invalid cron expression", "heartbeat_id", hb.ID, "expr", hb.CronExpression, "error", err)
			continue
		}
		if !expr.matches(now) {
			continue
		}
		s.fire(ctx, hb, now.Truncate(time.Minute))
	}
	return nil
}

// exprFor returns the cached parsed expression for hb, parsing and caching
// it on first use.
func (s *Scheduler) exprFor(hb *models.Heartbeat) (*cronExpr, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if e, ok := s.parsed[hb.ID]; ok && e.raw == hb.CronExpression {
		return e, nil
	}
	e, err := parseCron(hb.CronExpression)
	if err != nil {
		return nil, err
	}
	s.parsed[hb.ID] = e
	return e, nil
}

// fire records the run, submits the materialized task, marks the run
// running and, when a webhook URL is set, starts the webhook delivery right
// after submission. It does not wait for the task to finish, and the run's
// status is not moved past running. Duplicate fires within the same minute are
// suppressed by the unique constraint CreateHeartbeatRun enforces on
// (heartbeat_id, fire_minute); matches() only keeps this from being tried
// on every other tick of a drifting clock.
func (s *Scheduler) fire(ctx context.Context, hb *models.Heartbeat, minute time.Time) {
	log := slog.With("heartbeat_id", hb.ID, "app_id", hb.AppID)

	run := &models.HeartbeatRun{
		ID:          uuid.New().String(),
		HeartbeatID: hb.ID,
		FireMinute:  minute,
		Status:      models.HeartbeatRunPending,
		CreatedAt:   time.Now(),
	}
	if err := s.store.CreateHeartbeatRun(ctx, run); err != nil {
		if err == store.ErrAlreadyExists {
			log.Debug("heartbeat already fired for this minute")
			return
		}
		log.Error("failed to record heartbeat run", "error", err)
		return
	}

	req := models.TaskRequest{
		Query: materialize(hb.QueryTemplate, hb.ContextTemplate),
		Preferences: models.Preferences{
			TrustLevel: models.TrustLevelAutoFull,
		},
	}

	task, _, err := s.conductor.Submit(ctx, hb.AppID, hb.UserID, req)
	if err != nil {
		log.Error("heartbeat submission failed", "error", err)
		_ = s.store.UpdateHeartbeatRunStatus(ctx, run.ID, models.HeartbeatRunFailed)
		return
	}
	run.TaskID = task.ID
	if err := s.store.UpdateHeartbeatRunStatus(ctx, run.ID, models.HeartbeatRunRunning); err != nil {
		log.Warn("failed to mark heartbeat run running", "error", err)
	}

	if hb.WebhookURL != "" {
		go s.deliverWebhook(hb, run, task)
	}
}

// deliverWebhook posts the heartbeat id, task id and fire minute to
// hb.WebhookURL. It runs as soon as the task is submitted, so the payload
// carries no task result. It is fire-and-forget: a failed delivery is
// logged but never retried, and never changes the heartbeat run's recorded
// status.
func (s *Scheduler) deliverWebhook(hb *models.Heartbeat, run *models.HeartbeatRun, task *models.Task) {
	ctx, cancel := context.WithTimeout(context.Background(), webhookTimeout)
	defer cancel()

	body, err := json.Marshal(map[string]any{
		"heartbeat_id": hb.ID,
		"task_id":      task.ID,
		"fire_minute":  run.FireMinute,
	})
	if err != nil {
		slog.Error("failed to marshal webhook payload", "heartbeat_id", hb.ID, "error", err)
		return
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, hb.WebhookURL, bytes.NewReader(body))
	if err != nil {
		slog.Error("failed to build webhook request", "heartbeat_id", hb.ID, "error", err)
		return
	}
	httpReq.Header.Set("Content-Type", "application/json")

	resp, err := s.httpClient.Do(httpReq)
	if err != nil {
		slog.Warn("webhook delivery failed", "heartbeat_id", hb.ID, "url", hb.WebhookURL, "error", err)
		return
	}
	defer resp.Body.Close()
	if resp.StatusCode >= 300 {
		slog.Warn("webhook rejected", "heartbeat_id", hb.ID, "status", resp.StatusCode)
	}
}

// materialize substitutes {date} and any key present in extra into template.
func materialize(template string, extra map[string]any) string {
	out := strings.ReplaceAll(template, "{date}", time.Now().Format("2006-01-02"))
	for k, v := range extra {
		out = strings.ReplaceAll(out, "{"+k+"}", fmt.Sprintf("%v", v))
	}
	return out
}
