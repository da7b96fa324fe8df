package api

import (
	"time"

	"github.com/mattdarbro/loop-symphony/pkg/models"
)

// taskSubmitResponse is returned by POST /task, per spec §6: the caller
// learns immediately whether the task needs approval or is already
// running, without having to poll first.
type taskSubmitResponse struct {
	TaskID string             `json:"task_id"`
	Status models.Status      `json:"status"`
	Plan   *models.TaskPlan   `json:"plan,omitempty"`
}

// taskPendingResponse is returned by GET /task/{id} while the task has
// not yet reached a terminal status.
type taskPendingResponse struct {
	TaskID string        `json:"task_id"`
	Status models.Status `json:"status"`
}

// approveResponse is returned by POST /task/{id}/approve.
type approveResponse struct {
	TaskID string `json:"task_id"`
	Status string `json:"status"`
}

// cancelResponse is returned by POST /task/{id}/cancel.
type cancelResponse struct {
	TaskID    string `json:"task_id"`
	Cancelled bool   `json:"cancelled"`
}

// tasksStatsResponse is returned by GET /tasks/stats: in-flight counts
// come from the Task Manager, terminal counts from the store.
type tasksStatsResponse struct {
	Active   map[models.Status]int `json:"active"`
	Terminal map[models.Status]int `json:"terminal"`
}

// trustMetricsResponse mirrors models.TrustMetrics plus the derived
// success rate the wire format exposes directly rather than making every
// client recompute it.
type trustMetricsResponse struct {
	models.TrustMetrics
	SuccessRate float64 `json:"success_rate"`
}

// trustSuggestionResponse is returned by GET /trust/suggestion; Suggested
// is null when no upgrade is currently warranted.
type trustSuggestionResponse struct {
	Suggested *models.TrustLevel `json:"suggested"`
}

// heartbeatResponse mirrors models.Heartbeat for JSON responses.
type heartbeatResponse = models.Heartbeat

// roomResponse mirrors models.Room for JSON responses.
type roomResponse = models.Room

// errorResponse describes an {error, detail} body. No handler writes it:
// error statuses are returned as *echo.HTTPError values (see
// mapServiceError) and rendered by Echo's default error handler.
type errorResponse struct {
	Error  string `json:"error"`
	Detail string `json:"detail,omitempty"`
}

// healthResponse is returned by GET /health.
type healthResponse struct {
	Status string `json:"status"`
}

// systemHealthResponse is returned by GET /health/system: aggregated
// degraded-dependency warnings, per SPEC_FULL.md's supplemented system
// warnings surface.
type systemHealthResponse struct {
	Status   string            `json:"status"`
	Warnings []string          `json:"warnings,omitempty"`
	Tools    map[string]string `json:"tools,omitempty"`
}

// databaseHealthResponse is returned by GET /health/database.
type databaseHealthResponse struct {
	Status    string    `json:"status"`
	CheckedAt time.Time `json:"checked_at"`
}
