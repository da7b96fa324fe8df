package api

import (
	"net/http"
	"strconv"

	echo "github.com/labstack/echo/v5"

	"github.com/mattdarbro/loop-symphony/pkg/models"
	"github.com/mattdarbro/loop-symphony/pkg/taskmanager"
)

const defaultRecentLimit = 50

// activeTasksHandler implements GET /tasks/active, scoped to the caller's
// app.
func (s *Server) activeTasksHandler(c *echo.Context) error {
	appID := appIDFrom(c)
	out := make([]taskmanager.ActiveTask, 0)
	for _, t := range s.tasks.GetActive() {
		if t.AppID == appID {
			out = append(out, t)
		}
	}
	return c.JSON(http.StatusOK, out)
}

// recentTasksHandler implements GET /tasks/recent.
func (s *Server) recentTasksHandler(c *echo.Context) error {
	appID := appIDFrom(c)
	limit := defaultRecentLimit
	if raw := c.QueryParam("limit"); raw != "" {
		if n, err := strconv.Atoi(raw); err == nil && n > 0 {
			limit = n
		}
	}
	tasks, err := s.tasks.GetRecent(c.Request().Context(), appID, limit)
	if err != nil {
		return mapServiceError(err)
	}
	return c.JSON(http.StatusOK, tasks)
}

// taskStatsHandler implements GET /tasks/stats: in-flight counts from the
// Task Manager, terminal counts from the store.
func (s *Server) taskStatsHandler(c *echo.Context) error {
	appID := appIDFrom(c)
	terminal, err := s.store.CountTasksByStatus(c.Request().Context(), appID)
	if err != nil {
		return mapServiceError(err)
	}
	return c.JSON(http.StatusOK, tasksStatsResponse{
		Active:   activeCountsForApp(s, appID),
		Terminal: terminal,
	})
}

func activeCountsForApp(s *Server, appID string) map[models.Status]int {
	out := make(map[models.Status]int)
	for _, t := range s.tasks.GetActive() {
		if t.AppID == appID {
			out[t.Status]++
		}
	}
	return out
}
