package api

import (
	"encoding/json"
	"fmt"
	"net/http"

	echo "github.com/labstack/echo/v5"

	"github.com/mattdarbro/loop-symphony/pkg/events"
)

// submitTaskHandler implements POST /task, per spec §6. Auth is optional:
// an unresolved caller is recorded against anonymousAppID so the task
// still has an app_id to satisfy the per-app isolation invariant on
// every downstream row it produces.
func (s *Server) submitTaskHandler(c *echo.Context) error {
	var req submitTaskRequest
	if err := c.Bind(&req); err != nil {
		return mapServiceError(&ValidationError{Err: err})
	}
	if req.Query == "" {
		return mapServiceError(&ValidationError{Field: "query", Err: errEmptyField})
	}

	appID := appIDFrom(c)
	if appID == "" {
		appID = anonymousAppID
	}
	userID := userIDFrom(c)

	task, plan, err := s.conductor.Submit(c.Request().Context(), appID, userID, req)
	if err != nil {
		return mapServiceError(err)
	}
	return c.JSON(http.StatusAccepted, taskSubmitResponse{TaskID: task.ID, Status: task.Status, Plan: plan})
}

// approveTaskHandler implements POST /task/{id}/approve.
func (s *Server) approveTaskHandler(c *echo.Context) error {
	appID := appIDFrom(c)
	if appID == "" {
		appID = anonymousAppID
	}
	taskID := c.Param("id")

	status, err := s.conductor.Approve(c.Request().Context(), appID, taskID)
	if err != nil {
		return mapServiceError(err)
	}
	return c.JSON(approvalStatusCode(status), approveResponse{TaskID: taskID, Status: string(status)})
}

// getTaskHandler implements GET /task/{id}.
func (s *Server) getTaskHandler(c *echo.Context) error {
	appID := appIDFrom(c)
	if appID == "" {
		appID = anonymousAppID
	}
	task, err := s.store.GetTask(c.Request().Context(), appID, c.Param("id"))
	if err != nil {
		return mapServiceError(err)
	}
	if !task.Status.Terminal() {
		return c.JSON(http.StatusOK, taskPendingResponse{TaskID: task.ID, Status: task.Status})
	}
	return c.JSON(http.StatusOK, task)
}

// checkpointsHandler implements GET /task/{id}/checkpoints.
func (s *Server) checkpointsHandler(c *echo.Context) error {
	cps, err := s.store.ListCheckpoints(c.Request().Context(), c.Param("id"))
	if err != nil {
		return mapServiceError(err)
	}
	return c.JSON(http.StatusOK, cps)
}

// cancelTaskHandler implements POST /task/{id}/cancel. Cancellation is
// cooperative: this only signals the worker, it does not itself persist
// the cancelled status (the worker does that once it observes ctx.Done()).
func (s *Server) cancelTaskHandler(c *echo.Context) error {
	taskID := c.Param("id")
	cancelled := s.tasks.Cancel(taskID)
	return c.JSON(http.StatusOK, cancelResponse{TaskID: taskID, Cancelled: cancelled})
}

// streamTaskHandler implements GET /task/{id}/stream: an SSE feed that
// replays history then forwards live events, per spec §4.7/§8 ("the
// delivered prefix equals the bus history snapshot at t, in order").
func (s *Server) streamTaskHandler(c *echo.Context) error {
	taskID := c.Param("id")
	sub := s.bus.Subscribe(taskID)
	defer sub.Close()

	w := c.Response()
	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.WriteHeader(http.StatusOK)

	writeEvent := func(ev events.Event) error {
		data, err := json.Marshal(ev)
		if err != nil {
			return err
		}
		if _, err := fmt.Fprintf(w, "event: %s\ndata: %s\n\n", ev.Type, data); err != nil {
			return err
		}
		w.Flush()
		return nil
	}

	for _, ev := range sub.History {
		if err := writeEvent(ev); err != nil {
			return nil
		}
	}

	ctx := c.Request().Context()
	for {
		select {
		case <-ctx.Done():
			return nil
		case ev, ok := <-sub.Events:
			if !ok {
				return nil
			}
			if err := writeEvent(ev); err != nil {
				return nil
			}
		}
	}
}
