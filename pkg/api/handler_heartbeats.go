package api

import (
	"net/http"
	"time"

	"github.com/google/uuid"
	echo "github.com/labstack/echo/v5"

	"github.com/mattdarbro/loop-symphony/pkg/models"
)

// createHeartbeatHandler implements POST /heartbeats, per spec §4.9.
func (s *Server) createHeartbeatHandler(c *echo.Context) error {
	var req createHeartbeatRequest
	if err := c.Bind(&req); err != nil {
		return mapServiceError(&ValidationError{Err: err})
	}
	if req.QueryTemplate == "" {
		return mapServiceError(&ValidationError{Field: "query_template", Err: errEmptyField})
	}
	if req.CronExpression == "" {
		return mapServiceError(&ValidationError{Field: "cron_expression", Err: errEmptyField})
	}

	hb := &models.Heartbeat{
		ID:              uuid.New().String(),
		AppID:           appIDFrom(c),
		UserID:          userIDFrom(c),
		Name:            req.Name,
		QueryTemplate:   req.QueryTemplate,
		CronExpression:  req.CronExpression,
		Timezone:        req.Timezone,
		ContextTemplate: req.ContextTemplate,
		WebhookURL:      req.WebhookURL,
		IsActive:        true,
	}
	if err := s.store.CreateHeartbeat(c.Request().Context(), hb); err != nil {
		return mapServiceError(err)
	}
	return c.JSON(http.StatusCreated, hb)
}

// listHeartbeatsHandler implements GET /heartbeats.
func (s *Server) listHeartbeatsHandler(c *echo.Context) error {
	hbs, err := s.store.ListHeartbeats(c.Request().Context(), appIDFrom(c))
	if err != nil {
		return mapServiceError(err)
	}
	return c.JSON(http.StatusOK, hbs)
}

// getHeartbeatHandler implements GET /heartbeats/{id}.
func (s *Server) getHeartbeatHandler(c *echo.Context) error {
	hb, err := s.store.GetHeartbeat(c.Request().Context(), appIDFrom(c), c.Param("id"))
	if err != nil {
		return mapServiceError(err)
	}
	return c.JSON(http.StatusOK, hb)
}

// deleteHeartbeatHandler implements DELETE /heartbeats/{id}.
func (s *Server) deleteHeartbeatHandler(c *echo.Context) error {
	if err := s.store.DeleteHeartbeat(c.Request().Context(), appIDFrom(c), c.Param("id")); err != nil {
		return mapServiceError(err)
	}
	return c.NoContent(http.StatusNoContent)
}

// tickHeartbeatsHandler implements POST /heartbeats/tick: an operator
// escape hatch to force an immediate scheduler evaluation, for testing a
// heartbeat's cron expression and webhook delivery without waiting for
// its next scheduled minute.
func (s *Server) tickHeartbeatsHandler(c *echo.Context) error {
	if err := s.scheduler.Tick(c.Request().Context(), time.Now()); err != nil {
		return mapServiceError(err)
	}
	return c.NoContent(http.StatusNoContent)
}
