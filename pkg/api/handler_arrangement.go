package api

import (
	"net/http"

	"github.com/google/uuid"
	echo "github.com/labstack/echo/v5"

	"github.com/mattdarbro/loop-symphony/pkg/models"
)

// createArrangementHandler implements POST /arrangements: persists a named
// instrument/composition spec a caller can resubmit by name instead of
// re-describing the same Sequential/Parallel/CrossRoom body on every call.
func (s *Server) createArrangementHandler(c *echo.Context) error {
	var req createArrangementRequest
	if err := c.Bind(&req); err != nil {
		return mapServiceError(&ValidationError{Err: err})
	}
	if req.Name == "" {
		return mapServiceError(&ValidationError{Field: "name", Err: errEmptyField})
	}
	if len(req.Spec) == 0 {
		return mapServiceError(&ValidationError{Field: "spec", Err: errEmptyField})
	}

	appID := appIDFrom(c)
	if appID == "" {
		appID = anonymousAppID
	}

	a := &models.SavedArrangement{
		ID:    uuid.New().String(),
		AppID: appID,
		Name:  req.Name,
		Spec:  req.Spec,
	}
	if err := s.store.CreateArrangement(c.Request().Context(), a); err != nil {
		return mapServiceError(err)
	}
	return c.JSON(http.StatusCreated, a)
}

// listArrangementsHandler implements GET /arrangements.
func (s *Server) listArrangementsHandler(c *echo.Context) error {
	appID := appIDFrom(c)
	if appID == "" {
		appID = anonymousAppID
	}
	arrangements, err := s.store.ListArrangements(c.Request().Context(), appID)
	if err != nil {
		return mapServiceError(err)
	}
	return c.JSON(http.StatusOK, arrangements)
}

// getArrangementHandler implements GET /arrangements/{id}.
func (s *Server) getArrangementHandler(c *echo.Context) error {
	appID := appIDFrom(c)
	if appID == "" {
		appID = anonymousAppID
	}
	a, err := s.store.GetArrangement(c.Request().Context(), appID, c.Param("id"))
	if err != nil {
		return mapServiceError(err)
	}
	return c.JSON(http.StatusOK, a)
}

// listErrorPatternsHandler implements GET /errors/patterns, per spec §7:
// classified tool failures aggregated by (tool_name, kind) so an operator
// sees recurring failure modes rather than a raw error log.
func (s *Server) listErrorPatternsHandler(c *echo.Context) error {
	patterns, err := s.store.ListErrorPatterns(c.Request().Context())
	if err != nil {
		return mapServiceError(err)
	}
	return c.JSON(http.StatusOK, patterns)
}
