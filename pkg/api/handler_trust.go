package api

import (
	"errors"
	"net/http"

	echo "github.com/labstack/echo/v5"

	"github.com/mattdarbro/loop-symphony/pkg/models"
)

var (
	errMissingUserHeader = errors.New("X-User-Id header is required for this endpoint")
	errInvalidTrustLevel = errors.New("must be 0 (plan_approval), 1 (auto_full), or 2 (auto_minimal)")
)

// requireUser resolves (appID, userID) for the trust endpoints, all of
// which require auth per spec §6.
func requireUser(c *echo.Context) (appID, userID string, err error) {
	appID = appIDFrom(c)
	userID = userIDFrom(c)
	if userID == "" {
		return "", "", &ValidationError{Field: "X-User-Id", Err: errMissingUserHeader}
	}
	return appID, userID, nil
}

// trustMetricsHandler implements GET /trust/metrics.
func (s *Server) trustMetricsHandler(c *echo.Context) error {
	appID, userID, err := requireUser(c)
	if err != nil {
		return mapServiceError(err)
	}
	m, err := s.store.GetTrustMetrics(c.Request().Context(), appID, userID)
	if err != nil {
		return mapServiceError(err)
	}
	return c.JSON(http.StatusOK, trustMetricsResponse{TrustMetrics: *m, SuccessRate: m.SuccessRate()})
}

// trustSuggestionHandler implements GET /trust/suggestion.
func (s *Server) trustSuggestionHandler(c *echo.Context) error {
	appID, userID, err := requireUser(c)
	if err != nil {
		return mapServiceError(err)
	}
	suggested, err := s.trust.GetSuggestion(c.Request().Context(), appID, userID)
	if err != nil {
		return mapServiceError(err)
	}
	return c.JSON(http.StatusOK, trustSuggestionResponse{Suggested: suggested})
}

// setTrustLevelHandler implements PUT /trust/level, the only path that
// may change current_trust_level per spec §3.
func (s *Server) setTrustLevelHandler(c *echo.Context) error {
	appID, userID, err := requireUser(c)
	if err != nil {
		return mapServiceError(err)
	}
	var req setTrustLevelRequest
	if err := c.Bind(&req); err != nil {
		return mapServiceError(&ValidationError{Err: err})
	}
	switch req.TrustLevel {
	case models.TrustLevelPlanApproval, models.TrustLevelAutoFull, models.TrustLevelAutoMinimal:
	default:
		return mapServiceError(&ValidationError{Field: "trust_level", Err: errInvalidTrustLevel})
	}

	m, err := s.trust.SetLevel(c.Request().Context(), appID, userID, req.TrustLevel)
	if err != nil {
		return mapServiceError(err)
	}
	return c.JSON(http.StatusOK, trustMetricsResponse{TrustMetrics: *m, SuccessRate: m.SuccessRate()})
}
