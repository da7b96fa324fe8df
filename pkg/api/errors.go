package api

import (
	"errors"
	"log/slog"
	"net/http"

	echo "github.com/labstack/echo/v5"

	"github.com/mattdarbro/loop-symphony/pkg/approval"
	"github.com/mattdarbro/loop-symphony/pkg/room"
	"github.com/mattdarbro/loop-symphony/pkg/store"
	"github.com/mattdarbro/loop-symphony/pkg/tool"
)

// errEmptyField is the underlying error for a ValidationError on a
// required-but-blank request field.
var errEmptyField = errors.New("must not be empty")

// ValidationError marks a malformed request, per spec §7 ("ValidationError
// — malformed request; surfaced as HTTP 400; no task created").
type ValidationError struct {
	Field string
	Err   error
}

func (e *ValidationError) Error() string {
	if e.Field != "" {
		return e.Field + ": " + e.Err.Error()
	}
	return e.Err.Error()
}

func (e *ValidationError) Unwrap() error { return e.Err }

// mapServiceError maps a core-package error to an Echo HTTP error, per
// spec §6's status mapping and §7's error-kind taxonomy. CapabilityError
// is fatal at instrument construction (400: the request names an
// instrument the server cannot run); DelegationError is never surfaced
// here — the Conductor recovers it locally before a response is ever
// built, so reaching this function at all would itself be a bug in that
// recovery path, not a caller mistake.
func mapServiceError(err error) *echo.HTTPError {
	var validErr *ValidationError
	if errors.As(err, &validErr) {
		return echo.NewHTTPError(http.StatusBadRequest, validErr.Error())
	}
	var capErr *tool.CapabilityError
	if errors.As(err, &capErr) {
		return echo.NewHTTPError(http.StatusBadRequest, capErr.Error())
	}
	var delegErr *room.DelegationError
	if errors.As(err, &delegErr) {
		slog.Error("delegation error reached the HTTP boundary unrecovered", "room_id", delegErr.RoomID, "error", err)
		return echo.NewHTTPError(http.StatusInternalServerError, "internal server error")
	}
	if errors.Is(err, store.ErrNotFound) {
		return echo.NewHTTPError(http.StatusNotFound, "resource not found")
	}
	if errors.Is(err, store.ErrAppInactive) {
		return echo.NewHTTPError(http.StatusForbidden, "app deactivated")
	}
	if errors.Is(err, store.ErrAlreadyExists) {
		return echo.NewHTTPError(http.StatusConflict, "resource already exists")
	}

	slog.Error("unexpected error", "error", err)
	return echo.NewHTTPError(http.StatusInternalServerError, "internal server error")
}

// approvalStatusCode maps an approval.Status to the HTTP status POST
// /task/{id}/approve responds with.
func approvalStatusCode(status approval.Status) int {
	switch status {
	case approval.StatusApproved, approval.StatusAlreadyDone:
		return http.StatusOK
	case approval.StatusNotFound:
		return http.StatusNotFound
	default:
		return http.StatusInternalServerError
	}
}
