package api

import (
	"net/http"

	echo "github.com/labstack/echo/v5"

	"github.com/mattdarbro/loop-symphony/pkg/models"
)

// registerRoomHandler implements POST /rooms/register, per spec §4.10.
func (s *Server) registerRoomHandler(c *echo.Context) error {
	var req registerRoomRequest
	if err := c.Bind(&req); err != nil {
		return mapServiceError(&ValidationError{Err: err})
	}
	if req.RoomID == "" || req.URL == "" {
		return mapServiceError(&ValidationError{Field: "room_id/url", Err: errEmptyField})
	}

	rm := &models.Room{
		RoomID:       req.RoomID,
		RoomName:     req.RoomName,
		RoomType:     models.RoomType(req.RoomType),
		URL:          req.URL,
		Capabilities: req.Capabilities,
	}
	if err := s.rooms.Register(c.Request().Context(), rm); err != nil {
		return mapServiceError(err)
	}
	return c.JSON(http.StatusCreated, rm)
}

// heartbeatRoomHandler implements POST /rooms/heartbeat, per spec §4.10:
// refreshes the caller's last_seen_at/load and piggybacks a knowledge-sync
// delta (every entry published since the caller's last_knowledge_version).
func (s *Server) heartbeatRoomHandler(c *echo.Context) error {
	var req heartbeatRoomRequest
	if err := c.Bind(&req); err != nil {
		return mapServiceError(&ValidationError{Err: err})
	}
	if req.RoomID == "" {
		return mapServiceError(&ValidationError{Field: "room_id", Err: errEmptyField})
	}
	ctx := c.Request().Context()
	if err := s.rooms.Heartbeat(ctx, req.RoomID, req.Load); err != nil {
		return mapServiceError(err)
	}

	delta, err := s.store.KnowledgeEntriesSince(ctx, anonymousAppID, req.LastKnowledgeVersion)
	if err != nil {
		return mapServiceError(err)
	}
	latest, err := s.store.LatestKnowledgeVersion(ctx, anonymousAppID)
	if err != nil {
		return mapServiceError(err)
	}
	if err := s.store.RecordKnowledgeSync(ctx, req.RoomID, latest); err != nil {
		return mapServiceError(err)
	}
	return c.JSON(http.StatusOK, heartbeatRoomResponse{KnowledgeDelta: delta, LatestVersion: latest})
}

// deregisterRoomHandler implements POST /rooms/deregister.
func (s *Server) deregisterRoomHandler(c *echo.Context) error {
	var req heartbeatRoomRequest
	if err := c.Bind(&req); err != nil {
		return mapServiceError(&ValidationError{Err: err})
	}
	if err := s.rooms.Deregister(c.Request().Context(), req.RoomID); err != nil {
		return mapServiceError(err)
	}
	return c.NoContent(http.StatusNoContent)
}

// listRoomsHandler implements GET /rooms.
func (s *Server) listRoomsHandler(c *echo.Context) error {
	rooms, err := s.rooms.List(c.Request().Context())
	if err != nil {
		return mapServiceError(err)
	}
	return c.JSON(http.StatusOK, rooms)
}

// getRoomHandler implements GET /rooms/{id}.
func (s *Server) getRoomHandler(c *echo.Context) error {
	rm, err := s.rooms.Get(c.Request().Context(), c.Param("id"))
	if err != nil {
		return mapServiceError(err)
	}
	return c.JSON(http.StatusOK, rm)
}

// roomStatusHandler implements GET /rooms/status: a summary view of
// online/offline counts, useful for an operator dashboard without
// fetching every room record.
func (s *Server) roomStatusHandler(c *echo.Context) error {
	rooms, err := s.rooms.List(c.Request().Context())
	if err != nil {
		return mapServiceError(err)
	}
	var online, offline int
	for _, rm := range rooms {
		if rm.Status == models.RoomOnline {
			online++
		} else {
			offline++
		}
	}
	return c.JSON(http.StatusOK, map[string]int{"online": online, "offline": offline, "total": len(rooms)})
}
