// Package api implements the HTTP/SSE surface of spec §6 on top of Echo v5.
package api

import (
	"context"
	"net"
	"net/http"
	"time"

	echo "github.com/labstack/echo/v5"
	"github.com/labstack/echo/v5/middleware"

	"github.com/mattdarbro/loop-symphony/pkg/approval"
	"github.com/mattdarbro/loop-symphony/pkg/conductor"
	"github.com/mattdarbro/loop-symphony/pkg/events"
	"github.com/mattdarbro/loop-symphony/pkg/room"
	"github.com/mattdarbro/loop-symphony/pkg/scheduler"
	"github.com/mattdarbro/loop-symphony/pkg/store"
	"github.com/mattdarbro/loop-symphony/pkg/taskmanager"
	"github.com/mattdarbro/loop-symphony/pkg/tool"
	"github.com/mattdarbro/loop-symphony/pkg/trust"
)

// anonymousAppID is the app_id recorded for a POST /task call that
// carries no X-Api-Key, per spec §6's "Auth: optional" on that one route.
const anonymousAppID = "anonymous"

// Server is the HTTP API server.
type Server struct {
	echo       *echo.Echo
	httpServer *http.Server

	store      store.Store
	conductor  *conductor.Conductor
	tasks      *taskmanager.Manager
	bus        *events.Bus
	trust      *trust.Tracker
	approvals  *approval.Store
	rooms      *room.Registry
	tools      *tool.Registry
	scheduler  *scheduler.Scheduler
}

// Deps bundles the collaborators NewServer wires into routes.
type Deps struct {
	Store     store.Store
	Conductor *conductor.Conductor
	Tasks     *taskmanager.Manager
	Bus       *events.Bus
	Trust     *trust.Tracker
	Approvals *approval.Store
	Rooms     *room.Registry
	Tools     *tool.Registry
	Scheduler *scheduler.Scheduler
}

// NewServer builds a Server and registers every route.
func NewServer(d Deps) *Server {
	s := &Server{
		echo:      echo.New(),
		store:     d.Store,
		conductor: d.Conductor,
		tasks:     d.Tasks,
		bus:       d.Bus,
		trust:     d.Trust,
		approvals: d.Approvals,
		rooms:     d.Rooms,
		tools:     d.Tools,
		scheduler: d.Scheduler,
	}
	s.setupRoutes()
	return s
}

func (s *Server) setupRoutes() {
	s.echo.Use(middleware.BodyLimit(2 * 1024 * 1024))
	s.echo.Use(securityHeaders())

	s.echo.GET("/health", s.healthHandler)
	s.echo.GET("/health/system", s.systemHealthHandler)
	s.echo.GET("/health/database", s.databaseHealthHandler)

	optional := s.authMiddleware(false)
	required := s.authMiddleware(true)

	s.echo.POST("/task", s.submitTaskHandler, optional)
	s.echo.POST("/task/:id/approve", s.approveTaskHandler, optional)
	s.echo.GET("/task/:id", s.getTaskHandler, optional)
	s.echo.GET("/task/:id/stream", s.streamTaskHandler, optional)
	s.echo.GET("/task/:id/checkpoints", s.checkpointsHandler, optional)
	s.echo.POST("/task/:id/cancel", s.cancelTaskHandler, optional)

	s.echo.GET("/tasks/active", s.activeTasksHandler, required)
	s.echo.GET("/tasks/recent", s.recentTasksHandler, required)
	s.echo.GET("/tasks/stats", s.taskStatsHandler, required)

	s.echo.GET("/trust/metrics", s.trustMetricsHandler, required)
	s.echo.GET("/trust/suggestion", s.trustSuggestionHandler, required)
	s.echo.PUT("/trust/level", s.setTrustLevelHandler, required)

	s.echo.POST("/heartbeats", s.createHeartbeatHandler, required)
	s.echo.GET("/heartbeats", s.listHeartbeatsHandler, required)
	s.echo.GET("/heartbeats/:id", s.getHeartbeatHandler, required)
	s.echo.DELETE("/heartbeats/:id", s.deleteHeartbeatHandler, required)
	s.echo.POST("/heartbeats/tick", s.tickHeartbeatsHandler, required)

	s.echo.POST("/rooms/register", s.registerRoomHandler)
	s.echo.POST("/rooms/heartbeat", s.heartbeatRoomHandler)
	s.echo.POST("/rooms/deregister", s.deregisterRoomHandler)
	s.echo.GET("/rooms", s.listRoomsHandler)
	s.echo.GET("/rooms/:id", s.getRoomHandler)
	s.echo.GET("/rooms/status", s.roomStatusHandler)

	s.echo.POST("/arrangements", s.createArrangementHandler, optional)
	s.echo.GET("/arrangements", s.listArrangementsHandler, optional)
	s.echo.GET("/arrangements/:id", s.getArrangementHandler, optional)

	s.echo.GET("/errors/patterns", s.listErrorPatternsHandler, required)
}

// Start starts the HTTP server on addr (blocking).
func (s *Server) Start(addr string) error {
	s.httpServer = &http.Server{Addr: addr, Handler: s.echo}
	return s.httpServer.ListenAndServe()
}

// StartWithListener starts the HTTP server on a pre-created listener, for
// tests that need a random OS-assigned port.
func (s *Server) StartWithListener(ln net.Listener) error {
	s.httpServer = &http.Server{Handler: s.echo}
	return s.httpServer.Serve(ln)
}

// Shutdown gracefully shuts down the HTTP server.
func (s *Server) Shutdown(ctx context.Context) error {
	if s.httpServer == nil {
		return nil
	}
	return s.httpServer.Shutdown(ctx)
}

func (s *Server) healthHandler(c *echo.Context) error {
	return c.JSON(http.StatusOK, healthResponse{Status: "healthy"})
}

func (s *Server) systemHealthHandler(c *echo.Context) error {
	reqCtx, cancel := context.WithTimeout(c.Request().Context(), 5*time.Second)
	defer cancel()

	resp := systemHealthResponse{Status: "healthy", Tools: make(map[string]string)}
	for name, status := range s.tools.HealthCheckAll(reqCtx) {
		if status.Err != nil {
			resp.Tools[name] = status.Err.Error()
			resp.Warnings = append(resp.Warnings, name+": "+status.Err.Error())
		} else {
			resp.Tools[name] = "ok"
		}
	}
	if len(resp.Warnings) > 0 {
		resp.Status = "degraded"
	}
	return c.JSON(http.StatusOK, resp)
}

func (s *Server) databaseHealthHandler(c *echo.Context) error {
	reqCtx, cancel := context.WithTimeout(c.Request().Context(), 5*time.Second)
	defer cancel()

	// CountTasksByStatus against the anonymous app is a cheap liveness
	// probe: any response (even an empty map) means the connection pool
	// and driver are answering queries.
	if _, err := s.store.CountTasksByStatus(reqCtx, anonymousAppID); err != nil {
		return c.JSON(http.StatusServiceUnavailable, databaseHealthResponse{Status: "unhealthy", CheckedAt: time.Now()})
	}
	return c.JSON(http.StatusOK, databaseHealthResponse{Status: "healthy", CheckedAt: time.Now()})
}

// securityHeaders sets standard defensive response headers.
func securityHeaders() echo.MiddlewareFunc {
	return func(next echo.HandlerFunc) echo.HandlerFunc {
		return func(c *echo.Context) error {
			h := c.Response().Header()
			h.Set("X-Frame-Options", "DENY")
			h.Set("X-Content-Type-Options", "nosniff")
			h.Set("Referrer-Policy", "strict-origin-when-cross-origin")
			return next(c)
		}
	}
}
