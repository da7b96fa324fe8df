// Loop Symphony orchestrator - exposes the HTTP/SSE API and runs the
// heartbeat scheduler that drive the Conductor's cognitive loops.
package main

import (
	"context"
	"errors"
	"flag"
	"log/slog"
	"net"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/joho/godotenv"
	"github.com/redis/go-redis/v9"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/exporters/stdout/stdouttrace"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"

	"github.com/mattdarbro/loop-symphony/pkg/api"
	"github.com/mattdarbro/loop-symphony/pkg/approval"
	"github.com/mattdarbro/loop-symphony/pkg/composition"
	"github.com/mattdarbro/loop-symphony/pkg/conductor"
	"github.com/mattdarbro/loop-symphony/pkg/config"
	"github.com/mattdarbro/loop-symphony/pkg/events"
	"github.com/mattdarbro/loop-symphony/pkg/instrument"
	"github.com/mattdarbro/loop-symphony/pkg/models"
	"github.com/mattdarbro/loop-symphony/pkg/room"
	"github.com/mattdarbro/loop-symphony/pkg/scheduler"
	"github.com/mattdarbro/loop-symphony/pkg/store"
	"github.com/mattdarbro/loop-symphony/pkg/taskmanager"
	"github.com/mattdarbro/loop-symphony/pkg/termination"
	"github.com/mattdarbro/loop-symphony/pkg/tool"
	"github.com/mattdarbro/loop-symphony/pkg/trust"
)

func getEnv(key, defaultValue string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return defaultValue
}

func main() {
	configDir := flag.String("config-dir",
		getEnv("CONFIG_DIR", "./deploy/config"),
		"Path to configuration directory")
	flag.Parse()

	envPath := *configDir + "/.env"
	if err := godotenv.Load(envPath); err != nil {
		slog.Warn("could not load .env file, continuing with existing environment", "path", envPath, "error", err)
	} else {
		slog.Info("loaded environment file", "path", envPath)
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	tp, err := setupTracing()
	if err != nil {
		slog.Error("failed to set up tracing", "error", err)
		os.Exit(1)
	}
	defer func() {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := tp.Shutdown(shutdownCtx); err != nil {
			slog.Error("error shutting down tracer provider", "error", err)
		}
	}()

	cfg, err := config.Initialize(ctx, *configDir)
	if err != nil {
		slog.Error("failed to initialize configuration", "error", err)
		os.Exit(1)
	}

	st := mustStore(ctx, cfg)
	defer func() {
		if err := st.Close(); err != nil {
			slog.Error("error closing store", "error", err)
		}
	}()

	tools, err := buildToolRegistry(cfg)
	if err != nil {
		slog.Error("failed to build tool registry", "error", err)
		os.Exit(1)
	}

	bus := events.NewBus()
	tasks := taskmanager.NewManager(st, bus)
	trustTracker := trust.NewTracker(st)
	approvals := approval.NewStore()

	rooms, roomClient := mustRoomRegistry(ctx, cfg)
	selfRoomID := getEnv("ROOM_ID", "")

	var roomLister conductor.RoomLister
	var delegator composition.RoomDelegator
	if rooms != nil {
		roomLister = rooms
		delegator = roomClient
	}

	cond := conductor.New(conductor.Deps{
		Store:         st,
		Bus:           bus,
		Trust:         trustTracker,
		Approvals:     approvals,
		Tasks:         tasks,
		Rooms:         roomLister,
		RoomClient:    delegator,
		SelfRoomID:    selfRoomID,
		MaxSpawnDepth: cfg.Guardrails.DefaultMaxSpawnDepth,
	})

	registerInstruments(cond, tools, cfg)
	registerCompositions(cond, cfg)

	sched := scheduler.New(st, cond)
	sched.Start(ctx)
	defer sched.Stop()

	go sweepEventBus(ctx, bus)

	server := api.NewServer(api.Deps{
		Store:     st,
		Conductor: cond,
		Tasks:     tasks,
		Bus:       bus,
		Trust:     trustTracker,
		Approvals: approvals,
		Rooms:     rooms,
		Tools:     tools,
		Scheduler: sched,
	})

	ln, err := net.Listen("tcp", ":"+cfg.Server.Port)
	if err != nil {
		slog.Error("failed to bind HTTP listener", "port", cfg.Server.Port, "error", err)
		os.Exit(1)
	}

	go func() {
		slog.Info("HTTP server listening", "port", cfg.Server.Port)
		if err := server.StartWithListener(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			slog.Error("HTTP server stopped unexpectedly", "error", err)
		}
	}()

	<-ctx.Done()
	slog.Info("shutdown signal received, draining connections")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()
	if err := server.Shutdown(shutdownCtx); err != nil {
		slog.Error("error during HTTP shutdown", "error", err)
	}
}

// setupTracing registers a process-wide TracerProvider so pkg/room's
// cross-room delegation spans (the only otel.Tracer call in the repo) go
// somewhere instead of silently returning a no-op tracer. Exports to
// stdout rather than a collector endpoint, since spec.md names no
// tracing backend to wire against.
func setupTracing() (*sdktrace.TracerProvider, error) {
	exporter, err := stdouttrace.New(stdouttrace.WithPrettyPrint())
	if err != nil {
		return nil, err
	}
	tp := sdktrace.NewTracerProvider(sdktrace.WithBatcher(exporter))
	otel.SetTracerProvider(tp)
	return tp, nil
}

func mustStore(ctx context.Context, cfg *config.Config) store.Store {
	storeCfg := store.Config{
		Host:            cfg.Database.Host,
		Port:            cfg.Database.Port,
		User:            cfg.Database.User,
		Password:        getEnv("DB_PASSWORD", ""),
		Database:        cfg.Database.Database,
		SSLMode:         cfg.Database.SSLMode,
		MaxOpenConns:    cfg.Database.MaxOpenConns,
		MaxIdleConns:    cfg.Database.MaxIdleConns,
		ConnMaxLifetime: cfg.Database.ConnMaxLifetime,
	}
	if err := storeCfg.Validate(); err != nil {
		slog.Error("invalid database configuration", "error", err)
		os.Exit(1)
	}
	st, err := store.NewPostgresStore(ctx, storeCfg)
	if err != nil {
		slog.Error("failed to connect to database", "error", err)
		os.Exit(1)
	}
	slog.Info("connected to postgres", "host", storeCfg.Host, "database", storeCfg.Database)
	return st
}

// buildToolRegistry registers the two external-call tools the pack ships:
// the Anthropic-backed reasoning tool (satisfying reasoning/synthesis/
// vision) and the Tavily-backed web search tool. Registration order is
// fixed so capability tie-breaks are deterministic across restarts.
func buildToolRegistry(cfg *config.Config) (*tool.Registry, error) {
	registry := tool.NewRegistry()

	apiKey := os.Getenv(cfg.Reasoning.APIKeyEnv)
	reasoningTool, err := tool.NewReasoningTool(apiKey, tool.ReasoningOptions{Model: cfg.Reasoning.Model})
	if err != nil {
		return nil, err
	}
	registry.Register(reasoningTool)

	if tavilyKey := os.Getenv("TAVILY_API_KEY"); tavilyKey != "" {
		searchTool, err := tool.NewWebSearchTool(tavilyKey, tool.WebSearchOptions{})
		if err != nil {
			return nil, err
		}
		registry.Register(searchTool)
	} else {
		slog.Warn("TAVILY_API_KEY not set, research instrument will have no web_search capability")
	}

	return registry, nil
}

// registerInstruments builds one instrument per seed in cfg.Instruments
// and registers a factory closure with the Conductor, so later per-call
// option overrides (composition Step configs) construct a fresh instance
// each time rather than mutating a shared one.
func registerInstruments(cond *conductor.Conductor, tools *tool.Registry, cfg *config.Config) {
	evaluator := termination.NewEvaluator(termination.Config{})

	for name, seed := range cfg.Instruments {
		if len(seed.Phases) > 0 {
			phases := seed.Phases
			processType := models.ProcessType(seed.ProcessType)
			cond.RegisterInstrument(name, instrumentCapabilitiesFromPhases(phases), func(opts ...instrument.Option) (instrument.Instrument, error) {
				if seed.MaxIterations > 0 {
					opts = append(opts, instrument.WithMaxIterations(seed.MaxIterations))
				}
				if seed.ConfidenceThreshold > 0 {
					opts = append(opts, instrument.WithConfidenceThreshold(seed.ConfidenceThreshold))
				}
				return instrument.NewLoopSpecInstrument(name, phases, tools, nil, processType, opts...)
			})
			continue
		}
		switch name {
		case "note":
			cond.RegisterInstrument(name, seed.RequiredCapabilities, func(opts ...instrument.Option) (instrument.Instrument, error) {
				return instrument.NewNote(tools, opts...)
			})
		case "research":
			cond.RegisterInstrument(name, seed.RequiredCapabilities, func(opts ...instrument.Option) (instrument.Instrument, error) {
				return instrument.NewResearch(tools, evaluator, opts...)
			})
		case "vision":
			cond.RegisterInstrument(name, seed.RequiredCapabilities, func(opts ...instrument.Option) (instrument.Instrument, error) {
				return instrument.NewVision(tools, opts...)
			})
		case "synthesis":
			cond.RegisterInstrument(name, seed.RequiredCapabilities, func(opts ...instrument.Option) (instrument.Instrument, error) {
				return instrument.NewSynthesis(tools, opts...)
			})
		default:
			slog.Warn("instrument seed names an unknown baseline instrument, skipping", "name", name)
		}
	}
}

// instrumentCapabilitiesFromPhases collects the distinct capabilities a
// LoopSpec's phases draw on, for the Conductor's required-capability gate
// at registration time (spec §7: "fatal at construction").
func instrumentCapabilitiesFromPhases(phases []config.LoopPhaseSeed) []string {
	seen := make(map[string]bool, len(phases))
	var caps []string
	for _, p := range phases {
		if !seen[p.Capability] {
			seen[p.Capability] = true
			caps = append(caps, p.Capability)
		}
	}
	return caps
}

// registerCompositions wires the three standing arrangements named in
// spec §4.4. Unlike baseline instruments these are not data-driven by
// config — their step lists are part of the orchestration surface itself
// and are registered under fixed names. Conductor.Route never returns
// these names; they run only when RunInstrument is called with one of
// them by name.
func registerCompositions(cond *conductor.Conductor, cfg *config.Config) {
	cond.RegisterSequential("research_then_synthesis", &composition.Sequential{
		Steps: []composition.Step{
			{Instrument: "research"},
			{Instrument: "synthesis"},
		},
	})
	cond.RegisterSequential("vision_then_synthesis", &composition.Sequential{
		Steps: []composition.Step{
			{Instrument: "vision"},
			{Instrument: "synthesis"},
		},
	})
	if len(cfg.Rooms) > 0 {
		cond.RegisterCrossRoom("delegated_research", &composition.CrossRoom{})
	}
}

// mustRoomRegistry connects to Redis and seeds any rooms listed in
// symphony.yaml so a freshly booted process has a known sibling topology
// before any heartbeat arrives. Returns nil, nil when Redis is
// unreachable, so single-room deployments never block startup on a
// dependency they may not need.
func mustRoomRegistry(ctx context.Context, cfg *config.Config) (*room.Registry, *room.Client) {
	redisClient := redis.NewClient(&redis.Options{Addr: cfg.Redis.Addr})
	pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if err := redisClient.Ping(pingCtx).Err(); err != nil {
		slog.Warn("redis unreachable, room delegation disabled", "addr", cfg.Redis.Addr, "error", err)
		return nil, nil
	}

	registry := room.NewRegistry(redisClient, cfg.Redis.Namespace)
	for _, seed := range cfg.Rooms {
		rm := &models.Room{
			RoomID:       seed.RoomID,
			RoomName:     seed.RoomName,
			RoomType:     models.RoomType(seed.RoomType),
			URL:          seed.URL,
			Capabilities: seed.Capabilities,
			Status:       models.RoomOnline,
			LastSeenAt:   time.Now(),
		}
		if err := registry.Register(ctx, rm); err != nil {
			slog.Warn("failed to seed room", "room_id", seed.RoomID, "error", err)
		}
	}

	client := room.NewClient(registry, room.ClientOptions{})
	return registry, client
}

// sweepEventBus calls Bus.Sweep once a minute, dropping the history of
// tasks whose terminal event is older than the bus's retention TTL, so a
// long-lived process does not accumulate history for finished tasks.
func sweepEventBus(ctx context.Context, bus *events.Bus) {
	ticker := time.NewTicker(time.Minute)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case now := <-ticker.C:
			bus.Sweep(now)
		}
	}
}
