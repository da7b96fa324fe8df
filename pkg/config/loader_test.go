package config

import (
	"context"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func writeSymphonyYAML(t *testing.T, dir, content string) {
	t.Helper()
	require.NoError(t, os.WriteFile(filepath.Join(dir, "symphony.yaml"), []byte(content), 0o644))
}

func TestInitialize_NoConfigFileUsesBuiltinDefaults(t *testing.T) {
	dir := t.TempDir()
	t.Setenv("DB_PASSWORD", "test")

	cfg, err := Initialize(context.Background(), dir)
	require.NoError(t, err)

	assert.Equal(t, "8080", cfg.Server.Port)
	assert.Equal(t, 3, cfg.Guardrails.DefaultMaxSpawnDepth)
	assert.Contains(t, cfg.Instruments, "note")
	assert.Contains(t, cfg.Instruments, "research")
	assert.Empty(t, cfg.Rooms)
}

func TestInitialize_YAMLOverridesDefaultsAndAddsInstrument(t *testing.T) {
	dir := t.TempDir()
	writeSymphonyYAML(t, dir, `
server:
  port: "9000"
guardrails:
  default_max_spawn_depth: 5
instruments:
  custom_loop:
    required_capabilities: ["reasoning", "web_search"]
rooms:
  - room_id: room-a
    room_name: laptop
    room_type: local
    url: http://127.0.0.1:9100
    capabilities: ["vision"]
`)
	t.Setenv("DB_PASSWORD", "test")

	cfg, err := Initialize(context.Background(), dir)
	require.NoError(t, err)

	assert.Equal(t, "9000", cfg.Server.Port)
	assert.Equal(t, 5, cfg.Guardrails.DefaultMaxSpawnDepth)
	require.Contains(t, cfg.Instruments, "custom_loop")
	assert.Equal(t, []string{"reasoning", "web_search"}, cfg.Instruments["custom_loop"].RequiredCapabilities)
	// built-ins survive alongside the user addition
	assert.Contains(t, cfg.Instruments, "note")

	require.Len(t, cfg.Rooms, 1)
	assert.Equal(t, "room-a", cfg.Rooms[0].RoomID)
}

func TestInitialize_EnvOverridesWinOverYAML(t *testing.T) {
	dir := t.TempDir()
	writeSymphonyYAML(t, dir, `
database:
  host: yaml-host
`)
	t.Setenv("DB_HOST", "env-host")
	t.Setenv("DB_PASSWORD", "secret")

	cfg, err := Initialize(context.Background(), dir)
	require.NoError(t, err)
	assert.Equal(t, "env-host", cfg.Database.Host)
	assert.Equal(t, "secret", cfg.Database.Password)
}

func TestInitialize_InvalidYAMLFails(t *testing.T) {
	dir := t.TempDir()
	writeSymphonyYAML(t, dir, "server: [this is not a mapping")
	t.Setenv("DB_PASSWORD", "test")

	_, err := Initialize(context.Background(), dir)
	require.Error(t, err)
}

func TestInitialize_LoopSpecInstrumentParsesPhases(t *testing.T) {
	dir := t.TempDir()
	writeSymphonyYAML(t, dir, `
instruments:
  daily_digest:
    process_type: semi_autonomic
    max_iterations: 2
    phases:
      - name: draft
        capability: reasoning
        prompt_template: "Draft a summary of {{query}}"
      - name: critique
        capability: reasoning
        prompt_template: "Critique this: {{last_output}}"
`)
	t.Setenv("DB_PASSWORD", "test")

	cfg, err := Initialize(context.Background(), dir)
	require.NoError(t, err)

	require.Contains(t, cfg.Instruments, "daily_digest")
	seed := cfg.Instruments["daily_digest"]
	require.Len(t, seed.Phases, 2)
	assert.Equal(t, "draft", seed.Phases[0].Name)
	assert.Equal(t, "reasoning", seed.Phases[0].Capability)
	assert.Equal(t, 2, seed.MaxIterations)
}

func TestInitialize_LoopSpecPhaseMissingFieldsFails(t *testing.T) {
	dir := t.TempDir()
	writeSymphonyYAML(t, dir, `
instruments:
  broken_loop:
    phases:
      - name: draft
        capability: reasoning
`)
	t.Setenv("DB_PASSWORD", "test")

	_, err := Initialize(context.Background(), dir)
	require.ErrorIs(t, err, ErrInstrumentSeedInvalid)
}

func TestInitialize_DuplicateRoomSeedFails(t *testing.T) {
	dir := t.TempDir()
	writeSymphonyYAML(t, dir, `
rooms:
  - room_id: room-a
    url: http://localhost:9100
  - room_id: room-a
    url: http://localhost:9200
`)
	t.Setenv("DB_PASSWORD", "test")

	_, err := Initialize(context.Background(), dir)
	require.ErrorIs(t, err, ErrRoomSeedInvalid)
}

func TestInitialize_EmptyConfigDirSkipsFileLoad(t *testing.T) {
	t.Setenv("DB_PASSWORD", "test")
	cfg, err := Initialize(context.Background(), "")
	require.NoError(t, err)
	assert.Equal(t, "8080", cfg.Server.Port)
}
