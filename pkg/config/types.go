package config

import "time"

// Config is the umbrella object returned by Initialize and threaded through
// cmd/symphony's wiring.
type Config struct {
	configDir string

	Server     ServerConfig
	Database   DatabaseConfig
	Redis      RedisConfig
	Guardrails GuardrailConfig
	Reasoning  ReasoningConfig

	Instruments map[string]InstrumentSeed
	Rooms       []RoomSeed
}

// ConfigDir returns the directory Config was loaded from.
func (c *Config) ConfigDir() string {
	return c.configDir
}

// ServerConfig holds the HTTP listener settings.
type ServerConfig struct {
	Port string `yaml:"port"`
}

// DatabaseConfig holds the Postgres connection settings backing pkg/store.
type DatabaseConfig struct {
	Host            string        `yaml:"host"`
	Port            int           `yaml:"port"`
	User            string        `yaml:"user"`
	Password        string        `yaml:"-"` // always sourced from env, never YAML
	Database        string        `yaml:"database"`
	SSLMode         string        `yaml:"ssl_mode"`
	MaxOpenConns    int           `yaml:"max_open_conns"`
	MaxIdleConns    int           `yaml:"max_idle_conns"`
	ConnMaxLifetime time.Duration `yaml:"conn_max_lifetime"`
}

// RedisConfig holds the connection settings backing the Room Registry.
type RedisConfig struct {
	Addr      string `yaml:"addr"`
	Namespace string `yaml:"namespace"`
}

// GuardrailConfig holds the system-wide bounds spec §4.5/§4.7 leave
// tunable: spawn depth, approval expiry, and room staleness.
type GuardrailConfig struct {
	DefaultMaxSpawnDepth int           `yaml:"default_max_spawn_depth"`
	ApprovalTimeout      time.Duration `yaml:"approval_timeout"`
	RoomOfflineAfter     time.Duration `yaml:"room_offline_after"`
}

// ReasoningConfig configures the Anthropic-backed reasoning Tool registered
// into the Tool Registry at startup.
type ReasoningConfig struct {
	APIKeyEnv string `yaml:"api_key_env"`
	Model     string `yaml:"model"`
}

// InstrumentSeed binds a registered instrument name to the tool
// capabilities it requires, mirroring the teacher's AgentConfig /
// ChainConfig data-driven registration. A seed naming one of the four
// baseline instruments (note/research/vision/synthesis) selects that
// compiled-in type; a seed carrying a non-empty Phases list instead
// describes a dynamically registered LoopSpec instrument (spec §9), whose
// phase sequence and per-phase capability are config data rather than Go
// code.
type InstrumentSeed struct {
	Name                 string          `yaml:"name"`
	RequiredCapabilities []string        `yaml:"required_capabilities"`
	Phases               []LoopPhaseSeed `yaml:"phases,omitempty"`
	MaxIterations        int             `yaml:"max_iterations,omitempty"`
	ConfidenceThreshold  float64         `yaml:"confidence_threshold,omitempty"`
	ProcessType          string          `yaml:"process_type,omitempty"`
}

// LoopPhaseSeed describes one phase of a config-defined LoopSpec
// instrument: which capability it draws on and the prompt template used
// to ask that tool for output, mirroring the teacher's StageConfig
// (pkg/config/chain.go) one-stage-per-entry shape.
type LoopPhaseSeed struct {
	Name           string `yaml:"name"`
	Capability     string `yaml:"capability"`
	PromptTemplate string `yaml:"prompt_template"`
}

// RoomSeed pre-populates the Room Registry at startup so a freshly booted
// process has a known sibling topology before any heartbeat arrives.
type RoomSeed struct {
	RoomID       string   `yaml:"room_id"`
	RoomName     string   `yaml:"room_name"`
	RoomType     string   `yaml:"room_type"`
	URL          string   `yaml:"url"`
	Capabilities []string `yaml:"capabilities"`
}
