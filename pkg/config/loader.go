package config

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strconv"

	"dario.cat/mergo"
	"gopkg.in/yaml.v3"
)

// symphonyYAMLConfig mirrors the optional symphony.yaml document. Every
// field is optional; anything unset falls back to the built-in default.
type symphonyYAMLConfig struct {
	Server      *ServerConfig             `yaml:"server"`
	Database    *DatabaseConfig           `yaml:"database"`
	Redis       *RedisConfig              `yaml:"redis"`
	Guardrails  *GuardrailConfig          `yaml:"guardrails"`
	Reasoning   *ReasoningConfig          `yaml:"reasoning"`
	Instruments map[string]InstrumentSeed `yaml:"instruments"`
	Rooms       []RoomSeed                `yaml:"rooms"`
}

// Initialize loads symphony.yaml (if present) from configDir, expands
// ${VAR} references, merges it over the built-in defaults, layers
// environment variables over the database/redis connection settings (env
// always wins, since those are deployment-specific secrets), and
// validates the result.
func Initialize(ctx context.Context, configDir string) (*Config, error) {
	log := slog.With("config_dir", configDir)
	log.Info("initializing configuration")

	yamlCfg, err := loadSymphonyYAML(configDir)
	if err != nil {
		return nil, err
	}

	cfg := &Config{
		configDir:   configDir,
		Server:      DefaultServerConfig(),
		Database:    DefaultDatabaseConfig(),
		Redis:       DefaultRedisConfig(),
		Guardrails:  DefaultGuardrailConfig(),
		Reasoning:   DefaultReasoningConfig(),
		Instruments: defaultInstrumentSeeds(),
		Rooms:       nil,
	}

	if yamlCfg.Server != nil {
		if err := mergo.Merge(&cfg.Server, yamlCfg.Server, mergo.WithOverride); err != nil {
			return nil, fmt.Errorf("merging server config: %w", err)
		}
	}
	if yamlCfg.Database != nil {
		if err := mergo.Merge(&cfg.Database, yamlCfg.Database, mergo.WithOverride); err != nil {
			return nil, fmt.Errorf("merging database config: %w", err)
		}
	}
	if yamlCfg.Redis != nil {
		if err := mergo.Merge(&cfg.Redis, yamlCfg.Redis, mergo.WithOverride); err != nil {
			return nil, fmt.Errorf("merging redis config: %w", err)
		}
	}
	if yamlCfg.Guardrails != nil {
		if err := mergo.Merge(&cfg.Guardrails, yamlCfg.Guardrails, mergo.WithOverride); err != nil {
			return nil, fmt.Errorf("merging guardrail config: %w", err)
		}
	}
	if yamlCfg.Reasoning != nil {
		if err := mergo.Merge(&cfg.Reasoning, yamlCfg.Reasoning, mergo.WithOverride); err != nil {
			return nil, fmt.Errorf("merging reasoning config: %w", err)
		}
	}

	cfg.Instruments = mergeInstrumentSeeds(cfg.Instruments, yamlCfg.Instruments)
	cfg.Rooms = yamlCfg.Rooms

	applyEnvOverrides(cfg)

	if err := validate(cfg); err != nil {
		return nil, fmt.Errorf("configuration validation failed: %w", err)
	}

	log.Info("configuration initialized",
		"instruments", len(cfg.Instruments),
		"seeded_rooms", len(cfg.Rooms),
		"server_port", cfg.Server.Port)
	return cfg, nil
}

// loadSymphonyYAML reads and parses symphony.yaml. A missing file is not
// an error — the caller runs entirely on built-in defaults and
// environment variables in that case, which is the expected shape for a
// container deployment with no mounted config volume.
func loadSymphonyYAML(configDir string) (*symphonyYAMLConfig, error) {
	cfg := &symphonyYAMLConfig{}
	if configDir == "" {
		return cfg, nil
	}

	path := filepath.Join(configDir, "symphony.yaml")
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return cfg, nil
		}
		return nil, NewLoadError(path, err)
	}

	data = ExpandEnv(data)
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, NewLoadError(path, fmt.Errorf("%w: %v", ErrInvalidYAML, err))
	}
	return cfg, nil
}

// mergeInstrumentSeeds layers user-defined instrument bindings over the
// built-in ones; a user entry with the same name replaces the built-in
// entry outright rather than merging field by field, since a capability
// list is a whole-value override, not a patch.
func mergeInstrumentSeeds(builtin, user map[string]InstrumentSeed) map[string]InstrumentSeed {
	result := make(map[string]InstrumentSeed, len(builtin)+len(user))
	for name, seed := range builtin {
		result[name] = seed
	}
	for name, seed := range user {
		if seed.Name == "" {
			seed.Name = name
		}
		result[name] = seed
	}
	return result
}

// applyEnvOverrides layers deployment-specific secrets and connection
// strings over whatever YAML/defaults produced. These always win: a
// committed symphony.yaml should never be able to leak or pin a password.
func applyEnvOverrides(cfg *Config) {
	if v := os.Getenv("HTTP_PORT"); v != "" {
		cfg.Server.Port = v
	}
	if v := os.Getenv("DB_HOST"); v != "" {
		cfg.Database.Host = v
	}
	if v := os.Getenv("DB_PORT"); v != "" {
		if port, err := strconv.Atoi(v); err == nil {
			cfg.Database.Port = port
		}
	}
	if v := os.Getenv("DB_USER"); v != "" {
		cfg.Database.User = v
	}
	if v := os.Getenv("DB_NAME"); v != "" {
		cfg.Database.Database = v
	}
	if v := os.Getenv("DB_SSLMODE"); v != "" {
		cfg.Database.SSLMode = v
	}
	cfg.Database.Password = os.Getenv("DB_PASSWORD")

	if v := os.Getenv("REDIS_ADDR"); v != "" {
		cfg.Redis.Addr = v
	}
}
