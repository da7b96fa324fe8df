package config

import "time"

// DefaultGuardrailConfig returns the built-in guardrail values, overridden
// by whatever the YAML document sets.
func DefaultGuardrailConfig() GuardrailConfig {
	return GuardrailConfig{
		DefaultMaxSpawnDepth: 3,
		ApprovalTimeout:      15 * time.Minute,
		RoomOfflineAfter:     120 * time.Second,
	}
}

// DefaultDatabaseConfig returns production-ready Postgres pool defaults.
func DefaultDatabaseConfig() DatabaseConfig {
	return DatabaseConfig{
		Host:            "localhost",
		Port:            5432,
		User:            "symphony",
		Database:        "symphony",
		SSLMode:         "disable",
		MaxOpenConns:    25,
		MaxIdleConns:    10,
		ConnMaxLifetime: time.Hour,
	}
}

// DefaultRedisConfig returns the Room Registry's default connection.
func DefaultRedisConfig() RedisConfig {
	return RedisConfig{
		Addr:      "localhost:6379",
		Namespace: "loop-symphony:rooms",
	}
}

// DefaultReasoningConfig returns the default Anthropic model binding.
func DefaultReasoningConfig() ReasoningConfig {
	return ReasoningConfig{
		APIKeyEnv: "ANTHROPIC_API_KEY",
		Model:     "claude-sonnet-4-5",
	}
}

// DefaultServerConfig returns the default HTTP listener port.
func DefaultServerConfig() ServerConfig {
	return ServerConfig{Port: "8080"}
}

// defaultInstrumentSeeds describes the baseline instrument-to-capability
// wiring shipped with the binary; a symphony.yaml may add to or override
// these by name.
func defaultInstrumentSeeds() map[string]InstrumentSeed {
	return map[string]InstrumentSeed{
		"note": {
			Name:                 "note",
			RequiredCapabilities: []string{"reasoning"},
		},
		"research": {
			Name:                 "research",
			RequiredCapabilities: []string{"reasoning", "web_search"},
		},
		"vision": {
			Name:                 "vision",
			RequiredCapabilities: []string{"reasoning", "vision"},
		},
		"synthesis": {
			Name:                 "synthesis",
			RequiredCapabilities: []string{"reasoning"},
		},
	}
}
