package config

import "fmt"

// validate performs structural checks the loader alone cannot guarantee:
// a negative default spawn depth, duplicate/incomplete room seeds, and
// instrument seeds with an empty or mismatched name or with a phase
// missing its name, capability or prompt template.
func validate(cfg *Config) error {
	if cfg.Guardrails.DefaultMaxSpawnDepth < 0 {
		return fmt.Errorf("guardrails.default_max_spawn_depth must be >= 0")
	}

	seenRoomIDs := make(map[string]bool, len(cfg.Rooms))
	for _, r := range cfg.Rooms {
		if r.RoomID == "" || r.URL == "" {
			return fmt.Errorf("%w: room seed missing room_id or url", ErrRoomSeedInvalid)
		}
		if seenRoomIDs[r.RoomID] {
			return fmt.Errorf("%w: duplicate room_id %q", ErrRoomSeedInvalid, r.RoomID)
		}
		seenRoomIDs[r.RoomID] = true
	}

	for name, seed := range cfg.Instruments {
		if name == "" {
			return fmt.Errorf("%w: instrument seed has empty name", ErrInstrumentSeedInvalid)
		}
		if seed.Name != "" && seed.Name != name {
			return fmt.Errorf("%w: instrument %q has mismatched name field %q", ErrInstrumentSeedInvalid, name, seed.Name)
		}
		for _, phase := range seed.Phases {
			if phase.Name == "" || phase.Capability == "" || phase.PromptTemplate == "" {
				return fmt.Errorf("%w: instrument %q has a phase missing name/capability/prompt_template", ErrInstrumentSeedInvalid, name)
			}
		}
	}

	return nil
}
