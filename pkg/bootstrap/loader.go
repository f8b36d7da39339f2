package bootstrap

import (
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
)

const logPrefix = "bootstrap:loader"

// LoadBootstrapConfig loads the surface manifest. It tries the given paths first, then
// SURFACE_BOOTSTRAP_FILE, then config/surfaces.json and surfaces.json. Without a readable
// file the empty default manifest is returned.
func LoadBootstrapConfig(paths ...string) (*BootstrapConfig, error) {
	all := make([]string, 0, len(paths)+3)
	for _, p := range paths {
		if p != "" {
			all = append(all, p)
		}
	}
	if envPath := os.Getenv("SURFACE_BOOTSTRAP_FILE"); envPath != "" {
		all = append(all, envPath)
	}
	all = append(all, "config/surfaces.json", "surfaces.json")

	for _, p := range all {
		data, err := os.ReadFile(p)
		if err != nil {
			continue
		}

		var cfg BootstrapConfig
		if err := json.Unmarshal(data, &cfg); err != nil {
			slog.Warn(fmt.Sprintf("%s - Failed to parse surface manifest %s: %v", logPrefix, p, err))
			continue
		}
		if err := cfg.Validate(); err != nil {
			return nil, fmt.Errorf("%s - invalid surface manifest %s: %w", logPrefix, p, err)
		}

		slog.Info(fmt.Sprintf("%s - Loaded surface manifest from %s (%d surfaces)", logPrefix, p, len(cfg.Surfaces)))
		return &cfg, nil
	}

	slog.Info(fmt.Sprintf("%s - Using default surface manifest", logPrefix))
	return GetDefaultBootstrapConfig(), nil
}

// GetDefaultBootstrapConfig returns the fallback manifest: no surfaces opened at startup.
func GetDefaultBootstrapConfig() *BootstrapConfig {
	return &BootstrapConfig{
		Name:        "surface-host-default",
		Version:     "1.0.0",
		Description: "No surfaces are opened until a client or supervisor asks for one",
		Surfaces:    map[string]SurfaceEntry{},
		Aliases:     map[string]string{},
	}
}

// Validate checks transports and that every alias points at a listed surface.
func (c *BootstrapConfig) Validate() error {
	for id, s := range c.Surfaces {
		if id == "" {
			return fmt.Errorf("empty surface id")
		}
		if s.Transport != "nats" {
			return fmt.Errorf("surface %s: transport %q cannot be opened at startup (use nats)", id, s.Transport)
		}
	}
	for alias, target := range c.Aliases {
		if _, ok := c.Surfaces[target]; !ok {
			return fmt.Errorf("alias %s points at unknown surface %s", alias, target)
		}
	}
	return nil
}

// CreateResolvedBootstrap builds a ResolvedBootstrap for fast lookups.
func CreateResolvedBootstrap(cfg *BootstrapConfig) *ResolvedBootstrap {
	surfaces := make(map[string]*SurfaceEntry, len(cfg.Surfaces))
	for id, s := range cfg.Surfaces {
		entry := s
		surfaces[id] = &entry
	}

	aliases := make(map[string]string, len(cfg.Aliases))
	for alias, target := range cfg.Aliases {
		aliases[alias] = target
	}

	return &ResolvedBootstrap{
		name:     cfg.Name,
		version:  cfg.Version,
		surfaces: surfaces,
		aliases:  aliases,
	}
}

// MergeBootstrapConfigs returns base with the surfaces and aliases of override laid over it.
// Neither input is modified.
func MergeBootstrapConfigs(base, override *BootstrapConfig) *BootstrapConfig {
	merged := *base

	merged.Surfaces = make(map[string]SurfaceEntry, len(base.Surfaces)+len(override.Surfaces))
	for id, s := range base.Surfaces {
		merged.Surfaces[id] = s
	}
	for id, s := range override.Surfaces {
		merged.Surfaces[id] = s
	}

	merged.Aliases = make(map[string]string, len(base.Aliases)+len(override.Aliases))
	for alias, target := range base.Aliases {
		merged.Aliases[alias] = target
	}
	for alias, target := range override.Aliases {
		merged.Aliases[alias] = target
	}

	if override.Name != "" {
		merged.Name = override.Name
	}
	if override.Version != "" {
		merged.Version = override.Version
	}
	return &merged
}
