// Package bootstrap loads the surface manifest: the surfaces a host opens at startup and the
// aliases callers may use for them.
package bootstrap

import "sort"

// SurfaceEntry is a surface listed in the manifest.
type SurfaceEntry struct {
	// Transport must be "nats": websocket surfaces are opened by their client connecting.
	Transport   string `json:"transport"`
	Description string `json:"description,omitempty"`
	// Required makes a failure to open the surface at startup fatal.
	Required bool `json:"required"`
}

// BootstrapConfig is the root of the surface manifest file.
type BootstrapConfig struct {
	Name        string                  `json:"name"`
	Version     string                  `json:"version"`
	Description string                  `json:"description,omitempty"`
	Surfaces    map[string]SurfaceEntry `json:"surfaces"`
	Aliases     map[string]string       `json:"aliases"`
}

// ResolvedBootstrap provides fast lookup of manifest surfaces.
type ResolvedBootstrap struct {
	name     string
	version  string
	surfaces map[string]*SurfaceEntry
	aliases  map[string]string
}

// Get returns a surface entry by id or alias.
func (rb *ResolvedBootstrap) Get(id string) *SurfaceEntry {
	if s, ok := rb.surfaces[id]; ok {
		return s
	}
	if resolved, ok := rb.aliases[id]; ok {
		if s, ok := rb.surfaces[resolved]; ok {
			return s
		}
	}
	return nil
}

// IDs returns the manifest surface ids in sorted order.
func (rb *ResolvedBootstrap) IDs() []string {
	ids := make([]string, 0, len(rb.surfaces))
	for id := range rb.surfaces {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids
}

// ResolveAlias resolves an alias to the surface id. Unknown names pass through.
func (rb *ResolvedBootstrap) ResolveAlias(alias string) string {
	if resolved, ok := rb.aliases[alias]; ok {
		return resolved
	}
	return alias
}

// Name returns the manifest name.
func (rb *ResolvedBootstrap) Name() string {
	return rb.name
}

// Version returns the manifest version.
func (rb *ResolvedBootstrap) Version() string {
	return rb.version
}
