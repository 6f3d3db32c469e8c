// Package connector contains the platform adapters that fetch customer
// records for the sync engine, and the registry resolving them.
package connector

import (
	"fmt"
	"sort"

	"github.com/retention/backend/internal/domain/integration"
)

// Registry maps platform types to connectors. It is built once at startup
// and never mutated, so concurrent reads need no locking.
type Registry struct {
	byPlatform map[integration.PlatformType]integration.Connector
	ordered    []integration.Connector
}

var _ integration.ConnectorRegistry = (*Registry)(nil)

// NewRegistry builds a registry from an explicit connector list.
// Registering two connectors for the same platform is an error.
func NewRegistry(connectors ...integration.Connector) (*Registry, error) {
	r := &Registry{
		byPlatform: make(map[integration.PlatformType]integration.Connector, len(connectors)),
		ordered:    make([]integration.Connector, 0, len(connectors)),
	}
	for _, c := range connectors {
		if c == nil {
			return nil, fmt.Errorf("connector: nil connector")
		}
		p := c.Platform()
		if !p.IsValid() {
			return nil, fmt.Errorf("%w: %q", integration.ErrInvalidPlatform, p)
		}
		if _, dup := r.byPlatform[p]; dup {
			return nil, fmt.Errorf("connector: platform %s registered twice", p)
		}
		r.byPlatform[p] = c
		r.ordered = append(r.ordered, c)
	}
	sort.Slice(r.ordered, func(i, j int) bool {
		return r.ordered[i].Platform() < r.ordered[j].Platform()
	})
	return r, nil
}

// GetService returns the connector for a platform
func (r *Registry) GetService(platform integration.PlatformType) (integration.Connector, error) {
	c, ok := r.byPlatform[platform]
	if !ok {
		return nil, fmt.Errorf("%w: %s", integration.ErrUnsupportedPlatform, platform)
	}
	return c, nil
}

// GetAllServices returns every registered connector sorted by platform
func (r *Registry) GetAllServices() []integration.Connector {
	out := make([]integration.Connector, len(r.ordered))
	copy(out, r.ordered)
	return out
}

// Platforms returns the supported platform types sorted
func (r *Registry) Platforms() []integration.PlatformType {
	out := make([]integration.PlatformType, 0, len(r.ordered))
	for _, c := range r.ordered {
		out = append(out, c.Platform())
	}
	return out
}

// Supports reports whether a connector is registered for the platform
func (r *Registry) Supports(platform integration.PlatformType) bool {
	_, ok := r.byPlatform[platform]
	return ok
}
