package zcl

import (
	"fmt"
	"log/slog"
	"sort"
	"strconv"
	"sync"
)

// Registry holds all known ZCL cluster definitions, indexed by ID and name.
type Registry struct {
	mu       sync.RWMutex
	clusters map[uint16]*ClusterDef
	byName   map[string]uint16
	logger   *slog.Logger
}

// NewRegistry creates an empty registry.
func NewRegistry(logger *slog.Logger) *Registry {
	return &Registry{
		clusters: make(map[uint16]*ClusterDef),
		byName:   make(map[string]uint16),
		logger:   logger,
	}
}

// Register adds a cluster definition to the registry.
func (r *Registry) Register(c ClusterDef) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if existing, ok := r.clusters[c.ID]; ok {
		existing.Merge(&c)
		if existing.Name == "" && c.Name != "" {
			existing.Name = c.Name
		}
		if existing.Name != "" {
			r.byName[existing.Name] = c.ID
		}
		r.logger.Debug("cluster merged", "id", fmt.Sprintf("0x%04X", c.ID), "name", existing.Name)
		return
	}
	r.clusters[c.ID] = c.DeepCopy()
	if c.Name != "" {
		r.byName[c.Name] = c.ID
	}
	r.logger.Debug("cluster registered", "id", fmt.Sprintf("0x%04X", c.ID), "name", c.Name)
}

// ByName returns a copy of the cluster registered under name, or nil.
func (r *Registry) ByName(name string) *ClusterDef {
	r.mu.RLock()
	defer r.mu.RUnlock()
	id, ok := r.byName[name]
	if !ok {
		return nil
	}
	return r.clusters[id].DeepCopy()
}

// Name returns the cluster's name, or its decimal ID when unknown.
func (r *Registry) Name(id uint16) string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	if c, ok := r.clusters[id]; ok && c.Name != "" {
		return c.Name
	}
	return strconv.Itoa(int(id))
}

// Get returns a cluster definition by ID, or nil if not found.
// The returned value is a deep copy; callers may modify it safely.
func (r *Registry) Get(id uint16) *ClusterDef {
	r.mu.RLock()
	defer r.mu.RUnlock()
	c := r.clusters[id]
	if c == nil {
		return nil
	}
	return c.DeepCopy()
}

// All returns all registered cluster definitions.
// Each entry is a deep copy; callers may modify them safely.
func (r *Registry) All() []ClusterDef {
	r.mu.RLock()
	defer r.mu.RUnlock()
	result := make([]ClusterDef, 0, len(r.clusters))
	for _, c := range r.clusters {
		result = append(result, *c.DeepCopy())
	}
	sort.Slice(result, func(i, j int) bool { return result[i].ID < result[j].ID })
	return result
}

