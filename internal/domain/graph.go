package domain

import (
	"fmt"
	"sort"
	"time"
)

// NetworkGraph is a named, timestamped topology snapshot: a set of entities
// unique by ID plus a set of edges unique by (kind, from, to). Graphs are
// fully constructed before they are published and never mutated afterwards,
// so readers need no locking.
type NetworkGraph struct {
	name     string
	taken    time.Time
	entities map[string]Entity
	edges    map[string]Edge
}

// NewNetworkGraph assembles a snapshot from entities and edges. Duplicate
// entity IDs collapse (last wins) and duplicate edges collapse silently.
// An edge referencing an entity not present in the graph is an error; the
// graph builder is expected to have dropped such edges already.
func NewNetworkGraph(name string, taken time.Time, entities []Entity, edges []Edge) (*NetworkGraph, error) {
	g := &NetworkGraph{
		name:     name,
		taken:    taken,
		entities: make(map[string]Entity, len(entities)),
		edges:    make(map[string]Edge, len(edges)),
	}
	for _, e := range entities {
		if e.ID == "" {
			return nil, fmt.Errorf("graph %s: entity with empty id", name)
		}
		g.entities[e.ID] = e.clone()
	}
	for _, e := range edges {
		if _, ok := g.entities[e.From]; !ok {
			return nil, fmt.Errorf("graph %s: edge %s references missing entity %s", name, e.Key(), e.From)
		}
		if _, ok := g.entities[e.To]; !ok {
			return nil, fmt.Errorf("graph %s: edge %s references missing entity %s", name, e.Key(), e.To)
		}
		g.edges[e.Key()] = e
	}
	return g, nil
}

// Name returns the snapshot name
func (g *NetworkGraph) Name() string { return g.name }

// TakenAt returns the time the snapshot was collected
func (g *NetworkGraph) TakenAt() time.Time { return g.taken }

// Entity returns the entity with the given ID
func (g *NetworkGraph) Entity(id string) (Entity, bool) {
	e, ok := g.entities[id]
	if !ok {
		return Entity{}, false
	}
	return e.clone(), true
}

// HasEntity reports whether an entity with the given ID is present
func (g *NetworkGraph) HasEntity(id string) bool {
	_, ok := g.entities[id]
	return ok
}

// HasEdge reports whether the exact (kind, from, to) edge is present
func (g *NetworkGraph) HasEdge(e Edge) bool {
	_, ok := g.edges[e.Key()]
	return ok
}

// Entities returns all entities sorted by ID
func (g *NetworkGraph) Entities() []Entity {
	out := make([]Entity, 0, len(g.entities))
	for _, e := range g.entities {
		out = append(out, e.clone())
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

// Edges returns all edges sorted by key
func (g *NetworkGraph) Edges() []Edge {
	out := make([]Edge, 0, len(g.edges))
	for _, e := range g.edges {
		out = append(out, e)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Key() < out[j].Key() })
	return out
}

// EntityCount returns the number of entities
func (g *NetworkGraph) EntityCount() int { return len(g.entities) }

// EdgeCount returns the number of edges
func (g *NetworkGraph) EdgeCount() int { return len(g.edges) }

// EntityIDs returns the set of entity IDs, sorted
func (g *NetworkGraph) EntityIDs() []string {
	ids := make([]string, 0, len(g.entities))
	for id := range g.entities {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids
}
