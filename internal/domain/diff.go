package domain

import (
	"sort"
	"time"
)

// Provenance tags an element of a DiffGraph with the snapshot(s) it came from
type Provenance string

const (
	// ProvenanceAdded marks elements present only in the newer snapshot
	ProvenanceAdded Provenance = "added"
	// ProvenanceRemoved marks elements present only in the older snapshot
	ProvenanceRemoved Provenance = "removed"
	// ProvenanceUnchanged marks elements present in both snapshots
	ProvenanceUnchanged Provenance = "unchanged"
)

// DiffEntity is an entity annotated with diff provenance
type DiffEntity struct {
	Entity
	Provenance Provenance `json:"provenance"`
}

// DiffEdge is an edge annotated with diff provenance
type DiffEdge struct {
	Edge
	Provenance Provenance `json:"provenance"`
}

// DiffGraph is the structural difference of two snapshots: the union of
// their entity and edge sets, each element tagged added, removed, or
// unchanged. Like NetworkGraph it is immutable once constructed.
type DiffGraph struct {
	sourceA  string
	sourceB  string
	computed time.Time
	entities map[string]DiffEntity
	edges    map[string]DiffEdge
}

// NewDiffGraph assembles a diff result. Elements are keyed the same way as
// in NetworkGraph: entities by ID, edges by (kind, from, to).
func NewDiffGraph(sourceA, sourceB string, computed time.Time, entities []DiffEntity, edges []DiffEdge) *DiffGraph {
	d := &DiffGraph{
		sourceA:  sourceA,
		sourceB:  sourceB,
		computed: computed,
		entities: make(map[string]DiffEntity, len(entities)),
		edges:    make(map[string]DiffEdge, len(edges)),
	}
	for _, e := range entities {
		d.entities[e.ID] = e
	}
	for _, e := range edges {
		d.edges[e.Key()] = e
	}
	return d
}

// SourceA returns the older snapshot's name
func (d *DiffGraph) SourceA() string { return d.sourceA }

// SourceB returns the newer snapshot's name
func (d *DiffGraph) SourceB() string { return d.sourceB }

// ComputedAt returns the time the diff was computed
func (d *DiffGraph) ComputedAt() time.Time { return d.computed }

// Entity returns the tagged entity with the given ID
func (d *DiffGraph) Entity(id string) (DiffEntity, bool) {
	e, ok := d.entities[id]
	return e, ok
}

// Edge returns the tagged edge matching e's (kind, from, to)
func (d *DiffGraph) Edge(e Edge) (DiffEdge, bool) {
	de, ok := d.edges[e.Key()]
	return de, ok
}

// Entities returns all tagged entities sorted by ID
func (d *DiffGraph) Entities() []DiffEntity {
	out := make([]DiffEntity, 0, len(d.entities))
	for _, e := range d.entities {
		out = append(out, e)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

// Edges returns all tagged edges sorted by key
func (d *DiffGraph) Edges() []DiffEdge {
	out := make([]DiffEdge, 0, len(d.edges))
	for _, e := range d.edges {
		out = append(out, e)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Key() < out[j].Key() })
	return out
}

// EntityCount returns the number of tagged entities
func (d *DiffGraph) EntityCount() int { return len(d.entities) }

// EdgeCount returns the number of tagged edges
func (d *DiffGraph) EdgeCount() int { return len(d.edges) }

// CountByProvenance returns entity counts per provenance tag
func (d *DiffGraph) CountByProvenance() map[Provenance]int {
	counts := make(map[Provenance]int, 3)
	for _, e := range d.entities {
		counts[e.Provenance]++
	}
	return counts
}
