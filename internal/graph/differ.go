package graph

import (
	"time"

	"bacmap/internal/domain"
)

// Diff computes the structural difference between an older snapshot a and a
// newer snapshot b. Matching is by identity only: entities by ID, edges by
// (kind, from, to). The result is the union of both element sets, each tagged
// with its provenance; for entities present on both sides the newer side's
// attributes are carried, since they reflect the more recent observation.
func Diff(a, b *domain.NetworkGraph) *domain.DiffGraph {
	var entities []domain.DiffEntity
	var edges []domain.DiffEdge

	for _, ea := range a.Entities() {
		if eb, ok := b.Entity(ea.ID); ok {
			entities = append(entities, domain.DiffEntity{
				Entity:     eb,
				Provenance: domain.ProvenanceUnchanged,
			})
		} else {
			entities = append(entities, domain.DiffEntity{
				Entity:     ea,
				Provenance: domain.ProvenanceRemoved,
			})
		}
	}
	for _, eb := range b.Entities() {
		if !a.HasEntity(eb.ID) {
			entities = append(entities, domain.DiffEntity{
				Entity:     eb,
				Provenance: domain.ProvenanceAdded,
			})
		}
	}

	for _, ea := range a.Edges() {
		p := domain.ProvenanceRemoved
		if b.HasEdge(ea) {
			p = domain.ProvenanceUnchanged
		}
		edges = append(edges, domain.DiffEdge{Edge: ea, Provenance: p})
	}
	for _, eb := range b.Edges() {
		if !a.HasEdge(eb) {
			edges = append(edges, domain.DiffEdge{Edge: eb, Provenance: domain.ProvenanceAdded})
		}
	}

	return domain.NewDiffGraph(a.Name(), b.Name(), time.Now().UTC(), entities, edges)
}
