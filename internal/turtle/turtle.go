// Package turtle reads and writes topology snapshots as RDF Turtle. Entities
// become subjects under the ASHRAE BACnet namespace, edges become predicates
// named after their kind, and diff provenance rides on a dedicated predicate
// so a decoded document reconstructs the exact in-memory graph.
package turtle

import (
	"fmt"
	"io"
	"strings"
	"time"

	"github.com/knakk/rdf"

	"bacmap/internal/domain"
)

// NS is the vocabulary namespace for every class and predicate this package
// emits
const NS = "http://data.ashrae.org/bacnet/2020#"

const (
	rdfType      = "http://www.w3.org/1999/02/22-rdf-syntax-ns#type"
	rdfStatement = "http://www.w3.org/1999/02/22-rdf-syntax-ns#Statement"
	rdfSubject   = "http://www.w3.org/1999/02/22-rdf-syntax-ns#subject"
	rdfPredicate = "http://www.w3.org/1999/02/22-rdf-syntax-ns#predicate"
	rdfObject    = "http://www.w3.org/1999/02/22-rdf-syntax-ns#object"
	rdfsLabel    = "http://www.w3.org/2000/01/rdf-schema#label"

	predDiffSource = NS + "rdf_diff_source"
	predScannedAt  = NS + "scanned-at"
	predSourceA    = NS + "source-a"
	predSourceB    = NS + "source-b"
	predComputedAt = NS + "computed-at"

	snapshotNode = "bacnet://snapshot"
	diffNode     = "bacnet://diff"
)

// diffSourceBoth tags elements present in both compared snapshots
const diffSourceBoth = "both"

var kindClass = map[domain.EntityKind]string{
	domain.KindDevice:  NS + "Device",
	domain.KindRouter:  NS + "Router",
	domain.KindNetwork: NS + "Network",
	domain.KindSubnet:  NS + "Subnet",
	domain.KindBBMD:    NS + "BBMD",
	domain.KindRoot:    NS + "NetworkScanner",
}

var classKind = invert(kindClass)

func invert(m map[domain.EntityKind]string) map[string]domain.EntityKind {
	out := make(map[string]domain.EntityKind, len(m))
	for k, v := range m {
		out[v] = k
	}
	return out
}

// tripleWriter accumulates triples with a sticky error so call sites stay
// linear
type tripleWriter struct {
	enc *rdf.TripleEncoder
	err error
}

func newTripleWriter(w io.Writer) *tripleWriter {
	return &tripleWriter{enc: rdf.NewTripleEncoder(w, rdf.Turtle)}
}

func (tw *tripleWriter) iri(subject, predicate, object string) {
	if tw.err != nil {
		return
	}
	s, err := rdf.NewIRI(subject)
	if err == nil {
		var p, o rdf.IRI
		if p, err = rdf.NewIRI(predicate); err == nil {
			if o, err = rdf.NewIRI(object); err == nil {
				err = tw.enc.Encode(rdf.Triple{Subj: s, Pred: p, Obj: o})
			}
		}
	}
	tw.err = err
}

func (tw *tripleWriter) literal(subject, predicate, value string) {
	if tw.err != nil {
		return
	}
	s, err := rdf.NewIRI(subject)
	if err == nil {
		var p rdf.IRI
		if p, err = rdf.NewIRI(predicate); err == nil {
			var o rdf.Literal
			if o, err = rdf.NewLiteral(value); err == nil {
				err = tw.enc.Encode(rdf.Triple{Subj: s, Pred: p, Obj: o})
			}
		}
	}
	tw.err = err
}

func (tw *tripleWriter) close() error {
	if tw.err != nil {
		return tw.err
	}
	return tw.enc.Close()
}

func (tw *tripleWriter) entity(e domain.Entity) {
	tw.iri(e.ID, rdfType, kindClass[e.Kind])
	if e.Label != "" {
		tw.literal(e.ID, rdfsLabel, e.Label)
	}
	for _, key := range e.AttributeKeys() {
		tw.literal(e.ID, NS+key, e.Attribute(key))
	}
}

// EncodeGraph writes a snapshot as Turtle
func EncodeGraph(w io.Writer, g *domain.NetworkGraph) error {
	tw := newTripleWriter(w)

	tw.iri(snapshotNode, rdfType, NS+"DeviceGraph")
	tw.literal(snapshotNode, rdfsLabel, g.Name())
	tw.literal(snapshotNode, predScannedAt, g.TakenAt().UTC().Format(time.RFC3339Nano))

	for _, e := range g.Entities() {
		tw.entity(e)
	}
	for _, e := range g.Edges() {
		tw.iri(e.From, NS+string(e.Kind), e.To)
	}
	return tw.close()
}

// EncodeDiff writes a comparison result as Turtle. Entity provenance rides on
// the rdf_diff_source predicate; edges are reified so their provenance
// survives serialization too.
func EncodeDiff(w io.Writer, d *domain.DiffGraph) error {
	tw := newTripleWriter(w)

	tw.iri(diffNode, rdfType, NS+"DiffGraph")
	tw.literal(diffNode, predSourceA, d.SourceA())
	tw.literal(diffNode, predSourceB, d.SourceB())
	tw.literal(diffNode, predComputedAt, d.ComputedAt().UTC().Format(time.RFC3339Nano))

	for _, e := range d.Entities() {
		tw.entity(e.Entity)
		tw.literal(e.ID, predDiffSource, diffSource(e.Provenance, d))
	}
	for i, e := range d.Edges() {
		tw.iri(e.From, NS+string(e.Kind), e.To)

		stmt := fmt.Sprintf("%s/edge/%d", diffNode, i)
		tw.iri(stmt, rdfType, rdfStatement)
		tw.iri(stmt, rdfSubject, e.From)
		tw.iri(stmt, rdfPredicate, NS+string(e.Kind))
		tw.iri(stmt, rdfObject, e.To)
		tw.literal(stmt, predDiffSource, diffSource(e.Provenance, d))
	}
	return tw.close()
}

func diffSource(p domain.Provenance, d *domain.DiffGraph) string {
	switch p {
	case domain.ProvenanceAdded:
		return d.SourceB()
	case domain.ProvenanceRemoved:
		return d.SourceA()
	default:
		return diffSourceBoth
	}
}

// node is a subject's triples grouped during decoding
type node struct {
	id       string
	types    []string
	label    string
	literals map[string]string
	links    []link
}

type link struct {
	predicate string
	object    string
}

func parseNodes(r io.Reader) (map[string]*node, error) {
	triples, err := rdf.NewTripleDecoder(r, rdf.Turtle).DecodeAll()
	if err != nil {
		return nil, fmt.Errorf("parse turtle: %w", err)
	}

	nodes := make(map[string]*node)
	get := func(id string) *node {
		n, ok := nodes[id]
		if !ok {
			n = &node{id: id, literals: make(map[string]string)}
			nodes[id] = n
		}
		return n
	}

	for _, t := range triples {
		n := get(t.Subj.String())
		pred := t.Pred.String()
		switch t.Obj.Type() {
		case rdf.TermIRI, rdf.TermBlank:
			if pred == rdfType {
				n.types = append(n.types, t.Obj.String())
				continue
			}
			n.links = append(n.links, link{predicate: pred, object: t.Obj.String()})
		case rdf.TermLiteral:
			if pred == rdfsLabel {
				n.label = t.Obj.String()
				continue
			}
			n.literals[pred] = t.Obj.String()
		}
	}
	return nodes, nil
}

func (n *node) hasType(class string) bool {
	for _, t := range n.types {
		if t == class {
			return true
		}
	}
	return false
}

// entityFrom rebuilds a domain entity from a typed node, or reports that the
// node is not an entity
func entityFrom(n *node) (domain.Entity, bool) {
	var kind domain.EntityKind
	found := false
	for _, t := range n.types {
		if k, ok := classKind[t]; ok {
			kind, found = k, true
			break
		}
	}
	if !found {
		return domain.Entity{}, false
	}

	e := domain.Entity{ID: n.id, Kind: kind, Label: n.label}
	for pred, val := range n.literals {
		if pred == predDiffSource || !strings.HasPrefix(pred, NS) {
			continue
		}
		if e.Attributes == nil {
			e.Attributes = make(map[string]string)
		}
		e.Attributes[strings.TrimPrefix(pred, NS)] = val
	}
	return e, true
}

func edgesFrom(n *node) []domain.Edge {
	var out []domain.Edge
	for _, l := range n.links {
		kind := strings.TrimPrefix(l.predicate, NS)
		if kind == l.predicate || !domain.IsEdgeKind(kind) {
			continue
		}
		out = append(out, domain.Edge{
			Kind: domain.EdgeKind(kind),
			From: n.id,
			To:   l.object,
		})
	}
	return out
}

// DecodeGraph reads a Turtle document produced by EncodeGraph back into a
// snapshot
func DecodeGraph(r io.Reader) (*domain.NetworkGraph, error) {
	nodes, err := parseNodes(r)
	if err != nil {
		return nil, err
	}

	meta, ok := nodes[snapshotNode]
	if !ok || !meta.hasType(NS+"DeviceGraph") {
		return nil, fmt.Errorf("document has no snapshot header")
	}
	taken, err := time.Parse(time.RFC3339Nano, meta.literals[predScannedAt])
	if err != nil {
		return nil, fmt.Errorf("bad scan timestamp: %w", err)
	}

	var entities []domain.Entity
	var edges []domain.Edge
	for _, n := range nodes {
		if e, ok := entityFrom(n); ok {
			entities = append(entities, e)
			edges = append(edges, edgesFrom(n)...)
		}
	}
	return domain.NewNetworkGraph(meta.label, taken, entities, edges)
}

// DecodeDiff reads a Turtle document produced by EncodeDiff back into a
// comparison result
func DecodeDiff(r io.Reader) (*domain.DiffGraph, error) {
	nodes, err := parseNodes(r)
	if err != nil {
		return nil, err
	}

	meta, ok := nodes[diffNode]
	if !ok || !meta.hasType(NS+"DiffGraph") {
		return nil, fmt.Errorf("document has no diff header")
	}
	sourceA := meta.literals[predSourceA]
	sourceB := meta.literals[predSourceB]
	computed, err := time.Parse(time.RFC3339Nano, meta.literals[predComputedAt])
	if err != nil {
		return nil, fmt.Errorf("bad diff timestamp: %w", err)
	}

	provenance := func(source string) (domain.Provenance, error) {
		switch source {
		case diffSourceBoth:
			return domain.ProvenanceUnchanged, nil
		case sourceB:
			return domain.ProvenanceAdded, nil
		case sourceA:
			return domain.ProvenanceRemoved, nil
		default:
			return "", fmt.Errorf("unknown diff source %q", source)
		}
	}

	var entities []domain.DiffEntity
	var edges []domain.DiffEdge
	for _, n := range nodes {
		if e, ok := entityFrom(n); ok {
			p, err := provenance(n.literals[predDiffSource])
			if err != nil {
				return nil, fmt.Errorf("entity %s: %w", n.id, err)
			}
			entities = append(entities, domain.DiffEntity{Entity: e, Provenance: p})
			continue
		}
		if !n.hasType(rdfStatement) {
			continue
		}
		edge, err := reifiedEdge(n)
		if err != nil {
			return nil, err
		}
		p, err := provenance(n.literals[predDiffSource])
		if err != nil {
			return nil, fmt.Errorf("edge %s: %w", edge.Key(), err)
		}
		edges = append(edges, domain.DiffEdge{Edge: edge, Provenance: p})
	}
	return domain.NewDiffGraph(sourceA, sourceB, computed, entities, edges), nil
}

func reifiedEdge(n *node) (domain.Edge, error) {
	var from, to, pred string
	for _, l := range n.links {
		switch l.predicate {
		case rdfSubject:
			from = l.object
		case rdfObject:
			to = l.object
		case rdfPredicate:
			pred = l.object
		}
	}
	kind := strings.TrimPrefix(pred, NS)
	if from == "" || to == "" || !domain.IsEdgeKind(kind) {
		return domain.Edge{}, fmt.Errorf("statement %s is not a valid edge", n.id)
	}
	return domain.Edge{Kind: domain.EdgeKind(kind), From: from, To: to}, nil
}
