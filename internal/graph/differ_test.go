package graph

import (
	"testing"
	"time"

	"bacmap/internal/domain"
)

func mustGraph(t *testing.T, name string, entities []domain.Entity, edges []domain.Edge) *domain.NetworkGraph {
	t.Helper()
	g, err := domain.NewNetworkGraph(name, time.Now().UTC(), entities, edges)
	if err != nil {
		t.Fatalf("building graph %s: %v", name, err)
	}
	return g
}

func device(instance uint32, addr string) domain.Entity {
	return domain.Entity{
		ID:    domain.DeviceID(instance),
		Kind:  domain.KindDevice,
		Label: "device",
		Attributes: map[string]string{
			domain.AttrAddress: addr,
		},
	}
}

func network(n uint16) domain.Entity {
	return domain.Entity{ID: domain.NetworkID(n), Kind: domain.KindNetwork, Label: "network"}
}

func onNetwork(instance uint32, n uint16) domain.Edge {
	return domain.Edge{
		Kind: domain.EdgeDeviceOnNetwork,
		From: domain.DeviceID(instance),
		To:   domain.NetworkID(n),
	}
}

func TestDiff(t *testing.T) {
	t.Run("a graph against itself is entirely unchanged", func(t *testing.T) {
		g := mustGraph(t, "scan",
			[]domain.Entity{device(1, "10.0.0.1:47808"), network(1)},
			[]domain.Edge{onNetwork(1, 1)})

		d := Diff(g, g)
		if d.EntityCount() != g.EntityCount() || d.EdgeCount() != g.EdgeCount() {
			t.Fatalf("expected the same element counts, got %d/%d", d.EntityCount(), d.EdgeCount())
		}
		for _, e := range d.Entities() {
			if e.Provenance != domain.ProvenanceUnchanged {
				t.Errorf("entity %s tagged %s", e.ID, e.Provenance)
			}
		}
		for _, e := range d.Edges() {
			if e.Provenance != domain.ProvenanceUnchanged {
				t.Errorf("edge %s tagged %s", e.Key(), e.Provenance)
			}
		}
	})

	t.Run("partitions departures and arrivals", func(t *testing.T) {
		a := mustGraph(t, "monday",
			[]domain.Entity{device(1, "10.0.0.1:47808"), device(2, "10.0.0.2:47808"), network(1)},
			[]domain.Edge{onNetwork(1, 1), onNetwork(2, 1)})
		b := mustGraph(t, "tuesday",
			[]domain.Entity{device(2, "10.0.0.2:47808"), device(3, "10.0.0.3:47808"), network(1)},
			[]domain.Edge{onNetwork(2, 1), onNetwork(3, 1)})

		d := Diff(a, b)
		if d.SourceA() != "monday" || d.SourceB() != "tuesday" {
			t.Errorf("unexpected sources %s/%s", d.SourceA(), d.SourceB())
		}

		cases := []struct {
			id   string
			want domain.Provenance
		}{
			{domain.DeviceID(1), domain.ProvenanceRemoved},
			{domain.DeviceID(2), domain.ProvenanceUnchanged},
			{domain.DeviceID(3), domain.ProvenanceAdded},
			{domain.NetworkID(1), domain.ProvenanceUnchanged},
		}
		for _, c := range cases {
			e, ok := d.Entity(c.id)
			if !ok {
				t.Errorf("missing %s in diff", c.id)
				continue
			}
			if e.Provenance != c.want {
				t.Errorf("%s: expected %s, got %s", c.id, c.want, e.Provenance)
			}
		}

		if e, ok := d.Edge(onNetwork(1, 1)); !ok || e.Provenance != domain.ProvenanceRemoved {
			t.Error("expected the departed device's edge tagged removed")
		}
		if e, ok := d.Edge(onNetwork(3, 1)); !ok || e.Provenance != domain.ProvenanceAdded {
			t.Error("expected the new device's edge tagged added")
		}
	})

	t.Run("carries the newer attributes for shared entities", func(t *testing.T) {
		a := mustGraph(t, "before", []domain.Entity{device(1, "10.0.0.1:47808")}, nil)
		b := mustGraph(t, "after", []domain.Entity{device(1, "10.0.0.9:47808")}, nil)

		d := Diff(a, b)
		e, ok := d.Entity(domain.DeviceID(1))
		if !ok {
			t.Fatal("expected the shared device")
		}
		if e.Attribute(domain.AttrAddress) != "10.0.0.9:47808" {
			t.Errorf("expected the newer address, got %q", e.Attribute(domain.AttrAddress))
		}
		if e.Provenance != domain.ProvenanceUnchanged {
			t.Errorf("identity did not change; expected unchanged, got %s", e.Provenance)
		}
	})

	t.Run("covers the union of both snapshots", func(t *testing.T) {
		a := mustGraph(t, "a", []domain.Entity{device(1, "x"), device(2, "y")}, nil)
		b := mustGraph(t, "b", []domain.Entity{device(2, "y"), device(3, "z")}, nil)

		d := Diff(a, b)
		if d.EntityCount() != 3 {
			t.Errorf("expected 3 entities in the union, got %d", d.EntityCount())
		}
		counts := d.CountByProvenance()
		if counts[domain.ProvenanceAdded] != 1 || counts[domain.ProvenanceRemoved] != 1 || counts[domain.ProvenanceUnchanged] != 1 {
			t.Errorf("unexpected provenance counts %v", counts)
		}
	})
}
