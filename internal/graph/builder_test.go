package graph

import (
	"fmt"
	"testing"
	"time"

	"github.com/sirupsen/logrus"

	"bacmap/internal/domain"
)

func quietLogger() *logrus.Logger {
	logger := logrus.New()
	logger.SetLevel(logrus.PanicLevel)
	return logger
}

// mustFact unwraps a fact constructor's result; the fixtures only build
// facts that are known to be valid
func mustFact[T domain.Fact](f T, err error) T {
	if err != nil {
		panic(fmt.Sprintf("building fact: %v", err))
	}
	return f
}

// scanFacts builds a small but complete pass: a root, one subnet, two
// networks, a local device, a routed device, a router, and a distributor
func scanFacts(t *testing.T) []domain.Fact {
	t.Helper()
	return []domain.Fact{
		mustFact(domain.NewRootFact("scanner", "10.0.0.2:47808", 0, "10.0.0.0/24")),
		mustFact(domain.NewSubnetFact("10.0.0.0/24")),
		mustFact(domain.NewNetworkFact(1, "")),
		mustFact(domain.NewNetworkFact(902, "")),
		mustFact(domain.NewDeviceFact(10, "10.0.0.10:47808", 1, "10.0.0.0/24")),
		mustFact(domain.NewDeviceFact(20, "902:0c", 902, "")),
		mustFact(domain.NewRouterFact("10.0.0.1:47808", "10.0.0.0/24", []uint16{902})),
		mustFact(domain.NewBBMDFact("10.0.0.10:47808", "10.0.0.0/24", []string{"10.0.1.5:47808"})),
	}
}

func TestBuild(t *testing.T) {
	taken := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)

	t.Run("builds entities and edges from a full pass", func(t *testing.T) {
		g, err := NewBuilder(quietLogger()).Build("scan-1", taken, scanFacts(t))
		if err != nil {
			t.Fatalf("build: %v", err)
		}

		for _, id := range []string{
			domain.RootID("scanner"),
			domain.SubnetID("10.0.0.0/24"),
			domain.NetworkID(1),
			domain.NetworkID(902),
			domain.DeviceID(10),
			domain.DeviceID(20),
			domain.RouterID("10.0.0.1:47808"),
			domain.BBMDID("10.0.0.10:47808"),
			domain.BBMDID("10.0.1.5:47808"),
		} {
			if !g.HasEntity(id) {
				t.Errorf("missing entity %s", id)
			}
		}

		for _, e := range []domain.Edge{
			{Kind: domain.EdgeDeviceOnNetwork, From: domain.DeviceID(10), To: domain.NetworkID(1)},
			{Kind: domain.EdgeDeviceOnNetwork, From: domain.DeviceID(20), To: domain.NetworkID(902)},
			{Kind: domain.EdgeNetworkViaSubnet, From: domain.NetworkID(1), To: domain.SubnetID("10.0.0.0/24")},
			{Kind: domain.EdgeRouterToNetwork, From: domain.RouterID("10.0.0.1:47808"), To: domain.NetworkID(902)},
			{Kind: domain.EdgeBDTEntry, From: domain.BBMDID("10.0.0.10:47808"), To: domain.BBMDID("10.0.1.5:47808")},
			{Kind: domain.EdgeRootLink, From: domain.RootID("scanner"), To: domain.SubnetID("10.0.0.0/24")},
		} {
			if !g.HasEdge(e) {
				t.Errorf("missing edge %s", e.Key())
			}
		}
	})

	t.Run("same facts always produce the same graph", func(t *testing.T) {
		b := NewBuilder(quietLogger())
		g1, err := b.Build("scan", taken, scanFacts(t))
		if err != nil {
			t.Fatalf("first build: %v", err)
		}
		g2, err := b.Build("scan", taken, scanFacts(t))
		if err != nil {
			t.Fatalf("second build: %v", err)
		}

		e1, e2 := g1.Entities(), g2.Entities()
		if len(e1) != len(e2) {
			t.Fatalf("entity counts differ: %d vs %d", len(e1), len(e2))
		}
		for i := range e1 {
			if !e1[i].Equal(e2[i]) {
				t.Errorf("entity %s differs between builds", e1[i].ID)
			}
		}
		if g1.EdgeCount() != g2.EdgeCount() {
			t.Errorf("edge counts differ: %d vs %d", g1.EdgeCount(), g2.EdgeCount())
		}
	})

	t.Run("device identity is the instance number", func(t *testing.T) {
		// the same device answering from a new address keeps its ID
		facts := []domain.Fact{
			mustFact(domain.NewRootFact("scanner", "10.0.0.2:47808", 0, "10.0.0.0/24")),
			mustFact(domain.NewSubnetFact("10.0.0.0/24")),
			mustFact(domain.NewNetworkFact(1, "")),
			mustFact(domain.NewDeviceFact(77, "10.0.0.99:47808", 1, "10.0.0.0/24")),
		}
		g, err := NewBuilder(quietLogger()).Build("scan", taken, facts)
		if err != nil {
			t.Fatalf("build: %v", err)
		}
		e, ok := g.Entity(domain.DeviceID(77))
		if !ok {
			t.Fatal("expected device 77")
		}
		if e.Attribute(domain.AttrAddress) != "10.0.0.99:47808" {
			t.Errorf("expected the observed address as attribute, got %q", e.Attribute(domain.AttrAddress))
		}
	})

	t.Run("a bdt self-entry becomes a marker not a loop", func(t *testing.T) {
		facts := []domain.Fact{
			mustFact(domain.NewRootFact("scanner", "10.0.0.2:47808", 0, "10.0.0.0/24")),
			mustFact(domain.NewSubnetFact("10.0.0.0/24")),
			mustFact(domain.NewBBMDFact("10.0.0.10:47808", "10.0.0.0/24",
				[]string{"10.0.0.10:47808", "10.0.1.5:47808"})),
		}
		g, err := NewBuilder(quietLogger()).Build("scan", taken, facts)
		if err != nil {
			t.Fatalf("build: %v", err)
		}

		self := domain.BBMDID("10.0.0.10:47808")
		e, ok := g.Entity(self)
		if !ok {
			t.Fatal("expected the distributor entity")
		}
		if e.Attribute(domain.AttrBDTEnabled) != "true" {
			t.Error("expected the bdt-enabled marker")
		}
		if g.HasEdge(domain.Edge{Kind: domain.EdgeBDTEntry, From: self, To: self}) {
			t.Error("self-entry must not become a self-loop edge")
		}
		if !g.HasEdge(domain.Edge{Kind: domain.EdgeBDTEntry, From: self, To: domain.BBMDID("10.0.1.5:47808")}) {
			t.Error("expected the edge to the listed peer")
		}
	})

	t.Run("drops edges pointing at nothing", func(t *testing.T) {
		// a device answering on a network no fact ever named
		facts := []domain.Fact{
			mustFact(domain.NewRootFact("scanner", "10.0.0.2:47808", 0, "10.0.0.0/24")),
			mustFact(domain.NewSubnetFact("10.0.0.0/24")),
			mustFact(domain.NewDeviceFact(5, "10.0.0.5:47808", 4000, "10.0.0.0/24")),
		}
		g, err := NewBuilder(quietLogger()).Build("scan", taken, facts)
		if err != nil {
			t.Fatalf("build: %v", err)
		}
		if !g.HasEntity(domain.DeviceID(5)) {
			t.Error("the device itself must survive")
		}
		if g.HasEdge(domain.Edge{Kind: domain.EdgeDeviceOnNetwork, From: domain.DeviceID(5), To: domain.NetworkID(4000)}) {
			t.Error("expected the dangling edge to be dropped")
		}
	})

	t.Run("anchors off-subnet peers to the root", func(t *testing.T) {
		facts := []domain.Fact{
			mustFact(domain.NewRootFact("scanner", "10.0.0.2:47808", 0, "10.0.0.0/24")),
			mustFact(domain.NewSubnetFact("10.0.0.0/24")),
			mustFact(domain.NewNetworkFact(902, "")),
			mustFact(domain.NewRouterFact("192.168.40.1:47808", "", []uint16{902})),
		}
		g, err := NewBuilder(quietLogger()).Build("scan", taken, facts)
		if err != nil {
			t.Fatalf("build: %v", err)
		}
		want := domain.Edge{
			Kind: domain.EdgeRootLink,
			From: domain.RootID("scanner"),
			To:   domain.RouterID("192.168.40.1:47808"),
		}
		if !g.HasEdge(want) {
			t.Error("expected a root link to the off-subnet router")
		}
	})

	t.Run("annotates the root with the nearest distributor", func(t *testing.T) {
		facts := []domain.Fact{
			mustFact(domain.NewRootFact("scanner", "10.0.0.2:47808", 0, "10.0.0.0/24")),
			mustFact(domain.NewSubnetFact("10.0.0.0/24")),
			mustFact(domain.NewBBMDFact("10.0.0.10:47808", "10.0.0.0/24", nil)),
			mustFact(domain.NewNearestBBMDFact("10.0.0.10:47808", 2)),
		}
		g, err := NewBuilder(quietLogger()).Build("scan", taken, facts)
		if err != nil {
			t.Fatalf("build: %v", err)
		}
		root, ok := g.Entity(domain.RootID("scanner"))
		if !ok {
			t.Fatal("expected the root entity")
		}
		if root.Attribute(domain.AttrNearestBBMD) != "10.0.0.10:47808" {
			t.Errorf("unexpected nearest distributor %q", root.Attribute(domain.AttrNearestBBMD))
		}
		if root.Attribute(domain.AttrNearestHops) != "2" {
			t.Errorf("unexpected hop count %q", root.Attribute(domain.AttrNearestHops))
		}
	})

	t.Run("fails without a root fact", func(t *testing.T) {
		facts := []domain.Fact{
			mustFact(domain.NewSubnetFact("10.0.0.0/24")),
		}
		if _, err := NewBuilder(quietLogger()).Build("scan", taken, facts); err == nil {
			t.Error("expected error for a pass with no root")
		}
	})
}
