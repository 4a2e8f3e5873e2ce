// Package graph turns the flat facts of a discovery pass into an immutable
// topology snapshot, and computes the structural difference between two
// snapshots.
package graph

import (
	"fmt"
	"net"
	"strconv"
	"time"

	"github.com/sirupsen/logrus"

	"bacmap/internal/domain"
)

// Builder assembles NetworkGraph snapshots from discovery facts. Building is
// deterministic: the same facts always yield the same entities, IDs, and
// edges, so snapshots of an unchanged installation diff as identical.
type Builder struct {
	log *logrus.Entry
}

// NewBuilder returns a Builder logging through the given logger
func NewBuilder(logger *logrus.Logger) *Builder {
	return &Builder{log: logger.WithField("component", "graph")}
}

// Build assembles a named snapshot from facts. Facts referencing components
// that never materialize as entities produce no edge; such drops are logged,
// not fatal.
func (b *Builder) Build(name string, taken time.Time, facts []domain.Fact) (*domain.NetworkGraph, error) {
	entities := make(map[string]domain.Entity)
	var edges []domain.Edge

	add := func(e domain.Entity) {
		if existing, ok := entities[e.ID]; ok {
			// merge attributes so a later fact enriches, never erases
			for k, v := range e.Attributes {
				if existing.Attributes == nil {
					existing.Attributes = make(map[string]string)
				}
				existing.Attributes[k] = v
			}
			entities[e.ID] = existing
			return
		}
		entities[e.ID] = e
	}

	var (
		root    *domain.RootFact
		nearest *domain.NearestBBMDFact
	)

	for _, f := range facts {
		switch v := f.(type) {
		case domain.RootFact:
			root = &v
		case domain.NearestBBMDFact:
			nearest = &v
		case domain.SubnetFact:
			add(domain.Entity{
				ID:    domain.SubnetID(v.CIDR),
				Kind:  domain.KindSubnet,
				Label: v.CIDR,
			})
		case domain.NetworkFact:
			add(domain.Entity{
				ID:    domain.NetworkID(v.Number),
				Kind:  domain.KindNetwork,
				Label: fmt.Sprintf("network %d", v.Number),
			})
		case domain.DeviceFact:
			add(deviceEntity(v))
			edges = append(edges, domain.Edge{
				Kind: domain.EdgeDeviceOnNetwork,
				From: domain.DeviceID(v.Instance),
				To:   domain.NetworkID(v.Network),
			})
			if v.Subnet != "" {
				edges = append(edges, domain.Edge{
					Kind: domain.EdgeNetworkViaSubnet,
					From: domain.NetworkID(v.Network),
					To:   domain.SubnetID(v.Subnet),
				})
			}
		case domain.RouterFact:
			add(domain.Entity{
				ID:    domain.RouterID(v.Address),
				Kind:  domain.KindRouter,
				Label: "router " + v.Address,
				Attributes: map[string]string{
					domain.AttrAddress: v.Address,
				},
			})
			for _, n := range v.Networks {
				edges = append(edges, domain.Edge{
					Kind: domain.EdgeRouterToNetwork,
					From: domain.RouterID(v.Address),
					To:   domain.NetworkID(n),
				})
			}
		case domain.BBMDFact:
			add(domain.Entity{
				ID:    domain.BBMDID(v.Address),
				Kind:  domain.KindBBMD,
				Label: "bbmd " + v.Address,
				Attributes: map[string]string{
					domain.AttrAddress: v.Address,
				},
			})
			for _, peer := range v.Entries {
				if peer == v.Address {
					// a self-entry means the node distributes its own
					// broadcasts; record the marker instead of a self-loop
					e := entities[domain.BBMDID(v.Address)]
					e.Attributes[domain.AttrBDTEnabled] = "true"
					entities[e.ID] = e
					continue
				}
				add(domain.Entity{
					ID:    domain.BBMDID(peer),
					Kind:  domain.KindBBMD,
					Label: "bbmd " + peer,
					Attributes: map[string]string{
						domain.AttrAddress: peer,
					},
				})
				edges = append(edges, domain.Edge{
					Kind: domain.EdgeBDTEntry,
					From: domain.BBMDID(v.Address),
					To:   domain.BBMDID(peer),
				})
			}
		default:
			b.log.WithField("fact", fmt.Sprintf("%T", f)).Warn("ignoring unknown fact")
		}
	}

	if root == nil {
		return nil, fmt.Errorf("graph %s: no root fact in scan output", name)
	}
	rootEntity := domain.Entity{
		ID:    domain.RootID(root.Name),
		Kind:  domain.KindRoot,
		Label: root.Name,
		Attributes: map[string]string{
			domain.AttrAddress: root.Address,
		},
	}
	if root.Instance != 0 {
		rootEntity.Attributes[domain.AttrInstance] = strconv.FormatUint(uint64(root.Instance), 10)
	}
	if nearest != nil {
		rootEntity.Attributes[domain.AttrNearestBBMD] = nearest.Address
		rootEntity.Attributes[domain.AttrNearestHops] = strconv.Itoa(nearest.Hops)
	}
	add(rootEntity)

	edges = append(edges, b.rootLinks(rootEntity.ID, *root, entities)...)

	kept := edges[:0]
	for _, e := range edges {
		if _, ok := entities[e.From]; !ok {
			b.log.WithFields(logrus.Fields{"edge": e.Key(), "missing": e.From}).Warn("dropping dangling edge")
			continue
		}
		if _, ok := entities[e.To]; !ok {
			b.log.WithFields(logrus.Fields{"edge": e.Key(), "missing": e.To}).Warn("dropping dangling edge")
			continue
		}
		kept = append(kept, e)
	}

	all := make([]domain.Entity, 0, len(entities))
	for _, e := range entities {
		all = append(all, e)
	}
	return domain.NewNetworkGraph(name, taken, all, kept)
}

// rootLinks anchors the snapshot at the scanning node: the root points at its
// own subnet, and at any router or distributor that sits on no discovered
// subnet (otherwise those would float unconnected to the root's view)
func (b *Builder) rootLinks(rootID string, root domain.RootFact, entities map[string]domain.Entity) []domain.Edge {
	var out []domain.Edge
	if root.Subnet != "" {
		out = append(out, domain.Edge{
			Kind: domain.EdgeRootLink,
			From: rootID,
			To:   domain.SubnetID(root.Subnet),
		})
	}
	for id, e := range entities {
		if e.Kind != domain.KindRouter && e.Kind != domain.KindBBMD {
			continue
		}
		if !hasSubnetNeighbor(e, entities) {
			out = append(out, domain.Edge{
				Kind: domain.EdgeRootLink,
				From: rootID,
				To:   id,
			})
		}
	}
	return out
}

// hasSubnetNeighbor reports whether the entity's address falls inside any
// subnet entity present in the graph
func hasSubnetNeighbor(e domain.Entity, entities map[string]domain.Entity) bool {
	addr := e.Attribute(domain.AttrAddress)
	if addr == "" {
		return false
	}
	for _, other := range entities {
		if other.Kind != domain.KindSubnet {
			continue
		}
		if subnetContains(other.Label, addr) {
			return true
		}
	}
	return false
}

func subnetContains(cidr, address string) bool {
	_, ipnet, err := net.ParseCIDR(cidr)
	if err != nil {
		return false
	}
	host, _, err := net.SplitHostPort(address)
	if err != nil {
		host = address
	}
	ip := net.ParseIP(host)
	return ip != nil && ipnet.Contains(ip)
}

func deviceEntity(v domain.DeviceFact) domain.Entity {
	attrs := map[string]string{
		domain.AttrInstance: strconv.FormatUint(uint64(v.Instance), 10),
		domain.AttrAddress:  v.Address,
	}
	if v.VendorID != 0 {
		attrs[domain.AttrVendorID] = strconv.FormatUint(uint64(v.VendorID), 10)
	}
	if v.MaxAPDU != 0 {
		attrs[domain.AttrMaxAPDU] = strconv.FormatUint(uint64(v.MaxAPDU), 10)
	}
	if v.Segmentation != "" {
		attrs[domain.AttrSegmentation] = v.Segmentation
	}
	return domain.Entity{
		ID:         domain.DeviceID(v.Instance),
		Kind:       domain.KindDevice,
		Label:      fmt.Sprintf("device %d", v.Instance),
		Attributes: attrs,
	}
}
