package domain

// EdgeKind classifies a relationship between two entities
type EdgeKind string

const (
	// EdgeDeviceOnNetwork attaches a device to the network it answered on
	EdgeDeviceOnNetwork EdgeKind = "device-on-network"
	// EdgeRouterToNetwork attaches a router to a network it advertises
	EdgeRouterToNetwork EdgeKind = "router-to-network"
	// EdgeNetworkViaSubnet attaches a network to an IP subnet carrying it
	EdgeNetworkViaSubnet EdgeKind = "network-via-subnet"
	// EdgeBDTEntry links one broadcast distributor to another listed in its
	// broadcast distribution table
	EdgeBDTEntry EdgeKind = "bdt-entry"
	// EdgeRootLink anchors an entity to the scanning node's root entity
	EdgeRootLink EdgeKind = "root-link"
)

// EdgeKinds lists every edge kind the graph model admits
func EdgeKinds() []EdgeKind {
	return []EdgeKind{
		EdgeDeviceOnNetwork,
		EdgeRouterToNetwork,
		EdgeNetworkViaSubnet,
		EdgeBDTEntry,
		EdgeRootLink,
	}
}

// IsEdgeKind reports whether s names a known edge kind
func IsEdgeKind(s string) bool {
	for _, k := range EdgeKinds() {
		if string(k) == s {
			return true
		}
	}
	return false
}

// Edge is a directed, typed relationship between two entity IDs. An edge has
// no identity beyond its (kind, from, to) triple; duplicates collapse.
type Edge struct {
	Kind EdgeKind `json:"kind"`
	From string   `json:"from"`
	To   string   `json:"to"`
}

// Key returns the canonical identity of the edge
func (e Edge) Key() string {
	return string(e.Kind) + "|" + e.From + "|" + e.To
}
