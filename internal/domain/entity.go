package domain

import (
	"fmt"
	"sort"
)

// EntityKind classifies a node in the topology graph
type EntityKind string

const (
	KindDevice  EntityKind = "device"
	KindRouter  EntityKind = "router"
	KindNetwork EntityKind = "network"
	KindSubnet  EntityKind = "subnet"
	// KindBBMD is a BACnet Broadcast Management Device: a node that relays
	// broadcasts between IP subnets according to its distribution table
	KindBBMD EntityKind = "bbmd"
	// KindRoot is the synthetic entity representing the scanning node itself
	KindRoot EntityKind = "root"
)

// Well-known attribute keys
const (
	AttrInstance     = "device-instance"
	AttrAddress      = "address"
	AttrVendorID     = "vendor-id"
	AttrMaxAPDU      = "max-apdu"
	AttrSegmentation = "segmentation"
	// AttrBDTEnabled marks a BBMD whose distribution table contains an entry
	// for itself (a self-loop in the BDT, recorded as a marker, not an edge)
	AttrBDTEnabled = "bdt-enabled"
	// AttrNearestBBMD on the root entity names the closest reachable
	// broadcast distributor, by hop count over discovered adjacency
	AttrNearestBBMD = "nearest-bbmd"
	AttrNearestHops = "nearest-bbmd-hops"
)

// Entity is a node in a topology snapshot. Entities are built once per scan
// and not mutated afterwards; the same physical component always receives
// the same ID so snapshots taken at different times can be matched.
type Entity struct {
	ID         string            `json:"id"`
	Kind       EntityKind        `json:"kind"`
	Label      string            `json:"label"`
	Attributes map[string]string `json:"attributes,omitempty"`
}

// DeviceID returns the deterministic entity ID for a device instance
func DeviceID(instance uint32) string {
	return fmt.Sprintf("bacnet://device/%d", instance)
}

// RouterID returns the deterministic entity ID for a router address
func RouterID(address string) string {
	return "bacnet://router/" + address
}

// NetworkID returns the deterministic entity ID for a network number
func NetworkID(number uint16) string {
	return fmt.Sprintf("bacnet://network/%d", number)
}

// SubnetID returns the deterministic entity ID for an IP subnet in CIDR form
func SubnetID(cidr string) string {
	return "bacnet://subnet/" + cidr
}

// BBMDID returns the deterministic entity ID for a broadcast distributor
func BBMDID(address string) string {
	return "bacnet://bbmd/" + address
}

// RootID returns the entity ID of the scanning node
func RootID(name string) string {
	return "bacnet://root/" + name
}

// Attribute returns the value for key, or "" when absent
func (e Entity) Attribute(key string) string {
	return e.Attributes[key]
}

// AttributeKeys returns the attribute keys in sorted order. Attribute order
// is irrelevant for equality; sorting keeps serialization deterministic.
func (e Entity) AttributeKeys() []string {
	keys := make([]string, 0, len(e.Attributes))
	for k := range e.Attributes {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}

// Equal reports whether two entities have the same identity, kind, label,
// and attribute set, independent of attribute iteration order
func (e Entity) Equal(other Entity) bool {
	if e.ID != other.ID || e.Kind != other.Kind || e.Label != other.Label {
		return false
	}
	if len(e.Attributes) != len(other.Attributes) {
		return false
	}
	for k, v := range e.Attributes {
		if ov, ok := other.Attributes[k]; !ok || ov != v {
			return false
		}
	}
	return true
}

// clone returns a deep copy so published graphs stay immutable
func (e Entity) clone() Entity {
	out := e
	if e.Attributes != nil {
		out.Attributes = make(map[string]string, len(e.Attributes))
		for k, v := range e.Attributes {
			out.Attributes[k] = v
		}
	}
	return out
}
