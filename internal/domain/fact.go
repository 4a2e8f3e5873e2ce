package domain

import (
	"fmt"
	"net"
)

// BACnet address-space limits
const (
	// MaxInstance is the highest assignable device instance number
	MaxInstance uint32 = 4194303
	// MaxNetwork is the highest valid network number (65535 is the
	// global-broadcast sentinel and never identifies a network)
	MaxNetwork uint16 = 65534
)

// Fact is one raw observation produced by a discovery pass. The set of
// variants is closed; each is validated at construction so malformed
// responses are rejected before they reach the graph builder.
type Fact interface {
	fact()
}

// DeviceFact records an I-Am response from a live device
type DeviceFact struct {
	Instance     uint32
	Address      string
	Network      uint16
	Subnet       string
	VendorID     uint16
	MaxAPDU      uint16
	Segmentation string
}

func (DeviceFact) fact() {}

// NewDeviceFact validates and builds a DeviceFact
func NewDeviceFact(instance uint32, address string, network uint16, subnet string) (DeviceFact, error) {
	if instance > MaxInstance {
		return DeviceFact{}, fmt.Errorf("device instance %d exceeds maximum %d", instance, MaxInstance)
	}
	if address == "" {
		return DeviceFact{}, fmt.Errorf("device %d: empty address", instance)
	}
	if subnet != "" {
		if _, _, err := net.ParseCIDR(subnet); err != nil {
			return DeviceFact{}, fmt.Errorf("device %d: bad subnet %q: %w", instance, subnet, err)
		}
	}
	return DeviceFact{Instance: instance, Address: address, Network: network, Subnet: subnet}, nil
}

// RouterFact records an I-Am-Router-To-Network response
type RouterFact struct {
	Address  string
	Subnet   string
	Networks []uint16
}

func (RouterFact) fact() {}

// NewRouterFact validates and builds a RouterFact
func NewRouterFact(address, subnet string, networks []uint16) (RouterFact, error) {
	if address == "" {
		return RouterFact{}, fmt.Errorf("router fact: empty address")
	}
	if len(networks) == 0 {
		return RouterFact{}, fmt.Errorf("router %s: no networks advertised", address)
	}
	for _, n := range networks {
		if n == 0 || n > MaxNetwork {
			return RouterFact{}, fmt.Errorf("router %s: invalid network number %d", address, n)
		}
	}
	return RouterFact{Address: address, Subnet: subnet, Networks: networks}, nil
}

// NetworkFact records that a network number was observed anywhere in the scan
type NetworkFact struct {
	Number uint16
	Subnet string
}

func (NetworkFact) fact() {}

// NewNetworkFact validates and builds a NetworkFact
func NewNetworkFact(number uint16, subnet string) (NetworkFact, error) {
	if number == 0 || number > MaxNetwork {
		return NetworkFact{}, fmt.Errorf("invalid network number %d", number)
	}
	return NetworkFact{Number: number, Subnet: subnet}, nil
}

// SubnetFact records an IP subnet containing at least one discovered peer
type SubnetFact struct {
	CIDR string
}

func (SubnetFact) fact() {}

// NewSubnetFact validates and builds a SubnetFact
func NewSubnetFact(cidr string) (SubnetFact, error) {
	if _, _, err := net.ParseCIDR(cidr); err != nil {
		return SubnetFact{}, fmt.Errorf("bad subnet %q: %w", cidr, err)
	}
	return SubnetFact{CIDR: cidr}, nil
}

// BBMDFact records a successful broadcast-distribution-table read. Entries
// are the peer addresses listed in the table, possibly including the
// distributor itself.
type BBMDFact struct {
	Address string
	Subnet  string
	Entries []string
}

func (BBMDFact) fact() {}

// NewBBMDFact validates and builds a BBMDFact
func NewBBMDFact(address, subnet string, entries []string) (BBMDFact, error) {
	if address == "" {
		return BBMDFact{}, fmt.Errorf("bbmd fact: empty address")
	}
	return BBMDFact{Address: address, Subnet: subnet, Entries: entries}, nil
}

// RootFact identifies the scanning node itself
type RootFact struct {
	Name     string
	Address  string
	Instance uint32
	Subnet   string
}

func (RootFact) fact() {}

// NewRootFact validates and builds a RootFact
func NewRootFact(name, address string, instance uint32, subnet string) (RootFact, error) {
	if name == "" {
		return RootFact{}, fmt.Errorf("root fact: empty name")
	}
	if instance > MaxInstance {
		return RootFact{}, fmt.Errorf("root instance %d exceeds maximum %d", instance, MaxInstance)
	}
	return RootFact{Name: name, Address: address, Instance: instance, Subnet: subnet}, nil
}

// NearestBBMDFact records the closest broadcast distributor reachable from
// the scanning node, measured in hops over discovered adjacency
type NearestBBMDFact struct {
	Address string
	Hops    int
}

func (NearestBBMDFact) fact() {}

// NewNearestBBMDFact validates and builds a NearestBBMDFact
func NewNearestBBMDFact(address string, hops int) (NearestBBMDFact, error) {
	if address == "" {
		return NearestBBMDFact{}, fmt.Errorf("nearest-bbmd fact: empty address")
	}
	if hops < 0 {
		return NearestBBMDFact{}, fmt.Errorf("nearest-bbmd fact: negative hop count %d", hops)
	}
	return NearestBBMDFact{Address: address, Hops: hops}, nil
}
