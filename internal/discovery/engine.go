// Package discovery runs the active scan: ranged Who-Is enumeration over the
// device instance space, router and broadcast-distribution-table probes over
// the discovered peers, and a nearest-distributor search seeded at the
// scanning node. Its output is a flat list of validated facts; turning those
// into a graph is the builder's job.
package discovery

import (
	"context"
	"fmt"
	"net"
	"sort"
	"sync"
	"time"

	"github.com/sirupsen/logrus"

	"bacmap/internal/bacnet"
	"bacmap/internal/domain"
	"bacmap/internal/observability"
)

// Transport is the request/response surface the engine drives. Implemented
// by bacnet.UDPTransport; tests substitute a fake.
type Transport interface {
	WhoIs(ctx context.Context, low, high uint32, window time.Duration) ([]bacnet.IAmResult, error)
	WhoIsRouter(ctx context.Context, network uint16, window time.Duration) ([]bacnet.RouterResult, error)
	ReadBDT(ctx context.Context, address string, timeout time.Duration) ([]bacnet.BDTEntry, error)
	LocalAddress() string
}

// Config carries the scan parameters. It is immutable for the lifetime of an
// Engine; a config reload builds a new Engine.
type Config struct {
	// LowLimit and HighLimit bound the instance-id space to enumerate
	LowLimit  uint32
	HighLimit uint32
	// BatchSize caps the width of one Who-Is broadcast
	BatchSize uint32
	// Window is how long to collect responses after each broadcast
	Window time.Duration
	// ProbeTimeout bounds unicast topology probes (BDT reads)
	ProbeTimeout time.Duration
	// ProbeFanout caps concurrent unicast probes
	ProbeFanout int
	// LocalNetwork is the network number of the IP segment the scanner
	// sits on (1 by convention for BACnet/IP)
	LocalNetwork uint16
	// RootName and RootInstance identify the scanning node's synthetic
	// root entity
	RootName     string
	RootInstance uint32
	// RootAddress overrides the socket address reported for the root
	RootAddress string
	// BBMDs are distributor addresses to probe even if enumeration
	// missed them
	BBMDs []string
	// Subnets are CIDRs known ahead of the scan; peers outside them are
	// grouped into inferred /24s
	Subnets []string
}

// DefaultConfig returns scan parameters suitable for a full address-space
// sweep
func DefaultConfig() Config {
	return Config{
		LowLimit:     0,
		HighLimit:    domain.MaxInstance,
		BatchSize:    10000,
		Window:       3 * time.Second,
		ProbeTimeout: 5 * time.Second,
		ProbeFanout:  8,
		LocalNetwork: 1,
		RootName:     "bacmap",
	}
}

// Engine performs one discovery pass per Discover call
type Engine struct {
	cfg     Config
	tr      Transport
	metrics *observability.Metrics
	log     *logrus.Entry

	// seed holds the configured subnets; each pass copies it so inferred
	// subnets never carry over to the next pass
	seed []*net.IPNet
}

// New validates the configuration and builds an engine
func New(cfg Config, tr Transport, metrics *observability.Metrics, logger *logrus.Logger) (*Engine, error) {
	if cfg.BatchSize == 0 {
		return nil, fmt.Errorf("batch size must be positive")
	}
	if cfg.LowLimit > cfg.HighLimit {
		return nil, fmt.Errorf("instance range [%d, %d] is inverted", cfg.LowLimit, cfg.HighLimit)
	}
	if cfg.HighLimit > domain.MaxInstance {
		return nil, fmt.Errorf("high limit %d exceeds maximum instance %d", cfg.HighLimit, domain.MaxInstance)
	}
	if cfg.ProbeFanout <= 0 {
		cfg.ProbeFanout = 1
	}
	if cfg.RootName == "" {
		cfg.RootName = "bacmap"
	}

	e := &Engine{
		cfg:     cfg,
		tr:      tr,
		metrics: metrics,
		log:     logger.WithField("component", "discovery"),
	}
	for _, cidr := range cfg.Subnets {
		_, ipnet, err := net.ParseCIDR(cidr)
		if err != nil {
			return nil, fmt.Errorf("bad subnet %q: %w", cidr, err)
		}
		e.seed = append(e.seed, ipnet)
	}
	return e, nil
}

// subnetPool tracks the subnets of one discovery pass: the configured list
// plus a /24 inferred for every IP peer matching none of them. Probe
// goroutines consult it concurrently, so lookups lock.
type subnetPool struct {
	mu      sync.Mutex
	subnets []*net.IPNet
}

func newSubnetPool(seed []*net.IPNet) *subnetPool {
	p := &subnetPool{subnets: make([]*net.IPNet, len(seed))}
	copy(p.subnets, seed)
	return p
}

// subnetFor returns the CIDR containing the address, inferring a /24 when
// the peer matches no known subnet. Routed (non-IP) addresses have no
// subnet.
func (p *subnetPool) subnetFor(address string) string {
	host, _, err := net.SplitHostPort(address)
	if err != nil {
		host = address
	}
	ip := net.ParseIP(host)
	if ip == nil {
		return ""
	}

	p.mu.Lock()
	defer p.mu.Unlock()
	for _, s := range p.subnets {
		if s.Contains(ip) {
			return s.String()
		}
	}
	_, inferred, err := net.ParseCIDR(fmt.Sprintf("%s/24", ip))
	if err != nil {
		return ""
	}
	p.subnets = append(p.subnets, inferred)
	return inferred.String()
}

func (p *subnetPool) cidrs() []string {
	p.mu.Lock()
	defer p.mu.Unlock()
	out := make([]string, 0, len(p.subnets))
	for _, s := range p.subnets {
		out = append(out, s.String())
	}
	sort.Strings(out)
	return out
}

// instanceRange is one contiguous slice of the instance-id space
type instanceRange struct {
	low, high uint32
}

// instanceRanges partitions [low, high] into contiguous batches of at most
// size instances, with no gaps and no overlaps
func instanceRanges(low, high, size uint32) []instanceRange {
	var out []instanceRange
	for cur := low; ; {
		upper := cur + size - 1
		if upper > high || upper < cur { // overflow guard
			upper = high
		}
		out = append(out, instanceRange{low: cur, high: upper})
		if upper >= high {
			break
		}
		cur = upper + 1
	}
	return out
}

// Discover runs a complete pass and returns the collected facts. Individual
// probe failures are logged and skipped; only context cancellation aborts
// the pass.
func (e *Engine) Discover(ctx context.Context) ([]domain.Fact, error) {
	started := time.Now()
	pool := newSubnetPool(e.seed)

	rootAddr := e.cfg.RootAddress
	if rootAddr == "" {
		rootAddr = e.tr.LocalAddress()
	}
	rootSubnet := pool.subnetFor(rootAddr)

	devices, err := e.enumerateDevices(ctx, pool)
	if err != nil {
		return nil, err
	}

	networks := e.collectNetworks(devices)
	routers, err := e.discoverRouters(ctx, networks, pool)
	if err != nil {
		return nil, err
	}
	for _, r := range routers {
		for _, n := range r.Networks {
			networks[n] = struct{}{}
		}
	}

	bbmds := e.probeDistributors(ctx, devices, pool)

	root, err := domain.NewRootFact(e.cfg.RootName, rootAddr, e.cfg.RootInstance, rootSubnet)
	if err != nil {
		return nil, fmt.Errorf("root fact: %w", err)
	}

	facts := []domain.Fact{root}
	for _, cidr := range pool.cidrs() {
		sf, err := domain.NewSubnetFact(cidr)
		if err != nil {
			e.log.WithError(err).Warn("dropping malformed subnet")
			continue
		}
		facts = append(facts, sf)
	}
	for _, n := range sortedNetworks(networks) {
		nf, err := domain.NewNetworkFact(n, "")
		if err != nil {
			e.log.WithError(err).Warn("dropping malformed network")
			continue
		}
		facts = append(facts, nf)
	}
	for _, d := range sortedDevices(devices) {
		facts = append(facts, d)
	}
	for _, r := range routers {
		facts = append(facts, r)
	}
	for _, b := range bbmds {
		facts = append(facts, b)
	}

	if nearest, ok := e.nearestDistributor(root, devices, bbmds); ok {
		facts = append(facts, nearest)
	}

	e.log.WithFields(logrus.Fields{
		"devices":  len(devices),
		"routers":  len(routers),
		"bbmds":    len(bbmds),
		"networks": len(networks),
		"elapsed":  time.Since(started).Round(time.Millisecond),
	}).Info("discovery pass complete")

	return facts, nil
}

// enumerateDevices walks the instance space batch by batch. Batches run
// sequentially so responses cannot be attributed to the wrong broadcast.
// Silence within a window is complete coverage of that sub-range, not an
// error.
func (e *Engine) enumerateDevices(ctx context.Context, pool *subnetPool) (map[uint32]domain.DeviceFact, error) {
	devices := make(map[uint32]domain.DeviceFact)

	for _, r := range instanceRanges(e.cfg.LowLimit, e.cfg.HighLimit, e.cfg.BatchSize) {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		e.log.WithFields(logrus.Fields{"low": r.low, "high": r.high}).Debug("who-is batch")
		if e.metrics != nil {
			e.metrics.BatchesIssued.Inc()
		}

		results, err := e.tr.WhoIs(ctx, r.low, r.high, e.cfg.Window)
		if err != nil {
			if ctx.Err() != nil {
				return nil, ctx.Err()
			}
			// a failed broadcast loses one batch, never the pass
			e.log.WithError(err).WithField("low", r.low).Warn("who-is batch failed")
			continue
		}

		for _, res := range results {
			fact, err := e.deviceFact(res, pool)
			if err != nil {
				e.log.WithError(err).Debug("rejecting malformed i-am")
				continue
			}
			// retries may update a device's state: last seen wins
			devices[fact.Instance] = fact
			if e.metrics != nil {
				e.metrics.DevicesDiscovered.Inc()
			}
		}
	}
	return devices, nil
}

func (e *Engine) deviceFact(res bacnet.IAmResult, pool *subnetPool) (domain.DeviceFact, error) {
	network := res.Network
	subnet := ""
	if network == 0 {
		// answered on the local segment: an IP device
		network = e.cfg.LocalNetwork
		subnet = pool.subnetFor(res.Address)
	}
	fact, err := domain.NewDeviceFact(res.IAm.Instance, res.Address, network, subnet)
	if err != nil {
		return domain.DeviceFact{}, err
	}
	fact.VendorID = res.IAm.VendorID
	fact.MaxAPDU = res.IAm.MaxAPDU
	fact.Segmentation = segmentationName(res.IAm.Segmentation)
	return fact, nil
}

func (e *Engine) collectNetworks(devices map[uint32]domain.DeviceFact) map[uint16]struct{} {
	networks := make(map[uint16]struct{})
	for _, d := range devices {
		if d.Network != 0 {
			networks[d.Network] = struct{}{}
		}
	}
	return networks
}

// discoverRouters asks, network by network, who routes to it. Querying
// individually keeps the broadcast load bounded.
func (e *Engine) discoverRouters(ctx context.Context, networks map[uint16]struct{}, pool *subnetPool) ([]domain.RouterFact, error) {
	byAddress := make(map[string]map[uint16]struct{})

	for _, n := range sortedNetworks(networks) {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		results, err := e.tr.WhoIsRouter(ctx, n, e.cfg.Window)
		if err != nil {
			if ctx.Err() != nil {
				return nil, ctx.Err()
			}
			e.log.WithError(err).WithField("network", n).Warn("who-is-router failed")
			continue
		}
		for _, r := range results {
			set, ok := byAddress[r.Address]
			if !ok {
				set = make(map[uint16]struct{})
				byAddress[r.Address] = set
			}
			for _, adv := range r.Networks {
				set[adv] = struct{}{}
			}
		}
	}

	addrs := make([]string, 0, len(byAddress))
	for a := range byAddress {
		addrs = append(addrs, a)
	}
	sort.Strings(addrs)

	var routers []domain.RouterFact
	for _, a := range addrs {
		nets := sortedNetworks(byAddress[a])
		fact, err := domain.NewRouterFact(a, pool.subnetFor(a), nets)
		if err != nil {
			e.log.WithError(err).Debug("rejecting malformed router advertisement")
			continue
		}
		routers = append(routers, fact)
	}
	return routers, nil
}

// probeDistributors reads the broadcast distribution table of every IP peer
// plus the configured distributor list. Peers that never answer are simply
// not BBMDs. Probes overlap up to the fan-out bound; results are gathered
// and sorted so ordering stays deterministic.
func (e *Engine) probeDistributors(ctx context.Context, devices map[uint32]domain.DeviceFact, pool *subnetPool) []domain.BBMDFact {
	candidates := make(map[string]struct{})
	for _, d := range devices {
		if isIPAddress(d.Address) {
			candidates[d.Address] = struct{}{}
		}
	}
	for _, addr := range e.cfg.BBMDs {
		candidates[addr] = struct{}{}
	}

	addrs := make([]string, 0, len(candidates))
	for a := range candidates {
		addrs = append(addrs, a)
	}
	sort.Strings(addrs)

	var (
		mu    sync.Mutex
		found []domain.BBMDFact
		wg    sync.WaitGroup
	)
	sem := make(chan struct{}, e.cfg.ProbeFanout)

	for _, addr := range addrs {
		wg.Add(1)
		go func(addr string) {
			defer wg.Done()
			sem <- struct{}{}
			defer func() { <-sem }()

			entries, err := e.tr.ReadBDT(ctx, addr, e.cfg.ProbeTimeout)
			if err != nil {
				if err == bacnet.ErrTimeout {
					if e.metrics != nil {
						e.metrics.ProbeTimeouts.Inc()
					}
				} else if ctx.Err() == nil {
					e.log.WithError(err).WithField("peer", addr).Debug("bdt probe failed")
				}
				return
			}

			peers := make([]string, 0, len(entries))
			for _, entry := range entries {
				peers = append(peers, entry.Address())
			}
			fact, err := domain.NewBBMDFact(addr, pool.subnetFor(addr), peers)
			if err != nil {
				e.log.WithError(err).Debug("rejecting malformed bdt")
				return
			}
			mu.Lock()
			found = append(found, fact)
			mu.Unlock()
		}(addr)
	}
	wg.Wait()

	sort.Slice(found, func(i, j int) bool { return found[i].Address < found[j].Address })
	return found
}

// nearestDistributor finds the closest BBMD by breadth-first search over the
// discovered adjacency: peers share an edge with their subnet, and
// distributors share edges along their table entries
func (e *Engine) nearestDistributor(root domain.RootFact, devices map[uint32]domain.DeviceFact, bbmds []domain.BBMDFact) (domain.NearestBBMDFact, bool) {
	adj := make(map[string][]string)
	link := func(a, b string) {
		if a == "" || b == "" {
			return
		}
		adj[a] = append(adj[a], b)
		adj[b] = append(adj[b], a)
	}
	linkSubnet := func(addr, cidr string) {
		if cidr != "" {
			link(addr, "subnet/"+cidr)
		}
	}

	linkSubnet(root.Address, root.Subnet)
	for _, d := range devices {
		linkSubnet(d.Address, d.Subnet)
	}
	targets := make(map[string]struct{}, len(bbmds))
	for _, b := range bbmds {
		targets[b.Address] = struct{}{}
		linkSubnet(b.Address, b.Subnet)
		for _, peer := range b.Entries {
			if peer != b.Address {
				link(b.Address, peer)
			}
		}
	}

	type hop struct {
		node string
		dist int
	}
	visited := map[string]bool{root.Address: true}
	queue := []hop{{node: root.Address}}
	for len(queue) > 0 {
		cur := queue[0]
		queue = queue[1:]
		if _, ok := targets[cur.node]; ok {
			fact, err := domain.NewNearestBBMDFact(cur.node, cur.dist)
			if err != nil {
				return domain.NearestBBMDFact{}, false
			}
			return fact, true
		}
		neighbors := adj[cur.node]
		sort.Strings(neighbors)
		for _, next := range neighbors {
			if !visited[next] {
				visited[next] = true
				queue = append(queue, hop{node: next, dist: cur.dist + 1})
			}
		}
	}
	return domain.NearestBBMDFact{}, false
}

func isIPAddress(address string) bool {
	host, _, err := net.SplitHostPort(address)
	if err != nil {
		return false
	}
	return net.ParseIP(host) != nil
}

func sortedNetworks(set map[uint16]struct{}) []uint16 {
	out := make([]uint16, 0, len(set))
	for n := range set {
		out = append(out, n)
	}
	sort.Slice(out, func(i, j int) bool { return out[i] < out[j] })
	return out
}

func sortedDevices(devices map[uint32]domain.DeviceFact) []domain.DeviceFact {
	out := make([]domain.DeviceFact, 0, len(devices))
	for _, d := range devices {
		out = append(out, d)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Instance < out[j].Instance })
	return out
}

func segmentationName(s uint8) string {
	switch s {
	case 0:
		return "segmented-both"
	case 1:
		return "segmented-transmit"
	case 2:
		return "segmented-receive"
	case 3:
		return "no-segmentation"
	default:
		return fmt.Sprintf("unknown-%d", s)
	}
}
