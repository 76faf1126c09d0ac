package discovery

import (
	"context"
	"fmt"
	"log/slog"
	"net"
	"net/netip"
	"sync"
	"time"

	"github.com/enbility/zeroconf/v3"
)

// AdvertiserConfig configures advertiser behavior.
type AdvertiserConfig struct {
	// Interface specifies which network interface to use.
	// Empty string means all interfaces.
	Interface string

	// TTL is the DNS record TTL.
	// Default: 120 seconds.
	TTL time.Duration

	// Logger for operational logging (default: slog.Default()).
	Logger *slog.Logger
}

// DefaultAdvertiserConfig returns the default advertiser configuration.
func DefaultAdvertiserConfig() AdvertiserConfig {
	return AdvertiserConfig{TTL: DefaultTTL}
}

// Advertiser publishes one node over mDNS.
type Advertiser struct {
	config AdvertiserConfig
	log    *slog.Logger

	mu     sync.Mutex
	server *zeroconf.Server
	info   *NodeInfo
}

// NewAdvertiser creates an advertiser. Nothing is published until Advertise.
func NewAdvertiser(config AdvertiserConfig) *Advertiser {
	if config.Logger == nil {
		config.Logger = slog.Default()
	}
	return &Advertiser{config: config, log: config.Logger.With("component", "mdns")}
}

// Advertise publishes info, replacing any earlier advertisement.
func (a *Advertiser) Advertise(info *NodeInfo) error {
	if info.Tag == 0 {
		return ErrInvalidTag
	}
	instance := info.Instance
	if instance == "" {
		instance = InstanceName(info.Tag)
	}
	if err := ValidateInstanceName(instance); err != nil {
		return err
	}
	if info.Version == "" {
		cp := *info
		cp.Version = ProtocolVersion
		info = &cp
	}

	a.mu.Lock()
	defer a.mu.Unlock()

	if a.server != nil {
		a.server.Shutdown()
		a.server = nil
	}

	var opts []zeroconf.ServerOption
	if a.config.TTL > 0 {
		opts = append(opts, zeroconf.TTL(uint32(a.config.TTL.Seconds())))
	}

	server, err := zeroconf.Register(
		instance,
		ServiceType,
		Domain,
		int(info.UDPPort),
		TXTRecordsToStrings(EncodeTXT(info)),
		interfaces(a.config.Interface),
		opts...,
	)
	if err != nil {
		return fmt.Errorf("discovery: register %s: %w", instance, err)
	}

	a.server = server
	a.info = info
	a.log.Info("advertising", "instance", instance, "tag", info.Tag, "udp", info.UDPPort, "tcp", info.TCPPort)
	return nil
}

// Advertised returns the published node, if any.
func (a *Advertiser) Advertised() (*NodeInfo, bool) {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.info, a.server != nil
}

// Stop withdraws the advertisement.
func (a *Advertiser) Stop() {
	a.mu.Lock()
	defer a.mu.Unlock()

	if a.server != nil {
		a.server.Shutdown()
		a.server = nil
		a.info = nil
	}
}

// BrowserConfig configures browser behavior.
type BrowserConfig struct {
	// Interface specifies which network interface to use.
	// Empty string means all interfaces.
	Interface string
}

// Browser finds nodes over mDNS.
type Browser struct {
	config BrowserConfig
}

// NewBrowser creates a browser.
func NewBrowser(config BrowserConfig) *Browser {
	return &Browser{config: config}
}

// Browse reports every node found until ctx is done. A node is reported
// once, on first sight. The channel is closed when ctx is done.
func (b *Browser) Browse(ctx context.Context) (<-chan NodeInfo, error) {
	out := make(chan NodeInfo)

	entries := make(chan *zeroconf.ServiceEntry)
	removed := make(chan *zeroconf.ServiceEntry)

	var opts []zeroconf.ClientOption
	if ifaces := interfaces(b.config.Interface); ifaces != nil {
		opts = append(opts, zeroconf.SelectIfaces(ifaces))
	}

	go func() {
		defer close(out)

		nodes := make(map[string]*NodeInfo)
		for {
			select {
			case entry, ok := <-entries:
				if !ok {
					return
				}
				n := entryToNode(entry)
				if n == nil {
					continue
				}
				if existing, found := nodes[n.Instance]; found {
					existing.Addresses = mergeAddresses(existing.Addresses, n.Addresses)
					continue
				}
				nodes[n.Instance] = n
				select {
				case out <- snapshot(n):
				case <-ctx.Done():
					return
				}

			case entry, ok := <-removed:
				if !ok {
					continue
				}
				if existing, found := nodes[entry.Instance]; found {
					existing.Addresses = removeAddresses(existing.Addresses, entry)
					if len(existing.Addresses) == 0 {
						delete(nodes, entry.Instance)
					}
				}

			case <-ctx.Done():
				return
			}
		}
	}()

	go func() {
		_ = zeroconf.Browse(ctx, ServiceType, Domain, entries, removed, opts...)
	}()

	return out, nil
}

// Find browses until the node with tag is found. Without a deadline on ctx
// it gives up after BrowseTimeout.
func (b *Browser) Find(ctx context.Context, tag uint32) (NodeInfo, error) {
	if _, ok := ctx.Deadline(); !ok {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, BrowseTimeout)
		defer cancel()
	}
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	results, err := b.Browse(ctx)
	if err != nil {
		return NodeInfo{}, err
	}
	for n := range results {
		if n.Tag == tag {
			return n, nil
		}
	}
	return NodeInfo{}, ErrNotFound
}

func snapshot(n *NodeInfo) NodeInfo {
	cp := *n
	cp.Addresses = append([]netip.Addr(nil), n.Addresses...)
	return cp
}

// interfaces returns the named interface, or nil for all interfaces.
func interfaces(name string) []net.Interface {
	if name == "" {
		return nil
	}
	iface, err := net.InterfaceByName(name)
	if err != nil {
		return nil
	}
	return []net.Interface{*iface}
}

// entryToNode converts a zeroconf entry; nil when its TXT records are invalid.
func entryToNode(entry *zeroconf.ServiceEntry) *NodeInfo {
	info, err := DecodeTXT(StringsToTXTRecords(entry.Text))
	if err != nil {
		return nil
	}
	info.Instance = entry.Instance
	info.Host = entry.HostName
	info.Addresses = entryAddresses(entry)
	if info.UDPPort == 0 {
		info.UDPPort = uint16(entry.Port)
	}
	return info
}

func entryAddresses(entry *zeroconf.ServiceEntry) []netip.Addr {
	addrs := make([]netip.Addr, 0, len(entry.AddrIPv4)+len(entry.AddrIPv6))
	for _, ip := range append(append([]net.IP(nil), entry.AddrIPv4...), entry.AddrIPv6...) {
		if a, ok := netip.AddrFromSlice(ip); ok {
			addrs = append(addrs, a.Unmap())
		}
	}
	return addrs
}

// mergeAddresses adds new addresses to existing list, avoiding duplicates.
func mergeAddresses(existing, new []netip.Addr) []netip.Addr {
	seen := make(map[netip.Addr]bool, len(existing))
	for _, addr := range existing {
		seen[addr] = true
	}
	for _, addr := range new {
		if !seen[addr] {
			existing = append(existing, addr)
			seen[addr] = true
		}
	}
	return existing
}

// removeAddresses removes the addresses of a zeroconf entry from the list.
func removeAddresses(addresses []netip.Addr, entry *zeroconf.ServiceEntry) []netip.Addr {
	toRemove := make(map[netip.Addr]bool)
	for _, a := range entryAddresses(entry) {
		toRemove[a] = true
	}
	result := make([]netip.Addr, 0, len(addresses))
	for _, addr := range addresses {
		if !toRemove[addr] {
			result = append(result, addr)
		}
	}
	return result
}
