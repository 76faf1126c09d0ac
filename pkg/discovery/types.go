package discovery

import (
	"errors"
	"net/netip"
	"time"
)

// Service constants.
const (
	// ServiceType is the DNS-SD service type of a node.
	ServiceType = "_gamenet._udp"

	// Domain is the mDNS domain.
	Domain = "local."

	// ProtocolVersion is advertised in the ver TXT record.
	ProtocolVersion = "1"

	// MaxInstanceNameLen is the DNS label limit for instance names.
	MaxInstanceNameLen = 63

	// DefaultTTL is the record TTL of advertised services.
	DefaultTTL = 120 * time.Second

	// BrowseTimeout bounds Find when the context has no deadline.
	BrowseTimeout = 10 * time.Second
)

// TXT record keys.
const (
	TXTKeyTag     = "tag"
	TXTKeyUDPPort = "udp"
	TXTKeyTCPPort = "tcp"
	TXTKeyVersion = "ver"
)

// Discovery errors.
var (
	ErrNotFound            = errors.New("discovery: node not found")
	ErrMissingRequired     = errors.New("discovery: missing required TXT record")
	ErrInvalidTXTRecord    = errors.New("discovery: invalid TXT record")
	ErrInstanceNameTooLong = errors.New("discovery: instance name too long")
	ErrInvalidTag          = errors.New("discovery: tag must be non-zero")
)

// NodeInfo describes an advertised node.
type NodeInfo struct {
	// Instance is the DNS-SD instance name.
	Instance string

	// Host is the advertised host name (browse results only).
	Host string

	// Tag is the node's datagram peer tag.
	Tag uint32

	// UDPPort is the hub port; TCPPort is zero when the node runs no
	// stream server.
	UDPPort uint16
	TCPPort uint16

	Version string

	// Addresses are the node's IP addresses (browse results only).
	Addresses []netip.Addr
}

// Candidates returns the UDP endpoints of the node, IPv4 first.
func (n NodeInfo) Candidates() []netip.AddrPort {
	out := make([]netip.AddrPort, 0, len(n.Addresses))
	for _, a := range n.Addresses {
		if a.Is4() || a.Is4In6() {
			out = append(out, netip.AddrPortFrom(a.Unmap(), n.UDPPort))
		}
	}
	for _, a := range n.Addresses {
		if a.Is6() && !a.Is4In6() {
			out = append(out, netip.AddrPortFrom(a, n.UDPPort))
		}
	}
	return out
}

// TCPAddr returns the stream server endpoint on the first address.
func (n NodeInfo) TCPAddr() (netip.AddrPort, bool) {
	if n.TCPPort == 0 || len(n.Addresses) == 0 {
		return netip.AddrPort{}, false
	}
	c := NodeInfo{Addresses: n.Addresses, UDPPort: n.TCPPort}.Candidates()
	return c[0], true
}
