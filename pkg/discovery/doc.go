// Package discovery implements mDNS/DNS-SD discovery of gamenet nodes on
// the local network.
//
// A node advertises one service instance of type _gamenet._udp whose port is
// the UDP hub port. TXT records carry:
//
//   - tag: the node's datagram peer tag (decimal, required)
//   - udp: the UDP hub port (required)
//   - tcp: the TCP server port (optional)
//   - ver: the protocol version (optional)
//
// Browsing yields NodeInfo values whose addresses are aggregated across
// interfaces. NodeInfo.Candidates turns them into the internal candidate
// addresses a datagram peer probes during hole punching, next to the
// external address learned through STUN.
package discovery
