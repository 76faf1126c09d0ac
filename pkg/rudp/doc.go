// Package rudp implements reliable and ordered delivery over UDP datagrams.
//
// A Hub owns one UDP socket registered with the reactor and demultiplexes
// incoming datagrams by (destination tag, source tag) to Peers. Each Peer
// runs the connection state machine and a Window, the sliding-window
// reliable channel.
//
// # Datagram
//
//	flags(1) src(4) dst(4) seq(4) ack(4) headerLen(2) bodyLen(2) [eak] body
//
// The EAK extension is a count byte followed by the sequence numbers of
// segments received out of order. headerLen covers it.
//
// # Connection
//
//	INITIAL ──Connect──▶ SYN_SENT ──SYN──▶ OPEN
//	INITIAL ──SYN──────▶ SYN_RCVD ──ACK──▶ OPEN
//	OPEN ──RST or inactivity──▶ CLOSE_WAIT ──grace──▶ CLOSED
//
// SYN and HPN probes go to every candidate address (internal addresses from
// discovery, the external address from STUN) until the first datagram from
// the peer settles its address.
//
// # Quality of service
//
//   - Lossy: no sequence number, no retransmission
//   - Reliable: retransmitted until acked, delivered on arrival
//   - Ordered: retransmitted until acked, delivered in sequence
//
// At most MaxOutstanding segments are in flight; further segments queue
// until acks free window space. Timers read a clock.Clock.
package rudp
