// Package netsim is an in-memory datagram network for tests. Datagrams are
// queued on write and delivered by Flush, after the configured loss,
// duplication and reordering have been applied.
package netsim

import (
	"errors"
	"net/netip"
	"sync"
)

// ErrUnknownEndpoint is returned when writing from a detached endpoint.
var ErrUnknownEndpoint = errors.New("netsim: unknown endpoint")

// Packet is one datagram in flight.
type Packet struct {
	From netip.AddrPort
	To   netip.AddrPort
	Data []byte

	// N is the 1-based index of the datagram on the network.
	N int
}

// Receiver consumes a delivered datagram.
type Receiver func(p []byte, from netip.AddrPort)

// Option configures a Network.
type Option func(*Network)

// DropEvery drops every nth datagram written to the network.
func DropEvery(n int) Option {
	return func(net *Network) { net.dropEvery = n }
}

// DuplicateEvery delivers every nth datagram twice.
func DuplicateEvery(n int) Option {
	return func(net *Network) { net.dupEvery = n }
}

// Drop drops every datagram for which fn returns true.
func Drop(fn func(Packet) bool) Option {
	return func(net *Network) { net.drop = fn }
}

// Reorder rearranges the queue before each Flush.
func Reorder(fn func([]Packet) []Packet) Option {
	return func(net *Network) { net.reorder = fn }
}

// Stats counts datagrams by outcome.
type Stats struct {
	Sent       int
	Dropped    int
	Duplicated int
	Delivered  int
}

// Network connects endpoints by address.
type Network struct {
	dropEvery int
	dupEvery  int
	drop      func(Packet) bool
	reorder   func([]Packet) []Packet

	mu        sync.Mutex
	endpoints map[netip.AddrPort]Receiver
	queue     []Packet
	stats     Stats
}

// New creates a network.
func New(opts ...Option) *Network {
	n := &Network{endpoints: make(map[netip.AddrPort]Receiver)}
	for _, o := range opts {
		o(n)
	}
	return n
}

// Endpoint attaches recv at addr and returns the writer for that address.
func (n *Network) Endpoint(addr netip.AddrPort, recv Receiver) *Endpoint {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.endpoints[addr] = recv
	return &Endpoint{n: n, addr: addr}
}

// Detach removes the endpoint at addr. Datagrams to it are dropped.
func (n *Network) Detach(addr netip.AddrPort) {
	n.mu.Lock()
	defer n.mu.Unlock()
	delete(n.endpoints, addr)
}

// Flush delivers every queued datagram and returns how many were
// delivered. Datagrams written by receivers during Flush stay queued.
func (n *Network) Flush() int {
	n.mu.Lock()
	q := n.queue
	n.queue = nil
	if n.reorder != nil {
		q = n.reorder(q)
	}
	n.mu.Unlock()

	delivered := 0
	for _, p := range q {
		n.mu.Lock()
		recv, ok := n.endpoints[p.To]
		if ok {
			n.stats.Delivered++
		} else {
			n.stats.Dropped++
		}
		n.mu.Unlock()
		if ok {
			recv(p.Data, p.From)
			delivered++
		}
	}
	return delivered
}

// Pending returns the number of queued datagrams.
func (n *Network) Pending() int {
	n.mu.Lock()
	defer n.mu.Unlock()
	return len(n.queue)
}

// Stats returns the counters.
func (n *Network) Stats() Stats {
	n.mu.Lock()
	defer n.mu.Unlock()
	return n.stats
}

func (n *Network) write(from, to netip.AddrPort, data []byte) {
	n.mu.Lock()
	defer n.mu.Unlock()

	n.stats.Sent++
	p := Packet{From: from, To: to, Data: append([]byte(nil), data...), N: n.stats.Sent}
	if n.dropEvery > 0 && p.N%n.dropEvery == 0 {
		n.stats.Dropped++
		return
	}
	if n.drop != nil && n.drop(p) {
		n.stats.Dropped++
		return
	}
	n.queue = append(n.queue, p)
	if n.dupEvery > 0 && p.N%n.dupEvery == 0 {
		n.stats.Duplicated++
		n.queue = append(n.queue, p)
	}
}

// Endpoint writes datagrams from one address.
type Endpoint struct {
	n    *Network
	addr netip.AddrPort
}

// Addr returns the endpoint address.
func (e *Endpoint) Addr() netip.AddrPort { return e.addr }

// WriteTo queues p for delivery to addr.
func (e *Endpoint) WriteTo(p []byte, addr netip.AddrPort) error {
	if e.n == nil {
		return ErrUnknownEndpoint
	}
	e.n.write(e.addr, addr, p)
	return nil
}
