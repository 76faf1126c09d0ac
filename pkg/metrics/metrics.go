// Package metrics exports reactor, stream server and datagram hub counters
// as Prometheus metrics. The collector reads snapshots at scrape time, so the
// transports keep their own lock-free counters and never import Prometheus.
package metrics

import (
	"net/http"
	"strconv"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/gamenet-io/gamenet-go/pkg/reactor"
	"github.com/gamenet-io/gamenet-go/pkg/rudp"
	"github.com/gamenet-io/gamenet-go/pkg/transport"
)

// DefaultNamespace prefixes every metric name.
const DefaultNamespace = "gamenet"

// ReactorSource is satisfied by *reactor.Reactor.
type ReactorSource interface {
	Stats() reactor.Stats
}

// ServerSource is satisfied by *transport.Server.
type ServerSource interface {
	Stats() transport.ServerStats
}

// HubSource is satisfied by *rudp.Hub.
type HubSource interface {
	Stats() rudp.HubStats
	Peers() []*rudp.Peer
}

// Options selects the sources to export. Nil sources are skipped.
type Options struct {
	Namespace string
	Reactor   ReactorSource
	Server    ServerSource
	Hub       HubSource
}

// Collector implements prometheus.Collector.
type Collector struct {
	opts Options

	reactorWorkers       *prometheus.Desc
	reactorRegistrations *prometheus.Desc
	reactorDispatched    *prometheus.Desc
	reactorErrors        *prometheus.Desc

	serverActive   *prometheus.Desc
	serverAccepted *prometheus.Desc
	serverRejected *prometheus.Desc

	hubPeers     *prometheus.Desc
	hubDatagrams *prometheus.Desc
	hubMalformed *prometheus.Desc
	hubUnknown   *prometheus.Desc
	hubAccepted  *prometheus.Desc
	hubSTUN      *prometheus.Desc

	peerState       *prometheus.Desc
	peerRTT         *prometheus.Desc
	peerOutstanding *prometheus.Desc
	peerQueued      *prometheus.Desc
	peerDatagrams   *prometheus.Desc
	peerBytes       *prometheus.Desc
	peerRetransmits *prometheus.Desc
	peerDuplicates  *prometheus.Desc
	peerDelivered   *prometheus.Desc
}

// NewCollector creates a collector over the given sources.
func NewCollector(opts Options) *Collector {
	if opts.Namespace == "" {
		opts.Namespace = DefaultNamespace
	}
	ns := opts.Namespace
	desc := func(sub, name, help string, labels ...string) *prometheus.Desc {
		return prometheus.NewDesc(prometheus.BuildFQName(ns, sub, name), help, labels, nil)
	}
	peer := []string{"self", "peer"}

	return &Collector{
		opts: opts,

		reactorWorkers:       desc("reactor", "workers", "Number of reactor worker goroutines."),
		reactorRegistrations: desc("reactor", "registrations", "Sockets registered with the reactor."),
		reactorDispatched:    desc("reactor", "dispatched_total", "Completions dispatched to handlers."),
		reactorErrors:        desc("reactor", "errors_total", "Completions that carried an error."),

		serverActive:   desc("tcp", "channels", "Open stream channels."),
		serverAccepted: desc("tcp", "accepted_total", "Accepted stream connections."),
		serverRejected: desc("tcp", "rejected_total", "Rejected stream connections."),

		hubPeers:     desc("udp", "peers", "Datagram peers known to the hub."),
		hubDatagrams: desc("udp", "datagrams_total", "Datagrams on the hub socket.", "direction"),
		hubMalformed: desc("udp", "malformed_total", "Datagrams with an undecodable header."),
		hubUnknown:   desc("udp", "unknown_total", "Datagrams for an unknown tag pair."),
		hubAccepted:  desc("udp", "accepted_total", "Peers created by passive open."),
		hubSTUN:      desc("udp", "stun_total", "STUN responses received."),

		peerState:       desc("peer", "state", "Peer state (0 INITIAL to 5 CLOSED).", peer...),
		peerRTT:         desc("peer", "rtt_seconds", "Average round trip time.", peer...),
		peerOutstanding: desc("peer", "outstanding", "Sent segments awaiting acknowledgement.", peer...),
		peerQueued:      desc("peer", "queued", "Segments waiting for window space.", peer...),
		peerDatagrams:   desc("peer", "datagrams_total", "Datagrams exchanged with the peer.", append(peer, "direction")...),
		peerBytes:       desc("peer", "bytes_total", "Bytes exchanged with the peer.", append(peer, "direction")...),
		peerRetransmits: desc("peer", "retransmits_total", "Segments sent more than once.", peer...),
		peerDuplicates:  desc("peer", "duplicates_total", "Duplicate segments received.", peer...),
		peerDelivered:   desc("peer", "delivered_total", "Messages delivered to the handler.", peer...),
	}
}

// Describe implements prometheus.Collector.
func (c *Collector) Describe(ch chan<- *prometheus.Desc) {
	for _, d := range []*prometheus.Desc{
		c.reactorWorkers, c.reactorRegistrations, c.reactorDispatched, c.reactorErrors,
		c.serverActive, c.serverAccepted, c.serverRejected,
		c.hubPeers, c.hubDatagrams, c.hubMalformed, c.hubUnknown, c.hubAccepted, c.hubSTUN,
		c.peerState, c.peerRTT, c.peerOutstanding, c.peerQueued, c.peerDatagrams, c.peerBytes,
		c.peerRetransmits, c.peerDuplicates, c.peerDelivered,
	} {
		ch <- d
	}
}

// Collect implements prometheus.Collector.
func (c *Collector) Collect(ch chan<- prometheus.Metric) {
	gauge := func(d *prometheus.Desc, v float64, labels ...string) {
		ch <- prometheus.MustNewConstMetric(d, prometheus.GaugeValue, v, labels...)
	}
	counter := func(d *prometheus.Desc, v uint64, labels ...string) {
		ch <- prometheus.MustNewConstMetric(d, prometheus.CounterValue, float64(v), labels...)
	}

	if c.opts.Reactor != nil {
		s := c.opts.Reactor.Stats()
		gauge(c.reactorWorkers, float64(s.Workers))
		gauge(c.reactorRegistrations, float64(s.Registrations))
		counter(c.reactorDispatched, s.Dispatched)
		counter(c.reactorErrors, s.Errors)
	}

	if c.opts.Server != nil {
		s := c.opts.Server.Stats()
		gauge(c.serverActive, float64(s.Active))
		counter(c.serverAccepted, s.Accepted)
		counter(c.serverRejected, s.Rejected)
	}

	if c.opts.Hub == nil {
		return
	}
	s := c.opts.Hub.Stats()
	gauge(c.hubPeers, float64(s.Peers))
	counter(c.hubDatagrams, s.DatagramsIn, "in")
	counter(c.hubDatagrams, s.DatagramsOut, "out")
	counter(c.hubMalformed, s.Malformed)
	counter(c.hubUnknown, s.Unknown)
	counter(c.hubAccepted, s.Accepted)
	counter(c.hubSTUN, s.STUN)

	for _, p := range c.opts.Hub.Peers() {
		ps := p.Stats()
		self := strconv.FormatUint(uint64(p.Self()), 10)
		remote := strconv.FormatUint(uint64(p.Remote()), 10)

		gauge(c.peerState, float64(ps.State), self, remote)
		gauge(c.peerRTT, ps.Window.AverageRTT.Seconds(), self, remote)
		gauge(c.peerOutstanding, float64(ps.Window.Outstanding), self, remote)
		gauge(c.peerQueued, float64(ps.Window.Queued), self, remote)
		counter(c.peerDatagrams, ps.DatagramsIn, self, remote, "in")
		counter(c.peerDatagrams, ps.DatagramsOut, self, remote, "out")
		counter(c.peerBytes, ps.BytesIn, self, remote, "in")
		counter(c.peerBytes, ps.BytesOut, self, remote, "out")
		counter(c.peerRetransmits, ps.Window.Retransmits, self, remote)
		counter(c.peerDuplicates, ps.Window.Duplicates, self, remote)
		counter(c.peerDelivered, ps.Window.Delivered, self, remote)
	}
}

// Handler returns an HTTP handler serving the metrics of a fresh registry
// holding c and the Go runtime collectors.
func Handler(c *Collector) (http.Handler, error) {
	reg := prometheus.NewRegistry()
	if err := reg.Register(c); err != nil {
		return nil, err
	}
	if err := reg.Register(collectors.NewGoCollector()); err != nil {
		return nil, err
	}
	return promhttp.HandlerFor(reg, promhttp.HandlerOpts{}), nil
}

var _ prometheus.Collector = (*Collector)(nil)
