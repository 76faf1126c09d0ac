package rudp

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/netip"
	"sync"
	"sync/atomic"
	"syscall"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/pion/stun"
	"go.uber.org/multierr"

	"github.com/gamenet-io/gamenet-go/pkg/log"
	"github.com/gamenet-io/gamenet-go/pkg/reactor"
)

// Hub defaults.
const (
	DefaultAddress      = ":7701"
	DefaultTickInterval = 10 * time.Millisecond
	DefaultSTUNRetry    = 500 * time.Millisecond

	readBufferSize = 2048
)

// Hub errors.
var (
	ErrHubClosed  = errors.New("rudp: hub closed")
	ErrPeerExists = errors.New("rudp: peer already exists")
	ErrNoSTUN     = errors.New("rudp: no mapped address in stun response")
)

// AcceptFunc decides whether to answer a SYN from an unknown peer. It
// returns the handler for the new peer, or nil to ignore the SYN.
type AcceptFunc func(self, remote uint32, from netip.AddrPort) Handler

// HubConfig configures a Hub.
type HubConfig struct {
	// Address is the UDP listen address (default: ":7701").
	Address string

	// Peer is the configuration of every peer the hub creates. Logger,
	// Capture and Clock default to the hub's.
	Peer PeerConfig

	// Accept enables passive open (optional).
	Accept AcceptFunc

	// Logger for operational logging (default: slog.Default()).
	Logger *slog.Logger

	// Capture receives protocol events (optional).
	Capture log.Logger

	// Clock drives the tick loop and all peer timers (default: wall clock).
	Clock clock.Clock
}

// HubStats is a snapshot of hub counters.
type HubStats struct {
	Peers        int
	DatagramsIn  uint64
	DatagramsOut uint64
	Malformed    uint64
	Unknown      uint64
	Accepted     uint64
	STUN         uint64
}

type peerKey struct {
	self, remote uint32
}

// Hub multiplexes many peers over one UDP socket registered with a reactor.
// Datagrams are decoded on reactor workers and buffered in the addressed
// peer; Run processes them and drives every peer's timers.
type Hub struct {
	r      *reactor.Reactor
	cfg    HubConfig
	log    *slog.Logger
	conn   *net.UDPConn
	reg    *reactor.Registration
	recvOp *reactor.Operation

	// readBuf is only touched by the single in-flight read callback.
	readBuf []byte

	mu    sync.RWMutex
	peers map[peerKey]*Peer

	stunMu   sync.Mutex
	stunWait map[[stun.TransactionIDSize]byte]chan netip.AddrPort
	stunBusy atomic.Int32
	external atomic.Pointer[netip.AddrPort]

	closed atomic.Bool
	stop   chan struct{}
	wg     sync.WaitGroup

	datagramsIn  atomic.Uint64
	datagramsOut atomic.Uint64
	malformed    atomic.Uint64
	unknown      atomic.Uint64
	accepted     atomic.Uint64
	stunIn       atomic.Uint64
}

// NewHub binds the UDP socket and starts receiving.
func NewHub(r *reactor.Reactor, cfg HubConfig) (*Hub, error) {
	if r == nil {
		return nil, errors.New("rudp: reactor is required")
	}
	if cfg.Address == "" {
		cfg.Address = DefaultAddress
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	if cfg.Clock == nil {
		cfg.Clock = clock.New()
	}
	if cfg.Peer.Logger == nil {
		cfg.Peer.Logger = cfg.Logger
	}
	if cfg.Peer.Capture == nil {
		cfg.Peer.Capture = cfg.Capture
	}
	if cfg.Peer.Clock == nil {
		cfg.Peer.Clock = cfg.Clock
	}

	ua, err := net.ResolveUDPAddr("udp", cfg.Address)
	if err != nil {
		return nil, fmt.Errorf("rudp: resolve %s: %w", cfg.Address, err)
	}
	conn, err := net.ListenUDP("udp", ua)
	if err != nil {
		return nil, fmt.Errorf("rudp: listen %s: %w", cfg.Address, err)
	}

	h := &Hub{
		r:        r,
		cfg:      cfg,
		log:      cfg.Logger.With("component", "udp-hub"),
		conn:     conn,
		readBuf:  make([]byte, readBufferSize),
		peers:    make(map[peerKey]*Peer),
		stunWait: make(map[[stun.TransactionIDSize]byte]chan netip.AddrPort),
		stop:     make(chan struct{}),
	}

	reg, err := r.Associate(conn, h)
	if err != nil {
		conn.Close()
		return nil, err
	}
	h.reg = reg
	h.recvOp = reg.NewOperation(reactor.OpRead)
	if err := r.PostRecv(h.recvOp); err != nil {
		_ = reg.Close()
		return nil, fmt.Errorf("rudp: post recv: %w", err)
	}

	h.log.Info("hub listening", "addr", conn.LocalAddr().String())
	return h, nil
}

// LocalAddr returns the bound socket address.
func (h *Hub) LocalAddr() netip.AddrPort {
	return h.conn.LocalAddr().(*net.UDPAddr).AddrPort()
}

// External returns the reflexive address found by DiscoverExternal.
func (h *Hub) External() (netip.AddrPort, bool) {
	if p := h.external.Load(); p != nil {
		return *p, true
	}
	return netip.AddrPort{}, false
}

// Connect creates a peer for (self, remote) and starts its handshake
// towards candidates.
func (h *Hub) Connect(self, remote uint32, candidates []netip.AddrPort, handler Handler) (*Peer, error) {
	if h.closed.Load() {
		return nil, ErrHubClosed
	}
	key := peerKey{self, remote}
	p := NewPeer(self, remote, candidates, h, handler, h.cfg.Peer)

	h.mu.Lock()
	if _, ok := h.peers[key]; ok {
		h.mu.Unlock()
		return nil, fmt.Errorf("%w: %d->%d", ErrPeerExists, self, remote)
	}
	h.peers[key] = p
	h.mu.Unlock()

	if err := p.Connect(); err != nil {
		h.remove(key, p)
		return nil, err
	}
	return p, nil
}

// Peer returns the peer for (self, remote).
func (h *Hub) Peer(self, remote uint32) (*Peer, bool) {
	h.mu.RLock()
	defer h.mu.RUnlock()
	p, ok := h.peers[peerKey{self, remote}]
	return p, ok
}

// Peers returns every live peer.
func (h *Hub) Peers() []*Peer {
	h.mu.RLock()
	defer h.mu.RUnlock()
	out := make([]*Peer, 0, len(h.peers))
	for _, p := range h.peers {
		out = append(out, p)
	}
	return out
}

// Remove resets the peer for (self, remote) and forgets it.
func (h *Hub) Remove(self, remote uint32) {
	key := peerKey{self, remote}
	h.mu.Lock()
	p, ok := h.peers[key]
	delete(h.peers, key)
	h.mu.Unlock()
	if ok {
		p.Close()
	}
}

func (h *Hub) remove(key peerKey, p *Peer) {
	h.mu.Lock()
	if h.peers[key] == p {
		delete(h.peers, key)
	}
	h.mu.Unlock()
}

// Broadcast sends body to every open peer.
func (h *Hub) Broadcast(qos QoS, body []byte) error {
	var errs error
	for _, p := range h.Peers() {
		if p.State() != StateOpen {
			continue
		}
		if err := p.Send(qos, body); err != nil {
			errs = multierr.Append(errs, fmt.Errorf("peer %d: %w", p.Remote(), err))
		}
	}
	return errs
}

// Run processes buffered datagrams and timers of every peer once and
// forgets peers that reached StateClosed.
func (h *Hub) Run() {
	h.mu.RLock()
	peers := make(map[peerKey]*Peer, len(h.peers))
	for k, p := range h.peers {
		peers[k] = p
	}
	h.mu.RUnlock()

	for k, p := range peers {
		p.Run()
		if p.State() == StateClosed {
			h.remove(k, p)
		}
	}
}

// Start calls Run every interval until ctx is done or the hub is closed.
func (h *Hub) Start(ctx context.Context, interval time.Duration) {
	if interval <= 0 {
		interval = DefaultTickInterval
	}
	t := h.cfg.Clock.Ticker(interval)
	h.wg.Add(1)
	go func() {
		defer h.wg.Done()
		defer t.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-h.stop:
				return
			case <-t.C:
				h.Run()
			}
		}
	}()
}

// Close resets every peer, stops the tick loop and closes the socket once
// the reactor released it.
func (h *Hub) Close() error {
	if h.closed.Swap(true) {
		return nil
	}
	close(h.stop)
	h.wg.Wait()

	h.mu.Lock()
	peers := h.peers
	h.peers = make(map[peerKey]*Peer)
	h.mu.Unlock()
	for _, p := range peers {
		p.Close()
	}

	var errs error
	errs = multierr.Append(errs, h.reg.Close())
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	errs = multierr.Append(errs, h.reg.Wait(ctx))
	return errs
}

// Stats returns a snapshot of the hub counters.
func (h *Hub) Stats() HubStats {
	h.mu.RLock()
	n := len(h.peers)
	h.mu.RUnlock()
	return HubStats{
		Peers:        n,
		DatagramsIn:  h.datagramsIn.Load(),
		DatagramsOut: h.datagramsOut.Load(),
		Malformed:    h.malformed.Load(),
		Unknown:      h.unknown.Load(),
		Accepted:     h.accepted.Load(),
		STUN:         h.stunIn.Load(),
	}
}

// WriteTo implements Sender.
func (h *Hub) WriteTo(p []byte, addr netip.AddrPort) error {
	if h.closed.Load() && h.reg.Closed() {
		return ErrHubClosed
	}
	if _, err := h.conn.WriteToUDPAddrPort(p, addr); err != nil {
		return err
	}
	h.datagramsOut.Add(1)
	return nil
}

// OnRecvCompleted implements reactor.Handler. It drains the socket and
// re-arms the read probe.
func (h *Hub) OnRecvCompleted(*reactor.Operation) {
	for {
		n, from, err := h.reg.ReadFrom(h.readBuf)
		if err != nil {
			if errors.Is(err, reactor.ErrWouldBlock) {
				break
			}
			if errors.Is(err, syscall.ECONNREFUSED) {
				continue
			}
			if h.reg.Closed() {
				return
			}
			h.log.Debug("read failed", "error", err)
			break
		}
		h.datagramsIn.Add(1)
		h.handleDatagram(h.readBuf[:n], from)
	}

	if err := h.r.PostRecv(h.recvOp); err != nil && !errors.Is(err, reactor.ErrClosed) {
		h.log.Warn("post recv failed", "error", err)
	}
}

// OnSendCompleted implements reactor.Handler. Datagrams are written
// directly, so no write operation is ever posted.
func (h *Hub) OnSendCompleted(*reactor.Operation) {}

// OnIoError implements reactor.Handler.
func (h *Hub) OnIoError(_ *reactor.Operation, err error) {
	if errors.Is(err, reactor.ErrAborted) {
		return
	}
	h.log.Warn("io error", "error", err)
}

func (h *Hub) handleDatagram(p []byte, from netip.AddrPort) {
	// Tags can collide with the STUN magic cookie, so only look for STUN
	// while a discovery is running.
	if h.stunBusy.Load() > 0 && stun.IsMessage(p) {
		h.handleSTUN(p)
		return
	}

	hdr, body, err := Unmarshal(p)
	if err != nil {
		h.malformed.Add(1)
		h.log.Debug("malformed datagram", "from", from, "error", err)
		return
	}

	key := peerKey{self: hdr.DstID, remote: hdr.SrcID}
	h.mu.RLock()
	peer, ok := h.peers[key]
	h.mu.RUnlock()

	if !ok {
		peer = h.accept(key, hdr, from)
		if peer == nil {
			h.unknown.Add(1)
			return
		}
	}
	peer.Deliver(hdr, body, from)
}

// accept creates a passive peer for a SYN from an unknown tag pair.
func (h *Hub) accept(key peerKey, hdr Header, from netip.AddrPort) *Peer {
	if h.cfg.Accept == nil || !hdr.Flags.Has(FlagSYN) || hdr.Flags.Has(FlagACK) || h.closed.Load() {
		return nil
	}
	handler := h.cfg.Accept(key.self, key.remote, from)
	if handler == nil {
		return nil
	}
	p := NewPeer(key.self, key.remote, nil, h, handler, h.cfg.Peer)

	h.mu.Lock()
	defer h.mu.Unlock()
	if existing, ok := h.peers[key]; ok {
		return existing
	}
	h.peers[key] = p
	h.accepted.Add(1)
	h.log.Debug("peer accepted", "self", key.self, "peer", key.remote, "from", from)
	return p
}

// DiscoverExternal asks a STUN server for the hub's reflexive address,
// resending the binding request until ctx is done.
func (h *Hub) DiscoverExternal(ctx context.Context, server string) (netip.AddrPort, error) {
	ua, err := net.ResolveUDPAddr("udp", server)
	if err != nil {
		return netip.AddrPort{}, fmt.Errorf("rudp: resolve stun server: %w", err)
	}
	dst := ua.AddrPort()

	msg, err := stun.Build(stun.TransactionID, stun.BindingRequest, stun.Fingerprint)
	if err != nil {
		return netip.AddrPort{}, fmt.Errorf("rudp: build stun request: %w", err)
	}

	ch := make(chan netip.AddrPort, 1)
	h.stunMu.Lock()
	h.stunWait[msg.TransactionID] = ch
	h.stunMu.Unlock()
	h.stunBusy.Add(1)
	defer func() {
		h.stunBusy.Add(-1)
		h.stunMu.Lock()
		delete(h.stunWait, msg.TransactionID)
		h.stunMu.Unlock()
	}()

	t := h.cfg.Clock.Ticker(DefaultSTUNRetry)
	defer t.Stop()
	for {
		if err := h.WriteTo(msg.Raw, dst); err != nil {
			return netip.AddrPort{}, fmt.Errorf("rudp: stun request: %w", err)
		}
		select {
		case addr := <-ch:
			h.external.Store(&addr)
			h.log.Info("external address", "addr", addr, "server", server)
			return addr, nil
		case <-t.C:
		case <-ctx.Done():
			return netip.AddrPort{}, fmt.Errorf("rudp: stun %s: %w", server, ctx.Err())
		}
	}
}

func (h *Hub) handleSTUN(p []byte) {
	h.stunIn.Add(1)
	m := &stun.Message{Raw: append([]byte(nil), p...)}
	if err := m.Decode(); err != nil {
		h.log.Debug("bad stun message", "error", err)
		return
	}
	addr, err := mappedAddress(m)
	if err != nil {
		h.log.Debug("stun response", "error", err)
		return
	}

	h.stunMu.Lock()
	ch, ok := h.stunWait[m.TransactionID]
	h.stunMu.Unlock()
	if !ok {
		return
	}
	select {
	case ch <- addr:
	default:
	}
}

func mappedAddress(m *stun.Message) (netip.AddrPort, error) {
	var ip net.IP
	var port int

	var xor stun.XORMappedAddress
	if err := xor.GetFrom(m); err == nil {
		ip, port = xor.IP, xor.Port
	} else {
		var mapped stun.MappedAddress
		if err := mapped.GetFrom(m); err != nil {
			return netip.AddrPort{}, ErrNoSTUN
		}
		ip, port = mapped.IP, mapped.Port
	}

	a, ok := netip.AddrFromSlice(ip)
	if !ok {
		return netip.AddrPort{}, ErrNoSTUN
	}
	return netip.AddrPortFrom(a.Unmap(), uint16(port)), nil
}

var (
	_ reactor.Handler = (*Hub)(nil)
	_ Sender          = (*Hub)(nil)
)
