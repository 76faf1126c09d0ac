package rudp

import (
	"errors"
	"fmt"
	"log/slog"
	"net/netip"
	"sync"
	"time"

	"github.com/benbjohnson/clock"

	"github.com/gamenet-io/gamenet-go/pkg/log"
)

// Peer errors.
var (
	ErrNotOpen     = errors.New("rudp: peer not open")
	ErrPeerClosed  = errors.New("rudp: peer closed")
	ErrNoCandidate = errors.New("rudp: no candidate address")
)

// Peer timer defaults.
const (
	DefaultSynInterval       = 200 * time.Millisecond
	DefaultOpenTimeout       = 10 * time.Second
	DefaultKeepAliveInterval = time.Second
	DefaultInactivityTimeout = 10 * time.Second
	DefaultCloseWaitTimeout  = 2 * time.Second
)

// State is the connection state of a Peer.
type State uint8

const (
	StateInitial State = iota
	StateSynSent
	StateSynRcvd
	StateOpen
	StateCloseWait
	StateClosed
)

// String returns the state name.
func (s State) String() string {
	switch s {
	case StateInitial:
		return "INITIAL"
	case StateSynSent:
		return "SYN_SENT"
	case StateSynRcvd:
		return "SYN_RCVD"
	case StateOpen:
		return "OPEN"
	case StateCloseWait:
		return "CLOSE_WAIT"
	case StateClosed:
		return "CLOSED"
	default:
		return "UNKNOWN"
	}
}

// TimeoutKind tells an open timeout from an inactivity timeout.
type TimeoutKind uint8

const (
	// TimeoutOpen means the handshake never completed.
	TimeoutOpen TimeoutKind = iota
	// TimeoutInactivity means an open peer went silent.
	TimeoutInactivity
)

// String returns the timeout name.
func (k TimeoutKind) String() string {
	switch k {
	case TimeoutOpen:
		return "OPEN"
	case TimeoutInactivity:
		return "INACTIVITY"
	default:
		return "UNKNOWN"
	}
}

// Handler receives peer events. Callbacks run on the goroutine that calls
// Run, Send or Close, never with peer locks held.
type Handler interface {
	OnMessage(p *Peer, qos QoS, body []byte)
	OnStateChange(p *Peer, old, new State)
	OnTimeout(p *Peer, kind TimeoutKind)
}

// HandlerFuncs adapts optional functions to Handler.
type HandlerFuncs struct {
	Message     func(p *Peer, qos QoS, body []byte)
	StateChange func(p *Peer, old, new State)
	Timeout     func(p *Peer, kind TimeoutKind)
}

// OnMessage implements Handler.
func (f HandlerFuncs) OnMessage(p *Peer, qos QoS, body []byte) {
	if f.Message != nil {
		f.Message(p, qos, body)
	}
}

// OnStateChange implements Handler.
func (f HandlerFuncs) OnStateChange(p *Peer, old, new State) {
	if f.StateChange != nil {
		f.StateChange(p, old, new)
	}
}

// OnTimeout implements Handler.
func (f HandlerFuncs) OnTimeout(p *Peer, kind TimeoutKind) {
	if f.Timeout != nil {
		f.Timeout(p, kind)
	}
}

// Sender writes one datagram to addr.
type Sender interface {
	WriteTo(p []byte, addr netip.AddrPort) error
}

// PeerConfig configures a Peer.
type PeerConfig struct {
	// SynInterval is the SYN and hole-punch resend interval.
	SynInterval time.Duration

	// OpenTimeout bounds the handshake.
	OpenTimeout time.Duration

	// KeepAliveInterval is the idle time after which a NUL is sent.
	KeepAliveInterval time.Duration

	// InactivityTimeout closes an open peer that received nothing.
	InactivityTimeout time.Duration

	// CloseWaitTimeout is the grace period between CLOSE_WAIT and CLOSED.
	CloseWaitTimeout time.Duration

	Window WindowConfig

	// Logger for operational logging (default: slog.Default()).
	Logger *slog.Logger

	// Capture receives protocol events (optional).
	Capture log.Logger

	// Clock drives all timers (default: wall clock).
	Clock clock.Clock
}

func (c *PeerConfig) applyDefaults() {
	if c.SynInterval <= 0 {
		c.SynInterval = DefaultSynInterval
	}
	if c.OpenTimeout <= 0 {
		c.OpenTimeout = DefaultOpenTimeout
	}
	if c.KeepAliveInterval <= 0 {
		c.KeepAliveInterval = DefaultKeepAliveInterval
	}
	if c.InactivityTimeout <= 0 {
		c.InactivityTimeout = DefaultInactivityTimeout
	}
	if c.CloseWaitTimeout <= 0 {
		c.CloseWaitTimeout = DefaultCloseWaitTimeout
	}
	if c.Logger == nil {
		c.Logger = slog.Default()
	}
	if c.Clock == nil {
		c.Clock = clock.New()
	}
}

// PeerStats is a snapshot of peer counters.
type PeerStats struct {
	State         State
	Addr          netip.AddrPort
	DatagramsIn   uint64
	DatagramsOut  uint64
	BytesIn       uint64
	BytesOut      uint64
	Dropped       uint64
	SynSent       uint64
	KeepAlives    uint64
	Window        WindowStats
	LastReceived  time.Time
	EstablishedAt time.Time
}

type inbound struct {
	hdr  Header
	body []byte
	from netip.AddrPort
}

// Peer is one reliable datagram connection identified by a pair of
// caller-assigned tags. Datagrams handed in by the owner are buffered and
// processed by Run, which also drives every timer.
type Peer struct {
	cfg     PeerConfig
	self    uint32
	remote  uint32
	out     Sender
	h       Handler
	log     *slog.Logger
	capture log.Logger

	inMu      sync.Mutex
	accBlock  []inbound
	runMu     sync.Mutex
	readBlock []inbound

	mu         sync.Mutex
	state      State
	candidates []netip.AddrPort
	addr       netip.AddrPort
	settled    bool
	win        *Window
	openedAt   time.Time
	lastRecv   time.Time
	lastSend   time.Time
	lastSyn    time.Time
	closingAt  time.Time
	stats      PeerStats

	done     chan struct{}
	doneOnce sync.Once
}

// NewPeer creates a peer in StateInitial. candidates are the addresses the
// remote may be reached at (internal and external); it may be empty for a
// peer that only answers.
func NewPeer(self, remote uint32, candidates []netip.AddrPort, out Sender, h Handler, cfg PeerConfig) *Peer {
	cfg.applyDefaults()
	if h == nil {
		h = HandlerFuncs{}
	}
	p := &Peer{
		cfg:        cfg,
		self:       self,
		remote:     remote,
		out:        out,
		h:          h,
		log:        cfg.Logger.With("component", "rudp", "self", self, "peer", remote),
		capture:    log.OrNoop(cfg.Capture),
		candidates: append([]netip.AddrPort(nil), candidates...),
		win:        NewWindow(cfg.Window),
		done:       make(chan struct{}),
	}
	if len(candidates) == 1 {
		p.addr = candidates[0]
		p.settled = true
	}
	return p
}

// Self returns the local tag.
func (p *Peer) Self() uint32 { return p.self }

// Remote returns the remote tag.
func (p *Peer) Remote() uint32 { return p.remote }

// State returns the current state.
func (p *Peer) State() State {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.state
}

// Addr returns the settled remote address, if any.
func (p *Peer) Addr() (netip.AddrPort, bool) {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.addr, p.settled
}

// Done returns a channel closed once the peer reaches StateClosed.
func (p *Peer) Done() <-chan struct{} { return p.done }

// Stats returns a snapshot of the peer counters.
func (p *Peer) Stats() PeerStats {
	p.mu.Lock()
	defer p.mu.Unlock()
	s := p.stats
	s.State = p.state
	s.Addr = p.addr
	s.Window = p.win.Stats()
	s.LastReceived = p.lastRecv
	return s
}

// batch collects side effects produced under mu and runs them after mu is
// released.
type batch struct {
	p      *Peer
	sends  []Datagram
	events []func()
}

func (b *batch) send(d Datagram) { b.sends = append(b.sends, d) }

func (b *batch) event(fn func()) { b.events = append(b.events, fn) }

func (b *batch) flush() {
	for _, d := range b.sends {
		b.p.write(d)
	}
	for _, fn := range b.events {
		fn()
	}
}

// Connect starts the active open: the peer moves to SYN_SENT and sends SYN
// (and hole-punch probes while the address is unsettled).
func (p *Peer) Connect() error {
	p.mu.Lock()
	if p.state != StateInitial {
		st := p.state
		p.mu.Unlock()
		return fmt.Errorf("rudp: connect in state %s", st)
	}
	if !p.settled && len(p.candidates) == 0 {
		p.mu.Unlock()
		return ErrNoCandidate
	}
	b := &batch{p: p}
	now := p.cfg.Clock.Now()
	p.openedAt = now
	p.setState(b, StateSynSent, "connect")
	p.sendSyn(b, now, false)
	p.mu.Unlock()

	b.flush()
	return nil
}

// Send transmits body with the given QoS. The peer must be open.
func (p *Peer) Send(qos QoS, body []byte) error {
	p.mu.Lock()
	if st := p.state; st != StateOpen {
		p.mu.Unlock()
		if st >= StateCloseWait {
			return ErrPeerClosed
		}
		return ErrNotOpen
	}
	now := p.cfg.Clock.Now()
	if err := p.win.Send(qos, body, now); err != nil {
		p.mu.Unlock()
		return err
	}
	b := &batch{p: p}
	p.collect(b)
	p.mu.Unlock()

	b.flush()
	return nil
}

// Close resets the connection. An open or opening peer sends RST and moves
// to CLOSE_WAIT; a peer that never started closes at once.
func (p *Peer) Close() {
	p.mu.Lock()
	b := &batch{p: p}
	switch p.state {
	case StateInitial:
		p.setState(b, StateClosed, "closed")
	case StateSynSent, StateSynRcvd, StateOpen:
		p.sendControl(b, FlagRST)
		p.enterCloseWait(b, p.cfg.Clock.Now(), "closed")
	}
	p.mu.Unlock()

	b.flush()
}

// Deliver hands one decoded datagram to the peer. It is called on the
// reader's goroutine and only buffers; Run processes the datagram.
func (p *Peer) Deliver(h Header, body []byte, from netip.AddrPort) {
	in := inbound{hdr: h, body: append([]byte(nil), body...), from: from}
	p.inMu.Lock()
	p.accBlock = append(p.accBlock, in)
	p.inMu.Unlock()
}

// Run processes buffered datagrams and drives the timers.
func (p *Peer) Run() {
	p.runMu.Lock()
	defer p.runMu.Unlock()

	p.inMu.Lock()
	p.readBlock, p.accBlock = p.accBlock, p.readBlock[:0]
	p.inMu.Unlock()

	p.mu.Lock()
	b := &batch{p: p}
	now := p.cfg.Clock.Now()
	for i := range p.readBlock {
		in := &p.readBlock[i]
		p.process(b, in, now)
		*in = inbound{}
	}
	p.tick(b, now)
	p.collect(b)
	p.mu.Unlock()

	b.flush()
}

// process handles one datagram. Flags are taken in the order SYN, RST, NUL,
// ACK, EAK, payload.
func (p *Peer) process(b *batch, in *inbound, now time.Time) {
	h := in.hdr
	if p.state == StateCloseWait || p.state == StateClosed {
		p.stats.Dropped++
		return
	}
	if p.settled && in.from != p.addr && p.state == StateOpen {
		p.stats.Dropped++
		return
	}

	p.stats.DatagramsIn++
	p.stats.BytesIn += uint64(int(h.HeaderLen) + len(in.body))
	p.lastRecv = now
	p.captureDatagram(log.DirectionIn, h, false)

	// Until the peer is open the latest source wins, so a NAT mapping that
	// differs from every candidate still settles.
	if !p.settled || in.from != p.addr {
		p.addr = in.from
		p.settled = true
		p.log.Debug("address settled", "addr", in.from)
	}

	if h.Flags.Has(FlagSYN) {
		p.onSyn(b, h, now)
	}

	if h.Flags.Has(FlagRST) {
		if p.state != StateInitial {
			p.enterCloseWait(b, now, "reset by peer")
		}
		return
	}

	// NUL only refreshes lastRecv.

	if h.Flags.Has(FlagACK) {
		switch p.state {
		case StateSynSent, StateSynRcvd:
			if !h.Flags.Has(FlagSYN) {
				p.open(b, now)
			}
		case StateOpen:
			p.win.OnAck(h.Ack, now)
		}
	}

	if p.state != StateOpen {
		return
	}

	if h.Flags.Has(FlagEAK) {
		p.win.OnEAK(h.EAK, now)
	}

	switch {
	case h.Flags.Has(FlagRLE):
		p.win.Receive(h, in.body, now)
	case len(in.body) > 0:
		p.win.ReceiveLossy(in.body)
	}
}

func (p *Peer) onSyn(b *batch, h Header, now time.Time) {
	switch p.state {
	case StateInitial:
		p.openedAt = now
		p.setState(b, StateSynRcvd, "passive open")
		p.sendSyn(b, now, true)

	case StateSynSent:
		if h.Flags.Has(FlagACK) {
			// The peer answered our SYN.
			p.sendControl(b, FlagACK)
			p.open(b, now)
			return
		}
		p.setState(b, StateSynRcvd, "simultaneous open")
		p.sendSyn(b, now, true)

	case StateSynRcvd:
		if h.Flags.Has(FlagACK) {
			p.sendControl(b, FlagACK)
			p.open(b, now)
			return
		}
		p.sendSyn(b, now, true)

	case StateOpen:
		// Our handshake reply was lost.
		if h.Flags.Has(FlagACK) {
			p.sendControl(b, FlagACK)
		} else {
			p.sendSyn(b, now, true)
		}
	}
}

func (p *Peer) open(b *batch, now time.Time) {
	if p.state == StateOpen {
		return
	}
	p.stats.EstablishedAt = now
	p.setState(b, StateOpen, "")
}

func (p *Peer) tick(b *batch, now time.Time) {
	switch p.state {
	case StateSynSent, StateSynRcvd:
		if now.Sub(p.openedAt) >= p.cfg.OpenTimeout {
			p.log.Info("open timed out", "after", p.cfg.OpenTimeout)
			p.sendControl(b, FlagRST)
			p.setState(b, StateClosed, "open timeout")
			b.event(func() { p.h.OnTimeout(p, TimeoutOpen) })
			return
		}
		if now.Sub(p.lastSyn) >= p.cfg.SynInterval {
			p.sendSyn(b, now, p.state == StateSynRcvd)
		}

	case StateOpen:
		if now.Sub(p.lastRecv) >= p.cfg.InactivityTimeout {
			p.log.Info("peer inactive", "after", p.cfg.InactivityTimeout)
			p.sendControl(b, FlagRST)
			p.enterCloseWait(b, now, "inactivity timeout")
			b.event(func() { p.h.OnTimeout(p, TimeoutInactivity) })
			return
		}
		p.win.Tick(now)
		if len(p.win.out) == 0 && now.Sub(p.lastSend) >= p.cfg.KeepAliveInterval {
			p.stats.KeepAlives++
			p.sendControl(b, FlagNUL)
		}

	case StateCloseWait:
		if now.Sub(p.closingAt) >= p.cfg.CloseWaitTimeout {
			p.setState(b, StateClosed, "")
		}
	}
}

// sendSyn sends SYN, or SYN|ACK in reply, to the settled address or every
// candidate, plus HPN probes while the address is unsettled.
func (p *Peer) sendSyn(b *batch, now time.Time, reply bool) {
	p.lastSyn = now
	p.stats.SynSent++
	d := Datagram{Header: Header{Flags: FlagSYN}}
	if reply {
		p.win.Stamp(&d.Header)
	}
	b.send(d)
	if !p.settled && len(p.candidates) > 1 {
		b.send(Datagram{Header: Header{Flags: FlagHPN}})
	}
}

func (p *Peer) sendControl(b *batch, f Flags) {
	d := Datagram{Header: Header{Flags: f}}
	if f != FlagRST {
		p.win.Stamp(&d.Header)
	}
	b.send(d)
}

func (p *Peer) enterCloseWait(b *batch, now time.Time, reason string) {
	if p.state >= StateCloseWait {
		return
	}
	p.closingAt = now
	p.setState(b, StateCloseWait, reason)
}

// collect moves window output and deliveries into b.
func (p *Peer) collect(b *batch) {
	for _, d := range p.win.TakeOutput() {
		b.send(d)
	}
	for _, d := range p.win.TakeDeliveries() {
		b.event(func() { p.h.OnMessage(p, d.QoS, d.Body) })
	}
}

func (p *Peer) setState(b *batch, next State, reason string) {
	old := p.state
	if old == next {
		return
	}
	p.state = next
	p.log.Debug("peer state", "from", old.String(), "to", next.String(), "reason", reason)
	p.capture.Log(log.Event{
		Timestamp: p.cfg.Clock.Now(),
		Layer:     log.LayerDatagram,
		Category:  log.CategoryState,
		LocalTag:  p.self,
		PeerTag:   p.remote,
		StateChange: &log.StateChangeEvent{
			Entity:   log.StateEntityPeer,
			OldState: old.String(),
			NewState: next.String(),
			Reason:   reason,
		},
	})
	b.event(func() { p.h.OnStateChange(p, old, next) })
	if next == StateClosed {
		b.event(func() { p.doneOnce.Do(func() { close(p.done) }) })
	}
}

// write encodes d and sends it to the settled address or, during the
// handshake, to every candidate.
func (p *Peer) write(d Datagram) {
	d.Header.SrcID = p.self
	d.Header.DstID = p.remote
	buf, err := d.Header.Marshal(d.Body)
	if err != nil {
		p.log.Warn("encode failed", "error", err)
		return
	}

	p.mu.Lock()
	targets := []netip.AddrPort{p.addr}
	if !p.settled {
		targets = p.candidates
	}
	p.lastSend = p.cfg.Clock.Now()
	p.stats.DatagramsOut += uint64(len(targets))
	p.stats.BytesOut += uint64(len(buf) * len(targets))
	p.mu.Unlock()

	p.captureDatagram(log.DirectionOut, d.Header, d.Retransmit)
	for _, addr := range targets {
		if err := p.out.WriteTo(buf, addr); err != nil {
			p.log.Debug("write failed", "addr", addr, "error", err)
		}
	}
}

func (p *Peer) captureDatagram(dir log.Direction, h Header, retransmit bool) {
	p.capture.Log(log.Event{
		Timestamp: p.cfg.Clock.Now(),
		Direction: dir,
		Layer:     log.LayerDatagram,
		Category:  datagramCategory(h.Flags),
		LocalTag:  p.self,
		PeerTag:   p.remote,
		Datagram: &log.DatagramEvent{
			Flags:      h.Flags.String(),
			Seq:        h.Seq,
			Ack:        h.Ack,
			BodyLen:    h.BodyLen,
			EAK:        h.EAK,
			Retransmit: retransmit,
		},
	})
}

func datagramCategory(f Flags) log.Category {
	if f.Has(FlagRLE) {
		return log.CategoryMessage
	}
	return log.CategoryControl
}
